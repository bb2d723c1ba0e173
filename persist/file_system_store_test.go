package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), testTenant)
	require.NoError(t, err)
	testStoreImplementation(t, store)
}

func TestFileSystemStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileSystemStore(dir, testTenant)
	require.NoError(t, err)
	require.NoError(t, store.SetItem("__sealbox_salt__", []byte("c2FsdA==")))
	require.NoError(t, store.SetItem("plain", []byte("value")))
	require.NoError(t, store.Close())

	reopened, err := NewFileSystemStore(dir, testTenant)
	require.NoError(t, err)

	value, err := reopened.GetItem("__sealbox_salt__")
	require.NoError(t, err)
	assert.Equal(t, "c2FsdA==", string(value))

	keys, err := reopened.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"__sealbox_salt__", "plain"}, keys)
}

func TestFileSystemStoreFilePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSystemStore(dir, testTenant)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SetItem("k", []byte("v")))

	info, err := os.Stat(filepath.Join(dir, testTenant, "store.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// no temp files left behind by the atomic write
	entries, err := os.ReadDir(filepath.Join(dir, testTenant))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-")
	}
}

func TestFileSystemStoreCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, testTenant), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, testTenant, "store.json"), []byte("{not json"), 0600))

	_, err := NewFileSystemStore(dir, testTenant)
	assert.Error(t, err)
}

func TestFileSystemStoreTenants(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileSystemStore(dir, "tenant-a")
	require.NoError(t, err)
	defer first.Close()
	second, err := NewFileSystemStore(dir, "tenant-b")
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.SetItem("shared", []byte("a")))
	require.NoError(t, second.SetItem("shared", []byte("b")))

	value, err := first.GetItem("shared")
	require.NoError(t, err)
	assert.Equal(t, "a", string(value))

	tenants, err := first.ListTenants()
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)

	err = first.DeleteTenant("tenant-a")
	assert.ErrorContains(t, err, "cannot delete current tenant")

	require.NoError(t, first.DeleteTenant("tenant-b"))
	tenants, err = first.ListTenants()
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a"}, tenants)

	assert.Error(t, first.DeleteTenant("missing"))
}

func TestFileSystemStoreClosedRejectsWrites(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.Error(t, store.SetItem("k", []byte("v")))
	assert.NoError(t, store.Close())
}
