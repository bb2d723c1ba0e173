package persist

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "test-tenant"

// testStoreImplementation exercises the behaviour every backend must share
func testStoreImplementation(t *testing.T, store Store) {
	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(), "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	t.Run("EmptyStore", func(t *testing.T) {
		length, err := store.Length()
		require.NoError(t, err)
		assert.Equal(t, 0, length)

		_, err = store.GetItem("missing")
		assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

		_, ok, err := store.Key(0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.SetItem("alpha", []byte("one")))
		value, err := store.GetItem("alpha")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), value)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.SetItem("alpha", []byte("two")))
		value, err := store.GetItem("alpha")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), value)

		length, err := store.Length()
		require.NoError(t, err)
		assert.Equal(t, 1, length)
	})

	t.Run("ReservedAndOddNames", func(t *testing.T) {
		names := []string{"__sealbox_salt__", "__enc_0123456789abcdef", "ns_app_user/1", "with space"}
		for _, name := range names {
			require.NoError(t, store.SetItem(name, []byte("v:"+name)))
		}
		for _, name := range names {
			value, err := store.GetItem(name)
			require.NoError(t, err, name)
			assert.Equal(t, "v:"+name, string(value))
		}
	})

	t.Run("Enumeration", func(t *testing.T) {
		keys, err := store.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"__enc_0123456789abcdef", "__sealbox_salt__", "alpha", "ns_app_user/1", "with space"}, keys)

		length, err := store.Length()
		require.NoError(t, err)
		assert.Equal(t, len(keys), length)

		for i, expected := range keys {
			name, ok, err := store.Key(i)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, expected, name)
		}
		_, ok, err := store.Key(len(keys))
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = store.Key(-1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("BinaryValue", func(t *testing.T) {
		value := []byte{0x00, 0xff, 0x10, 0x00}
		require.NoError(t, store.SetItem("binary", value))
		got, err := store.GetItem("binary")
		require.NoError(t, err)
		assert.Equal(t, value, got)
		require.NoError(t, store.RemoveItem("binary"))
	})

	t.Run("EmptyName", func(t *testing.T) {
		assert.Error(t, store.SetItem("", []byte("x")))
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, store.RemoveItem("alpha"))
		_, err := store.GetItem("alpha")
		assert.ErrorIs(t, err, ErrNotFound)

		// removing twice is fine
		assert.NoError(t, store.RemoveItem("alpha"))
	})

	t.Run("ConcurrentWrites", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, store.SetItem(fmt.Sprintf("concurrent-%d", i), []byte(fmt.Sprintf("%d", i))))
			}(i)
		}
		wg.Wait()

		for i := 0; i < 10; i++ {
			value, err := store.GetItem(fmt.Sprintf("concurrent-%d", i))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("%d", i), string(value))
		}
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, store.Close(), "Store should close without error")
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreImplementation(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	value := []byte("abc")
	require.NoError(t, store.SetItem("k", value))
	value[0] = 'z'

	got, err := store.GetItem("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), testTenant)
	require.NoError(t, err)
	testStoreImplementation(t, store)
}

func TestInMemoryBadgerStore(t *testing.T) {
	store, err := NewInMemoryBadgerStore()
	require.NoError(t, err)
	testStoreImplementation(t, store)
}

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(t.TempDir(), testTenant)
	require.NoError(t, err)
	testStoreImplementation(t, store)
}

func TestBoltStoreReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir, testTenant)
	require.NoError(t, err)
	require.NoError(t, store.SetItem("persisted", []byte("yes")))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir, testTenant)
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.GetItem("persisted")
	require.NoError(t, err)
	assert.Equal(t, "yes", string(value))
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name     string
		config   StoreConfig
		expected string
		wantErr  bool
	}{
		{name: "memory", config: StoreConfig{Type: StoreTypeMemory}, expected: "memory"},
		{name: "filesystem", config: StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{"base_path": t.TempDir()}}, expected: "filesystem"},
		{name: "bolt", config: StoreConfig{Type: StoreTypeBolt, Config: map[string]interface{}{"base_path": t.TempDir()}}, expected: "bolt"},
		{name: "badger", config: StoreConfig{Type: StoreTypeBadger, Config: map[string]interface{}{"base_path": t.TempDir()}}, expected: "badger"},
		{name: "filesystem without path", config: StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}}, wantErr: true},
		{name: "unknown", config: StoreConfig{Type: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.config, testTenant)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()
			assert.Equal(t, tt.expected, store.GetType())
		})
	}
}

func TestValidateTenantID(t *testing.T) {
	assert.NoError(t, validateTenantID("tenant-1"))
	assert.Error(t, validateTenantID(""))
	assert.Error(t, validateTenantID("../etc"))
	assert.Error(t, validateTenantID("a/b"))
	assert.Error(t, validateTenantID("a b"))

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, validateTenantID(string(long)))

	id, err := normalizeTenantID("")
	require.NoError(t, err)
	assert.Equal(t, "default", id)
}
