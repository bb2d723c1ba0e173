package sealbox

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/sealbox/internal/misc"
	"southwinds.dev/sealbox/persist"
)

func TestRotateKeys(t *testing.T) {
	s, store, clock := newTestStorage(t)
	events := recordEvents(s, EventKeyRotated)

	data := map[string]string{
		"alpha": "one",
		"beta":  "two",
		"large": strings.Repeat("rotate me ", 400),
	}
	for k, v := range data {
		require.NoError(t, s.Set(k, v))
	}
	require.NoError(t, s.SetWithExpiry("temp", "short lived", ExpiryOptions{ExpiresIn: time.Hour}))

	// a record written before envelopes existed
	record, err := s.encrypt([]byte("bare"))
	require.NoError(t, err)
	require.NoError(t, store.SetItem(s.obfuscate("old"), []byte(record)))

	oldSalt, err := store.GetItem(misc.SaltKey)
	require.NoError(t, err)

	result, err := s.RotateKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, result.PreviousVersion)
	assert.Equal(t, 2, result.NewVersion)
	assert.Equal(t, 5, result.Exported)
	assert.Equal(t, 5, result.Reencrypted)
	assert.Zero(t, result.Failed)
	require.NotNil(t, result.Backup)
	assert.Equal(t, 5, result.Backup.ItemCount)

	newSalt, err := store.GetItem(misc.SaltKey)
	require.NoError(t, err)
	assert.NotEqual(t, oldSalt, newSalt)

	version, err := s.KeyVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	for k, v := range data {
		got, found, err := s.Get(k)
		require.NoError(t, err)
		assert.True(t, found, k)
		assert.Equal(t, v, got, k)
	}
	got, found, err := s.Get("old")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "bare", got)

	// expiry survives rotation
	clock.Advance(2 * time.Hour)
	_, found, err = s.Get("temp")
	require.NoError(t, err)
	assert.False(t, found)

	rotated := events.of(EventKeyRotated)
	require.Len(t, rotated, 1)
	assert.Equal(t, 2, rotated[0].Metadata["new_version"])
}

func TestRotateKeysVersionStrictlyIncreases(t *testing.T) {
	s, _, _ := newTestStorage(t)
	require.NoError(t, s.Set("k", "v"))

	last, err := s.KeyVersion()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		result, err := s.RotateKeys()
		require.NoError(t, err)
		assert.Greater(t, result.NewVersion, last)
		assert.Equal(t, last, result.PreviousVersion)
		last = result.NewVersion

		got, found, err := s.Get("k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "v", got)
	}
}

func TestRotateKeysReadableByNewInstance(t *testing.T) {
	clock := newTestClock()
	store := persist.NewMemoryStore()

	s, err := New(testOptions(clock), store, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))
	_, err = s.RotateKeys()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := New(testOptions(clock), store, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, found, err := reopened.Get("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", got)
}

func TestRotateKeysSkipsUndecryptable(t *testing.T) {
	s, store, _ := newTestStorage(t)
	require.NoError(t, s.Set("k", "v"))
	require.NoError(t, store.SetItem(misc.EncryptedKeyPrefix+"0000000000000000", []byte("garbage")))

	result, err := s.RotateKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Reencrypted)

	got, _, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestExportImport(t *testing.T) {
	s, _, _ := newTestStorage(t)
	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Set("b", "2"))

	backup, err := s.ExportEncryptedData()
	require.NoError(t, err)
	assert.NotEmpty(t, backup.ID)
	assert.Equal(t, 2, backup.ItemCount)
	assert.Equal(t, 1, backup.KeyVersion)

	var keys []string
	for _, item := range backup.Items {
		keys = append(keys, item.Key)
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(item.Data), &env))
		assert.Equal(t, item.Key, env.Key)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	// a second engine with the same fingerprint but its own salt
	target, targetStore, _ := newTestStorage(t)
	result, err := target.ImportEncryptedData(backup)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Zero(t, result.Failed)

	for k, v := range map[string]string{"a": "1", "b": "2"} {
		got, found, err := target.Get(k)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, v, got)
	}

	_, err = targetStore.GetItem(misc.SaltKey)
	assert.NoError(t, err)

	result, err = target.ImportEncryptedData(&Backup{Items: []BackupItem{{Data: "orphan"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	_, err = target.ImportEncryptedData(nil)
	assert.Error(t, err)
}

func TestSealAndOpenBackup(t *testing.T) {
	s, _, _ := newTestStorage(t)
	require.NoError(t, s.Set("k", "v"))
	backup, err := s.ExportEncryptedData()
	require.NoError(t, err)

	sealed, err := SealBackup(backup, "correct horse battery staple")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), `"value"`)

	var container BackupContainer
	require.NoError(t, json.Unmarshal(sealed, &container))
	assert.Equal(t, backup.ID, container.BackupID)
	assert.Equal(t, 1, container.ItemCount)

	opened, err := OpenBackup(sealed, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, backup.ID, opened.ID)
	assert.Equal(t, backup.Items, opened.Items)

	_, err = OpenBackup(sealed, "wrong passphrase")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	container.Checksum = strings.Repeat("0", 64)
	tampered, err := json.Marshal(container)
	require.NoError(t, err)
	_, err = OpenBackup(tampered, "correct horse battery staple")
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	_, err = OpenBackup([]byte("{not json"), "x")
	assert.ErrorIs(t, err, ErrSerialization)

	_, err = SealBackup(backup, "")
	assert.Error(t, err)
}
