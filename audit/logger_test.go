package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T, options map[string]interface{}) *FileLogger {
	if options == nil {
		options = map[string]interface{}{}
	}
	if _, ok := options["file_path"]; !ok {
		options["file_path"] = filepath.Join(t.TempDir(), "audit", "audit.log")
	}
	logger, err := NewFileLogger(&Config{
		Enabled:  true,
		TenantID: "tenant-a",
		Type:     FileAuditType,
		Options:  options,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	_, err = NewLogger(&Config{Enabled: true, Type: "database"})
	assert.Error(t, err)

	_, err = NewLogger(&Config{Enabled: true, Type: FileAuditType})
	assert.ErrorContains(t, err, "file_path is required")
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger := newTestFileLogger(t, nil)

	require.NoError(t, logger.Log("SET", true, map[string]interface{}{"key": "token", "request_id": "r1"}))
	require.NoError(t, logger.Log("GET", false, map[string]interface{}{"key": "token", "error": "boom"}))
	require.NoError(t, logger.Log("ROTATE_SUCCESS", true, map[string]interface{}{"key_version": 2}))
	require.NoError(t, logger.Log("SET", true, map[string]interface{}{"key": "user", "namespace": "app"}))

	t.Run("All", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, 4, result.TotalCount)
		assert.Len(t, result.Events, 4)
		assert.Equal(t, "SET", result.Events[0].Action, "newest first")
		assert.Equal(t, "tenant-a", result.Events[0].TenantID)
	})

	t.Run("ByKey", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Key: "token"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
	})

	t.Run("Failures", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "boom", result.Events[0].Error)
	})

	t.Run("KeyManagement", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{KeyManagement: true})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "ROTATE_SUCCESS", result.Events[0].Action)
	})

	t.Run("Namespace", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Namespace: "app"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "user", result.Events[0].Key)
	})

	t.Run("Pagination", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 3)
		assert.True(t, result.HasMore)

		result, err = logger.Query(QueryOptions{Limit: 3, Offset: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
		assert.False(t, result.HasMore)
	})

	t.Run("FromCache", func(t *testing.T) {
		since := time.Now().Add(-time.Minute)
		result, err := logger.Query(QueryOptions{Since: &since, Action: "SET"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
	})
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	logger := newTestFileLogger(t, nil)
	require.NoError(t, logger.Log("SET", true, nil))
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Log("SET", true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestFileLoggerSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("not json\n\n"), 0600))

	logger := newTestFileLogger(t, map[string]interface{}{"file_path": path})
	require.NoError(t, logger.Log("SET", true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCount)
	assert.Len(t, result.Events, 1)
}

func TestFileLoggerRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger := newTestFileLogger(t, map[string]interface{}{"file_path": path, "max_size": 1, "max_backups": 2})

	padding := make([]byte, 200*1024)
	for i := range padding {
		padding[i] = 'x'
	}
	for i := 0; i < 12; i++ {
		require.NoError(t, logger.Log("SET", true, map[string]interface{}{"key": fmt.Sprintf("k%d", i), "pad": string(padding)}))
	}

	_, err := os.Stat(path + ".1")
	assert.NoError(t, err, "expected a rotated file")
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "only max_backups rotated files are kept")

	result, err := logger.Query(QueryOptions{Key: "k11"})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
}

func TestEventIDsAreUniqueAndOrdered(t *testing.T) {
	previous := ""
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := generateEventID()
		assert.False(t, seen[id])
		seen[id] = true
		assert.Greater(t, id, previous)
		previous = id
	}
}

func TestNewEventLiftsMetadata(t *testing.T) {
	event := newEvent("", "GET", false, map[string]interface{}{
		"request_id": "r-1",
		"key":        "k",
		"error":      "bad",
		"tenant_id":  "t",
		"session_id": "s",
	})
	assert.Equal(t, "r-1", event.RequestID)
	assert.Equal(t, "k", event.Key)
	assert.Equal(t, "bad", event.Error)
	assert.Equal(t, "t", event.TenantID)
	assert.Equal(t, "s", event.SessionID)
	assert.NotEmpty(t, event.ID)
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	assert.NoError(t, logger.Log("SET", true, nil))
	result, err := logger.Query(QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NoError(t, logger.Close())
}
