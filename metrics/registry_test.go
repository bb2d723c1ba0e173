package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/sealbox"
	"southwinds.dev/sealbox/persist"
)

func TestGlobal(t *testing.T) {
	assert.Same(t, Global(), Global())
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Events.WithLabelValues("encrypted").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
	assert.Contains(t, string(body), `sealbox_events_total{type="encrypted"} 1`)
}

func TestObserve(t *testing.T) {
	r := NewRegistry()

	r.Observe(sealbox.Event{Type: sealbox.EventEncrypted, Metadata: map[string]interface{}{"size": 100}})
	r.Observe(sealbox.Event{Type: sealbox.EventCompressed, Metadata: map[string]interface{}{"original_size": 4096}})
	r.Observe(sealbox.Event{Type: sealbox.EventExpired})
	r.Observe(sealbox.Event{Type: sealbox.EventKeyRotated, Metadata: map[string]interface{}{"new_version": 3}})
	r.Observe(sealbox.Event{Type: sealbox.EventCleared, Metadata: map[string]interface{}{"removed": 7}})
	r.Observe(sealbox.Event{Type: sealbox.EventError, Metadata: map[string]interface{}{"operation": "decrypt"}})
	r.Observe(sealbox.Event{Type: sealbox.EventError})

	assert.Equal(t, float64(1), testutil.ToFloat64(r.Events.WithLabelValues("encrypted")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.Events.WithLabelValues("error")))
	assert.Equal(t, float64(4096), testutil.ToFloat64(r.Compressed))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Expired))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.KeyVersion))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Rotations))
	assert.Equal(t, float64(7), testutil.ToFloat64(r.LastCleared))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Errors.WithLabelValues("decrypt")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Errors.WithLabelValues("unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.ValueBytes))
}

func TestAttachToStorage(t *testing.T) {
	s, err := sealbox.New(sealbox.Options{
		Iterations:  1000,
		Fingerprint: sealbox.StaticFingerprint("metrics-test"),
		Logger:      hclog.NewNullLogger(),
	}, persist.NewMemoryStore(), nil)
	require.NoError(t, err)
	defer s.Close()

	r := NewRegistry()
	detach := r.Attach(s.Events())

	require.NoError(t, s.Set("k", strings.Repeat("metrics ", 500)))
	_, _, err = s.Get("k")
	require.NoError(t, err)
	_, err = s.RotateKeys()
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.Events.WithLabelValues("encrypted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Events.WithLabelValues("decrypted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Events.WithLabelValues("compressed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Rotations))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.KeyVersion))

	detach()
	require.NoError(t, s.Set("k2", "v"))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Events.WithLabelValues("encrypted")))
	for _, eventType := range sealbox.EventTypes {
		assert.Zero(t, s.Events().ListenerCount(eventType))
	}
}
