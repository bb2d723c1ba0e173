package sealbox

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"southwinds.dev/sealbox/persist"
)

const testFingerprint = StaticFingerprint("test-host|linux|amd64")

// testClock is a manually advanced clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// toggleProbe lets a test switch encryption availability
type toggleProbe struct {
	unavailable atomic.Bool
}

func (p *toggleProbe) Probe() bool {
	return !p.unavailable.Load()
}

var errStoreUnavailable = errors.New("store unavailable")

// faultyStore fails reads or writes of selected names
type faultyStore struct {
	*persist.MemoryStore
	mu        sync.Mutex
	badReads  map[string]bool
	badWrites map[string]bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: persist.NewMemoryStore(),
		badReads:    map[string]bool{},
		badWrites:   map[string]bool{},
	}
}

func (f *faultyStore) failReads(name string, fail bool) {
	f.mu.Lock()
	f.badReads[name] = fail
	f.mu.Unlock()
}

func (f *faultyStore) failWrites(name string, fail bool) {
	f.mu.Lock()
	f.badWrites[name] = fail
	f.mu.Unlock()
}

func (f *faultyStore) GetItem(name string) ([]byte, error) {
	f.mu.Lock()
	bad := f.badReads[name]
	f.mu.Unlock()
	if bad {
		return nil, errStoreUnavailable
	}
	return f.MemoryStore.GetItem(name)
}

func (f *faultyStore) SetItem(name string, value []byte) error {
	f.mu.Lock()
	bad := f.badWrites[name]
	f.mu.Unlock()
	if bad {
		return errStoreUnavailable
	}
	return f.MemoryStore.SetItem(name, value)
}

func testOptions(clock *testClock) Options {
	return Options{
		Iterations:  1000,
		Fingerprint: testFingerprint,
		Clock:       clock.Now,
		Logger:      hclog.NewNullLogger(),
	}
}

func newTestStorage(t *testing.T, mutate ...func(*Options)) (*Storage, *persist.MemoryStore, *testClock) {
	t.Helper()

	clock := newTestClock()
	store := persist.NewMemoryStore()
	opts := testOptions(clock)
	for _, m := range mutate {
		m(&opts)
	}

	s, err := New(opts, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, store, clock
}

// recordEvents collects every event of the given types
func recordEvents(s *Storage, types ...EventType) *eventLog {
	log := &eventLog{}
	for _, eventType := range types {
		s.Events().On(eventType, log.add)
	}
	return log
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(eventType EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) of(eventType EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
