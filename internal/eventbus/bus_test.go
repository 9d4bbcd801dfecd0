package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
)

// fakeStore counts writes and can be toggled to fail, standing in for the
// KV/stream store so breaker and batching behavior can be tested without a
// live Redis.
type fakeStore struct {
	mu        sync.Mutex
	fail      bool
	hsetCalls int
	xaddCalls int
	typeCounts map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{typeCounts: map[string]int{}}
}

func (f *fakeStore) HSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assertErr
	}
	f.hsetCalls++
	return nil
}

func (f *fakeStore) XAdd(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assertErr
	}
	f.xaddCalls++
	f.typeCounts[stream]++
	return nil
}

var assertErr = assertError("forced failure")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestBusEmitFlushesOnBatchSize(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.BatchWait = time.Hour // effectively disabled for this test

	bus := New(store, cfg, nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	for i := 0; i < 3; i++ {
		bus.Emit(domainevent.Event{Type: domainevent.TypeLocationAdmitted, UserID: "u1"})
	}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.hsetCalls == 3
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 6, store.xaddCalls) // type stream + global stream per event
}

func TestBusDisabledIsNoop(t *testing.T) {
	store := newFakeStore()
	cfg := DefaultConfig()
	cfg.Enabled = false

	bus := New(store, cfg, nil)
	bus.Start(context.Background())
	bus.Emit(domainevent.Event{Type: domainevent.TypeLocationAdmitted, UserID: "u1"})

	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 0, store.hsetCalls)
}

func TestBusDropsWhenBreakerOpen(t *testing.T) {
	store := newFakeStore()
	store.fail = true

	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.BatchWait = 10 * time.Millisecond
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.WindowSize = time.Minute
	cfg.Breaker.ResetTimeout = time.Hour

	bus := New(store, cfg, nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	bus.Emit(domainevent.Event{Type: domainevent.TypeLocationAdmitted, UserID: "u1"})

	require.Eventually(t, func() bool {
		return bus.BreakerState() == "open"
	}, time.Second, 5*time.Millisecond)

	bus.Emit(domainevent.Event{Type: domainevent.TypeLocationAdmitted, UserID: "u2"})
	time.Sleep(20 * time.Millisecond)

	assert.GreaterOrEqual(t, bus.DroppedCount(), uint64(1))
}
