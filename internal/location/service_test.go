package location

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusmatch/rendezvous/internal/collision"
	"github.com/radiusmatch/rendezvous/internal/domain/circle"
	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
	"github.com/radiusmatch/rendezvous/internal/domain/user"
	"github.com/radiusmatch/rendezvous/internal/kv"
)

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: map[string]string{}} }

func (m *memCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", kv.ErrNotFound
	}
	return v, nil
}

func (m *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type fakeUserStore struct {
	updates int
}

func (f *fakeUserStore) UpdatePosition(ctx context.Context, userID string, pos user.Position) error {
	f.updates++
	return nil
}

type fakeCircleStore struct {
	circles []circle.Circle
}

func (f *fakeCircleStore) LiveCirclesForOwner(ctx context.Context, ownerUserID string, now time.Time) ([]circle.Circle, error) {
	return f.circles, nil
}

type fakeDetector struct {
	calls int
}

func (f *fakeDetector) DetectCollisionsForUser(ctx context.Context, userID string, circles []circle.Circle, ownerLat, ownerLon float64) ([]collision.Detected, error) {
	f.calls++
	return make([]collision.Detected, len(circles)), nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []domainevent.Event
}

func (f *fakeEmitter) Emit(evt domainevent.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func newTestService() (*Service, *fakeUserStore, *fakeCircleStore, *fakeDetector, *fakeEmitter) {
	users := &fakeUserStore{}
	circles := &fakeCircleStore{}
	detector := &fakeDetector{}
	emitter := &fakeEmitter{}
	svc := NewService(DefaultConfig(), newMemCache(), users, circles, detector, emitter, nil)
	return svc, users, circles, detector, emitter
}

func TestColdStartAdmit(t *testing.T) {
	svc, users, _, _, emitter := newTestService()
	now := time.Now()

	res := svc.UpdateUserLocation(context.Background(), "u1", 40.7128, -74.0060, 5, now)

	require.False(t, res.Skipped)
	assert.Equal(t, 0, res.CollisionsDetected)
	assert.Equal(t, 1, users.updates)
	assert.Len(t, emitter.events, 1)
	assert.Equal(t, domainevent.TypeLocationAdmitted, emitter.events[0].Type)
}

func TestDebounceByMovement(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	now := time.Now()

	first := svc.UpdateUserLocation(context.Background(), "u1", 40.7128, -74.0060, 5, now)
	require.False(t, first.Skipped)

	svc.now = func() time.Time { return now.Add(4 * time.Second) }
	second := svc.UpdateUserLocation(context.Background(), "u1", 40.71281, -74.00601, 5, now.Add(4*time.Second))

	assert.True(t, second.Skipped)
}

func TestDebounceByInterval(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	now := time.Now()

	first := svc.UpdateUserLocation(context.Background(), "u1", 40.7128, -74.0060, 5, now)
	require.False(t, first.Skipped)

	// Big movement (>20m) but within the 3s debounce window.
	svc.now = func() time.Time { return now.Add(1 * time.Second) }
	second := svc.UpdateUserLocation(context.Background(), "u1", 41.0, -75.0, 5, now.Add(time.Second))
	assert.True(t, second.Skipped)
}

func TestStaleTimestampRejected(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	now := time.Now()
	svc.now = func() time.Time { return now }

	res := svc.UpdateUserLocation(context.Background(), "u1", 40.7128, -74.0060, 5, now.Add(-31*time.Second))
	assert.True(t, res.Skipped)
}

func TestTimestampExactly30sOldRejected(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	now := time.Now()
	svc.now = func() time.Time { return now }

	res := svc.UpdateUserLocation(context.Background(), "u1", 40.7128, -74.0060, 5, now.Add(-30*time.Second))
	assert.True(t, res.Skipped)
}

func TestMovementPastThresholdAdmits(t *testing.T) {
	svc, _, circles, detector, _ := newTestService()
	circles.circles = []circle.Circle{{ID: "c1", OwnerUserID: "u1", RadiusMeters: 100}}
	now := time.Now()
	svc.now = func() time.Time { return now }

	first := svc.UpdateUserLocation(context.Background(), "u1", 40.7128, -74.0060, 5, now)
	require.False(t, first.Skipped)

	later := now.Add(5 * time.Second)
	svc.now = func() time.Time { return later }
	// ~30m north.
	second := svc.UpdateUserLocation(context.Background(), "u1", 40.71307, -74.0060, 5, later)

	assert.False(t, second.Skipped)
	assert.Equal(t, 2, detector.calls)
}
