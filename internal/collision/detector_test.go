package collision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusmatch/rendezvous/internal/domain/circle"
	"github.com/radiusmatch/rendezvous/internal/kv"
)

type fakeKV struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	zset   map[string]float64
}

func newFakeKV() *fakeKV {
	return &fakeKV{hashes: map[string]map[string]string{}, zset: map[string]float64{}}
}

func (f *fakeKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok || len(h) == 0 {
		return nil, kv.ErrNotFound
	}
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp, nil
}

func (f *fakeKV) HSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = toStr(v)
	}
	return nil
}

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return itoa(t)
	default:
		return ""
	}
}

func itoa(v int64) string {
	neg := v < 0
	if v == 0 {
		return "0"
	}
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (f *fakeKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zset[member] = score
	return nil
}

func (f *fakeKV) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for member, score := range f.zset {
		if score >= min && score <= max {
			out = append(out, member)
		}
	}
	return out, nil
}

func (f *fakeKV) ZRem(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.zset, member)
	return nil
}

type fakeQuerier struct {
	candidates []circle.Candidate
}

func (f *fakeQuerier) CandidatesNear(ctx context.Context, centerLat, centerLon float64, radiusMeters float64, excludeOwnerUserID string, limit int, now time.Time) ([]circle.Candidate, error) {
	return f.candidates, nil
}

type fakeHandoff struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeHandoff) HandleStablePair(ctx context.Context, circle1ID, circle2ID, user1ID, user2ID string, distanceMeters float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StabilityWindow = 10 * time.Second
	cfg.InactivityWindow = time.Minute
	return cfg
}

func TestDetectCollisionsKeepsOnlyWithinRadius(t *testing.T) {
	store := newFakeKV()
	querier := &fakeQuerier{candidates: []circle.Candidate{
		{CircleID: "c2", OwnerUserID: "u2", RadiusMeters: 100, DistanceMeters: 50},
		{CircleID: "c3", OwnerUserID: "u3", RadiusMeters: 100, DistanceMeters: 150},
	}}
	handoff := &fakeHandoff{}
	det := NewDetector(testConfig(), store, querier, handoff, nil, nil)

	circles := []circle.Circle{{ID: "c1", OwnerUserID: "u1", RadiusMeters: 100}}
	detected, err := det.DetectCollisionsForUser(context.Background(), "u1", circles, 40.0, -74.0)

	require.NoError(t, err)
	require.Len(t, detected, 1)
	assert.Equal(t, "c2", detected[0].Circle2ID)
}

func TestDistanceEqualToRadiusCounts(t *testing.T) {
	store := newFakeKV()
	querier := &fakeQuerier{candidates: []circle.Candidate{
		{CircleID: "c2", OwnerUserID: "u2", RadiusMeters: 100, DistanceMeters: 100},
	}}
	det := NewDetector(testConfig(), store, querier, &fakeHandoff{}, nil, nil)

	circles := []circle.Circle{{ID: "c1", OwnerUserID: "u1", RadiusMeters: 100}}
	detected, err := det.DetectCollisionsForUser(context.Background(), "u1", circles, 40.0, -74.0)

	require.NoError(t, err)
	require.Len(t, detected, 1)
}

func TestStabilityPromotesAfterWindow(t *testing.T) {
	store := newFakeKV()
	querier := &fakeQuerier{candidates: []circle.Candidate{
		{CircleID: "c2", OwnerUserID: "u2", RadiusMeters: 100, DistanceMeters: 50},
	}}
	handoff := &fakeHandoff{}
	det := NewDetector(testConfig(), store, querier, handoff, nil, nil)

	now := time.Now()
	det.now = func() time.Time { return now }

	circles := []circle.Circle{{ID: "c1", OwnerUserID: "u1", RadiusMeters: 100}}
	_, err := det.DetectCollisionsForUser(context.Background(), "u1", circles, 40.0, -74.0)
	require.NoError(t, err)
	assert.Equal(t, 0, handoff.calls)

	det.now = func() time.Time { return now.Add(11 * time.Second) }
	_, err = det.DetectCollisionsForUser(context.Background(), "u1", circles, 40.0, -74.0)
	require.NoError(t, err)
	assert.Equal(t, 1, handoff.calls)
}

func TestStabilitySweepPromotesStaleDetectingEntries(t *testing.T) {
	store := newFakeKV()
	handoff := &fakeHandoff{}
	det := NewDetector(testConfig(), store, &fakeQuerier{}, handoff, nil, nil)

	now := time.Now()
	det.now = func() time.Time { return now }
	err := det.trackStability(context.Background(), Detected{
		Circle1ID: "c1", Circle2ID: "c2", User1ID: "u1", User2ID: "u2",
		DistanceMeters: 10, Timestamp: now,
	})
	require.NoError(t, err)

	det.now = func() time.Time { return now.Add(20 * time.Second) }
	promoted, expired, err := det.RunStabilitySweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 1, handoff.calls)
}

func TestStabilitySweepExpiresInactiveEntries(t *testing.T) {
	store := newFakeKV()
	handoff := &fakeHandoff{}
	det := NewDetector(testConfig(), store, &fakeQuerier{}, handoff, nil, nil)

	now := time.Now()
	det.now = func() time.Time { return now }
	err := det.trackStability(context.Background(), Detected{
		Circle1ID: "c1", Circle2ID: "c2", User1ID: "u1", User2ID: "u2",
		DistanceMeters: 10, Timestamp: now,
	})
	require.NoError(t, err)

	det.now = func() time.Time { return now.Add(5 * time.Minute) }
	promoted, expired, err := det.RunStabilitySweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, handoff.calls)
}

func TestStabilitySweepIsIdempotent(t *testing.T) {
	store := newFakeKV()
	handoff := &fakeHandoff{}
	det := NewDetector(testConfig(), store, &fakeQuerier{}, handoff, nil, nil)

	now := time.Now()
	det.now = func() time.Time { return now }
	require.NoError(t, det.trackStability(context.Background(), Detected{
		Circle1ID: "c1", Circle2ID: "c2", User1ID: "u1", User2ID: "u2",
		DistanceMeters: 10, Timestamp: now,
	}))

	det.now = func() time.Time { return now.Add(20 * time.Second) }
	promoted1, _, err := det.RunStabilitySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, promoted1)

	promoted2, _, err := det.RunStabilitySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, promoted2)
	assert.Equal(t, 1, handoff.calls)
}
