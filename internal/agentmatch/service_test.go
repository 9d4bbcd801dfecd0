package agentmatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collisiondomain "github.com/radiusmatch/rendezvous/internal/domain/collision"
	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
	"github.com/radiusmatch/rendezvous/internal/domain/match"
	"github.com/radiusmatch/rendezvous/internal/domain/mission"
	"github.com/radiusmatch/rendezvous/internal/kv"
)

type fakeKV struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	strings map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{hashes: map[string]map[string]string{}, strings: map[string]string{}}
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
		switch t := v.(type) {
		case string:
			h[k] = t
		case int64:
			h[k] = intToStr(t)
		}
	}
	return nil
}

func intToStr(v int64) string {
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

func (f *fakeKV) HDel(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes, key)
	return nil
}

func (f *fakeKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.strings[key]; ok {
		return false, nil
	}
	f.strings[key] = value
	return true, nil
}

func (f *fakeKV) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.strings, key)
	return nil
}

type fakeMissionStore struct {
	mu       sync.Mutex
	missions map[string]mission.Mission
}

func newFakeMissionStore() *fakeMissionStore {
	return &fakeMissionStore{missions: map[string]mission.Mission{}}
}

func (f *fakeMissionStore) Create(ctx context.Context, m mission.Mission) (mission.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missions[m.ID] = m
	return m, nil
}

func (f *fakeMissionStore) Get(ctx context.Context, id string) (mission.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return mission.Mission{}, kv.ErrNotFound
	}
	return m, nil
}

func (f *fakeMissionStore) UpdateStatus(ctx context.Context, id string, prevStatus, newStatus mission.Status, transcript []mission.TranscriptTurn, decision *mission.JudgeDecision, failureReason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok || m.Status != prevStatus {
		return false, nil
	}
	m.Status = newStatus
	m.Transcript = transcript
	m.JudgeDecision = decision
	m.FailureReason = failureReason
	f.missions[id] = m
	return true, nil
}

type fakeCollisionStore struct {
	mu     sync.Mutex
	events map[string]collisiondomain.Event
}

func newFakeCollisionStore(events ...collisiondomain.Event) *fakeCollisionStore {
	m := map[string]collisiondomain.Event{}
	for _, e := range events {
		m[e.Circle1ID+":"+e.Circle2ID] = e
	}
	return &fakeCollisionStore{events: m}
}

func (f *fakeCollisionStore) GetByPairKey(ctx context.Context, pairKey string) (collisiondomain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[pairKey]
	if !ok {
		return collisiondomain.Event{}, kv.ErrNotFound
	}
	return e, nil
}

func (f *fakeCollisionStore) UpdateStatus(ctx context.Context, id string, prevStatus, newStatus collisiondomain.Status, missionID *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, e := range f.events {
		if e.ID == id {
			e.Status = newStatus
			e.MissionID = missionID
			f.events[key] = e
			return true, nil
		}
	}
	return false, nil
}

type fakeMatchStore struct {
	mu      sync.Mutex
	created []match.Match
}

func (f *fakeMatchStore) Create(ctx context.Context, m match.Match) (match.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, m)
	return m, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobID string, payload MissionPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
	return nil
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

func TestCooldownRoundTrip(t *testing.T) {
	store := newFakeKV()
	svc := NewService(DefaultConfig(), store, newFakeMissionStore(), newFakeCollisionStore(), &fakeMatchStore{}, &fakeQueue{}, &fakeEmitter{}, nil)
	now := time.Now()
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.SetCooldown(context.Background(), "u1", "u2", CooldownNotified))

	decision, err := svc.CheckCooldown(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, CooldownNotified, decision.CooldownType)

	svc.now = func() time.Time { return now.Add(7 * time.Hour) }
	decision, err = svc.CheckCooldown(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCreateMissionForCollisionDeniedByCooldown(t *testing.T) {
	store := newFakeKV()
	svc := NewService(DefaultConfig(), store, newFakeMissionStore(), newFakeCollisionStore(), &fakeMatchStore{}, &fakeQueue{}, &fakeEmitter{}, nil)

	require.NoError(t, svc.SetCooldown(context.Background(), "u1", "u2", CooldownNotified))

	m, err := svc.CreateMissionForCollision(context.Background(), "c1", "c2", "u1", "u2")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCreateMissionSingleFlight(t *testing.T) {
	store := newFakeKV()
	missions := newFakeMissionStore()
	collisions := newFakeCollisionStore(collisiondomain.Event{ID: "evt1", Circle1ID: "c1", Circle2ID: "c2", Status: collisiondomain.StatusStable})
	queue := &fakeQueue{}
	svc := NewService(DefaultConfig(), store, missions, collisions, &fakeMatchStore{}, queue, &fakeEmitter{}, nil)

	m1, err1 := svc.CreateMissionForCollision(context.Background(), "c1", "c2", "u1", "u2")
	m2, err2 := svc.CreateMissionForCollision(context.Background(), "c1", "c2", "u1", "u2")

	require.NoError(t, err1)
	require.NoError(t, err2)
	require.NotNil(t, m1)
	assert.Nil(t, m2)
	assert.Len(t, queue.jobs, 1)
}

func TestHandleMissionResultFailureSetsCooldownAndReleasesLock(t *testing.T) {
	store := newFakeKV()
	missions := newFakeMissionStore()
	missions.missions["m1"] = mission.Mission{ID: "m1", OwnerUserID: "u1", VisitorUserID: "u2", OwnerCircleID: "c1", VisitorCircleID: "c2", Status: mission.StatusRunning}
	store.strings["mission:inflight:c1:c2"] = "locked"

	svc := NewService(DefaultConfig(), store, missions, newFakeCollisionStore(), &fakeMatchStore{}, &fakeQueue{}, &fakeEmitter{}, nil)

	m, err := svc.HandleMissionResult(context.Background(), "m1", mission.Result{Success: false, Err: "agent timeout"})
	require.NoError(t, err)
	assert.Nil(t, m)

	updated, _ := missions.Get(context.Background(), "m1")
	assert.Equal(t, mission.StatusFailed, updated.Status)

	decision, err := svc.CheckCooldown(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	_, stillLocked := store.strings["mission:inflight:c1:c2"]
	assert.False(t, stillLocked)
}

func TestHandleMissionResultSuccessCreatesMatch(t *testing.T) {
	store := newFakeKV()
	missions := newFakeMissionStore()
	missions.missions["m1"] = mission.Mission{ID: "m1", OwnerUserID: "u1", VisitorUserID: "u2", OwnerCircleID: "c1", VisitorCircleID: "c2", Status: mission.StatusRunning}
	collisions := newFakeCollisionStore(collisiondomain.Event{ID: "evt1", Circle1ID: "c1", Circle2ID: "c2", Status: collisiondomain.StatusMissionCreated})
	matches := &fakeMatchStore{}
	emitter := &fakeEmitter{}

	svc := NewService(DefaultConfig(), store, missions, collisions, matches, &fakeQueue{}, emitter, nil)

	result := mission.Result{
		Success:   true,
		MatchMade: true,
		JudgeDecision: &mission.JudgeDecision{ShouldNotify: true, Confidence: 0.9, SummaryText: "great chat"},
	}
	m, err := svc.HandleMissionResult(context.Background(), "m1", result)

	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 0.9, m.WorthItScore)
	require.Len(t, matches.created, 1)

	found := false
	for _, e := range emitter.events {
		if e.Type == domainevent.TypeMatchCreated {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHandleMissionResultSuccessNoMatchSetsNotifiedCooldown(t *testing.T) {
	store := newFakeKV()
	missions := newFakeMissionStore()
	missions.missions["m1"] = mission.Mission{ID: "m1", OwnerUserID: "u1", VisitorUserID: "u2", OwnerCircleID: "c1", VisitorCircleID: "c2", Status: mission.StatusRunning}

	svc := NewService(DefaultConfig(), store, missions, newFakeCollisionStore(), &fakeMatchStore{}, &fakeQueue{}, &fakeEmitter{}, nil)

	result := mission.Result{Success: true, MatchMade: false, JudgeDecision: &mission.JudgeDecision{ShouldNotify: false}}
	m, err := svc.HandleMissionResult(context.Background(), "m1", result)

	require.NoError(t, err)
	assert.Nil(t, m)

	decision, err := svc.CheckCooldown(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, CooldownNotified, decision.CooldownType)
}
