// Package agentmatch implements spec.md §4.F: per-user-pair cooldowns, the
// in-flight single-flight lock, mission creation and enqueueing, and
// mission result handling that creates a Match or sets a cooldown.
package agentmatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	collisiondomain "github.com/radiusmatch/rendezvous/internal/domain/collision"
	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
	"github.com/radiusmatch/rendezvous/internal/domain/match"
	"github.com/radiusmatch/rendezvous/internal/domain/mission"
	"github.com/radiusmatch/rendezvous/internal/geoutil"
	"github.com/radiusmatch/rendezvous/internal/kv"
)

// CooldownType is the kind of cooldown in force for a user pair.
type CooldownType string

const (
	CooldownNotified CooldownType = "notified"
	CooldownMatched  CooldownType = "matched"
	CooldownDeclined CooldownType = "declined"
)

// Config holds spec.md §4.F/§6 tunables. Exact durations are left to
// implementer choice per spec.md §9's open question; these are the chosen
// production defaults.
type Config struct {
	NotifiedCooldown time.Duration
	MatchedCooldown  time.Duration
	DeclinedCooldown time.Duration
	InflightLockTTL  time.Duration
	DefaultJudgeConfidence float64
}

func DefaultConfig() Config {
	return Config{
		NotifiedCooldown:       6 * time.Hour,
		MatchedCooldown:        24 * time.Hour,
		DeclinedCooldown:       24 * time.Hour,
		InflightLockTTL:        5 * time.Minute,
		DefaultJudgeConfidence: 0.5,
	}
}

func (c Config) durationFor(t CooldownType) time.Duration {
	switch t {
	case CooldownNotified:
		return c.NotifiedCooldown
	case CooldownMatched:
		return c.MatchedCooldown
	case CooldownDeclined:
		return c.DeclinedCooldown
	default:
		return c.NotifiedCooldown
	}
}

// cooldownStore is the subset of *kv.Store this service needs.
type cooldownStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error
	HDel(ctx context.Context, key string) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// MissionStore is the relational persistence surface for InterviewMission.
type MissionStore interface {
	Create(ctx context.Context, m mission.Mission) (mission.Mission, error)
	Get(ctx context.Context, id string) (mission.Mission, error)
	UpdateStatus(ctx context.Context, id string, prevStatus, newStatus mission.Status, transcript []mission.TranscriptTurn, decision *mission.JudgeDecision, failureReason string) (bool, error)
}

// CollisionEventStore is the relational surface needed to move a
// CollisionEvent forward after mission creation and completion.
type CollisionEventStore interface {
	GetByPairKey(ctx context.Context, pairKey string) (collisiondomain.Event, error)
	UpdateStatus(ctx context.Context, id string, prevStatus, newStatus collisiondomain.Status, missionID *string) (bool, error)
}

// MatchStore is the relational persistence surface for Match.
type MatchStore interface {
	Create(ctx context.Context, m match.Match) (match.Match, error)
}

// JobQueue is the durable mission queue surface (component G) this service
// enqueues onto.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, payload MissionPayload) error
}

// EventEmitter is the narrow event bus surface this service needs.
type EventEmitter interface {
	Emit(evt domainevent.Event)
}

// MissionPayload is the job payload shape from spec.md §6.
type MissionPayload struct {
	MissionID     string `json:"mission_id"`
	OwnerUserID   string `json:"owner_user_id"`
	VisitorUserID string `json:"visitor_user_id"`
	OwnerCircleID string `json:"owner_circle"`
	VisitorCircleID string `json:"visitor_circle"`
	CollisionEventID string `json:"context"`
}

// Service implements spec.md §4.F.
type Service struct {
	cfg        Config
	kv         cooldownStore
	missions   MissionStore
	collisions CollisionEventStore
	matches    MatchStore
	queue      JobQueue
	events     EventEmitter
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// NewService constructs the agent-match service.
func NewService(cfg Config, store cooldownStore, missions MissionStore, collisions CollisionEventStore, matches MatchStore, queue JobQueue, events EventEmitter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg: cfg, kv: store, missions: missions, collisions: collisions, matches: matches,
		queue: queue, events: events, logger: logger,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

func cooldownKey(userPairKey string) string { return fmt.Sprintf("cooldown:%s", userPairKey) }
func inflightKey(pairKey string) string     { return fmt.Sprintf("mission:inflight:%s", pairKey) }

// CooldownDecision is the result of CheckCooldown.
type CooldownDecision struct {
	Allowed      bool
	CooldownType CooldownType
	RemainingMs  int64
}

// CheckCooldown implements spec.md §4.F's check_cooldown: reads the hash; an
// expired cooldown is deleted and treated as allowed; otherwise the caller
// is denied with the type and remaining time.
func (s *Service) CheckCooldown(ctx context.Context, u1, u2 string) (CooldownDecision, error) {
	key := cooldownKey(geoutil.PairKey(u1, u2))
	fields, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		if err == kv.ErrNotFound {
			return CooldownDecision{Allowed: true}, nil
		}
		return CooldownDecision{}, fmt.Errorf("agentmatch: reading cooldown: %w", err)
	}

	expiresAtMs, parseErr := strconv.ParseInt(fields["expires_at"], 10, 64)
	if parseErr != nil {
		return CooldownDecision{}, fmt.Errorf("agentmatch: parsing cooldown expiry: %w", parseErr)
	}
	expiresAt := time.UnixMilli(expiresAtMs)
	now := s.now()

	if !now.Before(expiresAt) {
		if err := s.kv.HDel(ctx, key); err != nil {
			s.logger.Warn("agentmatch: failed to clear expired cooldown", zap.String("key", key), zap.Error(err))
		}
		return CooldownDecision{Allowed: true}, nil
	}

	return CooldownDecision{
		Allowed:      false,
		CooldownType: CooldownType(fields["type"]),
		RemainingMs:  expiresAt.Sub(now).Milliseconds(),
	}, nil
}

// SetCooldown implements spec.md §4.F's set_cooldown, overwriting any prior
// cooldown on the pair (at most one active cooldown per pair, per spec.md
// §3's invariant).
func (s *Service) SetCooldown(ctx context.Context, u1, u2 string, cooldownType CooldownType) error {
	now := s.now()
	duration := s.cfg.durationFor(cooldownType)
	key := cooldownKey(geoutil.PairKey(u1, u2))

	fields := map[string]interface{}{
		"type":       string(cooldownType),
		"created_at": now.UnixMilli(),
		"expires_at": now.Add(duration).UnixMilli(),
	}
	if err := s.kv.HSet(ctx, key, fields, duration); err != nil {
		return fmt.Errorf("agentmatch: setting cooldown: %w", err)
	}

	s.events.Emit(domainevent.Event{
		Type:          domainevent.TypeAgentMatchCooldown,
		UserID:        u1,
		RelatedUserID: u2,
		Metadata:      map[string]interface{}{"cooldown_type": string(cooldownType)},
	})
	return nil
}

// CreateMissionForCollision implements spec.md §4.F's
// create_mission_for_collision. A nil Mission with a nil error means the
// pair was denied (cooldown or lost the in-flight race) — not a failure.
func (s *Service) CreateMissionForCollision(ctx context.Context, circle1ID, circle2ID, user1ID, user2ID string) (*mission.Mission, error) {
	decision, err := s.CheckCooldown(ctx, user1ID, user2ID)
	if err != nil {
		return nil, fmt.Errorf("agentmatch: checking cooldown: %w", err)
	}
	if !decision.Allowed {
		return nil, nil
	}

	pairKey := geoutil.PairKey(circle1ID, circle2ID)
	acquired, err := s.kv.SetNX(ctx, inflightKey(pairKey), "locked", s.cfg.InflightLockTTL)
	if err != nil {
		return nil, fmt.Errorf("agentmatch: acquiring in-flight lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	m, err := s.createMissionLocked(ctx, pairKey, circle1ID, circle2ID, user1ID, user2ID)
	if err != nil {
		if releaseErr := s.kv.Del(ctx, inflightKey(pairKey)); releaseErr != nil {
			s.logger.Error("agentmatch: failed to release in-flight lock after mission creation failure", zap.String("pair_key", pairKey), zap.Error(releaseErr))
		}
		return nil, err
	}
	return m, nil
}

func (s *Service) createMissionLocked(ctx context.Context, pairKey, circle1ID, circle2ID, user1ID, user2ID string) (*mission.Mission, error) {
	event, err := s.collisions.GetByPairKey(ctx, pairKey)
	if err != nil {
		return nil, fmt.Errorf("agentmatch: loading collision event: %w", err)
	}

	m := mission.Mission{
		ID:               s.newID(),
		OwnerUserID:      user1ID,
		VisitorUserID:    user2ID,
		OwnerCircleID:    circle1ID,
		VisitorCircleID:  circle2ID,
		CollisionEventID: event.ID,
		Status:           mission.StatusPending,
		AttemptNumber:    1,
	}
	created, err := s.missions.Create(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("agentmatch: creating mission row: %w", err)
	}

	ok, err := s.collisions.UpdateStatus(ctx, event.ID, event.Status, collisiondomain.StatusMissionCreated, &created.ID)
	if err != nil {
		return nil, fmt.Errorf("agentmatch: updating collision event status: %w", err)
	}
	if !ok {
		s.logger.Warn("agentmatch: collision event status update lost race, continuing with mission", zap.String("collision_event_id", event.ID))
	}

	payload := MissionPayload{
		MissionID:        created.ID,
		OwnerUserID:      user1ID,
		VisitorUserID:    user2ID,
		OwnerCircleID:    circle1ID,
		VisitorCircleID:  circle2ID,
		CollisionEventID: event.ID,
	}
	if err := s.queue.Enqueue(ctx, created.ID, payload); err != nil {
		return nil, fmt.Errorf("agentmatch: enqueueing mission: %w", err)
	}

	s.events.Emit(domainevent.Event{
		Type:          domainevent.TypeAgentMatchMissionCreate,
		UserID:        user1ID,
		RelatedUserID: user2ID,
		CircleID:      circle1ID,
		Metadata:      map[string]interface{}{"mission_id": created.ID, "collision_event_id": event.ID},
	})

	return &created, nil
}

// HandleMissionResult implements spec.md §4.F's handle_mission_result.
func (s *Service) HandleMissionResult(ctx context.Context, missionID string, result mission.Result) (*match.Match, error) {
	m, err := s.missions.Get(ctx, missionID)
	if err != nil {
		return nil, fmt.Errorf("agentmatch: mission %s not found: %w", missionID, err)
	}

	pairKey := geoutil.PairKey(m.OwnerCircleID, m.VisitorCircleID)
	defer func() {
		if err := s.kv.Del(ctx, inflightKey(pairKey)); err != nil {
			s.logger.Warn("agentmatch: failed to release in-flight lock", zap.String("pair_key", pairKey), zap.Error(err))
		}
	}()

	if !result.Success {
		ok, err := s.missions.UpdateStatus(ctx, missionID, mission.StatusRunning, mission.StatusFailed, nil, nil, result.Err)
		if err != nil {
			return nil, fmt.Errorf("agentmatch: marking mission failed: %w", err)
		}
		if !ok {
			s.logger.Warn("agentmatch: mission failed-status update lost race, skipping duplicate handling", zap.String("mission_id", missionID))
			return nil, nil
		}
		if err := s.SetCooldown(ctx, m.OwnerUserID, m.VisitorUserID, CooldownNotified); err != nil {
			s.logger.Error("agentmatch: failed to set notified cooldown after mission failure", zap.String("mission_id", missionID), zap.Error(err))
		}
		return nil, nil
	}

	ok, err := s.missions.UpdateStatus(ctx, missionID, mission.StatusRunning, mission.StatusCompleted, result.Transcript, result.JudgeDecision, "")
	if err != nil {
		return nil, fmt.Errorf("agentmatch: marking mission completed: %w", err)
	}
	if !ok {
		s.logger.Warn("agentmatch: mission completed-status update lost race, skipping duplicate match creation", zap.String("mission_id", missionID))
		return nil, nil
	}

	if !result.MatchMade {
		if err := s.SetCooldown(ctx, m.OwnerUserID, m.VisitorUserID, CooldownNotified); err != nil {
			s.logger.Error("agentmatch: failed to set notified cooldown after mission completion", zap.String("mission_id", missionID), zap.Error(err))
		}
		s.events.Emit(domainevent.Event{
			Type:          domainevent.TypeAgentMatchMissionDone,
			UserID:        m.OwnerUserID,
			RelatedUserID: m.VisitorUserID,
			Metadata:      map[string]interface{}{"mission_id": missionID, "match_made": false},
		})
		return nil, nil
	}

	confidence := s.cfg.DefaultJudgeConfidence
	summary := ""
	if result.JudgeDecision != nil {
		if result.JudgeDecision.Confidence > 0 {
			confidence = result.JudgeDecision.Confidence
		}
		summary = result.JudgeDecision.SummaryText
	}

	newMatch := match.Match{
		ID:                 s.newID(),
		PrimaryUserID:      m.OwnerUserID,
		SecondaryUserID:    m.VisitorUserID,
		PrimaryCircleID:    m.OwnerCircleID,
		SecondaryCircleID:  m.VisitorCircleID,
		Type:               match.TypeMatch,
		WorthItScore:       confidence,
		Status:             match.StatusPendingAccept,
		ExplanationSummary: summary,
	}
	created, err := s.matches.Create(ctx, newMatch)
	if err != nil {
		return nil, fmt.Errorf("agentmatch: creating match: %w", err)
	}

	if err := s.SetCooldown(ctx, m.OwnerUserID, m.VisitorUserID, CooldownMatched); err != nil {
		s.logger.Error("agentmatch: failed to set matched cooldown", zap.String("mission_id", missionID), zap.Error(err))
	}

	event, err := s.collisions.GetByPairKey(ctx, pairKey)
	if err != nil {
		s.logger.Error("agentmatch: failed to load collision event for match status update", zap.String("pair_key", pairKey), zap.Error(err))
	} else if _, err := s.collisions.UpdateStatus(ctx, event.ID, event.Status, collisiondomain.StatusMatched, &missionID); err != nil {
		s.logger.Error("agentmatch: failed to update collision event to matched", zap.String("collision_event_id", event.ID), zap.Error(err))
	}

	s.events.Emit(domainevent.Event{
		Type:          domainevent.TypeMatchCreated,
		UserID:        m.OwnerUserID,
		RelatedUserID: m.VisitorUserID,
		Metadata:      map[string]interface{}{"match_id": created.ID, "mission_id": missionID},
	})

	return &created, nil
}

// MarshalPayload is a convenience used by the mission queue worker
// (component G) to encode a payload for transport.
func MarshalPayload(p MissionPayload) ([]byte, error) {
	return json.Marshal(p)
}

// HandleStablePair implements collision.PromotionHandoff, the hand-off the
// collision detector (component E) calls once a pair is promoted to
// stable. Errors are logged by the caller; a denied pair (cooldown or lost
// in-flight race) is not an error.
func (s *Service) HandleStablePair(ctx context.Context, circle1ID, circle2ID, user1ID, user2ID string, distanceMeters float64) error {
	_, err := s.CreateMissionForCollision(ctx, circle1ID, circle2ID, user1ID, user2ID)
	return err
}
