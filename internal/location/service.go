// Package location implements admission-filtered location ingestion: the
// debounce and movement filter described in spec.md §4.D, persisting
// admitted positions and triggering collision detection.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusmatch/rendezvous/internal/collision"
	"github.com/radiusmatch/rendezvous/internal/domain/circle"
	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
	"github.com/radiusmatch/rendezvous/internal/domain/user"
	"github.com/radiusmatch/rendezvous/internal/geoutil"
	"github.com/radiusmatch/rendezvous/internal/kv"
)

// Config holds the admission tunables from spec.md §6.
type Config struct {
	MinUpdateInterval time.Duration
	MinMovementMeters float64
	MaxClientSkew     time.Duration
	PositionCacheTTL  time.Duration
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		MinUpdateInterval: 3 * time.Second,
		MinMovementMeters: 20,
		MaxClientSkew:     30 * time.Second,
		PositionCacheTTL:  5 * time.Minute,
	}
}

// UserStore is the subset of user persistence the location service needs.
type UserStore interface {
	UpdatePosition(ctx context.Context, userID string, pos user.Position) error
}

// CircleStore is the subset of circle persistence the location service
// needs to find a user's live circles after an admitted update.
type CircleStore interface {
	LiveCirclesForOwner(ctx context.Context, ownerUserID string, now time.Time) ([]circle.Circle, error)
}

// CollisionDetector is the component E surface the location service hands
// admitted positions off to.
type CollisionDetector interface {
	DetectCollisionsForUser(ctx context.Context, userID string, circles []circle.Circle, ownerLat, ownerLon float64) ([]collision.Detected, error)
}

// EventEmitter is the narrow surface of the event bus this service needs.
type EventEmitter interface {
	Emit(evt domainevent.Event)
}

// PositionCache is the subset of the KV store this service needs to cache
// the last admitted position per user. Declared as an interface (rather
// than depending on *kv.Store directly) so tests can substitute an
// in-memory fake.
type PositionCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Result is returned by UpdateUserLocation.
type Result struct {
	Skipped           bool
	CollisionsDetected int
	Error             string
}

// Service admits or rejects location updates and, on admission, persists
// the position and triggers collision detection.
type Service struct {
	cfg       Config
	kv        PositionCache
	users     UserStore
	circles   CircleStore
	detector  CollisionDetector
	events    EventEmitter
	logger    *zap.Logger
	now       func() time.Time
}

// NewService constructs the location service.
func NewService(cfg Config, store PositionCache, users UserStore, circles CircleStore, detector CollisionDetector, events EventEmitter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		kv:       store,
		users:    users,
		circles:  circles,
		detector: detector,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

type cachedPosition struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"ts"`
}

func positionKey(userID string) string { return fmt.Sprintf("position:%s", userID) }

// UpdateUserLocation evaluates the admission rules in order (age, then
// debounce interval, then movement), admitting the update if all pass (or
// if this is the user's first-ever update). On admission it persists the
// position, caches it, and triggers collision detection for the user's
// live circles. Any downstream failure is caught and reported as Skipped
// with an Error description; the caller is never propagated an error.
func (s *Service) UpdateUserLocation(ctx context.Context, userID string, lat, lon, accuracy float64, clientTimestamp time.Time) Result {
	now := s.now()

	if now.Sub(clientTimestamp) >= s.cfg.MaxClientSkew {
		s.emitSkipped(userID, "stale_timestamp")
		return Result{Skipped: true}
	}

	last, hasLast, err := s.lastAdmitted(ctx, userID)
	if err != nil {
		s.logger.Warn("location: failed to read last admitted position, treating as first-ever", zap.String("user_id", userID), zap.Error(err))
		hasLast = false
	}

	if hasLast {
		if now.Sub(last.Timestamp) < s.cfg.MinUpdateInterval {
			s.emitSkipped(userID, "debounce_interval")
			return Result{Skipped: true}
		}
		moved := geoutil.Haversine(lat, lon, last.Latitude, last.Longitude)
		if moved < s.cfg.MinMovementMeters {
			s.emitSkipped(userID, "insufficient_movement")
			return Result{Skipped: true}
		}
	}

	admitted := cachedPosition{Latitude: lat, Longitude: lon, Accuracy: accuracy, Timestamp: now}
	if err := s.cachePosition(ctx, userID, admitted); err != nil {
		s.logger.Error("location: failed to cache admitted position", zap.String("user_id", userID), zap.Error(err))
		return Result{Skipped: true, Error: err.Error()}
	}

	if err := s.users.UpdatePosition(ctx, userID, user.Position{
		Latitude: lat, Longitude: lon, Accuracy: accuracy, Timestamp: now,
	}); err != nil {
		s.logger.Error("location: failed to persist position", zap.String("user_id", userID), zap.Error(err))
		return Result{Skipped: true, Error: err.Error()}
	}

	s.events.Emit(domainevent.Event{
		Type:   domainevent.TypeLocationAdmitted,
		UserID: userID,
	})

	circles, err := s.circles.LiveCirclesForOwner(ctx, userID, now)
	if err != nil {
		s.logger.Error("location: failed to load live circles", zap.String("user_id", userID), zap.Error(err))
		return Result{Skipped: true, Error: err.Error()}
	}

	if len(circles) == 0 {
		return Result{CollisionsDetected: 0}
	}

	detected, err := s.detector.DetectCollisionsForUser(ctx, userID, circles, lat, lon)
	if err != nil {
		s.logger.Error("location: collision detection failed", zap.String("user_id", userID), zap.Error(err))
		return Result{Skipped: true, Error: err.Error()}
	}

	return Result{CollisionsDetected: len(detected)}
}

func (s *Service) emitSkipped(userID, reason string) {
	s.events.Emit(domainevent.Event{
		Type:     domainevent.TypeLocationSkipped,
		UserID:   userID,
		Metadata: map[string]interface{}{"reason": reason},
	})
}

// lastAdmitted reads the last admitted position. Per spec.md §5, the
// persistent copy in the KV cache wins over any in-process hint, so there
// is no separate in-process map here — the cache itself is authoritative
// across instances of this service.
func (s *Service) lastAdmitted(ctx context.Context, userID string) (cachedPosition, bool, error) {
	raw, err := s.kv.Get(ctx, positionKey(userID))
	if err != nil {
		if err == kv.ErrNotFound {
			return cachedPosition{}, false, nil
		}
		return cachedPosition{}, false, err
	}

	var pos cachedPosition
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return cachedPosition{}, false, fmt.Errorf("location: decoding cached position: %w", err)
	}
	return pos, true, nil
}

func (s *Service) cachePosition(ctx context.Context, userID string, pos cachedPosition) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("location: encoding cached position: %w", err)
	}
	return s.kv.Set(ctx, positionKey(userID), string(data), s.cfg.PositionCacheTTL)
}
