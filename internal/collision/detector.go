// Package collision implements spatial candidate detection and per-pair
// stability tracking, described in spec.md §4.E: collisions are detected
// per live circle against a relational spatial candidate query, tracked as
// transient stability state in the KV store, and promoted to the
// agent-match service once they persist past the stability window.
package collision

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusmatch/rendezvous/internal/domain/circle"
	collisiondomain "github.com/radiusmatch/rendezvous/internal/domain/collision"
	"github.com/radiusmatch/rendezvous/internal/geoutil"
	"github.com/radiusmatch/rendezvous/internal/kv"
)

// Config holds the tunables from spec.md §6.
type Config struct {
	MaxSearchRadiusMeters   float64
	SpatialIndexSearchLimit int
	MaxCollisionsPerUpdate  int
	StabilityWindow         time.Duration
	InactivityWindow        time.Duration
	CollisionCacheTTL       time.Duration
}

// DefaultConfig returns documented production defaults. STABILITY_WINDOW_MS
// and INACTIVITY_WINDOW_MS are left partially specified by spec.md §9's
// open question; these values are the chosen production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSearchRadiusMeters:   500,
		SpatialIndexSearchLimit: 50,
		MaxCollisionsPerUpdate:  5,
		StabilityWindow:         30 * time.Second,
		InactivityWindow:        2 * time.Minute,
		CollisionCacheTTL:       10 * time.Minute,
	}
}

// CandidateQuerier is the relational spatial candidate query surface from
// spec.md §6: peer circles near a center point, active and within their
// time window, excluding a given owner.
type CandidateQuerier interface {
	CandidatesNear(ctx context.Context, centerLat, centerLon float64, radiusMeters float64, excludeOwnerUserID string, limit int, now time.Time) ([]circle.Candidate, error)
}

// PromotionHandoff is the component F surface a promoted pair is handed to.
type PromotionHandoff interface {
	HandleStablePair(ctx context.Context, circle1ID, circle2ID, user1ID, user2ID string, distanceMeters float64) error
}

// EventUpserter is the relational CollisionEvent surface: an atomic upsert
// keyed by the canonical pair, per spec.md §6. The KV hash tracked by this
// package is the fast transient copy; the relational row is the durable
// record the rest of the system (agent-match, API reads) consults.
type EventUpserter interface {
	UpsertDetected(ctx context.Context, circle1ID, circle2ID, user1ID, user2ID string, distanceMeters float64, seenAt time.Time) (collisiondomain.Event, error)
	MarkStable(ctx context.Context, circle1ID, circle2ID string) error
}

// Detected is one kept candidate collision, returned from
// DetectCollisionsForUser for callers that want the raw list (e.g. tests,
// observer decoration).
type Detected struct {
	Circle1ID      string
	Circle2ID      string
	User1ID        string
	User2ID        string
	DistanceMeters float64
	Timestamp      time.Time
}

// activeState mirrors the collision:active:<pairKey> hash fields. User1ID/
// User2ID are carried so the scheduled sweeper (which only has the pair key,
// not the originating detection) can still hand a promoted pair off to F.
type activeState struct {
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Status      collisiondomain.Status
	Distance    float64
	User1ID     string
	User2ID     string
}

// stabilityStore is the subset of *kv.Store the detector needs, declared as
// an interface so tests can substitute an in-memory fake.
type stabilityStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key, member string) error
}

// Detector implements spec.md §4.E.
type Detector struct {
	cfg     Config
	kv      stabilityStore
	query   CandidateQuerier
	promote PromotionHandoff
	events  EventUpserter
	logger  *zap.Logger
	now     func() time.Time
}

// NewDetector constructs a Detector.
func NewDetector(cfg Config, store stabilityStore, query CandidateQuerier, promote PromotionHandoff, events EventUpserter, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, kv: store, query: query, promote: promote, events: events, logger: logger, now: time.Now}
}

const stabilityQueueKey = "collision:stability:queue"

func activeKey(pairKey string) string { return fmt.Sprintf("collision:active:%s", pairKey) }

// DetectCollisionsForUser runs the candidate query for each of the user's
// live circles, keeps candidates within radius, truncates to
// MaxCollisionsPerUpdate, and updates stability tracking for each kept
// candidate. Per-circle query failures are logged and skipped; the batch
// never aborts.
func (d *Detector) DetectCollisionsForUser(ctx context.Context, userID string, circles []circle.Circle, ownerLat, ownerLon float64) ([]Detected, error) {
	var all []Detected

	for _, c := range circles {
		if c.OwnerUserID != userID {
			continue
		}

		candidates, err := d.query.CandidatesNear(ctx, ownerLat, ownerLon, d.cfg.MaxSearchRadiusMeters, userID, d.cfg.SpatialIndexSearchLimit, d.now())
		if err != nil {
			d.logger.Warn("collision: candidate query failed, skipping circle", zap.String("circle_id", c.ID), zap.Error(err))
			continue
		}

		kept := keepWithinRadius(candidates, c.RadiusMeters)
		sort.Slice(kept, func(i, j int) bool { return kept[i].DistanceMeters < kept[j].DistanceMeters })
		if len(kept) > d.cfg.MaxCollisionsPerUpdate {
			kept = kept[:d.cfg.MaxCollisionsPerUpdate]
		}

		now := d.now()
		for _, cand := range kept {
			circle1, circle2, user1, user2, dist := canonicalPair(c.ID, userID, cand.CircleID, cand.OwnerUserID, cand.DistanceMeters)
			det := Detected{Circle1ID: circle1, Circle2ID: circle2, User1ID: user1, User2ID: user2, DistanceMeters: dist, Timestamp: now}
			all = append(all, det)

			if err := d.trackStability(ctx, det); err != nil {
				d.logger.Warn("collision: stability tracking failed", zap.String("circle1_id", circle1), zap.String("circle2_id", circle2), zap.Error(err))
			}
		}
	}

	return all, nil
}

// keepWithinRadius filters candidates whose distance is <= the owning
// circle's radius (the peer is treated as a point), per spec.md §4.E step 2.
// Distance exactly equal to the radius counts as colliding.
func keepWithinRadius(candidates []circle.Candidate, radiusMeters float64) []circle.Candidate {
	kept := make([]circle.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.DistanceMeters <= radiusMeters {
			kept = append(kept, c)
		}
	}
	return kept
}

// canonicalPair orders the two circle/user ids lexicographically by circle
// id, so user_i = owner(circle_i) after ordering, per spec.md §9.
func canonicalPair(circleA, userA, circleB, userB string, distance float64) (circle1, circle2, user1, user2 string, dist float64) {
	if circleA <= circleB {
		return circleA, circleB, userA, userB, distance
	}
	return circleB, circleA, userB, userA, distance
}

// trackStability implements spec.md §4.E's per-pair stability tracking: a
// new active hash is created on first sight, refreshed on subsequent
// sightings, and a detecting pair past the stability window is promoted by
// the first observer to see it cross the threshold.
func (d *Detector) trackStability(ctx context.Context, det Detected) error {
	pairKey := geoutil.PairKey(det.Circle1ID, det.Circle2ID)
	now := det.Timestamp

	state, found, err := d.readActive(ctx, pairKey)
	if err != nil {
		return fmt.Errorf("collision: reading active state: %w", err)
	}

	if !found {
		state = activeState{FirstSeenAt: now, LastSeenAt: now, Status: collisiondomain.StatusDetecting, Distance: det.DistanceMeters, User1ID: det.User1ID, User2ID: det.User2ID}
		if err := d.writeActive(ctx, pairKey, state); err != nil {
			return fmt.Errorf("collision: writing new active state: %w", err)
		}
		if err := d.kv.ZAdd(ctx, stabilityQueueKey, float64(now.UnixMilli()), pairKey); err != nil {
			return fmt.Errorf("collision: enqueueing stability entry: %w", err)
		}
		if d.events != nil {
			if _, err := d.events.UpsertDetected(ctx, det.Circle1ID, det.Circle2ID, det.User1ID, det.User2ID, det.DistanceMeters, now); err != nil {
				return fmt.Errorf("collision: upserting collision event: %w", err)
			}
		}
		return nil
	}

	state.LastSeenAt = now
	state.Distance = det.DistanceMeters
	if err := d.writeActive(ctx, pairKey, state); err != nil {
		return fmt.Errorf("collision: refreshing active state: %w", err)
	}
	if d.events != nil {
		if _, err := d.events.UpsertDetected(ctx, det.Circle1ID, det.Circle2ID, det.User1ID, det.User2ID, det.DistanceMeters, now); err != nil {
			return fmt.Errorf("collision: upserting collision event: %w", err)
		}
	}

	if state.Status == collisiondomain.StatusDetecting && now.Sub(state.FirstSeenAt) >= d.cfg.StabilityWindow {
		return d.promotePair(ctx, pairKey, det.Circle1ID, det.Circle2ID, det.User1ID, det.User2ID, state)
	}
	return nil
}

// promotePair is the CAS-style flip from detecting to stable: only the
// observer that successfully writes status=stable hands off to F. A
// concurrent observer that loses the race sees the already-updated status
// and is a no-op.
func (d *Detector) promotePair(ctx context.Context, pairKey, circle1ID, circle2ID, user1ID, user2ID string, state activeState) error {
	if !collisiondomain.CanAdvance(state.Status, collisiondomain.StatusStable) {
		return nil
	}
	state.Status = collisiondomain.StatusStable
	if err := d.writeActive(ctx, pairKey, state); err != nil {
		return fmt.Errorf("collision: promoting to stable: %w", err)
	}
	if d.events != nil {
		if err := d.events.MarkStable(ctx, circle1ID, circle2ID); err != nil {
			return fmt.Errorf("collision: marking collision event stable: %w", err)
		}
	}
	if d.promote == nil {
		return nil
	}
	if err := d.promote.HandleStablePair(ctx, circle1ID, circle2ID, user1ID, user2ID, state.Distance); err != nil {
		return fmt.Errorf("collision: handoff to agent-match failed: %w", err)
	}
	return nil
}

// RunStabilitySweep is the scheduled-promotion step from spec.md §4.E, run
// periodically by the background maintenance loop (component H). It scans
// the stability sorted set for entries whose first-seen score is at or past
// the stability window and promotes or expires them. Returns the number of
// entries promoted and expired.
func (d *Detector) RunStabilitySweep(ctx context.Context) (promoted, expired int, err error) {
	now := d.now()
	cutoff := float64(now.Add(-d.cfg.StabilityWindow).UnixMilli())

	members, err := d.kv.ZRangeByScore(ctx, stabilityQueueKey, kv.NegInf, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("collision: scanning stability queue: %w", err)
	}

	for _, pairKey := range members {
		state, found, err := d.readActive(ctx, pairKey)
		if err != nil {
			d.logger.Warn("collision: sweep failed to read active state", zap.String("pair_key", pairKey), zap.Error(err))
			continue
		}
		if !found {
			if err := d.kv.ZRem(ctx, stabilityQueueKey, pairKey); err != nil {
				d.logger.Warn("collision: sweep failed to remove stale entry", zap.String("pair_key", pairKey), zap.Error(err))
			}
			continue
		}

		circle1ID, circle2ID, ok := splitPairKey(pairKey)
		if !ok {
			d.logger.Warn("collision: sweep found malformed pair key", zap.String("pair_key", pairKey))
			continue
		}

		switch {
		case state.Status == collisiondomain.StatusDetecting && state.LastSeenAt.After(now.Add(-d.cfg.InactivityWindow)):
			if err := d.sweepPromote(ctx, pairKey, circle1ID, circle2ID, state); err != nil {
				d.logger.Warn("collision: sweep promotion failed", zap.String("pair_key", pairKey), zap.Error(err))
				continue
			}
			promoted++
		case state.LastSeenAt.Before(now.Add(-d.cfg.InactivityWindow)):
			state.Status = collisiondomain.StatusExpired
			if err := d.writeActive(ctx, pairKey, state); err != nil {
				d.logger.Warn("collision: sweep expiry write failed", zap.String("pair_key", pairKey), zap.Error(err))
				continue
			}
			if err := d.kv.ZRem(ctx, stabilityQueueKey, pairKey); err != nil {
				d.logger.Warn("collision: sweep failed to remove expired entry", zap.String("pair_key", pairKey), zap.Error(err))
			}
			expired++
		}
	}

	return promoted, expired, nil
}

// sweepPromote mirrors promotePair but without a known user alignment (the
// sweeper only has circle ids from the pair key); it resolves user ids from
// the stored hash fields written at creation time.
func (d *Detector) sweepPromote(ctx context.Context, pairKey, circle1ID, circle2ID string, state activeState) error {
	if !collisiondomain.CanAdvance(state.Status, collisiondomain.StatusStable) {
		return nil
	}
	state.Status = collisiondomain.StatusStable
	if err := d.writeActive(ctx, pairKey, state); err != nil {
		return err
	}
	if d.events != nil {
		if err := d.events.MarkStable(ctx, circle1ID, circle2ID); err != nil {
			return err
		}
	}
	if d.promote == nil {
		return nil
	}
	return d.promote.HandleStablePair(ctx, circle1ID, circle2ID, state.User1ID, state.User2ID, state.Distance)
}

func splitPairKey(pairKey string) (a, b string, ok bool) {
	parts := strings.SplitN(pairKey, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (d *Detector) readActive(ctx context.Context, pairKey string) (activeState, bool, error) {
	fields, err := d.kv.HGetAll(ctx, activeKey(pairKey))
	if err != nil {
		if err == kv.ErrNotFound {
			return activeState{}, false, nil
		}
		return activeState{}, false, err
	}

	firstSeen, err := parseUnixMilli(fields["first_seen_at"])
	if err != nil {
		return activeState{}, false, fmt.Errorf("parsing first_seen_at: %w", err)
	}
	lastSeen, err := parseUnixMilli(fields["last_seen_at"])
	if err != nil {
		return activeState{}, false, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	distance, err := strconv.ParseFloat(fields["distance"], 64)
	if err != nil {
		return activeState{}, false, fmt.Errorf("parsing distance: %w", err)
	}

	state := activeState{
		FirstSeenAt: firstSeen,
		LastSeenAt:  lastSeen,
		Status:      collisiondomain.Status(fields["status"]),
		Distance:    distance,
		User1ID:     fields["user1_id"],
		User2ID:     fields["user2_id"],
	}
	return state, true, nil
}

func (d *Detector) writeActive(ctx context.Context, pairKey string, state activeState) error {
	fields := map[string]interface{}{
		"first_seen_at": state.FirstSeenAt.UnixMilli(),
		"last_seen_at":  state.LastSeenAt.UnixMilli(),
		"status":        string(state.Status),
		"distance":      strconv.FormatFloat(state.Distance, 'f', -1, 64),
		"user1_id":      state.User1ID,
		"user2_id":      state.User2ID,
	}
	return d.kv.HSet(ctx, activeKey(pairKey), fields, d.cfg.CollisionCacheTTL)
}

func parseUnixMilli(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
