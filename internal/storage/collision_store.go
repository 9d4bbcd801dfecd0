// internal/storage/collision_store.go

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	collisiondomain "github.com/radiusmatch/rendezvous/internal/domain/collision"
)

// CollisionEventStore implements the durable CollisionEvent record,
// unique by canonical pair key, satisfying collision.EventUpserter,
// agentmatch.CollisionEventStore, and the collision half of
// maintenance.ExpiryStore.
type CollisionEventStore struct {
	db *pgxpool.Pool
}

// NewCollisionEventStore creates a new collision event store.
func NewCollisionEventStore(db *pgxpool.Pool) *CollisionEventStore {
	return &CollisionEventStore{db: db}
}

// UpsertDetected inserts or refreshes the detecting row for a canonical
// pair, satisfying collision.EventUpserter. A repeat sighting refreshes
// last_seen_at and distance but never regresses status.
func (s *CollisionEventStore) UpsertDetected(ctx context.Context, circle1ID, circle2ID, user1ID, user2ID string, distanceMeters float64, seenAt time.Time) (collisiondomain.Event, error) {
	query := `
		INSERT INTO collision_events (
			id, circle1_id, circle2_id, user1_id, user2_id, distance_meters,
			first_seen_at, last_seen_at, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $7, 'detecting', $7, $7
		)
		ON CONFLICT (circle1_id, circle2_id) DO UPDATE
		SET distance_meters = $6,
			last_seen_at = $7,
			updated_at = $7
		RETURNING id, circle1_id, circle2_id, user1_id, user2_id, distance_meters,
			first_seen_at, last_seen_at, status, mission_id, created_at, updated_at
	`
	return s.scanEventRow(ctx, query, uuid.NewString(), circle1ID, circle2ID, user1ID, user2ID, distanceMeters, seenAt)
}

// MarkStable flips a detecting row to stable. A no-op if it is already
// past stable (monotone advancement only), satisfying collision.EventUpserter.
func (s *CollisionEventStore) MarkStable(ctx context.Context, circle1ID, circle2ID string) error {
	query := `
		UPDATE collision_events
		SET status = 'stable', updated_at = now()
		WHERE circle1_id = $1 AND circle2_id = $2 AND status = 'detecting'
	`
	_, err := s.db.Exec(ctx, query, circle1ID, circle2ID)
	if err != nil {
		return fmt.Errorf("storage: marking collision event stable: %w", err)
	}
	return nil
}

// GetByPairKey fetches a CollisionEvent by its canonical pair key
// (circle1_id:circle2_id), satisfying agentmatch.CollisionEventStore.
func (s *CollisionEventStore) GetByPairKey(ctx context.Context, pairKey string) (collisiondomain.Event, error) {
	circle1ID, circle2ID, ok := splitPairKey(pairKey)
	if !ok {
		return collisiondomain.Event{}, fmt.Errorf("storage: malformed pair key %q", pairKey)
	}
	query := `
		SELECT id, circle1_id, circle2_id, user1_id, user2_id, distance_meters,
			first_seen_at, last_seen_at, status, mission_id, created_at, updated_at
		FROM collision_events
		WHERE circle1_id = $1 AND circle2_id = $2
	`
	var evt collisiondomain.Event
	var status string
	err := s.db.QueryRow(ctx, query, circle1ID, circle2ID).Scan(
		&evt.ID, &evt.Circle1ID, &evt.Circle2ID, &evt.User1ID, &evt.User2ID, &evt.DistanceMeters,
		&evt.FirstSeenAt, &evt.LastSeenAt, &status, &evt.MissionID, &evt.CreatedAt, &evt.UpdatedAt,
	)
	if err != nil {
		return collisiondomain.Event{}, fmt.Errorf("storage: querying collision event: %w", err)
	}
	evt.Status = collisiondomain.Status(status)
	return evt, nil
}

// UpdateStatus performs an optimistic status transition gated on the
// previous status, satisfying agentmatch.CollisionEventStore. Returns
// false (no error) if another writer already moved the row past
// prevStatus — the caller's single-flight lock already prevents most
// races, this is the belt-and-suspenders check.
func (s *CollisionEventStore) UpdateStatus(ctx context.Context, id string, prevStatus, newStatus collisiondomain.Status, missionID *string) (bool, error) {
	query := `
		UPDATE collision_events
		SET status = $3, mission_id = COALESCE($4, mission_id), updated_at = now()
		WHERE id = $1 AND status = $2
	`
	tag, err := s.db.Exec(ctx, query, id, string(prevStatus), string(newStatus), missionID)
	if err != nil {
		return false, fmt.Errorf("storage: updating collision event status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireStaleCollisionEvents marks detecting/stable rows untouched since
// olderThan as expired, satisfying maintenance.ExpiryStore.
func (s *CollisionEventStore) ExpireStaleCollisionEvents(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE collision_events
		SET status = 'expired', updated_at = now()
		WHERE status IN ('detecting', 'stable')
		AND last_seen_at < $1
	`
	tag, err := s.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("storage: expiring stale collision events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *CollisionEventStore) scanEventRow(ctx context.Context, query string, args ...interface{}) (collisiondomain.Event, error) {
	var evt collisiondomain.Event
	var status string
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&evt.ID, &evt.Circle1ID, &evt.Circle2ID, &evt.User1ID, &evt.User2ID, &evt.DistanceMeters,
		&evt.FirstSeenAt, &evt.LastSeenAt, &status, &evt.MissionID, &evt.CreatedAt, &evt.UpdatedAt,
	)
	if err != nil {
		return collisiondomain.Event{}, fmt.Errorf("storage: upserting collision event: %w", err)
	}
	evt.Status = collisiondomain.Status(status)
	return evt, nil
}

func splitPairKey(pairKey string) (a, b string, ok bool) {
	for i := 0; i < len(pairKey); i++ {
		if pairKey[i] == ':' {
			return pairKey[:i], pairKey[i+1:], true
		}
	}
	return "", "", false
}
