// internal/storage/circle_store.go

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/radiusmatch/rendezvous/internal/domain/circle"
)

// CircleStore implements storage for circles, including the PostGIS
// spatial candidate query collision detection runs against.
type CircleStore struct {
	db *pgxpool.Pool
}

// NewCircleStore creates a new circle store.
func NewCircleStore(db *pgxpool.Pool) *CircleStore {
	return &CircleStore{db: db}
}

// Create inserts a new circle row, anchored at the owner's current position.
func (s *CircleStore) Create(ctx context.Context, c circle.Circle, ownerLat, ownerLon float64) (circle.Circle, error) {
	query := `
		INSERT INTO circles (
			id, owner_user_id, objective, radius_meters, anchor,
			start_at, expires_at, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, ST_MakePoint($5, $6)::geography,
			$7, $8, $9, $10, $10
		)
	`
	_, err := s.db.Exec(ctx, query,
		c.ID, c.OwnerUserID, c.Objective, c.RadiusMeters, ownerLon, ownerLat,
		c.StartAt, c.ExpiresAt, string(c.Status), c.CreatedAt,
	)
	if err != nil {
		return circle.Circle{}, fmt.Errorf("storage: inserting circle: %w", err)
	}
	return c, nil
}

// LiveCirclesForOwner returns the owner's active, in-window circles,
// satisfying location.CircleStore.
func (s *CircleStore) LiveCirclesForOwner(ctx context.Context, ownerUserID string, now time.Time) ([]circle.Circle, error) {
	query := `
		SELECT id, owner_user_id, objective, radius_meters, start_at, expires_at, status, created_at, updated_at
		FROM circles
		WHERE owner_user_id = $1
		AND status = 'active'
		AND start_at <= $2
		AND expires_at > $2
	`
	rows, err := s.db.Query(ctx, query, ownerUserID, now)
	if err != nil {
		return nil, fmt.Errorf("storage: querying live circles: %w", err)
	}
	defer rows.Close()

	var circles []circle.Circle
	for rows.Next() {
		var c circle.Circle
		var status string
		if err := rows.Scan(&c.ID, &c.OwnerUserID, &c.Objective, &c.RadiusMeters, &c.StartAt, &c.ExpiresAt, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning circle: %w", err)
		}
		c.Status = circle.Status(status)
		circles = append(circles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating circles: %w", err)
	}
	return circles, nil
}

// CandidatesNear returns live peer circles whose owner's current position
// lies within radiusMeters of the center point, excluding circles owned by
// excludeOwnerUserID, nearest first, satisfying collision.CandidateQuerier.
func (s *CircleStore) CandidatesNear(ctx context.Context, centerLat, centerLon float64, radiusMeters float64, excludeOwnerUserID string, limit int, now time.Time) ([]circle.Candidate, error) {
	query := `
		SELECT c.id, c.owner_user_id, c.radius_meters, c.objective,
			ST_Distance(u.position, ST_MakePoint($1, $2)::geography) as distance
		FROM circles c
		JOIN users u ON u.id = c.owner_user_id
		WHERE c.status = 'active'
		AND c.start_at <= $3
		AND c.expires_at > $3
		AND c.owner_user_id != $4
		AND ST_DWithin(u.position, ST_MakePoint($1, $2)::geography, $5)
		ORDER BY distance ASC
		LIMIT $6
	`
	rows, err := s.db.Query(ctx, query, centerLon, centerLat, now, excludeOwnerUserID, radiusMeters, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: querying candidates: %w", err)
	}
	defer rows.Close()

	var candidates []circle.Candidate
	for rows.Next() {
		var cand circle.Candidate
		if err := rows.Scan(&cand.CircleID, &cand.OwnerUserID, &cand.RadiusMeters, &cand.Objective, &cand.DistanceMeters); err != nil {
			return nil, fmt.Errorf("storage: scanning candidate: %w", err)
		}
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterating candidates: %w", err)
	}
	return candidates, nil
}

// UpdateStatus transitions a circle's status.
func (s *CircleStore) UpdateStatus(ctx context.Context, id string, status circle.Status) error {
	query := `UPDATE circles SET status = $2, updated_at = now() WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: updating circle status: %w", err)
	}
	return nil
}
