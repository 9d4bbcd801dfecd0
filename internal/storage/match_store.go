// internal/storage/match_store.go

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/radiusmatch/rendezvous/internal/domain/match"
)

// MatchStore implements storage for surfaced matches, satisfying
// agentmatch.MatchStore and the match half of maintenance.ExpiryStore.
type MatchStore struct {
	db *pgxpool.Pool
}

// NewMatchStore creates a new match store.
func NewMatchStore(db *pgxpool.Pool) *MatchStore {
	return &MatchStore{db: db}
}

// Create inserts a new match row, satisfying agentmatch.MatchStore.
func (s *MatchStore) Create(ctx context.Context, m match.Match) (match.Match, error) {
	query := `
		INSERT INTO matches (
			id, primary_user_id, secondary_user_id, primary_circle_id, secondary_circle_id,
			type, worth_it_score, status, explanation_summary, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10
		)
	`
	_, err := s.db.Exec(ctx, query,
		m.ID, m.PrimaryUserID, m.SecondaryUserID, m.PrimaryCircleID, m.SecondaryCircleID,
		string(m.Type), m.WorthItScore, string(m.Status), m.ExplanationSummary, m.CreatedAt,
	)
	if err != nil {
		return match.Match{}, fmt.Errorf("storage: inserting match: %w", err)
	}
	return m, nil
}

// Get retrieves a match by ID.
func (s *MatchStore) Get(ctx context.Context, id string) (match.Match, error) {
	query := `
		SELECT id, primary_user_id, secondary_user_id, primary_circle_id, secondary_circle_id,
			type, worth_it_score, status, explanation_summary, created_at, updated_at
		FROM matches
		WHERE id = $1
	`
	var m match.Match
	var typ, status string
	err := s.db.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.PrimaryUserID, &m.SecondaryUserID, &m.PrimaryCircleID, &m.SecondaryCircleID,
		&typ, &m.WorthItScore, &status, &m.ExplanationSummary, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return match.Match{}, fmt.Errorf("storage: querying match: %w", err)
	}
	m.Type = match.Type(typ)
	m.Status = match.Status(status)
	return m, nil
}

// UpdateStatus performs an optimistic status transition gated on the
// previous status (e.g. pending_accept -> active|declined).
func (s *MatchStore) UpdateStatus(ctx context.Context, id string, prevStatus, newStatus match.Status) (bool, error) {
	query := `
		UPDATE matches
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`
	tag, err := s.db.Exec(ctx, query, id, string(prevStatus), string(newStatus))
	if err != nil {
		return false, fmt.Errorf("storage: updating match status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireStalePendingMatches marks pending_accept matches untouched since
// olderThan as expired, satisfying maintenance.ExpiryStore.
func (s *MatchStore) ExpireStalePendingMatches(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE matches
		SET status = 'expired', updated_at = now()
		WHERE status = 'pending_accept'
		AND created_at < $1
	`
	tag, err := s.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("storage: expiring stale matches: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
