// internal/storage/mission_store.go

package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/radiusmatch/rendezvous/internal/domain/mission"
)

// MissionStore implements storage for interview missions, satisfying
// agentmatch.MissionStore and missionqueue.MissionStatusReader.
type MissionStore struct {
	db *pgxpool.Pool
}

// NewMissionStore creates a new mission store.
func NewMissionStore(db *pgxpool.Pool) *MissionStore {
	return &MissionStore{db: db}
}

// Create inserts a new mission row.
func (s *MissionStore) Create(ctx context.Context, m mission.Mission) (mission.Mission, error) {
	query := `
		INSERT INTO missions (
			id, owner_user_id, visitor_user_id, owner_circle_id, visitor_circle_id,
			collision_event_id, status, attempt_number, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $9
		)
	`
	_, err := s.db.Exec(ctx, query,
		m.ID, m.OwnerUserID, m.VisitorUserID, m.OwnerCircleID, m.VisitorCircleID,
		m.CollisionEventID, string(m.Status), m.AttemptNumber, m.CreatedAt,
	)
	if err != nil {
		return mission.Mission{}, fmt.Errorf("storage: inserting mission: %w", err)
	}
	return m, nil
}

// Get retrieves a mission by ID, satisfying missionqueue.MissionStatusReader.
func (s *MissionStore) Get(ctx context.Context, id string) (mission.Mission, error) {
	query := `
		SELECT id, owner_user_id, visitor_user_id, owner_circle_id, visitor_circle_id,
			collision_event_id, status, attempt_number, transcript, judge_decision,
			failure_reason, created_at, updated_at
		FROM missions
		WHERE id = $1
	`
	var m mission.Mission
	var status string
	var transcriptJSON, decisionJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.OwnerUserID, &m.VisitorUserID, &m.OwnerCircleID, &m.VisitorCircleID,
		&m.CollisionEventID, &status, &m.AttemptNumber, &transcriptJSON, &decisionJSON,
		&m.FailureReason, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return mission.Mission{}, fmt.Errorf("storage: querying mission: %w", err)
	}
	m.Status = mission.Status(status)

	if len(transcriptJSON) > 0 {
		if err := json.Unmarshal(transcriptJSON, &m.Transcript); err != nil {
			return mission.Mission{}, fmt.Errorf("storage: unmarshaling transcript: %w", err)
		}
	}
	if len(decisionJSON) > 0 {
		var decision mission.JudgeDecision
		if err := json.Unmarshal(decisionJSON, &decision); err != nil {
			return mission.Mission{}, fmt.Errorf("storage: unmarshaling judge decision: %w", err)
		}
		m.JudgeDecision = &decision
	}

	return m, nil
}

// UpdateStatus performs an optimistic status transition gated on the
// previous status, writing the transcript and judge decision alongside,
// satisfying agentmatch.MissionStore.
func (s *MissionStore) UpdateStatus(ctx context.Context, id string, prevStatus, newStatus mission.Status, transcript []mission.TranscriptTurn, decision *mission.JudgeDecision, failureReason string) (bool, error) {
	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return false, fmt.Errorf("storage: marshaling transcript: %w", err)
	}
	var decisionJSON []byte
	if decision != nil {
		decisionJSON, err = json.Marshal(decision)
		if err != nil {
			return false, fmt.Errorf("storage: marshaling judge decision: %w", err)
		}
	}

	query := `
		UPDATE missions
		SET status = $3, transcript = $4, judge_decision = $5, failure_reason = $6, updated_at = now()
		WHERE id = $1 AND status = $2
	`
	tag, err := s.db.Exec(ctx, query, id, string(prevStatus), string(newStatus), transcriptJSON, decisionJSON, failureReason)
	if err != nil {
		return false, fmt.Errorf("storage: updating mission status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
