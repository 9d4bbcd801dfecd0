// internal/storage/user_store.go

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/radiusmatch/rendezvous/internal/domain/user"
)

// UserStore implements storage for users, grounded on the teacher's
// pgxpool upsert idiom.
type UserStore struct {
	db *pgxpool.Pool
}

// NewUserStore creates a new user store.
func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{db: db}
}

// Create inserts a new user row.
func (s *UserStore) Create(ctx context.Context, u user.User) (user.User, error) {
	profileJSON, err := json.Marshal(u.Profile)
	if err != nil {
		return user.User{}, fmt.Errorf("storage: marshaling profile: %w", err)
	}

	query := `
		INSERT INTO users (id, contact, profile, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, u.ID, u.Contact, profileJSON, u.CreatedAt); err != nil {
		return user.User{}, fmt.Errorf("storage: inserting user: %w", err)
	}
	return u, nil
}

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (user.User, error) {
	query := `
		SELECT id, contact, profile,
			ST_X(position::geometry), ST_Y(position::geometry), position_accuracy, position_ts,
			created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var u user.User
	var profileJSON []byte
	var lng, lat, accuracy *float64
	var ts *time.Time

	err := s.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Contact, &profileJSON,
		&lng, &lat, &accuracy, &ts,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return user.User{}, fmt.Errorf("storage: querying user: %w", err)
	}

	if err := json.Unmarshal(profileJSON, &u.Profile); err != nil {
		return user.User{}, fmt.Errorf("storage: unmarshaling profile: %w", err)
	}

	if lng != nil && lat != nil {
		u.Position = &user.Position{Longitude: *lng, Latitude: *lat}
		if accuracy != nil {
			u.Position.Accuracy = *accuracy
		}
		if ts != nil {
			u.Position.Timestamp = *ts
		}
	}

	return u, nil
}

// UpdatePosition writes the user's current position, satisfying
// location.UserStore.
func (s *UserStore) UpdatePosition(ctx context.Context, userID string, pos user.Position) error {
	query := `
		UPDATE users
		SET position = ST_MakePoint($2, $3)::geography,
			position_accuracy = $4,
			position_ts = $5,
			updated_at = $5
		WHERE id = $1
	`
	_, err := s.db.Exec(ctx, query, userID, pos.Longitude, pos.Latitude, pos.Accuracy, pos.Timestamp)
	if err != nil {
		return fmt.Errorf("storage: updating position: %w", err)
	}
	return nil
}
