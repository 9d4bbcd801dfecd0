// Package user holds the User aggregate: identity, contact, and the
// authoritative current position used to anchor a user's circles.
package user

import "time"

// JSONMap is the tagged-container representation for free-form payloads
// at the persistence boundary (see design notes on dynamic payloads).
type JSONMap = map[string]interface{}

// Position is a geographic point with the accuracy and timestamp it was
// reported with.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

// User is a platform account with a current position.
type User struct {
	ID          string
	Contact     string
	Profile     JSONMap
	Position    *Position
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
