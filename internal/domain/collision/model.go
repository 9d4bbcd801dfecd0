// Package collision holds the CollisionEvent aggregate: the durable record
// of a detected overlap between two circles, unique by canonical pair key.
package collision

import "time"

// Status is the CollisionEvent lifecycle stage. Transitions are monotone
// along detecting -> stable -> mission_created -> {matched, expired};
// regressions are forbidden no-ops.
type Status string

const (
	StatusDetecting      Status = "detecting"
	StatusStable         Status = "stable"
	StatusMissionCreated Status = "mission_created"
	StatusMatched        Status = "matched"
	StatusExpired        Status = "expired"
)

// rank gives each status its position in the monotone order, used to
// reject regressions.
var rank = map[Status]int{
	StatusDetecting:      0,
	StatusStable:         1,
	StatusMissionCreated: 2,
	StatusMatched:        3,
	StatusExpired:        3, // matched and expired are both terminal, neither dominates the other
}

// CanAdvance reports whether moving from `from` to `to` is a legal forward
// transition (or a no-op repeat of the same status).
func CanAdvance(from, to Status) bool {
	if from == to {
		return true
	}
	fr, ok1 := rank[from]
	tr, ok2 := rank[to]
	if !ok1 || !ok2 {
		return false
	}
	if from == StatusMatched || from == StatusExpired {
		return false
	}
	return tr >= fr
}

// Event is the unique-by-pair record of a detected circle overlap.
//
// Circle1ID/Circle2ID are always canonically ordered (Circle1ID <
// Circle2ID); User1ID/User2ID are aligned so that UserI = owner(CircleI)
// after that ordering, per the fixed alignment decision in design notes.
type Event struct {
	ID              string
	Circle1ID       string
	Circle2ID       string
	User1ID         string
	User2ID         string
	DistanceMeters  float64
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	Status          Status
	MissionID       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
