// Package mission holds the InterviewMission aggregate: an agent-mediated
// interview run attached to a specific CollisionEvent.
package mission

import "time"

// Status is the mission lifecycle. pending -> running -> completed|failed;
// failure is terminal, retries are expressed as a new mission row with
// AttemptNumber incremented, never an in-place status regression.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// JSONMap is the tagged-container representation for transcript and judge
// decision payloads at the persistence boundary.
type JSONMap = map[string]interface{}

// TranscriptTurn is one structured turn of an interview transcript.
type TranscriptTurn struct {
	Speaker        string `json:"speaker"` // "owner" or "visitor"
	Message        string `json:"message"`
	StopSuggested  bool   `json:"stop_suggested,omitempty"`
	TurnIndex      int    `json:"turn_index"`
}

// JudgeDecision is the structured shape the core reads out of the judge's
// free-form decision payload.
type JudgeDecision struct {
	ShouldNotify      bool    `json:"should_notify"`
	NotificationText  string  `json:"notification_text,omitempty"`
	SummaryText       string  `json:"summary_text,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
}

// Mission is an interview run attached to a collision between two users.
type Mission struct {
	ID               string
	OwnerUserID      string
	VisitorUserID    string
	OwnerCircleID    string
	VisitorCircleID  string
	CollisionEventID string
	Status           Status
	AttemptNumber    int
	Transcript       []TranscriptTurn
	JudgeDecision    *JudgeDecision
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Result is what the worker reports back after running (or failing to
// run) a mission.
type Result struct {
	Success       bool
	MatchMade     bool
	Transcript    []TranscriptTurn
	JudgeDecision *JudgeDecision
	Err           string
}
