package audit

import (
	"time"

	"github.com/google/uuid"
)

// Decision outcomes recorded on events.
const (
	OutcomeAllowed   = "ALLOWED"
	OutcomeDenied    = "DENIED"
	OutcomeBlocked   = "BLOCKED"
	OutcomeUnblocked = "UNBLOCKED"
	OutcomeFlagged   = "FLAGGED"
)

// Event is one rate-limit decision worth keeping: denials, blocks, admin
// unblocks, and suspicious-activity flags. Plain allows are not audited.
type Event struct {
	EventID        string    `json:"event_id" ch:"event_id"`
	IdentifierHash string    `json:"identifier_hash" ch:"identifier_hash"`
	Action         string    `json:"action" ch:"action"`
	Outcome        string    `json:"outcome" ch:"outcome"`
	Count          int32     `json:"count" ch:"count"`
	Limit          int32     `json:"limit" ch:"limit"`
	Reason         string    `json:"reason" ch:"reason"`
	ActorID        string    `json:"actor_id,omitempty" ch:"actor_id"`
	DateBucket     string    `json:"date_bucket" ch:"date_bucket"`
	CreatedAt      time.Time `json:"created_at" ch:"created_at"`
}

// NewEvent stamps identity and time; callers fill in the rest.
func NewEvent(identifierHash, action, outcome string) *Event {
	now := time.Now().UTC()
	return &Event{
		EventID:        uuid.NewString(),
		IdentifierHash: identifierHash,
		Action:         action,
		Outcome:        outcome,
		DateBucket:     now.Format("2006-01-02"),
		CreatedAt:      now,
	}
}
