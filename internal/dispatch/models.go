package dispatch

import (
	"math"
	"time"

	"dispatch-engine/internal/calls"
)

// QueueItem is one lead's automated-dial lifecycle inside a campaign.
//
// Invariants:
//   - (CampaignID, LeadID) is unique.
//   - PromotedToUserQueue is monotonic; nothing ever sets it back to false.
//   - Terminal states are sinks; only Reset moves them back to READY.
type QueueItem struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	LeadID     string `json:"lead_id" db:"lead_id"`
	CohortID   string `json:"cohort_id,omitempty" db:"cohort_id"`

	Status        Status     `json:"status" db:"status"`
	PriorityScore int        `json:"priority_score" db:"priority_score"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty" db:"scheduled_for"`

	PromotedToUserQueue bool `json:"promoted_to_user_queue" db:"promoted_to_user_queue"`

	// Outcome is the dialer's final call status, empty until one arrives.
	Outcome   string `json:"outcome,omitempty" db:"outcome"`
	LastError string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusReady            Status = "READY"
	StatusScheduled        Status = "SCHEDULED"
	StatusDialing          Status = "DIALING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusIntentYes        Status = "INTENT_YES"
	StatusIntentNo         Status = "INTENT_NO"
	StatusIntentNoAnswer   Status = "INTENT_NO_ANSWER"
	StatusConsumed         Status = "CONSUMED"
	StatusIntentYesPending Status = "INTENT_YES_PENDING"
)

// WakePriority is assigned to scheduled items when they come due so that
// committed callbacks sort ahead of fresh backlog.
const WakePriority = math.MaxInt32

// CohortCompletedStatuses count toward a cohort's completed-call target.
var CohortCompletedStatuses = []Status{
	StatusIntentYes,
	StatusIntentNo,
	StatusConsumed,
	StatusScheduled,
	StatusIntentYesPending,
}

// WorkableStatuses are raw states an operator may be handed directly when the
// human queue is empty.
var WorkableStatuses = []Status{
	StatusIntentYes,
	StatusIntentYesPending,
	StatusReady,
	StatusScheduled,
	StatusCompleted,
	StatusIntentNoAnswer,
}

var transitions = map[Status][]Status{
	StatusReady:     {StatusDialing, StatusScheduled},
	StatusScheduled: {StatusReady, StatusScheduled},
	StatusDialing: {
		StatusCompleted,
		StatusFailed,
		StatusIntentYes,
		StatusIntentNo,
		StatusIntentNoAnswer,
		StatusIntentYesPending,
		StatusScheduled,
	},
}

// Terminal reports whether s is a sink of the automated lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusScheduled, StatusDialing:
		return false
	default:
		return true
	}
}

// CanTransition reports whether s -> to is legal outside of Reset.
// Any item may be consumed once a human closes its follow-up.
func (s Status) CanTransition(to Status) bool {
	if to == StatusConsumed {
		return s != StatusConsumed
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OutcomeStatus maps a final call record to the queue item state it implies.
// ok is false for in-flight call statuses, which leave the item DIALING.
func OutcomeStatus(rec calls.Record, threshold float64) (Status, bool) {
	switch rec.CallStatus {
	case calls.CallStatusCompleted:
		switch {
		case rec.Extracted.IsPositive(threshold):
			return StatusIntentYes, true
		case rec.Extracted.Interested:
			return StatusIntentYesPending, true
		case rec.TranscriptSummary == "" && rec.Extracted.CallbackTime == nil:
			return StatusCompleted, true
		default:
			return StatusIntentNo, true
		}
	case calls.CallStatusNoAnswer, calls.CallStatusBusy:
		return StatusIntentNoAnswer, true
	case calls.CallStatusFailed, calls.CallStatusCanceled:
		return StatusFailed, true
	default:
		return "", false
	}
}
