package humanqueue

import (
	"time"

	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/priority"
)

// Item is a lead waiting for human follow-up.
//
// Invariants:
//   - At most one non-CLOSED Item per (CampaignID, LeadID).
//   - OriginalQueueItemID is a plain reference; the queue item is looked up,
//     never embedded.
//   - CallHistory is append-only.
type Item struct {
	ID                  string `json:"id" db:"id"`
	CampaignID          string `json:"campaign_id" db:"campaign_id"`
	LeadID              string `json:"lead_id" db:"lead_id"`
	OriginalQueueItemID string `json:"original_queue_item_id" db:"original_queue_item_id"`

	CallHistory       []CallSummary `json:"call_history" db:"call_history"`
	AISummary         string        `json:"ai_summary,omitempty" db:"ai_summary"`
	StructuredContext Context       `json:"structured_context" db:"structured_context"`

	IntentStrength   float64    `json:"intent_strength" db:"intent_strength"`
	ConfirmationSlot *time.Time `json:"confirmation_slot,omitempty" db:"confirmation_slot"`
	DetectedAt       *time.Time `json:"detected_at,omitempty" db:"detected_at"`
	PriorityScore    int        `json:"priority_score" db:"priority_score"`

	Status         Status     `json:"status" db:"status"`
	LockedByUserID string     `json:"locked_by_user_id,omitempty" db:"locked_by_user_id"`
	LockedAt       *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	LockExpiresAt  *time.Time `json:"lock_expires_at,omitempty" db:"lock_expires_at"`

	RetryCount          int        `json:"retry_count" db:"retry_count"`
	ManualPriorityBoost int        `json:"manual_priority_boost" db:"manual_priority_boost"`
	RetryScheduledFor   *time.Time `json:"retry_scheduled_for,omitempty" db:"retry_scheduled_for"`

	Resolution Resolution `json:"resolution,omitempty" db:"resolution"`
	Notes      string     `json:"notes,omitempty" db:"notes"`
	ClosedAt   *time.Time `json:"closed_at,omitempty" db:"closed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusReady       Status = "READY"
	StatusLocked      Status = "LOCKED"
	StatusRescheduled Status = "RESCHEDULED"
	StatusClosed      Status = "CLOSED"
)

type Resolution string

const (
	ResolutionWon    Resolution = "CLOSE_WON"
	ResolutionLost   Resolution = "CLOSE_LOST"
	ResolutionLogged Resolution = "LOGGED"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionWon, ResolutionLost, ResolutionLogged:
		return true
	default:
		return false
	}
}

// CallSummary is one automated call as the operator sees it.
type CallSummary struct {
	CallRecordID string           `json:"call_record_id"`
	QueueItemID  string           `json:"queue_item_id"`
	CallStatus   calls.CallStatus `json:"call_status"`
	Summary      string           `json:"summary,omitempty"`
	Interested   bool             `json:"interested"`
	CallbackTime *time.Time       `json:"callback_time,omitempty"`
	RecordedAt   time.Time        `json:"recorded_at"`
}

// Context is the structured view handed to the operator with the item.
type Context struct {
	Interested     bool             `json:"interested"`
	CallbackTime   *time.Time       `json:"callback_time,omitempty"`
	LastCallStatus calls.CallStatus `json:"last_call_status,omitempty"`
	CallCount      int              `json:"call_count"`
	Cohort         string           `json:"cohort,omitempty"`
}

// Score recomputes the item's priority at now.
func (it Item) Score(now time.Time) int {
	return priority.Score(now, priority.Inputs{
		ConfirmationSlot: it.ConfirmationSlot,
		IntentStrength:   it.IntentStrength,
		RetryCount:       it.RetryCount,
		ManualBoost:      it.ManualPriorityBoost,
		DetectedAt:       it.DetectedAt,
	})
}

func (it *Item) clearLock() {
	it.LockedByUserID = ""
	it.LockedAt = nil
	it.LockExpiresAt = nil
}

// absorb folds the latest call record into the item: history, AI fields
// and structured context. A record already in the history is not appended
// twice.
func (it *Item) absorb(qi dispatch.QueueItem, rec *calls.Record, now time.Time) {
	it.StructuredContext.Cohort = qi.CohortID
	if rec == nil {
		if it.DetectedAt == nil {
			it.DetectedAt = &now
		}
		it.IntentStrength = calls.NeutralIntent
		return
	}

	seen := false
	for _, h := range it.CallHistory {
		if h.CallRecordID == rec.ID {
			seen = true
			break
		}
	}
	if !seen {
		it.CallHistory = append(it.CallHistory, CallSummary{
			CallRecordID: rec.ID,
			QueueItemID:  qi.ID,
			CallStatus:   rec.CallStatus,
			Summary:      rec.TranscriptSummary,
			Interested:   rec.Extracted.Interested,
			CallbackTime: rec.Extracted.CallbackTime,
			RecordedAt:   rec.UpdatedAt,
		})
	}

	if rec.TranscriptSummary != "" {
		it.AISummary = rec.TranscriptSummary
	}
	it.IntentStrength = calls.IntentStrength(rec)
	if rec.Extracted.CallbackTime != nil {
		slot := *rec.Extracted.CallbackTime
		it.ConfirmationSlot = &slot
	}
	detected := rec.UpdatedAt
	if detected.IsZero() {
		detected = now
	}
	it.DetectedAt = &detected

	it.StructuredContext.Interested = rec.Extracted.Interested
	it.StructuredContext.CallbackTime = it.ConfirmationSlot
	it.StructuredContext.LastCallStatus = rec.CallStatus
	it.StructuredContext.CallCount = len(it.CallHistory)
}
