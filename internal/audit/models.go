package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
//   - Events are never updated or deleted.
//   - campaign_id is required; every override and automatic pause is campaign-scoped.
//   - actor and ip capture are best-effort; do not block dispatch on audit failures.
type Event struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the operator causing the event. Empty for system actions.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	QueueItemID     string `json:"queue_item_id,omitempty" db:"queue_item_id"`
	UserQueueItemID string `json:"user_queue_item_id,omitempty" db:"user_queue_item_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeManualPromotion EventType = "manual_promotion"
	EventTypePriorityBoost   EventType = "priority_boost"
	EventTypeCampaignPaused  EventType = "campaign_paused"
	EventTypeCampaignResumed EventType = "campaign_resumed"
)
