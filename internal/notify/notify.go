package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is a state change pushed to operator dashboards.
type Event struct {
	Type       string         `json:"type"`
	CampaignID string         `json:"campaign_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Event types.
const (
	CampaignPaused    = "campaign.paused"
	CampaignResumed   = "campaign.resumed"
	CampaignCompleted = "campaign.completed"

	BatchSubmitted = "dispatch.batch_submitted"
	BatchFailed    = "dispatch.batch_failed"

	UserQueuePromoted    = "user_queue.promoted"
	UserQueueLocked      = "user_queue.locked"
	UserQueueReclaimed   = "user_queue.reclaimed"
	UserQueueBoosted     = "user_queue.boosted"
	UserQueueClosed      = "user_queue.closed"
	UserQueueRescheduled = "user_queue.rescheduled"
	UserQueueReleased    = "user_queue.released"
)

// Publisher delivers events. Delivery is fire-and-forget from the caller's
// point of view; see Safe.
type Publisher interface {
	Publish(ctx context.Context, campaignID string, e Event) error
}

// Safe publishes e and logs a failure instead of returning it.
// A nil publisher is a no-op.
func Safe(ctx context.Context, log *slog.Logger, p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := p.Publish(ctx, e.CampaignID, e); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("notification publish failed", "campaign_id", e.CampaignID, "type", e.Type, "err", err)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }

// MemoryPublisher records events; useful for tests and local runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(_ context.Context, _ string, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Types returns the event types in publish order.
func (p *MemoryPublisher) Types() []string {
	evs := p.Events()
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}
