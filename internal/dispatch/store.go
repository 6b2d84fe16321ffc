package dispatch

import (
	"context"
	"time"

	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dialer"
)

// Store runs a unit of work in one short transaction. fn's error rolls back.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the dispatch view of the store inside a transaction.
//
// Missing rows are reported as apperr.ErrNotFound. Methods named Lock* take a
// row-level exclusive lock held until the transaction ends.
type Tx interface {
	GetCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error)
	LockCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error)
	// UpdateCampaignStatus sets status and pause reason; reason is cleared
	// for any status other than PAUSED.
	UpdateCampaignStatus(ctx context.Context, campaignID string, status campaigns.Status, reason string, now time.Time) error

	// WakeScheduled moves due SCHEDULED items to READY at the given priority.
	WakeScheduled(ctx context.Context, campaignID string, now time.Time, priority int) (int, error)

	// CountByStatus counts the campaign's queue items per status. READY items
	// already handed to the human queue are not counted as READY.
	CountByStatus(ctx context.Context, campaignID string) (map[Status]int, error)

	// CohortProgress returns completed and READY counts per cohort, using
	// CohortCompletedStatuses for completed.
	CohortProgress(ctx context.Context, campaignID string) (map[string]CohortStat, error)

	// ListBacklog returns leads with no queue item yet, oldest first.
	// An empty cohorts slice means any cohort.
	ListBacklog(ctx context.Context, campaignID string, cohorts []string, limit int) ([]campaigns.Lead, error)

	// InsertQueueItem creates the item unless one exists for the lead.
	InsertQueueItem(ctx context.Context, qi QueueItem) (bool, error)

	// ListReadyForDial locks up to limit READY, unpromoted items ordered by
	// priority_score desc, created_at asc, skipping rows locked elsewhere.
	ListReadyForDial(ctx context.Context, campaignID string, limit int) ([]QueueItem, error)

	LockQueueItem(ctx context.Context, queueItemID string) (QueueItem, error)
	UpdateQueueItem(ctx context.Context, qi QueueItem) error

	SaveCallRecord(ctx context.Context, rec calls.Record) error
}

// Dialer is the external automated-calling provider.
type Dialer interface {
	Submit(ctx context.Context, campaignID string, leadIDs, queueItemIDs []string) ([]dialer.SubmitResult, error)
}
