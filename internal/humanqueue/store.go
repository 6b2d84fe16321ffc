package humanqueue

import (
	"context"
	"time"

	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
)

// Store runs fn in one short transaction. fn's error rolls back.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Filter narrows ListItems. Zero fields do not filter.
type Filter struct {
	Statuses     []Status
	LockedBefore *time.Time
	BoostedOnly  bool
	// ForUpdate locks every returned row.
	ForUpdate bool
	// SkipLocked leaves out rows another transaction holds. Only
	// meaningful with ForUpdate.
	SkipLocked bool
}

// Tx is the human queue view of the store inside a transaction.
// Missing rows are apperr.ErrNotFound.
type Tx interface {
	GetCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error)
	LockCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error)

	LockQueueItem(ctx context.Context, queueItemID string) (dispatch.QueueItem, error)
	UpdateQueueItem(ctx context.Context, qi dispatch.QueueItem) error
	// LatestCallRecord returns the newest record for the queue item, or nil.
	LatestCallRecord(ctx context.Context, queueItemID string) (*calls.Record, error)
	// FindUnpromotedWorkable locks one queue item in a dispatch.WorkableStatuses
	// state that is not yet in the human queue, INTENT_YES first, skipping
	// rows locked elsewhere.
	FindUnpromotedWorkable(ctx context.Context, campaignID string) (dispatch.QueueItem, bool, error)

	GetItem(ctx context.Context, id string) (Item, error)
	LockItem(ctx context.Context, id string) (Item, error)
	// FindOpenItem locks the non-CLOSED item for the lead if there is one.
	FindOpenItem(ctx context.Context, campaignID, leadID string) (Item, bool, error)
	// InsertItem returns apperr.ErrConflict if an open item already exists
	// for the lead.
	InsertItem(ctx context.Context, it Item) error
	UpdateItem(ctx context.Context, it Item) error
	ListItems(ctx context.Context, campaignID string, f Filter) ([]Item, error)
	// LockNextReady locks the highest-priority item that is READY, or
	// RESCHEDULED and due at now, skipping rows locked elsewhere.
	LockNextReady(ctx context.Context, campaignID string, now time.Time) (Item, bool, error)
}
