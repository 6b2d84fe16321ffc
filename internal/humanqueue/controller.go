package humanqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/audit"
	"dispatch-engine/internal/backpressure"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/notify"
	"dispatch-engine/internal/priority"

	"github.com/google/uuid"
)

// DefaultLockTimeout is how long an operator holds an item before the
// reclaim sweep may take it back.
const DefaultLockTimeout = 15 * time.Minute

// nextAttempts bounds the retry loop in Next when concurrent operators
// race for the same rows.
const nextAttempts = 3

// Backpressure is run after every change to the open item count.
type Backpressure interface {
	Check(ctx context.Context, campaignID string) (backpressure.Decision, error)
}

// AuditLogger records operator overrides.
type AuditLogger interface {
	LogOperatorAction(ctx context.Context, typ audit.EventType, campaignID, queueItemID, userQueueItemID, message string) error
}

type Config struct {
	LockTimeout time.Duration
}

// Controller owns the human queue: promotion from the dial pipeline,
// operator locking, rebalancing, stale-lock reclaim and manual boosts.
//
// Every operation is one short transaction built around a single row
// lock. Backpressure and notifications run after commit.
type Controller struct {
	Store        Store
	Backpressure Backpressure
	Publisher    notify.Publisher
	Audit        AuditLogger
	Log          *slog.Logger
	Config       Config
	Now          func() time.Time
}

func NewController(store Store, bp Backpressure, pub notify.Publisher, cfg Config) *Controller {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	return &Controller{
		Store:        store,
		Backpressure: bp,
		Publisher:    pub,
		Log:          slog.Default(),
		Config:       cfg,
		Now:          time.Now,
	}
}

// Promote hands a queue item to the human queue.
//
// Under a lock on the queue item it looks for an open item for the same
// lead. If one exists the latest call is folded into it and it is returned
// unchanged otherwise; no duplicate is ever created. manual marks an
// operator-initiated promotion, which is audited.
func (c *Controller) Promote(ctx context.Context, queueItemID string, manual bool) (Item, error) {
	if queueItemID == "" {
		return Item{}, fmt.Errorf("%w: queue_item_id required", apperr.ErrInvalidArgument)
	}

	var (
		out     Item
		created bool
	)
	attempt := func() error {
		created = false
		return c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			qi, err := tx.LockQueueItem(ctx, queueItemID)
			if err != nil {
				return err
			}
			rec, err := tx.LatestCallRecord(ctx, qi.ID)
			if err != nil {
				return err
			}
			now := c.now()

			it, found, err := tx.FindOpenItem(ctx, qi.CampaignID, qi.LeadID)
			if err != nil {
				return err
			}
			if found {
				it.absorb(qi, rec, now)
				it.PriorityScore = it.Score(now)
				it.UpdatedAt = now
				if err := tx.UpdateItem(ctx, it); err != nil {
					return err
				}
			} else {
				it = Item{
					ID:                  uuid.NewString(),
					CampaignID:          qi.CampaignID,
					LeadID:              qi.LeadID,
					OriginalQueueItemID: qi.ID,
					CallHistory:         []CallSummary{},
					Status:              StatusReady,
					CreatedAt:           now,
					UpdatedAt:           now,
				}
				it.absorb(qi, rec, now)
				it.PriorityScore = it.Score(now)
				if err := tx.InsertItem(ctx, it); err != nil {
					return err
				}
				created = true
			}

			if !qi.PromotedToUserQueue {
				qi.PromotedToUserQueue = true
				qi.UpdatedAt = now
				if err := tx.UpdateQueueItem(ctx, qi); err != nil {
					return err
				}
			}
			out = it
			return nil
		})
	}

	err := attempt()
	if errors.Is(err, apperr.ErrConflict) {
		// A concurrent promoter created the open item first; the retry
		// finds it and takes the idempotent path.
		c.log().Debug("promotion conflict, retrying", "queue_item_id", queueItemID)
		err = attempt()
	}
	if err != nil {
		return Item{}, err
	}

	if created {
		c.checkBackpressure(ctx, out.CampaignID)
	}
	if manual && c.Audit != nil {
		if err := c.Audit.LogOperatorAction(ctx, audit.EventTypeManualPromotion, out.CampaignID, queueItemID, out.ID, "manual promotion"); err != nil {
			c.log().Warn("audit failed", "campaign_id", out.CampaignID, "err", err)
		}
	}
	notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
		Type:       notify.UserQueuePromoted,
		CampaignID: out.CampaignID,
		Data:       map[string]any{"user_queue_item_id": out.ID, "queue_item_id": queueItemID, "created": created, "manual": manual},
		OccurredAt: c.now(),
	})
	return out, nil
}

// Next locks the most urgent workable item for userID. Stale locks are
// reclaimed and scores rebalanced first so ordering reflects the current
// time. When the queue is empty a raw queue item is force-promoted so an
// operator is never idle while the campaign has workable leads.
// ok is false when there is nothing at all to work.
func (c *Controller) Next(ctx context.Context, campaignID, userID string) (Item, bool, error) {
	if campaignID == "" || userID == "" {
		return Item{}, false, fmt.Errorf("%w: campaign_id and user_id required", apperr.ErrInvalidArgument)
	}
	if _, err := c.ReclaimStale(ctx, campaignID, c.lockTimeout()); err != nil {
		return Item{}, false, fmt.Errorf("reclaim: %w", err)
	}
	if _, err := c.Rebalance(ctx, campaignID); err != nil {
		return Item{}, false, fmt.Errorf("rebalance: %w", err)
	}

	for i := 0; i < nextAttempts; i++ {
		it, ok, err := c.lockNext(ctx, campaignID, userID)
		if err != nil {
			return Item{}, false, err
		}
		if ok {
			return it, true, nil
		}

		// Due items that LockNextReady skipped are held by another
		// transaction for a moment; try them again before pulling a raw lead.
		waiting, err := c.hasWaiting(ctx, campaignID)
		if err != nil {
			return Item{}, false, err
		}
		if waiting {
			continue
		}

		qiID, found, err := c.findWorkable(ctx, campaignID)
		if err != nil {
			return Item{}, false, err
		}
		if !found {
			return Item{}, false, nil
		}
		if _, err := c.Promote(ctx, qiID, false); err != nil {
			return Item{}, false, fmt.Errorf("force promote: %w", err)
		}
	}
	c.log().Warn("next gave up after contention", "campaign_id", campaignID, "user_id", userID)
	return Item{}, false, nil
}

func (c *Controller) lockNext(ctx context.Context, campaignID, userID string) (Item, bool, error) {
	var (
		out Item
		ok  bool
	)
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := c.now()
		it, found, err := tx.LockNextReady(ctx, campaignID, now)
		if err != nil || !found {
			return err
		}
		expires := now.Add(c.lockTimeout())
		it.Status = StatusLocked
		it.LockedByUserID = userID
		it.LockedAt = &now
		it.LockExpiresAt = &expires
		it.RetryScheduledFor = nil
		// The boost is one-shot: consumed by the lock that acts on it.
		it.ManualPriorityBoost = 0
		it.PriorityScore = it.Score(now)
		it.UpdatedAt = now
		if err := tx.UpdateItem(ctx, it); err != nil {
			return err
		}
		out, ok = it, true
		return nil
	})
	if err != nil || !ok {
		return Item{}, false, err
	}
	notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
		Type:       notify.UserQueueLocked,
		CampaignID: campaignID,
		Data:       map[string]any{"user_queue_item_id": out.ID, "user_id": userID},
		OccurredAt: c.now(),
	})
	return out, true, nil
}

// hasWaiting reports whether any item is READY or due RESCHEDULED, without
// taking locks.
func (c *Controller) hasWaiting(ctx context.Context, campaignID string) (bool, error) {
	waiting := false
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		items, err := tx.ListItems(ctx, campaignID, Filter{Statuses: []Status{StatusReady, StatusRescheduled}})
		if err != nil {
			return err
		}
		now := c.now()
		for _, it := range items {
			if it.RetryScheduledFor == nil || !it.RetryScheduledFor.After(now) {
				waiting = true
				return nil
			}
		}
		return nil
	})
	return waiting, err
}

func (c *Controller) findWorkable(ctx context.Context, campaignID string) (string, bool, error) {
	var (
		id    string
		found bool
	)
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		qi, ok, err := tx.FindUnpromotedWorkable(ctx, campaignID)
		if err != nil || !ok {
			return err
		}
		id, found = qi.ID, true
		return nil
	})
	return id, found, err
}

// Rebalance recomputes the score of every waiting item. It returns the
// number of items whose score changed. Rows held by another transaction
// are skipped: they are being locked or rescored already, and waiting on
// them would hide them from a concurrent Next.
func (c *Controller) Rebalance(ctx context.Context, campaignID string) (int, error) {
	changed := 0
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		items, err := tx.ListItems(ctx, campaignID, Filter{
			Statuses:   []Status{StatusReady, StatusRescheduled},
			ForUpdate:  true,
			SkipLocked: true,
		})
		if err != nil {
			return err
		}
		now := c.now()
		for _, it := range items {
			score := it.Score(now)
			if score == it.PriorityScore {
				continue
			}
			it.PriorityScore = score
			it.UpdatedAt = now
			if err := tx.UpdateItem(ctx, it); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	return changed, err
}

// ReclaimStale returns items locked longer than timeout to READY.
func (c *Controller) ReclaimStale(ctx context.Context, campaignID string, timeout time.Duration) ([]Item, error) {
	if timeout <= 0 {
		timeout = c.lockTimeout()
	}
	var reclaimed []Item
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		// Campaign row first, the same order Boost takes.
		if _, err := tx.LockCampaign(ctx, campaignID); err != nil {
			return err
		}
		now := c.now()
		cutoff := now.Add(-timeout)
		items, err := tx.ListItems(ctx, campaignID, Filter{
			Statuses:     []Status{StatusLocked},
			LockedBefore: &cutoff,
			ForUpdate:    true,
		})
		if err != nil {
			return err
		}
		for _, it := range items {
			it.Status = StatusReady
			it.clearLock()
			it.PriorityScore = it.Score(now)
			it.UpdatedAt = now
			if err := tx.UpdateItem(ctx, it); err != nil {
				return err
			}
			reclaimed = append(reclaimed, it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		ids := make([]string, len(reclaimed))
		for i, it := range reclaimed {
			ids[i] = it.ID
		}
		c.log().Info("stale locks reclaimed", "campaign_id", campaignID, "count", len(ids))
		notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
			Type:       notify.UserQueueReclaimed,
			CampaignID: campaignID,
			Data:       map[string]any{"user_queue_item_ids": ids},
			OccurredAt: c.now(),
		})
	}
	return reclaimed, nil
}

// Boost gives the item the manual override, taking it from any other item
// in the campaign. Concurrent boosts serialize on the campaign row.
func (c *Controller) Boost(ctx context.Context, itemID string) (Item, error) {
	var out Item
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		peek, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if _, err := tx.LockCampaign(ctx, peek.CampaignID); err != nil {
			return err
		}
		it, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status == StatusClosed {
			return apperr.Transition("user_queue_item", string(it.Status), "boost")
		}

		now := c.now()
		boosted, err := tx.ListItems(ctx, it.CampaignID, Filter{BoostedOnly: true, ForUpdate: true})
		if err != nil {
			return err
		}
		for _, o := range boosted {
			if o.ID == it.ID {
				continue
			}
			o.ManualPriorityBoost = 0
			o.PriorityScore = o.Score(now)
			o.UpdatedAt = now
			if err := tx.UpdateItem(ctx, o); err != nil {
				return err
			}
		}

		it.ManualPriorityBoost = priority.BoostValue
		it.PriorityScore = it.Score(now)
		it.UpdatedAt = now
		if err := tx.UpdateItem(ctx, it); err != nil {
			return err
		}
		out = it
		return nil
	})
	if err != nil {
		return Item{}, err
	}

	if c.Audit != nil {
		if err := c.Audit.LogOperatorAction(ctx, audit.EventTypePriorityBoost, out.CampaignID, out.OriginalQueueItemID, out.ID, "priority boost"); err != nil {
			c.log().Warn("audit failed", "campaign_id", out.CampaignID, "err", err)
		}
	}
	notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
		Type:       notify.UserQueueBoosted,
		CampaignID: out.CampaignID,
		Data:       map[string]any{"user_queue_item_id": out.ID},
		OccurredAt: c.now(),
	})
	return out, nil
}

// Close records the operator's final decision. The originating queue item
// is consumed.
func (c *Controller) Close(ctx context.Context, itemID, userID string, res Resolution, notes string) (Item, error) {
	if !res.Valid() {
		return Item{}, fmt.Errorf("%w: resolution %q", apperr.ErrInvalidArgument, res)
	}
	out, err := c.actOnLocked(ctx, itemID, userID, "close", true, func(ctx context.Context, tx Tx, it *Item, qi *dispatch.QueueItem, now time.Time) error {
		it.Status = StatusClosed
		it.Resolution = res
		it.Notes = notes
		it.ClosedAt = &now
		it.clearLock()

		if qi == nil || !qi.Status.CanTransition(dispatch.StatusConsumed) {
			return nil
		}
		qi.Status = dispatch.StatusConsumed
		qi.UpdatedAt = now
		return tx.UpdateQueueItem(ctx, *qi)
	})
	if err != nil {
		return Item{}, err
	}
	c.checkBackpressure(ctx, out.CampaignID)
	notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
		Type:       notify.UserQueueClosed,
		CampaignID: out.CampaignID,
		Data:       map[string]any{"user_queue_item_id": out.ID, "resolution": res},
		OccurredAt: c.now(),
	})
	return out, nil
}

// RetryLater parks the item until at and releases the operator's lock.
func (c *Controller) RetryLater(ctx context.Context, itemID, userID string, at time.Time) (Item, error) {
	if at.IsZero() {
		return Item{}, fmt.Errorf("%w: retry time required", apperr.ErrInvalidArgument)
	}
	out, err := c.actOnLocked(ctx, itemID, userID, "retry", false, func(_ context.Context, _ Tx, it *Item, _ *dispatch.QueueItem, now time.Time) error {
		at := at.UTC()
		it.Status = StatusRescheduled
		it.RetryScheduledFor = &at
		it.RetryCount++
		it.clearLock()
		it.PriorityScore = it.Score(now)
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
		Type:       notify.UserQueueRescheduled,
		CampaignID: out.CampaignID,
		Data:       map[string]any{"user_queue_item_id": out.ID, "retry_scheduled_for": at.UTC()},
		OccurredAt: c.now(),
	})
	return out, nil
}

// Release hands a locked item back to the queue untouched.
func (c *Controller) Release(ctx context.Context, itemID, userID string) (Item, error) {
	out, err := c.actOnLocked(ctx, itemID, userID, "release", false, func(_ context.Context, _ Tx, it *Item, _ *dispatch.QueueItem, now time.Time) error {
		it.Status = StatusReady
		it.clearLock()
		it.PriorityScore = it.Score(now)
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
		Type:       notify.UserQueueReleased,
		CampaignID: out.CampaignID,
		Data:       map[string]any{"user_queue_item_id": out.ID},
		OccurredAt: c.now(),
	})
	return out, nil
}

// Get returns one item without locking it.
func (c *Controller) Get(ctx context.Context, itemID string) (Item, error) {
	var out Item
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.GetItem(ctx, itemID)
		return err
	})
	return out, err
}

// actOnLocked runs fn on an item the caller currently holds. With origin
// set the originating queue item is locked before the user queue item, the
// order Promote takes, and passed to fn; it is nil when the row is gone.
func (c *Controller) actOnLocked(ctx context.Context, itemID, userID, op string, origin bool, fn func(ctx context.Context, tx Tx, it *Item, qi *dispatch.QueueItem, now time.Time) error) (Item, error) {
	if itemID == "" || userID == "" {
		return Item{}, fmt.Errorf("%w: item id and user id required", apperr.ErrInvalidArgument)
	}
	var out Item
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var qi *dispatch.QueueItem
		if origin {
			peek, err := tx.GetItem(ctx, itemID)
			if err != nil {
				return err
			}
			locked, err := tx.LockQueueItem(ctx, peek.OriginalQueueItemID)
			switch {
			case err == nil:
				qi = &locked
			case !errors.Is(err, apperr.ErrNotFound):
				return err
			}
		}

		it, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status != StatusLocked || it.LockedByUserID != userID {
			return apperr.Transition("user_queue_item", string(it.Status), op)
		}
		now := c.now()
		if err := fn(ctx, tx, &it, qi, now); err != nil {
			return err
		}
		it.UpdatedAt = now
		if err := tx.UpdateItem(ctx, it); err != nil {
			return err
		}
		out = it
		return nil
	})
	return out, err
}

func (c *Controller) checkBackpressure(ctx context.Context, campaignID string) {
	if c.Backpressure == nil {
		return
	}
	if _, err := c.Backpressure.Check(ctx, campaignID); err != nil {
		c.log().Error("backpressure check failed", "campaign_id", campaignID, "err", err)
	}
}

func (c *Controller) lockTimeout() time.Duration {
	if c.Config.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return c.Config.LockTimeout
}

func (c *Controller) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

func (c *Controller) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}
