package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/audit"
	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dialer"
	"dispatch-engine/internal/notify"

	"github.com/google/uuid"
)

// Config holds dispatch defaults. Campaign values override them when set.
type Config struct {
	TargetReadyBuffer       int
	MaxConcurrentCalls      int
	PositiveIntentThreshold float64
}

func (c Config) withDefaults() Config {
	out := c
	if out.TargetReadyBuffer <= 0 {
		out.TargetReadyBuffer = 3
	}
	if out.MaxConcurrentCalls <= 0 {
		out.MaxConcurrentCalls = 2
	}
	if out.PositiveIntentThreshold <= 0 {
		out.PositiveIntentThreshold = 0.6
	}
	return out
}

// AuditLogger records automatic campaign pauses.
type AuditLogger interface {
	LogSystemAction(ctx context.Context, typ audit.EventType, campaignID, reason string, count int) error
}

// Controller keeps one campaign's dial pipeline moving:
// backlog -> READY -> DIALING, within the campaign's concurrency budget.
//
// Every step loads state fresh from the store and runs in its own short
// transaction. The dialer is only called after the DIALING transition has
// committed, so a slow dialer never holds a row lock.
type Controller struct {
	Store     Store
	Dialer    Dialer
	Publisher notify.Publisher
	Audit     AuditLogger
	Log       *slog.Logger
	Config    Config
	Now       func() time.Time
}

func NewController(store Store, d Dialer, pub notify.Publisher, cfg Config) *Controller {
	return &Controller{
		Store:     store,
		Dialer:    d,
		Publisher: pub,
		Log:       slog.Default(),
		Config:    cfg.withDefaults(),
		Now:       time.Now,
	}
}

// ReconcileResult summarizes one pass.
type ReconcileResult struct {
	Woken       int  `json:"woken"`
	Replenished int  `json:"replenished"`
	Dialing     int  `json:"dialing"`
	Failed      int  `json:"failed"`
	Paused      bool `json:"paused"`
	Completed   bool `json:"completed"`
}

// Reconcile runs one dispatch pass for the campaign. It is idempotent and
// safe to call concurrently; passes over the same campaign serialize on the
// campaign row for the steps that read-then-write counts.
func (c *Controller) Reconcile(ctx context.Context, campaignID string) (ReconcileResult, error) {
	var res ReconcileResult
	if campaignID == "" {
		return res, fmt.Errorf("%w: campaign_id required", apperr.ErrInvalidArgument)
	}
	if c.Store == nil || c.Dialer == nil {
		return res, errors.New("dispatch: controller not configured")
	}

	var camp campaigns.Campaign
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		camp, err = tx.GetCampaign(ctx, campaignID)
		return err
	})
	if err != nil {
		return res, err
	}
	if camp.Status == campaigns.StatusCompleted {
		return res, nil
	}

	if res.Woken, err = c.wakeScheduled(ctx, campaignID); err != nil {
		return res, fmt.Errorf("wake scheduled: %w", err)
	}
	if res.Replenished, err = c.replenish(ctx, campaignID); err != nil {
		return res, fmt.Errorf("replenish: %w", err)
	}

	batch, err := c.claimBatch(ctx, campaignID)
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	if len(batch) > 0 {
		if err := c.submit(ctx, campaignID, batch, &res); err != nil {
			return res, err
		}
	}

	if res.Completed, err = c.completeIfDrained(ctx, campaignID); err != nil {
		return res, fmt.Errorf("complete: %w", err)
	}
	return res, nil
}

func (c *Controller) wakeScheduled(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.WakeScheduled(ctx, campaignID, c.now(), WakePriority)
		return err
	})
	if n > 0 {
		c.log().Info("scheduled items woken", "campaign_id", campaignID, "count", n)
	}
	return n, err
}

func (c *Controller) replenish(ctx context.Context, campaignID string) (int, error) {
	inserted := 0
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		camp, err := tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		counts, err := tx.CountByStatus(ctx, campaignID)
		if err != nil {
			return err
		}
		need := c.readyBuffer(camp) - counts[StatusReady]
		if need <= 0 {
			return nil
		}

		now := c.now()
		pull := func(cohorts []string, limit int) error {
			leads, err := tx.ListBacklog(ctx, campaignID, cohorts, limit)
			if err != nil {
				return err
			}
			for _, l := range leads {
				ok, err := tx.InsertQueueItem(ctx, QueueItem{
					ID:         uuid.NewString(),
					CampaignID: campaignID,
					LeadID:     l.ID,
					CohortID:   l.Cohort,
					Status:     StatusReady,
					CreatedAt:  now,
					UpdatedAt:  now,
				})
				if err != nil {
					return err
				}
				if ok {
					inserted++
				}
			}
			return nil
		}

		eligible := camp.CohortEligible()
		if eligible == nil {
			return pull(nil, need)
		}

		progress, err := tx.CohortProgress(ctx, campaignID)
		if err != nil {
			return err
		}
		stats := make(map[string]CohortStat, len(eligible))
		for _, name := range eligible {
			st := progress[name]
			st.Target = camp.CohortTargets[name]
			stats[name] = st
		}

		plan := AllocateCohorts(stats, eligible, need)
		if plan.Empty() {
			c.log().Debug("replenish skipped: all cohorts satisfied", "campaign_id", campaignID)
			return nil
		}
		for _, name := range plan.Order {
			if err := pull([]string{name}, plan.PerCohort[name]); err != nil {
				return err
			}
		}
		// One unweighted pull across open cohorts covers empty cohort backlogs.
		if short := need - inserted; short > 0 {
			return pull(plan.Fallback, short)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inserted == 0 {
		c.log().Debug("replenish found no backlog", "campaign_id", campaignID)
	}
	return inserted, nil
}

// claimBatch moves as many READY items to DIALING as the budget allows.
func (c *Controller) claimBatch(ctx context.Context, campaignID string) ([]QueueItem, error) {
	var batch []QueueItem
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		camp, err := tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if !camp.Status.Running() {
			return nil
		}
		counts, err := tx.CountByStatus(ctx, campaignID)
		if err != nil {
			return err
		}
		free := c.maxConcurrent(camp) - counts[StatusDialing]
		if free <= 0 {
			return nil
		}
		items, err := tx.ListReadyForDial(ctx, campaignID, free)
		if err != nil {
			return err
		}
		now := c.now()
		for _, it := range items {
			it.Status = StatusDialing
			it.LastError = ""
			it.UpdatedAt = now
			if err := tx.UpdateQueueItem(ctx, it); err != nil {
				return err
			}
			batch = append(batch, it)
		}
		return nil
	})
	return batch, err
}

func (c *Controller) submit(ctx context.Context, campaignID string, batch []QueueItem, res *ReconcileResult) error {
	leadIDs := make([]string, len(batch))
	itemIDs := make([]string, len(batch))
	for i, it := range batch {
		leadIDs[i] = it.LeadID
		itemIDs[i] = it.ID
	}

	results, err := c.Dialer.Submit(ctx, campaignID, leadIDs, itemIDs)
	switch {
	case errors.Is(err, dialer.ErrWindowExpired):
		paused, ferr := c.expireWindow(ctx, campaignID, itemIDs)
		if ferr != nil {
			return fmt.Errorf("window expired: %w", ferr)
		}
		res.Failed += len(batch)
		res.Paused = paused
		return nil

	case err != nil:
		c.log().Warn("dialer batch rejected", "campaign_id", campaignID, "count", len(batch), "err", err)
		reasons := make(map[string]string, len(batch))
		for _, id := range itemIDs {
			reasons[id] = err.Error()
		}
		if ferr := c.failItems(ctx, reasons); ferr != nil {
			return fmt.Errorf("fail batch: %w", ferr)
		}
		res.Failed += len(batch)
		notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
			Type:       notify.BatchFailed,
			CampaignID: campaignID,
			Data:       map[string]any{"queue_item_ids": itemIDs, "error": err.Error()},
			OccurredAt: c.now(),
		})
		return nil
	}

	answered := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		answered[id] = false
	}
	reasons := map[string]string{}
	for _, r := range results {
		if _, ours := answered[r.QueueItemID]; !ours {
			continue
		}
		answered[r.QueueItemID] = true
		if !r.OK() {
			reasons[r.QueueItemID] = r.Error
		}
	}
	// An item the dialer did not answer for would hold a dial slot forever.
	for _, id := range itemIDs {
		if !answered[id] {
			reasons[id] = "no result from dialer"
		}
	}
	if len(reasons) > 0 {
		if err := c.failItems(ctx, reasons); err != nil {
			return fmt.Errorf("fail items: %w", err)
		}
	}
	res.Failed += len(reasons)
	res.Dialing += len(batch) - len(reasons)

	notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
		Type:       notify.BatchSubmitted,
		CampaignID: campaignID,
		Data:       map[string]any{"queue_item_ids": itemIDs, "failed": len(reasons)},
		OccurredAt: c.now(),
	})
	return nil
}

// failItems marks still-DIALING items FAILED. Items whose outcome already
// arrived are left alone.
func (c *Controller) failItems(ctx context.Context, reasons map[string]string) error {
	return c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return markFailed(ctx, tx, reasons, c.now())
	})
}

func markFailed(ctx context.Context, tx Tx, reasons map[string]string, now time.Time) error {
	for id, reason := range reasons {
		it, err := tx.LockQueueItem(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if it.Status != StatusDialing {
			continue
		}
		it.Status = StatusFailed
		it.LastError = reason
		it.UpdatedAt = now
		if err := tx.UpdateQueueItem(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) expireWindow(ctx context.Context, campaignID string, itemIDs []string) (bool, error) {
	paused := false
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		camp, err := tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		now := c.now()
		if camp.Status.Running() {
			if err := tx.UpdateCampaignStatus(ctx, campaignID, campaigns.StatusPaused, campaigns.PauseReasonWindowExpired, now); err != nil {
				return err
			}
			paused = true
		}
		reasons := make(map[string]string, len(itemIDs))
		for _, id := range itemIDs {
			reasons[id] = "WINDOW_EXPIRED"
		}
		return markFailed(ctx, tx, reasons, now)
	})
	if err != nil {
		return false, err
	}

	c.log().Warn("calling window expired", "campaign_id", campaignID, "failed", len(itemIDs), "paused", paused)
	if paused {
		notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
			Type:       notify.CampaignPaused,
			CampaignID: campaignID,
			Data:       map[string]any{"reason": campaigns.PauseReasonWindowExpired},
			OccurredAt: c.now(),
		})
		if c.Audit != nil {
			if err := c.Audit.LogSystemAction(ctx, audit.EventTypeCampaignPaused, campaignID, campaigns.PauseReasonWindowExpired, len(itemIDs)); err != nil {
				c.log().Warn("audit failed", "campaign_id", campaignID, "err", err)
			}
		}
	}
	return paused, nil
}

// completeIfDrained closes a running campaign once every eligible cohort has
// reached its target and nothing is READY, SCHEDULED or DIALING. An empty
// backlog alone never completes a campaign: leads may still be ingested.
// Campaigns without cohort targets are never closed here.
func (c *Controller) completeIfDrained(ctx context.Context, campaignID string) (bool, error) {
	completed := false
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		camp, err := tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if !camp.Status.Running() {
			return nil
		}
		eligible := camp.CohortEligible()
		if len(eligible) == 0 {
			return nil
		}
		counts, err := tx.CountByStatus(ctx, campaignID)
		if err != nil {
			return err
		}
		if counts[StatusReady]+counts[StatusScheduled]+counts[StatusDialing] > 0 {
			return nil
		}
		progress, err := tx.CohortProgress(ctx, campaignID)
		if err != nil {
			return err
		}
		for _, name := range eligible {
			if progress[name].Completed < camp.CohortTargets[name] {
				return nil
			}
		}
		if err := tx.UpdateCampaignStatus(ctx, campaignID, campaigns.StatusCompleted, "", c.now()); err != nil {
			return err
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if completed {
		c.log().Info("campaign completed", "campaign_id", campaignID)
		notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
			Type:       notify.CampaignCompleted,
			CampaignID: campaignID,
			OccurredAt: c.now(),
		})
	}
	return completed, nil
}

// RecordOutcome stores a call record and applies its outcome to the queue
// item. Only DIALING items transition; repeated or late deliveries just
// store the record.
func (c *Controller) RecordOutcome(ctx context.Context, rec calls.Record) (QueueItem, error) {
	if rec.QueueItemID == "" {
		return QueueItem{}, fmt.Errorf("%w: queue_item_id required", apperr.ErrInvalidArgument)
	}
	var out QueueItem
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		it, err := tx.LockQueueItem(ctx, rec.QueueItemID)
		if err != nil {
			return err
		}
		now := c.now()
		rec.CampaignID = it.CampaignID
		rec.LeadID = it.LeadID
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		if err := tx.SaveCallRecord(ctx, rec); err != nil {
			return err
		}

		out = it
		if it.Status != StatusDialing {
			return nil
		}
		next, ok := OutcomeStatus(rec, c.Config.withDefaults().PositiveIntentThreshold)
		if !ok {
			return nil
		}
		it.Status = next
		it.Outcome = string(rec.CallStatus)
		if next == StatusFailed {
			it.LastError = "call " + string(rec.CallStatus)
		}
		it.UpdatedAt = now
		if err := tx.UpdateQueueItem(ctx, it); err != nil {
			return err
		}
		out = it
		return nil
	})
	return out, err
}

// Reschedule parks a non-terminal item until at; the next reconcile after
// at wakes it with WakePriority.
func (c *Controller) Reschedule(ctx context.Context, queueItemID string, at time.Time) (QueueItem, error) {
	if at.IsZero() {
		return QueueItem{}, fmt.Errorf("%w: scheduled_for required", apperr.ErrInvalidArgument)
	}
	var out QueueItem
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		it, err := tx.LockQueueItem(ctx, queueItemID)
		if err != nil {
			return err
		}
		if !it.Status.CanTransition(StatusScheduled) {
			return apperr.Transition("queue_item", string(it.Status), "reschedule")
		}
		at := at.UTC()
		it.Status = StatusScheduled
		it.ScheduledFor = &at
		it.UpdatedAt = c.now()
		out = it
		return tx.UpdateQueueItem(ctx, it)
	})
	return out, err
}

// Reset returns a terminal item to READY, clearing outcome, error and
// schedule. Items already in the human queue stay where they are.
func (c *Controller) Reset(ctx context.Context, queueItemID string) (QueueItem, error) {
	var out QueueItem
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		it, err := tx.LockQueueItem(ctx, queueItemID)
		if err != nil {
			return err
		}
		if !it.Status.Terminal() || it.PromotedToUserQueue {
			return apperr.Transition("queue_item", string(it.Status), "reset")
		}
		it.Status = StatusReady
		it.Outcome = ""
		it.LastError = ""
		it.ScheduledFor = nil
		it.PriorityScore = 0
		it.UpdatedAt = c.now()
		out = it
		return tx.UpdateQueueItem(ctx, it)
	})
	return out, err
}

func (c *Controller) readyBuffer(camp campaigns.Campaign) int {
	if camp.TargetReadyBuffer > 0 {
		return camp.TargetReadyBuffer
	}
	return c.Config.withDefaults().TargetReadyBuffer
}

func (c *Controller) maxConcurrent(camp campaigns.Campaign) int {
	if camp.MaxConcurrentCalls > 0 {
		return camp.MaxConcurrentCalls
	}
	return c.Config.withDefaults().MaxConcurrentCalls
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
