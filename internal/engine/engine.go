// Package engine ties the dispatch and human queue controllers together for
// the two asynchronous entry points: a call completing at the dialer and
// the periodic per-campaign sweep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"

	"github.com/google/uuid"
)

// DefaultMissedPromotionLimit bounds the promotions one sweep performs.
const DefaultMissedPromotionLimit = 50

type Dispatcher interface {
	Reconcile(ctx context.Context, campaignID string) (dispatch.ReconcileResult, error)
	RecordOutcome(ctx context.Context, rec calls.Record) (dispatch.QueueItem, error)
}

type HumanQueue interface {
	Promote(ctx context.Context, queueItemID string, manual bool) (humanqueue.Item, error)
	ReclaimStale(ctx context.Context, campaignID string, timeout time.Duration) ([]humanqueue.Item, error)
}

// Store is the read side the sweeps need.
type Store interface {
	ListCampaignIDs(ctx context.Context, statuses []campaigns.Status) ([]string, error)
	// ListMissedPromotions returns INTENT_YES queue items never promoted.
	ListMissedPromotions(ctx context.Context, campaignID string, limit int) ([]string, error)
}

type Config struct {
	PositiveIntentThreshold float64
	LockTimeout             time.Duration
	MissedPromotionLimit    int
}

type Engine struct {
	Dispatch   Dispatcher
	HumanQueue HumanQueue
	Store      Store
	Log        *slog.Logger
	Config     Config
	Now        func() time.Time
}

func New(d Dispatcher, hq HumanQueue, store Store, cfg Config) *Engine {
	if cfg.PositiveIntentThreshold <= 0 {
		cfg.PositiveIntentThreshold = 0.6
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = humanqueue.DefaultLockTimeout
	}
	if cfg.MissedPromotionLimit <= 0 {
		cfg.MissedPromotionLimit = DefaultMissedPromotionLimit
	}
	return &Engine{
		Dispatch:   d,
		HumanQueue: hq,
		Store:      store,
		Log:        slog.Default(),
		Config:     cfg,
		Now:        time.Now,
	}
}

type CallResult struct {
	QueueItem dispatch.QueueItem        `json:"queue_item"`
	Promoted  *humanqueue.Item          `json:"promoted,omitempty"`
	Reconcile *dispatch.ReconcileResult `json:"reconcile,omitempty"`
}

// HandleCallCompleted applies one dialer outcome: the record is stored and
// the queue item transitions, a positive result is promoted to the human
// queue, and the campaign is reconciled so the freed dial slot is reused.
//
// A failed reconcile is logged and does not fail the call; the next sweep
// retries it.
func (e *Engine) HandleCallCompleted(ctx context.Context, rec calls.Record) (CallResult, error) {
	if rec.QueueItemID == "" {
		return CallResult{}, fmt.Errorf("%w: queue_item_id required", apperr.ErrInvalidArgument)
	}
	if rec.CallStatus == "" {
		return CallResult{}, fmt.Errorf("%w: call_status required", apperr.ErrInvalidArgument)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = e.now()
	}

	qi, err := e.Dispatch.RecordOutcome(ctx, rec)
	if err != nil {
		return CallResult{}, fmt.Errorf("record outcome: %w", err)
	}
	out := CallResult{QueueItem: qi}
	log := e.log().With("campaign_id", qi.CampaignID, "queue_item_id", qi.ID)

	if rec.CallStatus == calls.CallStatusCompleted && rec.Extracted.IsPositive(e.Config.PositiveIntentThreshold) {
		it, err := e.HumanQueue.Promote(ctx, qi.ID, false)
		if err != nil {
			return out, fmt.Errorf("promote: %w", err)
		}
		out.Promoted = &it
		log.Info("positive intent promoted", "user_queue_item_id", it.ID)
	}

	if !rec.CallStatus.Final() {
		return out, nil
	}
	res, err := e.Dispatch.Reconcile(ctx, qi.CampaignID)
	if err != nil {
		log.Error("reconcile after call failed", "err", err)
		return out, nil
	}
	out.Reconcile = &res
	return out, nil
}

type SweepResult struct {
	Reclaimed int                      `json:"reclaimed"`
	Promoted  int                      `json:"promoted"`
	Reconcile dispatch.ReconcileResult `json:"reconcile"`
}

// Sweep runs the periodic recovery steps for one campaign: stale locks are
// reclaimed, positives the live path missed are promoted, and the dial
// pipeline is reconciled. The steps are independent; one failing does not
// skip the others.
func (e *Engine) Sweep(ctx context.Context, campaignID string) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)
	log := e.log().With("campaign_id", campaignID)

	reclaimed, err := e.HumanQueue.ReclaimStale(ctx, campaignID, e.Config.LockTimeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("reclaim: %w", err))
	}
	res.Reclaimed = len(reclaimed)

	if e.Store != nil {
		ids, err := e.Store.ListMissedPromotions(ctx, campaignID, e.Config.MissedPromotionLimit)
		if err != nil {
			errs = append(errs, fmt.Errorf("missed promotions: %w", err))
		}
		for _, id := range ids {
			if _, err := e.HumanQueue.Promote(ctx, id, false); err != nil {
				log.Warn("missed promotion failed", "queue_item_id", id, "err", err)
				continue
			}
			res.Promoted++
		}
		if res.Promoted > 0 {
			log.Info("missed promotions recovered", "count", res.Promoted)
		}
	}

	res.Reconcile, err = e.Dispatch.Reconcile(ctx, campaignID)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}
	return res, errors.Join(errs...)
}

// SweepStatuses are the campaign states the periodic sweep visits. Paused
// campaigns still need stale locks reclaimed.
var SweepStatuses = []campaigns.Status{
	campaigns.StatusActive,
	campaigns.StatusInProgress,
	campaigns.StatusPaused,
}

// Campaigns lists the campaigns due for a sweep.
func (e *Engine) Campaigns(ctx context.Context) ([]string, error) {
	if e.Store == nil {
		return nil, nil
	}
	return e.Store.ListCampaignIDs(ctx, SweepStatuses)
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) log() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}
