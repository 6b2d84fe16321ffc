package backpressure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/audit"
	"dispatch-engine/internal/campaigns"
	"dispatch-engine/internal/notify"
)

// Store runs fn in one transaction.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	LockCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error)
	// CountOpenUserItems counts the campaign's human queue items not CLOSED.
	CountOpenUserItems(ctx context.Context, campaignID string) (int, error)
	UpdateCampaignStatus(ctx context.Context, campaignID string, status campaigns.Status, reason string, now time.Time) error
}

type AuditLogger interface {
	LogSystemAction(ctx context.Context, typ audit.EventType, campaignID, reason string, count int) error
}

// Config is the hysteresis band. Ceiling must exceed Floor.
type Config struct {
	Ceiling int
	Floor   int
}

func (c Config) withDefaults() Config {
	out := c
	if out.Ceiling <= 0 {
		out.Ceiling = 4
	}
	if out.Floor <= 0 || out.Floor >= out.Ceiling {
		out.Floor = out.Ceiling - 1
	}
	return out
}

// Decision reports what Check saw and did.
type Decision struct {
	OpenItems int              `json:"open_items"`
	From      campaigns.Status `json:"from"`
	To        campaigns.Status `json:"to"`
}

func (d Decision) Changed() bool { return d.From != d.To }

// Controller couples human queue depth to campaign run state.
//
// At or above Ceiling open items an ACTIVE campaign pauses; at or below
// Floor a campaign it paused resumes. Between the two nothing changes, so
// the campaign does not flap while operators work the queue down.
type Controller struct {
	Store     Store
	Publisher notify.Publisher
	Audit     AuditLogger
	Log       *slog.Logger
	Config    Config
	Now       func() time.Time
}

func NewController(store Store, pub notify.Publisher, cfg Config) *Controller {
	return &Controller{
		Store:     store,
		Publisher: pub,
		Log:       slog.Default(),
		Config:    cfg.withDefaults(),
		Now:       time.Now,
	}
}

// Check applies the hysteresis rule once. Callers run it after every
// change to the open human queue count.
func (c *Controller) Check(ctx context.Context, campaignID string) (Decision, error) {
	if campaignID == "" {
		return Decision{}, fmt.Errorf("%w: campaign_id required", apperr.ErrInvalidArgument)
	}
	cfg := c.Config.withDefaults()

	var d Decision
	err := c.Store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		camp, err := tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		open, err := tx.CountOpenUserItems(ctx, campaignID)
		if err != nil {
			return err
		}
		d = Decision{OpenItems: open, From: camp.Status, To: camp.Status}

		switch {
		case open >= cfg.Ceiling && camp.Status == campaigns.StatusActive:
			d.To = campaigns.StatusPaused
			return tx.UpdateCampaignStatus(ctx, campaignID, campaigns.StatusPaused, campaigns.PauseReasonBackpressure, c.now())
		case open <= cfg.Floor && camp.Status == campaigns.StatusPaused && resumable(camp.PauseReason):
			d.To = campaigns.StatusActive
			return tx.UpdateCampaignStatus(ctx, campaignID, campaigns.StatusActive, "", c.now())
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if d.Changed() {
		c.announce(ctx, campaignID, d)
	}
	return d, nil
}

// resumable excludes pauses made for other reasons, such as a lapsed
// calling window or an operator decision.
func resumable(reason string) bool {
	return reason == "" || reason == campaigns.PauseReasonBackpressure
}

func (c *Controller) announce(ctx context.Context, campaignID string, d Decision) {
	typ, auditType := notify.CampaignResumed, audit.EventTypeCampaignResumed
	if d.To == campaigns.StatusPaused {
		typ, auditType = notify.CampaignPaused, audit.EventTypeCampaignPaused
	}
	c.log().Info("backpressure flipped campaign", "campaign_id", campaignID, "from", d.From, "to", d.To, "open_items", d.OpenItems)

	notify.Safe(ctx, c.log(), c.Publisher, notify.Event{
		Type:       typ,
		CampaignID: campaignID,
		Data:       map[string]any{"reason": campaigns.PauseReasonBackpressure, "open_items": d.OpenItems},
		OccurredAt: c.now(),
	})
	if c.Audit != nil {
		if err := c.Audit.LogSystemAction(ctx, auditType, campaignID, campaigns.PauseReasonBackpressure, d.OpenItems); err != nil {
			c.log().Warn("audit failed", "campaign_id", campaignID, "err", err)
		}
	}
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
