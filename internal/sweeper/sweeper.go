// Package sweeper runs the engine's per-campaign sweep on a timer across
// every live campaign.
package sweeper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"dispatch-engine/internal/engine"
	"dispatch-engine/pkg/utils"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type Engine interface {
	Campaigns(ctx context.Context) ([]string, error)
	Sweep(ctx context.Context, campaignID string) (engine.SweepResult, error)
}

type Config struct {
	Interval    time.Duration
	Concurrency int
	// LeaseTTL bounds how long a crashed replica keeps a campaign leased.
	LeaseTTL time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 4
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = 2 * out.Interval
	}
	return out
}

// Sweeper fans the sweep out over campaigns with bounded concurrency.
//
// When Redis is configured each campaign is leased so replicas do not sweep
// the same campaign at once. The lease only saves work: store row locks keep
// overlapping sweeps correct, so a Redis failure falls back to sweeping.
type Sweeper struct {
	Engine Engine
	Redis  *redis.Client
	Log    *slog.Logger
	Config Config
}

func New(e Engine, rdb *redis.Client, cfg Config) *Sweeper {
	return &Sweeper{Engine: e, Redis: rdb, Log: slog.Default(), Config: cfg.withDefaults()}
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	cfg := s.Config.withDefaults()
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log().Error("sweep pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Stats summarizes one pass.
type Stats struct {
	Campaigns int
	Swept     int
	Skipped   int
	Failed    int
}

// SweepOnce sweeps every live campaign once. A campaign that fails is
// logged and counted; it does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	cfg := s.Config.withDefaults()
	ids, err := s.Engine.Campaigns(ctx)
	if err != nil {
		return Stats{}, err
	}

	var swept, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			release, ok := s.lease(gctx, id, cfg.LeaseTTL)
			if !ok {
				skipped.Add(1)
				return nil
			}
			defer release()

			res, err := s.Engine.Sweep(gctx, id)
			if err != nil {
				failed.Add(1)
				s.log().Warn("campaign sweep failed", "campaign_id", id, "err", err)
				return nil
			}
			swept.Add(1)
			if res.Reclaimed > 0 || res.Promoted > 0 || res.Reconcile.Dialing > 0 {
				s.log().Debug("campaign swept", "campaign_id", id,
					"reclaimed", res.Reclaimed, "promoted", res.Promoted, "dialing", res.Reconcile.Dialing)
			}
			return nil
		})
	}
	err = g.Wait()
	return Stats{
		Campaigns: len(ids),
		Swept:     int(swept.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}, err
}

func leaseKey(campaignID string) string { return "sweep:campaign:" + campaignID }

// lease takes the campaign's sweep slot. ok is false only when another
// replica holds it.
func (s *Sweeper) lease(ctx context.Context, campaignID string, ttl time.Duration) (func(), bool) {
	if s.Redis == nil {
		return func() {}, true
	}
	key := leaseKey(campaignID)
	token, ok, err := utils.AcquireLease(ctx, s.Redis, key, ttl)
	if err != nil {
		s.log().Warn("sweep lease unavailable, sweeping anyway", "campaign_id", campaignID, "err", err)
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		// Release on a fresh context so shutdown does not strand the lease
		// until its TTL.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := utils.ReleaseLease(rctx, s.Redis, key, token); err != nil {
			s.log().Warn("sweep lease release failed", "campaign_id", campaignID, "err", err)
		}
	}, true
}

func (s *Sweeper) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
