package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dispatch-engine/internal/app"
	"dispatch-engine/internal/config"
	"dispatch-engine/internal/dialer"
	"dispatch-engine/internal/sweeper"
	"dispatch-engine/pkg/logger"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// The worker runs the periodic sweep and, when AMQP is configured, applies
// dialer outcomes from the broker.
func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "worker")
	slog.SetDefault(log)

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error("app init failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(rootCtx)

	sw := sweeper.New(a.Engine, a.Redis, sweeper.Config{
		Interval:    cfg.Sweep.Interval,
		Concurrency: cfg.Sweep.Concurrency,
	})
	sw.Log = log.With("component", "sweeper")
	g.Go(func() error { return sw.Run(ctx) })

	if cfg.AMQP.URL != "" {
		consumer, err := dialer.DialConsumer(cfg.AMQP.URL, cfg.AMQP.OutcomeQueue, a.ApplyOutcome())
		if err != nil {
			log.Error("amqp init failed", "err", err)
			os.Exit(1)
		}
		defer consumer.Close()
		consumer.Log = log.With("component", "dialer_consumer")
		g.Go(func() error { return consumer.Run(ctx) })
	} else {
		log.Info("AMQP_URL not set; outcomes arrive by webhook only")
	}

	log.Info("worker running", "env", cfg.App.Env, "sweep_interval", cfg.Sweep.Interval.String())
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}
