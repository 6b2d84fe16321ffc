// Package app builds the shared object graph for the api and worker
// processes from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"dispatch-engine/internal/audit"
	"dispatch-engine/internal/backpressure"
	"dispatch-engine/internal/calls"
	"dispatch-engine/internal/config"
	"dispatch-engine/internal/dialer"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/engine"
	"dispatch-engine/internal/humanqueue"
	"dispatch-engine/internal/notify"
	"dispatch-engine/internal/reporting"
	"dispatch-engine/internal/store/memory"
	"dispatch-engine/internal/store/postgres"
	"dispatch-engine/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// Store is what both persistence backends provide.
type Store interface {
	Dispatch() dispatch.Store
	HumanQueue() humanqueue.Store
	Backpressure() backpressure.Store
	audit.Repository
	reporting.Repository
	engine.Store
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

type App struct {
	Config config.Config
	Log    *slog.Logger

	DB    *sql.DB
	Redis *redis.Client
	Store Store

	Publisher    notify.Publisher
	Dispatch     *dispatch.Controller
	HumanQueue   *humanqueue.Controller
	Backpressure *backpressure.Controller
	Reporting    *reporting.Service
	Engine       *engine.Engine
}

// New opens the configured store and Redis and wires the controllers.
// Close releases what New opened.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		log.Warn("using in-memory store; state is lost on exit")
		a.Store = memory.New()
	default:
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.DB = db
		if err := postgres.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		a.Store = postgres.New(db)
	}

	a.Publisher = notify.Nop{}
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: addr})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
		a.Publisher = notify.NewRedisPublisher(rdb)
	} else {
		log.Info("redis not configured; notifications disabled")
	}

	dc, err := dialer.NewClient(dialer.Config{
		BaseURL: cfg.Dialer.BaseURL,
		APIKey:  cfg.Dialer.APIKey,
		Timeout: cfg.Dialer.Timeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	auditSvc := audit.NewService(a.Store)

	a.Dispatch = dispatch.NewController(a.Store.Dispatch(), dc, a.Publisher, dispatch.Config{
		TargetReadyBuffer:       cfg.Dispatch.TargetReadyBuffer,
		MaxConcurrentCalls:      cfg.Dispatch.MaxConcurrentCalls,
		PositiveIntentThreshold: cfg.Dispatch.PositiveIntentThreshold,
	})
	a.Dispatch.Audit = auditSvc
	a.Dispatch.Log = log.With("component", "dispatch")

	a.Backpressure = backpressure.NewController(a.Store.Backpressure(), a.Publisher, backpressure.Config{
		Ceiling: cfg.Backpressure.Ceiling,
		Floor:   cfg.Backpressure.Floor,
	})
	a.Backpressure.Audit = auditSvc
	a.Backpressure.Log = log.With("component", "backpressure")

	a.HumanQueue = humanqueue.NewController(a.Store.HumanQueue(), a.Backpressure, a.Publisher, humanqueue.Config{
		LockTimeout: cfg.Dispatch.LockTimeout,
	})
	a.HumanQueue.Audit = auditSvc
	a.HumanQueue.Log = log.With("component", "humanqueue")

	a.Reporting = reporting.NewService(a.Store)

	a.Engine = engine.New(a.Dispatch, a.HumanQueue, a.Store, engine.Config{
		PositiveIntentThreshold: cfg.Dispatch.PositiveIntentThreshold,
		LockTimeout:             cfg.Dispatch.LockTimeout,
	})
	a.Engine.Log = log.With("component", "engine")
	return a, nil
}

// ApplyOutcome is the dialer.OutcomeFunc for webhook and queue deliveries.
func (a *App) ApplyOutcome() dialer.OutcomeFunc {
	return func(ctx context.Context, rec calls.Record) error {
		_, err := a.Engine.HandleCallCompleted(ctx, rec)
		return err
	}
}

// Ready reports whether the backing services answer. The memory store is
// always ready.
func (a *App) Ready(ctx context.Context) map[string]error {
	out := map[string]error{}
	if a.DB != nil {
		out["postgres"] = utils.HealthCheck(ctx, a.DB, 2*time.Second)
	}
	if a.Redis != nil {
		out["redis"] = utils.RedisHealthCheck(ctx, a.Redis, 2*time.Second)
	}
	return out
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn("redis close failed", "err", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn("postgres close failed", "err", err)
		}
	}
}
