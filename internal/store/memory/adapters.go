package memory

import (
	"context"

	"dispatch-engine/internal/backpressure"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
)

// Dispatch returns the store as seen by the dispatch controller.
func (s *Store) Dispatch() dispatch.Store { return dispatchStore{s} }

// HumanQueue returns the store as seen by the human queue controller.
func (s *Store) HumanQueue() humanqueue.Store { return humanQueueStore{s} }

// Backpressure returns the store as seen by the backpressure controller.
func (s *Store) Backpressure() backpressure.Store { return backpressureStore{s} }

type dispatchStore struct{ s *Store }

func (d dispatchStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx dispatch.Tx) error) error {
	return d.s.within(ctx, func(t *tx) error { return fn(ctx, t) })
}

type humanQueueStore struct{ s *Store }

func (h humanQueueStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx humanqueue.Tx) error) error {
	return h.s.within(ctx, func(t *tx) error { return fn(ctx, t) })
}

type backpressureStore struct{ s *Store }

func (b backpressureStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx backpressure.Tx) error) error {
	return b.s.within(ctx, func(t *tx) error { return fn(ctx, t) })
}

var (
	_ dispatch.Tx     = (*tx)(nil)
	_ humanqueue.Tx   = (*tx)(nil)
	_ backpressure.Tx = (*tx)(nil)
)
