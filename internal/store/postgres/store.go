// Package postgres is the durable store. It runs on database/sql with the
// pgx driver.
//
// Transactions run at READ COMMITTED. Every read-check-write takes a row
// lock with SELECT ... FOR UPDATE; queue scans that hand out work use
// SKIP LOCKED so concurrent callers pick different rows instead of
// waiting on each other.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/internal/backpressure"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/humanqueue"
	"dispatch-engine/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

var txOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

func (s *Store) within(ctx context.Context, fn func(t *tx) error) error {
	return utils.WithTx(ctx, s.DB, txOptions, func(ctx context.Context, sqlTx *sql.Tx) error {
		return fn(&tx{tx: sqlTx})
	})
}

func (s *Store) Dispatch() dispatch.Store         { return dispatchStore{s} }
func (s *Store) HumanQueue() humanqueue.Store     { return humanQueueStore{s} }
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

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const uniqueViolation = "23505"

// mapErr turns driver errors into apperr sentinels.
func mapErr(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(kind, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s %s: %s", apperr.ErrConflict, kind, id, pgErr.ConstraintName)
	}
	return err
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(kind, id)
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func strs[T ~string](in []T) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
