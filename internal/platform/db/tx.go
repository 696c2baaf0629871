package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxOptions tunes a write transaction.
type TxOptions struct {
	IsoLevel pgx.TxIsoLevel
	// LockTimeout bounds how long a statement waits for a row lock. Zero keeps
	// the server default.
	LockTimeout time.Duration
}

// WithTx executes a function within a transaction. The default isolation level is
// ReadCommitted; stock writes rely on explicit row locks rather than snapshot checks.
func WithTx(ctx context.Context, pool *pgxpool.Pool, opts TxOptions, fn func(pgx.Tx) error) error {
	iso := opts.IsoLevel
	if iso == "" {
		iso = pgx.ReadCommitted
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if opts.LockTimeout > 0 {
		setting := fmt.Sprintf("%dms", opts.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, setting); err != nil {
			return fmt.Errorf("platform/db: set lock timeout: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
