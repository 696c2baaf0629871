package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "ux_stock_ledger_idempotency"})
	require.True(t, IsUniqueViolation(dup))
	require.False(t, IsContention(dup))
	require.Equal(t, "ux_stock_ledger_idempotency", ConstraintName(dup))

	for _, code := range []string{CodeLockNotAvailable, CodeDeadlockDetected, CodeSerializationFailure} {
		err := fmt.Errorf("lock: %w", &pgconn.PgError{Code: code})
		require.True(t, IsContention(err), code)
		require.False(t, IsUniqueViolation(err), code)
	}

	require.False(t, IsContention(errors.New("plain")))
	require.Equal(t, "", ConstraintName(errors.New("plain")))
	require.True(t, IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)))
}
