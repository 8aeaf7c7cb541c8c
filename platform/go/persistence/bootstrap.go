package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/classtab/roster-sync/database"
)

// ErrNotFound is returned by every store when the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateEmail is returned when a canonical user write would leave two
// active directory entries holding the same (tenant, email).
var ErrDuplicateEmail = errors.New("duplicate canonical user email")

// BootstrapRosterSchema applies the embedded roster DDL in a single
// transaction. The statements are idempotent, so the helper is safe to run at
// every startup and from tests. SQL is embedded at build time so binaries stay
// self-contained.
func BootstrapRosterSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("bootstrap roster schema: pool is required")
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("bootstrap roster schema: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range sqlassets.All() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap roster schema: apply ddl: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bootstrap roster schema: commit: %w", err)
	}
	return nil
}
