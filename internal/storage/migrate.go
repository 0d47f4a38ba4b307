package storage

import (
	_ "embed"
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the event store's schema idempotently. It is a single
// script, not a migration framework: schema evolution tooling is out of
// scope for this core.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}
