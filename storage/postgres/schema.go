package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// SchemaVersion is recorded in ca_schema_version once schema.sql applies.
const SchemaVersion = 1

// schemaLockID keys the advisory lock that serialises EnsureSchema across
// CA replicas starting together.
const schemaLockID int64 = 0x69726f6e6361 // "ironca"

// EnsureSchema creates the ca_records table, its prefix index and the
// version table, then records SchemaVersion. Replicas run it on every
// startup; the advisory lock makes concurrent runs wait for each other.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
			return fmt.Errorf("locking schema: %w", err)
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ca_schema_version (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
			SchemaVersion); err != nil {
			return fmt.Errorf("recording schema version %d: %w", SchemaVersion, err)
		}
		return nil
	})
}
