// Package migrations embeds the rollup engine's SQL schema and applies it
// idempotently, tracking what has already run in a schema_migrations
// bookkeeping table so a migration whose file changed after being applied
// is surfaced instead of silently re-executed.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ste-bah/rollup-engine/infrastructure/logging"
)

//go:embed *.sql
var files embed.FS

const bookkeepingTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Apply executes every embedded SQL migration file in lexical order that
// hasn't already been recorded in schema_migrations, guarded by each
// migration's own IF NOT EXISTS clauses. A file whose checksum no longer
// matches what was recorded for an already-applied name is treated as a
// drifted migration and rejected rather than silently skipped or reapplied.
func Apply(ctx context.Context, db *sql.DB, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}

	if _, err := db.ExecContext(ctx, bookkeepingTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}

	names, err := sortedMigrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		sqlBytes, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		checksum := checksumOf(sqlBytes)

		if prior, ok := applied[name]; ok {
			if prior != checksum {
				return fmt.Errorf("migration %s has changed since it was applied (recorded checksum %s, file checksum %s)", name, prior, checksum)
			}
			logger.WithFields(map[string]interface{}{"migration": name}).Debug("migration already applied, skipping")
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)", name, checksum); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		logger.WithFields(map[string]interface{}{"migration": name, "checksum": checksum}).Info("applied migration")
	}
	return nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			return nil, err
		}
		out[name] = checksum
	}
	return out, rows.Err()
}

func sortedMigrationNames() ([]string, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ".sql") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func checksumOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
