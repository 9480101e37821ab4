// Package postgres implements RollupStore and ExternalObjectStore against
// PostgreSQL, the reference persistence adapter (§6). It follows the
// teacher's database.go connection style, layered with sqlx for scans.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ste-bah/rollup-engine/adapters/postgres/migrations"
	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/domain/graph"
	"github.com/ste-bah/rollup-engine/domain/rollup"
	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

// Open establishes a PostgreSQL connection via sqlx, verifies connectivity
// with a ping, and applies the embedded schema migrations. A nil logger
// falls back to logging.Default().
func Open(ctx context.Context, dsn string, logger *logging.Logger) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Apply(ctx, db.DB, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

// Store implements ports.RollupStore against PostgreSQL. RollupConfig and
// RollupExecution are stored as a JSONB document alongside the columns
// queries filter on, so a schema change in the domain model never requires
// a migration.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

var _ ports.RollupStore = (*Store)(nil)

func (s *Store) CreateRollup(ctx context.Context, cfg rollup.Config) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal rollup config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollup_configs (rollup_id, tenant, name, document, version, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cfg.RollupID, cfg.Tenant, cfg.Name, doc, cfg.Version, cfg.Status, cfg.CreatedAt, cfg.UpdatedAt)
	return err
}

func (s *Store) GetRollup(ctx context.Context, tenant, rollupID string) (rollup.Config, bool, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `
		SELECT document FROM rollup_configs WHERE tenant = $1 AND rollup_id = $2`, tenant, rollupID)
	if err == sql.ErrNoRows {
		return rollup.Config{}, false, nil
	}
	if err != nil {
		return rollup.Config{}, false, err
	}
	var cfg rollup.Config
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return rollup.Config{}, false, fmt.Errorf("unmarshal rollup config: %w", err)
	}
	return cfg, true, nil
}

func (s *Store) UpdateRollup(ctx context.Context, cfg rollup.Config, expectedVersion int64) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal rollup config: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE rollup_configs SET document = $1, version = $2, status = $3, updated_at = $4
		WHERE tenant = $5 AND rollup_id = $6 AND version = $7`,
		doc, cfg.Version, cfg.Status, cfg.UpdatedAt, cfg.Tenant, cfg.RollupID, expectedVersion)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("rollup %s version mismatch or not found", cfg.RollupID)
	}
	return nil
}

func (s *Store) ListRollups(ctx context.Context, tenant string, filter ports.RollupListFilter, sortOpt ports.RollupListSort, page ports.Pagination) ([]rollup.Config, error) {
	query := `SELECT document FROM rollup_configs WHERE tenant = $1`
	args := []interface{}{tenant}

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name ILIKE $%d", len(args)+1)
		args = append(args, "%"+filter.Name+"%")
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ","))
	}

	orderField := "created_at"
	if sortOpt.Field != "" {
		orderField = sortOpt.Field
	}
	direction := "DESC"
	if sortOpt.Ascending {
		direction = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderField, direction)

	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, err
	}

	out := make([]rollup.Config, 0, len(docs))
	for _, doc := range docs {
		var cfg rollup.Config
		if err := json.Unmarshal(doc, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal rollup config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *Store) DeleteRollup(ctx context.Context, tenant, rollupID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rollup_configs WHERE tenant = $1 AND rollup_id = $2`, tenant, rollupID)
	return err
}

func (s *Store) CreateExecution(ctx context.Context, exec execution.RollupExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollup_executions (execution_id, rollup_id, tenant, status, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.RollupID, exec.Tenant, exec.Status, doc, exec.CreatedAt)
	return err
}

func (s *Store) GetExecution(ctx context.Context, tenant, executionID string) (execution.RollupExecution, bool, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `
		SELECT document FROM rollup_executions WHERE tenant = $1 AND execution_id = $2`, tenant, executionID)
	if err == sql.ErrNoRows {
		return execution.RollupExecution{}, false, nil
	}
	if err != nil {
		return execution.RollupExecution{}, false, err
	}
	var exec execution.RollupExecution
	if err := json.Unmarshal(doc, &exec); err != nil {
		return execution.RollupExecution{}, false, fmt.Errorf("unmarshal execution: %w", err)
	}
	return exec, true, nil
}

func (s *Store) UpdateExecution(ctx context.Context, exec execution.RollupExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE rollup_executions SET status = $1, document = $2 WHERE tenant = $3 AND execution_id = $4`,
		exec.Status, doc, exec.Tenant, exec.ID)
	return err
}

func (s *Store) ListActiveExecutions(ctx context.Context, tenant string) ([]execution.RollupExecution, error) {
	var docs [][]byte
	err := s.db.SelectContext(ctx, &docs, `
		SELECT document FROM rollup_executions
		WHERE tenant = $1 AND status IN ($2, $3)`,
		tenant, execution.StatusPending, execution.StatusRunning)
	if err != nil {
		return nil, err
	}
	out := make([]execution.RollupExecution, 0, len(docs))
	for _, doc := range docs {
		var exec execution.RollupExecution
		if err := json.Unmarshal(doc, &exec); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *Store) SaveDeadLetter(ctx context.Context, entry execution.DeadLetterEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_entries (id, tenant, execution_id, document, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document`,
		entry.ID, entry.Tenant, entry.ExecutionID, doc, entry.CreatedAt)
	return err
}

func (s *Store) GetDeadLetter(ctx context.Context, tenant, id string) (execution.DeadLetterEntry, bool, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `
		SELECT document FROM dead_letter_entries WHERE tenant = $1 AND id = $2`, tenant, id)
	if err == sql.ErrNoRows {
		return execution.DeadLetterEntry{}, false, nil
	}
	if err != nil {
		return execution.DeadLetterEntry{}, false, err
	}
	var entry execution.DeadLetterEntry
	if err := json.Unmarshal(doc, &entry); err != nil {
		return execution.DeadLetterEntry{}, false, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return entry, true, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, tenant string) ([]execution.DeadLetterEntry, error) {
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, `
		SELECT document FROM dead_letter_entries WHERE tenant = $1 ORDER BY created_at ASC`, tenant); err != nil {
		return nil, err
	}
	out := make([]execution.DeadLetterEntry, 0, len(docs))
	for _, doc := range docs {
		var entry execution.DeadLetterEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) DeleteDeadLetter(ctx context.Context, tenant, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_entries WHERE tenant = $1 AND id = $2`, tenant, id)
	return err
}

// ObjectStore implements ports.ExternalObjectStore against PostgreSQL.
type ObjectStore struct {
	db *sqlx.DB
}

func NewObjectStore(db *sqlx.DB) *ObjectStore { return &ObjectStore{db: db} }

var _ ports.ExternalObjectStore = (*ObjectStore)(nil)

func (s *ObjectStore) SaveEntries(ctx context.Context, entries []graph.ExternalObjectEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO external_object_entries
			(id, tenant, external_id, reference_type, repository_id, scan_id, node_id, document, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, indexed_at = EXCLUDED.indexed_at`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, e := range entries {
		doc, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("marshal external object entry: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Tenant, e.ExternalID, e.ReferenceType, e.RepositoryID, e.ScanID, e.NodeID, doc, e.IndexedAt); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *ObjectStore) FindByExternalID(ctx context.Context, tenant, externalID string, filter ports.ExternalObjectEntryFilter) ([]graph.ExternalObjectEntry, error) {
	query := `SELECT document FROM external_object_entries WHERE tenant = $1 AND external_id = $2`
	args := []interface{}{tenant, externalID}

	if filter.RepoID != "" {
		args = append(args, filter.RepoID)
		query += fmt.Sprintf(" AND repository_id = $%d", len(args))
	}
	if filter.ReferenceType != "" {
		args = append(args, string(filter.ReferenceType))
		query += fmt.Sprintf(" AND reference_type = $%d", len(args))
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *ObjectStore) FindByNodeID(ctx context.Context, tenant, nodeID, scanID string) ([]graph.ExternalObjectEntry, error) {
	return s.queryEntries(ctx, `
		SELECT document FROM external_object_entries WHERE tenant = $1 AND node_id = $2 AND scan_id = $3`,
		tenant, nodeID, scanID)
}

func (s *ObjectStore) queryEntries(ctx context.Context, query string, args ...interface{}) ([]graph.ExternalObjectEntry, error) {
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, err
	}
	out := make([]graph.ExternalObjectEntry, 0, len(docs))
	for _, doc := range docs {
		var e graph.ExternalObjectEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("unmarshal external object entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *ObjectStore) DeleteEntries(ctx context.Context, tenant string, filter ports.ExternalObjectEntryFilter) (int, error) {
	query := `DELETE FROM external_object_entries WHERE tenant = $1`
	args := []interface{}{tenant}
	if filter.RepoID != "" {
		args = append(args, filter.RepoID)
		query += fmt.Sprintf(" AND repository_id = $%d", len(args))
	}
	if filter.ScanID != "" {
		args = append(args, filter.ScanID)
		query += fmt.Sprintf(" AND scan_id = $%d", len(args))
	}
	if filter.ReferenceType != "" {
		args = append(args, string(filter.ReferenceType))
		query += fmt.Sprintf(" AND reference_type = $%d", len(args))
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s *ObjectStore) CountEntries(ctx context.Context, tenant string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM external_object_entries WHERE tenant = $1`, tenant)
	return count, err
}

func (s *ObjectStore) CountByType(ctx context.Context, tenant string) (map[graph.ReferenceType]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference_type, COUNT(*) FROM external_object_entries WHERE tenant = $1 GROUP BY reference_type`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[graph.ReferenceType]int{}
	for rows.Next() {
		var refType string
		var count int
		if err := rows.Scan(&refType, &count); err != nil {
			return nil, err
		}
		out[graph.ReferenceType(refType)] = count
	}
	return out, rows.Err()
}
