package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/domain/rollup"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewStore(db), mock
}

func TestCreateRollupInsertsDocument(t *testing.T) {
	store, mock := newMockStore(t)
	cfg := rollup.Config{RollupID: "rl_1", Tenant: "tenantA", Name: "x", Version: 1, Status: rollup.StatusDraft, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO rollup_configs").
		WithArgs(cfg.RollupID, cfg.Tenant, cfg.Name, sqlmock.AnyArg(), cfg.Version, cfg.Status, cfg.CreatedAt, cfg.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.CreateRollup(context.Background(), cfg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRollupReturnsNotFoundAsFalse(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT document FROM rollup_configs").
		WithArgs("tenantA", "missing").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := store.GetRollup(context.Background(), "tenantA", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRollupDecodesDocument(t *testing.T) {
	store, mock := newMockStore(t)
	cfg := rollup.Config{RollupID: "rl_1", Tenant: "tenantA", Name: "x", Version: 2}
	doc, err := json.Marshal(cfg)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT document FROM rollup_configs").
		WithArgs("tenantA", "rl_1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))

	got, ok, err := store.GetRollup(context.Background(), "tenantA", "rl_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateRollupFailsOnVersionMismatch(t *testing.T) {
	store, mock := newMockStore(t)
	cfg := rollup.Config{RollupID: "rl_1", Tenant: "tenantA", Version: 2, UpdatedAt: time.Now()}

	mock.ExpectExec("UPDATE rollup_configs").
		WithArgs(sqlmock.AnyArg(), cfg.Version, cfg.Status, cfg.UpdatedAt, cfg.Tenant, cfg.RollupID, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateRollup(context.Background(), cfg, 1)
	require.Error(t, err)
}

func TestCreateExecutionInsertsDocument(t *testing.T) {
	store, mock := newMockStore(t)
	exec := execution.RollupExecution{ID: "exec_1", RollupID: "rl_1", Tenant: "tenantA", Status: execution.StatusPending, CreatedAt: time.Now().UnixMilli()}

	mock.ExpectExec("INSERT INTO rollup_executions").
		WithArgs(exec.ID, exec.RollupID, exec.Tenant, exec.Status, sqlmock.AnyArg(), exec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.CreateExecution(context.Background(), exec))
	require.NoError(t, mock.ExpectationsWereMet())
}
