package rollupservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/domain/rollup"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

type fakeStore struct {
	rollups    map[string]rollup.Config
	executions map[string]execution.RollupExecution
}

func newFakeStore() *fakeStore {
	return &fakeStore{rollups: map[string]rollup.Config{}, executions: map[string]execution.RollupExecution{}}
}

func rkey(tenant, id string) string { return tenant + "/" + id }

func (s *fakeStore) CreateRollup(ctx context.Context, cfg rollup.Config) error {
	s.rollups[rkey(cfg.Tenant, cfg.RollupID)] = cfg
	return nil
}
func (s *fakeStore) GetRollup(ctx context.Context, tenant, rollupID string) (rollup.Config, bool, error) {
	cfg, ok := s.rollups[rkey(tenant, rollupID)]
	return cfg, ok, nil
}
func (s *fakeStore) UpdateRollup(ctx context.Context, cfg rollup.Config, expectedVersion int64) error {
	s.rollups[rkey(cfg.Tenant, cfg.RollupID)] = cfg
	return nil
}
func (s *fakeStore) ListRollups(ctx context.Context, tenant string, filter ports.RollupListFilter, sort ports.RollupListSort, page ports.Pagination) ([]rollup.Config, error) {
	var out []rollup.Config
	for _, c := range s.rollups {
		if c.Tenant == tenant {
			out = append(out, c)
		}
	}
	return out, nil
}
func (s *fakeStore) DeleteRollup(ctx context.Context, tenant, rollupID string) error {
	delete(s.rollups, rkey(tenant, rollupID))
	return nil
}
func (s *fakeStore) CreateExecution(ctx context.Context, exec execution.RollupExecution) error {
	s.executions[rkey(exec.Tenant, exec.ID)] = exec
	return nil
}
func (s *fakeStore) GetExecution(ctx context.Context, tenant, executionID string) (execution.RollupExecution, bool, error) {
	e, ok := s.executions[rkey(tenant, executionID)]
	return e, ok, nil
}
func (s *fakeStore) UpdateExecution(ctx context.Context, exec execution.RollupExecution) error {
	s.executions[rkey(exec.Tenant, exec.ID)] = exec
	return nil
}
func (s *fakeStore) ListActiveExecutions(ctx context.Context, tenant string) ([]execution.RollupExecution, error) {
	return nil, nil
}
func (s *fakeStore) SaveDeadLetter(ctx context.Context, entry execution.DeadLetterEntry) error { return nil }
func (s *fakeStore) GetDeadLetter(ctx context.Context, tenant, id string) (execution.DeadLetterEntry, bool, error) {
	return execution.DeadLetterEntry{}, false, nil
}
func (s *fakeStore) ListDeadLetters(ctx context.Context, tenant string) ([]execution.DeadLetterEntry, error) {
	return nil, nil
}
func (s *fakeStore) DeleteDeadLetter(ctx context.Context, tenant, id string) error { return nil }

var _ ports.RollupStore = (*fakeStore)(nil)

type fakeDispatcher struct {
	enqueued []execution.RollupExecution
	canceled []string
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, exec execution.RollupExecution, priority int) (string, error) {
	d.enqueued = append(d.enqueued, exec)
	return "job_1", nil
}
func (d *fakeDispatcher) Cancel(ctx context.Context, tenant, executionID string) error {
	d.canceled = append(d.canceled, executionID)
	return nil
}

type fakeEmitter struct {
	created, updated, deleted int
}

func (f *fakeEmitter) EmitRollupCreated(ctx context.Context, tenant, rollupID string, data interface{}) { f.created++ }
func (f *fakeEmitter) EmitRollupUpdated(ctx context.Context, tenant, rollupID string, data interface{}) { f.updated++ }
func (f *fakeEmitter) EmitRollupDeleted(ctx context.Context, tenant, rollupID string, data interface{}) { f.deleted++ }

func testLogger() *logging.Logger { return logging.New("rollupservice-test", "error", "text") }

func validConfig(tenant string) rollup.Config {
	threshold := 80
	return rollup.Config{
		Tenant:        tenant,
		Name:          "prod-rollup",
		RepositoryIDs: []string{"repoA", "repoB"},
		Matchers: []rollup.MatcherConfig{
			&rollup.NameMatcherConfig{MatcherBase: rollup.MatcherBase{Enabled: true, Priority: 50, MinConfidence: 80}, FuzzyThreshold: &threshold},
		},
		MergeOptions: rollup.MergeOptions{ConflictResolution: rollup.PreferHigherConfidence, MaxNodes: 1000},
		Status:       rollup.StatusActive,
	}
}

func TestCreateValidatesAndEmits(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	svc := New(store, &fakeDispatcher{}, emitter, rollup.DefaultLimits(), 5, testLogger())

	cfg, err := svc.Create(context.Background(), validConfig("tenantA"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.RollupID)
	assert.Equal(t, int64(1), cfg.Version)
	assert.Equal(t, 1, emitter.created)
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeDispatcher{}, &fakeEmitter{}, rollup.DefaultLimits(), 5, testLogger())

	invalid := validConfig("tenantA")
	invalid.RepositoryIDs = []string{"repoA"} // only one repo
	_, err := svc.Create(context.Background(), invalid)
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeValidation, svcerrors.GetServiceError(err).Code)
}

func TestGetFailsClosedAcrossTenants(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeDispatcher{}, &fakeEmitter{}, rollup.DefaultLimits(), 5, testLogger())

	cfg, err := svc.Create(context.Background(), validConfig("tenantA"))
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), "tenantB", cfg.RollupID)
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeNotFound, svcerrors.GetServiceError(err).Code)
}

func TestUpdateDetectsVersionConflict(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeDispatcher{}, &fakeEmitter{}, rollup.DefaultLimits(), 5, testLogger())

	cfg, err := svc.Create(context.Background(), validConfig("tenantA"))
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), "tenantA", cfg.RollupID, func(c *rollup.Config) { c.Description = "updated" }, 99)
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeConflict, svcerrors.GetServiceError(err).Code)
}

func TestUpdateSucceedsAndBumpsVersion(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	svc := New(store, &fakeDispatcher{}, emitter, rollup.DefaultLimits(), 5, testLogger())

	cfg, err := svc.Create(context.Background(), validConfig("tenantA"))
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), "tenantA", cfg.RollupID, func(c *rollup.Config) { c.Description = "v2" }, cfg.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 1, emitter.updated)
}

func TestExecuteEnqueuesPendingExecution(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	svc := New(store, dispatcher, &fakeEmitter{}, rollup.DefaultLimits(), 5, testLogger())

	cfg, err := svc.Create(context.Background(), validConfig("tenantA"))
	require.NoError(t, err)

	exec, err := svc.Execute(context.Background(), "tenantA", cfg.RollupID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, exec.Status)
	require.Len(t, dispatcher.enqueued, 1)
	assert.Equal(t, exec.ID, dispatcher.enqueued[0].ID)
}

func TestExecuteRejectsDraftRollup(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeDispatcher{}, &fakeEmitter{}, rollup.DefaultLimits(), 5, testLogger())

	draft := validConfig("tenantA")
	draft.Status = rollup.StatusDraft
	cfg, err := svc.Create(context.Background(), draft)
	require.NoError(t, err)

	_, err = svc.Execute(context.Background(), "tenantA", cfg.RollupID, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeConfiguration, svcerrors.GetServiceError(err).Code)
}

func TestCancelDelegatesToDispatcher(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	svc := New(store, dispatcher, &fakeEmitter{}, rollup.DefaultLimits(), 5, testLogger())

	store.executions[rkey("tenantA", "exec1")] = execution.RollupExecution{ID: "exec1", Tenant: "tenantA", Status: execution.StatusRunning}
	require.NoError(t, svc.Cancel(context.Background(), "tenantA", "exec1"))
	assert.Equal(t, []string{"exec1"}, dispatcher.canceled)
}
