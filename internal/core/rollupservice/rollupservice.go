// Package rollupservice implements the Rollup Service (§4.F): tenant-scoped
// CRUD and lifecycle for RollupConfig, validation, and execution dispatch.
package rollupservice

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/domain/rollup"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

// LifecycleEmitter is the subset of the Event Bus Adapter the service calls
// for rollup.{created,updated,deleted} (§4.I).
type LifecycleEmitter interface {
	EmitRollupCreated(ctx context.Context, tenant, rollupID string, data interface{})
	EmitRollupUpdated(ctx context.Context, tenant, rollupID string, data interface{})
	EmitRollupDeleted(ctx context.Context, tenant, rollupID string, data interface{})
}

// Dispatcher is the subset of the Execution Orchestrator the service needs
// to start and cancel work (§4.G).
type Dispatcher interface {
	Enqueue(ctx context.Context, exec execution.RollupExecution, priority int) (string, error)
	Cancel(ctx context.Context, tenant, executionID string) error
}

// ExecuteOptions mirrors Execute's optional argument bag (§4.F).
type ExecuteOptions struct {
	ScanIDs   []string
	Priority  int
	TimeoutMs int64
}

// Service implements the Rollup Service's operations.
type Service struct {
	store      ports.RollupStore
	dispatcher Dispatcher
	events     LifecycleEmitter
	limits     rollup.Limits
	maxConcurrentExecutions int
	logger     *logging.Logger
}

func New(store ports.RollupStore, dispatcher Dispatcher, events LifecycleEmitter, limits rollup.Limits, maxConcurrentExecutions int, logger *logging.Logger) *Service {
	if maxConcurrentExecutions <= 0 {
		maxConcurrentExecutions = 5
	}
	return &Service{store: store, dispatcher: dispatcher, events: events, limits: limits, maxConcurrentExecutions: maxConcurrentExecutions, logger: logger}
}

// Validate runs the pure pre-persistence checks of §4.F.
func (s *Service) Validate(cfg *rollup.Config) error {
	return rollup.Validate(cfg, s.limits)
}

// Create validates and persists a new RollupConfig, emitting
// rollup.created on success.
func (s *Service) Create(ctx context.Context, cfg rollup.Config) (rollup.Config, error) {
	if err := s.Validate(&cfg); err != nil {
		return rollup.Config{}, err
	}

	cfg.RollupID = "rl_" + uuid.NewString()
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.Version = 1
	if cfg.Status == "" {
		cfg.Status = rollup.StatusDraft
	}

	if err := s.store.CreateRollup(ctx, cfg); err != nil {
		return rollup.Config{}, err
	}
	s.events.EmitRollupCreated(ctx, cfg.Tenant, cfg.RollupID, cfg)
	return cfg, nil
}

// Get fails closed with NotFound on a tenant mismatch, never disclosing
// existence (§4.F's authorization invariant).
func (s *Service) Get(ctx context.Context, tenant, rollupID string) (rollup.Config, error) {
	cfg, ok, err := s.store.GetRollup(ctx, tenant, rollupID)
	if err != nil {
		return rollup.Config{}, err
	}
	if !ok {
		return rollup.Config{}, svcerrors.NewNotFound("rollup", rollupID)
	}
	return cfg, nil
}

// Update applies optimistic concurrency: expectedVersion must match the
// persisted version or a ConflictError is returned (§4.F).
func (s *Service) Update(ctx context.Context, tenant, rollupID string, mutate func(cfg *rollup.Config), expectedVersion int64) (rollup.Config, error) {
	cfg, err := s.Get(ctx, tenant, rollupID)
	if err != nil {
		return rollup.Config{}, err
	}
	if cfg.Version != expectedVersion {
		return rollup.Config{}, svcerrors.NewConflict("rollup version mismatch")
	}

	mutate(&cfg)
	if err := s.Validate(&cfg); err != nil {
		return rollup.Config{}, err
	}

	cfg.Version++
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRollup(ctx, cfg, expectedVersion); err != nil {
		return rollup.Config{}, err
	}
	s.events.EmitRollupUpdated(ctx, tenant, rollupID, cfg)
	return cfg, nil
}

// List delegates directly to the store; tenant scoping is enforced by the
// store implementation per the ports contract.
func (s *Service) List(ctx context.Context, tenant string, filter ports.RollupListFilter, sort ports.RollupListSort, page ports.Pagination) ([]rollup.Config, error) {
	return s.store.ListRollups(ctx, tenant, filter, sort, page)
}

// Delete removes a RollupConfig and emits rollup.deleted. It is fail-closed
// like Get: deleting a nonexistent or foreign-tenant rollup is NotFound.
func (s *Service) Delete(ctx context.Context, tenant, rollupID string) error {
	if _, err := s.Get(ctx, tenant, rollupID); err != nil {
		return err
	}
	if err := s.store.DeleteRollup(ctx, tenant, rollupID); err != nil {
		return err
	}
	s.events.EmitRollupDeleted(ctx, tenant, rollupID, map[string]string{"rollupId": rollupID})
	return nil
}

// Execute creates a pending RollupExecution and enqueues it on the
// Orchestrator. Concurrent executions beyond maxConcurrentExecutions are
// queued, never rejected (§4.F); rollup.execution.started is emitted by the
// orchestrator once a worker actually begins the job, not here.
func (s *Service) Execute(ctx context.Context, tenant, rollupID string, opts ExecuteOptions) (execution.RollupExecution, error) {
	cfg, err := s.Get(ctx, tenant, rollupID)
	if err != nil {
		return execution.RollupExecution{}, err
	}
	if !cfg.RequiresExecutionInvariants() {
		return execution.RollupExecution{}, svcerrors.NewConfiguration("rollup is in draft/archived status and cannot be executed")
	}

	exec := execution.RollupExecution{
		ID:        "exec_" + uuid.NewString(),
		RollupID:  rollupID,
		Tenant:    tenant,
		Status:    execution.StatusPending,
		ScanIDs:   opts.ScanIDs,
		CreatedAt: time.Now().UnixMilli(),
		TimeoutMs: opts.TimeoutMs,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return execution.RollupExecution{}, err
	}

	if active, err := s.store.ListActiveExecutions(ctx, tenant); err == nil {
		running := 0
		for _, a := range active {
			if a.RollupID == rollupID {
				running++
			}
		}
		if running >= s.maxConcurrentExecutions {
			s.logger.WithContext(ctx).WithFields(map[string]interface{}{"rollupId": rollupID, "running": running}).
				Info("maxConcurrentExecutions reached, execution queued rather than started immediately")
		}
	}

	if _, err := s.dispatcher.Enqueue(ctx, exec, opts.Priority); err != nil {
		return execution.RollupExecution{}, err
	}
	return exec, nil
}

// GetExecutionResult returns the current (possibly still-running) state of
// an execution, fail-closed across tenants.
func (s *Service) GetExecutionResult(ctx context.Context, tenant, executionID string) (execution.RollupExecution, error) {
	exec, ok, err := s.store.GetExecution(ctx, tenant, executionID)
	if err != nil {
		return execution.RollupExecution{}, err
	}
	if !ok {
		return execution.RollupExecution{}, svcerrors.NewNotFound("execution", executionID)
	}
	return exec, nil
}

// Cancel requests cooperative cancellation of a running execution (§4.F,
// §4.G).
func (s *Service) Cancel(ctx context.Context, tenant, executionID string) error {
	if _, err := s.GetExecutionResult(ctx, tenant, executionID); err != nil {
		return err
	}
	return s.dispatcher.Cancel(ctx, tenant, executionID)
}
