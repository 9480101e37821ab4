// Package orchestrator implements the Execution Orchestrator (§4.G): phase
// checkpointing, a dead-letter queue, and per-service circuit breakers
// driving a RollupExecution through fetch→match→merge→store→callback. Job
// queuing, priority ordering and worker scheduling belong to the injected
// ports.JobBroker.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ste-bah/rollup-engine/domain/execution"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/infrastructure/metrics"
	"github.com/ste-bah/rollup-engine/infrastructure/retry"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

// PhaseRunner executes one phase of an execution and records updated
// progress on exec. Returning a *svcerrors.ServiceError classified retryable by
// infrastructure/retry drives the orchestrator's backoff.
type PhaseRunner func(ctx context.Context, exec *execution.RollupExecution) error

// Config bounds the orchestrator's queue and retry behavior (§6).
type Config struct {
	Concurrency     int
	ChunkSize       int
	RetryPolicy     retry.Policy
	CircuitBreaker  CircuitBreakerConfig
	DLQMaxSize      int
	DLQRetention    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    10,
		ChunkSize:      500,
		RetryPolicy:    retry.DefaultPolicy(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		DLQMaxSize:     1000,
		DLQRetention:   7 * 24 * time.Hour,
	}
}

// Orchestrator drives executions through their phases using an injected
// JobBroker and RollupStore; it keeps no queue of its own, so dequeue
// order is whatever the broker provides.
type Orchestrator struct {
	cfg     Config
	store   ports.RollupStore
	broker  ports.JobBroker
	events  EventEmitter
	logger  *logging.Logger
	metrics *metrics.Metrics
	cb      *CircuitBreakerRegistry

	phases map[execution.Phase]PhaseRunner
}

// EventEmitter is the subset of the Event Bus Adapter the orchestrator
// calls to publish lifecycle/execution events (§4.I).
type EventEmitter interface {
	EmitExecutionStarted(ctx context.Context, exec execution.RollupExecution)
	EmitExecutionProgress(ctx context.Context, exec execution.RollupExecution)
	EmitExecutionCompleted(ctx context.Context, exec execution.RollupExecution)
	EmitExecutionFailed(ctx context.Context, exec execution.RollupExecution)
	EmitExecutionCancelled(ctx context.Context, exec execution.RollupExecution)
}

func New(cfg Config, store ports.RollupStore, broker ports.JobBroker, events EventEmitter, logger *logging.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		events:  events,
		logger:  logger,
		metrics: m,
		cb:      NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		phases:  make(map[execution.Phase]PhaseRunner),
	}
}

// RegisterPhase wires a phase implementation; callers register fetch,
// match, merge, store, and callback before Start.
func (o *Orchestrator) RegisterPhase(phase execution.Phase, runner PhaseRunner) {
	o.phases[phase] = runner
}

// CircuitBreakers exposes the registry so phase runners can wrap their own
// external-service calls.
func (o *Orchestrator) CircuitBreakers() *CircuitBreakerRegistry { return o.cb }

// Enqueue schedules a fresh execution job, keyed by executionId, at the
// given priority (§4.F's Execute dispatch).
func (o *Orchestrator) Enqueue(ctx context.Context, exec execution.RollupExecution, priority int) (string, error) {
	return o.broker.Enqueue(ctx, "rollup.execute", map[string]interface{}{
		"executionId": exec.ID,
		"tenant":      exec.Tenant,
		"rollupId":    exec.RollupID,
	}, ports.JobEnqueueOptions{Priority: priority, MaxAttempts: o.cfg.RetryPolicy.MaxAttempts})
}

// Start drains the broker, running each dequeued job through the phase
// pipeline. Blocks until ctx is cancelled or the broker's Process returns.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.broker.Process(ctx, o.handle)
}

// Handle processes a single already-enqueued job through the phase pipeline
// directly, without going through a JobBroker's Process loop. Exported for
// callers that drive jobs synchronously (e.g. a CLI runner or tests
// exercising RegisterPhases end-to-end).
func (o *Orchestrator) Handle(ctx context.Context, job execution.Job) error {
	return o.handle(ctx, job)
}

func (o *Orchestrator) handle(ctx context.Context, job execution.Job) error {
	executionID, _ := job.Payload["executionId"].(string)
	tenant, _ := job.Payload["tenant"].(string)

	exec, ok, err := o.store.GetExecution(ctx, tenant, executionID)
	if err != nil {
		return err
	}
	if !ok {
		return svcerrors.NewNotFound("execution", executionID)
	}

	if exec.Status == execution.StatusPending {
		now := time.Now().UnixMilli()
		exec.StartedAt = &now
		exec.Status = execution.StatusRunning
		if err := o.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		o.events.EmitExecutionStarted(ctx, exec)
	}

	startPhase := o.resumePhase(&exec)

	for i := startPhase; i < len(execution.PhaseOrder); i++ {
		phase := execution.PhaseOrder[i]
		if latest, found, err := o.store.GetExecution(ctx, exec.Tenant, exec.ID); err == nil && found && latest.CancelRequested() {
			exec.RequestCancel()
		}
		if exec.CancelRequested() {
			return o.cancel(ctx, &exec, phase)
		}

		runner, ok := o.phases[phase]
		if !ok {
			continue
		}
		exec.Phase = &phase
		phaseStart := time.Now()
		if err := runner(ctx, &exec); err != nil {
			o.logger.LogPhaseTransition(ctx, string(phase), time.Since(phaseStart).Milliseconds())
			return o.onPhaseFailure(ctx, &exec, phase, err, job)
		}
		o.logger.LogPhaseTransition(ctx, string(phase), time.Since(phaseStart).Milliseconds())

		now := time.Now().UnixMilli()
		exec.Checkpoint = &execution.Checkpoint{Timestamp: now, Progress: exec.Progress, Phase: phase}
		if err := o.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		o.events.EmitExecutionProgress(ctx, exec)
	}

	completedAt := time.Now().UnixMilli()
	exec.CompletedAt = &completedAt
	exec.Status = execution.StatusCompleted
	exec.PartialResults = nil
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.events.EmitExecutionCompleted(ctx, exec)
	return nil
}

// resumePhase finds the earliest phase whose outputs are not yet
// persisted, per §4.G's crash-recovery rule.
func (o *Orchestrator) resumePhase(exec *execution.RollupExecution) int {
	if exec.Checkpoint == nil {
		return 0
	}
	idx := exec.Checkpoint.Phase.Index()
	if idx < 0 {
		return 0
	}
	return idx + 1
}

func (o *Orchestrator) onPhaseFailure(ctx context.Context, exec *execution.RollupExecution, phase execution.Phase, err error, job execution.Job) error {
	retryable := retry.IsRetryable(err)
	job.Attempts++

	if retryable && job.Attempts < job.MaxAttempts {
		delay := o.cfg.RetryPolicy.Delay(job.Attempts)
		o.logger.LogRetry(ctx, job.Attempts, job.MaxAttempts, delay, err)
		if o.metrics != nil {
			o.metrics.JobRetryTotal.WithLabelValues(job.Name).Inc()
		}
		return err // broker reschedules per its own backoff/requeue semantics
	}

	o.logger.LogDeadLetter(ctx, job.Attempts, err)
	return o.deadLetter(ctx, exec, phase, err, job.Attempts, job.MaxAttempts)
}

func (o *Orchestrator) deadLetter(ctx context.Context, exec *execution.RollupExecution, phase execution.Phase, cause error, attempts, maxAttempts int) error {
	code := "EXECUTION_FAILED"
	message := cause.Error()
	if se := svcerrors.GetServiceError(cause); se != nil {
		code = string(se.Code)
		message = se.Message
	}

	exec.Status = execution.StatusFailed
	exec.ErrorDetails = &execution.ErrorDetails{Code: code, Message: message, Phase: phase}
	if exec.PartialResults == nil {
		exec.PartialResults = &execution.PartialResults{
			NodesProcessed: exec.Progress.NodesProcessed,
			MatchesFound:   exec.Progress.MatchesFound,
			Phase:          phase,
		}
	}
	if err := o.store.UpdateExecution(ctx, *exec); err != nil {
		return err
	}

	entry := execution.DeadLetterEntry{
		ID:           "dlq_" + uuid.NewString(),
		ExecutionID:  exec.ID,
		RollupID:     exec.RollupID,
		Tenant:       exec.Tenant,
		ErrorCode:    code,
		ErrorMessage: message,
		AttemptCount: attempts,
		MaxAttempts:  maxAttempts,
		Phase:        phase,
		PartialResults: exec.PartialResults,
		Status:       execution.DLQExhausted,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := o.enforceDLQBound(ctx, exec.Tenant); err != nil {
		o.logger.WithError(err).Warn("failed to enforce dead-letter queue bound")
	}
	if err := o.store.SaveDeadLetter(ctx, entry); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.DeadLetterTotal.WithLabelValues(exec.Tenant).Inc()
	}
	o.events.EmitExecutionFailed(ctx, *exec)
	return nil
}

// enforceDLQBound evicts the oldest dead-letter entries once the queue
// exceeds DLQMaxSize (default 1000), per §4.G.
func (o *Orchestrator) enforceDLQBound(ctx context.Context, tenant string) error {
	if o.cfg.DLQMaxSize <= 0 {
		return nil
	}
	entries, err := o.store.ListDeadLetters(ctx, tenant)
	if err != nil {
		return err
	}
	if len(entries) < o.cfg.DLQMaxSize {
		return nil
	}
	oldest := entries[0]
	for _, e := range entries {
		if e.CreatedAt < oldest.CreatedAt {
			oldest = e
		}
	}
	return o.store.DeleteDeadLetter(ctx, tenant, oldest.ID)
}

func (o *Orchestrator) cancel(ctx context.Context, exec *execution.RollupExecution, phase execution.Phase) error {
	exec.Status = execution.StatusCancelled
	if exec.PartialResults == nil {
		exec.PartialResults = &execution.PartialResults{
			NodesProcessed: exec.Progress.NodesProcessed,
			MatchesFound:   exec.Progress.MatchesFound,
			Phase:          phase,
		}
	}
	if err := o.store.UpdateExecution(ctx, *exec); err != nil {
		return err
	}
	o.events.EmitExecutionCancelled(ctx, *exec)
	return nil
}

// Cancel flips the cooperative cancellation flag on a running execution.
// The flag is observed at the next phase boundary, where handle re-reads
// the execution from the store; a phase runner already in progress is not
// interrupted and runs to completion (§4.G, §5).
func (o *Orchestrator) Cancel(ctx context.Context, tenant, executionID string) error {
	exec, ok, err := o.store.GetExecution(ctx, tenant, executionID)
	if err != nil {
		return err
	}
	if !ok {
		return svcerrors.NewNotFound("execution", executionID)
	}
	exec.RequestCancel()
	return o.store.UpdateExecution(ctx, exec)
}

// RetryDeadLetter resets a DLQ entry's execution to pending and
// re-enqueues it, per §4.G's "DLQ entries can be manually retried".
func (o *Orchestrator) RetryDeadLetter(ctx context.Context, tenant, dlqID string) error {
	entry, ok, err := o.store.GetDeadLetter(ctx, tenant, dlqID)
	if err != nil {
		return err
	}
	if !ok {
		return svcerrors.NewNotFound("dead-letter entry", dlqID)
	}
	exec, ok, err := o.store.GetExecution(ctx, tenant, entry.ExecutionID)
	if err != nil {
		return err
	}
	if !ok {
		return svcerrors.NewNotFound("execution", entry.ExecutionID)
	}
	exec.Status = execution.StatusPending
	exec.ErrorDetails = nil
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	entry.Status = execution.DLQRecovered
	if err := o.store.SaveDeadLetter(ctx, entry); err != nil {
		return err
	}
	_, err = o.Enqueue(ctx, exec, 0)
	return err
}

// DiscardDeadLetter marks a DLQ entry discarded without re-enqueuing.
func (o *Orchestrator) DiscardDeadLetter(ctx context.Context, tenant, dlqID string) error {
	entry, ok, err := o.store.GetDeadLetter(ctx, tenant, dlqID)
	if err != nil {
		return err
	}
	if !ok {
		return svcerrors.NewNotFound("dead-letter entry", dlqID)
	}
	entry.Status = execution.DLQDiscarded
	return o.store.SaveDeadLetter(ctx, entry)
}

// SweepExpiredDeadLetters removes DLQ entries older than DLQRetention,
// per §4.G's default 7-day retention sweep.
func (o *Orchestrator) SweepExpiredDeadLetters(ctx context.Context, tenant string) (int, error) {
	entries, err := o.store.ListDeadLetters(ctx, tenant)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-o.cfg.DLQRetention).UnixMilli()
	count := 0
	for _, e := range entries {
		if e.CreatedAt < cutoff {
			if err := o.store.DeleteDeadLetter(ctx, tenant, e.ID); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}
