// Package ports declares the collaborator contracts the core depends on
// (§6). Reference implementations live under adapters/; the core itself
// never imports a concrete adapter.
package ports

import (
	"context"

	"github.com/ste-bah/rollup-engine/domain/event"
	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/domain/graph"
	"github.com/ste-bah/rollup-engine/domain/rollup"
)

// ScanGraphStore is the read-side of a repository's per-scan graph.
type ScanGraphStore interface {
	GetLatestScan(ctx context.Context, tenant, repoID string) (scanID string, ok bool, err error)
	GetGraph(ctx context.Context, tenant, scanID string) (graph.Graph, error)
	PersistMergedGraph(ctx context.Context, tenant, executionID string, merged graph.MergedGraph) error
}

// ExternalObjectEntryFilter narrows ExternalObjectStore queries.
type ExternalObjectEntryFilter struct {
	RepoID        string
	ScanID        string
	ReferenceType graph.ReferenceType
	Limit         int
	Offset        int
}

// ExternalObjectStore persists and queries ExternalObjectEntry records
// (§4.B, §6).
type ExternalObjectStore interface {
	SaveEntries(ctx context.Context, entries []graph.ExternalObjectEntry) (int, error)
	FindByExternalID(ctx context.Context, tenant, externalID string, filter ExternalObjectEntryFilter) ([]graph.ExternalObjectEntry, error)
	FindByNodeID(ctx context.Context, tenant, nodeID, scanID string) ([]graph.ExternalObjectEntry, error)
	DeleteEntries(ctx context.Context, tenant string, filter ExternalObjectEntryFilter) (int, error)
	CountEntries(ctx context.Context, tenant string) (int, error)
	CountByType(ctx context.Context, tenant string) (map[graph.ReferenceType]int, error)
}

// RollupListFilter narrows RollupStore.List queries.
type RollupListFilter struct {
	Status []rollup.Status
	Name   string
}

type RollupListSort struct {
	Field     string
	Ascending bool
}

type Pagination struct {
	Limit  int
	Offset int
}

// RollupStore is the CRUD + execution persistence contract for the Rollup
// Service and Orchestrator (§6).
type RollupStore interface {
	CreateRollup(ctx context.Context, cfg rollup.Config) error
	GetRollup(ctx context.Context, tenant, rollupID string) (rollup.Config, bool, error)
	UpdateRollup(ctx context.Context, cfg rollup.Config, expectedVersion int64) error
	ListRollups(ctx context.Context, tenant string, filter RollupListFilter, sort RollupListSort, page Pagination) ([]rollup.Config, error)
	DeleteRollup(ctx context.Context, tenant, rollupID string) error

	CreateExecution(ctx context.Context, exec execution.RollupExecution) error
	GetExecution(ctx context.Context, tenant, executionID string) (execution.RollupExecution, bool, error)
	UpdateExecution(ctx context.Context, exec execution.RollupExecution) error
	ListActiveExecutions(ctx context.Context, tenant string) ([]execution.RollupExecution, error)

	SaveDeadLetter(ctx context.Context, entry execution.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, tenant, id string) (execution.DeadLetterEntry, bool, error)
	ListDeadLetters(ctx context.Context, tenant string) ([]execution.DeadLetterEntry, error)
	DeleteDeadLetter(ctx context.Context, tenant, id string) error
}

// JobHandler processes one dequeued job; errors classified retryable by
// infrastructure/retry trigger the orchestrator's backoff policy.
type JobHandler func(ctx context.Context, job execution.Job) error

// JobEnqueueOptions mirrors the orchestrator's per-job scheduling knobs.
type JobEnqueueOptions struct {
	Priority    int
	MaxAttempts int
	DelayMs     int64
}

// JobBroker is the queue abstraction the Execution Orchestrator drives
// (§6).
type JobBroker interface {
	Enqueue(ctx context.Context, name string, payload map[string]interface{}, opts JobEnqueueOptions) (jobID string, err error)
	Process(ctx context.Context, handler JobHandler) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close(ctx context.Context) error

	OnCompleted(func(job execution.Job))
	OnFailed(func(job execution.Job, err error))
	OnRetrying(func(job execution.Job, attempt int))
}

// BlobCache is the optional L2 remote cache layer (§4.H, §6).
type BlobCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int, tags []string) error
	DeleteByTags(ctx context.Context, tags []string) (int, error)
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
	DeleteByTenant(ctx context.Context, tenant string) (int, error)
}

// EventPublisher is the outbound event-bus adapter's driven port (§4.I, §6).
// A nil-safe no-op implementation is an acceptable configuration.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, message event.Event) error
	Subscribe(channel string, handler func(event.Event)) (unsubscribe func())
}
