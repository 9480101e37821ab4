// Package memory provides in-memory ScanGraphStore, JobBroker, and
// EventPublisher implementations. They back the core's own tests and
// double as a local dev harness for a caller wiring the engine together
// without a real queue, event bus, or scan service.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ste-bah/rollup-engine/domain/event"
	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/domain/graph"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

// ScanGraphStore is an in-memory ports.ScanGraphStore: a fixed set of
// scan graphs a caller seeds ahead of time, plus the merged-graph writes
// the orchestrator's store phase produces.
type ScanGraphStore struct {
	mu           sync.RWMutex
	latestScans  map[string]string // "tenant/repoID" -> scanID
	graphs       map[string]graph.Graph // "tenant/scanID" -> Graph
	mergedGraphs map[string]graph.MergedGraph // "tenant/executionID" -> MergedGraph
}

func NewScanGraphStore() *ScanGraphStore {
	return &ScanGraphStore{
		latestScans:  map[string]string{},
		graphs:       map[string]graph.Graph{},
		mergedGraphs: map[string]graph.MergedGraph{},
	}
}

var _ ports.ScanGraphStore = (*ScanGraphStore)(nil)

func repoKey(tenant, repoID string) string { return tenant + "/" + repoID }
func scanKey(tenant, scanID string) string { return tenant + "/" + scanID }

// Seed registers g as the latest scan for (tenant, repoID).
func (s *ScanGraphStore) Seed(tenant, repoID string, g graph.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestScans[repoKey(tenant, repoID)] = g.ScanID
	s.graphs[scanKey(tenant, g.ScanID)] = g
}

func (s *ScanGraphStore) GetLatestScan(ctx context.Context, tenant, repoID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scanID, ok := s.latestScans[repoKey(tenant, repoID)]
	return scanID, ok, nil
}

func (s *ScanGraphStore) GetGraph(ctx context.Context, tenant, scanID string) (graph.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[scanKey(tenant, scanID)]
	if !ok {
		return graph.Graph{}, fmt.Errorf("no graph for scan %s", scanID)
	}
	return g, nil
}

func (s *ScanGraphStore) PersistMergedGraph(ctx context.Context, tenant, executionID string, merged graph.MergedGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergedGraphs[scanKey(tenant, executionID)] = merged
	return nil
}

// MergedGraph returns a previously persisted merged graph, for assertions
// in a dev harness or test.
func (s *ScanGraphStore) MergedGraph(tenant, executionID string) (graph.MergedGraph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.mergedGraphs[scanKey(tenant, executionID)]
	return g, ok
}

// JobBroker is a single-process FIFO-per-priority in-memory ports.JobBroker.
// Process runs synchronously on the calling goroutine rather than on a real
// worker pool, which is sufficient for a dev harness.
type JobBroker struct {
	mu       sync.Mutex
	jobs     []execution.Job
	paused   bool
	onComplete []func(execution.Job)
	onFailed   []func(execution.Job, error)
	onRetrying []func(execution.Job, int)
}

func NewJobBroker() *JobBroker {
	return &JobBroker{}
}

var _ ports.JobBroker = (*JobBroker)(nil)

func (b *JobBroker) Enqueue(ctx context.Context, name string, payload map[string]interface{}, opts ports.JobEnqueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job := execution.Job{
		ID:          "job_" + uuid.NewString(),
		Name:        name,
		Payload:     payload,
		Status:      execution.JobWaiting,
		MaxAttempts: opts.MaxAttempts,
		Priority:    opts.Priority,
	}
	b.jobs = append(b.jobs, job)
	return job.ID, nil
}

// Process drains the queue once, invoking handler for each job in FIFO
// order within priority band (highest first). It blocks until the queue
// is empty or ctx is cancelled.
func (b *JobBroker) Process(ctx context.Context, handler ports.JobHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, ok := b.dequeue()
		if !ok {
			return nil
		}
		if err := handler(ctx, job); err != nil {
			b.mu.Lock()
			for _, cb := range b.onFailed {
				cb(job, err)
			}
			b.mu.Unlock()
			continue
		}
		b.mu.Lock()
		for _, cb := range b.onComplete {
			cb(job)
		}
		b.mu.Unlock()
	}
}

func (b *JobBroker) dequeue() (execution.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused || len(b.jobs) == 0 {
		return execution.Job{}, false
	}
	best := 0
	for i, j := range b.jobs {
		if j.Priority > b.jobs[best].Priority {
			best = i
		}
	}
	job := b.jobs[best]
	b.jobs = append(b.jobs[:best], b.jobs[best+1:]...)
	return job, true
}

func (b *JobBroker) Pause(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
	return nil
}

func (b *JobBroker) Resume(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	return nil
}

func (b *JobBroker) Close(ctx context.Context) error { return nil }

func (b *JobBroker) OnCompleted(f func(execution.Job)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onComplete = append(b.onComplete, f)
}

func (b *JobBroker) OnFailed(f func(execution.Job, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailed = append(b.onFailed, f)
}

func (b *JobBroker) OnRetrying(f func(execution.Job, int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRetrying = append(b.onRetrying, f)
}

// EventPublisher is a synchronous in-process ports.EventPublisher: Publish
// invokes every Subscribe handler on channel immediately, on the caller's
// goroutine.
type EventPublisher struct {
	mu       sync.Mutex
	handlers map[string][]func(event.Event)
}

func NewEventPublisher() *EventPublisher {
	return &EventPublisher{handlers: map[string][]func(event.Event){}}
}

var _ ports.EventPublisher = (*EventPublisher)(nil)

func (p *EventPublisher) Publish(ctx context.Context, channel string, message event.Event) error {
	p.mu.Lock()
	handlers := append([]func(event.Event){}, p.handlers[channel]...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (p *EventPublisher) Subscribe(channel string, handler func(event.Event)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[channel] = append(p.handlers[channel], handler)
	idx := len(p.handlers[channel]) - 1
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		handlers := p.handlers[channel]
		if idx < len(handlers) {
			handlers[idx] = func(event.Event) {}
		}
	}
}
