// Package events implements the Event Bus Adapter (§4.I): envelope
// construction, channel routing, per-rollupId ordering, and fire-and-forget
// publish-with-retry.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ste-bah/rollup-engine/domain/event"
	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/infrastructure/metrics"
	"github.com/ste-bah/rollup-engine/infrastructure/retry"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

// lifecycleSuffix and executionSuffix, appended to Config.ChannelPrefix,
// name the two logical channels every event routes to
// (§4.I: "{prefix}:lifecycle" / "{prefix}:execution").
const (
	lifecycleSuffix = ":lifecycle"
	executionSuffix = ":execution"
)

// Config bounds the adapter's channel prefix and retry policy.
type Config struct {
	ChannelPrefix string
	RetryPolicy   retry.Policy
}

func DefaultConfig() Config {
	return Config{ChannelPrefix: "rollup:events", RetryPolicy: retry.DefaultPolicy()}
}

// Bus adapts a ports.EventPublisher into the rollup-engine's typed emit
// calls, applying the envelope, channel routing, and retry-then-drop rules
// of §4.I. A nil publisher is an accepted no-op configuration.
type Bus struct {
	cfg       Config
	publisher ports.EventPublisher
	logger    *logging.Logger
	m         *metrics.Metrics

	mu          sync.Mutex
	rollupLocks map[string]*sync.Mutex // per-rollupId serialization for publish ordering
}

func New(cfg Config, publisher ports.EventPublisher, logger *logging.Logger, m *metrics.Metrics) *Bus {
	return &Bus{cfg: cfg, publisher: publisher, logger: logger, m: m, rollupLocks: make(map[string]*sync.Mutex)}
}

func (b *Bus) rollupLock(rollupID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.rollupLocks[rollupID]
	if !ok {
		l = &sync.Mutex{}
		b.rollupLocks[rollupID] = l
	}
	return l
}

func (b *Bus) channelFor(t event.Type) string {
	if t.IsLifecycle() {
		return b.cfg.ChannelPrefix + lifecycleSuffix
	}
	return b.cfg.ChannelPrefix + executionSuffix
}

// emit builds the envelope and publishes it, retrying on failure and then
// dropping per §4.I. Never returns an error to the caller: emit is
// fire-and-forget by design.
func (b *Bus) emit(ctx context.Context, t event.Type, rollupID, tenant, correlationID string, data interface{}) {
	if b.publisher == nil {
		return
	}
	if correlationID == "" {
		correlationID = logging.CorrelationID(ctx)
	}
	if correlationID == "" {
		correlationID = "corr_" + rollupID
	}

	evt := event.Event{
		EventID:       "evt_" + uuid.NewString(),
		Type:          t,
		RollupID:      rollupID,
		Tenant:        tenant,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: correlationID,
		Version:       event.EnvelopeVersion,
		Source:        event.Source,
		Data:          data,
	}
	channel := b.channelFor(t)

	// Serialize publishes per rollupId so ordering is preserved relative to
	// this Bus's own publish calls (§4.I); cross-rollup ordering is not
	// guaranteed and this lock does not attempt it.
	lock := b.rollupLock(rollupID)
	lock.Lock()
	defer lock.Unlock()

	policy := b.cfg.RetryPolicy
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := b.publisher.Publish(ctx, channel, evt); err != nil {
			lastErr = err
			if attempt < policy.MaxAttempts {
				time.Sleep(policy.Delay(attempt))
			}
			continue
		}
		if b.m != nil {
			b.m.EventsPublishedTotal.WithLabelValues(string(t)).Inc()
		}
		return
	}

	b.logger.WithError(lastErr).Warn("event publish exhausted retries, dropping")
	if b.m != nil {
		b.m.EventsDroppedTotal.WithLabelValues(string(t)).Inc()
	}
}

// Subscribe wraps the publisher's Subscribe, isolating handler panics and
// errors so they never propagate to the emitter (§4.I). With no types given,
// handler observes every event on both the lifecycle and execution channels;
// passing types restricts delivery to just those event types, still across
// whichever channel(s) they route to.
func (b *Bus) Subscribe(handler func(event.Event), types ...event.Type) func() {
	if b.publisher == nil {
		return func() {}
	}
	wanted := make(map[event.Type]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	safe := func(evt event.Event) {
		if len(wanted) > 0 && !wanted[evt.Type] {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.WithFields(map[string]interface{}{"panic": r}).Error("event subscriber panicked")
			}
		}()
		handler(evt)
	}

	channels := channelsFor(b.cfg.ChannelPrefix, types)
	unsubs := make([]func(), 0, len(channels))
	for _, channel := range channels {
		unsubs = append(unsubs, b.publisher.Subscribe(channel, safe))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// channelsFor resolves which channel(s) a Subscribe call needs to listen on:
// both, unless every requested type is known to route to just one of them.
func channelsFor(prefix string, types []event.Type) []string {
	lifecycle := prefix + lifecycleSuffix
	execChannel := prefix + executionSuffix
	if len(types) == 0 {
		return []string{lifecycle, execChannel}
	}

	needLifecycle, needExecution := false, false
	for _, t := range types {
		if t.IsLifecycle() {
			needLifecycle = true
		} else {
			needExecution = true
		}
	}
	var channels []string
	if needLifecycle {
		channels = append(channels, lifecycle)
	}
	if needExecution {
		channels = append(channels, execChannel)
	}
	return channels
}

// Lifecycle event emitters (rollup.*, §4.I).

func (b *Bus) EmitRollupCreated(ctx context.Context, tenant, rollupID string, data interface{}) {
	b.emit(ctx, event.TypeRollupCreated, rollupID, tenant, "", data)
}

func (b *Bus) EmitRollupUpdated(ctx context.Context, tenant, rollupID string, data interface{}) {
	b.emit(ctx, event.TypeRollupUpdated, rollupID, tenant, "", data)
}

func (b *Bus) EmitRollupDeleted(ctx context.Context, tenant, rollupID string, data interface{}) {
	b.emit(ctx, event.TypeRollupDeleted, rollupID, tenant, "", data)
}

// Execution event emitters (rollup.execution.*, §4.I). These satisfy
// orchestrator.EventEmitter.

func (b *Bus) EmitExecutionStarted(ctx context.Context, exec execution.RollupExecution) {
	b.emit(ctx, event.TypeExecutionStarted, exec.RollupID, exec.Tenant, "exec_"+exec.ID, exec)
}

func (b *Bus) EmitExecutionProgress(ctx context.Context, exec execution.RollupExecution) {
	b.emit(ctx, event.TypeExecutionProgress, exec.RollupID, exec.Tenant, "exec_"+exec.ID, exec)
}

func (b *Bus) EmitExecutionCompleted(ctx context.Context, exec execution.RollupExecution) {
	b.emit(ctx, event.TypeExecutionCompleted, exec.RollupID, exec.Tenant, "exec_"+exec.ID, exec)
}

func (b *Bus) EmitExecutionFailed(ctx context.Context, exec execution.RollupExecution) {
	b.emit(ctx, event.TypeExecutionFailed, exec.RollupID, exec.Tenant, "exec_"+exec.ID, exec)
}

func (b *Bus) EmitExecutionCancelled(ctx context.Context, exec execution.RollupExecution) {
	b.emit(ctx, event.TypeExecutionCancelled, exec.RollupID, exec.Tenant, "exec_"+exec.ID, exec)
}
