package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ste-bah/rollup-engine/domain/event"
	"github.com/ste-bah/rollup-engine/domain/execution"
	"github.com/ste-bah/rollup-engine/domain/graph"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

func TestScanGraphStoreSeedAndLookup(t *testing.T) {
	store := NewScanGraphStore()
	store.Seed("tenantA", "repoA", graph.Graph{ScanID: "scan1", RepoID: "repoA"})

	scanID, ok, err := store.GetLatestScan(context.Background(), "tenantA", "repoA")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "scan1", scanID)

	g, err := store.GetGraph(context.Background(), "tenantA", scanID)
	require.NoError(t, err)
	assert.Equal(t, "repoA", g.RepoID)
}

func TestScanGraphStorePersistMergedGraphRoundTrips(t *testing.T) {
	store := NewScanGraphStore()
	merged := graph.MergedGraph{Nodes: map[string]graph.MergedNode{"m1": {ID: "m1"}}}
	require.NoError(t, store.PersistMergedGraph(context.Background(), "tenantA", "exec1", merged))

	got, ok := store.MergedGraph("tenantA", "exec1")
	require.True(t, ok)
	assert.Len(t, got.Nodes, 1)
}

func TestJobBrokerProcessesHighestPriorityFirst(t *testing.T) {
	broker := NewJobBroker()
	_, err := broker.Enqueue(context.Background(), "low", nil, ports.JobEnqueueOptions{Priority: 1})
	require.NoError(t, err)
	_, err = broker.Enqueue(context.Background(), "high", nil, ports.JobEnqueueOptions{Priority: 10})
	require.NoError(t, err)

	var order []string
	err = broker.Process(context.Background(), func(ctx context.Context, job execution.Job) error {
		order = append(order, job.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestJobBrokerInvokesFailedCallbackOnHandlerError(t *testing.T) {
	broker := NewJobBroker()
	_, err := broker.Enqueue(context.Background(), "job1", nil, ports.JobEnqueueOptions{})
	require.NoError(t, err)

	var failedJob execution.Job
	broker.OnFailed(func(job execution.Job, err error) { failedJob = job })

	err = broker.Process(context.Background(), func(ctx context.Context, job execution.Job) error {
		return assertErr{}
	})
	require.NoError(t, err)
	assert.Equal(t, "job1", failedJob.Name)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestEventPublisherDeliversToSubscribers(t *testing.T) {
	pub := NewEventPublisher()
	var received []event.Event
	unsub := pub.Subscribe("rollup:lifecycle", func(e event.Event) { received = append(received, e) })

	require.NoError(t, pub.Publish(context.Background(), "rollup:lifecycle", event.Event{EventID: "evt_1"}))
	require.Len(t, received, 1)

	unsub()
	require.NoError(t, pub.Publish(context.Background(), "rollup:lifecycle", event.Event{EventID: "evt_2"}))
	assert.Len(t, received, 1)
}
