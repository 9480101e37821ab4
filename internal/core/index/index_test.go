package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ste-bah/rollup-engine/domain/graph"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/internal/core/extract"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

type fakeScans struct {
	latest map[string]string
	graphs map[string]graph.Graph
	err    map[string]error
}

func newFakeScans() *fakeScans {
	return &fakeScans{latest: map[string]string{}, graphs: map[string]graph.Graph{}, err: map[string]error{}}
}

func (s *fakeScans) GetLatestScan(ctx context.Context, tenant, repoID string) (string, bool, error) {
	if err, ok := s.err[repoID]; ok {
		return "", false, err
	}
	scanID, ok := s.latest[repoID]
	return scanID, ok, nil
}

func (s *fakeScans) GetGraph(ctx context.Context, tenant, scanID string) (graph.Graph, error) {
	g, ok := s.graphs[scanID]
	if !ok {
		return graph.Graph{}, fmt.Errorf("no graph for scan %s", scanID)
	}
	return g, nil
}

var _ ports.ScanGraphStore = (*fakeScans)(nil)

type fakeObjectStore struct {
	entries []graph.ExternalObjectEntry
}

func (s *fakeObjectStore) SaveEntries(ctx context.Context, entries []graph.ExternalObjectEntry) (int, error) {
	s.entries = append(s.entries, entries...)
	return len(entries), nil
}

func (s *fakeObjectStore) FindByExternalID(ctx context.Context, tenant, externalID string, filter ports.ExternalObjectEntryFilter) ([]graph.ExternalObjectEntry, error) {
	var out []graph.ExternalObjectEntry
	for _, e := range s.entries {
		if e.Tenant != tenant || e.ExternalID != externalID {
			continue
		}
		if filter.RepoID != "" && e.RepositoryID != filter.RepoID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeObjectStore) FindByNodeID(ctx context.Context, tenant, nodeID, scanID string) ([]graph.ExternalObjectEntry, error) {
	var out []graph.ExternalObjectEntry
	for _, e := range s.entries {
		if e.Tenant == tenant && e.NodeID == nodeID && e.ScanID == scanID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeObjectStore) DeleteEntries(ctx context.Context, tenant string, filter ports.ExternalObjectEntryFilter) (int, error) {
	var kept []graph.ExternalObjectEntry
	removed := 0
	for _, e := range s.entries {
		if e.Tenant == tenant && (filter.RepoID == "" || e.RepositoryID == filter.RepoID) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *fakeObjectStore) CountEntries(ctx context.Context, tenant string) (int, error) {
	count := 0
	for _, e := range s.entries {
		if e.Tenant == tenant {
			count++
		}
	}
	return count, nil
}

func (s *fakeObjectStore) CountByType(ctx context.Context, tenant string) (map[graph.ReferenceType]int, error) {
	out := map[graph.ReferenceType]int{}
	for _, e := range s.entries {
		if e.Tenant == tenant {
			out[e.ReferenceType]++
		}
	}
	return out, nil
}

var _ ports.ExternalObjectStore = (*fakeObjectStore)(nil)

type fakeBlobCache struct {
	data map[string][]byte
	tags map[string][]string
}

func newFakeBlobCache() *fakeBlobCache {
	return &fakeBlobCache{data: map[string][]byte{}, tags: map[string][]string{}}
}

func (c *fakeBlobCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok := c.data[key]
	return v, ok
}

func (c *fakeBlobCache) Set(ctx context.Context, key string, value []byte, tags []string) {
	c.data[key] = value
	c.tags[key] = tags
}

func (c *fakeBlobCache) InvalidateByTags(ctx context.Context, tags []string) int {
	removed := 0
	for key, keyTags := range c.tags {
		for _, t := range tags {
			if contains(keyTags, t) {
				delete(c.data, key)
				delete(c.tags, key)
				removed++
				break
			}
		}
	}
	return removed
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func testLogger() *logging.Logger { return logging.New("index-test", "error", "text") }

func nodeWithArn(id, arn string) graph.Node {
	return graph.Node{ID: id, RepoID: "repoA", Type: "aws_resource", Name: id, Metadata: map[string]interface{}{"arn": arn}}
}

func TestBuildExtractsAndSavesEntries(t *testing.T) {
	scans := newFakeScans()
	scans.latest["repoA"] = "scan1"
	scans.graphs["scan1"] = graph.Graph{
		ScanID: "scan1",
		RepoID: "repoA",
		Nodes: map[string]graph.Node{
			"n1": nodeWithArn("n1", "arn:aws:s3:::bucket-one"),
			"n2": nodeWithArn("n2", "arn:aws:s3:::bucket-two"),
		},
	}
	store := &fakeObjectStore{}
	idx := New(scans, store, extract.DefaultRegistry(), nil, testLogger(), nil)

	result, err := idx.Build(context.Background(), "tenantA", []string{"repoA"}, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.NodeCount)
	assert.Equal(t, 2, result.Created)
	assert.Len(t, store.entries, 2)
}

func TestBuildSkipsFailingRepoAndContinues(t *testing.T) {
	scans := newFakeScans()
	scans.err["repoBad"] = fmt.Errorf("scan service unavailable")
	scans.latest["repoGood"] = "scan1"
	scans.graphs["scan1"] = graph.Graph{
		ScanID: "scan1",
		RepoID: "repoGood",
		Nodes:  map[string]graph.Node{"n1": nodeWithArn("n1", "arn:aws:s3:::bucket-one")},
	}
	store := &fakeObjectStore{}
	idx := New(scans, store, extract.DefaultRegistry(), nil, testLogger(), nil)

	result, err := idx.Build(context.Background(), "tenantA", []string{"repoBad", "repoGood"}, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
}

func TestBuildFailsWhenAllReposFail(t *testing.T) {
	scans := newFakeScans()
	scans.err["repoBad"] = fmt.Errorf("scan service unavailable")
	store := &fakeObjectStore{}
	idx := New(scans, store, extract.DefaultRegistry(), nil, testLogger(), nil)

	_, err := idx.Build(context.Background(), "tenantA", []string{"repoBad"}, BuildOptions{})
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeIndexBuild, svcerrors.GetServiceError(err).Code)
}

type panicExtractor struct{}

func (panicExtractor) Extract(node graph.Node) []graph.Reference {
	panic("boom")
}

func TestBuildIsolatesPerNodeExtractorPanicsUnderErrorThreshold(t *testing.T) {
	scans := newFakeScans()
	scans.latest["repoA"] = "scan1"
	nodes := map[string]graph.Node{
		"bad": {ID: "bad", RepoID: "repoA", Type: "k8s_resource"},
	}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("good%d", i)
		nodes[id] = nodeWithArn(id, fmt.Sprintf("arn:aws:s3:::bucket-%d", i))
	}
	scans.graphs["scan1"] = graph.Graph{ScanID: "scan1", RepoID: "repoA", Nodes: nodes}

	registry := extract.DefaultRegistry()
	registry.Register("k8s_resource", panicExtractor{})

	store := &fakeObjectStore{}
	idx := New(scans, store, registry, nil, testLogger(), nil)

	result, err := idx.Build(context.Background(), "tenantA", []string{"repoA"}, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 21, result.NodeCount)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 20, result.Created)
}

func TestBuildFailsWhenErrorRatioExceedsThreshold(t *testing.T) {
	scans := newFakeScans()
	scans.latest["repoA"] = "scan1"
	scans.graphs["scan1"] = graph.Graph{
		ScanID: "scan1",
		RepoID: "repoA",
		Nodes: map[string]graph.Node{
			"bad1": {ID: "bad1", RepoID: "repoA", Type: "aws_resource"},
			"bad2": {ID: "bad2", RepoID: "repoA", Type: "aws_resource"},
		},
	}
	registry := extract.NewRegistry()
	registry.Register("aws_resource", panicExtractor{})

	store := &fakeObjectStore{}
	idx := New(scans, store, registry, nil, testLogger(), nil)

	_, err := idx.Build(context.Background(), "tenantA", []string{"repoA"}, BuildOptions{})
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeIndexBuild, svcerrors.GetServiceError(err).Code)
}

func TestLookupByExternalIdRejectsBlank(t *testing.T) {
	idx := New(newFakeScans(), &fakeObjectStore{}, extract.DefaultRegistry(), nil, testLogger(), nil)

	_, err := idx.LookupByExternalId(context.Background(), "tenantA", "   ", LookupFilter{})
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeLookup, svcerrors.GetServiceError(err).Code)
}

func TestLookupByExternalIdPopulatesCacheOnMiss(t *testing.T) {
	store := &fakeObjectStore{entries: []graph.ExternalObjectEntry{
		{ID: "e1", Tenant: "tenantA", ExternalID: "arn:aws:s3:::bucket-one", RepositoryID: "repoA", ReferenceType: graph.ReferenceType("arn")},
	}}
	cache := newFakeBlobCache()
	idx := New(newFakeScans(), store, extract.DefaultRegistry(), cache, testLogger(), nil)

	result, err := idx.LookupByExternalId(context.Background(), "tenantA", "arn:aws:s3:::bucket-one", LookupFilter{})
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	require.Len(t, result.Entries, 1)

	cached, err := idx.LookupByExternalId(context.Background(), "tenantA", "arn:aws:s3:::bucket-one", LookupFilter{})
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	require.Len(t, cached.Entries, 1)
}

func TestLookupByExternalIdMissDoesNotCacheEmptyResult(t *testing.T) {
	store := &fakeObjectStore{}
	cache := newFakeBlobCache()
	idx := New(newFakeScans(), store, extract.DefaultRegistry(), cache, testLogger(), nil)

	_, err := idx.LookupByExternalId(context.Background(), "tenantA", "does-not-exist", LookupFilter{})
	require.NoError(t, err)
	assert.Empty(t, cache.data)
}

func TestReverseLookupReturnsEntriesForNode(t *testing.T) {
	store := &fakeObjectStore{entries: []graph.ExternalObjectEntry{
		{ID: "e1", Tenant: "tenantA", NodeID: "n1", ScanID: "scan1", ExternalID: "arn:aws:s3:::bucket-one"},
	}}
	idx := New(newFakeScans(), store, extract.DefaultRegistry(), nil, testLogger(), nil)

	result, err := idx.ReverseLookup(context.Background(), "tenantA", "n1", "scan1")
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
}

func TestReverseLookupPopulatesCacheUnderPinnedKey(t *testing.T) {
	store := &fakeObjectStore{entries: []graph.ExternalObjectEntry{
		{ID: "e1", Tenant: "tenantA", NodeID: "n1", ScanID: "scan1", RepositoryID: "repoA", ExternalID: "arn:aws:s3:::bucket-one"},
	}}
	cache := newFakeBlobCache()
	idx := New(newFakeScans(), store, extract.DefaultRegistry(), cache, testLogger(), nil)

	result, err := idx.ReverseLookup(context.Background(), "tenantA", "n1", "scan1")
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	_, ok := cache.data["rev:tenantA:scan1:n1"]
	assert.True(t, ok)

	cached, err := idx.ReverseLookup(context.Background(), "tenantA", "n1", "scan1")
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Len(t, cached.Entries, 1)
}

func TestReverseLookupUsesUnderscoreScanIDWhenNotProvided(t *testing.T) {
	store := &fakeObjectStore{entries: []graph.ExternalObjectEntry{
		{ID: "e1", Tenant: "tenantA", NodeID: "n1", ScanID: "", RepositoryID: "repoA", ExternalID: "arn:aws:s3:::bucket-one"},
	}}
	cache := newFakeBlobCache()
	idx := New(newFakeScans(), store, extract.DefaultRegistry(), cache, testLogger(), nil)

	_, err := idx.ReverseLookup(context.Background(), "tenantA", "n1", "")
	require.NoError(t, err)
	_, ok := cache.data["rev:tenantA:_:n1"]
	assert.True(t, ok)
}

func TestInvalidateRemovesEntriesAndCacheTags(t *testing.T) {
	store := &fakeObjectStore{entries: []graph.ExternalObjectEntry{
		{ID: "e1", Tenant: "tenantA", RepositoryID: "repoA", ExternalID: "x"},
		{ID: "e2", Tenant: "tenantA", RepositoryID: "repoB", ExternalID: "y"},
	}}
	cache := newFakeBlobCache()
	cache.Set(context.Background(), "somekey", []byte("v"), []string{"tenantA:repoA"})
	idx := New(newFakeScans(), store, extract.DefaultRegistry(), cache, testLogger(), nil)

	count, err := idx.Invalidate(context.Background(), "tenantA", ports.ExternalObjectEntryFilter{RepoID: "repoA"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, store.entries, 1)
	assert.Empty(t, cache.data)
}

func TestStatsReportsTotalsAndBreakdown(t *testing.T) {
	store := &fakeObjectStore{entries: []graph.ExternalObjectEntry{
		{ID: "e1", Tenant: "tenantA", ReferenceType: graph.ReferenceType("arn")},
		{ID: "e2", Tenant: "tenantA", ReferenceType: graph.ReferenceType("arn")},
		{ID: "e3", Tenant: "tenantB", ReferenceType: graph.ReferenceType("k8s_reference")},
	}}
	idx := New(newFakeScans(), store, extract.DefaultRegistry(), nil, testLogger(), nil)

	stats, err := idx.Stats(context.Background(), "tenantA")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 2, stats.EntriesByType[graph.ReferenceType("arn")])
}
