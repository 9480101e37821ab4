// Package index implements the External Object Index (§4.B): builds and
// serves ExternalObjectEntry records extracted from each repository's scan
// graph.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ste-bah/rollup-engine/domain/graph"
	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/infrastructure/metrics"
	"github.com/ste-bah/rollup-engine/internal/core/cache"
	"github.com/ste-bah/rollup-engine/internal/core/extract"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

// BuildOptions bounds a single Build invocation (§4.B).
type BuildOptions struct {
	MaxNodes  int
	BatchSize int
}

func (o BuildOptions) normalized() BuildOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	return o
}

// BuildResult summarizes one Build call's outcome.
type BuildResult struct {
	Created            int
	Errors             int
	SampleErrorNodeIDs []string
	ProcessingTimeMs   int64
	NodeCount          int
}

// LookupFilter narrows LookupByExternalId/ReverseLookup (§4.B).
type LookupFilter struct {
	RepoID        string
	ReferenceType graph.ReferenceType
	Limit         int
	Offset        int
}

// LookupResult is the envelope LookupByExternalId and ReverseLookup share.
type LookupResult struct {
	Entries      []graph.ExternalObjectEntry
	FromCache    bool
	LookupTimeMs int64
}

// Stats mirrors the §4.B stats contract.
type Stats struct {
	TotalEntries    int
	EntriesByType   map[graph.ReferenceType]int
	CacheHitRatio   float64
	AvgLookupTimeMs float64
	LastBuildAt     int64
	LastBuildTimeMs int64
}

// BlobCache is the narrow subset of the cache layer the index needs: byte
// get/set and tag invalidation (§4.H keyspace "index").
type BlobCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, tags []string)
	InvalidateByTags(ctx context.Context, tags []string) int
}

// cacheAdapter binds the shared two-tier cache to the index's fixed
// KeyspaceIndex and default TTL so the index code only deals in raw keys.
type cacheAdapter struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewCacheAdapter wraps a shared *cache.Cache for use as the index's
// BlobCache, scoped to KeyspaceIndex.
func NewCacheAdapter(c *cache.Cache, ttl time.Duration) BlobCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &cacheAdapter{cache: c, ttl: ttl}
}

func (a *cacheAdapter) Get(ctx context.Context, key string) ([]byte, bool) {
	return a.cache.Get(ctx, cache.KeyspaceIndex, "", key)
}

func (a *cacheAdapter) Set(ctx context.Context, key string, value []byte, tags []string) {
	a.cache.Set(ctx, cache.KeyspaceIndex, "", key, value, a.ttl, tags)
}

func (a *cacheAdapter) InvalidateByTags(ctx context.Context, tags []string) int {
	return a.cache.InvalidateByTags(ctx, tags)
}

const errorRatioThreshold = 0.10

// Index is the External Object Index.
type Index struct {
	scans    ports.ScanGraphStore
	store    ports.ExternalObjectStore
	registry *extract.Registry
	cache    BlobCache
	logger   *logging.Logger
	m        *metrics.Metrics

	sf singleflight.Group

	mu            sync.Mutex
	lookupLatency time.Duration
	lookupCount   int64
	lastBuildAt   int64
	lastBuildMs   int64
}

func New(scans ports.ScanGraphStore, store ports.ExternalObjectStore, registry *extract.Registry, cache BlobCache, logger *logging.Logger, m *metrics.Metrics) *Index {
	if registry == nil {
		registry = extract.DefaultRegistry()
	}
	return &Index{scans: scans, store: store, registry: registry, cache: cache, logger: logger, m: m}
}

// Build resolves the latest scan for each repoId, extracts references from
// every node, and upserts ExternalObjectEntry records (§4.B). Concurrent
// Builds for the same (tenant, repoId) pair collapse into one call per §5.
func (idx *Index) Build(ctx context.Context, tenant string, repoIDs []string, opts BuildOptions) (BuildResult, error) {
	opts = opts.normalized()

	var total BuildResult
	var lastErr error
	allFailed := true

	for _, repoID := range repoIDs {
		sfKey := tenant + "/" + repoID
		v, err, _ := idx.sf.Do(sfKey, func() (interface{}, error) {
			return idx.buildOne(ctx, tenant, repoID, opts)
		})
		if err != nil {
			lastErr = err
			idx.logger.WithError(err).Warn("index build failed for repository, continuing with next")
			continue
		}
		allFailed = false
		result := v.(BuildResult)
		total.Created += result.Created
		total.Errors += result.Errors
		total.NodeCount += result.NodeCount
		total.SampleErrorNodeIDs = appendSample(total.SampleErrorNodeIDs, result.SampleErrorNodeIDs)
		total.ProcessingTimeMs += result.ProcessingTimeMs
	}

	if len(repoIDs) > 0 && allFailed {
		return total, svcerrors.NewIndexBuild(total.Created, total.Errors, total.SampleErrorNodeIDs).WithDetails("cause", lastErr)
	}

	if total.NodeCount > 0 {
		ratio := float64(total.Errors) / float64(total.NodeCount)
		if ratio > errorRatioThreshold {
			return total, svcerrors.NewIndexBuild(total.Created, total.Errors, total.SampleErrorNodeIDs).
				WithDetails("errorRatio", ratio)
		}
	}

	idx.mu.Lock()
	idx.lastBuildAt = time.Now().UnixMilli()
	idx.lastBuildMs = total.ProcessingTimeMs
	idx.mu.Unlock()

	return total, nil
}

func appendSample(dst, src []string) []string {
	for _, s := range src {
		if len(dst) >= 10 {
			break
		}
		dst = append(dst, s)
	}
	return dst
}

func (idx *Index) buildOne(ctx context.Context, tenant, repoID string, opts BuildOptions) (BuildResult, error) {
	start := time.Now()
	result := BuildResult{}

	scanID, ok, err := idx.scans.GetLatestScan(ctx, tenant, repoID)
	if err != nil || !ok {
		if err != nil {
			return result, err
		}
		return result, fmt.Errorf("no scan found for repository %s", repoID)
	}

	g, err := idx.scans.GetGraph(ctx, tenant, scanID)
	if err != nil {
		return result, err
	}

	var entries []graph.ExternalObjectEntry
	now := time.Now().UnixMilli()
	processed := 0
	for _, node := range g.Nodes {
		if opts.MaxNodes > 0 && processed >= opts.MaxNodes {
			break
		}
		processed++
		result.NodeCount++

		refs, extractErr := idx.safeExtract(node)
		if extractErr != nil {
			result.Errors++
			if len(result.SampleErrorNodeIDs) < 10 {
				result.SampleErrorNodeIDs = append(result.SampleErrorNodeIDs, node.ID)
			}
			continue
		}
		for _, ref := range refs {
			// Display-name references feed the name matcher only; they
			// are not external identifiers and are not indexed.
			if ref.ReferenceType == graph.ReferenceType("name") {
				continue
			}
			entries = append(entries, graph.ExternalObjectEntry{
				ID:            "eoe_" + uuid.NewString(),
				ExternalID:    ref.ExternalID,
				ReferenceType: ref.ReferenceType,
				NormalizedID:  ref.NormalizedID,
				Tenant:        tenant,
				RepositoryID:  repoID,
				ScanID:        scanID,
				NodeID:        node.ID,
				NodeName:      node.Name,
				NodeType:      node.Type,
				FilePath:      node.FilePath,
				Components:    ref.Components,
				Metadata:      ref.Metadata,
				IndexedAt:     now,
			})
		}

		if len(entries) >= opts.BatchSize {
			created, saveErr := idx.store.SaveEntries(ctx, entries)
			if saveErr != nil {
				return result, saveErr
			}
			result.Created += created
			entries = entries[:0]
		}
	}
	if len(entries) > 0 {
		created, saveErr := idx.store.SaveEntries(ctx, entries)
		if saveErr != nil {
			return result, saveErr
		}
		result.Created += created
	}

	if idx.cache != nil {
		idx.cache.InvalidateByTags(ctx, []string{fmt.Sprintf("%s:%s", tenant, repoID)})
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	if idx.m != nil {
		idx.m.IndexBuildDuration.WithLabelValues(tenant).Observe(time.Since(start).Seconds())
		idx.m.IndexBuildNodes.WithLabelValues(tenant).Add(float64(result.NodeCount))
		if result.Errors > 0 {
			idx.m.IndexBuildErrors.WithLabelValues(tenant).Add(float64(result.Errors))
		}
	}
	return result, nil
}

// safeExtract recovers from an extractor panic so one misbehaving
// extractor can never abort the whole build (§4.B step 2).
func (idx *Index) safeExtract(node graph.Node) (refs []graph.Reference, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panic on node %s: %v", node.ID, r)
		}
	}()
	return idx.registry.Extract(node), nil
}

// LookupByExternalId resolves entries by external id, honoring the cache
// key convention {tenant}:{repoId?}:{externalId} (§4.B).
func (idx *Index) LookupByExternalId(ctx context.Context, tenant, externalID string, filter LookupFilter) (LookupResult, error) {
	start := time.Now()
	defer func() { idx.recordLookupLatency(time.Since(start)) }()

	if strings.TrimSpace(externalID) == "" {
		return LookupResult{}, svcerrors.NewLookup("externalId must not be empty")
	}

	cacheKey := fmt.Sprintf("%s:%s:%s", tenant, filter.RepoID, externalID)
	if idx.cache != nil {
		if raw, found := idx.cache.Get(ctx, cacheKey); found {
			entries := decodeEntries(raw)
			if filter.ReferenceType != "" {
				entries = filterByType(entries, filter.ReferenceType)
			}
			return LookupResult{Entries: entries, FromCache: true, LookupTimeMs: time.Since(start).Milliseconds()}, nil
		}
	}

	entries, err := idx.store.FindByExternalID(ctx, tenant, externalID, ports.ExternalObjectEntryFilter{
		RepoID: filter.RepoID, ReferenceType: filter.ReferenceType, Limit: filter.Limit, Offset: filter.Offset,
	})
	if err != nil {
		return LookupResult{}, err
	}

	if idx.cache != nil && len(entries) > 0 {
		idx.cache.Set(ctx, cacheKey, encodeEntries(entries), tagsForEntries(tenant, entries))
	}

	return LookupResult{Entries: entries, FromCache: false, LookupTimeMs: time.Since(start).Milliseconds()}, nil
}

// ReverseLookup resolves the references held by a single scan-graph node,
// honoring the cache key convention rev:{tenant}:{scanId}:{nodeId} — scanId
// is replaced with "_" when not provided (§9).
func (idx *Index) ReverseLookup(ctx context.Context, tenant, nodeID, scanID string) (LookupResult, error) {
	start := time.Now()
	defer func() { idx.recordLookupLatency(time.Since(start)) }()

	cacheKey := reverseLookupKey(tenant, scanID, nodeID)
	if idx.cache != nil {
		if raw, found := idx.cache.Get(ctx, cacheKey); found {
			return LookupResult{Entries: decodeEntries(raw), FromCache: true, LookupTimeMs: time.Since(start).Milliseconds()}, nil
		}
	}

	entries, err := idx.store.FindByNodeID(ctx, tenant, nodeID, scanID)
	if err != nil {
		return LookupResult{}, err
	}

	if idx.cache != nil && len(entries) > 0 {
		idx.cache.Set(ctx, cacheKey, encodeEntries(entries), tagsForEntries(tenant, entries))
	}

	return LookupResult{Entries: entries, FromCache: false, LookupTimeMs: time.Since(start).Milliseconds()}, nil
}

func reverseLookupKey(tenant, scanID, nodeID string) string {
	if scanID == "" {
		scanID = "_"
	}
	return fmt.Sprintf("rev:%s:%s:%s", tenant, scanID, nodeID)
}

// Invalidate removes entries matching filter and returns the removed count.
func (idx *Index) Invalidate(ctx context.Context, tenant string, filter ports.ExternalObjectEntryFilter) (int, error) {
	count, err := idx.store.DeleteEntries(ctx, tenant, filter)
	if err != nil {
		return 0, err
	}
	if idx.cache != nil {
		tags := []string{tenant}
		if filter.RepoID != "" {
			tags = append(tags, tenant+":"+filter.RepoID)
		}
		idx.cache.InvalidateByTags(ctx, tags)
	}
	return count, nil
}

// Stats returns the current aggregate view (§4.B).
func (idx *Index) Stats(ctx context.Context, tenant string) (Stats, error) {
	total, err := idx.store.CountEntries(ctx, tenant)
	if err != nil {
		return Stats{}, err
	}
	byType, err := idx.store.CountByType(ctx, tenant)
	if err != nil {
		return Stats{}, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	return Stats{
		TotalEntries:    total,
		EntriesByType:   byType,
		AvgLookupTimeMs: avgMs(idx.lookupLatency, idx.lookupCount),
		LastBuildAt:     idx.lastBuildAt,
		LastBuildTimeMs: idx.lastBuildMs,
	}, nil
}

func (idx *Index) recordLookupLatency(d time.Duration) {
	idx.mu.Lock()
	idx.lookupLatency += d
	idx.lookupCount++
	idx.mu.Unlock()
	if idx.m != nil {
		idx.m.IndexLookupDuration.WithLabelValues("external_id").Observe(d.Seconds())
		idx.m.IndexLookupTotal.WithLabelValues("external_id").Inc()
	}
}

func avgMs(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}

func filterByType(entries []graph.ExternalObjectEntry, t graph.ReferenceType) []graph.ExternalObjectEntry {
	out := make([]graph.ExternalObjectEntry, 0, len(entries))
	for _, e := range entries {
		if e.ReferenceType == t {
			out = append(out, e)
		}
	}
	return out
}

func encodeEntries(entries []graph.ExternalObjectEntry) []byte {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil
	}
	return raw
}

func decodeEntries(raw []byte) []graph.ExternalObjectEntry {
	var entries []graph.ExternalObjectEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

func tagsForEntries(tenant string, entries []graph.ExternalObjectEntry) []string {
	seen := map[string]bool{"tenant:" + tenant: true}
	tags := []string{"tenant:" + tenant}
	for _, e := range entries {
		tag := tenant + ":" + e.RepositoryID
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}
