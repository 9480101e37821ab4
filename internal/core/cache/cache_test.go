package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ste-bah/rollup-engine/infrastructure/logging"
)

type fakeBlobCache struct {
	data map[string][]byte
	tags map[string][]string // key -> tags
}

func newFakeBlobCache() *fakeBlobCache {
	return &fakeBlobCache{data: map[string][]byte{}, tags: map[string][]string{}}
}

func (f *fakeBlobCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}
func (f *fakeBlobCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int, tags []string) error {
	f.data[key] = value
	f.tags[key] = tags
	return nil
}
func (f *fakeBlobCache) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	removed := 0
	for key, keyTags := range f.tags {
		for _, t := range tags {
			if contains(keyTags, t) {
				delete(f.data, key)
				delete(f.tags, key)
				removed++
				break
			}
		}
	}
	return removed, nil
}
func (f *fakeBlobCache) DeleteByPattern(ctx context.Context, pattern string) (int, error) { return 0, nil }
func (f *fakeBlobCache) DeleteByTenant(ctx context.Context, tenant string) (int, error)   { return 0, nil }

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func testLogger() *logging.Logger { return logging.New("cache-test", "error", "text") }

func TestSetThenGetHitsL1(t *testing.T) {
	c := New(DefaultConfig(), nil, testLogger(), nil)
	c.Set(context.Background(), KeyspaceExecutionResult, "tenantA", "k1", []byte("v1"), time.Minute, nil)

	v, ok := c.Get(context.Background(), KeyspaceExecutionResult, "tenantA", "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
	assert.Equal(t, int64(1), c.Stats().L1Hits)
}

func TestL2FallbackPopulatesL1(t *testing.T) {
	l2 := newFakeBlobCache()
	l2.data["merged-graph:k2"] = []byte("from-l2")
	c := New(DefaultConfig(), l2, testLogger(), nil)

	v, ok := c.Get(context.Background(), KeyspaceMergedGraph, "tenantA", "k2")
	require.True(t, ok)
	assert.Equal(t, []byte("from-l2"), v)
	assert.Equal(t, int64(1), c.Stats().L2Hits)

	// second read must hit L1 without touching L2 again
	delete(l2.data, "merged-graph:k2")
	v, ok = c.Get(context.Background(), KeyspaceMergedGraph, "tenantA", "k2")
	require.True(t, ok)
	assert.Equal(t, []byte("from-l2"), v)
}

func TestDegradesGracefullyWithoutL2(t *testing.T) {
	c := New(DefaultConfig(), nil, testLogger(), nil)
	_, ok := c.Get(context.Background(), KeyspaceBlastRadius, "tenantA", "missing")
	assert.False(t, ok)
}

func TestInvalidateByTagsRemovesFromBothLayers(t *testing.T) {
	l2 := newFakeBlobCache()
	c := New(DefaultConfig(), l2, testLogger(), nil)

	c.Set(context.Background(), KeyspaceExecutionResult, "tenantA", "k3", []byte("v"), time.Minute, []string{"tenant:tenantA", "rollup:r1"})
	l2.data["execution-result:k3"] = []byte("v")
	l2.tags["execution-result:k3"] = []string{"tenant:tenantA", "rollup:r1"}

	removed := c.InvalidateByTags(context.Background(), []string{"rollup:r1"})
	assert.GreaterOrEqual(t, removed, 1)

	_, ok := c.Get(context.Background(), KeyspaceExecutionResult, "tenantA", "k3")
	assert.False(t, ok)
}

func TestKeyIsDeterministic(t *testing.T) {
	k1, err := Key(KeyspaceExecutionResult, "tenantA", map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	k2, err := Key(KeyspaceExecutionResult, "tenantA", map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}
