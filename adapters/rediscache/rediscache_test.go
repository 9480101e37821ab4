package rediscache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return &Cache{client: client}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), "k1", []byte("v1"), 60, nil))

	val, ok, err := c.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), val)
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteByTagsRemovesAllTaggedKeys(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), "k1", []byte("v1"), 60, []string{"tenant:a", "repo:x"}))
	require.NoError(t, c.Set(context.Background(), "k2", []byte("v2"), 60, []string{"tenant:a"}))
	require.NoError(t, c.Set(context.Background(), "k3", []byte("v3"), 60, []string{"tenant:b"}))

	removed, err := c.DeleteByTags(context.Background(), []string{"tenant:a"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, _ := c.Get(context.Background(), "k1")
	assert.False(t, ok)
	_, ok, _ = c.Get(context.Background(), "k3")
	assert.True(t, ok)
}

func TestDeleteByTenantDelegatesToTenantTag(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), "k1", []byte("v1"), 60, []string{"tenant:a"}))

	removed, err := c.DeleteByTenant(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestDeleteByPatternRemovesMatchingKeys(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), "index:a:1", []byte("v"), 60, nil))
	require.NoError(t, c.Set(context.Background(), "index:a:2", []byte("v"), 60, nil))
	require.NoError(t, c.Set(context.Background(), "other:b:1", []byte("v"), 60, nil))

	removed, err := c.DeleteByPattern(context.Background(), "index:a:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
