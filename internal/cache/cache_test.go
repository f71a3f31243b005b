package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
)

func TestNoopSnapshotCacheAlwaysMisses(t *testing.T) {
	var c SnapshotCache = NoopSnapshotCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "sync-snapshot:v1:l50", &domain.Snapshot{}, time.Minute))
	got, ok, err := c.Get(ctx, "sync-snapshot:v1:l50")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

// Runs against a real server when POS_TEST_REDIS_ADDR is set.
func TestRedisSnapshotCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POS_TEST_REDIS_ADDR not set")
	}

	c := NewRedisSnapshotCache(addr, os.Getenv("POS_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	key := "test:" + time.Now().Format(time.RFC3339Nano)
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	snap := &domain.Snapshot{Products: []domain.Product{{ID: 1, Name: "Kopi", Price: decimal.NewFromInt(15)}}}
	require.NoError(t, c.Set(ctx, key, snap, 5*time.Second))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Products, 1)
	assert.Equal(t, "Kopi", got.Products[0].Name)
	assert.True(t, got.Products[0].Price.Equal(decimal.NewFromInt(15)))
}
