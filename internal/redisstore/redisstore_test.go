package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemChangeLog_AppendAndRecentMostRecentFirst(t *testing.T) {
	log := NewMemChangeLog()
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, "FAL0000001", PriceChangeEntry{Field: "price_offer", Old: "100", New: "90"}))
	require.NoError(t, log.Append(ctx, "FAL0000001", PriceChangeEntry{Field: "price_offer", Old: "90", New: "80"}))

	entries, err := log.Recent(ctx, "FAL0000001", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "80", entries[0].New, "most recent append should be first")
}

func TestMemChangeLog_TrimsToMaxLen(t *testing.T) {
	log := NewMemChangeLog().(*memChangeLog)
	ctx := context.Background()
	for i := 0; i < changeLogMaxLen+50; i++ {
		require.NoError(t, log.Append(ctx, "X", PriceChangeEntry{New: "v"}))
	}
	assert.LessOrEqual(t, len(log.logs["X"]), changeLogMaxLen)
}

func TestMemVolatilityStore_RoundTrip(t *testing.T) {
	store := NewMemVolatilityStore()
	ctx := context.Background()

	p, err := store.Get(ctx, "FAL0000001")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, store.Set(ctx, "FAL0000001", VolatilityProfile{RiskScore: 0.4, SampleCount: 12}))
	got, err := store.Get(ctx, "FAL0000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.4, got.RiskScore)
}

func TestVolatilityLookupAdapter_ReturnsZeroWhenAbsent(t *testing.T) {
	adapter := VolatilityLookupAdapter{Store: NewMemVolatilityStore()}
	risk, err := adapter.VolatilityRisk(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0.0, risk)
}

func TestVolatilityLookupAdapter_ReturnsStoredRisk(t *testing.T) {
	store := NewMemVolatilityStore()
	require.NoError(t, store.Set(context.Background(), "FAL0000001", VolatilityProfile{RiskScore: 0.75}))

	adapter := VolatilityLookupAdapter{Store: store}
	risk, err := adapter.VolatilityRisk(context.Background(), "FAL0000001")
	require.NoError(t, err)
	assert.Equal(t, 0.75, risk)
}

func TestMemMatchCache_SetGetRoundTrip(t *testing.T) {
	cache := NewMemMatchCache()
	ctx := context.Background()

	value, ok, err := cache.Get(ctx, "a|b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, value)

	require.NoError(t, cache.Set(ctx, "a|b", []byte("payload"), time.Minute))
	got, ok, err := cache.Get(ctx, "a|b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestMemMatchCache_ExpiresAfterTTL(t *testing.T) {
	cache := NewMemMatchCache()
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Millisecond))

	time.Sleep(5 * time.Millisecond)
	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGzipRoundTrip(t *testing.T) {
	original := []byte(`{"code_a":"FAL0000001","code_b":"RIP0000002"}`)
	compressed, err := gzipCompress(original)
	require.NoError(t, err)
	assert.NotEqual(t, original, compressed)

	decompressed, err := gzipDecompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}
