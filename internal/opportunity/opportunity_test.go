package opportunity

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch-cl/pricewatch/internal/match"
)

type fakeMatchRepo struct {
	rows []match.Match
}

func (f *fakeMatchRepo) Upsert(context.Context, match.Match) error { return nil }
func (f *fakeMatchRepo) Get(context.Context, string, string) (*match.Match, error) {
	return nil, nil
}
func (f *fakeMatchRepo) DeactivateStale(context.Context, time.Time) (int, error) { return 0, nil }
func (f *fakeMatchRepo) ListActive(_ context.Context, minSimilarity float64) ([]match.Match, error) {
	var out []match.Match
	for _, r := range f.rows {
		if r.Active && r.SimilarityScore >= minSimilarity {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakePrices struct {
	byCode map[string]priceEntry
}

type priceEntry struct {
	price    decimal.Decimal
	retailer string
}

func (f fakePrices) LatestPrice(_ context.Context, code string) (*decimal.Decimal, string, error) {
	e, ok := f.byCode[code]
	if !ok {
		return nil, "", nil
	}
	p := e.price
	return &p, e.retailer, nil
}

type fakeOppRepo struct {
	upserted []Opportunity
}

func (f *fakeOppRepo) Upsert(_ context.Context, o Opportunity) error {
	f.upserted = append(f.upserted, o)
	return nil
}

func businessHoursClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local) }
}

func TestDetect_AcceptsSurvivingMatch(t *testing.T) {
	matchRepo := &fakeMatchRepo{rows: []match.Match{
		{CodeA: "FAL0000001", CodeB: "RIP0000002", SimilarityScore: 0.90, Active: true},
	}}
	store := match.New(matchRepo)

	prices := fakePrices{byCode: map[string]priceEntry{
		"FAL0000001": {price: decimal.NewFromInt(500000), retailer: "falabella"},
		"RIP0000002": {price: decimal.NewFromInt(580000), retailer: "ripley"},
	}}
	oppRepo := &fakeOppRepo{}

	cfg := DefaultConfig()
	cfg.MinMarginCLP = decimal.NewFromInt(5000)
	cfg.MinPercentage = 15
	cfg.MinSimilarity = 0.85

	d := New(store, prices, nil, oppRepo, cfg, WithClock(businessHoursClock()))
	stats, err := d.Detect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Detected)
	require.Len(t, oppRepo.upserted, 1)
	opp := oppRepo.upserted[0]
	assert.Equal(t, "falabella", opp.BuyRetailer)
	assert.Equal(t, "ripley", opp.SellRetailer)
	assert.True(t, opp.SellPrice.GreaterThan(opp.BuyPrice))
}

type fakeMetrics struct {
	tiers []string
}

func (f *fakeMetrics) RecordOpportunity(tier string, _ float64) {
	f.tiers = append(f.tiers, tier)
}

func TestDetect_RecordsMetricsForPersistedOpportunity(t *testing.T) {
	matchRepo := &fakeMatchRepo{rows: []match.Match{
		{CodeA: "FAL0000001", CodeB: "RIP0000002", SimilarityScore: 0.90, Active: true},
	}}
	store := match.New(matchRepo)

	prices := fakePrices{byCode: map[string]priceEntry{
		"FAL0000001": {price: decimal.NewFromInt(500000), retailer: "falabella"},
		"RIP0000002": {price: decimal.NewFromInt(580000), retailer: "ripley"},
	}}
	oppRepo := &fakeOppRepo{}
	metrics := &fakeMetrics{}

	cfg := DefaultConfig()
	cfg.MinMarginCLP = decimal.NewFromInt(5000)
	cfg.MinPercentage = 15
	cfg.MinSimilarity = 0.85

	d := New(store, prices, nil, oppRepo, cfg, WithClock(businessHoursClock()), WithMetrics(metrics))
	_, err := d.Detect(context.Background())
	require.NoError(t, err)

	require.Len(t, metrics.tiers, 1)
}

func TestDetect_RejectsBelowMinPercentage(t *testing.T) {
	matchRepo := &fakeMatchRepo{rows: []match.Match{
		{CodeA: "FAL0000001", CodeB: "RIP0000002", SimilarityScore: 0.90, Active: true},
	}}
	store := match.New(matchRepo)

	prices := fakePrices{byCode: map[string]priceEntry{
		"FAL0000001": {price: decimal.NewFromInt(500000), retailer: "falabella"},
		"RIP0000002": {price: decimal.NewFromInt(560000), retailer: "ripley"}, // 12% margin
	}}
	oppRepo := &fakeOppRepo{}
	cfg := DefaultConfig()
	cfg.MinPercentage = 15

	d := New(store, prices, nil, oppRepo, cfg, WithClock(businessHoursClock()))
	stats, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Detected)
	assert.Equal(t, 1, stats.Rejected)
}

func TestDetect_RejectsSameRetailer(t *testing.T) {
	matchRepo := &fakeMatchRepo{rows: []match.Match{
		{CodeA: "FAL0000001", CodeB: "FAL0000002", SimilarityScore: 0.95, Active: true},
	}}
	store := match.New(matchRepo)
	prices := fakePrices{byCode: map[string]priceEntry{
		"FAL0000001": {price: decimal.NewFromInt(500000), retailer: "falabella"},
		"FAL0000002": {price: decimal.NewFromInt(700000), retailer: "falabella"},
	}}
	oppRepo := &fakeOppRepo{}

	d := New(store, prices, nil, oppRepo, DefaultConfig(), WithClock(businessHoursClock()))
	stats, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Detected)
}

func TestDetect_SkipsWhenPriceMissing(t *testing.T) {
	matchRepo := &fakeMatchRepo{rows: []match.Match{
		{CodeA: "FAL0000001", CodeB: "RIP0000002", SimilarityScore: 0.90, Active: true},
	}}
	store := match.New(matchRepo)
	prices := fakePrices{byCode: map[string]priceEntry{
		"FAL0000001": {price: decimal.NewFromInt(500000), retailer: "falabella"},
	}}
	oppRepo := &fakeOppRepo{}

	d := New(store, prices, nil, oppRepo, DefaultConfig(), WithClock(businessHoursClock()))
	stats, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Detected)
}

func TestTimingScoreFor_Bands(t *testing.T) {
	assert.Equal(t, 1.0, timingScoreFor(time.Date(2026, 1, 1, 14, 0, 0, 0, time.Local)))
	assert.Equal(t, 0.8, timingScoreFor(time.Date(2026, 1, 1, 20, 0, 0, 0, time.Local)))
	assert.Equal(t, 0.3, timingScoreFor(time.Date(2026, 1, 1, 2, 0, 0, 0, time.Local)))
}

func TestBucketTier(t *testing.T) {
	assert.Equal(t, TierCritical, bucketTier(decimal.NewFromInt(150_000), 0.85, 0.85))
	assert.Equal(t, TierImportant, bucketTier(decimal.NewFromInt(60_000), 0.65, 0.6))
	assert.Equal(t, TierTracking, bucketTier(decimal.NewFromInt(10_000), 0.5, 0.5))
}

func TestPredictDurationHours_ClampedRange(t *testing.T) {
	assert.Equal(t, 48.0, predictDurationHours(0, 0))
	assert.Equal(t, 6.0, predictDurationHours(500_000, 1.0))
}

func TestNextExecutionWindow(t *testing.T) {
	within := time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)
	assert.Equal(t, within.Add(30*time.Minute), nextExecutionWindow(within))

	late := time.Date(2026, 1, 1, 22, 0, 0, 0, time.Local)
	next := nextExecutionWindow(late)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, late.AddDate(0, 0, 1).Day(), next.Day())
}
