// Package opportunity implements the Opportunity Detector: given an
// active match and the latest price on each side, it derives a
// directed buy-low/sell-high arbitrage candidate with margin, ROI,
// opportunity/confidence scoring, risk bucketing, and tier
// classification.
//
// The scoring shape generalizes the teacher gateway's
// intelligence.ArbitrageEngine (equivalence-group cost comparison
// against a minimum-savings threshold) to cross-retailer product
// pairs, and its structural flow follows
// portable_orchestrator_v5/arbitrage_system/core/opportunity_detector.py's
// analyze/enrich split.
package opportunity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pricewatch-cl/pricewatch/internal/match"
)

// RiskLevel buckets the combined volatility/confidence risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// Tier classifies an opportunity's priority, driving alert prominence
// and scheduler frequency.
type Tier string

const (
	TierCritical  Tier = "critical"
	TierImportant Tier = "important"
	TierTracking  Tier = "tracking"
)

// Opportunity mirrors one row of arbitrage_opportunities.
type Opportunity struct {
	ID                     string
	CheapCode              string
	ExpensiveCode          string
	MatchID                string
	BuyRetailer            string
	SellRetailer           string
	BuyPrice               decimal.Decimal
	SellPrice              decimal.Decimal
	MarginAbs              decimal.Decimal
	MarginPct              decimal.Decimal
	ROI                    decimal.Decimal
	OpportunityScore       float64
	ConfidenceScore        float64
	RiskLevel              RiskLevel
	Tier                   Tier
	PredictedDurationHours float64
	OptimalExecutionTime   time.Time
	DetectedAt             time.Time
	ExpiresAt              time.Time
	Alerted                bool
}

// PriceLookup resolves the most recent known price and retailer for a
// product's internal code.
type PriceLookup interface {
	// LatestPrice returns nil, "", nil when no price is known.
	LatestPrice(ctx context.Context, internalCode string) (*decimal.Decimal, string, error)
}

// VolatilityLookup resolves a [0,1] volatility-risk estimate for a
// product; implementations should return 0 for unknown products so
// absence of a volatility profile never blocks detection, per the
// "V5 intelligence" optional-input design note.
type VolatilityLookup interface {
	VolatilityRisk(ctx context.Context, internalCode string) (float64, error)
}

// Repository persists detected opportunities, upserting on
// (cheap_code, expensive_code, date(detected_at)) so re-detections
// within the same day update rather than duplicate.
type Repository interface {
	Upsert(ctx context.Context, o Opportunity) error
}

// AlertSink receives every opportunity this Detector persists, for the
// Alert Dispatcher's own threshold filter to decide whether it's worth
// surfacing. A nil sink (the default) means opportunities are
// persisted but never alerted.
type AlertSink interface {
	DispatchOpportunity(ctx context.Context, opp Opportunity)
}

type noopAlertSink struct{}

func (noopAlertSink) DispatchOpportunity(context.Context, Opportunity) {}

// MetricsSink records each persisted opportunity.
type MetricsSink interface {
	RecordOpportunity(tier string, marginCLP float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordOpportunity(string, float64) {}

// Config tunes detection thresholds from spec §6's configuration
// table.
type Config struct {
	MinMarginCLP      decimal.Decimal
	MinPercentage     float64 // percent, e.g. 15 for 15%
	MaxPriceRatio     float64
	MinSimilarity     float64
	EnabledRetailers  map[string]bool // empty/nil means "all enabled"
	OpportunityTTL    time.Duration
	EstimatedCostRate decimal.Decimal // fraction of buy price, default 0.08
}

// DefaultConfig returns spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		MinMarginCLP:      decimal.NewFromInt(5000),
		MinPercentage:     15,
		MaxPriceRatio:     5.0,
		MinSimilarity:     0.85,
		OpportunityTTL:    24 * time.Hour,
		EstimatedCostRate: decimal.NewFromFloat(0.08),
	}
}

// Detector derives arbitrage opportunities from the Match Store and
// current prices.
type Detector struct {
	matches    *match.Store
	prices     PriceLookup
	volatility VolatilityLookup
	repo       Repository
	alerts     AlertSink
	metrics    MetricsSink
	cfg        Config
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithAlertSink attaches the Alert Dispatcher so every persisted
// opportunity is offered to it.
func WithAlertSink(sink AlertSink) Option {
	return func(d *Detector) { d.alerts = sink }
}

// WithMetrics attaches a sink recording each persisted opportunity.
func WithMetrics(m MetricsSink) Option {
	return func(d *Detector) { d.metrics = m }
}

// New builds a Detector. volatility may be nil, in which case every
// product is treated as zero-volatility.
func New(matches *match.Store, prices PriceLookup, volatility VolatilityLookup, repo Repository, cfg Config, opts ...Option) *Detector {
	if volatility == nil {
		volatility = zeroVolatility{}
	}
	d := &Detector{
		matches:    matches,
		prices:     prices,
		volatility: volatility,
		repo:       repo,
		alerts:     noopAlertSink{},
		metrics:    noopMetrics{},
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type zeroVolatility struct{}

func (zeroVolatility) VolatilityRisk(context.Context, string) (float64, error) { return 0, nil }

// DetectionStats summarizes one detection pass.
type DetectionStats struct {
	MatchesEvaluated int
	Detected         int
	Rejected         int
}

// Detect evaluates every active match at or above the configured
// minimum similarity, persists surviving opportunities, and returns
// aggregate statistics.
func (d *Detector) Detect(ctx context.Context) (DetectionStats, error) {
	matches, err := d.matches.ListActive(ctx, d.cfg.MinSimilarity)
	if err != nil {
		return DetectionStats{}, fmt.Errorf("opportunity: list active matches: %w", err)
	}

	stats := DetectionStats{MatchesEvaluated: len(matches)}
	for _, m := range matches {
		opp, err := d.analyzeMatch(ctx, m)
		if err != nil {
			return stats, fmt.Errorf("opportunity: analyze %s/%s: %w", m.CodeA, m.CodeB, err)
		}
		if opp == nil {
			stats.Rejected++
			continue
		}
		if err := d.repo.Upsert(ctx, *opp); err != nil {
			return stats, fmt.Errorf("opportunity: upsert: %w", err)
		}
		d.alerts.DispatchOpportunity(ctx, *opp)
		marginCLP, _ := opp.MarginAbs.Float64()
		d.metrics.RecordOpportunity(string(opp.Tier), marginCLP)
		stats.Detected++
	}
	return stats, nil
}

// analyzeMatch returns nil, nil when the match does not survive the
// rejection rules.
func (d *Detector) analyzeMatch(ctx context.Context, m match.Match) (*Opportunity, error) {
	priceA, retailerA, err := d.prices.LatestPrice(ctx, m.CodeA)
	if err != nil {
		return nil, fmt.Errorf("price lookup %s: %w", m.CodeA, err)
	}
	priceB, retailerB, err := d.prices.LatestPrice(ctx, m.CodeB)
	if err != nil {
		return nil, fmt.Errorf("price lookup %s: %w", m.CodeB, err)
	}
	if priceA == nil || priceB == nil || priceA.Equal(*priceB) {
		return nil, nil
	}

	cheapCode, expCode := m.CodeA, m.CodeB
	buyPrice, sellPrice := *priceA, *priceB
	buyRetailer, sellRetailer := retailerA, retailerB
	if priceB.LessThan(*priceA) {
		cheapCode, expCode = m.CodeB, m.CodeA
		buyPrice, sellPrice = *priceB, *priceA
		buyRetailer, sellRetailer = retailerB, retailerA
	}

	if !d.retailerEnabled(buyRetailer) || !d.retailerEnabled(sellRetailer) || buyRetailer == sellRetailer {
		return nil, nil
	}

	marginAbs := sellPrice.Sub(buyPrice)
	if marginAbs.LessThan(d.cfg.MinMarginCLP) {
		return nil, nil
	}
	marginPct := marginAbs.Div(buyPrice).Mul(decimal.NewFromInt(100))
	marginPctFloat, _ := marginPct.Float64()
	if marginPctFloat < d.cfg.MinPercentage {
		return nil, nil
	}
	ratio, _ := sellPrice.Div(buyPrice).Float64()
	if ratio > d.cfg.MaxPriceRatio {
		return nil, nil
	}

	estimatedCosts := buyPrice.Mul(d.cfg.EstimatedCostRate)
	roi := marginAbs.Sub(estimatedCosts).Div(buyPrice).Mul(decimal.NewFromInt(100))

	volA, _ := d.volatility.VolatilityRisk(ctx, m.CodeA)
	volB, _ := d.volatility.VolatilityRisk(ctx, m.CodeB)
	volatilityRisk := (volA + volB) / 2

	now := d.now()
	timingScore := timingScoreFor(now)
	marginAbsFloat, _ := marginAbs.Float64()

	opportunityScore := computeOpportunityScore(marginAbsFloat, marginPctFloat, m.SimilarityScore, volatilityRisk, timingScore)
	confidenceScore := 0.5*m.SimilarityScore + 0.3*(1-volatilityRisk) + 0.2*timingScore

	return &Opportunity{
		ID:                     uuid.NewString(),
		CheapCode:              cheapCode,
		ExpensiveCode:          expCode,
		MatchID:                strconv.FormatInt(m.ID, 10),
		BuyRetailer:            buyRetailer,
		SellRetailer:           sellRetailer,
		BuyPrice:               buyPrice,
		SellPrice:              sellPrice,
		MarginAbs:              marginAbs,
		MarginPct:              marginPct,
		ROI:                    roi,
		OpportunityScore:       opportunityScore,
		ConfidenceScore:        confidenceScore,
		RiskLevel:              bucketRisk(volatilityRisk, confidenceScore),
		Tier:                   bucketTier(marginAbs, confidenceScore, opportunityScore),
		PredictedDurationHours: predictDurationHours(marginAbsFloat, volatilityRisk),
		OptimalExecutionTime:   nextExecutionWindow(now),
		DetectedAt:             now,
		ExpiresAt:              now.Add(d.ttl()),
		Alerted:                false,
	}, nil
}

func (d *Detector) ttl() time.Duration {
	if d.cfg.OpportunityTTL <= 0 {
		return 24 * time.Hour
	}
	return d.cfg.OpportunityTTL
}

func (d *Detector) retailerEnabled(retailer string) bool {
	if len(d.cfg.EnabledRetailers) == 0 {
		return true
	}
	return d.cfg.EnabledRetailers[retailer]
}

// computeOpportunityScore weights normalized margin, normalized
// percentage, similarity, inverse volatility, and timing into a raw
// [0,1] combination, then scales into [0.5, 1.0] per spec §4.8.
func computeOpportunityScore(marginAbs, marginPct, similarity, volatilityRisk, timingScore float64) float64 {
	normMargin := clamp01(marginAbs / 100_000)
	normPct := clamp01(marginPct / 50)
	raw := 0.30*normMargin + 0.25*normPct + 0.20*similarity + 0.15*(1-volatilityRisk) + 0.10*timingScore
	raw = clamp01(raw)
	return 0.5 + raw*0.5
}

// timingScoreFor buckets local hour-of-day per spec §4.8.
func timingScoreFor(t time.Time) float64 {
	hour := t.Hour()
	switch {
	case hour >= 10 && hour < 18:
		return 1.0
	case hour >= 9 && hour < 21:
		return 0.8
	default:
		return 0.3
	}
}

func bucketRisk(volatilityRisk, confidenceScore float64) RiskLevel {
	combined := volatilityRisk*0.6 + (1-confidenceScore)*0.4
	switch {
	case combined < 0.25:
		return RiskLow
	case combined < 0.5:
		return RiskMedium
	case combined < 0.75:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

var tierCriticalMargin = decimal.NewFromInt(100_000)
var tierImportantMargin = decimal.NewFromInt(50_000)

func bucketTier(marginAbs decimal.Decimal, confidenceScore, opportunityScore float64) Tier {
	if marginAbs.GreaterThanOrEqual(tierCriticalMargin) && confidenceScore >= 0.8 && opportunityScore >= 0.8 {
		return TierCritical
	}
	if marginAbs.GreaterThanOrEqual(tierImportantMargin) && confidenceScore >= 0.6 {
		return TierImportant
	}
	return TierTracking
}

// predictDurationHours shortens the predicted opportunity lifetime
// for larger margins and higher volatility, clamped to [6, 48] hours.
func predictDurationHours(marginAbs, volatilityRisk float64) float64 {
	base := 48.0 - (marginAbs/100_000)*20 - volatilityRisk*20
	if base < 6 {
		return 6
	}
	if base > 48 {
		return 48
	}
	return base
}

// nextExecutionWindow returns now+30m if that falls within business
// hours (09-21 local), otherwise the next 09:00 local.
func nextExecutionWindow(now time.Time) time.Time {
	candidate := now.Add(30 * time.Minute)
	hour := candidate.Hour()
	if hour >= 9 && hour < 21 {
		return candidate
	}
	next := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), 9, 0, 0, 0, candidate.Location())
	if hour >= 21 {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
