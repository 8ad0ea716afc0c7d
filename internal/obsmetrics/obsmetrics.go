// Package obsmetrics exposes the pipeline's Prometheus metrics: one
// registry shared by every component, mounted at /metrics by the admin
// HTTP surface.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the central metrics registry for the price-intelligence
// pipeline. Every component that reports metrics takes a *Metrics and
// calls its typed helpers rather than touching prometheus directly.
type Metrics struct {
	registry *prometheus.Registry

	ProductsProcessed  *prometheus.CounterVec
	ProductsRejected   *prometheus.CounterVec
	BatchesFlushed     prometheus.Counter
	BatchFlushDuration prometheus.Histogram

	PriceChangesDetected *prometheus.CounterVec

	MatchesEvaluated *prometheus.CounterVec
	MatchScore       prometheus.Histogram

	OpportunitiesDetected *prometheus.CounterVec
	OpportunityMarginCLP  prometheus.Histogram

	AlertsDispatched *prometheus.CounterVec
	AlertsDropped    prometheus.Counter

	SchedulerTaskRuns     *prometheus.CounterVec
	SchedulerTaskDuration *prometheus.HistogramVec

	RetailerRequests *prometheus.CounterVec
	TrafficMode      *prometheus.GaugeVec
}

// New builds a Metrics registry with every series pre-registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		ProductsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_products_processed_total",
			Help: "Products successfully normalized and upserted, by retailer.",
		}, []string{"retailer"}),

		ProductsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_products_rejected_total",
			Help: "Raw products dropped during processing, by retailer and reason.",
		}, []string{"retailer", "reason"}),

		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_batches_flushed_total",
			Help: "Ingest batches committed to storage.",
		}),

		BatchFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricewatch_batch_flush_duration_seconds",
			Help:    "Time to commit one ingest batch to storage.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		PriceChangesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_price_changes_detected_total",
			Help: "Price changes recorded by the ledger, by retailer and field.",
		}, []string{"retailer", "field"}),

		MatchesEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_matches_evaluated_total",
			Help: "Candidate product pairs scored by the similarity scorer, by outcome.",
		}, []string{"outcome"}),

		MatchScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricewatch_match_score",
			Help:    "Composite similarity score distribution for evaluated pairs.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		OpportunitiesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_opportunities_detected_total",
			Help: "Arbitrage opportunities detected, by tier.",
		}, []string{"tier"}),

		OpportunityMarginCLP: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricewatch_opportunity_margin_clp",
			Help:    "Absolute margin (CLP) of detected opportunities.",
			Buckets: []float64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000},
		}),

		AlertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_alerts_dispatched_total",
			Help: "Alerts handed off to the transport, by kind.",
		}, []string{"kind"}),

		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_alerts_dropped_total",
			Help: "Alerts dropped after the retry failed.",
		}),

		SchedulerTaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_scheduler_task_runs_total",
			Help: "Scheduled task executions, by task id and outcome.",
		}, []string{"task_id", "outcome"}),

		SchedulerTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricewatch_scheduler_task_duration_seconds",
			Help:    "Wall-clock duration of a scheduled task run, by task id.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"task_id"}),

		RetailerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_retailer_requests_total",
			Help: "Scrape requests issued per retailer channel, by outcome.",
		}, []string{"retailer", "outcome"}),

		TrafficMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricewatch_traffic_mode",
			Help: "Current traffic routing mode per retailer channel (1 = active, 0 = inactive).",
		}, []string{"retailer", "mode"}),
	}

	reg.MustRegister(
		m.ProductsProcessed,
		m.ProductsRejected,
		m.BatchesFlushed,
		m.BatchFlushDuration,
		m.PriceChangesDetected,
		m.MatchesEvaluated,
		m.MatchScore,
		m.OpportunitiesDetected,
		m.OpportunityMarginCLP,
		m.AlertsDispatched,
		m.AlertsDropped,
		m.SchedulerTaskRuns,
		m.SchedulerTaskDuration,
		m.RetailerRequests,
		m.TrafficMode,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBatch records a completed ingest batch flush.
func (m *Metrics) RecordBatch(retailer string, inserted, updated, rejected int, seconds float64) {
	m.ProductsProcessed.WithLabelValues(retailer).Add(float64(inserted + updated))
	if rejected > 0 {
		m.ProductsRejected.WithLabelValues(retailer, "validation").Add(float64(rejected))
	}
	m.BatchesFlushed.Inc()
	m.BatchFlushDuration.Observe(seconds)
}

// RecordPriceChange records one ledger change event for a given field.
func (m *Metrics) RecordPriceChange(retailer, field string) {
	m.PriceChangesDetected.WithLabelValues(retailer, field).Inc()
}

// RecordMatch records one similarity evaluation outcome and its score.
func (m *Metrics) RecordMatch(outcome string, score float64) {
	m.MatchesEvaluated.WithLabelValues(outcome).Inc()
	m.MatchScore.Observe(score)
}

// RecordOpportunity records one detected arbitrage opportunity.
func (m *Metrics) RecordOpportunity(tier string, marginCLP float64) {
	m.OpportunitiesDetected.WithLabelValues(tier).Inc()
	m.OpportunityMarginCLP.Observe(marginCLP)
}

// RecordAlertDispatched records a successfully dispatched alert.
func (m *Metrics) RecordAlertDispatched(kind string) {
	m.AlertsDispatched.WithLabelValues(kind).Inc()
}

// RecordAlertDropped records an alert dropped after exhausting retries.
func (m *Metrics) RecordAlertDropped() {
	m.AlertsDropped.Inc()
}

// RecordSchedulerRun records a scheduled task's outcome and duration.
func (m *Metrics) RecordSchedulerRun(taskID, outcome string, seconds float64) {
	m.SchedulerTaskRuns.WithLabelValues(taskID, outcome).Inc()
	m.SchedulerTaskDuration.WithLabelValues(taskID).Observe(seconds)
}

// RecordRetailerRequest records one scrape request against a retailer channel.
func (m *Metrics) RecordRetailerRequest(retailer, outcome string) {
	m.RetailerRequests.WithLabelValues(retailer, outcome).Inc()
}

// SetTrafficMode marks the active traffic mode for a retailer channel,
// clearing the other known modes so only one reads as active at a time.
func (m *Metrics) SetTrafficMode(retailer, activeMode string, allModes []string) {
	for _, mode := range allModes {
		v := 0.0
		if mode == activeMode {
			v = 1.0
		}
		m.TrafficMode.WithLabelValues(retailer, mode).Set(v)
	}
}
