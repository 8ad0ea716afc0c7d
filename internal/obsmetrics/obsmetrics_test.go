package obsmetrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBatch_UpdatesCountersAndHistogram(t *testing.T) {
	m := New()
	m.RecordBatch("falabella", 8, 2, 1, 0.35)

	assert.Equal(t, float64(10), testutil.ToFloat64(m.ProductsProcessed.WithLabelValues("falabella")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProductsRejected.WithLabelValues("falabella", "validation")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BatchesFlushed))
}

func TestRecordPriceChange_IncrementsPerRetailerAndField(t *testing.T) {
	m := New()
	m.RecordPriceChange("ripley", "price_offer")
	m.RecordPriceChange("ripley", "price_offer")
	m.RecordPriceChange("paris", "price_list")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.PriceChangesDetected.WithLabelValues("ripley", "price_offer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PriceChangesDetected.WithLabelValues("paris", "price_list")))
}

func TestRecordOpportunity_IncrementsByTier(t *testing.T) {
	m := New()
	m.RecordOpportunity("critical", 25000)
	m.RecordOpportunity("critical", 40000)
	m.RecordOpportunity("tracking", 5000)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.OpportunitiesDetected.WithLabelValues("critical")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpportunitiesDetected.WithLabelValues("tracking")))
}

func TestRecordAlert_DispatchedAndDropped(t *testing.T) {
	m := New()
	m.RecordAlertDispatched("opportunity")
	m.RecordAlertDispatched("opportunity")
	m.RecordAlertDropped()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.AlertsDispatched.WithLabelValues("opportunity")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsDropped))
}

func TestRecordSchedulerRun_TracksOutcomeLabel(t *testing.T) {
	m := New()
	m.RecordSchedulerRun("arbitrage_critical", "success", 2.5)
	m.RecordSchedulerRun("arbitrage_critical", "failure", 1.0)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SchedulerTaskRuns.WithLabelValues("arbitrage_critical", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SchedulerTaskRuns.WithLabelValues("arbitrage_critical", "failure")))
}

func TestSetTrafficMode_OnlyActiveModeReadsOne(t *testing.T) {
	m := New()
	modes := []string{"direct", "proxy", "headless"}
	m.SetTrafficMode("lider", "proxy", modes)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.TrafficMode.WithLabelValues("lider", "direct")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TrafficMode.WithLabelValues("lider", "proxy")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.TrafficMode.WithLabelValues("lider", "headless")))

	m.SetTrafficMode("lider", "headless", modes)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.TrafficMode.WithLabelValues("lider", "proxy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TrafficMode.WithLabelValues("lider", "headless")))
}

func TestHandler_ServesExpositionFormat(t *testing.T) {
	m := New()
	m.RecordAlertDispatched("health")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "pricewatch_alerts_dispatched_total")
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}
