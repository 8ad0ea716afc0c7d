package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch-cl/pricewatch/internal/ledger"
	"github.com/pricewatch-cl/pricewatch/internal/opportunity"
)

type fakeTransport struct {
	mu        sync.Mutex
	failCount int
	sent      []Message
	calls     int
}

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failCount {
		return errors.New("transport unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) snapshot() (int, []Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]Message(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before deadline")
}

type fakeMetrics struct {
	mu        sync.Mutex
	dispatched []string
	dropped    int
	changes    []string // retailer:field
}

func (f *fakeMetrics) RecordAlertDispatched(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, kind)
}

func (f *fakeMetrics) RecordAlertDropped() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped++
}

func (f *fakeMetrics) RecordPriceChange(retailer, field string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, retailer+":"+field)
}

func TestEmitPriceChange_RecordsDispatchAndPriceChangeMetrics(t *testing.T) {
	tr := &fakeTransport{}
	metrics := &fakeMetrics{}
	d := New(tr, DefaultConfig(), zerolog.Nop(), WithMetrics(metrics))

	d.EmitPriceChange(context.Background(), ledger.ChangeEvent{
		InternalCode:  "FAL0000001",
		Retailer:      "falabella",
		Field:         "price_offer",
		Old:           decimal.NewFromInt(100000),
		New:           decimal.NewFromInt(90000),
		PercentChange: decimal.NewFromInt(-10),
	})

	waitFor(t, func() bool { calls, _ := tr.snapshot(); return calls == 1 })

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Contains(t, metrics.dispatched, string(KindPriceChange))
	assert.Contains(t, metrics.changes, "falabella:price_offer")
}

func TestSend_RecordsDroppedMetric(t *testing.T) {
	tr := &fakeTransport{failCount: 2}
	metrics := &fakeMetrics{}
	d := New(tr, DefaultConfig(), zerolog.Nop(), WithMetrics(metrics))

	d.DispatchHealth(context.Background(), HealthEvent{Component: "scheduler", Message: "down", Severity: SeverityCritical})

	waitFor(t, func() bool { return d.Dropped() == 1 })

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.dropped)
}

func TestDispatchPriceChange_SendsOnFirstAttempt(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, DefaultConfig(), zerolog.Nop())

	d.EmitPriceChange(context.Background(), ledger.ChangeEvent{
		InternalCode:  "FAL0000001",
		Retailer:      "falabella",
		Field:         "price_offer",
		Old:           decimal.NewFromInt(100000),
		New:           decimal.NewFromInt(90000),
		PercentChange: decimal.NewFromInt(-10),
	})

	waitFor(t, func() bool { calls, _ := tr.snapshot(); return calls == 1 })
	_, sent := tr.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, KindPriceChange, sent[0].Kind)
	assert.Equal(t, "falabella", sent[0].Metadata["retailer"])
	assert.Equal(t, int64(0), d.Dropped())
}

func TestDispatchOpportunity_FiltersBelowThreshold(t *testing.T) {
	tr := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.AlertHighValueThreshold = decimal.NewFromInt(50_000)
	cfg.AlertHighROIThreshold = 10
	d := New(tr, cfg, zerolog.Nop())

	d.DispatchOpportunity(context.Background(), opportunity.Opportunity{
		MarginAbs: decimal.NewFromInt(1000),
		ROI:       decimal.NewFromFloat(2),
	})

	time.Sleep(30 * time.Millisecond)
	calls, _ := tr.snapshot()
	assert.Equal(t, 0, calls, "below both thresholds should not dispatch")
}

func TestDispatchOpportunity_SendsWhenHighValue(t *testing.T) {
	tr := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.AlertHighValueThreshold = decimal.NewFromInt(50_000)
	cfg.AlertHighROIThreshold = 10
	d := New(tr, cfg, zerolog.Nop())

	d.DispatchOpportunity(context.Background(), opportunity.Opportunity{
		BuyRetailer:  "falabella",
		SellRetailer: "ripley",
		MarginAbs:    decimal.NewFromInt(80_000),
		ROI:          decimal.NewFromFloat(2),
	})

	waitFor(t, func() bool { calls, _ := tr.snapshot(); return calls == 1 })
	_, sent := tr.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, KindOpportunity, sent[0].Kind)
}

func TestDispatchOpportunity_SendsWhenHighROI(t *testing.T) {
	tr := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.AlertHighValueThreshold = decimal.NewFromInt(50_000)
	cfg.AlertHighROIThreshold = 10
	d := New(tr, cfg, zerolog.Nop())

	d.DispatchOpportunity(context.Background(), opportunity.Opportunity{
		MarginAbs: decimal.NewFromInt(1000),
		ROI:       decimal.NewFromFloat(25),
	})

	waitFor(t, func() bool { calls, _ := tr.snapshot(); return calls == 1 })
}

func TestSend_RetriesOnceThenSucceeds(t *testing.T) {
	tr := &fakeTransport{failCount: 1}
	d := New(tr, DefaultConfig(), zerolog.Nop())

	d.DispatchHealth(context.Background(), HealthEvent{Component: "scheduler", Message: "slow tick", Severity: SeverityWarning})

	waitFor(t, func() bool { calls, _ := tr.snapshot(); return calls == 2 })
	_, sent := tr.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(0), d.Dropped())
}

func TestSend_DropsAfterSecondFailure(t *testing.T) {
	tr := &fakeTransport{failCount: 2}
	d := New(tr, DefaultConfig(), zerolog.Nop())

	d.DispatchHealth(context.Background(), HealthEvent{Component: "scheduler", Message: "down", Severity: SeverityCritical})

	waitFor(t, func() bool { return d.Dropped() == 1 })
	calls, sent := tr.snapshot()
	assert.Equal(t, 2, calls)
	assert.Len(t, sent, 0)
}

func TestDrain_WaitsForInFlightDispatches(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, DefaultConfig(), zerolog.Nop())

	for i := 0; i < 5; i++ {
		d.DispatchHealth(context.Background(), HealthEvent{Component: "x", Message: "y", Severity: SeverityInfo})
	}
	d.Drain(time.Second)

	calls, _ := tr.snapshot()
	assert.Equal(t, 5, calls)
}
