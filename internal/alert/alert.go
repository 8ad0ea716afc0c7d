// Package alert implements the Alert Dispatcher: it consumes the
// price-change, arbitrage-opportunity, and system-health event
// streams, applies a per-kind threshold filter, formats a structured
// message, and hands it to an external transport collaborator.
// Dispatch is fire-and-forget, retried once on transport failure, and
// dropped (logged) on a second failure — the same shape as the
// teacher gateway's AsyncLogger's best-effort batch dispatch, applied
// here to single events instead of batches.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pricewatch-cl/pricewatch/internal/ledger"
	"github.com/pricewatch-cl/pricewatch/internal/opportunity"
)

// Kind identifies which of the three event streams a message came
// from.
type Kind string

const (
	KindPriceChange Kind = "price_change"
	KindOpportunity Kind = "opportunity"
	KindHealth      Kind = "health"
)

// Severity classifies a system-health event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// HealthEvent describes a system-health condition worth surfacing.
type HealthEvent struct {
	Component string
	Message   string
	Severity  Severity
}

// Message is the structured, formatted payload handed to the
// transport.
type Message struct {
	Kind     Kind
	Text     string
	Metadata map[string]string
}

// Transport is the external alert transport (e.g. Telegram), out of
// scope per spec §1; the dispatcher only depends on this interface.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Config tunes the per-kind threshold filters.
type Config struct {
	AlertHighValueThreshold decimal.Decimal
	AlertHighROIThreshold   float64
	EnableEmoji             bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		AlertHighValueThreshold: decimal.NewFromInt(50_000),
		AlertHighROIThreshold:   10,
	}
}

// MetricsSink records dispatch outcomes and price-change events.
type MetricsSink interface {
	RecordAlertDispatched(kind string)
	RecordAlertDropped()
	RecordPriceChange(retailer, field string)
}

// noopMetrics discards dispatch outcomes; used when no sink is configured.
type noopMetrics struct{}

func (noopMetrics) RecordAlertDispatched(string)     {}
func (noopMetrics) RecordAlertDropped()              {}
func (noopMetrics) RecordPriceChange(string, string) {}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a sink recording dispatch/drop counts.
func WithMetrics(m MetricsSink) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher filters, formats, and fans out alert events.
type Dispatcher struct {
	transport Transport
	cfg       Config
	log       zerolog.Logger
	metrics   MetricsSink

	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
}

// New builds a Dispatcher.
func New(transport Transport, cfg Config, log zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		cfg:       cfg,
		log:       log.With().Str("component", "alert_dispatcher").Logger(),
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EmitPriceChange implements ledger.AlertSink: it fires an alert for a
// ledger-detected significant price change. The ledger has already
// applied its own significance threshold, so every event reaching
// here is dispatched.
func (d *Dispatcher) EmitPriceChange(ctx context.Context, ev ledger.ChangeEvent) {
	d.metrics.RecordPriceChange(ev.Retailer, ev.Field)
	msg := Message{
		Kind: KindPriceChange,
		Text: formatPriceChange(ev, d.cfg.EnableEmoji),
		Metadata: map[string]string{
			"internal_code": ev.InternalCode,
			"retailer":      ev.Retailer,
			"field":         ev.Field,
		},
	}
	d.dispatchAsync(ctx, msg)
}

// DispatchOpportunity fires an alert for a detected arbitrage
// opportunity if it clears the high-value or high-ROI threshold.
func (d *Dispatcher) DispatchOpportunity(ctx context.Context, opp opportunity.Opportunity) {
	roi, _ := opp.ROI.Float64()
	if opp.MarginAbs.LessThan(d.cfg.AlertHighValueThreshold) && roi < d.cfg.AlertHighROIThreshold {
		return
	}
	msg := Message{
		Kind: KindOpportunity,
		Text: formatOpportunity(opp, d.cfg.EnableEmoji),
		Metadata: map[string]string{
			"cheap_code":     opp.CheapCode,
			"expensive_code": opp.ExpensiveCode,
			"tier":           string(opp.Tier),
		},
	}
	d.dispatchAsync(ctx, msg)
}

// DispatchHealth fires a best-effort alert for a system-health event.
func (d *Dispatcher) DispatchHealth(ctx context.Context, ev HealthEvent) {
	msg := Message{
		Kind: KindHealth,
		Text: fmt.Sprintf("[%s] %s: %s", ev.Severity, ev.Component, ev.Message),
		Metadata: map[string]string{
			"component": ev.Component,
			"severity":  string(ev.Severity),
		},
	}
	d.dispatchAsync(ctx, msg)
}

func (d *Dispatcher) dispatchAsync(ctx context.Context, msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(ctx, msg)
	}()
}

func (d *Dispatcher) send(ctx context.Context, msg Message) {
	if err := d.transport.Send(ctx, msg); err == nil {
		d.metrics.RecordAlertDispatched(string(msg.Kind))
		return
	}
	if err := d.transport.Send(ctx, msg); err != nil {
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.metrics.RecordAlertDropped()
		d.log.Error().Err(err).Str("kind", string(msg.Kind)).Msg("alert dropped after retry")
		return
	}
	d.metrics.RecordAlertDispatched(string(msg.Kind))
}

// Drain waits up to timeout for all in-flight dispatches to finish,
// for use during graceful shutdown.
func (d *Dispatcher) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.log.Warn().Msg("alert dispatcher drain timed out")
	}
}

// Dropped returns the count of events dropped after exhausting the
// single retry.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// MultiTransport fans a single dispatch out to several transports. The
// first error encountered is returned, but every transport is still
// attempted; the dispatcher's own retry-once-then-drop policy applies
// to the combined result, not per sub-transport.
type MultiTransport struct {
	transports []Transport
}

// NewMultiTransport builds a MultiTransport over the given transports,
// in order.
func NewMultiTransport(transports ...Transport) *MultiTransport {
	return &MultiTransport{transports: transports}
}

// Send implements Transport.
func (m *MultiTransport) Send(ctx context.Context, msg Message) error {
	var firstErr error
	for _, t := range m.transports {
		if err := t.Send(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogTransport is a Transport that writes alerts to the application
// log instead of an external channel. It is the default wired into
// the entrypoint until a real transport (Telegram, Slack, email) is
// configured; it never fails, so the dispatcher's retry-once path
// never triggers against it.
type LogTransport struct {
	log zerolog.Logger
}

// NewLogTransport builds a LogTransport.
func NewLogTransport(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log.With().Str("component", "alert_log_transport").Logger()}
}

// Send implements Transport.
func (t *LogTransport) Send(_ context.Context, msg Message) error {
	t.log.Info().Str("kind", string(msg.Kind)).Fields(toLogFields(msg.Metadata)).Msg(msg.Text)
	return nil
}

func toLogFields(meta map[string]string) map[string]interface{} {
	fields := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		fields[k] = v
	}
	return fields
}

func formatPriceChange(ev ledger.ChangeEvent, emoji bool) string {
	prefix := ""
	if emoji {
		if ev.PercentChange.IsNegative() {
			prefix = "\U0001F4C9 " // chart decreasing
		} else {
			prefix = "\U0001F4C8 " // chart increasing
		}
	}
	return fmt.Sprintf("%s%s @ %s: %s %s -> %s (%.2f%%)",
		prefix, ev.InternalCode, ev.Retailer, ev.Field, ev.Old.String(), ev.New.String(), mustFloat(ev.PercentChange))
}

func formatOpportunity(opp opportunity.Opportunity, emoji bool) string {
	prefix := ""
	if emoji {
		prefix = "\U0001F4B0 "
	}
	roi, _ := opp.ROI.Float64()
	return fmt.Sprintf("%s[%s] buy %s @ %s sell %s @ %s margin=%s roi=%.1f%%",
		prefix, opp.Tier, opp.BuyRetailer, opp.BuyPrice.String(), opp.SellRetailer, opp.SellPrice.String(), opp.MarginAbs.String(), roi)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// PagerDutyConfig configures the PagerDuty Events API v2 transport.
type PagerDutyConfig struct {
	// RoutingKey is the PagerDuty Events API v2 integration key.
	RoutingKey string
	// Enabled controls whether events are actually sent.
	Enabled bool
	// SourceName identifies this instance in the PagerDuty incident.
	SourceName string
	// HTTPTimeout bounds the Events API call.
	HTTPTimeout time.Duration
}

// DefaultPagerDutyConfig returns a disabled configuration; operators
// opt in by setting RoutingKey and Enabled.
func DefaultPagerDutyConfig() PagerDutyConfig {
	return PagerDutyConfig{
		Enabled:     false,
		SourceName:  "pricewatch",
		HTTPTimeout: 10 * time.Second,
	}
}

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyTransport sends alert.Message events to PagerDuty's Events
// API v2 as triggered incidents. Only KindHealth messages carrying
// SeverityCritical/SeverityWarning are escalated this way — price
// changes and opportunities are high-volume and belong in the log or
// a chat channel, not on a pager.
type PagerDutyTransport struct {
	cfg        PagerDutyConfig
	httpClient *http.Client
	log        zerolog.Logger
}

// NewPagerDutyTransport builds a PagerDutyTransport.
func NewPagerDutyTransport(cfg PagerDutyConfig, log zerolog.Logger) *PagerDutyTransport {
	return &PagerDutyTransport{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		log:        log.With().Str("component", "pagerduty_transport").Logger(),
	}
}

// Send implements Transport. Non-health messages are accepted but
// dropped silently — PagerDuty is reserved for system-health events.
func (t *PagerDutyTransport) Send(ctx context.Context, msg Message) error {
	if msg.Kind != KindHealth {
		return nil
	}
	if !t.cfg.Enabled || t.cfg.RoutingKey == "" {
		t.log.Debug().Str("text", msg.Text).Msg("pagerduty disabled — event suppressed")
		return nil
	}

	if msg.Metadata["severity"] == string(SeverityInfo) {
		return nil
	}

	severity := "warning"
	if s, ok := msg.Metadata["severity"]; ok && s == string(SeverityCritical) {
		severity = "critical"
	}

	dedupKey := "pricewatch-" + msg.Metadata["component"]
	payload := map[string]interface{}{
		"routing_key":  t.cfg.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]interface{}{
			"summary":   msg.Text,
			"severity":  severity,
			"source":    t.cfg.SourceName,
			"component": msg.Metadata["component"],
			"group":     "price-intelligence",
			"class":     "pipeline-health",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pagerduty: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pagerDutyEventsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pagerduty: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pagerduty: http %d", resp.StatusCode)
	}

	t.log.Info().Str("dedup_key", dedupKey).Str("severity", severity).Msg("pagerduty incident triggered")
	return nil
}
