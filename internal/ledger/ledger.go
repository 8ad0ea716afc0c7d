// Package ledger maintains the daily price record per (internal_code,
// date), applying price canonicalization, a write freeze window, and
// significant-change detection that feeds the alert pipeline.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrFrozen is returned when a write lands inside the freeze window;
// callers should treat it as a no-op, not a failure.
var ErrFrozen = errors.New("ledger: write suppressed during freeze window")

// ErrNoPrice is returned when neither list, offer, nor card price
// carries a value.
var ErrNoPrice = errors.New("ledger: at least one non-null price is required")

// defaultAlertThreshold is the default significant-change ratio (5%).
var defaultAlertThreshold = decimal.NewFromFloat(0.05)

// PriceRecord mirrors one row of the prices table.
type PriceRecord struct {
	InternalCode string
	Date         time.Time // truncated to local midnight
	Retailer     string
	PriceList    *decimal.Decimal
	PriceOffer   *decimal.Decimal
	PriceCard    *decimal.Decimal
	PriceMin     *decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Repository is the persistence collaborator for price records.
type Repository interface {
	// GetPrice returns nil, nil when no row exists for the key.
	GetPrice(ctx context.Context, internalCode string, date time.Time) (*PriceRecord, error)
	UpsertPrice(ctx context.Context, rec PriceRecord) error
}

// ChangeEvent describes a significant price movement for one field.
type ChangeEvent struct {
	InternalCode  string
	Retailer      string
	Field         string // "price_list", "price_offer", or "price_card"
	Old           decimal.Decimal
	New           decimal.Decimal
	PercentChange decimal.Decimal
	Date          time.Time
}

// AlertSink receives significant change events. Implementations are
// expected to be non-blocking; the ledger does not retry on its behalf.
type AlertSink interface {
	EmitPriceChange(ctx context.Context, ev ChangeEvent)
}

// noopAlertSink discards events; used when no sink is configured.
type noopAlertSink struct{}

func (noopAlertSink) EmitPriceChange(context.Context, ChangeEvent) {}

// HistoryWriter records every non-zero price-field change, regardless
// of whether it clears the alert threshold, feeding downstream
// volatility analysis. Unlike AlertSink this sees small movements too.
type HistoryWriter interface {
	RecordChange(ctx context.Context, internalCode string, ev ChangeEvent) error
}

// noopHistory discards change records; used when no writer is configured.
type noopHistory struct{}

func (noopHistory) RecordChange(context.Context, string, ChangeEvent) error { return nil }

// Option configures a Ledger.
type Option func(*Ledger)

// WithAlertThreshold overrides the default 5% significant-change ratio.
func WithAlertThreshold(ratio decimal.Decimal) Option {
	return func(l *Ledger) { l.alertThreshold = ratio }
}

// WithHistory attaches a HistoryWriter that records every price-field
// change, not just the ones significant enough to alert on.
func WithHistory(h HistoryWriter) Option {
	return func(l *Ledger) { l.history = h }
}

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the daily price time-series writer.
type Ledger struct {
	repo           Repository
	alerts         AlertSink
	history        HistoryWriter
	alertThreshold decimal.Decimal
	now            func() time.Time
}

// New builds a Ledger backed by repo, emitting significant changes to
// alerts (pass nil for a discarding sink). Attach a HistoryWriter with
// WithHistory to also record every change below the alert threshold.
func New(repo Repository, alerts AlertSink, opts ...Option) *Ledger {
	if alerts == nil {
		alerts = noopAlertSink{}
	}
	l := &Ledger{
		repo:           repo,
		alerts:         alerts,
		history:        noopHistory{},
		alertThreshold: defaultAlertThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Write canonicalizes originalPrice/currentPrice into list/offer, folds
// in an independent card price, and upserts today's row, emitting a
// ChangeEvent for any field whose relative movement meets the alert
// threshold. It is a no-op returning ErrFrozen during the freeze
// window, and ErrNoPrice if no price survives canonicalization.
func (l *Ledger) Write(ctx context.Context, internalCode, retailer string, originalPrice, currentPrice, cardPrice *decimal.Decimal) error {
	now := l.now()
	if inFreezeWindow(now) {
		return ErrFrozen
	}

	listPrice, offerPrice := canonicalize(zeroToNil(originalPrice), zeroToNil(currentPrice))
	cardPrice = zeroToNil(cardPrice)
	priceMin := minDefined(listPrice, offerPrice, cardPrice)
	if priceMin == nil {
		return ErrNoPrice
	}

	date := truncateToDay(now)
	existing, err := l.repo.GetPrice(ctx, internalCode, date)
	if err != nil {
		return fmt.Errorf("ledger: fetch existing row: %w", err)
	}

	rec := PriceRecord{
		InternalCode: internalCode,
		Date:         date,
		Retailer:     retailer,
		PriceList:    listPrice,
		PriceOffer:   offerPrice,
		PriceCard:    cardPrice,
		PriceMin:     priceMin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		l.emitChanges(ctx, internalCode, retailer, date, existing, &rec)
	}

	if err := l.repo.UpsertPrice(ctx, rec); err != nil {
		return fmt.Errorf("ledger: upsert: %w", err)
	}
	return nil
}

func (l *Ledger) emitChanges(ctx context.Context, internalCode, retailer string, date time.Time, old, next *PriceRecord) {
	fields := []struct {
		name     string
		oldVal   *decimal.Decimal
		newVal   *decimal.Decimal
	}{
		{"price_list", old.PriceList, next.PriceList},
		{"price_offer", old.PriceOffer, next.PriceOffer},
		{"price_card", old.PriceCard, next.PriceCard},
	}
	for _, f := range fields {
		if f.oldVal == nil || f.newVal == nil {
			continue
		}
		if f.oldVal.IsZero() {
			continue
		}
		delta := f.newVal.Sub(*f.oldVal)
		if delta.IsZero() {
			continue
		}
		pct := delta.Div(*f.oldVal).Mul(decimal.NewFromInt(100))
		ev := ChangeEvent{
			InternalCode:  internalCode,
			Retailer:      retailer,
			Field:         f.name,
			Old:           *f.oldVal,
			New:           *f.newVal,
			PercentChange: pct,
			Date:          date,
		}

		// Best-effort: a history-write failure must never block the
		// canonical upsert or the alert path.
		_ = l.history.RecordChange(ctx, internalCode, ev)

		if pct.Abs().Div(decimal.NewFromInt(100)).GreaterThanOrEqual(l.alertThreshold) {
			l.alerts.EmitPriceChange(ctx, ev)
		}
	}
}

// canonicalize maps (original, current) onto (list, offer) such that
// list is always the higher of the two when both are present.
func canonicalize(original, current *decimal.Decimal) (list, offer *decimal.Decimal) {
	switch {
	case original != nil && current != nil:
		if current.LessThanOrEqual(*original) {
			return original, current
		}
		return current, original
	case original != nil:
		return original, nil
	case current != nil:
		return current, nil
	default:
		return nil, nil
	}
}

func zeroToNil(d *decimal.Decimal) *decimal.Decimal {
	if d == nil || d.IsZero() {
		return nil
	}
	return d
}

func minDefined(vals ...*decimal.Decimal) *decimal.Decimal {
	var min *decimal.Decimal
	for _, v := range vals {
		if v == nil {
			continue
		}
		if min == nil || v.LessThan(*min) {
			min = v
		}
	}
	return min
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// inFreezeWindow reports whether t falls within the 23:59 local-time
// freeze minute.
func inFreezeWindow(t time.Time) bool {
	return t.Hour() == 23 && t.Minute() == 59
}

// TruncateToDay exposes the day-boundary normalization for callers
// outside this package.
func TruncateToDay(t time.Time) time.Time { return truncateToDay(t) }
