// Package ingest implements the Product Processor: anti-junk
// validation, SKU assignment, batch accumulation, and transactional
// flush of scraped product records into the relational store.
//
// The batching shape generalizes the teacher gateway's AsyncLogger
// (buffered accumulation, flush on size-or-close) from request-log
// rows to product-upsert rows.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatch-cl/pricewatch/internal/sku"
)

// ErrRejected wraps every anti-junk validation failure so callers can
// distinguish rejection from transport/DB errors with errors.Is.
var ErrRejected = errors.New("ingest: record rejected")

const defaultBatchSize = 100
const defaultMaxErrors = 500

var naTokens = map[string]bool{"n/a": true, "na": true, "null": true, "none": true}

var bannedNameSubstrings = []string{
	"error", "undefined", "null", "empty",
	"producto sin nombre", "sin título", "loading", "cargando",
}

// RawRecord is the shape a retailer worker yields for one listing,
// before SKU assignment.
type RawRecord struct {
	Retailer    string
	Category    string
	ExternalSKU string
	Link        string
	Name        string
	Brand       string
	Storage     string
	RAM         string
	Color       string
	Rating      *decimal.Decimal
	ReviewsCount *int

	OriginalPriceRaw string
	CurrentPriceRaw  string
	CardPriceRaw     string
}

// BatchItem is a validated, SKU-assigned record queued for flush.
type BatchItem struct {
	InternalCode  string
	Raw           RawRecord
	OriginalPrice *decimal.Decimal
	CurrentPrice  *decimal.Decimal
	CardPrice     *decimal.Decimal
}

// FlushStats summarizes one flush transaction's effect.
type FlushStats struct {
	Inserted int
	Updated  int
	Priced   int
}

// Repository performs the single-transaction product flush: insert new
// products and update the mutable fields and last-seen time of existing
// ones, reporting how many of each. It does not write price rows; those
// are written only through a PriceWriter attached with WithLedger,
// outside the product transaction.
type Repository interface {
	FlushBatch(ctx context.Context, items []BatchItem) (FlushStats, error)
}

// BackupWriter receives every accepted item for an optional secondary
// durability path (e.g. CSV), independent of the DB transaction.
type BackupWriter interface {
	Append(item BatchItem)
	Close() error
}

// PriceWriter is the Price Ledger's write API (internal/ledger.Ledger
// satisfies it). When attached, flushLocked routes each item's prices
// through it before the product flush; the Repository writes no price
// rows, so without one no prices are recorded. Significant moves reach the
// Alert Dispatcher even on the bulk-ingestion path.
type PriceWriter interface {
	Write(ctx context.Context, internalCode, retailer string, originalPrice, currentPrice, cardPrice *decimal.Decimal) error
}

// MetricsSink records one flush's outcome. retailer is the batch's
// single retailer, or "mixed" when a batch spans more than one — the
// processor batches globally rather than per-retailer, so a clean
// per-retailer breakdown isn't always available without splitting the
// transaction.
type MetricsSink interface {
	RecordBatch(retailer string, inserted, updated, rejected int, seconds float64)
}

// Stats is a typed snapshot of processor counters.
type Stats struct {
	Processed uint64
	Rejected  uint64
	Flushed   uint64
	Errors    int
}

// Option configures a Processor.
type Option func(*Processor)

// WithBatchSize overrides the default flush threshold of 100.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithBackupWriter attaches an optional secondary durability sink.
func WithBackupWriter(w BackupWriter) Option {
	return func(p *Processor) { p.backup = w }
}

// WithMaxErrors bounds the in-memory error report list.
func WithMaxErrors(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxErrors = n
		}
	}
}

// WithLedger attaches the Price Ledger so flush routes each item's
// prices through change-detection and alerting instead of a bare
// upsert.
func WithLedger(l PriceWriter) Option {
	return func(p *Processor) { p.ledger = l }
}

// WithMetrics attaches a sink recording each flush's outcome.
func WithMetrics(m MetricsSink) Option {
	return func(p *Processor) { p.metrics = m }
}

// Processor validates, assigns SKUs to, batches, and flushes scraped
// product records. A single mutex serializes submission and flush so
// that an in-flight flush applies backpressure to new submissions,
// per the no-unbounded-queue requirement.
type Processor struct {
	gen  *sku.Generator
	repo Repository

	batchSize int
	maxErrors int
	backup    BackupWriter
	ledger    PriceWriter
	metrics   MetricsSink

	mu    sync.Mutex
	batch []BatchItem

	processed atomic.Uint64
	rejected  atomic.Uint64
	flushed   atomic.Uint64

	errMu  sync.Mutex
	errors []string
}

// NewProcessor builds a Processor backed by gen for SKU assignment and
// repo for transactional flush.
func NewProcessor(gen *sku.Generator, repo Repository, opts ...Option) *Processor {
	p := &Processor{
		gen:       gen,
		repo:      repo,
		batchSize: defaultBatchSize,
		maxErrors: defaultMaxErrors,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit validates raw, assigns it an internal code, and queues it.
// If the queue reaches batchSize, Submit flushes synchronously before
// returning, which is the mechanism by which callers experience
// backpressure.
func (p *Processor) Submit(ctx context.Context, raw RawRecord) error {
	if err := validate(raw); err != nil {
		p.rejected.Add(1)
		return err
	}

	code, err := p.gen.Generate(raw.Retailer, sku.ProductInput{
		ExternalSKU: raw.ExternalSKU,
		Link:        raw.Link,
		Name:        raw.Name,
		Brand:       raw.Brand,
	})
	if err != nil {
		p.recordError(fmt.Errorf("sku generation: %w", err))
		return err
	}

	item := BatchItem{
		InternalCode:  code,
		Raw:           raw,
		OriginalPrice: parsePrice(raw.OriginalPriceRaw),
		CurrentPrice:  parsePrice(raw.CurrentPriceRaw),
		CardPrice:     parsePrice(raw.CardPriceRaw),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.batch = append(p.batch, item)
	if p.backup != nil {
		p.backup.Append(item)
	}
	p.processed.Add(1)

	if len(p.batch) >= p.batchSize {
		return p.flushLocked(ctx)
	}
	return nil
}

// Flush forces a flush of any currently queued records without
// closing the processor, for callers (the Orchestrator) that need a
// synchronization point at the end of a scraping cycle.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx)
}

// Close flushes any remaining records and closes the backup writer.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	flushErr := p.flushLocked(ctx)
	p.mu.Unlock()

	if p.backup != nil {
		if err := p.backup.Close(); err != nil {
			p.recordError(fmt.Errorf("backup close: %w", err))
		}
	}
	return flushErr
}

// flushLocked must be called with p.mu held. On repository error the
// batch is dropped (not retried outside the DB) per the documented
// failure policy; the error is recorded and returned.
func (p *Processor) flushLocked(ctx context.Context) error {
	if len(p.batch) == 0 {
		return nil
	}
	items := p.batch
	p.batch = nil
	start := time.Now()

	if p.ledger != nil {
		for _, item := range items {
			if err := p.ledger.Write(ctx, item.InternalCode, item.Raw.Retailer, item.OriginalPrice, item.CurrentPrice, item.CardPrice); err != nil {
				p.recordError(fmt.Errorf("ledger write %s: %w", item.InternalCode, err))
			}
		}
	}

	stats, err := p.repo.FlushBatch(ctx, items)
	if err != nil {
		p.recordError(fmt.Errorf("flush batch of %d: %w", len(items), err))
		if p.metrics != nil {
			p.metrics.RecordBatch(batchRetailer(items), 0, 0, len(items), time.Since(start).Seconds())
		}
		return err
	}
	p.flushed.Add(uint64(stats.Inserted + stats.Updated))
	if p.metrics != nil {
		p.metrics.RecordBatch(batchRetailer(items), stats.Inserted, stats.Updated, 0, time.Since(start).Seconds())
	}
	return nil
}

// batchRetailer returns the batch's single retailer, or "mixed" when
// it spans more than one.
func batchRetailer(items []BatchItem) string {
	if len(items) == 0 {
		return ""
	}
	retailer := items[0].Raw.Retailer
	for _, it := range items[1:] {
		if it.Raw.Retailer != retailer {
			return "mixed"
		}
	}
	return retailer
}

func (p *Processor) recordError(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if len(p.errors) >= p.maxErrors {
		p.errors = p.errors[1:]
	}
	p.errors = append(p.errors, err.Error())
}

// Stats returns a point-in-time snapshot of processor counters.
func (p *Processor) Stats() Stats {
	p.errMu.Lock()
	n := len(p.errors)
	p.errMu.Unlock()
	return Stats{
		Processed: p.processed.Load(),
		Rejected:  p.rejected.Load(),
		Flushed:   p.flushed.Load(),
		Errors:    n,
	}
}

// Errors returns a copy of the bounded error report.
func (p *Processor) Errors() []string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	out := make([]string, len(p.errors))
	copy(out, p.errors)
	return out
}

func validate(r RawRecord) error {
	name := strings.TrimSpace(r.Name)
	lowerName := strings.ToLower(name)

	if name == "" || naTokens[lowerName] || len(name) < 3 {
		return fmt.Errorf("%w: invalid name %q", ErrRejected, r.Name)
	}
	for _, bad := range bannedNameSubstrings {
		if strings.Contains(lowerName, bad) {
			return fmt.Errorf("%w: banned substring in name %q", ErrRejected, r.Name)
		}
	}
	if raw := strings.TrimSpace(r.CurrentPriceRaw); raw != "" && naTokens[strings.ToLower(raw)] {
		return fmt.Errorf("%w: invalid price %q", ErrRejected, r.CurrentPriceRaw)
	}
	if v := parsePrice(r.CurrentPriceRaw); v != nil && v.IsNegative() {
		return fmt.Errorf("%w: negative price %q", ErrRejected, r.CurrentPriceRaw)
	}
	return nil
}

func parsePrice(raw string) *decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" || naTokens[strings.ToLower(raw)] {
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	return &v
}
