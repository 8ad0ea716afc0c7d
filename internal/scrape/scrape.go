// Package scrape defines the Retailer Worker collaborator interface
// and the Orchestrator that fans out across (retailer, category)
// pairs, feeding accepted records into the Product Processor.
package scrape

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pricewatch-cl/pricewatch/internal/ingest"
)

// ScrapingResult is the structured outcome of one retailer worker run.
// A worker never returns a Go error from Scrape; any failure, including a
// recovered panic, is represented here so one worker's failure never
// aborts its siblings.
type ScrapingResult struct {
	Retailer string
	Category string
	Success  bool
	Products []ingest.RawRecord
	Err      error
	Duration time.Duration
}

// RetailerWorker drives a browser session for one retailer and yields
// raw product records. DOM extraction and the underlying browser
// driver are out of scope; this interface is the seam the core
// consumes.
type RetailerWorker interface {
	Scrape(ctx context.Context, category string, maxProducts int) ScrapingResult
}

// Config describes one orchestration cycle.
type Config struct {
	Retailers   []string
	Categories  []string
	MaxProducts int
	Parallel    bool
	Concurrency int // bound on simultaneously running workers when Parallel
}

// CycleStats summarizes one orchestration cycle.
type CycleStats struct {
	RetailersSucceeded int
	RetailersFailed    int
	ProductsSubmitted  int
	ProductsRejected   int
	Results            []ScrapingResult
	Duration           time.Duration
}

// Orchestrator dispatches RetailerWorkers and funnels their output
// into a Product Processor.
type Orchestrator struct {
	workers   map[string]RetailerWorker
	processor *ingest.Processor
}

// New builds an Orchestrator over the given named workers.
func New(workers map[string]RetailerWorker, processor *ingest.Processor) *Orchestrator {
	return &Orchestrator{workers: workers, processor: processor}
}

// RunCycle runs every (retailer, category) pair named in cfg, either
// in parallel (bounded by cfg.Concurrency) or sequentially, submits
// every yielded product to the Processor, flushes it, and returns
// aggregate statistics. No single worker's failure aborts the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, cfg Config) (CycleStats, error) {
	start := time.Now()

	pairs := make([]pair, 0, len(cfg.Retailers)*len(cfg.Categories))
	for _, r := range cfg.Retailers {
		for _, c := range cfg.Categories {
			pairs = append(pairs, pair{retailer: r, category: c})
		}
	}

	var results []ScrapingResult
	if cfg.Parallel {
		results = o.runParallel(ctx, pairs, cfg)
	} else {
		results = o.runSequential(ctx, pairs, cfg)
	}

	stats := CycleStats{Results: results}
	for _, res := range results {
		if res.Success {
			stats.RetailersSucceeded++
		} else {
			stats.RetailersFailed++
		}
		for _, p := range res.Products {
			if err := o.processor.Submit(ctx, p); err != nil {
				stats.ProductsRejected++
				continue
			}
			stats.ProductsSubmitted++
		}
	}

	if err := o.processor.Flush(ctx); err != nil {
		stats.Duration = time.Since(start)
		return stats, fmt.Errorf("scrape: end-of-cycle flush: %w", err)
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

type pair struct {
	retailer string
	category string
}

func (o *Orchestrator) runSequential(ctx context.Context, pairs []pair, cfg Config) []ScrapingResult {
	results := make([]ScrapingResult, 0, len(pairs))
	for _, p := range pairs {
		results = append(results, o.runOne(ctx, p, cfg.MaxProducts))
	}
	return results
}

// runParallel fans out across pairs bounded by cfg.Concurrency. It
// never aborts siblings on failure: runOne already converts every
// error into a failed ScrapingResult, so the errgroup is used purely
// for its bounded-concurrency Go/Wait, not its error propagation.
func (o *Orchestrator) runParallel(ctx context.Context, pairs []pair, cfg Config) []ScrapingResult {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = len(pairs)
	}

	results := make([]ScrapingResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, p := range pairs {
		i, p := i, p
		g.Go(func() error {
			results[i] = o.runOne(gctx, p, cfg.MaxProducts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runOne invokes the named retailer's worker, converting an unknown
// retailer or a recovered panic into a failed ScrapingResult rather
// than propagating it.
func (o *Orchestrator) runOne(ctx context.Context, p pair, maxProducts int) (result ScrapingResult) {
	start := time.Now()
	result = ScrapingResult{Retailer: p.retailer, Category: p.category}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Err = fmt.Errorf("scrape: worker panic: %v", r)
			result.Duration = time.Since(start)
		}
	}()

	worker, ok := o.workers[p.retailer]
	if !ok {
		result.Err = fmt.Errorf("scrape: no worker registered for retailer %q", p.retailer)
		result.Duration = time.Since(start)
		return result
	}

	res := worker.Scrape(ctx, p.category, maxProducts)
	res.Retailer = p.retailer
	res.Category = p.category
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res
}
