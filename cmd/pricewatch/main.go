// Command pricewatch runs the Chilean multi-retailer price-intelligence
// pipeline: ingestion, matching, arbitrage detection, alerting, and the
// scheduler that drives all of it on a tiered cadence.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pricewatch-cl/pricewatch/config"
	"github.com/pricewatch-cl/pricewatch/internal/alert"
	"github.com/pricewatch-cl/pricewatch/internal/ingest"
	"github.com/pricewatch-cl/pricewatch/internal/ledger"
	"github.com/pricewatch-cl/pricewatch/internal/match"
	"github.com/pricewatch-cl/pricewatch/internal/obsmetrics"
	"github.com/pricewatch-cl/pricewatch/internal/opportunity"
	"github.com/pricewatch-cl/pricewatch/internal/redisstore"
	"github.com/pricewatch-cl/pricewatch/internal/scheduler"
	"github.com/pricewatch-cl/pricewatch/internal/scrape"
	"github.com/pricewatch-cl/pricewatch/internal/similarity"
	"github.com/pricewatch-cl/pricewatch/internal/sku"
	"github.com/pricewatch-cl/pricewatch/internal/store"
	"github.com/pricewatch-cl/pricewatch/internal/traffic"
	"github.com/pricewatch-cl/pricewatch/logger"
	"github.com/pricewatch-cl/pricewatch/router"
)

func main() {
	root := &cobra.Command{
		Use:   "pricewatch",
		Short: "Multi-retailer price-intelligence pipeline",
	}
	root.AddCommand(serveCmd(), migrateCmd(), scrapeOnceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			return store.Migrate(cfg.DatabaseURL, dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "path to migration files")
	return cmd
}

func scrapeOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape-once",
		Short: "Run a single scrape-and-ingest cycle then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log := logger.New(cfg)
			sys, err := wireSystem(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			stats, err := sys.orchestrator.RunCycle(cmd.Context(), scrape.Config{
				Retailers:   enabledRetailers(cfg),
				Categories:  []string{"smartphones", "laptops", "tablets"},
				MaxProducts: 500,
				Parallel:    true,
				Concurrency: 4,
			})
			if err != nil {
				return fmt.Errorf("scrape-once: %w", err)
			}
			log.Info().
				Int("succeeded", stats.RetailersSucceeded).
				Int("failed", stats.RetailersFailed).
				Int("submitted", stats.ProductsSubmitted).
				Int("rejected", stats.ProductsRejected).
				Dur("duration", stats.Duration).
				Msg("scrape cycle complete")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and admin HTTP surface until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log := logger.New(cfg)
			log.Info().Str("env", cfg.Env).Msg("pricewatch starting")

			sys, err := wireSystem(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer sys.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sys.scheduler.Start(ctx)

			srv := &http.Server{
				Addr:         cfg.Addr,
				Handler:      router.New(log, sys.metrics, sys.traffic),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			done := make(chan os.Signal, 1)
			signal.Notify(done, os.Interrupt, syscall.SIGTERM)

			go func() {
				log.Info().Str("addr", cfg.Addr).Msg("admin server listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("admin server failed")
				}
			}()

			<-done
			log.Info().Msg("shutdown signal received")

			sys.scheduler.Stop()
			sys.alerts.Drain(5 * time.Second)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("graceful shutdown failed")
			} else {
				log.Info().Msg("pricewatch stopped gracefully")
			}
			return nil
		},
	}
}

// system bundles every wired component the serve/scrape-once commands
// share.
type system struct {
	db           *store.Store
	redis        *redis.Client
	orchestrator *scrape.Orchestrator
	scheduler    *scheduler.Scheduler
	alerts       *alert.Dispatcher
	metrics      *obsmetrics.Metrics
	traffic      *traffic.Router
}

func (s *system) Close() {
	if s.db != nil {
		s.db.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func wireSystem(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*system, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	redisClient, err := redisstore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	if err := cfg.ApplyOverlay(ctx, db); err != nil {
		log.Warn().Err(err).Msg("config overlay read failed — continuing with env defaults")
	}

	metrics := obsmetrics.New()

	volatility := redisstore.NewRedisVolatilityStore(redisClient)
	volAdapter := redisstore.VolatilityLookupAdapter{Store: volatility}

	alertTransport := alert.NewMultiTransport(
		alert.NewLogTransport(log),
		alert.NewPagerDutyTransport(alert.PagerDutyConfig{
			Enabled:     cfg.PagerDutyEnabled,
			RoutingKey:  cfg.PagerDutyRoutingKey,
			SourceName:  "pricewatch",
			HTTPTimeout: 10 * time.Second,
		}, log),
	)
	alerts := alert.New(alertTransport, alert.Config{
		AlertHighValueThreshold: cfg.AlertHighValueThreshold,
		AlertHighROIThreshold:   cfg.AlertHighROIThreshold,
		EnableEmoji:             cfg.EnableEmojiAlerts,
	}, log, alert.WithMetrics(metrics))

	changeLog := redisstore.NewRedisChangeLog(redisClient)
	priceLedger := ledger.New(db, alerts, ledger.WithHistory(redisstore.ChangeLogHistoryAdapter{Log: changeLog}))

	gen, err := sku.New(10_000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init sku generator: %w", err)
	}

	processor := ingest.NewProcessor(gen, db,
		ingest.WithBatchSize(cfg.BatchSize),
		ingest.WithLedger(priceLedger),
		ingest.WithMetrics(metrics),
	)

	trafficRouter := traffic.New(traffic.Config{
		TargetProxyRatio:   cfg.TargetProxyRatio,
		RequestsPerChannel: int64(cfg.RequestsPerChannel),
	}).WithMetrics(metrics)

	workers := registerWorkers(cfg)
	orchestrator := scrape.New(workers, processor)

	scorer := similarity.New(nil)
	matchStore := match.New(db, match.WithL2Cache(redisstore.NewRedisMatchCache(redisClient)))

	detector := opportunity.New(matchStore, db, volAdapter, store.OpportunityRepo{S: db}, opportunity.Config{
		MinMarginCLP:  cfg.MinMarginCLP,
		MinPercentage: cfg.MinPercentage,
		MaxPriceRatio: cfg.MaxPriceRatio,
		MinSimilarity: cfg.MinSimilarityScore,
	}, opportunity.WithAlertSink(alerts), opportunity.WithMetrics(metrics))

	sched := scheduler.New(log, scheduler.WithMetrics(metrics))
	wireSchedule(sched, cfg, matchStore, detector, metrics)
	sched.Register(similarityMatchingTask(db, scorer, matchStore, metrics))

	return &system{
		db:           db,
		redis:        redisClient,
		orchestrator: orchestrator,
		scheduler:    sched,
		alerts:       alerts,
		metrics:      metrics,
		traffic:      trafficRouter,
	}, nil
}

// registerWorkers builds the retailer worker set for every enabled
// retailer. Driving an actual browser session per retailer is outside
// this module's scope; operators plug in their own scraper binaries
// implementing scrape.RetailerWorker and register them here.
func registerWorkers(cfg *config.Config) map[string]scrape.RetailerWorker {
	workers := make(map[string]scrape.RetailerWorker)
	for _, enabled := range cfg.RetailersEnabled {
		if !enabled {
			continue
		}
		// No built-in worker implementation ships with this binary;
		// a real deployment registers one per retailer slug here.
	}
	return workers
}

func enabledRetailers(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.RetailersEnabled))
	for r, enabled := range cfg.RetailersEnabled {
		if enabled {
			out = append(out, r)
		}
	}
	return out
}

// wireSchedule registers the five base tasks, overriding each one's
// Run function and tier frequency per its role.
func wireSchedule(sched *scheduler.Scheduler, cfg *config.Config, matchStore *match.Store, detector *opportunity.Detector, metrics *obsmetrics.Metrics) {
	tasks := scheduler.BaseTasks(func(ctx context.Context) (scheduler.Outcome, error) {
		start := time.Now()
		stats, err := detector.Detect(ctx)
		return scheduler.Outcome{
			Success:            err == nil,
			OpportunitiesFound: stats.Detected,
			Duration:           time.Since(start),
			Err:                err,
		}, err
	})

	for _, t := range tasks {
		switch t.ID {
		case scheduler.TaskArbitrageCritical:
			t.FrequencyMinutes = cfg.CriticalTierFrequencyMinutes
		case scheduler.TaskArbitrageImportant:
			t.FrequencyMinutes = cfg.ImportantTierFrequencyMinutes
		case scheduler.TaskArbitrageTracking:
			t.FrequencyMinutes = cfg.TrackingTierFrequencyMinutes
		case scheduler.TaskMetricsUpdate:
			t.Run = metricsUpdateTask(matchStore, metrics)
		case scheduler.TaskFrequencyOptimize:
			t.Run = frequencyOptimizeTask(sched)
		}
		sched.Register(t)
	}
}

// similarityMatchingTask scores cross-retailer candidate pairs and
// persists matches clearing the similarity threshold, feeding the Match
// Store the opportunity detector reads from. It runs on its own task
// rather than inside the arbitrage cycle since match discovery and
// opportunity detection are independent passes over different state.
func similarityMatchingTask(db *store.Store, scorer *similarity.Scorer, matchStore *match.Store, metrics *obsmetrics.Metrics) *scheduler.Task {
	const candidateBatchSize = 500
	const minSimilarityToPersist = 0.5

	run := func(ctx context.Context) (scheduler.Outcome, error) {
		start := time.Now()
		pairs, err := db.CandidatePairs(ctx, candidateBatchSize)
		if err != nil {
			return scheduler.Outcome{Success: false, Duration: time.Since(start), Err: err}, err
		}

		for _, p := range pairs {
			score, features := scorer.Score(p.FeaturesA, p.FeaturesB)
			if score < minSimilarityToPersist {
				metrics.RecordMatch("below_threshold", score)
				continue
			}
			confidence := similarity.ConfidenceBand(score)
			matchType := similarity.MatchTypeBand(score)
			if err := matchStore.Upsert(ctx, p.CodeA, p.CodeB, score, matchType, confidence, features, "v1"); err != nil {
				metrics.RecordMatch("upsert_error", score)
				continue
			}
			metrics.RecordMatch("persisted", score)
		}

		return scheduler.Outcome{Success: true, Duration: time.Since(start)}, nil
	}

	return &scheduler.Task{
		ID:               "similarity-matching",
		Type:             "similarity_matching",
		FrequencyMinutes: 60,
		Priority:         3,
		Enabled:          true,
		Run:              run,
	}
}

// metricsUpdateTask sweeps stale matches and records the sweep as a
// scheduler outcome; obsmetrics counters are updated by the
// components that produce the underlying events directly.
func metricsUpdateTask(matchStore *match.Store, metrics *obsmetrics.Metrics) func(context.Context) (scheduler.Outcome, error) {
	return func(ctx context.Context) (scheduler.Outcome, error) {
		start := time.Now()
		_, err := matchStore.SweepStale(ctx)
		if err == nil {
			metrics.RecordMatch("swept_stale", 0)
		}
		return scheduler.Outcome{
			Success:  err == nil,
			Duration: time.Since(start),
			Err:      err,
		}, err
	}
}

// frequencyOptimizeTask runs the scheduler's own adaptive-frequency
// pass as a scheduled task, rather than only on its internal ticker.
func frequencyOptimizeTask(sched *scheduler.Scheduler) func(context.Context) (scheduler.Outcome, error) {
	return func(ctx context.Context) (scheduler.Outcome, error) {
		start := time.Now()
		sched.AdaptFrequencies()
		return scheduler.Outcome{Success: true, Duration: time.Since(start)}, nil
	}
}
