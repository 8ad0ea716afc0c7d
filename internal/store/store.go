// Package store implements the Postgres-backed repositories consumed
// by the ledger, ingest, match, and opportunity packages, plus the
// config table overlay reader. Query shape (parameterized
// INSERT ... ON CONFLICT ... DO UPDATE, single-transaction batch
// writes) follows the price-service ingestion pipeline's persist
// phase.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pricewatch-cl/pricewatch/config"
	"github.com/pricewatch-cl/pricewatch/internal/ingest"
	"github.com/pricewatch-cl/pricewatch/internal/ledger"
	"github.com/pricewatch-cl/pricewatch/internal/match"
	"github.com/pricewatch-cl/pricewatch/internal/opportunity"
	"github.com/pricewatch-cl/pricewatch/internal/similarity"
)

// Store bundles a pgx connection pool and implements every Repository
// interface the core components need.
type Store struct {
	pool *pgxpool.Pool
}

// Open parses dsn, builds a pool sized for the write-heavy batch
// workload, and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool for migration tooling.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// --- ledger.Repository ---

// GetPrice implements ledger.Repository.
func (s *Store) GetPrice(ctx context.Context, internalCode string, date time.Time) (*ledger.PriceRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT internal_code, date, retailer, price_list, price_offer, price_card, price_min, created_at, updated_at
		FROM prices
		WHERE internal_code = $1 AND date = $2
	`, internalCode, date)

	var rec ledger.PriceRecord
	err := row.Scan(&rec.InternalCode, &rec.Date, &rec.Retailer, &rec.PriceList, &rec.PriceOffer, &rec.PriceCard, &rec.PriceMin, &rec.CreatedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get price: %w", err)
	}
	return &rec, nil
}

// UpsertPrice implements ledger.Repository.
func (s *Store) UpsertPrice(ctx context.Context, rec ledger.PriceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prices (internal_code, date, retailer, price_list, price_offer, price_card, price_min, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (internal_code, date) DO UPDATE SET
			retailer   = EXCLUDED.retailer,
			price_list = EXCLUDED.price_list,
			price_offer = EXCLUDED.price_offer,
			price_card = EXCLUDED.price_card,
			price_min  = EXCLUDED.price_min,
			updated_at = NOW()
	`, rec.InternalCode, rec.Date, rec.Retailer, rec.PriceList, rec.PriceOffer, rec.PriceCard, rec.PriceMin)
	if err != nil {
		return fmt.Errorf("store: upsert price: %w", err)
	}
	return nil
}

// --- ingest.Repository ---

// FlushBatch implements ingest.Repository: within a single
// transaction, upsert every product row. Price rows are not written
// here — when a Processor is built WithLedger, the Price Ledger
// writes (and change-detects) each item's price before FlushBatch
// runs, so the product upsert and the price write are two distinct,
// independently-idempotent steps rather than one combined statement.
func (s *Store) FlushBatch(ctx context.Context, items []ingest.BatchItem) (ingest.FlushStats, error) {
	var stats ingest.FlushStats
	if len(items) == 0 {
		return stats, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("store: begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		// RowsAffected() reports 1 on both the insert and the conflict-
		// update path, so the insert/update split is read from
		// `xmax = 0` instead: a freshly inserted row has no prior
		// transaction recorded as having deleted/updated it.
		row := tx.QueryRow(ctx, `
			INSERT INTO products (internal_code, external_sku, link, name, brand, category, retailer, storage, ram, color, rating, reviews_count, first_seen, last_seen, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW(), true)
			ON CONFLICT (internal_code) DO UPDATE SET
				name          = EXCLUDED.name,
				brand         = EXCLUDED.brand,
				storage       = EXCLUDED.storage,
				ram           = EXCLUDED.ram,
				color         = EXCLUDED.color,
				rating        = EXCLUDED.rating,
				reviews_count = EXCLUDED.reviews_count,
				last_seen     = NOW(),
				active        = true
			RETURNING (xmax = 0) AS inserted
		`, item.InternalCode, item.Raw.ExternalSKU, item.Raw.Link, item.Raw.Name, item.Raw.Brand,
			item.Raw.Category, item.Raw.Retailer, item.Raw.Storage, item.Raw.RAM, item.Raw.Color,
			item.Raw.Rating, item.Raw.ReviewsCount)

		var inserted bool
		if err := row.Scan(&inserted); err != nil {
			return stats, fmt.Errorf("store: upsert product %s: %w", item.InternalCode, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("store: commit batch: %w", err)
	}
	return stats, nil
}

// --- match.Repository ---

// Upsert implements match.Repository.
func (s *Store) Upsert(ctx context.Context, m match.Match) error {
	features, err := json.Marshal(m.Features)
	if err != nil {
		return fmt.Errorf("store: marshal match features: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO product_matches (code_a, code_b, similarity_score, match_type, confidence, features, ml_version, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, NOW(), NOW())
		ON CONFLICT (code_a, code_b) DO UPDATE SET
			similarity_score = EXCLUDED.similarity_score,
			match_type       = EXCLUDED.match_type,
			confidence       = EXCLUDED.confidence,
			features         = EXCLUDED.features,
			ml_version       = EXCLUDED.ml_version,
			active           = true,
			updated_at       = NOW()
	`, m.CodeA, m.CodeB, m.SimilarityScore, string(m.MatchType), string(m.Confidence), features, m.MLVersion)
	if err != nil {
		return fmt.Errorf("store: upsert match: %w", err)
	}
	return nil
}

// Get implements match.Repository.
func (s *Store) Get(ctx context.Context, codeA, codeB string) (*match.Match, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, code_a, code_b, similarity_score, match_type, confidence, features, ml_version, active, created_at, updated_at
		FROM product_matches
		WHERE code_a = $1 AND code_b = $2
	`, codeA, codeB)

	var m match.Match
	var matchType, confidence string
	var features []byte
	err := row.Scan(&m.ID, &m.CodeA, &m.CodeB, &m.SimilarityScore, &matchType, &confidence, &features, &m.MLVersion, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get match: %w", err)
	}
	m.MatchType = similarity.MatchType(matchType)
	m.Confidence = similarity.Confidence(confidence)
	if len(features) > 0 {
		_ = json.Unmarshal(features, &m.Features)
	}
	return &m, nil
}

// DeactivateStale implements match.Repository.
func (s *Store) DeactivateStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE product_matches SET active = false, updated_at = NOW()
		WHERE active = true AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: deactivate stale matches: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListActive implements match.Repository.
func (s *Store) ListActive(ctx context.Context, minSimilarity float64) ([]match.Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code_a, code_b, similarity_score, match_type, confidence, features, ml_version, active, created_at, updated_at
		FROM product_matches
		WHERE active = true AND similarity_score >= $1
	`, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("store: list active matches: %w", err)
	}
	defer rows.Close()

	var out []match.Match
	for rows.Next() {
		var m match.Match
		var matchType, confidence string
		var features []byte
		if err := rows.Scan(&m.ID, &m.CodeA, &m.CodeB, &m.SimilarityScore, &matchType, &confidence, &features, &m.MLVersion, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan match: %w", err)
		}
		m.MatchType = similarity.MatchType(matchType)
		m.Confidence = similarity.Confidence(confidence)
		if len(features) > 0 {
			_ = json.Unmarshal(features, &m.Features)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- opportunity.Repository / opportunity.PriceLookup ---

// OpportunityRepo adapts Store to opportunity.Repository. A distinct
// type is needed because Store's match.Repository.Upsert already
// claims the method name Upsert for a different argument type.
type OpportunityRepo struct{ S *Store }

// Upsert implements opportunity.Repository. Opportunities are unique
// per calendar day per (cheap_code, expensive_code), resolving one of
// spec's flagged ambiguities in favor of the per-day interpretation.
func (r OpportunityRepo) Upsert(ctx context.Context, o opportunity.Opportunity) error {
	return r.S.upsertOpportunity(ctx, o)
}

func (s *Store) upsertOpportunity(ctx context.Context, o opportunity.Opportunity) error {
	metadata, err := json.Marshal(map[string]any{"confidence_score": o.ConfidenceScore})
	if err != nil {
		return fmt.Errorf("store: marshal opportunity metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO arbitrage_opportunities (
			id, cheap_code, expensive_code, match_id, buy_retailer, sell_retailer,
			buy_price, sell_price, margin_abs, margin_pct, roi, opportunity_score,
			confidence_score, risk_level, tier, detected_at, expires_at, alerted, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19
		)
		ON CONFLICT (cheap_code, expensive_code, (detected_at::date)) DO UPDATE SET
			buy_price         = EXCLUDED.buy_price,
			sell_price        = EXCLUDED.sell_price,
			margin_abs        = EXCLUDED.margin_abs,
			margin_pct        = EXCLUDED.margin_pct,
			roi               = EXCLUDED.roi,
			opportunity_score = EXCLUDED.opportunity_score,
			confidence_score  = EXCLUDED.confidence_score,
			risk_level        = EXCLUDED.risk_level,
			tier              = EXCLUDED.tier,
			expires_at        = EXCLUDED.expires_at,
			metadata          = EXCLUDED.metadata
	`, o.ID, o.CheapCode, o.ExpensiveCode, o.MatchID, o.BuyRetailer, o.SellRetailer,
		o.BuyPrice, o.SellPrice, o.MarginAbs, o.MarginPct, o.ROI, o.OpportunityScore,
		o.ConfidenceScore, string(o.RiskLevel), string(o.Tier), o.DetectedAt, o.ExpiresAt, o.Alerted, metadata)
	if err != nil {
		return fmt.Errorf("store: upsert opportunity: %w", err)
	}
	return nil
}

// LatestPrice implements opportunity.PriceLookup: the most recent
// known price_min and retailer for an internal code.
func (s *Store) LatestPrice(ctx context.Context, internalCode string) (*decimal.Decimal, string, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT price_min, retailer
		FROM prices
		WHERE internal_code = $1
		ORDER BY date DESC
		LIMIT 1
	`, internalCode)

	var price *decimal.Decimal
	var retailer string
	err := row.Scan(&price, &retailer)
	if err == pgx.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: latest price: %w", err)
	}
	return price, retailer, nil
}

// CandidatePair is one cross-retailer product pair worth scoring with
// the Similarity Scorer: same category, different retailer, both
// still active.
type CandidatePair struct {
	CodeA, CodeB       string
	FeaturesA, FeaturesB similarity.ProductFeatures
}

// CandidatePairs blocks on category to keep the self-join tractable —
// comparing every active product against every other would be
// quadratic across the whole catalog. Pairs already carrying an active
// match are excluded so re-running this task doesn't just re-discover
// what's already in product_matches.
func (s *Store) CandidatePairs(ctx context.Context, limit int) ([]CandidatePair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			a.internal_code, a.name, a.brand, a.category, a.storage, a.ram, a.color,
			pa.price_min,
			b.internal_code, b.name, b.brand, b.category, b.storage, b.ram, b.color,
			pb.price_min
		FROM products a
		JOIN products b
			ON a.category = b.category
			AND a.retailer < b.retailer
			AND a.internal_code < b.internal_code
		LEFT JOIN LATERAL (
			SELECT price_min FROM prices WHERE internal_code = a.internal_code ORDER BY date DESC LIMIT 1
		) pa ON TRUE
		LEFT JOIN LATERAL (
			SELECT price_min FROM prices WHERE internal_code = b.internal_code ORDER BY date DESC LIMIT 1
		) pb ON TRUE
		WHERE a.active AND b.active
		AND NOT EXISTS (
			SELECT 1 FROM product_matches m
			WHERE m.active AND ((m.code_a = a.internal_code AND m.code_b = b.internal_code)
				OR (m.code_a = b.internal_code AND m.code_b = a.internal_code))
		)
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: candidate pairs: %w", err)
	}
	defer rows.Close()

	var out []CandidatePair
	for rows.Next() {
		var p CandidatePair
		var priceA, priceB *decimal.Decimal
		if err := rows.Scan(
			&p.CodeA, &p.FeaturesA.Name, &p.FeaturesA.Brand, &p.FeaturesA.Category, &p.FeaturesA.Storage, &p.FeaturesA.RAM, &p.FeaturesA.Color, &priceA,
			&p.CodeB, &p.FeaturesB.Name, &p.FeaturesB.Brand, &p.FeaturesB.Category, &p.FeaturesB.Storage, &p.FeaturesB.RAM, &p.FeaturesB.Color, &priceB,
		); err != nil {
			return nil, fmt.Errorf("store: scan candidate pair: %w", err)
		}
		if priceA != nil {
			p.FeaturesA.Price = *priceA
		}
		if priceB != nil {
			p.FeaturesB.Price = *priceB
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- config.ConfigReader ---

// ReadConfig implements config.ConfigReader.
func (s *Store) ReadConfig(ctx context.Context) ([]config.ConfigRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, type, active FROM config WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("store: read config: %w", err)
	}
	defer rows.Close()

	var out []config.ConfigRow
	for rows.Next() {
		var row config.ConfigRow
		if err := rows.Scan(&row.Key, &row.Value, &row.Type, &row.Active); err != nil {
			return nil, fmt.Errorf("store: scan config row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
