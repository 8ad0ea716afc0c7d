// Package redisstore implements the typed key-value interfaces spec
// §9 calls for over the process's Redis instance: a price-change
// ChangeLog (list, trimmed to the most recent 1000 entries), a
// VolatilityStore (JSON string, TTL 24h; not a Redis hash), and a
// MatchCache (string, TTL).
// Each has a pure in-memory implementation alongside the Redis-backed
// one, so every consumer can be tested without a live Redis. The
// client construction follows the gateway's redisclient.New.
package redisstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pricewatch-cl/pricewatch/internal/ledger"
)

// NewClient builds a go-redis client from a connection URL, pinging it
// to fail fast on misconfiguration.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: invalid REDIS_URL: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping failed: %w", err)
	}
	return c, nil
}

// PriceChangeEntry is one row appended to a product's change log.
type PriceChangeEntry struct {
	Date          time.Time       `json:"date"`
	Field         string          `json:"field"`
	Old           string          `json:"old"`
	New           string          `json:"new"`
	PercentChange float64         `json:"percent_change"`
}

// ChangeLog tracks price-change history per internal code, trimmed to
// a bounded recent window.
type ChangeLog interface {
	Append(ctx context.Context, internalCode string, entry PriceChangeEntry) error
	Recent(ctx context.Context, internalCode string, limit int) ([]PriceChangeEntry, error)
}

const changeLogMaxLen = 1000

type redisChangeLog struct{ c *redis.Client }

// NewRedisChangeLog returns a ChangeLog backed by a Redis list per key.
func NewRedisChangeLog(c *redis.Client) ChangeLog { return &redisChangeLog{c: c} }

func (r *redisChangeLog) Append(ctx context.Context, internalCode string, entry PriceChangeEntry) error {
	key := changeLogKey(internalCode)
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redisstore: marshal change entry: %w", err)
	}
	pipe := r.c.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, changeLogMaxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisChangeLog) Recent(ctx context.Context, internalCode string, limit int) ([]PriceChangeEntry, error) {
	raw, err := r.c.LRange(ctx, changeLogKey(internalCode), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PriceChangeEntry, 0, len(raw))
	for _, s := range raw {
		var e PriceChangeEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func changeLogKey(internalCode string) string { return "pricewatch:changelog:" + internalCode }

// ChangeLogHistoryAdapter adapts a ChangeLog to ledger.HistoryWriter,
// translating the ledger's decimal-typed ChangeEvent into the string-
// encoded PriceChangeEntry the log stores.
type ChangeLogHistoryAdapter struct{ Log ChangeLog }

// RecordChange implements ledger.HistoryWriter.
func (a ChangeLogHistoryAdapter) RecordChange(ctx context.Context, internalCode string, ev ledger.ChangeEvent) error {
	pct, _ := ev.PercentChange.Float64()
	return a.Log.Append(ctx, internalCode, PriceChangeEntry{
		Date:          ev.Date,
		Field:         ev.Field,
		Old:           ev.Old.String(),
		New:           ev.New.String(),
		PercentChange: pct,
	})
}

// memChangeLog is a pure in-memory ChangeLog for tests.
type memChangeLog struct {
	mu   sync.Mutex
	logs map[string][]PriceChangeEntry
}

// NewMemChangeLog returns an in-memory ChangeLog.
func NewMemChangeLog() ChangeLog { return &memChangeLog{logs: make(map[string][]PriceChangeEntry)} }

func (m *memChangeLog) Append(_ context.Context, internalCode string, entry PriceChangeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := append([]PriceChangeEntry{entry}, m.logs[internalCode]...)
	if len(log) > changeLogMaxLen {
		log = log[:changeLogMaxLen]
	}
	m.logs[internalCode] = log
	return nil
}

func (m *memChangeLog) Recent(_ context.Context, internalCode string, limit int) ([]PriceChangeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[internalCode]
	if limit < len(log) {
		log = log[:limit]
	}
	return append([]PriceChangeEntry(nil), log...), nil
}

// VolatilityProfile summarizes recent price-movement magnitude for a
// product, feeding the Opportunity Detector's risk scoring.
type VolatilityProfile struct {
	RiskScore    float64   `json:"risk_score"` // 0..1
	SampleCount  int       `json:"sample_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

const volatilityTTL = 24 * time.Hour

// VolatilityStore persists a per-product volatility profile with a
// 24h TTL.
type VolatilityStore interface {
	Set(ctx context.Context, internalCode string, profile VolatilityProfile) error
	Get(ctx context.Context, internalCode string) (*VolatilityProfile, error)
}

type redisVolatilityStore struct{ c *redis.Client }

// NewRedisVolatilityStore returns a VolatilityStore that keeps each
// profile as one JSON-encoded Redis string per key with a 24h TTL. The
// profile is not stored as a Redis hash, so its fields cannot be read
// or updated individually with HGET/HSET.
func NewRedisVolatilityStore(c *redis.Client) VolatilityStore { return &redisVolatilityStore{c: c} }

func (r *redisVolatilityStore) Set(ctx context.Context, internalCode string, profile VolatilityProfile) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("redisstore: marshal volatility profile: %w", err)
	}
	return r.c.Set(ctx, volatilityKey(internalCode), payload, volatilityTTL).Err()
}

func (r *redisVolatilityStore) Get(ctx context.Context, internalCode string) (*VolatilityProfile, error) {
	raw, err := r.c.Get(ctx, volatilityKey(internalCode)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p VolatilityProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal volatility profile: %w", err)
	}
	return &p, nil
}

func volatilityKey(internalCode string) string { return "pricewatch:volatility:" + internalCode }

// memVolatilityStore is a pure in-memory VolatilityStore for tests.
type memVolatilityStore struct {
	mu       sync.Mutex
	profiles map[string]VolatilityProfile
}

// NewMemVolatilityStore returns an in-memory VolatilityStore.
func NewMemVolatilityStore() VolatilityStore {
	return &memVolatilityStore{profiles: make(map[string]VolatilityProfile)}
}

func (m *memVolatilityStore) Set(_ context.Context, internalCode string, profile VolatilityProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[internalCode] = profile
	return nil
}

func (m *memVolatilityStore) Get(_ context.Context, internalCode string) (*VolatilityProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[internalCode]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// VolatilityLookupAdapter adapts a VolatilityStore to the
// opportunity.VolatilityLookup interface, which wants a single risk
// float rather than the full profile.
type VolatilityLookupAdapter struct{ Store VolatilityStore }

// VolatilityRisk implements opportunity.VolatilityLookup.
func (a VolatilityLookupAdapter) VolatilityRisk(ctx context.Context, internalCode string) (float64, error) {
	p, err := a.Store.Get(ctx, internalCode)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, nil
	}
	return p.RiskScore, nil
}

// MatchCache is a byte-oriented cache for serialized match payloads,
// stored gzip-compressed per spec §6 ("match cache (string/gzip, TTL)").
type MatchCache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

type redisMatchCache struct{ c *redis.Client }

// NewRedisMatchCache returns a MatchCache backed by gzip-compressed
// Redis strings.
func NewRedisMatchCache(c *redis.Client) MatchCache { return &redisMatchCache{c: c} }

func (r *redisMatchCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	compressed, err := gzipCompress(value)
	if err != nil {
		return err
	}
	return r.c.Set(ctx, matchCacheKey(key), compressed, ttl).Err()
}

func (r *redisMatchCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.c.Get(ctx, matchCacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := gzipDecompress(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func matchCacheKey(key string) string { return "pricewatch:matchcache:" + key }

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// memMatchCache is a pure in-memory MatchCache for tests. It does not
// compress values, and it does not expire them proactively — Get
// checks the deadline lazily, matching the cheap semantics tests need.
type memMatchCache struct {
	mu      sync.Mutex
	entries map[string]memCacheEntry
}

type memCacheEntry struct {
	value    []byte
	deadline time.Time
}

// NewMemMatchCache returns an in-memory MatchCache.
func NewMemMatchCache() MatchCache { return &memMatchCache{entries: make(map[string]memCacheEntry)} }

func (m *memMatchCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memCacheEntry{value: append([]byte(nil), value...), deadline: time.Now().Add(ttl)}
	return nil
}

func (m *memMatchCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.deadline) {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}
