// Package match implements the Match Store: upsert of active
// cross-retailer product pairings keyed on the lexicographically
// ordered (code_a, code_b), a background TTL inactivation pass, and a
// read-through cache layer generalized from the teacher gateway's
// namespaced semantic cache.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pricewatch-cl/pricewatch/internal/similarity"
)

// defaultMatchTTL is spec §4.7's default horizon after which an
// un-refreshed match is marked inactive.
const defaultMatchTTL = 24 * time.Hour

// Match mirrors one row of product_matches.
type Match struct {
	ID              int64
	CodeA           string
	CodeB           string
	SimilarityScore float64
	MatchType       similarity.MatchType
	Confidence      similarity.Confidence
	Features        similarity.Features
	MLVersion       string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Repository is the persistence collaborator for matches.
type Repository interface {
	// Upsert inserts or updates the row keyed on (code_a, code_b).
	Upsert(ctx context.Context, m Match) error
	// Get returns nil, nil when no row exists for the ordered pair.
	Get(ctx context.Context, codeA, codeB string) (*Match, error)
	// DeactivateStale sets active=false on every row whose updated_at
	// is older than cutoff, returning the count affected.
	DeactivateStale(ctx context.Context, cutoff time.Time) (int, error)
	// ListActive returns active rows at or above minSimilarity.
	ListActive(ctx context.Context, minSimilarity float64) ([]Match, error)
}

// L2Cache is an optional shared cache layer sitting between the
// in-process cache and the repository — a second-level cache other
// instances of this service also read from, so a cold in-process
// cache on one instance can still avoid a repository round trip.
type L2Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// Store is the Match Store service.
type Store struct {
	repo  Repository
	ttl   time.Duration
	cache *gocache.Cache
	l2    L2Cache
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the default 24h inactivation horizon.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithL2Cache attaches a shared second-level cache consulted on an
// in-process cache miss, before falling through to the repository.
func WithL2Cache(l2 L2Cache) Option {
	return func(s *Store) { s.l2 = l2 }
}

// New builds a Store backed by repo.
func New(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:  repo,
		ttl:   defaultMatchTTL,
		cache: gocache.New(defaultMatchTTL, defaultMatchTTL/2),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert orders codeA/codeB lexicographically, marks the row active,
// and persists it, invalidating the cache entry so the next Get
// observes the new value.
func (s *Store) Upsert(ctx context.Context, codeA, codeB string, score float64, matchType similarity.MatchType, confidence similarity.Confidence, features similarity.Features, mlVersion string) error {
	a, b := orderPair(codeA, codeB)
	now := s.now()

	m := Match{
		CodeA:           a,
		CodeB:           b,
		SimilarityScore: score,
		MatchType:       matchType,
		Confidence:      confidence,
		Features:        features,
		MLVersion:       mlVersion,
		Active:          true,
		UpdatedAt:       now,
	}
	if err := s.repo.Upsert(ctx, m); err != nil {
		return fmt.Errorf("match: upsert %s/%s: %w", a, b, err)
	}
	s.cache.Delete(cacheKey(a, b))
	if s.l2 != nil {
		// The cache interface has no delete; writing an empty value
		// makes the next Get's len(raw)==0 check fall through to the
		// repository, and it still expires off the TTL like any entry.
		_ = s.l2.Set(ctx, cacheKey(a, b), nil, s.ttl)
	}
	return nil
}

// Get returns the active match for the ordered pair if its similarity
// meets minSimilarity, consulting the in-process cache, then the
// shared L2 cache if configured, before falling through to the
// repository.
func (s *Store) Get(ctx context.Context, codeA, codeB string, minSimilarity float64) (*Match, error) {
	a, b := orderPair(codeA, codeB)
	key := cacheKey(a, b)

	if v, ok := s.cache.Get(key); ok {
		m := v.(Match)
		return filterActive(&m, minSimilarity), nil
	}

	if s.l2 != nil {
		if raw, ok, err := s.l2.Get(ctx, key); err == nil && ok && len(raw) > 0 {
			var m Match
			if jsonErr := json.Unmarshal(raw, &m); jsonErr == nil {
				s.cache.Set(key, m, gocache.DefaultExpiration)
				return filterActive(&m, minSimilarity), nil
			}
		}
	}

	m, err := s.repo.Get(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("match: get %s/%s: %w", a, b, err)
	}
	if m == nil {
		return nil, nil
	}
	s.cache.Set(key, *m, gocache.DefaultExpiration)
	if s.l2 != nil {
		if raw, jsonErr := json.Marshal(m); jsonErr == nil {
			_ = s.l2.Set(ctx, key, raw, s.ttl)
		}
	}
	return filterActive(m, minSimilarity), nil
}

// ListActive returns every active match at or above minSimilarity.
func (s *Store) ListActive(ctx context.Context, minSimilarity float64) ([]Match, error) {
	matches, err := s.repo.ListActive(ctx, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("match: list active: %w", err)
	}
	return matches, nil
}

// SweepStale deactivates every match whose updated_at predates the
// store's TTL, per the background pass described in spec §4.7.
func (s *Store) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	n, err := s.repo.DeactivateStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("match: sweep stale: %w", err)
	}
	return n, nil
}

func filterActive(m *Match, minSimilarity float64) *Match {
	if m == nil || !m.Active || m.SimilarityScore < minSimilarity {
		return nil
	}
	return m
}

func orderPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

func cacheKey(a, b string) string {
	return a + "|" + b
}
