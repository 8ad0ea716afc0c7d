// Package sku generates stable 10-character internal product identifiers
// of the form [RRR][HHHHHHH]: a 3-letter retailer code followed by a
// 7-hex-digit truncation of a SHA-256 digest over the product's
// normalized, ordered components.
package sku

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxCollisionAttempts bounds the re-hash loop; the probability of
// exceeding it at 7 hex digits (28 bits) is negligible for any
// realistic per-process product volume.
const maxCollisionAttempts = 10

// retailerCodes maps known retailer slugs to their 3-letter SKU prefix.
var retailerCodes = map[string]string{
	"falabella":     "FAL",
	"ripley":        "RIP",
	"paris":         "PAR",
	"mercadolibre":  "MER",
	"mercadolivre":  "MER",
	"hites":         "HIT",
	"abcdin":        "ABC",
	"lapolar":       "LAP",
	"linio":         "LIN",
	"sodimac":       "SOD",
	"easy":          "EAS",
}

// retailerCodeOrder fixes the substring-fallback scan order in
// retailerCode so which key wins a multi-match is stable across
// process restarts, instead of depending on Go's randomized map
// iteration order.
var retailerCodeOrder = []string{
	"falabella", "ripley", "paris", "mercadolibre", "mercadolivre",
	"hites", "abcdin", "lapolar", "linio", "sodimac", "easy",
}

var (
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
	trackingKeyRe = regexp.MustCompile(`^utm_`)
)

var trackingKeys = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"ref":    true,
	"source": true,
}

// ProductInput carries the raw fields a retailer worker yields for a
// single scraped listing, as consumed by component extraction.
type ProductInput struct {
	ExternalSKU string
	Link        string
	Name        string
	Brand       string
}

// Stats is a typed snapshot of a Generator's lifetime counters.
type Stats struct {
	Generated         uint64
	CacheHits         uint64
	CollisionsChecked uint64
}

// Generator produces deterministic internal codes and amortizes repeat
// lookups for the same (retailer, sku, link, name) quadruple via a
// bounded LRU cache.
type Generator struct {
	cache *lru.Cache[string, string]

	mu   sync.Mutex
	seen map[string]string // full code -> joined components that produced it

	generated         atomic.Uint64
	cacheHits         atomic.Uint64
	collisionsChecked atomic.Uint64
}

// New builds a Generator with an LRU cache bounded to cacheSize entries.
func New(cacheSize int) (*Generator, error) {
	if cacheSize <= 0 {
		cacheSize = 50_000
	}
	c, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("sku: build lru cache: %w", err)
	}
	return &Generator{
		cache: c,
		seen:  make(map[string]string),
	}, nil
}

// Generate returns the stable internal code for the given retailer and
// product fields, generating and caching it if this is the first time
// this quadruple has been seen.
func (g *Generator) Generate(retailer string, in ProductInput) (string, error) {
	cacheKey := buildCacheKey(retailer, in)
	if v, ok := g.cache.Get(cacheKey); ok {
		g.cacheHits.Add(1)
		return v, nil
	}

	code := retailerCode(retailer)
	components := buildComponents(in)
	if len(components) == 0 {
		components = []string{"TIMESTAMP:" + time.Now().UTC().Format(time.RFC3339Nano)}
	}

	full, err := g.hashWithCollisionRetry(code, components)
	if err != nil {
		return "", err
	}

	g.cache.Add(cacheKey, full)
	g.generated.Add(1)
	return full, nil
}

func (g *Generator) hashWithCollisionRetry(code string, components []string) (string, error) {
	base := components
	attempt := 0
	for {
		joined := strings.Join(components, "|")
		full := code + hashSuffix(joined)

		g.mu.Lock()
		prior, exists := g.seen[full]
		if !exists {
			g.seen[full] = joined
			g.mu.Unlock()
			return full, nil
		}
		g.mu.Unlock()

		if prior == joined {
			// Same components producing the same hash again is
			// determinism, not a collision.
			return full, nil
		}

		attempt++
		g.collisionsChecked.Add(1)
		if attempt >= maxCollisionAttempts {
			return "", fmt.Errorf("sku: exhausted %d collision retries for prefix %s", maxCollisionAttempts, code)
		}
		components = append(append([]string{}, base...), fmt.Sprintf("COLLISION:%d", attempt))
	}
}

// Stats returns a point-in-time snapshot of the generator's counters.
func (g *Generator) Stats() Stats {
	return Stats{
		Generated:         g.generated.Load(),
		CacheHits:         g.cacheHits.Load(),
		CollisionsChecked: g.collisionsChecked.Load(),
	}
}

func hashSuffix(joined string) string {
	sum := sha256.Sum256([]byte(joined))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:7]
}

func buildCacheKey(retailer string, in ProductInput) string {
	return strings.Join([]string{
		retailer,
		truncate(in.ExternalSKU, 20),
		truncate(in.Link, 50),
		truncate(in.Name, 30),
	}, "\x1f")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isEmptyToken(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nan", "none":
		return true
	}
	return false
}

func buildComponents(in ProductInput) []string {
	var comps []string

	if v := strings.TrimSpace(in.ExternalSKU); !isEmptyToken(v) {
		comps = append(comps, "SKU:"+v)
	}
	if v := normalizeLink(in.Link); v != "" {
		comps = append(comps, "LINK:"+v)
	}
	if v := normalizeText(in.Name); v != "" {
		comps = append(comps, "NAME:"+v)
	}
	if v := strings.TrimSpace(in.Brand); !isEmptyToken(v) {
		comps = append(comps, "BRAND:"+strings.ToUpper(v))
	}
	return comps
}

// normalizeLink strips scheme and host, drops known tracking query
// parameters, and trims a trailing slash.
func normalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(raw, "/")
	}

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if trackingKeyRe.MatchString(lower) || trackingKeys[lower] {
			q.Del(key)
		}
	}

	out := u.Path
	if encoded := q.Encode(); encoded != "" {
		out += "?" + encoded
	}
	return strings.TrimSuffix(out, "/")
}

// normalizeText lowercases, collapses punctuation to spaces, and
// collapses repeated whitespace.
func normalizeText(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	s = punctuationRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// retailerCode resolves a retailer slug to its 3-letter prefix: exact
// match first, then substring containment against the known map, then
// a first-three-letters fallback padded with 'X'.
func retailerCode(retailer string) string {
	lower := strings.ToLower(strings.TrimSpace(retailer))
	if code, ok := retailerCodes[lower]; ok {
		return code
	}
	for _, key := range retailerCodeOrder {
		if strings.Contains(key, lower) || strings.Contains(lower, key) {
			return retailerCodes[key]
		}
	}
	letters := strings.ToUpper(strings.TrimSpace(lower))
	letters = regexp.MustCompile(`[^A-Z]`).ReplaceAllString(letters, "")
	for len(letters) < 3 {
		letters += "X"
	}
	return letters[:3]
}
