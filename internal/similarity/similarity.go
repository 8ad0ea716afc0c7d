// Package similarity implements the cross-retailer Similarity Scorer:
// a weighted combination of brand, model/name, price proximity,
// category, and spec-field agreement, with an optional pluggable
// embedding blend. The interface generalizes the several "ML scoring
// adapter" inheritance chains the original system kept per scoring
// strategy into one Scorer type selected by configuration, per the
// single-interface design note.
package similarity

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	weightBrand    = 0.25
	weightModel    = 0.30
	weightPrice    = 0.20
	weightCategory = 0.15
	weightSpecs    = 0.10

	maxEmbeddingBoost = 0.10
)

// ProductFeatures is the subset of a product record the scorer
// compares between two retailers.
type ProductFeatures struct {
	Brand    string
	Name     string
	Price    decimal.Decimal
	Category string
	Storage  string
	RAM      string
	Screen   string
	Camera   string
	Color    string

	// IntelligentCategory/Tier are optional coarse tags; agreement on
	// either, when an embedding score is also present, contributes the
	// boost described in spec §4.6. Absence must not change
	// correctness, only ranking, per the "V5 intelligence" design note.
	IntelligentCategory string
	Tier                string
}

// Features is the bag of component scores returned alongside the
// final similarity, for persistence and debugging.
type Features map[string]float64

// EmbeddingProvider is an optional collaborator supplying an external
// embedding-based similarity in [0,1]. The core scorer does not know
// how the embedding was produced (it is out of scope, per spec §1).
type EmbeddingProvider interface {
	Similarity(a, b ProductFeatures) (score float64, ok bool)
}

// Confidence is the named confidence band for a similarity score.
type Confidence string

const (
	ConfidenceVeryHigh Confidence = "very_high"
	ConfidenceHigh      Confidence = "high"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceLow       Confidence = "low"
	ConfidenceUnmatched Confidence = "unmatched"
)

// MatchType is the named match-type band for a similarity score.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchSimilar  MatchType = "similar"
	MatchVariant  MatchType = "variant"
	MatchCategory MatchType = "category"
)

// Scorer computes pairwise product similarity, optionally blending in
// an embedding provider.
type Scorer struct {
	embed EmbeddingProvider
}

// New builds a Scorer. Pass nil to disable the embedding blend.
func New(embed EmbeddingProvider) *Scorer {
	return &Scorer{embed: embed}
}

// Score returns the clamped [0,1] similarity between a and b, together
// with the component feature bag.
func (s *Scorer) Score(a, b ProductFeatures) (float64, Features) {
	brandScore := brandSimilarity(a.Brand, b.Brand)
	modelScore := jaccard(tokenize(a.Name), tokenize(b.Name))
	priceScore := priceProximity(a.Price, b.Price)
	categoryScore := categorySimilarity(a.Category, b.Category)
	specsScore := specsSimilarity(a, b)

	boost := 0.0
	if s.embed != nil {
		if embedScore, ok := s.embed.Similarity(a, b); ok {
			modelScore = (modelScore + embedScore) / 2
			if agreesOnTag(a, b) {
				boost = maxEmbeddingBoost
			}
		}
	}

	total := weightBrand*brandScore +
		weightModel*modelScore +
		weightPrice*priceScore +
		weightCategory*categoryScore +
		weightSpecs*specsScore +
		boost

	total = clamp01(total)

	features := Features{
		"brand":    brandScore,
		"model":    modelScore,
		"price":    priceScore,
		"category": categoryScore,
		"specs":    specsScore,
		"boost":    boost,
	}
	return total, features
}

// ConfidenceBand buckets a similarity score into the named confidence
// tiers from spec §4.6.
func ConfidenceBand(score float64) Confidence {
	switch {
	case score >= 0.97:
		return ConfidenceVeryHigh
	case score >= 0.93:
		return ConfidenceHigh
	case score >= 0.87:
		return ConfidenceMedium
	case score >= 0.85:
		return ConfidenceLow
	default:
		return ConfidenceUnmatched
	}
}

// MatchTypeBand buckets a similarity score into the named match-type
// tiers from spec §4.6.
func MatchTypeBand(score float64) MatchType {
	switch {
	case score >= 0.95:
		return MatchExact
	case score >= 0.90:
		return MatchSimilar
	case score >= 0.85:
		return MatchVariant
	default:
		return MatchCategory
	}
}

func brandSimilarity(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	if strings.EqualFold(a, b) {
		return 1.0
	}
	return jaccard(tokenize(a), tokenize(b))
}

func categorySimilarity(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	if strings.EqualFold(a, b) {
		return 1.0
	}
	return 0.3
}

func priceProximity(a, b decimal.Decimal) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	lo, hi := a, b
	if hi.LessThan(lo) {
		lo, hi = hi, lo
	}
	ratio, _ := lo.Div(hi).Float64()
	switch {
	case ratio >= 0.8:
		return 1.0
	case ratio >= 0.6:
		return 0.7
	case ratio >= 0.4:
		return 0.4
	default:
		return 0.1
	}
}

var specFields = []func(ProductFeatures) string{
	func(p ProductFeatures) string { return p.Storage },
	func(p ProductFeatures) string { return p.RAM },
	func(p ProductFeatures) string { return p.Screen },
	func(p ProductFeatures) string { return p.Camera },
	func(p ProductFeatures) string { return p.Color },
}

func specsSimilarity(a, b ProductFeatures) float64 {
	var total float64
	var considered int
	for _, field := range specFields {
		va, vb := strings.TrimSpace(field(a)), strings.TrimSpace(field(b))
		if va == "" && vb == "" {
			continue
		}
		considered++
		switch {
		case strings.EqualFold(va, vb) && va != "":
			total += 1.0
		case sharesNumericToken(va, vb):
			total += 0.7
		}
	}
	if considered == 0 {
		return 0
	}
	return total / float64(considered)
}

func sharesNumericToken(a, b string) bool {
	numA := numericTokens(a)
	numB := numericTokens(b)
	if len(numA) == 0 || len(numB) == 0 {
		return false
	}
	for t := range numA {
		if numB[t] {
			return true
		}
	}
	return false
}

func numericTokens(s string) map[string]bool {
	out := make(map[string]bool)
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out[cur.String()] = true
			cur.Reset()
		}
	}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func agreesOnTag(a, b ProductFeatures) bool {
	if a.IntelligentCategory != "" && strings.EqualFold(a.IntelligentCategory, b.IntelligentCategory) {
		return true
	}
	if a.Tier != "" && strings.EqualFold(a.Tier, b.Tier) {
		return true
	}
	return false
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(strings.TrimSpace(s))) {
		out[tok] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
