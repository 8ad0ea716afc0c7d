package similarity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func price(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestScore_IdenticalProductsScoreHigh(t *testing.T) {
	s := New(nil)
	a := ProductFeatures{Brand: "Apple", Name: "iPhone 15 Pro 256GB", Price: price(900000), Category: "celulares", Storage: "256GB"}
	b := a

	score, _ := s.Score(a, b)
	assert.GreaterOrEqual(t, score, 0.95)
	assert.Equal(t, MatchExact, MatchTypeBand(score))
}

func TestScore_DifferentBrandsScoreLow(t *testing.T) {
	s := New(nil)
	a := ProductFeatures{Brand: "Apple", Name: "iPhone 15 Pro", Price: price(900000), Category: "celulares"}
	b := ProductFeatures{Brand: "Samsung", Name: "Galaxy S24", Price: price(850000), Category: "celulares"}

	score, _ := s.Score(a, b)
	assert.Less(t, score, 0.5)
	assert.Equal(t, ConfidenceUnmatched, ConfidenceBand(score))
}

func TestScore_EmptyFieldsScoreZeroComponent(t *testing.T) {
	s := New(nil)
	a := ProductFeatures{Brand: "", Name: "Something", Price: price(100)}
	b := ProductFeatures{Brand: "Sony", Name: "Other", Price: price(100)}

	_, features := s.Score(a, b)
	assert.Equal(t, 0.0, features["brand"])
}

func TestPriceProximity_Bands(t *testing.T) {
	assert.Equal(t, 1.0, priceProximity(price(100), price(90)))
	assert.Equal(t, 0.7, priceProximity(price(100), price(65)))
	assert.Equal(t, 0.4, priceProximity(price(100), price(45)))
	assert.Equal(t, 0.1, priceProximity(price(100), price(10)))
}

type stubEmbed struct {
	score float64
	ok    bool
}

func (s stubEmbed) Similarity(a, b ProductFeatures) (float64, bool) { return s.score, s.ok }

func TestScore_EmbeddingBoostRequiresTagAgreement(t *testing.T) {
	a := ProductFeatures{Brand: "Apple", Name: "iPhone 15", Price: price(900000), Category: "celulares", IntelligentCategory: "flagship"}
	b := ProductFeatures{Brand: "Apple", Name: "iPhone 15", Price: price(900000), Category: "celulares", IntelligentCategory: "flagship"}

	withoutEmbed := New(nil)
	baseline, _ := withoutEmbed.Score(a, b)

	withEmbed := New(stubEmbed{score: 0.9, ok: true})
	boosted, _ := withEmbed.Score(a, b)

	assert.GreaterOrEqual(t, boosted, baseline-0.01)

	c := b
	c.IntelligentCategory = "budget"
	unboosted, _ := withEmbed.Score(a, c)
	assert.Greater(t, boosted, unboosted)
}

func TestScore_ClampedToUnitInterval(t *testing.T) {
	s := New(stubEmbed{score: 1.0, ok: true})
	a := ProductFeatures{Brand: "Apple", Name: "iPhone", Price: price(1000), Category: "c", IntelligentCategory: "x"}
	b := a
	score, _ := s.Score(a, b)
	assert.LessOrEqual(t, score, 1.0)
}
