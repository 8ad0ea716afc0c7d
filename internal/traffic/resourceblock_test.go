package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldBlock_StaticHostBlocklist(t *testing.T) {
	p := NewResourcePolicy(SaverProfile{})
	blocked := p.ShouldBlock("https://www.google-analytics.com/collect", ResourceOther)
	assert.True(t, blocked)
	assert.Greater(t, p.BytesSaved(), int64(0))
}

func TestShouldBlock_PatternMatch(t *testing.T) {
	p := NewResourcePolicy(SaverProfile{})
	assert.True(t, p.ShouldBlock("https://cdn.example.com/tracker.js", ResourceScript))
}

func TestShouldBlock_ProfileControlsResourceType(t *testing.T) {
	p := NewResourcePolicy(SaverProfile{BlockImages: true})
	assert.True(t, p.ShouldBlock("https://cdn.example.com/product-photo.jpg", ResourceImage))
	assert.False(t, p.ShouldBlock("https://cdn.example.com/app.js", ResourceScript))
}

func TestShouldBlock_UnlistedHostPassesThrough(t *testing.T) {
	p := NewResourcePolicy(SaverProfile{})
	assert.False(t, p.ShouldBlock("https://falabella.com/product/iphone", ResourceOther))
}
