package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyMarkup(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		expected float64
	}{
		{"zero stays zero", 0, 0},
		{"typical price", 49.99, 50.99},
		{"small price", 0.99, 1.01},
		{"round price", 100, 102},
		{"repeating fraction rounds", 33.33, 34.00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ApplyMarkup(tt.price))
		})
	}
}

func TestApplyMarkupPercent(t *testing.T) {
	assert.Equal(t, 55.00, ApplyMarkupPercent(50, 10))
	assert.Equal(t, 50.00, ApplyMarkupPercent(50, 0))
	// Exact decimal math: no float drift on cent boundaries.
	assert.Equal(t, 21.41, ApplyMarkupPercent(19.99, 7.1))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.01, Round2(1.005))
	assert.Equal(t, 1.0, Round2(1.0049))
	assert.Equal(t, 0.0, Round2(0))
	assert.Equal(t, -1.01, Round2(-1.005))
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, 5.00, PercentOf(50, 10))
	assert.Equal(t, 0.0, PercentOf(50, 0))
	assert.Equal(t, 2.00, PercentOf(19.99, 10.005))
}
