package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCTRForPosition_Boundaries(t *testing.T) {
	assert.Equal(t, 0.2823, CTRForPosition(1))
	assert.Equal(t, 0.0214, CTRForPosition(10))
	assert.Equal(t, 0.0050, CTRForPosition(31))
	assert.Equal(t, 0.0050, CTRForPosition(100))
	assert.Equal(t, CTRForPosition(1), CTRForPosition(0), "non-positive positions clamp to position 1")
}

func TestEstimatedTraffic_DefaultsMissingVolume(t *testing.T) {
	got := EstimatedTraffic(nil, 1)
	assert.Equal(t, float64(DefaultAvgMonthlySearches)*CTRForPosition(1), got)
}

func TestEstimatedTraffic_UsesProvidedVolume(t *testing.T) {
	volume := 5000
	got := EstimatedTraffic(&volume, 10)
	assert.InDelta(t, 5000*0.0214, got, 0.0001)
}
