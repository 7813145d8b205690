package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"surge/internal/config"
)

func testSurgeConfig() config.SurgeConfig {
	return config.Default().Surge
}

func TestDistanceKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		wantKm, tolerance      float64
	}{
		{"same point", 12.9716, 77.5946, 12.9716, 77.5946, 0, 0.001},
		{"one degree of latitude", 0, 0, 1, 0, 111.19, 0.05},
		{"New York to Los Angeles", 40.7128, -74.0060, 34.0522, -118.2437, 3944, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			assert.InDelta(t, tt.wantKm, got, tt.tolerance)
		})
	}
}

func TestDistanceKm_Symmetry(t *testing.T) {
	d1 := DistanceKm(25.0, 121.0, 26.0, 122.0)
	d2 := DistanceKm(26.0, 122.0, 25.0, 121.0)
	assert.InDelta(t, d1, d2, 1e-9)
}

func TestSelectResolution(t *testing.T) {
	c := NewCalculator(testSurgeConfig())

	assert.Equal(t, 9, c.SelectResolution(3))
	assert.Equal(t, 9, c.SelectResolution(5))
	assert.Equal(t, 7, c.SelectResolution(25))
	assert.Equal(t, 7, c.SelectResolution(20))
	assert.Equal(t, 8, c.SelectResolution(12))
}

func TestSelectResolution_InvertedRangeUsesDefault(t *testing.T) {
	cfg := testSurgeConfig()
	cfg.MinH3Resolution, cfg.MaxH3Resolution = 10, 6
	c := NewCalculator(cfg)

	for _, d := range []float64{0, 3, 12, 50} {
		assert.Equal(t, 8, c.SelectResolution(d))
	}
}

func TestBasePrice(t *testing.T) {
	c := NewCalculator(testSurgeConfig())
	assert.InDelta(t, 250.0, c.BasePrice(12.5), 1e-9)
	assert.Equal(t, 10.0, c.BaseFare())

	c.SetRate(Rate{RideType: "standard", BaseFare: 15, PricePerKm: 30})
	assert.InDelta(t, 300.0, c.BasePrice(10), 1e-9)
	assert.Equal(t, 15.0, c.BaseFare())
}

func TestInstantaneousSurge(t *testing.T) {
	c := NewCalculator(testSurgeConfig())

	tests := []struct {
		name              string
		requests, drivers int64
		want              float64
	}{
		{"no drivers", 3, 0, 3.0},
		{"negative drivers", 0, -1, 3.0},
		{"balanced", 4, 4, 1.0},
		{"fewer requests", 1, 10, 1.0},
		{"ten requests four drivers", 10, 4, 2.25},
		{"capped", 100, 2, 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.InstantaneousSurge(tt.requests, tt.drivers), 1e-9)
		})
	}
}

func TestInstantaneousSurge_BoundsAndMonotonic(t *testing.T) {
	cfg := testSurgeConfig()
	c := NewCalculator(cfg)

	for d := int64(0); d <= 20; d++ {
		prev := 0.0
		for r := int64(0); r <= 80; r++ {
			got := c.InstantaneousSurge(r, d)
			assert.GreaterOrEqual(t, got, cfg.BaseSurgeMultiplier)
			assert.LessOrEqual(t, got, cfg.MaxSurgeMultiplier)
			if d > 0 {
				assert.GreaterOrEqual(t, got, prev, "r=%d d=%d", r, d)
				if r <= d {
					assert.Equal(t, 1.0, got)
				}
			}
			prev = got
		}
	}
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 2.5, Ratio(10, 4))
	assert.Equal(t, 7.0, Ratio(7, 0))
	assert.False(t, math.IsNaN(Ratio(0, 0)))
}
