// README: Stateless pricing math: haversine distance, adaptive resolution, base price and instantaneous surge.
package pricing

import (
	"math"
	"sync"

	"surge/internal/config"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometres between two
// points given in decimal degrees.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(degreesToRadians(lat1))*math.Cos(degreesToRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Calculator applies the configured fare schedule. The rate may be swapped at
// runtime by the rate-card refresher.
type Calculator struct {
	cfg config.SurgeConfig

	mu   sync.RWMutex
	rate Rate
}

func NewCalculator(cfg config.SurgeConfig) *Calculator {
	return &Calculator{
		cfg:  cfg,
		rate: Rate{RideType: "config", BaseFare: cfg.BaseFare, PricePerKm: cfg.PricePerKm},
	}
}

func (c *Calculator) Rate() Rate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

func (c *Calculator) SetRate(r Rate) {
	c.mu.Lock()
	c.rate = r
	c.mu.Unlock()
}

func (c *Calculator) DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	return DistanceKm(lat1, lng1, lat2, lng2)
}

// SelectResolution picks finer cells for short trips and coarser ones for long
// trips. An inverted min/max range disables adaptation.
func (c *Calculator) SelectResolution(distanceKm float64) int {
	minRes, maxRes := c.cfg.MinH3Resolution, c.cfg.MaxH3Resolution
	if minRes > maxRes {
		return c.cfg.H3Resolution
	}
	if distanceKm <= c.cfg.ShortTripKmThreshold {
		return maxRes
	}
	if distanceKm >= c.cfg.LongTripKmThreshold {
		return minRes
	}
	return c.cfg.H3Resolution
}

func (c *Calculator) BasePrice(distanceKm float64) float64 {
	return distanceKm * c.Rate().PricePerKm
}

func (c *Calculator) BaseFare() float64 {
	return c.Rate().BaseFare
}

// InstantaneousSurge estimates surge from live counts with no smoothing.
// No drivers means maximum surge; up to one request per driver means none.
func (c *Calculator) InstantaneousSurge(requestCount, driverCount int64) float64 {
	if driverCount <= 0 {
		return c.cfg.MaxSurgeMultiplier
	}
	ratio := float64(requestCount) / float64(driverCount)
	surge := 1.0
	if ratio > 1.0 {
		surge = math.Min(1.0+ratio/2.0, c.cfg.MaxSurgeMultiplier)
	}
	return math.Max(surge, c.cfg.BaseSurgeMultiplier)
}

// Ratio is requests per driver, or the raw request count with no drivers.
func Ratio(requestCount, driverCount int64) float64 {
	if driverCount > 0 {
		return float64(requestCount) / float64(driverCount)
	}
	return float64(requestCount)
}
