// README: Pricing request/response types and the per-ride-type rate card.
package pricing

import (
	"errors"
	"math"
	"time"
)

var (
	ErrBadRequest   = errors.New("pricing: bad request")
	ErrRateNotFound = errors.New("pricing: rate not found")
)

// Rate is the fare schedule for one ride type.
type Rate struct {
	RideType   string
	BaseFare   float64
	PricePerKm float64
	UpdatedAt  time.Time
}

// PriceQuote answers the O(1) lookup: flat fare plus the stored surge.
type PriceQuote struct {
	BaseFare        float64 `json:"baseFare"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	GeofenceID      string  `json:"geofenceId"`
}

type BookingRequest struct {
	RiderID    string  `json:"riderId"`
	PickupLat  float64 `json:"pickupLat"`
	PickupLng  float64 `json:"pickupLng"`
	DropLat    float64 `json:"dropLat"`
	DropLng    float64 `json:"dropLng"`
	PickupName string  `json:"pickupName,omitempty"`
	DropName   string  `json:"dropName,omitempty"`
}

func validLatLng(lat, lng float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lng) &&
		lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func (r BookingRequest) Validate() error {
	if r.RiderID == "" {
		return errors.Join(ErrBadRequest, errors.New("riderId is required"))
	}
	if !validLatLng(r.PickupLat, r.PickupLng) {
		return errors.Join(ErrBadRequest, errors.New("pickup coordinates out of range"))
	}
	if !validLatLng(r.DropLat, r.DropLng) {
		return errors.Join(ErrBadRequest, errors.New("drop coordinates out of range"))
	}
	return nil
}

// BookingQuote is the priced booking returned to riders and live streams.
type BookingQuote struct {
	RequestID       string  `json:"requestId"`
	RiderID         string  `json:"riderId"`
	DistanceKm      float64 `json:"distanceKm"`
	BasePrice       float64 `json:"basePrice"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	FinalPrice      float64 `json:"finalPrice"`
	GeofenceID      string  `json:"geofenceId"`
	Resolution      int     `json:"resolution"`
	NearbyDrivers   int64   `json:"nearbyDrivers"`
	RequestCount    int64   `json:"requestCount"`
	Ratio           float64 `json:"ratio"`
	PickupName      string  `json:"pickupName,omitempty"`
	DropName        string  `json:"dropName,omitempty"`
}

// RideRequestRecord is the JSON member stored in a cell's request window.
type RideRequestRecord struct {
	RequestID       string  `json:"requestId"`
	RiderID         string  `json:"riderId"`
	PickupLat       float64 `json:"pickupLat"`
	PickupLng       float64 `json:"pickupLng"`
	DropLat         float64 `json:"dropLat"`
	DropLng         float64 `json:"dropLng"`
	DistanceKm      float64 `json:"distanceKm"`
	BasePrice       float64 `json:"basePrice"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	FinalPrice      float64 `json:"finalPrice"`
	GeofenceID      string  `json:"geofenceId"`
	Resolution      int     `json:"resolution"`
	PickupName      string  `json:"pickupName,omitempty"`
	DropName        string  `json:"dropName,omitempty"`
	CreatedAt       int64   `json:"createdAt"`
}

// Availability is the driver-facing view of a location's supply and demand.
type Availability struct {
	GeofenceID     string              `json:"geofenceId"`
	DriverCount    int64               `json:"driverCount"`
	ActiveRequests []RideRequestRecord `json:"activeRequests"`
}
