// README: Driver-facing handlers: location intake, nearby demand and health.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"surge/internal/modules/location"
)

type DriverHandler struct {
	publisher location.Publisher
	pricing   PricingService
	// maxAge bounds how old a ping timestamp may be; zero disables the check.
	maxAge    time.Duration
}

func NewDriverHandler(pub location.Publisher, svc PricingService, maxAge time.Duration) *DriverHandler {
	return &DriverHandler{publisher: pub, pricing: svc, maxAge: maxAge}
}

func (h *DriverHandler) validate(loc location.DriverLocation, now time.Time) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	return loc.CheckAge(now, h.maxAge)
}

// Location handles POST /driver/location. The ping is accepted once handed
// to ingestion; 503 when ingestion refuses it.
func (h *DriverHandler) Location(c *gin.Context) {
	var loc location.DriverLocation
	if err := c.ShouldBindJSON(&loc); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.validate(loc, time.Now()); err != nil {
		writeServiceError(c, err)
		return
	}
	if _, err := h.publisher.Publish(c.Request.Context(), loc); err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusServiceUnavailable, "ingestion unavailable")
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"status": "accepted", "driverId": loc.DriverID})
}

// LocationBatch handles POST /driver/location/batch. Invalid and stale entries
// are skipped; the response counts what was accepted, with 503 when ingestion
// refused any of the rest.
func (h *DriverHandler) LocationBatch(c *gin.Context) {
	var locs []location.DriverLocation
	if err := c.ShouldBindJSON(&locs); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	now := time.Now()
	valid := make([]location.DriverLocation, 0, len(locs))
	for _, l := range locs {
		if h.validate(l, now) == nil {
			valid = append(valid, l)
		}
	}
	accepted, err := h.publisher.Publish(c.Request.Context(), valid...)
	if err != nil {
		_ = c.Error(err)
	}
	if accepted < len(valid) {
		writeJSON(c, http.StatusServiceUnavailable, gin.H{"error": "ingestion unavailable", "count": accepted})
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"status": "accepted", "count": accepted})
}

// Availability handles GET /driver/availability?lat=&lng=.
func (h *DriverHandler) Availability(c *gin.Context) {
	lat, lng, ok := queryLatLng(c, "lat", "lng")
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, h.pricing.NearbyDemand(c.Request.Context(), lat, lng))
}

func (h *DriverHandler) Health(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "healthy", "service": "driver-location"})
}
