// README: Rider-facing pricing handlers: O(1) price lookup, booking quote and the live SSE price feed.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"surge/internal/modules/pricing"
)

// PricingService is the pricing surface the rider endpoints use.
type PricingService interface {
	QuotePrice(ctx context.Context, lat, lng float64) pricing.PriceQuote
	QuoteBooking(ctx context.Context, req pricing.BookingRequest) (pricing.BookingQuote, error)
	StreamPrice(ctx context.Context, req pricing.BookingRequest, emit func(pricing.BookingQuote) error) error
	NearbyDemand(ctx context.Context, lat, lng float64) pricing.Availability
}

type PricingHandler struct {
	pricing PricingService
}

func NewPricingHandler(svc PricingService) *PricingHandler {
	return &PricingHandler{pricing: svc}
}

// Price handles GET /price?lat=&lng=.
func (h *PricingHandler) Price(c *gin.Context) {
	lat, lng, ok := queryLatLng(c, "lat", "lng")
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, h.pricing.QuotePrice(c.Request.Context(), lat, lng))
}

// Book handles POST /rider/book.
func (h *PricingHandler) Book(c *gin.Context) {
	var req pricing.BookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	quote, err := h.pricing.QuoteBooking(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, quote)
}

// Stream handles GET /rider/stream as server-sent "price" events until the
// client disconnects.
func (h *PricingHandler) Stream(c *gin.Context) {
	pickupLat, pickupLng, ok := queryLatLng(c, "pickupLat", "pickupLng")
	if !ok {
		return
	}
	dropLat, dropLng, ok := queryLatLng(c, "dropLat", "dropLng")
	if !ok {
		return
	}
	req := pricing.BookingRequest{
		RiderID:    c.DefaultQuery("riderId", "rider_live"),
		PickupLat:  pickupLat,
		PickupLng:  pickupLng,
		DropLat:    dropLat,
		DropLng:    dropLng,
		PickupName: c.Query("pickupName"),
		DropName:   c.Query("dropName"),
	}
	if err := req.Validate(); err != nil {
		writeServiceError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	err := h.pricing.StreamPrice(ctx, req, func(q pricing.BookingQuote) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.SSEvent("price", q)
		c.Writer.Flush()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		_ = c.Error(err)
	}
}
