// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"surge/internal/http/handlers"
	"surge/internal/http/middleware"
)

func NewRouter(r *gin.Engine, deps ServerDeps) {
	r.Use(middleware.RequestID(), middleware.Logging(deps.Log), middleware.Recovery(deps.Log))

	pricingHandler := handlers.NewPricingHandler(deps.Pricing)
	r.GET("/price", pricingHandler.Price)
	r.POST("/rider/book", pricingHandler.Book)
	r.GET("/rider/stream", pricingHandler.Stream)

	driverHandler := handlers.NewDriverHandler(deps.Publisher, deps.Pricing, deps.PingMaxAge)
	r.POST("/driver/location", driverHandler.Location)
	r.POST("/driver/location/batch", driverHandler.LocationBatch)
	r.GET("/driver/availability", driverHandler.Availability)
	r.GET("/driver/health", driverHandler.Health)

	geofenceHandler := handlers.NewGeofenceHandler(deps.Indexer, deps.Cells)
	r.GET("/geofence/:resolution/:cellId", geofenceHandler.Inspect)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
}
