// README: API gateway; wires middleware, CORS and route handlers onto a gin engine.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"surge/internal/http/handlers"
	"surge/internal/modules/geofence"
	"surge/internal/modules/location"
)

type ServerDeps struct {
	Pricing        handlers.PricingService
	Publisher      location.Publisher
	Indexer        geofence.Indexer
	Cells          handlers.CellReader
	Log            *zap.Logger
	AllowedOrigins []string
	// PingMaxAge rejects driver pings older than the presence window.
	PingMaxAge     time.Duration
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	return &Server{deps: deps}
}

// Routes returns the CORS-wrapped gin engine.
func (s *Server) Routes() http.Handler {
	engine := gin.New()
	NewRouter(engine, s.deps)

	return cors.Handler(cors.Options{
		AllowedOrigins: s.deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})(engine)
}
