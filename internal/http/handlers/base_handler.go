// README: Base handler utilities (JSON helpers, query parsing, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"surge/internal/modules/geofence"
	"surge/internal/modules/location"
	"surge/internal/modules/pricing"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pricing.ErrBadRequest), errors.Is(err, location.ErrInvalidLocation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, geofence.ErrInvalidCell):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// queryFloat reads a required float query parameter.
func queryFloat(c *gin.Context, name string) (float64, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		writeError(c, http.StatusBadRequest, "missing "+name)
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func queryLatLng(c *gin.Context, latName, lngName string) (float64, float64, bool) {
	lat, ok := queryFloat(c, latName)
	if !ok {
		return 0, 0, false
	}
	lng, ok := queryFloat(c, lngName)
	if !ok {
		return 0, 0, false
	}
	return lat, lng, true
}
