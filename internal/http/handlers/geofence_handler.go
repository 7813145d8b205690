// README: Geofence inspection handler returning a cell's boundary and live state as GeoJSON.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"surge/internal/modules/geofence"
)

// CellReader exposes the per-cell state shown by the inspection endpoint.
type CellReader interface {
	DriverCount(ctx context.Context, cell geofence.Cell, now time.Time) (int64, error)
	RideRequestCount(ctx context.Context, cell geofence.Cell, now time.Time) (int64, error)
	DemandCount(ctx context.Context, cell geofence.Cell) (int64, error)
	Baseline(ctx context.Context, cell geofence.Cell) (float64, error)
	Surge(ctx context.Context, cell geofence.Cell) (float64, error)
	LastUpdate(ctx context.Context, cell geofence.Cell) (time.Time, error)
}

type GeofenceHandler struct {
	index geofence.Indexer
	cells CellReader
}

func NewGeofenceHandler(index geofence.Indexer, cells CellReader) *GeofenceHandler {
	return &GeofenceHandler{index: index, cells: cells}
}

// Inspect handles GET /geofence/:resolution/:cellId.
func (h *GeofenceHandler) Inspect(c *gin.Context) {
	res, err := strconv.Atoi(c.Param("resolution"))
	if err != nil || !h.index.ValidResolution(res) {
		writeError(c, http.StatusBadRequest, "invalid resolution")
		return
	}
	cell := geofence.Cell{Resolution: res, ID: c.Param("cellId")}
	issued, err := h.index.Resolution(cell.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if issued != res {
		writeError(c, http.StatusBadRequest, fmt.Sprintf("cell %s is at resolution %d, not %d", cell.ID, issued, res))
		return
	}
	ctx := c.Request.Context()
	now := time.Now()

	props := map[string]interface{}{}
	if n, err := h.cells.DriverCount(ctx, cell, now); err == nil {
		props["driverCount"] = n
	}
	if n, err := h.cells.RideRequestCount(ctx, cell, now); err == nil {
		props["requestCount"] = n
	}
	if n, err := h.cells.DemandCount(ctx, cell); err == nil {
		props["demand"] = n
	}
	if v, err := h.cells.Baseline(ctx, cell); err == nil {
		props["baseline"] = v
	}
	if v, err := h.cells.Surge(ctx, cell); err == nil {
		props["surgeMultiplier"] = v
	}
	if t, err := h.cells.LastUpdate(ctx, cell); err == nil && !t.IsZero() {
		props["lastUpdate"] = t.UnixMilli()
	}

	feature, err := geofence.Feature(h.index, cell, props)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, feature)
}
