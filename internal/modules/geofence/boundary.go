// README: GeoJSON rendering of geofence cells for the inspection endpoint.
package geofence

import (
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

const wgs84SRID = 4326

// Polygon converts an indexer ring into a WGS84 polygon.
func Polygon(ring [][2]float64) (*geom.Polygon, error) {
	if len(ring) < 4 {
		return nil, fmt.Errorf("%w: ring has %d points", ErrInvalidCell, len(ring))
	}
	coords := make([]geom.Coord, len(ring))
	for i, p := range ring {
		coords[i] = geom.Coord{p[0], p[1]}
	}
	poly, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{coords})
	if err != nil {
		return nil, fmt.Errorf("geofence: build polygon: %w", err)
	}
	return poly.SetSRID(wgs84SRID), nil
}

// Feature builds a GeoJSON feature for cell with the given properties.
func Feature(idx Indexer, cell Cell, props map[string]interface{}) (*geojson.Feature, error) {
	ring, err := idx.Boundary(cell.ID)
	if err != nil {
		return nil, err
	}
	poly, err := Polygon(ring)
	if err != nil {
		return nil, err
	}
	if props == nil {
		props = map[string]interface{}{}
	}
	props["resolution"] = cell.Resolution
	props["scheme"] = idx.Scheme()
	return &geojson.Feature{
		ID:         cell.ID,
		Geometry:   poly,
		Properties: props,
	}, nil
}
