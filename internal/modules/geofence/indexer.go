// README: Spatial indexers mapping coordinates to geofence cell ids (S2 cells or geohashes).
package geofence

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s2"
	"github.com/mmcloughlin/geohash"
	"go.uber.org/zap"
)

const (
	SchemeS2      = "s2"
	SchemeGeohash = "geohash"

	// s2LevelOffset maps resolution 8 to S2 level 14 (~0.3 km² cells).
	s2LevelOffset = 6
	s2MinRes      = 0
	s2MaxRes      = 15

	// geohashPrecisionOffset maps resolution 8 to a 6-character geohash.
	geohashPrecisionOffset = 2
	geohashMinRes          = 3
	geohashMaxRes          = 14

	geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"
)

// Indexer maps coordinates to cell ids. CellID never fails: bad input yields
// DefaultCellID.
type Indexer interface {
	Scheme() string
	CellID(lat, lng float64, resolution int) string
	// Boundary returns the cell outline as a closed ring of [lng, lat] pairs.
	Boundary(cellID string) ([][2]float64, error)
	// Resolution reports the resolution a well-formed cell id was issued at.
	Resolution(cellID string) (int, error)
	ValidResolution(resolution int) bool
}

// NewIndexer returns the indexer for scheme; unknown schemes fall back to S2.
func NewIndexer(scheme string, log *zap.Logger) Indexer {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("indexer")
	switch scheme {
	case SchemeGeohash:
		return &GeohashIndexer{log: log}
	case SchemeS2, "":
		return &S2Indexer{log: log}
	default:
		log.Warn("unknown geofence scheme, using s2", zap.String("scheme", scheme))
		return &S2Indexer{log: log}
	}
}

func validCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// guard converts a panic in the wrapped computation into DefaultCellID.
func guard(log *zap.Logger, lat, lng float64, resolution int, fn func() string) (id string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("cell computation panicked",
				zap.Float64("lat", lat), zap.Float64("lng", lng),
				zap.Int("resolution", resolution), zap.Any("panic", r))
			id = DefaultCellID
		}
	}()
	return fn()
}

type S2Indexer struct {
	log *zap.Logger
}

func (x *S2Indexer) Scheme() string { return SchemeS2 }

func (x *S2Indexer) ValidResolution(resolution int) bool {
	return resolution >= s2MinRes && resolution <= s2MaxRes
}

func (x *S2Indexer) CellID(lat, lng float64, resolution int) string {
	if !validCoord(lat, lng) || !x.ValidResolution(resolution) {
		x.log.Warn("invalid cell input",
			zap.Float64("lat", lat), zap.Float64("lng", lng), zap.Int("resolution", resolution))
		return DefaultCellID
	}
	return guard(x.log, lat, lng, resolution, func() string {
		ll := s2.LatLngFromDegrees(lat, lng)
		return s2.CellIDFromLatLng(ll).Parent(resolution + s2LevelOffset).ToToken()
	})
}

func (x *S2Indexer) Boundary(cellID string) ([][2]float64, error) {
	id := s2.CellIDFromToken(cellID)
	if !id.IsValid() {
		return nil, fmt.Errorf("%w: s2 token %q", ErrInvalidCell, cellID)
	}
	cell := s2.CellFromCellID(id)
	ring := make([][2]float64, 0, 5)
	for k := 0; k < 4; k++ {
		ll := s2.LatLngFromPoint(cell.Vertex(k))
		ring = append(ring, [2]float64{ll.Lng.Degrees(), ll.Lat.Degrees()})
	}
	return append(ring, ring[0]), nil
}

func (x *S2Indexer) Resolution(cellID string) (int, error) {
	id := s2.CellIDFromToken(cellID)
	if !id.IsValid() || id.Level() < s2LevelOffset {
		return 0, fmt.Errorf("%w: s2 token %q", ErrInvalidCell, cellID)
	}
	return id.Level() - s2LevelOffset, nil
}

type GeohashIndexer struct {
	log *zap.Logger
}

func (x *GeohashIndexer) Scheme() string { return SchemeGeohash }

func (x *GeohashIndexer) ValidResolution(resolution int) bool {
	return resolution >= geohashMinRes && resolution <= geohashMaxRes
}

func (x *GeohashIndexer) CellID(lat, lng float64, resolution int) string {
	if !validCoord(lat, lng) || !x.ValidResolution(resolution) {
		x.log.Warn("invalid cell input",
			zap.Float64("lat", lat), zap.Float64("lng", lng), zap.Int("resolution", resolution))
		return DefaultCellID
	}
	return guard(x.log, lat, lng, resolution, func() string {
		return geohash.EncodeWithPrecision(lat, lng, uint(resolution-geohashPrecisionOffset))
	})
}

func validGeohash(cellID string) error {
	if cellID == "" || len(cellID) > geohashMaxRes-geohashPrecisionOffset {
		return fmt.Errorf("%w: geohash %q", ErrInvalidCell, cellID)
	}
	for _, c := range cellID {
		if !strings.ContainsRune(geohashAlphabet, c) {
			return fmt.Errorf("%w: geohash %q", ErrInvalidCell, cellID)
		}
	}
	return nil
}

func (x *GeohashIndexer) Resolution(cellID string) (int, error) {
	if err := validGeohash(cellID); err != nil {
		return 0, err
	}
	return len(cellID) + geohashPrecisionOffset, nil
}

func (x *GeohashIndexer) Boundary(cellID string) ([][2]float64, error) {
	if err := validGeohash(cellID); err != nil {
		return nil, err
	}
	box := geohash.BoundingBox(cellID)
	return [][2]float64{
		{box.MinLng, box.MinLat},
		{box.MaxLng, box.MinLat},
		{box.MaxLng, box.MaxLat},
		{box.MinLng, box.MaxLat},
		{box.MinLng, box.MinLat},
	}, nil
}
