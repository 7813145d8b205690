package geofence

import (
	"math"
	"testing"

	"github.com/golang/geo/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func indexers() []Indexer {
	return []Indexer{NewIndexer(SchemeS2, zap.NewNop()), NewIndexer(SchemeGeohash, zap.NewNop())}
}

func TestCellID_Deterministic(t *testing.T) {
	for _, idx := range indexers() {
		t.Run(idx.Scheme(), func(t *testing.T) {
			a := idx.CellID(12.9716, 77.5946, 8)
			b := idx.CellID(12.9716, 77.5946, 8)
			assert.Equal(t, a, b)
			assert.NotEqual(t, DefaultCellID, a)
		})
	}
}

func TestCellID_InvalidInputReturnsDefault(t *testing.T) {
	tests := []struct {
		name       string
		lat, lng   float64
		resolution int
	}{
		{"nan lat", math.NaN(), 77.59, 8},
		{"nan lng", 12.97, math.NaN(), 8},
		{"lat above 90", 91, 0, 8},
		{"lat below -90", -90.5, 0, 8},
		{"lng above 180", 0, 180.1, 8},
		{"inf", math.Inf(1), 0, 8},
		{"negative resolution", 12.97, 77.59, -1},
		{"resolution too fine", 12.97, 77.59, 16},
	}
	for _, idx := range indexers() {
		for _, tt := range tests {
			t.Run(idx.Scheme()+"/"+tt.name, func(t *testing.T) {
				assert.Equal(t, DefaultCellID, idx.CellID(tt.lat, tt.lng, tt.resolution))
			})
		}
	}
}

func TestCellID_Edges(t *testing.T) {
	for _, idx := range indexers() {
		assert.NotEqual(t, DefaultCellID, idx.CellID(90, 180, 8), idx.Scheme())
		assert.NotEqual(t, DefaultCellID, idx.CellID(-90, -180, 8), idx.Scheme())
	}
}

func TestS2Indexer_LevelFollowsResolution(t *testing.T) {
	idx := NewIndexer(SchemeS2, nil)
	for res := 0; res <= 15; res++ {
		id := s2.CellIDFromToken(idx.CellID(40.7128, -74.0060, res))
		require.True(t, id.IsValid(), "resolution %d", res)
		assert.Equal(t, res+6, id.Level())
	}
}

func TestS2Indexer_FinerCellsNestInCoarser(t *testing.T) {
	idx := NewIndexer(SchemeS2, nil)
	fine := s2.CellIDFromToken(idx.CellID(40.7128, -74.0060, 9))
	coarse := s2.CellIDFromToken(idx.CellID(40.7128, -74.0060, 7))
	assert.True(t, coarse.Contains(fine))
}

func TestGeohashIndexer(t *testing.T) {
	idx := NewIndexer(SchemeGeohash, nil)

	assert.Equal(t, "u4pruy", idx.CellID(57.64911, 10.40744, 8))
	assert.Equal(t, "u4pru", idx.CellID(57.64911, 10.40744, 7))
	assert.Equal(t, DefaultCellID, idx.CellID(57.64911, 10.40744, 2))
	assert.Equal(t, DefaultCellID, idx.CellID(57.64911, 10.40744, 15))
}

func TestNewIndexer_UnknownSchemeFallsBackToS2(t *testing.T) {
	assert.Equal(t, SchemeS2, NewIndexer("h3", nil).Scheme())
	assert.Equal(t, SchemeS2, NewIndexer("", nil).Scheme())
}

func TestGuard_RecoversPanic(t *testing.T) {
	got := guard(zap.NewNop(), 1, 2, 8, func() string { panic("boom") })
	assert.Equal(t, DefaultCellID, got)
}

func TestBoundary_RoundTrip(t *testing.T) {
	for _, idx := range indexers() {
		t.Run(idx.Scheme(), func(t *testing.T) {
			id := idx.CellID(-33.8688, 151.2093, 9)
			ring, err := idx.Boundary(id)
			require.NoError(t, err)
			require.Len(t, ring, 5)
			assert.Equal(t, ring[0], ring[4])

			var lng, lat float64
			for _, p := range ring[:4] {
				lng += p[0]
				lat += p[1]
			}
			assert.Equal(t, id, idx.CellID(lat/4, lng/4, 9))
		})
	}
}

func TestBoundary_RejectsGarbage(t *testing.T) {
	for _, idx := range indexers() {
		_, err := idx.Boundary("not-a-cell!")
		assert.ErrorIs(t, err, ErrInvalidCell, idx.Scheme())
		_, err = idx.Boundary(DefaultCellID)
		assert.ErrorIs(t, err, ErrInvalidCell, idx.Scheme())
	}
}

func TestIndexer_ResolutionOfCellID(t *testing.T) {
	for _, idx := range indexers() {
		t.Run(idx.Scheme(), func(t *testing.T) {
			for _, res := range []int{7, 8, 9} {
				got, err := idx.Resolution(idx.CellID(12.9716, 77.5946, res))
				require.NoError(t, err)
				assert.Equal(t, res, got)
			}
			_, err := idx.Resolution(DefaultCellID)
			assert.ErrorIs(t, err, ErrInvalidCell)
		})
	}
}

func TestResolutions(t *testing.T) {
	assert.Equal(t, []int{7, 8, 9}, Resolutions(8, 7, 9))
	assert.Equal(t, []int{8}, Resolutions(8, 8, 8))
	assert.Equal(t, []int{8}, Resolutions(8, 9, 7))
}

func TestParseDriversKey(t *testing.T) {
	cell := Cell{Resolution: 8, ID: "89c25"}
	got, err := parseDriversKey(cell.DriversKey())
	require.NoError(t, err)
	assert.Equal(t, cell, got)

	for _, k := range []string{
		"geofence:x:89c25:drivers",
		"geofence:8:89c25:requests",
		"geofence:8::drivers",
		"geofence:8:a:b:drivers",
		"other:8:89c25:drivers",
	} {
		_, err := parseDriversKey(k)
		assert.ErrorIs(t, err, ErrBadKey, k)
	}
}

func TestFeature(t *testing.T) {
	idx := NewIndexer(SchemeGeohash, nil)
	cell := Cell{Resolution: 8, ID: idx.CellID(57.64911, 10.40744, 8)}

	f, err := Feature(idx, cell, map[string]interface{}{"surge": 1.4})
	require.NoError(t, err)
	assert.Equal(t, cell.ID, f.ID)
	assert.Equal(t, 1.4, f.Properties["surge"])
	assert.Equal(t, 8, f.Properties["resolution"])

	b, err := f.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"Polygon"`)
}
