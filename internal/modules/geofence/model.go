// README: Geofence cell identity and the Redis key namespace for per-cell state.
package geofence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultCellID is returned by an Indexer for input it cannot place.
const DefaultCellID = "default"

const (
	keyPrefix = "geofence"

	suffixDrivers    = "drivers"
	suffixRequests   = "requests"
	suffixDemand     = "demand"
	suffixBaseline   = "baseline"
	suffixSurge      = "surge"
	suffixLastUpdate = "last_update"
)

var (
	ErrInvalidCell = errors.New("geofence: invalid cell")
	ErrBadKey      = errors.New("geofence: malformed key")
)

// Cell identifies one geofence at one resolution.
type Cell struct {
	Resolution int    `json:"resolution"`
	ID         string `json:"cellId"`
}

func (c Cell) String() string {
	return fmt.Sprintf("%d:%s", c.Resolution, c.ID)
}

func (c Cell) key(suffix string) string {
	return fmt.Sprintf("%s:%d:%s:%s", keyPrefix, c.Resolution, c.ID, suffix)
}

func (c Cell) DriversKey() string    { return c.key(suffixDrivers) }
func (c Cell) RequestsKey() string   { return c.key(suffixRequests) }
func (c Cell) DemandKey() string     { return c.key(suffixDemand) }
func (c Cell) BaselineKey() string   { return c.key(suffixBaseline) }
func (c Cell) SurgeKey() string      { return c.key(suffixSurge) }
func (c Cell) LastUpdateKey() string { return c.key(suffixLastUpdate) }

// driversKeyPattern matches every drivers window across resolutions.
const driversKeyPattern = keyPrefix + ":*:*:" + suffixDrivers

// parseDriversKey recovers the cell from a drivers window key.
func parseDriversKey(key string) (Cell, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != keyPrefix || parts[3] != suffixDrivers || parts[2] == "" {
		return Cell{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	res, err := strconv.Atoi(parts[1])
	if err != nil {
		return Cell{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return Cell{Resolution: res, ID: parts[2]}, nil
}

// Resolutions lists every resolution in [minRes, maxRes]. An inverted range
// collapses to the default resolution alone.
func Resolutions(defaultRes, minRes, maxRes int) []int {
	if minRes > maxRes {
		return []int{defaultRes}
	}
	out := make([]int, 0, maxRes-minRes+1)
	for r := minRes; r <= maxRes; r++ {
		out = append(out, r)
	}
	return out
}
