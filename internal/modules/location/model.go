// README: Driver location ping as received from drivers and carried on the ingestion stream.
package location

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidLocation = errors.New("location: invalid driver location")

// DriverLocation is one driver ping. Timestamp is epoch millis; zero means
// "now" at ingestion.
type DriverLocation struct {
	DriverID  string  `json:"driverId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

func (l DriverLocation) Validate() error {
	if l.DriverID == "" {
		return fmt.Errorf("%w: driverId is required", ErrInvalidLocation)
	}
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) || l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w: coordinates out of range (%f, %f)", ErrInvalidLocation, l.Lat, l.Lng)
	}
	return nil
}

// ObservedAt is the ping time, falling back to receivedAt.
func (l DriverLocation) ObservedAt(receivedAt time.Time) time.Time {
	if l.Timestamp <= 0 {
		return receivedAt
	}
	return time.UnixMilli(l.Timestamp)
}

// CheckAge rejects a ping whose timestamp is more than maxAge before now; it
// would fall outside the presence window. maxAge <= 0 disables the check.
func (l DriverLocation) CheckAge(now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 || l.Timestamp <= 0 {
		return nil
	}
	if age := now.Sub(time.UnixMilli(l.Timestamp)); age > maxAge {
		return fmt.Errorf("%w: timestamp %d is %s old, window is %s", ErrInvalidLocation, l.Timestamp, age.Truncate(time.Millisecond), maxAge)
	}
	return nil
}
