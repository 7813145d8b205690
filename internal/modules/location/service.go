// README: Location service writes driver presence into every configured geofence resolution.
package location

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"surge/internal/modules/geofence"
)

// PresenceStore records driver presence per cell.
type PresenceStore interface {
	RecordDriverPresence(ctx context.Context, cell geofence.Cell, driverID string, observedAt, now time.Time) error
}

type Service struct {
	index       geofence.Indexer
	store       PresenceStore
	resolutions []int
	maxAge      time.Duration
	log         *zap.Logger
	now         func() time.Time
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log.Named("location")
		}
	}
}

// WithMaxAge rejects pings timestamped more than d before receipt.
func WithMaxAge(d time.Duration) Option {
	return func(s *Service) { s.maxAge = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(index geofence.Indexer, store PresenceStore, resolutions []int, opts ...Option) *Service {
	s := &Service{
		index:       index,
		store:       store,
		resolutions: resolutions,
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Resolutions() []int { return s.resolutions }

// IngestDriverLocation records the ping in the driver's cell at every
// resolution. A failed resolution does not stop the others; all failures are
// returned joined.
func (s *Service) IngestDriverLocation(ctx context.Context, loc DriverLocation) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	now := s.now()
	if err := loc.CheckAge(now, s.maxAge); err != nil {
		s.log.Warn("stale driver ping rejected", zap.String("driver_id", loc.DriverID), zap.Error(err))
		return err
	}
	observed := loc.ObservedAt(now)

	var errs []error
	for _, res := range s.resolutions {
		cell := geofence.Cell{Resolution: res, ID: s.index.CellID(loc.Lat, loc.Lng, res)}
		if err := s.store.RecordDriverPresence(ctx, cell, loc.DriverID, observed, now); err != nil {
			s.log.Warn("driver presence write dropped",
				zap.String("driver_id", loc.DriverID),
				zap.Stringer("cell", cell),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
