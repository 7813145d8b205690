// README: Pricing service answers price lookups, booking quotes, live price streams and nearby-demand queries.
package pricing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"surge/internal/config"
	"surge/internal/modules/geofence"
)

// CellStore is the slice of the geofence window store the pricing paths read and write.
type CellStore interface {
	DriverCount(ctx context.Context, cell geofence.Cell, now time.Time) (int64, error)
	RideRequestCount(ctx context.Context, cell geofence.Cell, now time.Time) (int64, error)
	ActiveRideRequests(ctx context.Context, cell geofence.Cell, now time.Time) ([]string, error)
	RecordRideRequest(ctx context.Context, cell geofence.Cell, record string, now time.Time) error
	IncrementDemand(ctx context.Context, cell geofence.Cell) (int64, error)
	Surge(ctx context.Context, cell geofence.Cell) (float64, error)
}

// RateSource loads the fare schedule for a ride type.
type RateSource interface {
	GetRate(ctx context.Context, rideType string) (Rate, error)
}

type Service struct {
	cfg      config.SurgeConfig
	rideType string
	poll     time.Duration
	calc     *Calculator
	index    geofence.Indexer
	cells    CellStore
	rates    RateSource
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithRateSource enables rate-card lookups; without one the configured fares apply.
func WithRateSource(rates RateSource, rideType string) Option {
	return func(s *Service) {
		s.rates = rates
		if rideType != "" {
			s.rideType = rideType
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log.Named("pricing")
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(cfg config.SurgeConfig, index geofence.Indexer, cells CellStore, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		rideType: "standard",
		poll:     2 * time.Second,
		calc:     NewCalculator(cfg),
		index:    index,
		cells:    cells,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Calculator() *Calculator { return s.calc }

// QuotePrice reads the worker-maintained surge for the location's default
// cell. Read failures quote the base multiplier.
func (s *Service) QuotePrice(ctx context.Context, lat, lng float64) PriceQuote {
	res := s.cfg.H3Resolution
	cell := geofence.Cell{Resolution: res, ID: s.index.CellID(lat, lng, res)}

	surge, err := s.cells.Surge(ctx, cell)
	if err != nil {
		s.log.Warn("surge read failed, quoting base", zap.Stringer("cell", cell), zap.Error(err))
		surge = s.cfg.BaseSurgeMultiplier
	}
	return PriceQuote{
		BaseFare:        s.calc.BaseFare(),
		SurgeMultiplier: surge,
		GeofenceID:      cell.ID,
	}
}

type trip struct {
	req        BookingRequest
	distanceKm float64
	basePrice  float64
	cell       geofence.Cell
}

func (s *Service) planTrip(req BookingRequest) trip {
	d := s.calc.DistanceKm(req.PickupLat, req.PickupLng, req.DropLat, req.DropLng)
	res := s.calc.SelectResolution(d)
	return trip{
		req:        req,
		distanceKm: d,
		basePrice:  s.calc.BasePrice(d),
		cell:       geofence.Cell{Resolution: res, ID: s.index.CellID(req.PickupLat, req.PickupLng, res)},
	}
}

func (s *Service) counts(ctx context.Context, cell geofence.Cell, now time.Time) (drivers, requests int64) {
	drivers, err := s.cells.DriverCount(ctx, cell, now)
	if err != nil {
		s.log.Warn("driver count failed", zap.Stringer("cell", cell), zap.Error(err))
		drivers = 0
	}
	requests, err = s.cells.RideRequestCount(ctx, cell, now)
	if err != nil {
		s.log.Warn("request count failed", zap.Stringer("cell", cell), zap.Error(err))
		requests = 0
	}
	return drivers, requests
}

func (t trip) quote(requestID string, drivers, requests int64, surge float64) BookingQuote {
	return BookingQuote{
		RequestID:       requestID,
		RiderID:         t.req.RiderID,
		DistanceKm:      t.distanceKm,
		BasePrice:       t.basePrice,
		SurgeMultiplier: surge,
		FinalPrice:      t.basePrice * surge,
		GeofenceID:      t.cell.ID,
		Resolution:      t.cell.Resolution,
		NearbyDrivers:   drivers,
		RequestCount:    requests,
		Ratio:           Ratio(requests, drivers),
		PickupName:      t.req.PickupName,
		DropName:        t.req.DropName,
	}
}

func (t trip) record(requestID string, surge float64, now time.Time) RideRequestRecord {
	return RideRequestRecord{
		RequestID:       requestID,
		RiderID:         t.req.RiderID,
		PickupLat:       t.req.PickupLat,
		PickupLng:       t.req.PickupLng,
		DropLat:         t.req.DropLat,
		DropLng:         t.req.DropLng,
		DistanceKm:      t.distanceKm,
		BasePrice:       t.basePrice,
		SurgeMultiplier: surge,
		FinalPrice:      t.basePrice * surge,
		GeofenceID:      t.cell.ID,
		Resolution:      t.cell.Resolution,
		PickupName:      t.req.PickupName,
		DropName:        t.req.DropName,
		CreatedAt:       now.UnixMilli(),
	}
}

// recordRequest stores the request in its cell's window and bumps demand.
// Failures are logged; the quote stands.
func (s *Service) recordRequest(ctx context.Context, rec RideRequestRecord, cell geofence.Cell, now time.Time) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("encode ride request", zap.Error(err))
		return
	}
	if err := s.cells.RecordRideRequest(ctx, cell, string(payload), now); err != nil {
		s.log.Error("store ride request", zap.Stringer("cell", cell), zap.Error(err))
	}
	if _, err := s.cells.IncrementDemand(ctx, cell); err != nil {
		s.log.Error("increment demand", zap.Stringer("cell", cell), zap.Error(err))
	}
}

// QuoteBooking prices a trip against live counts in the pickup cell, counting
// this request, then records it.
func (s *Service) QuoteBooking(ctx context.Context, req BookingRequest) (BookingQuote, error) {
	if err := req.Validate(); err != nil {
		return BookingQuote{}, err
	}
	now := s.now()
	t := s.planTrip(req)

	drivers, requests := s.counts(ctx, t.cell, now)
	requests++
	surge := s.calc.InstantaneousSurge(requests, drivers)

	id := uuid.NewString()
	s.recordRequest(ctx, t.record(id, surge, now), t.cell, now)
	return t.quote(id, drivers, requests, surge), nil
}

// StreamPrice registers the request, then emits a fresh quote immediately and
// on every poll tick until ctx ends or emit fails.
func (s *Service) StreamPrice(ctx context.Context, req BookingRequest, emit func(BookingQuote) error) error {
	if err := req.Validate(); err != nil {
		return err
	}
	t := s.planTrip(req)
	id := uuid.NewString()
	s.recordRequest(ctx, t.record(id, s.cfg.BaseSurgeMultiplier, s.now()), t.cell, s.now())

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		drivers, requests := s.counts(ctx, t.cell, s.now())
		surge := s.calc.InstantaneousSurge(requests, drivers)
		if err := emit(t.quote(id, drivers, requests, surge)); err != nil {
			return eris.Wrap(err, "pricing: emit quote")
		}
		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// NearbyDemand reports drivers in the default cell and active requests
// gathered from every configured resolution.
func (s *Service) NearbyDemand(ctx context.Context, lat, lng float64) Availability {
	now := s.now()
	def := geofence.Cell{Resolution: s.cfg.H3Resolution, ID: s.index.CellID(lat, lng, s.cfg.H3Resolution)}

	drivers, err := s.cells.DriverCount(ctx, def, now)
	if err != nil {
		s.log.Warn("driver count failed", zap.Stringer("cell", def), zap.Error(err))
		drivers = 0
	}

	out := Availability{GeofenceID: def.ID, DriverCount: drivers, ActiveRequests: []RideRequestRecord{}}
	for _, res := range geofence.Resolutions(s.cfg.H3Resolution, s.cfg.MinH3Resolution, s.cfg.MaxH3Resolution) {
		cell := geofence.Cell{Resolution: res, ID: s.index.CellID(lat, lng, res)}
		raw, err := s.cells.ActiveRideRequests(ctx, cell, now)
		if err != nil {
			s.log.Warn("active requests read failed", zap.Stringer("cell", cell), zap.Error(err))
			continue
		}
		for _, r := range raw {
			var rec RideRequestRecord
			if err := json.Unmarshal([]byte(r), &rec); err != nil {
				s.log.Warn("skipping malformed ride request", zap.Stringer("cell", cell), zap.Error(err))
				continue
			}
			out.ActiveRequests = append(out.ActiveRequests, rec)
		}
	}
	return out
}

// RefreshRates loads the rate card into the calculator. A missing row keeps
// the current rate.
func (s *Service) RefreshRates(ctx context.Context) error {
	if s.rates == nil {
		return nil
	}
	r, err := s.rates.GetRate(ctx, s.rideType)
	if err != nil {
		return err
	}
	s.calc.SetRate(r)
	s.log.Info("rate card loaded",
		zap.String("ride_type", r.RideType),
		zap.Float64("base_fare", r.BaseFare),
		zap.Float64("price_per_km", r.PricePerKm))
	return nil
}

// RunRateRefresher reloads the rate card every interval until ctx ends.
func (s *Service) RunRateRefresher(ctx context.Context, interval time.Duration) {
	if s.rates == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshRates(ctx); err != nil {
				if eris.Is(err, ErrRateNotFound) {
					s.log.Warn("rate card missing, keeping current fares", zap.String("ride_type", s.rideType))
					continue
				}
				s.log.Error("rate card refresh failed", zap.Error(err))
			}
		}
	}
}
