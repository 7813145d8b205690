package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surge/internal/config"
	"surge/internal/modules/geofence"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	svc   *Service
	store *geofence.Store
	index geofence.Indexer
	mr    *miniredis.Miniredis
	cfg   config.SurgeConfig
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := config.Default().Surge
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := geofence.NewStore(rdb, cfg.FreshnessWindow(), cfg.BaseSurgeMultiplier, geofence.WithOpTimeout(time.Second))
	index := geofence.NewIndexer(geofence.SchemeS2, nil)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return &fixture{
		svc:   NewService(cfg, index, store, opts...),
		store: store,
		index: index,
		mr:    mr,
		cfg:   cfg,
	}
}

func (f *fixture) cell(lat, lng float64, res int) geofence.Cell {
	return geofence.Cell{Resolution: res, ID: f.index.CellID(lat, lng, res)}
}

func (f *fixture) addDrivers(t *testing.T, cell geofence.Cell, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.RecordDriverPresence(context.Background(), cell, fmt.Sprintf("d%d", i), fixedNow, fixedNow))
	}
}

func (f *fixture) addRequests(t *testing.T, cell geofence.Cell, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.RecordRideRequest(context.Background(), cell, fmt.Sprintf(`{"riderId":"r%d"}`, i), fixedNow))
	}
}

// Short trip in Bengaluru, about 3 km.
var shortTrip = BookingRequest{
	RiderID:   "rider-1",
	PickupLat: 12.9716, PickupLng: 77.5946,
	DropLat: 12.9976, DropLng: 77.6063,
	PickupName: "MG Road", DropName: "Indiranagar",
}

func TestQuotePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cell := f.cell(12.9716, 77.5946, 8)

	q := f.svc.QuotePrice(ctx, 12.9716, 77.5946)
	assert.Equal(t, PriceQuote{BaseFare: 10, SurgeMultiplier: 1.0, GeofenceID: cell.ID}, q)

	require.NoError(t, f.store.SetSurge(ctx, cell, 1.6))
	q = f.svc.QuotePrice(ctx, 12.9716, 77.5946)
	assert.Equal(t, 1.6, q.SurgeMultiplier)
}

func TestQuotePrice_InvalidCoordinatesUseDefaultCell(t *testing.T) {
	f := newFixture(t)
	q := f.svc.QuotePrice(context.Background(), 123, 77.5)
	assert.Equal(t, geofence.DefaultCellID, q.GeofenceID)
	assert.Equal(t, 1.0, q.SurgeMultiplier)
}

func TestQuotePrice_StoreDown(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	q := f.svc.QuotePrice(context.Background(), 12.9716, 77.5946)
	assert.Equal(t, 1.0, q.SurgeMultiplier)
}

func TestQuoteBooking_InstantaneousSurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := DistanceKm(shortTrip.PickupLat, shortTrip.PickupLng, shortTrip.DropLat, shortTrip.DropLng)
	require.Less(t, d, 5.0)
	cell := f.cell(shortTrip.PickupLat, shortTrip.PickupLng, 9)

	f.addDrivers(t, cell, 4)
	f.addRequests(t, cell, 9)

	q, err := f.svc.QuoteBooking(ctx, shortTrip)
	require.NoError(t, err)

	assert.Equal(t, cell.ID, q.GeofenceID)
	assert.Equal(t, 9, q.Resolution)
	assert.Equal(t, int64(4), q.NearbyDrivers)
	assert.Equal(t, int64(10), q.RequestCount)
	assert.InDelta(t, 2.5, q.Ratio, 1e-9)
	assert.InDelta(t, 2.25, q.SurgeMultiplier, 1e-9)
	assert.InDelta(t, d*20, q.BasePrice, 1e-9)
	assert.InDelta(t, q.BasePrice*2.25, q.FinalPrice, 1e-9)
	assert.Equal(t, "MG Road", q.PickupName)
	assert.NotEmpty(t, q.RequestID)

	n, err := f.store.RideRequestCount(ctx, cell, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	demand, err := f.store.DemandCount(ctx, cell)
	require.NoError(t, err)
	assert.Equal(t, int64(1), demand)
}

func TestQuoteBooking_StoresRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := f.svc.QuoteBooking(ctx, shortTrip)
	require.NoError(t, err)

	raw, err := f.store.ActiveRideRequests(ctx, f.cell(shortTrip.PickupLat, shortTrip.PickupLng, 9), fixedNow)
	require.NoError(t, err)
	require.Len(t, raw, 1)

	var rec RideRequestRecord
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &rec))
	assert.Equal(t, q.RequestID, rec.RequestID)
	assert.Equal(t, "rider-1", rec.RiderID)
	assert.Equal(t, fixedNow.UnixMilli(), rec.CreatedAt)
	assert.Equal(t, q.SurgeMultiplier, rec.SurgeMultiplier)
}

func TestQuoteBooking_NoDriversIsMaxSurge(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.QuoteBooking(context.Background(), shortTrip)
	require.NoError(t, err)
	assert.Equal(t, 3.0, q.SurgeMultiplier)
	assert.Equal(t, 1.0, q.Ratio)
}

func TestQuoteBooking_Validation(t *testing.T) {
	f := newFixture(t)
	bad := []BookingRequest{
		{PickupLat: 1, PickupLng: 1, DropLat: 2, DropLng: 2},
		{RiderID: "r", PickupLat: 91, PickupLng: 1, DropLat: 2, DropLng: 2},
		{RiderID: "r", PickupLat: 1, PickupLng: 1, DropLat: 2, DropLng: 200},
	}
	for _, req := range bad {
		_, err := f.svc.QuoteBooking(context.Background(), req)
		assert.ErrorIs(t, err, ErrBadRequest)
	}
}

func TestQuoteBooking_StoreDownStillQuotes(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	q, err := f.svc.QuoteBooking(context.Background(), shortTrip)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.NearbyDrivers)
	assert.Equal(t, int64(1), q.RequestCount)
	assert.Equal(t, 3.0, q.SurgeMultiplier)
}

func TestStreamPrice_EmitsUntilCancelled(t *testing.T) {
	f := newFixture(t, WithPollInterval(5*time.Millisecond))
	cell := f.cell(shortTrip.PickupLat, shortTrip.PickupLng, 9)
	f.addDrivers(t, cell, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var quotes []BookingQuote
	err := f.svc.StreamPrice(ctx, shortTrip, func(q BookingQuote) error {
		quotes = append(quotes, q)
		if len(quotes) == 3 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, quotes, 3)
	for _, q := range quotes {
		assert.Equal(t, int64(2), q.NearbyDrivers)
		assert.Equal(t, int64(1), q.RequestCount)
		assert.Equal(t, 1.0, q.SurgeMultiplier)
		assert.Equal(t, quotes[0].RequestID, q.RequestID)
	}

	demand, err := f.store.DemandCount(context.Background(), cell)
	require.NoError(t, err)
	assert.Equal(t, int64(1), demand)
}

func TestStreamPrice_EmitErrorEndsSession(t *testing.T) {
	f := newFixture(t, WithPollInterval(time.Millisecond))
	boom := errors.New("client went away")

	calls := 0
	err := f.svc.StreamPrice(context.Background(), shortTrip, func(BookingQuote) error {
		calls++
		return boom
	})
	assert.True(t, eris.Is(err, boom))
	assert.Equal(t, 1, calls)
}

func TestStreamPrice_RejectsBadRequest(t *testing.T) {
	f := newFixture(t)
	err := f.svc.StreamPrice(context.Background(), BookingRequest{}, func(BookingQuote) error { return nil })
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestNearbyDemand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lat, lng := 12.9716, 77.5946

	f.addDrivers(t, f.cell(lat, lng, 8), 3)
	require.NoError(t, f.store.RecordRideRequest(ctx, f.cell(lat, lng, 7), `{"riderId":"a","resolution":7}`, fixedNow))
	require.NoError(t, f.store.RecordRideRequest(ctx, f.cell(lat, lng, 9), `{"riderId":"b","resolution":9}`, fixedNow))
	require.NoError(t, f.store.RecordRideRequest(ctx, f.cell(lat, lng, 9), `not json`, fixedNow))

	got := f.svc.NearbyDemand(ctx, lat, lng)
	assert.Equal(t, f.cell(lat, lng, 8).ID, got.GeofenceID)
	assert.Equal(t, int64(3), got.DriverCount)
	require.Len(t, got.ActiveRequests, 2)
	assert.Equal(t, "a", got.ActiveRequests[0].RiderID)
	assert.Equal(t, "b", got.ActiveRequests[1].RiderID)
}

func TestNearbyDemand_Empty(t *testing.T) {
	f := newFixture(t)
	got := f.svc.NearbyDemand(context.Background(), 1, 1)
	assert.Equal(t, int64(0), got.DriverCount)
	assert.NotNil(t, got.ActiveRequests)
	assert.Empty(t, got.ActiveRequests)
}

type fakeRates struct {
	rate Rate
	err  error
}

func (f fakeRates) GetRate(context.Context, string) (Rate, error) { return f.rate, f.err }

func TestRefreshRates(t *testing.T) {
	f := newFixture(t, WithRateSource(fakeRates{rate: Rate{RideType: "standard", BaseFare: 25, PricePerKm: 40}}, "standard"))
	require.NoError(t, f.svc.RefreshRates(context.Background()))

	q := f.svc.QuotePrice(context.Background(), 12.9716, 77.5946)
	assert.Equal(t, 25.0, q.BaseFare)
	assert.Equal(t, 400.0, f.svc.Calculator().BasePrice(10))
}

func TestRefreshRates_NotFoundKeepsConfig(t *testing.T) {
	f := newFixture(t, WithRateSource(fakeRates{err: eris.Wrap(ErrRateNotFound, "standard")}, ""))
	err := f.svc.RefreshRates(context.Background())
	assert.True(t, eris.Is(err, ErrRateNotFound))
	assert.Equal(t, 10.0, f.svc.Calculator().BaseFare())
}

func TestRefreshRates_NoSource(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.svc.RefreshRates(context.Background()))
}

func TestRunRateRefresher_StopsOnCancel(t *testing.T) {
	f := newFixture(t, WithRateSource(fakeRates{rate: Rate{BaseFare: 11, PricePerKm: 21}}, "standard"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.svc.RunRateRefresher(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
	assert.Equal(t, 11.0, f.svc.Calculator().BaseFare())
}
