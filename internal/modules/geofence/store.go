// README: Redis-backed sliding-window store for per-cell driver presence, ride requests, demand and surge state.
package geofence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultOpTimeout = 100 * time.Millisecond
	scanBatch        = 200
)

// Store keeps every per-cell window and scalar under geofence:{res}:{cell}:*.
// Window members are scored by epoch millis; entries older than now-window
// are pruned on write and ignored on read.
type Store struct {
	redis     *redis.Client
	window    time.Duration
	timeout   time.Duration
	baseSurge float64
	log       *zap.Logger
}

type StoreOption func(*Store)

// WithOpTimeout bounds every store call; zero keeps the default.
func WithOpTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(log *zap.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log.Named("geofence_store")
		}
	}
}

func NewStore(rdb *redis.Client, window time.Duration, baseSurge float64, opts ...StoreOption) *Store {
	s := &Store{
		redis:     rdb,
		window:    window,
		timeout:   defaultOpTimeout,
		baseSurge: baseSurge,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Window() time.Duration { return s.window }

func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (s *Store) cutoff(now time.Time) time.Time {
	return now.Add(-s.window)
}

// recordWindowed adds member to a windowed set, then prunes and re-arms its TTL.
// GT keeps a member's score from moving backwards.
func (s *Store) recordWindowed(ctx context.Context, cell Cell, key, member string, score, now time.Time, touch bool) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddArgs(ctx, key, redis.ZAddArgs{
			GT:      true,
			Members: []redis.Z{{Score: float64(score.UnixMilli()), Member: member}},
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+millis(s.cutoff(now)))
		pipe.Expire(ctx, key, s.window)
		if touch {
			pipe.Set(ctx, cell.LastUpdateKey(), now.UnixMilli(), 0)
		}
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "geofence: record %s", key)
	}
	return nil
}

// RecordDriverPresence marks driverID as seen in cell at observedAt. Future
// timestamps are clamped to now.
func (s *Store) RecordDriverPresence(ctx context.Context, cell Cell, driverID string, observedAt, now time.Time) error {
	if observedAt.After(now) || observedAt.IsZero() {
		observedAt = now
	}
	return s.recordWindowed(ctx, cell, cell.DriversKey(), driverID, observedAt, now, true)
}

// RecordRideRequest appends an encoded ride request to the cell's request window.
func (s *Store) RecordRideRequest(ctx context.Context, cell Cell, record string, now time.Time) error {
	return s.recordWindowed(ctx, cell, cell.RequestsKey(), record, now, now, false)
}

func (s *Store) countWindow(ctx context.Context, key string, now time.Time) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	n, err := s.redis.ZCount(ctx, key, millis(s.cutoff(now)), millis(now)).Result()
	if err != nil {
		return 0, eris.Wrapf(err, "geofence: count %s", key)
	}
	return n, nil
}

func (s *Store) rangeWindow(ctx context.Context, key string, now time.Time) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	members, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: millis(s.cutoff(now)),
		Max: millis(now),
	}).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "geofence: range %s", key)
	}
	return members, nil
}

// DriverCount is the number of distinct drivers seen within the window.
func (s *Store) DriverCount(ctx context.Context, cell Cell, now time.Time) (int64, error) {
	return s.countWindow(ctx, cell.DriversKey(), now)
}

func (s *Store) Drivers(ctx context.Context, cell Cell, now time.Time) ([]string, error) {
	return s.rangeWindow(ctx, cell.DriversKey(), now)
}

func (s *Store) RideRequestCount(ctx context.Context, cell Cell, now time.Time) (int64, error) {
	return s.countWindow(ctx, cell.RequestsKey(), now)
}

// ActiveRideRequests returns the encoded requests still inside the window.
func (s *Store) ActiveRideRequests(ctx context.Context, cell Cell, now time.Time) ([]string, error) {
	return s.rangeWindow(ctx, cell.RequestsKey(), now)
}

// IncrementDemand bumps the cell's demand counter; the counter expires one
// window after its last increment.
func (s *Store) IncrementDemand(ctx context.Context, cell Cell) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var incr *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, cell.DemandKey())
		pipe.Expire(ctx, cell.DemandKey(), s.window)
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "geofence: incr demand %s", cell)
	}
	return incr.Val(), nil
}

func (s *Store) DemandCount(ctx context.Context, cell Cell) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	n, err := s.redis.Get(ctx, cell.DemandKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "geofence: get demand %s", cell)
	}
	return n, nil
}

func (s *Store) getFloat(ctx context.Context, key string, def float64) (float64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	v, err := s.redis.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return def, eris.Wrapf(err, "geofence: get %s", key)
	}
	return v, nil
}

func (s *Store) setFloat(ctx context.Context, key string, v float64) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if err := s.redis.Set(ctx, key, strconv.FormatFloat(v, 'f', -1, 64), 0).Err(); err != nil {
		return eris.Wrapf(err, "geofence: set %s", key)
	}
	return nil
}

// Baseline is the smoothed driver supply; 0 when never written.
func (s *Store) Baseline(ctx context.Context, cell Cell) (float64, error) {
	return s.getFloat(ctx, cell.BaselineKey(), 0)
}

func (s *Store) SetBaseline(ctx context.Context, cell Cell, v float64) error {
	return s.setFloat(ctx, cell.BaselineKey(), v)
}

// Surge is the last published multiplier; the base multiplier when never written.
func (s *Store) Surge(ctx context.Context, cell Cell) (float64, error) {
	return s.getFloat(ctx, cell.SurgeKey(), s.baseSurge)
}

func (s *Store) SetSurge(ctx context.Context, cell Cell, v float64) error {
	return s.setFloat(ctx, cell.SurgeKey(), v)
}

// LastUpdate is the receive time of the cell's latest driver ping; zero when unknown.
func (s *Store) LastUpdate(ctx context.Context, cell Cell) (time.Time, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	ms, err := s.redis.Get(ctx, cell.LastUpdateKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "geofence: get last update %s", cell)
	}
	return time.UnixMilli(ms), nil
}

// ActiveCells enumerates every cell with a live drivers window.
func (s *Store) ActiveCells(ctx context.Context) ([]Cell, error) {
	seen := make(map[Cell]struct{})
	var cells []Cell
	var cursor uint64
	for {
		opCtx, cancel := s.op(ctx)
		keys, next, err := s.redis.Scan(opCtx, cursor, driversKeyPattern, scanBatch).Result()
		cancel()
		if err != nil {
			return cells, eris.Wrap(err, "geofence: scan active cells")
		}
		for _, k := range keys {
			cell, err := parseDriversKey(k)
			if err != nil {
				s.log.Warn("skipping malformed key", zap.String("key", k))
				continue
			}
			if _, dup := seen[cell]; dup {
				continue
			}
			seen[cell] = struct{}{}
			cells = append(cells, cell)
		}
		cursor = next
		if cursor == 0 {
			return cells, nil
		}
	}
}
