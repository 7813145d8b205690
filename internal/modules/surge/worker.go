// README: Periodic surge recomputation over every active geofence cell.
package surge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"surge/internal/config"
	"surge/internal/modules/geofence"
)

// CellStore is what the worker reads and writes per cell.
type CellStore interface {
	ActiveCells(ctx context.Context) ([]geofence.Cell, error)
	DriverCount(ctx context.Context, cell geofence.Cell, now time.Time) (int64, error)
	DemandCount(ctx context.Context, cell geofence.Cell) (int64, error)
	Baseline(ctx context.Context, cell geofence.Cell) (float64, error)
	SetBaseline(ctx context.Context, cell geofence.Cell, v float64) error
	SetSurge(ctx context.Context, cell geofence.Cell, v float64) error
	LastUpdate(ctx context.Context, cell geofence.Cell) (time.Time, error)
}

// Worker recomputes smoothed surge per cell. The baseline and last-emitted
// surge caches belong to the instance; the store stays the record of truth.
type Worker struct {
	store  CellStore
	rules  Rules
	cfg    config.WorkerConfig
	warmup time.Duration
	log    *zap.Logger
	now    func() time.Time

	started time.Time
	running atomic.Bool

	mu        sync.Mutex
	baselines map[geofence.Cell]float64
	previous  map[geofence.Cell]float64
}

type Option func(*Worker)

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(w *Worker) {
		if log != nil {
			w.log = log.Named("worker")
		}
	}
}

func NewWorker(store CellStore, surgeCfg config.SurgeConfig, workerCfg config.WorkerConfig, opts ...Option) *Worker {
	w := &Worker{
		store: store,
		rules: Rules{
			MinDrivers:         int64(surgeCfg.MinDrivers),
			BaseMultiplier:     surgeCfg.BaseSurgeMultiplier,
			MaxMultiplier:      surgeCfg.MaxSurgeMultiplier,
			MaxJump:            surgeCfg.MaxSurgeJump,
			DropThreshold:      surgeCfg.SurgeDropThreshold,
			DemandKicker:       0.5,
			DemandKickerFactor: 2,
		},
		cfg:       workerCfg,
		warmup:    surgeCfg.Warmup(),
		log:       zap.NewNop(),
		now:       time.Now,
		baselines: make(map[geofence.Cell]float64),
		previous:  make(map[geofence.Cell]float64),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.Concurrency <= 0 {
		w.cfg.Concurrency = 1
	}
	if w.cfg.StaleThreshold <= 0 {
		w.cfg.StaleThreshold = 5 * time.Second
	}
	w.started = w.now()
	return w
}

func (w *Worker) Phase() Phase {
	if w.now().Sub(w.started) < w.warmup {
		return PhaseWarmingUp
	}
	return PhaseActive
}

// Run waits the initial delay, then runs once per interval until ctx ends.
// The next run is scheduled only after the previous one returns.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(w.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.log.Error("surge run failed", zap.Error(err))
			}
			timer.Reset(w.cfg.Interval)
		}
	}
}

// RunOnce performs a single pass over every active cell. Per-cell failures
// are logged and counted as skipped.
func (w *Worker) RunOnce(ctx context.Context) (report RunReport, err error) {
	if !w.running.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInProgress
	}
	defer w.running.Store(false)

	start := w.now()
	report.Phase = w.Phase()
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("surge: run panicked: %v", r)
		}
		report.Duration = w.now().Sub(start)
	}()

	if report.Phase == PhaseWarmingUp {
		w.log.Info("warming up, skipping run", zap.Duration("elapsed", w.now().Sub(w.started)))
		return report, nil
	}

	cells, err := w.store.ActiveCells(ctx)
	if err != nil {
		return report, eris.Wrap(err, "surge: list active cells")
	}
	report.Cells = len(cells)

	var processed, degraded, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, cell := range cells {
		g.Go(func() error {
			stale, err := w.processCell(gctx, cell, w.now())
			switch {
			case err != nil:
				skipped.Add(1)
				w.log.Warn("cell skipped", zap.Stringer("cell", cell), zap.Error(err))
			case stale:
				degraded.Add(1)
				processed.Add(1)
			default:
				processed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Processed = int(processed.Load())
	report.Degraded = int(degraded.Load())
	report.Skipped = int(skipped.Load())
	w.log.Info("surge run complete",
		zap.Int("cells", report.Cells),
		zap.Int("processed", report.Processed),
		zap.Int("degraded", report.Degraded),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", w.now().Sub(start)))
	return report, nil
}

func (w *Worker) processCell(ctx context.Context, cell geofence.Cell, now time.Time) (stale bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cell panicked: %v", r)
		}
	}()

	drivers, err := w.store.DriverCount(ctx, cell, now)
	if err != nil {
		return false, err
	}
	demand, err := w.store.DemandCount(ctx, cell)
	if err != nil {
		w.log.Warn("demand read failed, assuming none", zap.Stringer("cell", cell), zap.Error(err))
		demand = 0
	}

	prevBaseline, seeded := w.cachedBaseline(ctx, cell)
	baseline := nextBaseline(prevBaseline, seeded, drivers)
	prevSurge, hasPrev := w.lastSurge(cell)

	last, err := w.store.LastUpdate(ctx, cell)
	if err != nil {
		w.log.Warn("last update read failed, treating as stale", zap.Stringer("cell", cell), zap.Error(err))
		last = time.Time{}
	}

	var candidate float64
	if now.Sub(last) > w.cfg.StaleThreshold {
		stale = true
		candidate = w.rules.BaseMultiplier
		if hasPrev {
			candidate = prevSurge
		}
		w.log.Warn("degraded mode",
			zap.Stringer("cell", cell),
			zap.Duration("since_update", now.Sub(last)),
			zap.Float64("surge", candidate))
	} else {
		candidate = w.rules.Candidate(drivers, baseline, demand)
	}
	surge := w.rules.Smooth(prevSurge, hasPrev, candidate)

	if err := w.store.SetSurge(ctx, cell, surge); err != nil {
		return stale, err
	}
	if err := w.store.SetBaseline(ctx, cell, baseline); err != nil {
		w.log.Warn("baseline write failed", zap.Stringer("cell", cell), zap.Error(err))
	}

	w.mu.Lock()
	w.baselines[cell] = baseline
	w.previous[cell] = surge
	w.mu.Unlock()

	w.log.Debug("cell recomputed",
		zap.Stringer("cell", cell),
		zap.Int64("drivers", drivers),
		zap.Int64("demand", demand),
		zap.Float64("baseline", baseline),
		zap.Float64("surge", surge))
	return stale, nil
}

// cachedBaseline returns the in-memory baseline, else a positive persisted one.
func (w *Worker) cachedBaseline(ctx context.Context, cell geofence.Cell) (float64, bool) {
	w.mu.Lock()
	b, ok := w.baselines[cell]
	w.mu.Unlock()
	if ok {
		return b, true
	}
	stored, err := w.store.Baseline(ctx, cell)
	if err != nil {
		w.log.Warn("baseline read failed, reseeding", zap.Stringer("cell", cell), zap.Error(err))
		return 0, false
	}
	if stored > 0 {
		return stored, true
	}
	return 0, false
}

func (w *Worker) lastSurge(cell geofence.Cell) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.previous[cell]
	return s, ok
}

// LastSurge exposes the worker's last emitted surge for a cell.
func (w *Worker) LastSurge(cell geofence.Cell) (float64, bool) {
	return w.lastSurge(cell)
}
