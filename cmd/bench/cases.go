// README: Simulation phases: environment checks, warm-up ingestion, driver drop, surge sampling and price latency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"surge/internal/modules/geofence"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	drivers  []simDriver
	baseline float64
	dropped  float64
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type Phase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

type simDriver struct {
	ID  string
	Lat float64
	Lng float64
}

type priceQuote struct {
	BaseFare        float64 `json:"baseFare"`
	SurgeMultiplier float64 `json:"surgeMultiplier"`
	GeofenceID      string  `json:"geofenceId"`
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: 5 * time.Second},
		drivers: scatterDrivers(cfg),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	phases := r.phases()
	results := make([]Result, 0, len(phases))
	for _, p := range phases {
		res := p.Run(ctx, r)
		res.Name = p.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, p.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) phases() []Phase {
	return []Phase{
		{Name: "Env: API reachable", Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			status, err := r.get(ctx, "/health", nil)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			if status != http.StatusOK {
				return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d", status)}
			}
			return Result{Status: "PASS", Latency: time.Since(start)}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: "SKIP", Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: apply (optional)", Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration {
				return Result{Status: "SKIP", Note: "apply-migration=false"}
			}
			if r.db == nil {
				return Result{Status: "FAIL", Note: "db not configured"}
			}
			sql, err := os.ReadFile(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			for _, s := range splitSQL(string(sql)) {
				if _, err := r.db.Exec(ctx, s); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: rate card tables exist", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: "SKIP", Note: "db not configured"}
			}
			tables, err := extractTables(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			for _, t := range tables {
				var exists bool
				err := r.db.QueryRow(ctx,
					"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
				).Scan(&exists)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if !exists {
					return Result{Status: "FAIL", Note: "missing table: " + t}
				}
			}
			return Result{Status: "PASS", Note: strings.Join(tables, ",")}
		}},
		{Name: "Ingest: warm-up fleet", Run: func(ctx context.Context, r *Runner) Result {
			sent, failed := r.simulate(ctx, r.drivers, r.cfg.Warmup)
			if sent == 0 {
				return Result{Status: "FAIL", Note: "no pings accepted"}
			}
			note := fmt.Sprintf("drivers=%d accepted=%d failed=%d", len(r.drivers), sent, failed)
			if float64(failed) > 0.05*float64(sent+failed) {
				return Result{Status: "FAIL", Note: note}
			}
			return Result{Status: "PASS", Note: note}
		}},
		{Name: "Window: drivers visible", Run: func(ctx context.Context, r *Runner) Result {
			var avail struct {
				GeofenceID  string `json:"geofenceId"`
				DriverCount int64  `json:"driverCount"`
			}
			path := fmt.Sprintf("/driver/availability?lat=%f&lng=%f", r.cfg.CenterLat, r.cfg.CenterLng)
			if _, err := r.get(ctx, path, &avail); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			note := fmt.Sprintf("cell=%s drivers=%d", avail.GeofenceID, avail.DriverCount)
			if r.redis != nil && avail.GeofenceID != "" {
				cell := geofence.Cell{Resolution: 8, ID: avail.GeofenceID}
				if n, err := r.redis.ZCard(ctx, cell.DriversKey()).Result(); err == nil {
					note += fmt.Sprintf(" zcard=%d", n)
				}
			}
			if avail.DriverCount == 0 {
				return Result{Status: "FAIL", Note: note}
			}
			return Result{Status: "PASS", Note: note}
		}},
		{Name: "Surge: steady-state sample", Run: func(ctx context.Context, r *Runner) Result {
			q, err := r.price(ctx)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			r.baseline = q.SurgeMultiplier
			note := fmt.Sprintf("surge=%.2f cell=%s", q.SurgeMultiplier, q.GeofenceID)
			if q.SurgeMultiplier < 1.0 || q.SurgeMultiplier > r.cfg.MaxSurge {
				return Result{Status: "FAIL", Note: note}
			}
			return Result{Status: "PASS", Note: note}
		}},
		{Name: "Surge: driver drop raises price within jump bound", Run: dropPhase},
		{Name: "Pause: quotes hold the last surge", Run: func(ctx context.Context, r *Runner) Result {
			if r.dropped == 0 {
				return Result{Status: "SKIP", Note: "no surge from drop phase"}
			}
			select {
			case <-ctx.Done():
				return Result{Status: "FAIL", Note: ctx.Err().Error()}
			case <-time.After(r.cfg.Pause):
			}
			q, err := r.price(ctx)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			note := fmt.Sprintf("paused=%s before=%.2f after=%.2f", r.cfg.Pause, r.dropped, q.SurgeMultiplier)
			if math.Abs(q.SurgeMultiplier-r.dropped) > 0.2+1e-9 {
				return Result{Status: "FAIL", Note: note}
			}
			return Result{Status: "PASS", Note: note}
		}},
		{Name: "Latency: GET /price", Run: latencyPhase},
		{Name: "Booking: quote is consistent", Run: func(ctx context.Context, r *Runner) Result {
			var q struct {
				BasePrice       float64 `json:"basePrice"`
				SurgeMultiplier float64 `json:"surgeMultiplier"`
				FinalPrice      float64 `json:"finalPrice"`
				Resolution      int     `json:"resolution"`
			}
			start := time.Now()
			status, err := r.post(ctx, "/rider/book", map[string]any{
				"riderId":   "bench-rider",
				"pickupLat": r.cfg.CenterLat, "pickupLng": r.cfg.CenterLng,
				"dropLat": r.cfg.CenterLat + 0.02, "dropLng": r.cfg.CenterLng + 0.02,
			}, &q)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			note := fmt.Sprintf("status=%d res=%d surge=%.2f final=%.2f", status, q.Resolution, q.SurgeMultiplier, q.FinalPrice)
			if status != http.StatusOK || math.Abs(q.BasePrice*q.SurgeMultiplier-q.FinalPrice) > 1e-6 {
				return Result{Status: "FAIL", Note: note}
			}
			return Result{Status: "PASS", Latency: time.Since(start), Note: note}
		}},
	}
}

// dropPhase keeps only part of the fleet online and samples the quoted surge
// every second until the settle period ends.
func dropPhase(ctx context.Context, r *Runner) Result {
	keep := int(math.Round(float64(len(r.drivers)) * (1 - r.cfg.DropRatio)))
	survivors := r.drivers[:keep]

	var samples []float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.simulate(gctx, survivors, r.cfg.Settle)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		end := time.Now().Add(r.cfg.Settle)
		for time.Now().Before(end) {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			if q, err := r.price(gctx); err == nil {
				samples = append(samples, q.SurgeMultiplier)
			}
		}
		return nil
	})
	_ = g.Wait()

	if len(samples) == 0 {
		return Result{Status: "FAIL", Note: "no surge samples"}
	}
	maxStep := 0.0
	prev := r.baseline
	for _, s := range samples {
		maxStep = math.Max(maxStep, math.Abs(s-prev))
		prev = s
	}
	last := samples[len(samples)-1]
	r.dropped = last
	note := fmt.Sprintf("online=%d before=%.2f after=%.2f max_step=%.2f", keep, r.baseline, last, maxStep)
	if last <= r.baseline || last > r.cfg.MaxSurge || maxStep > 0.2+1e-9 {
		return Result{Status: "FAIL", Note: note}
	}
	return Result{Status: "PASS", Note: note}
}

func latencyPhase(ctx context.Context, r *Runner) Result {
	durations := make([]time.Duration, 0, r.cfg.Samples)
	var mu sync.Mutex
	var errCount atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := 0; i < r.cfg.Samples; i++ {
		g.Go(func() error {
			start := time.Now()
			if _, err := r.price(gctx); err != nil {
				errCount.Add(1)
				return nil
			}
			d := time.Since(start)
			mu.Lock()
			durations = append(durations, d)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(durations) == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	avg, p50, p95 := summarize(durations)
	note := fmt.Sprintf("n=%d errors=%d avg=%s p50=%s p95=%s", len(durations), errCount.Load(), avg, p50, p95)
	if p95 > r.cfg.P95Budget {
		return Result{Status: "FAIL", Note: note}
	}
	return Result{Status: "PASS", Latency: p95, Note: note}
}

// simulate sends pings for drivers round-robin at the configured fleet rate
// until d elapses.
func (r *Runner) simulate(ctx context.Context, drivers []simDriver, d time.Duration) (sent, failed int64) {
	if len(drivers) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
		return 0, 0
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(r.cfg.PingRate), len(drivers))
	var ok, bad atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)

	for i := 0; ; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		drv := drivers[i%len(drivers)]
		g.Go(func() error {
			status, err := r.post(ctx, "/driver/location", map[string]any{
				"driverId":  drv.ID,
				"lat":       drv.Lat,
				"lng":       drv.Lng,
				"timestamp": time.Now().UnixMilli(),
			}, nil)
			if err != nil || status != http.StatusAccepted {
				if ctx.Err() == nil {
					bad.Add(1)
				}
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return ok.Load(), bad.Load()
}

func (r *Runner) price(ctx context.Context) (priceQuote, error) {
	var q priceQuote
	status, err := r.get(ctx, fmt.Sprintf("/price?lat=%f&lng=%f", r.cfg.CenterLat, r.cfg.CenterLng), &q)
	if err != nil {
		return q, err
	}
	if status != http.StatusOK {
		return q, fmt.Errorf("price status=%d", status)
	}
	return q, nil
}

func (r *Runner) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	return r.do(req, out)
}

func (r *Runner) post(ctx context.Context, path string, body, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, out)
}

func (r *Runner) do(req *http.Request, out any) (int, error) {
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return resp.StatusCode, nil
}

// scatterDrivers places the fleet uniformly inside SpreadKm of the center.
func scatterDrivers(cfg Config) []simDriver {
	rng := rand.New(rand.NewSource(42))
	out := make([]simDriver, cfg.Drivers)
	kmPerDegLat := 111.32
	kmPerDegLng := kmPerDegLat * math.Cos(cfg.CenterLat*math.Pi/180)
	for i := range out {
		dist := cfg.SpreadKm * math.Sqrt(rng.Float64())
		theta := rng.Float64() * 2 * math.Pi
		out[i] = simDriver{
			ID:  fmt.Sprintf("bench-driver-%03d", i),
			Lat: cfg.CenterLat + dist*math.Sin(theta)/kmPerDegLat,
			Lng: cfg.CenterLng + dist*math.Cos(theta)/kmPerDegLng,
		}
	}
	return out
}

func summarize(ds []time.Duration) (avg, p50, p95 time.Duration) {
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	avg = total / time.Duration(len(ds))
	return avg, percentile(ds, 0.50), percentile(ds, 0.95)
}

// percentile expects ds sorted ascending.
func percentile(ds []time.Duration, p float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(ds)))) - 1
	if idx < 0 {
		idx = 0
	}
	return ds[idx]
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
