// README: Load simulator for the surge engine; drives driver pings and rider quotes over HTTP and prints phase results.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Timeout        time.Duration

	CenterLat   float64
	CenterLng   float64
	SpreadKm    float64
	Drivers     int
	DropRatio   float64
	PingRate    float64
	Concurrency int
	Warmup      time.Duration
	Settle      time.Duration
	Pause       time.Duration
	Samples     int
	MaxSurge    float64
	P95Budget   time.Duration
}

var cfg Config

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "Simulate driver supply and rider demand against a running surge-api",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
		defer cancel()

		results := NewRunner(cfg).RunAll(ctx)

		fmt.Println("\n== Summary ==")
		pass, fail, skipped := 0, 0, 0
		for _, r := range results {
			switch r.Status {
			case "PASS":
				pass++
			case "FAIL":
				fail++
			case "SKIP":
				skipped++
			}
		}
		fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)
		if fail > 0 {
			return fmt.Errorf("%d phase(s) failed", fail)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfg.BaseURL, "base-url", envOrDefault("SURGE_BENCH_BASE_URL", "http://localhost:8081"), "API base URL")
	f.StringVar(&cfg.DSN, "dsn", os.Getenv("SURGE_DB_DSN"), "Postgres DSN for rate card checks (optional)")
	f.StringVar(&cfg.RedisAddr, "redis", envOrDefault("SURGE_REDIS_ADDR", "localhost:6379"), "Redis address for window inspection")
	f.StringVar(&cfg.MigrationPath, "migration", "migrations/0001_rate_cards.sql", "Migration SQL path")
	f.BoolVar(&cfg.ApplyMigration, "apply-migration", false, "Apply migration SQL before running")
	f.DurationVar(&cfg.Timeout, "timeout", 5*time.Minute, "Total timeout")

	f.Float64Var(&cfg.CenterLat, "lat", 12.9716, "Simulation center latitude")
	f.Float64Var(&cfg.CenterLng, "lng", 77.5946, "Simulation center longitude")
	f.Float64Var(&cfg.SpreadKm, "spread-km", 0.05, "Radius drivers are scattered over; keep it well inside one cell")
	f.IntVar(&cfg.Drivers, "drivers", 40, "Simulated drivers")
	f.Float64Var(&cfg.DropRatio, "drop-ratio", 0.6, "Fraction of drivers that go offline in the drop phase")
	f.Float64Var(&cfg.PingRate, "ping-rate", 50, "Driver pings per second across the fleet")
	f.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent price requests in the latency phase")
	f.DurationVar(&cfg.Warmup, "warmup", 45*time.Second, "Warm-up ingestion duration")
	f.DurationVar(&cfg.Settle, "settle", 40*time.Second, "Pause after the driver drop before sampling")
	f.DurationVar(&cfg.Pause, "pause", 40*time.Second, "Ingestion pause before checking quotes still hold")
	f.IntVar(&cfg.Samples, "samples", 2000, "Price requests in the latency phase")
	f.Float64Var(&cfg.MaxSurge, "max-surge", 3.0, "Configured max surge multiplier")
	f.DurationVar(&cfg.P95Budget, "p95", 50*time.Millisecond, "p95 latency budget for GET /price")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
