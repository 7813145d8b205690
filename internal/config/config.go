// README: Config loader with defaults for HTTP, Redis, DB, logging, geofencing, surge and ingestion settings.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type DBConfig struct {
	// DSN is optional; without it the rate card comes from SurgeConfig.
	DSN string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GeofenceConfig struct {
	// Scheme selects the cell index: "s2" or "geohash".
	Scheme string `mapstructure:"scheme"`
}

// SurgeConfig carries the pricing knobs. Field names follow the public
// configuration surface (h3Resolution, minDrivers, ...).
type SurgeConfig struct {
	H3Resolution          int     `mapstructure:"h3_resolution"`
	MinH3Resolution       int     `mapstructure:"min_h3_resolution"`
	MaxH3Resolution       int     `mapstructure:"max_h3_resolution"`
	ShortTripKmThreshold  float64 `mapstructure:"short_trip_km_threshold"`
	LongTripKmThreshold   float64 `mapstructure:"long_trip_km_threshold"`
	MinDrivers            int     `mapstructure:"min_drivers"`
	BaseSurgeMultiplier   float64 `mapstructure:"base_surge_multiplier"`
	MaxSurgeMultiplier    float64 `mapstructure:"max_surge_multiplier"`
	MaxSurgeJump          float64 `mapstructure:"max_surge_jump"`
	BaselineWindowSeconds int     `mapstructure:"baseline_window_seconds"`
	DataFreshnessSeconds  int     `mapstructure:"data_freshness_seconds"`
	WarmupSeconds         int     `mapstructure:"warmup_seconds"`
	BaseFare              float64 `mapstructure:"base_fare"`
	PricePerKm            float64 `mapstructure:"price_per_km"`
	SurgeDropThreshold    float64 `mapstructure:"surge_drop_threshold"`
}

// FreshnessWindow is the sliding-window horizon W.
func (c SurgeConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.DataFreshnessSeconds) * time.Second
}

func (c SurgeConfig) Warmup() time.Duration {
	return time.Duration(c.WarmupSeconds) * time.Second
}

type WorkerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type IngestConfig struct {
	// Mode is "stream" (publish to a Redis stream, consumed asynchronously)
	// or "direct" (write to the window store inside the request).
	Mode      string        `mapstructure:"mode"`
	Stream    string        `mapstructure:"stream"`
	Group     string        `mapstructure:"group"`
	Consumers int           `mapstructure:"consumers"`
	BatchSize int64         `mapstructure:"batch_size"`
	Block     time.Duration `mapstructure:"block"`
	MaxLen    int64         `mapstructure:"max_len"`
	// ClaimIdle is how long an entry may sit unacknowledged with another
	// member before a starting consumer takes it over.
	ClaimIdle time.Duration `mapstructure:"claim_idle"`
}

type StreamConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type PricingConfig struct {
	RideType    string        `mapstructure:"ride_type"`
	RateRefresh time.Duration `mapstructure:"rate_refresh"`
}

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Redis    RedisConfig    `mapstructure:"redis"`
	DB       DBConfig       `mapstructure:"db"`
	Log      LogConfig      `mapstructure:"log"`
	Geofence GeofenceConfig `mapstructure:"geofence"`
	Surge    SurgeConfig    `mapstructure:"surge"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
}

// Load reads defaults, an optional ./config.yaml and SURGE_* environment
// variables, in increasing order of precedence.
func Load() (Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SURGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file and no env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8081")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.op_timeout", 100*time.Millisecond)

	v.SetDefault("db.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("geofence.scheme", "s2")

	v.SetDefault("surge.h3_resolution", 8)
	v.SetDefault("surge.min_h3_resolution", 7)
	v.SetDefault("surge.max_h3_resolution", 9)
	v.SetDefault("surge.short_trip_km_threshold", 5.0)
	v.SetDefault("surge.long_trip_km_threshold", 20.0)
	v.SetDefault("surge.min_drivers", 5)
	v.SetDefault("surge.base_surge_multiplier", 1.0)
	v.SetDefault("surge.max_surge_multiplier", 3.0)
	v.SetDefault("surge.max_surge_jump", 0.2)
	v.SetDefault("surge.baseline_window_seconds", 600)
	v.SetDefault("surge.data_freshness_seconds", 30)
	v.SetDefault("surge.warmup_seconds", 30)
	v.SetDefault("surge.base_fare", 10.0)
	v.SetDefault("surge.price_per_km", 20.0)
	v.SetDefault("surge.surge_drop_threshold", 0.5)

	v.SetDefault("worker.interval", 15*time.Second)
	v.SetDefault("worker.initial_delay", 5*time.Second)
	v.SetDefault("worker.stale_threshold", 5*time.Second)
	v.SetDefault("worker.concurrency", 8)

	v.SetDefault("ingest.mode", "stream")
	v.SetDefault("ingest.stream", "driver-locations")
	v.SetDefault("ingest.group", "surge-pricing-group")
	v.SetDefault("ingest.consumers", 4)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.block", time.Second)
	v.SetDefault("ingest.max_len", 1_000_000)
	v.SetDefault("ingest.claim_idle", time.Minute)

	v.SetDefault("stream.poll_interval", 2*time.Second)

	v.SetDefault("pricing.ride_type", "standard")
	v.SetDefault("pricing.rate_refresh", time.Minute)
}

// Validate rejects settings the pricing math cannot work with.
func (c Config) Validate() error {
	s := c.Surge
	switch {
	case s.DataFreshnessSeconds <= 0:
		return eris.New("config: surge.data_freshness_seconds must be positive")
	case s.BaseSurgeMultiplier <= 0:
		return eris.New("config: surge.base_surge_multiplier must be positive")
	case s.MaxSurgeMultiplier < s.BaseSurgeMultiplier:
		return eris.New("config: surge.max_surge_multiplier must be >= base_surge_multiplier")
	case s.MaxSurgeJump <= 0:
		return eris.New("config: surge.max_surge_jump must be positive")
	case s.SurgeDropThreshold < 0 || s.SurgeDropThreshold > 1:
		return eris.New("config: surge.surge_drop_threshold must be within [0, 1]")
	case s.WarmupSeconds < 0:
		return eris.New("config: surge.warmup_seconds must not be negative")
	case s.PricePerKm < 0 || s.BaseFare < 0:
		return eris.New("config: surge fares must not be negative")
	}
	if s.MinH3Resolution <= s.MaxH3Resolution &&
		(s.H3Resolution < s.MinH3Resolution || s.H3Resolution > s.MaxH3Resolution) {
		return eris.New("config: surge.h3_resolution must lie within [min_h3_resolution, max_h3_resolution]")
	}
	if c.Worker.Interval <= 0 {
		return eris.New("config: worker.interval must be positive")
	}
	if c.Stream.PollInterval <= 0 {
		return eris.New("config: stream.poll_interval must be positive")
	}
	switch c.Geofence.Scheme {
	case "s2", "geohash":
	default:
		return eris.Errorf("config: unknown geofence.scheme %q", c.Geofence.Scheme)
	}
	switch c.Ingest.Mode {
	case "stream", "direct":
	default:
		return eris.Errorf("config: unknown ingest.mode %q", c.Ingest.Mode)
	}
	return nil
}
