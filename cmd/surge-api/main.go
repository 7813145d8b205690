// README: Entry point; loads config, wires the geofence store, ingestion, pricing, the surge worker and the HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"surge/internal/config"
	httptransport "surge/internal/http"
	"surge/internal/infra"
	"surge/internal/modules/geofence"
	"surge/internal/modules/location"
	"surge/internal/modules/pricing"
	"surge/internal/modules/surge"
)

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "surge-api",
	Short: "Geofenced surge pricing engine",
	Long:  "Ingests driver locations into sliding geofence windows, recomputes smoothed surge per cell and serves price quotes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		l, err := config.InitLogger(cfg.Log)
		if err != nil {
			return eris.Wrap(err, "init logger")
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, ingestion consumers and surge worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var workerOnly bool

func init() {
	serveCmd.Flags().BoolVar(&workerOnly, "worker-only", false, "run ingestion and the surge worker without the HTTP server")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("surge-api exited", zap.Error(err))
		}
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	log := logger

	rdb := infra.NewRedis(cfg.Redis)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := infra.PingRedis(pingCtx, rdb)
	cancel()
	if err != nil {
		return err
	}

	var db *pgxpool.Pool
	if cfg.DB.DSN != "" {
		db, err = infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	index := geofence.NewIndexer(cfg.Geofence.Scheme, log)
	cells := geofence.NewStore(rdb, cfg.Surge.FreshnessWindow(), cfg.Surge.BaseSurgeMultiplier,
		geofence.WithOpTimeout(cfg.Redis.OpTimeout),
		geofence.WithLogger(log))

	resolutions := geofence.Resolutions(cfg.Surge.H3Resolution, cfg.Surge.MinH3Resolution, cfg.Surge.MaxH3Resolution)
	locationSvc := location.NewService(index, cells, resolutions,
		location.WithMaxAge(cfg.Surge.FreshnessWindow()),
		location.WithLogger(log))

	pricingOpts := []pricing.Option{
		pricing.WithPollInterval(cfg.Stream.PollInterval),
		pricing.WithLogger(log),
	}
	if db != nil {
		pricingOpts = append(pricingOpts, pricing.WithRateSource(pricing.NewStore(db), cfg.Pricing.RideType))
	}
	pricingSvc := pricing.NewService(cfg.Surge, index, cells, pricingOpts...)
	if err := pricingSvc.RefreshRates(ctx); err != nil {
		log.Warn("rate card unavailable, using configured fares", zap.Error(err))
	}

	worker := surge.NewWorker(cells, cfg.Surge, cfg.Worker, surge.WithLogger(log))

	var publisher location.Publisher
	var consumer *location.Consumer
	switch cfg.Ingest.Mode {
	case "direct":
		publisher = location.NewDirectPublisher(locationSvc)
	default:
		publisher = location.NewStreamPublisher(rdb, cfg.Ingest.Stream, cfg.Ingest.MaxLen)
		consumer = location.NewConsumer(rdb, cfg.Ingest, locationSvc, log)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		pricingSvc.RunRateRefresher(ctx, cfg.Pricing.RateRefresh)
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	if !workerOnly {
		handler := httptransport.NewServer(httptransport.ServerDeps{
			Pricing:        pricingSvc,
			Publisher:      publisher,
			Indexer:        index,
			Cells:          cells,
			Log:            log,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			PingMaxAge:     cfg.Surge.FreshnessWindow(),
		})
		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "http server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	log.Info("surge engine started",
		zap.String("scheme", index.Scheme()),
		zap.String("ingest_mode", cfg.Ingest.Mode),
		zap.Ints("resolutions", resolutions))

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("surge engine stopped")
	return nil
}
