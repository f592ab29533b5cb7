package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/config"
	"github.com/example/ride-coordination/internal/dispatch"
	httpapi "github.com/example/ride-coordination/internal/http"
	"github.com/example/ride-coordination/internal/ingest"
	"github.com/example/ride-coordination/internal/logging"
	"github.com/example/ride-coordination/internal/presence"
	"github.com/example/ride-coordination/internal/realtime"
	"github.com/example/ride-coordination/internal/rides"
	"github.com/example/ride-coordination/internal/routing"
	"github.com/example/ride-coordination/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "ride-coordination"})
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      app.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go app.rides.RunExpiry(ctx, cfg.RideRequestTTL, 0)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-coordination listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}

type app struct {
	handler http.Handler
	rides   *rides.Service
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// build wires stores, collaborators and services. Every external
// dependency is optional; without configuration the process runs on
// in-memory stores with estimated routes.
func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{}
	readiness := map[string]httpapi.Checker{}

	mem := storage.NewMemoryStore()
	var (
		drivers storage.DriverStore = mem
		trips   storage.TripStore   = mem
	)

	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(ctx, cfg.PGDSN, cfg.MigrationsDir, logger); err != nil {
				return nil, err
			}
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		drivers, trips = pg, pg
		readiness["postgres"] = pg.Ping
		logger.Info("using postgres store")
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rc.Close)
		drivers = storage.NewRedisDriverStore(rc, cfg.RedisPrefix)
		readiness["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		logger.Info("using redis driver store", "addr", cfg.RedisAddr)
	}

	var notifyOpts []dispatch.Option
	var locations presence.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaEventsTopic, logger)
		a.closers = append(a.closers, kp.Close)
		notifyOpts = append(notifyOpts, dispatch.WithJournal(kp))
		locations = kp
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	}
	if cfg.PushEndpoint != "" {
		notifyOpts = append(notifyOpts, dispatch.WithPusher(dispatch.NewHTTPPusher(cfg.PushEndpoint, cfg.PushKey)))
	}

	resolver, err := newResolver(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := dispatch.NewRegistry()
	notifier := dispatch.NewNotifier(reg, logger, notifyOpts...)

	ps := presence.NewService(presence.Config{
		Drivers:   drivers,
		Rides:     trips,
		Notifier:  notifier,
		Locations: locations,
		Freshness: cfg.PresenceFreshness,
		Logger:    logger,
	})
	rs := rides.NewService(rides.Config{
		Rides:          trips,
		Drivers:        ps,
		Notifier:       notifier,
		Resolver:       resolver,
		Fares:          rides.FarePolicy{BaseFare: cfg.BaseFare, PerKm: cfg.FarePerKm},
		MaxOTPAttempts: cfg.OTPMaxAttempts,
		Logger:         logger,
	})

	a.rides = rs
	a.handler = httpapi.NewServer(httpapi.Deps{
		Presence:       ps,
		Rides:          rs,
		Realtime:       realtime.NewManager(reg, ps, cfg.AllowedOrigins, logger),
		Readiness:      readiness,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	return a, nil
}

// newResolver prefers Google Maps, then OSRM. With neither configured
// every route is the great-circle estimate.
func newResolver(cfg config.ServerConfig, logger *slog.Logger) (*routing.Resolver, error) {
	res := &routing.Resolver{
		RouteTimeout:   cfg.RoutingTimeout,
		GeocodeTimeout: cfg.GeocodeTimeout,
		Logger:         logger,
	}
	var router routing.Router
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gm, err := routing.NewGoogleMaps(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		router, res.Geocoder = gm, gm
		logger.Info("routing via google maps")
	case cfg.OSRMURL != "":
		router = routing.NewOSRMClient(cfg.OSRMURL)
		logger.Info("routing via osrm", "url", cfg.OSRMURL)
	default:
		logger.Warn("no routing provider configured, using estimates")
	}
	if router != nil && cfg.RouteCacheTTL > 0 {
		router = &routing.CachedRouter{Next: router, Cache: routing.NewCache(cfg.RouteCacheTTL)}
	}
	res.Router = router
	return res, nil
}
