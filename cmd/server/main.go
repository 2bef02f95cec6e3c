package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ridestate"
	"github.com/example/ride-dispatch/internal/safety"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/telemetry"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var st storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		checks = append(checks, ps.Ping)
		st = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		st = storage.NewMemoryStore()
	}

	var (
		idx geo.Geo
		pub session.Publisher
	)
	hub := session.NewHub(logger)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		idx = geo.NewRedisGeo(rc, cfg.RedisGeoKey)

		bus := session.NewRedisBus(rc, cfg.RedisChannelPrefix, hub, logger)
		go func() {
			if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis bus stopped", "error", err)
			}
		}()
		pub = bus
	} else {
		idx = geo.NewIndex()
		pub = hub
	}

	var sink ingest.Sink = ingest.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideEventTopic)
		defer kp.Close()
		sink = kp
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(2 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var hooks *payments.Hooks
	if cfg.StripeAPIKey != "" {
		hooks = payments.NewHooks(payments.NewStripeClient(cfg.StripeAPIKey), cfg.StripeCurrency, st, logger)
	}

	engine := &dispatch.Engine{
		Store:         st,
		Geo:           idx,
		Publisher:     pub,
		ETA:           estimator,
		Sink:          sink,
		Payments:      hooks,
		Logger:        logger,
		RadiusMeters:  cfg.DispatchRadiusMeters,
		Fanout:        cfg.DispatchFanout,
		OfferWindow:   cfg.OfferWindow,
		EnforceExpiry: cfg.EnforceOfferExpiry,
	}
	api := httpapi.NewServer(httpapi.Deps{
		Engine: engine,
		Rides:  &ridestate.Machine{Store: st, Publisher: pub, Sink: sink, Payments: hooks, Logger: logger},
		Relay:  telemetry.NewRelay(st, idx, pub, sink, logger),
		Safety: &safety.Escalator{Store: st, Publisher: pub, Logger: logger},
		Store:  st,
		Geo:    idx,
		Hub:    hub,
		Auth:   session.NewAuthenticator(cfg.JWTSecret),
		Healthy: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "enforce_offer_expiry", cfg.EnforceOfferExpiry)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
