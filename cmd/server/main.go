package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	ready := []httpapi.ReadyCheck{{Name: "store", Check: store.Ping}}

	var (
		registry presence.Registry = presence.NewMemoryRegistry()
		rdb      *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		registry = presence.NewRedisRegistry(rdb, cfg.RedisPresencePrefix)
		ready = append(ready, httpapi.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
		logger.Info("presence registry on redis", "addr", cfg.RedisAddr)
	}

	var verifier auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}

	hub := gateway.NewHub(gateway.Options{
		GracePeriod:    cfg.DriverGracePeriod,
		AllowedOrigins: cfg.AllowedOrigins,
		Verifier:       verifier,
		Logger:         logger,
	})
	var fanout gateway.Fanout = hub
	if rdb != nil {
		bp := gateway.NewRedisBackplane(rdb, cfg.RedisBackplaneChannel, hub, logger)
		go func() {
			if err := bp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("room backplane stopped", "error", err)
			}
		}()
		select {
		case <-bp.Ready():
		case <-time.After(5 * time.Second):
			return errors.New("room backplane did not subscribe in time")
		}
		fanout = bp
	}

	var pusher notify.Pusher
	if cfg.PushEndpoint != "" {
		pusher = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}
	notes := notify.NewService(store, pusher, logger)

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideEventsTopic)
		defer producer.Close()
		logger.Info("kafka producer configured", "brokers", cfg.KafkaBrokers)
	}

	deps := dispatch.Deps{
		Rides:    store,
		Profiles: store,
		Notes:    notes,
		Presence: registry,
		Fanout:   fanout,
		Logger:   logger,
	}
	if producer != nil {
		deps.Events = producer
	}
	if cfg.StripeAPIKey != "" {
		deps.Payments = payments.NewStripeVerifier(cfg.StripeAPIKey)
	}
	d := dispatch.New(deps)
	hub.SetHandler(dispatch.NewRouter(d, notes, hub, logger))

	opts := httpapi.Options{
		Dispatcher: d,
		Notes:      notes,
		Verifier:   verifier,
		Socket:     hub,
		Ready:      ready,
		Logger:     logger,
	}
	opts.Locations = locationSink(producer, rdb != nil, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
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

// openStore prefers Mongo, then Postgres, and falls back to in-process state.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	switch {
	case cfg.MongoURI != "":
		s, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		logger.Info("store on mongo", "database", cfg.MongoDatabase)
		return s, nil
	case cfg.PGDSN != "":
		s, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
			if err == nil {
				err = s.Migrate(ctx, string(b))
			}
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			logger.Info("migration applied", "file", "001_init.sql")
		}
		logger.Info("store on postgres")
		return s, nil
	default:
		logger.Warn("no database configured, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
}

// locationSink picks where posted telemetry goes. The stream consumer only reaches drivers
// through the shared redis registry, so without it telemetry is applied in process.
func locationSink(producer *ingest.Producer, sharedPresence bool, logger *slog.Logger) httpapi.LocationPublisher {
	if producer == nil {
		return nil
	}
	if !sharedPresence {
		logger.Warn("kafka configured without redis, applying driver telemetry in process")
		return nil
	}
	return producer
}
