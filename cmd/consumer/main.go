package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	updatesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_updates_applied_total",
		Help: "Location updates written for online drivers",
	})
	updatesIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_updates_ignored_total",
		Help: "Location updates dropped because the driver is offline",
	})
	updateErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_update_errors_total",
		Help: "Location updates that failed after all retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, updatesApplied, updatesIgnored, updateErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	registry := presence.NewRedisRegistry(rc, cfg.RedisPresencePrefix)

	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)
	consume(ctx, r, registry, cfg.UpdateRetries, cfg.RetryDelay, logger)
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// MessageReader is the part of kafka.Reader the consume loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// LocationUpdater writes a driver's position into the presence registry. It reports false
// when the driver is offline and the sample was dropped.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, id models.ActorID, loc models.Coord) (bool, error)
}

func consume(ctx context.Context, r MessageReader, u LocationUpdater, attempts int, delay time.Duration, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		update, err := ingest.DecodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "offset", m.Offset, "error", err)
			continue
		}
		applied, err := applyWithRetry(ctx, u, update, attempts, delay)
		switch {
		case err != nil:
			updateErrors.Inc()
			logger.Error("presence update failed", "driver_id", update.DriverID, "error", err)
		case applied:
			updatesApplied.Inc()
		default:
			updatesIgnored.Inc()
		}
	}
}

// applyWithRetry retries transient registry failures with doubling delay.
func applyWithRetry(ctx context.Context, u LocationUpdater, update models.LocationUpdate, attempts int, delay time.Duration) (bool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		applied, err := u.UpdateLocation(ctx, update.DriverID, update.Location)
		if err == nil {
			return applied, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, errors.Join(lastErr, ctx.Err())
		}
		delay *= 2
	}
	return false, lastErr
}
