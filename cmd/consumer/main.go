package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/validate"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geo_consumer_messages_consumed_total",
		Help: "Total driver location reports consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geo_consumer_messages_invalid_total",
		Help: "Total location reports that failed to decode or validate",
	})
	indexUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_consumer_index_updates_total",
		Help: "Geo index writes by operation",
	}, []string{"op"})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geo_consumer_index_errors_total",
		Help: "Geo index writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel).With("component", "geo-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	idx := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, idx, logger)
	logger.Info("shutting down consumer")
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// readiness: check redis connectivity
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

// messageReader is the part of *kafka.Reader the loop needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, idx geo.Geo, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		rep, err := decodeReport(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid location report", "offset", m.Offset, "error", err)
			continue
		}
		if err := applyWithRetry(ctx, idx, rep, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			logger.Error("geo index update failed", "driver_id", rep.DriverID, "error", err)
		}
	}
}

func decodeReport(raw []byte) (models.LocationReport, error) {
	var rep models.LocationReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return rep, err
	}
	if rep.DriverID == "" {
		return rep, errors.New("report has no driver id")
	}
	if rep.Online {
		if err := validate.Coord("loc", rep.Loc); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// applyWithRetry mirrors one report into the index: online drivers are placed at
// their reported position, offline drivers are removed.
func applyWithRetry(ctx context.Context, idx geo.Geo, rep models.LocationReport, attempts int, delay time.Duration) error {
	op := "remove"
	if rep.Online {
		op = "upsert"
	}
	var err error
	for i := 0; i < attempts; i++ {
		if rep.Online {
			err = idx.Upsert(ctx, rep.DriverID, rep.Loc)
		} else {
			err = idx.Remove(ctx, rep.DriverID)
		}
		if err == nil {
			indexUpdates.WithLabelValues(op).Inc()
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
