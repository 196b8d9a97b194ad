package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed by topic",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received by topic",
	}, []string{"topic"})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	lateCancellations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_driver_late_cancellations_total",
		Help: "Late driver cancellations recorded against driver reliability",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, lateCancellations)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("ride-bidding-consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	newReader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: topic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	}
	locReader := newReader(cfg.KafkaLocationTopic)
	evReader := newReader(cfg.KafkaEventsTopic)
	defer func() {
		_ = locReader.Close()
		_ = evReader.Close()
		_ = rc.Close()
	}()

	locations := func(ctx context.Context, m kafka.Message) error {
		var d models.DriverPosition
		if err := json.Unmarshal(m.Value, &d); err != nil {
			msgsInvalid.WithLabelValues(m.Topic).Inc()
			logger.Warn("invalid location message", "error", err)
			return nil
		}
		if d.ID == "" {
			msgsInvalid.WithLabelValues(m.Topic).Inc()
			return nil
		}
		// Try updating Redis with retries and small backoff
		if err := updateRedisWithRetry(ctx, radapter, cfg.RedisGeoKey, &d, cfg.RedisRetries, cfg.RedisRetryDelay); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", d.ID, "error", err)
			return nil
		}
		redisUpdates.Inc()
		return nil
	}

	rideEvents := func(ctx context.Context, m kafka.Message) error {
		var e events.Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			msgsInvalid.WithLabelValues(m.Topic).Inc()
			logger.Warn("invalid event message", "error", err)
			return nil
		}
		recorded, err := recordReliability(ctx, radapter, e)
		if err != nil {
			redisErrors.Inc()
			logger.Error("record driver reliability failed", "ride_id", e.RideID, "error", err)
			return nil
		}
		if recorded {
			lateCancellations.Inc()
			logger.Info("late driver cancellation recorded", "ride_id", e.RideID, "driver_id", e.Data["driver_id"])
		}
		return nil
	}

	logger.Info("consumer listening",
		"location_topic", cfg.KafkaLocationTopic, "events_topic", cfg.KafkaEventsTopic,
		"brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	var wg sync.WaitGroup
	for _, c := range []struct {
		r      messageReader
		handle func(context.Context, kafka.Message) error
	}{{locReader, locations}, {evReader, rideEvents}} {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			consume(ctx, c.r, c.handle, logger)
		}()
	}
	wg.Wait()
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx is done, backing off on read errors.
func consume(ctx context.Context, r messageReader, handle func(context.Context, kafka.Message) error, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.WithLabelValues(m.Topic).Inc()
		if err := handle(ctx, m); err != nil {
			logger.Error("handle message failed", "topic", m.Topic, "offset", m.Offset, "error", err)
		}
	}
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HIncrBy(ctx context.Context, key, field string, incr int64) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisAdapter) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	_, err := r.c.HIncrBy(ctx, key, field, incr).Result()
	return err
}

// updateRedisWithRetry updates redis using the RedisUpdater interface with retry/backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, d *models.DriverPosition, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := rc.HSet(ctx, geo.MetaKey(d.ID), geo.MetaFields(*d, time.Now())); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

func reliabilityKey(driverID string) string { return "driver:reliability:" + driverID }

// recordReliability counts a late driver cancellation against the driver.
// Other events are ignored.
func recordReliability(ctx context.Context, rc RedisUpdater, e events.Event) (bool, error) {
	if e.Type != events.RideCancelled {
		return false, nil
	}
	flagged, _ := e.Data["reliability_flag"].(bool)
	driverID, _ := e.Data["driver_id"].(string)
	if !flagged || driverID == "" {
		return false, nil
	}
	if err := rc.HIncrBy(ctx, reliabilityKey(driverID), "late_cancellations", 1); err != nil {
		return false, err
	}
	return true, nil
}
