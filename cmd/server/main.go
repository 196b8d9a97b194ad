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

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/distance"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/geo"
	httpapi "github.com/example/ride-bidding/internal/http"
	"github.com/example/ride-bidding/internal/ingest"
	"github.com/example/ride-bidding/internal/invite"
	"github.com/example/ride-bidding/internal/lock"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/marketplace"
	"github.com/example/ride-bidding/internal/payments"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("ride-bidding", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := pricing.NewRegistry(store, pricing.WithLogger(logger))
	if err := reg.Load(ctx); err != nil {
		return err
	}

	var (
		locker lock.Locker = lock.NewLocal()
		g      geo.Geo     = geo.NewIndex()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		locker = lock.NewRedisLocker(rc, cfg.RideLockTTL)
		g = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		logger.Info("using redis for ride locks and driver positions", "addr", cfg.RedisAddr)
	}

	var providers distance.Chain
	if cfg.GoogleMapsAPIKey != "" {
		gm, err := distance.NewGoogleMaps(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		providers = append(providers, gm)
	}
	if cfg.OSRMURL != "" {
		providers = append(providers, distance.NewOSRMClient(cfg.OSRMURL))
	}
	providers = append(providers, distance.GreatCircle{})

	var pay payments.Provider
	if cfg.StripeAPIKey != "" {
		pay = payments.NewStripeClient(cfg.StripeAPIKey, cfg.PaymentCurrency)
	} else {
		logger.Warn("STRIPE_API_KEY not set: accepted rides are scheduled without payment")
	}

	ws := dispatch.NewWSRegistry()
	fanout := dispatch.Multi{ws}
	if cfg.NotifyWebhookURL != "" {
		fanout = append(fanout, dispatch.NewWebhook(cfg.NotifyWebhookURL))
	}
	notifier := dispatch.NewAsync(fanout, 1024, logger)
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	go notifier.Run(notifyCtx)

	var (
		pub       events.Publisher = events.NopPublisher{}
		locations httpapi.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer kp.Close()
		pub = kp
		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer lp.Close()
		locations = lp
	}

	market := marketplace.New(marketplace.Deps{
		Store:                store,
		Locker:               locker,
		Pricing:              reg,
		Distance:             distance.NewCached(providers, cfg.DistanceCacheTTL),
		Payments:             pay,
		Notifier:             notifier,
		Events:               pub,
		Inviter:              &invite.Service{Geo: g, Notify: notifier, TopN: cfg.InviteTopN, Log: logger},
		Log:                  logger,
		MaxNegotiationRounds: cfg.MaxNegotiationRounds,
		MaxPaymentAttempts:   cfg.MaxPaymentAttempts,
		Currency:             cfg.PaymentCurrency,
		LockWait:             cfg.RideLockTTL,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(market, g, ws, locations, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-bidding listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stopNotify()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stopNotify()
	<-notifier.Done()
	return err
}

// openStore returns Postgres when PG_DSN is set and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set: using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		// optional migration: run migrations/001_create_rides.sql if requested
		b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
		if err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		if err := ps.Migrate(ctx, string(b)); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migration applied", "file", "001_create_rides.sql")
	}
	return ps, func() { _ = ps.Close() }, nil
}
