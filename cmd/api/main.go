package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"changehook/internal/api"
	"changehook/internal/audit"
	"changehook/internal/auth"
	"changehook/internal/buildinfo"
	"changehook/internal/changefeed"
	"changehook/internal/changelog"
	"changehook/internal/config"
	"changehook/internal/logger"
	"changehook/internal/metrics"
	"changehook/internal/queue"
	"changehook/internal/store"
	"changehook/internal/webhooks"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Errorw("exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, lg *zap.SugaredLogger) error {
	metrics.RegisterDefault()
	lg.Infow("starting", "build", buildinfo.Info(), "config", cfg.Summary())

	st, err := openStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
	}

	var q queue.Queue
	if cfg.QueueBackend() == "redis" {
		q = queue.NewRedis(rdb, cfg.Queue.Capacity)
	} else {
		q = queue.NewMemory(cfg.Queue.Capacity)
	}
	defer func() { _ = q.Close() }()

	var feed changefeed.Feed
	if rdb != nil {
		feed = changefeed.NewRedisBroker(rdb, lg)
	} else {
		feed = changefeed.NewBroker()
	}
	sinks := []changefeed.Sink{feed}
	if len(cfg.Kafka.Brokers) > 0 {
		ks := changefeed.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = ks.Close() }()
		sinks = append(sinks, ks)
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	dispatcher := webhooks.NewDispatcher(st, st, q, webhooks.WithDispatcherLogger(lg))
	svc := audit.NewService(st, dispatcher,
		audit.WithLogger(lg),
		audit.WithSinks(sinks...),
		audit.WithRecorderOptions(changelog.WithLogger(lg)),
	)
	worker := webhooks.NewWorker(st, q, webhooks.WorkerConfig{
		Workers:       cfg.Delivery.Workers,
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		Timeout:       cfg.Delivery.Timeout,
		Backoff:       webhooks.Backoff{Base: cfg.Delivery.BackoffBase, Max: cfg.Delivery.BackoffMax},
		RateLimit:     cfg.Delivery.RateLimit,
		RateBurst:     cfg.Delivery.RateBurst,
		SweepInterval: cfg.Delivery.SweepInterval,
		SweepGrace:    cfg.Delivery.SweepGrace,
	}, webhooks.WithWorkerLogger(lg))

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(api.Deps{
			Store:        st,
			Audit:        svc,
			Dispatcher:   dispatcher,
			Queue:        q,
			Feed:         feed,
			Auth:         verifier,
			Log:          lg,
			AllowOrigins: cfg.Server.AllowOrigins,
			Info:         cfg.Summary(),
		}).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Infow("API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Infow("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, lg *zap.SugaredLogger) (store.Store, error) {
	if cfg.Database.URL == "" {
		lg.Warnw("DATABASE_URL not set; using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.Database.Migrate {
		mctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := pg.Migrate(mctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pg, nil
}
