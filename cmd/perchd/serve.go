package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perchmail/perchd/internal/auth"
	"github.com/perchmail/perchd/internal/config"
	"github.com/perchmail/perchd/internal/delivery"
	"github.com/perchmail/perchd/internal/dnsx"
	"github.com/perchmail/perchd/internal/logging"
	"github.com/perchmail/perchd/internal/metrics"
	"github.com/perchmail/perchd/internal/queue"
	"github.com/perchmail/perchd/internal/ratelimit"
	"github.com/perchmail/perchd/internal/server"
	"github.com/perchmail/perchd/internal/smtp"
	"github.com/perchmail/perchd/internal/store"
)

func runServe() {
	flags := config.ParseFlags()

	// Configuration problems exit with 2, runtime failures with 1.
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening message store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})
	go func() {
		if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("metrics server error", "error", err.Error())
		}
	}()

	limiter := ratelimit.New(rdb, ratelimit.Config{
		MaxConnectionRate:  cfg.Limits.MaxConnectionRate,
		MaxMessagesPerHour: cfg.Limits.MaxMessagesPerHour,
		MaxMessagesPerDay:  cfg.Limits.MaxMessagesPerDay,
		MaxAuthAttempts:    cfg.Limits.MaxAuthAttempts,
	})
	q := queue.New(rdb)
	resolver := dnsx.NewClient(nil)
	authHandler := auth.NewHandler(st, cfg.Hostname, logger)

	srv, err := server.New(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	engine := smtp.NewEngine(smtp.EngineConfig{
		Config:    &cfg,
		Store:     st,
		Limiter:   limiter,
		Queue:     q,
		Resolver:  resolver,
		Auth:      authHandler,
		Collector: collector,
		TLSConfig: srv.TLSConfig(),
	})
	srv.SetHandler(engine.Handler())

	agent := delivery.NewAgent(&cfg, st, resolver, collector, logger)
	processor := queue.NewProcessor(q, st, agent, collector, logger, queue.ProcessorConfig{
		Workers:         cfg.Queue.MaxDeliveryThreads,
		MaxAttempts:     cfg.Queue.RetryAttempts,
		FirstRetryDelay: time.Duration(cfg.Queue.RetryDelaySeconds) * time.Second,
	})

	// Repopulate the broker from durable state: messages accepted before
	// a restart are still queued in SQLite but gone from Redis.
	requeuePersisted(ctx, logger, st, q)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()

	if cfg.Queue.MessageRetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRetentionSweep(ctx, logger, st, cfg.Queue.MessageRetentionDays)
		}()
	}

	logger.Info("starting perchd",
		"hostname", cfg.Hostname,
		"domain", cfg.Domain,
		"listeners", len(cfg.Listeners()))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		cancel()
		wg.Wait()
		os.Exit(1)
	}
	wg.Wait()
}

// requeuePersisted pushes every durably queued message back onto the
// broker. Enqueue is idempotent, so entries that survived in Redis are
// left where they are.
func requeuePersisted(ctx context.Context, logger *slog.Logger, st *store.Store, q *queue.Queue) {
	ids, err := st.QueuedMessageIDs()
	if err != nil {
		logger.Warn("failed to list persisted queue", "error", err.Error())
		return
	}
	requeued := 0
	for _, id := range ids {
		if err := q.Enqueue(ctx, id, queue.DefaultPriority); err != nil {
			logger.Warn("failed to requeue message", "message_id", id, "error", err.Error())
			continue
		}
		requeued++
	}
	if requeued > 0 {
		logger.Info("requeued persisted messages", "count", requeued)
	}
}

// runRetentionSweep deletes terminal messages past the retention window
// once an hour until ctx is cancelled.
func runRetentionSweep(ctx context.Context, logger *slog.Logger, st *store.Store, retentionDays int) {
	retention := time.Duration(retentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.SweepExpiredMessages(retention)
			if err != nil {
				logger.Warn("retention sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				logger.Info("retention sweep removed messages", "count", n)
			}
		}
	}
}
