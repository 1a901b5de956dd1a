package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/checkpoint"
	badgercp "github.com/nicktill/vitalsync/pkg/checkpoint/badger"
	rediscp "github.com/nicktill/vitalsync/pkg/checkpoint/redis"
	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/dashboard"
	"github.com/nicktill/vitalsync/pkg/ingest"
	"github.com/nicktill/vitalsync/pkg/ingest/auto"
	"github.com/nicktill/vitalsync/pkg/ingest/queue"
	"github.com/nicktill/vitalsync/pkg/relay"
	"github.com/nicktill/vitalsync/pkg/server"
	"github.com/nicktill/vitalsync/pkg/server/monitor"
	"github.com/nicktill/vitalsync/pkg/source"
)

func newAgentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Poll the health source and ship new vitals to the relay.",
		Long: `Runs the auto-ingestion scheduler against the demo health source, delivers
mapped rows to the relay and serves the status API. SIGINT or SIGTERM stops
polling and makes one final flush attempt before exit.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{flagAnnotation + "addr": "agent.addr"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, a.cfg, a.logger)
		},
	}

	f := cmd.Flags()
	f.String("addr", config.DefaultAgentAddr, "status API listen address")
	f.String("user-id", config.DefaultUserID, "user id stamped on every row")
	f.String("device-id", "", "device id stamped on every row (default derived from hostname)")
	f.String("relay-url", config.DefaultRelayURL, "relay base URL")
	f.String("checkpoints", config.DefaultCheckpoints, "checkpoint backend: badger, redis or memory")
	f.String("checkpoint-dir", config.DefaultDataDir, "badger checkpoint directory")
	f.String("redis-addr", "localhost:6379", "redis address for the redis checkpoint backend")
	f.Duration("interval", config.PollInterval, "poll interval while active")
	return cmd
}

// agent is the assembled set of long-lived agent components.
type agent struct {
	store     checkpoint.Store
	gc        server.GarbageCollector
	client    *relay.Client
	queue     *queue.Queue
	scheduler *auto.Scheduler
	dashboard *dashboard.Service
	probe     *server.RelayProbe
	router    http.Handler
}

func buildAgent(ctx context.Context, cfg config.Config, logger *zap.Logger) (*agent, error) {
	store, gc, err := openCheckpoints(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	identity := ingest.Context{
		UserID:   cfg.Identity.UserID,
		Source:   cfg.Identity.Source,
		DeviceID: cfg.Identity.DeviceID,
	}
	if identity.DeviceID == "" {
		identity.DeviceID = defaultDeviceID(identity.UserID)
	}

	src := source.NewGuard(source.NewDemo())
	client := relay.New(cfg.Relay.URL, cfg.Relay.Timeout, logger.Named("relay"))
	delivery := monitor.NewDeliveryMonitor()

	q := queue.New(client, queue.Config{
		ChunkSize: cfg.Queue.ChunkSize,
		Backoff:   cfg.Queue.Backoff,
		Timeout:   cfg.Queue.Timeout,
	},
		queue.WithLogger(logger.Named("queue")),
		queue.WithMetrics(queue.NewMetrics(reg)),
		queue.WithObserver(delivery),
	)

	tracker := checkpoint.NewTracker(store)
	tracker.Lookback = cfg.Scheduler.Lookback

	sched := auto.New(src, tracker, q, auto.Config{
		Interval: cfg.Scheduler.Interval,
		Debounce: cfg.Scheduler.Debounce,
		Context:  identity,
	},
		auto.WithLogger(logger.Named("scheduler")),
		auto.WithRegisterer(reg),
	)

	dash := dashboard.New(src, dashboard.Config{Debounce: cfg.Scheduler.Debounce},
		dashboard.WithLogger(logger.Named("dashboard")))

	probe := server.NewRelayProbe(client, logger.Named("probe"))

	router := server.NewRouter(server.Deps{
		Queue:      q,
		Scheduler:  sched,
		Insights:   dash,
		Delivery:   delivery,
		Probe:      probe,
		Gatherer:   reg,
		Registerer: reg,
		Logger:     logger,
		Version:    version,
	})

	logger.Info("agent assembled",
		zap.String("user_id", identity.UserID),
		zap.String("device_id", identity.DeviceID),
		zap.String("relay", cfg.Relay.URL),
		zap.String("checkpoints", cfg.Checkpoint.Backend))

	return &agent{
		store:     store,
		gc:        gc,
		client:    client,
		queue:     q,
		scheduler: sched,
		dashboard: dash,
		probe:     probe,
		router:    router,
	}, nil
}

func runAgent(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ag, err := buildAgent(ctx, cfg, logger)
	if err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ag.probe.Run(bgCtx, config.RelayProbeInterval)
	}()

	if ag.gc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.RunCheckpointGC(bgCtx, ag.gc, config.CheckpointGCEvery, logger.Named("gc"))
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Agent.Addr,
		Handler:      ag.router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("status API listening", zap.String("addr", cfg.Agent.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ag.scheduler.SetActive(true)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("status API: %w", err)
		}
	}

	ag.shutdown(srv, logger)
	cancel()
	wg.Wait()

	if err := ag.store.Close(); err != nil {
		logger.Warn("failed to close checkpoint store", zap.Error(err))
	}
	logger.Info("agent stopped")
	return runErr
}

// shutdown stops polling and the API, then makes one bounded attempt to
// deliver whatever is still pending.
func (ag *agent) shutdown(srv *http.Server, logger *zap.Logger) {
	ag.scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status API shutdown", zap.Error(err))
	}

	// Close first so a background flush or retry cannot hold the flush slot.
	ag.queue.Close()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), config.QueueFinalFlushMax)
	defer flushCancel()
	res := ag.queue.Flush(flushCtx)

	if res.Pending > 0 {
		logger.Warn("rows still pending at exit are dropped",
			zap.Int("delivered", res.Delivered),
			zap.Int("pending", res.Pending))
	} else {
		logger.Info("final flush complete", zap.Int("delivered", res.Delivered))
	}
}

// openCheckpoints opens the configured store. The returned collector is
// non-nil only for stores that need periodic GC.
func openCheckpoints(ctx context.Context, cfg config.CheckpointConfig) (checkpoint.Store, server.GarbageCollector, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
		store, err := badgercp.New(badgercp.Config{Path: cfg.Path})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s unreachable: %w", cfg.RedisAddr, err)
		}
		return rediscp.New(client, cfg.Prefix), nil, nil

	default:
		return checkpoint.NewMemory(), nil, nil
	}
}

// defaultDeviceID is stable across restarts on the same host so rows keep
// their dedup keys.
func defaultDeviceID(userID string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(host+"/"+userID)).String()
}
