package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/export"
	"github.com/nicktill/vitalsync/pkg/httpx"
	relayserver "github.com/nicktill/vitalsync/pkg/relay/server"
	"github.com/nicktill/vitalsync/pkg/server/monitor"
)

func newRelayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the reference metrics sink.",
		Long: `Serves insertRows, health, dev/sql, export/import and a websocket live feed
over a SQLite table, refusing inserts once the data directory exceeds its
size limit.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{flagAnnotation + "addr": "relay.addr"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, a.cfg.Relay, a.logger)
		},
	}

	f := cmd.Flags()
	f.String("addr", config.DefaultRelayAddr, "listen address")
	f.String("data-dir", config.RelayDataDir, "directory holding the SQLite database")
	f.Int64("max-storage-mb", config.RelayMaxStorageMB, "refuse inserts above this data dir size (0 disables)")
	f.Bool("dev-sql", config.RelayDevSQL, "serve POST /dev/sql")
	return cmd
}

// relayRouter mounts the sink, export and metrics endpoints.
func relayRouter(store *relayserver.SQLStore, storage *monitor.StorageMonitor, hub *relayserver.Hub,
	reg *prometheus.Registry, devSQL bool, logger *zap.Logger) *mux.Router {
	handler := relayserver.NewHandler(store,
		relayserver.WithHub(hub),
		relayserver.WithStorageChecker(storage),
		relayserver.WithDevSQL(devSQL),
		relayserver.WithLogger(logger.Named("relay")),
	)

	router := mux.NewRouter()
	router.Use(httpx.Middleware(reg, logger))
	handler.SetupRoutes(router)
	export.NewHandler(store,
		export.WithStorageChecker(storage),
		export.WithLogger(logger.Named("export")),
	).SetupRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

func runRelay(ctx context.Context, cfg config.RelayConfig, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "relay.db")
	store, err := relayserver.NewSQLStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	storage := monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageMB<<20)
	hub := relayserver.NewHub(logger.Named("hub"))

	hubCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(hubCtx)
	}()

	router := relayRouter(store, storage, hub, prometheus.NewRegistry(), cfg.DevSQL, logger)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening",
			zap.String("addr", cfg.Addr),
			zap.String("db", dbPath),
			zap.Int64("max_storage_mb", cfg.MaxStorageMB),
			zap.Bool("dev_sql", cfg.DevSQL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("relay: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()

	logger.Info("relay stopped")
	return runErr
}
