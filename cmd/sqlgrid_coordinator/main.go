// The sqlgrid coordinator daemon runs two-phase commit recovery for a
// cluster of Postgres worker nodes: periodically, and on demand through a
// small HTTP API.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sqlgrid/sqlgrid/config"
	"github.com/sqlgrid/sqlgrid/core/cluster"
	"github.com/sqlgrid/sqlgrid/core/recovery"
	"github.com/sqlgrid/sqlgrid/core/remote"
	"github.com/sqlgrid/sqlgrid/pkg/logger"
	"github.com/sqlgrid/sqlgrid/pkg/telemetry"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}

	zlogger, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputFile: cfg.LogOutput,
	})
	if err != nil {
		log.Fatalf("CRITICAL: can't initialize logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        cfg.PrometheusPort > 0,
		ServiceName:    "sqlgrid_coordinator",
		PrometheusPort: cfg.PrometheusPort,
	})
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	zlogger.Info("starting sqlgrid coordinator",
		zap.String("coordinator_id", cfg.CoordinatorID),
		zap.String("nodes_file", cfg.NodesFile),
		zap.Duration("recovery_interval", cfg.RecoveryInterval),
		zap.String("http_addr", cfg.HTTPListenAddr))

	nodes, err := cluster.LoadNodesFile(cfg.NodesFile)
	if err != nil {
		zlogger.Fatal("failed to load cluster nodes", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The shutdown channel makes every blocking remote wait fail fast once
	// the process is asked to exit, independent of per-pass contexts.
	shutdown := make(chan struct{})

	records, lock, cleanup, err := buildRecordStore(ctx, cfg, zlogger)
	if err != nil {
		zlogger.Fatal("failed to initialize record store", zap.Error(err))
	}
	defer cleanup()

	executor := remote.NewExecutor(cfg, zlogger, shutdown)
	coordinator, err := recovery.NewCoordinator(recovery.Options{
		CoordinatorID: cfg.CoordinatorID,
		Logger:        zlogger,
		Executor:      executor,
		Nodes:         cluster.NewStaticProvider(nodes),
		Records:       records,
		Activity:      recovery.NoActivity{},
		Dialer: &remote.PGDialer{
			User:           cfg.NodeUser,
			Database:       cfg.NodeDatabase,
			ConnectTimeout: 5 * time.Second,
			Logger:         zlogger,
		},
		Lock:  lock,
		Meter: tel.Meter,
	})
	if err != nil {
		zlogger.Fatal("failed to build recovery coordinator", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           newHandler(coordinator, zlogger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zlogger.Info("http api listening", zap.String("addr", cfg.HTTPListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlogger.Error("http server failed", zap.Error(err))
		}
	}()

	go recoveryLoop(ctx, coordinator, cfg.RecoveryInterval, zlogger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zlogger.Info("shutting down", zap.String("signal", sig.String()))

	close(shutdown)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlogger.Warn("http server shutdown failed", zap.Error(err))
	}
	if err := telShutdown(shutdownCtx); err != nil {
		zlogger.Warn("telemetry shutdown failed", zap.Error(err))
	}

	zlogger.Info("sqlgrid coordinator shut down gracefully")
}

// buildRecordStore picks the Postgres-backed store and advisory lock when a
// catalog DSN is configured, and the in-process pair otherwise.
func buildRecordStore(ctx context.Context, cfg config.Config, zlogger *zap.Logger) (recovery.RecordStore, recovery.RecoveryLock, func(), error) {
	if cfg.CatalogDSN == "" {
		zlogger.Warn("no catalog DSN configured, recovery records are kept in memory and lost on restart")
		return recovery.NewMemoryRecordStore(), recovery.NewLocalRecoveryLock(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.CatalogDSN)
	if err != nil {
		return nil, nil, nil, err
	}

	store := recovery.NewPGRecordStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	zlogger.Info("using catalog database for recovery records")
	return store, recovery.NewPGAdvisoryLock(pool), pool.Close, nil
}

// recoveryLoop runs a recovery pass on every tick until the context ends.
func recoveryLoop(ctx context.Context, coordinator *recovery.Coordinator, interval time.Duration, zlogger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		count, err := coordinator.RecoverTwoPhaseCommits(ctx)
		if err != nil {
			if remote.Interrupted(err) {
				return
			}
			zlogger.Error("recovery pass failed", zap.Int("recovered", count), zap.Error(err))
			continue
		}
		if count > 0 {
			zlogger.Info("recovery pass finished", zap.Int("recovered", count))
		}
	}
}

type recoverResponse struct {
	Recovered int    `json:"recovered"`
	Error     string `json:"error,omitempty"`
}

// newHandler serves the on-demand API: POST /recover triggers a pass, GET
// /healthz answers liveness probes. Manual triggers are rate limited so a
// misbehaving client cannot keep the cluster busy sweeping.
func newHandler(coordinator *recovery.Coordinator, zlogger *zap.Logger) http.Handler {
	limiter := rate.NewLimiter(rate.Every(time.Second), 5)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/recover", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !limiter.Allow() {
			http.Error(w, "too many recovery requests", http.StatusTooManyRequests)
			return
		}

		count, err := coordinator.RecoverTwoPhaseCommits(r.Context())
		resp := recoverResponse{Recovered: count}
		status := http.StatusOK
		if err != nil {
			zlogger.Error("on-demand recovery failed", zap.Error(err))
			resp.Error = err.Error()
			status = http.StatusInternalServerError
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})

	return mux
}
