// Command carseeder runs the car-listing producer described by spec §1: a
// timer-driven generator that normally writes through the remote work
// queue, falls back to a durable local store when the queue's master is
// unreachable, and recovers the backlog once failover completes. Wiring
// follows the teacher's cmd/gateway and cmd/enterprise entry points —
// construct dependencies top to bottom, start background loops, block on
// a signal, then shut down in reverse order with a bounded deadline.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxorio/carseeder/internal/breaker"
	"github.com/fluxorio/carseeder/internal/carmodel"
	"github.com/fluxorio/carseeder/internal/config"
	"github.com/fluxorio/carseeder/internal/durablestore"
	"github.com/fluxorio/carseeder/internal/generator"
	"github.com/fluxorio/carseeder/internal/metrics"
	"github.com/fluxorio/carseeder/internal/queueclient"
	"github.com/fluxorio/carseeder/internal/recovery"
	"github.com/fluxorio/carseeder/internal/stateseeder"
	"github.com/fluxorio/carseeder/internal/writehandler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	instanceID := carmodel.NewInstanceID()
	logger.Info("starting car-seeder", "instance_id", instanceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := stateseeder.NewManager(logger)

	b := breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		CooldownMs:       cfg.CircuitBreakerCooldownMs,
	}, logger)
	b.OnStateChange(func(s breaker.State) {
		metrics.RegistryBreakerState.Set(float64(s))
	})

	sessionTracker := metrics.NewSessionTracker(cfg.MetricsLogDir, logger)

	store, err := durablestore.Open(durablestore.Config{
		Path:          cfg.SQLiteDBPath,
		BatchSize:     cfg.RecoveryChunkSize,
		FlushInterval: time.Second,
		InstanceID:    instanceID,
	}, logger)
	if err != nil {
		logger.Error("durable store open failed", "error", err)
		os.Exit(1)
	}

	recoveryCfg := recovery.Config{
		MasterName:             cfg.MasterName,
		ChunkSize:              cfg.RecoveryChunkSize,
		RecoveryCooldown:       cfg.RecoveryCooldown(),
		HealthCheckInterval:    cfg.RecoveryCheckInterval(),
		StaleClaimThreshold:    5 * time.Minute,
		ForceReconnectCooldown: 2 * time.Second,
		InstanceID:             instanceID,
		DrainWorkers:           8,
	}

	queueURLs := cfg.QueueURLs()

	queueCfg := queueclient.Config{
		URLs:           queueURLs,
		Name:           "car-seeder-" + instanceID,
		StreamPrefix:   cfg.NATSStreamPrefix,
		MasterName:     cfg.MasterName,
		ConnectTimeout: 30 * time.Second,
	}

	// The recovery manager is both the queue client's connection-ready
	// listener and the consumer of the queue/store/breaker/state it drives,
	// so it is constructed before the client connects and wired in as the
	// listener argument.
	recoveryMgr := recovery.New(recoveryCfg, nil, store, b, state, sessionTracker, logger)

	queue, err := queueclient.Connect(ctx, queueCfg, logger, recoveryMgr)
	if err != nil {
		logger.Error("queue client connect failed", "error", err)
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("durable store close failed", "error", closeErr)
		}
		os.Exit(1)
	}
	recoveryMgr.SetQueue(queue)

	if err := recoveryMgr.Start(ctx); err != nil {
		logger.Error("recovery manager start failed", "error", err)
		os.Exit(1)
	}

	handler := writehandler.New(queue, store, b, state, sessionTracker, logger)

	gen := generator.New(handler, cfg.CarGenerationInterval(), logger)
	gen.Start(ctx)

	servers := startHTTPServers(cfg.Port, cfg.MetricsPromAddr, logger)

	logger.Info("car-seeder running",
		"port", cfg.Port,
		"metrics_addr", cfg.MetricsPromAddr,
		"nats_urls", queueURLs,
		"sqlite_path", cfg.SQLiteDBPath,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gen.Stop()

	if err := store.FlushPendingWrites(shutdownCtx); err != nil {
		logger.Error("final flush failed", "error", err)
	}

	recoveryMgr.Stop()

	if err := queue.Close(); err != nil {
		logger.Error("queue client close failed", "error", err)
	}

	if err := store.Close(); err != nil {
		logger.Error("durable store close failed", "error", err)
	}

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server shutdown failed", "error", err)
		}
	}

	logger.Info("car-seeder stopped")
}

// startHTTPServers serves the health endpoint on port and the Prometheus
// scrape endpoint on a separate address, mirroring spec §6's two distinct
// listener settings (PORT vs METRICS_PROMETHEUS_ADDR).
func startHTTPServers(port int, metricsAddr string, logger *slog.Logger) []*http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	healthSrv := &http.Server{
		Addr:    portAddr(port),
		Handler: mux,
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health http server error", "error", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:    metricsAddr,
		Handler: metricsMux,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics http server error", "error", err)
		}
	}()

	return []*http.Server{healthSrv, metricsSrv}
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
