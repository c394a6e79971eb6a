// Command headctl runs the head controller: the routing and lifecycle
// engine that fans client tasks out to a fleet of workers over UDP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkose-cluster/headctl/internal/config"
	"github.com/arkose-cluster/headctl/internal/controller"
	"github.com/arkose-cluster/headctl/internal/observability"
)

const version = "0.1.0"

func main() {
	var healthAddr string
	flag.StringVar(&healthAddr, "health-addr", "", "override the observability surface address (host:port)")
	flag.Parse()

	logger := observability.NewLogger("headctl", version, os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}
	if healthAddr == "" {
		healthAddr = fmt.Sprintf(":%d", cfg.HealthPort)
	}

	ctx, cancel := context.WithCancel(context.Background())

	shutdownTracing, err := observability.InitTracing(ctx, "headctl")
	if err != nil {
		logger.Fatal(err, "failed to initialize tracing")
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	ctrl := controller.New(cfg, logger, metrics)

	health := observability.NewHealthChecker(
		func() int { return ctrl.Registry().Snapshot().HealthyWorkers },
		func() observability.NodeCounters {
			return observability.NodeCounters{Snapshot: ctrl.Stats().Snapshot()}
		},
		func() interface{} { return ctrl.Registry().Snapshot() },
		func() interface{} { return ctrl.Tracker().Snapshot() },
	)

	observabilityServer := startObservabilityServer(healthAddr, metrics, health, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Start(ctx) }()

	logger.Info(fmt.Sprintf("head controller listening: client=:%d worker=:%d health=%s", cfg.ClientPort, cfg.WorkerPort, healthAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received, draining in-flight work")
	case err := <-errCh:
		if err != nil {
			logger.Error(err, "controller exited unexpectedly")
			os.Exit(1)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "controller did not drain in-flight handlers within shutdown timeout")
	}
	if err := observabilityServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "observability server shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error(err, "tracing shutdown error")
	}

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error(err, "controller stopped with an error")
			os.Exit(1)
		}
	case <-shutdownCtx.Done():
		logger.Error(shutdownCtx.Err(), "controller did not drain within shutdown timeout")
		os.Exit(1)
	}

	logger.Info("head controller stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.HealthHandler())
	mux.HandleFunc("/ready", health.ReadyHandler())
	mux.HandleFunc("/metrics", health.MetricsHandler())
	mux.Handle("/metrics/prom", metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "Not found"}`))
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("observability server listening on " + addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "observability server error")
		}
	}()
	return server
}
