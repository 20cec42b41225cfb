// Command democlient hosts a resilientclient.Client behind a small HTTP
// front door: it forwards every request under /proxy/ to a configured
// upstream through the resilient pipeline, and exposes /health, /ready,
// /admin/snapshot, and /metrics for operating it the way the gateway this
// package is descended from operates itself. The config file is watched for
// changes (and reloadable via SIGHUP/SIGUSR1 on Unix) so admission limits
// and breaker thresholds can be tuned without a restart.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	resilientclient "github.com/dskow/resilientclient"
	"github.com/dskow/resilientclient/internal/config"
	"github.com/dskow/resilientclient/internal/promexport"
)

func main() {
	configPath := flag.String("config", "configs/democlient.yaml", "path to configuration file")
	upstream := flag.String("upstream", "http://localhost:3001", "base URL requests under /proxy/ are forwarded to")
	listenAddr := flag.String("addr", ":8080", "address to listen on")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "grace period for draining in-flight requests")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	for _, w := range fileCfg.Warnings {
		logger.Warn("config warning", "message", w)
	}
	logger.Info("configuration loaded",
		"max_in_flight", fileCfg.MaxInFlight,
		"max_queue", fileCfg.MaxQueue,
		"key_fn", fileCfg.KeyFn,
		"breaker_failure_threshold", fileCfg.Breaker.FailureThreshold,
	)

	client := resilientclient.New(resilientclient.FromFileConfig(fileCfg.Adapt(), nil, logger))

	collector := promexport.New()
	collector.Attach(client)

	client.Subscribe(resilientclient.EventBreakerState, func(payload any) {
		logger.Info("breaker state changed", "payload", payload)
	})

	reloader := config.NewReloader(*configPath, fileCfg, logger)
	reloader.OnReload(func(fc config.ToClientConfig) {
		if err := client.Reconfigure(resilientclient.FromFileConfig(fc, nil, logger)); err != nil {
			logger.Error("failed to apply reloaded config", "error", err)
			return
		}
		logger.Info("applied reloaded config to running client")
	})
	reloader.Start()
	defer reloader.Stop()

	mux := http.NewServeMux()
	registerHealth(mux, client)
	registerAdmin(mux, client)
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/proxy/", proxyHandler(client, *upstream, logger))

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting democlient", "addr", srv.Addr, "upstream", *upstream)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", *shutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("democlient stopped gracefully")
}

// proxyHandler forwards everything under /proxy/ to upstreamBase through
// the resilient client, translating pipeline errors into the status codes
// spec.md §7 assigns them.
func proxyHandler(client *resilientclient.Client, upstreamBase string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetPath := strings.TrimPrefix(r.URL.Path, "/proxy")
		targetURL := upstreamBase + targetPath
		if r.URL.RawQuery != "" {
			targetURL += "?" + r.URL.RawQuery
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		resp, err := client.Request(r.Context(), resilientclient.Request{
			Method:  resilientclient.Method(r.Method),
			URL:     targetURL,
			Headers: r.Header.Clone(),
			Body:    body,
		})
		if err != nil {
			status, msg := classifyError(err)
			logger.Warn("proxy request failed", "target", targetURL, "error", err)
			http.Error(w, msg, status)
			return
		}

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	})
}

func classifyError(err error) (int, string) {
	switch {
	case isQueueFull(err), isCircuitOpen(err):
		return http.StatusServiceUnavailable, "upstream temporarily unavailable: " + err.Error()
	case isQueueTimeout(err), isRequestTimeout(err):
		return http.StatusGatewayTimeout, "upstream timed out: " + err.Error()
	default:
		return http.StatusBadGateway, "upstream request failed: " + err.Error()
	}
}

func isQueueFull(err error) bool {
	var e *resilientclient.QueueFullError
	return errors.As(err, &e)
}

func isQueueTimeout(err error) bool {
	var e *resilientclient.QueueTimeoutError
	return errors.As(err, &e)
}

func isCircuitOpen(err error) bool {
	var e *resilientclient.CircuitOpenError
	return errors.As(err, &e)
}

func isRequestTimeout(err error) bool {
	var e *resilientclient.RequestTimeoutError
	return errors.As(err, &e)
}

func registerHealth(mux *http.ServeMux, client *resilientclient.Client) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		snap := client.Snapshot()
		anyOpen := false
		for _, b := range snap.Breakers {
			if b.State == "open" {
				anyOpen = true
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if anyOpen {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"degraded"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ready"}`)
	})
}

func registerAdmin(mux *http.ServeMux, client *resilientclient.Client) {
	mux.HandleFunc("/admin/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(client.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
