// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/watchtower/pkg/logging"
	"github.com/AleutianAI/watchtower/services/alerting"
	"github.com/AleutianAI/watchtower/services/ingester"
	"github.com/AleutianAI/watchtower/services/warehouse"
)

// --- Global Command Variables ---
var (
	logLevel    string
	logDir      string
	logJSON     bool
	metricsAddr string

	rootCmd = &cobra.Command{
		Use:   "watchtower",
		Short: "Telemetry warehouse ingestion and predictive alerting",
		Long: `Watchtower consumes OpenTelemetry data from Kafka into a ClickHouse
warehouse and watches it for anomalies with statistical baselines,
root cause detection, and optional LLM-driven investigation.`,
		SilenceUsage: true,
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest",
		Short: "Consume OTLP logs, traces, and metrics from Kafka into ClickHouse",
		RunE:  runIngest,
	}

	alertsCmd = &cobra.Command{
		Use:   "alerts",
		Short: "Run the predictive alert engine against the warehouse",
		RunE:  runAlerts,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", envOr("WATCHTOWER_LOG_LEVEL", "info"),
		"Minimum log level (debug, info, warn, error)")
	pf.StringVar(&logDir, "log-dir", os.Getenv("WATCHTOWER_LOG_DIR"),
		"Directory for JSON log files (empty disables file logging)")
	pf.BoolVar(&logJSON, "log-json", false, "Emit JSON logs on stderr")
	pf.StringVar(&metricsAddr, "metrics-addr", envOr("METRICS_ADDR", ":9090"),
		"Listen address for the Prometheus /metrics endpoint")

	rootCmd.AddCommand(ingestCmd, alertsCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(service string) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: service,
		JSON:    logJSON,
	})
}

// openWarehouse validates the connection settings, connects, and
// bootstraps the schema.
func openWarehouse(ctx context.Context) (*warehouse.Store, error) {
	cfg := warehouse.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := warehouse.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Bootstrap(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// newRegistry returns a metrics registry pre-loaded with the standard
// process and runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveMetrics exposes the registry on /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, reg *prometheus.Registry, log *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics endpoint listening", "addr", metricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger("ingester")
	defer log.Close()

	cfg := ingester.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	store, err := openWarehouse(ctx)
	if err != nil {
		log.Error("warehouse unavailable", "error", err)
		return err
	}
	defer store.Close()

	reg := newRegistry()
	consumer, err := ingester.NewConsumer(cfg, store, ingester.NewMetrics(reg), log)
	if err != nil {
		log.Error("kafka unavailable", "error", err)
		return err
	}
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return serveMetrics(ctx, reg, log) })
	return g.Wait()
}

func runAlerts(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger("alerts")
	defer log.Close()

	store, err := openWarehouse(ctx)
	if err != nil {
		log.Error("warehouse unavailable", "error", err)
		return err
	}
	defer store.Close()

	reg := newRegistry()
	svc := alerting.NewService(ctx, store, alerting.LoadConfig(), alerting.NewMetrics(reg), log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return serveMetrics(ctx, reg, log) })
	return g.Wait()
}
