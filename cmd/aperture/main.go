package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aperturemedia/aperture/config"
	"github.com/aperturemedia/aperture/metrics"
	"github.com/aperturemedia/aperture/orchestrator"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config/server.xml", "path to the XML server configuration")
	service := flag.Bool("service", false, "run as a background service (structured JSON logging instead of text)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address for the Prometheus scrape endpoint")
	flag.Parse()

	var handler slog.Handler
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	if *service {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := metrics.New()
	mgr := orchestrator.New(cfg, reg, logger)

	logger.Info("aperture starting",
		"version", version,
		"config", *configPath,
		"metrics", *metricsAddr,
		"service", *service,
	)

	if err := mgr.Start(ctx, orchestrator.StartOptions{MetricsAddr: *metricsAddr}); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
