package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-deal-ingest/api"
	"github.com/aluiziolira/go-deal-ingest/app"
	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored when missing)")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Separate Prometheus listen address (e.g. :9090)")
	workers := flag.Int("workers", 0, "Number of ingestion workers (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *verbose {
		cfg.Verbose = true
	}

	logger, level := logging.New(os.Stdout, cfg.Verbose, cfg.LogFormat)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if disabled := cfg.DisableUnconfigured(); len(disabled) > 0 {
		slog.Warn("adapters disabled for missing credentials", slog.Any("adapters", disabled))
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("ingestd stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func loadConfig(path, envFile string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", cerr))
		}
	}()
	a.StartJanitor()

	server := api.NewServer(cfg.ListenAddr, a.Handler(), logger)
	serveErr := make(chan error, 2)
	go func() { serveErr <- server.Start() }()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.Recorder.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining in-flight jobs")
	case err = <-serveErr:
		if err != nil {
			slog.Error("server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Stop(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	if metricsServer != nil {
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return err
}
