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
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-deal-ingest/app"
	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/logging"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/pipeline"
)

func main() {
	outputDefault := "output/ingest_report.csv"
	if value, ok := config.EnvString("INGEST_REPORT_OUTPUT"); ok {
		outputDefault = value
	}
	dbDefault := config.DefaultConfig().DatabasePath
	if value, ok := config.EnvString("INGEST_DATABASE_PATH"); ok {
		dbDefault = value
	}

	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored when missing)")
	inputFile := flag.String("input", "", "File with one URL per line (- for stdin)")
	dbPath := flag.String("db", dbDefault, "SQLite database path")
	bulk := flag.Bool("bulk", false, "Submit all URLs as one bulk job")
	workers := flag.Int("workers", 0, "Number of ingestion workers (overrides config)")
	outputFile := flag.String("output", outputDefault, "Report file path")
	outputFormat := flag.String("format", "csv", "Report format: csv, json, or dual")
	pollMs := flag.Int("poll", 100, "Status poll interval (milliseconds)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err == nil {
		err = config.LoadDotEnv(*envFile)
	}
	if err == nil {
		err = config.ApplyEnv(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.DatabasePath = *dbPath
	if *workers > 0 {
		cfg.Workers = *workers
	}
	cfg.Verbose = cfg.Verbose || *verbose

	logger, level := logging.New(os.Stderr, cfg.Verbose, cfg.LogFormat)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if disabled := cfg.DisableUnconfigured(); len(disabled) > 0 {
		slog.Warn("adapters disabled for missing credentials", slog.Any("adapters", disabled))
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	urls, err := collectURLs(*inputFile, flag.Args())
	if err != nil {
		slog.Error("reading urls", slog.Any("error", err))
		os.Exit(1)
	}
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ingest [flags] URL... (or -input FILE)")
		os.Exit(2)
	}

	writer, err := createWriter(strings.ToLower(*outputFormat), *outputFile)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		slog.Error("initialising ingestion", slog.Any("error", err))
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
		os.Exit(1)
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(a.Recorder.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", *metricsAddr))
	}

	slog.Info("starting ingestion", slog.Int("urls", len(urls)), slog.Bool("bulk", *bulk), slog.Int("workers", cfg.Workers))
	startTime := time.Now()
	sessions, runErr := ingest(ctx, a.Service, urls, *bulk, time.Duration(*pollMs)*time.Millisecond)
	if runErr != nil {
		slog.Error("ingestion interrupted", slog.Any("error", runErr))
	}

	if err := a.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if err := writeReport(writer, reportRows(sessions)); err != nil {
		slog.Error("writing report", slog.Any("error", err))
		os.Exit(1)
	}

	printSummary(summarize(sessions), time.Since(startTime), *outputFile)
	if runErr != nil {
		os.Exit(1)
	}
}

// writeReport writes rows and closes writer, whatever the outcome. An empty
// run is not validated since there is nothing beyond the header to check.
func writeReport(writer pipeline.ReportWriter, rows []*pipeline.ReportRow) error {
	err := writer.Write(rows)
	if err == nil && len(rows) > 0 {
		if verr := writer.Validate(); verr != nil {
			err = fmt.Errorf("output validation failed: %w", verr)
		}
	}
	if cerr := writer.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close writer: %w", cerr))
	}
	return err
}

func collectURLs(inputFile string, args []string) ([]string, error) {
	urls := append([]string{}, args...)
	if inputFile == "" {
		return urls, nil
	}
	in := os.Stdin
	if inputFile != "-" {
		f, err := os.Open(inputFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}
	fromFile, err := readURLs(in)
	if err != nil {
		return nil, err
	}
	return append(urls, fromFile...), nil
}

// ingest submits urls and waits for them. On interruption the unfinished
// jobs are cancelled and whatever state was reached is returned.
func ingest(ctx context.Context, svc *pipeline.Service, urls []string, bulk bool, poll time.Duration) ([]*models.ImportSession, error) {
	var ids []uuid.UUID
	var submitErr error
	if bulk {
		id, err := svc.IngestBulk(ctx, urls)
		if err != nil && id == uuid.Nil {
			return nil, err
		}
		ids, submitErr = []uuid.UUID{id}, err
	} else {
		for _, raw := range urls {
			id, err := svc.Ingest(ctx, raw)
			if err != nil {
				var verr *pipeline.ValidationError
				if errors.As(err, &verr) {
					slog.Warn("skipping url", slog.String("url", raw), slog.String("reason", verr.Message))
					continue
				}
				submitErr = err
				break
			}
			ids = append(ids, id)
		}
	}

	final, err := waitTerminal(ctx, svc, ids, poll)
	if err != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, id := range ids {
			_ = svc.Cancel(cancelCtx, id)
		}
		cancel()
	}
	err = errors.Join(submitErr, err)

	if !bulk || len(final) == 0 || final[0] == nil {
		return final, err
	}
	children, cerr := bulkChildren(context.WithoutCancel(ctx), svc, ids[0])
	if cerr != nil {
		return final, errors.Join(err, cerr)
	}
	if len(children) == 0 {
		return final, err
	}
	return children, err
}

func createWriter(format, filename string) (pipeline.ReportWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".json"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(s runSummary, duration time.Duration, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Ingestion complete")
	fmt.Printf("  Total jobs:    %d\n", s.Total)
	fmt.Printf("  Success rate:  %.2f%%\n", s.successRate())
	fmt.Printf("  Statuses:      %s\n", formatCounts(s.ByStatus))
	fmt.Printf("  Created:       %d\n", s.Created)
	fmt.Printf("  Updated:       %d\n", s.Updated)
	if len(s.ByAdapter) > 0 {
		fmt.Printf("  Adapters:      %s\n", formatCounts(s.ByAdapter))
	}
	if len(s.Errors) > 0 {
		fmt.Printf("  Error codes:   %s\n", formatCounts(s.Errors))
	}
	jobsPerSec := 0.0
	if duration.Seconds() > 0 {
		jobsPerSec = float64(s.Total) / duration.Seconds()
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Jobs/sec:      %.2f\n", jobsPerSec)
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}
