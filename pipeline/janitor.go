package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-deal-ingest/metrics"
)

// Janitor runs the raw payload retention sweep and flushes adapter metric
// snapshots to storage on fixed intervals.
type Janitor struct {
	sweeper    Sweeper
	sink       MetricSink
	recorder   *metrics.Recorder
	sweepEvery time.Duration
	flushEvery time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewJanitor builds a Janitor. A nil sweeper or sink disables that duty.
func NewJanitor(sweeper Sweeper, sink MetricSink, recorder *metrics.Recorder, sweepEvery, flushEvery time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		sweeper:    sweeper,
		sink:       sink,
		recorder:   recorder,
		sweepEvery: sweepEvery,
		flushEvery: flushEvery,
		logger:     logger.With(slog.String("component", "janitor")),
		now:        time.Now,
	}
}

// Run blocks until ctx is done. Metrics are flushed one last time on exit.
func (j *Janitor) Run(ctx context.Context) {
	sweep := tickerC(j.sweeper != nil, j.sweepEvery)
	flush := tickerC(j.sink != nil && j.recorder != nil, j.flushEvery)
	defer sweep.stop()
	defer flush.stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
			j.Flush(final)
			cancel()
			return
		case <-sweep.c:
			j.Sweep(ctx)
		case <-flush.c:
			j.Flush(ctx)
		}
	}
}

// Sweep deletes expired raw payloads once.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.sweeper == nil {
		return
	}
	res, err := j.sweeper.Sweep(ctx, j.now())
	if err != nil {
		j.logger.Error("raw payload sweep failed", slog.Any("error", err))
		return
	}
	j.recorder.AddSwept(res.Deleted)
	if res.Deleted > 0 {
		j.logger.Info("raw payloads swept", slog.Int64("deleted", res.Deleted), slog.Int64("bytes_freed", res.BytesFreed))
	}
}

// Flush appends the current metric snapshot to storage once.
func (j *Janitor) Flush(ctx context.Context) {
	if j.sink == nil || j.recorder == nil {
		return
	}
	rows := j.recorder.Snapshot(j.now())
	if len(rows) == 0 {
		return
	}
	if err := j.sink.Append(ctx, rows); err != nil {
		j.logger.Error("metric flush failed", slog.Any("error", err))
		return
	}
	j.logger.Debug("metrics flushed", slog.Int("adapters", len(rows)))
}

type optionalTicker struct {
	t *time.Ticker
	c <-chan time.Time
}

func tickerC(enabled bool, every time.Duration) optionalTicker {
	if !enabled || every <= 0 {
		return optionalTicker{}
	}
	t := time.NewTicker(every)
	return optionalTicker{t: t, c: t.C}
}

func (o optionalTicker) stop() {
	if o.t != nil {
		o.t.Stop()
	}
}
