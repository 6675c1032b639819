// Package metrics records per-adapter ingestion health and exposes it both
// as Prometheus collectors and as IngestionMetric snapshots.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// DefaultWindow is the number of latency samples kept per adapter.
const DefaultWindow = 256

// Recorder bundles Prometheus collectors with the rolling per-adapter
// windows used for snapshots. A nil *Recorder ignores every call.
type Recorder struct {
	Registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	completeness *prometheus.GaugeVec
	jobs         *prometheus.CounterVec
	events       *prometheus.CounterVec
	swept        prometheus.Counter

	mu       sync.Mutex
	window   int
	adapters map[string]*adapterStats
}

type adapterStats struct {
	samples  []float64
	next     int
	filled   bool
	success  int64
	failure  int64
	fieldSum float64
	fieldN   int64
}

// New constructs a Recorder whose collectors live on a dedicated registry.
func New(window int) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_adapter_attempts_total",
			Help: "Adapter extraction attempts by outcome code.",
		},
		[]string{"adapter", "outcome"},
	)
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_adapter_latency_seconds",
			Help:    "Latency of adapter extraction attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_adapter_retries_total",
			Help: "Retry attempts scheduled per adapter.",
		},
		[]string{"adapter"},
	)
	completeness := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_field_completeness_ratio",
			Help: "Share of expected fields populated by the last normalized listing.",
		},
		[]string{"adapter"},
	)
	jobs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_total",
			Help: "Finished ingestion jobs by terminal status.",
		},
		[]string{"status"},
	)
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_published_total",
			Help: "Catalog events published by type.",
		},
		[]string{"type"},
	)
	swept := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_raw_payloads_swept_total",
			Help: "Raw payloads removed by the retention sweep.",
		},
	)

	registry.MustRegister(attempts, latency, retries, completeness, jobs, events, swept)

	return &Recorder{
		Registry:     registry,
		attempts:     attempts,
		latency:      latency,
		retries:      retries,
		completeness: completeness,
		jobs:         jobs,
		events:       events,
		swept:        swept,
		window:       window,
		adapters:     make(map[string]*adapterStats),
	}
}

func (r *Recorder) stats(adapter string) *adapterStats {
	s, ok := r.adapters[adapter]
	if !ok {
		s = &adapterStats{samples: make([]float64, r.window)}
		r.adapters[adapter] = s
	}
	return s
}

// ObserveAttempt records one extraction attempt. outcome is "ok" or the
// adapter error code.
func (r *Recorder) ObserveAttempt(adapter string, d time.Duration, outcome string) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(adapter, outcome).Inc()
	r.latency.WithLabelValues(adapter).Observe(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats(adapter)
	s.samples[s.next] = float64(d) / float64(time.Millisecond)
	s.next = (s.next + 1) % len(s.samples)
	if s.next == 0 {
		s.filled = true
	}
	if outcome == OutcomeOK {
		s.success++
	} else {
		s.failure++
	}
}

// OutcomeOK labels a successful attempt.
const OutcomeOK = "ok"

// ObserveCompleteness records the populated share (0..1) of expected fields
// for a listing produced by adapter.
func (r *Recorder) ObserveCompleteness(adapter string, ratio float64) {
	if r == nil {
		return
	}
	r.completeness.WithLabelValues(adapter).Set(ratio)

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats(adapter)
	s.fieldSum += ratio
	s.fieldN++
}

// IncRetry counts a scheduled retry.
func (r *Recorder) IncRetry(adapter string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(adapter).Inc()
}

// IncJob counts a finished job.
func (r *Recorder) IncJob(status models.Status) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(string(status)).Inc()
}

// IncEvent counts a published event.
func (r *Recorder) IncEvent(eventType string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(eventType).Inc()
}

// AddSwept counts payloads removed by a sweep.
func (r *Recorder) AddSwept(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.swept.Add(float64(n))
}

// Snapshot returns one row per adapter seen so far, sorted by name.
func (r *Recorder) Snapshot(now time.Time) []models.IngestionMetric {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.IngestionMetric, 0, len(r.adapters))
	for name, s := range r.adapters {
		n := s.next
		if s.filled {
			n = len(s.samples)
		}
		window := append([]float64(nil), s.samples[:n]...)
		sort.Float64s(window)

		m := models.IngestionMetric{
			Adapter:      name,
			SuccessCount: s.success,
			FailureCount: s.failure,
			P50LatencyMs: Quantile(window, 0.50),
			P95LatencyMs: Quantile(window, 0.95),
			MeasuredAt:   now,
		}
		if s.fieldN > 0 {
			m.FieldCompletenessPct = math.Round(s.fieldSum/float64(s.fieldN)*10000) / 100
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out
}

// Quantile returns the q-th quantile of sorted using linear interpolation
// between closest ranks. It returns 0 for an empty slice.
func Quantile(sorted []float64, q float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
