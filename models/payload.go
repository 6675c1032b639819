package models

import (
	"time"

	"github.com/google/uuid"
)

// RawPayload is the audit copy of what an adapter fetched.
type RawPayload struct {
	ID           uuid.UUID `json:"id"`
	ListingRef   *string   `json:"listing_ref,omitempty"`
	JobID        uuid.UUID `json:"job_id"`
	Adapter      string    `json:"adapter"`
	ContentType  string    `json:"content_type"`
	Payload      []byte    `json:"-"`
	Truncated    bool      `json:"truncated"`
	OriginalSize int       `json:"original_size"`
	CreatedAt    time.Time `json:"created_at"`
	TTLDays      int       `json:"ttl_days"`
}

// SweepResult reports what a TTL sweep removed.
type SweepResult struct {
	Deleted    int64 `json:"deleted"`
	BytesFreed int64 `json:"bytes_freed"`
}

// IngestionMetric is one aggregated health row for an adapter.
type IngestionMetric struct {
	Adapter              string    `json:"adapter"`
	SuccessCount         int64     `json:"success_count"`
	FailureCount         int64     `json:"failure_count"`
	P50LatencyMs         float64   `json:"p50_latency_ms"`
	P95LatencyMs         float64   `json:"p95_latency_ms"`
	FieldCompletenessPct float64   `json:"field_completeness_pct"`
	MeasuredAt           time.Time `json:"measured_at"`
}
