package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionKind distinguishes single jobs from bulk parents and their children.
type SessionKind string

const (
	KindSingle     SessionKind = "single"
	KindBulkParent SessionKind = "bulk_parent"
	KindBulkChild  SessionKind = "bulk_child"
)

// Status is the lifecycle state of an import session.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// Job-level error codes that are not adapter codes.
const (
	CodePersistenceError = "PERSISTENCE_ERROR"
	CodeCancelled        = "CANCELLED"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInternal         = "INTERNAL"
)

// JobError is the structured error surfaced to clients. It never carries a
// stack trace.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobResult is the structured outcome of a finished ingestion.
type JobResult struct {
	ListingID     string   `json:"listing_id,omitempty"`
	Action        string   `json:"action,omitempty"`
	DedupMethod   string   `json:"dedup_method,omitempty"`
	Confidence    float64  `json:"confidence"`
	Quality       Quality  `json:"quality,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`
	Events        []string `json:"events,omitempty"`
	RawPayloadID  string   `json:"raw_payload_id,omitempty"`
	Attempts      int      `json:"attempts"`
}

// ImportSession tracks one ingestion job.
type ImportSession struct {
	ID          uuid.UUID   `json:"job_id"`
	Kind        SessionKind `json:"kind"`
	ParentID    *uuid.UUID  `json:"parent_id,omitempty"`
	Status      Status      `json:"status"`
	ProgressPct int         `json:"progress_pct"`
	SourceURL   string      `json:"source_url"`
	AdapterUsed string      `json:"adapter_used,omitempty"`
	Result      *JobResult  `json:"result,omitempty"`
	Error       *JobError   `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// NewSession builds a queued session.
func NewSession(kind SessionKind, sourceURL string, parentID *uuid.UUID, now time.Time) *ImportSession {
	return &ImportSession{
		ID:        uuid.New(),
		Kind:      kind,
		ParentID:  parentID,
		Status:    StatusQueued,
		SourceURL: sourceURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StatusCounts tallies sessions per status.
type StatusCounts map[Status]int

// Total returns the number of sessions counted.
func (c StatusCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// BulkStatus is one page of a bulk job view.
type BulkStatus struct {
	Parent   *ImportSession   `json:"parent"`
	Summary  BulkSummary      `json:"summary"`
	Children []*ImportSession `json:"per_url_status"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
}

// BulkSummary aggregates child counts for a bulk job.
type BulkSummary struct {
	Total    int `json:"total"`
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Complete int `json:"complete"`
	Partial  int `json:"partial"`
	Failed   int `json:"failed"`
}

// SummaryFromCounts converts raw counts into a BulkSummary.
func SummaryFromCounts(c StatusCounts) BulkSummary {
	return BulkSummary{
		Total:    c.Total(),
		Queued:   c[StatusQueued],
		Running:  c[StatusRunning],
		Complete: c[StatusComplete],
		Partial:  c[StatusPartial],
		Failed:   c[StatusFailed],
	}
}
