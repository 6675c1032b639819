package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/models"
)

// SessionStore persists import sessions with conditional status updates.
type SessionStore interface {
	Create(ctx context.Context, sess *models.ImportSession) error
	CreateChildren(ctx context.Context, children []*models.ImportSession) error
	Get(ctx context.Context, id uuid.UUID) (*models.ImportSession, error)
	MarkRunning(ctx context.Context, id uuid.UUID, adapter string, now time.Time) error
	UpdateProgress(ctx context.Context, id uuid.UUID, pct int, now time.Time) error
	Finish(ctx context.Context, id uuid.UUID, status models.Status, result *models.JobResult, jobErr *models.JobError, now time.Time) error
	Children(ctx context.Context, parentID uuid.UUID, offset, limit int) ([]*models.ImportSession, error)
	Counts(ctx context.Context, parentID uuid.UUID) (models.StatusCounts, error)
	RefreshParent(ctx context.Context, parentID uuid.UUID, now time.Time) (models.Status, int, error)
}

// PayloadStore keeps the audit copy of fetched payloads.
type PayloadStore interface {
	Save(ctx context.Context, jobID uuid.UUID, adapter, contentType string, body []byte, now time.Time) (*models.RawPayload, error)
	AttachListing(ctx context.Context, id uuid.UUID, listingID string) error
}

// ListingStore is the catalog the pipeline writes to.
type ListingStore interface {
	Upsert(ctx context.Context, listing *models.NormalizedListing, match dedup.Result) (models.PersistedListing, error)
}

// Sweeper removes expired payloads.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (models.SweepResult, error)
}

// MetricSink stores adapter health rows.
type MetricSink interface {
	Append(ctx context.Context, rows []models.IngestionMetric) error
}
