package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/storage"
)

// PayloadStore keeps the audit copy of fetched payloads, capped at maxBytes
// each and expired after ttlDays.
type PayloadStore struct {
	db       *sql.DB
	maxBytes int
	ttlDays  int
}

// Payloads returns a payload store with the given size cap and retention.
func (d *DB) Payloads(maxBytes, ttlDays int) *PayloadStore {
	return &PayloadStore{db: d.db, maxBytes: maxBytes, ttlDays: ttlDays}
}

// Save stores body, truncating it to the configured cap. The returned record
// reports the original size and whether truncation happened.
func (s *PayloadStore) Save(ctx context.Context, jobID uuid.UUID, adapter, contentType string, body []byte, now time.Time) (*models.RawPayload, error) {
	p := &models.RawPayload{
		ID:           uuid.New(),
		JobID:        jobID,
		Adapter:      adapter,
		ContentType:  contentType,
		Payload:      body,
		OriginalSize: len(body),
		CreatedAt:    now.UTC(),
		TTLDays:      s.ttlDays,
	}
	if s.maxBytes > 0 && len(body) > s.maxBytes {
		p.Payload = body[:s.maxBytes]
		p.Truncated = true
	}
	if p.Payload == nil {
		p.Payload = []byte{}
	}

	expires := p.CreatedAt.AddDate(0, 0, s.ttlDays)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_payloads (id, job_id, adapter, content_type, payload, truncated,
			original_size, created_at, ttl_days, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), jobID.String(), adapter, contentType, p.Payload, p.Truncated,
		p.OriginalSize, formatTime(p.CreatedAt), p.TTLDays, formatTime(expires))
	if err != nil {
		return nil, fmt.Errorf("insert payload: %w", err)
	}
	return p, nil
}

// AttachListing links a stored payload to the listing it produced.
func (s *PayloadStore) AttachListing(ctx context.Context, id uuid.UUID, listingID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE raw_payloads SET listing_ref = ? WHERE id = ?`, listingID, id.String())
	if err != nil {
		return fmt.Errorf("attach listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get returns a stored payload.
func (s *PayloadStore) Get(ctx context.Context, id uuid.UUID) (*models.RawPayload, error) {
	var (
		p                   models.RawPayload
		pid, jobID, created string
		listingRef          sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, listing_ref, job_id, adapter, content_type, payload, truncated, original_size, created_at, ttl_days
		FROM raw_payloads WHERE id = ?`, id.String()).
		Scan(&pid, &listingRef, &jobID, &p.Adapter, &p.ContentType, &p.Payload, &p.Truncated,
			&p.OriginalSize, &created, &p.TTLDays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payload: %w", err)
	}
	p.ID, _ = uuid.Parse(pid)
	p.JobID, _ = uuid.Parse(jobID)
	p.CreatedAt = parseTime(created)
	if listingRef.Valid {
		ref := listingRef.String
		p.ListingRef = &ref
	}
	return &p, nil
}

// Sweep deletes every payload whose retention ended at or before now.
func (s *PayloadStore) Sweep(ctx context.Context, now time.Time) (models.SweepResult, error) {
	cutoff := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.SweepResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var freed int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM raw_payloads WHERE expires_at <= ?`, cutoff).
		Scan(&freed)
	if err != nil {
		return models.SweepResult{}, fmt.Errorf("measure expired payloads: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM raw_payloads WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return models.SweepResult{}, fmt.Errorf("delete expired payloads: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return models.SweepResult{}, err
	}
	return models.SweepResult{Deleted: deleted, BytesFreed: freed}, nil
}
