package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// MetricStore appends adapter health rows.
type MetricStore struct {
	db *sql.DB
}

// Metrics returns the metric store backed by d.
func (d *DB) Metrics() *MetricStore {
	return &MetricStore{db: d.db}
}

// Append writes rows in one transaction.
func (s *MetricStore) Append(ctx context.Context, rows []models.IngestionMetric) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ingestion_metrics (adapter, success_count, failure_count, p50_latency_ms,
			p95_latency_ms, field_completeness_pct, measured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range rows {
		if _, err := stmt.ExecContext(ctx, m.Adapter, m.SuccessCount, m.FailureCount, m.P50LatencyMs,
			m.P95LatencyMs, m.FieldCompletenessPct, formatTime(m.MeasuredAt)); err != nil {
			return fmt.Errorf("insert metric for %s: %w", m.Adapter, err)
		}
	}
	return tx.Commit()
}

// Latest returns the newest row per adapter, ordered by adapter name.
func (s *MetricStore) Latest(ctx context.Context) ([]models.IngestionMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.adapter, m.success_count, m.failure_count, m.p50_latency_ms, m.p95_latency_ms,
			m.field_completeness_pct, m.measured_at
		FROM ingestion_metrics m
		JOIN (SELECT adapter, MAX(id) AS id FROM ingestion_metrics GROUP BY adapter) latest
			ON latest.id = m.id
		ORDER BY m.adapter`)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []models.IngestionMetric
	for rows.Next() {
		var m models.IngestionMetric
		var measured string
		if err := rows.Scan(&m.Adapter, &m.SuccessCount, &m.FailureCount, &m.P50LatencyMs,
			&m.P95LatencyMs, &m.FieldCompletenessPct, &measured); err != nil {
			return nil, err
		}
		m.MeasuredAt = parseTime(measured)
		out = append(out, m)
	}
	return out, rows.Err()
}
