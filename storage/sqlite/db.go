// Package sqlite persists sessions, raw payloads, metric rows and a reference
// listing catalog in a single SQLite database.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB is the shared handle. Every store built from it writes through one
// connection, so writes are serialized.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS import_sessions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		parent_id TEXT REFERENCES import_sessions(id),
		seq INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		progress_pct INTEGER NOT NULL DEFAULT 0,
		source_url TEXT NOT NULL,
		adapter_used TEXT,
		result TEXT,
		error_code TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON import_sessions(parent_id, seq);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON import_sessions(status);

	CREATE TABLE IF NOT EXISTS raw_payloads (
		id TEXT PRIMARY KEY,
		listing_ref TEXT,
		job_id TEXT NOT NULL,
		adapter TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		truncated INTEGER NOT NULL DEFAULT 0,
		original_size INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		ttl_days INTEGER NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payloads_expires ON raw_payloads(expires_at);
	CREATE INDEX IF NOT EXISTS idx_payloads_job ON raw_payloads(job_id);

	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		marketplace TEXT NOT NULL,
		vendor_item_id TEXT,
		dedup_hash TEXT NOT NULL,
		title TEXT NOT NULL,
		price TEXT,
		currency TEXT NOT NULL,
		condition TEXT NOT NULL,
		provenance TEXT NOT NULL,
		quality TEXT NOT NULL,
		source_url TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_seen_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_listings_vendor
		ON listings(marketplace, vendor_item_id) WHERE vendor_item_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_listings_hash ON listings(dedup_hash);

	CREATE TABLE IF NOT EXISTS ingestion_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		adapter TEXT NOT NULL,
		success_count INTEGER NOT NULL,
		failure_count INTEGER NOT NULL,
		p50_latency_ms REAL NOT NULL,
		p95_latency_ms REAL NOT NULL,
		field_completeness_pct REAL NOT NULL,
		measured_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_adapter ON ingestion_metrics(adapter, measured_at);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
