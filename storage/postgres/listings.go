// Package postgres is a pgx-backed listing catalog for deployments that keep
// listings in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id UUID PRIMARY KEY,
	marketplace TEXT NOT NULL,
	vendor_item_id TEXT,
	dedup_hash TEXT NOT NULL,
	title TEXT NOT NULL,
	price NUMERIC(12,2),
	currency TEXT NOT NULL,
	condition TEXT NOT NULL,
	provenance TEXT NOT NULL,
	quality TEXT NOT NULL,
	source_url TEXT NOT NULL,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_listings_vendor
	ON listings (marketplace, vendor_item_id) WHERE vendor_item_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_listings_hash ON listings (dedup_hash, last_seen_at DESC);
`

// dbtx is the subset of *pgxpool.Pool the store uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListingStore implements dedup.Catalog and the pipeline's listing upsert.
type ListingStore struct {
	db dbtx
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// NewListingStore wraps pool.
func NewListingStore(pool *pgxpool.Pool) (*ListingStore, error) {
	if pool == nil {
		return nil, errors.New("pgxpool.Pool cannot be nil")
	}
	return &ListingStore{db: pool}, nil
}

// Migrate creates the listings table and its indexes.
func (s *ListingStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate listings: %w", err)
	}
	return nil
}

// FindByVendorID implements dedup.Catalog.
func (s *ListingStore) FindByVendorID(ctx context.Context, marketplace models.Marketplace, vendorItemID string) (*dedup.Entry, error) {
	row := s.db.QueryRow(ctx, `SELECT id::text, marketplace, vendor_item_id, dedup_hash, price::text
		FROM listings WHERE marketplace = $1 AND vendor_item_id = $2`, string(marketplace), vendorItemID)
	return scanEntry(row)
}

// FindByHash implements dedup.Catalog.
func (s *ListingStore) FindByHash(ctx context.Context, hash string) (*dedup.Entry, error) {
	row := s.db.QueryRow(ctx, `SELECT id::text, marketplace, vendor_item_id, dedup_hash, price::text
		FROM listings WHERE dedup_hash = $1 ORDER BY last_seen_at DESC LIMIT 1`, hash)
	return scanEntry(row)
}

func scanEntry(row pgx.Row) (*dedup.Entry, error) {
	var (
		e           dedup.Entry
		marketplace string
		vendorID    *string
		price       *string
	)
	err := row.Scan(&e.ID, &marketplace, &vendorID, &e.DedupHash, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up listing: %w", err)
	}
	e.Marketplace = models.Marketplace(marketplace)
	if vendorID != nil {
		e.VendorItemID = *vendorID
	}
	if price != nil {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("listing %s price %q: %w", e.ID, *price, err)
		}
		e.Price = &p
	}
	return &e, nil
}

// Upsert writes listing according to match. A create that collides on the
// vendor id index updates the existing row instead.
func (s *ListingStore) Upsert(ctx context.Context, listing *models.NormalizedListing, match dedup.Result) (models.PersistedListing, error) {
	data, err := json.Marshal(listing)
	if err != nil {
		return models.PersistedListing{}, fmt.Errorf("encode listing: %w", err)
	}

	if match.Action == dedup.ActionUpdate && match.ExistingID != "" {
		err := s.update(ctx, match.ExistingID, listing, data)
		if err == nil {
			return models.PersistedListing{ID: match.ExistingID, LastSeenAt: listing.LastSeenAt}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return models.PersistedListing{}, err
		}
	}

	id := uuid.NewString()
	_, err = s.db.Exec(ctx, `
		INSERT INTO listings (id, marketplace, vendor_item_id, dedup_hash, title, price, currency,
			condition, provenance, quality, source_url, data, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		id, string(listing.Marketplace), nullable(listing.VendorItemID), listing.DedupHash, listing.Title,
		priceColumn(listing), listing.Currency, string(listing.Condition), string(listing.Provenance),
		string(listing.Quality), listing.SourceURL, data, listing.LastSeenAt)
	if err == nil {
		return models.PersistedListing{ID: id, Created: true, LastSeenAt: listing.LastSeenAt}, nil
	}
	if !isUniqueViolation(err) || listing.VendorItemID == "" {
		return models.PersistedListing{}, fmt.Errorf("failed to insert listing: %w", err)
	}

	existing, ferr := s.FindByVendorID(ctx, listing.Marketplace, listing.VendorItemID)
	if ferr != nil {
		return models.PersistedListing{}, ferr
	}
	if existing == nil {
		return models.PersistedListing{}, fmt.Errorf("failed to insert listing: %w", err)
	}
	if err := s.update(ctx, existing.ID, listing, data); err != nil {
		return models.PersistedListing{}, err
	}
	return models.PersistedListing{ID: existing.ID, LastSeenAt: listing.LastSeenAt}, nil
}

func (s *ListingStore) update(ctx context.Context, id string, listing *models.NormalizedListing, data []byte) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE listings SET vendor_item_id = COALESCE($1, vendor_item_id), dedup_hash = $2, title = $3,
			price = CASE WHEN $4 THEN $5::numeric ELSE price END,
			currency = CASE WHEN $4 THEN $6 ELSE currency END,
			condition = $7, provenance = $8, quality = $9, source_url = $10,
			data = CASE WHEN $4 THEN $11::jsonb ELSE $11::jsonb || jsonb_build_object(
				'price', COALESCE(price::text, '0'), 'currency', currency, 'price_known', price IS NOT NULL) END,
			last_seen_at = $12
		WHERE id = $13`,
		nullable(listing.VendorItemID), listing.DedupHash, listing.Title, listing.PriceKnown,
		priceColumn(listing), listing.Currency, string(listing.Condition), string(listing.Provenance),
		string(listing.Quality), listing.SourceURL, data, listing.LastSeenAt, id)
	if err != nil {
		return fmt.Errorf("failed to update listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func priceColumn(l *models.NormalizedListing) *string {
	if !l.PriceKnown {
		return nil
	}
	return nullable(l.Price.StringFixed(2))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation reports a Postgres unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
