package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/storage"
)

// ListingStore is a reference catalog. It answers dedup lookups and
// upserts normalized listings keyed by (marketplace, vendor_item_id).
type ListingStore struct {
	db *sql.DB
}

// Listings returns the listing store backed by d.
func (d *DB) Listings() *ListingStore {
	return &ListingStore{db: d.db}
}

// FindByVendorID implements dedup.Catalog.
func (s *ListingStore) FindByVendorID(ctx context.Context, marketplace models.Marketplace, vendorItemID string) (*dedup.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, marketplace, vendor_item_id, dedup_hash, price
		FROM listings WHERE marketplace = ? AND vendor_item_id = ?`, string(marketplace), vendorItemID)
	return scanEntry(row)
}

// FindByHash implements dedup.Catalog. The most recently seen listing wins
// when several share a hash.
func (s *ListingStore) FindByHash(ctx context.Context, hash string) (*dedup.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, marketplace, vendor_item_id, dedup_hash, price
		FROM listings WHERE dedup_hash = ? ORDER BY last_seen_at DESC LIMIT 1`, hash)
	return scanEntry(row)
}

func scanEntry(row rowScanner) (*dedup.Entry, error) {
	var (
		e               dedup.Entry
		marketplace     string
		vendorID, price sql.NullString
	)
	err := row.Scan(&e.ID, &marketplace, &vendorID, &e.DedupHash, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup listing: %w", err)
	}
	e.Marketplace = models.Marketplace(marketplace)
	e.VendorItemID = vendorID.String
	if price.Valid {
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("listing %s price %q: %w", e.ID, price.String, err)
		}
		e.Price = &p
	}
	return &e, nil
}

// Upsert writes listing according to match. A create that loses a race on
// the vendor id index is retried as an update of the winning row.
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO listings (id, marketplace, vendor_item_id, dedup_hash, title, price, currency,
			condition, provenance, quality, source_url, data, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(listing.Marketplace), nullString(listing.VendorItemID), listing.DedupHash,
		listing.Title, priceColumn(listing), listing.Currency, string(listing.Condition),
		string(listing.Provenance), string(listing.Quality), listing.SourceURL, string(data),
		formatTime(listing.LastSeenAt), formatTime(listing.LastSeenAt))
	if err == nil {
		return models.PersistedListing{ID: id, Created: true, LastSeenAt: listing.LastSeenAt}, nil
	}
	if !isUniqueViolation(err) || listing.VendorItemID == "" {
		return models.PersistedListing{}, fmt.Errorf("insert listing: %w", err)
	}

	existing, ferr := s.FindByVendorID(ctx, listing.Marketplace, listing.VendorItemID)
	if ferr != nil {
		return models.PersistedListing{}, ferr
	}
	if existing == nil {
		return models.PersistedListing{}, fmt.Errorf("insert listing: %w", err)
	}
	if err := s.update(ctx, existing.ID, listing, data); err != nil {
		return models.PersistedListing{}, err
	}
	return models.PersistedListing{ID: existing.ID, LastSeenAt: listing.LastSeenAt}, nil
}

func (s *ListingStore) update(ctx context.Context, id string, listing *models.NormalizedListing, data []byte) error {
	// Without a known price the stored price and currency stay, and the
	// JSON document is patched to match them.
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings SET vendor_item_id = COALESCE(?1, vendor_item_id), dedup_hash = ?2, title = ?3,
			price = CASE WHEN ?4 THEN ?5 ELSE price END,
			currency = CASE WHEN ?4 THEN ?6 ELSE currency END,
			condition = ?7, provenance = ?8, quality = ?9, source_url = ?10,
			data = CASE WHEN ?4 THEN ?11 ELSE json_set(?11, '$.price', COALESCE(price, '0'),
				'$.currency', currency, '$.price_known', json(CASE WHEN price IS NULL THEN 'false' ELSE 'true' END)) END,
			last_seen_at = ?12
		WHERE id = ?13`,
		nullString(listing.VendorItemID), listing.DedupHash, listing.Title, listing.PriceKnown,
		priceColumn(listing), listing.Currency, string(listing.Condition), string(listing.Provenance),
		string(listing.Quality), listing.SourceURL, string(data), formatTime(listing.LastSeenAt), id)
	if err != nil {
		return fmt.Errorf("update listing %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func priceColumn(l *models.NormalizedListing) any {
	if !l.PriceKnown {
		return nil
	}
	return l.Price.StringFixed(2)
}

// Get returns the stored listing.
func (s *ListingStore) Get(ctx context.Context, id string) (*models.NormalizedListing, error) {
	var data, lastSeen string
	err := s.db.QueryRowContext(ctx, `SELECT data, last_seen_at FROM listings WHERE id = ?`, id).Scan(&data, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	var l models.NormalizedListing
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("decode listing %s: %w", id, err)
	}
	l.LastSeenAt = parseTime(lastSeen)
	return &l, nil
}

// Count returns the number of stored listings.
func (s *ListingStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n)
	return n, err
}
