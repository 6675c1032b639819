package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/models"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case **string:
			if v, ok := r.values[i].(string); ok {
				*p = &v
			}
		default:
			return fmt.Errorf("unexpected scan target %T", d)
		}
	}
	return nil
}

// fakeDB fails the first insert with a unique violation and records updates.
type fakeDB struct {
	insertErr error
	updated   []string
	lastArgs  []any
	rows      int64
	row       fakeRow
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO listings"):
		if f.insertErr != nil {
			return pgconn.CommandTag{}, f.insertErr
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE listings"):
		f.updated = append(f.updated, args[len(args)-1].(string))
		f.lastArgs = args
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", f.rows)), nil
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func listing() *models.NormalizedListing {
	return &models.NormalizedListing{
		Title:        "Lenovo ThinkCentre M720q",
		Price:        decimal.RequireFromString("149.00"),
		PriceKnown:   true,
		Currency:     "USD",
		Condition:    models.ConditionUsedGood,
		Marketplace:  models.MarketplaceEbay,
		VendorItemID: "123456789012",
		Provenance:   models.ProvenanceAPI,
		DedupHash:    "h",
		Quality:      models.QualityFull,
		LastSeenAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}

func TestUpsertConflictFallsBackToUpdate(t *testing.T) {
	db := &fakeDB{
		insertErr: &pgconn.PgError{Code: "23505"},
		rows:      1,
		row:       fakeRow{values: []any{"existing-id", "ebay", "123456789012", "h", "150.00"}},
	}
	store := &ListingStore{db: db}

	res, err := store.Upsert(context.Background(), listing(), dedup.Result{Action: dedup.ActionCreate})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "existing-id", res.ID)
	assert.Equal(t, []string{"existing-id"}, db.updated)
}

func TestUpsertCreate(t *testing.T) {
	db := &fakeDB{}
	store := &ListingStore{db: db}

	res, err := store.Upsert(context.Background(), listing(), dedup.Result{Action: dedup.ActionCreate})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.ID)
	assert.Empty(t, db.updated)
}

func TestUpsertOtherInsertErrorFails(t *testing.T) {
	store := &ListingStore{db: &fakeDB{insertErr: errors.New("connection reset")}}

	_, err := store.Upsert(context.Background(), listing(), dedup.Result{Action: dedup.ActionCreate})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestUpsertUpdateWithoutPriceKeepsColumn(t *testing.T) {
	db := &fakeDB{rows: 1}
	store := &ListingStore{db: db}

	l := listing()
	l.PriceKnown = false
	_, err := store.Upsert(context.Background(), l,
		dedup.Result{Action: dedup.ActionUpdate, ExistingID: "abc", Method: dedup.MethodVendorID})
	require.NoError(t, err)
	require.Len(t, db.lastArgs, 13)
	assert.Equal(t, false, db.lastArgs[3])
	assert.Nil(t, db.lastArgs[4])
}

func TestFindLeavesUnknownPriceNil(t *testing.T) {
	store := &ListingStore{db: &fakeDB{row: fakeRow{values: []any{"id-1", "ebay", "123456789012", "h", nil}}}}

	entry, err := store.FindByHash(context.Background(), "h")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Nil(t, entry.Price)
}

func TestUpsertUpdateByExistingID(t *testing.T) {
	db := &fakeDB{rows: 1}
	store := &ListingStore{db: db}

	res, err := store.Upsert(context.Background(), listing(),
		dedup.Result{Action: dedup.ActionUpdate, ExistingID: "abc", Method: dedup.MethodVendorID})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.ID)
	assert.False(t, res.Created)
}

func TestFindMissReturnsNil(t *testing.T) {
	store := &ListingStore{db: &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}}

	entry, err := store.FindByHash(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestFindParsesEntry(t *testing.T) {
	store := &ListingStore{db: &fakeDB{row: fakeRow{values: []any{"id-1", "amazon", nil, "h", "19.90"}}}}

	entry, err := store.FindByVendorID(context.Background(), models.MarketplaceAmazon, "B000000000")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.MarketplaceAmazon, entry.Marketplace)
	assert.Empty(t, entry.VendorItemID)
	assert.Equal(t, "19.90", entry.Price.StringFixed(2))
}
