package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-deal-ingest/models"
)

type memCatalog struct {
	byVendor map[string]*Entry
	byHash   map[string]*Entry
	err      error
}

func (m *memCatalog) FindByVendorID(_ context.Context, mp models.Marketplace, id string) (*Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.byVendor[string(mp)+"/"+id], nil
}

func (m *memCatalog) FindByHash(_ context.Context, hash string) (*Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.byHash[hash], nil
}

func listing(title, seller, price, vendorID string) *models.NormalizedListing {
	return &models.NormalizedListing{
		Title:        title,
		Seller:       models.Seller{Name: seller},
		Price:        decimal.RequireFromString(price),
		PriceKnown:   true,
		Marketplace:  models.MarketplaceEbay,
		VendorItemID: vendorID,
	}
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestHashStability(t *testing.T) {
	price := decimal.RequireFromString("100")
	a := Hash("Dell OptiPlex 7090", "Deals4U", price)
	b := Hash("  dell   optiplex 7090  ", "deals4u", decimal.RequireFromString("100.00"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Hash("Dell OptiPlex 7090", "Deals4U", decimal.RequireFromString("100.01")))
	assert.NotEqual(t, a, Hash("Dell OptiPlex 7080", "Deals4U", price))
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "dell optiplex 7090 i7 16gb", NormalizeTitle("Dell OptiPlex-7090, i7/16GB!"))
	assert.Equal(t, "", NormalizeTitle("  --  "))
}

func TestMatchVendorIDWinsOverHash(t *testing.T) {
	cat := &memCatalog{byVendor: map[string]*Entry{
		"ebay/123": {ID: "L1", VendorItemID: "123", DedupHash: "stale-hash", Price: decPtr("100")},
	}}
	svc := New(cat, nil)
	l := listing("Dell OptiPlex 7090", "seller", "101", "123")

	res, err := svc.Match(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, MethodVendorID, res.Method)
	assert.Equal(t, "L1", res.ExistingID)
	assert.Equal(t, 1.0, res.Confidence)
	require.NotNil(t, res.PreviousPrice)
	assert.True(t, res.PreviousPrice.Equal(decimal.RequireFromString("100")))
	assert.NotEmpty(t, l.DedupHash)
}

func TestMatchHashWhenNoVendorID(t *testing.T) {
	l := listing("Dell OptiPlex 7090", "seller", "100", "")
	hash := Hash(l.Title, l.Seller.Name, l.Price)
	cat := &memCatalog{byHash: map[string]*Entry{hash: {ID: "L2", DedupHash: hash}}}

	res, err := New(cat, nil).Match(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, MethodHash, res.Method)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Equal(t, hash, l.DedupHash)
}

func TestMatchVendorMissFallsBackToHash(t *testing.T) {
	l := listing("Dell OptiPlex 7090", "seller", "100", "999")
	hash := Hash(l.Title, l.Seller.Name, l.Price)

	t.Run("stored entry without vendor id matches", func(t *testing.T) {
		cat := &memCatalog{byHash: map[string]*Entry{hash: {ID: "L3"}}}
		res, err := New(cat, nil).Match(context.Background(), l)
		require.NoError(t, err)
		assert.Equal(t, ActionUpdate, res.Action)
		assert.Equal(t, MethodHash, res.Method)
	})

	t.Run("stored entry with another vendor id is a new item", func(t *testing.T) {
		cat := &memCatalog{byHash: map[string]*Entry{hash: {ID: "L4", VendorItemID: "555"}}}
		res, err := New(cat, nil).Match(context.Background(), l)
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, res.Action)
		assert.Equal(t, MethodNone, res.Method)
	})
}

func TestMatchCreateWhenNothingMatches(t *testing.T) {
	res, err := New(&memCatalog{}, nil).Match(context.Background(), listing("Brand new thing", "s", "10", ""))
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Nil(t, res.PreviousPrice)
	assert.Zero(t, res.Confidence)
}

func TestMatchPropagatesCatalogErrors(t *testing.T) {
	boom := errors.New("catalog offline")
	_, err := New(&memCatalog{err: boom}, nil).Match(context.Background(), listing("x", "s", "1", "1"))
	assert.ErrorIs(t, err, boom)
}
