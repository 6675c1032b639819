// Package models defines the data structures shared across the ingestion pipeline.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Condition is the canonical item condition.
type Condition string

const (
	ConditionNew         Condition = "new"
	ConditionRefurbished Condition = "refurbished"
	ConditionUsedLikeNew Condition = "used_like_new"
	ConditionUsedGood    Condition = "used_good"
	ConditionUsedFair    Condition = "used_fair"
	ConditionForParts    Condition = "for_parts"
	ConditionUnknown     Condition = "unknown"
)

// Marketplace identifies the source platform of a listing.
type Marketplace string

const (
	MarketplaceEbay   Marketplace = "ebay"
	MarketplaceAmazon Marketplace = "amazon"
	MarketplaceOther  Marketplace = "other"
)

// Provenance records which extraction path produced a listing.
type Provenance string

const (
	ProvenanceAPI            Provenance = "api"
	ProvenanceStructuredData Provenance = "structured_data"
	ProvenanceScraper        Provenance = "scraper"
)

// Quality reports whether every expected field was populated.
type Quality string

const (
	QualityFull    Quality = "full"
	QualityPartial Quality = "partial"
)

// Seller describes who is selling the item.
type Seller struct {
	Name   string   `json:"name"`
	Rating *float64 `json:"rating,omitempty"`
}

// Specs holds the hardware attributes the catalog cares about.
type Specs struct {
	CPUModel   *string `json:"cpu_model,omitempty"`
	RAMGB      *int    `json:"ram_gb,omitempty"`
	StorageGB  *int    `json:"storage_gb,omitempty"`
	GPU        *string `json:"gpu,omitempty"`
	FormFactor *string `json:"form_factor,omitempty"`
	Brand      *string `json:"brand,omitempty"`
	Model      *string `json:"model,omitempty"`
}

// PartialListing is what an adapter managed to pull out of a page or API.
// Condition and Currency are still raw source strings.
type PartialListing struct {
	Title        string           `json:"title"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Currency     string           `json:"currency"`
	Condition    string           `json:"condition"`
	Images       []string         `json:"images"`
	Seller       Seller           `json:"seller"`
	Marketplace  Marketplace      `json:"marketplace"`
	VendorItemID string           `json:"vendor_item_id,omitempty"`
	Specs        Specs            `json:"specs"`
	Description  string           `json:"description,omitempty"`
	SourceURL    string           `json:"source_url"`
}

// NormalizedListing is the canonical listing handed to the catalog store.
// Price is only meaningful when PriceKnown is set; stores keep the previous
// price of a listing re-seen without one.
type NormalizedListing struct {
	Title        string          `json:"title"`
	Price        decimal.Decimal `json:"price"`
	PriceKnown   bool            `json:"price_known"`
	Currency     string          `json:"currency"`
	Condition    Condition       `json:"condition"`
	Images       []string        `json:"images"`
	Seller       Seller          `json:"seller"`
	Marketplace  Marketplace     `json:"marketplace"`
	VendorItemID string          `json:"vendor_item_id,omitempty"`
	Provenance   Provenance      `json:"provenance"`
	Specs        Specs           `json:"specs"`
	Description  string          `json:"description,omitempty"`
	SourceURL    string          `json:"source_url"`
	DedupHash    string          `json:"dedup_hash"`
	Quality      Quality         `json:"quality"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
}

// MarketplaceForHost maps a URL host onto the marketplace enum.
func MarketplaceForHost(host string) Marketplace {
	switch {
	case hostHasLabel(host, "ebay"):
		return MarketplaceEbay
	case hostHasLabel(host, "amazon"):
		return MarketplaceAmazon
	default:
		return MarketplaceOther
	}
}

func hostHasLabel(host, label string) bool {
	for _, part := range strings.Split(strings.ToLower(host), ".") {
		if part == label {
			return true
		}
	}
	return false
}

// PersistedListing is what the catalog store reports after an upsert.
type PersistedListing struct {
	ID         string    `json:"id"`
	Created    bool      `json:"created"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
