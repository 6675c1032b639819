// Package events emits catalog change events after a listing is persisted.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the routing name of an event.
type Type string

const (
	TypeListingCreated Type = "listing.created"
	TypeListingUpdated Type = "listing.updated"
	TypePriceChanged   Type = "price.changed"
)

// Event is the wire payload published to every bus.
type Event struct {
	ID            uuid.UUID `json:"event_id"`
	Type          Type      `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	JobID         uuid.UUID `json:"job_id"`
	ListingID     string    `json:"listing_id"`
	Marketplace   string    `json:"marketplace"`
	VendorItemID  string    `json:"vendor_item_id,omitempty"`
	SourceURL     string    `json:"source_url"`
	Title         string    `json:"title,omitempty"`
	Price         string    `json:"price,omitempty"`
	PreviousPrice string    `json:"previous_price,omitempty"`
	Currency      string    `json:"currency"`
	Quality       string    `json:"quality,omitempty"`
	DedupMethod   string    `json:"dedup_method,omitempty"`
}
