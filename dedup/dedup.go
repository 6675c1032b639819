// Package dedup matches normalized listings against catalog entries.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// Action is what the store should do with a listing.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Method names the rule that produced a match.
type Method string

const (
	MethodVendorID Method = "vendor_id"
	MethodHash     Method = "hash"
	MethodNone     Method = "none"
)

// Confidence values reported per method.
const (
	VendorIDConfidence = 1.0
	HashConfidence     = 0.95
)

// Entry is the catalog's view of an existing listing.
type Entry struct {
	ID           string
	Marketplace  models.Marketplace
	VendorItemID string
	DedupHash    string
	// Price is nil when the stored listing never had a known price.
	Price *decimal.Decimal
}

// Catalog looks up existing listings. Both methods return (nil, nil) on a miss.
type Catalog interface {
	FindByVendorID(ctx context.Context, marketplace models.Marketplace, vendorItemID string) (*Entry, error)
	FindByHash(ctx context.Context, hash string) (*Entry, error)
}

// Result is the outcome of Match.
type Result struct {
	Action        Action
	ExistingID    string
	Method        Method
	Confidence    float64
	PreviousPrice *decimal.Decimal
}

// Service runs the vendor-id-then-hash matching rules.
type Service struct {
	catalog Catalog
	logger  *slog.Logger
}

// New builds a Service.
func New(catalog Catalog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{catalog: catalog, logger: logger.With(slog.String("component", "dedup"))}
}

// Match fills listing.DedupHash and decides between create and update.
// A vendor id hit always wins, even when the stored hash differs. A hash hit
// is accepted unless both sides carry different vendor ids.
func (s *Service) Match(ctx context.Context, listing *models.NormalizedListing) (Result, error) {
	listing.DedupHash = Hash(listing.Title, listing.Seller.Name, listing.Price)

	if listing.VendorItemID != "" {
		entry, err := s.catalog.FindByVendorID(ctx, listing.Marketplace, listing.VendorItemID)
		if err != nil {
			return Result{}, fmt.Errorf("find by vendor id: %w", err)
		}
		if entry != nil {
			if entry.DedupHash != "" && entry.DedupHash != listing.DedupHash {
				s.logger.Info("dedup ambiguity: vendor id matched with a different hash",
					slog.String("listing_id", entry.ID),
					slog.String("vendor_item_id", listing.VendorItemID),
				)
			}
			return update(entry, MethodVendorID, VendorIDConfidence), nil
		}
	}

	if listing.Title != "" {
		entry, err := s.catalog.FindByHash(ctx, listing.DedupHash)
		if err != nil {
			return Result{}, fmt.Errorf("find by hash: %w", err)
		}
		if entry != nil {
			if listing.VendorItemID == "" || entry.VendorItemID == "" {
				return update(entry, MethodHash, HashConfidence), nil
			}
			s.logger.Info("dedup ambiguity: hash matched a listing with another vendor id",
				slog.String("listing_id", entry.ID),
				slog.String("vendor_item_id", listing.VendorItemID),
				slog.String("existing_vendor_item_id", entry.VendorItemID),
			)
		}
	}

	return Result{Action: ActionCreate, Method: MethodNone}, nil
}

func update(entry *Entry, method Method, confidence float64) Result {
	return Result{
		Action:        ActionUpdate,
		ExistingID:    entry.ID,
		Method:        method,
		Confidence:    confidence,
		PreviousPrice: entry.Price,
	}
}

// Hash fingerprints a listing by normalized title, seller and price.
func Hash(title, seller string, price decimal.Decimal) string {
	key := strings.Join([]string{
		NormalizeTitle(title),
		strings.ToLower(strings.TrimSpace(seller)),
		price.StringFixed(2),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NormalizeTitle lowercases, turns punctuation into spaces and collapses runs
// of whitespace.
func NormalizeTitle(title string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, title)
	return strings.Join(strings.Fields(mapped), " ")
}
