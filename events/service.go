package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/models"
)

// Thresholds gate price.changed: either bound being reached is enough.
type Thresholds struct {
	Pct float64
	Abs decimal.Decimal
}

// PriceChanged reports whether the move from old to current crosses either
// threshold. An unchanged price never does.
func PriceChanged(old, current decimal.Decimal, th Thresholds) bool {
	diff := current.Sub(old).Abs()
	if diff.IsZero() {
		return false
	}
	if th.Abs.IsPositive() && diff.GreaterThanOrEqual(th.Abs) {
		return true
	}
	if old.IsPositive() && th.Pct > 0 {
		return diff.Div(old).GreaterThanOrEqual(decimal.NewFromFloat(th.Pct))
	}
	return false
}

// Service builds, validates and publishes events for a persisted listing.
type Service struct {
	bus        Bus
	validator  *Validator
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires a Service. validator may be nil to skip contract checks.
func NewService(bus Bus, validator *Validator, th Thresholds, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bus:        bus,
		validator:  validator,
		thresholds: th,
		logger:     logger.With(slog.String("component", "events")),
		now:        time.Now,
	}
}

// Emit publishes listing.created or listing.updated, plus price.changed when
// an update moved the price past a threshold. Only call it after the listing
// was persisted. Publish failures are logged and leave the event out of the
// returned slice; they never fail the job.
func (s *Service) Emit(ctx context.Context, jobID uuid.UUID, listingID string, listing models.NormalizedListing, match dedup.Result) []Event {
	base := Event{
		JobID:        jobID,
		ListingID:    listingID,
		Marketplace:  string(listing.Marketplace),
		VendorItemID: listing.VendorItemID,
		SourceURL:    listing.SourceURL,
		Title:        listing.Title,
		Currency:     listing.Currency,
		Quality:      string(listing.Quality),
	}
	if listing.PriceKnown {
		base.Price = listing.Price.StringFixed(2)
	}

	var pending []Event
	if match.Action == dedup.ActionUpdate {
		updated := base
		updated.Type = TypeListingUpdated
		updated.DedupMethod = string(match.Method)
		pending = append(pending, updated)

		if listing.PriceKnown && match.PreviousPrice != nil && PriceChanged(*match.PreviousPrice, listing.Price, s.thresholds) {
			changed := base
			changed.Type = TypePriceChanged
			changed.PreviousPrice = match.PreviousPrice.StringFixed(2)
			pending = append(pending, changed)
		}
	} else {
		created := base
		created.Type = TypeListingCreated
		pending = append(pending, created)
	}

	published := make([]Event, 0, len(pending))
	for _, e := range pending {
		e.ID = uuid.New()
		e.OccurredAt = s.now().UTC()
		if s.validator != nil {
			if err := s.validator.Validate(e); err != nil {
				s.logger.Error("event rejected by contract", slog.String("type", string(e.Type)), slog.Any("error", err))
				continue
			}
		}
		if err := s.bus.Publish(ctx, e); err != nil {
			s.logger.Error("event publish failed",
				slog.String("type", string(e.Type)),
				slog.String("listing_id", listingID),
				slog.Any("error", err),
			)
			continue
		}
		published = append(published, e)
	}
	return published
}
