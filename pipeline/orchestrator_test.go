package pipeline

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-deal-ingest/adapters"
	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/models"
)

const itemURL = "https://www.ebay.com/itm/123456789012"

func TestRunNoAdapterFailsFast(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter)

	for _, raw := range []string{"ftp://files.example.com/a", "https://unknown-shop.test/item/1", "not a url"} {
		got := h.run(t, raw)
		if got.Status != models.StatusFailed {
			t.Fatalf("%s: status = %s, want failed", raw, got.Status)
		}
		if got.Error == nil || got.Error.Code != string(adapters.CodeNoAdapterAvailable) {
			t.Fatalf("%s: error = %+v, want NO_ADAPTER_AVAILABLE", raw, got.Error)
		}
	}
	if adapter.Calls() != 0 {
		t.Fatalf("adapter called %d times", adapter.Calls())
	}
}

func TestRunDisabledAdapter(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter, func(s *config.AdapterSettings, _ *Deps) { s.Enabled = false })

	got := h.run(t, itemURL)
	if got.Status != models.StatusFailed || got.Error.Code != string(adapters.CodeAdapterDisabled) {
		t.Fatalf("got %s / %+v, want failed ADAPTER_DISABLED", got.Status, got.Error)
	}
}

func TestRunCompleteCreatesListing(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("123456789012", "199.99")}}
	h := newHarness(t, adapter)
	ctx := context.Background()

	got := h.run(t, itemURL)
	if got.Status != models.StatusComplete {
		t.Fatalf("status = %s, error = %+v", got.Status, got.Error)
	}
	if got.ProgressPct != 100 {
		t.Fatalf("progress = %d, want 100", got.ProgressPct)
	}
	if got.AdapterUsed != config.AdapterEbayAPI {
		t.Fatalf("adapter_used = %q", got.AdapterUsed)
	}
	res := got.Result
	if res == nil || res.ListingID == "" || res.Action != "create" || res.DedupMethod != "none" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Quality != models.QualityFull || res.Attempts != 1 {
		t.Fatalf("quality = %s attempts = %d", res.Quality, res.Attempts)
	}
	if !reflect.DeepEqual(res.Events, []string{"listing.created"}) {
		t.Fatalf("events = %v", res.Events)
	}
	if types := eventTypes(h.bus.Events()); !reflect.DeepEqual(types, []string{"listing.created"}) {
		t.Fatalf("bus events = %v", types)
	}

	stored, err := h.listings.Get(ctx, res.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if stored.Condition != models.ConditionUsedGood || stored.Price.StringFixed(2) != "199.99" {
		t.Fatalf("stored listing = %+v", stored)
	}

	payload := mustPayload(t, h, res.RawPayloadID)
	if payload.ListingRef == nil || *payload.ListingRef != res.ListingID {
		t.Fatalf("payload listing_ref = %v, want %s", payload.ListingRef, res.ListingID)
	}

	snap := h.recorder.Snapshot(time.Now())
	if len(snap) != 1 || snap[0].SuccessCount != 1 || snap[0].FieldCompletenessPct != 100 {
		t.Fatalf("metrics snapshot = %+v", snap)
	}
}

func TestRunVendorIDIsIdempotent(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("123456789012", "100.00")}}
	h := newHarness(t, adapter)
	ctx := context.Background()

	first := h.run(t, itemURL)
	firstListing, err := h.listings.Get(ctx, first.Result.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}

	second := h.run(t, itemURL)
	if second.Result.ListingID != first.Result.ListingID {
		t.Fatalf("listing ids differ: %s vs %s", first.Result.ListingID, second.Result.ListingID)
	}
	if second.Result.Action != "update" || second.Result.DedupMethod != "vendor_id" || second.Result.Confidence != 1.0 {
		t.Fatalf("second result = %+v", second.Result)
	}
	secondListing, err := h.listings.Get(ctx, second.Result.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if !secondListing.LastSeenAt.After(firstListing.LastSeenAt) {
		t.Fatalf("last_seen_at did not advance: %v -> %v", firstListing.LastSeenAt, secondListing.LastSeenAt)
	}
	if n, _ := h.listings.Count(ctx); n != 1 {
		t.Fatalf("listings = %d, want 1", n)
	}
	if !reflect.DeepEqual(second.Result.Events, []string{"listing.updated"}) {
		t.Fatalf("events = %v", second.Result.Events)
	}
}

func TestRunPriceChangeGating(t *testing.T) {
	tests := []struct {
		name      string
		old, next string
		want      []string
	}{
		{"one dollar on a hundred", "100.00", "101.00", []string{"listing.updated", "price.changed"}},
		{"fifty cents on a hundred", "100.00", "100.50", []string{"listing.updated"}},
		{"three percent on fifty", "50.00", "51.50", []string{"listing.updated", "price.changed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com",
				script: []attemptFunc{succeed("123456789012", tt.old)}}
			h := newHarness(t, adapter)
			h.run(t, itemURL)

			adapter.script = []attemptFunc{succeed("123456789012", tt.next)}
			got := h.run(t, itemURL)
			if !reflect.DeepEqual(got.Result.Events, tt.want) {
				t.Fatalf("events = %v, want %v", got.Result.Events, tt.want)
			}
		})
	}
}

func TestRunUnconvertiblePriceKeepsStoredPrice(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com",
		script: []attemptFunc{succeed("123456789012", "100.00")}}
	h := newHarness(t, adapter)
	first := h.run(t, itemURL)

	// No JPY rate is configured, so the new price cannot be converted.
	adapter.script = []attemptFunc{succeedIn("123456789012", "15000", "JPY")}
	got := h.run(t, itemURL)
	if got.Status != models.StatusPartial {
		t.Fatalf("status = %s, want partial", got.Status)
	}
	if !reflect.DeepEqual(got.Result.Events, []string{"listing.updated"}) {
		t.Fatalf("events = %v, want [listing.updated]", got.Result.Events)
	}

	stored, err := h.listings.Get(ctx, first.Result.ListingID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if stored.Price.StringFixed(2) != "100.00" || stored.Currency != "USD" || !stored.PriceKnown {
		t.Fatalf("stored price = %s %s (known=%v), want 100.00 USD", stored.Price.StringFixed(2), stored.Currency, stored.PriceKnown)
	}

	// A later convertible price is compared against the kept one.
	adapter.script = []attemptFunc{succeed("123456789012", "80.00")}
	third := h.run(t, itemURL)
	if !reflect.DeepEqual(third.Result.Events, []string{"listing.updated", "price.changed"}) {
		t.Fatalf("events = %v", third.Result.Events)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{
		failWith(adapters.CodeTimeout),
		failWith(adapters.CodeRateLimited),
		succeed("123456789012", "10.00"),
	}}
	h := newHarness(t, adapter)

	got := h.run(t, itemURL)
	if got.Status != models.StatusComplete {
		t.Fatalf("status = %s, error = %+v", got.Status, got.Error)
	}
	if got.Result.Attempts != 3 || adapter.Calls() != 3 {
		t.Fatalf("attempts = %d calls = %d, want 3", got.Result.Attempts, adapter.Calls())
	}
}

func TestRunRetryExhaustion(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{failWith(adapters.CodeTimeout)}}
	h := newHarness(t, adapter)

	got := h.run(t, itemURL)
	if got.Status != models.StatusFailed || got.Error.Code != string(adapters.CodeTimeout) {
		t.Fatalf("got %s / %+v, want failed TIMEOUT", got.Status, got.Error)
	}
	// retries=2 means three attempts in total.
	if adapter.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", adapter.Calls())
	}
}

func TestRunNonRetryableStopsImmediately(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{failWith(adapters.CodeItemNotFound)}}
	h := newHarness(t, adapter)

	got := h.run(t, itemURL)
	if got.Error == nil || got.Error.Code != string(adapters.CodeItemNotFound) {
		t.Fatalf("error = %+v, want ITEM_NOT_FOUND", got.Error)
	}
	if adapter.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", adapter.Calls())
	}
}

func TestRunAttemptTimeout(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{blockUntilDone(nil)}}
	h := newHarness(t, adapter, withTimeout(20*time.Millisecond))

	start := time.Now()
	got := h.run(t, itemURL)
	if got.Status != models.StatusFailed || got.Error.Code != string(adapters.CodeTimeout) {
		t.Fatalf("got %s / %+v, want failed TIMEOUT", got.Status, got.Error)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run took %v", elapsed)
	}
}

func TestRunFailedAttemptPayloadIsKept(t *testing.T) {
	invalid := func(context.Context, *url.URL) (*adapters.Extraction, error) {
		return nil, adapters.NewError(adapters.CodeInvalidSchema, config.AdapterEbayAPI, errors.New("no product")).
			WithPayload([]byte("<html>captcha</html>"), "text/html")
	}
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{invalid}}
	h := newHarness(t, adapter)

	got := h.run(t, itemURL)
	if got.Status != models.StatusFailed || got.Error.Code != string(adapters.CodeInvalidSchema) {
		t.Fatalf("got %s / %+v", got.Status, got.Error)
	}
	if got.Result == nil || got.Result.RawPayloadID == "" {
		t.Fatalf("raw payload not recorded: %+v", got.Result)
	}
	payload := mustPayload(t, h, got.Result.RawPayloadID)
	if string(payload.Payload) != "<html>captcha</html>" || payload.ContentType != "text/html" {
		t.Fatalf("payload = %q (%s)", payload.Payload, payload.ContentType)
	}
}

func TestRunPersistenceErrorKeepsPayload(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("123456789012", "10.00")}}
	h := newHarness(t, adapter, withListings(failingListings{}))

	got := h.run(t, itemURL)
	if got.Status != models.StatusFailed || got.Error.Code != models.CodePersistenceError {
		t.Fatalf("got %s / %+v, want failed PERSISTENCE_ERROR", got.Status, got.Error)
	}
	if got.ProgressPct != 80 {
		t.Fatalf("progress = %d, want 80", got.ProgressPct)
	}
	payload := mustPayload(t, h, got.Result.RawPayloadID)
	if payload.ListingRef != nil {
		t.Fatalf("payload should not be linked, got %s", *payload.ListingRef)
	}
	if len(h.bus.Events()) != 0 {
		t.Fatalf("no events expected after a failed upsert")
	}
}

func TestRunPartialQuality(t *testing.T) {
	sparse := func(_ context.Context, u *url.URL) (*adapters.Extraction, error) {
		return &adapters.Extraction{
			Adapter:     config.AdapterGeneric,
			Source:      models.ProvenanceScraper,
			RawPayload:  []byte("<html></html>"),
			ContentType: "text/html",
			Listing:     models.PartialListing{Title: "Mystery mini PC", SourceURL: u.String()},
			Quality:     models.QualityPartial,
		}, nil
	}
	adapter := &scriptedAdapter{name: config.AdapterGeneric, script: []attemptFunc{sparse}}
	h := newHarness(t, adapter)

	got := h.run(t, "https://shop.example.com/p/1")
	if got.Status != models.StatusPartial {
		t.Fatalf("status = %s, error = %+v", got.Status, got.Error)
	}
	if got.ProgressPct != 100 || got.Result.Quality != models.QualityPartial {
		t.Fatalf("progress = %d quality = %s", got.ProgressPct, got.Result.Quality)
	}
	if len(got.Result.MissingFields) == 0 {
		t.Fatalf("expected missing fields")
	}
}

func TestRunSkipsCancelledSession(t *testing.T) {
	adapter := &scriptedAdapter{name: config.AdapterEbayAPI, host: "ebay.com", script: []attemptFunc{succeed("1", "1")}}
	h := newHarness(t, adapter)
	ctx := context.Background()

	sess := models.NewSession(models.KindSingle, itemURL, nil, h.clock.Now())
	if err := h.sessions.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	jobErr := &models.JobError{Code: models.CodeCancelled, Message: "cancelled"}
	if err := h.sessions.Finish(ctx, sess.ID, models.StatusFailed, nil, jobErr, h.clock.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if status := h.orch.Run(ctx, sess); status != models.StatusFailed {
		t.Fatalf("Run() = %s, want failed", status)
	}
	if adapter.Calls() != 0 {
		t.Fatalf("adapter called for a cancelled session")
	}
	if got := h.get(t, sess.ID); got.Error.Code != models.CodeCancelled {
		t.Fatalf("error = %+v, want CANCELLED kept", got.Error)
	}
}

func mustPayload(t *testing.T, h *harness, id string) *models.RawPayload {
	t.Helper()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("payload id %q: %v", id, err)
	}
	p, err := h.payloads.Get(context.Background(), parsed)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	return p
}
