package pipeline

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-deal-ingest/adapters"
	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/events"
	"github.com/aluiziolira/go-deal-ingest/jobs"
	"github.com/aluiziolira/go-deal-ingest/metrics"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/normalizer"
	"github.com/aluiziolira/go-deal-ingest/storage/sqlite"
)

// fakeClock advances one second on every read so successive writes get
// strictly increasing timestamps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type attemptFunc func(ctx context.Context, u *url.URL) (*adapters.Extraction, error)

// scriptedAdapter replays one func per attempt; the last one repeats.
type scriptedAdapter struct {
	name   string
	host   string
	script []attemptFunc

	mu    sync.Mutex
	calls int
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Supports(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return a.host == "" || strings.HasSuffix(u.Hostname(), a.host)
}

func (a *scriptedAdapter) Extract(ctx context.Context, u *url.URL) (*adapters.Extraction, error) {
	a.mu.Lock()
	i := a.calls
	a.calls++
	a.mu.Unlock()
	if i >= len(a.script) {
		i = len(a.script) - 1
	}
	return a.script[i](ctx, u)
}

func (a *scriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func ptr[T any](v T) *T { return &v }

func fullPartial(u *url.URL, vendorID, price string) models.PartialListing {
	p := decimal.RequireFromString(price)
	return models.PartialListing{
		Title:        "Dell OptiPlex 7090 Micro",
		Price:        &p,
		Currency:     "USD",
		Condition:    "Used",
		Images:       []string{"https://img.example.com/1.jpg"},
		Seller:       models.Seller{Name: "acme-refurb"},
		Marketplace:  models.MarketplaceEbay,
		VendorItemID: vendorID,
		Specs: models.Specs{
			CPUModel:  ptr("Intel Core i7-11700"),
			RAMGB:     ptr(16),
			StorageGB: ptr(512),
		},
		SourceURL: u.String(),
	}
}

func succeed(vendorID, price string) attemptFunc {
	return func(_ context.Context, u *url.URL) (*adapters.Extraction, error) {
		return &adapters.Extraction{
			Adapter:     config.AdapterEbayAPI,
			Source:      models.ProvenanceAPI,
			RawPayload:  []byte(`{"itemId":"` + vendorID + `"}`),
			ContentType: "application/json",
			Listing:     fullPartial(u, vendorID, price),
			Quality:     models.QualityFull,
		}, nil
	}
}

// succeedIn is succeed with the listing priced in another currency.
func succeedIn(vendorID, price, currency string) attemptFunc {
	return func(ctx context.Context, u *url.URL) (*adapters.Extraction, error) {
		ext, err := succeed(vendorID, price)(ctx, u)
		if err == nil {
			ext.Listing.Currency = currency
		}
		return ext, err
	}
}

func failWith(code adapters.Code) attemptFunc {
	return func(context.Context, *url.URL) (*adapters.Extraction, error) {
		return nil, adapters.NewError(code, config.AdapterEbayAPI, errors.New(strings.ToLower(string(code))))
	}
}

func blockUntilDone(started chan<- struct{}) attemptFunc {
	return func(ctx context.Context, _ *url.URL) (*adapters.Extraction, error) {
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return nil, adapters.NewError(adapters.CodeTimeout, config.AdapterEbayAPI, ctx.Err())
	}
}

type failingListings struct{}

func (failingListings) Upsert(context.Context, *models.NormalizedListing, dedup.Result) (models.PersistedListing, error) {
	return models.PersistedListing{}, errors.New("disk full")
}

type harness struct {
	db       *sqlite.DB
	sessions *sqlite.SessionStore
	payloads *sqlite.PayloadStore
	listings *sqlite.ListingStore
	bus      *events.MemoryBus
	recorder *metrics.Recorder
	clock    *fakeClock
	orch     *Orchestrator
}

type harnessOption func(*config.AdapterSettings, *Deps)

func withTimeout(d time.Duration) harnessOption {
	return func(s *config.AdapterSettings, _ *Deps) { s.Timeout = d }
}

func withListings(l ListingStore) harnessOption {
	return func(_ *config.AdapterSettings, d *Deps) { d.Listings = l }
}

func newHarness(t *testing.T, adapter *scriptedAdapter, opts ...harnessOption) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:       db,
		sessions: db.Sessions(),
		payloads: db.Payloads(512*1024, 30),
		listings: db.Listings(),
		bus:      events.NewMemoryBus(),
		recorder: metrics.New(16),
		clock:    newFakeClock(),
	}

	settings := config.AdapterSettings{Enabled: true, Timeout: time.Second, Retries: 2}
	deps := Deps{
		Sessions: h.sessions,
		Payloads: h.payloads,
		Listings: h.listings,
		Dedup:    dedup.New(h.listings, nil),
		Metrics:  h.recorder,
		Retry:    config.RetrySettings{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		Now:      h.clock.Now,
		Sleep:    func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
	for _, opt := range opts {
		opt(&settings, &deps)
	}

	router, err := adapters.NewRouter([]string{adapter.name},
		map[string]config.AdapterSettings{adapter.name: settings}, adapter)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	deps.Router = router

	norm, err := normalizer.New(normalizer.NewStaticRates(map[string]float64{"USD": 1, "EUR": 1.1}),
		normalizer.DefaultCPUCatalog(), normalizer.Options{Now: h.clock.Now})
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	deps.Normalizer = norm

	validator, err := events.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	deps.Events = events.NewService(h.bus, validator,
		events.Thresholds{Pct: 0.02, Abs: decimal.NewFromInt(1)}, nil)

	h.orch, err = NewOrchestrator(deps)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return h
}

func (h *harness) run(t *testing.T, rawURL string) *models.ImportSession {
	t.Helper()
	ctx := context.Background()
	sess := models.NewSession(models.KindSingle, rawURL, nil, h.clock.Now())
	if err := h.sessions.Create(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	h.orch.Run(ctx, sess)
	return h.get(t, sess.ID)
}

func (h *harness) get(t *testing.T, id uuid.UUID) *models.ImportSession {
	t.Helper()
	got, err := h.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return got
}

func eventTypes(evts []events.Event) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = string(e.Type)
	}
	return out
}

// waitTerminal polls until the session reaches a terminal status.
func waitTerminal(t *testing.T, svc *Service, id uuid.UUID) *models.ImportSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := svc.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if jobs.IsTerminal(sess.Status) {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}
