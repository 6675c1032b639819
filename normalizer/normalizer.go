// Package normalizer turns adapter output into canonical listings.
package normalizer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// Expected field names, also used in JobResult.MissingFields.
const (
	FieldTitle     = "title"
	FieldPrice     = "price"
	FieldCurrency  = "currency"
	FieldCondition = "condition"
	FieldImages    = "images"
	FieldSeller    = "seller.name"
	FieldCPU       = "specs.cpu_model"
	FieldRAM       = "specs.ram_gb"
	FieldStorage   = "specs.storage_gb"
)

// ExpectedFields lists every field whose absence downgrades quality.
var ExpectedFields = []string{
	FieldTitle, FieldPrice, FieldCurrency, FieldCondition, FieldImages,
	FieldSeller, FieldCPU, FieldRAM, FieldStorage,
}

// Warning is a non-fatal normalization problem.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the outcome of Normalize.
type Result struct {
	Listing  models.NormalizedListing
	Missing  []string
	Warnings []Warning
}

// Completeness is the share of expected fields present, 0..1.
func (r Result) Completeness() float64 {
	return float64(len(ExpectedFields)-len(r.Missing)) / float64(len(ExpectedFields))
}

// Options tunes a Normalizer.
type Options struct {
	CacheSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Normalizer is a pure transform apart from its injected lookups.
type Normalizer struct {
	converter CurrencyConverter
	catalog   CPUCatalog
	cpuCache  *lru.Cache[string, *CanonicalCPU]
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Normalizer. catalog may be nil, in which case CPU strings are
// kept as extracted.
func New(converter CurrencyConverter, catalog CPUCatalog, opts Options) (*Normalizer, error) {
	if converter == nil {
		return nil, fmt.Errorf("currency converter is required")
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *CanonicalCPU](size)
	if err != nil {
		return nil, fmt.Errorf("cpu cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Normalizer{
		converter: converter,
		catalog:   catalog,
		cpuCache:  cache,
		logger:    logger.With(slog.String("component", "normalizer")),
		now:       now,
	}, nil
}

// Normalize never fails; problems become warnings and missing fields.
// Quality is full only when the extraction was full and nothing is missing.
func (n *Normalizer) Normalize(ctx context.Context, partial models.PartialListing, provenance models.Provenance, extraction models.Quality) Result {
	var res Result
	warn := func(field, format string, args ...any) {
		res.Warnings = append(res.Warnings, Warning{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	listing := models.NormalizedListing{
		Title:        collapseSpaces(partial.Title),
		Images:       cleanImages(partial.Images),
		Seller:       models.Seller{Name: collapseSpaces(partial.Seller.Name), Rating: partial.Seller.Rating},
		Marketplace:  partial.Marketplace,
		VendorItemID: strings.TrimSpace(partial.VendorItemID),
		Provenance:   provenance,
		Description:  strings.TrimSpace(partial.Description),
		SourceURL:    partial.SourceURL,
		LastSeenAt:   n.now().UTC(),
	}
	if listing.Marketplace == "" {
		listing.Marketplace = models.MarketplaceOther
		if u, err := url.Parse(partial.SourceURL); err == nil {
			listing.Marketplace = models.MarketplaceForHost(u.Hostname())
		}
	}

	n.normalizePrice(ctx, partial, &listing, warn)

	cond, ok := MapCondition(partial.Condition)
	listing.Condition = cond
	if !ok && strings.TrimSpace(partial.Condition) != "" {
		warn(FieldCondition, "unrecognized condition %q", partial.Condition)
	}

	listing.Specs = n.normalizeSpecs(ctx, partial, listing.Title)

	res.Missing = missingFields(listing)
	listing.Quality = models.QualityFull
	if extraction == models.QualityPartial || len(res.Missing) > 0 {
		listing.Quality = models.QualityPartial
	}
	res.Listing = listing
	return res
}

func (n *Normalizer) normalizePrice(ctx context.Context, partial models.PartialListing, listing *models.NormalizedListing, warn func(string, string, ...any)) {
	code, ok := CanonicalCurrency(partial.Currency)
	if !ok {
		if partial.Currency != "" {
			warn(FieldCurrency, "unrecognized currency %q", partial.Currency)
		}
		if partial.Price != nil {
			warn(FieldPrice, "price without a usable currency")
		}
		return
	}
	if partial.Price == nil {
		listing.Currency = code
		return
	}
	if partial.Price.IsNegative() {
		warn(FieldPrice, "negative price %s", partial.Price.String())
		listing.Currency = code
		return
	}
	usd, err := n.converter.ToUSD(ctx, *partial.Price, code)
	if err != nil {
		warn(FieldPrice, "convert %s to USD: %v", code, err)
		return
	}
	listing.Price = usd
	listing.PriceKnown = true
	listing.Currency = "USD"
}

func (n *Normalizer) normalizeSpecs(ctx context.Context, partial models.PartialListing, title string) models.Specs {
	specs := partial.Specs
	texts := []string{title, partial.Description}

	if specs.RAMGB == nil {
		for _, text := range texts {
			if gb, ok := ExtractRAM(text); ok {
				specs.RAMGB = &gb
				break
			}
		}
	}
	if specs.StorageGB == nil {
		for _, text := range texts {
			if gb, ok := ExtractStorage(text); ok {
				specs.StorageGB = &gb
				break
			}
		}
	}
	fillFromTitle(&specs.CPUModel, cpuPatterns, title)
	fillFromTitle(&specs.GPU, gpuPatterns, title)
	fillFromTitle(&specs.FormFactor, formFactorPatterns, title)
	fillFromTitle(&specs.Brand, brandPatterns, title)
	fillFromTitle(&specs.Model, modelPatterns, title)

	if specs.CPUModel != nil {
		canonical := n.canonicalCPU(ctx, *specs.CPUModel)
		specs.CPUModel = &canonical
	}
	return specs
}

func fillFromTitle(dst **string, patterns []labeledPattern, title string) {
	if *dst != nil && strings.TrimSpace(**dst) != "" {
		v := collapseSpaces(**dst)
		*dst = &v
		return
	}
	*dst = nil
	if v, ok := firstMatch(patterns, title); ok {
		*dst = &v
	}
}

func (n *Normalizer) canonicalCPU(ctx context.Context, raw string) string {
	key := cpuKey(raw)
	if cpu, ok := n.cpuCache.Get(key); ok {
		if cpu != nil {
			return cpu.Name
		}
		return raw
	}
	if n.catalog == nil {
		return raw
	}
	cpu, err := n.catalog.Find(ctx, raw)
	if err != nil {
		n.logger.Warn("cpu catalog lookup failed", slog.String("cpu", raw), slog.Any("error", err))
		return raw
	}
	n.cpuCache.Add(key, cpu)
	if cpu == nil {
		return raw
	}
	return cpu.Name
}

func missingFields(l models.NormalizedListing) []string {
	var missing []string
	check := func(field string, present bool) {
		if !present {
			missing = append(missing, field)
		}
	}
	check(FieldTitle, l.Title != "")
	check(FieldPrice, l.PriceKnown && l.Price.GreaterThan(decimal.Zero))
	check(FieldCurrency, l.Currency != "")
	check(FieldCondition, l.Condition != models.ConditionUnknown)
	check(FieldImages, len(l.Images) > 0)
	check(FieldSeller, l.Seller.Name != "")
	check(FieldCPU, l.Specs.CPUModel != nil)
	check(FieldRAM, l.Specs.RAMGB != nil)
	check(FieldStorage, l.Specs.StorageGB != nil)
	return missing
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cleanImages(images []string) []string {
	seen := make(map[string]struct{}, len(images))
	out := make([]string, 0, len(images))
	for _, raw := range images {
		img := strings.TrimSpace(raw)
		u, err := url.Parse(img)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		if _, dup := seen[img]; dup {
			continue
		}
		seen[img] = struct{}{}
		out = append(out, img)
	}
	return out
}
