package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/parser"
)

// GenericAdapter is the last resort: Open Graph tags and the page title.
// Its output is always partial.
type GenericAdapter struct {
	client    *http.Client
	userAgent string
	limiter   *DomainLimiter
	logger    *slog.Logger
}

// NewGenericAdapter builds the fallback scraper.
func NewGenericAdapter(opts Options) *GenericAdapter {
	return &GenericAdapter{
		client:    &http.Client{Transport: opts.transport(), Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		limiter:   opts.Limiter,
		logger:    opts.logger(config.AdapterGeneric),
	}
}

func (a *GenericAdapter) Name() string { return config.AdapterGeneric }

func (a *GenericAdapter) Supports(u *url.URL) bool { return isWebURL(u) }

func (a *GenericAdapter) Extract(ctx context.Context, u *url.URL) (*Extraction, error) {
	if !a.limiter.Allow(u.Hostname()) {
		return nil, NewError(CodeRateLimited, a.Name(), fmt.Errorf("local rate limit for %s", u.Hostname()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, NewError(CodeInvalidSchema, a.Name(), err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyError(a.Name(), err, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyError(a.Name(), err, 0)
	}
	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode >= http.StatusBadRequest {
		a.logger.Debug("generic fetch failed", slog.String("url", u.String()), slog.Int("status", resp.StatusCode))
		return nil, classifyError(a.Name(), nil, resp.StatusCode).WithPayload(body, contentType)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, NewError(CodeInvalidSchema, a.Name(), fmt.Errorf("parse html: %w", err)).WithPayload(body, contentType)
	}
	listing := openGraphListing(doc, u)
	if err := parser.ValidateListing(&listing); err != nil {
		return nil, NewError(CodeInvalidSchema, a.Name(), err).WithPayload(body, contentType)
	}

	return &Extraction{
		Adapter:     a.Name(),
		Source:      models.ProvenanceScraper,
		RawPayload:  body,
		ContentType: contentType,
		Listing:     listing,
		VendorKeys:  map[string]string{},
		Quality:     models.QualityPartial,
	}, nil
}

func openGraphListing(doc *goquery.Document, u *url.URL) models.PartialListing {
	meta := func(keys ...string) string {
		for _, key := range keys {
			sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, key, key)).First()
			if v := parser.CleanText(sel.AttrOr("content", "")); v != "" {
				return v
			}
		}
		return ""
	}

	p := models.PartialListing{
		Title:       meta("og:title", "twitter:title"),
		Description: meta("og:description", "description", "twitter:description"),
		Condition:   meta("product:condition", "og:condition"),
		Marketplace: models.MarketplaceForHost(u.Hostname()),
		SourceURL:   u.String(),
	}
	if p.Title == "" {
		p.Title = parser.CleanText(doc.Find("title").First().Text())
	}
	if p.Title == "" {
		p.Title = parser.CleanText(doc.Find("h1").First().Text())
	}

	doc.Find(`meta[property="og:image"], meta[property="og:image:secure_url"]`).Each(func(_ int, s *goquery.Selection) {
		if v := s.AttrOr("content", ""); v != "" {
			p.Images = append(p.Images, resolveURL(u, v))
		}
	})

	if amount := meta("product:price:amount", "og:price:amount"); amount != "" {
		price, currency := parser.ParsePrice(amount)
		p.Price = price
		p.Currency = meta("product:price:currency", "og:price:currency")
		if p.Currency == "" {
			p.Currency = currency
		}
	}
	p.Seller.Name = meta("product:retailer_title", "og:site_name")
	fillSpecsFromText(&p.Specs, p.Title, p.Description)
	return p
}
