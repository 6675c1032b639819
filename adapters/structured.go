package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/parser"
)

var (
	amazonASIN = regexp.MustCompile(`/(?:dp|gp/product)/([A-Z0-9]{10})\b`)
	ebayItemID = regexp.MustCompile(`/itm/(?:[^/]+/)?(\d{9,15})\b`)
)

// StructuredDataAdapter reads schema.org Product markup from product pages.
type StructuredDataAdapter struct {
	domains   []string
	collector *colly.Collector
	limiter   *DomainLimiter
	logger    *slog.Logger
}

// NewStructuredDataAdapter builds the adapter for the given domain list. Each
// Extract clones the base collector so callbacks never leak between jobs.
func NewStructuredDataAdapter(domains []string, opts Options) *StructuredDataAdapter {
	collector := colly.NewCollector(
		colly.UserAgent(opts.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(maxBodyBytes),
	)
	if opts.Timeout > 0 {
		collector.SetRequestTimeout(opts.Timeout)
	}
	collector.WithTransport(opts.transport())

	return &StructuredDataAdapter{
		domains:   domains,
		collector: collector,
		limiter:   opts.Limiter,
		logger:    opts.logger(config.AdapterStructured),
	}
}

func (a *StructuredDataAdapter) Name() string { return config.AdapterStructured }

func (a *StructuredDataAdapter) Supports(u *url.URL) bool {
	if !isWebURL(u) {
		return false
	}
	for _, d := range a.domains {
		if hostMatches(u.Hostname(), d) {
			return true
		}
	}
	return false
}

type fetchedPage struct {
	body        []byte
	contentType string
	status      int
	root        *goquery.Selection
	ldJSON      []string
}

func (a *StructuredDataAdapter) Extract(ctx context.Context, u *url.URL) (*Extraction, error) {
	if !a.limiter.Allow(u.Hostname()) {
		return nil, NewError(CodeRateLimited, a.Name(), fmt.Errorf("local rate limit for %s", u.Hostname()))
	}

	page, err := a.fetch(ctx, u)
	if err != nil {
		return nil, err
	}

	product, ok := findProduct(page)
	if !ok {
		return nil, NewError(CodeInvalidSchema, a.Name(), fmt.Errorf("no schema.org Product on %s", u)).
			WithPayload(page.body, page.contentType)
	}
	listing, keys := productToPartial(product, u)
	if err := parser.ValidateListing(&listing); err != nil {
		return nil, NewError(CodeInvalidSchema, a.Name(), err).WithPayload(page.body, page.contentType)
	}

	quality := models.QualityFull
	if listing.Price == nil {
		quality = models.QualityPartial
	}
	return &Extraction{
		Adapter:     a.Name(),
		Source:      models.ProvenanceStructuredData,
		RawPayload:  page.body,
		ContentType: page.contentType,
		Listing:     listing,
		VendorKeys:  keys,
		Quality:     quality,
	}, nil
}

// fetch runs one colly visit. colly has no context support, so the visit runs
// in its own goroutine and the caller stops waiting when ctx ends; the
// collector's request timeout bounds the abandoned request.
func (a *StructuredDataAdapter) fetch(ctx context.Context, u *url.URL) (*fetchedPage, error) {
	c := a.collector.Clone()
	page := &fetchedPage{}

	c.OnResponse(func(r *colly.Response) {
		page.body = r.Body
		page.contentType = r.Headers.Get("Content-Type")
		page.status = r.StatusCode
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			page.body = r.Body
			page.status = r.StatusCode
			if r.Headers != nil {
				page.contentType = r.Headers.Get("Content-Type")
			}
		}
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		page.root = e.DOM
	})
	c.OnHTML(`script[type="application/ld+json"]`, func(e *colly.HTMLElement) {
		page.ldJSON = append(page.ldJSON, e.Text)
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(u.String())
	}()

	select {
	case <-ctx.Done():
		return nil, classifyError(a.Name(), ctx.Err(), 0)
	case err := <-done:
		if err != nil || page.status >= http.StatusBadRequest {
			classified := classifyError(a.Name(), err, page.status)
			if len(page.body) > 0 {
				classified.WithPayload(page.body, page.contentType)
			}
			a.logger.Debug("structured fetch failed",
				slog.String("url", u.String()),
				slog.Int("status", page.status),
				slog.Any("error", err),
			)
			return nil, classified
		}
	}
	// colly only runs HTML callbacks for html content types.
	if page.root == nil && len(page.body) > 0 {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.body))
		if err == nil {
			page.root = doc.Selection
			doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
				page.ldJSON = append(page.ldJSON, s.Text())
			})
		}
	}
	return page, nil
}

// findProduct tries JSON-LD, then microdata, then RDFa.
func findProduct(page *fetchedPage) (map[string]any, bool) {
	for _, raw := range page.ldJSON {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			continue
		}
		if product, ok := findLDProduct(v); ok {
			return product, true
		}
	}
	if page.root == nil {
		return nil, false
	}
	for _, v := range []vocabulary{microdata, rdfa} {
		scope := page.root.Find(v.productSelector).First()
		if scope.Length() > 0 {
			return v.scopeToMap(scope), true
		}
	}
	return nil, false
}

func findLDProduct(v any) (map[string]any, bool) {
	switch node := v.(type) {
	case []any:
		for _, item := range node {
			if p, ok := findLDProduct(item); ok {
				return p, true
			}
		}
	case map[string]any:
		if isProductType(node["@type"]) {
			return node, true
		}
		if graph, ok := node["@graph"]; ok {
			return findLDProduct(graph)
		}
	}
	return nil, false
}

func isProductType(t any) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(localName(v), "Product")
	case []any:
		for _, item := range v {
			if isProductType(item) {
				return true
			}
		}
	}
	return false
}

// vocabulary describes how an HTML attribute syntax marks scopes and props.
type vocabulary struct {
	productSelector string
	scopeSelector   string
	propAttr        string
}

var (
	microdata = vocabulary{
		productSelector: `[itemscope][itemtype$="schema.org/Product"]`,
		scopeSelector:   `[itemscope]`,
		propAttr:        "itemprop",
	}
	rdfa = vocabulary{
		productSelector: `[typeof="Product"], [typeof="schema:Product"]`,
		scopeSelector:   `[typeof]`,
		propAttr:        "property",
	}
)

// scopeToMap turns a microdata or RDFa scope into the same shape JSON-LD
// decodes to. Repeated properties collect into a slice.
func (v vocabulary) scopeToMap(scope *goquery.Selection) map[string]any {
	out := map[string]any{}
	scope.Find("[" + v.propAttr + "]").Each(func(_ int, s *goquery.Selection) {
		if !s.Parent().Closest(v.scopeSelector).IsSelection(scope) {
			return
		}
		var value any
		if s.Is(v.scopeSelector) {
			value = v.scopeToMap(s)
		} else {
			value = propValue(s)
		}
		names, _ := s.Attr(v.propAttr)
		for _, name := range strings.Fields(names) {
			name = localName(name)
			if existing, ok := out[name]; ok {
				if list, isList := existing.([]any); isList {
					out[name] = append(list, value)
				} else {
					out[name] = []any{existing, value}
				}
				continue
			}
			out[name] = value
		}
	})
	return out
}

func propValue(s *goquery.Selection) string {
	if v, ok := s.Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	switch goquery.NodeName(s) {
	case "a", "link":
		return s.AttrOr("href", "")
	case "img":
		return s.AttrOr("src", "")
	}
	return parser.CleanText(s.Text())
}

// localName strips a vocabulary prefix or URL ("schema:name",
// "https://schema.org/Product").
func localName(name string) string {
	if i := strings.LastIndexAny(name, ":/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func productToPartial(product map[string]any, u *url.URL) (models.PartialListing, map[string]string) {
	p := models.PartialListing{
		Title:       parser.CleanText(firstString(product["name"])),
		Description: parser.CleanText(firstString(product["description"])),
		Marketplace: models.MarketplaceForHost(u.Hostname()),
		SourceURL:   u.String(),
	}

	for _, img := range allValues(product["image"]) {
		if s := firstString(img); s != "" {
			p.Images = append(p.Images, resolveURL(u, s))
		}
	}

	if offer := firstMap(product["offers"]); offer != nil {
		priceText := firstString(offer["price"])
		if priceText == "" {
			priceText = firstString(offer["lowPrice"])
		}
		if priceText == "" {
			if spec := firstMap(offer["priceSpecification"]); spec != nil {
				priceText = firstString(spec["price"])
				if p.Currency == "" {
					p.Currency = firstString(spec["priceCurrency"])
				}
			}
		}
		price, currency := parser.ParsePrice(priceText)
		p.Price = price
		if c := firstString(offer["priceCurrency"]); c != "" {
			p.Currency = c
		} else if p.Currency == "" {
			p.Currency = currency
		}
		p.Condition = firstString(offer["itemCondition"])
		if seller := offer["seller"]; seller != nil {
			p.Seller.Name = parser.CleanText(firstString(seller))
		}
	}

	for _, prop := range allValues(product["additionalProperty"]) {
		if m, ok := prop.(map[string]any); ok {
			applyAspect(&p.Specs, firstString(m["name"]), firstString(m["value"]))
		}
	}
	if brand := firstString(product["brand"]); brand != "" {
		setString(&p.Specs.Brand, parser.CleanText(brand))
	}
	if model := firstString(product["model"]); model != "" {
		setString(&p.Specs.Model, parser.CleanText(model))
	}
	fillSpecsFromText(&p.Specs, p.Description)

	keys := map[string]string{}
	for _, k := range []string{"sku", "mpn", "gtin13", "gtin"} {
		if v := firstString(product[k]); v != "" {
			keys[k] = v
		}
	}
	switch p.Marketplace {
	case models.MarketplaceAmazon:
		if m := amazonASIN.FindStringSubmatch(u.Path); m != nil {
			p.VendorItemID = m[1]
			keys["asin"] = m[1]
		}
	case models.MarketplaceEbay:
		if m := ebayItemID.FindStringSubmatch(u.Path); m != nil {
			p.VendorItemID = m[1]
			keys["legacy_item_id"] = m[1]
		}
	}
	return p, keys
}

// firstString reads a scalar out of a decoded value. Objects yield their
// "name", "url" or "@id" field, lists their first usable element.
func firstString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return fmt.Sprintf("%v", val)
	case map[string]any:
		for _, key := range []string{"name", "url", "contentUrl", "@id"} {
			if s := firstString(val[key]); s != "" {
				return s
			}
		}
	case []any:
		for _, item := range val {
			if s := firstString(item); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstMap(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case []any:
		for _, item := range val {
			if m := firstMap(item); m != nil {
				return m
			}
		}
	}
	return nil
}

func allValues(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	default:
		return []any{val}
	}
}

func resolveURL(base *url.URL, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
