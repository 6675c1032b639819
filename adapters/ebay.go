package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/parser"
)

const ebayScope = "https://api.ebay.com/oauth/api_scope"

var ebayItemPath = regexp.MustCompile(`/itm/(?:[^/]+/)?(\d{9,15})\b`)

// EbayAdapter reads listings through the Browse API.
type EbayAdapter struct {
	settings config.EbaySettings
	client   *http.Client
	limiter  *DomainLimiter
	logger   *slog.Logger
}

// NewEbayAdapter wires a client-credentials token source in front of the
// Browse API. Tokens are cached until they expire.
func NewEbayAdapter(settings config.EbaySettings, opts Options) *EbayAdapter {
	base := &http.Client{Transport: opts.transport(), Timeout: opts.Timeout}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	cc := &clientcredentials.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		TokenURL:     settings.TokenURL,
		Scopes:       []string{ebayScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return &EbayAdapter{
		settings: settings,
		client:   oauth2.NewClient(tokenCtx, cc.TokenSource(tokenCtx)),
		limiter:  opts.Limiter,
		logger:   opts.logger(config.AdapterEbayAPI),
	}
}

func (a *EbayAdapter) Name() string { return config.AdapterEbayAPI }

func (a *EbayAdapter) Supports(u *url.URL) bool {
	if !isWebURL(u) {
		return false
	}
	return models.MarketplaceForHost(u.Hostname()) == models.MarketplaceEbay && ebayItemPath.MatchString(u.Path)
}

func (a *EbayAdapter) Extract(ctx context.Context, u *url.URL) (*Extraction, error) {
	m := ebayItemPath.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, NewError(CodeInvalidSchema, a.Name(), fmt.Errorf("no item id in %s", u.Path))
	}
	legacyID := m[1]

	endpoint, err := url.Parse(strings.TrimRight(a.settings.APIBaseURL, "/") + "/buy/browse/v1/item/get_item_by_legacy_id")
	if err != nil {
		return nil, NewError(CodeAdapterDisabled, a.Name(), fmt.Errorf("api base url: %w", err))
	}
	if !a.limiter.Allow(endpoint.Hostname()) {
		return nil, NewError(CodeRateLimited, a.Name(), fmt.Errorf("local rate limit for %s", endpoint.Hostname()))
	}
	q := endpoint.Query()
	q.Set("legacy_item_id", legacyID)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, NewError(CodeInvalidSchema, a.Name(), err)
	}
	req.Header.Set("Accept", "application/json")
	if a.settings.MarketplaceID != "" {
		req.Header.Set("X-EBAY-C-MARKETPLACE-ID", a.settings.MarketplaceID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, a.classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyError(a.Name(), err, 0)
	}
	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classifyError(a.Name(), nil, resp.StatusCode).WithPayload(body, contentType)
	}

	var item ebayItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, NewError(CodeInvalidSchema, a.Name(), fmt.Errorf("decode item: %w", err)).WithPayload(body, contentType)
	}
	listing := item.toPartial(u)
	if err := parser.ValidateListing(&listing); err != nil {
		return nil, NewError(CodeInvalidSchema, a.Name(), err).WithPayload(body, contentType)
	}
	if listing.VendorItemID == "" {
		listing.VendorItemID = legacyID
	}

	return &Extraction{
		Adapter:     a.Name(),
		Source:      models.ProvenanceAPI,
		RawPayload:  body,
		ContentType: contentType,
		Listing:     listing,
		VendorKeys:  map[string]string{"legacy_item_id": listing.VendorItemID, "item_id": item.ItemID},
		Quality:     models.QualityFull,
	}, nil
}

// classifyTransport unwraps token endpoint failures; a rejected client is a
// configuration problem rather than a transient one.
func (a *EbayAdapter) classifyTransport(err error) *Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			a.logger.Error("ebay token request rejected", slog.Int("status", status))
			return NewError(CodeAdapterDisabled, a.Name(), err)
		}
		return classifyError(a.Name(), err, status)
	}
	return classifyError(a.Name(), err, 0)
}

type ebayAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type ebayImage struct {
	ImageURL string `json:"imageUrl"`
}

type ebayItem struct {
	ItemID           string      `json:"itemId"`
	LegacyItemID     string      `json:"legacyItemId"`
	Title            string      `json:"title"`
	ShortDescription string      `json:"shortDescription"`
	Description      string      `json:"description"`
	Price            *ebayAmount `json:"price"`
	Condition        string      `json:"condition"`
	ConditionID      string      `json:"conditionId"`
	Image            *ebayImage  `json:"image"`
	AdditionalImages []ebayImage `json:"additionalImages"`
	Brand            string      `json:"brand"`
	MPN              string      `json:"mpn"`
	Seller           struct {
		Username           string `json:"username"`
		FeedbackPercentage string `json:"feedbackPercentage"`
	} `json:"seller"`
	LocalizedAspects []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"localizedAspects"`
}

func (it ebayItem) toPartial(u *url.URL) models.PartialListing {
	p := models.PartialListing{
		Title:        parser.CleanText(it.Title),
		Condition:    it.ConditionID,
		Marketplace:  models.MarketplaceEbay,
		VendorItemID: it.LegacyItemID,
		Seller: models.Seller{
			Name:   it.Seller.Username,
			Rating: parser.ParseRating(it.Seller.FeedbackPercentage),
		},
		SourceURL: u.String(),
	}
	if p.Condition == "" {
		p.Condition = it.Condition
	}
	if it.Price != nil {
		if v, err := decimal.NewFromString(it.Price.Value); err == nil {
			p.Price = &v
		}
		p.Currency = it.Price.Currency
	}
	if it.Image != nil && it.Image.ImageURL != "" {
		p.Images = append(p.Images, it.Image.ImageURL)
	}
	for _, img := range it.AdditionalImages {
		if img.ImageURL != "" {
			p.Images = append(p.Images, img.ImageURL)
		}
	}

	for _, aspect := range it.LocalizedAspects {
		applyAspect(&p.Specs, aspect.Name, aspect.Value)
	}
	if it.Brand != "" {
		setString(&p.Specs.Brand, it.Brand)
	}

	p.Description = descriptionText(it.Description)
	if p.Description == "" {
		p.Description = parser.CleanText(it.ShortDescription)
	}
	fillSpecsFromText(&p.Specs, p.Description)
	return p
}

// descriptionText flattens the seller's HTML description.
func descriptionText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return parser.CleanText(html)
	}
	doc.Find("script, style").Remove()
	return parser.CleanText(doc.Text())
}
