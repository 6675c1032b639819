// Package adapters holds the extraction strategies that turn a listing URL
// into a partial listing, and the router that picks one.
package adapters

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// Adapter extracts a listing from one family of URLs.
type Adapter interface {
	Name() string
	Supports(u *url.URL) bool
	Extract(ctx context.Context, u *url.URL) (*Extraction, error)
}

// Extraction is what a successful Extract returns.
type Extraction struct {
	Adapter     string
	Source      models.Provenance
	RawPayload  []byte
	ContentType string
	Listing     models.PartialListing
	VendorKeys  map[string]string
	Quality     models.Quality
}

// Options carries the collaborators every network adapter shares.
type Options struct {
	Transport http.RoundTripper
	UserAgent string
	Timeout   time.Duration
	Limiter   *DomainLimiter
	Logger    *slog.Logger
}

func (o Options) transport() http.RoundTripper {
	if o.Transport != nil {
		return o.Transport
	}
	return http.DefaultTransport
}

func (o Options) logger(name string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "adapter"), slog.String("adapter", name))
}

// maxBodyBytes bounds how much of a page an adapter will read.
const maxBodyBytes = 8 << 20

func isWebURL(u *url.URL) bool {
	return u != nil && (u.Scheme == "http" || u.Scheme == "https") && u.Hostname() != ""
}

// hostMatches reports whether host is domain or a subdomain of it.
func hostMatches(host, domain string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	return host == domain || strings.HasSuffix(host, "."+domain)
}
