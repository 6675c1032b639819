package adapters

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/models"
)

type stubAdapter struct {
	name     string
	supports func(u *url.URL) bool
}

func (s *stubAdapter) Name() string             { return s.name }
func (s *stubAdapter) Supports(u *url.URL) bool { return s.supports(u) }
func (s *stubAdapter) Extract(context.Context, *url.URL) (*Extraction, error) {
	return &Extraction{Adapter: s.name, Quality: models.QualityFull}, nil
}

func hostSuffix(suffix string) func(u *url.URL) bool {
	return func(u *url.URL) bool { return strings.HasSuffix(u.Hostname(), suffix) }
}

func testRouter(t *testing.T, settings map[string]config.AdapterSettings) *Router {
	t.Helper()
	r, err := NewRouter(
		[]string{config.AdapterEbayAPI, config.AdapterStructured, config.AdapterGeneric},
		settings,
		&stubAdapter{name: config.AdapterGeneric, supports: isWebURL},
		&stubAdapter{name: config.AdapterEbayAPI, supports: hostSuffix("ebay.com")},
		&stubAdapter{name: config.AdapterStructured, supports: hostSuffix("amazon.com")},
	)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return r
}

func allEnabled() map[string]config.AdapterSettings {
	return map[string]config.AdapterSettings{
		config.AdapterEbayAPI:    {Enabled: true, Timeout: time.Second, Retries: 2},
		config.AdapterStructured: {Enabled: true, Timeout: time.Second, Retries: 2},
		config.AdapterGeneric:    {Enabled: true, Timeout: time.Second, Retries: 1},
	}
}

func TestRouterSelectPriority(t *testing.T) {
	r := testRouter(t, allEnabled())

	tests := []struct {
		url  string
		want string
	}{
		{"https://www.ebay.com/itm/123456789012", config.AdapterEbayAPI},
		{"https://www.amazon.com/dp/B0C1234567", config.AdapterStructured},
		{"https://shop.example.org/p/1", config.AdapterGeneric},
	}
	for _, tt := range tests {
		route, err := r.Select(tt.url)
		if err != nil {
			t.Fatalf("Select(%s) error = %v", tt.url, err)
		}
		if route.Adapter.Name() != tt.want {
			t.Fatalf("Select(%s) = %s, want %s", tt.url, route.Adapter.Name(), tt.want)
		}
		if route.URL == nil || route.Settings.Timeout != time.Second {
			t.Fatalf("route missing url or settings: %+v", route)
		}
	}
}

func TestRouterSkipsDisabled(t *testing.T) {
	settings := allEnabled()
	settings[config.AdapterEbayAPI] = config.AdapterSettings{Enabled: false, Timeout: time.Second}
	r := testRouter(t, settings)

	route, err := r.Select("https://www.ebay.com/itm/123456789012")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if route.Adapter.Name() != config.AdapterGeneric {
		t.Fatalf("adapter = %s, want generic fallback", route.Adapter.Name())
	}
}

func TestRouterAllSupportingDisabled(t *testing.T) {
	settings := allEnabled()
	for name, s := range settings {
		s.Enabled = false
		settings[name] = s
	}
	r := testRouter(t, settings)

	_, err := r.Select("https://www.amazon.com/dp/B0C1234567")
	if CodeOf(err) != CodeAdapterDisabled {
		t.Fatalf("err = %v, want ADAPTER_DISABLED", err)
	}
}

func TestRouterNoAdapter(t *testing.T) {
	r := testRouter(t, allEnabled())

	for _, raw := range []string{"ftp://example.com/file", "not a url at all", "", "https://"} {
		route, err := r.Select(raw)
		if CodeOf(err) != CodeNoAdapterAvailable {
			t.Fatalf("Select(%q) err = %v, want NO_ADAPTER_AVAILABLE", raw, err)
		}
		if route.Adapter != nil {
			t.Fatalf("Select(%q) returned an adapter alongside an error", raw)
		}
	}
}

func TestNewRouterRejectsUnknownPriority(t *testing.T) {
	_, err := NewRouter([]string{"missing"}, allEnabled(), &stubAdapter{name: config.AdapterGeneric, supports: isWebURL})
	if err == nil {
		t.Fatalf("expected error for unregistered adapter")
	}
}

func TestNewDefaultRouterOrder(t *testing.T) {
	r, err := NewDefaultRouter(config.DefaultConfig(), Options{})
	if err != nil {
		t.Fatalf("NewDefaultRouter() error = %v", err)
	}
	got := strings.Join(r.Names(), ",")
	if got != "ebay_api,structured_data,generic" {
		t.Fatalf("names = %s", got)
	}
}
