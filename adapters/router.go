package adapters

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/aluiziolira/go-deal-ingest/config"
)

// Route is the outcome of a successful selection.
type Route struct {
	Adapter  Adapter
	Settings config.AdapterSettings
	URL      *url.URL
}

// Router picks the first enabled adapter, in priority order, that supports a
// URL.
type Router struct {
	adapters []Adapter
	settings map[string]config.AdapterSettings
}

// NewRouter orders registry by priority. Every name in priority must have a
// registered adapter; registered adapters missing from priority are unused.
func NewRouter(priority []string, settings map[string]config.AdapterSettings, registry ...Adapter) (*Router, error) {
	byName := make(map[string]Adapter, len(registry))
	for _, a := range registry {
		byName[a.Name()] = a
	}
	r := &Router{settings: make(map[string]config.AdapterSettings, len(settings))}
	for name, s := range settings {
		r.settings[name] = s
	}
	for _, name := range priority {
		a, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("adapter %q in priority list is not registered", name)
		}
		r.adapters = append(r.adapters, a)
	}
	if len(r.adapters) == 0 {
		return nil, fmt.Errorf("router needs at least one adapter")
	}
	return r, nil
}

// Select never returns a nil route with a nil error. A URL that only disabled
// adapters support yields ADAPTER_DISABLED; one nobody supports yields
// NO_ADAPTER_AVAILABLE.
func (r *Router) Select(rawURL string) (Route, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !isWebURL(u) {
		return Route{}, NewError(CodeNoAdapterAvailable, "", fmt.Errorf("unsupported url %q", rawURL))
	}

	var disabled []string
	for _, a := range r.adapters {
		if !a.Supports(u) {
			continue
		}
		s := r.settings[a.Name()]
		if !s.Enabled {
			disabled = append(disabled, a.Name())
			continue
		}
		return Route{Adapter: a, Settings: s, URL: u}, nil
	}
	if len(disabled) > 0 {
		return Route{}, NewError(CodeAdapterDisabled, "", fmt.Errorf("adapters disabled for %s: %s", u.Hostname(), strings.Join(disabled, ", ")))
	}
	return Route{}, NewError(CodeNoAdapterAvailable, "", fmt.Errorf("no adapter supports %s", u.Hostname()))
}

// Settings returns the injected settings for an adapter.
func (r *Router) Settings(name string) config.AdapterSettings {
	return r.settings[name]
}

// Names lists adapters in priority order.
func (r *Router) Names() []string {
	out := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		out[i] = a.Name()
	}
	return out
}

// NewDefaultRouter builds the three stock adapters from cfg, each with its
// configured timeout, sharing transport and rate limiter.
func NewDefaultRouter(cfg *config.Config, opts Options) (*Router, error) {
	withTimeout := func(name string) Options {
		o := opts
		o.Timeout = cfg.Adapter(name).Timeout
		if o.UserAgent == "" {
			o.UserAgent = cfg.UserAgent
		}
		return o
	}
	registry := []Adapter{
		NewEbayAdapter(cfg.Ebay, withTimeout(config.AdapterEbayAPI)),
		NewStructuredDataAdapter(cfg.StructuredDomains, withTimeout(config.AdapterStructured)),
		NewGenericAdapter(withTimeout(config.AdapterGeneric)),
	}
	return NewRouter(cfg.Priority, cfg.Adapters, registry...)
}
