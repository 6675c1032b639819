package config

import (
	"fmt"
	"net/url"
	"time"
)

// Adapter names as used in the priority list and the settings map.
const (
	AdapterEbayAPI    = "ebay_api"
	AdapterStructured = "structured_data"
	AdapterGeneric    = "generic"
)

// AdapterSettings is the per-adapter enable/timeout/retry surface.
type AdapterSettings struct {
	Enabled bool
	Timeout time.Duration
	Retries int
}

// RetrySettings shapes the backoff shared by every adapter.
type RetrySettings struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

// EbaySettings holds the Browse API credentials and endpoints.
type EbaySettings struct {
	ClientID      string
	ClientSecret  string
	TokenURL      string
	APIBaseURL    string
	MarketplaceID string
}

// RateLimitSettings configures the per-domain token buckets.
type RateLimitSettings struct {
	RequestsPerSecond float64
	Burst             int
}

// Config holds ingestion service configuration.
type Config struct {
	ListenAddr   string
	MetricsAddr  string
	DatabasePath string
	PostgresDSN  string
	AMQPURL      string
	AMQPExchange string

	Workers     int
	QueueSize   int
	MaxBulkURLs int

	Adapters map[string]AdapterSettings
	Priority []string
	Retry    RetrySettings

	PriceChangeThresholdPct float64
	PriceChangeThresholdAbs float64
	RawPayloadTTLDays       int
	RawPayloadMaxBytes      int

	SweepInterval        time.Duration
	MetricsWindow        int
	MetricsFlushInterval time.Duration

	UserAgent         string
	Ebay              EbaySettings
	StructuredDomains []string
	RateLimit         RateLimitSettings
	CurrencyRates     map[string]float64
	CPUCatalogPath    string
	CPUCacheSize      int

	Verbose   bool
	LogFormat string // auto, text, or json
}

// DefaultConfig returns conservative defaults for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8080",
		MetricsAddr:  "",
		DatabasePath: "data/ingest.db",
		AMQPExchange: "catalog.events",
		Workers:      8,
		QueueSize:    1024,
		MaxBulkURLs:  500,
		Adapters: map[string]AdapterSettings{
			AdapterEbayAPI:    {Enabled: true, Timeout: 10 * time.Second, Retries: 2},
			AdapterStructured: {Enabled: true, Timeout: 15 * time.Second, Retries: 2},
			AdapterGeneric:    {Enabled: true, Timeout: 10 * time.Second, Retries: 1},
		},
		Priority: []string{AdapterEbayAPI, AdapterStructured, AdapterGeneric},
		Retry: RetrySettings{
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   2 * time.Second,
			Multiplier: 2,
			Jitter:     0.1,
		},
		PriceChangeThresholdPct: 0.02,
		PriceChangeThresholdAbs: 1.0,
		RawPayloadTTLDays:       30,
		RawPayloadMaxBytes:      512 * 1024,
		SweepInterval:           time.Hour,
		MetricsWindow:           256,
		MetricsFlushInterval:    5 * time.Minute,
		UserAgent:               "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Ebay: EbaySettings{
			TokenURL:      "https://api.ebay.com/identity/v1/oauth2/token",
			APIBaseURL:    "https://api.ebay.com",
			MarketplaceID: "EBAY_US",
		},
		StructuredDomains: []string{"amazon.com", "amazon.co.uk", "amazon.de", "newegg.com", "bestbuy.com", "ebay.com"},
		RateLimit: RateLimitSettings{
			RequestsPerSecond: 2,
			Burst:             4,
		},
		CurrencyRates: map[string]float64{
			"USD": 1,
			"EUR": 1.08,
			"GBP": 1.27,
			"CAD": 0.73,
		},
		CPUCacheSize: 1024,
		LogFormat:    "auto",
	}
}

// Adapter returns the settings for name, or zero settings when absent.
func (c *Config) Adapter(name string) AdapterSettings {
	return c.Adapters[name]
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.MaxBulkURLs <= 0 {
		return fmt.Errorf("max bulk urls must be positive")
	}
	if len(c.Priority) == 0 {
		return fmt.Errorf("adapter priority list cannot be empty")
	}
	for _, name := range c.Priority {
		settings, ok := c.Adapters[name]
		if !ok {
			return fmt.Errorf("adapter %q in priority list has no settings", name)
		}
		if settings.Timeout <= 0 {
			return fmt.Errorf("adapter %q timeout must be positive", name)
		}
		if settings.Retries < 0 {
			return fmt.Errorf("adapter %q retries cannot be negative", name)
		}
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry base delay cannot be negative")
	}
	if c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry max delay cannot be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry base delay (%s) cannot exceed retry max delay (%s)", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be within [0, 1]")
	}
	if c.PriceChangeThresholdPct < 0 {
		return fmt.Errorf("price change threshold pct cannot be negative")
	}
	if c.PriceChangeThresholdAbs < 0 {
		return fmt.Errorf("price change threshold abs cannot be negative")
	}
	if c.RawPayloadTTLDays <= 0 {
		return fmt.Errorf("raw payload ttl days must be positive")
	}
	if c.RawPayloadMaxBytes <= 0 {
		return fmt.Errorf("raw payload max bytes must be positive")
	}
	if c.MetricsWindow <= 0 {
		return fmt.Errorf("metrics window must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate limit requests per second must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.Adapter(AdapterEbayAPI).Enabled {
		if _, err := url.Parse(c.Ebay.APIBaseURL); err != nil || c.Ebay.APIBaseURL == "" {
			return fmt.Errorf("ebay api base URL is invalid")
		}
	}
	switch c.LogFormat {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log format must be auto, text, or json")
	}
	return nil
}
