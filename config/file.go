package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileAdapter is the YAML form of AdapterSettings. Unset keys keep defaults.
type FileAdapter struct {
	Enabled *bool          `yaml:"enabled"`
	Timeout *time.Duration `yaml:"timeout"`
	Retries *int           `yaml:"retries"`
}

// FileConfig is the structure of the service YAML config file.
type FileConfig struct {
	ListenAddr   string                 `yaml:"listen_addr"`
	MetricsAddr  string                 `yaml:"metrics_addr"`
	DatabasePath string                 `yaml:"database_path"`
	PostgresDSN  string                 `yaml:"postgres_dsn"`
	AMQPURL      string                 `yaml:"amqp_url"`
	Workers      int                    `yaml:"workers"`
	Adapters     map[string]FileAdapter `yaml:"adapters"`
	Priority     []string               `yaml:"priority"`
	Global       struct {
		PriceChangeThresholdPct *float64 `yaml:"price_change_threshold_pct"`
		PriceChangeThresholdAbs *float64 `yaml:"price_change_threshold_abs"`
		RawPayloadTTLDays       int      `yaml:"raw_payload_ttl_days"`
		RawPayloadMaxBytes      int      `yaml:"raw_payload_max_bytes"`
	} `yaml:"global"`
	StructuredDomains []string           `yaml:"structured_domains"`
	CurrencyRates     map[string]float64 `yaml:"currency_rates"`
	CPUCatalogPath    string             `yaml:"cpu_catalog"`
}

// LoadFile reads a YAML config file and overlays it on the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	file.apply(cfg)
	return cfg, nil
}

func (f *FileConfig) apply(cfg *Config) {
	setString(&cfg.ListenAddr, f.ListenAddr)
	setString(&cfg.MetricsAddr, f.MetricsAddr)
	setString(&cfg.DatabasePath, f.DatabasePath)
	setString(&cfg.PostgresDSN, f.PostgresDSN)
	setString(&cfg.AMQPURL, f.AMQPURL)
	setString(&cfg.CPUCatalogPath, f.CPUCatalogPath)
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}

	for name, fa := range f.Adapters {
		settings := cfg.Adapters[name]
		if fa.Enabled != nil {
			settings.Enabled = *fa.Enabled
		}
		if fa.Timeout != nil {
			settings.Timeout = *fa.Timeout
		}
		if fa.Retries != nil {
			settings.Retries = *fa.Retries
		}
		cfg.Adapters[name] = settings
	}
	if len(f.Priority) > 0 {
		cfg.Priority = f.Priority
	}

	if f.Global.PriceChangeThresholdPct != nil {
		cfg.PriceChangeThresholdPct = *f.Global.PriceChangeThresholdPct
	}
	if f.Global.PriceChangeThresholdAbs != nil {
		cfg.PriceChangeThresholdAbs = *f.Global.PriceChangeThresholdAbs
	}
	if f.Global.RawPayloadTTLDays > 0 {
		cfg.RawPayloadTTLDays = f.Global.RawPayloadTTLDays
	}
	if f.Global.RawPayloadMaxBytes > 0 {
		cfg.RawPayloadMaxBytes = f.Global.RawPayloadMaxBytes
	}
	if len(f.StructuredDomains) > 0 {
		cfg.StructuredDomains = f.StructuredDomains
	}
	for code, rate := range f.CurrencyRates {
		cfg.CurrencyRates[code] = rate
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
