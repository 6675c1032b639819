package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// EnvString returns the trimmed value of key and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an int.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvFloat parses key as a float64.
func EnvFloat(key string) (float64, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvBool parses key as a bool.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvDuration parses key as a time.Duration.
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// ApplyEnv overlays INGEST_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"INGEST_LISTEN_ADDR":   &cfg.ListenAddr,
		"INGEST_METRICS_ADDR":  &cfg.MetricsAddr,
		"INGEST_DATABASE_PATH": &cfg.DatabasePath,
		"INGEST_POSTGRES_DSN":  &cfg.PostgresDSN,
		"INGEST_AMQP_URL":      &cfg.AMQPURL,
		"INGEST_AMQP_EXCHANGE": &cfg.AMQPExchange,
		"INGEST_USER_AGENT":    &cfg.UserAgent,
		"INGEST_CPU_CATALOG":   &cfg.CPUCatalogPath,
		"INGEST_LOG_FORMAT":    &cfg.LogFormat,
		"EBAY_CLIENT_ID":       &cfg.Ebay.ClientID,
		"EBAY_CLIENT_SECRET":   &cfg.Ebay.ClientSecret,
		"EBAY_TOKEN_URL":       &cfg.Ebay.TokenURL,
		"EBAY_API_BASE_URL":    &cfg.Ebay.APIBaseURL,
		"EBAY_MARKETPLACE_ID":  &cfg.Ebay.MarketplaceID,
	}
	for key, dst := range strs {
		if value, ok := EnvString(key); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"INGEST_WORKERS":               &cfg.Workers,
		"INGEST_QUEUE_SIZE":            &cfg.QueueSize,
		"INGEST_MAX_BULK_URLS":         &cfg.MaxBulkURLs,
		"INGEST_RAW_PAYLOAD_TTL_DAYS":  &cfg.RawPayloadTTLDays,
		"INGEST_RAW_PAYLOAD_MAX_BYTES": &cfg.RawPayloadMaxBytes,
		"INGEST_METRICS_WINDOW":        &cfg.MetricsWindow,
	}
	for key, dst := range ints {
		value, ok, err := EnvInt(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	floats := map[string]*float64{
		"INGEST_PRICE_CHANGE_THRESHOLD_PCT": &cfg.PriceChangeThresholdPct,
		"INGEST_PRICE_CHANGE_THRESHOLD_ABS": &cfg.PriceChangeThresholdAbs,
		"INGEST_RATE_LIMIT_RPS":             &cfg.RateLimit.RequestsPerSecond,
	}
	for key, dst := range floats {
		value, ok, err := EnvFloat(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"INGEST_SWEEP_INTERVAL":         &cfg.SweepInterval,
		"INGEST_METRICS_FLUSH_INTERVAL": &cfg.MetricsFlushInterval,
		"INGEST_RETRY_BASE_DELAY":       &cfg.Retry.BaseDelay,
		"INGEST_RETRY_MAX_DELAY":        &cfg.Retry.MaxDelay,
	}
	for key, dst := range durations {
		value, ok, err := EnvDuration(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	for _, name := range []string{AdapterEbayAPI, AdapterStructured, AdapterGeneric} {
		prefix := "INGEST_ADAPTER_" + strings.ToUpper(name) + "_"
		settings := cfg.Adapters[name]
		enabled, ok, err := EnvBool(prefix + "ENABLED")
		if err != nil {
			return err
		}
		if ok {
			settings.Enabled = enabled
		}
		timeout, ok, err := EnvDuration(prefix + "TIMEOUT")
		if err != nil {
			return err
		}
		if ok {
			settings.Timeout = timeout
		}
		retries, ok, err := EnvInt(prefix + "RETRIES")
		if err != nil {
			return err
		}
		if ok {
			settings.Retries = retries
		}
		cfg.Adapters[name] = settings
	}

	if verbose, ok, err := EnvBool("INGEST_VERBOSE"); err != nil {
		return err
	} else if ok {
		cfg.Verbose = verbose
	}
	return nil
}

// DisableUnconfigured turns off adapters that cannot run without
// credentials and returns their names.
func (c *Config) DisableUnconfigured() []string {
	var disabled []string
	ebay := c.Adapters[AdapterEbayAPI]
	if ebay.Enabled && (c.Ebay.ClientID == "" || c.Ebay.ClientSecret == "") {
		ebay.Enabled = false
		c.Adapters[AdapterEbayAPI] = ebay
		disabled = append(disabled, AdapterEbayAPI)
	}
	return disabled
}
