package normalizer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrUnknownCurrency is returned when no rate is known for a currency.
var ErrUnknownCurrency = errors.New("unknown currency")

// CurrencyConverter converts an amount into USD.
type CurrencyConverter interface {
	ToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

var currencySymbols = map[string]string{
	"$":   "USD",
	"us$": "USD",
	"£":   "GBP",
	"€":   "EUR",
	"c$":  "CAD",
	"ca$": "CAD",
}

// CanonicalCurrency turns a raw currency string into an ISO 4217 code.
func CanonicalCurrency(raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}
	if code, ok := currencySymbols[strings.ToLower(value)]; ok {
		return code, true
	}
	unit, err := currency.ParseISO(value)
	if err != nil {
		return "", false
	}
	return unit.String(), true
}

// StaticRates converts using a fixed table of USD rates per unit.
type StaticRates struct {
	rates map[string]decimal.Decimal
}

// NewStaticRates builds a converter. USD is always present at 1.
func NewStaticRates(rates map[string]float64) *StaticRates {
	table := map[string]decimal.Decimal{"USD": decimal.NewFromInt(1)}
	for code, rate := range rates {
		table[strings.ToUpper(code)] = decimal.NewFromFloat(rate)
	}
	return &StaticRates{rates: table}
}

func (s *StaticRates) ToUSD(_ context.Context, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	rate, ok := s.rates[strings.ToUpper(code)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return amount.Mul(rate).Round(2), nil
}
