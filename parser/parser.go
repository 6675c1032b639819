// Package parser holds the text helpers adapters share when reading listing
// pages: prices, ratings and the minimum field check.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// ValidateListing ensures an adapter captured enough to be worth normalizing.
func ValidateListing(p *models.PartialListing) error {
	if p == nil {
		return fmt.Errorf("listing is nil")
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("listing missing title")
	}
	return nil
}

var (
	priceNumber  = regexp.MustCompile(`\d[\d.,]*`)
	priceSymbols = []struct{ symbol, code string }{
		{"US$", "USD"},
		{"C$", "CAD"},
		{"CA$", "CAD"},
		{"$", "USD"},
		{"£", "GBP"},
		{"€", "EUR"},
	}
	isoPrefix = regexp.MustCompile(`\b([A-Z]{3})\b`)
)

// ParsePrice reads a display price such as "£51.77", "$1,299.99",
// "EUR 1.299,00" or "25.99". The currency is empty when the text names none.
func ParsePrice(text string) (*decimal.Decimal, string) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "Â", ""))
	if text == "" {
		return nil, ""
	}
	currency := ""
	for _, s := range priceSymbols {
		if strings.Contains(text, s.symbol) {
			currency = s.code
			break
		}
	}
	if currency == "" {
		if m := isoPrefix.FindStringSubmatch(text); m != nil {
			currency = m[1]
		}
	}
	number := priceNumber.FindString(text)
	if number == "" {
		return nil, currency
	}
	value, err := decimal.NewFromString(normalizeSeparators(number))
	if err != nil {
		return nil, currency
	}
	return &value, currency
}

// normalizeSeparators resolves "1,299.99" and "1.299,99" to "1299.99".
func normalizeSeparators(number string) string {
	number = strings.TrimRight(number, ".,")
	lastDot := strings.LastIndex(number, ".")
	lastComma := strings.LastIndex(number, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			number = strings.ReplaceAll(number, ".", "")
			return strings.Replace(number, ",", ".", 1)
		}
		return strings.ReplaceAll(number, ",", "")
	case lastComma >= 0:
		// A lone comma followed by exactly two digits is a decimal comma.
		if len(number)-lastComma == 3 && strings.Count(number, ",") == 1 {
			return strings.Replace(number, ",", ".", 1)
		}
		return strings.ReplaceAll(number, ",", "")
	case strings.Count(number, ".") > 1:
		return strings.ReplaceAll(number, ".", "")
	default:
		return number
	}
}

var ratingNumber = regexp.MustCompile(`\d+(?:\.\d+)?`)

// ParseRating converts a rating such as "4.5 out of 5", "98.7%" or "Four" to
// a number. It returns nil when nothing usable is present.
func ParseRating(text string) *float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if n, ok := wordRatings[strings.ToLower(text)]; ok {
		return &n
	}
	m := ratingNumber.FindString(text)
	if m == "" {
		return nil
	}
	value, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return nil
	}
	return &value
}

var wordRatings = map[string]float64{
	"zero":  0,
	"one":   1,
	"two":   2,
	"three": 3,
	"four":  4,
	"five":  5,
}

// CleanText collapses runs of whitespace.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
