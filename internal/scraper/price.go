package scraper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// NumberStyle selects how thousands and decimal separators are written
type NumberStyle int

const (
	// DotDecimal is "1,299.50" (India, US)
	DotDecimal NumberStyle = iota
	// CommaDecimal is "1.299,50" (Brazil)
	CommaDecimal
)

var (
	currencyMarkers = regexp.MustCompile(`(?i)(₹|rs\.?|inr|r\$|us\$|\$|€|m\.r\.p\.?:?|mrp:?)`)
	dotDecimalRe    = regexp.MustCompile(`^\d{1,3}(,\d{2,3})*(\.\d{1,2})?$|^\d+(\.\d{1,2})?$`)
	commaDecimalRe  = regexp.MustCompile(`^\d{1,3}(\.\d{3})*(,\d{1,2})?$|^\d+(,\d{1,2})?$`)
)

// ParsePrice converts a displayed price into a decimal. Anything that is not
// a plain amount after removing currency markers is an error; nothing is
// coerced to zero.
func ParsePrice(text string, style NumberStyle) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t', '\n', '\r':
			return -1
		}
		return r
	}, text)
	cleaned = currencyMarkers.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSuffix(cleaned, ".")
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty price text %q", ErrExtractionFailed, text)
	}

	switch style {
	case CommaDecimal:
		if !commaDecimalRe.MatchString(cleaned) {
			return decimal.Decimal{}, fmt.Errorf("%w: malformed price %q", ErrExtractionFailed, text)
		}
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	default:
		if !dotDecimalRe.MatchString(cleaned) {
			return decimal.Decimal{}, fmt.Errorf("%w: malformed price %q", ErrExtractionFailed, text)
		}
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	price, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: parse price %q: %v", ErrExtractionFailed, text, err)
	}
	return price, nil
}
