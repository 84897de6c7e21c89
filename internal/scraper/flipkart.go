package scraper

import (
	"fmt"

	"github.com/shopspring/decimal"

	"price-tracker/internal/models"
)

// FlipkartExtractor reads prices from Flipkart product pages. Flipkart ships
// obfuscated class names that rotate, so each cascade keeps older names.
type FlipkartExtractor struct{}

// NewFlipkartExtractor creates the Flipkart adapter
func NewFlipkartExtractor() *FlipkartExtractor {
	return &FlipkartExtractor{}
}

func (f *FlipkartExtractor) Platform() models.Platform { return models.PlatformFlipkart }

var (
	flipkartPriceSelectors = []string{
		"div.Nx9bqj.CxhGGd",
		"div.Nx9bqj",
		"div._30jeq3._16Jk6d",
		"div._30jeq3",
		"div._16Jk6d",
	}
	flipkartOriginalSelectors = []string{
		"div.yRaY8j",
		"div._3I9_wc._2p6lqe",
		"div._3I9_wc",
		"div._2p6lqe",
	}
)

// Extract implements Extractor
func (f *FlipkartExtractor) Extract(rawContent string) (Prices, error) {
	doc, err := parseDocument(rawContent)
	if err != nil {
		return Prices{}, err
	}

	priceText, _ := firstText(doc, flipkartPriceSelectors)
	if priceText == "" {
		return Prices{}, fmt.Errorf("%w: flipkart price element not found", ErrExtractionFailed)
	}
	current, err := ParsePrice(priceText, DotDecimal)
	if err != nil {
		return Prices{}, err
	}

	var original *decimal.Decimal
	if text, _ := firstText(doc, flipkartOriginalSelectors); text != "" {
		parsed, err := ParsePrice(text, DotDecimal)
		if err != nil {
			return Prices{}, err
		}
		original = &parsed
	}

	return newPrices(f.Platform(), current, original)
}
