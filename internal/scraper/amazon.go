package scraper

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"price-tracker/internal/models"
)

// AmazonExtractor reads prices from Amazon product pages
type AmazonExtractor struct{}

// NewAmazonExtractor creates the Amazon adapter
func NewAmazonExtractor() *AmazonExtractor {
	return &AmazonExtractor{}
}

func (a *AmazonExtractor) Platform() models.Platform { return models.PlatformAmazon }

var (
	amazonPriceSelectors = []string{
		"#corePriceDisplay_desktop_feature_div .priceToPay .a-offscreen",
		".priceToPay .a-offscreen",
		"#corePrice_feature_div .a-price .a-offscreen",
		"#corePriceDisplay_desktop_feature_div .a-price .a-offscreen",
		"#priceblock_dealprice",
		"#priceblock_ourprice",
		"#apex_desktop .a-price .a-offscreen",
	}
	// strikethrough list price, usually labelled "M.R.P."
	amazonOriginalSelectors = []string{
		"#corePriceDisplay_desktop_feature_div .basisPrice .a-offscreen",
		"#corePriceDisplay_desktop_feature_div .a-price.a-text-price .a-offscreen",
		"#corePrice_feature_div .a-text-price .a-offscreen",
		"#priceblock_listprice",
		"#listPrice",
	}
)

// Extract implements Extractor
func (a *AmazonExtractor) Extract(rawContent string) (Prices, error) {
	doc, err := parseDocument(rawContent)
	if err != nil {
		return Prices{}, err
	}

	priceText, _ := firstText(doc, amazonPriceSelectors)
	if priceText == "" {
		// whole/fraction split rendering: <span class="a-price-whole">1,299.</span><span class="a-price-fraction">00</span>
		whole := strings.TrimSpace(doc.Find(".priceToPay .a-price-whole, .a-price .a-price-whole").First().Text())
		fraction := strings.TrimSpace(doc.Find(".priceToPay .a-price-fraction, .a-price .a-price-fraction").First().Text())
		if whole != "" {
			priceText = whole
			if fraction != "" {
				priceText = strings.TrimSuffix(whole, ".") + "." + fraction
			}
		}
	}
	if priceText == "" {
		return Prices{}, fmt.Errorf("%w: amazon price element not found", ErrExtractionFailed)
	}

	current, err := ParsePrice(priceText, DotDecimal)
	if err != nil {
		return Prices{}, err
	}

	var original *decimal.Decimal
	if text, _ := firstText(doc, amazonOriginalSelectors); text != "" {
		parsed, err := ParsePrice(text, DotDecimal)
		if err != nil {
			return Prices{}, err
		}
		original = &parsed
	}

	return newPrices(a.Platform(), current, original)
}
