package scraper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"price-tracker/internal/models"
)

// MercadoLivreExtractor reads prices from Mercado Livre product pages.
// Amounts are rendered as a fraction span ("1.299") plus an optional cents
// span ("90").
type MercadoLivreExtractor struct{}

// NewMercadoLivreExtractor creates the Mercado Livre adapter
func NewMercadoLivreExtractor() *MercadoLivreExtractor {
	return &MercadoLivreExtractor{}
}

func (m *MercadoLivreExtractor) Platform() models.Platform { return models.PlatformMercadoLivre }

var (
	// promotional price first, then the plain price block
	mercadoLivrePriceSelectors = []string{
		".ui-pdp-price__second-line .andes-money-amount",
		".ui-pdp-price--size-large .andes-money-amount",
		"[data-testid='price'] .andes-money-amount",
		".ui-pdp-price__first-line .andes-money-amount:not(.andes-money-amount--previous)",
	}
	mercadoLivreOriginalSelectors = []string{
		".ui-pdp-price__original-value.andes-money-amount",
		".andes-money-amount--previous",
		".ui-pdp-price__original .andes-money-amount",
	}

	ldOffersPriceRe = regexp.MustCompile(`"offers"[^}]*"price"\s*:\s*"?([0-9]+(?:\.[0-9]{1,2})?)"?`)
)

// Extract implements Extractor
func (m *MercadoLivreExtractor) Extract(rawContent string) (Prices, error) {
	doc, err := parseDocument(rawContent)
	if err != nil {
		return Prices{}, err
	}

	current, ok, err := mercadoLivreAmount(doc, mercadoLivrePriceSelectors)
	if err != nil {
		return Prices{}, err
	}
	if !ok {
		// JSON-LD carries a machine-formatted price ("1299.9")
		var ldPrice string
		doc.Find("script[type='application/ld+json']").EachWithBreak(func(i int, s *goquery.Selection) bool {
			if match := ldOffersPriceRe.FindStringSubmatch(s.Text()); len(match) > 1 {
				ldPrice = match[1]
				return false
			}
			return true
		})
		if ldPrice == "" {
			return Prices{}, fmt.Errorf("%w: mercadolivre price element not found", ErrExtractionFailed)
		}
		current, err = ParsePrice(ldPrice, DotDecimal)
		if err != nil {
			return Prices{}, err
		}
	}

	var original *decimal.Decimal
	previous, ok, err := mercadoLivreAmount(doc, mercadoLivreOriginalSelectors)
	if err != nil {
		return Prices{}, err
	}
	if ok {
		original = &previous
	}

	return newPrices(m.Platform(), current, original)
}

// mercadoLivreAmount joins the fraction and cents spans of the first
// matching money-amount block.
func mercadoLivreAmount(doc *goquery.Document, selectors []string) (decimal.Decimal, bool, error) {
	for _, selector := range selectors {
		block := doc.Find(selector).First()
		if block.Length() == 0 {
			continue
		}
		fraction := strings.TrimSpace(block.Find(".andes-money-amount__fraction").First().Text())
		if fraction == "" {
			continue
		}
		text := fraction
		if cents := strings.TrimSpace(block.Find(".andes-money-amount__cents").First().Text()); cents != "" {
			text = fraction + "," + cents
		}
		price, err := ParsePrice(text, CommaDecimal)
		if err != nil {
			return decimal.Decimal{}, false, err
		}
		return price, true, nil
	}
	return decimal.Decimal{}, false, nil
}
