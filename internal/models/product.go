package models

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// ProductName is the unique, human-readable key of a tracked product
type ProductName string

// Platform identifies the retailer a product is sold on
type Platform string

const (
	PlatformAmazon       Platform = "amazon"
	PlatformFlipkart     Platform = "flipkart"
	PlatformMercadoLivre Platform = "mercadolivre"
)

// ParsePlatform normalizes a platform tag. Unknown tags are returned as-is
// so that a registry can reference an adapter registered later.
func ParsePlatform(s string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(s)))
}

// PlatformFromURL infers the platform from the host of a product URL
func PlatformFromURL(raw string) (Platform, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "amazon."):
		return PlatformAmazon, true
	case strings.Contains(host, "flipkart."):
		return PlatformFlipkart, true
	case strings.Contains(host, "mercadolivre."), strings.Contains(host, "mercadolibre."):
		return PlatformMercadoLivre, true
	}
	return "", false
}

// Product is one entry of the tracked-product registry. The registry owns it;
// the scrape pipeline only reads it.
type Product struct {
	Name      ProductName     `json:"name" yaml:"name"`
	URL       string          `json:"url" yaml:"url"`
	Platform  Platform        `json:"platform" yaml:"platform"`
	Threshold decimal.Decimal `json:"threshold" yaml:"-"`
}

// Validate checks the fields the pipeline depends on
func (p Product) Validate() error {
	if strings.TrimSpace(string(p.Name)) == "" {
		return fmt.Errorf("product name is empty")
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("product %q: url is empty", p.Name)
	}
	if p.Platform == "" {
		return fmt.Errorf("product %q: platform is empty", p.Name)
	}
	if !p.Threshold.IsPositive() {
		return fmt.Errorf("product %q: threshold must be positive", p.Name)
	}
	return nil
}
