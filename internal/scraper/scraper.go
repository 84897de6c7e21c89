package scraper

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"price-tracker/internal/models"
)

var (
	// ErrExtractionFailed means the page markup was not recognized
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrUnsupportedPlatform means no extractor is registered for a platform
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Prices is what an extractor reads from a product page. Original is nil
// when the page shows no strikethrough/list price.
type Prices struct {
	Current  decimal.Decimal
	Original *decimal.Decimal
}

// Extractor turns raw page content into a price pair for one platform
type Extractor interface {
	Platform() models.Platform
	Extract(rawContent string) (Prices, error)
}

// Registry maps platform tags to extractors
type Registry struct {
	mu         sync.RWMutex
	extractors map[models.Platform]Extractor
}

// NewRegistry returns a registry with every bundled adapter
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[models.Platform]Extractor)}
	r.Register(NewAmazonExtractor())
	r.Register(NewFlipkartExtractor())
	r.Register(NewMercadoLivreExtractor())
	return r
}

// Register adds or replaces the extractor for its platform
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[e.Platform()] = e
}

// Get returns the extractor for a platform
func (r *Registry) Get(p models.Platform) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, p)
	}
	return e, nil
}

// Platforms lists the registered platform tags
func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.extractors))
	for p := range r.extractors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func parseDocument(rawContent string) (*goquery.Document, error) {
	if strings.TrimSpace(rawContent) == "" {
		return nil, fmt.Errorf("%w: empty page", ErrExtractionFailed)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawContent))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return doc, nil
}

// firstText returns the trimmed text of the first non-empty match, trying
// selectors in order.
func firstText(doc *goquery.Document, selectors []string) (string, string) {
	for _, selector := range selectors {
		var found string
		doc.Find(selector).EachWithBreak(func(i int, s *goquery.Selection) bool {
			text := strings.TrimSpace(s.Text())
			if text == "" {
				return true
			}
			found = text
			return false
		})
		if found != "" {
			return found, selector
		}
	}
	return "", ""
}

// newPrices validates an extracted pair. An original price equal to the
// current price is kept; one below it is rejected.
func newPrices(platform models.Platform, current decimal.Decimal, original *decimal.Decimal) (Prices, error) {
	if original != nil && original.LessThan(current) {
		return Prices{}, fmt.Errorf("%w: %s original price %s below current price %s",
			ErrExtractionFailed, platform, original.String(), current.String())
	}
	return Prices{Current: current, Original: original}, nil
}
