// Package report answers the read-side queries: the per-product summary
// and price history.
package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"price-tracker/internal/database"
	"price-tracker/internal/evaluator"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
)

// ProductSummary is one row of the summary view. Every price field is nil
// while Status is "pending".
type ProductSummary struct {
	Name               models.ProductName `json:"name"`
	URL                string             `json:"url"`
	Platform           models.Platform    `json:"platform"`
	Threshold          decimal.Decimal    `json:"threshold"`
	Status             string             `json:"status"`
	CurrentPrice       *decimal.Decimal   `json:"current_price"`
	OriginalPrice      *decimal.Decimal   `json:"original_price"`
	PreviousPrice      *decimal.Decimal   `json:"previous_price"`
	PriceChange        *decimal.Decimal   `json:"price_change"`
	PriceChangePercent *decimal.Decimal   `json:"price_change_percent"`
	DiscountPercent    *decimal.Decimal   `json:"discount_percent"`
	ThresholdMet       *bool              `json:"threshold_met"`
	LastUpdated        *time.Time         `json:"last_updated"`
}

// Pending reports whether the product has never been scraped
func (s ProductSummary) Pending() bool { return s.Status == database.StatusPending }

// Service runs the queries against a history store
type Service struct {
	store database.Store
	log   *logger.Logger
}

func New(store database.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, log: log.With("component", "report")}
}

// Summary joins the registry with the latest observations, in registry
// order. The threshold always comes from the registry, so a changed
// threshold is reflected without rescraping.
func (s *Service) Summary(ctx context.Context, products []models.Product) ([]ProductSummary, error) {
	names := make([]models.ProductName, 0, len(products))
	for _, p := range products {
		names = append(names, p.Name)
	}
	snaps, err := s.store.LatestAll(ctx, names)
	if err != nil {
		return nil, err
	}

	out := make([]ProductSummary, 0, len(products))
	for _, p := range products {
		row := ProductSummary{
			Name:      p.Name,
			URL:       p.URL,
			Platform:  p.Platform,
			Threshold: p.Threshold,
			Status:    database.StatusPending,
		}
		snap := snaps[p.Name]
		if !snap.Scraped() {
			out = append(out, row)
			continue
		}

		history, err := s.store.History(ctx, p.Name, 2)
		if err != nil {
			return nil, err
		}
		var prior *models.Observation
		if len(history) == 2 {
			prior = &history[1]
		}

		latest := *snap.Observation
		latest.Threshold = p.Threshold
		ev := evaluator.Evaluate(latest, prior)

		current, original := latest.CurrentPrice, latest.OriginalPrice
		discount := ev.DiscountPercent
		met := ev.ThresholdMet
		updated := latest.ObservedAt

		row.Status = database.StatusScraped
		row.CurrentPrice = &current
		row.OriginalPrice = &original
		row.PreviousPrice = ev.PreviousPrice
		row.PriceChange = ev.PriceChange
		row.PriceChangePercent = ev.PriceChangePercent
		row.DiscountPercent = &discount
		row.ThresholdMet = &met
		row.LastUpdated = &updated
		out = append(out, row)
	}
	s.log.Debug("Summary built", "products", len(out))
	return out, nil
}

// History returns at most limit observations, newest first. An empty name
// returns the most recent observations across all products; an unknown name
// or a non-positive limit returns an empty slice.
func (s *Service) History(ctx context.Context, name models.ProductName, limit int) ([]models.Observation, error) {
	if name == "" {
		return s.store.Recent(ctx, limit)
	}
	return s.store.History(ctx, name, limit)
}
