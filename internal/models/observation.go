package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidObservation is returned when a price pair breaks the
// current <= original invariant or a price is negative.
var ErrInvalidObservation = errors.New("invalid observation")

// Observation is one price reading for one product at one instant.
// It is immutable once written to the history store.
type Observation struct {
	Product       ProductName     `json:"name"`
	URL           string          `json:"url"`
	Platform      Platform        `json:"platform"`
	ObservedAt    time.Time       `json:"date"`
	CurrentPrice  decimal.Decimal `json:"price"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	Threshold     decimal.Decimal `json:"threshold"`
}

// NewObservation builds an observation for a product from an extracted price
// pair. A missing original price defaults to the current price. The threshold
// is copied so history keeps what was true at scrape time.
func NewObservation(p Product, current decimal.Decimal, original *decimal.Decimal, at time.Time) (Observation, error) {
	orig := current
	if original != nil {
		orig = *original
	}
	obs := Observation{
		Product:       p.Name,
		URL:           p.URL,
		Platform:      p.Platform,
		ObservedAt:    Timestamp(at),
		CurrentPrice:  current,
		OriginalPrice: orig,
		Threshold:     p.Threshold,
	}
	if err := obs.Validate(); err != nil {
		return Observation{}, err
	}
	return obs, nil
}

// Validate enforces 0 <= current <= original
func (o Observation) Validate() error {
	if o.CurrentPrice.IsNegative() {
		return fmt.Errorf("%w: %s current price %s is negative", ErrInvalidObservation, o.Product, o.CurrentPrice)
	}
	if o.OriginalPrice.LessThan(o.CurrentPrice) {
		return fmt.Errorf("%w: %s original price %s below current price %s",
			ErrInvalidObservation, o.Product, o.OriginalPrice, o.CurrentPrice)
	}
	return nil
}

// Timestamp normalizes an instant to the precision kept by every history
// backend: UTC, microseconds.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
