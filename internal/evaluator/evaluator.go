// Package evaluator derives discount, price change and threshold status from
// observations. Nothing here is persisted.
package evaluator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"price-tracker/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Evaluation is the change record for one observation. The price-change
// fields are nil when there is no prior observation, which is distinct from
// a zero change.
type Evaluation struct {
	DiscountPercent    decimal.Decimal  `json:"discount_percent"`
	PreviousPrice      *decimal.Decimal `json:"previous_price"`
	PriceChange        *decimal.Decimal `json:"price_change"`
	PriceChangePercent *decimal.Decimal `json:"price_change_percent"`
	ThresholdMet       bool             `json:"threshold_met"`
	// AboveThresholdBy is current - threshold when the threshold is not met
	AboveThresholdBy decimal.Decimal `json:"above_threshold_by"`
}

// Evaluate compares obs with the product's immediately preceding observation
func Evaluate(obs models.Observation, prior *models.Observation) Evaluation {
	ev := Evaluation{
		DiscountPercent: Discount(obs.CurrentPrice, obs.OriginalPrice),
		ThresholdMet:    obs.CurrentPrice.LessThanOrEqual(obs.Threshold),
	}
	if !ev.ThresholdMet {
		ev.AboveThresholdBy = obs.CurrentPrice.Sub(obs.Threshold)
	}

	if prior != nil {
		previous := prior.CurrentPrice
		change := obs.CurrentPrice.Sub(previous)
		ev.PreviousPrice = &previous
		ev.PriceChange = &change
		// a zero previous price has no meaningful percentage
		if !previous.IsZero() {
			pct := change.Div(previous).Mul(hundred).Round(2)
			ev.PriceChangePercent = &pct
		}
	}
	return ev
}

// Discount is max(0, (original-current)/original*100) rounded to one decimal
func Discount(current, original decimal.Decimal) decimal.Decimal {
	if original.IsZero() || !original.GreaterThan(current) {
		return decimal.Zero
	}
	return original.Sub(current).Div(original).Mul(hundred).Round(1)
}

// DiscountString formats the discount without a sign, e.g. "25.0%"
func (e Evaluation) DiscountString() string {
	return e.DiscountPercent.StringFixed(1) + "%"
}

// PriceChangeString formats the change with an explicit sign, e.g. "-25.00%",
// or "n/a" when there is no history yet.
func (e Evaluation) PriceChangeString() string {
	if e.PriceChangePercent == nil {
		return "n/a"
	}
	return signed(*e.PriceChangePercent, 2) + "%"
}

// Status is a short human-readable threshold status
func (e Evaluation) Status() string {
	if e.ThresholdMet {
		return "threshold met"
	}
	return fmt.Sprintf("above threshold by %s", e.AboveThresholdBy.StringFixed(2))
}

func signed(d decimal.Decimal, places int32) string {
	if d.IsNegative() {
		return d.StringFixed(places)
	}
	return "+" + d.StringFixed(places)
}
