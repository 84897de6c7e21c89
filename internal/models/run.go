package models

import "sort"

// ErrorKind classifies why a product failed within a scrape run
type ErrorKind string

const (
	KindFetchError          ErrorKind = "FetchError"
	KindExtractionFailed    ErrorKind = "ExtractionFailed"
	KindTimeout             ErrorKind = "Timeout"
	KindUnsupportedPlatform ErrorKind = "UnsupportedPlatform"
	KindInvalidObservation  ErrorKind = "InvalidObservation"
	KindStoreFailed         ErrorKind = "StoreFailed"
	KindInvalidProduct      ErrorKind = "InvalidProduct"
)

// RunResult aggregates the per-product outcome of one scrape run.
// Skipped holds products whose observation was a duplicate write; they are
// neither a success nor a failure.
type RunResult struct {
	RunID     string                    `json:"run_id"`
	Succeeded []ProductName             `json:"succeeded"`
	Failed    map[ProductName]ErrorKind `json:"failed"`
	Skipped   []ProductName             `json:"skipped,omitempty"`
	Notified  []ProductName             `json:"notified,omitempty"`
	// Reports has one entry per processed product, in input order
	Reports []ProductReport `json:"reports"`
}

// Outcome of one product within a run
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// ProductReport is the per-product line of a run report. Price fields are
// empty when the product failed before extraction.
type ProductReport struct {
	Product         ProductName `json:"name"`
	Platform        Platform    `json:"platform"`
	Outcome         Outcome     `json:"outcome"`
	Error           ErrorKind   `json:"error,omitempty"`
	Detail          string      `json:"detail,omitempty"`
	CurrentPrice    string      `json:"current_price,omitempty"`
	Threshold       string      `json:"threshold"`
	Discount        string      `json:"discount,omitempty"`
	PriceChange     string      `json:"price_change,omitempty"`
	ThresholdStatus string      `json:"threshold_status,omitempty"`
	Notified        bool        `json:"notified"`
}

// NewRunResult returns an empty result with an initialized failure map
func NewRunResult(runID string) *RunResult {
	return &RunResult{
		RunID:     runID,
		Succeeded: []ProductName{},
		Failed:    make(map[ProductName]ErrorKind),
		Reports:   []ProductReport{},
	}
}

// FailedNames returns the failed product names in a stable order
func (r *RunResult) FailedNames() []ProductName {
	names := make([]ProductName, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Total is the number of products that were processed
func (r *RunResult) Total() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.Skipped)
}
