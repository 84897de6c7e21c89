package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"price-tracker/internal/models"
)

var (
	// ErrDuplicateTimestamp means an observation already exists for the
	// same product at the same instant
	ErrDuplicateTimestamp = errors.New("duplicate timestamp")
	// ErrOutOfOrder means the observation is older than the product's latest
	ErrOutOfOrder = errors.New("observation older than latest")
	// ErrNotFound means the product has no observations
	ErrNotFound = errors.New("not found")
)

// DefaultHistoryLimit is the row count callers ask for when the user gives none
const DefaultHistoryLimit = 100

// Store is the append-only price history ledger
type Store interface {
	Append(ctx context.Context, obs models.Observation) error
	Latest(ctx context.Context, name models.ProductName) (models.Observation, error)
	History(ctx context.Context, name models.ProductName, limit int) ([]models.Observation, error)
	Recent(ctx context.Context, limit int) ([]models.Observation, error)
	LatestAll(ctx context.Context, names []models.ProductName) (map[models.ProductName]Snapshot, error)
	Close() error
}

// Snapshot is the latest observation of a product, or the unscraped marker
// when Observation is nil.
type Snapshot struct {
	Product     models.ProductName
	Observation *models.Observation
}

const (
	StatusScraped = "scraped"
	StatusPending = "pending"
)

// Scraped reports whether the product has at least one observation
func (s Snapshot) Scraped() bool { return s.Observation != nil }

// Status is "scraped" or "pending"
func (s Snapshot) Status() string {
	if s.Scraped() {
		return StatusScraped
	}
	return StatusPending
}

// Open picks a backend by driver name: "sqlite3" (cgo), "sqlite" (pure Go)
// or "postgres".
func Open(ctx context.Context, driver, path, databaseURL string) (Store, error) {
	switch driver {
	case DriverSQLite3, DriverSQLite:
		db, err := New(driver, path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case DriverPostgres:
		if databaseURL == "" {
			return nil, fmt.Errorf("postgres driver selected but DATABASE_URL is empty")
		}
		db, err := NewPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// noRows reports whether limit asks for nothing; the stores then answer with
// an empty slice without querying.
func noRows(limit int) bool { return limit <= 0 }

// row is the storage form shared by both backends. Prices travel as decimal
// strings so no backend rounds them through float64.
type row struct {
	name       string
	url        string
	platform   string
	observedAt int64
	current    string
	original   string
	threshold  string
}

func (r row) observation() (models.Observation, error) {
	current, err := decimal.NewFromString(r.current)
	if err != nil {
		return models.Observation{}, fmt.Errorf("current_price %q: %w", r.current, err)
	}
	original, err := decimal.NewFromString(r.original)
	if err != nil {
		return models.Observation{}, fmt.Errorf("original_price %q: %w", r.original, err)
	}
	threshold, err := decimal.NewFromString(r.threshold)
	if err != nil {
		return models.Observation{}, fmt.Errorf("threshold %q: %w", r.threshold, err)
	}
	return models.Observation{
		Product:       models.ProductName(r.name),
		URL:           r.url,
		Platform:      models.Platform(r.platform),
		ObservedAt:    fromMicros(r.observedAt),
		CurrentPrice:  current,
		OriginalPrice: original,
		Threshold:     threshold,
	}, nil
}

func snapshots(names []models.ProductName, latest map[models.ProductName]models.Observation) map[models.ProductName]Snapshot {
	out := make(map[models.ProductName]Snapshot, len(names)+len(latest))
	for _, name := range names {
		out[name] = Snapshot{Product: name}
	}
	for name, obs := range latest {
		if names != nil {
			if _, requested := out[name]; !requested {
				continue
			}
		}
		o := obs
		out[name] = Snapshot{Product: name, Observation: &o}
	}
	return out
}
