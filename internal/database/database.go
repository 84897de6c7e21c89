package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"price-tracker/internal/models"
)

const (
	// DriverSQLite3 is the cgo driver
	DriverSQLite3 = "sqlite3"
	// DriverSQLite is the pure-Go driver
	DriverSQLite = "sqlite"
	// DriverPostgres selects the PostgreSQL backend
	DriverPostgres = "postgres"
)

// DB is the SQLite history store
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the SQLite database at dbPath
func New(driver, dbPath string) (*DB, error) {
	if driver == "" {
		driver = DriverSQLite3
	}
	conn, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, err
	}
	// one writer; concurrent appends queue on the pool instead of failing with SQLITE_BUSY
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS price_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		current_price TEXT NOT NULL,
		original_price TEXT NOT NULL,
		threshold TEXT NOT NULL,
		UNIQUE(product_name, observed_at)
	);
	CREATE INDEX IF NOT EXISTS idx_price_history_recent ON price_history(observed_at DESC);
	`
	if _, err := db.conn.Exec(createTableSQL); err != nil {
		return err
	}
	return nil
}

// Append writes one observation atomically. It fails with
// ErrDuplicateTimestamp when (product, timestamp) already exists and with
// ErrOutOfOrder when the product already has a newer observation.
func (db *DB) Append(ctx context.Context, obs models.Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	at := toMicros(obs.ObservedAt)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(observed_at) FROM price_history WHERE product_name = ?",
		string(obs.Product),
	).Scan(&latest); err != nil {
		return err
	}
	if latest.Valid {
		switch {
		case latest.Int64 == at:
			return fmt.Errorf("%w: %s at %s", ErrDuplicateTimestamp, obs.Product, obs.ObservedAt.Format(time.RFC3339Nano))
		case latest.Int64 > at:
			var exists int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM price_history WHERE product_name = ? AND observed_at = ?",
				string(obs.Product), at,
			).Scan(&exists)
			if err == nil {
				return fmt.Errorf("%w: %s at %s", ErrDuplicateTimestamp, obs.Product, obs.ObservedAt.Format(time.RFC3339Nano))
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("%w: %s at %s", ErrOutOfOrder, obs.Product, obs.ObservedAt.Format(time.RFC3339Nano))
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO price_history (product_name, url, platform, observed_at, current_price, original_price, threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(obs.Product), obs.URL, string(obs.Platform), at,
		obs.CurrentPrice.String(), obs.OriginalPrice.String(), obs.Threshold.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s at %s", ErrDuplicateTimestamp, obs.Product, obs.ObservedAt.Format(time.RFC3339Nano))
		}
		return err
	}
	return tx.Commit()
}

const selectColumns = "product_name, url, platform, observed_at, current_price, original_price, threshold"

// Latest returns the most recent observation for a product
func (db *DB) Latest(ctx context.Context, name models.ProductName) (models.Observation, error) {
	var r row
	err := db.conn.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM price_history WHERE product_name = ? ORDER BY observed_at DESC LIMIT 1",
		string(name),
	).Scan(&r.name, &r.url, &r.platform, &r.observedAt, &r.current, &r.original, &r.threshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Observation{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return models.Observation{}, err
	}
	return r.observation()
}

// History returns up to limit observations for a product, newest first.
// An unknown product yields an empty slice.
func (db *DB) History(ctx context.Context, name models.ProductName, limit int) ([]models.Observation, error) {
	if noRows(limit) {
		return []models.Observation{}, nil
	}
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM price_history WHERE product_name = ? ORDER BY observed_at DESC LIMIT ?",
		string(name), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanObservations(rows)
}

// Recent returns the newest observations across every product
func (db *DB) Recent(ctx context.Context, limit int) ([]models.Observation, error) {
	if noRows(limit) {
		return []models.Observation{}, nil
	}
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM price_history ORDER BY observed_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	return scanObservations(rows)
}

// LatestAll returns a snapshot for every name. Names without observations
// get the unscraped marker. A nil names slice reports every product present
// in the history.
func (db *DB) LatestAll(ctx context.Context, names []models.ProductName) (map[models.ProductName]Snapshot, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT h.product_name, h.url, h.platform, h.observed_at, h.current_price, h.original_price, h.threshold
	FROM price_history h
	JOIN (
		SELECT product_name, MAX(observed_at) AS observed_at
		FROM price_history
		GROUP BY product_name
	) latest ON latest.product_name = h.product_name AND latest.observed_at = h.observed_at`)
	if err != nil {
		return nil, err
	}
	observations, err := scanObservations(rows)
	if err != nil {
		return nil, err
	}
	latest := make(map[models.ProductName]models.Observation, len(observations))
	for _, obs := range observations {
		latest[obs.Product] = obs
	}
	return snapshots(names, latest), nil
}

func scanObservations(rows *sql.Rows) ([]models.Observation, error) {
	defer rows.Close()

	out := []models.Observation{}
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.name, &r.url, &r.platform, &r.observedAt, &r.current, &r.original, &r.threshold); err != nil {
			return nil, err
		}
		obs, err := r.observation()
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// both sqlite drivers report "UNIQUE constraint failed: ..."
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMicros(t time.Time) int64 {
	return models.Timestamp(t).UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
