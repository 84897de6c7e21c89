package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"price-tracker/internal/models"
)

var (
	_ Store = (*DB)(nil)
	_ Store = (*PostgresDB)(nil)
)

// PostgresDB is the PostgreSQL history store
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and creates the schema
func NewPostgres(ctx context.Context, dsn string) (*PostgresDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &PostgresDB{pool: pool}
	if err := db.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (db *PostgresDB) init(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS price_history (
	id BIGSERIAL PRIMARY KEY,
	product_name TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	current_price NUMERIC NOT NULL,
	original_price NUMERIC NOT NULL,
	threshold NUMERIC NOT NULL,
	UNIQUE (product_name, observed_at)
);
CREATE INDEX IF NOT EXISTS idx_price_history_recent ON price_history (observed_at DESC);
`)
	return err
}

// Close releases the pool
func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Append writes one observation. A transaction-scoped advisory lock on the
// product name serializes the ordering check against concurrent writers.
func (db *PostgresDB) Append(ctx context.Context, obs models.Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	at := models.Timestamp(obs.ObservedAt)

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(obs.Product)); err != nil {
		return err
	}

	var latest *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT MAX(observed_at) FROM price_history WHERE product_name = $1`,
		string(obs.Product),
	).Scan(&latest); err != nil {
		return err
	}
	if latest != nil {
		switch {
		case latest.Equal(at):
			return fmt.Errorf("%w: %s at %s", ErrDuplicateTimestamp, obs.Product, at.Format(time.RFC3339Nano))
		case latest.After(at):
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM price_history WHERE product_name = $1 AND observed_at = $2)`,
				string(obs.Product), at,
			).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s at %s", ErrDuplicateTimestamp, obs.Product, at.Format(time.RFC3339Nano))
			}
			return fmt.Errorf("%w: %s at %s", ErrOutOfOrder, obs.Product, at.Format(time.RFC3339Nano))
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO price_history (product_name, url, platform, observed_at, current_price, original_price, threshold)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric)`,
		string(obs.Product), obs.URL, string(obs.Platform), at,
		obs.CurrentPrice.String(), obs.OriginalPrice.String(), obs.Threshold.String(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s at %s", ErrDuplicateTimestamp, obs.Product, at.Format(time.RFC3339Nano))
		}
		return err
	}
	return tx.Commit(ctx)
}

const pgSelectColumns = `product_name, url, platform, observed_at, current_price::text, original_price::text, threshold::text`

// Latest returns the most recent observation for a product
func (db *PostgresDB) Latest(ctx context.Context, name models.ProductName) (models.Observation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+pgSelectColumns+` FROM price_history WHERE product_name = $1 ORDER BY observed_at DESC LIMIT 1`,
		string(name))
	if err != nil {
		return models.Observation{}, err
	}
	out, err := pgScanObservations(rows)
	if err != nil {
		return models.Observation{}, err
	}
	if len(out) == 0 {
		return models.Observation{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out[0], nil
}

// History returns up to limit observations for a product, newest first
func (db *PostgresDB) History(ctx context.Context, name models.ProductName, limit int) ([]models.Observation, error) {
	if noRows(limit) {
		return []models.Observation{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+pgSelectColumns+` FROM price_history WHERE product_name = $1 ORDER BY observed_at DESC LIMIT $2`,
		string(name), limit)
	if err != nil {
		return nil, err
	}
	return pgScanObservations(rows)
}

// Recent returns the newest observations across every product
func (db *PostgresDB) Recent(ctx context.Context, limit int) ([]models.Observation, error) {
	if noRows(limit) {
		return []models.Observation{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+pgSelectColumns+` FROM price_history ORDER BY observed_at DESC, id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	return pgScanObservations(rows)
}

// LatestAll returns a snapshot for every name, see DB.LatestAll
func (db *PostgresDB) LatestAll(ctx context.Context, names []models.ProductName) (map[models.ProductName]Snapshot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (product_name) `+pgSelectColumns+`
		FROM price_history
		ORDER BY product_name, observed_at DESC`)
	if err != nil {
		return nil, err
	}
	observations, err := pgScanObservations(rows)
	if err != nil {
		return nil, err
	}
	latest := make(map[models.ProductName]models.Observation, len(observations))
	for _, obs := range observations {
		latest[obs.Product] = obs
	}
	return snapshots(names, latest), nil
}

func pgScanObservations(rows pgx.Rows) ([]models.Observation, error) {
	defer rows.Close()

	out := []models.Observation{}
	for rows.Next() {
		var (
			r  row
			at time.Time
		)
		if err := rows.Scan(&r.name, &r.url, &r.platform, &at, &r.current, &r.original, &r.threshold); err != nil {
			return nil, err
		}
		r.observedAt = at.UnixMicro()
		obs, err := r.observation()
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}
