package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MetaKeyLastFill holds the time of the most recent successful sync.
const MetaKeyLastFill = "last_fill"

// MetaRepository reads the key/value meta table.
type MetaRepository struct {
	db *sql.DB
}

func NewMetaRepository(db *sql.DB) *MetaRepository {
	return &MetaRepository{db: db}
}

// LastFill returns the time of the last successful sync, or ErrNotFound when
// no sync has completed or the schema does not exist yet.
func (r *MetaRepository) LastFill(ctx context.Context) (time.Time, error) {
	return lastFill(ctx, r.db)
}

func lastFill(ctx context.Context, q Querier) (time.Time, error) {
	const query = `SELECT value FROM meta WHERE key = $1`
	var raw string
	if err := q.QueryRowContext(ctx, query, MetaKeyLastFill).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", MetaKeyLastFill, err)
	}
	return t, nil
}
