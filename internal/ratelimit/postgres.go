package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresLimiter keeps one counter row per (key, window start) in
// rate_limit_counters. The upsert increments and returns the count in a
// single statement.
type PostgresLimiter struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresLimiter creates a PostgresLimiter.
func NewPostgresLimiter(db *sqlx.DB) *PostgresLimiter {
	return &PostgresLimiter{db: db, now: time.Now}
}

func (p *PostgresLimiter) Name() string { return BackendPostgres }

// Allow implements Limiter.
func (p *PostgresLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := p.now()
	if limit <= 0 {
		return unlimited(limit, now), nil
	}
	window = normalizeWindow(window)
	windowStart := now.UTC().Truncate(window)

	query := `
		INSERT INTO rate_limit_counters (bucket_key, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (bucket_key, window_start)
		DO UPDATE SET count = rate_limit_counters.count + 1
		RETURNING count
	`
	var count int64
	if err := p.db.QueryRowContext(ctx, query, key, windowStart).Scan(&count); err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return decide(count, limit, windowStart.Add(window)), nil
}

// DeleteBefore removes counter rows whose window started before cutoff.
func (p *PostgresLimiter) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rate_limit_counters WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rate limit counters: %w", err)
	}
	return res.RowsAffected()
}
