package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyos/module-platform/internal/config"
)

// ---------------------------------------------------------------------------
// Memory backend
// ---------------------------------------------------------------------------

func TestMemoryLimiter_DeniesRequestOverLimit(t *testing.T) {
	m := NewMemoryLimiter(0)
	base := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)
	m.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := m.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 3-i, d.Remaining)
		assert.Equal(t, base.Truncate(time.Minute).Add(time.Minute), d.Reset)
	}
	d, err := m.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	other, err := m.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")
}

func TestMemoryLimiter_ResetsAfterWindow(t *testing.T) {
	m := NewMemoryLimiter(0)
	now := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = m.Allow(ctx, "k", 1, time.Minute)
	d, _ := m.Allow(ctx, "k", 1, time.Minute)
	require.False(t, d.Allowed)

	now = now.Add(time.Minute)
	d, err := m.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_Unlimited(t *testing.T) {
	m := NewMemoryLimiter(0)
	for i := 0; i < 10; i++ {
		d, err := m.Allow(context.Background(), "k", 0, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Empty(t, m.data)
}

func TestMemoryLimiter_ConcurrentExactlyLimit(t *testing.T) {
	m := NewMemoryLimiter(0)
	const limit = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.Allow(context.Background(), "k", limit, time.Hour)
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, allowed)
}

func TestMemoryLimiter_CapacityAndCleanup(t *testing.T) {
	m := NewMemoryLimiter(2)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := m.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	_, err = m.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	_, err = m.Allow(ctx, "c", 1, time.Minute)
	assert.Error(t, err)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, m.Cleanup())
	_, err = m.Allow(ctx, "c", 1, time.Minute)
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Postgres backend
// ---------------------------------------------------------------------------

func newPostgres(t *testing.T) (*PostgresLimiter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresLimiter(sqlx.NewDb(db, "sqlmock")), mock
}

func TestPostgresLimiter_Allow(t *testing.T) {
	p, mock := newPostgres(t)
	now := time.Date(2026, 1, 1, 12, 0, 42, 0, time.UTC)
	p.now = func() time.Time { return now }
	windowStart := now.Truncate(time.Minute)

	mock.ExpectQuery("INSERT INTO rate_limit_counters").
		WithArgs("apikey:k1:crm", windowStart).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(60))
	mock.ExpectQuery("INSERT INTO rate_limit_counters").
		WithArgs("apikey:k1:crm", windowStart).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(61))

	d, err := p.Allow(context.Background(), "apikey:k1:crm", 60, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, windowStart.Add(time.Minute), d.Reset)

	d, err = p.Allow(context.Background(), "apikey:k1:crm", 60, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLimiter_Error(t *testing.T) {
	p, mock := newPostgres(t)
	mock.ExpectQuery("INSERT INTO rate_limit_counters").WillReturnError(errors.New("connection reset"))

	_, err := p.Allow(context.Background(), "k", 10, time.Minute)
	assert.Error(t, err)
}

func TestPostgresLimiter_DeleteBefore(t *testing.T) {
	p, mock := newPostgres(t)
	cutoff := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM rate_limit_counters WHERE window_start < \\$1").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := p.DeleteBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

// ---------------------------------------------------------------------------
// Redis backends and factory
// ---------------------------------------------------------------------------

func TestRedisLimiters_RequireAddr(t *testing.T) {
	_, err := NewRedisLimiter("", "", 0)
	assert.Error(t, err)
	_, err = NewGCRALimiter("", "", 0)
	assert.Error(t, err)
}

func TestRedisLimiter_UnreachableServerErrors(t *testing.T) {
	r, err := NewRedisLimiter("127.0.0.1:1", "", 0)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = r.Allow(ctx, "k", 5, time.Minute)
	assert.Error(t, err)

	d, err := r.Allow(ctx, "k", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "unlimited never touches redis")
}

func TestNew_SelectsBackend(t *testing.T) {
	cfg := &config.Config{}

	cfg.RateLimiting.Backend = BackendMemory
	l, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, l.Name())

	cfg.RateLimiting.Backend = BackendPostgres
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.RateLimiting.Backend = BackendRedisGCRA
	cfg.Redis.Addr = "127.0.0.1:6379"
	l, err = New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendRedisGCRA, l.Name())

	cfg.RateLimiting.Backend = "carrier-pigeon"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("down")
}
func (failingLimiter) Name() string { return "failing" }

func TestCheck_PassesThroughErrors(t *testing.T) {
	_, err := Check(context.Background(), failingLimiter{}, "k", 1, time.Minute)
	assert.Error(t, err)

	d, err := Check(context.Background(), NewMemoryLimiter(0), "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
