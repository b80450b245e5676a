package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
)

// memStore keeps events in memory with the same filtering as the repository.
type memStore struct {
	mu      sync.Mutex
	events  []*models.ModuleEvent
	seq     int
	failAll error
}

func (s *memStore) InsertEvent(_ context.Context, e *models.ModuleEvent) error {
	if s.failAll != nil {
		return s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.ID = fmt.Sprintf("evt-%d", s.seq)
	e.CreatedAt = time.Now().Add(time.Duration(s.seq) * time.Millisecond)
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *memStore) ListPending(_ context.Context, siteID, target string, limit int) ([]*models.ModuleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ModuleEvent
	for _, e := range s.events {
		if e.SiteID != siteID || e.Processed {
			continue
		}
		if target != "" && e.TargetModuleID != nil && *e.TargetModuleID != target {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimPending selects and flips under one lock, like the single UPDATE the
// repository runs.
func (s *memStore) ClaimPending(_ context.Context, siteID string, limit int) ([]*models.ModuleEvent, error) {
	if s.failAll != nil {
		return nil, s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*models.ModuleEvent
	for _, e := range s.events {
		if e.SiteID == siteID && !e.Processed {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	now := time.Now()
	out := make([]*models.ModuleEvent, 0, len(pending))
	for _, e := range pending {
		e.Processed = true
		e.ProcessedAt = &now
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) MarkProcessed(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	now := time.Now()
	for _, e := range s.events {
		if want[e.ID] && !e.Processed {
			e.Processed = true
			e.ProcessedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.Processed && e.ProcessedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func (s *memStore) ListSitesWithPending(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range s.events {
		if !e.Processed && !seen[e.SiteID] && len(out) < limit {
			seen[e.SiteID] = true
			out = append(out, e.SiteID)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------

func TestEmit_ThenPendingThenProcessed(t *testing.T) {
	bus := NewBus(&memStore{})
	ctx := context.Background()

	e, err := bus.Emit(ctx, "booking", "S1", "data:created", map[string]string{"id": "r-1"}, "crm")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r-1"}`, string(e.Payload))

	pending, err := bus.GetPendingEvents(ctx, "crm", "S1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "data:created", pending[0].EventName)

	require.NoError(t, bus.MarkEventProcessed(ctx, e.ID))
	pending, err = bus.GetPendingEvents(ctx, "crm", "S1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := bus.MarkEventsProcessed(ctx, []string{e.ID})
	require.NoError(t, err)
	assert.Zero(t, n, "re-marking is a no-op")
}

func TestGetPendingEvents_TargetAndBroadcast(t *testing.T) {
	bus := NewBus(&memStore{})
	ctx := context.Background()
	_, _ = bus.Emit(ctx, "shop", "S1", "order:paid", nil, "crm")
	_, _ = bus.Emit(ctx, "shop", "S1", "order:paid", nil, "booking")
	_, _ = bus.Emit(ctx, "shop", "S1", "site:updated", nil, "")
	_, _ = bus.Emit(ctx, "shop", "S2", "order:paid", nil, "crm")

	pending, err := bus.GetPendingEvents(ctx, "crm", "S1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "order:paid", pending[0].EventName, "oldest first")
	assert.Nil(t, pending[1].TargetModuleID, "broadcasts are included")
}

func TestEmit_Validation(t *testing.T) {
	bus := NewBus(&memStore{})
	ctx := context.Background()

	_, err := bus.Emit(ctx, "crm", "S1", "", nil, "")
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
	_, err = bus.Emit(ctx, "crm", "", "x", nil, "")
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
	_, err = bus.Emit(ctx, "crm", "S1", "x", map[string]interface{}{"fn": func() {}}, "")
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed), "unserializable payload")
}

func TestEmit_StoreFailureIsQueryFailed(t *testing.T) {
	bus := NewBus(&memStore{failAll: errors.New("db down")})
	_, err := bus.Emit(context.Background(), "crm", "S1", "x", nil, "")
	assert.True(t, apperr.Is(err, apperr.CodeQueryFailed))
}

func TestRegisterHandler_Validation(t *testing.T) {
	bus := NewBus(&memStore{})
	assert.Error(t, bus.RegisterHandler("", func(context.Context, *models.ModuleEvent) error { return nil }))
	assert.Error(t, bus.RegisterHandler("data:*", nil))
	assert.Error(t, bus.RegisterHandler("[", func(context.Context, *models.ModuleEvent) error { return nil }))
}

func TestMatches(t *testing.T) {
	assert.True(t, matches("*", "anything:here"))
	assert.True(t, matches("data:created", "data:created"))
	assert.True(t, matches("data:*", "data:deleted"))
	assert.False(t, matches("data:*", "order:paid"))
	assert.False(t, matches("data:created", "data:deleted"))
}

func TestProcessAllPendingEvents_MarksDespiteFailures(t *testing.T) {
	store := &memStore{}
	bus := NewBus(store)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	record := func(tag string) Handler {
		return func(_ context.Context, e *models.ModuleEvent) error {
			mu.Lock()
			seen = append(seen, tag+":"+e.EventName)
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, bus.RegisterHandler("data:created", record("exact")))
	require.NoError(t, bus.RegisterHandler("data:*", record("glob")))
	require.NoError(t, bus.RegisterHandler("*", record("all")))
	require.NoError(t, bus.RegisterHandler("order:paid", func(context.Context, *models.ModuleEvent) error {
		return errors.New("downstream unavailable")
	}))
	require.NoError(t, bus.RegisterHandler("order:refunded", func(context.Context, *models.ModuleEvent) error {
		panic("boom")
	}))

	_, _ = bus.Emit(ctx, "crm", "S1", "data:created", nil, "")
	_, _ = bus.Emit(ctx, "shop", "S1", "order:paid", nil, "")
	_, _ = bus.Emit(ctx, "shop", "S1", "order:refunded", nil, "")

	res, err := bus.ProcessAllPendingEvents(ctx, "S1", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Failed)
	assert.Contains(t, seen, "exact:data:created")
	assert.Contains(t, seen, "glob:data:created")
	assert.Contains(t, seen, "all:order:paid")

	pending, err := bus.GetPendingEvents(ctx, "", "S1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed events are not retried")
}

func TestProcessAllPendingEvents_RespectsBatchSize(t *testing.T) {
	bus := NewBus(&memStore{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = bus.Emit(ctx, "crm", "S1", "tick", i, "")
	}
	res, err := bus.ProcessAllPendingEvents(ctx, "S1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	pending, _ := bus.GetPendingEvents(ctx, "", "S1", 10)
	assert.Len(t, pending, 3)
}

func TestProcessAllPendingEvents_OverlappingDrainsDeliverOnce(t *testing.T) {
	bus := NewBus(&memStore{})
	ctx := context.Background()
	const total = 200
	for i := 0; i < total; i++ {
		_, err := bus.Emit(ctx, "shop", "S1", "order:paid", i, "")
		require.NoError(t, err)
	}

	var mu sync.Mutex
	deliveries := map[string]int{}
	require.NoError(t, bus.RegisterHandler("order:paid", func(_ context.Context, e *models.ModuleEvent) error {
		mu.Lock()
		deliveries[e.ID]++
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := bus.ProcessAllPendingEvents(ctx, "S1", 7)
				if err != nil || res.Processed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, deliveries, total)
	for id, n := range deliveries {
		assert.Equal(t, 1, n, "event %s delivered %d times", id, n)
	}
	pending, err := bus.GetPendingEvents(ctx, "", "S1", total)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessAllPendingEvents_ClaimFailure(t *testing.T) {
	bus := NewBus(&memStore{failAll: errors.New("connection reset")})
	_, err := bus.ProcessAllPendingEvents(context.Background(), "S1", 10)
	assert.True(t, apperr.Is(err, apperr.CodeQueryFailed))

	_, err = bus.ProcessAllPendingEvents(context.Background(), "", 10)
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
}

func TestProcessPendingSites(t *testing.T) {
	bus := NewBus(&memStore{})
	ctx := context.Background()
	_, _ = bus.Emit(ctx, "crm", "S1", "a", nil, "")
	_, _ = bus.Emit(ctx, "crm", "S2", "b", nil, "")

	res, err := bus.ProcessPendingSites(ctx, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
}

func TestCleanupOldEvents(t *testing.T) {
	store := &memStore{}
	bus := NewBus(store)
	ctx := context.Background()

	old, _ := bus.Emit(ctx, "crm", "S1", "old", nil, "")
	fresh, _ := bus.Emit(ctx, "crm", "S1", "fresh", nil, "")
	_, _ = bus.Emit(ctx, "crm", "S1", "pending", nil, "")
	require.NoError(t, bus.MarkEventProcessed(ctx, old.ID))
	require.NoError(t, bus.MarkEventProcessed(ctx, fresh.ID))
	past := time.Now().AddDate(0, 0, -40)
	store.events[0].ProcessedAt = &past

	n, err := bus.CleanupOldEvents(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, store.events, 2)

	_, err = bus.CleanupOldEvents(ctx, 0)
	assert.True(t, apperr.Is(err, apperr.CodeValidationFailed))
}
