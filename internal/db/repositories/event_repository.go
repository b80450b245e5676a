// event_repository.go implements EventRepository, the durable queue behind the
// module event bus.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/agencyos/module-platform/internal/db/models"
)

const eventColumns = `id, event_name, source_module_id, target_module_id, site_id, payload, processed, processed_at, created_at`

// EventRepository handles module event database operations
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// InsertEvent stores a pending event
func (r *EventRepository) InsertEvent(ctx context.Context, e *models.ModuleEvent) error {
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now()
	e.Processed = false

	query := `
		INSERT INTO module_events (id, event_name, source_module_id, target_module_id, site_id, payload, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.EventName,
		e.SourceModuleID,
		e.TargetModuleID,
		e.SiteID,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListPending returns unprocessed events of a site, oldest first. A non-empty
// targetModuleID narrows the result to events addressed to that module plus
// broadcasts.
func (r *EventRepository) ListPending(ctx context.Context, siteID, targetModuleID string, limit int) ([]*models.ModuleEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM module_events
		WHERE site_id = $1 AND processed = false
		  AND ($2 = '' OR target_module_id = $2 OR target_module_id IS NULL)
		ORDER BY created_at ASC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, siteID, targetModuleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ClaimPending marks up to limit of the site's oldest pending events processed
// and returns them, in one statement. Rows locked by a concurrent claim are
// skipped, so each event is handed to exactly one drain.
func (r *EventRepository) ClaimPending(ctx context.Context, siteID string, limit int) ([]*models.ModuleEvent, error) {
	query := `UPDATE module_events SET processed = true, processed_at = now()
		WHERE id IN (
			SELECT id FROM module_events
			WHERE site_id = $1 AND processed = false
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + eventColumns
	rows, err := r.db.QueryContext(ctx, query, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING has no order
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]*models.ModuleEvent, error) {
	events := make([]*models.ModuleEvent, 0)
	for rows.Next() {
		e := &models.ModuleEvent{}
		var payload []byte
		if err := rows.Scan(
			&e.ID,
			&e.EventName,
			&e.SourceModuleID,
			&e.TargetModuleID,
			&e.SiteID,
			&payload,
			&e.Processed,
			&e.ProcessedAt,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkProcessed flips the given events to processed. Events already processed
// are left untouched so processed_at keeps its first value.
func (r *EventRepository) MarkProcessed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE module_events SET processed = true, processed_at = now() WHERE id::text = ANY($1) AND processed = false`,
		pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to mark events processed: %w", err)
	}
	return res.RowsAffected()
}

// DeleteProcessedBefore removes processed events older than cutoff.
func (r *EventRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM module_events WHERE processed = true AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return res.RowsAffected()
}

// ListSitesWithPending returns up to limit distinct sites that have unprocessed events.
func (r *EventRepository) ListSitesWithPending(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT site_id FROM module_events WHERE processed = false LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites with pending events: %w", err)
	}
	defer rows.Close()

	sites := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sites = append(sites, id)
	}
	return sites, rows.Err()
}
