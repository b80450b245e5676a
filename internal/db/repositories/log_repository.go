// log_repository.go implements LogRepository for the two operational logs:
// the cross-module access log and the gateway request log. Both are append-only
// and written best-effort by their callers.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agencyos/module-platform/internal/db/models"
)

// LogRepository writes operational log rows.
type LogRepository struct {
	db *sqlx.DB
}

// NewLogRepository creates a new LogRepository
func NewLogRepository(db *sqlx.DB) *LogRepository {
	return &LogRepository{db: db}
}

// InsertAccessLog appends one cross-module access record.
func (r *LogRepository) InsertAccessLog(ctx context.Context, e *models.AccessLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	query := `
		INSERT INTO cross_module_access_log
			(source_module, target_module, table_name, operation, record_count, site_id, agency_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.SourceModule,
		e.TargetModule,
		e.TableName,
		e.Operation,
		e.RecordCount,
		e.SiteID,
		e.AgencyID,
		e.UserID,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert access log: %w", err)
	}
	return nil
}

// InsertRequestLog appends one gateway request record.
func (r *LogRepository) InsertRequestLog(ctx context.Context, l *models.GatewayRequestLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO gateway_request_log
			(module_id, site_id, method, path, auth_type, identity, status_code, latency_ms, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		l.ModuleID,
		l.SiteID,
		l.Method,
		l.Path,
		l.AuthType,
		l.Identity,
		l.StatusCode,
		l.LatencyMS,
		l.IPAddress,
		l.UserAgent,
		l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// ListAccessLog returns the most recent access records touching a module, as source or target.
func (r *LogRepository) ListAccessLog(ctx context.Context, module string, limit int) ([]models.AccessLogEntry, error) {
	query := `
		SELECT source_module, target_module, table_name, operation, record_count, site_id, agency_id, user_id, created_at
		FROM cross_module_access_log
		WHERE source_module = $1 OR target_module = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, module, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list access log: %w", err)
	}
	defer rows.Close()

	out := make([]models.AccessLogEntry, 0)
	for rows.Next() {
		var e models.AccessLogEntry
		if err := rows.Scan(&e.SourceModule, &e.TargetModule, &e.TableName, &e.Operation,
			&e.RecordCount, &e.SiteID, &e.AgencyID, &e.UserID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteRequestLogsBefore prunes gateway request rows older than cutoff.
func (r *LogRepository) DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM gateway_request_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune request log: %w", err)
	}
	return res.RowsAffected()
}
