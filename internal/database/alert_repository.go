package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// AlertRepository handles alert persistence and the batched dedup lookup
// the consolidation protocol depends on.
type AlertRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(db *sqlx.DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{BaseRepository: BaseRepository{db: db}, logger: logger}
}

// Create inserts a new alert.
func (r *AlertRepository) Create(ctx context.Context, q sqlx.ExtContext, alert *Alert) error {
	query := `
		INSERT INTO alerts (
			id, organization_id, evaluation_result_id, rule_version_id,
			transaction_id, account_id, dedup_key, severity, category, status,
			message, metadata, suppressed_count, resolved_at, resolved_by,
			created_at, updated_at
		) VALUES (
			:id, :organization_id, :evaluation_result_id, :rule_version_id,
			:transaction_id, :account_id, :dedup_key, :severity, :category, :status,
			:message, :metadata, :suppressed_count, :resolved_at, :resolved_by,
			:created_at, :updated_at
		)`

	alert.CreatedAt = time.Now().UTC()
	alert.UpdatedAt = alert.CreatedAt

	if _, err := sqlx.NamedExecContext(ctx, q, query, alert); err != nil {
		r.logger.Error("Failed to create alert", "alert_id", alert.ID, "error", err)
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// GetByID retrieves an alert by ID within an organization.
func (r *AlertRepository) GetByID(ctx context.Context, q sqlx.ExtContext, orgID, id string) (*Alert, error) {
	query := `
		SELECT * FROM alerts
		WHERE id = $1 AND organization_id = $2`

	var alert Alert
	if err := sqlx.GetContext(ctx, q, &alert, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get alert", "alert_id", id, "error", err)
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return &alert, nil
}

// ListOpenByDedupKeys batch-loads the non-terminal alerts matching any of
// the dedup keys, row-locked so concurrent consolidations of the same key
// serialize at the database.
func (r *AlertRepository) ListOpenByDedupKeys(ctx context.Context, q sqlx.ExtContext, orgID string, keys []string) ([]*Alert, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT * FROM alerts
		WHERE organization_id = ? AND dedup_key IN (?)
		AND status NOT IN ('RESOLVED', 'DISMISSED')
		FOR UPDATE`, orgID, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to build dedup lookup query: %w", err)
	}
	query = q.Rebind(query)

	var alerts []*Alert
	if err := sqlx.SelectContext(ctx, q, &alerts, query, args...); err != nil {
		r.logger.Error("Failed to list alerts by dedup keys", "organization_id", orgID, "error", err)
		return nil, fmt.Errorf("failed to list alerts by dedup keys: %w", err)
	}
	return alerts, nil
}

// Consolidate persists a suppression: the incremented suppressed_count and
// the appended metadata of an existing non-terminal alert.
func (r *AlertRepository) Consolidate(ctx context.Context, q sqlx.ExtContext, alert *Alert) error {
	query := `
		UPDATE alerts SET
			suppressed_count = :suppressed_count,
			metadata = :metadata,
			updated_at = :updated_at
		WHERE id = :id AND organization_id = :organization_id
		AND status NOT IN ('RESOLVED', 'DISMISSED')`

	alert.UpdatedAt = time.Now().UTC()

	result, err := sqlx.NamedExecContext(ctx, q, query, alert)
	if err != nil {
		r.logger.Error("Failed to consolidate alert", "alert_id", alert.ID, "error", err)
		return fmt.Errorf("failed to consolidate alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found or terminal: %s", alert.ID)
	}
	return nil
}

// UpdateStatus transitions an alert's status, stamping resolved_at and
// resolved_by for terminal transitions. Legality of the transition is the
// service's concern.
func (r *AlertRepository) UpdateStatus(ctx context.Context, q sqlx.ExtContext, alert *Alert) error {
	query := `
		UPDATE alerts SET
			status = :status,
			resolved_at = :resolved_at,
			resolved_by = :resolved_by,
			updated_at = :updated_at
		WHERE id = :id AND organization_id = :organization_id`

	alert.UpdatedAt = time.Now().UTC()

	result, err := sqlx.NamedExecContext(ctx, q, query, alert)
	if err != nil {
		r.logger.Error("Failed to update alert status", "alert_id", alert.ID, "error", err)
		return fmt.Errorf("failed to update alert status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found: %s", alert.ID)
	}
	return nil
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Status    string
	Severity  string
	AccountID string
	Limit     int
	Offset    int
}

// List retrieves alerts in an organization with optional filtering.
func (r *AlertRepository) List(ctx context.Context, q sqlx.ExtContext, orgID string, filter AlertFilter) ([]*Alert, error) {
	conditions := []string{"organization_id = $1"}
	args := []interface{}{orgID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		conditions = append(conditions, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT * FROM alerts
		WHERE %s
		ORDER BY created_at DESC`, strings.Join(conditions, " AND "))

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var alerts []*Alert
	if err := sqlx.SelectContext(ctx, q, &alerts, query, args...); err != nil {
		r.logger.Error("Failed to list alerts", "organization_id", orgID, "error", err)
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// CountByOrganization counts all alerts in an organization.
func (r *AlertRepository) CountByOrganization(ctx context.Context, q sqlx.ExtContext, orgID string) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, q, &count, `SELECT COUNT(*) FROM alerts WHERE organization_id = $1`, orgID); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

// DeleteTerminalOlderThan removes terminal alerts beyond the retention
// period. Used by the scheduler.
func (r *AlertRepository) DeleteTerminalOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM alerts
		WHERE status IN ('RESOLVED', 'DISMISSED')
		AND updated_at < NOW() - INTERVAL '%d days'`, retentionDays)

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to clean up terminal alerts", "error", err)
		return 0, fmt.Errorf("failed to clean up terminal alerts: %w", err)
	}
	return result.RowsAffected()
}
