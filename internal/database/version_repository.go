package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// VersionRepository handles rule version persistence. Versions are
// immutable after insert except for deactivated_at.
type VersionRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *sqlx.DB, logger *slog.Logger) *VersionRepository {
	return &VersionRepository{BaseRepository: BaseRepository{db: db}, logger: logger}
}

// Create inserts a new rule version.
func (r *VersionRepository) Create(ctx context.Context, q sqlx.ExtContext, version *RuleVersion) error {
	query := `
		INSERT INTO rule_versions (
			id, organization_id, rule_template_id, version_number, conditions,
			actions, "window", priority, enabled, activated_at, deactivated_at,
			created_at
		) VALUES (
			:id, :organization_id, :rule_template_id, :version_number, :conditions,
			:actions, :window, :priority, :enabled, :activated_at, :deactivated_at,
			:created_at
		)`

	version.CreatedAt = time.Now().UTC()

	if _, err := sqlx.NamedExecContext(ctx, q, query, version); err != nil {
		r.logger.Error("Failed to create rule version", "version_id", version.ID, "error", err)
		return fmt.Errorf("failed to create rule version: %w", err)
	}
	return nil
}

// GetByID retrieves a version by ID within an organization.
func (r *VersionRepository) GetByID(ctx context.Context, q sqlx.ExtContext, orgID, id string) (*RuleVersion, error) {
	query := `
		SELECT * FROM rule_versions
		WHERE id = $1 AND organization_id = $2`

	var version RuleVersion
	if err := sqlx.GetContext(ctx, q, &version, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get rule version", "version_id", id, "error", err)
		return nil, fmt.Errorf("failed to get rule version: %w", err)
	}
	return &version, nil
}

// NextVersionNumber computes max(version_number)+1 for a template, or 1.
func (r *VersionRepository) NextVersionNumber(ctx context.Context, q sqlx.ExtContext, orgID, templateID string) (int, error) {
	query := `
		SELECT COALESCE(MAX(version_number), 0) + 1 FROM rule_versions
		WHERE rule_template_id = $1 AND organization_id = $2`

	var next int
	if err := sqlx.GetContext(ctx, q, &next, query, templateID, orgID); err != nil {
		r.logger.Error("Failed to compute next version number", "template_id", templateID, "error", err)
		return 0, fmt.Errorf("failed to compute next version number: %w", err)
	}
	return next, nil
}

// ActiveByTemplate retrieves the current active version of a template, if
// any (enabled and not deactivated).
func (r *VersionRepository) ActiveByTemplate(ctx context.Context, q sqlx.ExtContext, orgID, templateID string) (*RuleVersion, error) {
	query := `
		SELECT * FROM rule_versions
		WHERE rule_template_id = $1 AND organization_id = $2
		AND enabled = TRUE AND deactivated_at IS NULL
		ORDER BY version_number DESC
		LIMIT 1`

	var version RuleVersion
	if err := sqlx.GetContext(ctx, q, &version, query, templateID, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get active version for template", "template_id", templateID, "error", err)
		return nil, fmt.Errorf("failed to get active version for template: %w", err)
	}
	return &version, nil
}

// ActiveByOrganization retrieves every active version in an organization
// ordered by priority ascending.
func (r *VersionRepository) ActiveByOrganization(ctx context.Context, q sqlx.ExtContext, orgID string) ([]*RuleVersion, error) {
	query := `
		SELECT * FROM rule_versions
		WHERE organization_id = $1 AND enabled = TRUE AND deactivated_at IS NULL
		ORDER BY priority ASC, version_number ASC`

	var versions []*RuleVersion
	if err := sqlx.SelectContext(ctx, q, &versions, query, orgID); err != nil {
		r.logger.Error("Failed to list active versions", "organization_id", orgID, "error", err)
		return nil, fmt.Errorf("failed to list active versions: %w", err)
	}
	return versions, nil
}

// DeactivateAllForTemplate stamps deactivated_at on every live version of
// a template. Run inside the same transaction as the subsequent insert so
// the at-most-one-active invariant holds atomically.
func (r *VersionRepository) DeactivateAllForTemplate(ctx context.Context, q sqlx.ExtContext, orgID, templateID string, at time.Time) (int64, error) {
	query := `
		UPDATE rule_versions SET deactivated_at = $3
		WHERE rule_template_id = $1 AND organization_id = $2 AND deactivated_at IS NULL`

	result, err := q.ExecContext(ctx, query, templateID, orgID, at)
	if err != nil {
		r.logger.Error("Failed to deactivate versions for template", "template_id", templateID, "error", err)
		return 0, fmt.Errorf("failed to deactivate versions for template: %w", err)
	}
	return result.RowsAffected()
}

// Deactivate stamps deactivated_at on a single version. Fails when the
// version is absent or already deactivated.
func (r *VersionRepository) Deactivate(ctx context.Context, q sqlx.ExtContext, orgID, id string, at time.Time) error {
	query := `
		UPDATE rule_versions SET deactivated_at = $3
		WHERE id = $1 AND organization_id = $2 AND deactivated_at IS NULL`

	result, err := q.ExecContext(ctx, query, id, orgID, at)
	if err != nil {
		r.logger.Error("Failed to deactivate rule version", "version_id", id, "error", err)
		return fmt.Errorf("failed to deactivate rule version: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule version not found or already deactivated: %s", id)
	}
	return nil
}

// ListByTemplate retrieves the full version history of a template.
func (r *VersionRepository) ListByTemplate(ctx context.Context, q sqlx.ExtContext, orgID, templateID string) ([]*RuleVersion, error) {
	query := `
		SELECT * FROM rule_versions
		WHERE rule_template_id = $1 AND organization_id = $2
		ORDER BY version_number DESC`

	var versions []*RuleVersion
	if err := sqlx.SelectContext(ctx, q, &versions, query, templateID, orgID); err != nil {
		r.logger.Error("Failed to list versions for template", "template_id", templateID, "error", err)
		return nil, fmt.Errorf("failed to list versions for template: %w", err)
	}
	return versions, nil
}
