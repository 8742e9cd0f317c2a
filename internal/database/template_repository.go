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

// TemplateRepository handles rule template persistence. Every query is
// organization-scoped.
type TemplateRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewTemplateRepository creates a new template repository.
func NewTemplateRepository(db *sqlx.DB, logger *slog.Logger) *TemplateRepository {
	return &TemplateRepository{BaseRepository: BaseRepository{db: db}, logger: logger}
}

// Create inserts a new rule template.
func (r *TemplateRepository) Create(ctx context.Context, q sqlx.ExtContext, template *RuleTemplate) error {
	query := `
		INSERT INTO rule_templates (
			id, organization_id, code, name, category, is_active, is_system,
			parent_template_id, created_at, updated_at
		) VALUES (
			:id, :organization_id, :code, :name, :category, :is_active, :is_system,
			:parent_template_id, :created_at, :updated_at
		)`

	template.CreatedAt = time.Now().UTC()
	template.UpdatedAt = template.CreatedAt

	if _, err := sqlx.NamedExecContext(ctx, q, query, template); err != nil {
		r.logger.Error("Failed to create rule template", "template_id", template.ID, "error", err)
		return fmt.Errorf("failed to create rule template: %w", err)
	}
	return nil
}

// GetByID retrieves a template by ID within an organization.
func (r *TemplateRepository) GetByID(ctx context.Context, q sqlx.ExtContext, orgID, id string) (*RuleTemplate, error) {
	query := `
		SELECT * FROM rule_templates
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL`

	var template RuleTemplate
	if err := sqlx.GetContext(ctx, q, &template, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get rule template", "template_id", id, "error", err)
		return nil, fmt.Errorf("failed to get rule template: %w", err)
	}
	return &template, nil
}

// GetByCode retrieves a template by its organization-unique code.
func (r *TemplateRepository) GetByCode(ctx context.Context, q sqlx.ExtContext, orgID, code string) (*RuleTemplate, error) {
	query := `
		SELECT * FROM rule_templates
		WHERE organization_id = $1 AND code = $2 AND deleted_at IS NULL`

	var template RuleTemplate
	if err := sqlx.GetContext(ctx, q, &template, query, orgID, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get rule template by code", "code", code, "error", err)
		return nil, fmt.Errorf("failed to get rule template by code: %w", err)
	}
	return &template, nil
}

// List retrieves all templates in an organization.
func (r *TemplateRepository) List(ctx context.Context, q sqlx.ExtContext, orgID string) ([]*RuleTemplate, error) {
	query := `
		SELECT * FROM rule_templates
		WHERE organization_id = $1 AND deleted_at IS NULL
		ORDER BY code ASC`

	var templates []*RuleTemplate
	if err := sqlx.SelectContext(ctx, q, &templates, query, orgID); err != nil {
		r.logger.Error("Failed to list rule templates", "organization_id", orgID, "error", err)
		return nil, fmt.Errorf("failed to list rule templates: %w", err)
	}
	return templates, nil
}

// CountActiveBaselines counts the active baseline templates (system, no
// parent) in an organization.
func (r *TemplateRepository) CountActiveBaselines(ctx context.Context, q sqlx.ExtContext, orgID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM rule_templates
		WHERE organization_id = $1
		AND is_system = TRUE AND parent_template_id IS NULL
		AND is_active = TRUE AND deleted_at IS NULL`

	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, orgID); err != nil {
		r.logger.Error("Failed to count baseline templates", "organization_id", orgID, "error", err)
		return 0, fmt.Errorf("failed to count baseline templates: %w", err)
	}
	return count, nil
}

// Deactivate marks a template inactive.
func (r *TemplateRepository) Deactivate(ctx context.Context, q sqlx.ExtContext, orgID, id string) error {
	query := `
		UPDATE rule_templates SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND is_active = TRUE AND deleted_at IS NULL`

	result, err := q.ExecContext(ctx, query, id, orgID)
	if err != nil {
		r.logger.Error("Failed to deactivate rule template", "template_id", id, "error", err)
		return fmt.Errorf("failed to deactivate rule template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule template not found or already inactive: %s", id)
	}
	return nil
}
