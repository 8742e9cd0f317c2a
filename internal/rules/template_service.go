package rules

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ledgerguard/compliance-engine/internal/cache"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/errs"
)

// TemplateService manages the rule template lifecycle: identity, the
// baseline invariant and inheritance cycle checks.
type TemplateService struct {
	db        *sqlx.DB
	templates *database.TemplateRepository
	versions  *database.VersionRepository
	cache     *cache.Cache
	maxDepth  int
	logger    *slog.Logger
}

// NewTemplateService creates a new template service.
func NewTemplateService(
	db *sqlx.DB,
	templates *database.TemplateRepository,
	versions *database.VersionRepository,
	cache *cache.Cache,
	maxDepth int,
	logger *slog.Logger,
) *TemplateService {
	return &TemplateService{
		db:        db,
		templates: templates,
		versions:  versions,
		cache:     cache,
		maxDepth:  maxDepth,
		logger:    logger,
	}
}

// CreateTemplateInput is the validated input for template creation.
type CreateTemplateInput struct {
	OrganizationID   string
	Code             string
	Name             string
	Category         string
	IsSystem         bool
	ParentTemplateID *string
}

// Create creates a rule template. A baseline (system, no parent) must
// already exist in the organization unless this template is one itself.
func (s *TemplateService) Create(ctx context.Context, input CreateTemplateInput) (*database.RuleTemplate, error) {
	if input.OrganizationID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}

	existing, err := s.templates.GetByCode(ctx, s.db, input.OrganizationID, input.Code)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.New(errs.DuplicateOperation, "rule template code %q already exists", input.Code)
	}

	if input.IsSystem && input.ParentTemplateID != nil {
		return nil, errs.New(errs.BusinessRuleViolation, "system templates cannot have a parent")
	}

	isBaseline := input.IsSystem && input.ParentTemplateID == nil
	if !isBaseline {
		baselines, err := s.templates.CountActiveBaselines(ctx, s.db, input.OrganizationID)
		if err != nil {
			return nil, err
		}
		if baselines == 0 {
			return nil, errs.New(errs.BusinessRuleViolation,
				"a baseline template must exist before non-system templates are created").
				WithDetails(map[string]interface{}{"reason": "BASELINE_REQUIRED"})
		}
	}

	if input.ParentTemplateID != nil {
		parent, err := s.templates.GetByID(ctx, s.db, input.OrganizationID, *input.ParentTemplateID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, errs.New(errs.EntityNotFound, "parent template %s not found", *input.ParentTemplateID)
		}
		if !parent.IsActive {
			return nil, errs.New(errs.InactiveEntity, "parent template %s is inactive", parent.ID)
		}
		if err := s.checkAncestry(ctx, input.OrganizationID, parent); err != nil {
			return nil, err
		}
	}

	template := &database.RuleTemplate{
		ID:               uuid.NewString(),
		OrganizationID:   input.OrganizationID,
		Code:             input.Code,
		Name:             input.Name,
		Category:         input.Category,
		IsActive:         true,
		IsSystem:         input.IsSystem,
		ParentTemplateID: input.ParentTemplateID,
	}
	if err := s.templates.Create(ctx, s.db, template); err != nil {
		return nil, err
	}

	s.logger.Info("Rule template created",
		"template_id", template.ID,
		"organization_id", template.OrganizationID,
		"code", template.Code)
	return template, nil
}

// checkAncestry walks the parent chain with a visited set, bounded at the
// configured depth, rejecting cycles and over-deep chains.
func (s *TemplateService) checkAncestry(ctx context.Context, orgID string, start *database.RuleTemplate) error {
	visited := map[string]bool{start.ID: true}
	current := start
	for depth := 1; current.ParentTemplateID != nil; depth++ {
		if depth >= s.maxDepth {
			return errs.New(errs.BusinessRuleViolation,
				"template inheritance exceeds maximum depth %d", s.maxDepth)
		}
		next, err := s.templates.GetByID(ctx, s.db, orgID, *current.ParentTemplateID)
		if err != nil {
			return err
		}
		if next == nil {
			return errs.New(errs.EntityNotFound, "ancestor template %s not found", *current.ParentTemplateID)
		}
		if visited[next.ID] {
			return errs.New(errs.BusinessRuleViolation, "template inheritance chain contains a cycle at %s", next.ID)
		}
		visited[next.ID] = true
		current = next
	}
	return nil
}

// Get retrieves a template.
func (s *TemplateService) Get(ctx context.Context, orgID, id string) (*database.RuleTemplate, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	template, err := s.templates.GetByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if template == nil {
		return nil, errs.New(errs.EntityNotFound, "rule template %s not found", id)
	}
	return template, nil
}

// List retrieves all templates in an organization.
func (s *TemplateService) List(ctx context.Context, orgID string) ([]*database.RuleTemplate, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	return s.templates.List(ctx, s.db, orgID)
}

// Deactivate deactivates a template and, by policy, every live version
// under it. The last active baseline of an organization cannot be
// deactivated.
func (s *TemplateService) Deactivate(ctx context.Context, orgID, id string) error {
	if orgID == "" {
		return errs.New(errs.OrganizationContextRequired, "organization context is required")
	}

	template, err := s.templates.GetByID(ctx, s.db, orgID, id)
	if err != nil {
		return err
	}
	if template == nil {
		return errs.New(errs.EntityNotFound, "rule template %s not found", id)
	}
	if !template.IsActive {
		return errs.New(errs.InactiveEntity, "rule template %s is already inactive", id)
	}

	if template.IsSystem && template.ParentTemplateID == nil {
		baselines, err := s.templates.CountActiveBaselines(ctx, s.db, orgID)
		if err != nil {
			return err
		}
		if baselines <= 1 {
			return errs.New(errs.BusinessRuleViolation,
				"the last active baseline template cannot be deactivated").
				WithDetails(map[string]interface{}{"reason": "BASELINE_REQUIRED"})
		}
	}

	err = database.InTransaction(ctx, s.db, s.logger, func(tx *sqlx.Tx) error {
		if err := s.templates.Deactivate(ctx, tx, orgID, id); err != nil {
			return err
		}
		deactivated, err := s.versions.DeactivateAllForTemplate(ctx, tx, orgID, id, nowUTC())
		if err != nil {
			return err
		}
		if deactivated > 0 {
			s.logger.Info("Versions deactivated with template",
				"template_id", id, "count", deactivated)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Deactivating the template took its live versions out of the active
	// set, so the cached set is stale.
	s.cache.Delete(ctx, cache.ActiveRulesKey(orgID))
	s.logger.Info("Rule template deactivated", "template_id", id, "organization_id", orgID)
	return nil
}
