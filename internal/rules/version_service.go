package rules

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ledgerguard/compliance-engine/internal/cache"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/errs"
)

func nowUTC() time.Time { return time.Now().UTC() }

// VersionService manages immutable rule versions: creation with
// inheritance merging and the atomic active-version transition.
type VersionService struct {
	db        *sqlx.DB
	templates *database.TemplateRepository
	versions  *database.VersionRepository
	cache     *cache.Cache
	logger    *slog.Logger
}

// NewVersionService creates a new version service.
func NewVersionService(
	db *sqlx.DB,
	templates *database.TemplateRepository,
	versions *database.VersionRepository,
	cache *cache.Cache,
	logger *slog.Logger,
) *VersionService {
	return &VersionService{
		db:        db,
		templates: templates,
		versions:  versions,
		cache:     cache,
		logger:    logger,
	}
}

// CreateVersionInput is the validated input for version creation.
type CreateVersionInput struct {
	OrganizationID string
	RuleTemplateID string
	Conditions     json.RawMessage
	Actions        []engine.Action
	Window         *engine.Window
	Priority       int
	Enabled        bool
}

// MergeConditions synthesizes the effective conditions of a child version:
// {all: [parent, input]}.
func MergeConditions(parent, input json.RawMessage) (json.RawMessage, error) {
	merged := struct {
		All []json.RawMessage `json:"all"`
	}{All: []json.RawMessage{parent, input}}
	return json.Marshal(merged)
}

// Create creates a new immutable rule version inside one transaction:
// validate, merge inherited conditions, compute the next version number,
// deactivate the previous live versions when the new one is enabled, and
// insert. The organization's active-rules cache is invalidated after
// commit.
func (s *VersionService) Create(ctx context.Context, input CreateVersionInput) (*database.RuleVersion, error) {
	if input.OrganizationID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}

	if result := engine.ValidateConditions(input.Conditions); !result.Valid {
		return nil, errs.New(errs.ValidationError, "invalid condition structure").
			WithDetails(map[string]interface{}{"errors": result.Errors})
	}

	var version *database.RuleVersion
	err := database.InTransaction(ctx, s.db, s.logger, func(tx *sqlx.Tx) error {
		template, err := s.templates.GetByID(ctx, tx, input.OrganizationID, input.RuleTemplateID)
		if err != nil {
			return err
		}
		if template == nil {
			return errs.New(errs.EntityNotFound, "rule template %s not found", input.RuleTemplateID)
		}
		if !template.IsActive {
			return errs.New(errs.BusinessRuleViolation, "rule template %s is inactive", template.ID)
		}

		conditions := input.Conditions
		if template.ParentTemplateID != nil {
			parentActive, err := s.versions.ActiveByTemplate(ctx, tx, input.OrganizationID, *template.ParentTemplateID)
			if err != nil {
				return err
			}
			if parentActive != nil {
				merged, err := MergeConditions(json.RawMessage(parentActive.Conditions), input.Conditions)
				if err != nil {
					return errs.Wrap(errs.ValidationError, err, "failed to merge inherited conditions")
				}
				if result := engine.ValidateConditions(merged); !result.Valid {
					return errs.New(errs.ValidationError, "merged condition structure is invalid").
						WithDetails(map[string]interface{}{"errors": result.Errors})
				}
				conditions = merged
			}
		}

		nextNumber, err := s.versions.NextVersionNumber(ctx, tx, input.OrganizationID, template.ID)
		if err != nil {
			return err
		}

		now := nowUTC()
		if input.Enabled {
			deactivated, err := s.versions.DeactivateAllForTemplate(ctx, tx, input.OrganizationID, template.ID, now)
			if err != nil {
				return err
			}
			if deactivated > 0 {
				s.logger.Debug("Previous versions deactivated",
					"template_id", template.ID, "count", deactivated)
			}
		}

		actions, err := json.Marshal(input.Actions)
		if err != nil {
			return errs.Wrap(errs.ValidationError, err, "failed to encode actions")
		}
		var window database.JSONRaw
		if input.Window != nil {
			if _, err := input.Window.Span(); err != nil {
				return errs.Wrap(errs.ValidationError, err, "invalid window")
			}
			encoded, err := json.Marshal(input.Window)
			if err != nil {
				return errs.Wrap(errs.ValidationError, err, "failed to encode window")
			}
			window = database.JSONRaw(encoded)
		}

		version = &database.RuleVersion{
			ID:             uuid.NewString(),
			OrganizationID: input.OrganizationID,
			RuleTemplateID: template.ID,
			VersionNumber:  nextNumber,
			Conditions:     database.JSONRaw(conditions),
			Actions:        database.JSONRaw(actions),
			Window:         window,
			Priority:       input.Priority,
			Enabled:        input.Enabled,
			ActivatedAt:    now,
		}
		return s.versions.Create(ctx, tx, version)
	})
	if err != nil {
		return nil, err
	}

	s.cache.Delete(ctx, cache.ActiveRulesKey(input.OrganizationID))
	s.logger.Info("Rule version created",
		"version_id", version.ID,
		"template_id", version.RuleTemplateID,
		"version_number", version.VersionNumber,
		"enabled", version.Enabled)
	return version, nil
}

// Deactivate stamps deactivated_at on a version and invalidates the
// organization's active-rules cache.
func (s *VersionService) Deactivate(ctx context.Context, orgID, id string) error {
	if orgID == "" {
		return errs.New(errs.OrganizationContextRequired, "organization context is required")
	}

	version, err := s.versions.GetByID(ctx, s.db, orgID, id)
	if err != nil {
		return err
	}
	if version == nil {
		return errs.New(errs.EntityNotFound, "rule version %s not found", id)
	}
	if version.DeactivatedAt != nil {
		return errs.New(errs.InactiveEntity, "rule version %s is already deactivated", id)
	}

	if err := s.versions.Deactivate(ctx, s.db, orgID, id, nowUTC()); err != nil {
		return err
	}

	s.cache.Delete(ctx, cache.ActiveRulesKey(orgID))
	s.logger.Info("Rule version deactivated", "version_id", id, "organization_id", orgID)
	return nil
}

// Get retrieves a version.
func (s *VersionService) Get(ctx context.Context, orgID, id string) (*database.RuleVersion, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	version, err := s.versions.GetByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, errs.New(errs.EntityNotFound, "rule version %s not found", id)
	}
	return version, nil
}

// ActiveVersions loads the organization's active rule set, cache-first.
// The write path enforces one-active-per-template; reads take the stored
// set as-is, ordered by priority.
func (s *VersionService) ActiveVersions(ctx context.Context, orgID string) ([]*database.RuleVersion, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}

	key := cache.ActiveRulesKey(orgID)
	var cached []*database.RuleVersion
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	versions, err := s.versions.ActiveByOrganization(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, versions, s.cache.ActiveRulesTTL())
	return versions, nil
}

// ToEngineRules projects persisted versions onto the engine's rule shape.
// Versions with undecodable payloads are skipped with an error log; the
// structure validator makes that unreachable for rows written by this
// service.
func ToEngineRules(versions []*database.RuleVersion, logger *slog.Logger) []engine.Rule {
	rules := make([]engine.Rule, 0, len(versions))
	for _, version := range versions {
		conditions, err := engine.ParseConditions(json.RawMessage(version.Conditions))
		if err != nil {
			logger.Error("Skipping version with undecodable conditions",
				"version_id", version.ID, "error", err)
			continue
		}
		var actions []engine.Action
		if err := json.Unmarshal(version.Actions, &actions); err != nil {
			logger.Error("Skipping version with undecodable actions",
				"version_id", version.ID, "error", err)
			continue
		}
		var window *engine.Window
		if len(version.Window) > 0 {
			var w engine.Window
			if err := json.Unmarshal(version.Window, &w); err == nil && w.Duration > 0 {
				window = &w
			}
		}
		rules = append(rules, engine.Rule{
			VersionID:     version.ID,
			TemplateID:    version.RuleTemplateID,
			Priority:      version.Priority,
			Enabled:       version.Enabled,
			DeactivatedAt: version.DeactivatedAt,
			Conditions:    conditions,
			Actions:       actions,
			Window:        window,
		})
	}
	return rules
}
