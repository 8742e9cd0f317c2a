package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ledgerguard/compliance-engine/internal/cache"
	"github.com/ledgerguard/compliance-engine/internal/config"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/errs"
	"github.com/ledgerguard/compliance-engine/internal/lists"
	"github.com/ledgerguard/compliance-engine/internal/rules"
)

// Seeds a demo organization with a baseline template, a high-value rule, a
// velocity rule and a sanctioned-country blacklist. Safe to run twice:
// duplicates are skipped.
func main() {
	orgID := flag.String("org", "org-demo", "organization to seed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	templateRepo := database.NewTemplateRepository(db, logger)
	versionRepo := database.NewVersionRepository(db, logger)
	listRepo := database.NewListRepository(db, logger)
	cacheLayer := cache.New(cfg.Cache, nil, logger)

	templateService := rules.NewTemplateService(db, templateRepo, versionRepo, cfg.Evaluation.MaxInheritanceDepth, logger)
	versionService := rules.NewVersionService(db, templateRepo, versionRepo, cacheLayer, logger)
	listService := lists.NewService(db, listRepo, cacheLayer, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	baseline := seedTemplate(ctx, logger, templateService, templateRepo, db, rules.CreateTemplateInput{
		OrganizationID: *orgID,
		Code:           "BASELINE",
		Name:           "Organization Baseline",
		Category:       "BASELINE",
		IsSystem:       true,
	})

	highValue := seedTemplate(ctx, logger, templateService, templateRepo, db, rules.CreateTemplateInput{
		OrganizationID: *orgID,
		Code:           "HIGH_VALUE",
		Name:           "High Value Transaction",
		Category:       "AML",
	})
	velocity := seedTemplate(ctx, logger, templateService, templateRepo, db, rules.CreateTemplateInput{
		OrganizationID: *orgID,
		Code:           "VELOCITY_24H",
		Name:           "Transaction Velocity 24h",
		Category:       "AML",
	})
	_ = baseline

	seedVersion(ctx, logger, versionService, rules.CreateVersionInput{
		OrganizationID: *orgID,
		RuleTemplateID: highValue,
		Conditions: json.RawMessage(`{
			"all": [
				{"fact": "transaction.amount", "operator": "greaterThan", "value": 10000}
			]
		}`),
		Actions: []engine.Action{{
			Type:     engine.ActionCreateAlert,
			Severity: "HIGH",
			Category: "AML",
			Message:  "Transaction exceeds high-value threshold",
		}},
		Priority: 10,
		Enabled:  true,
	})

	seedVersion(ctx, logger, versionService, rules.CreateVersionInput{
		OrganizationID: *orgID,
		RuleTemplateID: velocity,
		Conditions: json.RawMessage(`{
			"all": [
				{"fact": "aggregation.count_24hours", "operator": "greaterThanOrEqual", "value": 10}
			]
		}`),
		Actions: []engine.Action{{
			Type:     engine.ActionCreateAlert,
			Severity: "MEDIUM",
			Category: "AML",
			Message:  "Unusual transaction velocity in 24h window",
		}},
		Window:   &engine.Window{Duration: 24, Unit: engine.UnitHours},
		Priority: 20,
		Enabled:  true,
	})

	seedList(ctx, logger, listService, *orgID)

	logger.Info("Seed complete", "organization_id", *orgID)
}

func seedTemplate(
	ctx context.Context,
	logger *slog.Logger,
	svc *rules.TemplateService,
	repo *database.TemplateRepository,
	db *sqlx.DB,
	input rules.CreateTemplateInput,
) string {
	template, err := svc.Create(ctx, input)
	if err != nil {
		if errs.IsCode(err, errs.DuplicateOperation) {
			existing, getErr := repo.GetByCode(ctx, db, input.OrganizationID, input.Code)
			if getErr == nil && existing != nil {
				logger.Info("Template already present", "code", input.Code)
				return existing.ID
			}
		}
		logger.Error("Failed to seed template", "code", input.Code, "error", err)
		os.Exit(1)
	}
	logger.Info("Template created", "code", input.Code, "template_id", template.ID)
	return template.ID
}

func seedVersion(ctx context.Context, logger *slog.Logger, svc *rules.VersionService, input rules.CreateVersionInput) {
	version, err := svc.Create(ctx, input)
	if err != nil {
		logger.Error("Failed to seed rule version", "template_id", input.RuleTemplateID, "error", err)
		os.Exit(1)
	}
	logger.Info("Rule version created",
		"template_id", input.RuleTemplateID, "version_number", version.VersionNumber)
}

func seedList(ctx context.Context, logger *slog.Logger, svc *lists.Service, orgID string) {
	list, err := svc.CreateList(ctx, lists.CreateListInput{
		OrganizationID: orgID,
		Code:           "SANCTIONED_COUNTRIES",
		Name:           "Sanctioned Countries",
		EntityType:     database.EntityCountry,
		ListType:       database.ListBlacklist,
	})
	if err != nil {
		if errs.IsCode(err, errs.DuplicateOperation) {
			logger.Info("List already present", "code", "SANCTIONED_COUNTRIES")
			return
		}
		logger.Error("Failed to seed list", "error", err)
		os.Exit(1)
	}

	for _, country := range []string{"KP", "IR", "SY"} {
		if _, err := svc.AddEntry(ctx, orgID, list.ID, country); err != nil && !errs.IsCode(err, errs.DuplicateOperation) {
			logger.Error("Failed to seed list entry", "value", country, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("List created", "code", list.Code, "entries", 3)
}
