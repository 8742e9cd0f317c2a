package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/errs"
)

// DedupKey derives the alert dedup key: account, rule version and the
// quantized boundary of the rule's window (the UTC calendar day when the
// rule has no window).
func DedupKey(accountID, ruleVersionID string, anchor time.Time, w *engine.Window) string {
	return accountID + ":" + ruleVersionID + ":" + engine.BucketISO(anchor, w)
}

// allowedTransitions is the alert status DAG. RESOLVED and DISMISSED are
// terminal.
var allowedTransitions = map[string][]string{
	database.AlertOpen:         {database.AlertAcknowledged, database.AlertResolved, database.AlertDismissed},
	database.AlertAcknowledged: {database.AlertResolved, database.AlertDismissed},
	database.AlertResolved:     {},
	database.AlertDismissed:    {},
}

// Service manages alert consolidation and the status state machine.
type Service struct {
	db     *sqlx.DB
	alerts *database.AlertRepository
	logger *slog.Logger
}

// NewService creates a new alert service.
func NewService(db *sqlx.DB, alerts *database.AlertRepository, logger *slog.Logger) *Service {
	return &Service{db: db, alerts: alerts, logger: logger}
}

// Outcome reports what consolidation did for one evaluation.
type Outcome struct {
	Created      []*database.Alert
	Consolidated []*database.Alert
}

// Consolidate runs the dedup protocol inside the evaluation transaction:
// one batched, row-locked lookup of non-terminal alerts for the computed
// key set, then per triggered rule either a suppression of the existing
// alert or the insertion of a new one.
//
// A triggered rule with several create_alert actions consolidates once
// and, on first insertion, collapses into a single alert row carrying the
// first action's severity; the partial unique index on (organization,
// dedup_key) leaves no room for sibling rows sharing a live key.
func (s *Service) Consolidate(
	ctx context.Context,
	q sqlx.ExtContext,
	result *database.EvaluationResult,
	transaction *database.Transaction,
	triggered []engine.Rule,
) (*Outcome, error) {
	type pending struct {
		rule   engine.Rule
		action engine.Action
		key    string
		count  int
	}

	var pendings []pending
	var keys []string
	for _, rule := range triggered {
		var first *engine.Action
		count := 0
		for i := range rule.Actions {
			if rule.Actions[i].Type == engine.ActionCreateAlert {
				if first == nil {
					first = &rule.Actions[i]
				}
				count++
			}
		}
		if first == nil {
			continue
		}
		key := DedupKey(transaction.AccountID, rule.VersionID, transaction.Datetime, rule.Window)
		pendings = append(pendings, pending{rule: rule, action: *first, key: key, count: count})
		keys = append(keys, key)
	}
	if len(pendings) == 0 {
		return &Outcome{}, nil
	}

	existing, err := s.alerts.ListOpenByDedupKeys(ctx, q, result.OrganizationID, keys)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*database.Alert, len(existing))
	for _, alert := range existing {
		byKey[alert.DedupKey] = alert
	}

	outcome := &Outcome{}
	for _, p := range pendings {
		if alert, found := byKey[p.key]; found {
			s.suppress(alert, result, transaction)
			if err := s.alerts.Consolidate(ctx, q, alert); err != nil {
				return nil, err
			}
			outcome.Consolidated = append(outcome.Consolidated, alert)
			continue
		}

		severity := p.action.Severity
		if severity == "" {
			severity = "MEDIUM"
		}
		var message *string
		if p.action.Message != "" {
			message = &p.action.Message
		}
		alert := &database.Alert{
			ID:                 uuid.NewString(),
			OrganizationID:     result.OrganizationID,
			EvaluationResultID: result.ID,
			RuleVersionID:      p.rule.VersionID,
			TransactionID:      transaction.ID,
			AccountID:          transaction.AccountID,
			DedupKey:           p.key,
			Severity:           severity,
			Category:           p.action.Category,
			Status:             database.AlertOpen,
			Message:            message,
			Metadata: database.JSONB{
				"relatedTransactionIds":      []interface{}{transaction.ID},
				"relatedEvaluationResultIds": []interface{}{result.ID},
				"lastTriggeredAt":            transaction.Datetime.UTC().Format(time.RFC3339),
				"lastTriggeredTransactionId": transaction.ID,
				"lastEvaluationResultId":     result.ID,
				"alertActionCount":           p.count,
			},
			SuppressedCount: 0,
		}
		if err := s.alerts.Create(ctx, q, alert); err != nil {
			return nil, err
		}
		outcome.Created = append(outcome.Created, alert)
	}
	return outcome, nil
}

// suppress folds a repeated trigger into the existing alert: increment
// suppressed_count once per trigger and append the new IDs to the
// consolidated metadata.
func (s *Service) suppress(alert *database.Alert, result *database.EvaluationResult, transaction *database.Transaction) {
	alert.SuppressedCount++
	if alert.Metadata == nil {
		alert.Metadata = database.JSONB{}
	}
	alert.Metadata["relatedTransactionIds"] = appendID(alert.Metadata["relatedTransactionIds"], transaction.ID)
	alert.Metadata["relatedEvaluationResultIds"] = appendID(alert.Metadata["relatedEvaluationResultIds"], result.ID)
	alert.Metadata["lastTriggeredAt"] = transaction.Datetime.UTC().Format(time.RFC3339)
	alert.Metadata["lastTriggeredTransactionId"] = transaction.ID
	alert.Metadata["lastEvaluationResultId"] = result.ID
}

func appendID(existing interface{}, id string) []interface{} {
	list, _ := existing.([]interface{})
	return append(list, id)
}

// Get retrieves an alert.
func (s *Service) Get(ctx context.Context, orgID, id string) (*database.Alert, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	alert, err := s.alerts.GetByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, errs.New(errs.EntityNotFound, "alert %s not found", id)
	}
	return alert, nil
}

// List retrieves alerts with optional filtering.
func (s *Service) List(ctx context.Context, orgID string, filter database.AlertFilter) ([]*database.Alert, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	return s.alerts.List(ctx, s.db, orgID, filter)
}

// Transition moves an alert through the status state machine. Terminal
// transitions stamp resolved_at and resolved_by.
func (s *Service) Transition(ctx context.Context, orgID, id, newStatus, actor string) (*database.Alert, error) {
	alert, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	allowed, known := allowedTransitions[alert.Status]
	if !known {
		return nil, errs.New(errs.InvalidState, "alert %s has unknown status %q", id, alert.Status)
	}
	permitted := false
	for _, next := range allowed {
		if next == newStatus {
			permitted = true
			break
		}
	}
	if !permitted {
		return nil, errs.New(errs.InvalidState,
			"alert %s cannot transition from %s to %s", id, alert.Status, newStatus).
			WithDetails(map[string]interface{}{
				"currentStatus":      alert.Status,
				"allowedTransitions": allowed,
			})
	}

	alert.Status = newStatus
	if newStatus == database.AlertResolved || newStatus == database.AlertDismissed {
		now := time.Now().UTC()
		alert.ResolvedAt = &now
		if actor != "" {
			alert.ResolvedBy = &actor
		}
	}

	if err := s.alerts.UpdateStatus(ctx, s.db, alert); err != nil {
		return nil, err
	}

	s.logger.Info("Alert status changed", "alert_id", id, "status", newStatus, "actor", actor)
	return alert, nil
}
