package evaluation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ledgerguard/compliance-engine/internal/alerts"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/errs"
	"github.com/ledgerguard/compliance-engine/internal/rules"
)

// Notifier receives the outcome of a committed evaluation. Notifications
// are best-effort: they run after commit and their failures never affect
// the evaluation.
type Notifier interface {
	EvaluationCompleted(result *database.EvaluationResult, transaction *database.Transaction, outcome *alerts.Outcome)
}

// IngestInput is the validated input for transaction ingestion.
type IngestInput struct {
	OrganizationID     string
	AccountID          string
	Type               string
	SubType            *string
	Amount             float64
	Currency           string
	AmountNormalized   *float64
	CurrencyNormalized *string
	Datetime           time.Time
	Country            *string
	CounterpartyID     *string
	Channel            *string
	Quantity           *float64
	Asset              *string
	Price              *float64
	Origin             *string
	ExternalCode       *string
	Data               map[string]interface{}
	Metadata           map[string]interface{}
	DeviceInfo         map[string]interface{}
	CreatedBy          *string
}

// Output is what one ingestion produced.
type Output struct {
	Transaction *database.Transaction
	Result      *database.EvaluationResult
	Alerts      *alerts.Outcome
}

// Service orchestrates the ingestion pipeline: persist the transaction,
// evaluate it against the organization's active rules over a freshly
// built fact bundle, record the immutable evaluation result and
// consolidate alerts, all in one database transaction.
type Service struct {
	db             *sqlx.DB
	transactions   *database.TransactionRepository
	evaluations    *database.EvaluationRepository
	versions       *rules.VersionService
	facts          *FactBuilder
	alerts         *alerts.Service
	requestTimeout time.Duration
	notifiers      []Notifier
	logger         *slog.Logger
}

// NewService creates a new evaluation service. requestTimeout bounds one
// ingestion end to end; zero disables the deadline.
func NewService(
	db *sqlx.DB,
	transactions *database.TransactionRepository,
	evaluations *database.EvaluationRepository,
	versions *rules.VersionService,
	facts *FactBuilder,
	alertService *alerts.Service,
	requestTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:             db,
		transactions:   transactions,
		evaluations:    evaluations,
		versions:       versions,
		facts:          facts,
		alerts:         alertService,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// AddNotifier registers a post-commit notifier.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// IngestAndEvaluate runs the full pipeline for one transaction. The fact
// queries run before the write transaction opens; they anchor to the
// transaction datetime and exclude its ID, so the not-yet-visible row
// cannot change their result. Writes happen atomically: either the
// transaction, its evaluation result and its alert effects all commit, or
// none do.
func (s *Service) IngestAndEvaluate(ctx context.Context, input IngestInput) (*Output, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	tx := buildTransaction(input)
	started := time.Now()

	versions, err := s.versions.ActiveVersions(ctx, tx.OrganizationID)
	if err != nil {
		return nil, err
	}
	active := engine.ActiveVersions(rules.ToEngineRules(versions, s.logger))

	var (
		facts      engine.Facts
		evalResult engine.Result
	)
	if len(active) == 0 {
		// No active rules: the outcome is a foregone ALLOW, so skip the
		// fact queries entirely.
		evalResult = engine.EvaluateTransaction(nil, nil)
	} else {
		facts, err = s.facts.Build(ctx, s.db, tx, active)
		if err != nil {
			return nil, err
		}
		evalResult = engine.EvaluateTransaction(active, facts)
	}

	triggered := triggeredRules(active, evalResult.TriggeredRules)

	record, err := buildRecord(tx, evalResult, time.Since(started))
	if err != nil {
		return nil, err
	}

	var outcome *alerts.Outcome
	err = database.InTransaction(ctx, s.db, s.logger, func(dbTx *sqlx.Tx) error {
		if err := s.transactions.Create(ctx, dbTx, tx); err != nil {
			return err
		}
		if err := s.evaluations.Create(ctx, dbTx, record); err != nil {
			return err
		}
		outcome, err = s.alerts.Consolidate(ctx, dbTx, record, tx, triggered)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction evaluated",
		"transaction_id", tx.ID,
		"organization_id", tx.OrganizationID,
		"decision", record.Decision,
		"triggered_rules", len(evalResult.TriggeredRules),
		"alerts_created", len(outcome.Created),
		"alerts_consolidated", len(outcome.Consolidated),
		"duration_ms", record.EvaluationDurationMS)

	for _, n := range s.notifiers {
		n.EvaluationCompleted(record, tx, outcome)
	}

	return &Output{Transaction: tx, Result: record, Alerts: outcome}, nil
}

// GetTransaction retrieves a transaction.
func (s *Service) GetTransaction(ctx context.Context, orgID, id string) (*database.Transaction, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	tx, err := s.transactions.GetByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errs.New(errs.EntityNotFound, "transaction %s not found", id)
	}
	return tx, nil
}

// GetResult retrieves an evaluation result.
func (s *Service) GetResult(ctx context.Context, orgID, id string) (*database.EvaluationResult, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	result, err := s.evaluations.GetByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errs.New(errs.EntityNotFound, "evaluation result %s not found", id)
	}
	return result, nil
}

// GetResultByTransaction retrieves the evaluation result of a transaction.
func (s *Service) GetResultByTransaction(ctx context.Context, orgID, transactionID string) (*database.EvaluationResult, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	result, err := s.evaluations.GetByTransaction(ctx, s.db, orgID, transactionID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errs.New(errs.EntityNotFound, "no evaluation result for transaction %s", transactionID)
	}
	return result, nil
}

// ListResultsByAccount retrieves recent evaluation results for an account.
func (s *Service) ListResultsByAccount(ctx context.Context, orgID, accountID string, limit int) ([]*database.EvaluationResult, error) {
	if orgID == "" {
		return nil, errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.evaluations.ListByAccount(ctx, s.db, orgID, accountID, limit)
}

func validateInput(input IngestInput) error {
	if input.OrganizationID == "" {
		return errs.New(errs.OrganizationContextRequired, "organization context is required")
	}
	if input.AccountID == "" {
		return errs.New(errs.ValidationError, "account_id is required")
	}
	if input.Type == "" {
		return errs.New(errs.ValidationError, "type is required")
	}
	if input.Currency == "" {
		return errs.New(errs.ValidationError, "currency is required")
	}
	return nil
}

func buildTransaction(input IngestInput) *database.Transaction {
	datetime := input.Datetime
	if datetime.IsZero() {
		datetime = time.Now()
	}
	return &database.Transaction{
		ID:                 uuid.NewString(),
		OrganizationID:     input.OrganizationID,
		AccountID:          input.AccountID,
		Type:               input.Type,
		SubType:            input.SubType,
		Amount:             input.Amount,
		Currency:           input.Currency,
		AmountNormalized:   input.AmountNormalized,
		CurrencyNormalized: input.CurrencyNormalized,
		Datetime:           datetime.UTC(),
		Country:            input.Country,
		CounterpartyID:     input.CounterpartyID,
		Channel:            input.Channel,
		Quantity:           input.Quantity,
		Asset:              input.Asset,
		Price:              input.Price,
		Origin:             input.Origin,
		ExternalCode:       input.ExternalCode,
		IsVoided:           false,
		IsBlocked:          false,
		Data:               database.JSONB(input.Data),
		Metadata:           database.JSONB(input.Metadata),
		DeviceInfo:         database.JSONB(input.DeviceInfo),
		CreatedBy:          input.CreatedBy,
	}
}

// triggeredRules resolves the satisfied outcomes back to their rules, in
// outcome order.
func triggeredRules(active []engine.Rule, outcomes []engine.RuleOutcome) []engine.Rule {
	byID := make(map[string]engine.Rule, len(active))
	for _, rule := range active {
		byID[rule.VersionID] = rule
	}
	var triggered []engine.Rule
	for _, outcome := range outcomes {
		if rule, found := byID[outcome.RuleVersionID]; found {
			triggered = append(triggered, rule)
		}
	}
	return triggered
}

func buildRecord(tx *database.Transaction, result engine.Result, elapsed time.Duration) (*database.EvaluationResult, error) {
	triggered, err := json.Marshal(result.TriggeredRules)
	if err != nil {
		return nil, err
	}
	all, err := json.Marshal(result.AllRuleResults)
	if err != nil {
		return nil, err
	}
	actions, err := json.Marshal(result.Actions)
	if err != nil {
		return nil, err
	}
	return &database.EvaluationResult{
		ID:                   uuid.NewString(),
		OrganizationID:       tx.OrganizationID,
		TransactionID:        tx.ID,
		AccountID:            tx.AccountID,
		Decision:             result.Decision,
		TriggeredRules:       database.JSONRaw(triggered),
		AllRuleResults:       database.JSONRaw(all),
		Actions:              database.JSONRaw(actions),
		EvaluatedAt:          time.Now().UTC(),
		EvaluationDurationMS: elapsed.Milliseconds(),
	}, nil
}
