package evaluation

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerguard/compliance-engine/internal/alerts"
	"github.com/ledgerguard/compliance-engine/internal/behavior"
	"github.com/ledgerguard/compliance-engine/internal/cache"
	"github.com/ledgerguard/compliance-engine/internal/config"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/errs"
	"github.com/ledgerguard/compliance-engine/internal/lists"
	"github.com/ledgerguard/compliance-engine/internal/rules"
)

func newPipelineService(t *testing.T, requestTimeout time.Duration) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	templateRepo := database.NewTemplateRepository(db, logger)
	versionRepo := database.NewVersionRepository(db, logger)
	transactionRepo := database.NewTransactionRepository(db, logger)
	evaluationRepo := database.NewEvaluationRepository(db, logger)
	alertRepo := database.NewAlertRepository(db, logger)
	listRepo := database.NewListRepository(db, logger)

	cacheLayer := cache.New(config.CacheConfig{ActiveRulesTTL: time.Minute, ListFactsTTL: time.Minute}, nil, logger)
	versionSvc := rules.NewVersionService(db, templateRepo, versionRepo, cacheLayer, logger)
	listSvc := lists.NewService(db, listRepo, cacheLayer, logger)
	behaviorSvc := behavior.NewService(transactionRepo, 30, 5, logger)
	alertSvc := alerts.NewService(db, alertRepo, logger)
	factBuilder := NewFactBuilder(transactionRepo, listSvc, behaviorSvc, logger)

	return NewService(db, transactionRepo, evaluationRepo, versionSvc, factBuilder, alertSvc, requestTimeout, logger), mock
}

func versionColumns() []string {
	return []string{
		"id", "organization_id", "rule_template_id", "version_number",
		"conditions", "actions", "window", "priority", "enabled",
		"activated_at", "deactivated_at", "created_at",
	}
}

type capturingNotifier struct {
	calls  int
	result *database.EvaluationResult
}

func (n *capturingNotifier) EvaluationCompleted(result *database.EvaluationResult, transaction *database.Transaction, outcome *alerts.Outcome) {
	n.calls++
	n.result = result
}

func TestIngestAndEvaluateNoActiveRules(t *testing.T) {
	svc, mock := newPipelineService(t, 0)
	notifier := &capturingNotifier{}
	svc.AddNotifier(notifier)

	mock.ExpectQuery("SELECT \\* FROM rule_versions").
		WillReturnRows(sqlmock.NewRows(versionColumns()))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO evaluation_results").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := svc.IngestAndEvaluate(context.Background(), IngestInput{
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Type:           "WIRE",
		Amount:         500,
		Currency:       "EUR",
	})
	require.NoError(t, err)

	assert.Equal(t, engine.DecisionAllow, out.Result.Decision)
	assert.Empty(t, out.Alerts.Created)
	assert.Empty(t, out.Alerts.Consolidated)
	assert.Equal(t, out.Transaction.ID, out.Result.TransactionID)

	// Post-commit notification fired exactly once with the stored record.
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, out.Result, notifier.result)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestAndEvaluateHonorsRequestTimeout(t *testing.T) {
	svc, mock := newPipelineService(t, 20*time.Millisecond)

	// The rule load outlives the deadline; the pipeline must give up
	// instead of blocking.
	mock.ExpectQuery("SELECT \\* FROM rule_versions").
		WillDelayFor(500 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows(versionColumns()))

	_, err := svc.IngestAndEvaluate(context.Background(), IngestInput{
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Type:           "WIRE",
		Currency:       "EUR",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidateInput(t *testing.T) {
	valid := IngestInput{
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Type:           "WIRE",
		Currency:       "EUR",
	}
	assert.NoError(t, validateInput(valid))

	tests := []struct {
		name   string
		mutate func(*IngestInput)
		code   errs.Code
	}{
		{"missing organization", func(i *IngestInput) { i.OrganizationID = "" }, errs.OrganizationContextRequired},
		{"missing account", func(i *IngestInput) { i.AccountID = "" }, errs.ValidationError},
		{"missing type", func(i *IngestInput) { i.Type = "" }, errs.ValidationError},
		{"missing currency", func(i *IngestInput) { i.Currency = "" }, errs.ValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := valid
			tt.mutate(&input)
			err := validateInput(input)
			require.Error(t, err)
			assert.True(t, errs.IsCode(err, tt.code))
		})
	}
}

func TestBuildTransaction(t *testing.T) {
	datetime := time.Date(2024, 3, 15, 12, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	tx := buildTransaction(IngestInput{
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Type:           "WIRE",
		Amount:         100,
		Currency:       "EUR",
		Datetime:       datetime,
		Data:           map[string]interface{}{"memo": "x"},
	})

	assert.NotEmpty(t, tx.ID)
	// Timestamps normalize to UTC at the boundary.
	assert.Equal(t, time.UTC, tx.Datetime.Location())
	assert.Equal(t, datetime.UTC(), tx.Datetime)
	assert.False(t, tx.IsVoided)
	assert.False(t, tx.IsBlocked)
	assert.Equal(t, "x", tx.Data["memo"])
}

func TestBuildTransactionDefaultsDatetime(t *testing.T) {
	before := time.Now().UTC()
	tx := buildTransaction(IngestInput{
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Type:           "WIRE",
		Currency:       "EUR",
	})
	after := time.Now().UTC()

	assert.False(t, tx.Datetime.Before(before))
	assert.False(t, tx.Datetime.After(after))
}

func TestBuildTransactionUniqueIDs(t *testing.T) {
	input := IngestInput{OrganizationID: "org-1", AccountID: "acct-1", Type: "WIRE", Currency: "EUR"}
	assert.NotEqual(t, buildTransaction(input).ID, buildTransaction(input).ID)
}

func TestTriggeredRules(t *testing.T) {
	active := []engine.Rule{
		{VersionID: "v1", Priority: 1},
		{VersionID: "v2", Priority: 2},
		{VersionID: "v3", Priority: 3},
	}
	outcomes := []engine.RuleOutcome{
		{RuleVersionID: "v3", Satisfied: true},
		{RuleVersionID: "v1", Satisfied: true},
		{RuleVersionID: "ghost", Satisfied: true},
	}

	triggered := triggeredRules(active, outcomes)
	require.Len(t, triggered, 2)
	// Outcome order wins over priority order.
	assert.Equal(t, "v3", triggered[0].VersionID)
	assert.Equal(t, "v1", triggered[1].VersionID)

	assert.Empty(t, triggeredRules(active, nil))
	assert.Empty(t, triggeredRules(nil, outcomes))
}

func TestBuildRecord(t *testing.T) {
	tx := buildTransaction(IngestInput{
		OrganizationID: "org-1", AccountID: "acct-1", Type: "WIRE", Currency: "EUR",
	})
	result := engine.Result{
		Decision: engine.DecisionReview,
		TriggeredRules: []engine.RuleOutcome{
			{RuleVersionID: "v1", Satisfied: true},
		},
		AllRuleResults: []engine.RuleOutcome{
			{RuleVersionID: "v1", Satisfied: true},
			{RuleVersionID: "v2", Satisfied: false},
		},
		Actions: []engine.Action{{Type: engine.ActionCreateAlert, Severity: "HIGH"}},
	}

	record, err := buildRecord(tx, result, 42*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, tx.ID, record.TransactionID)
	assert.Equal(t, tx.OrganizationID, record.OrganizationID)
	assert.Equal(t, engine.DecisionReview, record.Decision)
	assert.Equal(t, int64(42), record.EvaluationDurationMS)

	var triggered []engine.RuleOutcome
	require.NoError(t, json.Unmarshal(record.TriggeredRules, &triggered))
	require.Len(t, triggered, 1)
	assert.Equal(t, "v1", triggered[0].RuleVersionID)

	var all []engine.RuleOutcome
	require.NoError(t, json.Unmarshal(record.AllRuleResults, &all))
	assert.Len(t, all, 2)

	var actions []engine.Action
	require.NoError(t, json.Unmarshal(record.Actions, &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, engine.ActionCreateAlert, actions[0].Type)
}
