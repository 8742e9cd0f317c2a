package alerts

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/errs"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	repo := database.NewAlertRepository(db, logger)
	return NewService(db, repo, logger), mock
}

func alertColumns() []string {
	return []string{
		"id", "organization_id", "evaluation_result_id", "rule_version_id",
		"transaction_id", "account_id", "dedup_key", "severity", "category",
		"status", "message", "metadata", "suppressed_count", "resolved_at",
		"resolved_by", "created_at", "updated_at",
	}
}

func alertRow(id, status, dedupKey string, suppressed int) []driverValue {
	now := time.Now().UTC()
	return []driverValue{
		id, "org-1", "eval-1", "rv-1", "tx-1", "acct-1", dedupKey,
		"HIGH", "AML", status, nil, []byte(`{"relatedTransactionIds":["tx-1"]}`),
		suppressed, nil, nil, now, now,
	}
}

type driverValue = interface{}

func TestDedupKey(t *testing.T) {
	anchor := time.Date(2024, 3, 15, 17, 42, 0, 0, time.UTC)

	// Without a window the bucket is the UTC calendar day.
	key := DedupKey("acct-1", "rv-1", anchor, nil)
	assert.Equal(t, "acct-1:rv-1:2024-03-15T00:00:00Z", key)

	// With a window the bucket quantizes to the window span.
	w := &engine.Window{Duration: 6, Unit: engine.UnitHours}
	assert.Equal(t, "acct-1:rv-1:2024-03-15T12:00:00Z", DedupKey("acct-1", "rv-1", anchor, w))

	// Two triggers inside the same bucket share the key.
	later := anchor.Add(2 * time.Hour)
	assert.Equal(t, DedupKey("acct-1", "rv-1", anchor, nil), DedupKey("acct-1", "rv-1", later, nil))

	// Different account or rule version never collide.
	assert.NotEqual(t, key, DedupKey("acct-2", "rv-1", anchor, nil))
	assert.NotEqual(t, key, DedupKey("acct-1", "rv-2", anchor, nil))
}

func consolidationFixture() (*database.EvaluationResult, *database.Transaction, []engine.Rule) {
	result := &database.EvaluationResult{
		ID:             "eval-1",
		OrganizationID: "org-1",
		TransactionID:  "tx-1",
		AccountID:      "acct-1",
		Decision:       engine.DecisionReview,
	}
	tx := &database.Transaction{
		ID:             "tx-1",
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Datetime:       time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	rules := []engine.Rule{{
		VersionID: "rv-1",
		Actions: []engine.Action{{
			Type:     engine.ActionCreateAlert,
			Severity: "HIGH",
			Category: "AML",
			Message:  "threshold exceeded",
		}},
	}}
	return result, tx, rules
}

func TestConsolidateCreatesNewAlert(t *testing.T) {
	svc, mock := newTestService(t)
	result, tx, rules := consolidationFixture()

	mock.ExpectQuery("SELECT \\* FROM alerts").
		WillReturnRows(sqlmock.NewRows(alertColumns()))
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := svc.Consolidate(context.Background(), svc.db, result, tx, rules)
	require.NoError(t, err)
	require.Len(t, outcome.Created, 1)
	assert.Empty(t, outcome.Consolidated)

	created := outcome.Created[0]
	assert.Equal(t, "acct-1:rv-1:2024-03-15T00:00:00Z", created.DedupKey)
	assert.Equal(t, database.AlertOpen, created.Status)
	assert.Equal(t, "HIGH", created.Severity)
	assert.Equal(t, 0, created.SuppressedCount)
	assert.Equal(t, []interface{}{"tx-1"}, created.Metadata["relatedTransactionIds"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsolidateSuppressesExistingAlert(t *testing.T) {
	svc, mock := newTestService(t)
	result, tx, rules := consolidationFixture()
	key := DedupKey("acct-1", "rv-1", tx.Datetime, nil)

	rows := sqlmock.NewRows(alertColumns()).AddRow(alertRow("alert-1", database.AlertOpen, key, 2)...)
	mock.ExpectQuery("SELECT \\* FROM alerts").WillReturnRows(rows)
	mock.ExpectExec("UPDATE alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := svc.Consolidate(context.Background(), svc.db, result, tx, rules)
	require.NoError(t, err)
	assert.Empty(t, outcome.Created)
	require.Len(t, outcome.Consolidated, 1)

	suppressed := outcome.Consolidated[0]
	assert.Equal(t, 3, suppressed.SuppressedCount)
	assert.Equal(t, "tx-1", suppressed.Metadata["lastTriggeredTransactionId"])
	assert.Equal(t, "eval-1", suppressed.Metadata["lastEvaluationResultId"])
	assert.Equal(t, []interface{}{"tx-1", "tx-1"}, suppressed.Metadata["relatedTransactionIds"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsolidateSkipsRulesWithoutAlertActions(t *testing.T) {
	svc, mock := newTestService(t)
	result, tx, _ := consolidationFixture()

	rules := []engine.Rule{{
		VersionID: "rv-1",
		Actions:   []engine.Action{{Type: engine.ActionBlockTransaction}},
	}}

	// No alert action means no lookup and no writes.
	outcome, err := svc.Consolidate(context.Background(), svc.db, result, tx, rules)
	require.NoError(t, err)
	assert.Empty(t, outcome.Created)
	assert.Empty(t, outcome.Consolidated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsolidateCollapsesMultipleAlertActions(t *testing.T) {
	svc, mock := newTestService(t)
	result, tx, _ := consolidationFixture()

	rules := []engine.Rule{{
		VersionID: "rv-1",
		Actions: []engine.Action{
			{Type: engine.ActionCreateAlert, Severity: "LOW", Category: "AML"},
			{Type: engine.ActionCreateAlert, Severity: "HIGH", Category: "FRAUD"},
		},
	}}

	mock.ExpectQuery("SELECT \\* FROM alerts").
		WillReturnRows(sqlmock.NewRows(alertColumns()))
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := svc.Consolidate(context.Background(), svc.db, result, tx, rules)
	require.NoError(t, err)
	require.Len(t, outcome.Created, 1)

	// The first action wins; the count is recorded.
	created := outcome.Created[0]
	assert.Equal(t, "LOW", created.Severity)
	assert.Equal(t, 2, created.Metadata["alertActionCount"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLegalPaths(t *testing.T) {
	tests := []struct {
		from string
		to   string
	}{
		{database.AlertOpen, database.AlertAcknowledged},
		{database.AlertOpen, database.AlertResolved},
		{database.AlertOpen, database.AlertDismissed},
		{database.AlertAcknowledged, database.AlertResolved},
		{database.AlertAcknowledged, database.AlertDismissed},
	}

	for _, tt := range tests {
		t.Run(tt.from+"_to_"+tt.to, func(t *testing.T) {
			svc, mock := newTestService(t)

			rows := sqlmock.NewRows(alertColumns()).AddRow(alertRow("alert-1", tt.from, "k", 0)...)
			mock.ExpectQuery("SELECT \\* FROM alerts").WillReturnRows(rows)
			mock.ExpectExec("UPDATE alerts").WillReturnResult(sqlmock.NewResult(0, 1))

			alert, err := svc.Transition(context.Background(), "org-1", "alert-1", tt.to, "analyst@example.com")
			require.NoError(t, err)
			assert.Equal(t, tt.to, alert.Status)

			if tt.to == database.AlertResolved || tt.to == database.AlertDismissed {
				require.NotNil(t, alert.ResolvedAt)
				require.NotNil(t, alert.ResolvedBy)
				assert.Equal(t, "analyst@example.com", *alert.ResolvedBy)
			} else {
				assert.Nil(t, alert.ResolvedAt)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransitionIllegalPaths(t *testing.T) {
	tests := []struct {
		from string
		to   string
	}{
		{database.AlertResolved, database.AlertOpen},
		{database.AlertResolved, database.AlertAcknowledged},
		{database.AlertDismissed, database.AlertResolved},
		{database.AlertAcknowledged, database.AlertOpen},
		{database.AlertOpen, database.AlertOpen},
	}

	for _, tt := range tests {
		t.Run(tt.from+"_to_"+tt.to, func(t *testing.T) {
			svc, mock := newTestService(t)

			rows := sqlmock.NewRows(alertColumns()).AddRow(alertRow("alert-1", tt.from, "k", 0)...)
			mock.ExpectQuery("SELECT \\* FROM alerts").WillReturnRows(rows)

			_, err := svc.Transition(context.Background(), "org-1", "alert-1", tt.to, "analyst")
			require.Error(t, err)
			assert.True(t, errs.IsCode(err, errs.InvalidState))

			var typed *errs.Error
			require.ErrorAs(t, err, &typed)
			assert.Equal(t, tt.from, typed.Details["currentStatus"])

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransitionNotFound(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery("SELECT \\* FROM alerts").
		WillReturnRows(sqlmock.NewRows(alertColumns()))

	_, err := svc.Transition(context.Background(), "org-1", "missing", database.AlertResolved, "analyst")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.EntityNotFound))
}

func TestTransitionRequiresOrganization(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Transition(context.Background(), "", "alert-1", database.AlertResolved, "analyst")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.OrganizationContextRequired))
}
