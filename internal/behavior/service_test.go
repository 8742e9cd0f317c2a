package behavior

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
)

func newTestService(t *testing.T, lookbackDays, coldStartThreshold int) (*Service, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	repo := database.NewTransactionRepository(db, logger)
	return NewService(repo, lookbackDays, coldStartThreshold, logger), db, mock
}

func baselineColumns() []string {
	return []string{"history_count", "avg_amount", "std_amount", "countries", "channels"}
}

func sampleTx(amount float64, country, channel *string) *database.Transaction {
	return &database.Transaction{
		ID:             "tx-1",
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Amount:         amount,
		Datetime:       time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
		Country:        country,
		Channel:        channel,
	}
}

func TestComputeFactsEstablishedBaseline(t *testing.T) {
	svc, db, mock := newTestService(t, 30, 5)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows(baselineColumns()).
			AddRow(40, 1000.0, 200.0, "{DE,FR}", "{WEB}"))

	country := "BR"
	facts, err := svc.ComputeFacts(context.Background(), db, sampleTx(5000, &country, nil))
	require.NoError(t, err)

	baseline := facts.Baseline
	assert.Equal(t, 40, baseline.HistoryCount)
	assert.False(t, baseline.IsColdStart)
	assert.Equal(t, []string{"DE", "FR"}, baseline.TypicalCountries)
	assert.Equal(t, []string{"WEB"}, baseline.TypicalChannels)
	require.NotNil(t, baseline.AvgFrequencyDay)
	assert.InDelta(t, 1.3333, *baseline.AvgFrequencyDay, 0.0001)

	deviation := facts.Deviation
	require.NotNil(t, deviation.AmountRatio)
	assert.InDelta(t, 5.0, *deviation.AmountRatio, 1e-9)
	require.NotNil(t, deviation.AmountZScore)
	assert.InDelta(t, 20.0, *deviation.AmountZScore, 1e-9)
	assert.True(t, deviation.IsNewCountry)
	// No channel on the transaction means no novelty signal.
	assert.False(t, deviation.IsNewChannel)
	assert.False(t, deviation.IsColdStart)
}

func TestComputeFactsColdStart(t *testing.T) {
	svc, db, mock := newTestService(t, 30, 5)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows(baselineColumns()).
			AddRow(2, 100.0, nil, "{DE}", nil))

	country := "DE"
	facts, err := svc.ComputeFacts(context.Background(), db, sampleTx(500, &country, nil))
	require.NoError(t, err)

	assert.True(t, facts.Baseline.IsColdStart)
	assert.True(t, facts.Deviation.IsColdStart)

	// Ratio still computes from the sparse average; the z-score needs a
	// spread and stays absent.
	require.NotNil(t, facts.Deviation.AmountRatio)
	assert.InDelta(t, 5.0, *facts.Deviation.AmountRatio, 1e-9)
	assert.Nil(t, facts.Deviation.AmountZScore)
	assert.False(t, facts.Deviation.IsNewCountry)
}

func TestComputeFactsEmptyHistory(t *testing.T) {
	svc, db, mock := newTestService(t, 30, 5)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows(baselineColumns()).
			AddRow(0, nil, nil, nil, nil))

	country := "DE"
	channel := "WEB"
	facts, err := svc.ComputeFacts(context.Background(), db, sampleTx(500, &country, &channel))
	require.NoError(t, err)

	assert.Equal(t, 0, facts.Baseline.HistoryCount)
	assert.True(t, facts.Baseline.IsColdStart)
	assert.Nil(t, facts.Baseline.AvgAmount)
	assert.Nil(t, facts.Baseline.AvgFrequencyDay)
	assert.Empty(t, facts.Baseline.TypicalCountries)

	assert.Nil(t, facts.Deviation.AmountRatio)
	assert.Nil(t, facts.Deviation.AmountZScore)
	// An empty history set never flags novelty.
	assert.False(t, facts.Deviation.IsNewCountry)
	assert.False(t, facts.Deviation.IsNewChannel)
}

func TestComputeFactsWindowBounds(t *testing.T) {
	svc, db, mock := newTestService(t, 7, 5)

	anchor := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT").
		WithArgs("org-1", "acct-1", anchor.Add(-7*24*time.Hour), anchor, "tx-1").
		WillReturnRows(sqlmock.NewRows(baselineColumns()).
			AddRow(0, nil, nil, nil, nil))

	_, err := svc.ComputeFacts(context.Background(), db, sampleTx(100, nil, nil))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsNewValue(t *testing.T) {
	v := "BR"
	assert.True(t, isNewValue(&v, []string{"DE", "FR"}))

	known := "DE"
	assert.False(t, isNewValue(&known, []string{"DE", "FR"}))
	assert.False(t, isNewValue(nil, []string{"DE"}))
	assert.False(t, isNewValue(&v, nil))
	assert.False(t, isNewValue(&v, []string{}))
}
