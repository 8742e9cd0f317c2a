package behavior

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ledgerguard/compliance-engine/internal/database"
)

// Baseline summarizes an account's history over the lookback window.
type Baseline struct {
	HistoryCount     int      `json:"historyCount"`
	AvgAmount        *float64 `json:"avgAmount"`
	StdAmount        *float64 `json:"stdAmount"`
	TypicalCountries []string `json:"typicalCountries"`
	TypicalChannels  []string `json:"typicalChannels"`
	AvgFrequencyDay  *float64 `json:"avgFrequencyPerDay"`
	IsColdStart      bool     `json:"isColdStart"`
}

// Deviation measures how far the evaluated transaction departs from the
// baseline.
type Deviation struct {
	AmountRatio  *float64 `json:"amountRatio"`
	AmountZScore *float64 `json:"amountZScore"`
	IsNewCountry bool     `json:"isNewCountry"`
	IsNewChannel bool     `json:"isNewChannel"`
	IsColdStart  bool     `json:"isColdStart"`
}

// Facts is the behavioral slice of the fact bundle.
type Facts struct {
	Baseline  Baseline
	Deviation Deviation
}

// Service computes behavioral baseline and deviation facts from the
// account's transaction history, anchored to the evaluated transaction's
// datetime so the result is wall-clock independent.
type Service struct {
	transactions       *database.TransactionRepository
	lookbackDays       int
	coldStartThreshold int
	logger             *slog.Logger
}

// NewService creates a new behavioral baseline service.
func NewService(transactions *database.TransactionRepository, lookbackDays, coldStartThreshold int, logger *slog.Logger) *Service {
	return &Service{
		transactions:       transactions,
		lookbackDays:       lookbackDays,
		coldStartThreshold: coldStartThreshold,
		logger:             logger,
	}
}

// ComputeFacts aggregates the account's history over the lookback window
// ending at the transaction datetime, excluding the transaction itself,
// and derives the deviation of the evaluated transaction.
func (s *Service) ComputeFacts(ctx context.Context, q sqlx.ExtContext, tx *database.Transaction) (*Facts, error) {
	end := tx.Datetime
	start := end.Add(-time.Duration(s.lookbackDays) * 24 * time.Hour)

	row, err := s.transactions.BehaviorAggregates(ctx, q, tx.OrganizationID, tx.AccountID, tx.ID, start, end)
	if err != nil {
		return nil, err
	}

	baseline := Baseline{
		HistoryCount:     row.HistoryCount,
		AvgAmount:        row.AvgAmount,
		StdAmount:        row.StdAmount,
		TypicalCountries: append([]string{}, row.Countries...),
		TypicalChannels:  append([]string{}, row.Channels...),
		IsColdStart:      row.HistoryCount < s.coldStartThreshold,
	}
	if row.HistoryCount > 0 {
		freq := round4(float64(row.HistoryCount) / float64(s.lookbackDays))
		baseline.AvgFrequencyDay = &freq
	}

	deviation := Deviation{IsColdStart: baseline.IsColdStart}
	if baseline.AvgAmount != nil && *baseline.AvgAmount > 0 {
		ratio := tx.Amount / *baseline.AvgAmount
		deviation.AmountRatio = &ratio
	}
	if baseline.AvgAmount != nil && baseline.StdAmount != nil && *baseline.StdAmount > 0 {
		z := (tx.Amount - *baseline.AvgAmount) / *baseline.StdAmount
		deviation.AmountZScore = &z
	}
	deviation.IsNewCountry = isNewValue(tx.Country, baseline.TypicalCountries)
	deviation.IsNewChannel = isNewValue(tx.Channel, baseline.TypicalChannels)

	return &Facts{Baseline: baseline, Deviation: deviation}, nil
}

// isNewValue is true only when the history set is non-empty, the
// transaction carries the attribute, and the value is absent from the
// set.
func isNewValue(value *string, typical []string) bool {
	if value == nil || len(typical) == 0 {
		return false
	}
	for _, t := range typical {
		if t == *value {
			return false
		}
	}
	return true
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
