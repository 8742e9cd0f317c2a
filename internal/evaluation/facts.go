package evaluation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerguard/compliance-engine/internal/behavior"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/lists"
)

// FactBuilder assembles the nested fact bundle one evaluation resolves
// against. The aggregation queries for distinct windows, the list lookup
// and the behavioral baseline run concurrently against the pool; every
// query is anchored to the transaction datetime and excludes the
// transaction itself, so results are identical whether the row is already
// visible or not.
type FactBuilder struct {
	transactions *database.TransactionRepository
	lists        *lists.Service
	behavior     *behavior.Service
	logger       *slog.Logger
}

// NewFactBuilder creates a new fact builder.
func NewFactBuilder(
	transactions *database.TransactionRepository,
	lists *lists.Service,
	behavior *behavior.Service,
	logger *slog.Logger,
) *FactBuilder {
	return &FactBuilder{
		transactions: transactions,
		lists:        lists,
		behavior:     behavior,
		logger:       logger,
	}
}

// Build resolves the complete fact bundle for a transaction against the
// windows referenced by the active rule set.
func (b *FactBuilder) Build(ctx context.Context, db *sqlx.DB, tx *database.Transaction, rules []engine.Rule) (engine.Facts, error) {
	facts := engine.Facts{
		"transaction": transactionFacts(tx),
	}

	windows := uniqueWindows(rules)

	var (
		mu          sync.Mutex
		aggregation = map[string]interface{}{}
		listFacts   *lists.Facts
		behavioral  *behavior.Facts
	)

	group, groupCtx := errgroup.WithContext(ctx)

	for _, w := range windows {
		w := w
		group.Go(func() error {
			start, end, err := engine.ComputeBounds(tx.Datetime, w)
			if err != nil {
				return err
			}
			row, err := b.transactions.WindowAggregates(groupCtx, db, tx.OrganizationID, tx.AccountID, tx.ID, start, end)
			if err != nil {
				return err
			}
			typeCounts, err := b.transactions.CountByTypeInWindow(groupCtx, db, tx.OrganizationID, tx.AccountID, tx.ID, start, end)
			if err != nil {
				return err
			}
			mu.Lock()
			mergeWindowFacts(aggregation, w, row, typeCounts)
			mu.Unlock()
			return nil
		})
	}

	group.Go(func() error {
		resolved, err := b.lists.ResolveFacts(groupCtx, db, tx.OrganizationID, lists.Attributes{
			Country:        tx.Country,
			AccountID:      &tx.AccountID,
			CounterpartyID: tx.CounterpartyID,
		})
		if err != nil {
			return err
		}
		mu.Lock()
		listFacts = resolved
		mu.Unlock()
		return nil
	})

	group.Go(func() error {
		computed, err := b.behavior.ComputeFacts(groupCtx, db, tx)
		if err != nil {
			return err
		}
		mu.Lock()
		behavioral = computed
		mu.Unlock()
		return nil
	})

	if err := group.Wait(); err != nil {
		return nil, err
	}

	facts["aggregation"] = aggregation
	facts["lists"] = listMembershipFacts(listFacts)
	facts["behavior"] = baselineFacts(behavioral.Baseline)
	facts["deviation"] = deviationFacts(behavioral.Deviation)
	return facts, nil
}

// uniqueWindows collects the distinct windows referenced by the rule set,
// in first-seen order.
func uniqueWindows(rules []engine.Rule) []engine.Window {
	seen := map[string]bool{}
	var windows []engine.Window
	for _, rule := range rules {
		if rule.Window == nil {
			continue
		}
		key := rule.Window.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		windows = append(windows, *rule.Window)
	}
	return windows
}

// transactionFacts projects the transaction onto fact paths. Absent
// optional attributes are omitted so they resolve to missing, not null.
func transactionFacts(tx *database.Transaction) map[string]interface{} {
	facts := map[string]interface{}{
		"amount":    tx.Amount,
		"type":      tx.Type,
		"currency":  tx.Currency,
		"datetime":  tx.Datetime.UTC().Format(time.RFC3339),
		"date":      tx.Datetime.UTC().Format("2006-01-02"),
		"idAccount": tx.AccountID,
		"isVoided":  tx.IsVoided,
		"isBlocked": tx.IsBlocked,
	}
	putString := func(key string, value *string) {
		if value != nil {
			facts[key] = *value
		}
	}
	putFloat := func(key string, value *float64) {
		if value != nil {
			facts[key] = *value
		}
	}
	putString("subType", tx.SubType)
	putString("country", tx.Country)
	putString("counterpartyId", tx.CounterpartyID)
	putString("channel", tx.Channel)
	putString("asset", tx.Asset)
	putString("origin", tx.Origin)
	putString("externalCode", tx.ExternalCode)
	putString("currencyNormalized", tx.CurrencyNormalized)
	putFloat("amountNormalized", tx.AmountNormalized)
	putFloat("quantity", tx.Quantity)
	putFloat("price", tx.Price)
	if tx.Data != nil {
		facts["data"] = map[string]interface{}(tx.Data)
	}
	if tx.DeviceInfo != nil {
		facts["deviceInfo"] = map[string]interface{}(tx.DeviceInfo)
	}
	return facts
}

// mergeWindowFacts adds one window's aggregates under suffixed fact keys,
// e.g. count_24hours and sum_amount_24hours for a {24, hours} window.
func mergeWindowFacts(aggregation map[string]interface{}, w engine.Window, row *database.WindowAggregatesRow, typeCounts []database.TypeCountRow) {
	suffix := w.FactSuffix()
	aggregation["count_"+suffix] = row.Count
	sum := 0.0
	if row.Sum != nil {
		sum = *row.Sum
	}
	aggregation["sum_amount_"+suffix] = sum
	if row.Avg != nil {
		aggregation["avg_amount_"+suffix] = *row.Avg
	}
	if row.Max != nil {
		aggregation["max_amount_"+suffix] = *row.Max
	}
	if row.Min != nil {
		aggregation["min_amount_"+suffix] = *row.Min
	}
	byType := map[string]interface{}{}
	for _, tc := range typeCounts {
		byType[tc.Type] = tc.Count
	}
	aggregation["count_by_type_"+suffix] = byType
}

func listMembershipFacts(facts *lists.Facts) map[string]interface{} {
	return map[string]interface{}{
		"blacklists":    boolMap(facts.Blacklists),
		"whitelists":    boolMap(facts.Whitelists),
		"isBlacklisted": facts.IsBlacklisted,
		"isWhitelisted": facts.IsWhitelisted,
	}
}

func baselineFacts(b behavior.Baseline) map[string]interface{} {
	facts := map[string]interface{}{
		"historyCount":     b.HistoryCount,
		"typicalCountries": stringSlice(b.TypicalCountries),
		"typicalChannels":  stringSlice(b.TypicalChannels),
		"isColdStart":      b.IsColdStart,
	}
	if b.AvgAmount != nil {
		facts["avgAmount"] = *b.AvgAmount
	}
	if b.StdAmount != nil {
		facts["stdAmount"] = *b.StdAmount
	}
	if b.AvgFrequencyDay != nil {
		facts["avgFrequencyPerDay"] = *b.AvgFrequencyDay
	}
	return facts
}

func deviationFacts(d behavior.Deviation) map[string]interface{} {
	facts := map[string]interface{}{
		"isNewCountry": d.IsNewCountry,
		"isNewChannel": d.IsNewChannel,
		"isColdStart":  d.IsColdStart,
	}
	if d.AmountRatio != nil {
		facts["amountRatio"] = *d.AmountRatio
	}
	if d.AmountZScore != nil {
		facts["amountZScore"] = *d.AmountZScore
	}
	return facts
}

func boolMap(m map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringSlice(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
