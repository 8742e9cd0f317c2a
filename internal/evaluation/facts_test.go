package evaluation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerguard/compliance-engine/internal/behavior"
	"github.com/ledgerguard/compliance-engine/internal/database"
	"github.com/ledgerguard/compliance-engine/internal/engine"
	"github.com/ledgerguard/compliance-engine/internal/lists"
)

func floatptr(v float64) *float64 { return &v }
func strptr(s string) *string     { return &s }

func TestTransactionFacts(t *testing.T) {
	country := "DE"
	tx := &database.Transaction{
		ID:             "tx-1",
		OrganizationID: "org-1",
		AccountID:      "acct-1",
		Type:           "WIRE",
		Amount:         1500.5,
		Currency:       "EUR",
		Datetime:       time.Date(2024, 3, 15, 17, 30, 0, 0, time.UTC),
		Country:        &country,
		Data:           database.JSONB{"memo": "invoice"},
	}

	facts := transactionFacts(tx)
	assert.Equal(t, 1500.5, facts["amount"])
	assert.Equal(t, "WIRE", facts["type"])
	assert.Equal(t, "acct-1", facts["idAccount"])
	assert.Equal(t, "2024-03-15T17:30:00Z", facts["datetime"])
	assert.Equal(t, "2024-03-15", facts["date"])
	assert.Equal(t, "DE", facts["country"])
	assert.Equal(t, false, facts["isVoided"])

	// Absent optional attributes are missing, not null: exists must see
	// them as absent.
	_, hasChannel := facts["channel"]
	assert.False(t, hasChannel)
	_, hasQuantity := facts["quantity"]
	assert.False(t, hasQuantity)
	_, hasDeviceInfo := facts["deviceInfo"]
	assert.False(t, hasDeviceInfo)

	// Nested maps stay traversable by the fact resolver.
	data, ok := facts["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "invoice", data["memo"])
}

func TestTransactionFactsResolveThroughEngine(t *testing.T) {
	tx := &database.Transaction{
		AccountID: "acct-1",
		Amount:    250.0,
		Type:      "PIX",
		Currency:  "BRL",
		Datetime:  time.Now().UTC(),
		Channel:   strptr("MOBILE"),
		Data:      database.JSONB{"nested": map[string]interface{}{"flag": true}},
	}

	facts := engine.Facts{"transaction": transactionFacts(tx)}
	assert.Equal(t, 250.0, engine.ResolveFact(facts, "transaction.amount"))
	assert.Equal(t, "MOBILE", engine.ResolveFact(facts, "transaction.channel"))
	assert.Equal(t, true, engine.ResolveFact(facts, "transaction.data.nested.flag"))
}

func TestMergeWindowFacts(t *testing.T) {
	aggregation := map[string]interface{}{}
	w := engine.Window{Duration: 24, Unit: engine.UnitHours}
	row := &database.WindowAggregatesRow{
		Count: 5,
		Sum:   floatptr(5200),
		Avg:   floatptr(1040),
		Max:   floatptr(3000),
		Min:   floatptr(100),
	}
	counts := []database.TypeCountRow{{Type: "WIRE", Count: 3}, {Type: "PIX", Count: 2}}

	mergeWindowFacts(aggregation, w, row, counts)

	assert.Equal(t, 5, aggregation["count_24hours"])
	assert.Equal(t, 5200.0, aggregation["sum_amount_24hours"])
	assert.Equal(t, 1040.0, aggregation["avg_amount_24hours"])
	assert.Equal(t, 3000.0, aggregation["max_amount_24hours"])
	assert.Equal(t, 100.0, aggregation["min_amount_24hours"])

	byType, ok := aggregation["count_by_type_24hours"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 3, byType["WIRE"])
	assert.Equal(t, 2, byType["PIX"])
}

func TestMergeWindowFactsEmptyWindow(t *testing.T) {
	aggregation := map[string]interface{}{}
	w := engine.Window{Duration: 7, Unit: engine.UnitDays}

	mergeWindowFacts(aggregation, w, &database.WindowAggregatesRow{Count: 0}, nil)

	// Count and sum are always present; the undefined aggregates are
	// omitted so rules see them as missing.
	assert.Equal(t, 0, aggregation["count_7days"])
	assert.Equal(t, 0.0, aggregation["sum_amount_7days"])
	_, hasAvg := aggregation["avg_amount_7days"]
	assert.False(t, hasAvg)
	_, hasMax := aggregation["max_amount_7days"]
	assert.False(t, hasMax)
	assert.Equal(t, map[string]interface{}{}, aggregation["count_by_type_7days"])
}

func TestUniqueWindows(t *testing.T) {
	w24 := &engine.Window{Duration: 24, Unit: engine.UnitHours}
	w24dup := &engine.Window{Duration: 24, Unit: engine.UnitHours}
	w7d := &engine.Window{Duration: 7, Unit: engine.UnitDays}

	rules := []engine.Rule{
		{VersionID: "v1", Window: w24},
		{VersionID: "v2"},
		{VersionID: "v3", Window: w7d},
		{VersionID: "v4", Window: w24dup},
	}

	windows := uniqueWindows(rules)
	require.Len(t, windows, 2)
	assert.Equal(t, *w24, windows[0])
	assert.Equal(t, *w7d, windows[1])

	assert.Empty(t, uniqueWindows(nil))
	assert.Empty(t, uniqueWindows([]engine.Rule{{VersionID: "v1"}}))
}

func TestListMembershipFacts(t *testing.T) {
	facts := listMembershipFacts(&lists.Facts{
		Blacklists:    map[string]bool{"SANCTIONED": true},
		Whitelists:    map[string]bool{"TRUSTED": false},
		IsBlacklisted: true,
	})

	// The projection is resolver-traversable all the way down.
	bundle := engine.Facts{"lists": facts}
	assert.Equal(t, true, engine.ResolveFact(bundle, "lists.isBlacklisted"))
	assert.Equal(t, true, engine.ResolveFact(bundle, "lists.blacklists.SANCTIONED"))
	assert.Equal(t, false, engine.ResolveFact(bundle, "lists.whitelists.TRUSTED"))
}

func TestBehaviorFactsProjection(t *testing.T) {
	baseline := baselineFacts(behavior.Baseline{
		HistoryCount:     12,
		AvgAmount:        floatptr(800),
		TypicalCountries: []string{"DE", "FR"},
		IsColdStart:      false,
	})
	assert.Equal(t, 12, baseline["historyCount"])
	assert.Equal(t, 800.0, baseline["avgAmount"])
	assert.Equal(t, []interface{}{"DE", "FR"}, baseline["typicalCountries"])
	_, hasStd := baseline["stdAmount"]
	assert.False(t, hasStd)

	deviation := deviationFacts(behavior.Deviation{
		AmountRatio:  floatptr(4.5),
		IsNewCountry: true,
		IsColdStart:  false,
	})
	assert.Equal(t, 4.5, deviation["amountRatio"])
	assert.Equal(t, true, deviation["isNewCountry"])
	_, hasZ := deviation["amountZScore"]
	assert.False(t, hasZ)
}
