package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFacts() Facts {
	return Facts{
		"transaction": map[string]interface{}{
			"amount":   15000.0,
			"type":     "WIRE",
			"currency": "USD",
			"country":  "DE",
			"data": map[string]interface{}{
				"memo": "invoice 42",
			},
			"isVoided": false,
		},
		"aggregation": map[string]interface{}{
			"count_24hours":      int(12),
			"sum_amount_24hours": 52000.0,
			"count_by_type_24hours": map[string]interface{}{
				"WIRE": 9,
			},
		},
		"lists": map[string]interface{}{
			"isBlacklisted": true,
			"blacklists": map[string]interface{}{
				"SANCTIONED_COUNTRIES": true,
			},
		},
		"behavior": map[string]interface{}{
			"historyCount": 3,
			"isColdStart":  true,
		},
	}
}

func TestResolveFact(t *testing.T) {
	facts := testFacts()

	assert.Equal(t, 15000.0, ResolveFact(facts, "transaction.amount"))
	assert.Equal(t, "invoice 42", ResolveFact(facts, "transaction.data.memo"))
	assert.Equal(t, 9, ResolveFact(facts, "aggregation.count_by_type_24hours.WIRE"))

	// Missing leaves and paths through non-objects collapse to missing.
	assert.Equal(t, missing, ResolveFact(facts, "transaction.nonexistent"))
	assert.Equal(t, missing, ResolveFact(facts, "transaction.amount.deeper"))
	assert.Equal(t, missing, ResolveFact(facts, ""))
	assert.Equal(t, missing, ResolveFact(facts, "nope.at.all"))
}

func TestEvaluateComparisonOperators(t *testing.T) {
	facts := testFacts()

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"equal number", `{"fact":"transaction.amount","operator":"equal","value":15000}`, true},
		{"equal cross numeric types", `{"fact":"aggregation.count_24hours","operator":"equal","value":12.0}`, true},
		{"equal string", `{"fact":"transaction.type","operator":"equal","value":"WIRE"}`, true},
		{"equal bool", `{"fact":"transaction.isVoided","operator":"equal","value":false}`, true},
		{"notEqual", `{"fact":"transaction.currency","operator":"notEqual","value":"EUR"}`, true},
		{"greaterThan true", `{"fact":"transaction.amount","operator":"greaterThan","value":10000}`, true},
		{"greaterThan false", `{"fact":"transaction.amount","operator":"greaterThan","value":20000}`, false},
		{"greaterThan non-numeric actual", `{"fact":"transaction.type","operator":"greaterThan","value":10}`, false},
		{"greaterThanOrEqual boundary", `{"fact":"transaction.amount","operator":"greaterThanOrEqual","value":15000}`, true},
		{"lessThan", `{"fact":"transaction.amount","operator":"lessThan","value":20000}`, true},
		{"lessThanOrEqual", `{"fact":"transaction.amount","operator":"lessThanOrEqual","value":14999}`, false},
		{"in hit", `{"fact":"transaction.country","operator":"in","value":["DE","FR"]}`, true},
		{"in miss", `{"fact":"transaction.country","operator":"in","value":["US","GB"]}`, false},
		{"in non-list value", `{"fact":"transaction.country","operator":"in","value":"DE"}`, false},
		{"notIn", `{"fact":"transaction.country","operator":"notIn","value":["US","GB"]}`, true},
		{"notIn non-list value", `{"fact":"transaction.country","operator":"notIn","value":"US"}`, false},
		{"contains", `{"fact":"transaction.data.memo","operator":"contains","value":"invoice"}`, true},
		{"contains non-string actual", `{"fact":"transaction.amount","operator":"contains","value":"1"}`, false},
		{"notContains", `{"fact":"transaction.data.memo","operator":"notContains","value":"refund"}`, true},
		{"between inclusive", `{"fact":"transaction.amount","operator":"between","value":[15000,20000]}`, true},
		{"between outside", `{"fact":"transaction.amount","operator":"between","value":[0,1000]}`, false},
		{"between malformed", `{"fact":"transaction.amount","operator":"between","value":[1000]}`, false},
		{"regex match", `{"fact":"transaction.type","operator":"regex","value":"^WI"}`, true},
		{"regex malformed pattern", `{"fact":"transaction.type","operator":"regex","value":"(["}`, false},
		{"unknown operator", `{"fact":"transaction.amount","operator":"almostEqual","value":15000}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := ParseConditions(json.RawMessage(tt.condition))
			require.NoError(t, err)
			assert.Equal(t, tt.want, Evaluate(node, facts))
		})
	}
}

func TestEvaluateExistsAndNull(t *testing.T) {
	facts := Facts{
		"transaction": map[string]interface{}{
			"amount":  0.0,
			"channel": nil,
		},
	}

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		// exists is about presence, not truthiness: zero exists.
		{"exists on zero", `{"fact":"transaction.amount","operator":"exists"}`, true},
		{"exists on explicit null", `{"fact":"transaction.channel","operator":"exists"}`, false},
		{"exists on missing", `{"fact":"transaction.country","operator":"exists"}`, false},
		{"notExists on missing", `{"fact":"transaction.country","operator":"notExists"}`, true},
		// equal(null) matches an explicit null but never a missing path.
		{"equal null on explicit null", `{"fact":"transaction.channel","operator":"equal","value":null}`, true},
		{"equal null on missing", `{"fact":"transaction.country","operator":"equal","value":null}`, false},
		{"notEqual null on missing", `{"fact":"transaction.country","operator":"notEqual","value":null}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := ParseConditions(json.RawMessage(tt.condition))
			require.NoError(t, err)
			assert.Equal(t, tt.want, Evaluate(node, facts))
		})
	}
}

func TestEvaluateCombinators(t *testing.T) {
	facts := testFacts()

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{
			"all satisfied",
			`{"all":[
				{"fact":"transaction.amount","operator":"greaterThan","value":10000},
				{"fact":"lists.isBlacklisted","operator":"equal","value":true}
			]}`,
			true,
		},
		{
			"all short-circuits on first false",
			`{"all":[
				{"fact":"transaction.amount","operator":"lessThan","value":1},
				{"fact":"lists.isBlacklisted","operator":"equal","value":true}
			]}`,
			false,
		},
		{
			"any satisfied by one branch",
			`{"any":[
				{"fact":"transaction.amount","operator":"lessThan","value":1},
				{"fact":"behavior.isColdStart","operator":"equal","value":true}
			]}`,
			true,
		},
		{
			"not inverts",
			`{"not":{"fact":"transaction.currency","operator":"equal","value":"EUR"}}`,
			true,
		},
		{
			"nested combinators",
			`{"all":[
				{"any":[
					{"fact":"transaction.country","operator":"in","value":["DE"]},
					{"fact":"transaction.amount","operator":"greaterThan","value":100000}
				]},
				{"not":{"fact":"transaction.isVoided","operator":"equal","value":true}}
			]}`,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := ParseConditions(json.RawMessage(tt.condition))
			require.NoError(t, err)
			assert.Equal(t, tt.want, Evaluate(node, facts))
		})
	}
}

func TestEvaluateVacuousCombinators(t *testing.T) {
	// Structure validation rejects empty combinators at the boundary, but
	// the evaluator still defines them: all=true, any=false.
	all, err := ParseConditions(json.RawMessage(`{"all":[]}`))
	require.NoError(t, err)
	assert.True(t, Evaluate(all, testFacts()))

	anyNode, err := ParseConditions(json.RawMessage(`{"any":[]}`))
	require.NoError(t, err)
	assert.False(t, Evaluate(anyNode, testFacts()))
}

func TestEvaluateNeverPanics(t *testing.T) {
	facts := Facts{
		"transaction": map[string]interface{}{
			"weird": []interface{}{map[string]interface{}{"x": 1}},
		},
	}
	conditions := []string{
		`{"fact":"transaction.weird","operator":"equal","value":[1,2]}`,
		`{"fact":"transaction.weird","operator":"greaterThan","value":"abc"}`,
		`{"fact":"transaction.weird","operator":"in","value":[[1],[2]]}`,
		`{"fact":"transaction.weird","operator":"between","value":["a","b"]}`,
		`{"fact":"transaction.weird","operator":"regex","value":".*"}`,
	}
	for _, raw := range conditions {
		node, err := ParseConditions(json.RawMessage(raw))
		require.NoError(t, err)
		assert.NotPanics(t, func() {
			Evaluate(node, facts)
		})
	}
}

func TestEvaluateWithTraceMirrorsStructure(t *testing.T) {
	node, err := ParseConditions(json.RawMessage(`{"all":[
		{"fact":"transaction.amount","operator":"greaterThan","value":10000},
		{"any":[
			{"fact":"transaction.country","operator":"equal","value":"DE"},
			{"fact":"transaction.country","operator":"equal","value":"FR"}
		]}
	]}`))
	require.NoError(t, err)

	satisfied, trace := EvaluateWithTrace(node, testFacts())
	assert.True(t, satisfied)
	assert.Equal(t, satisfied, Evaluate(node, testFacts()))

	require.Equal(t, "all", trace.Combinator)
	require.Len(t, trace.Children, 2)
	assert.True(t, trace.Satisfied)

	leaf := trace.Children[0]
	assert.Equal(t, "transaction.amount", leaf.Fact)
	assert.Equal(t, 15000.0, leaf.Actual)
	assert.True(t, leaf.Satisfied)

	inner := trace.Children[1]
	assert.Equal(t, "any", inner.Combinator)
	require.Len(t, inner.Children, 2)
	assert.True(t, inner.Children[0].Satisfied)
	assert.False(t, inner.Children[1].Satisfied)
}
