package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// Facts is the nested fact bundle conditions resolve against:
// {transaction, aggregation, lists, behavior, deviation}.
type Facts map[string]interface{}

// missingValue marks a fact path that resolved to nothing. It is distinct
// from an explicit null so that equal(null) does not match a missing fact.
type missingValue struct{}

var missing = missingValue{}

// Trace mirrors the evaluated tree: combinator nodes carry children, leaf
// nodes carry the resolved comparison.
type Trace struct {
	Combinator string      `json:"combinator,omitempty"`
	Fact       string      `json:"fact,omitempty"`
	Operator   string      `json:"operator,omitempty"`
	Expected   interface{} `json:"expected,omitempty"`
	Actual     interface{} `json:"actual,omitempty"`
	Satisfied  bool        `json:"satisfied"`
	Children   []*Trace    `json:"children,omitempty"`
}

// Evaluate walks the condition tree against the fact bundle. It never
// panics: any ill-typed input evaluates to false (or true for a vacuous
// all). An empty all is true, an empty any is false.
func Evaluate(node *Node, facts Facts) bool {
	switch node.Kind() {
	case KindAll:
		for _, child := range node.All {
			if !Evaluate(child, facts) {
				return false
			}
		}
		return true
	case KindAny:
		for _, child := range node.Any {
			if Evaluate(child, facts) {
				return true
			}
		}
		return false
	case KindNot:
		return !Evaluate(node.Not, facts)
	case KindLeaf:
		return evaluateLeaf(node, facts)
	default:
		return false
	}
}

// EvaluateWithTrace evaluates like Evaluate while recording an isomorphic
// trace tree for audit.
func EvaluateWithTrace(node *Node, facts Facts) (bool, *Trace) {
	switch node.Kind() {
	case KindAll:
		trace := &Trace{Combinator: "all", Satisfied: true}
		for _, child := range node.All {
			ok, childTrace := EvaluateWithTrace(child, facts)
			trace.Children = append(trace.Children, childTrace)
			if !ok {
				trace.Satisfied = false
			}
		}
		return trace.Satisfied, trace
	case KindAny:
		trace := &Trace{Combinator: "any"}
		for _, child := range node.Any {
			ok, childTrace := EvaluateWithTrace(child, facts)
			trace.Children = append(trace.Children, childTrace)
			if ok {
				trace.Satisfied = true
			}
		}
		return trace.Satisfied, trace
	case KindNot:
		ok, childTrace := EvaluateWithTrace(node.Not, facts)
		trace := &Trace{Combinator: "not", Satisfied: !ok, Children: []*Trace{childTrace}}
		return trace.Satisfied, trace
	case KindLeaf:
		satisfied := evaluateLeaf(node, facts)
		actual := ResolveFact(facts, node.Fact)
		if _, isMissing := actual.(missingValue); isMissing {
			actual = nil
		}
		return satisfied, &Trace{
			Fact:      node.Fact,
			Operator:  node.Operator,
			Expected:  node.Value,
			Actual:    actual,
			Satisfied: satisfied,
		}
	default:
		return false, &Trace{Satisfied: false}
	}
}

// ResolveFact walks a dot-notation path into the bundle. Any intermediate
// null or non-object collapses the lookup to missing.
func ResolveFact(facts Facts, path string) interface{} {
	if path == "" {
		return missing
	}
	var current interface{} = map[string]interface{}(facts)
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]interface{})
		if !ok {
			return missing
		}
		value, found := object[segment]
		if !found {
			return missing
		}
		current = value
	}
	return current
}

func evaluateLeaf(node *Node, facts Facts) bool {
	actual := ResolveFact(facts, node.Fact)
	expected := node.Value

	switch node.Operator {
	case OpEqual:
		return strictEqual(actual, expected)
	case OpNotEqual:
		return !strictEqual(actual, expected)
	case OpGreaterThan:
		a, e, ok := bothNumeric(actual, expected)
		return ok && a > e
	case OpGreaterThanOrEqual:
		a, e, ok := bothNumeric(actual, expected)
		return ok && a >= e
	case OpLessThan:
		a, e, ok := bothNumeric(actual, expected)
		return ok && a < e
	case OpLessThanOrEqual:
		a, e, ok := bothNumeric(actual, expected)
		return ok && a <= e
	case OpIn:
		return inList(actual, expected)
	case OpNotIn:
		if _, ok := expected.([]interface{}); !ok {
			return false
		}
		return !inList(actual, expected)
	case OpContains:
		haystack, ok1 := actual.(string)
		needle, ok2 := expected.(string)
		return ok1 && ok2 && strings.Contains(haystack, needle)
	case OpNotContains:
		haystack, ok1 := actual.(string)
		needle, ok2 := expected.(string)
		return ok1 && ok2 && !strings.Contains(haystack, needle)
	case OpExists:
		return exists(actual)
	case OpNotExists:
		return !exists(actual)
	case OpBetween:
		bounds, ok := expected.([]interface{})
		if !ok || len(bounds) != 2 {
			return false
		}
		a, aOK := toNumber(actual)
		min, minOK := toNumber(bounds[0])
		max, maxOK := toNumber(bounds[1])
		return aOK && minOK && maxOK && a >= min && a <= max
	case OpRegex:
		pattern, ok := expected.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Malformed patterns are non-matching, not errors.
			return false
		}
		text, ok := stringify(actual)
		return ok && re.MatchString(text)
	default:
		// Unknown operators are silently non-matching; the structure
		// validator is where authors get feedback.
		return false
	}
}

// exists treats zero values as present; only null and missing are absent.
func exists(actual interface{}) bool {
	if _, isMissing := actual.(missingValue); isMissing {
		return false
	}
	return actual != nil
}

// strictEqual mirrors strict (===) semantics: numbers compare numerically,
// strings and booleans by value, null only equals null, and a missing fact
// equals nothing, null included. Composite values never compare equal.
func strictEqual(actual, expected interface{}) bool {
	if _, isMissing := actual.(missingValue); isMissing {
		return false
	}
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if a, e, ok := bothNumeric(actual, expected); ok {
		return a == e
	}
	switch a := actual.(type) {
	case string:
		e, ok := expected.(string)
		return ok && a == e
	case bool:
		e, ok := expected.(bool)
		return ok && a == e
	}
	return false
}

func bothNumeric(actual, expected interface{}) (float64, float64, bool) {
	a, aOK := toNumber(actual)
	e, eOK := toNumber(expected)
	return a, e, aOK && eOK
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func inList(actual, expected interface{}) bool {
	list, ok := expected.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if strictEqual(actual, item) {
			return true
		}
	}
	return false
}

// stringify renders scalar facts for regex matching. Composite and missing
// values never match.
func stringify(actual interface{}) (string, bool) {
	switch v := actual.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}
