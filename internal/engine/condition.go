package engine

import (
	"encoding/json"
	"time"
)

// Operator names supported by the condition evaluator. The structure
// validator is the authoritative gatekeeper: an operator outside this set
// never reaches evaluation, and if it somehow does it evaluates to false.
const (
	OpEqual              = "equal"
	OpNotEqual           = "notEqual"
	OpGreaterThan        = "greaterThan"
	OpGreaterThanOrEqual = "greaterThanOrEqual"
	OpLessThan           = "lessThan"
	OpLessThanOrEqual    = "lessThanOrEqual"
	OpIn                 = "in"
	OpNotIn              = "notIn"
	OpContains           = "contains"
	OpNotContains        = "notContains"
	OpExists             = "exists"
	OpNotExists          = "notExists"
	OpBetween            = "between"
	OpRegex              = "regex"
)

// SupportedOperators is the closed operator set rule authors may use.
var SupportedOperators = map[string]bool{
	OpEqual:              true,
	OpNotEqual:           true,
	OpGreaterThan:        true,
	OpGreaterThanOrEqual: true,
	OpLessThan:           true,
	OpLessThanOrEqual:    true,
	OpIn:                 true,
	OpNotIn:              true,
	OpContains:           true,
	OpNotContains:        true,
	OpExists:             true,
	OpNotExists:          true,
	OpBetween:            true,
	OpRegex:              true,
}

// Node is one node of a condition tree: exactly one of All, Any, Not or a
// leaf (Fact/Operator/Value). The wire shape is the JSON object
// {all|any|not} or {fact, operator, value?}.
type Node struct {
	All      []*Node
	Any      []*Node
	Not      *Node
	Fact     string
	Operator string
	Value    interface{}
	// HasValue distinguishes "value": null from an absent value key.
	HasValue bool
}

// NodeKind identifies which variant a node carries.
type NodeKind int

const (
	KindInvalid NodeKind = iota
	KindAll
	KindAny
	KindNot
	KindLeaf
)

// Kind reports the variant of the node. A node carrying none or more than
// one variant is KindInvalid.
func (n *Node) Kind() NodeKind {
	if n == nil {
		return KindInvalid
	}
	declared := 0
	kind := KindInvalid
	if n.All != nil {
		declared++
		kind = KindAll
	}
	if n.Any != nil {
		declared++
		kind = KindAny
	}
	if n.Not != nil {
		declared++
		kind = KindNot
	}
	if n.Fact != "" || n.Operator != "" || n.HasValue {
		declared++
		kind = KindLeaf
	}
	if declared != 1 {
		return KindInvalid
	}
	return kind
}

type nodeWire struct {
	All      []*Node         `json:"all,omitempty"`
	Any      []*Node         `json:"any,omitempty"`
	Not      *Node           `json:"not,omitempty"`
	Fact     string          `json:"fact,omitempty"`
	Operator string          `json:"operator,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// UnmarshalJSON decodes the wire shape while keeping track of whether the
// value key was present, so that {"operator":"equal","value":null} and a
// valueless leaf stay distinguishable.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		All      []*Node          `json:"all"`
		Any      []*Node          `json:"any"`
		Not      *Node            `json:"not"`
		Fact     string           `json:"fact"`
		Operator string           `json:"operator"`
		Value    *json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.All = raw.All
	n.Any = raw.Any
	n.Not = raw.Not
	n.Fact = raw.Fact
	n.Operator = raw.Operator
	n.HasValue = raw.Value != nil
	n.Value = nil
	if raw.Value != nil {
		if err := json.Unmarshal(*raw.Value, &n.Value); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON re-emits the wire shape, omitting absent keys.
func (n *Node) MarshalJSON() ([]byte, error) {
	wire := nodeWire{
		All:      n.All,
		Any:      n.Any,
		Not:      n.Not,
		Fact:     n.Fact,
		Operator: n.Operator,
	}
	if n.HasValue {
		value, err := json.Marshal(n.Value)
		if err != nil {
			return nil, err
		}
		wire.Value = value
	}
	return json.Marshal(wire)
}

// Leaf builds a leaf node with a value.
func Leaf(fact, operator string, value interface{}) *Node {
	return &Node{Fact: fact, Operator: operator, Value: value, HasValue: true}
}

// LeafNoValue builds a leaf node without a value (exists / notExists).
func LeafNoValue(fact, operator string) *Node {
	return &Node{Fact: fact, Operator: operator}
}

// All builds an all-combinator node.
func All(children ...*Node) *Node { return &Node{All: children} }

// Any builds an any-combinator node.
func Any(children ...*Node) *Node { return &Node{Any: children} }

// Not builds a not-combinator node.
func Not(child *Node) *Node { return &Node{Not: child} }

// ParseConditions decodes a persisted condition tree.
func ParseConditions(raw json.RawMessage) (*Node, error) {
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Action types a rule version may carry. block_transaction dominates the
// decision; the remaining types downgrade to REVIEW.
const (
	ActionCreateAlert      = "create_alert"
	ActionBlockTransaction = "block_transaction"
	ActionWebhook          = "webhook"
	ActionPublishQueue     = "publish_queue"
)

// Action is one entry of a rule version's ordered action list. Actions are
// recorded on the evaluation result; delivery is out of scope.
type Action struct {
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Category string                 `json:"category,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// Rule is the evaluable projection of a rule version, decoupled from the
// persistence row so the engine stays free of I/O concerns.
type Rule struct {
	VersionID     string
	TemplateID    string
	Priority      int
	Enabled       bool
	DeactivatedAt *time.Time
	Conditions    *Node
	Actions       []Action
	Window        *Window
}
