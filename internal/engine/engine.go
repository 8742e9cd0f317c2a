package engine

// Decisions produced for an evaluated transaction. BLOCK dominates REVIEW
// dominates ALLOW.
const (
	DecisionAllow  = "ALLOW"
	DecisionReview = "REVIEW"
	DecisionBlock  = "BLOCK"
)

// RuleOutcome records one rule's evaluation against one transaction.
type RuleOutcome struct {
	RuleVersionID string `json:"rule_version_id"`
	Priority      int    `json:"priority"`
	Satisfied     bool   `json:"satisfied"`
}

// Result is the full outcome of evaluating a transaction against the
// active rule set.
type Result struct {
	Decision       string
	TriggeredRules []RuleOutcome
	AllRuleResults []RuleOutcome
	Actions        []Action
}

// EvaluateTransaction runs every rule, in the order provided, against the
// fact bundle and derives the decision from the collected actions. It is a
// pure function of (rules, facts): two calls with equal inputs produce
// equal outputs.
func EvaluateTransaction(rules []Rule, facts Facts) Result {
	result := Result{
		Decision:       DecisionAllow,
		TriggeredRules: []RuleOutcome{},
		AllRuleResults: []RuleOutcome{},
		Actions:        []Action{},
	}

	for _, rule := range rules {
		satisfied := Evaluate(rule.Conditions, facts)
		outcome := RuleOutcome{
			RuleVersionID: rule.VersionID,
			Priority:      rule.Priority,
			Satisfied:     satisfied,
		}
		result.AllRuleResults = append(result.AllRuleResults, outcome)
		if satisfied {
			result.TriggeredRules = append(result.TriggeredRules, outcome)
			result.Actions = append(result.Actions, rule.Actions...)
		}
	}

	result.Decision = deriveDecision(result.Actions)
	return result
}

func deriveDecision(actions []Action) string {
	decision := DecisionAllow
	for _, action := range actions {
		switch action.Type {
		case ActionBlockTransaction:
			return DecisionBlock
		case ActionCreateAlert, ActionWebhook, ActionPublishQueue:
			decision = DecisionReview
		}
	}
	return decision
}
