package engine

import (
	"encoding/json"
	"fmt"
)

// ValidationError is one structural defect, addressed by a JSON-pointer
// style path into the condition tree.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationResult is the outcome of a structural validation pass.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidateConditions statically validates the raw condition JSON before it
// is persisted, and again after inheritance merging. It works on the
// decoded generic shape so malformed documents surface as errors rather
// than being silently normalized.
func ValidateConditions(raw json.RawMessage) ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ValidationResult{Errors: []ValidationError{{Path: "", Message: "conditions must be valid JSON"}}}
	}
	errs := validateNode(doc, "")
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateNode(doc interface{}, path string) []ValidationError {
	object, ok := doc.(map[string]interface{})
	if !ok {
		return []ValidationError{{Path: path, Message: "condition node must be an object"}}
	}

	var variants []string
	for _, key := range []string{"all", "any", "not"} {
		if _, present := object[key]; present {
			variants = append(variants, key)
		}
	}
	_, hasFact := object["fact"]
	_, hasOperator := object["operator"]
	_, hasValue := object["value"]
	isLeaf := hasFact || hasOperator || hasValue
	if isLeaf {
		variants = append(variants, "leaf")
	}

	if len(variants) == 0 {
		return []ValidationError{{Path: path, Message: "condition node must declare one of all, any, not, or a fact leaf"}}
	}
	if len(variants) > 1 {
		return []ValidationError{{Path: path, Message: fmt.Sprintf("condition node declares conflicting shapes: %v", variants)}}
	}

	switch variants[0] {
	case "all", "any":
		return validateCombinator(object[variants[0]], path+"/"+variants[0])
	case "not":
		return validateNode(object["not"], path+"/not")
	default:
		return validateLeaf(object, path)
	}
}

func validateCombinator(children interface{}, path string) []ValidationError {
	list, ok := children.([]interface{})
	if !ok {
		return []ValidationError{{Path: path, Message: "combinator children must be an array"}}
	}
	if len(list) == 0 {
		return []ValidationError{{Path: path, Message: "combinator children must not be empty"}}
	}
	var errs []ValidationError
	for i, child := range list {
		errs = append(errs, validateNode(child, fmt.Sprintf("%s/%d", path, i))...)
	}
	return errs
}

func validateLeaf(object map[string]interface{}, path string) []ValidationError {
	var errs []ValidationError

	fact, _ := object["fact"].(string)
	if fact == "" {
		errs = append(errs, ValidationError{Path: path + "/fact", Message: "leaf requires a non-empty string fact"})
	}

	operator, _ := object["operator"].(string)
	if !SupportedOperators[operator] {
		errs = append(errs, ValidationError{Path: path + "/operator", Message: fmt.Sprintf("unsupported operator %q", operator)})
		return errs
	}

	value, hasValue := object["value"]
	valuePath := path + "/value"

	switch operator {
	case OpExists, OpNotExists:
		if hasValue {
			errs = append(errs, ValidationError{Path: valuePath, Message: operator + " does not accept a value"})
		}
	case OpIn, OpNotIn:
		list, ok := value.([]interface{})
		if !hasValue || !ok || len(list) == 0 {
			errs = append(errs, ValidationError{Path: valuePath, Message: operator + " requires a non-empty array value"})
		}
	case OpBetween:
		bounds, ok := value.([]interface{})
		if !hasValue || !ok || len(bounds) != 2 {
			errs = append(errs, ValidationError{Path: valuePath, Message: "between requires a two-element numeric array"})
			break
		}
		for i, bound := range bounds {
			if _, numeric := toNumber(bound); !numeric {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("%s/%d", valuePath, i), Message: "between bounds must be numeric"})
			}
		}
	case OpRegex:
		if _, ok := value.(string); !hasValue || !ok {
			errs = append(errs, ValidationError{Path: valuePath, Message: "regex requires a string pattern"})
		}
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		if _, numeric := toNumber(value); !hasValue || !numeric {
			errs = append(errs, ValidationError{Path: valuePath, Message: operator + " requires a numeric value"})
		}
	case OpContains, OpNotContains:
		if _, ok := value.(string); !hasValue || !ok {
			errs = append(errs, ValidationError{Path: valuePath, Message: operator + " requires a string value"})
		}
	case OpEqual, OpNotEqual:
		// Any JSON value is allowed, including null, but the key must be
		// present.
		if !hasValue {
			errs = append(errs, ValidationError{Path: valuePath, Message: operator + " requires a value"})
		}
	}

	return errs
}
