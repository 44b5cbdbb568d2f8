package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Checker applies one acceptance check to an evidence artifact.
type Checker func(ev Evidence, check Check) CriterionResult

// builtinCheckers maps check type names to implementations.
var builtinCheckers = map[string]Checker{
	"not_empty":     checkNotEmpty,
	"contains":      checkContains,
	"matches_regex": checkMatchesRegex,
	"threshold_gte": checkThresholdGTE,
	"json_schema":   checkJSONSchema,
}

// RegisterChecker adds a custom checker, e.g. an external probe backed by
// a live endpoint.
func RegisterChecker(name string, c Checker) {
	builtinCheckers[name] = c
}

// GetChecker returns the checker for a check type, or nil.
func GetChecker(name string) Checker {
	return builtinCheckers[name]
}

func checkNotEmpty(ev Evidence, check Check) CriterionResult {
	passed := strings.TrimSpace(ev.Content) != ""
	msg := check.Message
	if !passed && msg == "" {
		msg = "evidence is empty"
	}
	return CriterionResult{Passed: passed, Actual: truncate(ev.Content, 200), Note: msg}
}

func checkContains(ev Evidence, check Check) CriterionResult {
	expected := fmt.Sprintf("%v", check.Expected)
	passed := strings.Contains(ev.Content, expected)
	msg := check.Message
	if !passed && msg == "" {
		msg = fmt.Sprintf("evidence does not contain %q", expected)
	}
	return CriterionResult{Passed: passed, Actual: truncate(ev.Content, 200), Note: msg}
}

func checkMatchesRegex(ev Evidence, check Check) CriterionResult {
	pattern := fmt.Sprintf("%v", check.Expected)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return CriterionResult{Passed: false, Note: fmt.Sprintf("matches_regex: invalid pattern %q: %v", pattern, err)}
	}
	passed := re.MatchString(ev.Content)
	msg := check.Message
	if !passed && msg == "" {
		msg = fmt.Sprintf("evidence does not match regex %q", pattern)
	}
	return CriterionResult{Passed: passed, Actual: truncate(ev.Content, 200), Note: msg}
}

// checkThresholdGTE parses the evidence as a number and compares it to
// the expected threshold.
func checkThresholdGTE(ev Evidence, check Check) CriterionResult {
	threshold, err := toFloat(check.Expected)
	if err != nil {
		return CriterionResult{Passed: false, Note: fmt.Sprintf("threshold_gte: invalid expected value: %v", check.Expected)}
	}
	actual, err := strconv.ParseFloat(strings.TrimSpace(ev.Content), 64)
	if err != nil {
		return CriterionResult{Passed: false, Actual: truncate(ev.Content, 64), Note: fmt.Sprintf("threshold_gte: evidence is not numeric: %v", err)}
	}
	passed := actual >= threshold
	msg := check.Message
	if !passed && msg == "" {
		msg = fmt.Sprintf("value %g is below threshold %g", actual, threshold)
	}
	return CriterionResult{Passed: passed, Actual: actual, Note: msg}
}

// checkJSONSchema verifies the evidence is valid JSON and, when the
// expected value carries a "required" key list, that those keys exist.
func checkJSONSchema(ev Evidence, check Check) CriterionResult {
	var parsed any
	if err := json.Unmarshal([]byte(ev.Content), &parsed); err != nil {
		return CriterionResult{Passed: false, Actual: truncate(ev.Content, 200), Note: fmt.Sprintf("json_schema: not valid JSON: %v", err)}
	}

	if schema, ok := check.Expected.(map[string]any); ok {
		if required, ok := schema["required"].([]any); ok {
			obj, ok := parsed.(map[string]any)
			if !ok {
				return CriterionResult{Passed: false, Actual: parsed, Note: "json_schema: not a JSON object"}
			}
			for _, key := range required {
				keyStr := fmt.Sprintf("%v", key)
				if _, exists := obj[keyStr]; !exists {
					return CriterionResult{Passed: false, Actual: parsed, Note: fmt.Sprintf("json_schema: missing required key %q", keyStr)}
				}
			}
		}
	}

	msg := check.Message
	if msg == "" {
		msg = "JSON is valid"
	}
	return CriterionResult{Passed: true, Actual: parsed, Note: msg}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
