// Package rules evaluates failure-detection rules against completed proxy
// exchanges and executes their actions against the offending key.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Exchange is the rule engine's view of one completed (or failed) proxied
// request. A transport failure carries StatusCode 0 and an empty body.
type Exchange struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	LatencyMS  int64
}

// ConditionError marks a rule whose conditions cannot be evaluated. Such a
// rule is skipped with a warning; it never blocks other rules or requests.
type ConditionError struct {
	Reason string
}

func (e *ConditionError) Error() string { return "malformed rule condition: " + e.Reason }

// Condition kinds form a closed set; anything else is rejected at parse time.
const (
	kindStatusCode     = "status_code"
	kindResponseBody   = "response_body"
	kindResponseHeader = "response_header"
	kindLatency        = "latency"
	kindJSONPath       = "json_path"
	kindComposite      = "composite"
)

// Condition is a parsed rule condition tree.
type Condition struct {
	kind     string
	operator string

	intValue   int64
	strValue   string
	anyValue   any
	headerName string
	path       string

	logic    string
	children []*Condition
}

type rawCondition struct {
	Type       string            `json:"type"`
	Operator   string            `json:"operator"`
	Value      json.RawMessage   `json:"value"`
	Path       string            `json:"path"`
	HeaderName string            `json:"header_name"`
	Logic      string            `json:"logic"`
	Conditions []json.RawMessage `json:"conditions"`
}

// ParseCondition decodes a condition document into its typed form.
func ParseCondition(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 {
		return nil, &ConditionError{Reason: "empty condition"}
	}
	var rc rawCondition
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, &ConditionError{Reason: err.Error()}
	}

	c := &Condition{kind: rc.Type, operator: rc.Operator, headerName: rc.HeaderName, path: rc.Path}
	switch rc.Type {
	case kindStatusCode, kindLatency:
		if err := unmarshalInt(rc.Value, &c.intValue); err != nil {
			return nil, &ConditionError{Reason: fmt.Sprintf("%s: %v", rc.Type, err)}
		}
		if err := checkOperator(rc.Type, c.operator); err != nil {
			return nil, err
		}
	case kindResponseBody, kindResponseHeader:
		if err := unmarshalString(rc.Value, &c.strValue); err != nil {
			return nil, &ConditionError{Reason: fmt.Sprintf("%s: %v", rc.Type, err)}
		}
		if c.operator == "" {
			c.operator = "contains"
		}
		if err := checkOperator(rc.Type, c.operator); err != nil {
			return nil, err
		}
		if rc.Type == kindResponseHeader && rc.HeaderName == "" {
			return nil, &ConditionError{Reason: "response_header: missing header_name"}
		}
	case kindJSONPath:
		if rc.Path == "" {
			return nil, &ConditionError{Reason: "json_path: missing path"}
		}
		if c.operator == "" {
			c.operator = "equals"
		}
		if err := checkOperator(rc.Type, c.operator); err != nil {
			return nil, err
		}
		if len(rc.Value) > 0 {
			if err := json.Unmarshal(rc.Value, &c.anyValue); err != nil {
				return nil, &ConditionError{Reason: fmt.Sprintf("json_path: %v", err)}
			}
		}
	case kindComposite:
		logic := strings.ToUpper(rc.Logic)
		if logic != "AND" && logic != "OR" {
			return nil, &ConditionError{Reason: fmt.Sprintf("composite: unknown logic %q", rc.Logic)}
		}
		if len(rc.Conditions) == 0 {
			return nil, &ConditionError{Reason: "composite: no sub-conditions"}
		}
		c.logic = logic
		for _, sub := range rc.Conditions {
			child, err := ParseCondition(sub)
			if err != nil {
				return nil, err
			}
			c.children = append(c.children, child)
		}
	default:
		return nil, &ConditionError{Reason: fmt.Sprintf("unknown condition type %q", rc.Type)}
	}
	return c, nil
}

var allowedOperators = map[string]map[string]bool{
	kindStatusCode:     {"==": true, ">": true, ">=": true},
	kindLatency:        {"greater_than": true, "less_than": true},
	kindResponseBody:   {"contains": true, "not_contains": true},
	kindResponseHeader: {"equals": true, "contains": true},
	kindJSONPath:       {"equals": true, "exists": true},
}

func checkOperator(kind, op string) error {
	if !allowedOperators[kind][op] {
		return &ConditionError{Reason: fmt.Sprintf("%s: unknown operator %q", kind, op)}
	}
	return nil
}

// Match evaluates the condition against an exchange.
func (c *Condition) Match(ex *Exchange) bool {
	switch c.kind {
	case kindStatusCode:
		switch c.operator {
		case "==":
			return int64(ex.StatusCode) == c.intValue
		case ">":
			return int64(ex.StatusCode) > c.intValue
		case ">=":
			return int64(ex.StatusCode) >= c.intValue
		}
	case kindResponseBody:
		contains := strings.Contains(ex.Body, c.strValue)
		if c.operator == "not_contains" {
			return !contains
		}
		return contains
	case kindResponseHeader:
		val, ok := lookupHeader(ex.Headers, c.headerName)
		if !ok {
			return false
		}
		if c.operator == "contains" {
			return strings.Contains(val, c.strValue)
		}
		return val == c.strValue
	case kindLatency:
		if c.operator == "less_than" {
			return ex.LatencyMS < c.intValue
		}
		return ex.LatencyMS > c.intValue
	case kindJSONPath:
		res := gjson.Get(ex.Body, c.path)
		if c.operator == "exists" {
			return res.Exists()
		}
		if !res.Exists() {
			return false
		}
		return scalarEqual(res.Value(), c.anyValue)
	case kindComposite:
		if c.logic == "AND" {
			for _, child := range c.children {
				if !child.Match(ex) {
					return false
				}
			}
			return true
		}
		for _, child := range c.children {
			if child.Match(ex) {
				return true
			}
		}
		return false
	}
	return false
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	if headers == nil {
		return "", false
	}
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// scalarEqual compares gjson scalars (string/float64/bool/nil) against the
// decoded expected value without panicking on non-comparable shapes.
func scalarEqual(got, want any) bool {
	switch got.(type) {
	case string, float64, bool, nil:
	default:
		return false
	}
	switch want.(type) {
	case string, float64, bool, nil:
	default:
		return false
	}
	return got == want
}

func unmarshalInt(raw json.RawMessage, dst *int64) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing value")
	}
	return json.Unmarshal(raw, dst)
}

func unmarshalString(raw json.RawMessage, dst *string) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing value")
	}
	return json.Unmarshal(raw, dst)
}
