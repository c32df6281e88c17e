package constraints

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONDITIONAL RULE EVALUATION
// =============================================================================

// Condition is a parsed rule condition.
//
// SUPPORTED RULE SYNTAX:
//   - "FieldName == 'value'"
//   - "FieldName != 'value'"
//   - "FieldName > 100"  (also <, >=, <=, == and != with numbers)
//   - "FieldName starts_with 'prefix'"
//   - "FieldName ends_with 'suffix'"
//   - "FieldName contains 'substring'"
//   - "FieldName is_empty"
//   - "FieldName is_not_empty"
//
// A leading "if " is ignored.
type Condition struct {
	Field    string
	Operator string
	Value    string

	number   decimal.Decimal
	isNumber bool
}

var (
	compareText   = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'([^']*)'$`)
	compareNumber = regexp.MustCompile(`^(\w+)\s*(==|!=|>=|<=|>|<)\s*(-?\d+(?:\.\d+)?)$`)
	compareString = regexp.MustCompile(`^(\w+)\s+(starts_with|ends_with|contains)\s+'([^']*)'$`)
	checkEmpty    = regexp.MustCompile(`^(\w+)\s+(is_empty|is_not_empty)$`)
)

// ParseCondition parses a condition expression.
func ParseCondition(expr string) (*Condition, error) {
	rule := strings.TrimSpace(expr)
	rule = strings.TrimSpace(strings.TrimPrefix(rule, "if "))

	if m := compareText.FindStringSubmatch(rule); m != nil {
		return &Condition{Field: m[1], Operator: m[2], Value: m[3]}, nil
	}
	if m := compareNumber.FindStringSubmatch(rule); m != nil {
		n, err := decimal.NewFromString(m[3])
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", expr, err)
		}
		return &Condition{Field: m[1], Operator: m[2], Value: m[3], number: n, isNumber: true}, nil
	}
	if m := compareString.FindStringSubmatch(rule); m != nil {
		return &Condition{Field: m[1], Operator: m[2], Value: m[3]}, nil
	}
	if m := checkEmpty.FindStringSubmatch(rule); m != nil {
		return &Condition{Field: m[1], Operator: m[2]}, nil
	}

	return nil, fmt.Errorf("unsupported condition %q", expr)
}

// MustParseCondition is ParseCondition for expressions known at compile
// time. It panics on a malformed expression.
func MustParseCondition(expr string) *Condition {
	c, err := ParseCondition(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// Eval evaluates the condition against the field values of a row.
// A numeric comparison on a non-numeric value is false.
func (c *Condition) Eval(fields map[string]string) bool {
	actual := strings.TrimSpace(fields[c.Field])

	if c.isNumber {
		if actual == "" {
			return false
		}
		v, err := ParseDecimal(actual)
		if err != nil {
			return false
		}
		cmp := v.Cmp(c.number)
		switch c.Operator {
		case "==":
			return cmp == 0
		case "!=":
			return cmp != 0
		case ">":
			return cmp > 0
		case "<":
			return cmp < 0
		case ">=":
			return cmp >= 0
		case "<=":
			return cmp <= 0
		}
		return false
	}

	switch c.Operator {
	case "==":
		return actual == c.Value
	case "!=":
		return actual != c.Value
	case "starts_with":
		return strings.HasPrefix(actual, c.Value)
	case "ends_with":
		return strings.HasSuffix(actual, c.Value)
	case "contains":
		return strings.Contains(actual, c.Value)
	case "is_empty":
		return actual == ""
	case "is_not_empty":
		return actual != ""
	}
	return false
}

// String returns the condition in rule syntax.
func (c *Condition) String() string {
	switch c.Operator {
	case "is_empty", "is_not_empty":
		return c.Field + " " + c.Operator
	case "starts_with", "ends_with", "contains":
		return fmt.Sprintf("%s %s '%s'", c.Field, c.Operator, c.Value)
	}
	if c.isNumber {
		return fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Value)
	}
	return fmt.Sprintf("%s %s '%s'", c.Field, c.Operator, c.Value)
}
