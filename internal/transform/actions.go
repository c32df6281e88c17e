// =============================================================================
// OData Bulk Upload - Transformation Actions
// =============================================================================
//
// Transformation actions clean up spreadsheet values before they are
// normalized to their field type: zero-padding supplier numbers, upper-casing
// company codes, mapping legacy codes through lookup tables, and so on.
//
// Actions are configured per field in the domain YAML and applied in order.
// Rules are compiled once (regular expressions, conditions) so that a bad
// rule fails at start-up instead of on the first row.
//
// =============================================================================

package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
)

// =============================================================================
// COMPILED ACTIONS
// =============================================================================

// action is a compiled config.TransformationAction.
type action struct {
	config.TransformationAction

	re        *regexp.Regexp
	condition *constraints.Condition
}

// rule is the compiled list of actions of one field.
type rule struct {
	field   string
	actions []action
}

var (
	digitsRe     = regexp.MustCompile(`\d+`)
	lettersRe    = regexp.MustCompile(`[a-zA-Z]+`)
	specialRe    = regexp.MustCompile(`[^a-zA-Z0-9]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	titleCaser   = cases.Title(language.Und)
)

var knownActions = map[string]bool{
	"prepend_string": true, "append_string": true, "trim": true, "trim_left": true,
	"trim_right": true, "uppercase": true, "lowercase": true, "title_case": true,
	"replace": true, "regex_replace": true, "substring": true,
	"pad_zeros_to_length": true, "pad_spaces_to_length": true, "ensure_length": true,
	"format_number": true, "remove_leading_zeros": true, "format_date": true,
	"lookup": true, "lookup_with_default": true, "conditional": true,
	"if_empty_use_default": true, "if_empty_use_field": true,
	"extract_digits": true, "extract_letters": true, "remove_special_chars": true,
	"normalize_whitespace": true, "format_currency": true,
}

// compileRules validates and compiles the transformation rules of a domain.
func compileRules(rules []config.TransformationRule) ([]rule, error) {
	out := make([]rule, 0, len(rules))
	for _, r := range rules {
		compiled := rule{field: r.Field}
		for _, a := range r.Actions {
			if !knownActions[a.Type] {
				return nil, fmt.Errorf("field %s: unknown transformation type: %s", r.Field, a.Type)
			}
			ca := action{TransformationAction: a}
			if a.Type == "regex_replace" && a.Find != "" {
				re, err := regexp.Compile(a.Find)
				if err != nil {
					return nil, fmt.Errorf("field %s: invalid regex pattern: %w", r.Field, err)
				}
				ca.re = re
			}
			if a.Type == "conditional" {
				cond, err := constraints.ParseCondition(a.Condition)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", r.Field, err)
				}
				ca.condition = cond
			}
			compiled.actions = append(compiled.actions, ca)
		}
		out = append(out, compiled)
	}
	return out, nil
}

// =============================================================================
// TRANSFORMATION FUNCTIONS
// =============================================================================

// apply applies a single transformation action.
//
// PARAMETERS:
//   - value: The current value.
//   - a: The compiled action.
//   - allFields: All fields of the current row (for conditional and
//     field-copy actions).
//
// RETURNS:
//   - The transformed value.
//   - An error if the value cannot be transformed.
func apply(value string, a action, allFields map[string]string) (string, error) {
	switch a.Type {

	// =========================================================================
	// STRING MANIPULATIONS
	// =========================================================================

	case "prepend_string":
		// "123456" + prepend "A" -> "A123456"
		if value == "" {
			return value, nil
		}
		return a.Value + value, nil

	case "append_string":
		if value == "" {
			return value, nil
		}
		return value + a.Value, nil

	case "trim":
		return strings.TrimSpace(value), nil

	case "trim_left":
		if a.Value != "" {
			return strings.TrimLeft(value, a.Value), nil
		}
		return strings.TrimLeft(value, " \t\n\r"), nil

	case "trim_right":
		if a.Value != "" {
			return strings.TrimRight(value, a.Value), nil
		}
		return strings.TrimRight(value, " \t\n\r"), nil

	case "uppercase":
		return strings.ToUpper(value), nil

	case "lowercase":
		return strings.ToLower(value), nil

	case "title_case":
		return titleCaser.String(strings.ToLower(value)), nil

	case "replace":
		// "hello-world" with find "-" and value "_" -> "hello_world"
		if a.Find == "" {
			return value, nil
		}
		return strings.ReplaceAll(value, a.Find, a.Value), nil

	case "regex_replace":
		if a.re == nil {
			return value, nil
		}
		return a.re.ReplaceAllString(value, a.Value), nil

	case "substring":
		// VALUE FORMAT: "start,end" (0-indexed, end is exclusive, in runes)
		parts := strings.Split(a.Value, ",")
		if len(parts) != 2 {
			return value, nil
		}
		start, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		end, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("invalid substring range %q", a.Value)
		}
		runes := []rune(value)
		if start < 0 {
			start = 0
		}
		if end > len(runes) {
			end = len(runes)
		}
		if start >= end {
			return "", nil
		}
		return string(runes[start:end]), nil

	// =========================================================================
	// NUMERIC FORMATTING
	// =========================================================================

	case "pad_zeros_to_length":
		// "123" padded to 8 -> "00000123"; blank stays blank.
		n, err := strconv.Atoi(a.Value)
		if err != nil || n <= 0 || value == "" {
			return value, nil
		}
		return PadLeft(value, n, '0'), nil

	case "pad_spaces_to_length":
		n, err := strconv.Atoi(a.Value)
		if err != nil || n <= 0 {
			return value, nil
		}
		return PadRight(value, n, ' '), nil

	case "ensure_length":
		// Truncate from the right or pad with leading zeros.
		n, err := strconv.Atoi(a.Value)
		if err != nil || n <= 0 || value == "" {
			return value, nil
		}
		if runes := []rune(value); len(runes) > n {
			return string(runes[:n]), nil
		}
		return PadLeft(value, n, '0'), nil

	case "format_number":
		// "1234.5" with 2 places -> "1234.50"
		places, err := strconv.Atoi(a.Value)
		if err != nil || places < 0 || value == "" {
			return value, nil
		}
		d, err := constraints.ParseDecimal(value)
		if err != nil {
			return value, nil
		}
		return d.StringFixed(int32(places)), nil

	case "format_currency":
		if value == "" {
			return value, nil
		}
		d, err := constraints.ParseDecimal(value)
		if err != nil {
			return value, nil
		}
		return d.StringFixed(2), nil

	case "remove_leading_zeros":
		// "00012345" -> "12345"
		if value == "" {
			return value, nil
		}
		result := strings.TrimLeft(value, "0")
		if result == "" {
			return "0", nil
		}
		return result, nil

	// =========================================================================
	// DATE/TIME CONVERSIONS
	// =========================================================================

	case "format_date":
		// VALUE FORMAT: "input_format|output_format" (Go layouts)
		parts := strings.Split(a.Value, "|")
		if len(parts) != 2 || value == "" {
			return value, nil
		}
		t, err := time.Parse(strings.TrimSpace(parts[0]), value)
		if err != nil {
			return value, nil
		}
		return t.Format(strings.TrimSpace(parts[1])), nil

	// =========================================================================
	// LOOKUP TABLE REPLACEMENTS
	// =========================================================================

	case "lookup":
		if replacement, ok := a.LookupTable[value]; ok {
			return replacement, nil
		}
		return value, nil

	case "lookup_with_default":
		if replacement, ok := a.LookupTable[value]; ok {
			return replacement, nil
		}
		return a.Value, nil

	// =========================================================================
	// CONDITIONAL TRANSFORMATIONS
	// =========================================================================

	case "conditional":
		// Condition "AccountAssignmentCategory == 'K'" with value "X"
		// sets the field to "X" when the condition holds.
		if a.condition != nil && a.condition.Eval(allFields) {
			return a.Value, nil
		}
		return value, nil

	case "if_empty_use_default":
		if strings.TrimSpace(value) == "" {
			return a.Value, nil
		}
		return value, nil

	case "if_empty_use_field":
		if strings.TrimSpace(value) == "" {
			if other, ok := allFields[a.Value]; ok {
				return other, nil
			}
		}
		return value, nil

	// =========================================================================
	// SPECIAL TRANSFORMATIONS
	// =========================================================================

	case "extract_digits":
		// "PO-4500-0001" -> "45000001"
		return strings.Join(digitsRe.FindAllString(value, -1), ""), nil

	case "extract_letters":
		return strings.Join(lettersRe.FindAllString(value, -1), ""), nil

	case "remove_special_chars":
		return specialRe.ReplaceAllString(value, ""), nil

	case "normalize_whitespace":
		return strings.TrimSpace(whitespaceRe.ReplaceAllString(value, " ")), nil

	default:
		return "", fmt.Errorf("unknown transformation type: %s", a.Type)
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// PadLeft pads a string with a character on the left to reach the target
// length in runes.
func PadLeft(s string, length int, padChar rune) string {
	n := len([]rune(s))
	if n >= length {
		return s
	}
	return strings.Repeat(string(padChar), length-n) + s
}

// PadRight pads a string with a character on the right to reach the target
// length in runes.
func PadRight(s string, length int, padChar rune) string {
	n := len([]rune(s))
	if n >= length {
		return s
	}
	return s + strings.Repeat(string(padChar), length-n)
}

