package validation

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// REQUIRED FIELD VALIDATION
// =============================================================================

// checkRequired flags required fields that are blank. A field whose value
// was rejected by the transformer is reported as a type error instead.
func (v *Validator) checkRequired(row *types.CanonicalRow, c *collector) {
	for _, f := range v.reg.Fields() {
		if !f.Required || row.Has(f.Name) {
			continue
		}
		if _, rejected := row.Rejected[f.Name]; rejected {
			continue
		}
		c.errorf(types.CodeRequired, f.Name, "%s is required", f.DisplayName())
	}
}

// =============================================================================
// FIELD LEVEL VALIDATION
// =============================================================================

// checkFields reports rejected values, then checks every non-blank declared
// field against its constraint. Fields are visited in declaration order.
func (v *Validator) checkFields(row *types.CanonicalRow, c *collector) {
	seqField := v.reg.Domain().SequenceField
	if original, ok := row.Rejected[seqField]; ok {
		c.errorf(types.CodeDuplicate, seqField, "Sequence ID %q is used by more than one row", original)
	}

	for _, f := range v.reg.Fields() {
		if raw, ok := row.Rejected[f.Name]; ok {
			c.errorf(types.CodeType, f.Name, "%s: %q is not a valid %s", f.DisplayName(), raw, typeNoun(f.Type))
			continue
		}
		value := row.Value(f.Name)
		if value == "" {
			continue
		}
		checkValue(f, f.Name, f.DisplayName(), value, c)
	}
}

// checkValue applies the constraint of one field to a non-blank value and
// collects one message per violated rule.
//
// PARAMETERS:
//   - f: The field constraint.
//   - field: The field path reported in errors (e.g. "Lines.Customer").
//   - label: The display name used in messages.
//   - value: The normalized value.
//   - c: The collector receiving the messages.
func checkValue(f constraints.FieldConstraint, field, label, value string, c *collector) {
	switch f.Type {
	case constraints.TypeDate:
		if _, err := time.Parse(types.DateLayout, value); err != nil {
			c.errorf(types.CodeType, field, "%s: %q is not a valid calendar date", label, value)
			return
		}

	case constraints.TypeDecimal:
		d, err := constraints.ParseDecimal(value)
		if err != nil {
			c.errorf(types.CodeType, field, "%s: %q is not a valid number", label, value)
			return
		}
		intDigits, fracDigits := constraints.DecimalDigits(d)
		if f.Precision > 0 {
			if intDigits+fracDigits > f.Precision {
				c.errorf(types.CodeFormat, field, "%s exceeds precision %d (%d digits)", label, f.Precision, intDigits+fracDigits)
			}
			if fracDigits > f.Scale {
				c.errorf(types.CodeFormat, field, "%s allows at most %d decimal places (got %d)", label, f.Scale, fracDigits)
			}
		}
		if f.MinValue != nil && d.LessThan(*f.MinValue) {
			c.errorf(types.CodeFormat, field, "%s must be at least %s", label, f.MinValue.String())
		}

	case constraints.TypeBoolean:
		if value != "true" && value != "false" {
			c.errorf(types.CodeType, field, "%s: %q is not a valid yes/no value", label, value)
			return
		}

	default:
		if f.MaxLength > 0 {
			if n := utf8.RuneCountInString(value); n > f.MaxLength {
				c.errorf(types.CodeFormat, field, "%s exceeds maximum length of %d characters (actual: %d)", label, f.MaxLength, n)
			}
		}
		if f.Pattern != nil && !f.Pattern.MatchString(value) {
			c.errorf(types.CodeFormat, field, "%s has an invalid format", label)
		}
	}

	if !f.Allows(value) {
		c.errorf(types.CodeFormat, field, "%s must be one of %s", label, strings.Join(f.AllowedValues, ", "))
	}
}

func typeNoun(t constraints.FieldType) string {
	switch t {
	case constraints.TypeDate:
		return "date"
	case constraints.TypeDecimal:
		return "number"
	case constraints.TypeBoolean:
		return "yes/no value"
	default:
		return "value"
	}
}
