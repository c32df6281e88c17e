// =============================================================================
// OData Bulk Upload - Field Constraint Registry
// =============================================================================
//
// The registry is the compiled, immutable form of a domain's field
// definitions. It answers three questions for the rest of the pipeline:
//   1. Which canonical field does a spreadsheet header belong to?
//   2. What type is a canonical field (for normalization)?
//   3. Which rules apply to a field (for validation)?
//
// Registries are built from a config.DomainConfig, optionally merged with an
// XLSX constraint template (see template.go).
//
// =============================================================================

package constraints

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
)

// =============================================================================
// FIELD TYPES
// =============================================================================

// FieldType is the value type of a canonical field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeDate    FieldType = "date"
	TypeDecimal FieldType = "decimal"
	TypeBoolean FieldType = "boolean"
)

// ParseFieldType converts a configuration type name into a FieldType.
func ParseFieldType(name string) (FieldType, error) {
	switch FieldType(strings.ToLower(strings.TrimSpace(name))) {
	case "", TypeString:
		return TypeString, nil
	case TypeDate:
		return TypeDate, nil
	case TypeDecimal:
		return TypeDecimal, nil
	case TypeBoolean:
		return TypeBoolean, nil
	default:
		return "", fmt.Errorf("unknown field type %q", name)
	}
}

// =============================================================================
// FIELD CONSTRAINT
// =============================================================================

// FieldConstraint holds the rules of one canonical field. Values are
// immutable once compiled.
type FieldConstraint struct {
	Name      string
	Label     string
	Type      FieldType
	Required  bool
	MaxLength int

	// Pattern is nil when the field has no pattern rule.
	Pattern *regexp.Regexp

	// Precision and Scale are zero when unconstrained.
	Precision int
	Scale     int

	// MinValue is nil when the field has no lower bound.
	MinValue *decimal.Decimal

	// AllowedValues is empty when any value is accepted.
	AllowedValues []string

	// Aliases are extra header spellings resolving to this field.
	Aliases []string
}

// Allows reports whether value is one of the allowed values. A constraint
// without allowed values accepts everything.
func (c FieldConstraint) Allows(value string) bool {
	if len(c.AllowedValues) == 0 {
		return true
	}
	for _, v := range c.AllowedValues {
		if v == value {
			return true
		}
	}
	return false
}

// DisplayName returns the label, or the name when no label is set.
func (c FieldConstraint) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Name
}

// Compile turns a configuration field definition into a constraint.
//
// PARAMETERS:
//   - def: The field definition as loaded from YAML or a template.
//
// RETURNS:
//   - The compiled constraint.
//   - An error if the type, pattern or minimum value is malformed.
func Compile(def config.FieldDef) (FieldConstraint, error) {
	fieldType, err := ParseFieldType(def.Type)
	if err != nil {
		return FieldConstraint{}, fmt.Errorf("field %s: %w", def.Name, err)
	}

	c := FieldConstraint{
		Name:          def.Name,
		Label:         def.Label,
		Type:          fieldType,
		Required:      def.Required,
		MaxLength:     def.MaxLength,
		Precision:     def.Precision,
		Scale:         def.Scale,
		AllowedValues: append([]string(nil), def.AllowedValues...),
		Aliases:       append([]string(nil), def.Aliases...),
	}

	if def.Pattern != "" {
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return FieldConstraint{}, fmt.Errorf("field %s: invalid pattern: %w", def.Name, err)
		}
		c.Pattern = re
	}

	if def.MinValue != "" {
		min, err := decimal.NewFromString(def.MinValue)
		if err != nil {
			return FieldConstraint{}, fmt.Errorf("field %s: invalid min_value: %w", def.Name, err)
		}
		c.MinValue = &min
	}

	return c, nil
}
