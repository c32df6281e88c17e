package validation

import (
	"fmt"
	"strings"

	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// BUSINESS RULES
// =============================================================================

// checkBusiness applies the domain's row-level business rules.
func (v *Validator) checkBusiness(row *types.CanonicalRow, c *collector) {
	rules := v.reg.Domain().Rules

	// Conditional requirement: "BaseUnit is required when Quantity is given".
	for _, rule := range v.conditional {
		if row.Has(rule.field) || !rule.condition.Eval(row.Fields) {
			continue
		}
		if _, rejected := row.Rejected[rule.field]; rejected {
			continue
		}
		msg := rule.message
		if msg == "" {
			msg = fmt.Sprintf("%s is required when %s", v.reg.Label(rule.field), rule.condition)
		}
		c.errorf(types.CodeRequired, rule.field, "%s", msg)
	}

	// Amounts and quantities must be greater than zero.
	for _, field := range rules.Positive {
		d, ok := row.Decimal(field)
		if ok && !d.IsPositive() {
			c.errorf(types.CodeBusiness, field, "%s must be greater than zero", v.reg.Label(field))
		}
	}

	// Dates after today. Severity is per domain; warnings keep the row valid.
	today := v.now().Format(types.DateLayout)
	for _, rule := range rules.NotInFuture {
		value := row.Value(rule.Field)
		if _, ok := row.Date(rule.Field); !ok || value <= today {
			continue
		}
		severity := types.SeverityWarning
		if rule.Severity == string(types.SeverityError) {
			severity = types.SeverityError
		}
		c.add(severity, types.CodeBusiness, rule.Field, "%s %s is in the future", v.reg.Label(rule.Field), value)
	}

	for _, rule := range rules.DateOrder {
		start, okStart := row.Date(rule.Start)
		end, okEnd := row.Date(rule.End)
		if okStart && okEnd && end.Before(start) {
			c.errorf(types.CodeBusiness, rule.End, "%s must not be before %s", v.reg.Label(rule.End), v.reg.Label(rule.Start))
		}
	}
}

// =============================================================================
// SUB-STRUCTURE VALIDATION
// =============================================================================

// checkSubStructures validates every entry of every sub-structure: minimum
// entry count, required fields, rejected values, field constraints and,
// for the "error" policy, duplicate discriminators.
func (v *Validator) checkSubStructures(row *types.CanonicalRow, c *collector) {
	for _, sub := range v.reg.SubStructures() {
		entries := row.Subs[sub.Name]

		if len(entries) < sub.MinEntries {
			c.errorf(types.CodeBusiness, sub.Name, "at least %d %s entries are required (found %d)", sub.MinEntries, sub.Name, len(entries))
		}

		seen := make(map[string]bool, len(entries))
		for i, entry := range entries {
			prefix := entryName(sub, entry, i)

			for _, f := range sub.Fields() {
				field := sub.Name + "." + f.Name
				label := prefix + " " + f.DisplayName()

				if raw, ok := entry.Rejected[f.Name]; ok {
					c.errorf(types.CodeType, field, "%s: %q is not a valid %s", label, raw, typeNoun(f.Type))
					continue
				}
				value := strings.TrimSpace(entry.Fields[f.Name])
				if value == "" {
					if f.Required {
						c.errorf(types.CodeRequired, field, "%s is required", label)
					}
					continue
				}
				checkValue(f, field, label, value, c)
			}

			if sub.DuplicatePolicy == "error" && entry.Key != "" {
				if seen[entry.Key] {
					discriminator := sub.Discriminator
					if f, ok := sub.Field(sub.Discriminator); ok {
						discriminator = f.DisplayName()
					}
					c.errorf(types.CodeDuplicate, sub.Name+"."+sub.Discriminator, "%s %q appears more than once", discriminator, entry.Key)
				}
				seen[entry.Key] = true
			}
		}
	}
}

// entryName names an entry in messages: "Lines 3" by discriminator, or
// "Lines #2" by position when the discriminator is blank.
func entryName(sub *constraints.SubRegistry, entry types.SubRow, i int) string {
	if entry.Key != "" {
		return sub.Name + " " + entry.Key
	}
	return fmt.Sprintf("%s #%d", sub.Name, i+1)
}
