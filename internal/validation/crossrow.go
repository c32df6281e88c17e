package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// CROSS-ROW VALIDATION
// =============================================================================

// group is a set of rows sharing a key, in first-seen order.
type group struct {
	key  string
	rows []*types.CanonicalRow
}

// groupRows groups rows by the non-blank value of field. Rows with a blank
// key do not belong to any group.
func groupRows(rows []*types.CanonicalRow, field string) []group {
	var groups []group
	index := make(map[string]int)
	for _, row := range rows {
		key := row.Value(field)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].rows = append(groups[i].rows, row)
	}
	return groups
}

func members(rows []*types.CanonicalRow) []string {
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.SequenceID
	}
	return ids
}

// checkGroups evaluates the cross-row rules and returns each group error
// once, in rule order and then group order.
func (v *Validator) checkGroups(rows []*types.CanonicalRow) []GroupError {
	rules := v.reg.Domain().Rules
	var out []GroupError

	if rules.Group != nil {
		out = append(out, v.checkConsistency(rows, rules.Group)...)
	}
	if rules.Balance != nil {
		out = append(out, v.checkBalance(rows, rules.Balance)...)
	}
	for i := range rules.Pairs {
		out = append(out, v.checkPairs(rows, &rules.Pairs[i])...)
	}
	return out
}

// =============================================================================
// GROUP CONSISTENCY
// =============================================================================

// checkConsistency requires the configured fields to hold the same value on
// every row of a group, e.g. one posting date per goods receipt document.
func (v *Validator) checkConsistency(rows []*types.CanonicalRow, rule *config.GroupRule) []GroupError {
	var out []GroupError
	for _, g := range groupRows(rows, rule.By) {
		if len(g.rows) < 2 {
			continue
		}
		for _, field := range rule.Consistent {
			var values []string
			seen := make(map[string]bool)
			for _, row := range g.rows {
				value := row.Value(field)
				if !seen[value] {
					seen[value] = true
					values = append(values, quoteOrBlank(value))
				}
			}
			if len(values) < 2 {
				continue
			}
			out = append(out, GroupError{
				Rule:    "group",
				Key:     g.key,
				Field:   field,
				Message: fmt.Sprintf("%s differs within %s %s: %s", v.reg.Label(field), v.reg.Label(rule.By), g.key, strings.Join(values, ", ")),
				Members: members(g.rows),
			})
		}
	}
	return out
}

func quoteOrBlank(value string) string {
	if value == "" {
		return "(blank)"
	}
	return fmt.Sprintf("%q", value)
}

// =============================================================================
// BALANCE
// =============================================================================

// amountLine is one signed amount taking part in a balance check.
type amountLine struct {
	fields map[string]string
}

// checkBalance requires debit and credit to net to zero within the
// tolerance, either across flat rows sharing GroupBy or across each row's
// Items sub-structure. With Total set the header total must equal the sum.
func (v *Validator) checkBalance(rows []*types.CanonicalRow, rule *config.BalanceRule) []GroupError {
	var out []GroupError

	if rule.Items != "" {
		for _, row := range rows {
			entries := row.Subs[rule.Items]
			if len(entries) == 0 {
				continue
			}
			lines := make([]amountLine, len(entries))
			for i, e := range entries {
				lines[i] = amountLine{fields: e.Fields}
			}
			if ge, ok := v.balanceGroup(rule, row.SequenceID, lines, row.Fields, []*types.CanonicalRow{row}); ok {
				out = append(out, ge)
			}
		}
		return out
	}

	for _, g := range groupRows(rows, rule.GroupBy) {
		lines := make([]amountLine, len(g.rows))
		for i, row := range g.rows {
			lines[i] = amountLine{fields: row.Fields}
		}
		if ge, ok := v.balanceGroup(rule, g.key, lines, g.rows[0].Fields, g.rows); ok {
			out = append(out, ge)
		}
	}
	return out
}

// balanceGroup sums the signed amounts of one group.
//
// PARAMETERS:
//   - rule: The balance rule.
//   - key: The group key used in messages.
//   - lines: The amount lines of the group.
//   - header: The fields holding the Total, when configured.
//   - rows: The member rows.
//
// RETURNS:
//   - The group error and true when the group is out of balance.
func (v *Validator) balanceGroup(rule *config.BalanceRule, key string, lines []amountLine, header map[string]string, rows []*types.CanonicalRow) (GroupError, bool) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range lines {
		amount, ok := types.DecimalValue(line.fields, rule.Amount)
		if !ok {
			// Missing or invalid amounts are reported by the field checks.
			return GroupError{}, false
		}
		if rule.Indicator == "" {
			if amount.IsNegative() {
				credit = credit.Add(amount.Neg())
			} else {
				debit = debit.Add(amount)
			}
			continue
		}
		indicator := strings.TrimSpace(line.fields[rule.Indicator])
		switch {
		case contains(rule.DebitCodes, indicator):
			debit = debit.Add(amount)
		case contains(rule.CreditCodes, indicator):
			credit = credit.Add(amount)
		default:
			return GroupError{}, false
		}
	}

	net := debit.Sub(credit)
	var message string
	if rule.Total != "" {
		total, ok := types.DecimalValue(header, rule.Total)
		if !ok {
			return GroupError{}, false
		}
		diff := net.Sub(total)
		if diff.Abs().LessThanOrEqual(v.tolerance) {
			return GroupError{}, false
		}
		message = fmt.Sprintf("%s %s does not match the sum of %s (%s, difference %s)",
			v.reg.Label(rule.Total), total.StringFixed(2), rule.Items, net.StringFixed(2), diff.StringFixed(2))
	} else {
		if net.Abs().LessThanOrEqual(v.tolerance) {
			return GroupError{}, false
		}
		message = fmt.Sprintf("%s is not balanced: debit %s, credit %s, difference %s",
			key, debit.StringFixed(2), credit.StringFixed(2), net.StringFixed(2))
	}

	field := rule.Amount
	if rule.Items != "" {
		field = rule.Items + "." + rule.Amount
	}
	return GroupError{
		Rule:    "balance",
		Key:     key,
		Field:   field,
		Message: message,
		Members: members(rows),
	}, true
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// =============================================================================
// INDICATOR PAIRS
// =============================================================================

// checkPairs requires that, for each non-blank value of the paired field,
// the Left and Right indicators occur equally often within the group.
func (v *Validator) checkPairs(rows []*types.CanonicalRow, rule *config.PairRule) []GroupError {
	var out []GroupError

	evaluate := func(key string, lines []map[string]string, memberRows []*types.CanonicalRow) {
		left := make(map[string]int)
		right := make(map[string]int)
		for _, fields := range lines {
			code := strings.TrimSpace(fields[rule.Field])
			if code == "" {
				continue
			}
			switch strings.TrimSpace(fields[rule.Indicator]) {
			case rule.Left:
				left[code]++
			case rule.Right:
				right[code]++
			}
		}

		codes := make([]string, 0, len(left)+len(right))
		for code := range left {
			codes = append(codes, code)
		}
		for code := range right {
			if _, ok := left[code]; !ok {
				codes = append(codes, code)
			}
		}
		sort.Strings(codes)

		field := rule.Field
		if rule.Items != "" {
			field = rule.Items + "." + rule.Field
		}
		for _, code := range codes {
			if left[code] == right[code] {
				continue
			}
			out = append(out, GroupError{
				Rule:  "pairs",
				Key:   key,
				Field: field,
				Message: fmt.Sprintf("%s: %s %q has %d %s and %d %s entries",
					key, rule.Field, code, left[code], rule.Left, right[code], rule.Right),
				Members: members(memberRows),
			})
		}
	}

	if rule.Items != "" {
		for _, row := range rows {
			entries := row.Subs[rule.Items]
			lines := make([]map[string]string, len(entries))
			for i, e := range entries {
				lines[i] = e.Fields
			}
			evaluate(row.SequenceID, lines, []*types.CanonicalRow{row})
		}
		return out
	}

	for _, g := range groupRows(rows, rule.GroupBy) {
		lines := make([]map[string]string, len(g.rows))
		for i, row := range g.rows {
			lines[i] = row.Fields
		}
		evaluate(g.key, lines, g.rows)
	}
	return out
}
