// =============================================================================
// OData Bulk Upload - Validation Engine
// =============================================================================
//
// The validator checks canonical rows against the domain's field constraints
// and business rules and records the outcome on each row.
//
// VALIDATION STRATEGY:
//   Validation is performed at several levels, in this order per row:
//   1. Required fields
//   2. Field level: rejected values, type, precision/scale, length,
//      pattern, allowed values
//   3. Row level: conditional requirements, positive amounts, future
//      dates, date order, sub-structure entries
//   4. Cross-row: group consistency, balance and indicator pairs. These
//      errors belong to the group. They are recorded once in GroupErrors
//      and every member row gets a single reference entry.
//
// ERROR HANDLING:
//   - Bad data never fails validation; problems are collected per row
//   - Only structurally impossible input fails with InvalidInputError
//   - Warnings (e.g. posting date in the future) keep the row valid
//
// Validation is idempotent: it only reads Fields, Rejected and Subs.
//
// =============================================================================

package validation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// VALIDATION ERROR TYPES
// =============================================================================

// CodeInvalidInput is the code of InvalidInputError.
const CodeInvalidInput = "VAL001"

// InvalidInputError reports input the validator cannot work on at all:
// nil rows or colliding sequence ids.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid validation input: " + e.Reason
}

// Code returns the error code.
func (e *InvalidInputError) Code() string { return CodeInvalidInput }

// RowError is one entry of the flat error list of a ValidationResult.
type RowError struct {
	SequenceID string
	Line       int
	types.FieldError
}

// GroupError is a cross-row problem attached to a group of rows.
type GroupError struct {
	// Rule is "group", "balance" or "pairs".
	Rule string

	// Key is the group key (the shared field value, or the sequence id
	// when the group is one row's item list).
	Key string

	Field   string
	Message string

	// Members are the sequence ids of the rows in the group.
	Members []string
}

// =============================================================================
// VALIDATION RESULT
// =============================================================================

// ValidationResult is the outcome of one validation pass. It is derived
// from the rows and never stored.
type ValidationResult struct {
	// Entries are the validated rows in input order.
	Entries []*types.CanonicalRow

	// ValidCount and ErrorCount count rows, not messages.
	ValidCount int
	ErrorCount int

	// PostedCount counts rows already posted to the service. They keep
	// their Success status and are not counted as valid or invalid.
	PostedCount int

	// WarningCount is the number of warning messages.
	WarningCount int

	// IsValid is true when no row has errors.
	IsValid bool

	// Errors is the flat list of row errors, without group references.
	Errors []RowError

	// GroupErrors holds each cross-row error once.
	GroupErrors []GroupError
}

// =============================================================================
// VALIDATOR
// =============================================================================

// DefaultTolerance is the balance tolerance used when none is configured.
var DefaultTolerance = decimal.RequireFromString(config.DefaultBalanceTolerance)

type conditionalRule struct {
	field     string
	condition *constraints.Condition
	message   string
}

// Validator validates rows of one domain.
type Validator struct {
	reg         *constraints.Registry
	tolerance   decimal.Decimal
	now         func() time.Time
	logger      *slog.Logger
	conditional []conditionalRule
}

// Option configures a Validator.
type Option func(*Validator)

// WithTolerance sets the absolute amount below which a balance difference
// is accepted.
func WithTolerance(tolerance decimal.Decimal) Option {
	return func(v *Validator) {
		v.tolerance = tolerance.Abs()
	}
}

// WithClock sets the clock used for future-date checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// ParseTolerance parses a configured tolerance. Blank text yields the
// default.
func ParseTolerance(text string) (decimal.Decimal, error) {
	if text == "" {
		return DefaultTolerance, nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance tolerance %q: %w", text, err)
	}
	return d.Abs(), nil
}

// New creates a validator for the registry's domain. It fails when a
// conditional rule cannot be parsed.
func New(reg *constraints.Registry, opts ...Option) (*Validator, error) {
	if reg == nil {
		return nil, fmt.Errorf("nil constraint registry")
	}

	v := &Validator{
		reg:       reg,
		tolerance: DefaultTolerance,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	for _, rule := range reg.Domain().Rules.ConditionalRequired {
		cond, err := constraints.ParseCondition(rule.When)
		if err != nil {
			return nil, fmt.Errorf("domain %s: conditional rule for %s: %w", reg.Domain().Domain, rule.Field, err)
		}
		v.conditional = append(v.conditional, conditionalRule{field: rule.Field, condition: cond, message: rule.Message})
	}
	return v, nil
}

// Tolerance returns the balance tolerance in use.
func (v *Validator) Tolerance() decimal.Decimal {
	return v.tolerance
}

// =============================================================================
// MAIN VALIDATION FUNCTIONS
// =============================================================================

// ValidateAll validates every row and stores status and errors on each.
//
// PARAMETERS:
//   - rows: The rows of one upload batch.
//
// RETURNS:
//   - The validation result, rows in input order.
//   - An InvalidInputError for nil rows or colliding sequence ids; no row
//     is modified in that case.
//
// Rows with status Success were accepted by the service and are left
// untouched, so a later submission does not post them again. They still
// take part in group checks.
func (v *Validator) ValidateAll(rows []*types.CanonicalRow) (*ValidationResult, error) {
	seen := make(map[string]int, len(rows))
	for i, row := range rows {
		if row == nil {
			return nil, &InvalidInputError{Reason: fmt.Sprintf("row %d is nil", i)}
		}
		if prev, dup := seen[row.SequenceID]; dup {
			return nil, &InvalidInputError{Reason: fmt.Sprintf("rows %d and %d share sequence id %q", prev, i, row.SequenceID)}
		}
		seen[row.SequenceID] = i
	}

	rowErrs := make([][]types.FieldError, len(rows))
	rowWarns := make([][]types.FieldError, len(rows))
	for i, row := range rows {
		rowErrs[i], rowWarns[i] = v.checkRow(row)
	}

	groupErrs := v.checkGroups(rows)
	for _, ge := range groupErrs {
		ref := types.FieldError{
			Field:    ge.Field,
			Message:  ge.Message,
			Severity: types.SeverityError,
			Code:     types.CodeGroup,
			Group:    ge.Key,
		}
		for _, member := range ge.Members {
			i := seen[member]
			rowErrs[i] = append(rowErrs[i], ref)
		}
	}

	result := &ValidationResult{
		Entries:     rows,
		Errors:      []RowError{},
		GroupErrors: groupErrs,
	}
	for i, row := range rows {
		if row.Status == types.StatusSuccess {
			result.PostedCount++
			continue
		}
		row.MarkValidated(rowErrs[i], rowWarns[i])
		if row.Status == types.StatusValid {
			result.ValidCount++
		} else {
			result.ErrorCount++
		}
		result.WarningCount += len(row.Warnings)
		for _, fe := range row.Errors {
			if fe.Code == types.CodeGroup {
				continue
			}
			result.Errors = append(result.Errors, RowError{SequenceID: row.SequenceID, Line: row.Line, FieldError: fe})
		}
	}
	if result.GroupErrors == nil {
		result.GroupErrors = []GroupError{}
	}
	result.IsValid = result.ErrorCount == 0

	v.logger.Debug("validation complete",
		"domain", v.reg.Domain().Domain,
		"rows", len(rows),
		"valid", result.ValidCount,
		"invalid", result.ErrorCount,
		"posted", result.PostedCount,
		"warnings", result.WarningCount,
		"group_errors", len(result.GroupErrors),
	)
	return result, nil
}

// ValidateOne validates a single row on its own. Cross-row rules see a
// group of one, so only the row's own item balance and pairs apply.
func (v *Validator) ValidateOne(row *types.CanonicalRow) (bool, []types.FieldError, error) {
	if row == nil {
		return false, nil, &InvalidInputError{Reason: "row is nil"}
	}
	if _, err := v.ValidateAll([]*types.CanonicalRow{row}); err != nil {
		return false, nil, err
	}
	return row.Status == types.StatusValid, append([]types.FieldError{}, row.Errors...), nil
}

// checkRow runs the per-row checks in their fixed order.
func (v *Validator) checkRow(row *types.CanonicalRow) (errs, warns []types.FieldError) {
	c := &collector{}
	v.checkRequired(row, c)
	v.checkFields(row, c)
	v.checkBusiness(row, c)
	v.checkSubStructures(row, c)
	return c.errs, c.warns
}

// =============================================================================
// COLLECTOR
// =============================================================================

// collector accumulates messages of one row in evaluation order.
type collector struct {
	errs  []types.FieldError
	warns []types.FieldError
}

func (c *collector) add(severity types.Severity, code, field, format string, args ...any) {
	fe := types.FieldError{
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
		Severity: severity,
		Code:     code,
	}
	if severity == types.SeverityWarning {
		c.warns = append(c.warns, fe)
		return
	}
	c.errs = append(c.errs, fe)
}

func (c *collector) errorf(code, field, format string, args ...any) {
	c.add(types.SeverityError, code, field, format, args...)
}
