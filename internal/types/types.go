// =============================================================================
// OData Bulk Upload - Shared Types
// =============================================================================
//
// This package contains the row model shared by every stage of the upload
// pipeline. Types defined here are used by:
//   - sheet        (RawRow)
//   - transform    (CanonicalRow, SubRow)
//   - validation   (FieldError, Status)
//   - submission   (SubmissionOutcome)
//   - export       (ExportRecord)
//
// LIFECYCLE:
//   A CanonicalRow is created by the transformer, mutated in place by the
//   validator (Status, Errors) and later by the submission reconciler
//   (Status, Message, Response). It lives until a new upload or a reset.
//
// =============================================================================

package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROW STATUS
// =============================================================================

// Status is the processing state of a single row.
type Status int

const (
	StatusPending Status = iota
	StatusValid
	StatusInvalid
	StatusSuccess
	StatusError
)

var statusNames = map[Status]string{
	StatusPending: "Pending",
	StatusValid:   "Valid",
	StatusInvalid: "Invalid",
	StatusSuccess: "Success",
	StatusError:   "Error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a status name (case-insensitive) into a Status.
func ParseStatus(name string) (Status, error) {
	for status, n := range statusNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return status, nil
		}
	}
	return StatusPending, fmt.Errorf("unknown status %q", name)
}

// IsFailure reports whether the status carries errors.
func (s Status) IsFailure() bool {
	return s == StatusInvalid || s == StatusError
}

// =============================================================================
// FIELD ERRORS
// =============================================================================

// Severity distinguishes blocking errors from advisory warnings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Error codes attached to FieldError.Code.
const (
	CodeRequired    = "REQUIRED"
	CodeType        = "TYPE"
	CodeFormat      = "FORMAT"
	CodeBusiness    = "BUSINESS"
	CodeGroup       = "GROUP"
	CodeDuplicate   = "DUPLICATE"
	CodeSubmission  = "SUBMISSION"
	CodeTimeout     = "TIMEOUT"
	CodeParseResult = "PARSE_RESPONSE"
)

// FieldError is one validation or submission problem on a row.
type FieldError struct {
	// Field is the canonical field name. Empty for row-level problems.
	Field string `json:"field"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Severity is "error" for blocking problems, "warning" for advisory ones.
	Severity Severity `json:"severity"`

	// Code classifies the problem (REQUIRED, TYPE, FORMAT, ...).
	Code string `json:"code,omitempty"`

	// Group is the group key when the entry points at a cross-row error.
	Group string `json:"group,omitempty"`
}

// Error implements the error interface.
func (e FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// =============================================================================
// RAW ROWS (SHEET PARSER OUTPUT)
// =============================================================================

// RawRow is one spreadsheet row keyed by canonical (or preserved) header.
type RawRow struct {
	// Sheet is the name of the sheet the row was read from.
	Sheet string

	// Line is the 1-based physical row number in the sheet.
	Line int

	// Cells maps header to cell text.
	Cells map[string]string

	// Children holds rows from secondary sheets joined to this row,
	// keyed by sheet role.
	Children map[string][]RawRow
}

// =============================================================================
// CANONICAL ROWS
// =============================================================================

// SubRow is one entry of a repeating sub-structure (e.g. a depreciation area).
type SubRow struct {
	// Key is the discriminator value.
	Key string

	// Fields maps canonical field name to normalized value.
	Fields map[string]string

	// Rejected maps field name to raw text that failed type normalization.
	Rejected map[string]string
}

// CanonicalRow is a normalized upload row with its processing state.
type CanonicalRow struct {
	// SequenceID is the batch-unique join key for reconciliation.
	SequenceID string

	// Domain is the domain identifier (goods_receipt, asset_master, ...).
	Domain string

	// Index is the 0-based position of the row in the upload.
	Index int

	// Line is the physical sheet row number, for error reporting.
	Line int

	Status Status

	// Fields maps canonical field name to normalized text. Dates are
	// YYYY-MM-DD, decimals are exact decimal text, booleans "true"/"false".
	Fields map[string]string

	// Rejected maps field name to the raw text that failed normalization.
	Rejected map[string]string

	// Extra holds unmapped columns. They are never validated or submitted.
	Extra map[string]string

	// Subs holds repeating sub-structures keyed by sub-structure name.
	Subs map[string][]SubRow

	// Errors is the ordered list of blocking problems.
	Errors []FieldError

	// Warnings is the ordered list of advisory problems.
	Warnings []FieldError

	// Message is the latest submission message.
	Message string

	// ErrorCode is the latest submission error code.
	ErrorCode string

	// Response holds the fields returned by the back end on success.
	Response map[string]string
}

// NewCanonicalRow creates a pending row with initialized maps.
func NewCanonicalRow(domain, sequenceID string, index int) *CanonicalRow {
	return &CanonicalRow{
		SequenceID: sequenceID,
		Domain:     domain,
		Index:      index,
		Status:     StatusPending,
		Fields:     make(map[string]string),
		Rejected:   make(map[string]string),
		Extra:      make(map[string]string),
		Subs:       make(map[string][]SubRow),
		Errors:     []FieldError{},
	}
}

// Value returns the trimmed value of a field.
func (r *CanonicalRow) Value(field string) string {
	return strings.TrimSpace(r.Fields[field])
}

// Has reports whether a field has a non-blank value.
func (r *CanonicalRow) Has(field string) bool {
	return r.Value(field) != ""
}

// Decimal returns the field as a decimal.
func (r *CanonicalRow) Decimal(field string) (decimal.Decimal, bool) {
	return DecimalValue(r.Fields, field)
}

// Date returns the field as a date.
func (r *CanonicalRow) Date(field string) (time.Time, bool) {
	return DateValue(r.Fields, field)
}

// Bool returns the field as a boolean.
func (r *CanonicalRow) Bool(field string) bool {
	return r.Value(field) == "true"
}

// DecimalValue reads a normalized decimal field out of a field map.
func DecimalValue(fields map[string]string, field string) (decimal.Decimal, bool) {
	text := strings.TrimSpace(fields[field])
	if text == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// DateValue reads a normalized YYYY-MM-DD date field out of a field map.
func DateValue(fields map[string]string, field string) (time.Time, bool) {
	text := strings.TrimSpace(fields[field])
	if text == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, text)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DateLayout is the canonical date layout of normalized fields.
const DateLayout = "2006-01-02"

// =============================================================================
// STATUS MUTATORS
// =============================================================================
// All status changes go through these helpers so that a row never has
// errors while Valid/Success or an empty error list while Invalid/Error.

// MarkValidated stores the validation outcome on the row.
func (r *CanonicalRow) MarkValidated(errs, warnings []FieldError) {
	r.Errors = append([]FieldError{}, errs...)
	r.Warnings = append([]FieldError{}, warnings...)
	if len(r.Errors) == 0 {
		r.Status = StatusValid
	} else {
		r.Status = StatusInvalid
	}
}

// MarkSucceeded stores a successful submission outcome on the row.
func (r *CanonicalRow) MarkSucceeded(message string, response map[string]string) {
	r.Status = StatusSuccess
	r.Errors = []FieldError{}
	r.Message = message
	r.ErrorCode = ""
	r.Response = make(map[string]string, len(response))
	for k, v := range response {
		r.Response[k] = v
	}
}

// MarkFailed stores a failed submission outcome on the row.
func (r *CanonicalRow) MarkFailed(message, code string) {
	if code == "" {
		code = CodeSubmission
	}
	r.Status = StatusError
	r.Message = message
	r.ErrorCode = code
	r.Errors = []FieldError{{
		Message:  message,
		Severity: SeverityError,
		Code:     code,
	}}
}

// Reset returns the row to Pending with no errors.
func (r *CanonicalRow) Reset() {
	r.Status = StatusPending
	r.Errors = []FieldError{}
	r.Warnings = nil
	r.Message = ""
	r.ErrorCode = ""
	r.Response = nil
}

// CheckConsistency reports an error when the status and the error list
// disagree.
func (r *CanonicalRow) CheckConsistency() error {
	hasErrors := len(r.Errors) > 0
	if hasErrors != r.Status.IsFailure() {
		return fmt.Errorf("row %s: status %s with %d error(s)", r.SequenceID, r.Status, len(r.Errors))
	}
	return nil
}

// =============================================================================
// SUBMISSION OUTCOME
// =============================================================================

// SubmissionOutcome is the interpreted result of submitting one row.
type SubmissionOutcome struct {
	SequenceID     string            `json:"sequenceId"`
	Success        bool              `json:"success"`
	ResponseFields map[string]string `json:"responseFields,omitempty"`
	Message        string            `json:"message"`
	ErrorCode      string            `json:"errorCode,omitempty"`
}

// =============================================================================
// EXPORT RECORD
// =============================================================================

// ExportRecord is one flat output row: display column -> text.
type ExportRecord map[string]string
