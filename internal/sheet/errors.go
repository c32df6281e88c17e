package sheet

import (
	"fmt"
	"strings"
)

// Error codes reported by Code().
const (
	CodeMissingSheet      = "SHEET001"
	CodeHeaderConflict    = "SHEET002"
	CodeOrphanRows        = "SHEET003"
	CodeMissingColumn     = "SHEET004"
	CodeUnsupportedFormat = "SHEET005"
)

// MissingSheetError is returned when a required sheet cannot be resolved.
type MissingSheetError struct {
	// Available lists the sheets present in the workbook.
	Available []string

	// Required lists the accepted names of every unresolved required sheet.
	Required []string
}

func (e *MissingSheetError) Error() string {
	return fmt.Sprintf("required sheet not found: expected one of [%s], workbook has [%s]",
		strings.Join(e.Required, ", "), strings.Join(e.Available, ", "))
}

func (e *MissingSheetError) Code() string { return CodeMissingSheet }

// HeaderConflictError is returned when two headers of one sheet resolve to
// the same canonical field.
type HeaderConflictError struct {
	Sheet   string
	Field   string
	Headers []string
}

func (e *HeaderConflictError) Error() string {
	return fmt.Sprintf("sheet %q: headers %q all map to field %s",
		e.Sheet, e.Headers, e.Field)
}

func (e *HeaderConflictError) Code() string { return CodeHeaderConflict }

// OrphanRowsError is returned when rows of a secondary sheet cannot be
// joined to a row of the main sheet.
type OrphanRowsError struct {
	Sheet string
	Field string

	// Lines are the 1-based sheet rows that could not be joined.
	Lines []int

	// Keys are the unmatched join key values, in line order.
	Keys []string
}

func (e *OrphanRowsError) Error() string {
	return fmt.Sprintf("sheet %q: %d row(s) have no matching %s on the main sheet (lines %v, keys %q)",
		e.Sheet, len(e.Lines), e.Field, e.Lines, e.Keys)
}

func (e *OrphanRowsError) Code() string { return CodeOrphanRows }

// MissingColumnError is returned when a sheet lacks the join column.
type MissingColumnError struct {
	Sheet  string
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("sheet %q has no %s column", e.Sheet, e.Column)
}

func (e *MissingColumnError) Code() string { return CodeMissingColumn }

// UnsupportedFormatError is returned for file extensions no decoder handles.
type UnsupportedFormatError struct {
	File      string
	Extension string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("file %q: unsupported format %q (expected .xlsx, .xls or .csv)", e.File, e.Extension)
}

func (e *UnsupportedFormatError) Code() string { return CodeUnsupportedFormat }
