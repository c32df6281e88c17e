// =============================================================================
// OData Bulk Upload - Result Aggregator
// =============================================================================
//
// Read-only projections of a row collection for the presentation layer:
// summary counters, status filters and the error drill-down keyed by
// sequence id. Nothing here mutates a row.
//
// =============================================================================

package results

import (
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// Summary holds the counters of one row collection.
type Summary struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Success int `json:"success"`
	Error   int `json:"error"`

	// ValidCount counts rows without errors (Valid and Success).
	ValidCount int `json:"validCount"`

	// ErrorCount counts rows with errors (Invalid and Error).
	ErrorCount int `json:"errorCount"`

	// WarningCount is the number of warning messages.
	WarningCount int `json:"warningCount"`

	// IsValid is true when at least one row exists and no row has errors.
	IsValid bool `json:"isValid"`
}

// Summarize counts rows by status.
func Summarize(rows []*types.CanonicalRow) Summary {
	var s Summary
	for _, row := range rows {
		if row == nil {
			continue
		}
		s.Total++
		s.WarningCount += len(row.Warnings)
		switch row.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusValid:
			s.Valid++
		case types.StatusInvalid:
			s.Invalid++
		case types.StatusSuccess:
			s.Success++
		case types.StatusError:
			s.Error++
		}
	}
	s.ValidCount = s.Valid + s.Success
	s.ErrorCount = s.Invalid + s.Error
	s.IsValid = s.Total > 0 && s.ErrorCount == 0 && s.Pending == 0
	return s
}

// FilterByStatus returns the rows whose status is one of statuses, in
// input order. Without statuses every row is returned. The result is a new
// slice; the rows themselves are shared.
func FilterByStatus(rows []*types.CanonicalRow, statuses ...types.Status) []*types.CanonicalRow {
	want := make(map[types.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	out := make([]*types.CanonicalRow, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		if len(want) == 0 || want[row.Status] {
			out = append(out, row)
		}
	}
	return out
}

// RowIssues is the drill-down entry of one failed row.
type RowIssues struct {
	SequenceID string             `json:"sequenceId"`
	Line       int                `json:"line"`
	Status     types.Status       `json:"status"`
	Errors     []types.FieldError `json:"errors"`
	Warnings   []types.FieldError `json:"warnings,omitempty"`
}

// ErrorsBySequence lists the rows that carry errors or warnings, in input
// order, with copies of their messages.
func ErrorsBySequence(rows []*types.CanonicalRow) []RowIssues {
	var out []RowIssues
	for _, row := range rows {
		if row == nil || (len(row.Errors) == 0 && len(row.Warnings) == 0) {
			continue
		}
		out = append(out, RowIssues{
			SequenceID: row.SequenceID,
			Line:       row.Line,
			Status:     row.Status,
			Errors:     append([]types.FieldError{}, row.Errors...),
			Warnings:   append([]types.FieldError(nil), row.Warnings...),
		})
	}
	return out
}
