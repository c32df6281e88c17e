// =============================================================================
// OData Bulk Upload - Export Consolidator
// =============================================================================
//
// The consolidator turns canonical rows into flat ExportRecords and a column
// order, ready for a formatter sink (xlsx, csv, pdf, xml).
//
// CONSOLIDATION STEPS:
//   1. Filter rows by status (all | success | error)
//   2. Fold the row's message sources into one "Message" column, choosing
//      the source by status
//   3. Drop excluded and internal fields (__metadata, UUIDs, ...)
//   4. Keep the declared column order, filtered to columns that are
//      present in enough records; mandatory columns are always kept
//   5. Fail with NoDataError when nothing is left
//
// Consolidation is pure: rows are never modified.
//
// =============================================================================

package export

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/results"
	"github.com/ginjaninja78/odata-bulk-upload/internal/submission"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// Column names shared by every domain.
const (
	ColumnStatus  = "Status"
	ColumnMessage = "Message"
)

// =============================================================================
// STATUS FILTER
// =============================================================================

// Filter selects the rows of an export.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterSuccess Filter = "success"
	FilterError   Filter = "error"
)

// ParseFilter converts a filter name. Blank means all.
func ParseFilter(name string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(name))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterSuccess:
		return FilterSuccess, nil
	case FilterError:
		return FilterError, nil
	default:
		return "", fmt.Errorf("unknown export filter %q (want all, success or error)", name)
	}
}

// Statuses returns the row statuses the filter keeps; nil keeps every row.
func (f Filter) Statuses() []types.Status {
	switch f {
	case FilterSuccess:
		return []types.Status{types.StatusValid, types.StatusSuccess}
	case FilterError:
		return []types.Status{types.StatusInvalid, types.StatusError}
	default:
		return nil
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// CodeNoData is the error code of NoDataError.
const CodeNoData = "EXP001"

// NoDataError reports an export with no matching records.
type NoDataError struct {
	Filter Filter
	Total  int
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("nothing to export: no rows match filter %q (%d rows in the upload)", e.Filter, e.Total)
}

// Code returns the error code.
func (e *NoDataError) Code() string { return CodeNoData }

// =============================================================================
// COLUMN POLICY
// =============================================================================

// Column is one export column: the record key and its display header.
type Column struct {
	Field  string
	Header string
}

// Policy controls which columns an export carries and in which order.
type Policy struct {
	// Columns is the declared order.
	Columns []Column

	// Mandatory fields are emitted even when blank in every record.
	Mandatory []string

	// Exclude lists internal fields that never reach an export.
	Exclude []string

	// MessageFields are legacy message columns folded into Message.
	MessageFields []string

	// MinPresence is the share of records (0-1] that must carry a value
	// for an optional column to be kept. 0 keeps columns present at least
	// once.
	MinPresence float64

	// SequenceField names the sequence id column.
	SequenceField string
}

// PolicyFor derives the export policy of a domain. Without declared
// columns the order is: sequence id, status, message, the domain's fields,
// then the document fields returned by the back end.
func PolicyFor(reg *constraints.Registry) Policy {
	d := reg.Domain()
	p := Policy{
		Mandatory:     append([]string(nil), d.Export.Mandatory...),
		Exclude:       append([]string(nil), d.Export.Exclude...),
		MessageFields: append([]string(nil), d.Export.MessageFields...),
		MinPresence:   d.Export.MinPresence,
		SequenceField: d.SequenceField,
	}

	if len(d.Export.Columns) > 0 {
		for _, c := range d.Export.Columns {
			header := c.Header
			if header == "" {
				header = reg.Label(c.Field)
			}
			p.Columns = append(p.Columns, Column{Field: c.Field, Header: header})
		}
		return p
	}

	seen := make(map[string]bool)
	add := func(field, header string) {
		if seen[field] {
			return
		}
		seen[field] = true
		p.Columns = append(p.Columns, Column{Field: field, Header: header})
	}
	add(d.SequenceField, "Sequence ID")
	add(ColumnStatus, ColumnStatus)
	add(ColumnMessage, ColumnMessage)
	for _, f := range reg.Fields() {
		add(f.Name, f.DisplayName())
	}
	for _, f := range d.Submission.DocumentFields {
		add(f, reg.Label(f))
	}
	return p
}

func (p Policy) excluded(field string) bool {
	if strings.HasPrefix(field, "__") {
		return true
	}
	return contains(p.Exclude, field) || contains(p.MessageFields, field)
}

// =============================================================================
// RECORD BUILDING
// =============================================================================

// BuildExportRecords flattens the rows matching filter.
//
// PARAMETERS:
//   - rows: The upload's rows. They are not modified.
//   - filter: The status filter.
//   - policy: Column order and exclusions.
//
// RETURNS:
//   - One record per matching row, keyed by column header.
//   - The column headers in output order.
//   - NoDataError when no row matches.
func BuildExportRecords(rows []*types.CanonicalRow, filter Filter, policy Policy) ([]types.ExportRecord, []string, error) {
	selected := results.FilterByStatus(rows, filter.Statuses()...)
	if len(selected) == 0 {
		return nil, nil, &NoDataError{Filter: filter, Total: len(rows)}
	}

	flat := make([]map[string]string, len(selected))
	for i, row := range selected {
		flat[i] = flatten(row, policy)
	}

	columns := policy.resolveColumns(flat)
	return project(flat, columns), headers(columns), nil
}

// flatten builds the field-keyed record of one row.
func flatten(row *types.CanonicalRow, policy Policy) map[string]string {
	rec := make(map[string]string, len(row.Fields)+len(row.Response)+3)
	set := func(field, value string) {
		if policy.excluded(field) {
			return
		}
		if value = strings.TrimSpace(value); value != "" {
			rec[field] = value
		}
	}

	for k, v := range row.Extra {
		set(k, v)
	}
	for k, v := range row.Fields {
		set(k, v)
	}
	for k, v := range row.Response {
		set(k, v)
	}
	if policy.SequenceField != "" {
		rec[policy.SequenceField] = row.SequenceID
	}
	rec[ColumnStatus] = row.Status.String()
	if msg := FoldMessage(row, policy.MessageFields); msg != "" {
		rec[ColumnMessage] = msg
	}
	return rec
}

// FoldMessage picks the one message shown for a row.
//
//	Success: submission message, legacy success fields, generic text
//	Error:   submission message, legacy error fields, error list, generic text
//	Invalid: validation errors
//	Valid:   validation warnings
func FoldMessage(row *types.CanonicalRow, legacy []string) string {
	switch row.Status {
	case types.StatusSuccess:
		return firstNonBlank(
			row.Message,
			legacyMessage(row, legacy, false),
			submission.GenericSuccessMessage,
		)
	case types.StatusError:
		return firstNonBlank(
			row.Message,
			legacyMessage(row, legacy, true),
			joinErrors(row.Errors),
			submission.GenericFailureMessage,
		)
	case types.StatusInvalid:
		return joinErrors(row.Errors)
	case types.StatusValid:
		return joinErrors(row.Warnings)
	default:
		return ""
	}
}

// legacyMessage looks for a legacy message column whose kind (error or
// success) matches. Names containing "error" are error columns.
func legacyMessage(row *types.CanonicalRow, legacy []string, wantError bool) string {
	for _, field := range legacy {
		if strings.Contains(strings.ToLower(field), "error") != wantError {
			continue
		}
		for _, source := range []map[string]string{row.Response, row.Fields, row.Extra} {
			if v := strings.TrimSpace(source[field]); v != "" {
				return v
			}
		}
	}
	return ""
}

func joinErrors(errs []types.FieldError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// resolveColumns keeps the declared columns that are mandatory or present
// in enough records.
func (p Policy) resolveColumns(records []map[string]string) []Column {
	var out []Column
	for _, c := range p.Columns {
		if p.excluded(c.Field) {
			continue
		}
		if contains(p.Mandatory, c.Field) || p.present(c.Field, records) {
			out = append(out, c)
		}
	}
	return out
}

func (p Policy) present(field string, records []map[string]string) bool {
	n := 0
	for _, r := range records {
		if r[field] != "" {
			n++
		}
	}
	if n == 0 {
		return false
	}
	if p.MinPresence <= 0 {
		return true
	}
	return float64(n)/float64(len(records)) >= p.MinPresence
}

func project(records []map[string]string, columns []Column) []types.ExportRecord {
	out := make([]types.ExportRecord, len(records))
	for i, r := range records {
		rec := make(types.ExportRecord, len(columns))
		for _, c := range columns {
			rec[c.Header] = r[c.Field]
		}
		out[i] = rec
	}
	return out
}

func headers(columns []Column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Header
	}
	return out
}

// =============================================================================
// GROUPED EXPORT
// =============================================================================

// Groups is a grouped export. Keys are in first-seen order; every group
// shares the same columns.
type Groups struct {
	Field   string
	Columns []string
	Keys    []string
	Records map[string][]types.ExportRecord
}

// Len returns the number of groups.
func (g *Groups) Len() int {
	return len(g.Keys)
}

// GroupBy builds the records of the rows matching filter and groups them
// by the value of field. Group keys keep the order in which they first
// appear; rows with a blank key form the "" group.
func GroupBy(rows []*types.CanonicalRow, field string, filter Filter, policy Policy) (*Groups, error) {
	selected := results.FilterByStatus(rows, filter.Statuses()...)
	records, columns, err := BuildExportRecords(selected, FilterAll, policy)
	if err != nil {
		var noData *NoDataError
		if errors.As(err, &noData) {
			return nil, &NoDataError{Filter: filter, Total: len(rows)}
		}
		return nil, err
	}

	g := &Groups{
		Field:   field,
		Columns: columns,
		Records: make(map[string][]types.ExportRecord),
	}
	for i, row := range selected {
		key := groupKey(row, field, policy)
		if _, ok := g.Records[key]; !ok {
			g.Keys = append(g.Keys, key)
		}
		g.Records[key] = append(g.Records[key], records[i])
	}
	return g, nil
}

func groupKey(row *types.CanonicalRow, field string, policy Policy) string {
	switch field {
	case policy.SequenceField:
		return row.SequenceID
	case ColumnStatus:
		return row.Status.String()
	}
	if v := row.Value(field); v != "" {
		return v
	}
	return strings.TrimSpace(row.Response[field])
}

// =============================================================================
// HELPERS
// =============================================================================

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
