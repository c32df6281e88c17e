// =============================================================================
// OData Bulk Upload - Sheet Parser
// =============================================================================
//
// Parse turns a decoded workbook into an ordered list of raw rows keyed by
// canonical field name.
//
// PARSING PROCESS:
//   1. Resolve every configured sheet: exact name first, then keyword match
//      on the normalized sheet name
//   2. Read the header row and resolve each header to a canonical field
//   3. Read the data rows, dropping rows whose non-metadata cells are blank
//   4. Normalize date-typed cells to YYYY-MM-DD
//   5. Attach rows of secondary sheets to their main-sheet row by join key
//
// Any failure aborts the whole parse; no partial result is returned.
//
// =============================================================================

package sheet

import (
	"fmt"
	"strings"

	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// LAYOUT
// =============================================================================

// SheetLayout describes one expected sheet.
type SheetLayout struct {
	Role     string
	Names    []string
	Keywords []string
	Required bool
}

// Layout tells the parser what to look for.
type Layout struct {
	// Sheets lists the expected sheets. The first one is the main sheet and
	// is always required.
	Sheets []SheetLayout

	// JoinField links secondary sheet rows to main sheet rows.
	JoinField string

	// KeepUnmapped keeps unknown headers under their original text.
	KeepUnmapped bool

	// MetadataFields do not count when deciding whether a row is empty.
	MetadataFields []string

	// Resolve maps a header of a sheet role to a canonical field.
	Resolve func(role, header string) (string, bool)

	// TypeOf returns the field type of a canonical column. May be nil.
	TypeOf func(role, canonical string) constraints.FieldType
}

// LayoutFor derives the parse layout of a domain from its registry.
func LayoutFor(reg *constraints.Registry) Layout {
	d := reg.Domain()

	layout := Layout{
		JoinField:      d.JoinField,
		KeepUnmapped:   d.KeepUnmappedColumns,
		MetadataFields: append([]string(nil), d.MetadataFields...),
		Resolve:        reg.Resolve,
		TypeOf:         reg.TypeOf,
	}
	for _, s := range d.Sheets {
		layout.Sheets = append(layout.Sheets, SheetLayout{
			Role:     s.Role,
			Names:    append([]string(nil), s.Names...),
			Keywords: append([]string(nil), s.Keywords...),
			Required: s.Required,
		})
	}
	return layout
}

// =============================================================================
// PARSE RESULT
// =============================================================================

// Result is the outcome of a successful parse.
type Result struct {
	// Rows are the main-sheet rows in sheet order, with secondary sheet rows
	// attached as children keyed by role.
	Rows []types.RawRow

	// Sheets maps role to the resolved workbook sheet name.
	Sheets map[string]string

	// Dropped lists, per sheet, the headers that were not mapped and not
	// kept.
	Dropped map[string][]string
}

type sheetRows struct {
	layout SheetLayout
	name   string
	rows   []types.RawRow
	hasKey bool
}

// =============================================================================
// PARSER FUNCTIONS
// =============================================================================

// Parse reads the workbook according to the layout.
//
// PARAMETERS:
//   - wb: The decoded workbook.
//   - layout: The expected sheets and header resolution.
//
// RETURNS:
//   - The parse result.
//   - MissingSheetError, HeaderConflictError, MissingColumnError or
//     OrphanRowsError; nothing is returned alongside an error.
func Parse(wb Workbook, layout Layout) (*Result, error) {
	if wb == nil {
		return nil, fmt.Errorf("nil workbook")
	}
	if len(layout.Sheets) == 0 {
		return nil, fmt.Errorf("layout has no sheets")
	}

	resolved, err := resolveSheets(wb.SheetNames(), layout.Sheets)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Sheets:  make(map[string]string),
		Dropped: make(map[string][]string),
	}

	var parsed []sheetRows
	for i, sl := range layout.Sheets {
		name, ok := resolved[sl.Role]
		if !ok {
			continue
		}
		result.Sheets[sl.Role] = name

		cells, err := wb.Rows(name)
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", name, err)
		}

		sr, dropped, err := readSheet(name, sl, cells, layout, i == 0)
		if err != nil {
			return nil, err
		}
		if len(dropped) > 0 {
			result.Dropped[name] = dropped
		}
		parsed = append(parsed, sr)
	}

	rows, err := joinSheets(parsed, layout.JoinField)
	if err != nil {
		return nil, err
	}
	result.Rows = rows
	return result, nil
}

// resolveSheets maps each layout role to a workbook sheet name.
func resolveSheets(available []string, sheets []SheetLayout) (map[string]string, error) {
	resolved := make(map[string]string)
	used := make(map[string]bool)

	// Exact names first for every role, so a keyword match for one role
	// cannot steal the exactly named sheet of another.
	for _, sl := range sheets {
		if name, ok := findExact(available, sl.Names, used); ok {
			resolved[sl.Role] = name
			used[name] = true
		}
	}

	var missing []string
	for i, sl := range sheets {
		if _, ok := resolved[sl.Role]; ok {
			continue
		}
		if name, ok := findByKeyword(available, sl.Keywords, used); ok {
			resolved[sl.Role] = name
			used[name] = true
			continue
		}
		if i == 0 || sl.Required {
			missing = append(missing, sl.Names...)
		}
	}

	if len(missing) > 0 {
		return nil, &MissingSheetError{
			Available: append([]string(nil), available...),
			Required:  missing,
		}
	}
	return resolved, nil
}

func findExact(available, names []string, used map[string]bool) (string, bool) {
	for _, want := range names {
		for _, name := range available {
			if !used[name] && name == want {
				return name, true
			}
		}
	}
	for _, want := range names {
		for _, name := range available {
			if !used[name] && strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(want)) {
				return name, true
			}
		}
	}
	return "", false
}

func findByKeyword(available, keywords []string, used map[string]bool) (string, bool) {
	for _, name := range available {
		if used[name] {
			continue
		}
		normalized := normalizeSheetName(name)
		for _, kw := range keywords {
			if kw = normalizeSheetName(kw); kw != "" && strings.Contains(normalized, kw) {
				return name, true
			}
		}
	}
	return "", false
}

// normalizeSheetName lowercases and strips whitespace.
func normalizeSheetName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "")
}

// readSheet maps headers and reads the data rows of one sheet.
func readSheet(name string, sl SheetLayout, cells [][]string, layout Layout, main bool) (sheetRows, []string, error) {
	sr := sheetRows{layout: sl, name: name}
	if len(cells) == 0 {
		return sr, nil, nil
	}

	header := cells[0]
	columns := make([]string, len(header))
	sources := make(map[string][]string)
	var dropped []string

	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		canonical, ok := layout.Resolve(sl.Role, h)
		if !ok {
			if !layout.KeepUnmapped {
				dropped = append(dropped, h)
				continue
			}
			canonical = h
		}
		columns[i] = canonical
		sources[canonical] = append(sources[canonical], h)
	}

	for i := range columns {
		if c := columns[i]; c != "" && len(sources[c]) > 1 {
			return sr, nil, &HeaderConflictError{Sheet: name, Field: c, Headers: sources[c]}
		}
	}

	_, sr.hasKey = sources[layout.JoinField]

	metadata := make(map[string]bool, len(layout.MetadataFields))
	for _, f := range layout.MetadataFields {
		metadata[f] = true
	}

	for r := 1; r < len(cells); r++ {
		row := types.RawRow{
			Sheet: name,
			Line:  r + 1,
			Cells: make(map[string]string),
		}

		empty := true
		for i, canonical := range columns {
			if canonical == "" || i >= len(cells[r]) {
				continue
			}
			value := strings.TrimSpace(cells[r][i])
			if value == "" {
				continue
			}
			if layout.TypeOf != nil && layout.TypeOf(sl.Role, canonical) == constraints.TypeDate {
				if iso, err := constraints.NormalizeDate(value); err == nil {
					value = iso
				}
			}
			row.Cells[canonical] = value
			if !metadata[canonical] {
				empty = false
			}
		}

		if empty {
			continue
		}
		sr.rows = append(sr.rows, row)
	}

	return sr, dropped, nil
}

// joinSheets attaches secondary sheet rows to main sheet rows.
func joinSheets(parsed []sheetRows, joinField string) ([]types.RawRow, error) {
	if len(parsed) == 0 {
		return nil, nil
	}

	main := parsed[0]
	rows := main.rows
	if len(parsed) == 1 {
		return rows, nil
	}

	if !main.hasKey && len(main.rows) > 0 {
		return nil, &MissingColumnError{Sheet: main.name, Column: joinField}
	}

	byKey := make(map[string]int, len(rows))
	for i, row := range rows {
		key := row.Cells[joinField]
		if key == "" {
			continue
		}
		if _, seen := byKey[key]; !seen {
			byKey[key] = i
		}
	}

	for _, secondary := range parsed[1:] {
		if len(secondary.rows) == 0 {
			continue
		}
		if !secondary.hasKey {
			return nil, &MissingColumnError{Sheet: secondary.name, Column: joinField}
		}

		orphans := &OrphanRowsError{Sheet: secondary.name, Field: joinField}
		for _, child := range secondary.rows {
			key := child.Cells[joinField]
			i, ok := byKey[key]
			if !ok {
				orphans.Lines = append(orphans.Lines, child.Line)
				orphans.Keys = append(orphans.Keys, key)
				continue
			}
			if rows[i].Children == nil {
				rows[i].Children = make(map[string][]types.RawRow)
			}
			role := secondary.layout.Role
			rows[i].Children[role] = append(rows[i].Children[role], child)
		}
		if len(orphans.Lines) > 0 {
			return nil, orphans
		}
	}

	return rows, nil
}
