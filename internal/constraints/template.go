// =============================================================================
// OData Bulk Upload - XLSX Constraint Templates
// =============================================================================
//
// Field constraints usually come from the domain YAML, but functional teams
// maintain them as spreadsheets exported from the OData metadata. This file
// reads such a template and merges it into a domain configuration.
//
// TEMPLATE FORMAT:
//   Each row after the header row defines one field. Column positions are
//   configurable via TemplateColumns; the defaults are:
//     A: Spreadsheet header (becomes a header alias)
//     B: Canonical field name
//     C: Type (string, date, decimal, boolean)
//     D: Maximum length
//     E: Required ("required", "optional" or "conditional")
//     F: Precision
//     G: Scale
//     H: Pattern (regular expression)
//     I: Allowed values (comma or semicolon separated)
//     J: Sub-structure name (blank for main-row fields)
//     K: Condition for "conditional" fields
//
// =============================================================================

package constraints

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
)

// =============================================================================
// TEMPLATE COLUMN CONFIGURATION
// =============================================================================

// TemplateColumns defines which columns of the template hold which data.
// Column indices are 0-based (A=0, B=1, C=2, etc.). A negative index means
// the column is absent.
type TemplateColumns struct {
	HeaderColumn        int
	FieldColumn         int
	TypeColumn          int
	MaxLengthColumn     int
	RequiredColumn      int
	PrecisionColumn     int
	ScaleColumn         int
	PatternColumn       int
	AllowedValuesColumn int
	SubStructureColumn  int
	ConditionColumn     int

	// DataStartRow is the 0-based row where field definitions begin.
	// Default: 1 (Row 2)
	DataStartRow int
}

// DefaultTemplateColumns returns the default column configuration.
func DefaultTemplateColumns() TemplateColumns {
	return TemplateColumns{
		HeaderColumn:        0, // Column A
		FieldColumn:         1, // Column B
		TypeColumn:          2, // Column C
		MaxLengthColumn:     3, // Column D
		RequiredColumn:      4, // Column E
		PrecisionColumn:     5, // Column F
		ScaleColumn:         6, // Column G
		PatternColumn:       7, // Column H
		AllowedValuesColumn: 8, // Column I
		SubStructureColumn:  9, // Column J
		ConditionColumn:     10, // Column K
		DataStartRow:        1,
	}
}

// =============================================================================
// TEMPLATE STRUCTURE
// =============================================================================

// Template is the content of a constraint template.
type Template struct {
	// Sheet is the name of the sheet the template was read from.
	Sheet string

	// Fields are main-row field definitions in template order.
	Fields []config.FieldDef

	// SubFields are sub-structure field definitions keyed by sub-structure.
	SubFields map[string][]config.FieldDef

	// Aliases maps template header text to canonical names.
	Aliases map[string]string

	// Conditional holds the requirements of "conditional" fields.
	Conditional []config.ConditionalRule
}

// =============================================================================
// PARSER FUNCTIONS
// =============================================================================

// ReadTemplate reads a constraint template from an XLSX stream using the
// default column layout.
func ReadTemplate(r io.Reader) (*Template, error) {
	return ReadTemplateWithColumns(r, DefaultTemplateColumns())
}

// ReadTemplateWithColumns reads a constraint template from an XLSX stream.
//
// PARAMETERS:
//   - r: The XLSX content.
//   - columns: The column configuration for parsing.
//
// RETURNS:
//   - The parsed template.
//   - An error if the workbook cannot be read or a row is malformed.
func ReadTemplateWithColumns(r io.Reader, columns TemplateColumns) (*Template, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open template: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("template has no sheets")
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read template rows: %w", err)
	}

	tpl := &Template{
		Sheet:     sheetName,
		SubFields: make(map[string][]config.FieldDef),
		Aliases:   make(map[string]string),
	}

	for i := columns.DataStartRow; i < len(rows); i++ {
		row := rows[i]
		if isRowEmpty(row) {
			continue
		}

		def, header, sub, cond, err := parseTemplateRow(row, columns)
		if err != nil {
			return nil, fmt.Errorf("template row %d: %w", i+1, err)
		}
		if def.Name == "" {
			continue
		}

		if header != "" {
			tpl.Aliases[header] = def.Name
		}
		if cond != "" {
			tpl.Conditional = append(tpl.Conditional, config.ConditionalRule{Field: def.Name, When: cond})
		}
		if sub != "" {
			tpl.SubFields[sub] = append(tpl.SubFields[sub], def)
		} else {
			tpl.Fields = append(tpl.Fields, def)
		}
	}

	return tpl, nil
}

// parseTemplateRow extracts one field definition from a template row.
func parseTemplateRow(row []string, columns TemplateColumns) (def config.FieldDef, header, sub, cond string, err error) {
	def.Name = getCell(row, columns.FieldColumn)
	header = getCell(row, columns.HeaderColumn)
	if def.Name == "" {
		// A row with only a header maps the header to itself.
		def.Name = header
	}
	def.Label = header

	def.Type = strings.ToLower(getCell(row, columns.TypeColumn))
	if _, err = ParseFieldType(def.Type); err != nil {
		return def, "", "", "", err
	}

	if def.MaxLength, err = getInt(row, columns.MaxLengthColumn, "max length"); err != nil {
		return def, "", "", "", err
	}
	if def.Precision, err = getInt(row, columns.PrecisionColumn, "precision"); err != nil {
		return def, "", "", "", err
	}
	if def.Scale, err = getInt(row, columns.ScaleColumn, "scale"); err != nil {
		return def, "", "", "", err
	}

	switch req := strings.ToLower(getCell(row, columns.RequiredColumn)); req {
	case "required", "yes", "y", "x", "true", "mandatory":
		def.Required = true
	case "conditional":
		cond = getCell(row, columns.ConditionColumn)
		if cond == "" {
			return def, "", "", "", fmt.Errorf("field %s is conditional but has no condition", def.Name)
		}
		if _, err = ParseCondition(cond); err != nil {
			return def, "", "", "", err
		}
	case "", "optional", "no", "n", "false":
	default:
		return def, "", "", "", fmt.Errorf("field %s: unknown required value %q", def.Name, req)
	}

	def.Pattern = getCell(row, columns.PatternColumn)

	if allowed := getCell(row, columns.AllowedValuesColumn); allowed != "" {
		for _, v := range strings.FieldsFunc(allowed, func(r rune) bool { return r == ',' || r == ';' }) {
			if v = strings.TrimSpace(v); v != "" {
				def.AllowedValues = append(def.AllowedValues, v)
			}
		}
	}

	sub = getCell(row, columns.SubStructureColumn)
	return def, header, sub, cond, nil
}

// =============================================================================
// MERGING
// =============================================================================

// Apply merges the template into a copy of the domain configuration.
// Template fields replace configured fields of the same name; new fields
// are appended. Unknown sub-structures are an error.
func (t *Template) Apply(d *config.DomainConfig) (*config.DomainConfig, error) {
	out := *d
	out.Fields = mergeFields(d.Fields, t.Fields)

	out.HeaderAliases = make(map[string]string, len(d.HeaderAliases)+len(t.Aliases))
	for k, v := range d.HeaderAliases {
		out.HeaderAliases[k] = v
	}
	for k, v := range t.Aliases {
		out.HeaderAliases[k] = v
	}

	out.SubStructures = append([]config.SubStructureDef(nil), d.SubStructures...)
	for name, defs := range t.SubFields {
		found := false
		for i := range out.SubStructures {
			if out.SubStructures[i].Name == name {
				out.SubStructures[i].Fields = mergeFields(out.SubStructures[i].Fields, defs)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("template refers to unknown sub-structure %q", name)
		}
	}

	out.Rules.ConditionalRequired = append(append([]config.ConditionalRule(nil),
		d.Rules.ConditionalRequired...), t.Conditional...)

	return &out, nil
}

func mergeFields(base, overlay []config.FieldDef) []config.FieldDef {
	out := append([]config.FieldDef(nil), base...)
	for _, def := range overlay {
		if def.Label == "" {
			def.Label = def.Name
		}
		if def.Type == "" {
			def.Type = string(TypeString)
		}
		replaced := false
		for i := range out {
			if out[i].Name == def.Name {
				if len(def.Aliases) == 0 {
					def.Aliases = out[i].Aliases
				}
				out[i] = def
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, def)
		}
	}
	return out
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// getCell safely gets a trimmed cell value from a row.
func getCell(row []string, index int) string {
	if index < 0 || index >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[index])
}

func getInt(row []string, index int, what string) (int, error) {
	s := getCell(row, index)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return n, nil
}

// isRowEmpty checks if all cells in a row are empty.
func isRowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
