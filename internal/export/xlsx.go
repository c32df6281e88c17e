package export

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// XLSXFormatter writes one worksheet per sheet with a bold, frozen header
// row and an auto filter. Values are written as text so document numbers
// keep their leading zeros.
type XLSXFormatter struct{}

// Extension implements Formatter.
func (XLSXFormatter) Extension() string { return ".xlsx" }

const (
	maxSheetName  = 31
	minColWidth   = 8
	maxColWidth   = 60
	headerFillHex = "#DDEBF7"
)

// Write implements Formatter.
func (XLSXFormatter) Write(w io.Writer, doc *Document) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{headerFillHex}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	used := make(map[string]bool)
	for i, sheet := range doc.Sheets {
		name := uniqueSheetName(sheet.Name, used)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}

		if err := writeSheet(f, name, doc.Columns, sheet.Records, headerStyle); err != nil {
			return fmt.Errorf("sheet %s: %w", name, err)
		}
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, columns []string, records []types.ExportRecord, headerStyle int) error {
	widths := make([]int, len(columns))

	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
		widths[i] = utf8.RuneCountInString(c)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return err
	}

	for r, rec := range records {
		row := make([]interface{}, len(columns))
		for i, c := range columns {
			row[i] = rec[c]
			if n := utf8.RuneCountInString(rec[c]); n > widths[i] {
				widths[i] = n
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	for i, width := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, float64(clamp(width+2, minColWidth, maxColWidth))); err != nil {
			return err
		}
	}

	if len(columns) == 0 {
		return nil
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(columns), len(records)+1)
	if err != nil {
		return err
	}
	return f.AutoFilter(sheet, "A1:"+last, nil)
}

// uniqueSheetName makes a valid, unused worksheet name.
func uniqueSheetName(name string, used map[string]bool) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	name = strings.Trim(name, "'")
	if name == "" {
		name = "Sheet"
	}
	name = truncateRunes(name, maxSheetName)

	candidate := name
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncateRunes(name, maxSheetName-len(suffix)) + suffix
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
