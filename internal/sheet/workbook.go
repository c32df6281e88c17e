// =============================================================================
// OData Bulk Upload - Workbook Decoders
// =============================================================================
//
// A Workbook is the decoded form of an uploaded file: a list of sheet names
// and, per sheet, the cell text in row order. The parser never looks at raw
// bytes; it only talks to this interface.
//
// SUPPORTED FORMATS:
//   - .xlsx / .xlsm : excelize, raw cell values (no display formatting, so
//                     decimals keep their full precision and dates arrive as
//                     serial numbers)
//   - .xls          : extrame/xls (legacy BIFF workbooks)
//   - .csv / .txt   : encoding/csv with delimiter sniffing and legacy
//                     code page decoding
//
// =============================================================================

package sheet

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// Workbook is a decoded spreadsheet.
type Workbook interface {
	// SheetNames returns the sheet names in workbook order.
	SheetNames() []string

	// Rows returns the cell text of a sheet, first row first.
	Rows(sheet string) ([][]string, error)
}

// Options tunes decoding.
type Options struct {
	// CSVSheetName names the single sheet of a delimited file. It should be
	// the domain's main sheet name so sheet resolution succeeds.
	// Default: "Sheet1"
	CSVSheetName string

	// Encoding of delimited files: "utf-8" (default), "windows-1252" or
	// "iso-8859-1".
	Encoding string

	// Delimiter of delimited files. Zero means sniff from the header line.
	Delimiter rune
}

// Open decodes an uploaded file, choosing the decoder by file extension.
//
// PARAMETERS:
//   - filename: The original file name (only the extension is used).
//   - data: The whole file content.
//   - opts: Decoding options.
//
// RETURNS:
//   - The decoded workbook.
//   - An UnsupportedFormatError for unknown extensions, or the decoder error.
func Open(filename string, data []byte, opts Options) (Workbook, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".xlsx", ".xlsm":
		return OpenXLSX(data)
	case ".xls":
		return OpenXLS(data)
	case ".csv", ".txt":
		return OpenCSV(data, opts)
	default:
		return nil, &UnsupportedFormatError{File: filename, Extension: ext}
	}
}

// =============================================================================
// XLSX
// =============================================================================

type xlsxWorkbook struct {
	names []string
	rows  map[string][][]string
}

// OpenXLSX decodes an Office Open XML workbook. All sheets are read eagerly
// so the returned workbook holds no file handle.
func OpenXLSX(data []byte) (Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer f.Close()

	wb := &xlsxWorkbook{rows: make(map[string][][]string)}
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", name, err)
		}
		wb.names = append(wb.names, name)
		wb.rows[name] = rows
	}
	return wb, nil
}

func (w *xlsxWorkbook) SheetNames() []string {
	return append([]string(nil), w.names...)
}

func (w *xlsxWorkbook) Rows(sheet string) ([][]string, error) {
	rows, ok := w.rows[sheet]
	if !ok {
		return nil, fmt.Errorf("sheet %q not found", sheet)
	}
	return rows, nil
}

// =============================================================================
// XLS
// =============================================================================

// OpenXLS decodes a legacy BIFF workbook.
//
// The decoder addresses rows through an internal map and panics on rows it
// never saw, so cells are read with ReadAllCells, which walks that map, and
// the result is split per sheet by each sheet's MaxRow. A sheet whose MaxRow
// is 0 holds at most a header and is returned without rows.
func OpenXLS(data []byte) (wb Workbook, err error) {
	defer func() {
		if r := recover(); r != nil {
			wb, err = nil, fmt.Errorf("failed to open xls: malformed workbook: %v", r)
		}
	}()

	book, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("failed to open xls: %w", err)
	}
	if book == nil || book.NumSheets() == 0 {
		return nil, fmt.Errorf("xls workbook has no sheets")
	}

	out := &xlsxWorkbook{rows: make(map[string][][]string)}
	var counts []int
	for i := 0; i < book.NumSheets(); i++ {
		sheet := book.GetSheet(i)
		if sheet == nil {
			continue
		}

		name := strings.TrimSpace(sheet.Name)
		if name == "" {
			name = fmt.Sprintf("Sheet%d", i+1)
		}
		n := 0
		if sheet.MaxRow != 0 {
			n = int(sheet.MaxRow) + 1
		}
		out.names = append(out.names, name)
		counts = append(counts, n)
	}

	cells := book.ReadAllCells(math.MaxInt32)
	offset := 0
	for i, name := range out.names {
		end := offset + counts[i]
		if end > len(cells) {
			return nil, fmt.Errorf("failed to read sheet %q: expected %d rows, workbook has %d", name, end, len(cells))
		}
		out.rows[name] = cells[offset:end]
		offset = end
	}
	return out, nil
}

// =============================================================================
// IN-MEMORY WORKBOOK
// =============================================================================

// MemoryWorkbook is a workbook built from literal rows. It backs the CSV
// decoder and is handy for callers that already hold tabular data.
type MemoryWorkbook struct {
	names []string
	rows  map[string][][]string
}

// NewMemoryWorkbook creates an empty in-memory workbook.
func NewMemoryWorkbook() *MemoryWorkbook {
	return &MemoryWorkbook{rows: make(map[string][][]string)}
}

// AddSheet appends a sheet. Adding an existing name replaces its rows.
func (m *MemoryWorkbook) AddSheet(name string, rows [][]string) *MemoryWorkbook {
	if _, ok := m.rows[name]; !ok {
		m.names = append(m.names, name)
	}
	m.rows[name] = rows
	return m
}

func (m *MemoryWorkbook) SheetNames() []string {
	return append([]string(nil), m.names...)
}

func (m *MemoryWorkbook) Rows(sheet string) ([][]string, error) {
	rows, ok := m.rows[sheet]
	if !ok {
		return nil, fmt.Errorf("sheet %q not found", sheet)
	}
	return rows, nil
}
