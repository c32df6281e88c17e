package sheet

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
)

func layoutFor(t *testing.T, domain string) Layout {
	t.Helper()
	domains, err := config.BuiltinDomains()
	if err != nil {
		t.Fatal(err)
	}
	reg, err := constraints.NewRegistry(domains[domain])
	if err != nil {
		t.Fatal(err)
	}
	return LayoutFor(reg)
}

type sheetDef struct {
	name string
	rows [][]any
}

// buildXLSX writes the sheets into an in-memory xlsx file.
func buildXLSX(t *testing.T, sheets ...sheetDef) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", s.name); err != nil {
				t.Fatal(err)
			}
		} else if _, err := f.NewSheet(s.name); err != nil {
			t.Fatal(err)
		}
		for r, row := range s.rows {
			cell, _ := excelize.CoordinatesToCellName(1, r+1)
			row := row
			if err := f.SetSheetRow(s.name, cell, &row); err != nil {
				t.Fatal(err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// ----------------------------------------------------------------------------
// Decoding
// ----------------------------------------------------------------------------

func TestOpen_XLSXPreservesPrecision(t *testing.T) {
	data := buildXLSX(t, sheetDef{"Goods Receipt", [][]any{
		{"Purchase Order", "Quantity", "Posting Date"},
		{"4500000001", "12345678901234.1234", 45306},
	}})

	wb, err := Open("upload.xlsx", data, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := wb.SheetNames(); !reflect.DeepEqual(got, []string{"Goods Receipt"}) {
		t.Fatalf("SheetNames() = %v", got)
	}
	rows, err := wb.Rows("Goods Receipt")
	if err != nil {
		t.Fatal(err)
	}
	if rows[1][1] != "12345678901234.1234" {
		t.Errorf("quantity = %q, precision lost", rows[1][1])
	}
	if rows[1][2] != "45306" {
		t.Errorf("date cell = %q, want raw serial", rows[1][2])
	}
}

func TestOpen_UnsupportedFormat(t *testing.T) {
	_, err := Open("upload.pdf", []byte("%PDF"), Options{})
	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("error = %v, want UnsupportedFormatError", err)
	}
	if unsupported.Code() != CodeUnsupportedFormat {
		t.Errorf("Code() = %q", unsupported.Code())
	}
}

// testdata/receipts.xls is a BIFF8 workbook with a "Goods Receipt" sheet
// (header plus two rows, the second without Plant, Quantity stored as
// numbers) and a "Notes" sheet.
func TestOpen_XLS(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "receipts.xls"))
	if err != nil {
		t.Fatal(err)
	}

	wb, err := Open("receipts.XLS", data, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := wb.SheetNames(); !reflect.DeepEqual(got, []string{"Goods Receipt", "Notes"}) {
		t.Fatalf("SheetNames() = %v", got)
	}

	rows, err := wb.Rows("Goods Receipt")
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"Sequence ID", "GRN Document Number", "Purchase Order", "PO Item", "Plant", "Posting Date", "Document Date", "Quantity"},
		{"1", "5000000123", "4500000001", "10", "1010", "2024-01-15", "2024-01-14", "5"},
		{"2", "5000000123", "4500000001", "20", "", "2024-01-15", "2024-01-14", "3.5"},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("Rows() = %q, want %q", rows, want)
	}
	if notes, _ := wb.Rows("Notes"); len(notes) != 2 || notes[1][0] != "uploaded for testing" {
		t.Errorf("Notes rows = %q", notes)
	}

	res, err := Parse(wb, layoutFor(t, "goods_receipt"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2", len(res.Rows))
	}
	if got := res.Rows[0].Cells["QuantityInEntryUnit"]; got != "5" {
		t.Errorf("Quantity = %q", got)
	}
	if got := res.Rows[1].Cells["Plant"]; got != "" {
		t.Errorf("Plant of second row = %q, want blank", got)
	}
}

func TestOpen_XLSRejectsGarbage(t *testing.T) {
	if _, err := Open("broken.xls", []byte("not a compound file at all"), Options{}); err == nil {
		t.Fatal("Open() error = nil")
	}
}

func TestOpenCSV(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		opts Options
		want [][]string
	}{
		{
			name: "comma with BOM",
			data: append([]byte{0xEF, 0xBB, 0xBF}, []byte("A,B\n1,2\n")...),
			want: [][]string{{"A", "B"}, {"1", "2"}},
		},
		{
			name: "semicolon sniffed",
			data: []byte("A;B;C\n1,5;2;\"x;y\"\n"),
			want: [][]string{{"A", "B", "C"}, {"1,5", "2", "x;y"}},
		},
		{
			name: "tab sniffed",
			data: []byte("A\tB\n1\t2\n"),
			want: [][]string{{"A", "B"}, {"1", "2"}},
		},
		{
			name: "windows-1252 fallback",
			data: []byte("Name\nM\xfcller\n"),
			want: [][]string{{"Name"}, {"Müller"}},
		},
		{
			name: "explicit latin1 and delimiter",
			data: []byte("A|B\nS\xe3o|1\n"),
			opts: Options{Encoding: "iso-8859-1", Delimiter: '|'},
			want: [][]string{{"A", "B"}, {"São", "1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wb, err := OpenCSV(tt.data, tt.opts)
			if err != nil {
				t.Fatalf("OpenCSV() error = %v", err)
			}
			rows, err := wb.Rows("Sheet1")
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(rows, tt.want) {
				t.Errorf("rows = %q, want %q", rows, tt.want)
			}
		})
	}
}

func TestOpenCSV_UnknownEncoding(t *testing.T) {
	if _, err := OpenCSV([]byte("A\n"), Options{Encoding: "ebcdic"}); err == nil {
		t.Error("expected error")
	}
}

// ----------------------------------------------------------------------------
// Sheet resolution
// ----------------------------------------------------------------------------

func TestParse_SheetResolution(t *testing.T) {
	layout := layoutFor(t, "asset_master")
	header := []string{"Company Code", "Asset Class", "Description"}
	data := []string{"1000", "3000", "Laptop"}

	tests := []struct {
		name   string
		sheets []string
		want   string
	}{
		{"exact", []string{"Notes", "Asset Master"}, "Asset Master"},
		{"case-insensitive", []string{"ASSET MASTER "}, "ASSET MASTER "},
		{"keyword", []string{"Instructions", "My Assets 2024"}, "My Assets 2024"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wb := NewMemoryWorkbook()
			for _, s := range tt.sheets {
				wb.AddSheet(s, [][]string{header, data})
			}
			res, err := Parse(wb, layout)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if res.Sheets["main"] != tt.want {
				t.Errorf("main sheet = %q, want %q", res.Sheets["main"], tt.want)
			}
		})
	}
}

func TestParse_MissingSheet(t *testing.T) {
	wb := NewMemoryWorkbook().AddSheet("Header", [][]string{{"Sequence ID"}, {"1"}})

	_, err := Parse(wb, layoutFor(t, "customer_journal_entry"))
	var missing *MissingSheetError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingSheetError", err)
	}
	if !reflect.DeepEqual(missing.Available, []string{"Header"}) {
		t.Errorf("Available = %v", missing.Available)
	}
	if !strings.Contains(strings.Join(missing.Required, ","), "Lines") {
		t.Errorf("Required = %v", missing.Required)
	}
	if !strings.Contains(err.Error(), "Header") {
		t.Errorf("message does not name available sheets: %q", err)
	}
}

// ----------------------------------------------------------------------------
// Headers and rows
// ----------------------------------------------------------------------------

func TestParse_HeadersAndRows(t *testing.T) {
	data := buildXLSX(t, sheetDef{"GRN", [][]any{
		{"Seq No", "GRN No", "PO Number", "Quantity", "Posting Date", "Comment"},
		{"1", "5000000123", "4500000001", "10.500", 45306, "first"},
		{"2", "", "", "", "", ""},
		{"", "  ", "", "", "", ""},
		{"3", "5000000124", "4500000002", "1", "2024-01-16", ""},
	}})
	wb, err := Open("grn.xlsx", data, Options{})
	if err != nil {
		t.Fatal(err)
	}

	res, err := Parse(wb, layoutFor(t, "goods_receipt"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(res.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2 (empty rows dropped)", len(res.Rows))
	}

	first := res.Rows[0]
	want := map[string]string{
		"SequenceID":          "1",
		"GRNDocumentNumber":   "5000000123",
		"PurchaseOrder":       "4500000001",
		"QuantityInEntryUnit": "10.500",
		"PostingDate":         "2024-01-15",
	}
	if !reflect.DeepEqual(first.Cells, want) {
		t.Errorf("Cells = %v, want %v", first.Cells, want)
	}
	if first.Line != 2 || first.Sheet != "GRN" {
		t.Errorf("Line/Sheet = %d/%q", first.Line, first.Sheet)
	}
	if res.Rows[1].Line != 5 {
		t.Errorf("second row Line = %d, want 5", res.Rows[1].Line)
	}
	if !reflect.DeepEqual(res.Dropped["GRN"], []string{"Comment"}) {
		t.Errorf("Dropped = %v", res.Dropped)
	}
}

func TestParse_KeepUnmapped(t *testing.T) {
	layout := layoutFor(t, "goods_receipt")
	layout.KeepUnmapped = true

	wb := NewMemoryWorkbook().AddSheet("GRN", [][]string{
		{"PO Number", "Comment"},
		{"4500000001", "rush"},
	})
	res, err := Parse(wb, layout)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0].Cells["Comment"] != "rush" {
		t.Errorf("unmapped column not kept: %v", res.Rows[0].Cells)
	}
}

func TestParse_HeaderConflict(t *testing.T) {
	wb := NewMemoryWorkbook().AddSheet("GRN", [][]string{
		{"PO Number", "Purchase Order"},
		{"4500000001", "4500000002"},
	})

	_, err := Parse(wb, layoutFor(t, "goods_receipt"))
	var conflict *HeaderConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want HeaderConflictError", err)
	}
	if conflict.Field != "PurchaseOrder" || len(conflict.Headers) != 2 {
		t.Errorf("conflict = %+v", conflict)
	}
}

// ----------------------------------------------------------------------------
// Multi-sheet joins
// ----------------------------------------------------------------------------

func journalWorkbook(lines [][]string) Workbook {
	return NewMemoryWorkbook().
		AddSheet("Header", [][]string{
			{"Transaction ID", "Company Code", "Posting Date"},
			{"T1", "1000", "2024-01-15"},
			{"T2", "1000", "2024-01-16"},
		}).
		AddSheet("Lines", lines)
}

func TestParse_JoinsLines(t *testing.T) {
	wb := journalWorkbook([][]string{
		{"Sequence ID", "Line", "D/C", "Amount"},
		{"T1", "1", "S", "100.00"},
		{"T2", "1", "S", "50"},
		{"T1", "2", "H", "100.00"},
		{"T2", "", "", ""},
	})

	res, err := Parse(wb, layoutFor(t, "customer_journal_entry"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("len(Rows) = %d", len(res.Rows))
	}

	t1 := res.Rows[0].Children["lines"]
	if len(t1) != 2 || t1[0].Cells["LineNumber"] != "1" || t1[1].Cells["DebitCreditCode"] != "H" {
		t.Errorf("T1 lines = %+v", t1)
	}
	if got := len(res.Rows[1].Children["lines"]); got != 1 {
		t.Errorf("T2 has %d lines, want 1", got)
	}
}

func TestParse_OrphanLines(t *testing.T) {
	wb := journalWorkbook([][]string{
		{"Sequence ID", "Line", "D/C", "Amount"},
		{"T1", "1", "S", "100.00"},
		{"T9", "1", "H", "100.00"},
	})

	_, err := Parse(wb, layoutFor(t, "customer_journal_entry"))
	var orphan *OrphanRowsError
	if !errors.As(err, &orphan) {
		t.Fatalf("error = %v, want OrphanRowsError", err)
	}
	if !reflect.DeepEqual(orphan.Lines, []int{3}) || !reflect.DeepEqual(orphan.Keys, []string{"T9"}) {
		t.Errorf("orphan = %+v", orphan)
	}
}

func TestParse_MissingJoinColumn(t *testing.T) {
	wb := journalWorkbook([][]string{
		{"Line", "D/C", "Amount"},
		{"1", "S", "100.00"},
	})

	_, err := Parse(wb, layoutFor(t, "customer_journal_entry"))
	var missing *MissingColumnError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingColumnError", err)
	}
	if missing.Sheet != "Lines" {
		t.Errorf("Sheet = %q", missing.Sheet)
	}
}
