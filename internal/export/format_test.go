package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

func sampleDocument(grouped bool) *Document {
	columns := []string{"Sequence ID", "Status", "Message", "Purchase Order"}
	a := []types.ExportRecord{
		{"Sequence ID": "1", "Status": "Success", "Message": "Posted", "Purchase Order": "0004500000001"},
		{"Sequence ID": "2", "Status": "Error", "Message": `Quantity "10" > open <5> & blocked`, "Purchase Order": ""},
	}
	b := []types.ExportRecord{
		{"Sequence ID": "3", "Status": "Success", "Message": "Posted", "Purchase Order": "4500000002"},
	}
	meta := Metadata{Title: "Goods Receipt", Domain: "goods_receipt", Filter: FilterAll, GeneratedAt: time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)}
	if !grouped {
		return NewDocument(append(a, b...), columns, meta)
	}
	return NewGroupedDocument(&Groups{
		Columns: columns,
		Keys:    []string{"5000000123", ""},
		Records: map[string][]types.ExportRecord{"5000000123": a, "": b},
	}, meta)
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format string
		ext    string
	}{
		{"", ".xlsx"},
		{"XLSX", ".xlsx"},
		{"csv", ".csv"},
		{"pdf", ".pdf"},
		{"xml", ".xml"},
	}
	for _, tt := range tests {
		f, err := NewFormatter(tt.format)
		if err != nil {
			t.Fatalf("NewFormatter(%q) error = %v", tt.format, err)
		}
		if f.Extension() != tt.ext {
			t.Errorf("NewFormatter(%q).Extension() = %s, want %s", tt.format, f.Extension(), tt.ext)
		}
	}
	if _, err := NewFormatter("docx"); err == nil {
		t.Error("NewFormatter(docx) error = nil")
	}
}

func TestCSVFormatter(t *testing.T) {
	tests := []struct {
		name    string
		grouped bool
		want    string
	}{
		{
			name: "flat",
			want: "Sequence ID,Status,Message,Purchase Order\n" +
				"1,Success,Posted,0004500000001\n" +
				"2,Error,\"Quantity \"\"10\"\" > open <5> & blocked\",\n" +
				"3,Success,Posted,4500000002\n",
		},
		{
			name:    "grouped",
			grouped: true,
			want: "Group,Sequence ID,Status,Message,Purchase Order\n" +
				"5000000123,1,Success,Posted,0004500000001\n" +
				"5000000123,2,Error,\"Quantity \"\"10\"\" > open <5> & blocked\",\n" +
				"(blank),3,Success,Posted,4500000002\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := (CSVFormatter{}).Write(&buf, sampleDocument(tt.grouped)); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("csv =\n%s\nwant\n%s", buf.String(), tt.want)
			}
		})
	}
}

func TestXLSXFormatter_SheetPerGroup(t *testing.T) {
	var buf bytes.Buffer
	if err := (XLSXFormatter{}).Write(&buf, sampleDocument(true)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "5000000123" || sheets[1] != "(blank)" {
		t.Fatalf("sheets = %v", sheets)
	}
	rows, err := f.GetRows("5000000123")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "Sequence ID" || rows[1][3] != "0004500000001" {
		t.Errorf("rows = %v", rows)
	}
}

func TestUniqueSheetName(t *testing.T) {
	used := make(map[string]bool)
	tests := []struct{ in, want string }{
		{"Lines/2024", "Lines_2024"},
		{"lines_2024", "lines_2024 (2)"},
		{"", "Sheet"},
		{strings.Repeat("x", 40), strings.Repeat("x", 31)},
	}
	for _, tt := range tests {
		if got := uniqueSheetName(tt.in, used); got != tt.want {
			t.Errorf("uniqueSheetName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPDFFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := (PDFFormatter{}).Write(&buf, sampleDocument(true)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
		t.Errorf("output does not start with a PDF header: %q", buf.Bytes()[:min(buf.Len(), 8)])
	}
}

func TestXMLFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewXMLFormatter().Write(&buf, sampleDocument(true)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<export domain="goods_receipt" filter="all" generated="2024-06-01T09:30:00Z">`,
		`<group key="5000000123" n="1">`,
		`<record n="2">`,
		`<Message>Quantity &quot;10&quot; &gt; open &lt;5&gt; &amp; blocked</Message>`,
		`<group key="(blank)" n="2">`,
		`<record n="3">`,
		`<Purchase_Order>4500000002</Purchase_Order>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("xml missing %s\n%s", want, out)
		}
	}
	if strings.Contains(out, "<Purchase_Order/>") {
		t.Error("blank value written without IncludeEmpty")
	}
}

func TestXMLName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Sequence ID", "Sequence_ID"},
		{"1st Line", "_1st_Line"},
		{"Amount (EUR)", "Amount__EUR_"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := xmlName(tt.in); got != tt.want {
			t.Errorf("xmlName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
