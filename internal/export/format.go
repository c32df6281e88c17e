package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// FORMATTER SINKS
// =============================================================================

// Metadata describes an export document.
type Metadata struct {
	Title       string
	Domain      string
	BatchID     string
	Filter      Filter
	GeneratedAt time.Time
}

// Sheet is one named block of records. Grouped exports have one sheet per
// group; flat exports have a single sheet.
type Sheet struct {
	Name    string
	Records []types.ExportRecord
}

// Document is everything a formatter needs.
type Document struct {
	Columns []string
	Sheets  []Sheet
	Meta    Metadata
}

// Rows returns the number of records across all sheets.
func (d *Document) Rows() int {
	n := 0
	for _, s := range d.Sheets {
		n += len(s.Records)
	}
	return n
}

// NewDocument wraps a flat export.
func NewDocument(records []types.ExportRecord, columns []string, meta Metadata) *Document {
	name := meta.Title
	if name == "" {
		name = "Results"
	}
	return &Document{
		Columns: columns,
		Sheets:  []Sheet{{Name: name, Records: records}},
		Meta:    meta,
	}
}

// NewGroupedDocument wraps a grouped export, one sheet per group in
// first-seen order.
func NewGroupedDocument(g *Groups, meta Metadata) *Document {
	doc := &Document{Columns: g.Columns, Meta: meta}
	for _, key := range g.Keys {
		name := key
		if name == "" {
			name = "(blank)"
		}
		doc.Sheets = append(doc.Sheets, Sheet{Name: name, Records: g.Records[key]})
	}
	return doc
}

// Formatter renders a document into a byte stream.
type Formatter interface {
	// Write renders doc to w.
	Write(w io.Writer, doc *Document) error

	// Extension is the file extension including the dot.
	Extension() string
}

// Formats lists the supported output formats.
var Formats = []string{"xlsx", "csv", "pdf", "xml"}

// NewFormatter returns the sink for a format name.
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "xlsx":
		return XLSXFormatter{}, nil
	case "csv":
		return CSVFormatter{}, nil
	case "pdf":
		return PDFFormatter{}, nil
	case "xml":
		return NewXMLFormatter(), nil
	default:
		return nil, fmt.Errorf("unknown export format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
}
