package export

import (
	"encoding/csv"
	"fmt"
	"io"
)

// CSVFormatter writes RFC 4180 text. A document with several sheets gets
// a leading "Group" column naming the sheet of each record.
type CSVFormatter struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune
}

// Extension implements Formatter.
func (CSVFormatter) Extension() string { return ".csv" }

// Write implements Formatter.
func (f CSVFormatter) Write(w io.Writer, doc *Document) error {
	cw := csv.NewWriter(w)
	if f.Comma != 0 {
		cw.Comma = f.Comma
	}

	grouped := len(doc.Sheets) > 1
	header := doc.Columns
	if grouped {
		header = append([]string{"Group"}, doc.Columns...)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, sheet := range doc.Sheets {
		for _, rec := range sheet.Records {
			line := make([]string, 0, len(header))
			if grouped {
				line = append(line, sheet.Name)
			}
			for _, col := range doc.Columns {
				line = append(line, rec[col])
			}
			if err := cw.Write(line); err != nil {
				return fmt.Errorf("write csv record: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}
