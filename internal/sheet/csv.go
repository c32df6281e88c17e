package sheet

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// OpenCSV decodes a delimited text file into a single-sheet workbook.
//
// DECODING PROCESS:
//  1. Strip a UTF-8 byte order mark
//  2. Decode legacy code pages (explicit, or Windows-1252 when the content
//     is not valid UTF-8)
//  3. Sniff the delimiter from the header line unless one is configured
//  4. Read all records with lazy quotes and a variable field count
func OpenCSV(data []byte, opts Options) (Workbook, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	reader, err := decodingReader(data, opts.Encoding)
	if err != nil {
		return nil, err
	}

	text, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode csv: %w", err)
	}

	csvReader := csv.NewReader(bytes.NewReader(text))
	configureReader(csvReader, opts.Delimiter, text)

	rows, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	name := opts.CSVSheetName
	if name == "" {
		name = "Sheet1"
	}
	return NewMemoryWorkbook().AddSheet(name, rows), nil
}

// decodingReader wraps data with the code page decoder for encoding.
func decodingReader(data []byte, encoding string) (io.Reader, error) {
	var enc *charmap.Charmap
	switch strings.ToLower(strings.ReplaceAll(encoding, "_", "-")) {
	case "", "utf-8", "utf8":
		if utf8.Valid(data) {
			return bytes.NewReader(data), nil
		}
		enc = charmap.Windows1252
	case "windows-1252", "cp1252":
		enc = charmap.Windows1252
	case "iso-8859-1", "latin1", "latin-1":
		enc = charmap.ISO8859_1
	case "iso-8859-15", "latin9":
		enc = charmap.ISO8859_15
	default:
		return nil, fmt.Errorf("unsupported csv encoding %q", encoding)
	}
	return transform.NewReader(bytes.NewReader(data), enc.NewDecoder()), nil
}

// configureReader configures the CSV reader.
func configureReader(reader *csv.Reader, delimiter rune, text []byte) {
	if delimiter == 0 {
		delimiter = sniffDelimiter(text)
	}
	reader.Comma = delimiter

	// Allow a variable number of fields per row; trailing empty cells are
	// often dropped by spreadsheet exports.
	reader.FieldsPerRecord = -1

	// Allow lazy quotes (quotes that don't follow strict CSV rules).
	reader.LazyQuotes = true

	reader.TrimLeadingSpace = true
}

// sniffDelimiter picks the candidate delimiter occurring most often on the
// first line outside of quotes. Comma wins ties.
func sniffDelimiter(text []byte) rune {
	line := text
	if i := bytes.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}

	candidates := []rune{',', ';', '\t', '|'}
	counts := make(map[rune]int, len(candidates))
	inQuotes := false
	for _, r := range string(line) {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}

	best := ','
	for _, c := range candidates {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}
