package export

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// =============================================================================
// XML SINK
// =============================================================================
//
// The XML export follows this nesting pattern:
//
//   <export domain="asset_master" filter="all">  <!-- Root element -->
//     <group key="5000000123" n="1">             <!-- One per sheet -->
//       <record n="1">                           <!-- Global numbering -->
//         <SequenceID>1</SequenceID>
//         <Status>Success</Status>
//       </record>
//     </group>
//   </export>
//
// Column headers become element names: characters that are not valid in
// an XML name are replaced by '_', and a leading digit gets a '_' prefix.
//
// =============================================================================

// XMLFormatter renders a document as nested XML.
type XMLFormatter struct {
	// Indent is the string used for indentation.
	// Default: "  " (two spaces)
	Indent string

	// IncludeXMLDeclaration writes the <?xml ...?> line.
	IncludeXMLDeclaration bool

	// RootElement, GroupElement and RecordElement name the nesting levels.
	RootElement   string
	GroupElement  string
	RecordElement string

	// RecordNumberingGlobal numbers records 1, 2, 3... across all groups.
	// If false, numbering restarts at 1 in every group.
	RecordNumberingGlobal bool

	// IncludeEmpty writes self-closing elements for blank values.
	IncludeEmpty bool
}

// NewXMLFormatter returns the default XML sink.
func NewXMLFormatter() XMLFormatter {
	return XMLFormatter{
		Indent:                "  ",
		IncludeXMLDeclaration: true,
		RootElement:           "export",
		GroupElement:          "group",
		RecordElement:         "record",
		RecordNumberingGlobal: true,
	}
}

// Extension implements Formatter.
func (XMLFormatter) Extension() string { return ".xml" }

// xmlElement is one element of the output tree.
type xmlElement struct {
	name     string
	attrs    [][2]string
	value    string
	children []xmlElement
}

// Write implements Formatter.
func (x XMLFormatter) Write(w io.Writer, doc *Document) error {
	var buffer bytes.Buffer
	if x.IncludeXMLDeclaration {
		buffer.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	}

	root := x.buildDocument(doc)
	writeElement(&buffer, root, x.Indent, 0)

	if _, err := w.Write(buffer.Bytes()); err != nil {
		return fmt.Errorf("write xml: %w", err)
	}
	return nil
}

// buildDocument constructs the element tree.
func (x XMLFormatter) buildDocument(doc *Document) xmlElement {
	root := xmlElement{name: x.RootElement}
	if doc.Meta.Domain != "" {
		root.attrs = append(root.attrs, [2]string{"domain", doc.Meta.Domain})
	}
	if doc.Meta.BatchID != "" {
		root.attrs = append(root.attrs, [2]string{"batch", doc.Meta.BatchID})
	}
	if doc.Meta.Filter != "" {
		root.attrs = append(root.attrs, [2]string{"filter", string(doc.Meta.Filter)})
	}
	if !doc.Meta.GeneratedAt.IsZero() {
		root.attrs = append(root.attrs, [2]string{"generated", doc.Meta.GeneratedAt.Format("2006-01-02T15:04:05Z07:00")})
	}

	names := make([]string, len(doc.Columns))
	for i, c := range doc.Columns {
		names[i] = xmlName(c)
	}

	globalIndex := 1
	for g, sheet := range doc.Sheets {
		group := xmlElement{
			name:  x.GroupElement,
			attrs: [][2]string{{"key", sheet.Name}, {"n", fmt.Sprintf("%d", g+1)}},
		}
		for r, rec := range sheet.Records {
			index := r + 1
			if x.RecordNumberingGlobal {
				index = globalIndex
				globalIndex++
			}
			record := xmlElement{
				name:  x.RecordElement,
				attrs: [][2]string{{"n", fmt.Sprintf("%d", index)}},
			}
			for i, col := range doc.Columns {
				value := rec[col]
				if value != "" || x.IncludeEmpty {
					record.children = append(record.children, xmlElement{name: names[i], value: value})
				}
			}
			group.children = append(group.children, record)
		}
		root.children = append(root.children, group)
	}
	return root
}

// writeElement writes an element to the buffer with indentation.
func writeElement(buffer *bytes.Buffer, element xmlElement, indent string, level int) {
	pad := strings.Repeat(indent, level)
	buffer.WriteString(pad)
	buffer.WriteString("<")
	buffer.WriteString(element.name)
	for _, attr := range element.attrs {
		fmt.Fprintf(buffer, " %s=\"%s\"", attr[0], escapeXML(attr[1]))
	}

	if len(element.children) == 0 && element.value == "" {
		buffer.WriteString("/>\n")
		return
	}
	buffer.WriteString(">")

	if element.value != "" {
		buffer.WriteString(escapeXML(element.value))
	} else {
		buffer.WriteString("\n")
		for _, child := range element.children {
			writeElement(buffer, child, indent, level+1)
		}
		buffer.WriteString(pad)
	}

	buffer.WriteString("</")
	buffer.WriteString(element.name)
	buffer.WriteString(">\n")
}

// escapeXML escapes special characters for XML.
func escapeXML(s string) string {
	var buffer bytes.Buffer
	for _, r := range s {
		switch r {
		case '&':
			buffer.WriteString("&amp;")
		case '<':
			buffer.WriteString("&lt;")
		case '>':
			buffer.WriteString("&gt;")
		case '"':
			buffer.WriteString("&quot;")
		case '\'':
			buffer.WriteString("&apos;")
		default:
			buffer.WriteRune(r)
		}
	}
	return buffer.String()
}

// xmlName turns a column header into an element name.
func xmlName(header string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(header) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		return "_"
	}
	first := []rune(name)[0]
	if !unicode.IsLetter(first) && first != '_' {
		name = "_" + name
	}
	return name
}
