package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"
)

// PDFFormatter writes a landscape A4 table. The title block and column
// header repeat on every page; each sheet starts on a new page.
type PDFFormatter struct{}

// Extension implements Formatter.
func (PDFFormatter) Extension() string { return ".pdf" }

const (
	pdfFont       = "Helvetica"
	pdfFontSize   = 8
	pdfRowHeight  = 5.5
	pdfMargin     = 10
	pdfMaxColumn  = 70
	pdfSampleRows = 200
)

// Write implements Formatter.
func (PDFFormatter) Write(w io.Writer, doc *Document) error {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin+2)
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont(pdfFont, "", pdfFontSize)
	pageWidth, _ := pdf.GetPageSize()
	widths := pdfColumnWidths(pdf, doc, pageWidth-2*pdfMargin)

	title := doc.Meta.Title
	if title == "" {
		title = "Upload results"
	}
	sheetName := ""

	pdf.SetHeaderFunc(func() {
		pdf.SetFont(pdfFont, "B", 12)
		heading := title
		if len(doc.Sheets) > 1 {
			heading += " - " + sheetName
		}
		pdf.CellFormat(0, 7, tr(heading), "", 1, "L", false, 0, "")

		pdf.SetFont(pdfFont, "", pdfFontSize)
		var meta []string
		if doc.Meta.Domain != "" {
			meta = append(meta, "Domain: "+doc.Meta.Domain)
		}
		if doc.Meta.Filter != "" {
			meta = append(meta, "Filter: "+string(doc.Meta.Filter))
		}
		if !doc.Meta.GeneratedAt.IsZero() {
			meta = append(meta, "Generated: "+doc.Meta.GeneratedAt.Format("2006-01-02 15:04"))
		}
		if len(meta) > 0 {
			pdf.CellFormat(0, 5, tr(strings.Join(meta, "   ")), "", 1, "L", false, 0, "")
		}
		pdf.Ln(2)

		pdf.SetFont(pdfFont, "B", pdfFontSize)
		pdf.SetFillColor(221, 235, 247)
		for i, col := range doc.Columns {
			pdf.CellFormat(widths[i], pdfRowHeight+1, tr(fitText(pdf, col, widths[i])), "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont(pdfFont, "", pdfFontSize)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-pdfMargin)
		pdf.SetFont(pdfFont, "I", 7)
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	for _, sheet := range doc.Sheets {
		sheetName = sheet.Name
		pdf.AddPage()
		pdf.SetFillColor(245, 245, 245)
		for r, rec := range sheet.Records {
			for i, col := range doc.Columns {
				pdf.CellFormat(widths[i], pdfRowHeight, tr(fitText(pdf, rec[col], widths[i])), "1", 0, "L", r%2 == 1, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// pdfColumnWidths sizes columns by content and scales them to the usable
// page width.
func pdfColumnWidths(pdf *fpdf.Fpdf, doc *Document, usable float64) []float64 {
	widths := make([]float64, len(doc.Columns))
	if len(widths) == 0 {
		return widths
	}

	total := 0.0
	for i, col := range doc.Columns {
		w := pdf.GetStringWidth(col)
		sampled := 0
		for _, sheet := range doc.Sheets {
			for _, rec := range sheet.Records {
				if sampled >= pdfSampleRows {
					break
				}
				if sw := pdf.GetStringWidth(rec[col]); sw > w {
					w = sw
				}
				sampled++
			}
		}
		w += 3
		if w > pdfMaxColumn {
			w = pdfMaxColumn
		}
		widths[i] = w
		total += w
	}

	scale := usable / total
	for i := range widths {
		widths[i] *= scale
	}
	return widths
}

// fitText shortens s with an ellipsis until it fits into width.
func fitText(pdf *fpdf.Fpdf, s string, width float64) string {
	limit := width - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		if pdf.GetStringWidth(string(runes)+"...") <= limit {
			return string(runes) + "..."
		}
	}
	return ""
}
