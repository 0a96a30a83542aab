package results

import (
	"fmt"
	"io"
	"strconv"

	"github.com/jung-kurt/gofpdf/v2"

	"github.com/user/reportd/internal/types"
)

const (
	pdfMargin    = 10.0
	pdfRowHeight = 6.0
)

// PDFExporter renders a document as a landscape A4 table. Output depends only
// on the document, so rendering twice yields identical bytes.
type PDFExporter struct{}

func (PDFExporter) Export(doc *types.FilledDocument, w io.Writer) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, 15, pdfMargin)
	pdf.SetAutoPageBreak(true, 15)
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(doc.GeneratedAt)
	pdf.SetModificationDate(doc.GeneratedAt)
	pdf.SetCreator("reportd", true)
	pdf.SetTitle(doc.Title, true)
	pdf.AliasNbPages("{nb}")

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	widths := columnWidths(pdf, doc.Columns)

	header := func() {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		for i, c := range doc.Columns {
			pdf.CellFormat(widths[i], pdfRowHeight, fit(pdf, tr(c.Label), widths[i]), "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 8)
	}

	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(108, 117, 125)
		pdf.CellFormat(0, 8, fmt.Sprintf("%s  |  Page %d of {nb}", doc.GeneratedAt.Format("2006-01-02 15:04 MST"), pdf.PageNo()), "", 0, "C", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
	})

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, tr(doc.Title), "", 1, "L", false, 0, "")
	header()

	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for _, row := range doc.Rows {
		if pdf.GetY()+pdfRowHeight > pageHeight-bottom {
			pdf.AddPage()
			header()
		}
		for i := range doc.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			pdf.CellFormat(widths[i], pdfRowHeight, fit(pdf, tr(cellText(v)), widths[i]), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// columnWidths uses declared widths and shares the remaining page width
// equally among undeclared columns.
func columnWidths(pdf *gofpdf.Fpdf, cols []types.Column) []float64 {
	pageWidth, _ := pdf.GetPageSize()
	avail := pageWidth - 2*pdfMargin
	widths := make([]float64, len(cols))
	var fixed float64
	free := 0
	for i, c := range cols {
		if c.Width > 0 {
			widths[i] = c.Width
			fixed += c.Width
		} else {
			free++
		}
	}
	if free > 0 {
		share := (avail - fixed) / float64(free)
		if share < 10 {
			share = 10
		}
		for i := range widths {
			if widths[i] == 0 {
				widths[i] = share
			}
		}
	}
	return widths
}

// fit shortens s until it fits into a cell of width w.
func fit(pdf *gofpdf.Fpdf, s string, w float64) string {
	limit := w - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	b := []byte(s)
	for len(b) > 0 && pdf.GetStringWidth(string(b)+"...") > limit {
		b = b[:len(b)-1]
	}
	return string(b) + "..."
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
