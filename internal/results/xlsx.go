package results

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/user/reportd/internal/types"
)

const maxSheetName = 31

var sheetNameReplacer = strings.NewReplacer("/", " ", `\`, " ", "?", " ", "*", " ", "]", " ", "[", " ", ":", " ")

// SheetName turns a title into a valid worksheet name: forbidden characters
// become spaces, the name is cut to 31 characters and may not start or end
// with an apostrophe.
func SheetName(title string) string {
	s := sheetNameReplacer.Replace(title)
	if utf8.RuneCountInString(s) > maxSheetName {
		s = string([]rune(s)[:maxSheetName])
	}
	s = strings.Trim(s, "'")
	if strings.TrimSpace(s) == "" {
		return "Report"
	}
	return s
}

// XLSXExporter renders a document as a single worksheet.
type XLSXExporter struct{}

func (XLSXExporter) Export(doc *types.FilledDocument, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := SheetName(doc.Title)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	stamp := doc.GeneratedAt.UTC().Format(time.RFC3339)
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:    doc.Title,
		Creator:  "reportd",
		Created:  stamp,
		Modified: stamp,
	}); err != nil {
		return fmt.Errorf("set properties: %w", err)
	}

	header := make([]any, len(doc.Columns))
	for i, c := range doc.Columns {
		header[i] = c.Label
		if c.Width > 0 {
			col, err := excelize.ColumnNumberToName(i + 1)
			if err != nil {
				return err
			}
			// Column widths are declared in millimetres; excelize expects characters.
			if err := f.SetColWidth(sheet, col, col, c.Width/2); err != nil {
				return fmt.Errorf("set column width: %w", err)
			}
		}
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(doc.Columns) > 0 {
		bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return err
		}
		last, err := excelize.CoordinatesToCellName(len(doc.Columns), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
			return fmt.Errorf("style header: %w", err)
		}
	}

	for r, row := range doc.Rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		values := make([]any, len(doc.Columns))
		copy(values, row)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", r+1, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
