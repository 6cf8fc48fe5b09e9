package report

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	timestampFormat  = "yyyy-mm-dd hh:mm:ss"
	maxXLSXSheetName = 31
)

// WriteXLSX writes wb to path, replacing any existing file. Timestamps are
// written as naive UTC date-times and decimals as numbers.
func WriteXLSX(path string, wb *Workbook) error {
	f := excelize.NewFile()
	defer f.Close()

	tsStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: ptr(timestampFormat)})
	if err != nil {
		return fmt.Errorf("WriteXLSX: style: %w", err)
	}

	for i, sheet := range wb.Sheets {
		name := xlsxSheetName(sheet.Name)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return fmt.Errorf("WriteXLSX: %s: %w", name, err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("WriteXLSX: %s: %w", name, err)
		}

		if err := writeSheet(f, name, sheet, tsStyle); err != nil {
			return fmt.Errorf("WriteXLSX: %s: %w", name, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("WriteXLSX: saving %s: %w", path, err)
	}
	return nil
}

func writeSheet(f *excelize.File, name string, sheet Sheet, tsStyle int) error {
	sw, err := f.NewStreamWriter(name)
	if err != nil {
		return err
	}

	header := make([]any, len(sheet.Columns))
	for i, c := range sheet.Columns {
		header[i] = c
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	for r, row := range sheet.Rows {
		values := make([]any, len(row))
		for c, v := range row {
			values[c] = xlsxValue(v, tsStyle)
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, values); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func xlsxValue(v any, tsStyle int) any {
	switch x := v.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return x.InexactFloat64()
	case time.Time:
		// Excel has no zone; store the UTC wall clock.
		return excelize.Cell{StyleID: tsStyle, Value: x.UTC()}
	case []byte:
		return string(x)
	default:
		return v
	}
}

// xlsxSheetName applies the Sheets title rules plus Excel's 31 character
// limit.
func xlsxSheetName(name string) string {
	name = sanitizeTitle(name)
	if r := []rune(name); len(r) > maxXLSXSheetName {
		name = string(r[:maxXLSXSheetName])
	}
	return name
}

func ptr[T any](v T) *T { return &v }
