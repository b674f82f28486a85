package excel

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// WriteTemplate writes an example job table so users have a starting point
// with the expected columns.
func WriteTemplate(path, sheet string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	rows := [][]string{
		{ColNumber, ColType, ColMessage, ColLink},
		{"919876543210", "message", "Hello! This is a sample text message.", ""},
		{"919876543211", "document", "Please find the attached document.", "/data/docs/sample.pdf"},
		{"919876543212", "media", "Check out this image!", "/data/images/sample.jpg"},
		{"919876543213", "message", "Another sample message with emoji \U0001F60A", ""},
	}
	for r, cells := range rows {
		for c, v := range cells {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetCellStr(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	// Widths for readability.
	for col, width := range map[string]float64{"A": 15, "B": 10, "C": 40, "D": 30} {
		if err := f.SetColWidth(sheet, col, col, width); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}
