package excel

import (
	"fmt"
	"os"
	"strings"

	"msgblast/internal/channel"
	"msgblast/pkg/logx"
)

// maxValidationErrors caps the error list so pathological inputs produce a
// bounded response.
const maxValidationErrors = 20

// fileCheckRows bounds attachment existence checks to the first rows only,
// to keep validation I/O cheap on large tables.
const fileCheckRows = 10

// Validate performs the structural and per-row checks without mutating the
// file. It never returns an error; problems are reported in the result so the
// caller can hand them to the user verbatim.
func (i *Ingestor) Validate(path string) ValidationResult {
	i.log.Info("validating excel structure", logx.String("path", path))

	if _, err := os.Stat(path); err != nil {
		return ValidationResult{
			Valid:   false,
			Message: "Excel file not found",
			Errors:  []string{fmt.Sprintf("File not found: %s", path)},
		}
	}

	wb, err := OpenWorkbook(path, i.preferredSheet, i.log)
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("Excel validation error: %v", err),
			Errors:  []string{err.Error()},
		}
	}
	defer wb.Close()

	rows, err := wb.Rows()
	if err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("Excel validation error: %v", err),
			Errors:  []string{err.Error()},
		}
	}
	if len(rows) == 0 {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("Sheet %q does not contain any data", wb.Sheet()),
			Errors:  []string{fmt.Sprintf("No data rows found in sheet %q", wb.Sheet())},
		}
	}

	if missing := i.missingColumns(wb); len(missing) > 0 {
		return ValidationResult{
			Valid:   false,
			Message: "Excel file is missing required columns",
			Errors:  []string{fmt.Sprintf("Missing columns: %s", strings.Join(missing, ", "))},
		}
	}

	errs := i.rowErrors(rows)
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Message: "Excel data validation failed", Errors: errs}
	}
	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("Excel structure is valid (using sheet: %s)", wb.Sheet()),
		Errors:  []string{},
	}
}

func (i *Ingestor) missingColumns(wb *Workbook) []string {
	wb.mu.Lock()
	raw, err := wb.f.GetRows(wb.sheet)
	wb.mu.Unlock()
	if err != nil || len(raw) == 0 {
		return []string{ColNumber, ColType, ColMessage}
	}
	idx := headerIndex(raw[0])
	var missing []string
	for _, col := range []string{ColNumber, ColType, ColMessage} {
		if idx[col] < 0 {
			missing = append(missing, col)
		}
	}
	return missing
}

func (i *Ingestor) rowErrors(rows []Row) []string {
	var errs []string
	truncated := false
	for n, row := range rows {
		if len(errs) >= maxValidationErrors {
			truncated = true
			break
		}

		if row.Number == "" {
			errs = append(errs, rowErr(row.Position, "Phone number is required"))
		} else if _, err := channel.Normalize(row.Number, i.countryCode); err != nil {
			errs = append(errs, rowErr(row.Position,
				"Invalid phone number format: %s. Should be 10-15 digits.", row.Number))
		}

		if row.RawType == "" {
			errs = append(errs, rowErr(row.Position, "Message type is required"))
			continue
		}
		if row.Kind == "" {
			errs = append(errs, rowErr(row.Position,
				`Invalid message type: %s. Must be "message", "document", or "media"`, row.RawType))
			continue
		}

		switch row.Kind {
		case channel.KindMessage:
			if row.Content == "" {
				errs = append(errs, rowErr(row.Position, "Message content is required for text messages"))
			}
		case channel.KindDocument, channel.KindMedia:
			if row.AttachmentRef == "" {
				errs = append(errs, rowErr(row.Position, "File path is required for %s type", row.Kind))
			} else if n < fileCheckRows {
				if _, err := os.Stat(row.AttachmentRef); err != nil {
					errs = append(errs, rowErr(row.Position, "File not found: %s", row.AttachmentRef))
				}
			}
		}
	}

	if len(errs) >= maxValidationErrors && truncated {
		errs = append(errs, fmt.Sprintf(
			"...and possibly more errors. Showing first %d only.", maxValidationErrors))
	}
	return errs
}
