package excel

import (
	"fmt"

	"msgblast/pkg/logx"
)

// Ingestor loads and validates job tables.
type Ingestor struct {
	preferredSheet string
	countryCode    string
	log            logx.Logger
}

func NewIngestor(preferredSheet, countryCode string, log logx.Logger) *Ingestor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingestor{preferredSheet: preferredSheet, countryCode: countryCode, log: log}
}

// Load opens the table, guarantees the Status column exists, and converts the
// sheet into a Job. The returned Workbook stays open; the caller hands it to
// the StatusWriter and closes it when the run is over.
func (i *Ingestor) Load(path string) (*Job, *Workbook, error) {
	i.log.Info("loading excel file", logx.String("path", path))

	wb, err := OpenWorkbook(path, i.preferredSheet, i.log)
	if err != nil {
		return nil, nil, err
	}
	if _, err := wb.EnsureStatusColumn(); err != nil {
		_ = wb.Close()
		return nil, nil, err
	}
	rows, err := wb.Rows()
	if err != nil {
		_ = wb.Close()
		return nil, nil, err
	}

	i.log.Info("excel file loaded",
		logx.Int("rows", len(rows)), logx.String("sheet", wb.Sheet()))
	return &Job{Path: path, Sheet: wb.Sheet(), Rows: rows}, wb, nil
}

// rowErr prefixes a validation failure with its worksheet row so users can
// find the offending cell.
func rowErr(position int, format string, args ...any) string {
	return fmt.Sprintf("Row %d: %s", position, fmt.Sprintf(format, args...))
}
