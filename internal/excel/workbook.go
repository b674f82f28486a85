package excel

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	"msgblast/internal/channel"
	"msgblast/pkg/logx"
)

// Workbook is an open job table. It is shared between the ingestor and the
// StatusWriter for the duration of one run so write-back lands in the same
// in-memory file that was loaded; a new run opens a fresh Workbook.
type Workbook struct {
	mu sync.Mutex

	path  string
	sheet string
	f     *excelize.File
	log   logx.Logger

	// statusCol is the 1-based Status column index; 0 until resolved.
	statusCol int
}

// OpenWorkbook opens the table and resolves the working sheet: the preferred
// name when present, otherwise the first sheet (logged, since that fallback
// is silent from the user's point of view).
func OpenWorkbook(path, preferredSheet string, log logx.Logger) (*Workbook, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("excel file not found: %s", path)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("no sheets found in the excel file")
	}
	sheet := preferredSheet
	if !containsSheet(sheets, sheet) {
		log.Warn("preferred sheet not found; using first sheet",
			logx.String("preferred", preferredSheet), logx.String("sheet", sheets[0]))
		sheet = sheets[0]
	}

	return &Workbook{path: path, sheet: sheet, f: f, log: log}, nil
}

func containsSheet(sheets []string, name string) bool {
	for _, s := range sheets {
		if s == name {
			return true
		}
	}
	return false
}

func (w *Workbook) Path() string  { return w.path }
func (w *Workbook) Sheet() string { return w.sheet }

// EnsureStatusColumn locates the Status column, appending it as a trailing
// column when absent: header cell plus "pending" for every data row, saved
// synchronously (this structural change must not wait for the debounced
// writer).
func (w *Workbook) EnsureStatusColumn() (added bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows, err := w.f.GetRows(w.sheet)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, fmt.Errorf("sheet %q has no header row", w.sheet)
	}

	header := rows[0]
	for i, h := range header {
		if strings.TrimSpace(h) == ColStatus {
			w.statusCol = i + 1
			return false, nil
		}
	}

	w.statusCol = len(header) + 1
	cell, err := excelize.CoordinatesToCellName(w.statusCol, 1)
	if err != nil {
		return false, err
	}
	if err := w.f.SetCellStr(w.sheet, cell, ColStatus); err != nil {
		return false, err
	}
	for r := 2; r <= len(rows); r++ {
		cell, err := excelize.CoordinatesToCellName(w.statusCol, r)
		if err != nil {
			return false, err
		}
		if err := w.f.SetCellStr(w.sheet, cell, StatusPending); err != nil {
			return false, err
		}
	}
	if err := w.f.Save(); err != nil {
		return false, fmt.Errorf("save status column: %w", err)
	}
	w.log.Info("status column added", logx.String("path", w.path), logx.String("sheet", w.sheet))
	return true, nil
}

// Rows converts the sheet into Row records, skipping fully empty rows while
// preserving each row's worksheet position.
func (w *Workbook) Rows() ([]Row, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := w.f.GetRows(w.sheet)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	idx := headerIndex(raw[0])
	var out []Row
	for r := 1; r < len(raw); r++ {
		cells := raw[r]
		if emptyRow(cells) {
			continue
		}
		rawType := cellAt(cells, idx[ColType])
		kind, _ := channel.ParseKind(rawType)
		out = append(out, Row{
			Position:      r + 1,
			Number:        cellAt(cells, idx[ColNumber]),
			Kind:          kind,
			RawType:       rawType,
			Content:       cellAt(cells, idx[ColMessage]),
			AttachmentRef: cellAt(cells, idx[ColLink]),
			Status:        cellAt(cells, idx[ColStatus]),
		})
	}
	return out, nil
}

// SetStatus updates the in-memory Status cell for a worksheet row. It does
// not save; the StatusWriter batches saves.
func (w *Workbook) SetStatus(position int, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.statusCol == 0 {
		return fmt.Errorf("status column not resolved")
	}
	cell, err := excelize.CoordinatesToCellName(w.statusCol, position)
	if err != nil {
		return err
	}
	return w.f.SetCellStr(w.sheet, cell, text)
}

func (w *Workbook) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Save()
}

func (w *Workbook) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func headerIndex(header []string) map[string]int {
	idx := map[string]int{
		ColNumber:  -1,
		ColType:    -1,
		ColMessage: -1,
		ColLink:    -1,
		ColStatus:  -1,
	}
	for i, h := range header {
		name := strings.TrimSpace(h)
		if _, ok := idx[name]; ok {
			idx[name] = i
		}
	}
	return idx
}

func cellAt(cells []string, i int) string {
	if i < 0 || i >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[i])
}

func emptyRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
