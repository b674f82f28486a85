package excel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"msgblast/pkg/logx"
)

const testSheet = "Messages"

func writeTable(t *testing.T, path, sheet string, rows [][]string) {
	t.Helper()
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		t.Fatal(err)
	}
	for r, cells := range rows {
		for c, v := range cells {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				t.Fatal(err)
			}
			if err := f.SetCellStr(sheet, cell, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func readCell(t *testing.T, path, sheet, cell string) string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	v, err := f.GetCellValue(sheet, cell)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func newIngestor() *Ingestor {
	return NewIngestor(testSheet, "91", logx.Nop())
}

func TestValidateValidTable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	attach := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(attach, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "jobs.xlsx")
	writeTable(t, path, testSheet, [][]string{
		{ColNumber, ColType, ColMessage, ColLink},
		{"919876543210", "message", "hello", ""},
		{"9876543210", "document", "see attached", attach},
	})

	res := newIngestor().Validate(path)
	if !res.Valid {
		t.Fatalf("Validate = invalid: %v", res.Errors)
	}
	if !strings.Contains(res.Message, testSheet) {
		t.Fatalf("Message = %q", res.Message)
	}
}

func TestValidateFileNotFound(t *testing.T) {
	t.Parallel()
	res := newIngestor().Validate(filepath.Join(t.TempDir(), "missing.xlsx"))
	if res.Valid || res.Message != "Excel file not found" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestValidateNoDataRows(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.xlsx")
	writeTable(t, path, testSheet, [][]string{{ColNumber, ColType, ColMessage}})

	res := newIngestor().Validate(path)
	if res.Valid || !strings.Contains(res.Message, "does not contain any data") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestValidateMissingColumns(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.xlsx")
	writeTable(t, path, testSheet, [][]string{
		{ColNumber, "Payload"},
		{"919876543210", "hi"},
	})

	res := newIngestor().Validate(path)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], ColType) || !strings.Contains(res.Errors[0], ColMessage) {
		t.Fatalf("Errors = %v", res.Errors)
	}
}

func TestValidateRowErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.xlsx")
	// Rows 2-7 each carry exactly one defect; the want list below names them
	// in table order.
	writeTable(t, path, testSheet, [][]string{
		{ColNumber, ColType, ColMessage, ColLink},
		{"", "message", "hello", ""},
		{"12", "message", "hello", ""},
		{"919876543210", "video", "hello", ""},
		{"919876543210", "message", "", ""},
		{"919876543210", "document", "caption", ""},
		{"919876543210", "media", "caption", "/nonexistent/img.png"},
	})

	res := newIngestor().Validate(path)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	want := []string{
		"Row 2: Phone number is required",
		"Row 3: Invalid phone number format",
		"Row 4: Invalid message type: video",
		"Row 5: Message content is required",
		"Row 6: File path is required for document type",
		"Row 7: File not found: /nonexistent/img.png",
	}
	if len(res.Errors) != len(want) {
		t.Fatalf("got %d errors, want %d: %v", len(res.Errors), len(want), res.Errors)
	}
	for i, prefix := range want {
		if !strings.HasPrefix(res.Errors[i], prefix) {
			t.Fatalf("error %d = %q, want prefix %q", i, res.Errors[i], prefix)
		}
	}
}

func TestValidateErrorCap(t *testing.T) {
	t.Parallel()
	rows := [][]string{{ColNumber, ColType, ColMessage}}
	for i := 0; i < 30; i++ {
		rows = append(rows, []string{"", "message", "hi"})
	}
	path := filepath.Join(t.TempDir(), "jobs.xlsx")
	writeTable(t, path, testSheet, rows)

	res := newIngestor().Validate(path)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.Errors) != maxValidationErrors+1 {
		t.Fatalf("got %d errors, want %d", len(res.Errors), maxValidationErrors+1)
	}
	last := res.Errors[len(res.Errors)-1]
	if !strings.Contains(last, "more errors") {
		t.Fatalf("missing truncation marker, last = %q", last)
	}
}

func TestLoadAddsStatusColumn(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.xlsx")
	writeTable(t, path, testSheet, [][]string{
		{ColNumber, ColType, ColMessage, ColLink},
		{"919876543210", "message", "one", ""},
		{"919876543211", "message", "two", ""},
	})

	job, wb, err := newIngestor().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer wb.Close()

	if len(job.Rows) != 2 {
		t.Fatalf("rows = %d", len(job.Rows))
	}
	if job.Rows[0].Position != 2 || job.Rows[1].Position != 3 {
		t.Fatalf("positions = %d, %d", job.Rows[0].Position, job.Rows[1].Position)
	}

	// The structural change is saved synchronously; a fresh reader must see it.
	if got := readCell(t, path, testSheet, "E1"); got != ColStatus {
		t.Fatalf("E1 = %q, want %q", got, ColStatus)
	}
	for _, cell := range []string{"E2", "E3"} {
		if got := readCell(t, path, testSheet, cell); got != StatusPending {
			t.Fatalf("%s = %q, want %q", cell, got, StatusPending)
		}
	}
}

func TestLoadKeepsExistingStatusColumn(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.xlsx")
	writeTable(t, path, testSheet, [][]string{
		{ColNumber, ColType, ColMessage, ColLink, ColStatus},
		{"919876543210", "message", "one", "", "sent"},
	})

	job, wb, err := newIngestor().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer wb.Close()

	if job.Rows[0].Status != "sent" {
		t.Fatalf("Status = %q", job.Rows[0].Status)
	}
}

func TestLoadFallsBackToFirstSheet(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.xlsx")
	writeTable(t, path, "Other", [][]string{
		{ColNumber, ColType, ColMessage},
		{"919876543210", "message", "hello"},
	})

	job, wb, err := newIngestor().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer wb.Close()

	if job.Sheet != "Other" {
		t.Fatalf("Sheet = %q, want fallback to %q", job.Sheet, "Other")
	}
}

func newWriterFixture(t *testing.T, debounce time.Duration) (*StatusWriter, *Workbook, string) {
	t.Helper()
	rows := [][]string{{ColNumber, ColType, ColMessage}}
	for i := 0; i < 12; i++ {
		rows = append(rows, []string{fmt.Sprintf("91987654%04d", i), "message", "hi"})
	}
	path := filepath.Join(t.TempDir(), "jobs.xlsx")
	writeTable(t, path, testSheet, rows)

	wb, err := OpenWorkbook(path, testSheet, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { wb.Close() })
	if _, err := wb.EnsureStatusColumn(); err != nil {
		t.Fatal(err)
	}
	return NewStatusWriter(wb, 10, debounce, logx.Nop()), wb, path
}

func TestStatusWriterThresholdFlush(t *testing.T) {
	t.Parallel()
	w, _, path := newWriterFixture(t, time.Hour) // debounce effectively disabled

	for i := 0; i < 9; i++ {
		w.Record(i+2, StatusSent, "")
	}
	if got := readCell(t, path, testSheet, "D2"); got == StatusSent {
		t.Fatal("saved before threshold")
	}
	if w.Pending() != 9 {
		t.Fatalf("Pending = %d", w.Pending())
	}

	w.Record(11, StatusSent, "")
	if w.Pending() != 0 {
		t.Fatalf("Pending after threshold = %d", w.Pending())
	}
	if got := readCell(t, path, testSheet, "D2"); got != StatusSent {
		t.Fatalf("D2 = %q after threshold flush", got)
	}
}

func TestStatusWriterDebounceFlush(t *testing.T) {
	t.Parallel()
	w, _, path := newWriterFixture(t, 50*time.Millisecond)

	w.Record(2, "", "boom")
	w.Record(3, StatusSent, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Pending() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if w.Pending() != 0 {
		t.Fatal("debounce flush did not happen")
	}
	if got := readCell(t, path, testSheet, "D2"); got != "Failed: boom" {
		t.Fatalf("D2 = %q", got)
	}
	if got := readCell(t, path, testSheet, "D3"); got != StatusSent {
		t.Fatalf("D3 = %q", got)
	}
}

func TestStatusWriterFlushNow(t *testing.T) {
	t.Parallel()
	w, _, path := newWriterFixture(t, time.Hour)

	w.Record(2, StatusSent, "")
	w.FlushNow()
	if w.Pending() != 0 {
		t.Fatalf("Pending = %d", w.Pending())
	}
	if got := readCell(t, path, testSheet, "D2"); got != StatusSent {
		t.Fatalf("D2 = %q", got)
	}

	// FlushNow with nothing pending is a no-op.
	w.FlushNow()
}

func TestWriteTemplate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "template_example.xlsx")
	if err := WriteTemplate(path, testSheet); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}

	job, wb, err := newIngestor().Load(path)
	if err != nil {
		t.Fatalf("Load(template): %v", err)
	}
	defer wb.Close()
	if len(job.Rows) != 4 {
		t.Fatalf("template rows = %d", len(job.Rows))
	}
}
