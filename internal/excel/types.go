package excel

import "msgblast/internal/channel"

// Column headers of the job table. A Status column is appended automatically
// when absent.
const (
	ColNumber  = "Number"
	ColType    = "Type"
	ColMessage = "Message/Caption"
	ColLink    = "Link"
	ColStatus  = "Status"
)

// Status cell values written back by the StatusWriter.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Row is one messaging task. Position is the worksheet row number (1-based,
// the first data row is 2 because of the header).
type Row struct {
	Position      int
	Number        string
	Kind          channel.Kind // empty when RawType is not a known kind
	RawType       string
	Content       string
	AttachmentRef string
	Status        string
}

// Job is the full ordered row set loaded from one table for one run.
// Immutable once loaded.
type Job struct {
	Path  string
	Sheet string
	Rows  []Row
}

type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}
