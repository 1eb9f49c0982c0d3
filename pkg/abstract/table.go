package abstract

import "time"

type TableStatus string

const (
	TablePending   = TableStatus("pending")
	TableRunning   = TableStatus("running")
	TableCompleted = TableStatus("completed")
	TableFailed    = TableStatus("failed")
)

// Table is one source table inside a job.
type Table struct {
	ID    string
	JobID string
	Name  string

	PKColumn  string
	TotalRows uint64

	TotalChunks     int
	CompletedChunks int
	FailedChunks    int

	Status    TableStatus
	LastError string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (t *Table) ProgressPercent() float64 {
	if t.TotalChunks == 0 {
		return 0
	}
	return float64(t.CompletedChunks) / float64(t.TotalChunks) * 100
}
