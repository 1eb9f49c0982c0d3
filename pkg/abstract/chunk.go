package abstract

import (
	"fmt"
	"time"
)

type ChunkStatus string

const (
	ChunkPending   = ChunkStatus("pending")
	ChunkRunning   = ChunkStatus("running")
	ChunkCompleted = ChunkStatus("completed")
	ChunkFailed    = ChunkStatus("failed")
)

type ValidationStatus string

const (
	ValidationPending   = ValidationStatus("pending")
	ValidationValidated = ValidationStatus("validated")
	ValidationFailed    = ValidationStatus("failed")
)

// Chunk is one pk range of one table: the unit of scheduling, retry and
// validation. Ranges are half-open [PKStart, PKEnd) except the last chunk of
// a table, which is inclusive on both ends so maxPk belongs to exactly one
// chunk.
type Chunk struct {
	ID        string
	JobID     string
	TableID   string
	TableName string

	PKStart        int64
	PKEnd          int64
	PKEndInclusive bool

	Status     ChunkStatus
	RetryCount int
	MaxRetries int

	WorkerID    string
	NextRetryAt *time.Time

	RowsProcessed  uint64
	SourceRowCount uint64
	TargetRowCount uint64
	Checksum       string

	DurationMs    int64
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
	LastError     string

	ValidationStatus ValidationStatus

	BatchSizeUsed        int
	ThroughputRowsPerSec float64
	ThroughputMBPerSec   float64
	MemoryPeakMB         int64
	InsertLatencyMs      int64

	CreatedAt time.Time
}

// Range renders the pk range with its boundary convention.
func (c *Chunk) Range() string {
	if c.PKEndInclusive {
		return fmt.Sprintf("[%d,%d]", c.PKStart, c.PKEnd)
	}
	return fmt.Sprintf("[%d,%d)", c.PKStart, c.PKEnd)
}

// Terminal reports whether no further automatic transitions are allowed.
func (c *Chunk) Terminal() bool {
	switch c.Status {
	case ChunkCompleted:
		return true
	case ChunkFailed:
		return c.RetryCount >= c.MaxRetries
	}
	return false
}

func (c *Chunk) Query(pkColumn string, transforms map[string]string) RangeQuery {
	return RangeQuery{
		Table:        c.TableName,
		PKColumn:     pkColumn,
		Start:        c.PKStart,
		End:          c.PKEnd,
		EndInclusive: c.PKEndInclusive,
		ColumnExprs:  transforms,
	}
}
