package abstract

import (
	"context"
	"time"
)

// ColumnInfo is the adapter-level view of one column.
type ColumnInfo struct {
	Name       string
	Type       string
	NotNull    bool
	HasDefault bool
	PrimaryKey bool
}

// TableInfo describes a table as the planner needs it: a single pk column and
// a statistics-based row estimate acquired without a full scan.
type TableInfo struct {
	Name     string
	PKColumn string
	Columns  []ColumnInfo
	EtaRows  uint64
}

func (t *TableInfo) Column(name string) *ColumnInfo {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// RangeQuery addresses one pk range of one table. ColumnExprs carries opaque
// per-column transform expressions evaluated by the adapter in its scan.
type RangeQuery struct {
	Table        string
	PKColumn     string
	Start        int64
	End          int64
	EndInclusive bool
	ColumnExprs  map[string]string
}

// RowBatch is one bounded buffer of scanned rows, delivered in pk order.
type RowBatch struct {
	Columns []string
	Rows    [][]interface{}
	Bytes   uint64
}

func (b *RowBatch) Len() int {
	return len(b.Rows)
}

// BatchResult reports one bulk insert.
type BatchResult struct {
	RowsInserted uint64
	Latency      time.Duration
	Bytes        uint64
}

// ConstraintKind is the closed set of droppable target-side objects.
type ConstraintKind string

const (
	ConstraintIndex      = ConstraintKind("index")
	ConstraintForeignKey = ConstraintKind("foreign_key")
)

// ConstraintBackup holds everything needed to restore one dropped object.
type ConstraintBackup struct {
	ID         string
	JobID      string
	Table      string
	Name       string
	Kind       ConstraintKind
	RestoreDDL string
	DroppedBy  string
	DroppedAt  time.Time
	RestoredAt *time.Time
}

// Storage is the uniform read view over a relational source.
//
// ScanRange streams the range into caller-provided batches: batchSize is
// re-evaluated per batch so the adaptive controller can resize mid-chunk, and
// push is invoked once per full (or final partial) buffer. Memory is bounded
// by one batch.
type Storage interface {
	DiscoverTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) (*TableInfo, error)
	PKBounds(ctx context.Context, table string, pkColumn string) (min int64, max int64, err error)
	ScanRange(ctx context.Context, q RangeQuery, batchSize func() int, push func(ctx context.Context, batch *RowBatch) error) error
	ExactRangeCount(ctx context.Context, q RangeQuery) (uint64, error)
	Close()
}

// Sink is the uniform write view over a relational target. BulkInsert issues
// one set-based insert inside its own transaction and reports measured
// latency for that batch.
type Sink interface {
	BulkInsert(ctx context.Context, table string, batch *RowBatch) (*BatchResult, error)
	DeleteRange(ctx context.Context, q RangeQuery) (uint64, error)
	ExactRangeCount(ctx context.Context, q RangeQuery) (uint64, error)
	DescribeTable(ctx context.Context, table string) (*TableInfo, error)
	DropAndBackupConstraints(ctx context.Context, table string) ([]*ConstraintBackup, error)
	RestoreConstraints(ctx context.Context, backups []*ConstraintBackup) error
	Close()
}
