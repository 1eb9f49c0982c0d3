package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/errors/coded"
	"github.com/dataferry/dataferry/pkg/errors/codes"
	"github.com/dataferry/dataferry/pkg/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

type fakeSource struct {
	columns []string
	rows    [][]interface{}
}

func (s *fakeSource) DiscoverTables(ctx context.Context) ([]string, error) {
	return []string{"users"}, nil
}

func (s *fakeSource) DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error) {
	return &abstract.TableInfo{Name: table, PKColumn: "id"}, nil
}

func (s *fakeSource) PKBounds(ctx context.Context, table string, pkColumn string) (int64, int64, error) {
	return 1, int64(len(s.rows)), nil
}

func (s *fakeSource) ScanRange(ctx context.Context, q abstract.RangeQuery, batchSize func() int, push func(ctx context.Context, batch *abstract.RowBatch) error) error {
	for offset := 0; offset < len(s.rows); {
		size := batchSize()
		end := offset + size
		if end > len(s.rows) {
			end = len(s.rows)
		}
		batch := &abstract.RowBatch{Columns: s.columns, Rows: s.rows[offset:end]}
		for _, row := range batch.Rows {
			batch.Bytes += abstract.ApproxRowBytes(row)
		}
		if err := push(ctx, batch); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func (s *fakeSource) ExactRangeCount(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	return uint64(len(s.rows)), nil
}

func (s *fakeSource) Close() {}

type fakeTarget struct {
	mu sync.Mutex

	inserted    [][]interface{}
	columns     []string
	deleteCalls []abstract.RangeQuery
	dropCalls   int

	insertErr func(batchIndex int) error
	rowCount  func() uint64
	backups   []*abstract.ConstraintBackup

	batchesSeen int
}

func (s *fakeTarget) BulkInsert(ctx context.Context, table string, batch *abstract.RowBatch) (*abstract.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.batchesSeen
	s.batchesSeen++
	if s.insertErr != nil {
		if err := s.insertErr(idx); err != nil {
			return nil, err
		}
	}
	s.columns = batch.Columns
	s.inserted = append(s.inserted, batch.Rows...)
	return &abstract.BatchResult{
		RowsInserted: uint64(batch.Len()),
		Latency:      5 * time.Millisecond,
		Bytes:        batch.Bytes,
	}, nil
}

func (s *fakeTarget) DeleteRange(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls = append(s.deleteCalls, q)
	deleted := uint64(len(s.inserted))
	s.inserted = nil
	return deleted, nil
}

func (s *fakeTarget) ExactRangeCount(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rowCount != nil {
		return s.rowCount(), nil
	}
	return uint64(len(s.inserted)), nil
}

func (s *fakeTarget) DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error) {
	return &abstract.TableInfo{Name: table, PKColumn: "id"}, nil
}

func (s *fakeTarget) DropAndBackupConstraints(ctx context.Context, table string) ([]*abstract.ConstraintBackup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropCalls++
	return s.backups, nil
}

func (s *fakeTarget) RestoreConstraints(ctx context.Context, backups []*abstract.ConstraintBackup) error {
	return nil
}

func (s *fakeTarget) Close() {}

func sourceRows(n int) [][]interface{} {
	rows := make([][]interface{}, n)
	for i := range rows {
		rows[i] = []interface{}{int64(i + 1), "user@example.com"}
	}
	return rows
}

type execFixture struct {
	catalog  *catalog.Memory
	executor *Executor
	source   *fakeSource
	target   *fakeTarget
	job      *abstract.Job
	table    *abstract.Table
	chunk    *abstract.Chunk
}

func newExecFixture(t *testing.T, rows int, spec func(*abstract.JobSpec)) *execFixture {
	t.Helper()
	ctx := context.Background()
	cat := catalog.NewMemory()

	job := &abstract.Job{
		ID: "job-" + t.Name(),
		Spec: abstract.JobSpec{
			BatchSize:  2,
			MaxRetries: 3,
			Validate:   true,
		},
	}
	if spec != nil {
		spec(&job.Spec)
	}
	require.NoError(t, cat.CreateJob(ctx, job))

	table := &abstract.Table{
		ID:          job.ID + "-t1",
		JobID:       job.ID,
		Name:        "users",
		PKColumn:    "id",
		TotalRows:   uint64(rows),
		TotalChunks: 1,
	}
	chunk := &abstract.Chunk{
		ID:             job.ID + "-c0",
		JobID:          job.ID,
		TableID:        table.ID,
		TableName:      table.Name,
		PKStart:        1,
		PKEnd:          int64(rows),
		PKEndInclusive: true,
		MaxRetries:     job.Spec.MaxRetries,
	}
	require.NoError(t, cat.InsertTablesAndChunks(ctx, job.ID, []*abstract.Table{table}, []*abstract.Chunk{chunk}))

	claimed, err := cat.ClaimNextChunk(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	source := &fakeSource{
		columns: []string{"id", "email"},
		rows:    sourceRows(rows),
	}
	target := &fakeTarget{}

	cfg := config.Defaults()
	cfg.MinBatchSize = 1

	executor := NewExecutor(cat, cfg, "w1", stats.NewWorkerStats(prometheus.NewRegistry(), "w1"))
	executor.openStorage = func(ctx context.Context, params *abstract.ConnParams) (abstract.Storage, error) {
		return source, nil
	}
	executor.openSink = func(ctx context.Context, params *abstract.ConnParams) (abstract.Sink, error) {
		return target, nil
	}

	loaded, err := cat.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return &execFixture{
		catalog:  cat,
		executor: executor,
		source:   source,
		target:   target,
		job:      loaded,
		table:    table,
		chunk:    claimed,
	}
}

func TestExecuteCopiesAndValidates(t *testing.T) {
	f := newExecFixture(t, 7, nil)
	require.NoError(t, f.executor.Execute(context.Background(), f.job, f.table, f.chunk))

	got, err := f.catalog.GetChunk(context.Background(), f.chunk.ID)
	require.NoError(t, err)
	require.Equal(t, abstract.ChunkCompleted, got.Status)
	require.Equal(t, abstract.ValidationValidated, got.ValidationStatus)
	require.Equal(t, uint64(7), got.RowsProcessed)
	require.NotEmpty(t, got.Checksum)

	require.Len(t, f.target.inserted, 7)
	require.Equal(t, []string{"id", "email"}, f.target.columns)
	require.Len(t, f.target.deleteCalls, 1)

	log, err := f.catalog.ExecutionLog(context.Background(), f.chunk.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, 1, log[0].AttemptNumber)
	require.Equal(t, abstract.ChunkCompleted, log[0].Status)
}

func TestExecuteClearsTargetRangeFirst(t *testing.T) {
	f := newExecFixture(t, 4, nil)
	require.NoError(t, f.executor.Execute(context.Background(), f.job, f.table, f.chunk))

	require.Len(t, f.target.deleteCalls, 1)
	q := f.target.deleteCalls[0]
	require.Equal(t, "users", q.Table)
	require.Equal(t, int64(1), q.Start)
	require.Equal(t, int64(4), q.End)
	require.True(t, q.EndInclusive)
}

func TestExecuteAppliesMapping(t *testing.T) {
	f := newExecFixture(t, 3, func(spec *abstract.JobSpec) {
		spec.Mappings = map[string]abstract.TableMapping{
			"users": {
				TargetTable:   "accounts",
				ColumnMapping: map[string]string{"email": "mail"},
			},
		}
	})
	require.NoError(t, f.executor.Execute(context.Background(), f.job, f.table, f.chunk))

	require.Equal(t, []string{"id", "mail"}, f.target.columns)
	require.Equal(t, "accounts", f.target.deleteCalls[0].Table)
}

func TestExecuteTerminalFailureBurnsRetries(t *testing.T) {
	f := newExecFixture(t, 5, nil)
	f.target.insertErr = func(int) error {
		return coded.Errorf(codes.ConstraintViolation, "duplicate key value violates unique constraint")
	}

	err := f.executor.Execute(context.Background(), f.job, f.table, f.chunk)
	require.Error(t, err)
	require.True(t, codes.ConstraintViolation.Contains(err))

	got, getErr := f.catalog.GetChunk(context.Background(), f.chunk.ID)
	require.NoError(t, getErr)
	require.Equal(t, abstract.ChunkFailed, got.Status)
	require.Equal(t, got.MaxRetries, got.RetryCount)
	require.True(t, got.Terminal())
}

func TestExecuteRetryableFailureRequeues(t *testing.T) {
	f := newExecFixture(t, 5, nil)
	f.target.insertErr = func(int) error {
		return xerrors.New("disk quota exceeded")
	}

	err := f.executor.Execute(context.Background(), f.job, f.table, f.chunk)
	require.Error(t, err)

	got, getErr := f.catalog.GetChunk(context.Background(), f.chunk.ID)
	require.NoError(t, getErr)
	require.Equal(t, abstract.ChunkPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	require.Contains(t, got.LastError, "disk quota exceeded")
}

func TestExecuteValidationMismatchRequeues(t *testing.T) {
	f := newExecFixture(t, 5, nil)
	f.target.rowCount = func() uint64 { return 4 }

	require.NoError(t, f.executor.Execute(context.Background(), f.job, f.table, f.chunk))

	got, err := f.catalog.GetChunk(context.Background(), f.chunk.ID)
	require.NoError(t, err)
	require.Equal(t, abstract.ChunkPending, got.Status)
	require.Equal(t, abstract.ValidationFailed, got.ValidationStatus)
	require.Equal(t, 1, got.RetryCount)
}

func TestExecuteDropsConstraintsOnce(t *testing.T) {
	f := newExecFixture(t, 3, func(spec *abstract.JobSpec) {
		spec.DropConstraints = true
	})
	f.target.backups = []*abstract.ConstraintBackup{{
		Table:      "users",
		Name:       "users_email_idx",
		Kind:       abstract.ConstraintIndex,
		RestoreDDL: "CREATE INDEX users_email_idx ON users (email)",
	}}

	require.NoError(t, f.executor.Execute(context.Background(), f.job, f.table, f.chunk))
	require.Equal(t, 1, f.target.dropCalls)

	backups, err := f.catalog.PendingConstraintBackups(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.Equal(t, "users_email_idx", backups[0].Name)
	require.Equal(t, "w1", backups[0].DroppedBy)

	// A second attempt on the same table finds the lease taken and skips
	// the drop.
	acquired, err := f.catalog.TakeConstraintLease(context.Background(), f.job.ID, "users", "w2")
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestExecuteBatchesBySize(t *testing.T) {
	f := newExecFixture(t, 7, nil)
	require.NoError(t, f.executor.Execute(context.Background(), f.job, f.table, f.chunk))
	// 7 rows at batch size 2: three full batches plus a final partial one.
	require.Equal(t, 4, f.target.batchesSeen)
}
