package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type restoreSink struct {
	restored []*abstract.ConstraintBackup
	err      error
}

func (s *restoreSink) BulkInsert(ctx context.Context, table string, batch *abstract.RowBatch) (*abstract.BatchResult, error) {
	return &abstract.BatchResult{}, nil
}

func (s *restoreSink) DeleteRange(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	return 0, nil
}

func (s *restoreSink) ExactRangeCount(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	return 0, nil
}

func (s *restoreSink) DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error) {
	return &abstract.TableInfo{Name: table}, nil
}

func (s *restoreSink) DropAndBackupConstraints(ctx context.Context, table string) ([]*abstract.ConstraintBackup, error) {
	return nil, nil
}

func (s *restoreSink) RestoreConstraints(ctx context.Context, backups []*abstract.ConstraintBackup) error {
	if s.err != nil {
		return s.err
	}
	s.restored = append(s.restored, backups...)
	return nil
}

func (s *restoreSink) Close() {}

func newDispatcher(cat catalog.Catalog, sink *restoreSink) *Dispatcher {
	cfg := config.Defaults()
	d := New(cat, cfg, stats.NewDispatcherStats(prometheus.NewRegistry()))
	if sink != nil {
		d.openSink = func(ctx context.Context, params *abstract.ConnParams) (abstract.Sink, error) {
			return sink, nil
		}
	}
	return d
}

func seedRunningJob(t *testing.T, m *catalog.Memory, chunkCount int) (string, []*abstract.Chunk) {
	t.Helper()
	ctx := context.Background()
	jobID := fmt.Sprintf("job-%s", t.Name())
	require.NoError(t, m.CreateJob(ctx, &abstract.Job{
		ID: jobID,
		Spec: abstract.JobSpec{
			FailureThresholdPercent: 5,
		},
	}))
	table := &abstract.Table{
		ID:          jobID + "-t1",
		JobID:       jobID,
		Name:        "orders",
		PKColumn:    "id",
		TotalRows:   uint64(chunkCount) * 100,
		TotalChunks: chunkCount,
	}
	var chunks []*abstract.Chunk
	for i := 0; i < chunkCount; i++ {
		chunks = append(chunks, &abstract.Chunk{
			ID:             fmt.Sprintf("%s-c%03d", jobID, i),
			JobID:          jobID,
			TableID:        table.ID,
			TableName:      table.Name,
			PKStart:        int64(i * 100),
			PKEnd:          int64((i + 1) * 100),
			PKEndInclusive: i == chunkCount-1,
			MaxRetries:     3,
		})
	}
	require.NoError(t, m.InsertTablesAndChunks(ctx, jobID, []*abstract.Table{table}, chunks))
	return jobID, chunks
}

// claimAll drains the queue so every chunk is running, in queue order.
func claimAll(t *testing.T, m *catalog.Memory, n int) []*abstract.Chunk {
	t.Helper()
	out := make([]*abstract.Chunk, 0, n)
	for i := 0; i < n; i++ {
		chunk, err := m.ClaimNextChunk(context.Background(), "w1")
		require.NoError(t, err)
		require.NotNil(t, chunk)
		out = append(out, chunk)
	}
	return out
}

func failTerminally(t *testing.T, m *catalog.Memory, chunkID string) {
	t.Helper()
	require.NoError(t, m.FailChunk(context.Background(), chunkID, "w1", "no usable type cast", true, time.Second))
}

func completeChunk(t *testing.T, m *catalog.Memory, chunkID string) {
	t.Helper()
	require.NoError(t, m.CompleteChunk(context.Background(), &catalog.ChunkResult{
		ChunkID:        chunkID,
		WorkerID:       "w1",
		RowsProcessed:  100,
		SourceRowCount: 100,
		TargetRowCount: 100,
		Duration:       time.Second,
	}))
}

func TestSuperviseAutoFailsOnHighFailureRate(t *testing.T) {
	m := catalog.NewMemory()
	jobID, _ := seedRunningJob(t, m, 20)
	chunks := claimAll(t, m, 20)

	// 2 terminal failures out of 20 is 10%, over the 5% threshold.
	failTerminally(t, m, chunks[0].ID)
	failTerminally(t, m, chunks[1].ID)

	newDispatcher(m, nil).SuperviseOnce(context.Background())

	job, err := m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobFailed, job.Status)
	require.NotNil(t, job.AutoFailedAt)
	require.Contains(t, job.LastError, "failure rate")
	require.Contains(t, job.LastError, "threshold")
}

func TestSuperviseAutoFailsAtExactThreshold(t *testing.T) {
	m := catalog.NewMemory()
	jobID, _ := seedRunningJob(t, m, 20)
	chunks := claimAll(t, m, 20)

	// 1 terminal failure out of 20 sits exactly on the 5% threshold.
	failTerminally(t, m, chunks[0].ID)

	newDispatcher(m, nil).SuperviseOnce(context.Background())

	job, err := m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobFailed, job.Status)
	require.NotNil(t, job.AutoFailedAt)
	require.Contains(t, job.LastError, "reached threshold")
}

func TestSuperviseSparesSmallJobs(t *testing.T) {
	m := catalog.NewMemory()
	jobID, _ := seedRunningJob(t, m, 4)
	chunks := claimAll(t, m, 4)

	// 25% failed, but 4 chunks is below the minimum sample size.
	failTerminally(t, m, chunks[0].ID)

	newDispatcher(m, nil).SuperviseOnce(context.Background())

	job, err := m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobRunning, job.Status)
	require.Nil(t, job.AutoFailedAt)
}

func TestSuperviseSettlesCompletedJob(t *testing.T) {
	m := catalog.NewMemory()
	jobID, _ := seedRunningJob(t, m, 3)
	chunks := claimAll(t, m, 3)
	for _, chunk := range chunks {
		completeChunk(t, m, chunk.ID)
	}

	newDispatcher(m, nil).SuperviseOnce(context.Background())

	job, err := m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestSuperviseSettlesPartiallyFailedJob(t *testing.T) {
	m := catalog.NewMemory()
	jobID, chunks := seedRunningJob(t, m, 3)
	claimed := claimAll(t, m, 3)
	completeChunk(t, m, claimed[0].ID)
	completeChunk(t, m, claimed[1].ID)
	failTerminally(t, m, claimed[2].ID)
	require.Len(t, chunks, 3)

	newDispatcher(m, nil).SuperviseOnce(context.Background())

	job, err := m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobFailed, job.Status)
	require.Contains(t, job.LastError, "1 of 3 chunks failed terminally")
}

func TestSuperviseRestoresConstraintsBeforeSettling(t *testing.T) {
	m := catalog.NewMemory()
	jobID, _ := seedRunningJob(t, m, 1)
	chunks := claimAll(t, m, 1)

	acquired, err := m.TakeConstraintLease(context.Background(), jobID, "orders", "w1")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, m.SaveConstraintBackups(context.Background(), []*abstract.ConstraintBackup{{
		JobID:      jobID,
		Table:      "orders",
		Name:       "orders_customer_fk",
		Kind:       abstract.ConstraintForeignKey,
		RestoreDDL: "ALTER TABLE orders ADD CONSTRAINT orders_customer_fk FOREIGN KEY (customer_id) REFERENCES customers (id)",
		DroppedBy:  "w1",
	}}))
	completeChunk(t, m, chunks[0].ID)

	sink := &restoreSink{}
	newDispatcher(m, sink).SuperviseOnce(context.Background())

	require.Len(t, sink.restored, 1)
	require.Equal(t, "orders_customer_fk", sink.restored[0].Name)

	pending, err := m.PendingConstraintBackups(context.Background(), jobID)
	require.NoError(t, err)
	require.Empty(t, pending)

	job, err := m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobCompleted, job.Status)
}

func TestSuperviseKeepsJobRunningWhenRestoreFails(t *testing.T) {
	m := catalog.NewMemory()
	jobID, _ := seedRunningJob(t, m, 1)
	chunks := claimAll(t, m, 1)

	acquired, err := m.TakeConstraintLease(context.Background(), jobID, "orders", "w1")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, m.SaveConstraintBackups(context.Background(), []*abstract.ConstraintBackup{{
		JobID:      jobID,
		Table:      "orders",
		Name:       "orders_email_idx",
		Kind:       abstract.ConstraintIndex,
		RestoreDDL: "CREATE INDEX orders_email_idx ON orders (email)",
		DroppedBy:  "w1",
	}}))
	completeChunk(t, m, chunks[0].ID)

	sink := &restoreSink{err: fmt.Errorf("target unreachable")}
	newDispatcher(m, sink).SuperviseOnce(context.Background())

	// Settlement is deferred until the restore succeeds.
	job, err := m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobRunning, job.Status)

	sink.err = nil
	newDispatcher(m, sink).SuperviseOnce(context.Background())
	job, err = m.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobCompleted, job.Status)
}

func TestReapOnceRequeuesDeadChunk(t *testing.T) {
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m := catalog.NewMemoryWithClock(func() time.Time { return clock })
	_, _ = seedRunningJob(t, m, 1)
	chunks := claimAll(t, m, 1)

	clock = clock.Add(3 * time.Minute)
	newDispatcher(m, nil).ReapOnce(context.Background())

	got, err := m.GetChunk(context.Background(), chunks[0].ID)
	require.NoError(t, err)
	require.Equal(t, abstract.ChunkPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Contains(t, got.LastError, "heartbeat timeout")
}
