package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/adaptive"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	dferrors "github.com/dataferry/dataferry/pkg/errors"
	"github.com/dataferry/dataferry/pkg/errors/coded"
	"github.com/dataferry/dataferry/pkg/errors/codes"
	"github.com/dataferry/dataferry/pkg/providers"
	"github.com/dataferry/dataferry/pkg/stats"
	mathstats "github.com/montanaflynn/stats"
	"github.com/shirou/gopsutil/v3/process"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Executor moves one chunk: clear the target range, stream the source range
// in batches through the mapping into the sink, then report the outcome to
// the catalog exactly once.
type Executor struct {
	catalog  catalog.Catalog
	cfg      config.Config
	workerID string
	metrics  *stats.WorkerStats

	openStorage func(ctx context.Context, params *abstract.ConnParams) (abstract.Storage, error)
	openSink    func(ctx context.Context, params *abstract.ConnParams) (abstract.Sink, error)
}

func NewExecutor(cat catalog.Catalog, cfg config.Config, workerID string, metrics *stats.WorkerStats) *Executor {
	return &Executor{
		catalog:     cat,
		cfg:         cfg,
		workerID:    workerID,
		metrics:     metrics,
		openStorage: providers.NewStorage,
		openSink:    providers.NewSink,
	}
}

type execState struct {
	mu sync.Mutex

	rows      uint64
	bytes     uint64
	latencies []float64
	memPeakMB int64
	batchSize int
}

func (s *execState) sample(jobID, workerID string, startedAt time.Time) *catalog.PerformanceSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(startedAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	avgLatency := 0.0
	if len(s.latencies) > 0 {
		avgLatency, _ = mathstats.Mean(s.latencies)
	}
	return &catalog.PerformanceSample{
		JobID:            jobID,
		WorkerID:         workerID,
		RowsPerSec:       float64(s.rows) / elapsed,
		MBPerSec:         float64(s.bytes) / elapsed / (1 << 20),
		MemoryMB:         s.memPeakMB,
		InsertLatencyMs:  int64(avgLatency),
		CurrentBatchSize: s.batchSize,
	}
}

// Execute runs the full chunk attempt and records the result. The returned
// error is already reported to the catalog; callers only log it.
func (e *Executor) Execute(ctx context.Context, job *abstract.Job, table *abstract.Table, chunk *abstract.Chunk) error {
	startedAt := time.Now()
	execErr := e.execute(ctx, job, table, chunk, startedAt)
	if execErr == nil {
		return nil
	}

	code := coded.GetCode(execErr, codes.Unspecified)
	terminal := codes.Terminal(code)
	e.metrics.ChunksFailed.Inc()
	if failErr := e.catalog.FailChunk(ctx, chunk.ID, e.workerID, execErr.Error(), terminal, time.Since(startedAt)); failErr != nil {
		if xerrors.Is(failErr, catalog.ErrChunkNotOwned) {
			// The reaper got there first; its verdict stands.
			return execErr
		}
		logger.Log.Error("unable to report chunk failure",
			log.String("chunk_id", chunk.ID),
			log.Error(failErr))
	}
	return execErr
}

func (e *Executor) execute(ctx context.Context, job *abstract.Job, table *abstract.Table, chunk *abstract.Chunk, startedAt time.Time) error {
	storage, err := e.openStorage(ctx, &job.Spec.Source)
	if err != nil {
		return dferrors.CategorizedErrorf(dferrors.Source, "unable to open source: %w", err)
	}
	defer storage.Close()
	sink, err := e.openSink(ctx, &job.Spec.Target)
	if err != nil {
		return dferrors.CategorizedErrorf(dferrors.Target, "unable to open target: %w", err)
	}
	defer sink.Close()

	mapping := job.Spec.Mappings[chunk.TableName]
	targetTable := mapping.TargetTableName(chunk.TableName)
	srcQuery := chunk.Query(table.PKColumn, mapping.Transforms)
	tgtQuery := srcQuery
	tgtQuery.Table = targetTable
	tgtQuery.PKColumn = mapping.TargetColumn(table.PKColumn)
	tgtQuery.ColumnExprs = nil

	if job.Spec.DropConstraints {
		if err := e.dropConstraints(ctx, job, sink, targetTable); err != nil {
			return err
		}
	}

	// The attempt owns its whole target range; clearing it first makes
	// re-execution after any failure safe.
	if deleted, err := sink.DeleteRange(ctx, tgtQuery); err != nil {
		return dferrors.CategorizedErrorf(dferrors.Target, "unable to clear target range: %w", err)
	} else if deleted > 0 {
		logger.Log.Info("cleared stale target rows before copy",
			log.String("chunk_id", chunk.ID),
			log.UInt64("deleted", deleted))
	}

	batchSize := job.Spec.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	controller := adaptive.NewController(batchSize, e.cfg.MinBatchSize, e.cfg.MaxBatchSize, e.cfg.TargetLatency)
	state := &execState{batchSize: controller.Size()}
	checksum := newRangeChecksum()

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go runHeartbeat(hbCtx, cancel, e.catalog, e.workerID, chunk, e.cfg.HeartbeatInterval, func() *catalog.PerformanceSample {
		return state.sample(job.ID, e.workerID, startedAt)
	})

	scanErr := storage.ScanRange(hbCtx, srcQuery, controller.Size, func(pushCtx context.Context, batch *abstract.RowBatch) error {
		out := &abstract.RowBatch{
			Columns: mapping.MapColumns(batch.Columns),
			Rows:    batch.Rows,
			Bytes:   batch.Bytes,
		}
		var result *abstract.BatchResult
		insertErr := providers.WithRetries(pushCtx, func() error {
			var err error
			result, err = sink.BulkInsert(pushCtx, targetTable, out)
			return err
		})
		if insertErr != nil {
			return dferrors.CategorizedErrorf(dferrors.Target, "unable to insert batch into %s: %w", targetTable, insertErr)
		}
		for _, row := range batch.Rows {
			checksum.observe(row)
		}
		e.observeBatch(job, state, controller, result)
		return nil
	})
	if scanErr != nil {
		if hbCtx.Err() != nil && ctx.Err() == nil {
			return coded.Errorf(codes.HeartbeatTimeout, "chunk lease lost mid-copy: %w", scanErr)
		}
		return scanErr
	}

	result := e.buildResult(job, chunk, state, checksum, startedAt)
	if job.Spec.Validate {
		srcCount, err := storage.ExactRangeCount(hbCtx, srcQuery)
		if err != nil {
			return dferrors.CategorizedErrorf(dferrors.Source, "unable to count source range: %w", err)
		}
		tgtCount, err := sink.ExactRangeCount(hbCtx, tgtQuery)
		if err != nil {
			return dferrors.CategorizedErrorf(dferrors.Target, "unable to count target range: %w", err)
		}
		result.SourceRowCount = srcCount
		result.TargetRowCount = tgtCount
	}

	cancel()
	if err := e.catalog.CompleteChunk(ctx, result); err != nil {
		return dferrors.CategorizedErrorf(dferrors.Catalog, "unable to complete chunk %s: %w", chunk.ID, err)
	}
	e.metrics.ChunksCompleted.Inc()
	logger.Log.Info("chunk completed",
		log.String("chunk_id", chunk.ID),
		log.String("table", chunk.TableName),
		log.String("range", chunk.Range()),
		log.UInt64("rows", result.RowsProcessed),
		log.Duration("elapsed", result.Duration))
	return nil
}

func (e *Executor) dropConstraints(ctx context.Context, job *abstract.Job, sink abstract.Sink, targetTable string) error {
	// One worker per (job, table) drops; everyone else trusts the lease.
	acquired, err := e.catalog.TakeConstraintLease(ctx, job.ID, targetTable, e.workerID)
	if err != nil {
		return xerrors.Errorf("unable to take constraint lease: %w", err)
	}
	if !acquired {
		return nil
	}
	backups, err := sink.DropAndBackupConstraints(ctx, targetTable)
	if err != nil {
		return xerrors.Errorf("unable to drop constraints of %s: %w", targetTable, err)
	}
	if len(backups) == 0 {
		return nil
	}
	for _, backup := range backups {
		backup.JobID = job.ID
		backup.DroppedBy = e.workerID
	}
	if err := e.catalog.SaveConstraintBackups(ctx, backups); err != nil {
		return xerrors.Errorf("unable to save constraint backups: %w", err)
	}
	return nil
}

func (e *Executor) observeBatch(job *abstract.Job, state *execState, controller *adaptive.Controller, result *abstract.BatchResult) {
	rss := residentMB()
	state.mu.Lock()
	state.rows += result.RowsInserted
	state.bytes += result.Bytes
	state.latencies = append(state.latencies, float64(result.Latency.Milliseconds()))
	if rss > state.memPeakMB {
		state.memPeakMB = rss
	}
	state.mu.Unlock()
	e.metrics.MemoryMB.Set(float64(rss))

	e.metrics.RowsProcessed.Add(float64(result.RowsInserted))
	e.metrics.BytesProcessed.Add(float64(result.Bytes))
	e.metrics.InsertLatency.Observe(result.Latency.Seconds())

	if adj := controller.Observe(result.Latency); adj != nil {
		state.mu.Lock()
		state.batchSize = adj.NewSize
		state.mu.Unlock()
		e.metrics.BatchSize.Set(float64(adj.NewSize))
		logger.Log.Info("adjusted batch size",
			log.String("job_id", job.ID),
			log.Int("old_size", adj.OldSize),
			log.Int("new_size", adj.NewSize),
			log.String("reason", adj.Reason))
		if err := e.catalog.WriteBatchAdjustment(context.Background(), &catalog.BatchAdjustment{
			JobID:           job.ID,
			WorkerID:        e.workerID,
			OldSize:         adj.OldSize,
			NewSize:         adj.NewSize,
			AvgLatencyMs:    adj.AvgLatencyMs,
			TargetLatencyMs: adj.TargetLatencyMs,
			Reason:          adj.Reason,
			At:              adj.At,
		}); err != nil {
			logger.Log.Warn("unable to record batch adjustment", log.Error(err))
		}
	}
}

func (e *Executor) buildResult(job *abstract.Job, chunk *abstract.Chunk, state *execState, checksum *rangeChecksum, startedAt time.Time) *catalog.ChunkResult {
	state.mu.Lock()
	defer state.mu.Unlock()

	elapsed := time.Since(startedAt)
	elapsedSec := elapsed.Seconds()
	if elapsedSec <= 0 {
		elapsedSec = 1
	}
	avgLatency := 0.0
	if len(state.latencies) > 0 {
		avgLatency, _ = mathstats.Mean(state.latencies)
	}
	return &catalog.ChunkResult{
		ChunkID:              chunk.ID,
		WorkerID:             e.workerID,
		RowsProcessed:        state.rows,
		SourceRowCount:       state.rows,
		TargetRowCount:       state.rows,
		Checksum:             checksum.sum(),
		Duration:             elapsed,
		BatchSizeUsed:        state.batchSize,
		ThroughputRowsPerSec: float64(state.rows) / elapsedSec,
		ThroughputMBPerSec:   float64(state.bytes) / elapsedSec / (1 << 20),
		MemoryPeakMB:         state.memPeakMB,
		InsertLatencyMs:      int64(avgLatency),
		ValidationEnabled:    job.Spec.Validate,
	}
}

func residentMB() int64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return int64(info.RSS / (1 << 20))
}
