package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Memory is a catalog kept entirely in process memory under one mutex. It
// honors the same contract as the Postgres catalog and backs tests and
// single-process `--catalog memory` runs.
type Memory struct {
	mu sync.Mutex

	jobs    map[string]*abstract.Job
	tables  map[string]*abstract.Table
	chunks  map[string]*abstract.Chunk
	workers map[string]*abstract.WorkerInfo

	executionLog []*ExecutionLogEntry
	perfSamples  []*PerformanceSample
	adjustments  []*BatchAdjustment
	backups      []*abstract.ConstraintBackup
	leases       map[string]string

	leaderHeld bool

	backoffBase time.Duration
	backoffCap  time.Duration

	now func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		mu:           sync.Mutex{},
		jobs:         make(map[string]*abstract.Job),
		tables:       make(map[string]*abstract.Table),
		chunks:       make(map[string]*abstract.Chunk),
		workers:      make(map[string]*abstract.WorkerInfo),
		executionLog: nil,
		perfSamples:  nil,
		adjustments:  nil,
		backups:      nil,
		leases:       make(map[string]string),
		leaderHeld:   false,
		backoffBase:  10 * time.Second,
		backoffCap:   600 * time.Second,
		now:          now,
	}
}

func (m *Memory) CreateJob(ctx context.Context, job *abstract.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return xerrors.Errorf("job %s already exists", job.ID)
	}
	stored := *job
	if stored.Status == "" {
		stored.Status = abstract.JobPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	m.jobs[job.ID] = &stored
	return nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (*abstract.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *Memory) ListJobs(ctx context.Context) ([]*abstract.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listJobsLocked(func(*abstract.Job) bool { return true }), nil
}

func (m *Memory) ListActiveJobs(ctx context.Context) ([]*abstract.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listJobsLocked(func(j *abstract.Job) bool { return !j.Status.Terminal() }), nil
}

func (m *Memory) listJobsLocked(keep func(*abstract.Job) bool) []*abstract.Job {
	var out []*abstract.Job
	for _, job := range m.jobs {
		if keep(job) {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) UpdateJobStatus(ctx context.Context, jobID string, status abstract.JobStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateJobStatusLocked(jobID, status, lastError)
}

func (m *Memory) updateJobStatusLocked(jobID string, status abstract.JobStatus, lastError string) error {
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := m.now()
	job.Status = status
	if lastError != "" {
		job.LastError = lastError
	}
	switch status {
	case abstract.JobRunning:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case abstract.JobCompleted, abstract.JobFailed:
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
	}
	return nil
}

func (m *Memory) AutoFailJob(ctx context.Context, jobID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateJobStatusLocked(jobID, abstract.JobFailed, reason); err != nil {
		return err
	}
	now := m.now()
	m.jobs[jobID].AutoFailedAt = &now
	return nil
}

func (m *Memory) PauseJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return xerrors.Errorf("job %s is terminal (%s), cannot pause", jobID, job.Status)
	}
	job.Status = abstract.JobPaused
	return nil
}

func (m *Memory) ResumeJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != abstract.JobPaused {
		return xerrors.Errorf("job %s is not paused (%s)", jobID, job.Status)
	}
	job.Status = abstract.JobRunning
	return nil
}

func (m *Memory) InsertTablesAndChunks(ctx context.Context, jobID string, tables []*abstract.Table, chunks []*abstract.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := m.now()
	for _, table := range tables {
		stored := *table
		if stored.Status == "" {
			stored.Status = abstract.TablePending
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		m.tables[table.ID] = &stored
	}
	for _, chunk := range chunks {
		stored := *chunk
		if stored.Status == "" {
			stored.Status = abstract.ChunkPending
		}
		if stored.ValidationStatus == "" {
			stored.ValidationStatus = abstract.ValidationPending
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		m.chunks[chunk.ID] = &stored
	}
	job.TotalTables = len(tables)
	job.TotalChunks = len(chunks)
	return nil
}

func (m *Memory) GetTables(ctx context.Context, jobID string) ([]*abstract.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*abstract.Table
	for _, table := range m.tables {
		if table.JobID == jobID {
			copied := *table
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetChunks(ctx context.Context, jobID string) ([]*abstract.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*abstract.Chunk
	for _, chunk := range m.chunks {
		if chunk.JobID == jobID {
			copied := *chunk
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableName != out[j].TableName {
			return out[i].TableName < out[j].TableName
		}
		return out[i].PKStart < out[j].PKStart
	})
	return out, nil
}

func (m *Memory) GetChunk(ctx context.Context, chunkID string) (*abstract.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, ok := m.chunks[chunkID]
	if !ok {
		return nil, ErrChunkNotFound
	}
	copied := *chunk
	return &copied, nil
}

// ClaimNextChunk picks the oldest eligible pending chunk of a claimable job
// and atomically moves it to running.
func (m *Memory) ClaimNextChunk(ctx context.Context, workerID string) (*abstract.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	running := make(map[string]int)
	for _, chunk := range m.chunks {
		if chunk.Status == abstract.ChunkRunning {
			running[chunk.JobID]++
		}
	}
	var candidate *abstract.Chunk
	for _, chunk := range m.chunks {
		if chunk.Status != abstract.ChunkPending {
			continue
		}
		if chunk.NextRetryAt != nil && chunk.NextRetryAt.After(now) {
			continue
		}
		job, ok := m.jobs[chunk.JobID]
		if !ok || job.Status.Terminal() || job.Status == abstract.JobPaused {
			continue
		}
		if limit := maxWorkersOf(job); limit > 0 && running[job.ID] >= limit {
			continue
		}
		if candidate == nil || claimLess(chunk, candidate) {
			candidate = chunk
		}
	}
	if candidate == nil {
		return nil, nil
	}

	candidate.Status = abstract.ChunkRunning
	candidate.WorkerID = workerID
	candidate.StartedAt = &now
	candidate.LastHeartbeat = &now
	if job := m.jobs[candidate.JobID]; job.Status != abstract.JobRunning {
		_ = m.updateJobStatusLocked(job.ID, abstract.JobRunning, "")
	}
	m.recountLocked(candidate.JobID)

	copied := *candidate
	return &copied, nil
}

// maxWorkersOf is the per-job cap on concurrently running chunks; zero means
// unlimited.
func maxWorkersOf(job *abstract.Job) int {
	return job.Spec.MaxWorkers
}

// claimLess orders eligible chunks by next_retry_at (nulls first), then
// created_at, then id. Matches the ORDER BY of the Postgres claim.
func claimLess(a, b *abstract.Chunk) bool {
	aRetry, bRetry := a.NextRetryAt, b.NextRetryAt
	if (aRetry == nil) != (bRetry == nil) {
		return aRetry == nil
	}
	if aRetry != nil && !aRetry.Equal(*bRetry) {
		return aRetry.Before(*bRetry)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) Heartbeat(ctx context.Context, workerID string, chunkID string, sample *PerformanceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, ok := m.chunks[chunkID]
	if !ok {
		return ErrChunkNotFound
	}
	if chunk.Status != abstract.ChunkRunning || chunk.WorkerID != workerID {
		return ErrChunkNotOwned
	}
	now := m.now()
	chunk.LastHeartbeat = &now
	if sample != nil {
		stored := *sample
		stored.At = now
		m.perfSamples = append(m.perfSamples, &stored)
	}
	return nil
}

func (m *Memory) CompleteChunk(ctx context.Context, result *ChunkResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, ok := m.chunks[result.ChunkID]
	if !ok {
		return ErrChunkNotFound
	}
	if chunk.Status != abstract.ChunkRunning || chunk.WorkerID != result.WorkerID {
		return ErrChunkNotOwned
	}

	now := m.now()
	chunk.RowsProcessed = result.RowsProcessed
	chunk.SourceRowCount = result.SourceRowCount
	chunk.TargetRowCount = result.TargetRowCount
	chunk.Checksum = result.Checksum
	chunk.DurationMs = result.Duration.Milliseconds()
	chunk.BatchSizeUsed = result.BatchSizeUsed
	chunk.ThroughputRowsPerSec = result.ThroughputRowsPerSec
	chunk.ThroughputMBPerSec = result.ThroughputMBPerSec
	chunk.MemoryPeakMB = result.MemoryPeakMB
	chunk.InsertLatencyMs = result.InsertLatencyMs

	mismatch := result.SourceRowCount != result.TargetRowCount
	if mismatch && result.ValidationEnabled {
		// Mismatched counts are not accepted silently: the range goes back
		// to pending for re-execution, burning one retry.
		chunk.ValidationStatus = abstract.ValidationFailed
		chunk.RetryCount++
		m.appendLogLocked(chunk, chunk.RetryCount, abstract.ChunkFailed, result.RowsProcessed, result.SourceRowCount, result.TargetRowCount, chunk.DurationMs, "validation failed: source/target row count mismatch", now)
		if chunk.RetryCount >= chunk.MaxRetries {
			chunk.Status = abstract.ChunkFailed
			chunk.LastError = "validation failed: source/target row count mismatch"
			chunk.CompletedAt = &now
		} else {
			retryAt := now.Add(Backoff(chunk.RetryCount, m.backoffBase, m.backoffCap))
			chunk.Status = abstract.ChunkPending
			chunk.NextRetryAt = &retryAt
			chunk.WorkerID = ""
			chunk.StartedAt = nil
			chunk.LastHeartbeat = nil
		}
		m.recountLocked(chunk.JobID)
		return nil
	}

	if mismatch {
		chunk.ValidationStatus = abstract.ValidationFailed
	} else {
		chunk.ValidationStatus = abstract.ValidationValidated
	}
	chunk.Status = abstract.ChunkCompleted
	chunk.CompletedAt = &now
	chunk.LastError = ""
	m.appendLogLocked(chunk, chunk.RetryCount+1, abstract.ChunkCompleted, result.RowsProcessed, result.SourceRowCount, result.TargetRowCount, chunk.DurationMs, "", now)
	m.recountLocked(chunk.JobID)
	m.aggregateJobPerfLocked(chunk, result)
	return nil
}

func (m *Memory) aggregateJobPerfLocked(chunk *abstract.Chunk, result *ChunkResult) {
	job, ok := m.jobs[chunk.JobID]
	if !ok {
		return
	}
	if result.MemoryPeakMB > job.PeakMemoryMB {
		job.PeakMemoryMB = result.MemoryPeakMB
	}
	job.TotalBytes += uint64(result.ThroughputMBPerSec * float64(result.Duration.Seconds()) * 1024 * 1024)
	if job.CompletedChunks > 0 {
		prev := float64(job.CompletedChunks - 1)
		job.AvgThroughputRowsSec = (job.AvgThroughputRowsSec*prev + result.ThroughputRowsPerSec) / float64(job.CompletedChunks)
	}
}

func (m *Memory) FailChunk(ctx context.Context, chunkID string, workerID string, chunkErr string, terminal bool, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failChunkLocked(chunkID, workerID, chunkErr, terminal, duration)
}

func (m *Memory) failChunkLocked(chunkID string, workerID string, chunkErr string, terminal bool, duration time.Duration) error {
	chunk, ok := m.chunks[chunkID]
	if !ok {
		return ErrChunkNotFound
	}
	if chunk.Status != abstract.ChunkRunning {
		return ErrChunkNotOwned
	}
	if workerID != "" && chunk.WorkerID != workerID {
		return ErrChunkNotOwned
	}

	now := m.now()
	chunk.RetryCount++
	chunk.LastError = chunkErr
	chunk.DurationMs = duration.Milliseconds()
	m.appendLogLocked(chunk, chunk.RetryCount, abstract.ChunkFailed, chunk.RowsProcessed, 0, 0, chunk.DurationMs, chunkErr, now)

	if terminal || chunk.RetryCount >= chunk.MaxRetries {
		chunk.Status = abstract.ChunkFailed
		chunk.CompletedAt = &now
		if terminal && chunk.RetryCount < chunk.MaxRetries {
			// Non-retryable failures burn all remaining attempts so the
			// terminality predicate (retry_count = max_retries) holds.
			chunk.RetryCount = chunk.MaxRetries
		}
	} else {
		retryAt := now.Add(Backoff(chunk.RetryCount, m.backoffBase, m.backoffCap))
		chunk.Status = abstract.ChunkPending
		chunk.NextRetryAt = &retryAt
		chunk.WorkerID = ""
		chunk.StartedAt = nil
		chunk.LastHeartbeat = nil
	}
	m.recountLocked(chunk.JobID)
	return nil
}

func (m *Memory) RetryChunk(ctx context.Context, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, ok := m.chunks[chunkID]
	if !ok {
		return ErrChunkNotFound
	}
	if chunk.Status != abstract.ChunkFailed {
		return xerrors.Errorf("chunk %s is not failed (%s)", chunkID, chunk.Status)
	}
	now := m.now()
	chunk.Status = abstract.ChunkPending
	chunk.RetryCount = 0
	chunk.NextRetryAt = &now
	chunk.WorkerID = ""
	chunk.StartedAt = nil
	chunk.CompletedAt = nil
	chunk.LastHeartbeat = nil
	chunk.LastError = ""
	m.recountLocked(chunk.JobID)
	return nil
}

func (m *Memory) ReapDeadChunks(ctx context.Context, liveness time.Duration, hardTimeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	reaped := 0
	for _, chunk := range m.chunks {
		if chunk.Status != abstract.ChunkRunning {
			continue
		}
		stale := chunk.LastHeartbeat != nil && now.Sub(*chunk.LastHeartbeat) > liveness
		stuck := hardTimeout > 0 && chunk.StartedAt != nil && now.Sub(*chunk.StartedAt) > hardTimeout
		if !stale && !stuck {
			continue
		}
		workerID := chunk.WorkerID
		if err := m.failChunkLocked(chunk.ID, chunk.WorkerID, "heartbeat timeout", false, now.Sub(*chunk.StartedAt)); err != nil {
			return reaped, xerrors.Errorf("unable to reap chunk %s: %w", chunk.ID, err)
		}
		logger.Log.Warn("reaped dead chunk",
			log.String("chunk_id", chunk.ID),
			log.String("worker_id", workerID),
			log.String("table", chunk.TableName))
		reaped++
	}
	return reaped, nil
}

func (m *Memory) JobHealth(ctx context.Context, jobID string) (*JobHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	health := &JobHealth{
		JobID:                   jobID,
		Status:                  job.Status,
		TotalChunks:             job.TotalChunks,
		CompletedChunks:         0,
		FailedChunks:            0,
		PendingChunks:           0,
		RunningChunks:           0,
		TerminalFailed:          0,
		FailureThresholdPercent: job.Spec.FailureThresholdPercent,
	}
	for _, chunk := range m.chunks {
		if chunk.JobID != jobID {
			continue
		}
		switch chunk.Status {
		case abstract.ChunkPending:
			health.PendingChunks++
		case abstract.ChunkRunning:
			health.RunningChunks++
		case abstract.ChunkCompleted:
			health.CompletedChunks++
		case abstract.ChunkFailed:
			health.FailedChunks++
			if chunk.RetryCount >= chunk.MaxRetries {
				health.TerminalFailed++
			}
		}
	}
	return health, nil
}

func (m *Memory) AcquireLeadership(ctx context.Context) (bool, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaderHeld {
		return false, nil, nil
	}
	m.leaderHeld = true
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.leaderHeld = false
	}
	return true, release, nil
}

func (m *Memory) UpsertWorker(ctx context.Context, worker *abstract.WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *worker
	stored.LastSeen = m.now()
	m.workers[worker.ID] = &stored
	return nil
}

func (m *Memory) ListWorkers(ctx context.Context) ([]*abstract.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*abstract.WorkerInfo
	for _, worker := range m.workers {
		copied := *worker
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) WriteBatchAdjustment(ctx context.Context, adj *BatchAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *adj
	if stored.At.IsZero() {
		stored.At = m.now()
	}
	m.adjustments = append(m.adjustments, &stored)
	return nil
}

func (m *Memory) BatchAdjustments(ctx context.Context, jobID string) ([]*BatchAdjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BatchAdjustment
	for _, adj := range m.adjustments {
		if adj.JobID == jobID {
			copied := *adj
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *Memory) PerformanceSeries(ctx context.Context, jobID string, since time.Time) ([]*PerformanceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PerformanceSample
	for _, sample := range m.perfSamples {
		if sample.JobID == jobID && !sample.At.Before(since) {
			copied := *sample
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *Memory) ExecutionLog(ctx context.Context, chunkID string) ([]*ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ExecutionLogEntry
	for _, entry := range m.executionLog {
		if entry.ChunkID == chunkID {
			copied := *entry
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *Memory) TakeConstraintLease(ctx context.Context, jobID string, table string, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := jobID + "/" + table
	if holder, ok := m.leases[key]; ok {
		return holder == workerID, nil
	}
	m.leases[key] = workerID
	return true, nil
}

func (m *Memory) SaveConstraintBackups(ctx context.Context, backups []*abstract.ConstraintBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, backup := range backups {
		stored := *backup
		m.backups = append(m.backups, &stored)
	}
	return nil
}

func (m *Memory) PendingConstraintBackups(ctx context.Context, jobID string) ([]*abstract.ConstraintBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*abstract.ConstraintBackup
	for _, backup := range m.backups {
		if backup.JobID == jobID && backup.RestoredAt == nil {
			copied := *backup
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *Memory) MarkConstraintsRestored(ctx context.Context, jobID string, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, backup := range m.backups {
		if backup.JobID == jobID && backup.Table == table && backup.RestoredAt == nil {
			backup.RestoredAt = &now
		}
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) appendLogLocked(chunk *abstract.Chunk, attempt int, status abstract.ChunkStatus, rows, srcCount, tgtCount uint64, durationMs int64, errMsg string, completedAt time.Time) {
	m.executionLog = append(m.executionLog, &ExecutionLogEntry{
		ChunkID:        chunk.ID,
		WorkerID:       chunk.WorkerID,
		AttemptNumber:  attempt,
		Status:         status,
		RowsProcessed:  rows,
		SourceRowCount: srcCount,
		TargetRowCount: tgtCount,
		DurationMs:     durationMs,
		ErrorMessage:   errMsg,
		StartedAt:      chunk.StartedAt,
		CompletedAt:    completedAt,
	})
}

// recountLocked keeps job and table counters equal to the derived counts of
// their chunks, evaluated inside the same lock scope as every chunk
// transition.
func (m *Memory) recountLocked(jobID string) {
	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	type counts struct {
		completed int
		terminal  int
		total     int
		running   int
	}
	perTable := make(map[string]*counts)
	jobCompleted, jobFailed := 0, 0
	for _, chunk := range m.chunks {
		if chunk.JobID != jobID {
			continue
		}
		c := perTable[chunk.TableID]
		if c == nil {
			c = &counts{}
			perTable[chunk.TableID] = c
		}
		c.total++
		switch chunk.Status {
		case abstract.ChunkCompleted:
			c.completed++
			jobCompleted++
		case abstract.ChunkFailed:
			if chunk.RetryCount >= chunk.MaxRetries {
				c.terminal++
				jobFailed++
			}
		case abstract.ChunkRunning:
			c.running++
		}
	}
	job.CompletedChunks = jobCompleted
	job.FailedChunks = jobFailed

	now := m.now()
	for tableID, c := range perTable {
		table, ok := m.tables[tableID]
		if !ok {
			continue
		}
		table.CompletedChunks = c.completed
		table.FailedChunks = c.terminal
		switch {
		case c.completed == c.total:
			table.Status = abstract.TableCompleted
			if table.CompletedAt == nil {
				table.CompletedAt = &now
			}
		case c.completed+c.terminal == c.total:
			table.Status = abstract.TableFailed
		case c.running > 0:
			table.Status = abstract.TableRunning
		default:
			// Work remains but nothing is in flight: the table is back in the
			// queue, exactly like its pending chunks.
			table.Status = abstract.TablePending
		}
	}
}

