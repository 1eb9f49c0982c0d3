package catalog

import (
	"context"
	"time"

	"github.com/dataferry/dataferry/pkg/abstract"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

var (
	// ErrChunkNotOwned is returned by Heartbeat when the caller no longer
	// owns the chunk; callers must treat it as cancellation.
	ErrChunkNotOwned = xerrors.New("chunk is not owned by this worker")
	ErrJobNotFound   = xerrors.New("job not found")
	ErrChunkNotFound = xerrors.New("chunk not found")
)

// PerformanceSample is one point of the per-job throughput time series.
type PerformanceSample struct {
	JobID            string
	WorkerID         string
	RowsPerSec       float64
	MBPerSec         float64
	MemoryMB         int64
	InsertLatencyMs  int64
	CurrentBatchSize int
	At               time.Time
}

// BatchAdjustment is one adaptive-controller decision.
type BatchAdjustment struct {
	JobID           string
	WorkerID        string
	OldSize         int
	NewSize         int
	AvgLatencyMs    float64
	TargetLatencyMs float64
	Reason          string
	At              time.Time
}

// ExecutionLogEntry is one append-only audit row per chunk attempt.
type ExecutionLogEntry struct {
	ChunkID        string
	WorkerID       string
	AttemptNumber  int
	Status         abstract.ChunkStatus
	RowsProcessed  uint64
	SourceRowCount uint64
	TargetRowCount uint64
	DurationMs     int64
	ErrorMessage   string
	StartedAt      *time.Time
	CompletedAt    time.Time
}

// ChunkResult carries everything a worker learned while executing a chunk.
type ChunkResult struct {
	ChunkID  string
	WorkerID string

	RowsProcessed  uint64
	SourceRowCount uint64
	TargetRowCount uint64
	Checksum       string
	Duration       time.Duration

	BatchSizeUsed        int
	ThroughputRowsPerSec float64
	ThroughputMBPerSec   float64
	MemoryPeakMB         int64
	InsertLatencyMs      int64

	// ValidationEnabled turns a source/target count mismatch into a
	// re-execution instead of a completed chunk.
	ValidationEnabled bool
}

// JobHealth is the supervisor's view of one job.
type JobHealth struct {
	JobID           string
	Status          abstract.JobStatus
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int
	PendingChunks   int
	RunningChunks   int
	// TerminalFailed counts failed chunks with exhausted retries.
	TerminalFailed          int
	FailureThresholdPercent int
}

func (h *JobHealth) FailureRate() float64 {
	total := h.TotalChunks
	if total < 1 {
		total = 1
	}
	return float64(h.TerminalFailed) / float64(total)
}

func (h *JobHealth) AllSettled() bool {
	return h.TotalChunks > 0 && h.PendingChunks == 0 && h.RunningChunks == 0 &&
		h.CompletedChunks+h.TerminalFailed == h.TotalChunks
}

// Backoff is the retry schedule: min(base * 2^n, cap).
func Backoff(retryCount int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Catalog is the transactional single source of truth for jobs, tables,
// chunks, workers and the audit trail. All scheduling flows through it.
type Catalog interface {
	// Jobs.
	CreateJob(ctx context.Context, job *abstract.Job) error
	GetJob(ctx context.Context, jobID string) (*abstract.Job, error)
	ListJobs(ctx context.Context) ([]*abstract.Job, error)
	ListActiveJobs(ctx context.Context) ([]*abstract.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status abstract.JobStatus, lastError string) error
	AutoFailJob(ctx context.Context, jobID string, reason string) error
	PauseJob(ctx context.Context, jobID string) error
	ResumeJob(ctx context.Context, jobID string) error

	// Planner output, written in one transaction.
	InsertTablesAndChunks(ctx context.Context, jobID string, tables []*abstract.Table, chunks []*abstract.Chunk) error
	GetTables(ctx context.Context, jobID string) ([]*abstract.Table, error)
	GetChunks(ctx context.Context, jobID string) ([]*abstract.Chunk, error)
	GetChunk(ctx context.Context, chunkID string) (*abstract.Chunk, error)

	// Scheduling.
	ClaimNextChunk(ctx context.Context, workerID string) (*abstract.Chunk, error)
	Heartbeat(ctx context.Context, workerID string, chunkID string, sample *PerformanceSample) error
	CompleteChunk(ctx context.Context, result *ChunkResult) error
	FailChunk(ctx context.Context, chunkID string, workerID string, chunkErr string, terminal bool, duration time.Duration) error
	RetryChunk(ctx context.Context, chunkID string) error
	ReapDeadChunks(ctx context.Context, liveness time.Duration, hardTimeout time.Duration) (int, error)

	// Supervisor.
	JobHealth(ctx context.Context, jobID string) (*JobHealth, error)
	AcquireLeadership(ctx context.Context) (bool, func(), error)

	// Workers, metrics, audit.
	UpsertWorker(ctx context.Context, worker *abstract.WorkerInfo) error
	ListWorkers(ctx context.Context) ([]*abstract.WorkerInfo, error)
	WriteBatchAdjustment(ctx context.Context, adj *BatchAdjustment) error
	BatchAdjustments(ctx context.Context, jobID string) ([]*BatchAdjustment, error)
	PerformanceSeries(ctx context.Context, jobID string, since time.Time) ([]*PerformanceSample, error)
	ExecutionLog(ctx context.Context, chunkID string) ([]*ExecutionLogEntry, error)

	// Constraint backups around bulk load.
	TakeConstraintLease(ctx context.Context, jobID string, table string, workerID string) (bool, error)
	SaveConstraintBackups(ctx context.Context, backups []*abstract.ConstraintBackup) error
	PendingConstraintBackups(ctx context.Context, jobID string) ([]*abstract.ConstraintBackup, error)
	MarkConstraintsRestored(ctx context.Context, jobID string, table string) error

	Close() error
}
