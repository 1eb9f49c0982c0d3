package abstract

import (
	"time"

	"go.ytsaurus.tech/library/go/core/xerrors"
)

type JobStatus string

const (
	JobPending   = JobStatus("pending")
	JobPlanning  = JobStatus("planning")
	JobRunning   = JobStatus("running")
	JobCompleted = JobStatus("completed")
	JobFailed    = JobStatus("failed")
	JobPaused    = JobStatus("paused")
)

var jobStatusTerminal = map[JobStatus]bool{
	JobPending:   false,
	JobPlanning:  false,
	JobRunning:   false,
	JobCompleted: true,
	JobFailed:    true,
	JobPaused:    false,
}

func (s JobStatus) Terminal() bool {
	return jobStatusTerminal[s]
}

func (s JobStatus) Known() bool {
	_, ok := jobStatusTerminal[s]
	return ok
}

// JobSpec is the user-supplied input of a migration job.
type JobSpec struct {
	Source   ConnParams              `yaml:"source"`
	Target   ConnParams              `yaml:"target"`
	Mappings map[string]TableMapping `yaml:"tables"`

	ChunkSize               int  `yaml:"chunk_size"`
	BatchSize               int  `yaml:"batch_size"`
	MaxRetries              int  `yaml:"max_retries"`
	FailureThresholdPercent int  `yaml:"failure_threshold_percent"`
	Validate                bool `yaml:"validate"`
	DropConstraints         bool `yaml:"drop_constraints"`
	MaxWorkers              int  `yaml:"max_concurrent_workers"`
}

func (s *JobSpec) WithDefaults(defaults JobSpec) {
	if s.ChunkSize <= 0 {
		s.ChunkSize = defaults.ChunkSize
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaults.BatchSize
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = defaults.MaxRetries
	}
	if s.FailureThresholdPercent <= 0 {
		s.FailureThresholdPercent = defaults.FailureThresholdPercent
	}
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = defaults.MaxWorkers
	}
}

func (s *JobSpec) Validated() error {
	if err := s.Source.Normalize(); err != nil {
		return xerrors.Errorf("invalid source descriptor: %w", err)
	}
	if err := s.Target.Normalize(); err != nil {
		return xerrors.Errorf("invalid target descriptor: %w", err)
	}
	return nil
}

// Job is the root aggregate of one migration.
type Job struct {
	ID   string
	Spec JobSpec

	Status JobStatus

	TotalTables     int
	TotalChunks     int
	CompletedChunks int
	FailedChunks    int

	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	AutoFailedAt *time.Time

	LastError          string
	OptimizationMethod string

	PeakMemoryMB         int64
	TotalBytes           uint64
	AvgThroughputRowsSec float64
}

func (j *Job) ProgressPercent() float64 {
	if j.TotalChunks == 0 {
		return 0
	}
	return float64(j.CompletedChunks) / float64(j.TotalChunks) * 100
}

// FailureRate is failed chunks over total, used by the supervisor.
func (j *Job) FailureRate() float64 {
	total := j.TotalChunks
	if total < 1 {
		total = 1
	}
	return float64(j.FailedChunks) / float64(total)
}
