package controller

import (
	"context"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/google/uuid"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Controller is the operator surface: everything the CLI does to a job goes
// through here, never to the catalog directly.
type Controller struct {
	catalog catalog.Catalog
	cfg     config.Config
}

func New(cat catalog.Catalog, cfg config.Config) *Controller {
	return &Controller{catalog: cat, cfg: cfg}
}

func (c *Controller) defaultsSpec() abstract.JobSpec {
	return abstract.JobSpec{
		ChunkSize:               c.cfg.ChunkSize,
		BatchSize:               c.cfg.BatchSize,
		MaxRetries:              c.cfg.MaxRetries,
		FailureThresholdPercent: c.cfg.FailureThresholdPercent,
		MaxWorkers:              c.cfg.MaxWorkersPerJob,
	}
}

// CreateJob validates the spec, fills configuration defaults and registers
// the job in pending state. Planning is a separate step.
func (c *Controller) CreateJob(ctx context.Context, spec abstract.JobSpec) (*abstract.Job, error) {
	spec.WithDefaults(c.defaultsSpec())
	if err := spec.Validated(); err != nil {
		return nil, xerrors.Errorf("invalid job spec: %w", err)
	}
	job := &abstract.Job{
		ID:     uuid.New().String(),
		Spec:   spec,
		Status: abstract.JobPending,
	}
	if err := c.catalog.CreateJob(ctx, job); err != nil {
		return nil, xerrors.Errorf("unable to register job: %w", err)
	}
	logger.Log.Info("created job",
		log.String("job_id", job.ID),
		log.String("source", spec.Source.Fqdn()),
		log.String("target", spec.Target.Fqdn()))
	return job, nil
}

func (c *Controller) GetJob(ctx context.Context, jobID string) (*abstract.Job, error) {
	return c.catalog.GetJob(ctx, jobID)
}

func (c *Controller) ListJobs(ctx context.Context) ([]*abstract.Job, error) {
	return c.catalog.ListJobs(ctx)
}

func (c *Controller) GetTables(ctx context.Context, jobID string) ([]*abstract.Table, error) {
	return c.catalog.GetTables(ctx, jobID)
}

func (c *Controller) GetChunks(ctx context.Context, jobID string) ([]*abstract.Chunk, error) {
	return c.catalog.GetChunks(ctx, jobID)
}

func (c *Controller) ListWorkers(ctx context.Context) ([]*abstract.WorkerInfo, error) {
	return c.catalog.ListWorkers(ctx)
}

func (c *Controller) JobHealth(ctx context.Context, jobID string) (*catalog.JobHealth, error) {
	return c.catalog.JobHealth(ctx, jobID)
}

// RetryChunk resets a terminally failed chunk for immediate re-execution.
func (c *Controller) RetryChunk(ctx context.Context, chunkID string) error {
	if err := c.catalog.RetryChunk(ctx, chunkID); err != nil {
		return err
	}
	logger.Log.Info("requeued chunk", log.String("chunk_id", chunkID))
	return nil
}

// PauseJob stops further claims; running chunks finish their attempt.
func (c *Controller) PauseJob(ctx context.Context, jobID string) error {
	if err := c.catalog.PauseJob(ctx, jobID); err != nil {
		return err
	}
	logger.Log.Info("paused job", log.String("job_id", jobID))
	return nil
}

func (c *Controller) ResumeJob(ctx context.Context, jobID string) error {
	if err := c.catalog.ResumeJob(ctx, jobID); err != nil {
		return err
	}
	logger.Log.Info("resumed job", log.String("job_id", jobID))
	return nil
}

func (c *Controller) PerformanceSeries(ctx context.Context, jobID string, since time.Time) ([]*catalog.PerformanceSample, error) {
	return c.catalog.PerformanceSeries(ctx, jobID, since)
}

func (c *Controller) BatchAdjustments(ctx context.Context, jobID string) ([]*catalog.BatchAdjustment, error) {
	return c.catalog.BatchAdjustments(ctx, jobID)
}

func (c *Controller) ExecutionLog(ctx context.Context, chunkID string) ([]*catalog.ExecutionLogEntry, error) {
	return c.catalog.ExecutionLog(ctx, chunkID)
}
