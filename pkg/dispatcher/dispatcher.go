package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/dataferry/dataferry/pkg/providers"
	"github.com/dataferry/dataferry/pkg/stats"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Dispatcher is the singleton background role of the cluster: it reaps dead
// chunks, settles finished jobs, stops jobs whose failure rate crossed the
// threshold and restores dropped constraints. Exactly one process leads at a
// time; the rest stand by on the leadership lock.
type Dispatcher struct {
	catalog catalog.Catalog
	cfg     config.Config
	metrics *stats.DispatcherStats

	openSink func(ctx context.Context, params *abstract.ConnParams) (abstract.Sink, error)
}

func New(cat catalog.Catalog, cfg config.Config, metrics *stats.DispatcherStats) *Dispatcher {
	return &Dispatcher{
		catalog:  cat,
		cfg:      cfg,
		metrics:  metrics,
		openSink: providers.NewSink,
	}
}

// Run blocks until ctx is cancelled, competing for leadership and leading
// while the lock is held.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		acquired, release, err := d.catalog.AcquireLeadership(ctx)
		if err != nil {
			logger.Log.Warn("unable to contend for leadership", log.Error(err))
		}
		if acquired {
			logger.Log.Info("acquired dispatcher leadership")
			d.metrics.Leader.Set(1)
			d.lead(ctx)
			d.metrics.Leader.Set(0)
			release()
			logger.Log.Info("released dispatcher leadership")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.SuperviseInterval):
		}
	}
}

func (d *Dispatcher) lead(ctx context.Context) {
	reap := time.NewTicker(d.cfg.ReapInterval)
	defer reap.Stop()
	supervise := time.NewTicker(d.cfg.SuperviseInterval)
	defer supervise.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			d.ReapOnce(ctx)
		case <-supervise.C:
			d.SuperviseOnce(ctx)
		}
	}
}

// ReapOnce returns chunks with dead heartbeats (or past the hard attempt
// timeout) to the queue.
func (d *Dispatcher) ReapOnce(ctx context.Context) {
	reaped, err := d.catalog.ReapDeadChunks(ctx, d.cfg.LivenessThreshold, d.cfg.ChunkHardTimeout)
	if err != nil {
		logger.Log.Warn("unable to reap dead chunks", log.Error(err))
		return
	}
	if reaped > 0 {
		d.metrics.ChunksReaped.Add(float64(reaped))
		logger.Log.Info("reaped dead chunks", log.Int("count", reaped))
	}
}

// SuperviseOnce inspects every active job once: auto-fail on excessive
// failure rate, settle jobs whose chunks are all terminal.
func (d *Dispatcher) SuperviseOnce(ctx context.Context) {
	d.metrics.SuperviseTicks.Inc()
	jobs, err := d.catalog.ListActiveJobs(ctx)
	if err != nil {
		logger.Log.Warn("unable to list active jobs", log.Error(err))
		return
	}
	for _, job := range jobs {
		if job.Status != abstract.JobRunning {
			continue
		}
		if err := d.superviseJob(ctx, job); err != nil {
			logger.Log.Warn("unable to supervise job",
				log.String("job_id", job.ID),
				log.Error(err))
		}
	}
}

func (d *Dispatcher) superviseJob(ctx context.Context, job *abstract.Job) error {
	health, err := d.catalog.JobHealth(ctx, job.ID)
	if err != nil {
		return xerrors.Errorf("unable to load job health: %w", err)
	}

	if health.AllSettled() {
		return d.settleJob(ctx, job, health)
	}

	// The rate check needs a sample large enough that a couple of flaky
	// chunks cannot kill a small job.
	threshold := health.FailureThresholdPercent
	if threshold <= 0 {
		threshold = d.cfg.FailureThresholdPercent
	}
	if health.TotalChunks >= d.cfg.SupervisorMinTotal && health.FailureRate()*100 >= float64(threshold) {
		reason := fmt.Sprintf("failure rate %.1f%% reached threshold %d%% (%d of %d chunks failed terminally)",
			health.FailureRate()*100, threshold, health.TerminalFailed, health.TotalChunks)
		if err := d.catalog.AutoFailJob(ctx, job.ID, reason); err != nil {
			return xerrors.Errorf("unable to auto-fail job: %w", err)
		}
		d.metrics.JobsAutoFailed.Inc()
		logger.Log.Warn("auto-failed job", log.String("job_id", job.ID), log.String("reason", reason))
	}
	return nil
}

func (d *Dispatcher) settleJob(ctx context.Context, job *abstract.Job, health *catalog.JobHealth) error {
	if err := d.restoreConstraints(ctx, job); err != nil {
		// Leave the job running so the next tick retries the restore.
		return xerrors.Errorf("unable to restore constraints: %w", err)
	}

	status := abstract.JobCompleted
	lastError := ""
	if health.TerminalFailed > 0 {
		status = abstract.JobFailed
		lastError = fmt.Sprintf("%d of %d chunks failed terminally", health.TerminalFailed, health.TotalChunks)
	}
	if err := d.catalog.UpdateJobStatus(ctx, job.ID, status, lastError); err != nil {
		return xerrors.Errorf("unable to settle job: %w", err)
	}
	d.metrics.JobsCompleted.Inc()
	logger.Log.Info("job settled",
		log.String("job_id", job.ID),
		log.String("status", string(status)),
		log.Int("completed", health.CompletedChunks),
		log.Int("failed", health.TerminalFailed))
	return nil
}

func (d *Dispatcher) restoreConstraints(ctx context.Context, job *abstract.Job) error {
	backups, err := d.catalog.PendingConstraintBackups(ctx, job.ID)
	if err != nil {
		return xerrors.Errorf("unable to list pending backups: %w", err)
	}
	if len(backups) == 0 {
		return nil
	}

	sink, err := d.openSink(ctx, &job.Spec.Target)
	if err != nil {
		return xerrors.Errorf("unable to open target: %w", err)
	}
	defer sink.Close()

	byTable := map[string][]*abstract.ConstraintBackup{}
	for _, backup := range backups {
		byTable[backup.Table] = append(byTable[backup.Table], backup)
	}
	for table, tableBackups := range byTable {
		if err := sink.RestoreConstraints(ctx, tableBackups); err != nil {
			return xerrors.Errorf("unable to restore constraints of %s: %w", table, err)
		}
		if err := d.catalog.MarkConstraintsRestored(ctx, job.ID, table); err != nil {
			return xerrors.Errorf("unable to mark constraints restored: %w", err)
		}
		logger.Log.Info("restored constraints",
			log.String("job_id", job.ID),
			log.String("table", table),
			log.Int("count", len(tableBackups)))
	}
	return nil
}
