package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	dferrors "github.com/dataferry/dataferry/pkg/errors"
	"github.com/dataferry/dataferry/pkg/stats"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Worker polls the catalog for claimable chunks and executes them one at a
// time. There is no queue broker: the catalog's claim transaction is the
// queue.
type Worker struct {
	id       string
	catalog  catalog.Catalog
	cfg      config.Config
	metrics  *stats.WorkerStats
	executor *Executor
}

func New(id string, cat catalog.Catalog, cfg config.Config, metrics *stats.WorkerStats) *Worker {
	return &Worker{
		id:       id,
		catalog:  cat,
		cfg:      cfg,
		metrics:  metrics,
		executor: NewExecutor(cat, cfg, id, metrics),
	}
}

// Run loops until ctx is cancelled. An in-flight chunk is always finished or
// failed before returning: the reaper handles the crash case, not the
// graceful one.
func (w *Worker) Run(ctx context.Context) error {
	logger.Log.Info("worker started", log.String("worker_id", w.id))
	for {
		select {
		case <-ctx.Done():
			w.reportPresence(abstract.WorkerDraining, "")
			logger.Log.Info("worker drained", log.String("worker_id", w.id))
			return nil
		default:
		}

		chunk, err := w.catalog.ClaimNextChunk(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Log.Warn("unable to claim chunk", log.String("worker_id", w.id), log.Error(err))
			w.sleep(ctx, w.cfg.HeartbeatInterval)
			continue
		}
		if chunk == nil {
			w.reportPresence(abstract.WorkerIdle, "")
			w.sleep(ctx, w.cfg.HeartbeatInterval)
			continue
		}

		w.reportPresence(abstract.WorkerBusy, chunk.ID)
		if err := w.runChunk(ctx, chunk); err != nil {
			logger.Log.Error("chunk attempt failed",
				log.String("worker_id", w.id),
				log.String("chunk_id", chunk.ID),
				log.String("table", chunk.TableName),
				log.String("category", string(dferrors.GetCategory(err))),
				log.Error(err))
		}
	}
}

func (w *Worker) runChunk(ctx context.Context, chunk *abstract.Chunk) error {
	job, err := w.catalog.GetJob(ctx, chunk.JobID)
	if err != nil {
		return xerrors.Errorf("unable to load job %s: %w", chunk.JobID, err)
	}
	table, err := w.tableOf(ctx, chunk)
	if err != nil {
		return err
	}
	logger.Log.Info("claimed chunk",
		log.String("worker_id", w.id),
		log.String("chunk_id", chunk.ID),
		log.String("table", chunk.TableName),
		log.String("range", chunk.Range()),
		log.Int("retry_count", chunk.RetryCount))
	return w.executor.Execute(ctx, job, table, chunk)
}

func (w *Worker) tableOf(ctx context.Context, chunk *abstract.Chunk) (*abstract.Table, error) {
	tables, err := w.catalog.GetTables(ctx, chunk.JobID)
	if err != nil {
		return nil, xerrors.Errorf("unable to load tables of job %s: %w", chunk.JobID, err)
	}
	for _, table := range tables {
		if table.ID == chunk.TableID {
			return table, nil
		}
	}
	return nil, xerrors.Errorf("chunk %s references unknown table %s", chunk.ID, chunk.TableID)
}

func (w *Worker) reportPresence(status abstract.WorkerStatus, currentChunk string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.catalog.UpsertWorker(ctx, &abstract.WorkerInfo{
		ID:           w.id,
		CurrentChunk: currentChunk,
		Status:       status,
	}); err != nil {
		logger.Log.Warn("unable to report worker presence", log.String("worker_id", w.id), log.Error(err))
	}
}

// sleep waits out the poll interval plus jitter so idle workers do not hit
// the catalog in lockstep.
func (w *Worker) sleep(ctx context.Context, base time.Duration) {
	jitter := time.Duration(100+rand.Intn(400)) * time.Millisecond
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
