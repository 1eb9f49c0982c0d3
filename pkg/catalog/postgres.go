package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// leadershipLockID keys the session-scoped advisory lock that elects the
// dispatcher leader. One id per catalog database.
const leadershipLockID = int64(0x64617461_66657272)

const jobColumns = `id, spec, status, total_tables, total_chunks, completed_chunks, failed_chunks,
	failure_threshold_percent, created_at, started_at, completed_at, auto_failed_at,
	last_error, optimization_method, peak_memory_mb, total_bytes, avg_throughput_rows_sec`

const tableColumns = `id, job_id, table_name, pk_column, total_rows, total_chunks,
	completed_chunks, failed_chunks, status, last_error, created_at, completed_at`

const chunkColumns = `id, job_id, table_id, table_name, pk_start, pk_end, pk_end_inclusive,
	status, retry_count, max_retries, worker_id, next_retry_at,
	rows_processed, source_row_count, target_row_count, checksum,
	duration_ms, started_at, completed_at, last_heartbeat, last_error, validation_status,
	batch_size_used, throughput_rows_per_sec, throughput_mb_per_sec, memory_peak_mb, insert_latency_ms,
	created_at`

// Postgres is the durable catalog. Every state transition runs in a single
// transaction together with the counter recompute, so readers never observe
// counters that disagree with chunk rows.
type Postgres struct {
	db *sql.DB

	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, xerrors.Errorf("unable to open catalog database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("unable to reach catalog database: %w", err)
	}
	if err := ApplyMigrations(db); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("unable to migrate catalog schema: %w", err)
	}
	return &Postgres{
		db:          db,
		backoffBase: 10 * time.Second,
		backoffCap:  600 * time.Second,
	}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("unable to begin catalog transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("unable to commit catalog transaction: %w", err)
	}
	return nil
}

func (p *Postgres) CreateJob(ctx context.Context, job *abstract.Job) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return xerrors.Errorf("unable to serialize job spec: %w", err)
	}
	status := job.Status
	if status == "" {
		status = abstract.JobPending
	}
	threshold := job.Spec.FailureThresholdPercent
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, spec, status, failure_threshold_percent)
		VALUES ($1, $2, $3, $4)`,
		job.ID, spec, string(status), threshold)
	if err != nil {
		return xerrors.Errorf("unable to insert job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID string) (*abstract.Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("unable to read job %s: %w", jobID, err)
	}
	return job, nil
}

func (p *Postgres) ListJobs(ctx context.Context) ([]*abstract.Job, error) {
	return p.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
}

func (p *Postgres) ListActiveJobs(ctx context.Context) ([]*abstract.Job, error) {
	return p.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status NOT IN ('completed', 'failed') ORDER BY created_at`)
}

func (p *Postgres) listJobs(ctx context.Context, query string) ([]*abstract.Job, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Errorf("unable to list jobs: %w", err)
	}
	defer rows.Close()
	var out []*abstract.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Errorf("unable to scan job row: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateJobStatus(ctx context.Context, jobID string, status abstract.JobStatus, lastError string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $2,
			last_error = CASE WHEN $3 <> '' THEN $3 ELSE last_error END,
			started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN COALESCE(completed_at, now()) ELSE completed_at END
		WHERE id = $1`,
		jobID, string(status), lastError)
	if err != nil {
		return xerrors.Errorf("unable to update job %s status: %w", jobID, err)
	}
	return requireAffected(res, ErrJobNotFound)
}

func (p *Postgres) AutoFailJob(ctx context.Context, jobID string, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'failed',
			last_error = $2,
			auto_failed_at = now(),
			completed_at = COALESCE(completed_at, now())
		WHERE id = $1`,
		jobID, reason)
	if err != nil {
		return xerrors.Errorf("unable to auto-fail job %s: %w", jobID, err)
	}
	return requireAffected(res, ErrJobNotFound)
}

func (p *Postgres) PauseJob(ctx context.Context, jobID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'paused' WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		jobID)
	if err != nil {
		return xerrors.Errorf("unable to pause job %s: %w", jobID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		job, err := p.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return xerrors.Errorf("job %s is terminal (%s), cannot pause", jobID, job.Status)
	}
	return nil
}

func (p *Postgres) ResumeJob(ctx context.Context, jobID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running' WHERE id = $1 AND status = 'paused'`, jobID)
	if err != nil {
		return xerrors.Errorf("unable to resume job %s: %w", jobID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		job, err := p.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return xerrors.Errorf("job %s is not paused (%s)", jobID, job.Status)
	}
	return nil
}

func (p *Postgres) InsertTablesAndChunks(ctx context.Context, jobID string, tables []*abstract.Table, chunks []*abstract.Chunk) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			status := table.Status
			if status == "" {
				status = abstract.TablePending
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO job_tables (id, job_id, table_name, pk_column, total_rows, total_chunks, status, last_error)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				table.ID, jobID, table.Name, table.PKColumn, int64(table.TotalRows), table.TotalChunks,
				string(status), table.LastError)
			if err != nil {
				return xerrors.Errorf("unable to insert table %s: %w", table.Name, err)
			}
		}
		for _, chunk := range chunks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (id, job_id, table_id, table_name, pk_start, pk_end, pk_end_inclusive, max_retries)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				chunk.ID, jobID, chunk.TableID, chunk.TableName,
				chunk.PKStart, chunk.PKEnd, chunk.PKEndInclusive, chunk.MaxRetries)
			if err != nil {
				return xerrors.Errorf("unable to insert chunk %s: %w", chunk.Range(), err)
			}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET total_tables = $2, total_chunks = $3 WHERE id = $1`,
			jobID, len(tables), len(chunks))
		if err != nil {
			return xerrors.Errorf("unable to update job %s totals: %w", jobID, err)
		}
		return requireAffected(res, ErrJobNotFound)
	})
}

func (p *Postgres) GetTables(ctx context.Context, jobID string) ([]*abstract.Table, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tableColumns+` FROM job_tables WHERE job_id = $1 ORDER BY table_name`, jobID)
	if err != nil {
		return nil, xerrors.Errorf("unable to list tables of job %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []*abstract.Table
	for rows.Next() {
		table, err := scanTable(rows)
		if err != nil {
			return nil, xerrors.Errorf("unable to scan table row: %w", err)
		}
		out = append(out, table)
	}
	return out, rows.Err()
}

func (p *Postgres) GetChunks(ctx context.Context, jobID string) ([]*abstract.Chunk, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE job_id = $1 ORDER BY table_name, pk_start`, jobID)
	if err != nil {
		return nil, xerrors.Errorf("unable to list chunks of job %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []*abstract.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, xerrors.Errorf("unable to scan chunk row: %w", err)
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

func (p *Postgres) GetChunk(ctx context.Context, chunkID string) (*abstract.Chunk, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, chunkID)
	chunk, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("unable to read chunk %s: %w", chunkID, err)
	}
	return chunk, nil
}

// ClaimNextChunk locks the oldest eligible pending chunk with
// FOR UPDATE SKIP LOCKED, so concurrent claimers never block on or receive
// the same row.
func (p *Postgres) ClaimNextChunk(ctx context.Context, workerID string) (*abstract.Chunk, error) {
	var claimed *abstract.Chunk
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var chunkID, jobID, tableID string
		err := tx.QueryRowContext(ctx, `
			SELECT id, job_id, table_id FROM chunks
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			  AND job_id IN (SELECT id FROM jobs WHERE status IN ('pending', 'planning', 'running'))
			  AND (SELECT count(*) FROM chunks r WHERE r.job_id = chunks.job_id AND r.status = 'running')
			      < COALESCE(NULLIF((SELECT (spec->>'MaxWorkers')::int FROM jobs j WHERE j.id = chunks.job_id), 0), 2147483647)
			ORDER BY next_retry_at ASC NULLS FIRST, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`).Scan(&chunkID, &jobID, &tableID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("unable to select claimable chunk: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks SET status = 'running', worker_id = $2,
				started_at = now(), last_heartbeat = now(), next_retry_at = NULL
			WHERE id = $1`,
			chunkID, workerID); err != nil {
			return xerrors.Errorf("unable to mark chunk %s running: %w", chunkID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, now())
			WHERE id = $1 AND status IN ('pending', 'planning')`,
			jobID); err != nil {
			return xerrors.Errorf("unable to mark job %s running: %w", jobID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE job_tables SET status = 'running' WHERE id = $1 AND status = 'pending'`,
			tableID); err != nil {
			return xerrors.Errorf("unable to mark table running: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, chunkID)
		claimed, err = scanChunk(row)
		if err != nil {
			return xerrors.Errorf("unable to reread claimed chunk %s: %w", chunkID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *Postgres) Heartbeat(ctx context.Context, workerID string, chunkID string, sample *PerformanceSample) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chunks SET last_heartbeat = now()
			WHERE id = $1 AND worker_id = $2 AND status = 'running'`,
			chunkID, workerID)
		if err != nil {
			return xerrors.Errorf("unable to heartbeat chunk %s: %w", chunkID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM chunks WHERE id = $1)`, chunkID).Scan(&exists); err != nil {
				return xerrors.Errorf("unable to check chunk %s: %w", chunkID, err)
			}
			if !exists {
				return ErrChunkNotFound
			}
			return ErrChunkNotOwned
		}
		if sample != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO performance_metrics
					(job_id, worker_id, rows_per_second, mb_per_second, memory_usage_mb, insert_latency_ms, current_batch_size)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				sample.JobID, sample.WorkerID, sample.RowsPerSec, sample.MBPerSec,
				sample.MemoryMB, sample.InsertLatencyMs, sample.CurrentBatchSize); err != nil {
				return xerrors.Errorf("unable to record performance sample: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) CompleteChunk(ctx context.Context, result *ChunkResult) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		chunk, err := lockChunk(ctx, tx, result.ChunkID)
		if err != nil {
			return err
		}
		if chunk.Status != abstract.ChunkRunning || chunk.WorkerID != result.WorkerID {
			return ErrChunkNotOwned
		}

		durationMs := result.Duration.Milliseconds()
		mismatch := result.SourceRowCount != result.TargetRowCount
		if mismatch && result.ValidationEnabled {
			// A count mismatch is not accepted silently: the range goes back
			// to pending for re-execution, burning one retry.
			newRetry := chunk.RetryCount + 1
			const mismatchErr = "validation failed: source/target row count mismatch"
			if err := appendLogTx(ctx, tx, chunk.ID, chunk.WorkerID, newRetry, abstract.ChunkFailed,
				result, durationMs, mismatchErr, chunk.StartedAt); err != nil {
				return err
			}
			if newRetry >= chunk.MaxRetries {
				_, err = tx.ExecContext(ctx, `
					UPDATE chunks SET status = 'failed', retry_count = $2, validation_status = 'failed',
						rows_processed = $3, source_row_count = $4, target_row_count = $5, checksum = $6,
						duration_ms = $7, last_error = $8, completed_at = now()
					WHERE id = $1`,
					chunk.ID, newRetry,
					int64(result.RowsProcessed), int64(result.SourceRowCount), int64(result.TargetRowCount),
					result.Checksum, durationMs, mismatchErr)
			} else {
				retryAt := time.Now().Add(Backoff(newRetry, p.backoffBase, p.backoffCap))
				_, err = tx.ExecContext(ctx, `
					UPDATE chunks SET status = 'pending', retry_count = $2, validation_status = 'failed',
						rows_processed = $3, source_row_count = $4, target_row_count = $5, checksum = $6,
						duration_ms = $7, last_error = $8,
						next_retry_at = $9, worker_id = '', started_at = NULL, last_heartbeat = NULL
					WHERE id = $1`,
					chunk.ID, newRetry,
					int64(result.RowsProcessed), int64(result.SourceRowCount), int64(result.TargetRowCount),
					result.Checksum, durationMs, mismatchErr, retryAt)
			}
			if err != nil {
				return xerrors.Errorf("unable to requeue mismatched chunk %s: %w", chunk.ID, err)
			}
			return p.recountTx(ctx, tx, chunk.JobID)
		}

		validation := abstract.ValidationValidated
		if mismatch {
			validation = abstract.ValidationFailed
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks SET status = 'completed', validation_status = $2,
				rows_processed = $3, source_row_count = $4, target_row_count = $5, checksum = $6,
				duration_ms = $7, batch_size_used = $8,
				throughput_rows_per_sec = $9, throughput_mb_per_sec = $10,
				memory_peak_mb = $11, insert_latency_ms = $12,
				last_error = '', completed_at = now()
			WHERE id = $1`,
			chunk.ID, string(validation),
			int64(result.RowsProcessed), int64(result.SourceRowCount), int64(result.TargetRowCount),
			result.Checksum, durationMs, result.BatchSizeUsed,
			result.ThroughputRowsPerSec, result.ThroughputMBPerSec,
			result.MemoryPeakMB, result.InsertLatencyMs); err != nil {
			return xerrors.Errorf("unable to complete chunk %s: %w", chunk.ID, err)
		}
		if err := appendLogTx(ctx, tx, chunk.ID, chunk.WorkerID, chunk.RetryCount+1, abstract.ChunkCompleted,
			result, durationMs, "", chunk.StartedAt); err != nil {
			return err
		}
		if err := p.recountTx(ctx, tx, chunk.JobID); err != nil {
			return err
		}
		bytes := uint64(result.ThroughputMBPerSec * result.Duration.Seconds() * 1024 * 1024)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET
				peak_memory_mb = GREATEST(peak_memory_mb, $2),
				total_bytes = total_bytes + $3,
				avg_throughput_rows_sec = CASE WHEN completed_chunks > 0
					THEN (avg_throughput_rows_sec * (completed_chunks - 1) + $4) / completed_chunks
					ELSE avg_throughput_rows_sec END
			WHERE id = $1`,
			chunk.JobID, result.MemoryPeakMB, int64(bytes), result.ThroughputRowsPerSec); err != nil {
			return xerrors.Errorf("unable to aggregate job %s perf: %w", chunk.JobID, err)
		}
		return nil
	})
}

func (p *Postgres) FailChunk(ctx context.Context, chunkID string, workerID string, chunkErr string, terminal bool, duration time.Duration) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return p.failChunkTx(ctx, tx, chunkID, workerID, chunkErr, terminal, duration)
	})
}

func (p *Postgres) failChunkTx(ctx context.Context, tx *sql.Tx, chunkID string, workerID string, chunkErr string, terminal bool, duration time.Duration) error {
	chunk, err := lockChunk(ctx, tx, chunkID)
	if err != nil {
		return err
	}
	if chunk.Status != abstract.ChunkRunning {
		return ErrChunkNotOwned
	}
	if workerID != "" && chunk.WorkerID != workerID {
		return ErrChunkNotOwned
	}

	newRetry := chunk.RetryCount + 1
	durationMs := duration.Milliseconds()
	if err := appendLogTx(ctx, tx, chunk.ID, chunk.WorkerID, newRetry, abstract.ChunkFailed,
		&ChunkResult{RowsProcessed: chunk.RowsProcessed}, durationMs, chunkErr, chunk.StartedAt); err != nil {
		return err
	}

	if terminal || newRetry >= chunk.MaxRetries {
		if terminal && newRetry < chunk.MaxRetries {
			// Non-retryable failures burn all remaining attempts so the
			// terminality predicate (retry_count = max_retries) holds.
			newRetry = chunk.MaxRetries
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks SET status = 'failed', retry_count = $2,
				last_error = $3, duration_ms = $4, completed_at = now()
			WHERE id = $1`,
			chunk.ID, newRetry, chunkErr, durationMs); err != nil {
			return xerrors.Errorf("unable to fail chunk %s: %w", chunk.ID, err)
		}
	} else {
		retryAt := time.Now().Add(Backoff(newRetry, p.backoffBase, p.backoffCap))
		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks SET status = 'pending', retry_count = $2,
				last_error = $3, duration_ms = $4,
				next_retry_at = $5, worker_id = '', started_at = NULL, last_heartbeat = NULL
			WHERE id = $1`,
			chunk.ID, newRetry, chunkErr, durationMs, retryAt); err != nil {
			return xerrors.Errorf("unable to requeue chunk %s: %w", chunk.ID, err)
		}
	}
	return p.recountTx(ctx, tx, chunk.JobID)
}

func (p *Postgres) RetryChunk(ctx context.Context, chunkID string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		chunk, err := lockChunk(ctx, tx, chunkID)
		if err != nil {
			return err
		}
		if chunk.Status != abstract.ChunkFailed {
			return xerrors.Errorf("chunk %s is not failed (%s)", chunkID, chunk.Status)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chunks SET status = 'pending', retry_count = 0, next_retry_at = now(),
				worker_id = '', started_at = NULL, completed_at = NULL, last_heartbeat = NULL, last_error = ''
			WHERE id = $1`,
			chunkID); err != nil {
			return xerrors.Errorf("unable to reset chunk %s: %w", chunkID, err)
		}
		return p.recountTx(ctx, tx, chunk.JobID)
	})
}

// ReapDeadChunks returns running chunks whose heartbeat went stale, or that
// exceeded the hard execution timeout, back to the retry path.
func (p *Postgres) ReapDeadChunks(ctx context.Context, liveness time.Duration, hardTimeout time.Duration) (int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, worker_id, table_name, started_at FROM chunks
		WHERE status = 'running'
		  AND (last_heartbeat < now() - make_interval(secs => $1)
		       OR ($2 > 0 AND started_at < now() - make_interval(secs => $2)))`,
		liveness.Seconds(), hardTimeout.Seconds())
	if err != nil {
		return 0, xerrors.Errorf("unable to select dead chunks: %w", err)
	}
	type dead struct {
		id, workerID, table string
		startedAt           sql.NullTime
	}
	var victims []dead
	for rows.Next() {
		var d dead
		if err := rows.Scan(&d.id, &d.workerID, &d.table, &d.startedAt); err != nil {
			_ = rows.Close()
			return 0, xerrors.Errorf("unable to scan dead chunk row: %w", err)
		}
		victims = append(victims, d)
	}
	if err := rows.Close(); err != nil {
		return 0, xerrors.Errorf("unable to read dead chunks: %w", err)
	}

	reaped := 0
	for _, victim := range victims {
		duration := time.Duration(0)
		if victim.startedAt.Valid {
			duration = time.Since(victim.startedAt.Time)
		}
		err := p.inTx(ctx, func(tx *sql.Tx) error {
			return p.failChunkTx(ctx, tx, victim.id, victim.workerID, "heartbeat timeout", false, duration)
		})
		if err == ErrChunkNotOwned || err == ErrChunkNotFound {
			// Lost the race against the worker's own completion or failure.
			continue
		}
		if err != nil {
			return reaped, xerrors.Errorf("unable to reap chunk %s: %w", victim.id, err)
		}
		logger.Log.Warn("reaped dead chunk",
			log.String("chunk_id", victim.id),
			log.String("worker_id", victim.workerID),
			log.String("table", victim.table))
		reaped++
	}
	return reaped, nil
}

func (p *Postgres) JobHealth(ctx context.Context, jobID string) (*JobHealth, error) {
	health := &JobHealth{JobID: jobID}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT j.status, j.total_chunks, j.failure_threshold_percent,
			count(c.id) FILTER (WHERE c.status = 'pending'),
			count(c.id) FILTER (WHERE c.status = 'running'),
			count(c.id) FILTER (WHERE c.status = 'completed'),
			count(c.id) FILTER (WHERE c.status = 'failed'),
			count(c.id) FILTER (WHERE c.status = 'failed' AND c.retry_count >= c.max_retries)
		FROM jobs j LEFT JOIN chunks c ON c.job_id = j.id
		WHERE j.id = $1
		GROUP BY j.id`,
		jobID).Scan(&status, &health.TotalChunks, &health.FailureThresholdPercent,
		&health.PendingChunks, &health.RunningChunks, &health.CompletedChunks,
		&health.FailedChunks, &health.TerminalFailed)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("unable to read health of job %s: %w", jobID, err)
	}
	health.Status = abstract.JobStatus(status)
	return health, nil
}

// AcquireLeadership takes a session advisory lock on a dedicated connection.
// The lock lives exactly as long as the connection, so a crashed leader frees
// it without cleanup.
func (p *Postgres) AcquireLeadership(ctx context.Context) (bool, func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, nil, xerrors.Errorf("unable to open leadership connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, leadershipLockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, nil, xerrors.Errorf("unable to take leadership lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(releaseCtx, `SELECT pg_advisory_unlock($1)`, leadershipLockID); err != nil {
			logger.Log.Warn("unable to release leadership lock", log.Error(err))
		}
		_ = conn.Close()
	}
	return true, release, nil
}

func (p *Postgres) UpsertWorker(ctx context.Context, worker *abstract.WorkerInfo) error {
	currentChunk := sql.NullString{String: worker.CurrentChunk, Valid: worker.CurrentChunk != ""}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_seen, current_chunk, status)
		VALUES ($1, now(), $2, $3)
		ON CONFLICT (worker_id) DO UPDATE
			SET last_seen = now(), current_chunk = EXCLUDED.current_chunk, status = EXCLUDED.status`,
		worker.ID, currentChunk, string(worker.Status))
	if err != nil {
		return xerrors.Errorf("unable to upsert worker %s: %w", worker.ID, err)
	}
	return nil
}

func (p *Postgres) ListWorkers(ctx context.Context) ([]*abstract.WorkerInfo, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT worker_id, last_seen, current_chunk, status FROM worker_heartbeats ORDER BY worker_id`)
	if err != nil {
		return nil, xerrors.Errorf("unable to list workers: %w", err)
	}
	defer rows.Close()
	var out []*abstract.WorkerInfo
	for rows.Next() {
		var worker abstract.WorkerInfo
		var currentChunk sql.NullString
		var status string
		if err := rows.Scan(&worker.ID, &worker.LastSeen, &currentChunk, &status); err != nil {
			return nil, xerrors.Errorf("unable to scan worker row: %w", err)
		}
		worker.CurrentChunk = currentChunk.String
		worker.Status = abstract.WorkerStatus(status)
		out = append(out, &worker)
	}
	return out, rows.Err()
}

func (p *Postgres) WriteBatchAdjustment(ctx context.Context, adj *BatchAdjustment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO batch_size_history
			(job_id, worker_id, old_size, new_size, avg_latency_ms, target_latency_ms, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		adj.JobID, adj.WorkerID, adj.OldSize, adj.NewSize, adj.AvgLatencyMs, adj.TargetLatencyMs, adj.Reason)
	if err != nil {
		return xerrors.Errorf("unable to record batch adjustment: %w", err)
	}
	return nil
}

func (p *Postgres) BatchAdjustments(ctx context.Context, jobID string) ([]*BatchAdjustment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT job_id, worker_id, old_size, new_size, avg_latency_ms, target_latency_ms, reason, adjusted_at
		FROM batch_size_history WHERE job_id = $1 ORDER BY adjusted_at`, jobID)
	if err != nil {
		return nil, xerrors.Errorf("unable to list batch adjustments of job %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []*BatchAdjustment
	for rows.Next() {
		var adj BatchAdjustment
		if err := rows.Scan(&adj.JobID, &adj.WorkerID, &adj.OldSize, &adj.NewSize,
			&adj.AvgLatencyMs, &adj.TargetLatencyMs, &adj.Reason, &adj.At); err != nil {
			return nil, xerrors.Errorf("unable to scan batch adjustment row: %w", err)
		}
		out = append(out, &adj)
	}
	return out, rows.Err()
}

func (p *Postgres) PerformanceSeries(ctx context.Context, jobID string, since time.Time) ([]*PerformanceSample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT job_id, worker_id, rows_per_second, mb_per_second, memory_usage_mb,
			insert_latency_ms, current_batch_size, recorded_at
		FROM performance_metrics
		WHERE job_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at`, jobID, since)
	if err != nil {
		return nil, xerrors.Errorf("unable to list performance samples of job %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []*PerformanceSample
	for rows.Next() {
		var sample PerformanceSample
		if err := rows.Scan(&sample.JobID, &sample.WorkerID, &sample.RowsPerSec, &sample.MBPerSec,
			&sample.MemoryMB, &sample.InsertLatencyMs, &sample.CurrentBatchSize, &sample.At); err != nil {
			return nil, xerrors.Errorf("unable to scan performance sample row: %w", err)
		}
		out = append(out, &sample)
	}
	return out, rows.Err()
}

func (p *Postgres) ExecutionLog(ctx context.Context, chunkID string) ([]*ExecutionLogEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT chunk_id, worker_id, attempt_number, status, rows_processed, source_row_count,
			target_row_count, duration_ms, error_message, started_at, completed_at
		FROM chunk_execution_log WHERE chunk_id = $1 ORDER BY id`, chunkID)
	if err != nil {
		return nil, xerrors.Errorf("unable to read execution log of chunk %s: %w", chunkID, err)
	}
	defer rows.Close()
	var out []*ExecutionLogEntry
	for rows.Next() {
		var entry ExecutionLogEntry
		var status string
		var rowsProcessed, srcCount, tgtCount int64
		var startedAt sql.NullTime
		if err := rows.Scan(&entry.ChunkID, &entry.WorkerID, &entry.AttemptNumber, &status,
			&rowsProcessed, &srcCount, &tgtCount, &entry.DurationMs, &entry.ErrorMessage,
			&startedAt, &entry.CompletedAt); err != nil {
			return nil, xerrors.Errorf("unable to scan execution log row: %w", err)
		}
		entry.Status = abstract.ChunkStatus(status)
		entry.RowsProcessed = uint64(rowsProcessed)
		entry.SourceRowCount = uint64(srcCount)
		entry.TargetRowCount = uint64(tgtCount)
		if startedAt.Valid {
			entry.StartedAt = &startedAt.Time
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func (p *Postgres) TakeConstraintLease(ctx context.Context, jobID string, table string, workerID string) (bool, error) {
	var holder string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO constraint_leases (job_id, table_name, worker_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, table_name) DO NOTHING
		RETURNING worker_id`,
		jobID, table, workerID).Scan(&holder)
	if err == sql.ErrNoRows {
		if err := p.db.QueryRowContext(ctx,
			`SELECT worker_id FROM constraint_leases WHERE job_id = $1 AND table_name = $2`,
			jobID, table).Scan(&holder); err != nil {
			return false, xerrors.Errorf("unable to read constraint lease holder: %w", err)
		}
		return holder == workerID, nil
	}
	if err != nil {
		return false, xerrors.Errorf("unable to take constraint lease: %w", err)
	}
	return true, nil
}

func (p *Postgres) SaveConstraintBackups(ctx context.Context, backups []*abstract.ConstraintBackup) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for _, backup := range backups {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO constraint_backups (id, job_id, table_name, object_name, kind, restore_ddl, updated_by)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (job_id, table_name, object_name) DO UPDATE
					SET restore_ddl = EXCLUDED.restore_ddl, updated_by = EXCLUDED.updated_by,
						dropped_at = now(), restored_at = NULL`,
				backup.ID, backup.JobID, backup.Table, backup.Name,
				string(backup.Kind), backup.RestoreDDL, backup.DroppedBy)
			if err != nil {
				return xerrors.Errorf("unable to save constraint backup %s: %w", backup.Name, err)
			}
		}
		return nil
	})
}

func (p *Postgres) PendingConstraintBackups(ctx context.Context, jobID string) ([]*abstract.ConstraintBackup, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, table_name, object_name, kind, restore_ddl, updated_by, dropped_at
		FROM constraint_backups
		WHERE job_id = $1 AND restored_at IS NULL
		ORDER BY table_name, object_name`, jobID)
	if err != nil {
		return nil, xerrors.Errorf("unable to list pending constraint backups: %w", err)
	}
	defer rows.Close()
	var out []*abstract.ConstraintBackup
	for rows.Next() {
		var backup abstract.ConstraintBackup
		var kind string
		if err := rows.Scan(&backup.ID, &backup.JobID, &backup.Table, &backup.Name,
			&kind, &backup.RestoreDDL, &backup.DroppedBy, &backup.DroppedAt); err != nil {
			return nil, xerrors.Errorf("unable to scan constraint backup row: %w", err)
		}
		backup.Kind = abstract.ConstraintKind(kind)
		out = append(out, &backup)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkConstraintsRestored(ctx context.Context, jobID string, table string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE constraint_backups SET restored_at = now()
		WHERE job_id = $1 AND table_name = $2 AND restored_at IS NULL`,
		jobID, table)
	if err != nil {
		return xerrors.Errorf("unable to mark constraints of %s restored: %w", table, err)
	}
	return nil
}

// recountTx rederives job and table counters from chunk rows inside the same
// transaction as the transition that changed them.
func (p *Postgres) recountTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE job_tables t SET
			completed_chunks = s.completed,
			failed_chunks = s.terminal,
			status = CASE
				WHEN s.completed = t.total_chunks THEN 'completed'
				WHEN s.completed + s.terminal = t.total_chunks THEN 'failed'
				WHEN s.running > 0 THEN 'running'
				ELSE 'pending' END,
			completed_at = CASE WHEN s.completed = t.total_chunks
				THEN COALESCE(t.completed_at, now()) ELSE t.completed_at END
		FROM (
			SELECT table_id,
				count(*) FILTER (WHERE status = 'completed') AS completed,
				count(*) FILTER (WHERE status = 'failed' AND retry_count >= max_retries) AS terminal,
				count(*) FILTER (WHERE status = 'running') AS running
			FROM chunks WHERE job_id = $1 GROUP BY table_id
		) s
		WHERE t.id = s.table_id AND t.job_id = $1`,
		jobID); err != nil {
		return xerrors.Errorf("unable to recount tables of job %s: %w", jobID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			completed_chunks = (SELECT count(*) FROM chunks WHERE job_id = $1 AND status = 'completed'),
			failed_chunks = (SELECT count(*) FROM chunks
				WHERE job_id = $1 AND status = 'failed' AND retry_count >= max_retries)
		WHERE id = $1`,
		jobID); err != nil {
		return xerrors.Errorf("unable to recount job %s: %w", jobID, err)
	}
	return nil
}

// requireAffected turns a zero-row update into the given sentinel so callers
// can distinguish a missing row from a no-op.
func requireAffected(res sql.Result, missing error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Errorf("unable to read affected rows: %w", err)
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func lockChunk(ctx context.Context, tx *sql.Tx, chunkID string) (*abstract.Chunk, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = $1 FOR UPDATE`, chunkID)
	chunk, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("unable to lock chunk %s: %w", chunkID, err)
	}
	return chunk, nil
}

func appendLogTx(ctx context.Context, tx *sql.Tx, chunkID string, workerID string, attempt int, status abstract.ChunkStatus, result *ChunkResult, durationMs int64, errMsg string, startedAt *time.Time) error {
	var started sql.NullTime
	if startedAt != nil {
		started = sql.NullTime{Time: *startedAt, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chunk_execution_log
			(chunk_id, worker_id, attempt_number, status, rows_processed, source_row_count,
			 target_row_count, duration_ms, error_message, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		chunkID, workerID, attempt, string(status),
		int64(result.RowsProcessed), int64(result.SourceRowCount), int64(result.TargetRowCount),
		durationMs, errMsg, started)
	if err != nil {
		return xerrors.Errorf("unable to append execution log for chunk %s: %w", chunkID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*abstract.Job, error) {
	var job abstract.Job
	var spec []byte
	var status string
	var startedAt, completedAt, autoFailedAt sql.NullTime
	var totalBytes int64
	err := row.Scan(&job.ID, &spec, &status, &job.TotalTables, &job.TotalChunks,
		&job.CompletedChunks, &job.FailedChunks, new(int), &job.CreatedAt,
		&startedAt, &completedAt, &autoFailedAt,
		&job.LastError, &job.OptimizationMethod,
		&job.PeakMemoryMB, &totalBytes, &job.AvgThroughputRowsSec)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &job.Spec); err != nil {
		return nil, xerrors.Errorf("unable to deserialize job spec: %w", err)
	}
	job.Status = abstract.JobStatus(status)
	job.TotalBytes = uint64(totalBytes)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if autoFailedAt.Valid {
		job.AutoFailedAt = &autoFailedAt.Time
	}
	return &job, nil
}

func scanTable(row rowScanner) (*abstract.Table, error) {
	var table abstract.Table
	var status string
	var totalRows int64
	var completedAt sql.NullTime
	err := row.Scan(&table.ID, &table.JobID, &table.Name, &table.PKColumn, &totalRows,
		&table.TotalChunks, &table.CompletedChunks, &table.FailedChunks,
		&status, &table.LastError, &table.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	table.TotalRows = uint64(totalRows)
	table.Status = abstract.TableStatus(status)
	if completedAt.Valid {
		table.CompletedAt = &completedAt.Time
	}
	return &table, nil
}

func scanChunk(row rowScanner) (*abstract.Chunk, error) {
	var chunk abstract.Chunk
	var status, validation string
	var rowsProcessed, srcCount, tgtCount int64
	var nextRetryAt, startedAt, completedAt, lastHeartbeat sql.NullTime
	err := row.Scan(&chunk.ID, &chunk.JobID, &chunk.TableID, &chunk.TableName,
		&chunk.PKStart, &chunk.PKEnd, &chunk.PKEndInclusive,
		&status, &chunk.RetryCount, &chunk.MaxRetries, &chunk.WorkerID, &nextRetryAt,
		&rowsProcessed, &srcCount, &tgtCount, &chunk.Checksum,
		&chunk.DurationMs, &startedAt, &completedAt, &lastHeartbeat, &chunk.LastError, &validation,
		&chunk.BatchSizeUsed, &chunk.ThroughputRowsPerSec, &chunk.ThroughputMBPerSec,
		&chunk.MemoryPeakMB, &chunk.InsertLatencyMs,
		&chunk.CreatedAt)
	if err != nil {
		return nil, err
	}
	chunk.Status = abstract.ChunkStatus(status)
	chunk.ValidationStatus = abstract.ValidationStatus(validation)
	chunk.RowsProcessed = uint64(rowsProcessed)
	chunk.SourceRowCount = uint64(srcCount)
	chunk.TargetRowCount = uint64(tgtCount)
	if nextRetryAt.Valid {
		chunk.NextRetryAt = &nextRetryAt.Time
	}
	if startedAt.Valid {
		chunk.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		chunk.CompletedAt = &completedAt.Time
	}
	if lastHeartbeat.Valid {
		chunk.LastHeartbeat = &lastHeartbeat.Time
	}
	return &chunk, nil
}
