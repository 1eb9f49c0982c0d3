package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Sink writes to a PostgreSQL target. Bulk loads go through the COPY
// protocol, one transaction per batch.
type Sink struct {
	pool   *pgxpool.Pool
	params *abstract.ConnParams
}

func NewSink(ctx context.Context, params *abstract.ConnParams) (*Sink, error) {
	pool, err := newPool(ctx, params)
	if err != nil {
		return nil, err
	}
	return &Sink{pool: pool, params: params}, nil
}

func (s *Sink) Close() {
	s.pool.Close()
}

func (s *Sink) BulkInsert(ctx context.Context, table string, batch *abstract.RowBatch) (*abstract.BatchResult, error) {
	started := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, xerrors.Errorf("unable to begin insert transaction: %w", mapError(err))
	}
	inserted, err := tx.CopyFrom(ctx, pgx.Identifier{table}, batch.Columns, pgx.CopyFromRows(batch.Rows))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, xerrors.Errorf("unable to copy %d rows into %s: %w", batch.Len(), table, mapError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, xerrors.Errorf("unable to commit insert into %s: %w", table, mapError(err))
	}
	return &abstract.BatchResult{
		RowsInserted: uint64(inserted),
		Latency:      time.Since(started),
		Bytes:        batch.Bytes,
	}, nil
}

// DeleteRange clears the chunk's target range so a retried chunk never
// duplicates rows.
func (s *Sink) DeleteRange(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE %s >= $1 AND %s %s $2`,
		quoteIdent(q.Table), quoteIdent(q.PKColumn), quoteIdent(q.PKColumn), endOp(q)),
		q.Start, q.End)
	if err != nil {
		return 0, xerrors.Errorf("unable to clear range %s of %s: %w", rangeString(q), q.Table, mapError(err))
	}
	return uint64(tag.RowsAffected()), nil
}

func (s *Sink) ExactRangeCount(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	return exactRangeCount(ctx, s.pool, q)
}

func (s *Sink) DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error) {
	return describeTable(ctx, s.pool, table)
}

// DropAndBackupConstraints removes secondary indexes and foreign keys of the
// table and returns enough DDL to restore each one. The primary key stays:
// the pk-range scheme depends on it.
func (s *Sink) DropAndBackupConstraints(ctx context.Context, table string) ([]*abstract.ConstraintBackup, error) {
	var backups []*abstract.ConstraintBackup

	fkRows, err := s.pool.Query(ctx, `
		SELECT conname, pg_get_constraintdef(oid)
		FROM pg_constraint
		WHERE conrelid = $1::regclass AND contype = 'f'`, quoteIdent(table))
	if err != nil {
		return nil, xerrors.Errorf("unable to list foreign keys of %s: %w", table, mapError(err))
	}
	for fkRows.Next() {
		var name, def string
		if err := fkRows.Scan(&name, &def); err != nil {
			fkRows.Close()
			return nil, xerrors.Errorf("unable to scan foreign key of %s: %w", table, err)
		}
		backups = append(backups, &abstract.ConstraintBackup{
			ID:         uuid.New().String(),
			Table:      table,
			Name:       name,
			Kind:       abstract.ConstraintForeignKey,
			RestoreDDL: fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s", quoteIdent(table), quoteIdent(name), def),
		})
	}
	fkRows.Close()
	if err := fkRows.Err(); err != nil {
		return nil, xerrors.Errorf("unable to read foreign keys of %s: %w", table, err)
	}

	idxRows, err := s.pool.Query(ctx, `
		SELECT i.indexname, i.indexdef
		FROM pg_indexes i
		WHERE i.schemaname = 'public' AND i.tablename = $1
		  AND NOT EXISTS (
			SELECT 1 FROM pg_class c
			JOIN pg_index x ON x.indexrelid = c.oid
			WHERE c.relname = i.indexname AND (x.indisprimary OR x.indisunique))`, table)
	if err != nil {
		return nil, xerrors.Errorf("unable to list indexes of %s: %w", table, mapError(err))
	}
	for idxRows.Next() {
		var name, def string
		if err := idxRows.Scan(&name, &def); err != nil {
			idxRows.Close()
			return nil, xerrors.Errorf("unable to scan index of %s: %w", table, err)
		}
		backups = append(backups, &abstract.ConstraintBackup{
			ID:         uuid.New().String(),
			Table:      table,
			Name:       name,
			Kind:       abstract.ConstraintIndex,
			RestoreDDL: def,
		})
	}
	idxRows.Close()
	if err := idxRows.Err(); err != nil {
		return nil, xerrors.Errorf("unable to read indexes of %s: %w", table, err)
	}

	// Foreign keys first: an index may back a constraint.
	for _, backup := range backups {
		var ddl string
		switch backup.Kind {
		case abstract.ConstraintForeignKey:
			ddl = fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", quoteIdent(table), quoteIdent(backup.Name))
		case abstract.ConstraintIndex:
			ddl = fmt.Sprintf("DROP INDEX %s", quoteIdent(backup.Name))
		}
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return nil, xerrors.Errorf("unable to drop %s %s: %w", backup.Kind, backup.Name, mapError(err))
		}
		logger.Log.Info("dropped constraint for bulk load",
			log.String("table", table),
			log.String("name", backup.Name),
			log.String("kind", string(backup.Kind)))
	}
	return backups, nil
}

func (s *Sink) RestoreConstraints(ctx context.Context, backups []*abstract.ConstraintBackup) error {
	// Indexes before foreign keys, mirroring the drop order in reverse.
	ordered := make([]*abstract.ConstraintBackup, 0, len(backups))
	for _, backup := range backups {
		if backup.Kind == abstract.ConstraintIndex {
			ordered = append(ordered, backup)
		}
	}
	for _, backup := range backups {
		if backup.Kind == abstract.ConstraintForeignKey {
			ordered = append(ordered, backup)
		}
	}
	for _, backup := range ordered {
		if _, err := s.pool.Exec(ctx, backup.RestoreDDL); err != nil {
			return xerrors.Errorf("unable to restore %s %s on %s: %w",
				backup.Kind, backup.Name, backup.Table, mapError(err))
		}
		logger.Log.Info("restored constraint",
			log.String("table", backup.Table),
			log.String("name", backup.Name),
			log.String("kind", string(backup.Kind)))
	}
	return nil
}

func rangeString(q abstract.RangeQuery) string {
	bracket := ")"
	if q.EndInclusive {
		bracket = "]"
	}
	return fmt.Sprintf("[%d,%d%s", q.Start, q.End, bracket)
}
