package mysql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Sink writes to a MySQL target with multi-row INSERT statements, one
// transaction per batch.
type Sink struct {
	db     *sqlx.DB
	params *abstract.ConnParams
}

func NewSink(ctx context.Context, params *abstract.ConnParams) (*Sink, error) {
	db, err := connect(ctx, params)
	if err != nil {
		return nil, err
	}
	return &Sink{db: db, params: params}, nil
}

func (s *Sink) Close() {
	_ = s.db.Close()
}

// insertChunkRows caps a single INSERT statement; MySQL's default
// max_allowed_packet tops out well before the batch size does.
const insertChunkRows = 1000

func (s *Sink) BulkInsert(ctx context.Context, table string, batch *abstract.RowBatch) (*abstract.BatchResult, error) {
	started := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, xerrors.Errorf("unable to begin insert transaction: %w", mapError(err))
	}

	quoted := make([]string, len(batch.Columns))
	for i, col := range batch.Columns {
		quoted[i] = quoteIdent(col)
	}
	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(batch.Columns)), ",") + ")"

	inserted := uint64(0)
	for offset := 0; offset < batch.Len(); offset += insertChunkRows {
		end := offset + insertChunkRows
		if end > batch.Len() {
			end = batch.Len()
		}
		rows := batch.Rows[offset:end]
		placeholders := make([]string, len(rows))
		args := make([]interface{}, 0, len(rows)*len(batch.Columns))
		for i, row := range rows {
			placeholders[i] = rowPlaceholder
			args = append(args, row...)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			_ = tx.Rollback()
			return nil, xerrors.Errorf("unable to insert %d rows into %s: %w", len(rows), table, mapError(err))
		}
		if affected, err := res.RowsAffected(); err == nil {
			inserted += uint64(affected)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Errorf("unable to commit insert into %s: %w", table, mapError(err))
	}
	return &abstract.BatchResult{
		RowsInserted: inserted,
		Latency:      time.Since(started),
		Bytes:        batch.Bytes,
	}, nil
}

func (s *Sink) DeleteRange(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s >= ? AND %s %s ?",
		quoteIdent(q.Table), quoteIdent(q.PKColumn), quoteIdent(q.PKColumn), endOp(q)),
		q.Start, q.End)
	if err != nil {
		return 0, xerrors.Errorf("unable to clear range of %s: %w", q.Table, mapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return uint64(affected), nil
}

func (s *Sink) ExactRangeCount(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	return exactRangeCount(ctx, s.db, q)
}

func (s *Sink) DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error) {
	return describeTable(ctx, s.db, table)
}

type indexColumn struct {
	Index     string `db:"index_name"`
	Column    string `db:"column_name"`
	NonUnique int    `db:"non_unique"`
	Seq       int    `db:"seq_in_index"`
}

type foreignKey struct {
	Name      string `db:"constraint_name"`
	Column    string `db:"column_name"`
	RefTable  string `db:"referenced_table_name"`
	RefColumn string `db:"referenced_column_name"`
}

func (s *Sink) DropAndBackupConstraints(ctx context.Context, table string) ([]*abstract.ConstraintBackup, error) {
	var backups []*abstract.ConstraintBackup

	var fks []foreignKey
	err := s.db.SelectContext(ctx, &fks, `
		SELECT constraint_name, column_name, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE() AND table_name = ? AND referenced_table_name IS NOT NULL
		ORDER BY constraint_name, ordinal_position`, table)
	if err != nil {
		return nil, xerrors.Errorf("unable to list foreign keys of %s: %w", table, mapError(err))
	}
	fkColumns := map[string]*foreignKey{}
	var fkOrder []string
	for i := range fks {
		fk := fks[i]
		if _, ok := fkColumns[fk.Name]; !ok {
			fkColumns[fk.Name] = &fk
			fkOrder = append(fkOrder, fk.Name)
		}
	}
	for _, name := range fkOrder {
		fk := fkColumns[name]
		backups = append(backups, &abstract.ConstraintBackup{
			ID:    uuid.New().String(),
			Table: table,
			Name:  name,
			Kind:  abstract.ConstraintForeignKey,
			RestoreDDL: fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
				quoteIdent(table), quoteIdent(name), quoteIdent(fk.Column),
				quoteIdent(fk.RefTable), quoteIdent(fk.RefColumn)),
		})
	}

	var indexCols []indexColumn
	err = s.db.SelectContext(ctx, &indexCols, `
		SELECT index_name, column_name, non_unique, seq_in_index
		FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ? AND index_name <> 'PRIMARY'
		ORDER BY index_name, seq_in_index`, table)
	if err != nil {
		return nil, xerrors.Errorf("unable to list indexes of %s: %w", table, mapError(err))
	}
	idxColumns := map[string][]string{}
	idxUnique := map[string]bool{}
	var idxOrder []string
	for _, col := range indexCols {
		if _, ok := idxColumns[col.Index]; !ok {
			idxOrder = append(idxOrder, col.Index)
			idxUnique[col.Index] = col.NonUnique == 0
		}
		idxColumns[col.Index] = append(idxColumns[col.Index], quoteIdent(col.Column))
	}
	for _, name := range idxOrder {
		if idxUnique[name] {
			// Unique indexes are part of the data contract, keep them.
			continue
		}
		backups = append(backups, &abstract.ConstraintBackup{
			ID:    uuid.New().String(),
			Table: table,
			Name:  name,
			Kind:  abstract.ConstraintIndex,
			RestoreDDL: fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
				quoteIdent(name), quoteIdent(table), strings.Join(idxColumns[name], ", ")),
		})
	}

	for _, backup := range backups {
		var ddl string
		switch backup.Kind {
		case abstract.ConstraintForeignKey:
			ddl = fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", quoteIdent(table), quoteIdent(backup.Name))
		case abstract.ConstraintIndex:
			ddl = fmt.Sprintf("DROP INDEX %s ON %s", quoteIdent(backup.Name), quoteIdent(table))
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
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
		if _, err := s.db.ExecContext(ctx, backup.RestoreDDL); err != nil {
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
