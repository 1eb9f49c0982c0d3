package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/jmoiron/sqlx"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Storage reads a MySQL source.
type Storage struct {
	db     *sqlx.DB
	params *abstract.ConnParams
}

func NewStorage(ctx context.Context, params *abstract.ConnParams) (*Storage, error) {
	db, err := connect(ctx, params)
	if err != nil {
		return nil, err
	}
	return &Storage{db: db, params: params}, nil
}

func (s *Storage) Close() {
	_ = s.db.Close()
}

func (s *Storage) DiscoverTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := s.db.SelectContext(ctx, &tables, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, xerrors.Errorf("unable to list tables: %w", mapError(err))
	}
	return tables, nil
}

func (s *Storage) DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error) {
	return describeTable(ctx, s.db, table)
}

func describeTable(ctx context.Context, db *sqlx.DB, table string) (*abstract.TableInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, column_type, is_nullable = 'NO', column_default IS NOT NULL, column_key = 'PRI'
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, xerrors.Errorf("unable to describe table %s: %w", table, mapError(err))
	}
	defer rows.Close()

	info := &abstract.TableInfo{Name: table}
	pkCount := 0
	for rows.Next() {
		var col abstract.ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type, &col.NotNull, &col.HasDefault, &col.PrimaryKey); err != nil {
			return nil, xerrors.Errorf("unable to scan column of %s: %w", table, err)
		}
		if col.PrimaryKey {
			pkCount++
			info.PKColumn = col.Name
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("unable to read columns of %s: %w", table, err)
	}
	if len(info.Columns) == 0 {
		return nil, xerrors.Errorf("table %s does not exist", table)
	}
	if pkCount != 1 {
		info.PKColumn = ""
	}

	// table_rows is the optimizer's estimate. Zero is ambiguous, so confirm
	// with an exact count before declaring the table empty.
	var eta sql.NullInt64
	if err := db.QueryRowContext(ctx, `
		SELECT table_rows FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?`, table).Scan(&eta); err != nil {
		return nil, xerrors.Errorf("unable to estimate rows of %s: %w", table, mapError(err))
	}
	if eta.Valid && eta.Int64 > 0 {
		info.EtaRows = uint64(eta.Int64)
	} else {
		var exact int64
		if err := db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&exact); err != nil {
			return nil, xerrors.Errorf("unable to count rows of %s: %w", table, mapError(err))
		}
		info.EtaRows = uint64(exact)
	}
	return info, nil
}

func (s *Storage) PKBounds(ctx context.Context, table string, pkColumn string) (int64, int64, error) {
	var minPK, maxPK sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MIN(%s), MAX(%s) FROM %s",
		quoteIdent(pkColumn), quoteIdent(pkColumn), quoteIdent(table))).Scan(&minPK, &maxPK)
	if err != nil {
		return 0, 0, xerrors.Errorf("unable to read pk bounds of %s: %w", table, mapError(err))
	}
	if !minPK.Valid {
		return 0, 0, nil
	}
	return minPK.Int64, maxPK.Int64, nil
}

func (s *Storage) ScanRange(ctx context.Context, q abstract.RangeQuery, batchSize func() int, push func(ctx context.Context, batch *abstract.RowBatch) error) error {
	info, err := s.DescribeTable(ctx, q.Table)
	if err != nil {
		return err
	}
	columns, exprs := selectList(info, q.ColumnExprs)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s >= ? AND %s %s ? ORDER BY %s",
		strings.Join(exprs, ", "), quoteIdent(q.Table),
		quoteIdent(q.PKColumn), quoteIdent(q.PKColumn), endOp(q), quoteIdent(q.PKColumn)),
		q.Start, q.End)
	if err != nil {
		return xerrors.Errorf("unable to scan range of %s: %w", q.Table, mapError(err))
	}
	defer rows.Close()

	batch := &abstract.RowBatch{Columns: columns}
	scanDest := make([]interface{}, len(columns))
	for rows.Next() {
		values := make([]interface{}, len(columns))
		for i := range values {
			scanDest[i] = &values[i]
		}
		if err := rows.Scan(scanDest...); err != nil {
			return xerrors.Errorf("unable to read row of %s: %w", q.Table, mapError(err))
		}
		batch.Rows = append(batch.Rows, values)
		batch.Bytes += abstract.ApproxRowBytes(values)
		if batch.Len() >= batchSize() {
			if err := push(ctx, batch); err != nil {
				return err
			}
			batch = &abstract.RowBatch{Columns: columns}
		}
	}
	if err := rows.Err(); err != nil {
		return xerrors.Errorf("unable to finish scan of %s: %w", q.Table, mapError(err))
	}
	if batch.Len() > 0 {
		return push(ctx, batch)
	}
	return nil
}

func (s *Storage) ExactRangeCount(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	return exactRangeCount(ctx, s.db, q)
}

func exactRangeCount(ctx context.Context, db *sqlx.DB, q abstract.RangeQuery) (uint64, error) {
	var count int64
	err := db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s >= ? AND %s %s ?",
		quoteIdent(q.Table), quoteIdent(q.PKColumn), quoteIdent(q.PKColumn), endOp(q)),
		q.Start, q.End).Scan(&count)
	if err != nil {
		return 0, xerrors.Errorf("unable to count range of %s: %w", q.Table, mapError(err))
	}
	return uint64(count), nil
}

func selectList(info *abstract.TableInfo, transforms map[string]string) ([]string, []string) {
	columns := make([]string, 0, len(info.Columns))
	exprs := make([]string, 0, len(info.Columns))
	for _, col := range info.Columns {
		columns = append(columns, col.Name)
		if expr, ok := transforms[col.Name]; ok && expr != "" {
			exprs = append(exprs, fmt.Sprintf("(%s) AS %s", expr, quoteIdent(col.Name)))
		} else {
			exprs = append(exprs, quoteIdent(col.Name))
		}
	}
	return columns, exprs
}

func endOp(q abstract.RangeQuery) string {
	if q.EndInclusive {
		return "<="
	}
	return "<"
}
