package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Storage reads a PostgreSQL source. Row estimates come from planner
// statistics, never from count(*) over the whole table.
type Storage struct {
	pool   *pgxpool.Pool
	params *abstract.ConnParams
}

func NewStorage(ctx context.Context, params *abstract.ConnParams) (*Storage, error) {
	pool, err := newPool(ctx, params)
	if err != nil {
		return nil, err
	}
	return &Storage{pool: pool, params: params}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

func (s *Storage) DiscoverTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		return nil, xerrors.Errorf("unable to list tables: %w", mapError(err))
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, xerrors.Errorf("unable to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (s *Storage) DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error) {
	return describeTable(ctx, s.pool, table)
}

func describeTable(ctx context.Context, pool *pgxpool.Pool, table string) (*abstract.TableInfo, error) {
	rows, err := pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable = 'NO', column_default IS NOT NULL
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, xerrors.Errorf("unable to describe table %s: %w", table, mapError(err))
	}
	defer rows.Close()
	info := &abstract.TableInfo{Name: table}
	for rows.Next() {
		var col abstract.ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type, &col.NotNull, &col.HasDefault); err != nil {
			return nil, xerrors.Errorf("unable to scan column of %s: %w", table, err)
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("unable to read columns of %s: %w", table, err)
	}
	if len(info.Columns) == 0 {
		return nil, xerrors.Errorf("table %s does not exist", table)
	}

	pkRows, err := pool.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY (i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary`, quoteIdent(table))
	if err != nil {
		return nil, xerrors.Errorf("unable to read primary key of %s: %w", table, mapError(err))
	}
	defer pkRows.Close()
	var pkColumns []string
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			return nil, xerrors.Errorf("unable to scan pk column of %s: %w", table, err)
		}
		pkColumns = append(pkColumns, name)
	}
	if len(pkColumns) == 1 {
		info.PKColumn = pkColumns[0]
		if col := info.Column(info.PKColumn); col != nil {
			col.PrimaryKey = true
		}
	}

	// reltuples is a statistics estimate; -1 means never analyzed. An exact
	// count is the fallback, not the default.
	var eta sql.NullFloat64
	if err := pool.QueryRow(ctx,
		`SELECT reltuples FROM pg_class WHERE oid = $1::regclass`, quoteIdent(table)).Scan(&eta); err != nil {
		return nil, xerrors.Errorf("unable to estimate rows of %s: %w", table, mapError(err))
	}
	if eta.Valid && eta.Float64 > 0 {
		info.EtaRows = uint64(eta.Float64)
	} else {
		var exact int64
		if err := pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT count(*) FROM %s`, quoteIdent(table))).Scan(&exact); err != nil {
			return nil, xerrors.Errorf("unable to count rows of %s: %w", table, mapError(err))
		}
		info.EtaRows = uint64(exact)
	}
	return info, nil
}

func (s *Storage) PKBounds(ctx context.Context, table string, pkColumn string) (int64, int64, error) {
	var minPK, maxPK sql.NullInt64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT min(%s), max(%s) FROM %s`,
		quoteIdent(pkColumn), quoteIdent(pkColumn), quoteIdent(table))).Scan(&minPK, &maxPK)
	if err != nil {
		return 0, 0, xerrors.Errorf("unable to read pk bounds of %s: %w", table, mapError(err))
	}
	if !minPK.Valid {
		return 0, 0, nil
	}
	return minPK.Int64, maxPK.Int64, nil
}

// ScanRange streams the range in pk order, pushing one bounded batch at a
// time. batchSize is consulted before each batch so a resize decision takes
// effect mid-chunk.
func (s *Storage) ScanRange(ctx context.Context, q abstract.RangeQuery, batchSize func() int, push func(ctx context.Context, batch *abstract.RowBatch) error) error {
	info, err := s.DescribeTable(ctx, q.Table)
	if err != nil {
		return err
	}
	columns, exprs := selectList(info, q.ColumnExprs)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s >= $1 AND %s %s $2 ORDER BY %s`,
		strings.Join(exprs, ", "), quoteIdent(q.Table),
		quoteIdent(q.PKColumn), quoteIdent(q.PKColumn), endOp(q), quoteIdent(q.PKColumn)),
		q.Start, q.End)
	if err != nil {
		return xerrors.Errorf("unable to scan range of %s: %w", q.Table, mapError(err))
	}
	defer rows.Close()

	batch := &abstract.RowBatch{Columns: columns}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
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
	return exactRangeCount(ctx, s.pool, q)
}

func exactRangeCount(ctx context.Context, pool *pgxpool.Pool, q abstract.RangeQuery) (uint64, error) {
	var count int64
	err := pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE %s >= $1 AND %s %s $2`,
		quoteIdent(q.Table), quoteIdent(q.PKColumn), quoteIdent(q.PKColumn), endOp(q)),
		q.Start, q.End).Scan(&count)
	if err != nil {
		return 0, xerrors.Errorf("unable to count range of %s: %w", q.Table, mapError(err))
	}
	return uint64(count), nil
}

// selectList renders one select expression per column, substituting transform
// expressions where the mapping defines them.
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

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
