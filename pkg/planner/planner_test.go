package planner

import (
	"context"
	"testing"

	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/errors/codes"
	"github.com/stretchr/testify/require"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

type fakeTable struct {
	info   *abstract.TableInfo
	minPK  int64
	maxPK  int64
	desErr error
}

type fakeStorage struct {
	tables map[string]*fakeTable
}

func (f *fakeStorage) DiscoverTables(ctx context.Context) ([]string, error) {
	var names []string
	for name := range f.tables {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeStorage) DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error) {
	entry, ok := f.tables[table]
	if !ok {
		return nil, xerrors.Errorf("no such table %s", table)
	}
	if entry.desErr != nil {
		return nil, entry.desErr
	}
	return entry.info, nil
}

func (f *fakeStorage) PKBounds(ctx context.Context, table string, pkColumn string) (int64, int64, error) {
	entry := f.tables[table]
	return entry.minPK, entry.maxPK, nil
}

func (f *fakeStorage) ScanRange(ctx context.Context, q abstract.RangeQuery, batchSize func() int, push func(ctx context.Context, batch *abstract.RowBatch) error) error {
	return xerrors.New("not implemented")
}

func (f *fakeStorage) ExactRangeCount(ctx context.Context, q abstract.RangeQuery) (uint64, error) {
	return 0, xerrors.New("not implemented")
}

func (f *fakeStorage) Close() {}

func intTable(name string, rows uint64, minPK, maxPK int64) *fakeTable {
	return &fakeTable{
		info: &abstract.TableInfo{
			Name:     name,
			PKColumn: "id",
			Columns: []abstract.ColumnInfo{
				{Name: "id", Type: "bigint", NotNull: true, PrimaryKey: true},
				{Name: "email", Type: "text"},
				{Name: "created_at", Type: "timestamptz"},
			},
			EtaRows: rows,
		},
		minPK: minPK,
		maxPK: maxPK,
	}
}

func newJob(t *testing.T, cat catalog.Catalog, mappings map[string]abstract.TableMapping) *abstract.Job {
	t.Helper()
	job := &abstract.Job{
		ID: "job-" + t.Name(),
		Spec: abstract.JobSpec{
			Mappings:                mappings,
			ChunkSize:               100000,
			MaxRetries:              3,
			FailureThresholdPercent: 5,
		},
	}
	require.NoError(t, cat.CreateJob(context.Background(), job))
	return job
}

func TestSplitRangeBoundaries(t *testing.T) {
	ranges := SplitRange(1, 250000, 3)
	require.Equal(t, []PKRange{
		{Start: 1, End: 83334, EndInclusive: false},
		{Start: 83334, End: 166667, EndInclusive: false},
		{Start: 166667, End: 250000, EndInclusive: true},
	}, ranges)
}

func TestSplitRangeSingleChunk(t *testing.T) {
	ranges := SplitRange(10, 500, 1)
	require.Equal(t, []PKRange{{Start: 10, End: 500, EndInclusive: true}}, ranges)
}

func TestSplitRangeSparsePKs(t *testing.T) {
	// More chunks requested than pk values: collapse to one per value.
	ranges := SplitRange(5, 7, 10)
	require.Len(t, ranges, 3)
	require.Equal(t, PKRange{Start: 7, End: 7, EndInclusive: true}, ranges[2])
}

func TestSplitRangeCoversEveryValue(t *testing.T) {
	ranges := SplitRange(1, 1000, 7)
	require.Equal(t, int64(1), ranges[0].Start)
	last := ranges[len(ranges)-1]
	require.Equal(t, int64(1000), last.End)
	require.True(t, last.EndInclusive)
	for i := 1; i < len(ranges); i++ {
		require.Equal(t, ranges[i-1].End, ranges[i].Start)
	}
}

func TestChunkCount(t *testing.T) {
	require.Equal(t, 3, ChunkCount(250000, 100000))
	require.Equal(t, 1, ChunkCount(1, 100000))
	require.Equal(t, 1, ChunkCount(100000, 100000))
	require.Equal(t, 2, ChunkCount(100001, 100000))
	require.Equal(t, 0, ChunkCount(0, 100000))
}

func TestPlanHappyPath(t *testing.T) {
	cat := catalog.NewMemory()
	storage := &fakeStorage{tables: map[string]*fakeTable{
		"users": intTable("users", 250000, 1, 250000),
	}}
	job := newJob(t, cat, map[string]abstract.TableMapping{"users": {}})

	p := New(cat, storage, storage, 100000, 3)
	require.NoError(t, p.Plan(context.Background(), job))

	got, err := cat.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobPending, got.Status)
	require.Equal(t, 1, got.TotalTables)
	require.Equal(t, 3, got.TotalChunks)

	chunks, err := cat.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, "[1,83334)", chunks[0].Range())
	require.Equal(t, "[83334,166667)", chunks[1].Range())
	require.Equal(t, "[166667,250000]", chunks[2].Range())
	for _, chunk := range chunks {
		require.Equal(t, abstract.ChunkPending, chunk.Status)
		require.Equal(t, 3, chunk.MaxRetries)
	}
}

func TestPlanSkipsEmptyTable(t *testing.T) {
	cat := catalog.NewMemory()
	storage := &fakeStorage{tables: map[string]*fakeTable{
		"users":  intTable("users", 100, 1, 100),
		"events": intTable("events", 0, 0, 0),
	}}
	job := newJob(t, cat, map[string]abstract.TableMapping{"users": {}, "events": {}})

	p := New(cat, storage, storage, 100000, 3)
	require.NoError(t, p.Plan(context.Background(), job))

	tables, err := cat.GetTables(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	byName := map[string]*abstract.Table{}
	for _, table := range tables {
		byName[table.Name] = table
	}
	require.Equal(t, abstract.TableCompleted, byName["events"].Status)
	require.Equal(t, 0, byName["events"].TotalChunks)

	chunks, err := cat.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, "users", chunks[0].TableName)
}

func TestPlanRejectsMissingPK(t *testing.T) {
	cat := catalog.NewMemory()
	noPK := intTable("logs", 100, 1, 100)
	noPK.info.PKColumn = ""
	storage := &fakeStorage{tables: map[string]*fakeTable{"logs": noPK}}
	job := newJob(t, cat, map[string]abstract.TableMapping{"logs": {}})

	err := New(cat, storage, storage, 100000, 3).Plan(context.Background(), job)
	require.Error(t, err)
	require.True(t, codes.NoPrimaryKey.Contains(err))

	got, getErr := cat.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	require.Equal(t, abstract.JobFailed, got.Status)
	require.Contains(t, got.LastError, "logs")
}

func TestPlanRejectsNonIntegerPK(t *testing.T) {
	cat := catalog.NewMemory()
	uuidPK := intTable("sessions", 100, 1, 100)
	uuidPK.info.Columns[0].Type = "uuid"
	storage := &fakeStorage{tables: map[string]*fakeTable{"sessions": uuidPK}}
	job := newJob(t, cat, map[string]abstract.TableMapping{"sessions": {}})

	err := New(cat, storage, storage, 100000, 3).Plan(context.Background(), job)
	require.Error(t, err)
	require.True(t, codes.NonIntegerPrimaryKey.Contains(err))
}

func TestPlanRejectsUnknownMappedColumn(t *testing.T) {
	cat := catalog.NewMemory()
	storage := &fakeStorage{tables: map[string]*fakeTable{
		"users": intTable("users", 100, 1, 100),
	}}
	job := newJob(t, cat, map[string]abstract.TableMapping{
		"users": {ColumnMapping: map[string]string{"no_such_column": "renamed"}},
	})

	err := New(cat, storage, storage, 100000, 3).Plan(context.Background(), job)
	require.Error(t, err)
	require.True(t, codes.MappingIncomplete.Contains(err))
}

func TestPlanRejectsUnfedTargetColumn(t *testing.T) {
	cat := catalog.NewMemory()
	storage := &fakeStorage{tables: map[string]*fakeTable{
		"users": intTable("users", 100, 1, 100),
	}}
	// The target carries a mandatory column no source column maps onto.
	targetUsers := intTable("users", 0, 0, 0)
	targetUsers.info.Columns = append(targetUsers.info.Columns,
		abstract.ColumnInfo{Name: "tenant_id", Type: "bigint", NotNull: true})
	target := &fakeStorage{tables: map[string]*fakeTable{"users": targetUsers}}
	job := newJob(t, cat, map[string]abstract.TableMapping{"users": {}})

	err := New(cat, storage, target, 100000, 3).Plan(context.Background(), job)
	require.Error(t, err)
	require.True(t, codes.MappingIncomplete.Contains(err))
	require.Contains(t, err.Error(), "tenant_id")

	got, getErr := cat.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	require.Equal(t, abstract.JobFailed, got.Status)
}

func TestPlanAllowsOptionalTargetColumns(t *testing.T) {
	cat := catalog.NewMemory()
	storage := &fakeStorage{tables: map[string]*fakeTable{
		"users": intTable("users", 100, 1, 100),
	}}
	// Nullable and defaulted target columns need no feed; renamed columns
	// count as fed through the mapping.
	targetUsers := intTable("users", 0, 0, 0)
	targetUsers.info.Columns = append(targetUsers.info.Columns,
		abstract.ColumnInfo{Name: "note", Type: "text"},
		abstract.ColumnInfo{Name: "migrated_at", Type: "timestamptz", NotNull: true, HasDefault: true},
		abstract.ColumnInfo{Name: "mail", Type: "text", NotNull: true})
	target := &fakeStorage{tables: map[string]*fakeTable{"users": targetUsers}}
	job := newJob(t, cat, map[string]abstract.TableMapping{
		"users": {ColumnMapping: map[string]string{"email": "mail"}},
	})

	require.NoError(t, New(cat, storage, target, 100000, 3).Plan(context.Background(), job))
}

func TestPlanContinuesPastDefectiveTables(t *testing.T) {
	cat := catalog.NewMemory()
	noPK := intTable("a_logs", 100, 1, 100)
	noPK.info.PKColumn = ""
	uuidPK := intTable("b_sessions", 100, 1, 100)
	uuidPK.info.Columns[0].Type = "uuid"
	storage := &fakeStorage{tables: map[string]*fakeTable{
		"a_logs":     noPK,
		"b_sessions": uuidPK,
		"c_users":    intTable("c_users", 250000, 1, 250000),
	}}
	job := newJob(t, cat, map[string]abstract.TableMapping{"a_logs": {}, "b_sessions": {}, "c_users": {}})

	// Defective tables are recorded as failed, the healthy table still plans.
	require.NoError(t, New(cat, storage, storage, 100000, 3).Plan(context.Background(), job))

	got, err := cat.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, abstract.JobPending, got.Status)
	require.Equal(t, 3, got.TotalTables)
	require.Equal(t, 3, got.TotalChunks)

	tables, err := cat.GetTables(context.Background(), job.ID)
	require.NoError(t, err)
	byName := map[string]*abstract.Table{}
	for _, table := range tables {
		byName[table.Name] = table
	}
	require.Equal(t, abstract.TableFailed, byName["a_logs"].Status)
	require.Contains(t, byName["a_logs"].LastError, "primary key")
	require.Equal(t, abstract.TableFailed, byName["b_sessions"].Status)
	require.Contains(t, byName["b_sessions"].LastError, "non-integer")
	require.Equal(t, abstract.TablePending, byName["c_users"].Status)

	chunks, err := cat.GetChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		require.Equal(t, "c_users", chunk.TableName)
	}
}

func TestPlanFailsWhenEveryTableFails(t *testing.T) {
	cat := catalog.NewMemory()
	noPK := intTable("a_logs", 100, 1, 100)
	noPK.info.PKColumn = ""
	uuidPK := intTable("b_sessions", 100, 1, 100)
	uuidPK.info.Columns[0].Type = "uuid"
	storage := &fakeStorage{tables: map[string]*fakeTable{
		"a_logs":     noPK,
		"b_sessions": uuidPK,
	}}
	job := newJob(t, cat, map[string]abstract.TableMapping{"a_logs": {}, "b_sessions": {}})

	err := New(cat, storage, storage, 100000, 3).Plan(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "a_logs")
	require.Contains(t, err.Error(), "b_sessions")
	require.True(t, codes.NoPrimaryKey.Contains(err) || codes.NonIntegerPrimaryKey.Contains(err))

	got, getErr := cat.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	require.Equal(t, abstract.JobFailed, got.Status)

	chunks, getErr := cat.GetChunks(context.Background(), job.ID)
	require.NoError(t, getErr)
	require.Empty(t, chunks)
}

func TestPlanDiscoversWhenNoMappings(t *testing.T) {
	cat := catalog.NewMemory()
	storage := &fakeStorage{tables: map[string]*fakeTable{
		"users":  intTable("users", 100, 1, 100),
		"orders": intTable("orders", 100, 1, 100),
	}}
	job := newJob(t, cat, nil)

	require.NoError(t, New(cat, storage, storage, 100000, 3).Plan(context.Background(), job))
	tables, err := cat.GetTables(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, tables, 2)
}

func TestIntegerPKTypes(t *testing.T) {
	require.True(t, IntegerPK(&abstract.ColumnInfo{Type: "bigint"}))
	require.True(t, IntegerPK(&abstract.ColumnInfo{Type: "INT(11) unsigned"}))
	require.True(t, IntegerPK(&abstract.ColumnInfo{Type: "serial"}))
	require.False(t, IntegerPK(&abstract.ColumnInfo{Type: "uuid"}))
	require.False(t, IntegerPK(&abstract.ColumnInfo{Type: "varchar(36)"}))
}
