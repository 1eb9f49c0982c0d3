package planner

import (
	"context"
	"sort"
	"time"

	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/abstract"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/errors/coded"
	"github.com/dataferry/dataferry/pkg/errors/codes"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

// TargetSchema is the slice of the sink the planner needs: it validates the
// mappings against the target tables without writing a single row.
type TargetSchema interface {
	DescribeTable(ctx context.Context, table string) (*abstract.TableInfo, error)
}

// Planner inspects the source, splits every table into pk ranges and writes
// the whole plan into the catalog in one transaction. It runs once per job,
// before any worker claims anything.
type Planner struct {
	catalog catalog.Catalog
	storage abstract.Storage
	target  TargetSchema

	chunkSize  int
	maxRetries int
}

func New(cat catalog.Catalog, storage abstract.Storage, target TargetSchema, chunkSize int, maxRetries int) *Planner {
	return &Planner{
		catalog:    cat,
		storage:    storage,
		target:     target,
		chunkSize:  chunkSize,
		maxRetries: maxRetries,
	}
}

// Plan moves the job through planning and leaves it pending with its tables
// and chunks persisted. A defective table is recorded as failed with its
// reason and the rest of the plan proceeds; the job itself fails only when
// not a single table could be planned.
func (p *Planner) Plan(ctx context.Context, job *abstract.Job) error {
	if err := p.catalog.UpdateJobStatus(ctx, job.ID, abstract.JobPlanning, ""); err != nil {
		return xerrors.Errorf("unable to move job %s to planning: %w", job.ID, err)
	}

	tableNames, err := p.sourceTables(ctx, job)
	if err != nil {
		return p.failPlanning(ctx, job, err)
	}

	chunkSize := job.Spec.ChunkSize
	if chunkSize <= 0 {
		chunkSize = p.chunkSize
	}
	maxRetries := job.Spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.maxRetries
	}

	var tables []*abstract.Table
	var chunks []*abstract.Chunk
	var tableErrs error
	planned := 0
	for _, name := range tableNames {
		table, tableChunks, err := p.planTable(ctx, job, name, chunkSize, maxRetries)
		if err != nil {
			tableErrs = multierror.Append(tableErrs, xerrors.Errorf("table %s: %w", name, err))
			logger.Log.Warn("table excluded from plan",
				log.String("job_id", job.ID),
				log.String("table", name),
				log.Error(err))
			tables = append(tables, &abstract.Table{
				ID:        uuid.New().String(),
				JobID:     job.ID,
				Name:      name,
				Status:    abstract.TableFailed,
				LastError: err.Error(),
			})
			continue
		}
		planned++
		tables = append(tables, table)
		chunks = append(chunks, tableChunks...)
	}
	if planned == 0 && tableErrs != nil {
		return p.failPlanning(ctx, job, tableErrs)
	}

	if err := p.catalog.InsertTablesAndChunks(ctx, job.ID, tables, chunks); err != nil {
		return p.failPlanning(ctx, job, xerrors.Errorf("unable to persist plan: %w", err))
	}
	if err := p.catalog.UpdateJobStatus(ctx, job.ID, abstract.JobPending, ""); err != nil {
		return xerrors.Errorf("unable to move job %s back to pending: %w", job.ID, err)
	}
	logger.Log.Info("planned migration job",
		log.String("job_id", job.ID),
		log.Int("tables", planned),
		log.Int("skipped_tables", len(tables)-planned),
		log.Int("chunks", len(chunks)))
	return nil
}

func (p *Planner) sourceTables(ctx context.Context, job *abstract.Job) ([]string, error) {
	if len(job.Spec.Mappings) > 0 {
		names := make([]string, 0, len(job.Spec.Mappings))
		for name := range job.Spec.Mappings {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	names, err := p.storage.DiscoverTables(ctx)
	if err != nil {
		return nil, xerrors.Errorf("unable to discover source tables: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Planner) planTable(ctx context.Context, job *abstract.Job, name string, chunkSize int, maxRetries int) (*abstract.Table, []*abstract.Chunk, error) {
	info, err := p.storage.DescribeTable(ctx, name)
	if err != nil {
		return nil, nil, xerrors.Errorf("unable to describe table: %w", err)
	}
	if info.PKColumn == "" {
		return nil, nil, coded.Errorf(codes.NoPrimaryKey, "table %s has no single-column primary key", name)
	}
	pkCol := info.Column(info.PKColumn)
	if pkCol == nil || !IntegerPK(pkCol) {
		pkType := "unknown"
		if pkCol != nil {
			pkType = pkCol.Type
		}
		return nil, nil, coded.Errorf(codes.NonIntegerPrimaryKey,
			"table %s primary key %s has non-integer type %s", name, info.PKColumn, pkType)
	}
	if err := p.checkMapping(ctx, job, name, info); err != nil {
		return nil, nil, err
	}

	table := &abstract.Table{
		ID:       uuid.New().String(),
		JobID:    job.ID,
		Name:     name,
		PKColumn: info.PKColumn,
		Status:   abstract.TablePending,
	}
	if info.EtaRows == 0 {
		// Nothing to move: the table completes without a single chunk.
		table.Status = abstract.TableCompleted
		return table, nil, nil
	}

	minPK, maxPK, err := p.storage.PKBounds(ctx, name, info.PKColumn)
	if err != nil {
		return nil, nil, xerrors.Errorf("unable to read pk bounds: %w", err)
	}
	ranges := SplitRange(minPK, maxPK, ChunkCount(info.EtaRows, chunkSize))
	table.TotalRows = info.EtaRows
	table.TotalChunks = len(ranges)

	chunks := make([]*abstract.Chunk, 0, len(ranges))
	for _, r := range ranges {
		chunks = append(chunks, &abstract.Chunk{
			ID:             uuid.New().String(),
			JobID:          job.ID,
			TableID:        table.ID,
			TableName:      name,
			PKStart:        r.Start,
			PKEnd:          r.End,
			PKEndInclusive: r.EndInclusive,
			Status:         abstract.ChunkPending,
			MaxRetries:     maxRetries,
		})
	}
	return table, chunks, nil
}

// checkMapping rejects mappings that reference columns the source table does
// not have, and mappings that leave a mandatory target column unfed, before a
// single row moves.
func (p *Planner) checkMapping(ctx context.Context, job *abstract.Job, table string, info *abstract.TableInfo) error {
	var mapping *abstract.TableMapping
	if m, ok := job.Spec.Mappings[table]; ok {
		mapping = &m
		for column := range m.ColumnMapping {
			if info.Column(column) == nil {
				return coded.Errorf(codes.MappingIncomplete,
					"mapping of table %s references unknown column %s", table, column)
			}
		}
		for column := range m.Transforms {
			if info.Column(column) == nil {
				return coded.Errorf(codes.MappingIncomplete,
					"transform of table %s references unknown column %s", table, column)
			}
		}
	}

	targetTable := mapping.TargetTableName(table)
	targetInfo, err := p.target.DescribeTable(ctx, targetTable)
	if err != nil {
		return xerrors.Errorf("unable to describe target table %s: %w", targetTable, err)
	}
	fed := make(map[string]bool, len(info.Columns))
	for _, col := range info.Columns {
		fed[mapping.TargetColumn(col.Name)] = true
	}
	for _, col := range targetInfo.Columns {
		if fed[col.Name] {
			continue
		}
		if col.NotNull && !col.HasDefault {
			return coded.Errorf(codes.MappingIncomplete,
				"target table %s column %s is NOT NULL without a default and receives no source column",
				targetTable, col.Name)
		}
	}
	return nil
}

func (p *Planner) failPlanning(ctx context.Context, job *abstract.Job, planErr error) error {
	logger.Log.Error("planning failed",
		log.String("job_id", job.ID),
		log.Error(planErr))
	if err := p.catalog.UpdateJobStatus(ctx, job.ID, abstract.JobFailed, planErr.Error()); err != nil {
		logger.Log.Warn("unable to record planning failure", log.String("job_id", job.ID), log.Error(err))
	}
	return planErr
}

// EstimatePlanDuration is a coarse operator hint printed by the CLI.
func EstimatePlanDuration(totalChunks int, workers int, perChunk time.Duration) time.Duration {
	if workers < 1 {
		workers = 1
	}
	waves := (totalChunks + workers - 1) / workers
	return time.Duration(waves) * perChunk
}
