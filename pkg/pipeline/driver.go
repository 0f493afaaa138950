package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/config"
	"github.com/ekaya-inc/ekaya-omop/pkg/etl"
	"github.com/ekaya-inc/ekaya-omop/pkg/logging"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
	"github.com/ekaya-inc/ekaya-omop/pkg/usagi"
	"github.com/ekaya-inc/ekaya-omop/pkg/validation"
)

const (
	workTableTemplate   = "stage/work_table"
	conceptIDSwapCreate = "map/concept_id_swap_create"
	conceptIDSwapInsert = "map/concept_id_swap_insert"
	conceptIDSwapSelect = "map/concept_id_swap_select"
	customConceptDelete = "map/custom_concept_delete"
	customConceptInsert = "map/custom_concept_insert"
	pkSwapCreate        = "map/pk_swap_create"
	pkSwapInsert        = "map/pk_swap_insert"
	conceptSwap         = "map/concept_swap"
	stcmDelete          = "load/source_to_concept_map_delete"
	stcmInsert          = "load/source_to_concept_map_insert"
	omopDelete          = "load/omop_delete"
	omopInsert          = "load/omop_insert"
	omopTruncate        = "load/omop_truncate"
	stcmInvalidate      = "post/source_to_concept_map_invalidate"
	dropWorkTable       = "cleanup/drop_table"
	truncateOmopTable   = "cleanup/truncate"
	cleanupSTCM         = "cleanup/source_to_concept_map_delete"
	cleanupConcepts     = "cleanup/custom_concept_delete"
	cleanupRelationship = "cleanup/concept_relationship_delete"
	cleanupAncestor     = "cleanup/concept_ancestor_delete"
	sourceToConceptMap  = "source_to_concept_map"

	usagiReadConcurrency = 4
)

// Options wires a Driver.
type Options struct {
	Renderer *templates.Renderer
	Adapter  *datasource.Adapter
	Policy   config.PipelineConfig
	Schemas  config.SchemasConfig
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

// Driver runs manifests against one backend.
type Driver struct {
	renderer  *templates.Renderer
	adapter   *datasource.Adapter
	executor  *etl.Executor
	validator *validation.Validator
	stager    *usagi.Stager
	pool      *WorkerPool
	policy    config.PipelineConfig
	schemas   config.SchemasConfig
	base      templates.Context
	now       func() time.Time
	logger    *zap.Logger

	// vocabMu serializes writes to the shared vocabulary tables:
	// concept_id_swap, CONCEPT and SOURCE_TO_CONCEPT_MAP.
	vocabMu sync.Mutex
}

// NewDriver creates a driver.
func NewDriver(opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	base := BaseContext(opts.Schemas, opts.Policy)
	d := opts.Adapter.Dialect()

	return &Driver{
		renderer:  opts.Renderer,
		adapter:   opts.Adapter,
		executor:  etl.NewExecutor(opts.Adapter, logger),
		validator: validation.NewValidator(opts.Renderer, opts.Adapter, base, logger),
		stager:    usagi.NewStager(opts.Renderer, d, base, opts.Policy.InsertBatchSize),
		pool:      NewWorkerPool(WorkerPoolConfig{MaxConcurrent: opts.Policy.MaxParallelTables}, logger),
		policy:    opts.Policy,
		schemas:   opts.Schemas,
		base:      base,
		now:       now,
		logger:    logger.Named("pipeline"),
	}
}

// Run processes every table of m. The summary lists every table, whatever
// its outcome. The error is non-nil when the run was canceled, a template
// could not be rendered, or the post-run step failed.
func (d *Driver) Run(ctx context.Context, m *Manifest) (*models.RunSummary, error) {
	levels, err := m.Levels()
	if err != nil {
		return nil, err
	}

	started := d.now()
	etlStart, err := d.etlStart(started)
	if err != nil {
		return nil, err
	}
	summary := &models.RunSummary{
		RunID:     uuid.New(),
		Dialect:   string(d.adapter.Dialect()),
		StartedAt: started,
	}
	logger := d.logger.With(zap.String("run_id", summary.RunID.String()))
	logger.Info("Starting run",
		zap.String("dialect", summary.Dialect),
		zap.Int("tables", len(m.Tables)),
		zap.Int("levels", len(levels)),
		zap.String("etl_start", etlStart.String()))

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	reports := make(map[string]*models.TableReport, len(m.Tables))
	for i, level := range levels {
		var items []WorkItem[*models.TableReport]
		for _, spec := range level {
			if reason := blockedBy(runCtx, spec, reports); reason != "" {
				reports[spec.Name] = d.abortedReport(spec.Name, reason)
				logger.Warn("Table not started", zap.String("table", spec.Name), zap.String("reason", reason))
				continue
			}
			items = append(items, WorkItem[*models.TableReport]{
				ID: spec.Name,
				Execute: func(ctx context.Context) (*models.TableReport, error) {
					report, err := d.runTable(ctx, m, spec, etlStart)
					if err != nil {
						cancelRun(err)
					}
					return report, err
				},
			})
		}

		logger.Debug("Running level", zap.Int("level", i), zap.Int("tables", len(items)))
		for _, r := range Process(runCtx, d.pool, items, nil) {
			if r.Result == nil {
				reports[r.ID] = d.abortedReport(r.ID, "run canceled: "+cancelReason(runCtx))
				continue
			}
			reports[r.ID] = r.Result
		}
	}

	for _, spec := range m.Tables {
		summary.Tables = append(summary.Tables, *reports[spec.Name])
	}

	var postErr error
	if runCtx.Err() == nil {
		summary.PostSteps, postErr = d.post(runCtx, etlStart)
	}
	summary.FinishedAt = d.now()

	counts := summary.CountByState()
	logger.Info("Run finished",
		zap.Int("loaded", counts[models.TableStateLoaded]),
		zap.Int("validation_failed", counts[models.TableStateValidationFailed]),
		zap.Int("failed", counts[models.TableStateFailed]),
		zap.Int("aborted", counts[models.TableStateAborted]),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)))

	if runCtx.Err() != nil {
		return summary, context.Cause(runCtx)
	}
	return summary, postErr
}

func (d *Driver) etlStart(started time.Time) (civil.Date, error) {
	if d.policy.ETLStart == "" {
		return civil.DateOf(started), nil
	}
	date, err := civil.ParseDate(d.policy.ETLStart)
	if err != nil {
		return civil.Date{}, fmt.Errorf("etl_start: %w", err)
	}
	return date, nil
}

// post marks mappings not refreshed by this run as invalid.
func (d *Driver) post(ctx context.Context, etlStart civil.Date) ([]models.StepResult, error) {
	stmt, err := d.renderer.Render(stcmInvalidate, d.adapter.Dialect(), d.base.WithParam(templates.ParamETLStart, etlStart))
	if err != nil {
		return nil, err
	}
	return d.executor.Run(ctx, []*templates.RenderedStatement{stmt})
}

func blockedBy(ctx context.Context, spec TableSpec, reports map[string]*models.TableReport) string {
	if ctx.Err() != nil {
		return "run canceled: " + cancelReason(ctx)
	}
	for _, dep := range spec.DependsOn {
		r, ok := reports[dep]
		if !ok {
			return fmt.Sprintf("dependency %s did not run", dep)
		}
		if r.State != models.TableStateLoaded {
			return fmt.Sprintf("dependency %s is %s", dep, r.State)
		}
	}
	return ""
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return logging.SanitizeError(cause)
	}
	return "context done"
}

func (d *Driver) abortedReport(table, reason string) *models.TableReport {
	now := d.now()
	return &models.TableReport{
		Table:      table,
		State:      models.TableStateAborted,
		Steps:      []models.StepResult{},
		Failure:    reason,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// tableRun tracks one table through its states.
type tableRun struct {
	d      *Driver
	spec   TableSpec
	report *models.TableReport
	logger *zap.Logger
}

func (t *tableRun) advance(next models.TableState) {
	state, err := t.report.State.Transition(next)
	if err != nil {
		t.logger.Error("Rejected table state change", zap.Error(err))
		return
	}
	t.report.State = state
	t.logger.Info("Table state changed", zap.String("state", string(state)))
}

// fail ends the run of the table. Only template errors are returned, since
// they make the rest of the run pointless.
func (t *tableRun) fail(err error) (*models.TableReport, error) {
	next := models.TableStateFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		next = models.TableStateAborted
	}
	t.advance(next)
	t.report.Failure = logging.SanitizeError(err)
	t.report.FinishedAt = t.d.now()

	var te *apperrors.TemplateError
	if errors.As(err, &te) {
		return t.report, err
	}
	return t.report, nil
}

func (t *tableRun) execute(ctx context.Context, stmts []*templates.RenderedStatement, opts ...etl.Option) error {
	opts = append([]etl.Option{etl.WithStartIndex(len(t.report.Steps))}, opts...)
	results, err := t.d.executor.Run(ctx, stmts, opts...)
	t.report.Steps = append(t.report.Steps, results...)
	return err
}

func (t *tableRun) warn(msg string) {
	t.report.Warnings = append(t.report.Warnings, msg)
}

// tableShape is what the driver knows about an OMOP table before loading it.
type tableShape struct {
	columns    []string
	primaryKey string
	queries    []string
}

func (d *Driver) runTable(ctx context.Context, m *Manifest, spec TableSpec, etlStart civil.Date) (*models.TableReport, error) {
	t := &tableRun{
		d:    d,
		spec: spec,
		report: &models.TableReport{
			Table:     spec.Name,
			State:     models.TableStatePending,
			Steps:     []models.StepResult{},
			StartedAt: d.now(),
		},
		logger: d.logger.With(zap.String("table", spec.Name)),
	}

	shape, err := d.shape(ctx, spec)
	if err != nil {
		return t.fail(err)
	}
	tctx := d.base.With(templates.VarOmopTable, spec.Name)

	assigned, err := d.customConcepts(ctx, m, t)
	if err != nil {
		return t.fail(err)
	}

	staging, err := d.stageStatements(ctx, m, t, tctx, shape, assigned)
	if err != nil {
		return t.fail(err)
	}
	if err := t.execute(ctx, staging); err != nil {
		return t.fail(err)
	}

	mapping, err := d.mapStatements(spec, tctx, shape)
	if err != nil {
		return t.fail(err)
	}
	if err := t.execute(ctx, mapping); err != nil {
		return t.fail(err)
	}
	t.advance(models.TableStateStaged)

	if ok, err := d.validate(ctx, t); err != nil {
		return t.fail(err)
	} else if !ok {
		t.report.FinishedAt = d.now()
		return t.report, nil
	}

	vocabulary, err := d.vocabularyStatements(spec, tctx, etlStart)
	if err != nil {
		return t.fail(err)
	}
	loading, err := d.loadStatements(spec, tctx, shape)
	if err != nil {
		return t.fail(err)
	}
	var opts []etl.Option
	if d.policy.TransactionalLoad {
		opts = append(opts, etl.Transactional())
	}
	if err := d.refreshVocabulary(ctx, t, vocabulary, opts...); err != nil {
		return t.fail(err)
	}
	if err := t.execute(ctx, loading, opts...); err != nil {
		return t.fail(err)
	}
	t.advance(models.TableStateLoaded)
	t.report.FinishedAt = d.now()
	return t.report, nil
}

// shape resolves columns and key from the manifest, falling back to the
// OMOP schema, and lists the source queries of the table.
func (d *Driver) shape(ctx context.Context, spec TableSpec) (tableShape, error) {
	s := tableShape{columns: spec.Columns, primaryKey: spec.PrimaryKey}

	if len(s.columns) == 0 || s.primaryKey == "" {
		cols, err := d.adapter.Columns(ctx, d.schemas.OmopCatalog, d.schemas.OmopSchema, spec.Name)
		if err != nil {
			return s, fmt.Errorf("discover columns of %s: %w", spec.Name, err)
		}
		if len(cols) == 0 && len(s.columns) == 0 {
			return s, fmt.Errorf("table %s not found in schema %s", spec.Name, d.schemas.OmopSchema)
		}
		if len(s.columns) == 0 {
			s.columns = datasource.ColumnNames(cols)
		}
		if s.primaryKey == "" {
			s.primaryKey = datasource.PrimaryKey(cols)
		}
	}
	for _, c := range append(spec.ConceptColumns(), spec.ForeignKeyColumns()...) {
		if !slices.Contains(s.columns, c) {
			return s, fmt.Errorf("column %s is not a column of %s", c, spec.Name)
		}
	}
	if spec.AutoNumber && !slices.Contains(s.columns, s.primaryKey) {
		return s, fmt.Errorf("table %s is auto numbered but has no primary key column", spec.Name)
	}

	if len(spec.Queries) > 0 {
		s.queries = spec.Queries
	} else {
		prefix := templates.SourceQueryName(spec.Name, "")
		for _, name := range d.renderer.Registry().NamesWithPrefix(prefix) {
			s.queries = append(s.queries, strings.TrimPrefix(name, prefix))
		}
	}
	return s, nil
}

func (d *Driver) stageStatements(ctx context.Context, m *Manifest, t *tableRun, tctx templates.Context, shape tableShape,
	assigned map[string][]assignedConcept) ([]*templates.RenderedStatement, error) {
	var stmts []*templates.RenderedStatement

	for _, c := range t.spec.Concepts {
		files, err := m.UsagiFiles(c)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 && len(assigned[c.Column]) == 0 {
			t.warn(fmt.Sprintf("no usagi files for %s.%s", t.spec.Name, c.Column))
		}
		results, err := usagi.ReadFiles(ctx, files, usagi.ReadOptions{
			Encoding:           d.policy.CSVEncoding,
			SourceVocabularyID: t.spec.VocabularyID(c),
			Concurrency:        usagiReadConcurrency,
		})
		if err != nil {
			return nil, err
		}

		var records []models.MappingRecord
		for _, r := range results {
			records = append(records, r.Records...)
			for _, w := range r.Warnings {
				t.warn(w.String())
			}
		}
		records = withCustomConcepts(records, assigned[c.Column], t.spec.VocabularyID(c))
		t.logger.Debug("Read usagi mappings",
			zap.String("column", c.Column),
			zap.Int("files", len(files)),
			zap.Int("records", len(records)))

		batch, err := d.stager.Statements(t.spec.Name, c.Column, records)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, batch...)
	}

	for _, q := range shape.queries {
		stmt, err := d.renderer.RenderWrapped(workTableTemplate, templates.SourceQueryName(t.spec.Name, q), d.adapter.Dialect(),
			tctx.With(templates.VarWorkTable, models.WorkTableName(t.spec.Name, q)))
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func (d *Driver) mapStatements(spec TableSpec, tctx templates.Context, shape tableShape) ([]*templates.RenderedStatement, error) {
	fkColumns := spec.ForeignKeyColumns()
	fkSwaps := make([]string, len(fkColumns))
	for i, c := range fkColumns {
		fkSwaps[i] = models.PKSwapTableName(spec.ForeignKeys[c])
	}
	mctx := tctx.
		With(templates.VarColumns, shape.columns).
		With(templates.VarUsagiColumns, spec.ConceptColumns()).
		With(templates.VarPrimaryKey, shape.primaryKey).
		With(templates.VarPKAutoNumbering, spec.AutoNumber).
		With(templates.VarPKSwapTable, models.PKSwapTableName(spec.Name)).
		With(templates.VarForeignKeyColumns, fkColumns).
		With(templates.VarForeignKeySwaps, fkSwaps)

	var names []string
	var contexts []templates.Context
	if spec.AutoNumber {
		names = append(names, pkSwapCreate)
		contexts = append(contexts, mctx)
	}
	for _, q := range shape.queries {
		qctx := mctx.
			With(templates.VarWorkTable, models.WorkTableName(spec.Name, q)).
			With(templates.VarMappedTable, models.MappedTableName(spec.Name, q))
		if spec.AutoNumber {
			names = append(names, pkSwapInsert)
			contexts = append(contexts, qctx)
		}
		names = append(names, conceptSwap)
		contexts = append(contexts, qctx)
	}
	return d.renderAll(names, contexts)
}

// validate runs the duplicate check of every mapped column. It reports false
// when the table must not load.
func (d *Driver) validate(ctx context.Context, t *tableRun) (bool, error) {
	var findings []models.ValidationFinding
	total := 0
	for _, c := range t.spec.Concepts {
		report, step, err := d.validator.Check(ctx, validation.DuplicateCheck{
			OmopTable:           t.spec.Name,
			ConceptIDColumn:     c.Column,
			IncludeSemiApproved: d.policy.ProcessSemiApprovedMappings,
			Limit:               d.policy.DuplicateSampleLimit,
		})
		step.Index = len(t.report.Steps)
		t.report.Steps = append(t.report.Steps, step)
		if err != nil {
			return false, err
		}
		findings = append(findings, report.Findings...)
		total += report.TotalCount
	}
	t.report.Findings = findings
	t.report.TotalCount = total

	if total > d.policy.DuplicateTolerance {
		vf := &apperrors.ValidationFailure{Table: t.spec.Name, Findings: findings, TotalCount: total}
		if !d.policy.WarnOnValidationFailure {
			t.advance(models.TableStateValidationFailed)
			t.report.Failure = vf.Error()
			return false, nil
		}
		t.warn(vf.Error())
	} else if total > 0 {
		t.warn(fmt.Sprintf("%d duplicate mapping group(s) within tolerance %d", total, d.policy.DuplicateTolerance))
	}
	t.advance(models.TableStateValidated)
	return true, nil
}

// vocabularyStatements refresh the SOURCE_TO_CONCEPT_MAP rows of every
// mapped column. Only rows equal to a staged mapping are replaced, so columns
// and tables sharing a source vocabulary keep each other's mappings.
func (d *Driver) vocabularyStatements(spec TableSpec, tctx templates.Context, etlStart civil.Date) ([]*templates.RenderedStatement, error) {
	var names []string
	var contexts []templates.Context
	for _, c := range spec.Concepts {
		cctx := tctx.
			With(templates.VarConceptIDCol, c.Column).
			With(templates.VarUsagiTable, models.UsagiTableName(spec.Name, c.Column))
		names = append(names, stcmDelete, stcmInsert)
		contexts = append(contexts, cctx, cctx.WithParam(templates.ParamETLStart, etlStart))
	}
	return d.renderAll(names, contexts)
}

// refreshVocabulary runs stmts while no other table writes vocabulary rows.
func (d *Driver) refreshVocabulary(ctx context.Context, t *tableRun, stmts []*templates.RenderedStatement, opts ...etl.Option) error {
	if len(stmts) == 0 {
		return nil
	}
	d.vocabMu.Lock()
	defer d.vocabMu.Unlock()
	return t.execute(ctx, stmts, opts...)
}

func (d *Driver) loadStatements(spec TableSpec, tctx templates.Context, shape tableShape) ([]*templates.RenderedStatement, error) {
	var names []string
	var contexts []templates.Context

	if shape.primaryKey == "" && len(shape.queries) > 0 {
		names = append(names, omopTruncate)
		contexts = append(contexts, tctx)
	}
	for _, q := range shape.queries {
		qctx := tctx.
			With(templates.VarMappedTable, models.MappedTableName(spec.Name, q)).
			With(templates.VarColumns, shape.columns)
		if shape.primaryKey != "" {
			names = append(names, omopDelete)
			contexts = append(contexts, qctx.With(templates.VarPrimaryKey, shape.primaryKey))
		}
		names = append(names, omopInsert)
		contexts = append(contexts, qctx)
	}
	return d.renderAll(names, contexts)
}

func (d *Driver) renderAll(names []string, contexts []templates.Context) ([]*templates.RenderedStatement, error) {
	stmts := make([]*templates.RenderedStatement, 0, len(names))
	for i, name := range names {
		stmt, err := d.renderer.Render(name, d.adapter.Dialect(), contexts[i])
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}
