package usagi

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
)

// Validity defaults for rows whose export carries no dates.
var (
	DefaultValidStartDate = civil.Date{Year: 1970, Month: time.January, Day: 1}
	DefaultValidEndDate   = civil.Date{Year: 2099, Month: time.December, Day: 31}
)

const (
	createTemplate        = "stage/usagi_create"
	insertTemplate        = "stage/usagi_insert"
	conceptCreateTemplate = "stage/custom_concept_create"
	conceptInsertTemplate = "stage/custom_concept_insert"

	// ParamsPerRow is the number of bind values one staged row uses.
	ParamsPerRow = 9
	// ConceptParamsPerRow is the same for a staged custom concept.
	ConceptParamsPerRow = 10

	mssqlMaxParams = 2100
)

// MaxBatchRows caps configured to what the dialect can bind in one statement.
func MaxBatchRows(d dialect.Dialect, configured int) int {
	return maxRows(d, configured, ParamsPerRow)
}

func maxRows(d dialect.Dialect, configured, perRow int) int {
	if configured < 1 {
		configured = 1
	}
	if d == dialect.MSSQL && configured*perRow > mssqlMaxParams {
		return mssqlMaxParams / perRow
	}
	return configured
}

// Stager renders the statements that load mapping records into a usagi work table.
type Stager struct {
	renderer         *templates.Renderer
	dialect          dialect.Dialect
	base             templates.Context
	batchSize        int
	conceptBatchSize int
}

// NewStager creates a stager. base must carry the work catalog and schema.
func NewStager(renderer *templates.Renderer, d dialect.Dialect, base templates.Context, batchSize int) *Stager {
	return &Stager{
		renderer:         renderer,
		dialect:          d,
		base:             base,
		batchSize:        MaxBatchRows(d, batchSize),
		conceptBatchSize: maxRows(d, batchSize, ConceptParamsPerRow),
	}
}

// BatchSize is the effective number of rows per insert.
func (s *Stager) BatchSize() int { return s.batchSize }

// Statements returns the create-or-replace of the usagi table for
// omopTable.column followed by one insert per batch of records.
func (s *Stager) Statements(omopTable, column string, records []models.MappingRecord) ([]*templates.RenderedStatement, error) {
	ctx := s.base.
		With(templates.VarOmopTable, omopTable).
		With(templates.VarConceptIDCol, column).
		With(templates.VarUsagiTable, models.UsagiTableName(omopTable, column))

	create, err := s.renderer.Render(createTemplate, s.dialect, ctx)
	if err != nil {
		return nil, err
	}
	stmts := []*templates.RenderedStatement{create}

	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		stmt, err := s.renderer.Render(insertTemplate, s.dialect, ctx.Merge(batchContext(records[start:end])))
		if err != nil {
			return nil, fmt.Errorf("usagi batch %d-%d: %w", start, end, err)
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// ConceptStatements returns the create-or-replace of the custom concept table
// for omopTable.column followed by one insert per batch of concepts.
func (s *Stager) ConceptStatements(omopTable, column string, concepts []models.CustomConcept) ([]*templates.RenderedStatement, error) {
	ctx := s.base.
		With(templates.VarOmopTable, omopTable).
		With(templates.VarConceptIDCol, column).
		With(templates.VarConceptTable, models.ConceptTableName(omopTable, column))

	create, err := s.renderer.Render(conceptCreateTemplate, s.dialect, ctx)
	if err != nil {
		return nil, err
	}
	stmts := []*templates.RenderedStatement{create}

	for start := 0; start < len(concepts); start += s.conceptBatchSize {
		end := min(start+s.conceptBatchSize, len(concepts))
		stmt, err := s.renderer.Render(conceptInsertTemplate, s.dialect, ctx.Merge(conceptBatchContext(concepts[start:end])))
		if err != nil {
			return nil, fmt.Errorf("concept batch %d-%d: %w", start, end, err)
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func conceptBatchContext(batch []models.CustomConcept) templates.Context {
	params := make(map[string]any, len(batch)*ConceptParamsPerRow)
	for i, c := range batch {
		params[fmt.Sprintf("concept_id_%d", i)] = c.ConceptID
		params[fmt.Sprintf("concept_name_%d", i)] = c.ConceptName
		params[fmt.Sprintf("domain_id_%d", i)] = c.DomainID
		params[fmt.Sprintf("vocabulary_id_%d", i)] = c.VocabularyID
		params[fmt.Sprintf("concept_class_id_%d", i)] = c.ConceptClassID
		params[fmt.Sprintf("standard_concept_%d", i)] = c.StandardConcept
		params[fmt.Sprintf("concept_code_%d", i)] = c.ConceptCode
		params[fmt.Sprintf("valid_start_date_%d", i)] = civil.DateOf(c.ValidStartDate)
		params[fmt.Sprintf("valid_end_date_%d", i)] = civil.DateOf(c.ValidEndDate)
		params[fmt.Sprintf("invalid_reason_%d", i)] = c.InvalidReason
	}
	return templates.Context{
		Vars:   map[string]any{templates.VarRowCount: len(batch)},
		Params: params,
	}
}

func batchContext(batch []models.MappingRecord) templates.Context {
	params := make(map[string]any, len(batch)*ParamsPerRow)
	for i, m := range batch {
		params[fmt.Sprintf("source_code_%d", i)] = m.SourceCode
		params[fmt.Sprintf("source_name_%d", i)] = m.SourceName
		params[fmt.Sprintf("source_vocabulary_id_%d", i)] = m.SourceVocabularyID
		params[fmt.Sprintf("mapping_status_%d", i)] = string(m.MappingStatus)
		params[fmt.Sprintf("target_concept_id_%d", i)] = m.TargetConceptID
		params[fmt.Sprintf("target_concept_name_%d", i)] = m.TargetConceptName
		params[fmt.Sprintf("target_domain_id_%d", i)] = m.TargetDomainID
		params[fmt.Sprintf("valid_start_date_%d", i)] = dateOr(m.ValidStartDate, DefaultValidStartDate)
		params[fmt.Sprintf("valid_end_date_%d", i)] = dateOr(m.ValidEndDate, DefaultValidEndDate)
	}
	return templates.Context{
		Vars:   map[string]any{templates.VarRowCount: len(batch)},
		Params: params,
	}
}

func dateOr(t *time.Time, def civil.Date) civil.Date {
	if t == nil {
		return def
	}
	return civil.DateOf(*t)
}
