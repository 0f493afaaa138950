// Package validation runs SQL-side checks over staged mappings and turns
// their results into findings. Rows are streamed; nothing beyond the capped
// sample is held in memory.
package validation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
)

// DefaultSampleLimit caps the findings returned by one duplicate check.
const DefaultSampleLimit = 100

const duplicatesTemplate = "validate/usagi_duplicates"

// DuplicateCheck selects the usagi work table of one concept column.
type DuplicateCheck struct {
	OmopTable       string
	ConceptIDColumn string
	// WorkTable defaults to the usagi table of OmopTable and ConceptIDColumn.
	WorkTable           string
	IncludeSemiApproved bool
	Limit               int
}

func (c DuplicateCheck) workTable() string {
	if c.WorkTable != "" {
		return c.WorkTable
	}
	return models.UsagiTableName(c.OmopTable, c.ConceptIDColumn)
}

func (c DuplicateCheck) limit() int {
	if c.Limit <= 0 {
		return DefaultSampleLimit
	}
	return c.Limit
}

// Validator checks staged usagi tables on one backend.
type Validator struct {
	renderer *templates.Renderer
	adapter  *datasource.Adapter
	base     templates.Context
	logger   *zap.Logger
}

// NewValidator creates a validator. base must carry the work and OMOP
// catalog and schema variables.
func NewValidator(renderer *templates.Renderer, adapter *datasource.Adapter, base templates.Context, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{renderer: renderer, adapter: adapter, base: base, logger: logger.Named("validation")}
}

// CheckDuplicates reports (source_code, target_concept_id) pairs that occur
// more than once among active mappings.
func (v *Validator) CheckDuplicates(ctx context.Context, check DuplicateCheck) (models.DuplicateReport, error) {
	report, _, err := v.Check(ctx, check)
	return report, err
}

// Check is CheckDuplicates plus the attributable result of the query step.
func (v *Validator) Check(ctx context.Context, check DuplicateCheck) (models.DuplicateReport, models.StepResult, error) {
	var report models.DuplicateReport

	stmt, err := v.Render(check)
	if err != nil {
		return report, models.StepResult{Phase: models.PhaseValidate, Template: duplicatesTemplate, Table: check.OmopTable}, err
	}

	result := datasource.NewStepResult(stmt)
	result.Attempts = 1
	start := time.Now()
	report, err = v.collect(ctx, stmt, check)
	result.Duration = time.Since(start)
	if err != nil {
		datasource.MarkFailed(&result, err)
		return report, result, err
	}
	result.Status = models.StepStatusSuccess
	result.RowsAffected = int64(len(report.Findings))

	if report.TotalCount > 0 {
		v.logger.Warn("Duplicate mappings found",
			zap.String("table", check.OmopTable),
			zap.String("column", check.ConceptIDColumn),
			zap.Int("groups", report.TotalCount),
			zap.Bool("truncated", report.Truncated))
	}
	return report, result, nil
}

// Render builds the duplicate query for check.
func (v *Validator) Render(check DuplicateCheck) (*templates.RenderedStatement, error) {
	ctx := v.base.
		With(templates.VarOmopTable, check.OmopTable).
		With(templates.VarConceptIDCol, check.ConceptIDColumn).
		With(templates.VarUsagiTable, check.workTable()).
		With(templates.VarSampleLimit, check.limit()).
		With(templates.VarProcessSemi, check.IncludeSemiApproved)
	return v.renderer.Render(duplicatesTemplate, v.adapter.Dialect(), ctx)
}

func (v *Validator) collect(ctx context.Context, stmt *templates.RenderedStatement, check DuplicateCheck) (models.DuplicateReport, error) {
	report := models.DuplicateReport{Findings: []models.ValidationFinding{}}

	rows, err := v.adapter.ExecuteQuery(ctx, stmt)
	if err != nil {
		return report, err
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return report, err
		}
		if len(vals) < 6 {
			return report, fmt.Errorf("duplicate query returned %d columns, want 6", len(vals))
		}

		code := datasource.ValueString(vals[0])
		conceptID, err := datasource.ValueInt64(vals[1])
		if err != nil {
			return report, fmt.Errorf("target_concept_id: %w", err)
		}
		occurrences, err := datasource.ValueInt64(vals[2])
		if err != nil {
			return report, fmt.Errorf("occurrence_count: %w", err)
		}
		total, err := datasource.ValueInt64(vals[5])
		if err != nil {
			return report, fmt.Errorf("total_groups: %w", err)
		}
		report.TotalCount = int(total)

		report.Findings = append(report.Findings, models.ValidationFinding{
			RuleID:          models.RuleDuplicateMapping,
			Table:           check.OmopTable,
			ConceptIDColumn: check.ConceptIDColumn,
			OffendingKey:    fmt.Sprintf("%s->%d", code, conceptID),
			OccurrenceCount: occurrences,
			SampleDetail:    statusDetail(datasource.ValueString(vals[3]), datasource.ValueString(vals[4])),
		})
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	report.Truncated = report.TotalCount > len(report.Findings)
	return report, nil
}

func statusDetail(minStatus, maxStatus string) string {
	if minStatus == maxStatus {
		return "mapping_status " + minStatus
	}
	return "mapping_status " + minStatus + ", " + maxStatus
}
