package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
	"github.com/ekaya-inc/ekaya-omop/pkg/usagi"
)

// assignedConcept is a custom concept after it received its CONCEPT id.
type assignedConcept struct {
	// localID is the concept_id written in the custom concept file.
	localID     int64
	conceptID   int64
	conceptCode string
	conceptName string
	domainID    string
}

// customConcepts stages the custom concept files of every mapped column of
// the table, assigns their CONCEPT ids and merges them into CONCEPT. The
// result is keyed by concept column.
func (d *Driver) customConcepts(ctx context.Context, m *Manifest, t *tableRun) (map[string][]assignedConcept, error) {
	out := make(map[string][]assignedConcept)
	for _, c := range t.spec.Concepts {
		files, err := m.CustomConceptFiles(c)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}

		results, err := usagi.ReadConceptFiles(ctx, files, usagi.ReadOptions{
			Encoding:    d.policy.CSVEncoding,
			Concurrency: usagiReadConcurrency,
		})
		if err != nil {
			return nil, err
		}
		concepts, warnings := usagi.DedupeConcepts(results)
		for _, w := range warnings {
			t.warn(w.String())
		}
		if len(concepts) == 0 {
			continue
		}

		staging, err := d.stager.ConceptStatements(t.spec.Name, c.Column, concepts)
		if err != nil {
			return nil, err
		}
		if err := t.execute(ctx, staging); err != nil {
			return nil, err
		}

		assigned, err := d.assignConceptIDs(ctx, t, c.Column)
		if err != nil {
			return nil, err
		}
		t.logger.Debug("Assigned custom concept ids",
			zap.String("column", c.Column),
			zap.Int("files", len(files)),
			zap.Int("concepts", len(assigned)))
		out[c.Column] = assigned
	}
	return out, nil
}

// assignConceptIDs gives every staged custom concept of column an id at or
// above models.MinCustomConceptID and replaces its CONCEPT row. A vocabulary
// and code pair keeps the id it got in an earlier run.
func (d *Driver) assignConceptIDs(ctx context.Context, t *tableRun, column string) ([]assignedConcept, error) {
	cctx := d.base.
		With(templates.VarOmopTable, t.spec.Name).
		With(templates.VarConceptTable, models.ConceptTableName(t.spec.Name, column)).
		With(templates.VarMinCustomConceptID, models.MinCustomConceptID).
		With(templates.VarByConceptTable, true)

	names := []string{conceptIDSwapCreate, conceptIDSwapInsert, customConceptDelete, customConceptInsert}
	contexts := []templates.Context{cctx, cctx, cctx, cctx}
	stmts, err := d.renderAll(names, contexts)
	if err != nil {
		return nil, err
	}
	sel, err := d.renderer.Render(conceptIDSwapSelect, d.adapter.Dialect(), cctx)
	if err != nil {
		return nil, err
	}

	d.vocabMu.Lock()
	defer d.vocabMu.Unlock()

	if err := t.execute(ctx, stmts); err != nil {
		return nil, err
	}

	step := datasource.NewStepResult(sel)
	step.Index = len(t.report.Steps)
	step.Attempts = 1
	start := time.Now()
	assigned, err := d.readAssigned(ctx, sel)
	step.Duration = time.Since(start)
	if err != nil {
		datasource.MarkFailed(&step, err)
	} else {
		step.Status = models.StepStatusSuccess
		step.RowsAffected = int64(len(assigned))
	}
	t.report.Steps = append(t.report.Steps, step)
	return assigned, err
}

func (d *Driver) readAssigned(ctx context.Context, stmt *templates.RenderedStatement) ([]assignedConcept, error) {
	rows, err := d.adapter.ExecuteQuery(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []assignedConcept
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		if len(vals) < 5 {
			return nil, fmt.Errorf("concept id query returned %d columns, want 5", len(vals))
		}
		localID, err := datasource.ValueInt64(vals[0])
		if err != nil {
			return nil, fmt.Errorf("source_concept_id: %w", err)
		}
		conceptID, err := datasource.ValueInt64(vals[1])
		if err != nil {
			return nil, fmt.Errorf("concept_id: %w", err)
		}
		out = append(out, assignedConcept{
			localID:     localID,
			conceptID:   conceptID,
			conceptCode: datasource.ValueString(vals[2]),
			conceptName: datasource.ValueString(vals[3]),
			domainID:    datasource.ValueString(vals[4]),
		})
	}
	return out, rows.Err()
}

// withCustomConcepts points usagi rows that target a local custom concept id
// at the assigned CONCEPT id. Custom codes without a usagi row map to their
// own concept.
func withCustomConcepts(records []models.MappingRecord, assigned []assignedConcept, vocabularyID string) []models.MappingRecord {
	if len(assigned) == 0 {
		return records
	}
	byLocal := make(map[int64]assignedConcept, len(assigned))
	for _, a := range assigned {
		if a.localID > 0 && a.localID < models.MinCustomConceptID {
			byLocal[a.localID] = a
		}
	}
	mapped := make(map[string]bool, len(records))
	for i := range records {
		r := &records[i]
		mapped[r.SourceCode] = true
		a, ok := byLocal[r.TargetConceptID]
		if !ok {
			continue
		}
		r.TargetConceptID = a.conceptID
		r.TargetConceptName = a.conceptName
		r.TargetDomainID = a.domainID
		r.MappingStatus = models.MappingStatusApproved
	}
	for _, a := range assigned {
		if mapped[a.conceptCode] {
			continue
		}
		mapped[a.conceptCode] = true
		records = append(records, models.MappingRecord{
			SourceCode:         a.conceptCode,
			SourceName:         a.conceptName,
			SourceVocabularyID: vocabularyID,
			TargetConceptID:    a.conceptID,
			TargetConceptName:  a.conceptName,
			TargetDomainID:     a.domainID,
			MappingStatus:      models.MappingStatusApproved,
		})
	}
	return records
}
