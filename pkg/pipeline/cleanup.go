package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/templates"
)

// CleanupAll selects every table of the manifest.
const CleanupAll = "all"

// Cleanup removes what earlier runs left behind. For CleanupAll it empties
// source_to_concept_map, deletes every custom concept, drops every work table
// and truncates all manifest tables. For a single table it removes only that
// table's mappings, custom concepts, work tables and rows.
func (d *Driver) Cleanup(ctx context.Context, m *Manifest, target string) ([]models.StepResult, error) {
	if target == "" {
		target = CleanupAll
	}
	if target != CleanupAll {
		if _, ok := m.Table(target); !ok {
			return nil, fmt.Errorf("table %s is not in the manifest", target)
		}
	}

	tables, err := d.adapter.ListTables(ctx, d.schemas.WorkCatalog, d.schemas.WorkSchema)
	if err != nil {
		return nil, fmt.Errorf("list work tables: %w", err)
	}
	var owned []string
	for _, t := range tables {
		if target == CleanupAll || workTableOwner(m, t.Name) == target {
			owned = append(owned, t.Name)
		}
	}
	sort.Strings(owned)

	stmts, err := d.cleanupStatements(m, target, owned)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Cleaning up",
		zap.String("target", target),
		zap.Int("work_tables", len(owned)),
		zap.Int("statements", len(stmts)))
	return d.executor.Run(ctx, stmts)
}

func (d *Driver) cleanupStatements(m *Manifest, target string, workTables []string) ([]*templates.RenderedStatement, error) {
	dl := d.adapter.Dialect()
	var stmts []*templates.RenderedStatement
	add := func(name string, ctx templates.Context) error {
		stmt, err := d.renderer.Render(name, dl, ctx)
		if err != nil {
			return err
		}
		stmts = append(stmts, stmt)
		return nil
	}

	conceptCtx := d.base.
		With(templates.VarMinCustomConceptID, models.MinCustomConceptID).
		With(templates.VarByConceptTable, false)
	if target == CleanupAll {
		if err := add(truncateOmopTable, d.base.With(templates.VarOmopTable, sourceToConceptMap)); err != nil {
			return nil, err
		}
		for _, name := range conceptCleanupTemplates {
			if err := add(name, conceptCtx); err != nil {
				return nil, err
			}
		}
	} else {
		for _, t := range workTables {
			switch {
			case strings.HasSuffix(t, "_usagi"):
				if err := add(cleanupSTCM, d.base.With(templates.VarOmopTable, target).With(templates.VarUsagiTable, t)); err != nil {
					return nil, err
				}
			case strings.HasSuffix(t, "_concept") && strings.Contains(t, "__"):
				tctx := conceptCtx.With(templates.VarByConceptTable, true).With(templates.VarConceptTable, t)
				for _, name := range conceptCleanupTemplates {
					if err := add(name, tctx); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	for _, t := range workTables {
		if err := add(dropWorkTable, d.base.With(templates.VarTargetTable, t)); err != nil {
			return nil, err
		}
	}

	var omopTables []string
	if target == CleanupAll {
		for _, t := range m.Tables {
			omopTables = append(omopTables, t.Name)
		}
	} else {
		omopTables = []string{target}
	}
	for _, t := range omopTables {
		if err := add(truncateOmopTable, d.base.With(templates.VarOmopTable, t)); err != nil {
			return nil, err
		}
	}
	return stmts, nil
}

// conceptCleanupTemplates remove custom concepts. Relationships and
// ancestors go first since they are found through the concept ids.
var conceptCleanupTemplates = []string{cleanupRelationship, cleanupAncestor, cleanupConcepts}

// workTableOwner returns the manifest table a work table belongs to. The
// longest matching name wins, so observation_period work tables are not
// claimed by observation.
func workTableOwner(m *Manifest, workTable string) string {
	owner := ""
	for _, t := range m.Tables {
		if strings.HasPrefix(workTable, t.Name+"_") && len(t.Name) > len(owner) {
			owner = t.Name
		}
	}
	return owner
}
