package templates

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
)

func newTestRenderer(t *testing.T, overlays ...fstest.MapFS) *Renderer {
	t.Helper()
	sources := []fs.FS{DefaultSources()}
	for _, o := range overlays {
		sources = append(sources, o)
	}
	reg, err := NewRegistry(sources...)
	require.NoError(t, err)
	return NewRenderer(reg, zap.NewNop())
}

func duplicateContext(includeSemi bool) Context {
	return Context{
		Vars: map[string]any{
			VarWorkCatalog:  "",
			VarWorkSchema:   "work",
			VarOmopCatalog:  "",
			VarOmopSchema:   "cdm",
			VarOmopTable:    "condition_occurrence",
			VarConceptIDCol: "condition_concept_id",
			VarUsagiTable:   models.UsagiTableName("condition_occurrence", "condition_concept_id"),
			VarProcessSemi:  includeSemi,
			VarSampleLimit:  100,
		},
		Params: map[string]any{},
	}
}

func TestRender_IsDeterministic(t *testing.T) {
	r := newTestRenderer(t)

	a, err := r.Render("validate/usagi_duplicates", dialect.Postgres, duplicateContext(true))
	require.NoError(t, err)
	b, err := r.Render("validate/usagi_duplicates", dialect.Postgres, duplicateContext(true))
	require.NoError(t, err)

	assert.Equal(t, a.SQL, b.SQL)
	assert.Equal(t, a.Identity, b.Identity)
	assert.Len(t, a.Identity, 16)

	c, err := r.Render("validate/usagi_duplicates", dialect.SQLite, duplicateContext(true))
	require.NoError(t, err)
	assert.NotEqual(t, a.Identity, c.Identity)
}

func TestRender_StatusFilterFollowsPolicyFlag(t *testing.T) {
	r := newTestRenderer(t)

	strict, err := r.Render("validate/usagi_duplicates", dialect.Postgres, duplicateContext(false))
	require.NoError(t, err)
	assert.Contains(t, strict.SQL, "u.mapping_status IN ('APPROVED')")
	assert.NotContains(t, strict.SQL, "SEMI-APPROVED")

	lenient, err := r.Render("validate/usagi_duplicates", dialect.Postgres, duplicateContext(true))
	require.NoError(t, err)
	assert.Contains(t, lenient.SQL, "u.mapping_status IN ('APPROVED', 'SEMI-APPROVED')")
}

func TestRender_DuplicateCheckPerDialect(t *testing.T) {
	r := newTestRenderer(t)

	tests := []struct {
		dialect  dialect.Dialect
		contains []string
		suffix   string
	}{
		{
			dialect:  dialect.Postgres,
			contains: []string{`FROM "work"."condition_occurrence__condition_concept_id_usagi" AS u`, `FROM "cdm"."concept"`, "SELECT source_code"},
			suffix:   "LIMIT 100",
		},
		{
			dialect:  dialect.MSSQL,
			contains: []string{"SELECT TOP (100) source_code", "FROM [work].[condition_occurrence__condition_concept_id_usagi] AS u"},
			suffix:   "ORDER BY source_code, target_concept_id",
		},
		{
			dialect:  dialect.BigQuery,
			contains: []string{"FROM `work`.`condition_occurrence__condition_concept_id_usagi` AS u", "COUNT(*) OVER () AS total_groups"},
			suffix:   "LIMIT 100",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			stmt, err := r.Render("validate/usagi_duplicates", tt.dialect, duplicateContext(false))
			require.NoError(t, err)
			for _, c := range tt.contains {
				assert.Contains(t, stmt.SQL, c)
			}
			assert.True(t, strings.HasSuffix(stmt.SQL, tt.suffix), stmt.SQL)
			assert.Equal(t, models.PhaseValidate, stmt.Phase)
			assert.Equal(t, "condition_occurrence", stmt.Table)
			assert.False(t, stmt.IsParameterized())
		})
	}
}

func TestRender_MissingVariable(t *testing.T) {
	r := newTestRenderer(t)
	ctx := duplicateContext(false)
	delete(ctx.Vars, VarWorkSchema)

	_, err := r.Render("validate/usagi_duplicates", dialect.Postgres, ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMissingContextVariable)

	var te *apperrors.TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, VarWorkSchema, te.Variable)
}

func TestRender_ConditionalBranches(t *testing.T) {
	r := newTestRenderer(t, fstest.MapFS{
		"stage/cond.sql.tmpl": {Data: []byte(`SELECT 1{{if .flag}} FROM {{ident .only_when_flag}}{{end}}`)},
	})

	stmt, err := r.Render("stage/cond", dialect.Postgres, NewContext().With("flag", false))
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", stmt.SQL)

	_, err = r.Render("stage/cond", dialect.Postgres, NewContext().With("flag", true))
	var te *apperrors.TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, apperrors.TemplateMissingVariable, te.Kind)
	assert.Equal(t, "only_when_flag", te.Variable)

	stmt, err = r.Render("stage/cond", dialect.Postgres, NewContext().With("flag", true).With("only_when_flag", "t"))
	require.NoError(t, err)
	assert.Equal(t, `SELECT 1 FROM "t"`, stmt.SQL)

	_, err = r.Render("stage/cond", dialect.Postgres, NewContext())
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "flag", te.Variable)

	_, err = r.Render("stage/cond", dialect.Postgres, NewContext().With("flag", 1))
	assert.ErrorIs(t, err, apperrors.ErrMissingContextVariable)
}

func TestRender_RejectsUnsafeIdentifiers(t *testing.T) {
	r := newTestRenderer(t)
	ctx := duplicateContext(false).With(VarUsagiTable, "x; DROP TABLE concept")

	_, err := r.Render("validate/usagi_duplicates", dialect.Postgres, ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMissingContextVariable)

	_, err = r.Render("validate/usagi_duplicates", dialect.Postgres, duplicateContext(false).With("bad", 3.5))
	assert.ErrorIs(t, err, apperrors.ErrMissingContextVariable)
}

func TestRender_BatchInsertBindsParameters(t *testing.T) {
	r := newTestRenderer(t)
	ctx := duplicateContext(false).With(VarRowCount, 2)
	for i := 0; i < 2; i++ {
		for _, col := range []string{"source_code", "source_name", "source_vocabulary_id", "mapping_status",
			"target_concept_id", "target_concept_name", "target_domain_id", "valid_start_date", "valid_end_date"} {
			ctx.Params[fmt.Sprintf("%s_%d", col, i)] = col
		}
	}

	pg, err := r.Render("stage/usagi_insert", dialect.Postgres, ctx)
	require.NoError(t, err)
	assert.Len(t, pg.Args, 18)
	assert.Equal(t, "source_code_0", pg.ArgNames[0])
	assert.Equal(t, "valid_end_date_1", pg.ArgNames[17])
	assert.Contains(t, pg.SQL, "CAST($9 AS DATE)),\n    ($10, ")
	assert.Contains(t, pg.SQL, "CAST($18 AS DATE))")

	ms, err := r.Render("stage/usagi_insert", dialect.MSSQL, ctx)
	require.NoError(t, err)
	assert.Contains(t, ms.SQL, "@p18")

	lite, err := r.Render("stage/usagi_insert", dialect.SQLite, ctx)
	require.NoError(t, err)
	assert.Equal(t, 18, strings.Count(lite.SQL, "?"))
	assert.Contains(t, lite.SQL, "date(?)")
}

func TestRender_MissingBoundParameter(t *testing.T) {
	r := newTestRenderer(t)

	_, err := r.Render("post/source_to_concept_map_invalidate", dialect.Postgres, duplicateContext(false))
	var te *apperrors.TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, apperrors.TemplateMissingVariable, te.Kind)
	assert.Equal(t, ParamETLStart, te.Variable)

	stmt, err := r.Render("post/source_to_concept_map_invalidate", dialect.Postgres,
		duplicateContext(false).WithParam(ParamETLStart, "2024-01-01"))
	require.NoError(t, err)
	assert.Len(t, stmt.Args, 2)
	assert.Contains(t, stmt.SQL, "valid_start_date < CAST($2 AS DATE)")
}

func TestRender_ParameterizedMultiStatementIsSyntaxError(t *testing.T) {
	r := newTestRenderer(t, fstest.MapFS{
		"stage/multi.sql.tmpl": {Data: []byte(`SELECT {{param "a"}}; SELECT 2`)},
	})

	_, err := r.Render("stage/multi", dialect.Postgres, NewContext().WithParam("a", 1))
	assert.ErrorIs(t, err, apperrors.ErrTemplateSyntax)
}

func TestRender_ReplaceDDLIsMultiStatementWithoutParams(t *testing.T) {
	r := newTestRenderer(t)

	stmt, err := r.Render("stage/usagi_create", dialect.Postgres, duplicateContext(false))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stmt.SQL,
		`DROP TABLE IF EXISTS "work"."condition_occurrence__condition_concept_id_usagi";`+"\n"+
			`CREATE TABLE "work"."condition_occurrence__condition_concept_id_usagi" (`))
	assert.Contains(t, stmt.SQL, "target_concept_id BIGINT")
}

func TestRender_ConceptSwap(t *testing.T) {
	r := newTestRenderer(t)
	ctx := NewContext().Merge(Context{Vars: map[string]any{
		VarWorkCatalog:  "",
		VarWorkSchema:   "main",
		VarOmopTable:    "person",
		VarWorkTable:    "person_person",
		VarMappedTable:  "person_person_mapped",
		VarColumns:      []string{"person_id", "gender_concept_id", "year_of_birth"},
		VarUsagiColumns: []string{"gender_concept_id"},
		VarProcessSemi:  false,

		VarPrimaryKey:        "person_id",
		VarPKAutoNumbering:   false,
		VarForeignKeyColumns: []string{},
		VarForeignKeySwaps:   []string{},
	}})

	stmt, err := r.Render("map/concept_swap", dialect.SQLite, ctx)
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `CREATE TABLE "main"."person_person_mapped" AS`)
	assert.Contains(t, stmt.SQL, `w."person_id",`)
	assert.Contains(t, stmt.SQL, `COALESCE("u_gender_concept_id".target_concept_id, 0) AS "gender_concept_id",`)
	assert.Contains(t, stmt.SQL, `FROM "main"."person__gender_concept_id_usagi"`)
	assert.Contains(t, stmt.SQL, `ON "u_gender_concept_id".source_code = CAST(w."gender_concept_id" AS TEXT)`)
	assert.NotContains(t, stmt.SQL, "new_id")
	assert.Equal(t, "person_person_mapped", stmt.Target)
}

func TestRender_ConceptSwapWithKeySwaps(t *testing.T) {
	r := newTestRenderer(t)
	ctx := NewContext().Merge(Context{Vars: map[string]any{
		VarWorkCatalog:  "",
		VarWorkSchema:   "work",
		VarOmopTable:    "visit_occurrence",
		VarWorkTable:    "visit_occurrence_visits",
		VarMappedTable:  "visit_occurrence_visits_mapped",
		VarColumns:      []string{"visit_occurrence_id", "person_id", "visit_concept_id"},
		VarUsagiColumns: []string{"visit_concept_id"},
		VarProcessSemi:  false,

		VarPrimaryKey:        "visit_occurrence_id",
		VarPKAutoNumbering:   true,
		VarPKSwapTable:       models.PKSwapTableName("visit_occurrence"),
		VarForeignKeyColumns: []string{"person_id"},
		VarForeignKeySwaps:   []string{models.PKSwapTableName("person")},
	}})

	stmt, err := r.Render("map/concept_swap", dialect.MSSQL, ctx)
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "pk.new_id AS [visit_occurrence_id]")
	assert.Contains(t, stmt.SQL, "[fk_person_id].new_id AS [person_id]")
	assert.Contains(t, stmt.SQL, "LEFT JOIN [work].[visit_occurrence__pk_swap] AS pk\n    ON pk.source_key = CAST(w.[visit_occurrence_id] AS NVARCHAR(255))")
	assert.Contains(t, stmt.SQL, "LEFT JOIN [work].[person__pk_swap] AS [fk_person_id]")

	delete(ctx.Vars, VarPKSwapTable)
	_, err = r.Render("map/concept_swap", dialect.MSSQL, ctx)
	assert.ErrorIs(t, err, apperrors.ErrMissingContextVariable)
}

func TestRender_SourceToConceptMapDeleteMatchesWholeMapping(t *testing.T) {
	r := newTestRenderer(t)
	ctx := duplicateContext(false)

	ms, err := r.Render("load/source_to_concept_map_delete", dialect.MSSQL, ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ms.SQL, "DELETE m FROM [cdm].[source_to_concept_map] AS m\nWHERE EXISTS ("), ms.SQL)
	for _, c := range []string{"u.source_code = m.source_code", "u.source_vocabulary_id = m.source_vocabulary_id", "u.target_concept_id = m.target_concept_id"} {
		assert.Contains(t, ms.SQL, c)
	}

	pg, err := r.Render("load/source_to_concept_map_delete", dialect.Postgres, ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pg.SQL, `DELETE FROM "cdm"."source_to_concept_map" AS m`), pg.SQL)
}

func TestRender_CustomConceptIDsByThresholdOrWorkTable(t *testing.T) {
	r := newTestRenderer(t)
	base := duplicateContext(false).With(VarMinCustomConceptID, 2000000000)

	all, err := r.Render("cleanup/concept_relationship_delete", dialect.Postgres, base.With(VarByConceptTable, false))
	require.NoError(t, err)
	assert.Contains(t, all.SQL, "WHERE concept_id_1 >= 2000000000\nOR concept_id_2 >= 2000000000")
	assert.NotContains(t, all.SQL, "concept_id_swap")

	_, err = r.Render("cleanup/concept_ancestor_delete", dialect.Postgres, base.With(VarByConceptTable, true))
	var te *apperrors.TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, VarConceptTable, te.Variable)

	one, err := r.Render("cleanup/concept_ancestor_delete", dialect.Postgres, base.
		With(VarByConceptTable, true).
		With(VarConceptTable, models.ConceptTableName("person", "gender_concept_id")))
	require.NoError(t, err)
	assert.Contains(t, one.SQL, `FROM "work"."person__gender_concept_id_concept" AS c`)
	assert.Contains(t, one.SQL, `INNER JOIN "work"."concept_id_swap" AS s`)
	assert.Equal(t, 2, strings.Count(one.SQL, "SELECT s.concept_id"))
}

func TestRenderWrapped(t *testing.T) {
	r := newTestRenderer(t, fstest.MapFS{
		"source/person/person.sql.tmpl":   {Data: []byte("SELECT person_id FROM {{raw \"patients\"}};\n")},
		"source/person/bound.sql.tmpl":    {Data: []byte(`SELECT {{param "x"}}`)},
		"source/person/multiple.sql.tmpl": {Data: []byte(`SELECT 1; SELECT 2`)},
	})
	ctx := duplicateContext(false).
		With(VarRawCatalog, "").
		With(VarRawSchema, "raw").
		With(VarWorkTable, "person_person").
		WithParam("x", 1)

	stmt, err := r.RenderWrapped("stage/work_table", SourceQueryName("person", "person"), dialect.MSSQL, ctx)
	require.NoError(t, err)
	assert.Equal(t,
		"DROP TABLE IF EXISTS [work].[person_person];\nSELECT * INTO [work].[person_person] FROM (\nSELECT person_id FROM [raw].[patients]\n) AS src",
		stmt.SQL)

	_, err = r.RenderWrapped("stage/work_table", SourceQueryName("person", "bound"), dialect.MSSQL, ctx)
	assert.ErrorIs(t, err, apperrors.ErrTemplateSyntax)

	_, err = r.RenderWrapped("stage/work_table", SourceQueryName("person", "multiple"), dialect.MSSQL, ctx)
	assert.ErrorIs(t, err, apperrors.ErrTemplateSyntax)

	_, err = r.Render("stage/work_table", dialect.MSSQL, ctx)
	assert.ErrorIs(t, err, apperrors.ErrTemplateSyntax)
}

func TestRender_ContextIsCopied(t *testing.T) {
	r := newTestRenderer(t)
	ctx := duplicateContext(false)

	stmt, err := r.Render("validate/usagi_duplicates", dialect.Postgres, ctx)
	require.NoError(t, err)

	ctx.Vars[VarWorkSchema] = "changed"
	assert.Equal(t, "work", stmt.Context.String(VarWorkSchema))
}
