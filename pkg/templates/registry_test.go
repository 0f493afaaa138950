package templates

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-omop/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

func TestDefaultRegistry_LoadsShippedTemplates(t *testing.T) {
	reg, err := NewRegistry(DefaultSources())
	require.NoError(t, err)

	for _, name := range []string{
		"stage/usagi_create",
		"stage/usagi_insert",
		"stage/work_table",
		"stage/custom_concept_create",
		"stage/custom_concept_insert",
		"map/concept_id_swap_create",
		"map/concept_id_swap_insert",
		"map/concept_id_swap_select",
		"map/custom_concept_delete",
		"map/custom_concept_insert",
		"map/pk_swap_create",
		"map/pk_swap_insert",
		"map/concept_swap",
		"validate/usagi_duplicates",
		"load/source_to_concept_map_delete",
		"load/source_to_concept_map_insert",
		"load/omop_delete",
		"load/omop_insert",
		"load/omop_truncate",
		"post/source_to_concept_map_invalidate",
		"cleanup/drop_table",
		"cleanup/truncate",
		"cleanup/source_to_concept_map_delete",
		"cleanup/custom_concept_delete",
		"cleanup/concept_relationship_delete",
		"cleanup/concept_ancestor_delete",
	} {
		assert.True(t, reg.Has(name), name)
	}
	for _, n := range reg.Names() {
		assert.NotContains(t, n, "_partials")
	}
}

func TestRegistry_DialectVariantTakesPrecedence(t *testing.T) {
	reg, err := NewRegistryFromMap(map[string]string{
		"stage/example":        "SELECT 'generic'",
		"stage/example.mssql":  "SELECT N'mssql'",
		"stage/example.sqlite": "SELECT 'sqlite'",
	})
	require.NoError(t, err)

	tmpl, err := reg.Lookup("stage/example", dialect.MSSQL)
	require.NoError(t, err)
	assert.Equal(t, dialect.MSSQL, tmpl.Dialect)

	tmpl, err = reg.Lookup("stage/example", dialect.Postgres)
	require.NoError(t, err)
	assert.Equal(t, dialect.Dialect(""), tmpl.Dialect)
	assert.Equal(t, "SELECT 'generic'", tmpl.Source)
}

func TestRegistry_LookupUnknown(t *testing.T) {
	reg, err := NewRegistryFromMap(map[string]string{"stage/a": "SELECT 1"})
	require.NoError(t, err)

	_, err = reg.Lookup("stage/b", dialect.Postgres)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTemplateNotFound)

	var te *apperrors.TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "stage/b", te.Template)
}

func TestRegistry_VariantWithoutGenericIsOnlyFoundForItsDialect(t *testing.T) {
	reg, err := NewRegistryFromMap(map[string]string{"load/only.bigquery": "SELECT 1"})
	require.NoError(t, err)

	_, err = reg.Lookup("load/only", dialect.BigQuery)
	require.NoError(t, err)
	_, err = reg.Lookup("load/only", dialect.SQLite)
	assert.ErrorIs(t, err, apperrors.ErrTemplateNotFound)
}

func TestRegistry_SyntaxErrorAtLoad(t *testing.T) {
	_, err := NewRegistryFromMap(map[string]string{"stage/broken": "SELECT {{ident .x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTemplateSyntax)
}

func TestRegistry_UnknownDialectSuffix(t *testing.T) {
	_, err := NewRegistryFromMap(map[string]string{"stage/x.oracle": "SELECT 1"})
	assert.ErrorIs(t, err, apperrors.ErrTemplateSyntax)
}

func TestRegistry_LaterSourceOverrides(t *testing.T) {
	base := fstest.MapFS{
		"stage/a.sql.tmpl":     {Data: []byte("SELECT 1")},
		"_partials/p.sql.tmpl": {Data: []byte(`{{define "p"}}x{{end}}`)},
	}
	overlay := fstest.MapFS{
		"stage/a.sql.tmpl":              {Data: []byte("SELECT 2")},
		"source/person/person.sql.tmpl": {Data: []byte("SELECT 3")},
		"source/person/README.md":       {Data: []byte("ignored")},
	}

	reg, err := NewRegistry(base, overlay)
	require.NoError(t, err)

	tmpl, err := reg.Lookup("stage/a", dialect.SQLite)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", tmpl.Source)
	assert.Equal(t, []string{SourceQueryName("person", "person")}, reg.NamesWithPrefix("source/person/"))
}
