package usagi

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	"github.com/ekaya-inc/ekaya-omop/pkg/models"
	"github.com/ekaya-inc/ekaya-omop/pkg/testhelpers"
)

const sexConceptCSV = `concept_id,concept_name,domain_id,vocabulary_id,concept_class_id,standard_concept,concept_code,valid_start_date,valid_end_date,invalid_reason
1,Intersex,Gender,HIS_GENDER,Gender,S,I,2000-01-01,,
2,Not asked,Gender,HIS_GENDER,Gender,,NA,,,
,,,,,,,,,
3,No code,Gender,HIS_GENDER,Gender,,,,,
`

func TestReadConcepts_ParsesConceptRows(t *testing.T) {
	res, err := ReadConcepts(strings.NewReader(sexConceptCSV), "sex_concept.csv", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, res.Concepts, 2)

	c := res.Concepts[0]
	assert.Equal(t, int64(1), c.ConceptID)
	assert.Equal(t, "Intersex", c.ConceptName)
	assert.Equal(t, "HIS_GENDER", c.VocabularyID)
	assert.Equal(t, "S", c.StandardConcept)
	assert.Equal(t, "I", c.ConceptCode)
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), c.ValidStartDate)
	assert.Equal(t, DefaultValidEndDate, civil.DateOf(c.ValidEndDate))

	assert.Empty(t, res.Concepts[1].StandardConcept)
	assert.Equal(t, DefaultValidStartDate, civil.DateOf(res.Concepts[1].ValidStartDate))

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "empty concept_code")
	assert.Equal(t, 5, res.Warnings[0].Line)
}

func TestReadConcepts_Errors(t *testing.T) {
	_, err := ReadConcepts(strings.NewReader("concept_id,concept_name\n1,x\n"), "short.csv", ReadOptions{})
	assert.ErrorContains(t, err, "missing concept column(s): domain_id, vocabulary_id, concept_class_id, concept_code")

	header := "concept_id,concept_name,domain_id,vocabulary_id,concept_class_id,concept_code\n"
	_, err = ReadConcepts(strings.NewReader(header+"abc,x,Gender,V,C,X1\n"), "bad_id.csv", ReadOptions{})
	assert.ErrorContains(t, err, `bad_id.csv:2: concept_id "abc"`)

	_, err = ReadConcepts(strings.NewReader(header+"1,x,,V,C,X1\n"), "no_domain.csv", ReadOptions{})
	assert.ErrorContains(t, err, "domain_id is empty for concept X1")
}

func TestReadConceptFiles_DedupesAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	header := "concept_id,concept_name,domain_id,vocabulary_id,concept_class_id,concept_code\n"
	paths := []string{filepath.Join(dir, "a_concept.csv"), filepath.Join(dir, "b_concept.csv")}
	require.NoError(t, os.WriteFile(paths[0], []byte(header+"1,First,Gender,V,C,X1\n"), 0o644))
	require.NoError(t, os.WriteFile(paths[1], []byte(header+"7,Second,Gender,V,C,X1\n8,Other,Gender,V,C,X2\n"), 0o644))

	results, err := ReadConceptFiles(context.Background(), paths, ReadOptions{Concurrency: 2})
	require.NoError(t, err)
	concepts, warnings := DedupeConcepts(results)

	require.Len(t, concepts, 2)
	assert.Equal(t, "First", concepts[0].ConceptName)
	assert.Equal(t, "X2", concepts[1].ConceptCode)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "concept V/X1 already defined in "+paths[0])
}

func TestStager_ConceptStatements(t *testing.T) {
	a := testhelpers.NewSQLiteAdapter(t)
	s := NewStager(testhelpers.NewRenderer(t), a.Dialect(), testhelpers.BaseContext(), 1)

	res, err := ReadConcepts(strings.NewReader(sexConceptCSV), "sex_concept.csv", ReadOptions{})
	require.NoError(t, err)
	stmts, err := s.ConceptStatements("person", "gender_concept_id", res.Concepts)
	require.NoError(t, err)
	require.Len(t, stmts, 3, "create plus one insert per concept")
	assert.Equal(t, "stage/custom_concept_create", stmts[0].Template)
	assert.Len(t, stmts[1].Args, ConceptParamsPerRow)

	ctx := context.Background()
	for _, stmt := range stmts {
		_, err := a.Execute(ctx, stmt)
		require.NoError(t, err)
	}

	rows := testhelpers.QueryRows(t, a, `SELECT concept_code, standard_concept, invalid_reason, valid_end_date
		FROM "work"."`+models.ConceptTableName("person", "gender_concept_id")+`" ORDER BY concept_code`)
	require.Len(t, rows, 2)
	assert.Equal(t, "I", rows[0]["concept_code"])
	assert.Equal(t, "S", rows[0]["standard_concept"])
	assert.Nil(t, rows[0]["invalid_reason"])
	assert.Equal(t, "2099-12-31", rows[0]["valid_end_date"])
	assert.Nil(t, rows[1]["standard_concept"], "empty values are stored as NULL")
}

func TestStager_ConceptBatchFitsMSSQLParameterLimit(t *testing.T) {
	s := NewStager(testhelpers.NewRenderer(t), dialect.MSSQL, testhelpers.BaseContext(), 1000)
	assert.Equal(t, 210, s.conceptBatchSize)
	assert.Equal(t, 233, s.BatchSize())
}
