package bigquery

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameters(t *testing.T) {
	d := civil.Date{Year: 2024, Month: time.January, Day: 2}
	params := parameters([]any{"A01", 7, int64(2_000_000_000), d, true})
	require.Len(t, params, 5)
	for _, p := range params {
		assert.Empty(t, p.Name, "positional parameters are unnamed")
	}
	assert.Equal(t, "A01", params[0].Value)
	assert.Equal(t, int64(7), params[1].Value, "int widens to INT64")
	assert.IsType(t, int64(0), params[1].Value)
	assert.Equal(t, int64(2_000_000_000), params[2].Value)
	assert.Equal(t, d, params[3].Value, "civil dates bind as DATE")
	assert.IsType(t, civil.Date{}, params[3].Value)
	assert.Equal(t, true, params[4].Value)

	assert.Nil(t, parameters(nil))
	assert.Nil(t, parameters([]any{}))
}

func TestIsDML(t *testing.T) {
	assert.True(t, isDML("MERGE"))
	assert.True(t, isDML("INSERT"))
	assert.False(t, isDML("CREATE_TABLE_AS_SELECT"))
	assert.False(t, isDML("SELECT"))
}

func TestRowIterator_Values(t *testing.T) {
	it := newRowIterator(&bigquery.RowIterator{})
	it.current = []bigquery.Value{int64(8507), "MALE", nil}

	vals, err := it.Values()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(8507), "MALE", nil}, vals)

	it.current = []bigquery.Value{int64(8532)}
	vals, err = it.Values()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(8532)}, vals, "a shorter row shrinks the buffer")
}

func TestRowIterator_Columns(t *testing.T) {
	it := newRowIterator(&bigquery.RowIterator{Schema: bigquery.Schema{
		{Name: "concept_id", Type: bigquery.IntegerFieldType},
		{Name: "concept_name", Type: bigquery.StringFieldType},
	}})
	assert.Equal(t, []string{"concept_id", "concept_name"}, it.Columns())
}

func TestRowIterator_StopsAfterError(t *testing.T) {
	failed := errors.New("read failed")
	it := newRowIterator(&bigquery.RowIterator{})
	it.err = failed

	assert.False(t, it.Next())
	assert.Equal(t, failed, it.Err())
	assert.NoError(t, it.Close())
}
