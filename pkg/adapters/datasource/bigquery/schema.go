package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/ekaya-inc/ekaya-omop/pkg/adapters/datasource"
)

func (e *QueryExecutor) dataset(catalog, schema string) *bigquery.Dataset {
	if catalog == "" {
		catalog = e.project
	}
	return e.client.DatasetInProject(catalog, schema)
}

// ListTables lists the tables of dataset catalog.schema. An empty catalog
// means the client's project.
func (e *QueryExecutor) ListTables(ctx context.Context, catalog, schema string) ([]datasource.Table, error) {
	it := e.dataset(catalog, schema).Tables(ctx)

	var tables []datasource.Table
	for {
		t, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(fmt.Errorf("list tables: %w", err))
		}
		tables = append(tables, datasource.Table{Catalog: t.ProjectID, Schema: t.DatasetID, Name: t.TableID})
	}
	return tables, nil
}

// Columns reads the table schema. Declared primary keys come from table
// constraints, which BigQuery does not enforce.
func (e *QueryExecutor) Columns(ctx context.Context, catalog, schema, table string) ([]datasource.Column, error) {
	md, err := e.dataset(catalog, schema).Table(table).Metadata(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("table metadata: %w", err))
	}

	pk := map[string]bool{}
	if md.TableConstraints != nil && md.TableConstraints.PrimaryKey != nil {
		for _, c := range md.TableConstraints.PrimaryKey.Columns {
			pk[c] = true
		}
	}

	columns := make([]datasource.Column, len(md.Schema))
	for i, f := range md.Schema {
		columns[i] = datasource.Column{
			Name:            f.Name,
			DataType:        string(f.Type),
			IsNullable:      !f.Required,
			IsPrimaryKey:    pk[f.Name],
			OrdinalPosition: i + 1,
		}
	}
	return columns, nil
}
