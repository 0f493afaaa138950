package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

// ClassifyFunc converts a driver error into a classified backend error.
type ClassifyFunc func(err error) error

// sqlRowIterator adapts *sql.Rows to RowIterator.
type sqlRowIterator struct {
	rows     *sql.Rows
	columns  []string
	values   []any
	ptrs     []any
	classify ClassifyFunc
}

// NewSQLRowIterator wraps rows from a database/sql driver.
func NewSQLRowIterator(rows *sql.Rows, classify ClassifyFunc) (RowIterator, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, classify(err)
	}
	it := &sqlRowIterator{
		rows:     rows,
		columns:  cols,
		values:   make([]any, len(cols)),
		ptrs:     make([]any, len(cols)),
		classify: classify,
	}
	for i := range it.values {
		it.ptrs[i] = &it.values[i]
	}
	return it, nil
}

func (it *sqlRowIterator) Columns() []string { return it.columns }

func (it *sqlRowIterator) Next() bool { return it.rows.Next() }

func (it *sqlRowIterator) Values() ([]any, error) {
	if err := it.rows.Scan(it.ptrs...); err != nil {
		return nil, it.classify(err)
	}
	return it.values, nil
}

func (it *sqlRowIterator) Err() error {
	if err := it.rows.Err(); err != nil {
		return it.classify(err)
	}
	return nil
}

func (it *sqlRowIterator) Close() error { return it.rows.Close() }

// sqlTx adapts *sql.Tx to Tx.
type sqlTx struct {
	tx       *sql.Tx
	classify ClassifyFunc
	convert  func([]any) []any
}

// NewSQLTx wraps a database/sql transaction. convert maps bind values to
// driver types and may be nil.
func NewSQLTx(tx *sql.Tx, classify ClassifyFunc, convert func([]any) []any) Tx {
	return &sqlTx{tx: tx, classify: classify, convert: convert}
}

func (t *sqlTx) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	if t.convert != nil {
		args = t.convert(args)
	}
	res, err := t.tx.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, t.classify(err)
	}
	return RowsAffected(res), nil
}

func (t *sqlTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return t.classify(err)
	}
	return nil
}

// RowsAffected returns res.RowsAffected, or -1 when the driver cannot report it.
func RowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return -1
	}
	return n
}

// CollectRows drains it into maps keyed by column name and closes it.
func CollectRows(it RowIterator) ([]map[string]any, error) {
	defer it.Close()

	cols := it.Columns()
	var out []map[string]any
	for it.Next() {
		values, err := it.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, it.Err()
}

// ValueString renders a scanned value as text. NULL becomes "".
func ValueString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

// ValueInt64 accepts the integer representations the drivers return.
func ValueInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case *big.Rat:
		if !n.IsInt() {
			return 0, fmt.Errorf("non-integer numeric %s", n.String())
		}
		return n.Num().Int64(), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unexpected %T", v)
}
