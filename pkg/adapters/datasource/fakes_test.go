package datasource

import (
	"context"
	"sync"

	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
)

// fakeExecutor records statements and replays scripted errors in order.
type fakeExecutor struct {
	mu       sync.Mutex
	dialect  dialect.Dialect
	executed []string
	args     [][]any
	errs     []error
	rows     int64
	closed   bool
	tx       *fakeTx
}

func newFakeExecutor(d dialect.Dialect, errs ...error) *fakeExecutor {
	return &fakeExecutor{dialect: d, errs: errs, rows: 1}
}

func (f *fakeExecutor) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeExecutor) Dialect() dialect.Dialect { return f.dialect }

func (f *fakeExecutor) Exec(_ context.Context, sqlText string, args []any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, sqlText)
	f.args = append(f.args, args)
	if err := f.nextErr(); err != nil {
		return 0, err
	}
	return f.rows, nil
}

func (f *fakeExecutor) Query(_ context.Context, sqlText string, _ []any) (RowIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, sqlText)
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return &fakeRows{cols: []string{"n"}, data: [][]any{{int64(1)}, {int64(2)}}}, nil
}

func (f *fakeExecutor) Begin(context.Context) (Tx, error) {
	f.tx = &fakeTx{exec: f}
	return f.tx, nil
}

func (f *fakeExecutor) ListTables(context.Context, string, string) ([]Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return []Table{{Schema: "work", Name: "person_person"}}, nil
}

func (f *fakeExecutor) Columns(context.Context, string, string, string) ([]Column, error) {
	return []Column{{Name: "person_id", IsPrimaryKey: true}, {Name: "gender_concept_id"}}, nil
}

func (f *fakeExecutor) Ping(context.Context) error { return nil }

func (f *fakeExecutor) Close() error {
	f.closed = true
	return nil
}

type fakeTx struct {
	exec       *fakeExecutor
	committed  bool
	rolledBack int
}

func (t *fakeTx) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	return t.exec.Exec(ctx, sqlText, args)
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack++
	return nil
}

type fakeRows struct {
	cols []string
	data [][]any
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.data[r.pos-1], nil }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close() error           { return nil }

// fakeConnector is a PoolConnector whose health can be toggled.
type fakeConnector struct {
	mu      sync.Mutex
	id      int
	healthy bool
	closed  bool
}

func (c *fakeConnector) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return errUnhealthy
	}
	return nil
}

func (c *fakeConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnector) GetType() string { return "fake" }

func (c *fakeConnector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
