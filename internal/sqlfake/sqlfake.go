// Package sqlfake is a scripted database/sql driver for store unit tests. It
// answers queries from callbacks and counts transaction outcomes.
package sqlfake

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
)

// ErrUnscripted is returned for statements no callback answers.
var ErrUnscripted = errors.New("sqlfake: statement not scripted")

// Rows is a scripted result set.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Driver hands out connections that share its callbacks and counters.
type Driver struct {
	// Query answers QueryContext. Nil fails every query.
	Query func(query string, args []driver.NamedValue) (Rows, error)
	// Exec answers ExecContext. Nil fails every statement.
	Exec func(query string, args []driver.NamedValue) (driver.Result, error)

	mu         sync.Mutex
	commits    int
	rollbacks  int
	rolledOnce sync.Once
	rolledBack chan struct{}
}

var (
	_ driver.Driver    = (*Driver)(nil)
	_ driver.Connector = (*Driver)(nil)
)

// New returns a driver with no scripted statements.
func New() *Driver {
	return &Driver{rolledBack: make(chan struct{})}
}

// DB opens a pool on d.
func (d *Driver) DB() *sql.DB {
	return sql.OpenDB(d)
}

// Commits returns the number of committed transactions.
func (d *Driver) Commits() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.commits
}

// Rollbacks returns the number of rolled back transactions.
func (d *Driver) Rollbacks() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rollbacks
}

// RolledBack is closed on the first rollback.
func (d *Driver) RolledBack() <-chan struct{} {
	return d.rolledBack
}

// Open implements driver.Driver.
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{d: d}, nil
}

// Connect implements driver.Connector.
func (d *Driver) Connect(context.Context) (driver.Conn, error) {
	return &conn{d: d}, nil
}

// Driver implements driver.Connector.
func (d *Driver) Driver() driver.Driver {
	return d
}

type conn struct {
	d *Driver
}

var (
	_ driver.ConnBeginTx    = (*conn)(nil)
	_ driver.QueryerContext = (*conn)(nil)
	_ driver.ExecerContext  = (*conn)(nil)
)

func (c *conn) Prepare(string) (driver.Stmt, error) {
	return nil, ErrUnscripted
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return &tx{d: c.d}, nil
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return &tx{d: c.d}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.d.Query == nil {
		return nil, ErrUnscripted
	}
	result, err := c.d.Query(query, args)
	if err != nil {
		return nil, err
	}

	return &rows{data: result}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if c.d.Exec == nil {
		return nil, ErrUnscripted
	}

	return c.d.Exec(query, args)
}

type tx struct {
	d *Driver
}

func (t *tx) Commit() error {
	t.d.mu.Lock()
	t.d.commits++
	t.d.mu.Unlock()

	return nil
}

func (t *tx) Rollback() error {
	t.d.mu.Lock()
	t.d.rollbacks++
	t.d.mu.Unlock()
	t.d.rolledOnce.Do(func() { close(t.d.rolledBack) })

	return nil
}

type rows struct {
	data Rows
	next int
}

func (r *rows) Columns() []string { return r.data.Columns }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.next >= len(r.data.Values) {
		return io.EOF
	}
	copy(dest, r.data.Values[r.next])
	r.next++

	return nil
}
