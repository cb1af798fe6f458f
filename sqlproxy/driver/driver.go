package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/tomyedwab/sqlworker/processes"
	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

const driverName = "sqlworker"

func init() {
	sql.Register(driverName, &Driver{})
}

// --- Driver implementation ---

// Driver is the SQL driver for worker-backed databases. The data source name
// is the database path.
type Driver struct{}

// Open returns a new connection to the database, starting a new worker.
func (d *Driver) Open(name string) (driver.Conn, error) {
	connector, err := d.OpenConnector(name)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *Driver) OpenConnector(name string) (driver.Connector, error) {
	return NewConnector(name, 0, processes.Config{}), nil
}

// Connector opens worker-backed connections with a fixed configuration.
type Connector struct {
	path   string
	flags  int
	config processes.Config
}

// NewConnector returns a connector for sql.OpenDB. Every pooled connection
// owns its own worker process.
func NewConnector(path string, flags int, config processes.Config) *Connector {
	return &Connector{path: path, flags: flags, config: config}
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := processes.Open(ctx, c.path, c.flags, c.config)
	if err != nil {
		return nil, fmt.Errorf("sqlworker: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Driver implements driver.Connector.
func (c *Connector) Driver() driver.Driver {
	return &Driver{}
}

// --- Connection implementation ---

// Conn implements the driver.Conn interface on top of one worker.
type Conn struct {
	conn *processes.Conn
	inTx bool
}

// Prepare returns a prepared statement. Statements are sent to the worker
// as text on every execution.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query}, nil
}

// PrepareContext implements driver.ConnPrepareContext.
func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	return c.Prepare(query)
}

// Close asks the worker to close the database and waits for it to exit.
func (c *Conn) Close() error {
	err := c.conn.Quit(context.Background())
	if errors.Is(err, types.ErrClosed) {
		return nil
	}
	return err
}

// IsValid implements driver.Validator. A connection whose worker died is
// discarded by the pool.
func (c *Conn) IsValid() bool {
	select {
	case <-c.conn.Done():
		return false
	default:
		return true
	}
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.inTx {
		return nil, fmt.Errorf("sqlworker: transaction already active on this connection")
	}
	if sql.IsolationLevel(opts.Isolation) != sql.LevelDefault && sql.IsolationLevel(opts.Isolation) != sql.LevelSerializable {
		return nil, fmt.Errorf("sqlworker: unsupported isolation level %s", sql.IsolationLevel(opts.Isolation))
	}
	if _, err := c.conn.Exec(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	c.inTx = true
	return &Tx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	res, err := c.run(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &sqlWorkerResult{lastInsertID: res.InsertID, rowsAffected: res.Changed}, nil
}

// QueryContext implements driver.QueryerContext.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	res, err := c.run(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &sqlWorkerRows{result: res}, nil
}

func (c *Conn) run(ctx context.Context, query string, args []driver.NamedValue) (*types.Result, error) {
	values := make([]any, len(args))
	for i, arg := range args {
		if arg.Name != "" {
			values[i] = sql.Named(arg.Name, arg.Value)
		} else {
			values[i] = arg.Value
		}
	}
	return c.conn.Query(ctx, query, values...)
}

// --- Statement implementation ---

// Stmt implements the driver.Stmt interface.
type Stmt struct {
	conn  *Conn
	query string
}

// Close closes the statement. Nothing is held on the worker.
func (s *Stmt) Close() error {
	return nil
}

// NumInput returns -1: the worker checks the argument count.
func (s *Stmt) NumInput() int {
	return -1
}

// Exec executes the statement with the given arguments.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query executes the statement with the given arguments.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// ExecContext implements driver.StmtExecContext.
func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

// QueryContext implements driver.StmtQueryContext.
func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- Transaction implementation ---

// Tx implements the driver.Tx interface.
type Tx struct {
	conn *Conn
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.finish("COMMIT")
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.finish("ROLLBACK")
}

func (t *Tx) finish(statement string) error {
	if !t.conn.inTx {
		return fmt.Errorf("sqlworker: transaction already committed or rolled back")
	}
	// The transaction is over either way; a failed COMMIT leaves SQLite to
	// roll back.
	t.conn.inTx = false
	_, err := t.conn.conn.Exec(context.Background(), statement)
	return err
}

// --- Result implementation ---

// sqlWorkerResult implements the driver.Result interface.
type sqlWorkerResult struct {
	lastInsertID int64
	rowsAffected int64
}

// LastInsertId returns the rowid of the most recent successful INSERT.
func (r *sqlWorkerResult) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

// RowsAffected returns the number of rows changed by the statement.
func (r *sqlWorkerResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows implementation ---

// sqlWorkerRows serves rows from a fully collected result.
type sqlWorkerRows struct {
	result          *types.Result
	currentRowIndex int
}

// Columns returns the names of the columns.
func (r *sqlWorkerRows) Columns() []string {
	return r.result.Columns
}

// Close closes the Rows, preventing further enumeration.
func (r *sqlWorkerRows) Close() error {
	r.currentRowIndex = len(r.result.Rows)
	return nil
}

// Next populates dest with the next row, or returns io.EOF.
func (r *sqlWorkerRows) Next(dest []driver.Value) error {
	if r.currentRowIndex >= len(r.result.Rows) {
		return io.EOF
	}
	rowData := r.result.Values(r.currentRowIndex)
	if len(rowData) != len(dest) {
		return fmt.Errorf("sqlworker: column count mismatch. Expected %d, got %d", len(dest), len(rowData))
	}
	for i, val := range rowData {
		dest[i] = val
	}
	r.currentRowIndex++
	return nil
}
