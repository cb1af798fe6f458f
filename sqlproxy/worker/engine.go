package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
	moderncsqlite "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
	"github.com/tomyedwab/sqlworker/sqlproxy/values"
)

// Driver names accepted by the worker.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// engine is a single blocking SQLite connection. It is never used from more
// than one goroutine.
type engine struct {
	db   *sqlx.DB
	conn *sqlx.Conn
}

// dataSourceName maps a path and optional SQLite open flags to a DSN both
// drivers understand.
func dataSourceName(path string, flags *int64) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", errors.New("unable to open database file: path contains NUL byte")
	}
	if flags == nil {
		return path, nil
	}

	f := *flags
	var mode string
	switch {
	case f&types.OpenReadOnly != 0 && f&(types.OpenReadWrite|types.OpenCreate) == 0:
		mode = "ro"
	case f&types.OpenReadWrite != 0 && f&types.OpenReadOnly == 0:
		mode = "rw"
		if f&types.OpenCreate != 0 {
			mode = "rwc"
		}
	default:
		return "", fmt.Errorf("bad parameter or other API misuse: invalid open flags %d", f)
	}

	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(path)
	return "file:" + escaped + "?mode=" + mode, nil
}

// openEngine opens the database and pins its single connection.
func openEngine(ctx context.Context, driverName, path string, flags *int64) (*engine, error) {
	dsn, err := dataSourceName(path, flags)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	// One connection: ":memory:" databases are per connection, and SQLite is
	// driven from a single goroutine here anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	conn, err := db.Connx(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &engine{db: db, conn: conn}, nil
}

// changes reads the connection-level insert id and change count left by the
// last statement.
func (e *engine) changes(ctx context.Context) (types.ExecResult, error) {
	var r struct {
		InsertID int64 `db:"insert_id"`
		Changed  int64 `db:"changed"`
	}
	err := e.conn.GetContext(ctx, &r, "SELECT last_insert_rowid() AS insert_id, changes() AS changed")
	if err != nil {
		return types.ExecResult{}, err
	}
	return types.ExecResult{InsertID: r.InsertID, Changed: r.Changed}, nil
}

func (e *engine) exec(ctx context.Context, query string) (types.ExecResult, error) {
	if _, err := e.conn.ExecContext(ctx, query); err != nil {
		return types.ExecResult{}, err
	}
	return e.changes(ctx)
}

// queryResult is the wire form of a query result. Rows keep column order.
type queryResult struct {
	Columns  []string     `json:"columns"`
	Rows     []orderedRow `json:"rows"`
	InsertID int64        `json:"insertId"`
	Changed  int64        `json:"changed"`
}

type orderedRow struct {
	columns []string
	values  []any
}

func (r orderedRow) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, col := range r.columns {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (e *engine) query(ctx context.Context, query string, args []any) (*queryResult, error) {
	rows, err := e.conn.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	stored, err := e.storedValues(ctx, rows, query, columns, args)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		rows.Close()
		rows = stored
		defer stored.Close()
	}

	var result []orderedRow
	if len(columns) > 0 {
		result = []orderedRow{}
	}
	// Rows are stepped even without columns: that is what executes
	// INSERT/UPDATE/DELETE statements sent through query.
	for rows.Next() {
		if len(columns) == 0 {
			continue
		}
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		encoded := make([]any, len(raw))
		for i, v := range raw {
			if encoded[i], err = values.Encode(v); err != nil {
				return nil, fmt.Errorf("failed to encode column %q: %w", columns[i], err)
			}
		}
		result = append(result, orderedRow{columns: columns, values: encoded})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	changes, err := e.changes(ctx)
	if err != nil {
		return nil, err
	}

	out := &queryResult{InsertID: changes.InsertID, Changed: changes.Changed}
	if len(columns) > 0 {
		out.Columns = columns
		out.Rows = result
	}
	return out, nil
}

// convertedTypes are the declared column types whose values the drivers
// turn into time.Time or bool while reading.
var convertedTypes = map[string]bool{
	"DATE":      true,
	"DATETIME":  true,
	"TIMESTAMP": true,
	"BOOLEAN":   true,
}

// storedValues re-issues a query whose result has a column of a converted
// declared type, reading every column through an expression so that values
// come back as stored. The original rows have not been read yet. It returns
// nil when no column is affected or the statement is not a SELECT; only a
// SELECT can be wrapped, so nothing else is ever run twice.
func (e *engine) storedValues(ctx context.Context, rows *sqlx.Rows, query string, columns []string, args []any) (*sqlx.Rows, error) {
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}
	converted := false
	for _, ct := range columnTypes {
		if convertedTypes[strings.ToUpper(ct.DatabaseTypeName())] {
			converted = true
			break
		}
	}
	if !converted {
		return nil, nil
	}

	stored, err := e.conn.QueryxContext(ctx, storedValuesQuery(query, columns), args...)
	if err != nil {
		// Not a SELECT: the driver's values are used as they are.
		return nil, nil
	}
	return stored, nil
}

// storedValuesQuery wraps a SELECT in a common table expression with
// positional column names and selects each column back with unary plus,
// which carries no declared type.
func storedValuesQuery(query string, columns []string) string {
	var b strings.Builder
	b.WriteString("WITH sqlworker_stored(")
	for i := range columns {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "c%d", i)
	}
	b.WriteString(") AS (\n")
	b.WriteString(strings.TrimRight(query, " \t\r\n;"))
	b.WriteString("\n) SELECT ")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "+c%d AS \"%s\"", i, strings.ReplaceAll(col, `"`, `""`))
	}
	b.WriteString(" FROM sqlworker_stored")
	return b.String()
}

func (e *engine) close() error {
	connErr := e.conn.Close()
	if err := e.db.Close(); err != nil {
		return err
	}
	return connErr
}

// bindArgs decodes wire parameters into driver arguments. An array binds
// positionally, an object binds by name.
func bindArgs(params any) ([]any, error) {
	switch p := params.(type) {
	case []any:
		args := make([]any, len(p))
		for i, raw := range p {
			v, err := values.Decode(raw)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return args, nil
	case map[string]any:
		args := make([]any, 0, len(p))
		for name, raw := range p {
			v, err := values.Decode(raw)
			if err != nil {
				return nil, err
			}
			args = append(args, sql.Named(strings.TrimLeft(name, ":@$"), v))
		}
		return args, nil
	default:
		return nil, fmt.Errorf("parameters must be an array or an object, got %T", params)
	}
}

// engineCode extracts the SQLite result code from a driver error.
func engineCode(err error) int {
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return int(cgoErr.Code)
	}
	var pureErr *moderncsqlite.Error
	if errors.As(err, &pureErr) {
		return pureErr.Code()
	}
	return 1 // SQLITE_ERROR
}
