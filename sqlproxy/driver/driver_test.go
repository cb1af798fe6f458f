package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/sqlworker/processes"
	"github.com/tomyedwab/sqlworker/sqlproxy/types"
	"github.com/tomyedwab/sqlworker/sqlproxy/worker"
)

func TestMain(m *testing.M) {
	worker.RunIfWorker()
	os.Exit(m.Run())
}

type user struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Email string `db:"email"`
}

func openDB(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	connector := NewConnector(path, 0, processes.Config{
		SelfExec: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	db := sqlx.NewDb(sql.OpenDB(connector), "sqlite3")
	// Each pooled connection has its own worker, so an in-memory database
	// needs a single connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	db.MustExec("CREATE TABLE IF NOT EXISTS user (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, email TEXT)")
	return db
}

func TestExecAndSelect(t *testing.T) {
	db := openDB(t, ":memory:")

	res, err := db.Exec("INSERT INTO user (name, email) VALUES (?, ?)", "Alice", "alice@example.com")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	_, err = db.NamedExec("INSERT INTO user (name, email) VALUES (:name, :email)", &user{Name: "Bob", Email: "bob@example.com"})
	require.NoError(t, err)

	var users []user
	require.NoError(t, db.Select(&users, "SELECT * FROM user ORDER BY id"))
	assert.Equal(t, []user{
		{ID: 1, Name: "Alice", Email: "alice@example.com"},
		{ID: 2, Name: "Bob", Email: "bob@example.com"},
	}, users)

	var u user
	require.NoError(t, db.Get(&u, "SELECT * FROM user WHERE name = :name", sql.Named("name", "Bob")))
	assert.Equal(t, int64(2), u.ID)

	err = db.Get(&u, "SELECT * FROM user WHERE id = ?", 99)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestPreparedStatement(t *testing.T) {
	db := openDB(t, ":memory:")

	stmt, err := db.Preparex("INSERT INTO user (name) VALUES (?)")
	require.NoError(t, err)
	defer stmt.Close()
	for _, name := range []string{"a", "b", "c"} {
		_, err := stmt.Exec(name)
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM user"))
	assert.Equal(t, 3, count)
}

func TestTransactions(t *testing.T) {
	db := openDB(t, ":memory:")

	tx, err := db.Beginx()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO user (name) VALUES (?)", "kept")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = db.Beginx()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO user (name) VALUES (?)", "dropped")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var names []string
	require.NoError(t, db.Select(&names, "SELECT name FROM user"))
	assert.Equal(t, []string{"kept"}, names)

	_, err = db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelReadUncommitted})
	assert.Error(t, err)
}

func TestEngineErrorSurfaces(t *testing.T) {
	db := openDB(t, ":memory:")

	_, err := db.Exec("INSERT INTO missing VALUES (1)")
	var engineErr *types.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "no such table: missing", engineErr.Message)

	var one int
	require.NoError(t, db.Get(&one, "SELECT 1"))
	assert.Equal(t, 1, one)
}

func TestBlobAndNullColumns(t *testing.T) {
	db := openDB(t, ":memory:")

	var row struct {
		Data  []byte         `db:"data"`
		Empty sql.NullString `db:"empty"`
		Ratio float64        `db:"ratio"`
	}
	require.NoError(t, db.Get(&row, "SELECT ? AS data, NULL AS empty, ? AS ratio", []byte{0, 1, 2}, 2.0))
	assert.Equal(t, []byte{0, 1, 2}, row.Data)
	assert.False(t, row.Empty.Valid)
	assert.Equal(t, 2.0, row.Ratio)
}

func TestPooledConnectionsShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	db := openDB(t, path)
	db.SetMaxOpenConns(4)

	ctx := context.Background()
	first, err := db.Connx(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := db.Connx(ctx)
	require.NoError(t, err)
	defer second.Close()

	_, err = first.ExecContext(ctx, "INSERT INTO user (name) VALUES (?)", "shared")
	require.NoError(t, err)

	var name string
	require.NoError(t, second.GetContext(ctx, &name, "SELECT name FROM user"))
	assert.Equal(t, "shared", name)
}

func TestOpenFailure(t *testing.T) {
	connector := NewConnector(filepath.Join(t.TempDir(), "missing", "db.sqlite"), types.OpenReadWrite, processes.Config{
		SelfExec: true,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	db := sql.OpenDB(connector)
	defer db.Close()

	err := db.Ping()
	var engineErr *types.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Contains(t, engineErr.Message, "Unable to open database")
}

func TestRowsNext(t *testing.T) {
	rows := &sqlWorkerRows{result: &types.Result{
		Columns: []string{"id", "data"},
		Rows: []types.Row{
			{"id": int64(1), "data": []byte{1}},
			{"id": int64(2), "data": nil},
		},
	}}
	assert.Equal(t, []string{"id", "data"}, rows.Columns())

	dest := make([]driver.Value, 2)
	require.NoError(t, rows.Next(dest))
	assert.Equal(t, []driver.Value{int64(1), []byte{1}}, dest)
	require.NoError(t, rows.Next(dest))
	assert.Equal(t, []driver.Value{int64(2), nil}, dest)
	assert.Equal(t, io.EOF, rows.Next(dest))

	rows = &sqlWorkerRows{result: &types.Result{Columns: []string{"id"}, Rows: []types.Row{{"id": int64(1)}}}}
	assert.ErrorContains(t, rows.Next(make([]driver.Value, 2)), "column count mismatch")
}
