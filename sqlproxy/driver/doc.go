// Package driver implements a database/sql/driver on top of SQLite worker
// processes.
//
// Each connection in the database/sql pool owns one worker process. SQL is
// sent as text with its arguments; results are collected eagerly by the
// worker and served from memory.
//
// Usage:
//
//  1. Import the driver package. This registers the driver with the name
//     "sqlworker"; the data source name is the database path and the worker
//     binary is detected automatically.
//     import _ "github.com/tomyedwab/sqlworker/sqlproxy/driver"
//
//  2. Or build a connector to choose flags and process options:
//
//     db := sql.OpenDB(driver.NewConnector("users.db", types.OpenReadWrite|types.OpenCreate, processes.Config{}))
//     defer db.Close()
//
//  3. Use the *sql.DB as usual. Positional (?) and named (:name, @name, $name)
//     arguments are supported, but not both in one statement.
//
// Transactions are plain BEGIN, COMMIT and ROLLBACK statements on the
// connection's worker. Since SQLite keeps one write transaction per file,
// concurrent pooled transactions on a file database serialize on the
// engine's busy handling.
//
// Limitations:
//
//   - Statements are not prepared on the worker; NumInput reports -1.
//   - Context cancellation stops waiting for a result but does not interrupt
//     the statement in the worker.
package driver
