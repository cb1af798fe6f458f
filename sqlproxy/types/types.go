package types

import "encoding/json"

// --- JSON structures for worker communication ---

// Methods understood by the worker.
const (
	MethodOpen  = "open"
	MethodExec  = "exec"
	MethodQuery = "query"
	MethodClose = "close"
)

// Reserved error codes, shared with JSON-RPC 2.0.
const (
	CodeParseError     = -32700 // unparseable input line
	CodeInvalidMessage = -32600 // well-formed value but wrong shape
	CodeInvalidMethod  = -32601 // unknown method or wrong worker state
)

// SQLite open flags accepted by the open method.
const (
	OpenReadOnly  = 0x00000001
	OpenReadWrite = 0x00000002
	OpenCreate    = 0x00000004
)

// WorkerRoleEnv marks a spawned process as a worker when the host executable
// re-executes itself.
const WorkerRoleEnv = "SQLWORKER_ROLE"

// WorkerRole is the value of WorkerRoleEnv in a self-executed worker.
const WorkerRole = "worker"

// Request is sent from the host to the worker, one per line.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Response is sent from the worker to the host, one per line. Exactly one of
// Result or Error is meaningful; a nil Error means success.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of an error response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ExecResult is the result payload of the exec method.
type ExecResult struct {
	InsertID int64 `json:"insertId"`
	Changed  int64 `json:"changed"`
}

// Row maps column names to decoded values. Column order is given by the
// Columns field of the Result it belongs to.
type Row map[string]any

// Result is the outcome of an exec or query call. Columns and Rows are nil for
// statements without a result set (DDL, INSERT/UPDATE/DELETE) and non-nil,
// possibly empty, otherwise.
type Result struct {
	Columns  []string `json:"columns"`
	Rows     []Row    `json:"rows"`
	InsertID int64    `json:"insertId"`
	Changed  int64    `json:"changed"`
}

// Values returns row i as a slice ordered like Columns.
func (r *Result) Values(i int) []any {
	row := r.Rows[i]
	vals := make([]any, len(r.Columns))
	for j, col := range r.Columns {
		vals[j] = row[col]
	}
	return vals
}
