package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/tomyedwab/sqlworker/sqlproxy/ndjson"
	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// Worker executes requests for a single SQLite database. It reads one request
// per line and handles them strictly one at a time.
type Worker struct {
	driverName string
	logger     *slog.Logger
	engine     *engine
}

// New creates a Worker that opens databases with the named database/sql
// driver (DriverCGO or DriverPure).
func New(driverName string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{driverName: driverName, logger: logger}
}

type resultResponse struct {
	ID     any `json:"id"`
	Result any `json:"result"`
}

type errorResponse struct {
	ID    any             `json:"id"`
	Error *types.RPCError `json:"error"`
}

// errStop ends Serve after a fatal protocol error has been reported.
var errStop = errors.New("stop serving")

// Serve handles requests from in and writes responses to out until in is
// exhausted or an unparseable or malformed message arrives. The engine is
// closed when Serve returns.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	dec := ndjson.NewDecoder(in)
	enc := ndjson.NewEncoder(out)
	defer w.closeEngine()

	for {
		var msg any
		err := dec.Next(&msg)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			w.logger.Error("unreadable input", "error", err)
			writeErr := w.writeError(enc, nil, types.CodeParseError, "input error: "+err.Error())
			return errors.Join(err, writeErr)
		}

		if err := w.handle(ctx, enc, msg); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
}

// handle validates the shape of one message and dispatches it.
func (w *Worker) handle(ctx context.Context, enc *ndjson.Encoder, msg any) error {
	obj, ok := msg.(map[string]any)
	if !ok {
		return w.malformed(enc)
	}
	id, ok := obj["id"]
	if !ok || !isScalarID(id) {
		return w.malformed(enc)
	}
	method, ok := obj["method"].(string)
	if !ok {
		return w.malformed(enc)
	}
	params, ok := obj["params"].([]any)
	if !ok {
		return w.malformed(enc)
	}

	result, rpcErr := w.dispatch(ctx, method, params)
	if rpcErr != nil {
		return w.writeError(enc, id, rpcErr.Code, rpcErr.Message)
	}
	return enc.Encode(resultResponse{ID: id, Result: result})
}

func (w *Worker) malformed(enc *ndjson.Encoder) error {
	w.logger.Error("malformed message, stopping")
	if err := w.writeError(enc, nil, types.CodeInvalidMessage, "malformed message"); err != nil {
		return err
	}
	return errStop
}

func isScalarID(id any) bool {
	switch id.(type) {
	case json.Number, string, bool:
		return true
	default:
		return false
	}
}

func (w *Worker) writeError(enc *ndjson.Encoder, id any, code int, message string) error {
	return enc.Encode(errorResponse{ID: id, Error: &types.RPCError{Code: code, Message: message}})
}

var errInvalidMethod = &types.RPCError{Code: types.CodeInvalidMethod, Message: "invalid method call"}

// dispatch runs one method. A method that is unknown, sent in the wrong state
// or with ill-typed params is an invalid method call; the worker keeps
// serving.
func (w *Worker) dispatch(ctx context.Context, method string, params []any) (any, *types.RPCError) {
	switch method {
	case types.MethodOpen:
		path, flags, ok := openParams(params)
		if !ok || w.engine != nil {
			return nil, errInvalidMethod
		}
		return w.handleOpen(ctx, path, flags)
	case types.MethodExec:
		if w.engine == nil || len(params) != 1 {
			return nil, errInvalidMethod
		}
		query, ok := params[0].(string)
		if !ok {
			return nil, errInvalidMethod
		}
		return w.handleExec(ctx, query)
	case types.MethodQuery:
		if w.engine == nil || len(params) != 2 {
			return nil, errInvalidMethod
		}
		query, ok := params[0].(string)
		if !ok {
			return nil, errInvalidMethod
		}
		switch params[1].(type) {
		case []any, map[string]any:
		default:
			return nil, errInvalidMethod
		}
		return w.handleQuery(ctx, query, params[1])
	case types.MethodClose:
		if w.engine == nil || len(params) != 0 {
			return nil, errInvalidMethod
		}
		return w.handleClose()
	default:
		return nil, errInvalidMethod
	}
}

func openParams(params []any) (string, *int64, bool) {
	if len(params) != 2 {
		return "", nil, false
	}
	path, ok := params[0].(string)
	if !ok {
		return "", nil, false
	}
	if params[1] == nil {
		return path, nil, true
	}
	n, ok := params[1].(json.Number)
	if !ok {
		return "", nil, false
	}
	flags, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return "", nil, false
	}
	return path, &flags, true
}

func engineFailure(err error) *types.RPCError {
	return &types.RPCError{Code: engineCode(err), Message: err.Error()}
}

func (w *Worker) handleOpen(ctx context.Context, path string, flags *int64) (any, *types.RPCError) {
	e, err := openEngine(ctx, w.driverName, path, flags)
	if err != nil {
		w.logger.Warn("open failed", "path", path, "error", err)
		return nil, engineFailure(err)
	}
	w.engine = e
	w.logger.Debug("database opened", "path", path, "driver", w.driverName)
	return true, nil
}

func (w *Worker) handleExec(ctx context.Context, query string) (any, *types.RPCError) {
	res, err := w.engine.exec(ctx, query)
	if err != nil {
		return nil, engineFailure(err)
	}
	return res, nil
}

func (w *Worker) handleQuery(ctx context.Context, query string, params any) (any, *types.RPCError) {
	args, err := bindArgs(params)
	if err != nil {
		return nil, &types.RPCError{Code: types.CodeInvalidMethod, Message: fmt.Sprintf("invalid parameters: %v", err)}
	}
	res, err := w.engine.query(ctx, query, args)
	if err != nil {
		return nil, engineFailure(err)
	}
	return res, nil
}

func (w *Worker) handleClose() (any, *types.RPCError) {
	err := w.engine.close()
	w.engine = nil
	if err != nil {
		return nil, engineFailure(err)
	}
	return nil, nil
}

func (w *Worker) closeEngine() {
	if w.engine == nil {
		return
	}
	if err := w.engine.close(); err != nil {
		w.logger.Warn("closing database", "error", err)
	}
	w.engine = nil
}
