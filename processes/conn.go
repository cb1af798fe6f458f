package processes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/tomyedwab/sqlworker/sqlproxy/ndjson"
	"github.com/tomyedwab/sqlworker/sqlproxy/types"
	"github.com/tomyedwab/sqlworker/sqlproxy/values"
)

// Conn owns one worker process and the transport to it. Calls may be issued
// from any goroutine and are pipelined; the worker answers them in order.
type Conn struct {
	id              string
	logger          *slog.Logger
	proc            *workerProcess
	stream          io.ReadWriteCloser
	enc             *ndjson.Encoder
	shutdownTimeout time.Duration

	// writeMu orders id allocation and writes, so ids reach the worker in
	// increasing order.
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Call
	closed  bool
	cause   error
	onClose []func(error)
	done    chan struct{}
}

// Open starts a worker, establishes its transport and opens the database at
// path. A zero flags value lets the worker pick read-write-create.
func Open(ctx context.Context, path string, flags int, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	logger := cfg.Logger.With("component", "sqlworker", "conn", id)

	proc, stream, err := spawn(ctx, cfg, logger)
	if err != nil {
		workerSpawnFailuresTotal.Inc()
		logger.Error("Failed to start worker", "error", err)
		var processErr *types.ProcessError
		if errors.As(err, &processErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &types.ProcessError{Message: "Unable to start database process", Err: err}
	}

	c := &Conn{
		id:              id,
		logger:          logger,
		proc:            proc,
		stream:          stream,
		enc:             ndjson.NewEncoder(stream),
		shutdownTimeout: cfg.ShutdownTimeout,
		pending:         make(map[int64]*Call),
		done:            make(chan struct{}),
	}
	go c.readLoop()

	var flagsParam any
	if flags != 0 {
		flagsParam = flags
	}
	call := c.send(types.MethodOpen, []any{path, flagsParam})
	if _, err := call.Wait(ctx); err != nil {
		workerOpenFailuresTotal.Inc()
		c.Close()
		var engineErr *types.EngineError
		var processErr *types.ProcessError
		switch {
		case errors.As(err, &engineErr):
			return nil, &types.EngineError{Code: engineErr.Code, Message: "Unable to open database: " + engineErr.Message}
		case errors.As(err, &processErr):
			return nil, &types.ProcessError{Message: "Unable to open database", Err: err}
		default:
			return nil, err
		}
	}

	logger.Debug("Database opened", "path", path, "pid", proc.pid)
	return c, nil
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// PID returns the worker's process id.
func (c *Conn) PID() int { return c.proc.pid }

// ProcessState returns the worker's lifecycle state.
func (c *Conn) ProcessState() ProcessState { return c.proc.State() }

// send registers a call and writes its request.
func (c *Conn) send(method string, params []any) *Call {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return failedCall(method, types.Closed())
	}
	c.nextID++
	call := newCall(c.nextID, method)
	c.pending[call.ID] = call
	c.mu.Unlock()
	callsInFlight.Inc()

	err := c.enc.Encode(types.Request{ID: call.ID, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.fail(&types.ProcessError{Message: "Unable to send request to database process", Err: err})
	}
	return call
}

// ExecAsync sends sql for execution without waiting for the result.
func (c *Conn) ExecAsync(sql string) *Call {
	return c.send(types.MethodExec, []any{sql})
}

// QueryAsync sends sql with bound args without waiting for the result. Args
// are either all positional or all sql.NamedArg.
func (c *Conn) QueryAsync(sql string, args ...any) *Call {
	params, err := values.EncodeParams(args)
	if err != nil {
		return failedCall(types.MethodQuery, err)
	}
	return c.send(types.MethodQuery, []any{sql, params})
}

// Exec runs one or more statements without parameters.
func (c *Conn) Exec(ctx context.Context, sql string) (*types.Result, error) {
	return c.ExecAsync(sql).Wait(ctx)
}

// Query runs a single statement with bound args and returns all its rows.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (*types.Result, error) {
	return c.QueryAsync(sql, args...).Wait(ctx)
}

// Done is closed once the connection is closed, by either side.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed: nil after Close or Quit, a
// *types.ProcessError when the worker failed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// OnClose registers fn to run once when the connection closes. If it is
// already closed, fn runs immediately.
func (c *Conn) OnClose(fn func(err error)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	cause := c.cause
	c.mu.Unlock()
	fn(cause)
}

// Quit asks the worker to close the database, then closes the connection and
// waits for the worker to exit.
func (c *Conn) Quit(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return types.Closed()
	}

	_, err := c.send(types.MethodClose, []any{}).Wait(ctx)
	if closeErr := c.Close(); closeErr != nil {
		c.logger.Warn("Error closing transport", "error", closeErr)
	}

	select {
	case <-c.proc.exited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Close terminates the transport and rejects every pending call with
// "Database closed". The worker exits once it sees its input close. Close
// is idempotent.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

// fail closes the connection because the worker or its transport failed.
func (c *Conn) fail(cause error) {
	if err := c.shutdown(cause); err != nil {
		c.logger.Debug("Error closing transport after failure", "error", err)
	}
}

func (c *Conn) shutdown(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cause = cause
	pending := c.pending
	c.pending = nil
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	if cause != nil {
		c.logger.Error("Connection to worker lost", "error", cause, "pending", len(pending))
	} else {
		c.logger.Debug("Closing connection", "pending", len(pending))
	}

	if cause == nil {
		c.proc.setState(StateStopping)
	}
	errs := new(multierror.Error)
	if err := c.stream.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	reject := cause
	if reject == nil {
		reject = types.Closed()
	}
	for _, id := range slices.Sorted(maps.Keys(pending)) {
		c.settle(pending[id], nil, reject)
	}

	for _, fn := range callbacks {
		fn(cause)
	}
	close(c.done)

	go c.proc.stop(c.shutdownTimeout)
	return errs.ErrorOrNil()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) settle(call *Call, result *types.Result, err error) {
	callsInFlight.Dec()
	callsTotal.WithLabelValues(call.Method, outcomeOf(err)).Inc()
	call.settle(result, err)
}

// readLoop delivers responses until the transport ends.
func (c *Conn) readLoop() {
	dec := ndjson.NewDecoder(c.stream)
	for {
		var resp types.Response
		err := dec.Next(&resp)
		if err == nil {
			c.deliver(&resp)
			continue
		}
		if c.isClosed() {
			return
		}

		var decodeErr *ndjson.DecodeError
		if errors.As(err, &decodeErr) {
			c.fail(&types.ProcessError{
				Message: "Invalid message from database process",
				Err:     &types.ProtocolError{Code: types.CodeParseError, Message: decodeErr.Error()},
			})
			return
		}

		// Prefer the exit status over a bare EOF.
		select {
		case <-c.proc.exited:
		case <-time.After(c.shutdownTimeout):
		}
		cause := c.proc.ExitErr()
		if cause == nil {
			cause = err
			if err == io.EOF {
				cause = io.ErrUnexpectedEOF
			}
		}
		c.fail(&types.ProcessError{Message: "Database process died", Err: cause})
		return
	}
}

func (c *Conn) deliver(resp *types.Response) {
	id, err := strconv.ParseInt(string(resp.ID), 10, 64)
	if err != nil {
		if resp.Error != nil {
			// The worker reports fatal input errors without an id and exits.
			c.fail(&types.ProcessError{Message: "Database process failed", Err: types.ErrorFromRPC(resp.Error)})
			return
		}
		c.logger.Debug("Dropping response without a usable id", "id", string(resp.ID))
		return
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Dropping response for unknown call", "id", id)
		return
	}

	if resp.Error != nil {
		c.settle(call, nil, types.ErrorFromRPC(resp.Error))
		return
	}

	var result *types.Result
	switch call.Method {
	case types.MethodExec, types.MethodQuery:
		result, err = decodeResult(resp.Result)
	}
	c.settle(call, result, err)
}

// decodeResult converts an exec or query result payload.
func decodeResult(raw json.RawMessage) (*types.Result, error) {
	var wire struct {
		Columns  []string         `json:"columns"`
		Rows     []map[string]any `json:"rows"`
		InsertID int64            `json:"insertId"`
		Changed  int64            `json:"changed"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, &types.ProtocolError{Code: types.CodeInvalidMessage, Message: fmt.Sprintf("invalid result: %v", err)}
	}

	result := &types.Result{Columns: wire.Columns, InsertID: wire.InsertID, Changed: wire.Changed}
	if wire.Columns == nil {
		return result, nil
	}
	result.Rows = make([]types.Row, len(wire.Rows))
	for i, raw := range wire.Rows {
		row := make(types.Row, len(raw))
		for col, v := range raw {
			decoded, err := values.Decode(v)
			if err != nil {
				return nil, err
			}
			row[col] = decoded
		}
		result.Rows[i] = row
	}
	return result, nil
}
