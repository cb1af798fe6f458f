// Package lazy defers starting a worker until the first operation, queues
// operations while it starts and shuts the worker down again once it has been
// idle for a while.
package lazy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/sqlworker/processes"
	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// Conn is the part of *processes.Conn a DB drives.
type Conn interface {
	ExecAsync(sql string) *processes.Call
	QueryAsync(sql string, args ...any) *processes.Call
	Quit(ctx context.Context) error
	Close() error
	Done() <-chan struct{}
}

// Opener starts a connection.
type Opener func(ctx context.Context) (Conn, error)

// State of a DB.
type State int

const (
	StateUnopened State = iota
	StateOpening
	StateReady
	StateClosed
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateUnopened:
		return "Unopened"
	case StateOpening:
		return "Opening"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

// Config holds configuration options for a DB.
type Config struct {
	// Idle is how long a connection without outstanding calls is kept. Zero
	// closes it as soon as the last call settles.
	Idle   time.Duration
	Logger *slog.Logger // Optional, defaults to slog.Default()
}

// DB is a connection-like handle whose worker is started on demand.
type DB struct {
	open   Opener
	idle   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	queue    []*entry
	pending  int // calls sent on conn and not yet settled
	timer    *time.Timer
	timerGen int
	quitting bool
	onClose  []func()
	done     chan struct{}
}

// entry is an operation waiting for the connection to open.
type entry struct {
	op    func(Conn) *processes.Call // nil for quit
	ready chan struct{}
	call  *processes.Call
	err   error
}

func (e *entry) reject(err error) {
	e.err = err
	close(e.ready)
}

// New returns a DB in StateUnopened. Nothing is started until the first
// operation.
func New(open Opener, cfg Config) *DB {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.Idle
	if idle < 0 {
		idle = 0
	}
	return &DB{
		open:   open,
		idle:   idle,
		logger: logger.With("component", "lazy"),
		done:   make(chan struct{}),
	}
}

// State returns the current state.
func (db *DB) State() State {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

// Pending is an operation submitted to a DB.
type Pending struct {
	entry *entry
	call  *processes.Call
	err   error
}

// Wait blocks until the operation settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*types.Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	call := p.call
	if call == nil {
		select {
		case <-p.entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if p.entry.err != nil {
			return nil, p.entry.err
		}
		call = p.entry.call
	}
	return call.Wait(ctx)
}

// ExecAsync submits sql for execution.
func (db *DB) ExecAsync(sql string) *Pending {
	return db.submit(func(c Conn) *processes.Call { return c.ExecAsync(sql) })
}

// QueryAsync submits sql with bound args.
func (db *DB) QueryAsync(sql string, args ...any) *Pending {
	return db.submit(func(c Conn) *processes.Call { return c.QueryAsync(sql, args...) })
}

// Exec runs one or more statements without parameters.
func (db *DB) Exec(ctx context.Context, sql string) (*types.Result, error) {
	return db.ExecAsync(sql).Wait(ctx)
}

// Query runs a single statement with bound args.
func (db *DB) Query(ctx context.Context, sql string, args ...any) (*types.Result, error) {
	return db.QueryAsync(sql, args...).Wait(ctx)
}

func (db *DB) submit(op func(Conn) *processes.Call) *Pending {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch db.state {
	case StateClosed:
		return &Pending{err: types.Closed()}
	case StateReady:
		db.stopTimerLocked()
		return &Pending{call: db.sendLocked(op)}
	case StateUnopened:
		db.startOpenLocked()
	}
	e := &entry{op: op, ready: make(chan struct{})}
	db.queue = append(db.queue, e)
	return &Pending{entry: e}
}

func (db *DB) startOpenLocked() {
	db.state = StateOpening
	db.logger.Debug("Opening connection")
	go db.openConn()
}

// sendLocked issues op on the current connection and tracks it for the idle
// timer.
func (db *DB) sendLocked(op func(Conn) *processes.Call) *processes.Call {
	conn := db.conn
	call := op(conn)
	db.pending++
	go func() {
		<-call.Done()
		db.mu.Lock()
		defer db.mu.Unlock()
		if db.conn != conn {
			return
		}
		db.pending--
		db.armTimerLocked()
	}()
	return call
}

func (db *DB) openConn() {
	conn, err := db.open(context.Background())

	db.mu.Lock()
	queue := db.queue
	db.queue = nil

	if db.state == StateClosed {
		db.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		db.state = StateUnopened
		db.quitting = false
		db.mu.Unlock()
		db.logger.Warn("Failed to open connection", "error", err, "queued", len(queue))
		for _, e := range queue {
			e.reject(err)
		}
		return
	}

	db.conn = conn
	db.state = StateReady
	db.pending = 0
	go db.watch(conn)

	for i, e := range queue {
		if e.op != nil {
			e.call = db.sendLocked(e.op)
			close(e.ready)
			continue
		}

		// A quit queued while opening runs after everything before it; any
		// later entries see a closed database.
		_, rest, callbacks := db.finishLocked()
		db.mu.Unlock()
		go func() {
			err := conn.Quit(context.Background())
			e.err = err
			close(e.ready)
		}()
		for _, later := range queue[i+1:] {
			later.reject(types.Closed())
		}
		db.notify(rest, callbacks)
		return
	}

	db.armTimerLocked()
	db.mu.Unlock()
}

// watch resets the DB when its connection closes underneath it, so the next
// operation starts a new worker.
func (db *DB) watch(conn Conn) {
	<-conn.Done()
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn != conn || db.state != StateReady {
		return
	}
	db.logger.Warn("Connection closed unexpectedly, will reopen on next use")
	db.stopTimerLocked()
	db.conn = nil
	db.pending = 0
	db.state = StateUnopened
}

func (db *DB) stopTimerLocked() {
	db.timerGen++
	if db.timer != nil {
		db.timer.Stop()
		db.timer = nil
	}
}

func (db *DB) armTimerLocked() {
	if db.state != StateReady || db.pending > 0 || db.quitting {
		return
	}
	db.stopTimerLocked()
	if db.idle == 0 {
		db.expireLocked()
		return
	}
	gen := db.timerGen
	db.timer = time.AfterFunc(db.idle, func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		if gen != db.timerGen || db.state != StateReady || db.pending > 0 {
			return
		}
		db.expireLocked()
	})
}

// expireLocked quits an idle connection and returns to StateUnopened.
func (db *DB) expireLocked() {
	conn := db.conn
	db.conn = nil
	db.timer = nil
	db.state = StateUnopened
	db.logger.Debug("Closing idle connection", "idle", db.idle)
	go func() {
		if err := conn.Quit(context.Background()); err != nil {
			db.logger.Warn("Error quitting idle connection", "error", err)
		}
	}()
}

// finishLocked moves to StateClosed and hands back what the caller must
// dispose of outside the lock.
func (db *DB) finishLocked() (Conn, []*entry, []func()) {
	db.stopTimerLocked()
	conn := db.conn
	queue := db.queue
	callbacks := db.onClose
	db.conn = nil
	db.queue = nil
	db.onClose = nil
	db.pending = 0
	db.state = StateClosed
	return conn, queue, callbacks
}

func (db *DB) notify(queue []*entry, callbacks []func()) {
	for _, e := range queue {
		e.reject(types.Closed())
	}
	for _, fn := range callbacks {
		fn()
	}
	close(db.done)
}

// Close rejects queued operations, closes the connection if there is one and
// notifies close listeners. Calling Close again does nothing.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.state == StateClosed {
		db.mu.Unlock()
		return nil
	}
	conn, queue, callbacks := db.finishLocked()
	db.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	db.notify(queue, callbacks)
	return err
}

// Quit closes the database after every operation submitted before it has
// completed. It fails if the database is already closed or quitting.
func (db *DB) Quit(ctx context.Context) error {
	db.mu.Lock()
	if db.state == StateClosed || db.quitting {
		db.mu.Unlock()
		return types.Closed()
	}

	switch db.state {
	case StateUnopened:
		db.mu.Unlock()
		return db.Close()
	case StateOpening:
		db.quitting = true
		e := &entry{ready: make(chan struct{})}
		db.queue = append(db.queue, e)
		db.mu.Unlock()
		select {
		case <-e.ready:
			return e.err
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		conn, queue, callbacks := db.finishLocked()
		db.mu.Unlock()
		err := conn.Quit(ctx)
		db.notify(queue, callbacks)
		return err
	}
}

// Done is closed once the DB is closed.
func (db *DB) Done() <-chan struct{} {
	return db.done
}

// OnClose registers fn to run once when the DB is closed. If it is already
// closed, fn runs immediately.
func (db *DB) OnClose(fn func()) {
	db.mu.Lock()
	if db.state != StateClosed {
		db.onClose = append(db.onClose, fn)
		db.mu.Unlock()
		return
	}
	db.mu.Unlock()
	fn()
}
