// Package sqlworker runs SQLite in a separate worker process so that no
// goroutine of the host ever blocks inside the engine.
//
// Open starts a worker right away; OpenLazy returns immediately and starts a
// worker on first use, shutting it down again after an idle period:
//
//	db := sqlworker.OpenLazy("users.db", 0, sqlworker.Options{})
//	defer db.Close()
//
//	res, err := db.Query(ctx, "SELECT * FROM user WHERE id = ?", 42)
//
// The worker is the sqlite-worker executable, found next to the host binary
// or on PATH. A host can instead re-execute itself as the worker by calling
// worker.RunIfWorker at the top of main and setting Options.SelfExec.
package sqlworker

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomyedwab/sqlworker/lazy"
	"github.com/tomyedwab/sqlworker/processes"
	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// DefaultIdle is how long OpenLazy keeps an idle worker.
const DefaultIdle = 60 * time.Second

// Open flags.
const (
	OpenReadOnly  = types.OpenReadOnly
	OpenReadWrite = types.OpenReadWrite
	OpenCreate    = types.OpenCreate
)

type (
	Result        = types.Result
	Row           = types.Row
	ProtocolError = types.ProtocolError
	EngineError   = types.EngineError
	ProcessError  = types.ProcessError
	StateError    = types.StateError
	Transport     = processes.Transport
)

const (
	TransportAuto   = processes.TransportAuto
	TransportPipe   = processes.TransportPipe
	TransportSocket = processes.TransportSocket
)

// ErrClosed is matched by errors.Is for operations on a closed database.
var ErrClosed = types.ErrClosed

// Options configure how databases are opened.
type Options struct {
	Idle           time.Duration // Optional, OpenLazy only: 0 means DefaultIdle, negative closes as soon as idle
	Binary         string        // Optional, worker executable
	SelfExec       bool          // Optional, re-execute the host binary as the worker
	Env            []string      // Optional, extra worker environment
	Transport      Transport     // Optional, defaults to TransportAuto
	ConnectTimeout time.Duration // Optional, defaults to 10s
	Logger         *slog.Logger  // Optional, defaults to slog.Default()
}

func (o Options) processConfig() processes.Config {
	return processes.Config{
		Binary:         o.Binary,
		SelfExec:       o.SelfExec,
		Env:            o.Env,
		Transport:      o.Transport,
		ConnectTimeout: o.ConnectTimeout,
		Logger:         o.Logger,
	}
}

// Database is a handle to a SQLite database served by a worker.
type Database interface {
	// Exec runs one or more statements without parameters.
	Exec(ctx context.Context, sql string) (*Result, error)
	// Query runs one statement with positional or sql.Named args.
	Query(ctx context.Context, sql string, args ...any) (*Result, error)
	// Quit closes the database once earlier operations have completed.
	Quit(ctx context.Context) error
	// Close closes the database now, rejecting outstanding operations.
	Close() error
	// Done is closed once the database is closed.
	Done() <-chan struct{}
}

// Open starts a worker and opens the database at path. flags is a
// combination of OpenReadOnly, OpenReadWrite and OpenCreate, or 0 for
// read-write-create.
func Open(ctx context.Context, path string, flags int, opts Options) (Database, error) {
	conn, err := processes.Open(ctx, resolvePath(path), flags, opts.processConfig())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenLazy returns a database whose worker is started by the first operation
// and stopped after opts.Idle without activity.
func OpenLazy(path string, flags int, opts Options) Database {
	path = resolvePath(path)
	cfg := opts.processConfig()

	idle := opts.Idle
	switch {
	case idle == 0:
		idle = DefaultIdle
	case idle < 0:
		idle = 0
	}

	return lazy.New(func(ctx context.Context) (lazy.Conn, error) {
		conn, err := processes.Open(ctx, path, flags, cfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, lazy.Config{Idle: idle, Logger: opts.Logger})
}

// resolvePath makes a relative file path absolute so that the worker opens
// the same file regardless of its working directory.
func resolvePath(path string) string {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") || filepath.IsAbs(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
