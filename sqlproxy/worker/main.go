package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// LogConfig configures the worker's stderr logger.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

// Options are the command line options of a worker process.
type Options struct {
	Driver string    `long:"driver" env:"SQLWORKER_DRIVER" default:"sqlite3" choice:"sqlite3" choice:"sqlite" description:"database/sql driver running the engine"`
	Log    LogConfig `group:"Logging" namespace:"log" env-namespace:"SQLWORKER_LOG"`

	Args struct {
		Address string `positional-arg-name:"address" description:"Loopback address to dial instead of using stdin and stdout"`
	} `positional-args:"yes"`
}

// NewLogger builds the stderr logger described by cfg.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Main runs a worker process with the given arguments (without the program
// name) and returns its exit status.
func Main(args []string) int {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "sqlite-worker"
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		return 2
	}

	logger := NewLogger(opts.Log, os.Stderr).With("component", "sqlite-worker", "pid", os.Getpid())

	var in io.Reader = os.Stdin
	var out io.Writer = os.Stdout
	if opts.Args.Address != "" {
		conn, err := net.Dial("tcp", opts.Args.Address)
		if err != nil {
			logger.Error("failed to connect to host", "address", opts.Args.Address, "error", err)
			return 1
		}
		defer conn.Close()
		in, out = conn, conn
	}

	if err := New(opts.Driver, logger).Serve(context.Background(), in, out); err != nil {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	return 0
}

// RunIfWorker turns the current process into a worker when it was started
// as one by a host that re-executes its own binary. It does not return in
// that case.
func RunIfWorker() {
	if os.Getenv(types.WorkerRoleEnv) != types.WorkerRole {
		return
	}
	os.Exit(Main(os.Args[1:]))
}
