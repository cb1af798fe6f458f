// Command sqlite-query runs SQL against a database through a worker process
// and prints the result as a table.
//
//	sqlite-query --db users.db "SELECT * FROM user WHERE id = ?" 42
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"

	"github.com/tomyedwab/sqlworker"
	"github.com/tomyedwab/sqlworker/sqlproxy/worker"
)

type options struct {
	DB        string           `long:"db" default:"users.db" description:"Database path"`
	ReadOnly  bool             `long:"read-only" description:"Open the database read-only"`
	Idle      time.Duration    `long:"idle" default:"5s" description:"Idle time before the worker is stopped"`
	Exec      bool             `long:"exec" description:"Run the SQL as a script of statements without parameters"`
	Transport string           `long:"transport" default:"auto" choice:"auto" choice:"pipe" choice:"socket" description:"Worker transport"`
	Log       worker.LogConfig `group:"Logging" namespace:"log" env-namespace:"SQLWORKER_LOG"`

	Args struct {
		SQL    string   `positional-arg-name:"sql" required:"yes"`
		Params []string `positional-arg-name:"param"`
	} `positional-args:"yes"`
}

func main() {
	// The query tool is its own worker.
	worker.RunIfWorker()

	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := worker.NewLogger(opts.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("Query failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	openFlags := sqlworker.OpenReadWrite | sqlworker.OpenCreate
	if opts.ReadOnly {
		openFlags = sqlworker.OpenReadOnly
	}
	transport := map[string]sqlworker.Transport{
		"auto":   sqlworker.TransportAuto,
		"pipe":   sqlworker.TransportPipe,
		"socket": sqlworker.TransportSocket,
	}[opts.Transport]

	db := sqlworker.OpenLazy(opts.DB, openFlags, sqlworker.Options{
		Idle:      opts.Idle,
		SelfExec:  true,
		Transport: transport,
		Logger:    logger,
	})
	defer db.Close()

	var res *sqlworker.Result
	var err error
	if opts.Exec {
		res, err = db.Exec(ctx, opts.Args.SQL)
	} else {
		params := make([]any, len(opts.Args.Params))
		for i, p := range opts.Args.Params {
			params[i] = parseParam(p)
		}
		res, err = db.Query(ctx, opts.Args.SQL, params...)
	}
	if err != nil {
		return err
	}

	if err := printResult(os.Stdout, res); err != nil {
		return err
	}
	return db.Quit(ctx)
}

// parseParam binds integers and reals by their numeric value, anything else
// as text.
func parseParam(p string) any {
	if i, err := strconv.ParseInt(p, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(p, 64); err == nil {
		return f
	}
	return p
}

func printResult(w io.Writer, res *sqlworker.Result) error {
	if res.Columns == nil {
		_, err := fmt.Fprintf(w, "changed: %d, last insert id: %d\n", res.Changed, res.InsertID)
		return err
	}

	var table = tablewriter.NewWriter(w)
	table.Header(res.Columns)
	for i := range res.Rows {
		var row []string
		for _, v := range res.Values(i) {
			row = append(row, formatValue(v))
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to add row %d: %w", i, err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("x'%x'", v)
	default:
		return fmt.Sprint(v)
	}
}
