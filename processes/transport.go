package processes

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// Transport selects how the host talks to a worker.
type Transport int

const (
	// TransportAuto uses stdio pipes when the platform supports polled pipe
	// I/O and a loopback socket otherwise.
	TransportAuto Transport = iota
	// TransportPipe wires the worker's stdin and stdout to the host.
	TransportPipe
	// TransportSocket passes a loopback address to the worker, which dials
	// back to the host.
	TransportSocket
)

// String returns a string representation of the Transport.
func (t Transport) String() string {
	switch t {
	case TransportAuto:
		return "auto"
	case TransportPipe:
		return "pipe"
	case TransportSocket:
		return "socket"
	default:
		return "invalid"
	}
}

// pipesSupportDeadlines reports whether os.Pipe descriptors are registered
// with the runtime poller, which is what allows a blocked read on the
// worker's stdout to be interrupted by Close.
func pipesSupportDeadlines() bool {
	r, w, err := os.Pipe()
	if err != nil {
		return false
	}
	defer r.Close()
	defer w.Close()
	return r.SetReadDeadline(time.Time{}) == nil
}

// resolveTransport turns TransportAuto into a concrete mode by probing.
func resolveTransport(t Transport) Transport {
	if t != TransportAuto {
		return t
	}
	if pipesSupportDeadlines() {
		return TransportPipe
	}
	return TransportSocket
}

// establisher wires a transport into a command before it starts and hands
// back the host side once it runs.
type establisher interface {
	// prepare sets up the child's side of the transport on cmd.
	prepare(cmd *exec.Cmd) error
	// connect returns the host side of the transport for a started process.
	connect(ctx context.Context, proc *workerProcess) (io.ReadWriteCloser, error)
	// abort releases everything prepare created when the process could not
	// be started.
	abort()
}

func newEstablisher(t Transport, connectTimeout time.Duration) (establisher, error) {
	switch t {
	case TransportPipe:
		return &pipeEstablisher{}, nil
	case TransportSocket:
		return &socketEstablisher{timeout: connectTimeout}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %s", t)
	}
}

// pipeStream is the host side of a stdio transport.
type pipeStream struct {
	r *os.File // worker stdout
	w *os.File // worker stdin
}

func (s *pipeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *pipeStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *pipeStream) Close() error {
	errs := new(multierror.Error)
	if err := s.w.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing worker stdin: %w", err))
	}
	if err := s.r.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing worker stdout: %w", err))
	}
	return errs.ErrorOrNil()
}

// pipeEstablisher creates the stdin and stdout pipes itself rather than using
// cmd.StdinPipe/StdoutPipe, so that cmd.Wait never closes the host's ends.
type pipeEstablisher struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
}

func (e *pipeEstablisher) prepare(cmd *exec.Cmd) error {
	var err error
	if e.stdinR, e.stdinW, err = os.Pipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if e.stdoutR, e.stdoutW, err = os.Pipe(); err != nil {
		e.stdinR.Close()
		e.stdinW.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdin = e.stdinR
	cmd.Stdout = e.stdoutW
	return nil
}

func (e *pipeEstablisher) connect(ctx context.Context, proc *workerProcess) (io.ReadWriteCloser, error) {
	// The child holds its own copies now.
	e.stdinR.Close()
	e.stdoutW.Close()
	return &pipeStream{r: e.stdoutR, w: e.stdinW}, nil
}

func (e *pipeEstablisher) abort() {
	for _, f := range []*os.File{e.stdinR, e.stdinW, e.stdoutR, e.stdoutW} {
		if f != nil {
			f.Close()
		}
	}
}

// socketEstablisher listens on a loopback port and accepts exactly one
// connection from the worker.
type socketEstablisher struct {
	timeout time.Duration
	ln      net.Listener
}

func (e *socketEstablisher) prepare(cmd *exec.Cmd) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen on loopback: %w", err)
	}
	e.ln = ln
	cmd.Args = append(cmd.Args, ln.Addr().String())
	return nil
}

func (e *socketEstablisher) connect(ctx context.Context, proc *workerProcess) (io.ReadWriteCloser, error) {
	defer e.ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := e.ln.Accept()
		accepted <- acceptResult{conn, err}
	}()
	// A connection accepted after we gave up must not leak.
	discard := func() {
		go func() {
			if r := <-accepted; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case r := <-accepted:
		if r.err != nil {
			return nil, &types.ProcessError{Message: "No connection detected", Err: r.err}
		}
		return r.conn, nil
	case <-proc.exited:
		discard()
		return nil, &types.ProcessError{Message: "Database process died while setting up connection", Err: proc.ExitErr()}
	case <-timer.C:
		discard()
		return nil, &types.ProcessError{Message: "No connection detected"}
	case <-ctx.Done():
		discard()
		return nil, ctx.Err()
	}
}

func (e *socketEstablisher) abort() {
	if e.ln != nil {
		e.ln.Close()
	}
}
