package processes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	// WorkerBinaryName is the executable looked up next to the host binary
	// and on PATH.
	WorkerBinaryName = "sqlite-worker"
	// BinaryEnv overrides worker binary detection.
	BinaryEnv = "SQLWORKER_BINARY"
)

// Config holds configuration options for a worker process.
type Config struct {
	Binary          string        // Optional, path of the worker executable
	SelfExec        bool          // Optional, re-execute the host binary as the worker (see worker.RunIfWorker)
	Env             []string      // Optional, extra KEY=VALUE entries appended to the host environment
	Transport       Transport     // Optional, defaults to TransportAuto
	ConnectTimeout  time.Duration // Optional, bound on socket establishment, defaults to 10s
	ShutdownTimeout time.Duration // Optional, wait for a closed worker to exit before killing it, defaults to 5s
	Logger          *slog.Logger  // Optional, defaults to slog.Default()
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// command resolves the worker executable and the extra environment it needs.
func (cfg Config) command() (string, []string, error) {
	env := append([]string(nil), cfg.Env...)

	if cfg.Binary != "" {
		return cfg.Binary, env, nil
	}
	if cfg.SelfExec {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("failed to locate own executable: %w", err)
		}
		return exe, append(env, types.WorkerRoleEnv+"="+types.WorkerRole), nil
	}
	if bin := os.Getenv(BinaryEnv); bin != "" {
		return bin, env, nil
	}

	name := WorkerBinaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), name)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, env, nil
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, env, nil
	}
	return "", nil, fmt.Errorf("%s not found next to the host executable or on PATH; set Config.Binary, Config.SelfExec or %s", WorkerBinaryName, BinaryEnv)
}

// spawn starts a worker and establishes its transport.
func spawn(ctx context.Context, cfg Config, logger *slog.Logger) (*workerProcess, io.ReadWriteCloser, error) {
	binary, env, err := cfg.command()
	if err != nil {
		return nil, nil, err
	}
	mode := resolveTransport(cfg.Transport)
	est, err := newEstablisher(mode, cfg.ConnectTimeout)
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), env...)
	if err := est.prepare(cmd); err != nil {
		return nil, nil, err
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		est.abort()
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stderr = stderrW

	if err := markCloseOnExec(); err != nil {
		logger.Warn("Unable to mark descriptors close-on-exec", "error", err)
	}

	if err := cmd.Start(); err != nil {
		est.abort()
		stderrR.Close()
		stderrW.Close()
		return nil, nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}
	stderrW.Close()
	workerSpawnsTotal.WithLabelValues(mode.String()).Inc()

	proc := watchProcess(cmd, stderrR, logger)
	logger.Debug("Worker started", "pid", proc.pid, "transport", mode.String(), "command", cmd.String())

	stream, err := est.connect(ctx, proc)
	if err != nil {
		proc.kill()
		return nil, nil, err
	}
	proc.setState(StateRunning)
	return proc, stream, nil
}
