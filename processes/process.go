package processes

import (
	"bufio"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProcessState represents the lifecycle state of a worker process.
type ProcessState int

const (
	// StateStarting means the process has been started but its transport is
	// not yet established.
	StateStarting ProcessState = iota
	// StateRunning means the process is serving requests.
	StateRunning
	// StateStopping means the host closed the transport and is waiting for the
	// process to exit.
	StateStopping
	// StateStopped means the process exited after being stopped.
	StateStopped
	// StateFailed means the process exited on its own or had to be killed.
	StateFailed
)

// String returns a string representation of the ProcessState.
func (ps ProcessState) String() string {
	switch ps {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// workerProcess is a started worker. Its exit is observed by a single
// goroutine calling cmd.Wait; everything else waits on exited.
type workerProcess struct {
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger

	mu      sync.Mutex
	state   ProcessState
	exitErr error

	exited  chan struct{}
	drained chan struct{}
}

// watchProcess starts the stderr drain and the reaper for a started cmd.
// It takes ownership of stderr.
func watchProcess(cmd *exec.Cmd, stderr *os.File, logger *slog.Logger) *workerProcess {
	p := &workerProcess{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		logger:  logger.With("pid", cmd.Process.Pid),
		state:   StateStarting,
		exited:  make(chan struct{}),
		drained: make(chan struct{}),
	}

	go func() {
		defer close(p.drained)
		defer stderr.Close()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			p.logger.Info("Worker stderr", "output", scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			p.logger.Error("Error reading stderr from worker", "error", err)
		}
	}()

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		if p.state == StateStopping && err == nil {
			p.state = StateStopped
		} else {
			p.state = StateFailed
		}
		p.mu.Unlock()
		if err != nil {
			p.logger.Info("Worker exited", "error", err)
		} else {
			p.logger.Debug("Worker exited")
		}
		close(p.exited)
	}()

	return p
}

func (p *workerProcess) setState(state ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
		return // exit state is final
	default:
	}
	p.state = state
}

// State returns the current process state.
func (p *workerProcess) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitErr returns the error from cmd.Wait once the process has exited.
func (p *workerProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// stop waits up to grace for the process to exit on its own after its
// transport was closed, then kills it.
func (p *workerProcess) stop(grace time.Duration) {
	p.setState(StateStopping)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		p.logger.Warn("Worker did not exit after its input closed, killing it", "grace", grace)
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Error("Failed to kill worker", "error", err)
		}
		<-p.exited
	}
	<-p.drained
}

// kill terminates the process immediately and waits for the reaper.
func (p *workerProcess) kill() {
	p.setState(StateStopping)
	if err := p.cmd.Process.Kill(); err != nil {
		p.logger.Debug("Failed to kill worker", "error", err)
	}
	<-p.exited
}
