package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State represents the lifecycle state of a launched process.
type State int

const (
	// StateRunning indicates the process is currently running.
	StateRunning State = iota
	// StateExited indicates the process exited on its own.
	StateExited
	// StateKilled indicates the process was terminated by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Sentinel errors for the proc package.
var (
	// ErrNotRunning is returned when signaling a process that already exited.
	ErrNotRunning = errors.New("process not running")

	// ErrSupervisorShutdown is returned when starting work on a shut-down supervisor.
	ErrSupervisorShutdown = errors.New("supervisor is shut down")
)

// LaunchSpec describes a single child process launch.
// It is a value type constructed per launch.
type LaunchSpec struct {
	// Path is the executable to run. It is not searched in PATH;
	// resolve it first (see execfind).
	Path string

	// Args are command-line arguments, excluding the executable name.
	Args []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env holds environment overrides layered on top of the inherited
	// environment. Nil means inherit unchanged.
	Env map[string]string

	// MergeStderr redirects stderr into the stdout stream. When set,
	// the Process's Stderr is nil.
	MergeStderr bool
}

// Process is a handle to a launched child process.
//
// The handle owns the process: exactly one goroutine waits on it, the
// done channel closes when it is reaped, and Stop guarantees the child
// does not outlive the grace period. Safe for concurrent use.
type Process struct {
	// ID uniquely identifies this launch within a Supervisor.
	ID string

	// Name is a short human-readable label, usually the executable base name.
	Name string

	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser // nil when MergeStderr was set

	cmd     *exec.Cmd
	started time.Time

	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error

	done     chan struct{}
	waitOnce sync.Once
}

// Launch spawns the process described by spec and begins reaping it in
// the background. Pipes are attached for stdin and stdout always, and
// for stderr unless MergeStderr is set.
//
// The pipes are created directly rather than through exec.Cmd helpers
// so that reaping the process never closes the parent's read ends
// under a reader: consumers see a clean EOF when the child exits, even
// when the reap races the final reads.
func Launch(spec LaunchSpec) (*Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = spawnAttrs()

	p := &Process{
		Name: baseName(spec.Path),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.exitCode.Store(-1)

	// Child-side ends, closed in the parent after a successful start.
	var childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			f.Close()
		}
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR
	p.Stdin = stdinW
	childEnds = append(childEnds, stdinR)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll([]*os.File{stdinR, stdinW})
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	p.Stdout = stdoutR
	childEnds = append(childEnds, stdoutW)

	if spec.MergeStderr {
		cmd.Stderr = stdoutW
	} else {
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			closeAll([]*os.File{stdinR, stdinW, stdoutR, stdoutW})
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stderr = stderrW
		p.Stderr = stderrR
		childEnds = append(childEnds, stderrW)
	}

	if err := cmd.Start(); err != nil {
		closeAll(childEnds)
		p.closePipes()
		return nil, fmt.Errorf("start %s: %w", p.Name, err)
	}
	closeAll(childEnds)

	p.started = time.Now()
	p.state.Store(int32(StateRunning))
	go p.reap()

	return p, nil
}

// mergedEnv layers overrides onto the inherited environment.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// reap waits for the process and records its outcome. Runs once.
func (p *Process) reap() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()

		code := 0
		state := StateExited
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
				}
			} else {
				code = -1
			}
		}

		p.exitCode.Store(int32(code))
		p.state.Store(int32(state))
		close(p.done)
	})
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// Running returns true while the process has not been reaped.
func (p *Process) Running() bool {
	return p.State() == StateRunning
}

// ExitCode returns the exit code, or -1 if the process has not exited.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error from waiting on the process, if any.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Done returns a channel closed when the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// PID returns the operating-system process ID, or -1 before start.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Runtime returns how long the process has been running, or its total
// runtime after exit.
func (p *Process) Runtime() time.Duration {
	if p.started.IsZero() {
		return 0
	}
	return time.Since(p.started)
}

// Terminate asks the process to exit gracefully.
func (p *Process) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

// Kill forcibly ends the process.
func (p *Process) Kill() error {
	if !p.Running() {
		return ErrNotRunning
	}
	return p.cmd.Process.Kill()
}

func (p *Process) signal(sig os.Signal) error {
	if !p.Running() {
		return ErrNotRunning
	}
	return p.cmd.Process.Signal(sig)
}

// Stop ends the process, first gracefully, then forcibly once the
// grace period elapses. It never blocks past grace plus a short kill
// wait, and the process is guaranteed reaped when it returns.
func (p *Process) Stop(grace time.Duration) {
	if !p.Running() {
		return
	}

	if err := p.Terminate(); err != nil && !errors.Is(err, ErrNotRunning) {
		// Terminate is unsupported on some platforms; fall straight
		// through to the forced kill.
		grace = 0
	}

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	_ = p.Kill()
	<-p.done
}

// Close closes the process's pipe handles. It does not stop the process.
func (p *Process) Close() error {
	return p.closePipes()
}

func (p *Process) closePipes() error {
	var errs []error
	if p.Stdin != nil {
		if err := p.Stdin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Stdout != nil {
		if err := p.Stdout.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Stderr != nil {
		if err := p.Stderr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
