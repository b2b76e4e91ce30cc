package proc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/langhost/internal/execfind"
)

// StreamReadError reports a failure while pumping a process's output.
type StreamReadError struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *StreamReadError) Error() string {
	return fmt.Sprintf("stream read from %s: %v", e.Name, e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamReadError) Unwrap() error {
	return e.Err
}

// Supervisor runs ad-hoc external commands and guarantees their cleanup.
//
// Processes are tracked in a set keyed by launch ID, and every output
// pump runs as a registered background task so it cannot be silently
// discarded mid-flight. Shutdown terminates everything that is still
// running, escalating to a forced kill, then drains the pumps so no
// task holds a reference into a closed pipe.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process

	pumps   sync.WaitGroup
	inPumps atomic.Int32

	shutdown chan struct{}
	closed   atomic.Bool

	logger *slog.Logger
	onExit func(p *Process)
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the supervisor's logger.
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithExitCallback sets a callback invoked when a tracked process exits.
func WithExitCallback(fn func(p *Process)) SupervisorOption {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
		shutdown:  make(chan struct{}),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Launch spawns a process under supervision. The returned Process is
// tracked until it exits and is cleaned up on Shutdown.
func (s *Supervisor) Launch(spec LaunchSpec) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSupervisorShutdown
	}

	p, err := Launch(spec)
	if err != nil {
		return nil, err
	}
	p.ID = uuid.New().String()
	s.processes[p.ID] = p

	go s.watch(p)
	return p, nil
}

// watch removes a process from tracking once it exits.
func (s *Supervisor) watch(p *Process) {
	<-p.Done()

	if s.onExit != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("process exit callback panicked", "process", p.Name, "panic", r)
				}
			}()
			s.onExit(p)
		}()
	}

	s.mu.Lock()
	delete(s.processes, p.ID)
	s.mu.Unlock()
}

// Get returns a tracked process by launch ID, or nil.
func (s *Supervisor) Get(id string) *Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processes[id]
}

// Count returns the number of tracked processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// PumpCount returns the number of in-flight background pumps.
func (s *Supervisor) PumpCount() int {
	return int(s.inPumps.Load())
}

// RunCapture runs a command to completion and returns its exit code and
// combined stdout+stderr output.
//
// The timeout (when positive) is enforced by killing the process; the
// output captured up to that point is still returned. Non-zero exits
// and timeouts are results, not errors. The only pre-spawn failure is a
// missing executable, which surfaces as *execfind.ExecutableNotFoundError.
func (s *Supervisor) RunCapture(ctx context.Context, argv []string, cwd string, env map[string]string, timeout time.Duration) (int, string, error) {
	if len(argv) == 0 {
		return -1, "", fmt.Errorf("empty command")
	}

	path, err := resolveArgv0(argv[0])
	if err != nil {
		return -1, "", err
	}

	p, err := s.Launch(LaunchSpec{
		Path:        path,
		Args:        argv[1:],
		Dir:         cwd,
		Env:         env,
		MergeStderr: true,
	})
	if err != nil {
		return -1, "", err
	}
	p.Stdin.Close()

	// Read everything the process writes. The reader finishes when the
	// pipe closes, which a kill forces.
	var buf bytes.Buffer
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = io.Copy(&buf, p.Stdout)
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-p.Done():
	case <-deadline:
		_ = p.Kill()
		<-p.Done()
	case <-ctx.Done():
		_ = p.Kill()
		<-p.Done()
	}

	<-readDone
	return p.ExitCode(), buf.String(), nil
}

// RunStreamLines runs a command and pumps its combined output
// line-by-line to onLine from a registered background task. The handle
// is returned immediately so the caller can stop the process at any
// time; stopping halts further callback delivery.
func (s *Supervisor) RunStreamLines(ctx context.Context, argv []string, cwd string, onLine func(line string), env map[string]string) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	path, err := resolveArgv0(argv[0])
	if err != nil {
		return nil, err
	}

	p, err := s.Launch(LaunchSpec{
		Path:        path,
		Args:        argv[1:],
		Dir:         cwd,
		Env:         env,
		MergeStderr: true,
	})
	if err != nil {
		return nil, err
	}
	p.Stdin.Close()

	s.trackPump(func() {
		s.pumpLines(p, onLine)
	})

	// Honor caller cancellation without blocking delivery.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.Stop(2 * time.Second)
			case <-p.Done():
			}
		}()
	}

	return p, nil
}

// trackPump registers a background task in the in-flight set. The task
// removes itself when it completes.
func (s *Supervisor) trackPump(fn func()) {
	s.pumps.Add(1)
	s.inPumps.Add(1)
	go func() {
		defer s.pumps.Done()
		defer s.inPumps.Add(-1)
		fn()
	}()
}

// pumpLines delivers output lines to the callback until the stream ends.
func (s *Supervisor) pumpLines(p *Process, onLine func(line string)) {
	scanner := bufio.NewScanner(p.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !isClosedPipe(err) {
		s.logger.Debug("output pump ended", "process", p.Name,
			"error", &StreamReadError{Name: p.Name, Err: err})
	}
}

// isClosedPipe reports whether the error is the expected result of the
// process (or a Stop call) closing the pipe under the reader.
func isClosedPipe(err error) bool {
	return err == io.ErrClosedPipe || strings.Contains(err.Error(), "file already closed")
}

// Shutdown terminates all tracked processes, escalating to a forced
// kill after the timeout, then drains the background pumps. It blocks
// until every process is reaped and every pump has returned.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if s.closed.Swap(true) {
		return
	}
	close(s.shutdown)

	s.mu.RLock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	for _, p := range procs {
		if p.Running() {
			_ = p.Terminate()
		}
	}

	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			<-p.Done()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		for _, p := range procs {
			if p.Running() {
				_ = p.Kill()
			}
		}
		<-done
	}

	// Pumps hold references into process pipes; wait for them before
	// declaring shutdown complete.
	s.pumps.Wait()

	// The watch goroutines remove entries after reaping; wait for the
	// tracking set to empty so Count reads zero once Shutdown returns.
	for {
		s.mu.RLock()
		remaining := len(s.processes)
		s.mu.RUnlock()
		if remaining == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// ShuttingDown returns true once Shutdown has begun.
func (s *Supervisor) ShuttingDown() bool {
	return s.closed.Load()
}

// resolveArgv0 resolves the command name unless it is already a path.
func resolveArgv0(name string) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return name, nil
	}
	return execfind.Require(name)
}
