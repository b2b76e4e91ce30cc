package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/langhost/internal/backend"
	"github.com/dshills/langhost/internal/execfind"
	"github.com/dshills/langhost/internal/install"
	"github.com/dshills/langhost/internal/jsonrpc"
	"github.com/dshills/langhost/internal/proc"
)

// State is a session's lifecycle state.
type State int32

const (
	// StateNotStarted is the initial state.
	StateNotStarted State = iota
	// StateInstalling covers executable resolution and installation.
	StateInstalling
	// StateLaunching covers process spawn.
	StateLaunching
	// StateHandshaking covers the initialize exchange.
	StateHandshaking
	// StateReady accepts requests.
	StateReady
	// StateFailed is terminal: the session could not start or its
	// process died.
	StateFailed
	// StateTerminated is terminal: orderly shutdown.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateInstalling:
		return "installing"
	case StateLaunching:
		return "launching"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Strictness controls how capability validation failures are treated.
type Strictness int

const (
	// StrictnessWarn logs missing capability flags and proceeds. Some
	// backends answer requests correctly without advertising the flag.
	StrictnessWarn Strictness = iota
	// StrictnessFail aborts the handshake on a missing flag.
	StrictnessFail
)

// Session is one live connection to one backend process.
//
// The session owns the process exclusively: it launches it, monitors
// it, and guarantees teardown on every failure path. State transitions
// are monotone and never skip Handshaking; the readiness signal is a
// closed channel, set at most once and observable late.
type Session struct {
	backend  backend.Backend
	rootPath string

	resourceDir      string
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	readinessTimeout time.Duration
	stopGrace        time.Duration
	strictness       Strictness

	installer *install.Installer
	logger    *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	process *proc.Process
	conn    *jsonrpc.Conn
	lastErr error

	// Handler registrations made before Start are applied to the
	// connection before anything is sent.
	pendingRequests map[string]jsonrpc.RequestHandler
	pendingNotifs   map[string]jsonrpc.NotificationHandler

	capabilities json.RawMessage

	ready     chan struct{}
	readyOnce sync.Once

	// policySignal fires when the backend's extra readiness signal
	// (log line or notification) is observed.
	policySignal chan struct{}
	policyOnce   sync.Once

	stopping atomic.Bool
}

// Option configures a Session.
type Option func(*Session)

// WithResourceDir sets the directory backend runtimes install under.
func WithResourceDir(dir string) Option {
	return func(s *Session) { s.resourceDir = dir }
}

// WithHandshakeTimeout bounds the initialize exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) { s.handshakeTimeout = d }
}

// WithRequestTimeout sets the default deadline for requests sent
// without one.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) { s.requestTimeout = d }
}

// WithReadinessTimeout bounds the wait for a backend's extra readiness
// signal.
func WithReadinessTimeout(d time.Duration) Option {
	return func(s *Session) { s.readinessTimeout = d }
}

// WithStopGrace sets how long orderly process teardown may take before
// escalating to a kill.
func WithStopGrace(d time.Duration) Option {
	return func(s *Session) { s.stopGrace = d }
}

// WithStrictness sets the capability validation policy.
func WithStrictness(level Strictness) Option {
	return func(s *Session) { s.strictness = level }
}

// WithInstaller sets the installer used to provision the backend.
func WithInstaller(installer *install.Installer) Option {
	return func(s *Session) { s.installer = installer }
}

// WithSessionLogger sets the session's logger.
func WithSessionLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// New creates a session for a backend rooted at rootPath.
// The session does not start until Start is called.
func New(b backend.Backend, rootPath string, opts ...Option) *Session {
	s := &Session{
		backend:          b,
		rootPath:         rootPath,
		handshakeTimeout: 30 * time.Second,
		requestTimeout:   10 * time.Second,
		readinessTimeout: 30 * time.Second,
		stopGrace:        3 * time.Second,
		logger:           slog.Default(),
		pendingRequests:  make(map[string]jsonrpc.RequestHandler),
		pendingNotifs:    make(map[string]jsonrpc.NotificationHandler),
		ready:            make(chan struct{}),
		policySignal:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.installer == nil {
		s.installer = install.New(install.WithLogger(s.logger))
	}
	s.logger = s.logger.With("backend", b.Descriptor.ID)
	return s
}

// BackendID returns the backend this session speaks to.
func (s *Session) BackendID() string {
	return s.backend.Descriptor.ID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// PID returns the backend process id, or 0 before launch.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.process == nil {
		return 0
	}
	return s.process.PID()
}

// Err returns the failure that moved the session to StateFailed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Ready returns a channel closed once the session is ready for
// requests. The signal is level-triggered: late observers see it too.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the session is ready, fails, or ctx expires.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capabilities returns the raw capability object the backend
// advertised in its initialize response.
func (s *Session) Capabilities() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// OnRequest registers a handler for a server-initiated request method.
// Registrations made before Start take effect before any traffic is
// sent, which matters for backends that talk immediately after spawn.
func (s *Session) OnRequest(method string, handler jsonrpc.RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.OnRequest(method, handler)
		return
	}
	s.pendingRequests[method] = handler
}

// OnNotification registers a handler for a notification method.
func (s *Session) OnNotification(method string, handler jsonrpc.NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.OnNotification(method, handler)
		return
	}
	s.pendingNotifs[method] = handler
}

// Start resolves, installs, launches, and initializes the backend.
// On return the session is Ready or Failed; a failed start never
// leaves the child process running.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateNotStarted), int32(StateInstalling)) {
		return &BackendError{BackendID: s.BackendID(), Err: ErrAlreadyStarted}
	}

	execPath, err := s.obtainExecutable(ctx)
	if err != nil {
		return s.fail(err)
	}

	s.state.Store(int32(StateLaunching))

	p, err := proc.Launch(proc.LaunchSpec{
		Path: execPath,
		Args: s.backend.Descriptor.Args,
		Dir:  s.rootPath,
	})
	if err != nil {
		return s.fail(err)
	}

	conn := jsonrpc.NewConn(p.Stdout, p.Stdin)

	s.mu.Lock()
	s.process = p
	s.conn = conn
	s.mu.Unlock()

	// Handlers must be in place before the read loop starts and before
	// anything is written: backends may emit log or progress traffic
	// immediately after spawn.
	s.registerHandlers(conn)
	conn.Start()

	go s.pumpStderr(p)
	go s.monitor(p, conn)

	s.state.Store(int32(StateHandshaking))
	if err := s.handshake(ctx, conn); err != nil {
		return s.fail(err)
	}
	if err := s.awaitReadinessPolicy(ctx); err != nil {
		return s.fail(err)
	}

	// The monitor may have marked the session failed while we waited
	// on the readiness signal; never promote a dead session.
	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		if err := s.Err(); err != nil {
			return err
		}
		return &BackendError{BackendID: s.BackendID(), Err: ErrServerExited}
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("session ready", "pid", p.PID())
	return nil
}

// obtainExecutable resolves the backend executable from the host, or
// installs it on demand.
func (s *Session) obtainExecutable(ctx context.Context) (string, error) {
	desc := s.backend.Descriptor

	if desc.ResolveFromPath && desc.Executable != "" {
		if path, ok := execfind.Resolve(desc.Executable); ok {
			return path, nil
		}
		if !desc.Installable() {
			_, err := execfind.Require(desc.Executable)
			return "", err
		}
	}

	if desc.Installable() {
		targetDir := filepath.Join(s.resourceDir, desc.InstallDir())
		return s.installer.Ensure(ctx, desc.Install, targetDir)
	}

	return execfind.Require(desc.Executable)
}

// registerHandlers wires the tolerated defaults, the strategy's
// handlers, any pre-start registrations, and the readiness
// notification watch.
func (s *Session) registerHandlers(conn *jsonrpc.Conn) {
	// Unsolicited methods from chatty backends are no-ops, not errors.
	conn.SetFallback(func(method string, hasID bool) {
		s.logger.Debug("unhandled message", "method", method, "request", hasID)
	})
	for _, method := range backend.ToleratedRequests {
		conn.OnRequest(method, func(string, json.RawMessage) (any, error) {
			return nil, nil
		})
	}
	for _, method := range backend.ToleratedNotifications {
		switch method {
		case "window/logMessage", "window/showMessage":
			conn.OnNotification(method, func(_ string, params json.RawMessage) {
				s.handleLogMessage(params)
			})
		default:
			conn.OnNotification(method, func(string, json.RawMessage) {})
		}
	}

	strat := s.backend.Strategy
	for method, handler := range strat.RequestHandlers {
		conn.OnRequest(method, handler)
	}
	for method, handler := range strat.NotificationHandlers {
		conn.OnNotification(method, handler)
	}

	if strat.Readiness.Notification != "" {
		method := strat.Readiness.Notification
		conn.OnNotification(method, func(string, json.RawMessage) {
			s.signalPolicy()
		})
	}

	s.mu.Lock()
	for method, handler := range s.pendingRequests {
		conn.OnRequest(method, handler)
	}
	for method, handler := range s.pendingNotifs {
		conn.OnNotification(method, handler)
	}
	s.pendingRequests = make(map[string]jsonrpc.RequestHandler)
	s.pendingNotifs = make(map[string]jsonrpc.NotificationHandler)
	s.mu.Unlock()
}

// handleLogMessage routes window/logMessage traffic through the
// backend's classifier and watches for a log-line readiness signal.
func (s *Session) handleLogMessage(params json.RawMessage) {
	msg := gjson.GetBytes(params, "message").String()
	if msg == "" {
		return
	}
	if s.backend.Strategy.Readiness.MatchesLine(msg) {
		s.signalPolicy()
	}
	s.logger.Log(context.Background(), s.backend.Strategy.Classify(msg), "backend log", "message", msg)
}

// pumpStderr drains the backend's stderr, classifying each line so
// routine chatter is not reported as an error, and watching for a
// log-line readiness signal.
func (s *Session) pumpStderr(p *proc.Process) {
	if p.Stderr == nil {
		return
	}
	scanner := bufio.NewScanner(p.Stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if s.backend.Strategy.Readiness.MatchesLine(line) {
			s.signalPolicy()
		}
		s.logger.Log(context.Background(), s.backend.Strategy.Classify(line), "backend stderr", "line", line)
	}
}

// signalPolicy records the backend's extra readiness signal. Set at
// most once; later signals are no-ops.
func (s *Session) signalPolicy() {
	s.policyOnce.Do(func() { close(s.policySignal) })
}

// monitor watches for the process dying out from under the session.
func (s *Session) monitor(p *proc.Process, conn *jsonrpc.Conn) {
	<-p.Done()

	if s.stopping.Load() {
		return
	}

	err := &BackendError{BackendID: s.BackendID(), Err: fmt.Errorf("%w (exit code %d)", ErrServerExited, p.ExitCode())}

	// Fail every pending request with the shutdown cause; responses
	// already delivered are unaffected.
	conn.Close(err)

	state := s.State()
	if state != StateReady && state != StateHandshaking {
		return
	}

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
	s.logger.Error("backend exited unexpectedly", "exit_code", p.ExitCode())
}

// handshake performs the initialize exchange and readiness wait.
func (s *Session) handshake(ctx context.Context, conn *jsonrpc.Conn) error {
	params, err := s.backend.Strategy.InitializeParams(s.rootPath)
	if err != nil {
		return fmt.Errorf("build initialize params: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	// The initialize request is always the first traffic on the
	// connection, and the only one this session will ever send.
	raw, err := conn.CallRaw(hctx, "initialize", json.RawMessage(params))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &BackendError{BackendID: s.BackendID(), Err: ErrHandshakeTimeout}
		}
		return &BackendError{BackendID: s.BackendID(), Err: fmt.Errorf("initialize: %w", err)}
	}

	caps := gjson.GetBytes(raw, "capabilities")
	s.mu.Lock()
	s.capabilities = json.RawMessage(caps.Raw)
	s.mu.Unlock()

	if err := s.checkCapabilities(raw); err != nil {
		return err
	}

	if name := gjson.GetBytes(raw, "serverInfo.name").String(); name != "" {
		s.logger.Debug("backend identified",
			"name", name, "version", gjson.GetBytes(raw, "serverInfo.version").String())
	}

	// Only after initialized may the backend legally send us requests.
	if err := conn.Notify("initialized", struct{}{}); err != nil {
		return &BackendError{BackendID: s.BackendID(), Err: fmt.Errorf("initialized: %w", err)}
	}
	return nil
}

// checkCapabilities validates the advertised capability flags against
// the strategy's expectations. Validation is soft by default: a
// missing flag is logged, not fatal, because some backends answer
// correctly without advertising the feature.
func (s *Session) checkCapabilities(initResult json.RawMessage) error {
	var missing []string
	for _, capPath := range s.backend.Strategy.ExpectedCapabilities {
		if !gjson.GetBytes(initResult, "capabilities."+capPath).Exists() {
			missing = append(missing, capPath)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	capErr := &CapabilityError{BackendID: s.BackendID(), Missing: missing}
	if s.strictness == StrictnessFail {
		return capErr
	}
	s.logger.Warn("capability flags not advertised; proceeding", "missing", missing)
	return nil
}

// awaitReadinessPolicy waits for the backend's extra readiness signal,
// when its strategy requires one beyond the handshake.
func (s *Session) awaitReadinessPolicy(ctx context.Context) error {
	policy := s.backend.Strategy.Readiness
	if policy.Immediate() {
		return nil
	}

	timer := time.NewTimer(s.readinessTimeout)
	defer timer.Stop()

	select {
	case <-s.policySignal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		// The backend may simply never emit the signal in this
		// environment; proceed rather than discard a live session.
		s.logger.Warn("readiness signal not observed; proceeding",
			"log_line", policy.LogLineContains, "notification", policy.Notification)
		return nil
	}
}

// Call sends a request and waits for its response. It fails
// immediately with ErrNotReady before the handshake completes.
func (s *Session) Call(ctx context.Context, method string, params any, result any) error {
	if s.State() != StateReady {
		return &BackendError{BackendID: s.BackendID(), Err: ErrNotReady}
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	return conn.Call(ctx, method, params, result)
}

// Notify sends a fire-and-forget notification.
func (s *Session) Notify(method string, params any) error {
	if s.State() != StateReady {
		return &BackendError{BackendID: s.BackendID(), Err: ErrNotReady}
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn.Notify(method, params)
}

// Shutdown ends the session in an orderly way: shutdown request, exit
// notification, then process teardown with kill escalation.
func (s *Session) Shutdown(ctx context.Context) error {
	state := s.State()
	if state == StateTerminated || state == StateNotStarted {
		return nil
	}

	s.stopping.Store(true)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if state == StateReady && conn != nil && !conn.Closed() {
		// The orderly exit shares the stop grace budget; a backend
		// that ignores shutdown gets terminated below anyway.
		sctx, cancel := context.WithTimeout(ctx, s.stopGrace)
		_ = conn.Call(sctx, "shutdown", nil, nil)
		_ = conn.Notify("exit", nil)
		cancel()
	}

	s.teardown()

	if state != StateFailed {
		s.state.Store(int32(StateTerminated))
	}
	return nil
}

// teardown closes the connection and guarantees the process is gone.
func (s *Session) teardown() {
	s.stopping.Store(true)

	s.mu.Lock()
	conn := s.conn
	p := s.process
	s.mu.Unlock()

	if conn != nil {
		conn.Close(ErrTerminated)
	}
	if p != nil {
		p.Stop(s.stopGrace)
		_ = p.Close()
	}
}

// fail records the error, tears the session down, and returns the
// error wrapped with the backend id.
func (s *Session) fail(err error) error {
	var wrapped *BackendError
	if !errors.As(err, &wrapped) {
		err = &BackendError{BackendID: s.BackendID(), Err: err}
	}

	s.teardown()

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
	s.logger.Error("session failed", "error", err)
	return err
}
