package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/langhost/internal/backend"
	"github.com/dshills/langhost/internal/install"
	"github.com/dshills/langhost/internal/proc"
)

// ErrUnknownBackend is returned for backend ids the registry does not
// carry.
var ErrUnknownBackend = errors.New("unknown backend")

// Manager owns every live session plus a shared supervisor for ad-hoc
// commands. One manager per workspace root.
type Manager struct {
	rootPath  string
	registry  *backend.Registry
	installer *install.Installer
	logger    *slog.Logger

	resourceDir      string
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	readinessTimeout time.Duration
	stopGrace        time.Duration
	strictness       Strictness

	supervisor *proc.Supervisor

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRegistry sets the backend registry. Defaults to the built-ins.
func WithRegistry(r *backend.Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

// WithManagerResourceDir sets where backend runtimes install.
func WithManagerResourceDir(dir string) ManagerOption {
	return func(m *Manager) { m.resourceDir = dir }
}

// WithManagerLogger sets the manager's logger, inherited by sessions.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithManagerHandshakeTimeout sets the handshake deadline for sessions.
func WithManagerHandshakeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.handshakeTimeout = d }
}

// WithManagerRequestTimeout sets the default request deadline for
// sessions.
func WithManagerRequestTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.requestTimeout = d }
}

// WithManagerReadinessTimeout bounds the wait for a backend's extra
// readiness signal after the handshake.
func WithManagerReadinessTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.readinessTimeout = d }
}

// WithManagerStopGrace sets the teardown grace period for sessions and
// supervised commands.
func WithManagerStopGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.stopGrace = d }
}

// WithManagerStrictness sets the capability validation policy for
// sessions.
func WithManagerStrictness(level Strictness) ManagerOption {
	return func(m *Manager) { m.strictness = level }
}

// NewManager creates a manager for the given workspace root.
func NewManager(rootPath string, opts ...ManagerOption) *Manager {
	m := &Manager{
		rootPath:         rootPath,
		registry:         backend.DefaultRegistry(),
		logger:           slog.Default(),
		handshakeTimeout: 30 * time.Second,
		requestTimeout:   10 * time.Second,
		readinessTimeout: 30 * time.Second,
		stopGrace:        3 * time.Second,
		sessions:         make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.installer = install.New(install.WithLogger(m.logger))
	m.supervisor = proc.NewSupervisor(proc.WithLogger(m.logger))
	return m
}

// Supervisor returns the shared supervisor for ad-hoc commands.
func (m *Manager) Supervisor() *proc.Supervisor {
	return m.supervisor
}

// Start brings up a session for the given backend id. A backend with a
// live session is returned as-is; a previously failed or terminated
// session is replaced. One backend's failure never affects the others.
func (m *Manager) Start(ctx context.Context, backendID string) (*Session, error) {
	b, err := m.registry.Lookup(backendID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backendID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, proc.ErrSupervisorShutdown
	}
	if existing, ok := m.sessions[backendID]; ok {
		switch existing.State() {
		case StateFailed, StateTerminated:
			// Replace below.
		default:
			m.mu.Unlock()
			return existing, nil
		}
	}

	s := New(b, m.rootPath,
		WithResourceDir(m.resourceDir),
		WithHandshakeTimeout(m.handshakeTimeout),
		WithRequestTimeout(m.requestTimeout),
		WithReadinessTimeout(m.readinessTimeout),
		WithStopGrace(m.stopGrace),
		WithStrictness(m.strictness),
		WithInstaller(m.installer),
		WithSessionLogger(m.logger),
	)
	m.sessions[backendID] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.logger.Error("backend failed to start", "backend", backendID, "error", err)
		return nil, err
	}
	return s, nil
}

// Get returns the session for a backend id, if one exists.
func (m *Manager) Get(backendID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[backendID]
	return s, ok
}

// Sessions returns a snapshot of all sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Stop shuts down the session for one backend, leaving the rest
// running.
func (m *Manager) Stop(ctx context.Context, backendID string) error {
	m.mu.Lock()
	s, ok := m.sessions[backendID]
	delete(m.sessions, backendID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Shutdown(ctx)
}

// Shutdown ends every session and drains the supervisor. Safe to call
// more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				m.logger.Warn("session shutdown error", "backend", s.BackendID(), "error", err)
			}
		}(s)
	}
	wg.Wait()

	m.supervisor.Shutdown(m.stopGrace)
	return nil
}
