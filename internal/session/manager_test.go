package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/langhost/internal/backend"
	"github.com/dshills/langhost/internal/proc"
)

func testRegistry(t *testing.T, backends ...backend.Backend) *backend.Registry {
	t.Helper()
	reg := backend.NewRegistry()
	for _, b := range backends {
		if err := reg.Register(b); err != nil {
			t.Fatalf("Register(%s): %v", b.Descriptor.ID, err)
		}
	}
	return reg
}

func newTestManager(t *testing.T, reg *backend.Registry) *Manager {
	t.Helper()
	return NewManager(t.TempDir(),
		WithRegistry(reg),
		WithManagerHandshakeTimeout(5*time.Second),
		WithManagerStopGrace(200*time.Millisecond),
		WithManagerLogger(quietLogger()),
	)
}

func TestManagerUnknownBackend(t *testing.T) {
	m := newTestManager(t, testRegistry(t))
	defer m.Shutdown(context.Background())

	_, err := m.Start(context.Background(), "no-such-backend")
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("Start error = %v, want ErrUnknownBackend", err)
	}
}

func TestManagerStartAndReuse(t *testing.T) {
	b := fakeBackend("fake", lspFrames(initResponse)+"sleep 30\n", backend.Strategy{})
	m := newTestManager(t, testRegistry(t, b))
	defer m.Shutdown(context.Background())

	s1, err := m.Start(context.Background(), "fake")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s1.State() != StateReady {
		t.Fatalf("state = %v, want %v", s1.State(), StateReady)
	}

	s2, err := m.Start(context.Background(), "fake")
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if s1 != s2 {
		t.Fatal("second Start did not reuse the live session")
	}

	got, ok := m.Get("fake")
	if !ok || got != s1 {
		t.Fatal("Get did not return the live session")
	}
	if n := len(m.Sessions()); n != 1 {
		t.Fatalf("Sessions() = %d entries, want 1", n)
	}
}

func TestManagerReplacesDeadSession(t *testing.T) {
	b := fakeBackend("flaky", lspFrames(initResponse)+"sleep 0.2\n", backend.Strategy{})
	m := newTestManager(t, testRegistry(t, b))
	defer m.Shutdown(context.Background())

	s1, err := m.Start(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s1.State() == StateFailed })

	s2, err := m.Start(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s1 == s2 {
		t.Fatal("failed session was not replaced")
	}
	if s2.State() != StateReady {
		t.Fatalf("replacement state = %v, want %v", s2.State(), StateReady)
	}
}

func TestManagerFailureIsolation(t *testing.T) {
	good := fakeBackend("good", lspFrames(initResponse)+"sleep 30\n", backend.Strategy{})
	bad := fakeBackend("bad", "sleep 30\n", backend.Strategy{})
	m := NewManager(t.TempDir(),
		WithRegistry(testRegistry(t, good, bad)),
		WithManagerHandshakeTimeout(300*time.Millisecond),
		WithManagerStopGrace(100*time.Millisecond),
		WithManagerLogger(quietLogger()),
	)
	defer m.Shutdown(context.Background())

	if _, err := m.Start(context.Background(), "bad"); err == nil {
		t.Fatal("bad backend started")
	}
	s, err := m.Start(context.Background(), "good")
	if err != nil {
		t.Fatalf("good backend after bad one: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %v, want %v", s.State(), StateReady)
	}
}

func TestManagerReadinessTimeoutApplied(t *testing.T) {
	strat := backend.Strategy{
		Readiness: backend.ReadinessPolicy{LogLineContains: "never-printed"},
	}
	b := fakeBackend("silent", lspFrames(initResponse)+"sleep 30\n", strat)
	m := NewManager(t.TempDir(),
		WithRegistry(testRegistry(t, b)),
		WithManagerHandshakeTimeout(5*time.Second),
		WithManagerReadinessTimeout(200*time.Millisecond),
		WithManagerStopGrace(200*time.Millisecond),
		WithManagerLogger(quietLogger()),
	)
	defer m.Shutdown(context.Background())

	start := time.Now()
	s, err := m.Start(context.Background(), "silent")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Start took %v, manager readiness timeout not applied", elapsed)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %v, want %v", s.State(), StateReady)
	}
}

func TestManagerStopOne(t *testing.T) {
	a := fakeBackend("a", lspFrames(initResponse)+"sleep 30\n", backend.Strategy{})
	b := fakeBackend("b", lspFrames(initResponse)+"sleep 30\n", backend.Strategy{})
	m := newTestManager(t, testRegistry(t, a, b))
	defer m.Shutdown(context.Background())

	sa, err := m.Start(context.Background(), "a")
	if err != nil {
		t.Fatalf("Start a: %v", err)
	}
	sb, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatalf("Start b: %v", err)
	}

	if err := m.Stop(context.Background(), "a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sa.State() != StateTerminated {
		t.Fatalf("stopped session state = %v, want %v", sa.State(), StateTerminated)
	}
	if sb.State() != StateReady {
		t.Fatalf("surviving session state = %v, want %v", sb.State(), StateReady)
	}
	if _, ok := m.Get("a"); ok {
		t.Fatal("stopped session still registered")
	}
}

func TestManagerShutdown(t *testing.T) {
	b := fakeBackend("fake", lspFrames(initResponse)+"sleep 30\n", backend.Strategy{})
	m := newTestManager(t, testRegistry(t, b))

	s, err := m.Start(context.Background(), "fake")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.State() != StateTerminated {
		t.Fatalf("session state = %v, want %v", s.State(), StateTerminated)
	}

	// Idempotent, and no new sessions afterward.
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := m.Start(context.Background(), "fake"); !errors.Is(err, proc.ErrSupervisorShutdown) {
		t.Fatalf("Start after Shutdown error = %v, want ErrSupervisorShutdown", err)
	}
}

func TestManagerAdHocCommands(t *testing.T) {
	m := newTestManager(t, testRegistry(t))
	defer m.Shutdown(context.Background())

	code, out, err := m.Supervisor().RunCapture(context.Background(),
		[]string{"sh", "-c", "echo orchestrated"}, "", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("RunCapture: %v", err)
	}
	if code != 0 || out != "orchestrated\n" {
		t.Fatalf("RunCapture = (%d, %q)", code, out)
	}
}
