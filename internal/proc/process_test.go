package proc

import (
	"io"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

func shPath(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests drive /bin/sh")
	}
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestLaunch_EchoExitsClean(t *testing.T) {
	sh := shPath(t)

	p, err := Launch(LaunchSpec{Path: sh, Args: []string{"-c", "echo hello"}})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer p.Close()
	p.Stdin.Close()

	out, err := io.ReadAll(p.Stdout)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped")
	}

	if p.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", p.ExitCode())
	}
	if p.State() != StateExited {
		t.Errorf("state = %v, want exited", p.State())
	}
}

func TestLaunch_NonZeroExit(t *testing.T) {
	sh := shPath(t)

	p, err := Launch(LaunchSpec{Path: sh, Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer p.Close()
	p.Stdin.Close()

	<-p.Done()
	if p.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", p.ExitCode())
	}
}

func TestLaunch_EnvOverride(t *testing.T) {
	sh := shPath(t)

	p, err := Launch(LaunchSpec{
		Path: sh,
		Args: []string{"-c", "printf '%s' \"$LANGHOST_TEST_VALUE\""},
		Env:  map[string]string{"LANGHOST_TEST_VALUE": "override"},
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer p.Close()
	p.Stdin.Close()

	out, _ := io.ReadAll(p.Stdout)
	<-p.Done()

	if string(out) != "override" {
		t.Errorf("env value = %q, want %q", string(out), "override")
	}
}

func TestLaunch_WorkingDir(t *testing.T) {
	sh := shPath(t)
	dir := t.TempDir()

	p, err := Launch(LaunchSpec{Path: sh, Args: []string{"-c", "pwd"}, Dir: dir})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer p.Close()
	p.Stdin.Close()

	out, _ := io.ReadAll(p.Stdout)
	<-p.Done()

	got := strings.TrimSpace(string(out))
	if !strings.HasSuffix(got, dir) && got != dir {
		t.Errorf("cwd = %q, want %q", got, dir)
	}
}

func TestLaunch_MergeStderr(t *testing.T) {
	sh := shPath(t)

	p, err := Launch(LaunchSpec{
		Path:        sh,
		Args:        []string{"-c", "echo out; echo err 1>&2"},
		MergeStderr: true,
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer p.Close()
	p.Stdin.Close()

	if p.Stderr != nil {
		t.Error("expected nil Stderr with MergeStderr")
	}

	out, _ := io.ReadAll(p.Stdout)
	<-p.Done()

	combined := string(out)
	if !strings.Contains(combined, "out") || !strings.Contains(combined, "err") {
		t.Errorf("combined output missing a stream: %q", combined)
	}
}

func TestProcess_StopEscalates(t *testing.T) {
	sh := shPath(t)

	// Trap TERM so only the forced kill ends the process.
	p, err := Launch(LaunchSpec{Path: sh, Args: []string{"-c", "trap '' TERM; sleep 60"}})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer p.Close()
	p.Stdin.Close()

	start := time.Now()
	p.Stop(200 * time.Millisecond)
	elapsed := time.Since(start)

	if p.Running() {
		t.Fatal("process still running after Stop")
	}
	if elapsed > 5*time.Second {
		t.Errorf("Stop took %v, expected prompt escalation", elapsed)
	}
	if p.State() != StateKilled {
		t.Errorf("state = %v, want killed", p.State())
	}
}

func TestProcess_StopGraceful(t *testing.T) {
	sh := shPath(t)

	p, err := Launch(LaunchSpec{Path: sh, Args: []string{"-c", "sleep 60"}})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer p.Close()
	p.Stdin.Close()

	p.Stop(5 * time.Second)

	if p.Running() {
		t.Fatal("process still running after Stop")
	}
}

func TestProcess_SignalNotRunning(t *testing.T) {
	sh := shPath(t)

	p, err := Launch(LaunchSpec{Path: sh, Args: []string{"-c", "true"}})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer p.Close()
	p.Stdin.Close()
	<-p.Done()

	if err := p.Terminate(); err != ErrNotRunning {
		t.Errorf("Terminate() error = %v, want ErrNotRunning", err)
	}
	if err := p.Kill(); err != ErrNotRunning {
		t.Errorf("Kill() error = %v, want ErrNotRunning", err)
	}
}
