// Package install provisions backend runtime artifacts on demand.
//
// A backend declares the shell command that installs its runtime and
// the executable path the install is expected to produce. Ensure checks
// that marker path first and returns immediately when it exists, so
// repeat calls cost one stat. Concurrent calls for the same target
// directory collapse into a single in-flight install whose outcome is
// shared by every caller.
package install

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/langhost/internal/proc"
)

// Dependency describes one installable runtime artifact.
// Immutable, supplied by backend configuration.
type Dependency struct {
	// ID identifies the dependency in errors and logs.
	ID string

	// Description is a human-readable summary.
	Description string

	// Command is the shell command that performs the install. It runs
	// in the target directory.
	Command string

	// Platform restricts where the dependency applies: "any" (or
	// empty), or a GOOS value such as "windows".
	Platform string

	// ExecutableRel is the expected installed executable, relative to
	// the target directory. Its presence is the idempotency marker.
	ExecutableRel string

	// ExecutableRelWindows overrides ExecutableRel on Windows, for
	// installs that produce a suffixed launcher (.cmd, .exe).
	ExecutableRelWindows string
}

// AppliesTo reports whether the dependency applies to the given GOOS.
func (d Dependency) AppliesTo(goos string) bool {
	return d.Platform == "" || d.Platform == "any" || d.Platform == goos
}

// markerPath returns the expected executable path under targetDir.
func (d Dependency) markerPath(targetDir string) string {
	rel := d.ExecutableRel
	if runtime.GOOS == "windows" && d.ExecutableRelWindows != "" {
		rel = d.ExecutableRelWindows
	}
	return filepath.Join(targetDir, filepath.FromSlash(rel))
}

// InstallError reports a failed or incomplete installation.
type InstallError struct {
	DependencyID string
	Command      string
	ExitCode     int
	Output       string
	ExpectedPath string
	Err          error
}

// Error implements the error interface.
func (e *InstallError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("install %s: %q: %v", e.DependencyID, e.Command, e.Err)
	case e.ExpectedPath != "":
		return fmt.Sprintf("install %s: command %q completed but %s does not exist",
			e.DependencyID, e.Command, e.ExpectedPath)
	default:
		return fmt.Sprintf("install %s: %q exited %d: %s",
			e.DependencyID, e.Command, e.ExitCode, tail(e.Output, 500))
	}
}

// Unwrap returns the underlying error, if any.
func (e *InstallError) Unwrap() error {
	return e.Err
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// runFunc executes a shell command in dir and returns its exit code and
// combined output. Replaceable for tests.
type runFunc func(ctx context.Context, command, dir string) (int, string, error)

// Installer ensures dependencies exist, installing on demand.
// Safe for concurrent use.
type Installer struct {
	group  singleflight.Group
	run    runFunc
	logger *slog.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithLogger sets the installer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Installer) {
		i.logger = logger
	}
}

// WithRunner replaces the command runner. Intended for tests.
func WithRunner(run func(ctx context.Context, command, dir string) (int, string, error)) Option {
	return func(i *Installer) {
		i.run = run
	}
}

// New creates an Installer.
func New(opts ...Option) *Installer {
	i := &Installer{
		run:    runShell,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ensure returns the path of the dependency's executable under
// targetDir, installing it first when absent.
//
// The check-then-install sequence is serialized per target directory:
// N concurrent calls for the same directory run the install command at
// most once and share its outcome. Failed installs are not retried
// here; the error carries the command and exit code.
func (i *Installer) Ensure(ctx context.Context, dep Dependency, targetDir string) (string, error) {
	if !dep.AppliesTo(runtime.GOOS) {
		return "", &InstallError{
			DependencyID: dep.ID,
			Command:      dep.Command,
			Err:          fmt.Errorf("dependency is %s-only, host is %s", dep.Platform, runtime.GOOS),
		}
	}

	marker := dep.markerPath(targetDir)

	// Fast path: already installed. No process or network involved.
	if fileExists(marker) {
		return marker, nil
	}

	result, err, _ := i.group.Do(targetDir, func() (any, error) {
		// Re-check under single-flight: a concurrent caller may have
		// finished the install while this one waited.
		if fileExists(marker) {
			return marker, nil
		}
		return i.installLocked(ctx, dep, targetDir, marker)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// installLocked performs one install attempt. Runs under the
// single-flight slot for targetDir.
func (i *Installer) installLocked(ctx context.Context, dep Dependency, targetDir, marker string) (string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", &InstallError{DependencyID: dep.ID, Command: dep.Command, Err: err}
	}

	i.logger.Info("installing backend dependency",
		"dependency", dep.ID, "dir", targetDir, "command", dep.Command)
	start := time.Now()

	code, output, err := i.run(ctx, dep.Command, targetDir)
	if err != nil {
		return "", &InstallError{DependencyID: dep.ID, Command: dep.Command, Err: err}
	}
	if code != 0 {
		return "", &InstallError{
			DependencyID: dep.ID,
			Command:      dep.Command,
			ExitCode:     code,
			Output:       output,
		}
	}

	// The command succeeded; the marker must exist now. Failing here
	// prevents silent partial success.
	if !fileExists(marker) {
		return "", &InstallError{
			DependencyID: dep.ID,
			Command:      dep.Command,
			ExpectedPath: marker,
		}
	}

	i.logger.Info("dependency installed",
		"dependency", dep.ID, "path", marker, "elapsed", time.Since(start))
	return marker, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// runShell executes the command through the platform shell in dir,
// capturing combined output. The child is always reaped.
func runShell(ctx context.Context, command, dir string) (int, string, error) {
	var spec proc.LaunchSpec
	if runtime.GOOS == "windows" {
		spec = proc.LaunchSpec{Path: "cmd", Args: []string{"/C", command}, Dir: dir, MergeStderr: true}
	} else {
		spec = proc.LaunchSpec{Path: "/bin/sh", Args: []string{"-c", command}, Dir: dir, MergeStderr: true}
	}

	p, err := proc.Launch(spec)
	if err != nil {
		return -1, "", err
	}
	p.Stdin.Close()

	// Read on a goroutine so cancellation can interrupt a command that
	// hangs without closing its output. Killing the child closes the
	// pipe and unblocks the read.
	var buf bytes.Buffer
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = io.Copy(&buf, p.Stdout)
	}()

	select {
	case <-p.Done():
		<-readDone
		return p.ExitCode(), buf.String(), nil
	case <-ctx.Done():
		p.Stop(2 * time.Second)
		<-readDone
		return p.ExitCode(), buf.String(), ctx.Err()
	}
}
