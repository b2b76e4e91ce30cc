// Package execfind locates tool executables on the host.
//
// Resolution is deterministic: the system PATH is searched first (with
// platform-appropriate suffixes), then the directory containing the
// running binary, which covers isolated installs that ship their tools
// next to the host. On Windows an interactive-shell lookup is tried
// last because PATH entries visible to cmd.exe are not always inherited
// by the current process.
package execfind

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ExecutableNotFoundError is returned when a tool cannot be located.
// Tried lists every location that was checked so operators can
// self-diagnose a missing installation.
type ExecutableNotFoundError struct {
	Name  string
	Tried []string
}

// Error implements the error interface.
func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("executable %q not found (tried: %s)", e.Name, strings.Join(e.Tried, ", "))
}

// candidateNames returns the file names to try for a base name, in
// resolution order. Windows prefers the .exe form over the bare name.
func candidateNames(base string) []string {
	if runtime.GOOS == "windows" {
		if strings.Contains(base, ".") {
			return []string{base}
		}
		return []string{base + ".exe", base}
	}
	return []string{base}
}

// Resolve locates an executable by base name.
// It returns the full path and true on success.
func Resolve(name string) (string, bool) {
	path, _, ok := resolveWithTrace(name)
	return path, ok
}

// Require locates an executable by base name, failing with
// *ExecutableNotFoundError when no candidate exists.
func Require(name string) (string, error) {
	path, tried, ok := resolveWithTrace(name)
	if !ok {
		return "", &ExecutableNotFoundError{Name: name, Tried: tried}
	}
	return path, nil
}

// resolveWithTrace performs the fixed search order and records every
// location tried.
func resolveWithTrace(name string) (string, []string, bool) {
	var tried []string

	// 1. System PATH.
	for _, candidate := range candidateNames(name) {
		tried = append(tried, "PATH:"+candidate)
		if found, err := exec.LookPath(candidate); err == nil {
			return found, tried, true
		}
	}

	// 2. Directory of the running host binary (embedded installs).
	if self, err := os.Executable(); err == nil {
		if self, err = filepath.EvalSymlinks(self); err == nil {
			dir := filepath.Dir(self)
			for _, candidate := range candidateNames(name) {
				full := filepath.Join(dir, candidate)
				tried = append(tried, full)
				if info, err := os.Stat(full); err == nil && !info.IsDir() {
					return full, tried, true
				}
			}
		}
	}

	// 3. Windows shell lookup for PATH entries the process didn't inherit.
	if runtime.GOOS == "windows" {
		tried = append(tried, "where:"+name)
		if found, ok := shellLookup(name); ok {
			return found, tried, true
		}
	}

	return "", tried, false
}

// shellLookup asks the shell to locate the executable. Only meaningful
// on Windows, where `where` searches the interactive shell's PATH.
func shellLookup(name string) (string, bool) {
	cmd := exec.Command("where", name)
	cmd.Env = os.Environ()
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	// `where` may return multiple matches, one per line; take the first.
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line, true
		}
	}
	return "", false
}
