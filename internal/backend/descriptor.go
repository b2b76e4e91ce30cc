// Package backend describes protocol backends: which executable to
// run, how to provision it, and the per-backend strategy that layers
// customization over the generic handshake.
//
// Per-backend behavior is configuration, not subclassing: a Descriptor
// plus a Strategy fully describe a backend, and the registry selects
// both by id at session construction.
package backend

import (
	"fmt"

	"github.com/dshills/langhost/internal/install"
)

// Descriptor identifies a backend and how to obtain its executable.
// Immutable, supplied by configuration.
type Descriptor struct {
	// ID is the backend identifier ("gopls", "yaml", ...).
	ID string

	// Description is a human-readable summary.
	Description string

	// Executable is the tool name resolved on the host when
	// ResolveFromPath is set, and the launch target otherwise.
	Executable string

	// Args are the arguments the backend is launched with.
	Args []string

	// ResolveFromPath makes the session look for Executable on the
	// host before considering an install.
	ResolveFromPath bool

	// Install provisions the executable when it cannot be resolved.
	// Zero value means the backend has no installable runtime and
	// resolution failure is final.
	Install install.Dependency

	// InstallSubdir is the directory under the resource root the
	// install runs in. Defaults to the backend ID.
	InstallSubdir string
}

// Installable reports whether the descriptor carries an install recipe.
func (d Descriptor) Installable() bool {
	return d.Install.Command != ""
}

// InstallDir returns the install directory name for this backend.
func (d Descriptor) InstallDir() string {
	if d.InstallSubdir != "" {
		return d.InstallSubdir
	}
	return d.ID
}

// Validate checks the descriptor for configuration errors.
// Bad configuration is a programmer error, distinct from the runtime
// failures (missing tool, failed install) that surface as typed errors.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("backend descriptor missing id")
	}
	if d.Executable == "" && !d.Installable() {
		return fmt.Errorf("backend %s: no executable and no install command", d.ID)
	}
	if d.Installable() && d.Install.ExecutableRel == "" {
		return fmt.Errorf("backend %s: install command without expected executable path", d.ID)
	}
	return nil
}
