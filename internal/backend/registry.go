package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/langhost/internal/install"
)

// Backend pairs a descriptor with its strategy.
type Backend struct {
	Descriptor Descriptor
	Strategy   Strategy
}

// Registry holds the known backends. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// DefaultRegistry returns a registry pre-populated with the built-in
// backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, b := range builtins() {
		r.backends[b.Descriptor.ID] = b
	}
	return r
}

// Register adds or replaces a backend. The descriptor must validate.
func (r *Registry) Register(b Backend) error {
	if err := b.Descriptor.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.backends[b.Descriptor.ID] = b
	r.mu.Unlock()
	return nil
}

// Lookup returns the backend for an id.
func (r *Registry) Lookup(id string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return Backend{}, fmt.Errorf("unknown backend %q (known: %v)", id, r.idsLocked())
	}
	return b, nil
}

// IDs returns the registered backend ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// builtins returns the backends langhost ships with.
func builtins() []Backend {
	return []Backend{
		{
			Descriptor: Descriptor{
				ID:              "gopls",
				Description:     "Go language server (golang.org/x/tools/gopls)",
				Executable:      "gopls",
				ResolveFromPath: true,
				Install: install.Dependency{
					ID:                   "gopls",
					Description:          "gopls via the Go toolchain",
					Command:              `GOBIN="$PWD/bin" go install golang.org/x/tools/gopls@latest`,
					Platform:             "any",
					ExecutableRel:        "bin/gopls",
					ExecutableRelWindows: "bin/gopls.exe",
				},
				InstallSubdir: "gopls",
			},
			Strategy: Strategy{
				ExpectedCapabilities: []string{
					"documentSymbolProvider",
					"definitionProvider",
					"referencesProvider",
					"hoverProvider",
				},
				// gopls logs through window/logMessage; stderr output
				// is almost always debug-level noise.
				ClassifyStderr: BenignPhrases("go: downloading", "warning:"),
			},
		},
		{
			Descriptor: Descriptor{
				ID:          "yaml",
				Description: "yaml-language-server (Red Hat)",
				Args:        []string{"--stdio"},
				Install: install.Dependency{
					ID:                   "yaml-language-server",
					Description:          "yaml-language-server package (Red Hat)",
					Command:              "npm install --prefix ./ yaml-language-server@1.19.2",
					Platform:             "any",
					ExecutableRel:        "node_modules/.bin/yaml-language-server",
					ExecutableRelWindows: "node_modules/.bin/yaml-language-server.cmd",
				},
				InstallSubdir: "yaml-lsp",
			},
			Strategy: Strategy{
				InitializationOptions: json.RawMessage(`{
					"yaml": {
						"schemaStore": {"enable": true, "url": "https://www.schemastore.org/api/json/catalog.json"},
						"format": {"enable": true},
						"validate": true,
						"hover": true,
						"completion": true
					}
				}`),
				ExpectedCapabilities: []string{"documentSymbolProvider"},
				// Schema resolution and parser messages are routine.
				ClassifyStderr: BenignPhrases("cannot find module", "no parser"),
			},
		},
	}
}
