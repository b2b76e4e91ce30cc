package backend

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/dshills/langhost/internal/install"
)

func TestInitializeParams_Base(t *testing.T) {
	var s Strategy
	params, err := s.InitializeParams("/work/project")
	if err != nil {
		t.Fatalf("InitializeParams() error = %v", err)
	}

	if !json.Valid(params) {
		t.Fatal("params are not valid JSON")
	}

	checks := map[string]string{
		"rootUri":  "file:///work/project",
		"rootPath": "/work/project",
		"locale":   "en",
		"workspaceFolders.0.name": "project",
	}
	for path, want := range checks {
		if got := gjson.GetBytes(params, path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}

	boolPaths := []string{
		"capabilities.textDocument.synchronization.dynamicRegistration",
		"capabilities.textDocument.documentSymbol.hierarchicalDocumentSymbolSupport",
		"capabilities.textDocument.completion.completionItem.snippetSupport",
		"capabilities.workspace.workspaceFolders",
	}
	for _, path := range boolPaths {
		if !gjson.GetBytes(params, path).Bool() {
			t.Errorf("%s should be true", path)
		}
	}

	kinds := gjson.GetBytes(params, "capabilities.textDocument.documentSymbol.symbolKind.valueSet")
	if len(kinds.Array()) != 26 {
		t.Errorf("symbolKind valueSet has %d entries, want 26", len(kinds.Array()))
	}
}

func TestInitializeParams_OptionsAndPatches(t *testing.T) {
	s := Strategy{
		InitializationOptions: json.RawMessage(`{"yaml":{"validate":true}}`),
		CapabilityPatches: map[string]any{
			"capabilities.textDocument.hover.dynamicRegistration": false,
			"trace": "verbose",
		},
	}

	params, err := s.InitializeParams("/work/project")
	if err != nil {
		t.Fatalf("InitializeParams() error = %v", err)
	}

	if !gjson.GetBytes(params, "initializationOptions.yaml.validate").Bool() {
		t.Error("initializationOptions not overlaid")
	}
	if gjson.GetBytes(params, "capabilities.textDocument.hover.dynamicRegistration").Bool() {
		t.Error("capability patch not applied")
	}
	if got := gjson.GetBytes(params, "trace").String(); got != "verbose" {
		t.Errorf("trace = %q, want verbose", got)
	}
}

func TestReadinessPolicy(t *testing.T) {
	var zero ReadinessPolicy
	if !zero.Immediate() {
		t.Error("zero policy should be immediate")
	}

	p := ReadinessPolicy{LogLineContains: "Indexing complete"}
	if p.Immediate() {
		t.Error("log-line policy should not be immediate")
	}
	if !p.MatchesLine("gopls: Indexing complete (3.2s)") {
		t.Error("expected line to match")
	}
	if p.MatchesLine("still indexing") {
		t.Error("unexpected match")
	}
}

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		line string
		want slog.Level
	}{
		{"ERROR: something broke", slog.LevelWarn},
		{"panic: oh no", slog.LevelWarn},
		{"loaded 120 packages", slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := DefaultClassifyStderr(tt.line); got != tt.want {
			t.Errorf("DefaultClassifyStderr(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}

	benign := BenignPhrases("cannot find module")
	if got := benign("Error: Cannot find module './package.json'"); got != slog.LevelDebug {
		t.Errorf("benign phrase classified as %v, want debug", got)
	}
	if got := benign("error: real failure"); got != slog.LevelWarn {
		t.Errorf("non-benign error classified as %v, want warn", got)
	}
}

func TestDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{"valid path backend", Descriptor{ID: "x", Executable: "x", ResolveFromPath: true}, false},
		{"valid installable", Descriptor{ID: "y", Install: install.Dependency{Command: "true", ExecutableRel: "bin/y"}}, false},
		{"missing id", Descriptor{Executable: "x"}, true},
		{"no way to obtain", Descriptor{ID: "z"}, true},
		{"install without marker", Descriptor{ID: "w", Install: install.Dependency{Command: "true"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	ids := r.IDs()
	if len(ids) < 2 {
		t.Fatalf("expected built-in backends, got %v", ids)
	}

	yaml, err := r.Lookup("yaml")
	if err != nil {
		t.Fatalf("Lookup(yaml) error = %v", err)
	}
	if !yaml.Descriptor.Installable() {
		t.Error("yaml backend should be installable")
	}
	if yaml.Descriptor.Install.Command == "" {
		t.Error("yaml backend missing install command")
	}
	if got := yaml.Descriptor.InstallDir(); got != "yaml-lsp" {
		t.Errorf("InstallDir() = %q, want yaml-lsp", got)
	}

	if _, err := r.Lookup("cobol"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestRegistry_RegisterValidates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Backend{Descriptor: Descriptor{}}); err == nil {
		t.Error("expected validation error")
	}

	b := Backend{Descriptor: Descriptor{ID: "ok", Executable: "ok", ResolveFromPath: true}}
	if err := r.Register(b); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got, err := r.Lookup("ok")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.Descriptor.ID != "ok" {
		t.Errorf("round-trip id = %q", got.Descriptor.ID)
	}
}
