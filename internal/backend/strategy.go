package backend

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/dshills/langhost/internal/jsonrpc"
)

// ReadinessPolicy decides when a backend is actually ready for
// queries. Completing the handshake is not always enough: some
// backends index in the background and only announce completion
// through a log line or an extra notification.
//
// The zero value means ready as soon as the handshake completes.
type ReadinessPolicy struct {
	// LogLineContains delays readiness until an output line containing
	// this substring is observed.
	LogLineContains string

	// Notification delays readiness until this method is received.
	Notification string
}

// Immediate reports whether no extra readiness signal is required.
func (p ReadinessPolicy) Immediate() bool {
	return p.LogLineContains == "" && p.Notification == ""
}

// MatchesLine reports whether an output line satisfies the policy.
func (p ReadinessPolicy) MatchesLine(line string) bool {
	return p.LogLineContains != "" && strings.Contains(line, p.LogLineContains)
}

// StderrClassifier maps an output line from the backend to a log
// severity. Backends are chatty on stderr; classifying known-benign
// phrases down keeps normal operation from reading as a failure.
type StderrClassifier func(line string) slog.Level

// DefaultClassifyStderr is the fallback classifier: lines mentioning
// an error keep warning severity, everything else is debug chatter.
func DefaultClassifyStderr(line string) slog.Level {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "error") || strings.Contains(lower, "panic") || strings.Contains(lower, "fatal") {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// BenignPhrases builds a classifier that demotes lines containing any
// of the given phrases to debug before falling back to the default.
func BenignPhrases(phrases ...string) StderrClassifier {
	return func(line string) slog.Level {
		lower := strings.ToLower(line)
		for _, phrase := range phrases {
			if strings.Contains(lower, phrase) {
				return slog.LevelDebug
			}
		}
		return DefaultClassifyStderr(line)
	}
}

// Strategy is the per-backend customization table selected at session
// construction.
type Strategy struct {
	// InitializationOptions is raw JSON set as the
	// initializationOptions member of the initialize params.
	InitializationOptions json.RawMessage

	// CapabilityPatches are sjson path/value pairs applied to the base
	// initialize params, for backends that need non-standard tweaks.
	CapabilityPatches map[string]any

	// ExpectedCapabilities are gjson paths under the initialize
	// result's capabilities object that the caller relies on. Missing
	// ones are reported through the session's capability check.
	ExpectedCapabilities []string

	// Readiness layers an extra readiness signal over the handshake.
	Readiness ReadinessPolicy

	// ClassifyStderr maps backend output lines to log severities.
	// Nil uses DefaultClassifyStderr.
	ClassifyStderr StderrClassifier

	// RequestHandlers answer server-initiated requests beyond the
	// tolerated defaults.
	RequestHandlers map[string]jsonrpc.RequestHandler

	// NotificationHandlers receive server notifications beyond the
	// tolerated defaults.
	NotificationHandlers map[string]jsonrpc.NotificationHandler
}

// Classify applies the strategy's classifier with the default fallback.
func (s Strategy) Classify(line string) slog.Level {
	if s.ClassifyStderr != nil {
		return s.ClassifyStderr(line)
	}
	return DefaultClassifyStderr(line)
}

// ToleratedRequests are server-to-client requests every session
// answers with an empty success result unless a specific handler is
// registered. They carry an id and must be replied to, or backends
// wedge waiting on the response.
var ToleratedRequests = []string{
	"client/registerCapability",
	"client/unregisterCapability",
	"window/workDoneProgress/create",
	"workspace/configuration",
}

// ToleratedNotifications are server notifications every session
// accepts as no-ops unless a specific handler is registered. Chatty
// backends emit these immediately after spawn.
var ToleratedNotifications = []string{
	"$/progress",
	"textDocument/publishDiagnostics",
	"window/logMessage",
	"window/showMessage",
	"telemetry/event",
}

// InitializeParams builds the initialize request params for a backend
// rooted at rootPath, starting from the generic capability descriptor
// and overlaying the strategy's options and patches.
func (s Strategy) InitializeParams(rootPath string) (json.RawMessage, error) {
	params, err := baseInitializeParams(rootPath)
	if err != nil {
		return nil, err
	}

	if len(s.InitializationOptions) > 0 {
		params, err = sjson.SetRawBytes(params, "initializationOptions", s.InitializationOptions)
		if err != nil {
			return nil, err
		}
	}

	for path, value := range s.CapabilityPatches {
		params, err = sjson.SetBytes(params, path, value)
		if err != nil {
			return nil, err
		}
	}

	return params, nil
}

// baseInitializeParams declares the features the host understands:
// document synchronization, completion, definition, references,
// hierarchical document symbols, hover, code actions, workspace
// folders, and dynamic registration.
func baseInitializeParams(rootPath string) (json.RawMessage, error) {
	rootURI := pathToURI(rootPath)

	params := map[string]any{
		"processId": os.Getpid(),
		"rootPath":  rootPath,
		"rootUri":   rootURI,
		"locale":    "en",
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"synchronization": map[string]any{
					"didSave":             true,
					"dynamicRegistration": true,
				},
				"completion": map[string]any{
					"dynamicRegistration": true,
					"completionItem":      map[string]any{"snippetSupport": true},
				},
				"definition": map[string]any{"dynamicRegistration": true},
				"references": map[string]any{"dynamicRegistration": true},
				"documentSymbol": map[string]any{
					"dynamicRegistration":               true,
					"hierarchicalDocumentSymbolSupport": true,
					"symbolKind":                        map[string]any{"valueSet": symbolKindRange()},
				},
				"hover": map[string]any{
					"dynamicRegistration": true,
					"contentFormat":       []string{"markdown", "plaintext"},
				},
				"codeAction": map[string]any{"dynamicRegistration": true},
			},
			"workspace": map[string]any{
				"workspaceFolders":       true,
				"didChangeConfiguration": map[string]any{"dynamicRegistration": true},
				"symbol":                 map[string]any{"dynamicRegistration": true},
			},
		},
		"workspaceFolders": []map[string]any{
			{"uri": rootURI, "name": filepath.Base(rootPath)},
		},
	}

	return json.Marshal(params)
}

// symbolKindRange is the full LSP SymbolKind value set (1..26).
func symbolKindRange() []int {
	kinds := make([]int, 26)
	for i := range kinds {
		kinds[i] = i + 1
	}
	return kinds
}

// pathToURI converts a file path to a file:// URI.
func pathToURI(path string) string {
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		// Windows drive paths need a leading slash in the URI.
		path = "/" + path
	}
	return "file://" + path
}
