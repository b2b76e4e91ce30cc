// Package config holds the runtime settings for the orchestrator.
// Defaults are overridable through LANGHOST_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings configures sessions and the process supervisor.
type Settings struct {
	// ResourceDir is where backend runtimes are installed. Defaults to
	// ~/.langhost.
	ResourceDir string `env:"LANGHOST_RESOURCE_DIR"`

	// HandshakeTimeout bounds the initialize exchange with a backend.
	HandshakeTimeout time.Duration `env:"LANGHOST_HANDSHAKE_TIMEOUT" envDefault:"30s"`

	// RequestTimeout is the default deadline for backend requests sent
	// without one.
	RequestTimeout time.Duration `env:"LANGHOST_REQUEST_TIMEOUT" envDefault:"10s"`

	// ReadinessTimeout bounds the wait for a backend's extra readiness
	// signal after the handshake.
	ReadinessTimeout time.Duration `env:"LANGHOST_READINESS_TIMEOUT" envDefault:"30s"`

	// StopGrace is how long orderly teardown may take before a kill.
	StopGrace time.Duration `env:"LANGHOST_STOP_GRACE" envDefault:"3s"`

	// CapabilityStrictness is "warn" or "fail".
	CapabilityStrictness string `env:"LANGHOST_CAPABILITY_STRICTNESS" envDefault:"warn"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `env:"LANGHOST_LOG_LEVEL" envDefault:"info"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		ResourceDir:          defaultResourceDir(),
		HandshakeTimeout:     30 * time.Second,
		RequestTimeout:       10 * time.Second,
		ReadinessTimeout:     30 * time.Second,
		StopGrace:            3 * time.Second,
		CapabilityStrictness: "warn",
		LogLevel:             "info",
	}
}

// Load returns the defaults overlaid with environment variables.
func Load() (Settings, error) {
	s := Settings{}
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	if s.ResourceDir == "" {
		s.ResourceDir = defaultResourceDir()
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects values the orchestrator cannot run with.
func (s Settings) Validate() error {
	if s.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %v", s.HandshakeTimeout)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", s.RequestTimeout)
	}
	if s.StopGrace < 0 {
		return fmt.Errorf("stop grace must not be negative, got %v", s.StopGrace)
	}
	switch s.CapabilityStrictness {
	case "warn", "fail":
	default:
		return fmt.Errorf("capability strictness must be warn or fail, got %q", s.CapabilityStrictness)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn, or error, got %q", s.LogLevel)
	}
	return nil
}

func defaultResourceDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".langhost"
	}
	return filepath.Join(home, ".langhost")
}
