// Package main is the entry point for the langhost backend orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dshills/langhost/internal/backend"
	"github.com/dshills/langhost/internal/config"
	"github.com/dshills/langhost/internal/session"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}
	if opts.LogLevel != "" {
		settings.LogLevel = opts.LogLevel
	}

	logger := newLogger(settings.LogLevel)
	manager := newManager(opts.Workspace, settings, logger)
	defer manager.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch opts.Command {
	case "backends":
		for _, id := range backend.DefaultRegistry().IDs() {
			fmt.Println(id)
		}
		return 0
	case "start":
		return runStart(ctx, manager, opts.Args, logger)
	case "run":
		return runStream(ctx, manager, opts.Args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", opts.Command)
		flag.Usage()
		return 1
	}
}

// runStart brings up sessions for the named backends and holds them
// until interrupted.
func runStart(ctx context.Context, m *session.Manager, backendIDs []string, logger *slog.Logger) int {
	if len(backendIDs) == 0 {
		fmt.Fprintln(os.Stderr, "Error: start requires at least one backend id")
		return 1
	}

	failures := 0
	for _, id := range backendIDs {
		s, err := m.Start(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", id, err)
			failures++
			continue
		}
		logger.Info("backend running", "backend", id, "pid", s.PID())
	}
	if failures == len(backendIDs) {
		return 1
	}

	<-ctx.Done()
	return 0
}

// runStream executes an ad-hoc command under the supervisor, relaying
// its output line by line.
func runStream(ctx context.Context, m *session.Manager, argv []string) int {
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "Error: run requires a command")
		return 1
	}

	p, err := m.Supervisor().RunStreamLines(ctx, argv, "", func(line string) {
		fmt.Println(line)
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	select {
	case <-p.Done():
		return p.ExitCode()
	case <-ctx.Done():
		p.Stop(3 * time.Second)
		return 130
	}
}

func newManager(workspace string, settings config.Settings, logger *slog.Logger) *session.Manager {
	strictness := session.StrictnessWarn
	if settings.CapabilityStrictness == "fail" {
		strictness = session.StrictnessFail
	}
	return session.NewManager(workspace,
		session.WithManagerResourceDir(settings.ResourceDir),
		session.WithManagerHandshakeTimeout(settings.HandshakeTimeout),
		session.WithManagerRequestTimeout(settings.RequestTimeout),
		session.WithManagerReadinessTimeout(settings.ReadinessTimeout),
		session.WithManagerStopGrace(settings.StopGrace),
		session.WithManagerStrictness(strictness),
		session.WithManagerLogger(logger),
	)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

type options struct {
	Workspace string
	LogLevel  string
	Command   string
	Args      []string
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.Workspace, "workspace", "", "Workspace/project directory")
	flag.StringVar(&opts.Workspace, "w", "", "Workspace/project directory (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Langhost - language backend orchestrator\n\n")
		fmt.Fprintf(os.Stderr, "Usage: langhost [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  backends             List known backends\n")
		fmt.Fprintf(os.Stderr, "  start <backend>...   Run backend sessions until interrupted\n")
		fmt.Fprintf(os.Stderr, "  run <cmd> [args...]  Run a command, streaming its output\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  langhost backends\n")
		fmt.Fprintf(os.Stderr, "  langhost -w ./project start gopls\n")
		fmt.Fprintf(os.Stderr, "  langhost run go vet ./...\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("Langhost %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if opts.LogLevel != "" {
		switch opts.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.LogLevel)
			os.Exit(1)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	opts.Command = args[0]
	opts.Args = args[1:]

	if opts.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.Workspace = wd
		}
	}
	if abs, err := filepath.Abs(opts.Workspace); err == nil {
		opts.Workspace = abs
	}

	return opts
}
