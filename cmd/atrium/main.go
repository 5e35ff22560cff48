// Atrium is a local multi-agent orchestration core.
//
// It runs an envelope broker over a Unix socket and a WebSocket,
// tracks registered agents, dispatches service requests against the
// shared stores, schedules inference through a priority queue, and
// hosts the built-in admin agent. Configuration is loaded from a YAML
// file discovered automatically (see [config.DefaultSearchPaths]);
// every key has a serviceable default, so a stock installation runs
// with no config file at all.
//
// Usage:
//
//	atrium serve             Start the broker
//	atrium init [dir]        Initialize a data directory with defaults
//	atrium version           Print version and build information
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fenwick/atrium/internal/admin"
	"github.com/fenwick/atrium/internal/articles"
	"github.com/fenwick/atrium/internal/buildinfo"
	"github.com/fenwick/atrium/internal/bus"
	"github.com/fenwick/atrium/internal/calendar"
	"github.com/fenwick/atrium/internal/config"
	"github.com/fenwick/atrium/internal/fetch"
	"github.com/fenwick/atrium/internal/llm"
	"github.com/fenwick/atrium/internal/paths"
	"github.com/fenwick/atrium/internal/registry"
	"github.com/fenwick/atrium/internal/router"
	"github.com/fenwick/atrium/internal/service"
	"github.com/fenwick/atrium/internal/settings"
	"github.com/fenwick/atrium/internal/tasks"
	"github.com/fenwick/atrium/internal/transport"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the full lifecycle can be driven from
// tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// serveFlags collects the command-line overrides. Flags beat
// environment variables, which beat the config file, which beats the
// built-in defaults.
type serveFlags struct {
	configPath string
	dataDir    string
	wsHost     string
	wsPort     int
	logLevel   string
	verbose    bool
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run concurrently from tests, and the flag surface here is
// small enough that manual parsing stays readable.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var f serveFlags
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" && i+1 < len(args):
			f.configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			f.configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--data-dir" && i+1 < len(args):
			f.dataDir = args[i+1]
			i++
		case strings.HasPrefix(arg, "--data-dir="):
			f.dataDir = strings.TrimPrefix(arg, "--data-dir=")
		case arg == "--ws-host" && i+1 < len(args):
			f.wsHost = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ws-host="):
			f.wsHost = strings.TrimPrefix(arg, "--ws-host=")
		case arg == "--ws-port" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid --ws-port: %q", args[i+1])
			}
			f.wsPort = n
			i++
		case strings.HasPrefix(arg, "--ws-port="):
			v := strings.TrimPrefix(arg, "--ws-port=")
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid --ws-port: %q", v)
			}
			f.wsPort = n
		case arg == "--log-level" && i+1 < len(args):
			f.logLevel = args[i+1]
			i++
		case strings.HasPrefix(arg, "--log-level="):
			f.logLevel = strings.TrimPrefix(arg, "--log-level=")
		case arg == "-v" || arg == "--verbose":
			f.verbose = true
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(arg, "-") && command == "":
			command = arg
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, arg)
			} else {
				return fmt.Errorf("unknown flag: %s", arg)
			}
		}
	}

	// .env entries become process environment before config
	// resolution. Absence is normal; a malformed file earns a warning,
	// not a refusal to start.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "warning: .env not loaded: %v\n", err)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, f)
	case "init":
		dir := f.dataDir
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		if dir == "" {
			dir = config.Default().DataDir
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w. It is called when
// atrium is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Atrium - local multi-agent workspace core")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: atrium [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the broker (Unix socket + WebSocket)")
	fmt.Fprintln(w, "  init [dir]   Initialize a data directory with defaults (default: ~/.atrium)")
	fmt.Fprintln(w, "  version      Show version and build information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --config <path>      Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  --data-dir <path>    Data directory (overrides config)")
	fmt.Fprintln(w, "  --ws-host <host>     WebSocket bind host (overrides config)")
	fmt.Fprintln(w, "  --ws-port <port>     WebSocket bind port (overrides config)")
	fmt.Fprintln(w, "  --log-level <level>  trace, debug, info, warn, or error")
	fmt.Fprintln(w, "  -v, --verbose        Shorthand for --log-level debug")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  --config path, ./atrium.yaml, ~/.config/atrium/config.yaml,")
	fmt.Fprintln(w, "  /etc/atrium/config.yaml, <data-dir>/config.yaml")
	return nil
}

// runVersion prints build metadata in a stable order.
func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	info := buildinfo.Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runServe is the primary operating mode: resolve configuration, open
// the database and stores, assemble registry, dispatcher, router, LLM
// queue, and admin agent, bind both listeners, and block until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Both listeners close and the socket file is unlinked
//  3. The worker pool drains in-flight service calls
//  4. The LLM queue fails whatever is still waiting
func runServe(ctx context.Context, stderr io.Writer, f serveFlags) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(stderr, slog.LevelInfo)
	logger.Info("starting atrium",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	// --- Configuration ---
	// Precedence: flags > environment > config file > defaults.
	cfg, cfgPath, err := loadConfig(f.configPath, f.dataDir)
	if err != nil {
		return err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return err
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.wsHost != "" {
		cfg.Listen.WSHost = f.wsHost
	}
	if f.wsPort != 0 {
		cfg.Listen.WSPort = f.wsPort
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, err = config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
	}
	if f.verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	logger = newLogger(stderr, level)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using built-in defaults")
	}

	// --- Data directory ---
	// Everything persistent lives under this root: the database, the
	// settings file, the socket, per-agent note trees, and persona.
	layout := paths.NewLayout(cfg.DataDir)
	if err := layout.EnsureRoot(); err != nil {
		return err
	}

	// --- Database and stores ---
	db, err := sql.Open("sqlite3", layout.Database()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", layout.Database(), err)
	}
	defer db.Close()

	taskStore, err := tasks.NewStore(db)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	calendarStore, err := calendar.NewStore(db)
	if err != nil {
		return fmt.Errorf("open calendar store: %w", err)
	}
	articleStore, err := articles.NewStore(db)
	if err != nil {
		return fmt.Errorf("open article store: %w", err)
	}
	settingsStore, err := settings.NewStore(layout.Settings(), logger.With("component", "settings"))
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	logger.Info("stores opened", "database", layout.Database())

	// --- LLM queue ---
	// All inference flows through one priority queue; admin requests
	// run before agent requests, and max_concurrent bounds in-flight
	// calls against the backend.
	ollama := llm.NewOllamaClient(cfg.LLM.BaseURL, logger.With("component", "llm"))
	queue := llm.NewQueue(ollama, settingsStore, llm.QueueConfig{
		DefaultModel:  cfg.LLM.DefaultModel,
		Temperature:   cfg.LLM.Temperature,
		MaxConcurrent: cfg.LLM.MaxConcurrent,
	}, logger.With("component", "llm"))
	go queue.Run(ctx)
	logger.Info("llm queue started",
		"base_url", cfg.LLM.BaseURL,
		"default_model", cfg.LLM.DefaultModel,
		"max_concurrent", cfg.LLM.MaxConcurrent,
	)

	// --- Lifecycle bus ---
	// The registry publishes register/unregister transitions; the
	// daemon logs them. Other consumers can subscribe without touching
	// the registry.
	lifecycle := bus.New()
	events := lifecycle.Subscribe(16)
	go func() {
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				logger.Info("agent "+e.Kind,
					"agent_id", e.AgentID,
					"name", e.Name,
					"privileged", e.Privileged,
				)
			case <-ctx.Done():
				return
			}
		}
	}()

	// --- Registry, dispatcher, router ---
	// The router and the dispatcher share one worker pool, so blocking
	// work never runs on a connection's read goroutine.
	reg := registry.New(lifecycle, logger.With("component", "registry"))
	pool := service.NewPool(0, logger.With("component", "pool"))
	defer pool.Stop()

	dispatcher := service.New(service.Config{
		Tasks:    taskStore,
		Events:   calendarStore,
		Articles: articleStore,
		Settings: settingsStore,
		Queue:    queue,
		Fetcher:  fetch.New(),
		Layout:   layout,
		Logger:   logger.With("component", "service"),
		Pool:     pool,
	})

	rt := router.New(router.Config{
		Registry: reg,
		Services: dispatcher,
		Pool:     pool,
		Logger:   logger.With("component", "router"),
	})

	// --- Admin agent ---
	// In-process, privileged, and the default target for unaddressed
	// commands. Must attach before the listeners start so no envelope
	// ever races the binding.
	adm := admin.New(admin.Config{
		Registry: reg,
		Settings: settingsStore,
		Tasks:    taskStore,
		Calendar: calendarStore,
		Chat:     queue,
		Layout:   layout,
		Logger:   logger.With("component", "admin"),
	})
	adminID, err := adm.Attach(rt)
	if err != nil {
		return fmt.Errorf("attach admin agent: %w", err)
	}
	logger.Info("admin agent attached", "agent_id", adminID)

	// --- Listeners ---
	socketPath := cfg.Listen.SocketPath
	if socketPath == "" {
		socketPath = layout.Socket()
	}
	srv := transport.NewServer(transport.Config{
		SocketPath: socketPath,
		WSHost:     cfg.Listen.WSHost,
		WSPort:     cfg.Listen.WSPort,
	}, rt, logger.With("component", "transport"))
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start listeners: %w", err)
	}
	logger.Info("listening", "socket", socketPath, "ws", srv.WSAddr())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("listener shutdown incomplete", "error", err)
	}

	logger.Info("atrium stopped")
	return nil
}

// newLogger creates a structured text logger on w. All output goes
// through slog; this helper standardizes handler options across
// subcommands, including the TRACE level name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig resolves the configuration file. An explicit path must
// exist; otherwise the default locations are searched, then
// <data-dir>/config.yaml. No file anywhere is not an error, because
// the built-in defaults are complete.
func loadConfig(explicit, dataDir string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.Load(explicit)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", explicit, err)
		}
		return cfg, explicit, nil
	}

	if dataDir == "" {
		dataDir = config.Default().DataDir
	}
	search := append(config.DefaultSearchPaths(),
		filepath.Join(paths.ExpandHome(dataDir), "config.yaml"))

	for _, p := range search {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cfg, err := config.Load(p)
		if err != nil {
			return nil, p, fmt.Errorf("load config %s: %w", p, err)
		}
		return cfg, p, nil
	}

	return config.Default(), "", nil
}
