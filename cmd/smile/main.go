// Command smile validates a tutorial by running a simulated student (and,
// when the student gets stuck, a mentor) against it inside a Docker
// container, then writes a documentation gap report.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/smile-run/smile/internal/archive"
	"github.com/smile-run/smile/internal/bus"
	"github.com/smile-run/smile/internal/channels"
	"github.com/smile-run/smile/internal/config"
	"github.com/smile-run/smile/internal/gateway"
	"github.com/smile-run/smile/internal/loopstate"
	"github.com/smile-run/smile/internal/orchestrator"
	otelPkg "github.com/smile-run/smile/internal/otel"
	"github.com/smile-run/smile/internal/report"
	"github.com/smile-run/smile/internal/sandbox"
	"github.com/smile-run/smile/internal/shared"
	"github.com/smile-run/smile/internal/telemetry"
	"github.com/smile-run/smile/internal/tutorial"
	"github.com/smile-run/smile/internal/watcher"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

VALIDATE A TUTORIAL (default):
  %s [flags] [TUTORIAL]       Run the validation loop against TUTORIAL
                              (default: the tutorial named in smile.json)

SUBCOMMANDS:
  %s status                   Show the state of a running loop (/api/status)
  %s stop                     Ask a running loop to stop gracefully
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SMILE_TUTORIAL          Tutorial path (overrides smile.json)
  SMILE_LLM_PROVIDER      Agent backend: claude, codex, or gemini
  SMILE_BIND_ADDR         Control-plane bind address
  TELEGRAM_TOKEN          Enable completion notifications via Telegram

EXAMPLES:
  Validate a tutorial:    %s docs/getting-started.md
  Resume after a crash:   %s
  Check a running loop:   %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", config.DefaultPath, "path to the smile.json config file")
	outputDir := flag.String("output-dir", "", "directory for generated reports (overrides config)")
	verbose := flag.Bool("verbose", false, "log debug detail")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tutorialArg := ""
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, *configPath, args[1:]))
		case "stop":
			os.Exit(runStopCommand(ctx, *configPath, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, *configPath, args[1:]))
		default:
			if len(args) > 1 {
				fmt.Fprintf(os.Stderr, "usage: %s [flags] [TUTORIAL]\n", os.Args[0])
				os.Exit(2)
			}
			tutorialArg = args[0]
		}
	}

	os.Exit(runLoop(ctx, *configPath, tutorialArg, *outputDir, *verbose))
}

// runLoop is the whole validation session: config, logging, state recovery,
// the control-plane server, the container, and finally the gap report. The
// returned code is the process exit code.
func runLoop(ctx context.Context, configPath, tutorialArg, outputDir string, verbose bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if tutorialArg != "" {
		cfg.Tutorial = tutorialArg
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	level := "info"
	if verbose {
		level = "debug"
	}

	logger, closer, err := telemetry.NewLogger(cfg.OutputDir, level, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	runID := shared.NewRunID()
	logger = logger.With("run_id", runID)
	slog.SetDefault(logger)
	ctx = shared.WithRunID(ctx, runID)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "provider", cfg.LLMProvider)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:    cfg.Telemetry.Enabled,
		Exporter:   cfg.Telemetry.Exporter,
		Endpoint:   cfg.Telemetry.Endpoint,
		SampleRate: cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	tut, err := tutorial.Load(cfg.Tutorial)
	if err != nil {
		fatalStartup(logger, "E_TUTORIAL_LOAD", err)
	}
	logger.Info("tutorial loaded",
		"path", tut.Path, "bytes", tut.SizeBytes, "images", len(tut.Images))

	if err := os.MkdirAll(filepath.Dir(cfg.StateFile), 0o755); err != nil {
		fatalStartup(logger, "E_STATE_DIR_CREATE", err)
	}
	state, err := loopstate.Load(cfg.StateFile)
	if err != nil {
		fatalStartup(logger, "E_STATE_LOAD", err)
	}
	if state.Terminal() {
		logger.Info("previous session already finished, starting fresh", "status", state.Status)
		state = loopstate.New()
	}
	resuming := state.Status != loopstate.StatusStarting

	staleAfter := 2 * time.Duration(cfg.TimeoutSeconds) * time.Second
	lock, err := loopstate.AcquireLock(cfg.StateFile, staleAfter, logger)
	if err != nil {
		fatalStartup(logger, "E_SESSION_LOCK", err)
	}
	defer lock.Release()
	logger.Info("startup phase", "phase", "session_lock_acquired")

	eventBus := bus.New()
	coord := orchestrator.New(cfg, state, lock, eventBus, logger)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metrics init failed, continuing without", "error", err)
	} else {
		go recordLoopMetrics(ctx, eventBus, metrics)
	}

	server := &http.Server{Handler: gateway.New(coord, eventBus, logger).Handler()}
	bindAddr := cfg.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1:0"
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", bindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(bindAddr)
			return startupFailure(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		return startupFailure(logger, "E_LISTENER_BIND", err)
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	workspaceDir := filepath.Join(filepath.Dir(cfg.StateFile), "workspace")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return startupFailure(logger, "E_WORKSPACE_CREATE", err)
	}
	fw := watcher.New(workspaceDir, logger)
	if err := fw.Start(ctx); err != nil {
		return startupFailure(logger, "E_WORKSPACE_WATCHER_START", err)
	}

	box, err := sandbox.New(logger)
	if err != nil {
		return startupFailure(logger, "E_DOCKER_INIT", err)
	}
	defer box.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	err = box.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return startupFailure(logger, "E_DOCKER_PING", err)
	}

	boxOpts := sandbox.Options{
		Image:         cfg.ContainerImage,
		Tutorial:      cfg.Tutorial,
		Workspace:     workspaceDir,
		CallbackURL:   fmt.Sprintf("http://host.docker.internal:%d", boundPort),
		Provider:      cfg.LLMProvider,
		KeepOnFailure: cfg.Container.KeepOnFailure,
		KeepOnSuccess: cfg.Container.KeepOnSuccess,
		ExtraEnv:      providerCredentials(cfg.LLMProvider),
	}
	containerID, err := box.Start(ctx, boxOpts)
	if err != nil {
		return startupFailure(logger, "E_CONTAINER_START", err)
	}
	logger.Info("startup phase", "phase", "container_started", "container_id", containerID[:12])

	if cfg.Notify.TelegramToken != "" {
		tg := channels.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, eventBus, logger)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram notifier failed", "error", err)
			}
		}()
	}

	if resuming {
		err = coord.Resume()
	} else {
		err = coord.Begin()
	}
	if err != nil {
		return startupFailure(logger, "E_LOOP_START", err)
	}

	select {
	case <-coord.Done():
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		if _, err := coord.Stop(); err != nil {
			logger.Warn("stop on shutdown", "error", err)
		}
	case err := <-serverErr:
		logger.Error("control plane server error", "error", err)
		if _, err := coord.Stop(); err != nil {
			logger.Warn("stop on server error", "error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	_ = server.Shutdown(shutdownCtx)
	cancelShutdown()

	final := coord.Snapshot()

	var reported []string
	for _, rec := range final.History {
		reported = append(reported, rec.StudentOutput.FilesCreated...)
	}
	files := watcher.Merge(reported, fw.Drain())

	rep := report.Build(final, cfg.Tutorial)
	rep.FilesCreated = files
	mdPath, _, err := rep.Write(cfg.OutputDir)
	if err != nil {
		logger.Error("report write failed", "error", err)
	} else {
		logger.Info("report written", "path", mdPath)
	}

	if cfg.ArchiveFile != "" {
		archiveRun(cfg, rep, final, logger)
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	if err := box.Stop(stopCtx, boxOpts, final.Status == loopstate.StatusCompleted); err != nil {
		logger.Warn("container cleanup failed", "error", err)
	}
	cancelStop()

	logger.Info("session finished",
		"status", final.Status,
		"iterations", final.Iteration,
		"gaps", len(rep.Gaps),
		"duration", final.UpdatedAt.Sub(final.StartedAt).Round(time.Second).String())

	if final.Status != loopstate.StatusCompleted {
		return 1
	}
	return 0
}

// providerCredentials collects the host credential the selected provider's
// CLI expects, so it can be forwarded into the container.
func providerCredentials(provider string) map[string]string {
	keyVars := map[string]string{
		"claude": "ANTHROPIC_API_KEY",
		"codex":  "OPENAI_API_KEY",
		"gemini": "GEMINI_API_KEY",
	}
	name, ok := keyVars[provider]
	if !ok {
		return nil
	}
	if val := os.Getenv(name); val != "" {
		return map[string]string{name: val}
	}
	return nil
}

// archiveRun appends the finished session to the run archive. Archive
// failures are logged, never fatal; the report on disk is the authoritative
// artifact.
func archiveRun(cfg config.Config, rep *report.Report, final *loopstate.LoopState, logger *slog.Logger) {
	store, err := archive.Open(cfg.ArchiveFile)
	if err != nil {
		logger.Warn("archive open failed", "path", cfg.ArchiveFile, "error", err)
		return
	}
	defer store.Close()

	critical, major, minor := rep.GapCounts()
	id, err := store.Record(context.Background(), archive.Run{
		Tutorial:        rep.TutorialName,
		ConfigHash:      cfg.Fingerprint(),
		Status:          final.Status,
		Iterations:      final.Iteration,
		GapCount:        critical + major + minor,
		DurationSeconds: rep.Summary.DurationSeconds,
		StartedAt:       final.StartedAt,
		FinishedAt:      final.UpdatedAt,
	})
	if err != nil {
		logger.Warn("archive record failed", "error", err)
		return
	}
	logger.Info("run archived", "run_id", id, "archive", cfg.ArchiveFile)
}

// recordLoopMetrics mirrors bus events into OTel counters.
func recordLoopMetrics(ctx context.Context, eventBus *bus.Bus, m *otelPkg.Metrics) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.EventsPublished.Add(ctx, 1)
			switch env.Topic {
			case bus.EventIterationStart:
				m.IterationsTotal.Add(ctx, 1)
			case bus.EventMentorOutput:
				m.ConsultationsTotal.Add(ctx, 1)
			}
		}
	}
}

// startupFailure reports a failed startup step that happens after the
// session lock is held. It returns the exit code instead of exiting so the
// deferred lock release and log closer still run.
func startupFailure(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	return 1
}

// fatalStartup is for failures before the session lock exists; nothing is
// held yet, so exiting directly is safe.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"smile","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bindAddr in smile.json.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bindAddr in smile.json.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
