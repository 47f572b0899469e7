// Package doctor runs preflight diagnostics: config, tutorial, Docker,
// state file, and network reachability for the configured LLM provider.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/smile-run/smile/internal/config"
	"github.com/smile-run/smile/internal/errs"
	"github.com/smile-run/smile/internal/loopstate"
	"github.com/smile-run/smile/internal/sandbox"
	"github.com/smile-run/smile/internal/tutorial"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks against the loaded config.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkConfig,
		checkTutorial,
		checkDocker,
		checkStateFile,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg config.Config) CheckResult {
	return CheckResult{
		Name:   "Config",
		Status: "PASS",
		Message: fmt.Sprintf("provider=%s, max_iterations=%d, timeout=%ds",
			cfg.LLMProvider, cfg.MaxIterations, cfg.TimeoutSeconds),
	}
}

func checkTutorial(_ context.Context, cfg config.Config) CheckResult {
	t, err := tutorial.Load(cfg.Tutorial)
	if err != nil {
		return CheckResult{
			Name:    "Tutorial",
			Status:  "FAIL",
			Message: fmt.Sprintf("cannot load %q", cfg.Tutorial),
			Detail:  err.Error(),
		}
	}
	return CheckResult{
		Name:    "Tutorial",
		Status:  "PASS",
		Message: fmt.Sprintf("%s (%d bytes, %d images)", t.Path, t.SizeBytes, len(t.Images)),
	}
}

func checkDocker(ctx context.Context, cfg config.Config) CheckResult {
	mgr, err := sandbox.New(slog.New(slog.DiscardHandler))
	if err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "docker client init failed", Detail: err.Error()}
	}
	defer mgr.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mgr.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "daemon unreachable", Detail: err.Error()}
	}
	if err := mgr.EnsureImage(pingCtx, cfg.ContainerImage); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  "FAIL",
			Message: fmt.Sprintf("image %q not available", cfg.ContainerImage),
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: fmt.Sprintf("daemon ok, image %q present", cfg.ContainerImage)}
}

func checkStateFile(_ context.Context, cfg config.Config) CheckResult {
	if _, err := os.Stat(cfg.StateFile); os.IsNotExist(err) {
		return CheckResult{Name: "State", Status: "PASS", Message: "no previous session"}
	}
	state, err := loopstate.Load(cfg.StateFile)
	if err != nil {
		if errs.KindOf(err) == errs.KindStateCorrupted {
			return CheckResult{
				Name:    "State",
				Status:  "FAIL",
				Message: fmt.Sprintf("state file %q is corrupted", cfg.StateFile),
				Detail:  err.Error(),
			}
		}
		return CheckResult{Name: "State", Status: "FAIL", Message: "cannot read state file", Detail: err.Error()}
	}
	if _, err := os.Stat(loopstate.LockPath(cfg.StateFile)); err == nil {
		return CheckResult{
			Name:    "State",
			Status:  "WARN",
			Message: "session lock present, a loop may be running",
			Detail:  fmt.Sprintf("status=%s iteration=%d", state.Status, state.Iteration),
		}
	}
	if state.Status.Terminal() {
		return CheckResult{Name: "State", Status: "PASS", Message: fmt.Sprintf("previous session finished: %s", state.Status)}
	}
	return CheckResult{
		Name:    "State",
		Status:  "WARN",
		Message: fmt.Sprintf("interrupted session at %s iteration %d, will resume", state.Status, state.Iteration),
	}
}

func checkNetwork(ctx context.Context, cfg config.Config) CheckResult {
	endpoints := map[string]string{
		"claude": "api.anthropic.com",
		"codex":  "api.openai.com",
		"gemini": "generativelanguage.googleapis.com",
	}
	host, ok := endpoints[cfg.LLMProvider]
	if !ok {
		return CheckResult{Name: "Network", Status: "SKIP", Message: fmt.Sprintf("unknown provider %q", cfg.LLMProvider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLMProvider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
