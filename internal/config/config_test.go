package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smile-run/smile/internal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smile.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tutorial != "tutorial.md" {
		t.Errorf("tutorial = %q", cfg.Tutorial)
	}
	if cfg.MaxIterations != 10 || cfg.TimeoutSeconds != 1800 {
		t.Errorf("limits = %d/%d, want 10/1800", cfg.MaxIterations, cfg.TimeoutSeconds)
	}
	if cfg.ContainerImage != "smile-base:latest" {
		t.Errorf("image = %q", cfg.ContainerImage)
	}
	if cfg.StateFile != filepath.Join(".smile", "state.json") {
		t.Errorf("stateFile = %q", cfg.StateFile)
	}
	sb := cfg.StudentBehavior
	if sb.MaxRetriesBeforeHelp != 3 || sb.TimeoutSeconds != 60 || sb.PatienceLevel != "low" {
		t.Errorf("studentBehavior = %+v", sb)
	}
	if !sb.AskOnMissingDependency || !sb.AskOnAmbiguousInstruction || !sb.AskOnCommandFailure || !sb.AskOnTimeout {
		t.Errorf("ask flags should default true: %+v", sb)
	}
	if !cfg.Container.KeepOnFailure || cfg.Container.KeepOnSuccess {
		t.Errorf("container = %+v", cfg.Container)
	}
}

func TestLoad_PartialFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"tutorial": "custom.md",
		"llmProvider": "gemini",
		"maxIterations": 20,
		"studentBehavior": {"patienceLevel": "high", "maxRetriesBeforeHelp": 5}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tutorial != "custom.md" || cfg.LLMProvider != "gemini" || cfg.MaxIterations != 20 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.StudentBehavior.PatienceLevel != "high" || cfg.StudentBehavior.MaxRetriesBeforeHelp != 5 {
		t.Errorf("studentBehavior overrides not applied: %+v", cfg.StudentBehavior)
	}
	if cfg.TimeoutSeconds != 1800 {
		t.Errorf("untouched field lost its default: timeout = %d", cfg.TimeoutSeconds)
	}
	if cfg.StudentBehavior.TimeoutSeconds != 60 {
		t.Errorf("nested default lost: stepTimeout = %d", cfg.StudentBehavior.TimeoutSeconds)
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"tutorial": `)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if errs.KindOf(err) != errs.KindConfigParse {
		t.Errorf("kind = %s, want config_parse", errs.KindOf(err))
	}
}

func TestLoad_UnknownTopLevelKeyRejected(t *testing.T) {
	path := writeConfig(t, `{"tutoriall": "typo.md"}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected schema error for unknown key")
	}
	if errs.KindOf(err) != errs.KindConfigValidation {
		t.Errorf("kind = %s, want config_validation", errs.KindOf(err))
	}
}

func TestLoad_WrongTypeRejected(t *testing.T) {
	path := writeConfig(t, `{"maxIterations": "ten"}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected schema error for wrong type")
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	path := writeConfig(t, `{"llmProvider": "gpt5"}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "gpt5") {
		t.Errorf("error should name the bad provider: %v", err)
	}
}

func TestLoad_StepTimeoutExceedsSessionTimeout(t *testing.T) {
	path := writeConfig(t, `{"timeout": 30, "studentBehavior": {"timeoutSeconds": 60}}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errs.KindOf(err) != errs.KindConfigValidation {
		t.Errorf("kind = %s, want config_validation", errs.KindOf(err))
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `{"maxIterations": 5}`)
	t.Setenv("SMILE_MAX_ITERATIONS", "7")
	t.Setenv("SMILE_LLM_PROVIDER", "codex")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxIterations != 7 {
		t.Errorf("env override ignored: maxIterations = %d", cfg.MaxIterations)
	}
	if cfg.LLMProvider != "codex" {
		t.Errorf("env override ignored: provider = %q", cfg.LLMProvider)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := Default()
	b := Default()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.MaxIterations = 99
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different configs should differ")
	}
}
