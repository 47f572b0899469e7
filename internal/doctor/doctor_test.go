package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smile-run/smile/internal/config"
	"github.com/smile-run/smile/internal/loopstate"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Tutorial = filepath.Join(dir, "tutorial.md")
	cfg.StateFile = filepath.Join(dir, "state.json")
	if err := os.WriteFile(cfg.Tutorial, []byte("# Hello\n"), 0o644); err != nil {
		t.Fatalf("write tutorial: %v", err)
	}
	return cfg
}

func resultByName(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestCheckTutorial(t *testing.T) {
	cfg := testConfig(t)

	if r := checkTutorial(t.Context(), cfg); r.Status != "PASS" {
		t.Errorf("tutorial check = %+v, want PASS", r)
	}

	cfg.Tutorial = filepath.Join(t.TempDir(), "missing.md")
	if r := checkTutorial(t.Context(), cfg); r.Status != "FAIL" {
		t.Errorf("missing tutorial check = %+v, want FAIL", r)
	}
}

func TestCheckStateFile(t *testing.T) {
	cfg := testConfig(t)

	if r := checkStateFile(t.Context(), cfg); r.Status != "PASS" {
		t.Errorf("absent state = %+v, want PASS", r)
	}

	state := loopstate.New()
	if err := loopstate.Save(cfg.StateFile, state); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if r := checkStateFile(t.Context(), cfg); r.Status != "WARN" {
		t.Errorf("interrupted state = %+v, want WARN", r)
	}

	if err := os.WriteFile(cfg.StateFile, []byte("{garbage"), 0o644); err != nil {
		t.Fatalf("corrupt state: %v", err)
	}
	if r := checkStateFile(t.Context(), cfg); r.Status != "FAIL" {
		t.Errorf("corrupted state = %+v, want FAIL", r)
	}
}

func TestRun_CollectsAllChecks(t *testing.T) {
	cfg := testConfig(t)

	d := Run(t.Context(), cfg, "test")
	if len(d.Results) != 5 {
		t.Fatalf("results = %d, want 5", len(d.Results))
	}
	if resultByName(d, "Config").Status != "PASS" {
		t.Errorf("config check = %+v", resultByName(d, "Config"))
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Errorf("system info incomplete: %+v", d.System)
	}
}

func TestDiagnosis_Failed(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{{Status: "PASS"}, {Status: "WARN"}}}
	if d.Failed() {
		t.Error("PASS+WARN should not count as failed")
	}
	d.Results = append(d.Results, CheckResult{Status: "FAIL"})
	if !d.Failed() {
		t.Error("FAIL should count as failed")
	}
}
