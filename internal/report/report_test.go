package report

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/smile-run/smile/internal/loopstate"
)

func finishedState(status loopstate.Status) *loopstate.LoopState {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	return &loopstate.LoopState{
		Version:   loopstate.Version,
		Status:    status,
		Iteration: 3,
		MentorConsultations: []loopstate.MentorConsultation{
			{
				Iteration: 1,
				Question:  "Where does package.json come from?",
				Answer:    "The tutorial should include its contents before the install step",
				Timestamp: start.Add(2 * time.Minute),
			},
		},
		History: []loopstate.IterationRecord{
			{
				Iteration: 1,
				StudentOutput: loopstate.StudentOutput{
					Status:  loopstate.StudentAskMentor,
					Summary: "npm install fails, no package.json",
				},
				MentorOutput: "Create package.json with the listed dependencies",
				StartedAt:    start,
				EndedAt:      start.Add(2 * time.Minute),
			},
			{
				Iteration: 2,
				StudentOutput: loopstate.StudentOutput{
					Status:  loopstate.StudentCompleted,
					Summary: "All steps done",
				},
				StartedAt: start.Add(2 * time.Minute),
				EndedAt:   start.Add(5*time.Minute + 32*time.Second),
			},
		},
		StartedAt: start,
		UpdatedAt: start.Add(5*time.Minute + 32*time.Second),
	}
}

func TestBuild_GapsFromConsultations(t *testing.T) {
	r := Build(finishedState(loopstate.StatusCompleted), "/tutorials/getting-started.md")

	if r.TutorialName != "getting-started.md" {
		t.Errorf("tutorial_name = %q", r.TutorialName)
	}
	if len(r.Gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(r.Gaps))
	}
	g := r.Gaps[0]
	if g.Severity != SeverityMajor {
		t.Errorf("severity = %q, want major", g.Severity)
	}
	if !strings.Contains(g.Problem, "package.json") {
		t.Errorf("problem = %q", g.Problem)
	}
	if r.Summary.DurationSeconds != 332 {
		t.Errorf("duration = %d, want 332", r.Summary.DurationSeconds)
	}
}

func TestBuild_FailureAddsCriticalGap(t *testing.T) {
	st := finishedState(loopstate.StatusFailed)
	st.LastError = "session timeout: loop exceeded 1800s of wall time"

	r := Build(st, "tutorial.md")

	critical, major, _ := r.GapCounts()
	if critical != 1 || major != 1 {
		t.Fatalf("counts = %d critical %d major, want 1/1", critical, major)
	}
	last := r.Gaps[len(r.Gaps)-1]
	if last.Severity != SeverityCritical || !strings.Contains(last.Problem, "timeout") {
		t.Errorf("failure gap = %+v", last)
	}
}

func TestBuild_MaxIterationsAddsCriticalGap(t *testing.T) {
	r := Build(finishedState(loopstate.StatusMaxIterationsReached), "tutorial.md")

	critical, _, _ := r.GapCounts()
	if critical != 1 {
		t.Fatalf("critical = %d, want 1", critical)
	}
	if !strings.Contains(r.Gaps[len(r.Gaps)-1].Problem, "3 iterations") {
		t.Errorf("problem = %q", r.Gaps[len(r.Gaps)-1].Problem)
	}
}

func TestMarkdown_Structure(t *testing.T) {
	r := Build(finishedState(loopstate.StatusCompleted), "/tutorials/getting-started.md")
	md := r.Markdown()

	for _, want := range []string{
		"# SMILE Validation Report: getting-started.md",
		"## Summary",
		"| Status | Tutorial completed successfully |",
		"| Iterations | 3 |",
		"| Duration | 5m 32s |",
		"### Major Gaps",
		"student reported ask\\_mentor",
		"mentor answered",
		"*Generated by SMILE Loop at",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestMarkdown_EmptyState(t *testing.T) {
	st := loopstate.New()
	st.Status = loopstate.StatusCancelled

	md := Build(st, "tutorial.md").Markdown()

	if !strings.Contains(md, "*No documentation gaps identified.*") {
		t.Error("missing empty gaps placeholder")
	}
	if !strings.Contains(md, "*No timeline events recorded.*") {
		t.Error("missing empty timeline placeholder")
	}
	if !strings.Contains(md, "| Status | Validation cancelled by the user |") {
		t.Error("missing cancelled status description")
	}
}

func TestWrite_ProducesBothFiles(t *testing.T) {
	dir := t.TempDir()
	r := Build(finishedState(loopstate.StatusCompleted), "tutorial.md")

	mdPath, jsonPath, err := r.Write(dir)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	md, err := os.ReadFile(mdPath)
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	if !strings.HasPrefix(string(md), "# SMILE Validation Report") {
		t.Errorf("markdown starts with %q", string(md[:40]))
	}

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode json report: %v", err)
	}
	if decoded.Summary.Iterations != 3 {
		t.Errorf("round-tripped iterations = %d", decoded.Summary.Iterations)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0s"},
		{45, "45s"},
		{65, "1m 5s"},
		{120, "2m"},
		{3600, "1h"},
		{3661, "1h 1m 1s"},
	}
	for _, c := range cases {
		if got := formatDuration(c.in); got != c.want {
			t.Errorf("formatDuration(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("*bold*"); got != `\*bold\*` {
		t.Errorf("escape = %q", got)
	}
	if got := escapeMarkdown("line1\nline2"); got != "line1<br>line2" {
		t.Errorf("escape newline = %q", got)
	}
}
