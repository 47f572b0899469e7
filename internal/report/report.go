// Package report turns a finished loop session into a gap report. Gaps are
// derived from mentor consultations (each question the student could not
// answer alone marks a documentation gap) and from terminal failures.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/smile-run/smile/internal/errs"
	"github.com/smile-run/smile/internal/loopstate"
)

// Severity ranks a documentation gap.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Gap is one identified documentation problem.
type Gap struct {
	ID           int      `json:"id"`
	Title        string   `json:"title"`
	Problem      string   `json:"problem"`
	SuggestedFix string   `json:"suggested_fix"`
	Severity     Severity `json:"severity"`
	Iteration    int      `json:"iteration"`
}

// TimelineEntry is one row of the session timeline.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Iteration int       `json:"iteration"`
	Event     string    `json:"event"`
	Details   string    `json:"details,omitempty"`
}

// Summary holds the headline metrics.
type Summary struct {
	Status          loopstate.Status `json:"status"`
	Iterations      int              `json:"iterations"`
	DurationSeconds int64            `json:"duration_seconds"`
	TutorialPath    string           `json:"tutorial_path"`
}

// Report is the complete gap report for one session.
type Report struct {
	TutorialName string          `json:"tutorial_name"`
	Summary      Summary         `json:"summary"`
	Gaps         []Gap           `json:"gaps"`
	Timeline     []TimelineEntry `json:"timeline"`
	FilesCreated []string        `json:"files_created,omitempty"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

// Build derives a Report from a terminal session state.
func Build(state *loopstate.LoopState, tutorialPath string) *Report {
	r := &Report{
		TutorialName: filepath.Base(tutorialPath),
		Summary: Summary{
			Status:          state.Status,
			Iterations:      state.Iteration,
			DurationSeconds: int64(state.UpdatedAt.Sub(state.StartedAt).Seconds()),
			TutorialPath:    tutorialPath,
		},
		Gaps:        []Gap{},
		Timeline:    []TimelineEntry{},
		GeneratedAt: time.Now().UTC(),
	}

	for _, c := range state.MentorConsultations {
		r.Gaps = append(r.Gaps, Gap{
			ID:           len(r.Gaps) + 1,
			Title:        fmt.Sprintf("Student needed help at iteration %d", c.Iteration),
			Problem:      c.Question,
			SuggestedFix: c.Answer,
			Severity:     SeverityMajor,
			Iteration:    c.Iteration,
		})
	}

	switch state.Status {
	case loopstate.StatusFailed:
		r.Gaps = append(r.Gaps, Gap{
			ID:           len(r.Gaps) + 1,
			Title:        "Tutorial could not be completed",
			Problem:      state.LastError,
			SuggestedFix: "Address the blocking problem described above",
			Severity:     SeverityCritical,
			Iteration:    state.Iteration,
		})
	case loopstate.StatusMaxIterationsReached:
		r.Gaps = append(r.Gaps, Gap{
			ID:           len(r.Gaps) + 1,
			Title:        "Iteration budget exhausted",
			Problem:      fmt.Sprintf("The student was still not done after %d iterations", state.Iteration),
			SuggestedFix: "The tutorial likely needs restructuring, not just spot fixes",
			Severity:     SeverityCritical,
			Iteration:    state.Iteration,
		})
	}

	for _, rec := range state.History {
		r.Timeline = append(r.Timeline, TimelineEntry{
			Timestamp: rec.EndedAt,
			Iteration: rec.Iteration,
			Event:     "student reported " + string(rec.StudentOutput.Status),
			Details:   rec.StudentOutput.Summary,
		})
		if rec.MentorOutput != "" {
			r.Timeline = append(r.Timeline, TimelineEntry{
				Timestamp: rec.EndedAt,
				Iteration: rec.Iteration,
				Event:     "mentor answered",
				Details:   rec.MentorOutput,
			})
		}
	}
	return r
}

// GapCounts returns gap totals per severity.
func (r *Report) GapCounts() (critical, major, minor int) {
	for _, g := range r.Gaps {
		switch g.Severity {
		case SeverityCritical:
			critical++
		case SeverityMajor:
			major++
		case SeverityMinor:
			minor++
		}
	}
	return
}

// Write renders the report as markdown and JSON into dir, returning the
// two file paths.
func (r *Report) Write(dir string) (mdPath, jsonPath string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errs.Wrap(errs.KindReportWrite,
			fmt.Sprintf("failed to create report directory %q", dir), "", err)
	}

	mdPath = filepath.Join(dir, "smile-report.md")
	if err := os.WriteFile(mdPath, []byte(r.Markdown()), 0o644); err != nil {
		return "", "", errs.Wrap(errs.KindReportWrite,
			fmt.Sprintf("failed to write %q", mdPath), "", err)
	}

	jsonPath = filepath.Join(dir, "smile-report.json")
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", "", errs.Wrap(errs.KindReportWrite, "failed to encode report", "", err)
	}
	if err := os.WriteFile(jsonPath, append(data, '\n'), 0o644); err != nil {
		return "", "", errs.Wrap(errs.KindReportWrite,
			fmt.Sprintf("failed to write %q", jsonPath), "", err)
	}
	return mdPath, jsonPath, nil
}
