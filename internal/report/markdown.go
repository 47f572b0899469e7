package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/smile-run/smile/internal/loopstate"
)

// Markdown renders the report as a human-readable document.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# SMILE Validation Report: %s\n\n", escapeMarkdown(r.TutorialName))

	critical, major, minor := r.GapCounts()
	b.WriteString("## Summary\n\n")
	b.WriteString("| Metric | Value |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Status | %s |\n", statusDescription(r.Summary.Status))
	fmt.Fprintf(&b, "| Iterations | %d |\n", r.Summary.Iterations)
	fmt.Fprintf(&b, "| Duration | %s |\n", formatDuration(r.Summary.DurationSeconds))
	fmt.Fprintf(&b, "| Tutorial | %s |\n", escapeMarkdown(r.Summary.TutorialPath))
	fmt.Fprintf(&b, "| Gaps Found | %d (%d critical, %d major, %d minor) |\n\n",
		len(r.Gaps), critical, major, minor)

	b.WriteString("## Documentation Gaps\n\n")
	if len(r.Gaps) == 0 {
		b.WriteString("*No documentation gaps identified.*\n\n")
	} else {
		writeGapSection(&b, "Critical Gaps", r.Gaps, SeverityCritical)
		writeGapSection(&b, "Major Gaps", r.Gaps, SeverityMajor)
		writeGapSection(&b, "Minor Gaps", r.Gaps, SeverityMinor)
	}

	b.WriteString("## Timeline\n\n")
	if len(r.Timeline) == 0 {
		b.WriteString("*No timeline events recorded.*\n\n")
	} else {
		b.WriteString("| Time | Iteration | Event | Details |\n")
		b.WriteString("|------|-----------|-------|---------|\n")
		for _, e := range r.Timeline {
			fmt.Fprintf(&b, "| %s | #%d | %s | %s |\n",
				formatTimestamp(e.Timestamp), e.Iteration,
				escapeMarkdown(e.Event), escapeMarkdown(e.Details))
		}
		b.WriteString("\n")
	}

	if len(r.FilesCreated) > 0 {
		b.WriteString("## Files Created\n\n")
		for _, f := range r.FilesCreated {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n")
	fmt.Fprintf(&b, "*Generated by SMILE Loop at %s*\n", formatTimestamp(r.GeneratedAt))
	return b.String()
}

func writeGapSection(b *strings.Builder, title string, gaps []Gap, sev Severity) {
	fmt.Fprintf(b, "### %s\n\n", title)
	any := false
	for _, g := range gaps {
		if g.Severity != sev {
			continue
		}
		any = true
		fmt.Fprintf(b, "#### Gap #%d: %s\n\n", g.ID, escapeMarkdown(g.Title))
		fmt.Fprintf(b, "**Problem**: %s\n", escapeMarkdown(g.Problem))
		fmt.Fprintf(b, "**Suggested Fix**: %s\n\n", escapeMarkdown(g.SuggestedFix))
	}
	if !any {
		b.WriteString("*None*\n\n")
	}
}

func statusDescription(s loopstate.Status) string {
	switch s {
	case loopstate.StatusCompleted:
		return "Tutorial completed successfully"
	case loopstate.StatusFailed:
		return "Tutorial validation failed"
	case loopstate.StatusMaxIterationsReached:
		return "Iteration limit reached before completion"
	case loopstate.StatusCancelled:
		return "Validation cancelled by the user"
	}
	return string(s)
}

func formatDuration(seconds int64) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// escapeMarkdown keeps report content from being interpreted as markdown
// formatting; newlines become <br> so table cells stay on one row.
func escapeMarkdown(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, ch := range text {
		switch ch {
		case '*', '_', '`', '#', '[', ']', '(', ')', '!', '\\', '<', '>', '|':
			b.WriteByte('\\')
			b.WriteRune(ch)
		case '\n':
			b.WriteString("<br>")
		default:
			b.WriteRune(ch)
		}
	}
	return b.String()
}
