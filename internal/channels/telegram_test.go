package channels

import (
	"strings"
	"testing"

	"github.com/smile-run/smile/internal/bus"
	"github.com/smile-run/smile/internal/loopstate"
)

func TestFormatEvent_LoopComplete(t *testing.T) {
	msg := formatEvent(bus.LoopComplete(loopstate.StatusCompleted, "All steps done", 3))

	if !strings.Contains(msg, "completed") {
		t.Errorf("message missing status: %q", msg)
	}
	if !strings.Contains(msg, "3 iteration(s)") {
		t.Errorf("message missing iteration count: %q", msg)
	}
	if !strings.Contains(msg, "All steps done") {
		t.Errorf("message missing summary: %q", msg)
	}
}

func TestFormatEvent_Error(t *testing.T) {
	msg := formatEvent(bus.Error("docker daemon is not reachable"))

	if !strings.HasPrefix(msg, "SMILE loop error:") {
		t.Errorf("message = %q", msg)
	}
	if !strings.Contains(msg, "docker daemon") {
		t.Errorf("message missing detail: %q", msg)
	}
}

func TestFormatEvent_IgnoresOtherEvents(t *testing.T) {
	if msg := formatEvent(bus.IterationStart(2)); msg != "" {
		t.Errorf("iteration_start formatted as %q, want empty", msg)
	}
}
