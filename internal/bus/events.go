package bus

import (
	"time"

	"github.com/smile-run/smile/internal/loopstate"
)

// Event names as they appear on the wire and as bus topics.
const (
	EventConnected      = "connected"
	EventIterationStart = "iteration_start"
	EventStudentOutput  = "student_output"
	EventMentorOutput   = "mentor_output"
	EventLoopComplete   = "loop_complete"
	EventError          = "error"
)

// LoopEvent is the wire form of a broadcast event:
// {"event": "<name>", "payload": {...}}.
type LoopEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// ConnectedPayload carries the state snapshot sent to a client on connect.
type ConnectedPayload struct {
	State *loopstate.LoopState `json:"state"`
}

// IterationStartPayload announces a new iteration.
type IterationStartPayload struct {
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
}

// StudentOutputPayload summarizes a student attempt. It deliberately omits
// the full output to keep event size small.
type StudentOutputPayload struct {
	Status      loopstate.StudentStatus `json:"status"`
	Summary     string                  `json:"summary"`
	CurrentStep string                  `json:"currentStep"`
	Iteration   int                     `json:"iteration"`
}

// MentorOutputPayload carries mentor guidance.
type MentorOutputPayload struct {
	Notes string `json:"notes"`
}

// LoopCompletePayload announces a terminal status.
type LoopCompletePayload struct {
	Status     loopstate.Status `json:"status"`
	Summary    string           `json:"summary"`
	Iterations int              `json:"iterations"`
}

// ErrorPayload carries a loop execution error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Connected builds the on-connect snapshot event.
func Connected(state *loopstate.LoopState) LoopEvent {
	return LoopEvent{Event: EventConnected, Payload: ConnectedPayload{State: state}}
}

// IterationStart builds an iteration_start event stamped now.
func IterationStart(iteration int) LoopEvent {
	return LoopEvent{Event: EventIterationStart, Payload: IterationStartPayload{
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
	}}
}

// StudentOutput builds a student_output event.
func StudentOutput(iteration int, out loopstate.StudentOutput) LoopEvent {
	return LoopEvent{Event: EventStudentOutput, Payload: StudentOutputPayload{
		Status:      out.Status,
		Summary:     out.Summary,
		CurrentStep: out.CurrentStep,
		Iteration:   iteration,
	}}
}

// MentorOutput builds a mentor_output event.
func MentorOutput(notes string) LoopEvent {
	return LoopEvent{Event: EventMentorOutput, Payload: MentorOutputPayload{Notes: notes}}
}

// LoopComplete builds a loop_complete event.
func LoopComplete(status loopstate.Status, summary string, iterations int) LoopEvent {
	return LoopEvent{Event: EventLoopComplete, Payload: LoopCompletePayload{
		Status:     status,
		Summary:    summary,
		Iterations: iterations,
	}}
}

// Error builds an error event.
func Error(message string) LoopEvent {
	return LoopEvent{Event: EventError, Payload: ErrorPayload{Message: message}}
}
