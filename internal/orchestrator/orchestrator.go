// Package orchestrator drives the validation loop state machine. The
// Coordinator owns the single live LoopState behind a mutex; every external
// trigger (agent callback, stop request, deadline) runs the full
// validate, apply, persist, broadcast sequence under that guard, so no two
// mutations interleave and persisted state is never behind the event stream.
package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smile-run/smile/internal/bus"
	"github.com/smile-run/smile/internal/config"
	"github.com/smile-run/smile/internal/errs"
	"github.com/smile-run/smile/internal/loopstate"
)

// Coordinator is the single-writer state machine driver for one session.
type Coordinator struct {
	mu     sync.Mutex
	state  *loopstate.LoopState
	cfg    config.Config
	events *bus.Bus
	lock   *loopstate.Lock
	logger *slog.Logger

	stepTimer    *time.Timer
	sessionTimer *time.Timer

	// mentorTimeouts counts step deadlines missed while waiting for the
	// mentor; the mentor branch has no local retry transition, so exhausting
	// the budget fails the session.
	mentorTimeouts int

	iterStart time.Time

	done     chan struct{}
	finished bool
}

// New builds a Coordinator around an existing (fresh or recovered) state.
// The lock may be nil in tests; when set it is released at every terminal
// status.
func New(cfg config.Config, state *loopstate.LoopState, lock *loopstate.Lock, events *bus.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		state:  state,
		cfg:    cfg,
		events: events,
		lock:   lock,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Done is closed when the session reaches a terminal status.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Snapshot returns a copy of the live state. It holds the guard only for
// the duration of the copy.
func (c *Coordinator) Snapshot() *loopstate.LoopState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Begin starts a fresh session: opens iteration 1, arms both deadlines, and
// announces the first iteration.
func (c *Coordinator) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked()
}

func (c *Coordinator) beginLocked() error {
	if err := c.state.Start(); err != nil {
		return err
	}
	if err := c.persist(); err != nil {
		return err
	}
	c.iterStart = time.Now().UTC()
	c.events.Publish(bus.IterationStart(c.state.Iteration))
	c.logger.Info("loop started",
		"iteration", c.state.Iteration,
		"max_iterations", c.cfg.MaxIterations)

	if err := c.state.AwaitStudent(); err != nil {
		return err
	}
	if err := c.persist(); err != nil {
		return err
	}
	c.armSessionDeadlineLocked()
	c.armStepDeadlineLocked()
	return nil
}

// Resume continues a session recovered from disk. A state left in a running
// status is moved back to the corresponding waiting status, since the agent
// that was in flight did not survive the crash.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return errs.New(errs.KindInvalidTransition,
			fmt.Sprintf("cannot resume a session already in terminal status %q", c.state.Status),
			"Remove the state file to start a new run")
	}

	switch c.state.Status {
	case loopstate.StatusStarting:
		return c.beginLocked()
	case loopstate.StatusRunningStudent:
		if err := c.state.AwaitStudent(); err != nil {
			return err
		}
	case loopstate.StatusRunningMentor:
		if err := c.state.AwaitMentor(); err != nil {
			return err
		}
	}
	if err := c.persist(); err != nil {
		return err
	}
	c.logger.Info("loop resumed",
		"status", c.state.Status,
		"iteration", c.state.Iteration,
		"retry_count", c.state.RetryCount)
	c.iterStart = time.Now().UTC()
	c.armSessionDeadlineLocked()
	c.armStepDeadlineLocked()
	return nil
}

// HandleStudentResult applies a student callback. A callback arriving when
// the live status is no longer WaitingForStudent (duplicate or late
// delivery) is rejected as an invalid transition and nothing is mutated,
// persisted, or broadcast.
func (c *Coordinator) HandleStudentResult(out loopstate.StudentOutput) (*loopstate.LoopState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != loopstate.StatusWaitingForStudent {
		return nil, errs.InvalidTransition(string(c.state.Status), "student result")
	}
	if !out.Status.Valid() {
		return nil, errs.New(errs.KindInvalidTransition,
			fmt.Sprintf("unknown student status %q", out.Status),
			`Report one of "completed", "stuck", "ask_mentor", or "cannot_complete"`)
	}

	iteration := c.state.Iteration
	record := loopstate.IterationRecord{
		Iteration:     iteration,
		StudentOutput: out,
		StartedAt:     c.iterStart,
		EndedAt:       time.Now().UTC(),
	}

	switch out.Status {
	case loopstate.StudentCompleted:
		c.state.AddIteration(record)
		if err := c.state.Complete(); err != nil {
			return nil, err
		}
		if err := c.persist(); err != nil {
			return nil, err
		}
		c.events.Publish(bus.StudentOutput(iteration, out))
		c.finishLocked("tutorial completed")

	case loopstate.StudentCannotComplete:
		c.state.AddIteration(record)
		reason := out.Reason
		if reason == "" {
			reason = "student cannot complete the tutorial"
		}
		if err := c.state.Fail(reason); err != nil {
			return nil, err
		}
		if err := c.persist(); err != nil {
			return nil, err
		}
		c.events.Publish(bus.StudentOutput(iteration, out))
		c.events.Publish(bus.Error(reason))
		c.finishLocked(reason)

	case loopstate.StudentAskMentor, loopstate.StudentStuck:
		escalate := c.shouldEscalate(out)
		if escalate && iteration >= c.cfg.MaxIterations {
			c.state.AddIteration(record)
			if err := c.state.ReachMaxIterations(); err != nil {
				return nil, err
			}
			if err := c.persist(); err != nil {
				return nil, err
			}
			c.events.Publish(bus.StudentOutput(iteration, out))
			c.finishLocked(fmt.Sprintf("iteration limit of %d reached", c.cfg.MaxIterations))
			break
		}
		if escalate {
			c.state.AddIteration(record)
			if err := c.state.Escalate(); err != nil {
				return nil, err
			}
			if err := c.state.AwaitMentor(); err != nil {
				return nil, err
			}
			if err := c.persist(); err != nil {
				return nil, err
			}
			c.events.Publish(bus.StudentOutput(iteration, out))
			c.logger.Info("escalating to mentor",
				"iteration", iteration,
				"question", out.QuestionForMentor)
			c.mentorTimeouts = 0
			c.armStepDeadlineLocked()
			break
		}
		// Retry the student within the same iteration.
		if err := c.state.RetryStudent(); err != nil {
			return nil, err
		}
		if err := c.state.AwaitStudent(); err != nil {
			return nil, err
		}
		if err := c.persist(); err != nil {
			return nil, err
		}
		c.events.Publish(bus.StudentOutput(iteration, out))
		c.logger.Info("retrying student",
			"iteration", iteration,
			"retry_count", c.state.RetryCount)
		c.armStepDeadlineLocked()
	}

	return c.state.Clone(), nil
}

// HandleMentorResult applies a mentor callback: records the consultation,
// attaches the answer to the current iteration's record, and opens the next
// iteration. Stale deliveries are rejected without mutation.
func (c *Coordinator) HandleMentorResult(answer string) (*loopstate.LoopState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != loopstate.StatusWaitingForMentor {
		return nil, errs.InvalidTransition(string(c.state.Status), "mentor result")
	}

	iteration := c.state.Iteration
	question := ""
	if n := len(c.state.History); n > 0 && c.state.History[n-1].Iteration == iteration {
		question = c.state.History[n-1].StudentOutput.QuestionForMentor
		c.state.History[n-1].MentorOutput = answer
	}
	c.state.AddConsultation(loopstate.MentorConsultation{
		Iteration: iteration,
		Question:  question,
		Answer:    answer,
		Timestamp: time.Now().UTC(),
	})

	if err := c.state.NextIteration(); err != nil {
		return nil, err
	}
	if err := c.state.AwaitStudent(); err != nil {
		return nil, err
	}
	if err := c.persist(); err != nil {
		return nil, err
	}
	c.events.Publish(bus.MentorOutput(answer))
	c.iterStart = time.Now().UTC()
	c.events.Publish(bus.IterationStart(c.state.Iteration))
	c.logger.Info("mentor answered, next iteration",
		"iteration", c.state.Iteration)
	c.armStepDeadlineLocked()
	return c.state.Clone(), nil
}

// Stop force-cancels a live session. Stopping an already terminal session
// is a no-op returning the final state.
func (c *Coordinator) Stop() (*loopstate.LoopState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return c.state.Clone(), nil
	}
	if err := c.state.Cancel(); err != nil {
		return nil, err
	}
	if err := c.persist(); err != nil {
		return nil, err
	}
	c.finishLocked("stopped by operator")
	return c.state.Clone(), nil
}

// shouldEscalate decides retry versus escalation for a stuck student.
// A report whose cause has its ask_on flag disabled is retried until the
// budget runs out; otherwise an explicit mentor request is honored and a
// bare stuck report is retried until the patience-scaled budget runs out.
// Exhausting the configured maximum always forces escalation.
func (c *Coordinator) shouldEscalate(out loopstate.StudentOutput) bool {
	max := c.cfg.StudentBehavior.MaxRetriesBeforeHelp
	if c.state.RetryCount >= max {
		return true
	}
	if !c.askAllowed(out.Reason) {
		return false
	}
	if out.Status == loopstate.StudentAskMentor {
		return true
	}
	return c.state.RetryCount >= c.patienceBudget()
}

// askAllowed maps a reported cause to its ask_on flag. Unknown or absent
// causes stay eligible for escalation.
func (c *Coordinator) askAllowed(reason string) bool {
	b := c.cfg.StudentBehavior
	switch reason {
	case "missing_dependency":
		return b.AskOnMissingDependency
	case "ambiguous_instruction":
		return b.AskOnAmbiguousInstruction
	case "command_failure":
		return b.AskOnCommandFailure
	case "timeout":
		return b.AskOnTimeout
	}
	return true
}

// patienceBudget is how many local retries a stuck student gets before
// escalation, scaled by patience and capped by maxRetriesBeforeHelp.
func (c *Coordinator) patienceBudget() int {
	max := c.cfg.StudentBehavior.MaxRetriesBeforeHelp
	var budget int
	switch c.cfg.StudentBehavior.PatienceLevel {
	case "high":
		budget = max
	case "medium":
		budget = (max + 1) / 2
	default: // low patience escalates quickly
		budget = 1
	}
	if budget > max {
		budget = max
	}
	return budget
}

// persist writes the state before any event for the transition is
// broadcast, so a reconnecting observer reading disk is never ahead of the
// live stream.
func (c *Coordinator) persist() error {
	if err := loopstate.Save(c.cfg.StateFile, c.state); err != nil {
		c.logger.Error("failed to persist loop state",
			"state_file", c.cfg.StateFile, "error", err)
		return err
	}
	return nil
}

// finishLocked runs terminal housekeeping: timers stopped, completion event
// broadcast, lock released, Done closed. Callers hold the guard and have
// already persisted the terminal state.
func (c *Coordinator) finishLocked(summary string) {
	if c.finished {
		return
	}
	c.finished = true

	if c.stepTimer != nil {
		c.stepTimer.Stop()
	}
	if c.sessionTimer != nil {
		c.sessionTimer.Stop()
	}

	c.events.Publish(bus.LoopComplete(c.state.Status, summary, len(c.state.History)))
	c.logger.Info("loop finished",
		"status", c.state.Status,
		"iterations", len(c.state.History),
		"mentor_consultations", len(c.state.MentorConsultations),
		"summary", summary)

	if c.lock != nil {
		c.lock.Release()
	}
	close(c.done)
}
