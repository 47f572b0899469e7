package orchestrator

import (
	"fmt"
	"time"

	"github.com/smile-run/smile/internal/bus"
	"github.com/smile-run/smile/internal/errs"
	"github.com/smile-run/smile/internal/loopstate"
)

// armStepDeadlineLocked (re)arms the per-step timer. Called whenever the
// loop enters a waiting status. The guard must be held.
func (c *Coordinator) armStepDeadlineLocked() {
	if c.stepTimer != nil {
		c.stepTimer.Stop()
	}
	d := time.Duration(c.cfg.StudentBehavior.TimeoutSeconds) * time.Second
	c.stepTimer = time.AfterFunc(d, c.onStepDeadline)
}

// armSessionDeadlineLocked arms the whole-session timer relative to when
// the session actually started, so a resumed session does not get a fresh
// allowance.
func (c *Coordinator) armSessionDeadlineLocked() {
	if c.sessionTimer != nil {
		c.sessionTimer.Stop()
	}
	deadline := c.state.StartedAt.Add(time.Duration(c.cfg.TimeoutSeconds) * time.Second)
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	c.sessionTimer = time.AfterFunc(remaining, c.onSessionDeadline)
}

// onStepDeadline fires when no callback arrived within the step timeout.
// It synthesizes a wrapper timeout and applies the same retry/escalate/fail
// policy as a reported failure. A timer that lost the race to a callback
// finds the loop no longer waiting and does nothing.
func (c *Coordinator) onStepDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() || !c.state.Status.Waiting() {
		return
	}

	stepTimeout := c.cfg.StudentBehavior.TimeoutSeconds
	switch c.state.Status {
	case loopstate.StatusWaitingForStudent:
		timeoutErr := errs.WrapperTimeout("student", stepTimeout)
		c.logger.Warn("student callback deadline elapsed",
			"iteration", c.state.Iteration,
			"retry_count", c.state.RetryCount,
			"step_timeout_seconds", stepTimeout)
		c.events.Publish(bus.Error(timeoutErr.Message))

		max := c.cfg.StudentBehavior.MaxRetriesBeforeHelp
		if c.state.RetryCount < max {
			if err := c.state.RetryStudent(); err != nil {
				return
			}
			if err := c.state.AwaitStudent(); err != nil {
				return
			}
			if err := c.persist(); err != nil {
				c.failLocked(err.Error())
				return
			}
			c.armStepDeadlineLocked()
			return
		}
		// Retry budget exhausted. Escalate when the config allows asking on
		// timeout, otherwise the timeout is fatal to the session.
		if !c.cfg.StudentBehavior.AskOnTimeout {
			c.failLocked(timeoutErr.Message)
			return
		}
		if c.state.Iteration >= c.cfg.MaxIterations {
			if err := c.state.ReachMaxIterations(); err != nil {
				return
			}
			if err := c.persist(); err != nil {
				c.failLocked(err.Error())
				return
			}
			c.finishLocked(fmt.Sprintf("iteration limit of %d reached after step timeouts", c.cfg.MaxIterations))
			return
		}
		if err := c.state.Escalate(); err != nil {
			return
		}
		if err := c.state.AwaitMentor(); err != nil {
			return
		}
		if err := c.persist(); err != nil {
			c.failLocked(err.Error())
			return
		}
		c.mentorTimeouts = 0
		c.armStepDeadlineLocked()

	case loopstate.StatusWaitingForMentor:
		timeoutErr := errs.WrapperTimeout("mentor", stepTimeout)
		c.logger.Warn("mentor callback deadline elapsed",
			"iteration", c.state.Iteration,
			"missed", c.mentorTimeouts+1,
			"step_timeout_seconds", stepTimeout)
		c.events.Publish(bus.Error(timeoutErr.Message))

		c.mentorTimeouts++
		if c.mentorTimeouts <= c.cfg.StudentBehavior.MaxRetriesBeforeHelp {
			c.armStepDeadlineLocked()
			return
		}
		c.failLocked(timeoutErr.Message)
	}
}

// onSessionDeadline forces Failed from any non-terminal status once the
// session's wall-time allowance is spent.
func (c *Coordinator) onSessionDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return
	}
	msg := fmt.Sprintf("session timeout: loop exceeded %ds of wall time", c.cfg.TimeoutSeconds)
	c.logger.Error("session deadline elapsed",
		"timeout_seconds", c.cfg.TimeoutSeconds,
		"status", c.state.Status,
		"iteration", c.state.Iteration)
	c.events.Publish(bus.Error(msg))
	c.failLocked(msg)
}

// failLocked transitions to Failed, persists, and finishes. The guard must
// be held and the state must be non-terminal.
func (c *Coordinator) failLocked(reason string) {
	if err := c.state.Fail(reason); err != nil {
		return
	}
	if err := c.persist(); err != nil {
		c.logger.Error("failed to persist terminal state", "error", err)
	}
	c.finishLocked(reason)
}
