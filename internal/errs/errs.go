// Package errs defines the classified error type used across the smile
// orchestrator. Every fallible subsystem returns an *Error carrying a Kind;
// the coordinator drives retry/escalate/fail policy off the classification
// rather than string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an Error.
type Kind string

const (
	KindConfigParse       Kind = "config_parse"
	KindConfigValidation  Kind = "config_validation"
	KindTutorialNotFound  Kind = "tutorial_not_found"
	KindTutorialTooLarge  Kind = "tutorial_too_large"
	KindTutorialEncoding  Kind = "tutorial_encoding"
	KindDockerUnavailable Kind = "docker_unavailable"
	KindImageNotFound     Kind = "image_not_found"
	KindLLMAuth           Kind = "llm_auth"
	KindLLMRateLimit      Kind = "llm_rate_limit"
	KindLLMServer         Kind = "llm_server"
	KindLLMNetwork        Kind = "llm_network"
	KindWrapperTimeout    Kind = "wrapper_timeout"
	KindLoopRunning       Kind = "loop_already_running"
	KindStateCorrupted    Kind = "state_corrupted"
	KindInvalidTransition Kind = "invalid_transition"
	KindReportWrite       Kind = "report_write"
	KindIO                Kind = "io"
)

// Error is a classified orchestrator error. Message describes what failed;
// Suggestion tells the user what to do about it.
type Error struct {
	Kind       Kind
	Message    string
	Suggestion string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("%s\n\nSuggestion: %s", msg, e.Suggestion)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can use errors.Is with a bare kind
// sentinel, e.g. errors.Is(err, errs.New(errs.KindStateCorrupted, "", "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates an Error with the given kind, message, and suggestion.
func New(kind Kind, message, suggestion string) *Error {
	return &Error{Kind: kind, Message: message, Suggestion: suggestion}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(kind Kind, message, suggestion string, err error) *Error {
	return &Error{Kind: kind, Message: message, Suggestion: suggestion, Err: err}
}

// KindOf extracts the Kind from err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindLLMRateLimit, KindLLMServer, KindLLMNetwork, KindWrapperTimeout:
		return true
	}
	return false
}

// IsFatal reports whether the error must terminate the session immediately.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfigParse, KindConfigValidation,
		KindTutorialNotFound, KindTutorialTooLarge, KindTutorialEncoding,
		KindDockerUnavailable, KindImageNotFound,
		KindLLMAuth, KindLoopRunning, KindStateCorrupted:
		return true
	}
	return false
}

// InvalidTransition builds the error returned when a state transition is
// attempted from a disallowed source status.
func InvalidTransition(from, to string) *Error {
	return New(KindInvalidTransition,
		fmt.Sprintf("invalid state transition: cannot go from %s to %s", from, to),
		"")
}

// LoopAlreadyRunning builds the concurrent-session conflict error.
func LoopAlreadyRunning(stateFile string) *Error {
	return New(KindLoopRunning,
		fmt.Sprintf("a smile loop is already running (state file locked: %q)", stateFile),
		"Wait for the other loop to complete, or remove the lock file if it is stale")
}

// StateCorrupted builds the unrecoverable state file error.
func StateCorrupted(path string, cause error) *Error {
	return Wrap(KindStateCorrupted,
		fmt.Sprintf("corrupted state file %q", path),
		"Remove the state file to start fresh, or restore it from a backup",
		cause)
}

// WrapperTimeout builds the agent callback timeout error.
func WrapperTimeout(agent string, timeoutSecs int) *Error {
	return New(KindWrapperTimeout,
		fmt.Sprintf("wrapper timeout after %ds: no callback received from %s agent", timeoutSecs, agent),
		"Check container logs for errors; the agent may have crashed")
}
