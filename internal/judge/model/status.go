package model

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a submission, and the verdict of a single test case.
type Status string

const (
	StatusWaiting             Status = "WAITING_FOR_EXECUTION"
	StatusRunning             Status = "RUNNING"
	StatusPassed              Status = "PASSED"
	StatusTimeLimitExceeded   Status = "TIME_LIMIT_EXCEEDED"
	StatusMemoryLimitExceeded Status = "MEMORY_LIMIT_EXCEEDED"
	StatusCompilationError    Status = "COMPILATION_ERROR"
	StatusRuntimeError        Status = "RUNTIME_ERROR"
)

// NonTerminalStatuses are the states a verdict may still be applied to.
var NonTerminalStatuses = []Status{StatusWaiting, StatusRunning}

// ParseStatus accepts the canonical upper-case names, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusPassed, StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded, StatusCompilationError, StatusRuntimeError:
		return true
	}
	return false
}

// IsTerminal reports whether s is a verdict. Terminal states never change again.
func (s Status) IsTerminal() bool {
	return s.Valid() && s != StatusWaiting && s != StatusRunning
}

func (s Status) String() string {
	return string(s)
}

// TransitionResult classifies what applying a new status to a submission would do.
type TransitionResult int

const (
	// TransitionApplied means the submission moves to the new status.
	TransitionApplied TransitionResult = iota
	// TransitionDuplicate means the submission is already in the requested state.
	TransitionDuplicate
	// TransitionConflict means a different verdict was requested for a judged submission.
	TransitionConflict
	// TransitionIgnored means a started signal arrived after the verdict.
	TransitionIgnored
	// TransitionInvalid means the requested state can never be reached by a result.
	TransitionInvalid
)

func (r TransitionResult) String() string {
	switch r {
	case TransitionApplied:
		return "applied"
	case TransitionDuplicate:
		return "duplicate"
	case TransitionConflict:
		return "conflict"
	case TransitionIgnored:
		return "ignored"
	default:
		return "invalid"
	}
}

// Transition decides how a submission in current reacts to next.
//
//	WAITING_FOR_EXECUTION -> RUNNING -> verdict
//	WAITING_FOR_EXECUTION -> verdict
//
// Nothing leaves a verdict, and nothing re-enters WAITING_FOR_EXECUTION.
func Transition(current, next Status) TransitionResult {
	if !current.Valid() || !next.Valid() || next == StatusWaiting {
		return TransitionInvalid
	}
	if current.IsTerminal() {
		switch {
		case next == current:
			return TransitionDuplicate
		case next == StatusRunning:
			return TransitionIgnored
		default:
			return TransitionConflict
		}
	}
	if next == current {
		return TransitionDuplicate
	}
	return TransitionApplied
}
