package orchestrator

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrInvalidGraph          = errors.New("invalid task graph")
	ErrCycleDetected         = errors.New("cycle detected")
	ErrInvalidMutation       = errors.New("invalid mutation")
	ErrUnknownTask           = errors.New("unknown task")
	ErrDispatchTimeout       = errors.New("dispatch timeout")
	ErrExecutionTimeout      = errors.New("execution timeout")
	ErrDeviceUnreachable     = errors.New("device unreachable")
	ErrTaskTerminalFailure   = errors.New("task failed terminally")
	ErrDeadlock              = errors.New("deadlock: no progress possible")
	ErrConstellationNotFound = errors.New("constellation not found")
	ErrConstellationExists   = errors.New("constellation already exists")
	ErrConstellationActive   = errors.New("constellation is not terminal")
	ErrOrchestratorStopped   = errors.New("orchestrator stopped")
)

// TransitionError reports an illegal state edge for a task.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: task %s %s -> %s", ErrInvalidTransition, e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// GraphError wraps structural validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycleDetected, Msg: msg}
}

// MutationError is a rejected GraphEvolution proposal. It matches
// ErrInvalidMutation and unwraps to the underlying cause, so a cyclic insert
// satisfies both ErrInvalidMutation and ErrCycleDetected.
type MutationError struct {
	Kind  MutationKind
	Cause error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrInvalidMutation, e.Kind, e.Cause)
}

func (e *MutationError) Is(target error) bool { return target == ErrInvalidMutation }

func (e *MutationError) Unwrap() error { return e.Cause }

func rejectMutation(kind MutationKind, cause error) error {
	return &MutationError{Kind: kind, Cause: cause}
}

func rejectMutationf(kind MutationKind, format string, args ...any) error {
	return &MutationError{Kind: kind, Cause: errors.Errorf(format, args...)}
}
