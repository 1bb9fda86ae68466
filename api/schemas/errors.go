package schemas

import (
	"errors"
	"fmt"
)

// ErrorCode is a string type used for structured error classification across
// the orchestration loop. Using a custom type ensures that only predefined
// constants can be used where an ErrorCode is expected.
type ErrorCode string

const (
	// -- Validation errors (local, recoverable; trigger an oracle retry) --
	ErrCodeUnknownActionType ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeMissingParameter  ErrorCode = "MISSING_PARAMETER"
	ErrCodeOutOfRange        ErrorCode = "OUT_OF_RANGE"
	ErrCodeMalformedPayload  ErrorCode = "MALFORMED_PAYLOAD"

	// -- Step-level execution errors (absorbed into step records) --
	ErrCodeActionExecution ErrorCode = "ACTION_EXECUTION"

	// -- Episode-fatal errors --
	ErrCodeDeviceUnreachable ErrorCode = "DEVICE_UNREACHABLE"
	ErrCodePlanningFailed    ErrorCode = "PLANNING_FAILED"

	// -- Oracle errors (bounded retries, then the step stalls) --
	ErrCodeReasoner ErrorCode = "REASONER_ERROR"
)

// Sentinel errors for the two episode-fatal conditions. Adapters and the
// planner wrap these so callers can match with errors.Is regardless of the
// transport-specific detail.
var (
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrPlanningFailed    = errors.New("planning failed")
)

// ActionError is a validation-time rejection of an action proposal. It is
// pure and local: the loop responds by asking the oracle again, never by
// touching the device.
type ActionError struct {
	Code   ErrorCode
	Action ActionType
	Param  string
	Detail string
}

func (e *ActionError) Error() string {
	switch {
	case e.Param != "" && e.Detail != "":
		return fmt.Sprintf("action %q invalid: %s: parameter %q: %s", e.Action, e.Code, e.Param, e.Detail)
	case e.Param != "":
		return fmt.Sprintf("action %q invalid: %s: parameter %q", e.Action, e.Code, e.Param)
	case e.Detail != "":
		return fmt.Sprintf("action %q invalid: %s: %s", e.Action, e.Code, e.Detail)
	default:
		return fmt.Sprintf("action %q invalid: %s", e.Action, e.Code)
	}
}

// NewActionError builds a validation rejection for the given code.
func NewActionError(code ErrorCode, action ActionType, param, detail string) *ActionError {
	return &ActionError{Code: code, Action: action, Param: param, Detail: detail}
}

// ActionExecutionError means the device rejected or failed to perform a
// validated action. It is recorded as a failed step (changed=false) and
// counts toward stall detection; it never crashes the loop.
type ActionExecutionError struct {
	Action ActionType
	Detail string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execute %q: %s: %v", e.Action, e.Detail, e.Err)
	}
	return fmt.Sprintf("execute %q: %s", e.Action, e.Detail)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// ReasonerError wraps an oracle failure: transport errors, timeouts, or
// output that could not be parsed into a proposal. Treated identically to a
// validation failure by the worker's bounded retry.
type ReasonerError struct {
	Detail string
	Err    error
}

func (e *ReasonerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reasoner: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("reasoner: %s", e.Detail)
}

func (e *ReasonerError) Unwrap() error { return e.Err }

// IsStepRecoverable reports whether an error is absorbed at the step level
// (validation, execution, oracle failures) rather than propagated to the
// episode boundary.
func IsStepRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeviceUnreachable) || errors.Is(err, ErrPlanningFailed) {
		return false
	}
	var ae *ActionError
	var ee *ActionExecutionError
	var re *ReasonerError
	return errors.As(err, &ae) || errors.As(err, &ee) || errors.As(err, &re)
}
