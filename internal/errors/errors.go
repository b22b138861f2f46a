// Package errors provides structured error types for stepdbg.
// Every error that crosses the command channel carries a machine-readable
// code plus a hint telling the caller what to run next.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Session errors
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeAlreadyActive    ErrorCode = "ALREADY_ACTIVE"
	CodeSessionBusy      ErrorCode = "SESSION_BUSY"
	CodeTargetTerminated ErrorCode = "TARGET_TERMINATED"
	CodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"

	// Breakpoint errors
	CodeInvalidLocation    ErrorCode = "INVALID_LOCATION"
	CodeBreakpointNotFound ErrorCode = "BREAKPOINT_NOT_FOUND"

	// Inspection errors
	CodeEvaluationTimeout ErrorCode = "EVALUATION_TIMEOUT"
	CodeEvaluationError   ErrorCode = "EVALUATION_ERROR"
	CodeFrameOutOfRange   ErrorCode = "FRAME_OUT_OF_RANGE"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Runtime and adapter errors
	CodeAdapterNotFound ErrorCode = "ADAPTER_NOT_FOUND"
	CodeAdapterFailed   ErrorCode = "ADAPTER_FAILED"
	CodeLaunchFailed    ErrorCode = "LAUNCH_FAILED"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// DebugError is a structured error that tells the caller what went wrong
// and how to recover.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message describes what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// --- Session Errors ---

// SessionNotFound creates an error for an unknown or stale session identity
func SessionNotFound(identity string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("no active debug session for '%s'", identity),
		Hint:    "Run 'stepdbg start <script>' to begin a new session.",
		Details: map[string]interface{}{
			"identity": identity,
		},
	}
}

// NoSessions is returned when a command has no target and nothing is running.
func NoSessions() *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: "no active debug session",
		Hint:    "Run 'stepdbg start <script>' to begin a new session.",
	}
}

// AmbiguousSession is returned when several sessions are live and none was named.
func AmbiguousSession(identities []string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("%d debug sessions are active", len(identities)),
		Hint:    "Pass -target <script> to choose one, or run 'stepdbg sessions' to list them.",
		Details: map[string]interface{}{
			"sessions": identities,
		},
	}
}

// AlreadyActive creates an error for a duplicate session start
func AlreadyActive(identity string, pid int) *DebugError {
	return &DebugError{
		Code:    CodeAlreadyActive,
		Message: fmt.Sprintf("a debug session is already active for '%s' (pid %d)", identity, pid),
		Hint:    "Run 'stepdbg quit' to end it first, or keep using it with 'stepdbg status'.",
		Details: map[string]interface{}{
			"identity": identity,
			"pid":      pid,
		},
	}
}

// SessionBusy is returned for commands sent while a resume is in flight.
func SessionBusy() *DebugError {
	return &DebugError{
		Code:    CodeSessionBusy,
		Message: "the target is running; another command is in progress",
		Hint:    "Wait for the pending command to finish, or run 'stepdbg pause' to interrupt it.",
	}
}

// TargetTerminated is returned for commands sent to a finished program.
func TargetTerminated() *DebugError {
	return &DebugError{
		Code:    CodeTargetTerminated,
		Message: "the debugged program has terminated",
		Hint:    "Run 'stepdbg start <script>' to debug it again.",
	}
}

// NotStarted is returned for commands sent before the program reached its first stop.
func NotStarted() *DebugError {
	return &DebugError{
		Code:    CodeTargetTerminated,
		Message: "the debugged program has not started",
		Hint:    "Run 'stepdbg start <script>' first.",
	}
}

// TransportFailure wraps a failure to reach a session endpoint.
func TransportFailure(endpoint string, err error) *DebugError {
	return &DebugError{
		Code:    CodeTransportFailure,
		Message: fmt.Sprintf("cannot reach debug session at %s: %v", endpoint, err),
		Hint:    "The session process may have exited. Run 'stepdbg start <script>' to begin again.",
		Cause:   err,
		Details: map[string]interface{}{
			"endpoint": endpoint,
		},
	}
}

// --- Breakpoint Errors ---

// InvalidLocation creates an error for a breakpoint that can never be reached
func InvalidLocation(file string, line int, reason string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidLocation,
		Message: fmt.Sprintf("cannot set breakpoint at %s:%d: %s", file, line, reason),
		Hint:    "Pick a line that contains an executable statement. Paths are resolved relative to the working directory.",
		Details: map[string]interface{}{
			"file": file,
			"line": line,
		},
	}
}

// BreakpointNotFound creates an error for a delete selector that matched nothing
func BreakpointNotFound(selector string) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointNotFound,
		Message: fmt.Sprintf("no breakpoint matches '%s'", selector),
		Hint:    "Run 'stepdbg breakpoints' to see the registered breakpoints and their numbers.",
		Details: map[string]interface{}{
			"selector": selector,
		},
	}
}

// --- Inspection Errors ---

// EvaluationTimeout creates an error for an expression that ran too long
func EvaluationTimeout(expression string, limit fmt.Stringer) *DebugError {
	return &DebugError{
		Code:    CodeEvaluationTimeout,
		Message: fmt.Sprintf("evaluation of '%s' exceeded %s", expression, limit),
		Hint:    "The session is still paused. Try a cheaper expression.",
		Details: map[string]interface{}{
			"expression": expression,
		},
	}
}

// EvaluationError creates an error for an expression that failed to parse or raised
func EvaluationError(expression string, err error) *DebugError {
	return &DebugError{
		Code:    CodeEvaluationError,
		Message: fmt.Sprintf("evaluation of '%s' failed: %v", expression, err),
		Hint:    "Check the expression syntax and that every name is bound in the selected frame ('stepdbg locals').",
		Cause:   err,
		Details: map[string]interface{}{
			"expression": expression,
		},
	}
}

// FrameOutOfRange is returned when frame navigation runs off the stack.
func FrameOutOfRange(oldest bool) *DebugError {
	msg := "Already at newest frame"
	if oldest {
		msg = "Already at oldest frame"
	}
	return &DebugError{
		Code:    CodeFrameOutOfRange,
		Message: msg,
		Hint:    "Run 'stepdbg stack' to see the call stack.",
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName string, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("missing required parameter '%s'", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected %s.", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
		},
	}
}

// UnknownCommand is returned for a request naming no known command.
func UnknownCommand(command string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("unknown command '%s'", command),
		Hint:    "Run 'stepdbg help' to list commands.",
	}
}

// --- Runtime Errors ---

// AdapterNotFound is returned when no debug adapter handles a target.
func AdapterNotFound(target string) *DebugError {
	return &DebugError{
		Code:    CodeAdapterNotFound,
		Message: fmt.Sprintf("no debug adapter for '%s'", target),
		Hint:    "Supported targets: .py (debugpy), .go (dlv), and native binaries (lldb-dap or gdb).",
		Details: map[string]interface{}{
			"target": target,
		},
	}
}

// AdapterFailed wraps a failure talking to the debug adapter.
func AdapterFailed(adapter string, err error) *DebugError {
	return &DebugError{
		Code:    CodeAdapterFailed,
		Message: fmt.Sprintf("%s failed: %v", adapter, err),
		Hint:    "Check that the adapter is installed and on PATH, or set its path in the config file.",
		Cause:   err,
		Details: map[string]interface{}{
			"adapter": adapter,
		},
	}
}

// LaunchFailed wraps a failure to bring the target to its first stop.
func LaunchFailed(target string, err error) *DebugError {
	return &DebugError{
		Code:    CodeLaunchFailed,
		Message: fmt.Sprintf("failed to launch '%s': %v", target, err),
		Hint:    "See the session log in the session directory for details.",
		Cause:   err,
		Details: map[string]interface{}{
			"target": target,
		},
	}
}

// Timeout creates an error for an operation that did not complete in time
func Timeout(operation string, limit fmt.Stringer) *DebugError {
	return &DebugError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s did not complete within %s", operation, limit),
		Hint:    "The target may still be running. Run 'stepdbg status' or 'stepdbg pause'.",
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, preserving any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    CodeInternal,
		Message: err.Error(),
		Cause:   err,
	}
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code == code
	}
	return false
}
