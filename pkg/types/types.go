// Package types defines the wire model shared by the stepdbg CLI, the
// long-lived session host, and the MCP surface.
//
// This package provides type definitions for:
//   - Request / Response: one pair per controller invocation
//   - StopEvent: why the target is paused
//   - Frame and FormattedValue: bounded snapshots of program state
//   - Breakpoint: registry entries as listed to the caller
//   - SessionRecord: the recovery record persisted per session identity
package types

import "time"

// Language represents a supported target language
type Language string

const (
	LanguageGo     Language = "go"
	LanguagePython Language = "python"
	LanguageNative Language = "native"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStarting   SessionStatus = "starting"
	SessionPaused     SessionStatus = "paused"
	SessionRunning    SessionStatus = "running"
	SessionTerminated SessionStatus = "terminated"
)

// StopReason names why execution is suspended.
type StopReason string

const (
	StopEntry      StopReason = "initial-entry"
	StopBreakpoint StopReason = "line-breakpoint-hit"
	StopStep       StopReason = "step-completed"
	StopReturn     StopReason = "return-completed"
	StopException  StopReason = "exception-raised"
	StopPause      StopReason = "manual-pause"
)

// ResumeMode selects how far a resume runs.
type ResumeMode string

const (
	ResumeContinue ResumeMode = "continue"
	ResumeStepInto ResumeMode = "step-into"
	ResumeStepOver ResumeMode = "step-over"
	ResumeFinish   ResumeMode = "finish"
)

// Status is the response status tag.
type Status string

const (
	StatusOK         Status = "ok"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// Command names accepted by the session host.
const (
	CommandStatus      = "status"
	CommandBreak       = "break"
	CommandDelete      = "delete"
	CommandBreakpoints = "breakpoints"
	CommandEnable      = "enable"
	CommandDisable     = "disable"
	CommandResume      = "resume"
	CommandLocals      = "locals"
	CommandGlobals     = "globals"
	CommandEval        = "eval"
	CommandInspect     = "inspect"
	CommandStack       = "stack"
	CommandMove        = "move"
	CommandPause       = "pause"
	CommandQuit        = "quit"
)

// Request is one command sent to a session host.
type Request struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	File       string     `json:"file,omitempty"`
	Line       int        `json:"line,omitempty"`
	Condition  string     `json:"condition,omitempty"`
	Exception  string     `json:"exception,omitempty"`
	Number     int        `json:"number,omitempty"`
	Mode       ResumeMode `json:"mode,omitempty"`
	Depth      *int       `json:"depth,omitempty"`
	Expression string     `json:"expression,omitempty"`
	Direction  string     `json:"direction,omitempty"`
}

// ErrorInfo is the error payload of a response.
type ErrorInfo struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Hint    string                 `json:"hint,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response is the single structured reply to a Request.
type Response struct {
	ID          string           `json:"id,omitempty"`
	Status      Status           `json:"status"`
	Message     string           `json:"message,omitempty"`
	Error       *ErrorInfo       `json:"error,omitempty"`
	Session     *SessionRecord   `json:"session,omitempty"`
	Stop        *StopEvent       `json:"stop,omitempty"`
	Frame       *Frame           `json:"frame,omitempty"`
	Locals      []FormattedValue `json:"locals,omitempty"`
	Globals     []FormattedValue `json:"globals,omitempty"`
	Result      *FormattedValue  `json:"result,omitempty"`
	Breakpoint  *Breakpoint      `json:"breakpoint,omitempty"`
	Breakpoints []Breakpoint     `json:"breakpoints,omitempty"`
	Stack       []Frame          `json:"stack,omitempty"`
	Sessions    []SessionRecord  `json:"sessions,omitempty"`
	ExitCode    *int             `json:"exitCode,omitempty"`
}

// Location is a source position.
type Location struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
	Code     string `json:"code,omitempty"`
}

// ExceptionInfo describes a raised exception.
type ExceptionInfo struct {
	Category  string `json:"category"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// StopEvent records why the target is paused. Exactly one is active per pause.
type StopEvent struct {
	Reason     StopReason     `json:"reason"`
	Location   *Location      `json:"location,omitempty"`
	Breakpoint *Breakpoint    `json:"breakpoint,omitempty"`
	Exception  *ExceptionInfo `json:"exception,omitempty"`
	Terminal   bool           `json:"terminal,omitempty"`
}

// Frame is one activation record of the call stack captured at suspension.
type Frame struct {
	Index    int    `json:"index"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
	Code     string `json:"code,omitempty"`
	Current  bool   `json:"current,omitempty"`
}

// FormattedValue is a bounded, cycle-safe summary of a runtime value.
type FormattedValue struct {
	Key       string           `json:"key,omitempty"`
	Type      string           `json:"type"`
	Value     string           `json:"value"`
	Length    *int             `json:"length,omitempty"`
	Children  []FormattedValue `json:"children,omitempty"`
	Truncated int              `json:"truncated,omitempty"`
	Circular  bool             `json:"circular,omitempty"`
}

// BreakpointKind distinguishes line and exception breakpoints.
type BreakpointKind string

const (
	BreakpointLine      BreakpointKind = "line"
	BreakpointException BreakpointKind = "exception"
)

// Breakpoint is a registry entry as reported to callers.
type Breakpoint struct {
	Number    int            `json:"number"`
	Kind      BreakpointKind `json:"kind"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Condition string         `json:"condition,omitempty"`
	Exception string         `json:"exception,omitempty"`
	Enabled   bool           `json:"enabled"`
	Hits      int            `json:"hits"`
	// ConditionError is the last error raised while evaluating Condition
	ConditionError string `json:"conditionError,omitempty"`
}

// SessionRecord is the recovery record persisted for one session identity.
type SessionRecord struct {
	Identity string        `json:"identity"`
	Instance string        `json:"instance"`
	Target   string        `json:"target"`
	Args     []string      `json:"args,omitempty"`
	Cwd      string        `json:"cwd"`
	Language Language      `json:"language,omitempty"`
	PID      int           `json:"pid"`
	Endpoint string        `json:"endpoint"`
	Status   SessionStatus `json:"status"`
	Created  time.Time     `json:"created"`
	Updated  time.Time     `json:"updated"`
}
