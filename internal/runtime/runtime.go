// Package runtime defines the contract between the execution controller and
// the thing that actually runs the target program.
//
// A Runtime executes the target cooperatively: it only yields at line,
// call, return and exception boundaries, reporting each as an Event. The
// controller decides whether an event halts execution; the runtime never
// does. The Hint passed to Advance lets a runtime that can run ahead (a
// debug adapter) skip boundaries the controller would ignore anyway.
package runtime

import (
	"context"
	"fmt"

	"github.com/ctagard/stepdbg/internal/format"
)

// EventKind classifies a suspension point.
type EventKind int

const (
	// EventLine is reported before a statement executes.
	EventLine EventKind = iota
	// EventCall is reported on entry to a function, in the callee.
	EventCall
	// EventReturn is reported after a frame is popped, in the caller.
	EventReturn
	// EventException is reported where an exception is raised.
	EventException
	// EventExit is reported once, when the program finishes.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventLine:
		return "line"
	case EventCall:
		return "call"
	case EventReturn:
		return "return"
	case EventException:
		return "exception"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Location is a source position.
type Location struct {
	File string
	Line int
}

// Exception describes a raised exception.
type Exception struct {
	Category  string
	Message   string
	Traceback string
}

// Event is one suspension point.
type Event struct {
	Kind     EventKind
	Location Location
	Function string
	// Depth is the number of frames on the stack; the outermost frame is 1.
	Depth int
	// Exception is set for EventException, and for EventExit when the
	// program ended with an uncaught exception.
	Exception *Exception
	ExitCode  int
	// Interrupted is set when the event was produced by an Interrupt.
	Interrupted bool
}

// Hint tells the runtime how far it may run before reporting again.
type Hint int

const (
	// HintInto reports the next boundary of any kind.
	HintInto Hint = iota
	// HintOver may skip boundaries deeper than the current frame.
	HintOver
	// HintOut may skip boundaries until the current frame returns.
	HintOut
	// HintRun may skip everything except breakpoint lines and exceptions.
	HintRun
)

func (h Hint) String() string {
	switch h {
	case HintInto:
		return "into"
	case HintOver:
		return "over"
	case HintOut:
		return "out"
	case HintRun:
		return "run"
	default:
		return fmt.Sprintf("Hint(%d)", int(h))
	}
}

// Advance is one request to run to the next reportable boundary.
type Advance struct {
	Hint Hint
	// Lines are the enabled line breakpoints.
	Lines []Location
	// Exceptions are the enabled exception matchers ("*" for any).
	Exceptions []string
	// Fresh marks the first advance of a resume. An interrupt requested
	// before it arrived too late for the previous resume and is dropped.
	Fresh bool
}

// Scope selects which bindings of a frame to list.
type Scope int

const (
	ScopeLocals Scope = iota
	ScopeGlobals
)

// Target names the program to run.
type Target struct {
	Program string
	Args    []string
	Cwd     string
	Env     map[string]string
}

// FrameInfo is one frame of the live stack.
type FrameInfo struct {
	Location Location
	Function string
	Code     string
}

// Binding is one named value in a frame.
type Binding struct {
	Name  string
	Value format.Value
}

// Runtime is the executable collaborator driven by the controller. Calls
// are never concurrent except Interrupt, which may be called at any time.
type Runtime interface {
	// Launch starts the target and returns its first event, normally a
	// line event at the first statement.
	Launch(ctx context.Context, target Target) (Event, error)
	// Advance lets the target run and returns the next event.
	Advance(ctx context.Context, a Advance) (Event, error)
	// Stack returns up to max frames, innermost first.
	Stack(ctx context.Context, max int) ([]FrameInfo, error)
	// Bindings lists the bindings of a frame in definition order.
	Bindings(ctx context.Context, frame int, scope Scope) ([]Binding, error)
	// Evaluate evaluates expr in a frame. It must return promptly once ctx
	// is done, leaving the frame untouched.
	Evaluate(ctx context.Context, frame int, expr string) (format.Value, error)
	// Condition evaluates expr in a frame for its truth value.
	Condition(ctx context.Context, frame int, expr string) (bool, error)
	// Source resolves file to its canonical path and returns its lines.
	Source(ctx context.Context, file string) (string, []string, error)
	// Interrupt asks a running target to stop at its next boundary.
	Interrupt()
	// Terminate stops the target and releases its resources.
	Terminate(ctx context.Context) error
}
