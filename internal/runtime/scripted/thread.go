// Package scripted is an in-process runtime whose target program is a Go
// function written against a small set of hooks. The program runs on its
// own goroutine and blocks at every hook until the controller advances it,
// which gives exactly the cooperative suspension model of a tracing
// interpreter. Expressions are evaluated with Starlark over the current
// bindings.
//
// A program reports its own line numbers:
//
//	prog := &scripted.Program{
//		File:   "average.py",
//		Source: src,
//		Main: func(t *scripted.Thread) {
//			t.Line(1)
//			t.Set("numbers", []any{})
//			t.Line(2)
//			...
//		},
//	}
package scripted

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ctagard/stepdbg/internal/runtime"
)

// ModuleFunction is the function name of the outermost frame.
const ModuleFunction = "<module>"

// Program is a target program for the scripted runtime.
type Program struct {
	// File is the source name reported in locations.
	File string
	// Source is the program text shown as code context; line N of the
	// source is what the program means by Line(N).
	Source string
	Main   func(t *Thread)
}

// Raised is the panic value used to unwind an exception through the program.
type Raised struct {
	runtime.Exception
}

func (r *Raised) Error() string {
	return r.Category + ": " + r.Message
}

var errAborted = errors.New("scripted: program aborted")

type vars struct {
	names  []string
	values map[string]any
}

func newVars() *vars {
	return &vars{values: make(map[string]any)}
}

func (v *vars) set(name string, val any) {
	if _, ok := v.values[name]; !ok {
		v.names = append(v.names, name)
	}
	v.values[name] = val
}

type frame struct {
	function string
	line     int
	vars     *vars
}

// Thread is the handle a Program uses to report progress. All methods
// must be called from the program's own goroutine.
type Thread struct {
	prog   *Program
	args   []string
	frames []*frame

	events chan runtime.Event
	// resume carries true when the program must abort instead of continuing
	resume    chan bool
	interrupt atomic.Bool
}

func newThread(prog *Program, args []string) *Thread {
	return &Thread{
		prog:   prog,
		args:   args,
		frames: []*frame{{function: ModuleFunction, vars: newVars()}},
		events: make(chan runtime.Event),
		resume: make(chan bool),
	}
}

// Args returns the program arguments.
func (t *Thread) Args() []string { return t.args }

func (t *Thread) top() *frame { return t.frames[len(t.frames)-1] }

func (t *Thread) event(kind runtime.EventKind) runtime.Event {
	top := t.top()
	return runtime.Event{
		Kind:     kind,
		Location: runtime.Location{File: t.prog.File, Line: top.line},
		Function: top.function,
		Depth:    len(t.frames),
	}
}

func (t *Thread) emit(ev runtime.Event) {
	if t.interrupt.Swap(false) {
		ev.Interrupted = true
	}
	t.events <- ev
	if abort := <-t.resume; abort {
		panic(errAborted)
	}
}

// Line marks that the statement on line n is about to execute.
func (t *Thread) Line(n int) {
	t.top().line = n
	t.emit(t.event(runtime.EventLine))
}

// Set binds name in the current frame. In the outermost frame this is a global.
func (t *Thread) Set(name string, v any) {
	t.top().vars.set(name, v)
}

// SetGlobal binds name in the outermost frame.
func (t *Thread) SetGlobal(name string, v any) {
	t.frames[0].vars.set(name, v)
}

// Get looks name up in the current frame, then in the globals.
func (t *Thread) Get(name string) any {
	if v, ok := t.top().vars.values[name]; ok {
		return v
	}
	return t.frames[0].vars.values[name]
}

// Call runs body as a call to fn whose definition starts on line. A call
// event is reported in the callee; a return event is reported in the
// caller once the callee's frame is gone.
func (t *Thread) Call(fn string, line int, body func() any) any {
	caller := t.top()
	callLine := caller.line
	depth := len(t.frames)

	t.frames = append(t.frames, &frame{function: fn, line: line, vars: newVars()})
	t.emit(t.event(runtime.EventCall))

	returned := false
	defer func() {
		t.frames = t.frames[:depth]
		caller.line = callLine
		if returned {
			t.emit(t.event(runtime.EventReturn))
		}
	}()

	ret := body()
	returned = true
	return ret
}

// Raise reports an exception at the current line and unwinds the program
// with it. Unless a Try catches it, the program ends with the exception.
func (t *Thread) Raise(category, message string) {
	ex := runtime.Exception{
		Category:  category,
		Message:   message,
		Traceback: t.traceback(category, message),
	}
	ev := t.event(runtime.EventException)
	ev.Exception = &ex
	t.emit(ev)
	panic(&Raised{Exception: ex})
}

// Try runs body and hands any exception it raises to handler.
func (t *Thread) Try(body func(), handler func(ex runtime.Exception)) {
	depth := len(t.frames)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		raised, ok := r.(*Raised)
		if !ok {
			panic(r)
		}
		t.frames = t.frames[:depth]
		handler(raised.Exception)
	}()
	body()
}

func (t *Thread) traceback(category, message string) string {
	var sb strings.Builder
	sb.WriteString("Traceback (most recent call last):\n")
	lines := sourceLines(t.prog.Source)
	for _, f := range t.frames {
		fmt.Fprintf(&sb, "  File %q, line %d, in %s\n", t.prog.File, f.line, f.function)
		if f.line >= 1 && f.line <= len(lines) {
			fmt.Fprintf(&sb, "    %s\n", strings.TrimSpace(lines[f.line-1]))
		}
	}
	fmt.Fprintf(&sb, "%s: %s", category, message)
	return sb.String()
}

// run executes the program and reports its exit. It returns without
// reporting anything when the program was aborted.
func (t *Thread) run() {
	exit := runtime.Event{Kind: runtime.EventExit}
	aborted := false

	func() {
		defer func() {
			r := recover()
			switch x := r.(type) {
			case nil:
			case *Raised:
				ex := x.Exception
				exit.Exception = &ex
				exit.ExitCode = 1
			default:
				if r == errAborted {
					aborted = true
					return
				}
				exit.Exception = &runtime.Exception{Category: "panic", Message: fmt.Sprint(r)}
				exit.ExitCode = 2
			}
		}()
		t.prog.Main(t)
	}()

	if aborted {
		return
	}
	exit.Location = runtime.Location{File: t.prog.File, Line: t.frames[0].line}
	exit.Function = ModuleFunction
	exit.Depth = 0
	t.events <- exit
}

func sourceLines(src string) []string {
	if src == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(src, "\n"), "\n")
}
