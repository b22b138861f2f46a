// Package controller implements the execution state machine of a debug
// session: it drives a runtime.Runtime event by event, consults the
// breakpoint registry at every candidate suspension point, and decides
// whether to keep running or to pause and publish a Stop Event.
//
// States: NotStarted -> Running <-> Paused -> Terminated. Running is only
// observable while a Start or Resume call is in flight.
package controller

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ctagard/stepdbg/internal/breakpoint"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/format"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/pkg/types"
)

// State is the controller's lifecycle state.
type State string

const (
	NotStarted State = "not-started"
	Running    State = "running"
	Paused     State = "paused"
	Terminated State = "terminated"
)

// Options bound what the controller returns and how long it waits.
type Options struct {
	EvalTimeout    time.Duration
	MaxValueLength int
	MaxChildren    int
	MaxStackDepth  int
}

// DefaultOptions match the default configuration.
func DefaultOptions() Options {
	return Options{
		EvalTimeout:    5 * time.Second,
		MaxValueLength: 1000,
		MaxChildren:    50,
		MaxStackDepth:  50,
	}
}

// Controller owns one target program.
type Controller struct {
	rt   runtime.Runtime
	bps  *breakpoint.Registry
	opts Options

	mu    sync.Mutex
	state State

	// snapshot of the current suspension
	stop     *types.StopEvent
	frames   []types.Frame
	depth    int
	selected int
	exitCode *int
}

// New creates a controller over rt.
func New(rt runtime.Runtime, opts Options) *Controller {
	return &Controller{
		rt:    rt,
		bps:   breakpoint.NewRegistry(),
		opts:  opts,
		state: NotStarted,
	}
}

// Breakpoints returns the session's registry.
func (c *Controller) Breakpoints() *breakpoint.Registry { return c.bps }

// State returns the current lifecycle state. Safe from any goroutine.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StopEvent returns the active Stop Event, or the terminal one.
func (c *Controller) StopEvent() *types.StopEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

// ExitCode returns the exit code once the program has exited normally.
func (c *Controller) ExitCode() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// requirePaused maps the current state to the error a non-resume command gets.
func (c *Controller) requirePaused() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requirePausedLocked()
}

// Start launches the target and halts at its first statement.
func (c *Controller) Start(ctx context.Context, target runtime.Target) (*types.StopEvent, error) {
	c.mu.Lock()
	if c.state != NotStarted {
		c.mu.Unlock()
		return nil, dbgerrors.InvalidParameter("state", c.state, "a session that has not started")
	}
	c.state = Running
	c.mu.Unlock()

	ev, err := c.rt.Launch(ctx, target)
	if err != nil {
		c.setState(Terminated)
		return nil, dbgerrors.LaunchFailed(target.Program, err)
	}
	if ev.Kind == runtime.EventExit {
		return c.finish(ev), nil
	}
	return c.suspend(ctx, ev, &types.StopEvent{Reason: types.StopEntry})
}

// Resume runs the target in mode until the next Stop Event or exit.
func (c *Controller) Resume(ctx context.Context, mode types.ResumeMode) (*types.StopEvent, error) {
	switch mode {
	case types.ResumeContinue, types.ResumeStepInto, types.ResumeStepOver, types.ResumeFinish:
	default:
		return nil, dbgerrors.InvalidParameter("mode", mode, "one of continue, step-into, step-over, finish")
	}

	c.mu.Lock()
	if err := c.requirePausedLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.state = Running
	origin := c.depth
	c.mu.Unlock()

	started := time.Now()
	hint := initialHint(mode)
	for fresh := true; ; fresh = false {
		a := c.advance(hint)
		a.Fresh = fresh
		ev, err := c.rt.Advance(ctx, a)
		if err != nil {
			if ctx.Err() != nil {
				// the target is still running; a later pause or status picks it up
				return nil, dbgerrors.Timeout("resume", time.Since(started).Round(time.Millisecond))
			}
			c.setState(Terminated)
			return nil, dbgerrors.Wrap(dbgerrors.CodeInternal, fmt.Sprintf("runtime failed while running: %v", err),
				"The session has ended. Run 'stepdbg start <script>' to debug it again.", err)
		}

		if ev.Kind == runtime.EventExit {
			return c.finish(ev), nil
		}
		if stop := c.decide(ctx, mode, origin, ev); stop != nil {
			return c.suspend(ctx, ev, stop)
		}
		hint = nextHint(mode, origin, ev.Depth)
	}
}

func (c *Controller) requirePausedLocked() error {
	switch c.state {
	case Paused:
		return nil
	case Running:
		return dbgerrors.SessionBusy()
	case Terminated:
		return dbgerrors.TargetTerminated()
	default:
		return dbgerrors.NotStarted()
	}
}

// decide returns the Stop Event for ev, or nil to keep running.
// Breakpoints and exceptions take priority over step completion.
func (c *Controller) decide(ctx context.Context, mode types.ResumeMode, origin int, ev runtime.Event) *types.StopEvent {
	switch ev.Kind {
	case runtime.EventException:
		if ev.Exception == nil {
			break
		}
		if bp, ok := c.bps.ShouldBreakOnException(ev.Exception.Category); ok {
			return &types.StopEvent{Reason: types.StopException, Breakpoint: &bp, Exception: exceptionInfo(ev.Exception)}
		}
	case runtime.EventLine:
		loc := breakpoint.Location{File: ev.Location.File, Line: ev.Location.Line}
		if bp, ok := c.bps.ShouldBreak(ctx, loc, c.condition); ok {
			return &types.StopEvent{Reason: types.StopBreakpoint, Breakpoint: &bp}
		}
	}

	if ev.Interrupted {
		return &types.StopEvent{Reason: types.StopPause}
	}

	switch ev.Kind {
	case runtime.EventLine:
		switch {
		case mode == types.ResumeStepInto:
			return &types.StopEvent{Reason: types.StopStep}
		case mode == types.ResumeStepOver && ev.Depth <= origin:
			return &types.StopEvent{Reason: types.StopStep}
		case mode == types.ResumeFinish && ev.Depth < origin:
			return &types.StopEvent{Reason: types.StopReturn}
		}
	case runtime.EventReturn:
		if ev.Depth >= origin {
			return nil
		}
		switch mode {
		case types.ResumeStepInto, types.ResumeStepOver:
			return &types.StopEvent{Reason: types.StopStep}
		case types.ResumeFinish:
			return &types.StopEvent{Reason: types.StopReturn}
		}
	}
	return nil
}

// condition evaluates a breakpoint condition in the innermost frame.
func (c *Controller) condition(ctx context.Context, expr string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.EvalTimeout)
	defer cancel()
	ok, err := c.rt.Condition(ctx, 0, expr)
	if err != nil {
		log.Printf("breakpoint condition %q: %v", expr, err)
	}
	return ok, err
}

func (c *Controller) advance(h runtime.Hint) runtime.Advance {
	lines := c.bps.Lines()
	a := runtime.Advance{Hint: h, Exceptions: c.bps.Exceptions()}
	a.Lines = make([]runtime.Location, len(lines))
	for i, l := range lines {
		a.Lines[i] = runtime.Location{File: l.File, Line: l.Line}
	}
	return a
}

func initialHint(mode types.ResumeMode) runtime.Hint {
	switch mode {
	case types.ResumeStepInto:
		return runtime.HintInto
	case types.ResumeStepOver:
		return runtime.HintOver
	case types.ResumeFinish:
		return runtime.HintOut
	default:
		return runtime.HintRun
	}
}

// nextHint picks the hint after an event that did not halt.
func nextHint(mode types.ResumeMode, origin, depth int) runtime.Hint {
	switch mode {
	case types.ResumeStepInto:
		return runtime.HintInto
	case types.ResumeStepOver:
		if depth > origin {
			return runtime.HintOut
		}
		return runtime.HintOver
	case types.ResumeFinish:
		return runtime.HintOut
	default:
		return runtime.HintRun
	}
}

// suspend captures the frame snapshot for ev and enters Paused.
func (c *Controller) suspend(ctx context.Context, ev runtime.Event, stop *types.StopEvent) (*types.StopEvent, error) {
	infos, err := c.rt.Stack(ctx, c.opts.MaxStackDepth)
	if err != nil {
		log.Printf("capturing stack: %v", err)
	}

	frames := make([]types.Frame, len(infos))
	for i, fi := range infos {
		frames[i] = types.Frame{
			Index:    i,
			File:     fi.Location.File,
			Line:     fi.Location.Line,
			Function: fi.Function,
			Code:     strings.TrimSpace(fi.Code),
		}
	}

	loc := &types.Location{File: ev.Location.File, Line: ev.Location.Line, Function: ev.Function}
	if len(frames) > 0 {
		loc.Code = frames[0].Code
	}
	stop.Location = loc

	c.mu.Lock()
	c.state = Paused
	c.stop = stop
	c.frames = frames
	c.depth = ev.Depth
	c.selected = 0
	c.mu.Unlock()
	return stop, nil
}

// finish records natural or exceptional program exit.
func (c *Controller) finish(ev runtime.Event) *types.StopEvent {
	var stop *types.StopEvent
	if ev.Exception != nil {
		stop = &types.StopEvent{
			Reason:    types.StopException,
			Exception: exceptionInfo(ev.Exception),
			Terminal:  true,
			Location:  &types.Location{File: ev.Location.File, Line: ev.Location.Line, Function: ev.Function},
		}
	}
	code := ev.ExitCode

	c.mu.Lock()
	c.state = Terminated
	c.stop = stop
	c.frames = nil
	c.selected = 0
	c.exitCode = &code
	c.mu.Unlock()
	return stop
}

func exceptionInfo(ex *runtime.Exception) *types.ExceptionInfo {
	if ex == nil {
		return nil
	}
	return &types.ExceptionInfo{Category: ex.Category, Message: ex.Message, Traceback: ex.Traceback}
}

// Pause interrupts an in-flight resume. Safe from any goroutine.
func (c *Controller) Pause() error {
	switch c.State() {
	case Running:
		c.rt.Interrupt()
		return nil
	case Paused:
		return nil
	case Terminated:
		return dbgerrors.TargetTerminated()
	default:
		return dbgerrors.NotStarted()
	}
}

// Terminate ends the target.
func (c *Controller) Terminate(ctx context.Context) error {
	if c.State() == Terminated {
		return nil
	}
	err := c.rt.Terminate(ctx)
	c.mu.Lock()
	c.state = Terminated
	c.frames = nil
	c.mu.Unlock()
	return err
}

func (c *Controller) formatOptions(depth int) format.Options {
	return format.Options{Depth: depth, MaxChildren: c.opts.MaxChildren, MaxLength: c.opts.MaxValueLength}
}
