package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ctagard/stepdbg/internal/breakpoint"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/format"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/pkg/types"
)

// Snapshot is everything a status response reports.
type Snapshot struct {
	State    State
	Stop     *types.StopEvent
	Frame    *types.Frame
	Locals   []types.FormattedValue
	ExitCode *int
}

// Status returns the current suspension with locals of the selected frame
// formatted at depth.
func (c *Controller) Status(ctx context.Context, depth int) (Snapshot, error) {
	c.mu.Lock()
	snap := Snapshot{State: c.state, Stop: c.stop, ExitCode: c.exitCode}
	if c.state == Paused && c.selected < len(c.frames) {
		f := c.frames[c.selected]
		f.Current = true
		snap.Frame = &f
	}
	c.mu.Unlock()

	switch snap.State {
	case Running:
		return snap, dbgerrors.SessionBusy()
	case NotStarted:
		return snap, dbgerrors.NotStarted()
	case Terminated:
		return snap, nil
	}

	locals, err := c.bindings(ctx, runtime.ScopeLocals, depth)
	if err != nil {
		return snap, err
	}
	snap.Locals = locals
	return snap, nil
}

// AddLineBreakpoint validates file:line against the program source and
// registers a line breakpoint.
func (c *Controller) AddLineBreakpoint(ctx context.Context, file string, line int, condition string) (types.Breakpoint, error) {
	if err := c.requirePaused(); err != nil {
		return types.Breakpoint{}, err
	}
	if file == "" {
		return types.Breakpoint{}, dbgerrors.MissingParameter("file", "Give the source file of the breakpoint.")
	}
	if line < 1 {
		return types.Breakpoint{}, dbgerrors.InvalidLocation(file, line, "line numbers start at 1")
	}

	path, lines, err := c.rt.Source(ctx, file)
	if err != nil {
		return types.Breakpoint{}, dbgerrors.InvalidLocation(file, line, err.Error())
	}
	if line > len(lines) {
		return types.Breakpoint{}, dbgerrors.InvalidLocation(path, line, fmt.Sprintf("file has %d lines", len(lines)))
	}
	if !executable(lines[line-1]) {
		return types.Breakpoint{}, dbgerrors.InvalidLocation(path, line, "line is blank or a comment")
	}

	return c.bps.AddLine(breakpoint.Location{File: path, Line: line}, condition), nil
}

func executable(src string) bool {
	s := strings.TrimSpace(src)
	return s != "" && !strings.HasPrefix(s, "#") && !strings.HasPrefix(s, "//")
}

// AddExceptionBreakpoint registers an exception breakpoint; "" or "*" matches any exception.
func (c *Controller) AddExceptionBreakpoint(matcher string) (types.Breakpoint, error) {
	if err := c.requirePaused(); err != nil {
		return types.Breakpoint{}, err
	}
	return c.bps.AddException(matcher), nil
}

// DeleteBreakpoints removes the breakpoints sel selects.
func (c *Controller) DeleteBreakpoints(ctx context.Context, sel breakpoint.Selector) ([]types.Breakpoint, error) {
	if err := c.requirePaused(); err != nil {
		return nil, err
	}
	if sel.Number == 0 && sel.File != "" {
		if path, _, err := c.rt.Source(ctx, sel.File); err == nil {
			sel.File = path
		}
	}
	return c.bps.Remove(sel)
}

// SetBreakpointEnabled enables or disables a breakpoint by number.
func (c *Controller) SetBreakpointEnabled(number int, enabled bool) (types.Breakpoint, error) {
	if err := c.requirePaused(); err != nil {
		return types.Breakpoint{}, err
	}
	return c.bps.SetEnabled(number, enabled)
}

// ListBreakpoints returns every breakpoint ordered by number.
func (c *Controller) ListBreakpoints() ([]types.Breakpoint, error) {
	if err := c.requirePaused(); err != nil {
		return nil, err
	}
	return c.bps.List(), nil
}

// Locals formats the selected frame's locals.
func (c *Controller) Locals(ctx context.Context, depth int) ([]types.FormattedValue, error) {
	if err := c.requirePaused(); err != nil {
		return nil, err
	}
	return c.bindings(ctx, runtime.ScopeLocals, depth)
}

// Globals formats the selected frame's globals.
func (c *Controller) Globals(ctx context.Context, depth int) ([]types.FormattedValue, error) {
	if err := c.requirePaused(); err != nil {
		return nil, err
	}
	return c.bindings(ctx, runtime.ScopeGlobals, depth)
}

func (c *Controller) bindings(ctx context.Context, scope runtime.Scope, depth int) ([]types.FormattedValue, error) {
	bs, err := c.rt.Bindings(ctx, c.selectedIndex(), scope)
	if err != nil {
		return nil, dbgerrors.Wrap(dbgerrors.CodeInternal, fmt.Sprintf("reading variables: %v", err), "", err)
	}

	opts := c.formatOptions(depth)
	out := make([]types.FormattedValue, 0, len(bs))
	for _, b := range bs {
		if isDunder(b.Name) {
			continue
		}
		fv := format.Format(ctx, b.Value, opts)
		fv.Key = b.Name
		out = append(out, fv)
	}
	return out, nil
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

func (c *Controller) selectedIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Evaluate evaluates expr in the selected frame under the evaluation
// timeout. A timeout or failure leaves the session paused.
func (c *Controller) Evaluate(ctx context.Context, expr string, depth int) (types.FormattedValue, error) {
	if err := c.requirePaused(); err != nil {
		return types.FormattedValue{}, err
	}
	if strings.TrimSpace(expr) == "" {
		return types.FormattedValue{}, dbgerrors.MissingParameter("expression", "Give an expression to evaluate.")
	}

	v, err := c.evaluate(ctx, expr)
	if err != nil {
		return types.FormattedValue{}, err
	}
	fv := format.Format(ctx, v, c.formatOptions(depth))
	fv.Key = expr
	return fv, nil
}

func (c *Controller) evaluate(ctx context.Context, expr string) (format.Value, error) {
	ectx, cancel := context.WithTimeout(ctx, c.opts.EvalTimeout)
	defer cancel()

	v, err := c.rt.Evaluate(ectx, c.selectedIndex(), expr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ectx.Err(), context.DeadlineExceeded) {
			return nil, dbgerrors.EvaluationTimeout(expr, c.opts.EvalTimeout)
		}
		return nil, dbgerrors.EvaluationError(expr, err)
	}
	return v, nil
}

// Inspect formats a variable, or any expression, in depth. Names bound in
// the selected frame are read directly without evaluation.
func (c *Controller) Inspect(ctx context.Context, expr string, depth int) (types.FormattedValue, error) {
	if err := c.requirePaused(); err != nil {
		return types.FormattedValue{}, err
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return types.FormattedValue{}, dbgerrors.MissingParameter("expression", "Give a variable name or expression to inspect.")
	}

	v, err := c.lookup(ctx, expr)
	if err != nil {
		return types.FormattedValue{}, err
	}
	if v == nil {
		if v, err = c.evaluate(ctx, expr); err != nil {
			return types.FormattedValue{}, err
		}
	}

	fv := format.Format(ctx, v, c.formatOptions(depth))
	fv.Key = expr
	if fv.Length == nil && v.Kind() != format.Scalar {
		if n := v.Len(); n >= 0 {
			fv.Length = &n
		}
	}
	return fv, nil
}

func (c *Controller) lookup(ctx context.Context, name string) (format.Value, error) {
	for _, scope := range []runtime.Scope{runtime.ScopeLocals, runtime.ScopeGlobals} {
		bs, err := c.rt.Bindings(ctx, c.selectedIndex(), scope)
		if err != nil {
			return nil, dbgerrors.Wrap(dbgerrors.CodeInternal, fmt.Sprintf("reading variables: %v", err), "", err)
		}
		for _, b := range bs {
			if b.Name == name {
				return b.Value, nil
			}
		}
	}
	return nil, nil
}

// Stack returns the frame snapshot, marking the selected frame.
func (c *Controller) Stack() ([]types.Frame, error) {
	if err := c.requirePaused(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Frame, len(c.frames))
	copy(out, c.frames)
	if c.selected < len(out) {
		out[c.selected].Current = true
	}
	return out, nil
}

// Move selects an older ("up") or newer ("down") frame. Execution is not touched.
func (c *Controller) Move(direction string) (types.Frame, error) {
	if err := c.requirePaused(); err != nil {
		return types.Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.selected
	switch direction {
	case "up":
		next++
		if next >= len(c.frames) {
			return types.Frame{}, dbgerrors.FrameOutOfRange(true)
		}
	case "down":
		next--
		if next < 0 {
			return types.Frame{}, dbgerrors.FrameOutOfRange(false)
		}
	default:
		return types.Frame{}, dbgerrors.InvalidParameter("direction", direction, `"up" or "down"`)
	}

	c.selected = next
	f := c.frames[next]
	f.Current = true
	return f, nil
}
