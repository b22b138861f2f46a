package scripted

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.starlark.net/starlark"

	"github.com/ctagard/stepdbg/internal/format"
	"github.com/ctagard/stepdbg/internal/runtime"
)

var (
	errNotStarted = errors.New("scripted: program not started")
	errFinished   = errors.New("scripted: program has finished")
)

// Runtime runs a Program under the runtime contract.
type Runtime struct {
	prog  *Program
	lines []string

	t *Thread
	// owed is set while the program owes us an event we have not read yet
	owed     bool
	finished bool

	// MaxSteps bounds a single evaluation in Starlark steps; zero is unbounded.
	MaxSteps uint64
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a runtime for prog.
func New(prog *Program) *Runtime {
	return &Runtime{prog: prog, lines: sourceLines(prog.Source)}
}

// Launch starts the program and returns its first event.
func (r *Runtime) Launch(ctx context.Context, target runtime.Target) (runtime.Event, error) {
	if r.t != nil {
		return runtime.Event{}, errors.New("scripted: program already launched")
	}
	r.t = newThread(r.prog, target.Args)
	r.owed = true
	go r.t.run()
	return r.next(ctx)
}

// Advance resumes the program until its next hook. The hint is ignored:
// the program reports every boundary.
func (r *Runtime) Advance(ctx context.Context, a runtime.Advance) (runtime.Event, error) {
	if r.t == nil {
		return runtime.Event{}, errNotStarted
	}
	if r.finished {
		return runtime.Event{}, errFinished
	}
	if a.Fresh {
		r.t.interrupt.Store(false)
	}
	if !r.owed {
		r.t.resume <- false
		r.owed = true
	}
	return r.next(ctx)
}

func (r *Runtime) next(ctx context.Context) (runtime.Event, error) {
	select {
	case ev := <-r.t.events:
		r.owed = false
		if ev.Kind == runtime.EventExit {
			r.finished = true
		}
		return ev, nil
	case <-ctx.Done():
		return runtime.Event{}, ctx.Err()
	}
}

func (r *Runtime) paused() error {
	switch {
	case r.t == nil:
		return errNotStarted
	case r.finished:
		return errFinished
	case r.owed:
		return errors.New("scripted: program is running")
	}
	return nil
}

func (r *Runtime) frame(index int) (*frame, error) {
	if err := r.paused(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(r.t.frames) {
		return nil, fmt.Errorf("scripted: no frame %d", index)
	}
	return r.t.frames[len(r.t.frames)-1-index], nil
}

// Stack returns the live frames, innermost first.
func (r *Runtime) Stack(_ context.Context, max int) ([]runtime.FrameInfo, error) {
	if err := r.paused(); err != nil {
		return nil, err
	}
	var out []runtime.FrameInfo
	for i := len(r.t.frames) - 1; i >= 0; i-- {
		if max > 0 && len(out) >= max {
			break
		}
		f := r.t.frames[i]
		out = append(out, runtime.FrameInfo{
			Location: runtime.Location{File: r.prog.File, Line: f.line},
			Function: f.function,
			Code:     r.code(f.line),
		})
	}
	return out, nil
}

func (r *Runtime) code(line int) string {
	if line < 1 || line > len(r.lines) {
		return ""
	}
	return r.lines[line-1]
}

// Bindings lists a frame's locals, or the program's globals.
func (r *Runtime) Bindings(_ context.Context, index int, scope runtime.Scope) ([]runtime.Binding, error) {
	f, err := r.frame(index)
	if err != nil {
		return nil, err
	}
	if scope == runtime.ScopeGlobals {
		f = r.t.frames[0]
	}

	conv := newConverter()
	out := make([]runtime.Binding, 0, len(f.vars.names))
	for _, name := range f.vars.names {
		v, err := conv.convert(f.vars.values[name])
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
		out = append(out, runtime.Binding{Name: name, Value: wrap(v)})
	}
	return out, nil
}

// Evaluate evaluates a Starlark expression over the frame's bindings.
func (r *Runtime) Evaluate(ctx context.Context, index int, expr string) (format.Value, error) {
	v, err := r.eval(ctx, index, expr)
	if err != nil {
		return nil, err
	}
	return wrap(v), nil
}

// Condition evaluates expr for its Starlark truth value.
func (r *Runtime) Condition(ctx context.Context, index int, expr string) (bool, error) {
	v, err := r.eval(ctx, index, expr)
	if err != nil {
		return false, err
	}
	return bool(v.Truth()), nil
}

func (r *Runtime) eval(ctx context.Context, index int, expr string) (starlark.Value, error) {
	f, err := r.frame(index)
	if err != nil {
		return nil, err
	}

	conv := newConverter()
	env := starlark.StringDict{}
	for _, scope := range []*vars{r.t.frames[0].vars, f.vars} {
		for _, name := range scope.names {
			v, err := conv.convert(scope.values[name])
			if err != nil {
				return nil, fmt.Errorf("binding %s: %w", name, err)
			}
			env[name] = v
		}
	}

	thread := &starlark.Thread{Name: "eval"}
	if r.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(r.MaxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	v, err := starlark.Eval(thread, "<expr>", expr, env)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Source returns the program text when file names the program.
func (r *Runtime) Source(_ context.Context, file string) (string, []string, error) {
	if file == r.prog.File || filepath.Base(file) == filepath.Base(r.prog.File) {
		return r.prog.File, r.lines, nil
	}
	return "", nil, fmt.Errorf("no such file: %s", file)
}

// Interrupt makes the next hook report an interrupted event.
func (r *Runtime) Interrupt() {
	if r.t != nil {
		r.t.interrupt.Store(true)
	}
}

// Terminate aborts the program if it is still suspended.
func (r *Runtime) Terminate(ctx context.Context) error {
	if r.t == nil || r.finished {
		return nil
	}
	if r.owed {
		// drain the event the program is about to deliver
		select {
		case ev := <-r.t.events:
			r.owed = false
			if ev.Kind == runtime.EventExit {
				r.finished = true
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.t.resume <- true
	r.finished = true
	return nil
}
