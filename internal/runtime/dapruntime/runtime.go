// Package dapruntime runs a target under a Debug Adapter Protocol adapter.
//
// The adapter executes the program out of process and can run ahead on
// its own, so Advance maps the controller's hint onto a DAP execution
// request (continue, next, stepIn, stepOut) after syncing the enabled
// breakpoints. Every stop is reported as a line or exception event;
// conditions are left to the controller and evaluated through Condition.
package dapruntime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	godap "github.com/google/go-dap"

	"github.com/ctagard/stepdbg/internal/adapters"
	"github.com/ctagard/stepdbg/internal/dap"
	"github.com/ctagard/stepdbg/internal/format"
	"github.com/ctagard/stepdbg/internal/runtime"
)

const clientID = "stepdbg"

var errNotLaunched = errors.New("dapruntime: target not launched")

// Runtime drives one debug adapter.
type Runtime struct {
	adapter adapters.Adapter

	client *dap.Client
	kill   func()

	// mu guards thread, which Interrupt reads from another goroutine
	mu     sync.Mutex
	thread int

	frames     []godap.StackFrame
	lines      map[string][]int
	exceptions []string
	// uncaught is the last exception the adapter stopped on as unhandled;
	// it is reported with the exit event.
	uncaught *runtime.Exception
	exited   bool
	entry    bool

	sources map[string][]string
	paths   map[string]string
}

var _ runtime.Runtime = (*Runtime)(nil)

// New creates a runtime that launches targets with adapter.
func New(adapter adapters.Adapter) *Runtime {
	return &Runtime{
		adapter: adapter,
		lines:   make(map[string][]int),
		sources: make(map[string][]string),
		paths:   make(map[string]string),
	}
}

// Launch spawns the adapter, configures it and waits for the entry stop.
func (r *Runtime) Launch(ctx context.Context, target runtime.Target) (runtime.Event, error) {
	if r.client != nil {
		return runtime.Event{}, errors.New("dapruntime: target already launched")
	}
	client, cmd, err := r.adapter.Spawn(ctx, target)
	if err != nil {
		return runtime.Event{}, err
	}
	r.client = client
	if cmd != nil {
		r.kill = func() { adapters.Kill(cmd) }
	}

	if err := r.configure(ctx, target); err != nil {
		r.shutdown(ctx)
		return runtime.Event{}, err
	}

	ev, err := r.wait(ctx, false)
	if err != nil {
		r.shutdown(ctx)
		return runtime.Event{}, err
	}
	if r.entry && !r.exited {
		if _, err := r.client.SetFunctionBreakpoints(ctx, nil); err != nil {
			log.Printf("clearing entry breakpoint: %v", err)
		}
	}
	return ev, nil
}

func (r *Runtime) configure(ctx context.Context, target runtime.Target) error {
	if _, err := r.client.Initialize(ctx, clientID, clientID); err != nil {
		return fmt.Errorf("initialize %s: %w", r.adapter.Name(), err)
	}

	launch, err := r.client.LaunchAsync(r.adapter.LaunchArgs(target))
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	if err := r.client.WaitInitialized(ctx); err != nil {
		return err
	}

	if entry := r.adapter.EntryFunction(); entry != "" {
		if _, err := r.client.SetFunctionBreakpoints(ctx, []string{entry}); err != nil {
			return fmt.Errorf("entry breakpoint on %s: %w", entry, err)
		}
		r.entry = true
	}
	if err := r.syncExceptions(ctx, nil); err != nil {
		return err
	}
	if err := r.client.ConfigurationDone(ctx); err != nil {
		return fmt.Errorf("configurationDone: %w", err)
	}
	return r.client.WaitForLaunchResponse(ctx, launch)
}

// Advance syncs breakpoints, issues the request matching the hint and
// waits for the next stop or exit.
func (r *Runtime) Advance(ctx context.Context, a runtime.Advance) (runtime.Event, error) {
	if r.client == nil {
		return runtime.Event{}, errNotLaunched
	}
	if r.exited {
		return runtime.Event{}, errors.New("dapruntime: target has exited")
	}
	if err := r.syncLines(ctx, a.Lines); err != nil {
		return runtime.Event{}, err
	}
	if err := r.syncExceptions(ctx, a.Exceptions); err != nil {
		return runtime.Event{}, err
	}

	tid := r.threadID()
	var err error
	switch a.Hint {
	case runtime.HintInto:
		err = r.client.StepIn(ctx, tid)
	case runtime.HintOver:
		err = r.client.Next(ctx, tid)
	case runtime.HintOut:
		err = r.client.StepOut(ctx, tid)
	default:
		err = r.client.Continue(ctx, tid)
	}
	if err != nil {
		if errors.Is(err, dap.ErrClosed) {
			return r.exit(0), nil
		}
		return runtime.Event{}, fmt.Errorf("%s: %w", a.Hint, err)
	}
	r.frames = nil
	return r.wait(ctx, true)
}

// syncLines replaces the adapter's breakpoints in every file whose set changed.
func (r *Runtime) syncLines(ctx context.Context, locs []runtime.Location) error {
	want := make(map[string][]int)
	for _, l := range locs {
		want[l.File] = append(want[l.File], l.Line)
	}
	files := make(map[string]bool)
	for f := range want {
		files[f] = true
	}
	for f := range r.lines {
		files[f] = true
	}

	for f := range files {
		lines := want[f]
		sort.Ints(lines)
		if equalInts(lines, r.lines[f]) {
			continue
		}
		bps := make([]godap.SourceBreakpoint, len(lines))
		for i, l := range lines {
			bps[i] = godap.SourceBreakpoint{Line: l}
		}
		if _, err := r.client.SetBreakpoints(ctx, godap.Source{Path: f, Name: filepath.Base(f)}, bps); err != nil {
			return fmt.Errorf("setting breakpoints in %s: %w", f, err)
		}
		if len(lines) == 0 {
			delete(r.lines, f)
		} else {
			r.lines[f] = lines
		}
	}
	return nil
}

// syncExceptions always asks for uncaught exceptions so an exceptional exit
// can be reported, and for raised ones while an exception breakpoint exists.
func (r *Runtime) syncExceptions(ctx context.Context, matchers []string) error {
	var filters []string
	if len(matchers) > 0 && r.advertises("raised") {
		filters = append(filters, "raised")
	}
	if r.advertises("uncaught") {
		filters = append(filters, "uncaught")
	}
	if r.exceptions != nil && equalStrings(filters, r.exceptions) {
		return nil
	}
	if err := r.client.SetExceptionBreakpoints(ctx, filters); err != nil {
		return fmt.Errorf("setting exception filters: %w", err)
	}
	if filters == nil {
		filters = []string{}
	}
	r.exceptions = filters
	return nil
}

func (r *Runtime) advertises(filter string) bool {
	for _, f := range r.client.Capabilities().ExceptionBreakpointFilters {
		if f.Filter == filter {
			return true
		}
	}
	return false
}

// wait turns the next adapter event into a runtime event.
func (r *Runtime) wait(ctx context.Context, running bool) (runtime.Event, error) {
	for {
		ev, err := r.client.NextEvent(ctx)
		if errors.Is(err, dap.ErrClosed) {
			return r.exit(0), nil
		}
		if err != nil {
			return runtime.Event{}, err
		}

		switch ev.Kind {
		case dap.EventExited:
			return r.exit(ev.ExitCode), nil
		case dap.EventTerminated:
			return r.exit(0), nil
		case dap.EventStopped:
			return r.stopped(ctx, ev.Stopped, running)
		}
	}
}

func (r *Runtime) exit(code int) runtime.Event {
	r.exited = true
	r.frames = nil
	ev := runtime.Event{Kind: runtime.EventExit, ExitCode: code, Exception: r.uncaught}
	if ev.Exception != nil && code == 0 {
		ev.ExitCode = 1
	}
	return ev
}

func (r *Runtime) stopped(ctx context.Context, info dap.StoppedInfo, running bool) (runtime.Event, error) {
	tid := info.ThreadID
	if tid == 0 {
		tid = r.threadID()
	}
	if tid == 0 {
		tid = r.firstThread(ctx)
	}
	if tid == 0 {
		tid = 1
	}
	r.mu.Lock()
	r.thread = tid
	r.mu.Unlock()
	if err := r.loadFrames(ctx); err != nil {
		return runtime.Event{}, err
	}

	ev := runtime.Event{Kind: runtime.EventLine, Depth: len(r.frames)}
	if len(r.frames) > 0 {
		top := r.frames[0]
		ev.Function = top.Name
		ev.Location = runtime.Location{File: r.framePath(top), Line: top.Line}
	}

	switch info.Reason {
	case "pause":
		ev.Interrupted = running
	case "exception", "panic":
		ev.Kind = runtime.EventException
		ev.Exception = r.exception(ctx, info)
	}
	return ev, nil
}

func (r *Runtime) exception(ctx context.Context, info dap.StoppedInfo) *runtime.Exception {
	ex := &runtime.Exception{Category: "Exception", Message: info.Text}
	if info.Description != "" && ex.Message == "" {
		ex.Message = info.Description
	}
	if !r.client.Capabilities().SupportsExceptionInfoRequest {
		return ex
	}
	body, err := r.client.ExceptionInfo(ctx, r.threadID())
	if err != nil {
		log.Printf("exceptionInfo: %v", err)
		return ex
	}
	if body.ExceptionId != "" {
		ex.Category = strings.TrimPrefix(body.ExceptionId, "builtins.")
	}
	if body.Description != "" {
		ex.Message = body.Description
	}
	if body.BreakMode != "always" {
		r.uncaught = ex
	}
	return ex
}

// firstThread asks the adapter for its threads when a stop names none.
func (r *Runtime) firstThread(ctx context.Context) int {
	threads, err := r.client.Threads(ctx)
	if err != nil || len(threads) == 0 {
		if err != nil {
			log.Printf("threads: %v", err)
		}
		return 0
	}
	return threads[0].Id
}

func (r *Runtime) threadID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thread
}

func (r *Runtime) loadFrames(ctx context.Context) error {
	frames, _, err := r.client.StackTrace(ctx, r.threadID(), 0, 0)
	if err != nil {
		return fmt.Errorf("stackTrace: %w", err)
	}
	r.frames = frames
	return nil
}

func (r *Runtime) framePath(f godap.StackFrame) string {
	if f.Source == nil {
		return ""
	}
	if f.Source.Path == "" {
		return f.Source.Name
	}
	return r.canonical(f.Source.Path)
}

// canonical resolves symlinks so adapter paths compare equal to the
// breakpoint paths returned by Source.
func (r *Runtime) canonical(path string) string {
	if p, ok := r.paths[path]; ok {
		return p
	}
	p, err := filepath.Abs(path)
	if err == nil {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			p = resolved
		}
	} else {
		p = path
	}
	r.paths[path] = p
	return p
}

func (r *Runtime) frame(index int) (godap.StackFrame, error) {
	if r.client == nil {
		return godap.StackFrame{}, errNotLaunched
	}
	if index < 0 || index >= len(r.frames) {
		return godap.StackFrame{}, fmt.Errorf("frame %d does not exist", index)
	}
	return r.frames[index], nil
}

// Stack returns up to max frames from the last stop.
func (r *Runtime) Stack(ctx context.Context, max int) ([]runtime.FrameInfo, error) {
	if r.client == nil {
		return nil, errNotLaunched
	}
	if r.frames == nil && !r.exited {
		if err := r.loadFrames(ctx); err != nil {
			return nil, err
		}
	}
	n := len(r.frames)
	if max > 0 && n > max {
		n = max
	}
	out := make([]runtime.FrameInfo, n)
	for i := 0; i < n; i++ {
		f := r.frames[i]
		path := r.framePath(f)
		out[i] = runtime.FrameInfo{
			Location: runtime.Location{File: path, Line: f.Line},
			Function: f.Name,
			Code:     r.code(ctx, path, f.Line),
		}
	}
	return out, nil
}

func (r *Runtime) code(ctx context.Context, path string, line int) string {
	if path == "" {
		return ""
	}
	_, lines, err := r.Source(ctx, path)
	if err != nil || line < 1 || line > len(lines) {
		return ""
	}
	return lines[line-1]
}

// Bindings lists the variables of the frame's locals or globals scope.
func (r *Runtime) Bindings(ctx context.Context, index int, scope runtime.Scope) ([]runtime.Binding, error) {
	f, err := r.frame(index)
	if err != nil {
		return nil, err
	}
	scopes, err := r.client.Scopes(ctx, f.Id)
	if err != nil {
		return nil, fmt.Errorf("scopes: %w", err)
	}
	ref := pickScope(scopes, scope)
	if ref == 0 {
		return nil, nil
	}
	vars, err := r.client.Variables(ctx, ref, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}

	out := make([]runtime.Binding, 0, len(vars))
	for _, v := range vars {
		if virtual(v.Name) {
			continue
		}
		out = append(out, runtime.Binding{Name: v.Name, Value: r.value(v.Type, v.Value, v.VariablesReference, v.NamedVariables, v.IndexedVariables)})
	}
	return out, nil
}

// pickScope returns the variables reference of the requested scope.
// Adapters name them differently: debugpy "Locals"/"Globals", delve
// "Locals"/"Globals", lldb-dap "Locals"/"Globals"/"Registers", gdb "Locals"/"Global".
func pickScope(scopes []godap.Scope, scope runtime.Scope) int {
	for _, s := range scopes {
		name := strings.ToLower(s.Name)
		switch scope {
		case runtime.ScopeLocals:
			if s.PresentationHint == "locals" || name == "locals" || name == "local" {
				return s.VariablesReference
			}
		case runtime.ScopeGlobals:
			if name == "globals" || name == "global" {
				return s.VariablesReference
			}
		}
	}
	if scope == runtime.ScopeLocals && len(scopes) > 0 {
		return scopes[0].VariablesReference
	}
	return 0
}

// virtual reports adapter groupings such as debugpy's "special variables"
// and the synthetic "len()" child.
func virtual(name string) bool {
	return strings.Contains(name, " ") || name == "len()"
}

// Evaluate evaluates expr in a frame. The "repl" context lets adapters
// such as debugpy run statements like "x = 5" as well as expressions.
func (r *Runtime) Evaluate(ctx context.Context, index int, expr string) (format.Value, error) {
	return r.evaluate(ctx, index, expr, "repl")
}

func (r *Runtime) evaluate(ctx context.Context, index int, expr, evalContext string) (format.Value, error) {
	f, err := r.frame(index)
	if err != nil {
		return nil, err
	}
	body, err := r.client.Evaluate(ctx, expr, f.Id, evalContext)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New(strings.TrimPrefix(err.Error(), "evaluate failed: "))
	}
	return r.value(body.Type, body.Result, body.VariablesReference, body.NamedVariables, body.IndexedVariables), nil
}

// Condition evaluates expr in the "watch" context and interprets the
// rendered result for truth.
func (r *Runtime) Condition(ctx context.Context, index int, expr string) (bool, error) {
	v, err := r.evaluate(ctx, index, expr, "watch")
	if err != nil {
		return false, err
	}
	return truthy(v.Repr()), nil
}

func truthy(repr string) bool {
	switch strings.TrimSpace(repr) {
	case "", "False", "false", "0", "0.0", "None", "nil", "null", "''", `""`, "[]", "{}", "()", "set()":
		return false
	}
	return true
}

// Source reads file from disk; the adapter is not consulted.
func (r *Runtime) Source(_ context.Context, file string) (string, []string, error) {
	path := r.canonical(file)
	if lines, ok := r.sources[path]; ok {
		return path, lines, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	r.sources[path] = lines
	return path, lines, nil
}

// Interrupt asks the adapter to pause the running thread.
func (r *Runtime) Interrupt() {
	client := r.client
	if client == nil {
		return
	}
	select {
	case <-client.Done():
		return
	default:
	}
	tid := r.threadID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Pause(ctx, tid); err != nil {
			log.Printf("pause: %v", err)
		}
	}()
}

// Terminate disconnects from the adapter and kills its process group.
func (r *Runtime) Terminate(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	r.shutdown(ctx)
	return nil
}

func (r *Runtime) shutdown(ctx context.Context) {
	if !r.exited {
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := r.client.Disconnect(dctx, true); err != nil && !errors.Is(err, dap.ErrClosed) {
			log.Printf("disconnect: %v", err)
		}
		cancel()
	}
	_ = r.client.Close()
	if r.kill != nil {
		r.kill()
		r.kill = nil
	}
	r.exited = true
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
