package scripted

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/stepdbg/internal/format"
	"github.com/ctagard/stepdbg/internal/runtime"
)

const squareSrc = `def square(n):
    return n * n
x = 3
y = square(x)
print(y)
`

func squareProgram() *Program {
	return &Program{
		File:   "square.py",
		Source: squareSrc,
		Main: func(t *Thread) {
			t.Line(3)
			t.Set("x", 3)
			t.Line(4)
			y := t.Call("square", 1, func() any {
				t.Set("n", t.Get("x"))
				t.Line(2)
				n := t.Get("n").(int)
				return n * n
			})
			t.Set("y", y)
			t.Line(5)
		},
	}
}

func advance(t *testing.T, r *Runtime) runtime.Event {
	t.Helper()
	ev, err := r.Advance(context.Background(), runtime.Advance{Hint: runtime.HintInto})
	require.NoError(t, err)
	return ev
}

func TestRuntime_EventSequence(t *testing.T) {
	r := New(squareProgram())
	ctx := context.Background()

	ev, err := r.Launch(ctx, runtime.Target{Program: "square.py"})
	require.NoError(t, err)
	assert.Equal(t, runtime.EventLine, ev.Kind)
	assert.Equal(t, 3, ev.Location.Line)
	assert.Equal(t, 1, ev.Depth)

	type step struct {
		kind  runtime.EventKind
		line  int
		depth int
		fn    string
	}
	want := []step{
		{runtime.EventLine, 4, 1, ModuleFunction},
		{runtime.EventCall, 1, 2, "square"},
		{runtime.EventLine, 2, 2, "square"},
		{runtime.EventReturn, 4, 1, ModuleFunction},
		{runtime.EventLine, 5, 1, ModuleFunction},
	}
	for i, w := range want {
		ev := advance(t, r)
		assert.Equal(t, w, step{ev.Kind, ev.Location.Line, ev.Depth, ev.Function}, "event #%d", i)
	}

	ev = advance(t, r)
	assert.Equal(t, runtime.EventExit, ev.Kind)
	assert.Nil(t, ev.Exception)

	_, err = r.Advance(ctx, runtime.Advance{})
	assert.Error(t, err)
}

func TestRuntime_StackAndBindings(t *testing.T) {
	r := New(squareProgram())
	ctx := context.Background()
	_, err := r.Launch(ctx, runtime.Target{})
	require.NoError(t, err)

	advance(t, r) // line 4
	advance(t, r) // call
	advance(t, r) // line 2 inside square

	stack, err := r.Stack(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stack, 2)
	assert.Equal(t, "square", stack[0].Function)
	assert.Equal(t, 2, stack[0].Location.Line)
	assert.Equal(t, "    return n * n", stack[0].Code)
	assert.Equal(t, ModuleFunction, stack[1].Function)
	assert.Equal(t, 4, stack[1].Location.Line)

	locals, err := r.Bindings(ctx, 0, runtime.ScopeLocals)
	require.NoError(t, err)
	require.Len(t, locals, 1)
	assert.Equal(t, "n", locals[0].Name)
	assert.Equal(t, "3", locals[0].Value.Repr())

	globals, err := r.Bindings(ctx, 0, runtime.ScopeGlobals)
	require.NoError(t, err)
	require.Len(t, globals, 1)
	assert.Equal(t, "x", globals[0].Name)

	outer, err := r.Bindings(ctx, 1, runtime.ScopeLocals)
	require.NoError(t, err)
	assert.Equal(t, globals, outer)

	_, err = r.Bindings(ctx, 5, runtime.ScopeLocals)
	assert.Error(t, err)
}

func TestRuntime_Evaluate(t *testing.T) {
	r := New(&Program{
		File: "data.py",
		Main: func(t *Thread) {
			t.Set("items", []any{1, 2, 3})
			t.Set("config", map[string]any{"host": "localhost", "port": 8080})
			t.Set("i", 2)
			t.Line(1)
		},
	})
	ctx := context.Background()
	_, err := r.Launch(ctx, runtime.Target{})
	require.NoError(t, err)

	tests := []struct {
		expr string
		typ  string
		repr string
	}{
		{"i", "int", "2"},
		{"i == 2", "bool", "True"},
		{"len(items)", "int", "3"},
		{"config['host']", "string", `"localhost"`},
		{"[x * 2 for x in items]", "list", "[2, 4, 6]"},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			v, err := r.Evaluate(ctx, 0, tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.typ, v.TypeName())
			assert.Equal(t, tc.repr, v.Repr())
		})
	}

	_, err = r.Evaluate(ctx, 0, "missing + 1")
	assert.Error(t, err)
	_, err = r.Evaluate(ctx, 0, "i ==")
	assert.Error(t, err)

	ok, err := r.Condition(ctx, 0, "i > 1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Condition(ctx, 0, "items[0] == 5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRuntime_EvaluateTimeout(t *testing.T) {
	r := New(&Program{
		File: "slow.py",
		Main: func(t *Thread) {
			t.Set("n", 100000000)
			t.Line(1)
			t.Line(2)
		},
	})
	_, err := r.Launch(context.Background(), runtime.Target{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = r.Evaluate(ctx, 0, "len([x for x in range(n)])")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)

	// the program is untouched and still steps normally
	v, err := r.Evaluate(context.Background(), 0, "n")
	require.NoError(t, err)
	assert.Equal(t, "100000000", v.Repr())
	ev := advance(t, r)
	assert.Equal(t, 2, ev.Location.Line)
}

func TestRuntime_CyclicBindingsFormatSafely(t *testing.T) {
	r := New(&Program{
		File: "cycle.py",
		Main: func(t *Thread) {
			m := map[string]any{"name": "root"}
			m["self"] = m
			t.Set("m", m)
			l := make([]any, 2)
			l[0] = 1
			l[1] = l
			t.Set("l", l)
			t.Line(1)
		},
	})
	ctx := context.Background()
	_, err := r.Launch(ctx, runtime.Target{})
	require.NoError(t, err)

	bindings, err := r.Bindings(ctx, 0, runtime.ScopeLocals)
	require.NoError(t, err)
	require.Len(t, bindings, 2)

	opts := format.Options{Depth: 10, MaxChildren: 50, MaxLength: 1000}
	m := format.Format(ctx, bindings[0].Value, opts)
	require.Len(t, m.Children, 2)
	assert.Equal(t, "self", m.Children[1].Key)
	assert.True(t, m.Children[1].Circular)

	l := format.Format(ctx, bindings[1].Value, opts)
	require.Len(t, l.Children, 2)
	assert.True(t, l.Children[1].Circular)
}

type point struct {
	X, Y int
	Next *point
}

func TestRuntime_StructAttributes(t *testing.T) {
	p := &point{X: 1, Y: 2}
	p.Next = p
	r := New(&Program{
		File: "points.py",
		Main: func(t *Thread) {
			t.Set("p", p)
			t.Line(1)
		},
	})
	ctx := context.Background()
	_, err := r.Launch(ctx, runtime.Target{})
	require.NoError(t, err)

	v, err := r.Evaluate(ctx, 0, "p.X + p.Next.Y")
	require.NoError(t, err)
	assert.Equal(t, "3", v.Repr())

	bindings, err := r.Bindings(ctx, 0, runtime.ScopeLocals)
	require.NoError(t, err)
	fv := format.Format(ctx, bindings[0].Value, format.Options{Depth: 5, MaxChildren: 50, MaxLength: 1000})
	assert.Equal(t, "point", fv.Type)
	require.Len(t, fv.Children, 3)
	assert.True(t, fv.Children[2].Circular)
}

func TestRuntime_UncaughtException(t *testing.T) {
	r := New(&Program{
		File:   "boom.py",
		Source: "d = {}\nd['port']\n",
		Main: func(t *Thread) {
			t.Line(1)
			t.Set("d", map[string]any{})
			t.Line(2)
			t.Raise("KeyError", "'port'")
		},
	})
	ctx := context.Background()
	_, err := r.Launch(ctx, runtime.Target{})
	require.NoError(t, err)

	advance(t, r)
	ev := advance(t, r)
	require.Equal(t, runtime.EventException, ev.Kind)
	assert.Equal(t, "KeyError", ev.Exception.Category)
	assert.Contains(t, ev.Exception.Traceback, "d['port']")

	ev = advance(t, r)
	assert.Equal(t, runtime.EventExit, ev.Kind)
	require.NotNil(t, ev.Exception)
	assert.Equal(t, 1, ev.ExitCode)
}

func TestRuntime_CaughtException(t *testing.T) {
	var caught string
	r := New(&Program{
		File: "caught.py",
		Main: func(t *Thread) {
			t.Try(func() {
				t.Call("lookup", 1, func() any {
					t.Line(2)
					t.Raise("KeyError", "'x'")
					return nil
				})
			}, func(ex runtime.Exception) {
				caught = ex.Category
			})
			t.Line(5)
		},
	})
	ctx := context.Background()
	first, err := r.Launch(ctx, runtime.Target{})
	require.NoError(t, err)
	assert.Equal(t, runtime.EventCall, first.Kind)
	assert.Equal(t, 2, first.Depth)

	var kinds []runtime.EventKind
	for {
		ev := advance(t, r)
		kinds = append(kinds, ev.Kind)
		if ev.Kind == runtime.EventLine && ev.Location.Line == 5 {
			assert.Equal(t, 1, ev.Depth)
			break
		}
	}
	assert.Equal(t, []runtime.EventKind{runtime.EventLine, runtime.EventException, runtime.EventLine}, kinds)
	assert.Equal(t, "KeyError", caught)
}

func TestRuntime_InterruptAndTerminate(t *testing.T) {
	r := New(&Program{
		File: "loop.py",
		Main: func(t *Thread) {
			for i := 0; ; i++ {
				t.Set("i", i)
				t.Line(2)
			}
		},
	})
	ctx := context.Background()
	_, err := r.Launch(ctx, runtime.Target{})
	require.NoError(t, err)

	ev := advance(t, r)
	assert.False(t, ev.Interrupted)

	r.Interrupt()
	ev = advance(t, r)
	assert.True(t, ev.Interrupted)

	require.NoError(t, r.Terminate(ctx))
	_, err = r.Advance(ctx, runtime.Advance{})
	assert.Error(t, err)
}

func TestRuntime_FreshAdvanceDropsLateInterrupt(t *testing.T) {
	r := New(&Program{
		File: "loop.py",
		Main: func(t *Thread) {
			for {
				t.Line(2)
			}
		},
	})
	ctx := context.Background()
	_, err := r.Launch(ctx, runtime.Target{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Terminate(ctx) })

	r.Interrupt()
	ev, err := r.Advance(ctx, runtime.Advance{Hint: runtime.HintRun, Fresh: true})
	require.NoError(t, err)
	assert.False(t, ev.Interrupted)

	r.Interrupt()
	ev, err = r.Advance(ctx, runtime.Advance{Hint: runtime.HintRun})
	require.NoError(t, err)
	assert.True(t, ev.Interrupted)
}

func TestRuntime_Source(t *testing.T) {
	r := New(squareProgram())
	path, lines, err := r.Source(context.Background(), "/somewhere/square.py")
	require.NoError(t, err)
	assert.Equal(t, "square.py", path)
	assert.Len(t, lines, 5)

	_, _, err = r.Source(context.Background(), "other.py")
	assert.Error(t, err)
}
