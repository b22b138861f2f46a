package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ctagard/stepdbg/internal/client"
	"github.com/ctagard/stepdbg/internal/config"
	"github.com/ctagard/stepdbg/internal/host"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/internal/runtime/scripted"
	"github.com/ctagard/stepdbg/internal/session"
	"github.com/ctagard/stepdbg/pkg/types"
)

const greetSrc = `def greet(name):
    message = "hello " + name
    return message

print(greet("ada"))
`

func greetProgram(file string) *scripted.Program {
	return &scripted.Program{
		File:   file,
		Source: greetSrc,
		Main: func(t *scripted.Thread) {
			t.Line(5)
			t.Call("greet", 1, func() any {
				t.Set("name", "ada")
				t.Line(2)
				t.Set("message", "hello ada")
				t.Line(3)
				return t.Get("message")
			})
		},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "sm")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.SessionDir = dir
	if mutate != nil {
		mutate(cfg)
	}
	store, err := session.NewFileStore(dir, session.DefaultProber(time.Second))
	require.NoError(t, err)

	program := filepath.Join(dir, "greet.py")
	require.NoError(t, os.WriteFile(program, []byte(greetSrc), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := client.New(cfg, store)
	c.Spawn = func(_ context.Context, rec types.SessionRecord) (<-chan error, error) {
		exited := make(chan error, 1)
		go func() {
			exited <- host.Run(ctx, host.Options{
				Config:  cfg,
				Store:   store,
				Record:  rec,
				Target:  runtime.Target{Program: rec.Target, Cwd: rec.Cwd},
				Runtime: scripted.New(greetProgram(rec.Target)),
			})
		}()
		return exited, nil
	}
	return NewServer(cfg, c), program
}

// callTool returns the text content of a tool result.
func callTool(t *testing.T, s *Server, name string, args map[string]any) (string, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.call(ctx, name, args)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestServer_ToolsByMode(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		count  int
		has    []string
		hasNot []string
	}{
		{
			name:  "full",
			count: 17,
			has:   []string{"debug_start", "debug_resume", "debug_eval", "debug_pause"},
		},
		{
			name:   "readonly",
			mutate: func(c *config.Config) { c.Mode = config.ModeReadOnly },
			count:  9,
			has:    []string{"debug_status", "debug_eval", "debug_frame"},
			hasNot: []string{"debug_start", "debug_break", "debug_resume"},
		},
		{
			name: "readonly without evaluation",
			mutate: func(c *config.Config) {
				c.Mode = config.ModeReadOnly
				c.AllowExecute = false
			},
			count:  7,
			hasNot: []string{"debug_eval", "debug_inspect"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.mutate)
			tools := s.Tools()
			assert.Len(t, tools, tt.count)
			for _, name := range tt.has {
				assert.Contains(t, tools, name)
			}
			for _, name := range tt.hasNot {
				assert.NotContains(t, tools, name)
			}
		})
	}
}

func TestServer_DriveSession(t *testing.T) {
	s, program := newTestServer(t, nil)

	out, isErr := callTool(t, s, "debug_start", map[string]any{"program": program})
	require.False(t, isErr, out)
	assert.Equal(t, "paused", gjson.Get(out, "status").String())
	assert.Equal(t, string(types.StopEntry), gjson.Get(out, "stop.reason").String())
	assert.Equal(t, int64(5), gjson.Get(out, "frame.line").Int())

	out, isErr = callTool(t, s, "debug_break", map[string]any{"file": "greet.py", "line": float64(3)})
	require.False(t, isErr, out)
	assert.Equal(t, int64(1), gjson.Get(out, "breakpoint.number").Int())

	out, isErr = callTool(t, s, "debug_resume", map[string]any{})
	require.False(t, isErr, out)
	assert.Equal(t, string(types.StopBreakpoint), gjson.Get(out, "stop.reason").String())

	out, isErr = callTool(t, s, "debug_eval", map[string]any{"expression": "message", "depth": float64(0)})
	require.False(t, isErr, out)
	assert.Contains(t, gjson.Get(out, "result.value").String(), "hello ada")

	out, isErr = callTool(t, s, "debug_frame", map[string]any{"direction": "up"})
	require.False(t, isErr, out)
	assert.Equal(t, int64(1), gjson.Get(out, "frame.index").Int())

	out, isErr = callTool(t, s, "debug_sessions", nil)
	require.False(t, isErr)
	assert.Equal(t, int64(1), gjson.Get(out, "sessions.#").Int())

	out, isErr = callTool(t, s, "debug_quit", map[string]any{"target": program})
	require.False(t, isErr, out)
	assert.Equal(t, "terminated", gjson.Get(out, "status").String())
}

func TestServer_ParameterErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)
	tests := []struct {
		tool string
		args map[string]any
	}{
		{"debug_start", map[string]any{}},
		{"debug_eval", map[string]any{}},
		{"debug_frame", map[string]any{}},
		{"debug_resume", map[string]any{"mode": "sideways"}},
		{"debug_enable", map[string]any{}},
		{"debug_status", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			_, isErr := callTool(t, s, tt.tool, tt.args)
			assert.True(t, isErr)
		})
	}
}

func TestServer_ConditionNeedsEvaluation(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.AllowExecute = false })
	out, isErr := callTool(t, s, "debug_break", map[string]any{"file": "greet.py", "line": float64(2), "condition": "True"})
	assert.True(t, isErr)
	assert.Contains(t, out, "allowExecute")
}
