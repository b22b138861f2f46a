package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("STEPDBG_HOME", "/tmp/stepdbg-home")
	cfg := DefaultConfig()

	assert.Equal(t, "/tmp/stepdbg-home", cfg.SessionDir)
	assert.Equal(t, StoreFile, cfg.Store)
	assert.Equal(t, ModeFull, cfg.Mode)
	assert.True(t, cfg.CanEvaluate())
	assert.True(t, cfg.CanUseControlTools())

	assert.Equal(t, 5*time.Second, cfg.Limits.EvalTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Limits.RequestTimeout.Std())
	assert.Zero(t, cfg.Limits.ResumeTimeout)
	assert.Equal(t, 1000, cfg.Limits.MaxValueLength)
	assert.Equal(t, 50, cfg.Limits.MaxChildren)
	assert.Equal(t, 50, cfg.Limits.MaxStackDepth)
	assert.Equal(t, Depths{Locals: 2, Globals: 2, Eval: 3, Inspect: 4, Status: 1}, cfg.Limits.Depths)

	assert.Equal(t, "dlv", cfg.Adapters.Go.Path)
	assert.Equal(t, "python3", cfg.Adapters.Python.PythonPath)
	assert.Equal(t, "gdb", cfg.Adapters.Native.GDBPath)
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("STEPDBG_HOME", t.TempDir())
	t.Setenv("STEPDBG_CONFIG", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Limits, cfg.Limits)
}

func TestLoadConfig_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "json",
			file: "config.json",
			content: `{
				"store": "sqlite",
				"mode": "readonly",
				"limits": {"evalTimeout": "250ms", "maxChildren": 10},
				"adapters": {"python": {"pythonPath": "/venv/bin/python"}}
			}`,
		},
		{
			name: "toml",
			file: "config.toml",
			content: `
store = "sqlite"
mode = "readonly"

[limits]
evalTimeout = "250ms"
maxChildren = 10

[adapters.python]
pythonPath = "/venv/bin/python"
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
store: sqlite
mode: readonly
limits:
  evalTimeout: 250ms
  maxChildren: 10
adapters:
  python:
    pythonPath: /venv/bin/python
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.file)
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))

			cfg, err := LoadConfig(path)
			require.NoError(t, err)

			assert.Equal(t, StoreSQLite, cfg.Store)
			assert.Equal(t, ModeReadOnly, cfg.Mode)
			assert.False(t, cfg.CanUseControlTools())
			assert.Equal(t, 250*time.Millisecond, cfg.Limits.EvalTimeout.Std())
			assert.Equal(t, 10, cfg.Limits.MaxChildren)
			assert.Equal(t, "/venv/bin/python", cfg.Adapters.Python.PythonPath)

			// untouched fields keep their defaults
			assert.Equal(t, 1000, cfg.Limits.MaxValueLength)
			assert.Equal(t, 30*time.Second, cfg.Limits.RequestTimeout.Std())
			assert.Equal(t, "dlv", cfg.Adapters.Go.Path)
		})
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("limits = ["), 0o644))
	_, err = LoadConfig(bad)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, bad, perr.Path)

	dur := filepath.Join(dir, "dur.json")
	require.NoError(t, os.WriteFile(dur, []byte(`{"limits": {"evalTimeout": "soon"}}`), 0o644))
	_, err = LoadConfig(dur)
	assert.ErrorAs(t, err, &perr)

	ini := filepath.Join(dir, "config.ini")
	require.NoError(t, os.WriteFile(ini, []byte("x=1"), 0o644))
	_, err = LoadConfig(ini)
	assert.ErrorContains(t, err, "unsupported config format")
}
