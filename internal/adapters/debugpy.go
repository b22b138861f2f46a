package adapters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ctagard/stepdbg/internal/config"
	"github.com/ctagard/stepdbg/internal/dap"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/pkg/types"
)

// DebugpyAdapter implements the Adapter interface for Python/debugpy
type DebugpyAdapter struct {
	pythonPath string
	justMyCode bool
}

// NewDebugpyAdapter creates a new debugpy adapter
func NewDebugpyAdapter(cfg config.DebugpyConfig) *DebugpyAdapter {
	pythonPath := cfg.PythonPath
	if pythonPath == "" {
		pythonPath = "python3"
	}

	return &DebugpyAdapter{
		pythonPath: pythonPath,
		justMyCode: cfg.JustMyCode,
	}
}

// Name returns "debugpy".
func (d *DebugpyAdapter) Name() string { return "debugpy" }

// Language returns the language this adapter supports
func (d *DebugpyAdapter) Language() types.Language {
	return types.LanguagePython
}

// EntryFunction is empty: debugpy honours stopOnEntry.
func (d *DebugpyAdapter) EntryFunction() string { return "" }

// detectVenvRoot checks if pythonPath is inside a venv and returns the root directory.
// Returns empty string if not a venv or venv cannot be detected.
func detectVenvRoot(pythonPath string) string {
	// Python path is typically: /path/to/venv/bin/python -> venv root: /path/to/venv
	binDir := filepath.Dir(pythonPath)
	venvRoot := filepath.Dir(binDir)

	if _, err := os.Stat(filepath.Join(venvRoot, "pyvenv.cfg")); err == nil {
		return venvRoot
	}
	return ""
}

// Spawn starts debugpy's adapter on a free port and connects to it
func (d *DebugpyAdapter) Spawn(ctx context.Context, target runtime.Target) (*dap.Client, *exec.Cmd, error) {
	port, err := findAvailablePort()
	if err != nil {
		return nil, nil, dbgerrors.AdapterFailed(d.Name(), fmt.Errorf("failed to find available port: %w", err))
	}
	address := fmt.Sprintf("127.0.0.1:%d", port)

	//nolint:gosec // G204: This is a debug adapter that intentionally spawns subprocesses
	cmd := exec.Command(d.pythonPath,
		"-m", "debugpy.adapter",
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", port),
	)
	cmd.Env = commandEnv(target)
	cmd.Dir = target.Cwd

	// Auto-detect venv and set VIRTUAL_ENV environment variable
	if venvRoot := detectVenvRoot(d.pythonPath); venvRoot != "" {
		cmd.Env = append(cmd.Env, "VIRTUAL_ENV="+venvRoot)
		binDir := filepath.Dir(d.pythonPath)
		for i, env := range cmd.Env {
			if strings.HasPrefix(env, "PATH=") {
				cmd.Env[i] = "PATH=" + binDir + string(os.PathListSeparator) + env[5:]
				break
			}
		}
	}

	client, cmd, err := spawnTCP(ctx, cmd, address)
	if err != nil {
		return nil, nil, dbgerrors.AdapterFailed(d.Name(), err)
	}
	return client, cmd, nil
}

// LaunchArgs builds the launch arguments for debugpy
func (d *DebugpyAdapter) LaunchArgs(target runtime.Target) map[string]interface{} {
	args := baseLaunchArgs(target)
	args["type"] = "python"
	args["request"] = "launch"
	args["console"] = "internalConsole"
	args["stopOnEntry"] = true
	args["justMyCode"] = d.justMyCode
	args["python"] = d.pythonPath
	return args
}
