package adapters

import (
	"context"
	"os/exec"

	"github.com/ctagard/stepdbg/internal/config"
	"github.com/ctagard/stepdbg/internal/dap"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/pkg/types"
)

// NativeAdapter debugs compiled executables with lldb-dap (formerly
// lldb-vscode) or, when that is not installed, GDB 14.1+ in DAP mode.
// Both speak DAP over stdio.
type NativeAdapter struct {
	lldbDapPath string
	gdbPath     string
}

// NewNativeAdapter creates a new native adapter
func NewNativeAdapter(cfg config.NativeConfig) *NativeAdapter {
	gdb := cfg.GDBPath
	if gdb == "" {
		gdb = "gdb"
	}
	return &NativeAdapter{lldbDapPath: cfg.LLDBPath, gdbPath: gdb}
}

func (n *NativeAdapter) useLLDB() bool { return n.lldbDapPath != "" }

// Name returns the backend in use.
func (n *NativeAdapter) Name() string {
	if n.useLLDB() {
		return "lldb-dap"
	}
	return "gdb"
}

// Language returns the language this adapter supports
func (n *NativeAdapter) Language() types.Language {
	return types.LanguageNative
}

// EntryFunction is main for lldb-dap. GDB is asked to stop at main through
// its launch arguments instead.
func (n *NativeAdapter) EntryFunction() string {
	if n.useLLDB() {
		return "main"
	}
	return ""
}

// Spawn starts the adapter with DAP on its stdio
func (n *NativeAdapter) Spawn(_ context.Context, target runtime.Target) (*dap.Client, *exec.Cmd, error) {
	var cmd *exec.Cmd
	if n.useLLDB() {
		//nolint:gosec // G204: This is a debug adapter that intentionally spawns subprocesses
		cmd = exec.Command(n.lldbDapPath)
	} else {
		// Quiet mode keeps startup banners off the protocol stream
		//nolint:gosec // G204: This is a debug adapter that intentionally spawns subprocesses
		cmd = exec.Command(n.gdbPath, "--interpreter=dap", "--quiet",
			"--eval-command", "set print pretty on")
	}
	cmd.Env = commandEnv(target)
	cmd.Dir = target.Cwd

	client, cmd, err := spawnStdio(cmd)
	if err != nil {
		return nil, nil, dbgerrors.AdapterFailed(n.Name(), err)
	}
	return client, cmd, nil
}

// LaunchArgs builds the launch arguments for lldb-dap or GDB
func (n *NativeAdapter) LaunchArgs(target runtime.Target) map[string]interface{} {
	args := baseLaunchArgs(target)
	if n.useLLDB() {
		// lldb-dap takes the environment as a list of KEY=VALUE strings
		if len(target.Env) > 0 {
			env := make([]string, 0, len(target.Env))
			for k, v := range target.Env {
				env = append(env, k+"="+v)
			}
			args["env"] = env
		}
		return args
	}
	args["stopAtBeginningOfMainSubprogram"] = true
	return args
}
