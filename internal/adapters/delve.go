package adapters

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/ctagard/stepdbg/internal/config"
	"github.com/ctagard/stepdbg/internal/dap"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/pkg/types"
)

// DelveAdapter implements the Adapter interface for Go/Delve
type DelveAdapter struct {
	dlvPath    string
	buildFlags string
}

// NewDelveAdapter creates a new Delve adapter
func NewDelveAdapter(cfg config.DelveConfig) *DelveAdapter {
	dlvPath := cfg.Path
	if dlvPath == "" {
		dlvPath = "dlv"
	}

	return &DelveAdapter{
		dlvPath:    dlvPath,
		buildFlags: cfg.BuildFlags,
	}
}

// Name returns "dlv".
func (d *DelveAdapter) Name() string { return "dlv" }

// Language returns the language this adapter supports
func (d *DelveAdapter) Language() types.Language {
	return types.LanguageGo
}

// EntryFunction is main.main; Delve's stopOnEntry halts inside the runtime.
func (d *DelveAdapter) EntryFunction() string { return "main.main" }

// Spawn starts a Delve DAP server on a free port and connects to it
func (d *DelveAdapter) Spawn(ctx context.Context, target runtime.Target) (*dap.Client, *exec.Cmd, error) {
	port, err := findAvailablePort()
	if err != nil {
		return nil, nil, dbgerrors.AdapterFailed(d.Name(), fmt.Errorf("failed to find available port: %w", err))
	}
	address := fmt.Sprintf("127.0.0.1:%d", port)

	dlvArgs := []string{
		"dap",
		"--listen", address,
	}
	if d.buildFlags != "" {
		dlvArgs = append(dlvArgs, "--build-flags", d.buildFlags)
	}

	//nolint:gosec // G204: This is a debug adapter that intentionally spawns subprocesses
	cmd := exec.Command(d.dlvPath, dlvArgs...)
	cmd.Env = commandEnv(target)
	cmd.Dir = target.Cwd

	client, cmd, err := spawnTCP(ctx, cmd, address)
	if err != nil {
		return nil, nil, dbgerrors.AdapterFailed(d.Name(), err)
	}
	return client, cmd, nil
}

// LaunchArgs builds the launch arguments for Delve
func (d *DelveAdapter) LaunchArgs(target runtime.Target) map[string]interface{} {
	args := baseLaunchArgs(target)
	args["mode"] = "debug"
	if d.buildFlags != "" {
		args["buildFlags"] = d.buildFlags
	}
	return args
}
