// Package adapters spawns language-specific debug adapters.
//
// This package defines the Adapter interface and provides implementations for:
//   - Go (via Delve, over TCP)
//   - Python (via debugpy, over TCP)
//   - Native executables (via lldb-dap or gdb --interpreter=dap, over stdio)
//
// The Registry picks an adapter for a target program by its extension or
// file mode.
package adapters

import (
	"context"
	"fmt"
	"net"
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

// Adapter defines the interface for language-specific debug adapters
type Adapter interface {
	// Name identifies the adapter in logs and errors
	Name() string

	// Language returns the language this adapter supports
	Language() types.Language

	// Spawn starts the adapter process and returns a client connected to it
	Spawn(ctx context.Context, target runtime.Target) (*dap.Client, *exec.Cmd, error)

	// LaunchArgs builds the launch request arguments for target
	LaunchArgs(target runtime.Target) map[string]interface{}

	// EntryFunction names a function to break on for the initial stop.
	// Empty means the launch arguments already ask for a stop on entry.
	EntryFunction() string
}

// Registry holds all registered adapters
type Registry struct {
	adapters map[types.Language]Adapter
}

// NewRegistry creates a new adapter registry with all supported adapters
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		adapters: make(map[types.Language]Adapter),
	}
	r.adapters[types.LanguageGo] = NewDelveAdapter(cfg.Adapters.Go)
	r.adapters[types.LanguagePython] = NewDebugpyAdapter(cfg.Adapters.Python)
	r.adapters[types.LanguageNative] = NewNativeAdapter(cfg.Adapters.Native)
	return r
}

// Get returns the adapter for a language
func (r *Registry) Get(lang types.Language) (Adapter, error) {
	adapter, ok := r.adapters[lang]
	if !ok {
		return nil, dbgerrors.AdapterNotFound(string(lang))
	}
	return adapter, nil
}

// Register registers an adapter for a language, overriding any existing adapter
func (r *Registry) Register(lang types.Language, adapter Adapter) {
	r.adapters[lang] = adapter
}

// Detect returns the language of program: Python and Go sources by
// extension, a directory as a Go package, any other executable file as native.
func Detect(program string) (types.Language, error) {
	switch strings.ToLower(filepath.Ext(program)) {
	case ".py", ".pyw":
		return types.LanguagePython, nil
	case ".go":
		return types.LanguageGo, nil
	}

	info, err := os.Stat(program)
	if err != nil {
		return "", dbgerrors.LaunchFailed(program, err)
	}
	if info.IsDir() {
		return types.LanguageGo, nil
	}
	if info.Mode()&0o111 != 0 {
		return types.LanguageNative, nil
	}
	return "", dbgerrors.AdapterNotFound(program)
}

// ForTarget returns the adapter that can debug program.
func (r *Registry) ForTarget(program string) (Adapter, error) {
	lang, err := Detect(program)
	if err != nil {
		return nil, err
	}
	return r.Get(lang)
}

// spawnTCP starts an adapter that listens on address and connects to it.
func spawnTCP(ctx context.Context, cmd *exec.Cmd, address string) (*dap.Client, *exec.Cmd, error) {
	// Explicitly disconnect stdin to prevent TTY issues when run as MCP server.
	cmd.Stdin = nil
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	transport, err := dap.DialTCP(ctx, address)
	if err != nil {
		Kill(cmd)
		return nil, nil, err
	}
	return dap.NewClient(transport), cmd, nil
}

// spawnStdio starts an adapter that speaks DAP on its stdin and stdout.
func spawnStdio(cmd *exec.Cmd) (*dap.Client, *exec.Cmd, error) {
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, nil, err
	}
	return dap.NewClient(dap.NewStdioTransport(stdin, stdout)), cmd, nil
}

// commandEnv returns the environment for an adapter process.
func commandEnv(target runtime.Target) []string {
	env := os.Environ()
	for k, v := range target.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

func baseLaunchArgs(target runtime.Target) map[string]interface{} {
	args := map[string]interface{}{
		"program": target.Program,
	}
	if len(target.Args) > 0 {
		args["args"] = target.Args
	}
	if target.Cwd != "" {
		args["cwd"] = target.Cwd
	}
	if len(target.Env) > 0 {
		args["env"] = target.Env
	}
	return args
}
