// Package config provides configuration management for stepdbg.
//
// Configuration controls:
//   - Where session records, sockets, and logs live, and which store backend keeps the records
//   - Response bounds: value length, child counts, stack depth, default inspection depths
//   - Timeouts: expression evaluation, request round trips, session start
//   - Language-specific adapter settings: paths for debugpy, dlv, lldb-dap and gdb
//   - Capability mode for the MCP surface (readonly vs full)
//
// Configuration can be loaded from a JSON, TOML or YAML file or use sensible defaults.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// CapabilityMode defines the level of debugging capabilities exposed over MCP
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // Only inspection tools
	ModeFull     CapabilityMode = "full"     // All tools enabled
)

// StoreBackend selects the Session Store implementation.
type StoreBackend string

const (
	StoreFile   StoreBackend = "file"
	StoreSQLite StoreBackend = "sqlite"
)

// Config holds the stepdbg configuration
type Config struct {
	// SessionDir holds session records, sockets and host logs
	SessionDir string       `json:"sessionDir" toml:"sessionDir" yaml:"sessionDir"`
	Store      StoreBackend `json:"store" toml:"store" yaml:"store"`

	// MCP capability levels
	Mode         CapabilityMode `json:"mode" toml:"mode" yaml:"mode"`
	AllowExecute bool           `json:"allowExecute" toml:"allowExecute" yaml:"allowExecute"`

	Limits   Limits         `json:"limits" toml:"limits" yaml:"limits"`
	Adapters AdapterConfigs `json:"adapters" toml:"adapters" yaml:"adapters"`
}

// Limits bounds response size and blocking time.
type Limits struct {
	EvalTimeout    Duration `json:"evalTimeout" toml:"evalTimeout" yaml:"evalTimeout"`
	RequestTimeout Duration `json:"requestTimeout" toml:"requestTimeout" yaml:"requestTimeout"`
	// ResumeTimeout bounds how long a client waits for a resume; zero waits forever
	ResumeTimeout Duration `json:"resumeTimeout" toml:"resumeTimeout" yaml:"resumeTimeout"`
	StartTimeout  Duration `json:"startTimeout" toml:"startTimeout" yaml:"startTimeout"`

	MaxValueLength int `json:"maxValueLength" toml:"maxValueLength" yaml:"maxValueLength"`
	MaxChildren    int `json:"maxChildren" toml:"maxChildren" yaml:"maxChildren"`
	MaxStackDepth  int `json:"maxStackDepth" toml:"maxStackDepth" yaml:"maxStackDepth"`

	Depths Depths `json:"depths" toml:"depths" yaml:"depths"`
}

// Depths are the default formatting depths per command.
type Depths struct {
	Locals  int `json:"locals" toml:"locals" yaml:"locals"`
	Globals int `json:"globals" toml:"globals" yaml:"globals"`
	Eval    int `json:"eval" toml:"eval" yaml:"eval"`
	Inspect int `json:"inspect" toml:"inspect" yaml:"inspect"`
	Status  int `json:"status" toml:"status" yaml:"status"`
}

// AdapterConfigs holds configuration for each language adapter
type AdapterConfigs struct {
	Go     DelveConfig   `json:"go" toml:"go" yaml:"go"`
	Python DebugpyConfig `json:"python" toml:"python" yaml:"python"`
	Native NativeConfig  `json:"native" toml:"native" yaml:"native"`
}

// DelveConfig holds Delve-specific configuration
type DelveConfig struct {
	Path       string `json:"path" toml:"path" yaml:"path"`
	BuildFlags string `json:"buildFlags" toml:"buildFlags" yaml:"buildFlags"`
}

// DebugpyConfig holds debugpy-specific configuration
type DebugpyConfig struct {
	PythonPath string `json:"pythonPath" toml:"pythonPath" yaml:"pythonPath"`
	// JustMyCode hides library frames from stepping
	JustMyCode bool `json:"justMyCode" toml:"justMyCode" yaml:"justMyCode"`
}

// NativeConfig holds configuration for native targets. LLDBPath wins when both are set.
type NativeConfig struct {
	LLDBPath string `json:"lldbPath" toml:"lldbPath" yaml:"lldbPath"` // lldb-dap (formerly lldb-vscode)
	GDBPath  string `json:"gdbPath" toml:"gdbPath" yaml:"gdbPath"`    // GDB 14.1+ for DAP support
}

// findLLDBDap searches for lldb-dap in common locations across platforms
func findLLDBDap() string {
	if path, err := exec.LookPath("lldb-dap"); err == nil {
		return path
	}

	locations := []string{
		"/Library/Developer/CommandLineTools/usr/bin/lldb-dap",
		"/Applications/Xcode.app/Contents/Developer/usr/bin/lldb-dap",
		"/opt/homebrew/bin/lldb-dap",
		"/usr/local/bin/lldb-dap",
		"/usr/bin/lldb-dap",
		"/usr/lib/llvm-18/bin/lldb-dap",
		"/usr/lib/llvm-17/bin/lldb-dap",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	if path, err := exec.LookPath("lldb-vscode"); err == nil {
		return path
	}
	return ""
}

// DefaultSessionDir returns $STEPDBG_HOME, or ~/.stepdbg.
func DefaultSessionDir() string {
	if dir := os.Getenv("STEPDBG_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "stepdbg")
	}
	return filepath.Join(home, ".stepdbg")
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		SessionDir:   DefaultSessionDir(),
		Store:        StoreFile,
		Mode:         ModeFull,
		AllowExecute: true,
		Limits: Limits{
			EvalTimeout:    Duration(5 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
			StartTimeout:   Duration(30 * time.Second),
			MaxValueLength: 1000,
			MaxChildren:    50,
			MaxStackDepth:  50,
			Depths: Depths{
				Locals:  2,
				Globals: 2,
				Eval:    3,
				Inspect: 4,
				Status:  1,
			},
		},
		Adapters: AdapterConfigs{
			Go: DelveConfig{
				Path: "dlv",
			},
			Python: DebugpyConfig{
				PythonPath: "python3",
				JustMyCode: true,
			},
			Native: NativeConfig{
				LLDBPath: findLLDBDap(),
				GDBPath:  "gdb",
			},
		},
	}
}

// CanUseControlTools returns true if execution control tools are enabled
func (c *Config) CanUseControlTools() bool {
	return c.Mode == ModeFull
}

// CanEvaluate returns true if expression evaluation is allowed
func (c *Config) CanEvaluate() bool {
	return c.AllowExecute
}
