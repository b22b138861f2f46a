package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ctagard/stepdbg/internal/adapters"
	"github.com/ctagard/stepdbg/internal/channel"
	"github.com/ctagard/stepdbg/internal/config"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/host"
	"github.com/ctagard/stepdbg/internal/mcp"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/internal/session"
	"github.com/ctagard/stepdbg/internal/version"
	"github.com/ctagard/stepdbg/pkg/types"
)

type command struct {
	name    string
	usage   string
	summary string
	order   int
	hidden  bool
	// keepLog leaves log output on without -verbose
	keepLog bool
	// program commands stop parsing flags at the first argument
	program bool
	// flags registers command-specific flags
	flags func(fs *flag.FlagSet)
	// run sends one request through the client
	run func(e *env) (types.Response, error)
	// raw commands manage their own output and exit code
	raw func(e *env) int
}

// Command-specific flag values, set while parsing.
var (
	flagDepth     int
	flagCondition string
	flagException string
	flagMode      string
	flagCheck     bool
	flagInstance  string
)

func depthFlag(fs *flag.FlagSet) {
	fs.IntVar(&flagDepth, "depth", -1, "Levels of nested values to expand (default: per-command setting)")
}

func (e *env) depth() *int {
	if flagDepth < 0 {
		return nil
	}
	d := flagDepth
	return &d
}

func (e *env) ctx() context.Context {
	return context.Background()
}

func (e *env) send(req types.Request) (types.Response, error) {
	return e.client.Do(e.ctx(), e.opts.target, e.opts.cwd, req)
}

// simple builds a command that sends a fixed request.
func simple(name, summary string, order int, req types.Request) *command {
	return &command{
		name:    name,
		summary: summary,
		order:   order,
		run: func(e *env) (types.Response, error) {
			if len(e.args) > 0 {
				return types.Response{}, dbgerrors.InvalidParameter("arguments", strings.Join(e.args, " "), "no arguments")
			}
			return e.send(req)
		},
	}
}

func resume(name, summary string, order int, mode types.ResumeMode) *command {
	return simple(name, summary, order, types.Request{Command: types.CommandResume, Mode: mode})
}

var commands = map[string]*command{}

func init() {
	for _, c := range []*command{
		{
			name:    "start",
			usage:   "[-cwd DIR] PROGRAM [ARGS...]",
			summary: "Start PROGRAM under the debugger, paused at its first statement",
			order:   1,
			program: true,
			run:     runStart,
		},
		{
			name:    "status",
			usage:   "[-depth N]",
			summary: "Show where the program is paused, with the source line and locals",
			order:   2,
			flags:   depthFlag,
			run: func(e *env) (types.Response, error) {
				return e.send(types.Request{Command: types.CommandStatus, Depth: e.depth()})
			},
		},
		{
			name:    "break",
			usage:   "FILE:LINE [-if CONDITION] | -e CATEGORY",
			summary: "Add a line breakpoint, optionally conditional, or an exception breakpoint ('*' for any)",
			order:   3,
			flags: func(fs *flag.FlagSet) {
				fs.StringVar(&flagCondition, "if", "", "Only stop when CONDITION is true")
				fs.StringVar(&flagException, "e", "", "Stop when an exception of CATEGORY is raised")
			},
			run: runBreak,
		},
		{
			name:    "delete",
			usage:   "NUMBER | FILE:LINE | CATEGORY",
			summary: "Delete breakpoints by number, location or exception category",
			order:   4,
			run:     runDelete,
		},
		simple("breakpoints", "List breakpoints with conditions and hit counts", 5,
			types.Request{Command: types.CommandBreakpoints}),
		{
			name:    "enable",
			usage:   "NUMBER",
			summary: "Enable a breakpoint",
			order:   6,
			run:     func(e *env) (types.Response, error) { return runToggle(e, types.CommandEnable) },
		},
		{
			name:    "disable",
			usage:   "NUMBER",
			summary: "Disable a breakpoint without deleting it",
			order:   7,
			run:     func(e *env) (types.Response, error) { return runToggle(e, types.CommandDisable) },
		},
		resume("continue", "Run until a breakpoint, an exception breakpoint or the end", 8, types.ResumeContinue),
		resume("step", "Run to the next line, entering calls", 9, types.ResumeStepInto),
		resume("next", "Run to the next line in this function, stepping over calls", 10, types.ResumeStepOver),
		resume("finish", "Run until the current function returns", 11, types.ResumeFinish),
		{
			name:    "locals",
			usage:   "[-depth N]",
			summary: "List local variables of the selected frame",
			order:   12,
			flags:   depthFlag,
			run: func(e *env) (types.Response, error) {
				return e.send(types.Request{Command: types.CommandLocals, Depth: e.depth()})
			},
		},
		{
			name:    "globals",
			usage:   "[-depth N]",
			summary: "List module-level variables of the selected frame",
			order:   13,
			flags:   depthFlag,
			run: func(e *env) (types.Response, error) {
				return e.send(types.Request{Command: types.CommandGlobals, Depth: e.depth()})
			},
		},
		{
			name:    "eval",
			usage:   "[-depth N] EXPRESSION",
			summary: "Evaluate an expression in the selected frame",
			order:   14,
			flags:   depthFlag,
			run:     func(e *env) (types.Response, error) { return runEval(e, types.CommandEval) },
		},
		{
			name:    "inspect",
			usage:   "[-depth N] EXPRESSION",
			summary: "Evaluate an expression and expand it with type information",
			order:   15,
			flags:   depthFlag,
			run:     func(e *env) (types.Response, error) { return runEval(e, types.CommandInspect) },
		},
		simple("stack", "Show the call stack, innermost frame first", 16, types.Request{Command: types.CommandStack}),
		simple("up", "Select the caller of the selected frame", 17, types.Request{Command: types.CommandMove, Direction: "up"}),
		simple("down", "Select the callee of the selected frame", 18, types.Request{Command: types.CommandMove, Direction: "down"}),
		simple("pause", "Interrupt a running program", 19, types.Request{Command: types.CommandPause}),
		simple("quit", "Terminate the program and end the session", 20, types.Request{Command: types.CommandQuit}),
		{
			name:    "sessions",
			summary: "List live sessions",
			order:   21,
			run:     func(e *env) (types.Response, error) { return e.client.Sessions(e.ctx()) },
		},
		{
			name:    "mcp",
			usage:   "[-mode readonly|full]",
			summary: "Serve the debugger as MCP tools over stdio",
			order:   22,
			keepLog: true,
			flags: func(fs *flag.FlagSet) {
				fs.StringVar(&flagMode, "mode", "", "Capability mode: 'readonly' or 'full' (default: from config)")
			},
			raw: runMCP,
		},
		{
			name:    "version",
			usage:   "[-check]",
			summary: "Print the version, optionally checking for a newer release",
			order:   23,
			flags: func(fs *flag.FlagSet) {
				fs.BoolVar(&flagCheck, "check", false, "Check GitHub for a newer release")
			},
			raw: runVersion,
		},
		{
			name:    "host",
			usage:   "-instance ID [-cwd DIR] -- PROGRAM [ARGS...]",
			summary: "Run a session host (started by 'stepdbg start')",
			hidden:  true,
			keepLog: true,
			program: true,
			flags: func(fs *flag.FlagSet) {
				fs.StringVar(&flagInstance, "instance", "", "Session instance token")
			},
			raw: runHost,
		},
	} {
		commands[c.name] = c
	}
}

func runStart(e *env) (types.Response, error) {
	if len(e.args) == 0 {
		return types.Response{}, dbgerrors.MissingParameter("program",
			"Use 'stepdbg start PROGRAM [ARGS...]' with a .py script, a Go package directory, or a native executable.")
	}
	args := e.args
	return e.client.Start(e.ctx(), args[0], args[1:], e.opts.cwd)
}

// parseLocation splits FILE:LINE.
func parseLocation(s string) (string, int, bool) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, false
	}
	line, err := strconv.Atoi(s[i+1:])
	if err != nil || line <= 0 {
		return "", 0, false
	}
	return s[:i], line, true
}

func runBreak(e *env) (types.Response, error) {
	if flagException != "" {
		return e.send(types.Request{Command: types.CommandBreak, Exception: flagException})
	}
	if len(e.args) != 1 {
		return types.Response{}, dbgerrors.MissingParameter("location",
			"Use 'stepdbg break FILE:LINE [-if CONDITION]' or 'stepdbg break -e CATEGORY'.")
	}
	file, line, ok := parseLocation(e.args[0])
	if !ok {
		return types.Response{}, dbgerrors.InvalidParameter("location", e.args[0], "FILE:LINE with a positive line number")
	}
	return e.send(types.Request{Command: types.CommandBreak, File: file, Line: line, Condition: flagCondition})
}

func runDelete(e *env) (types.Response, error) {
	if len(e.args) != 1 {
		return types.Response{}, dbgerrors.MissingParameter("selector",
			"Give a breakpoint number, FILE:LINE, or an exception category.")
	}
	arg := e.args[0]
	req := types.Request{Command: types.CommandDelete}
	if n, err := strconv.Atoi(arg); err == nil {
		req.Number = n
	} else if file, line, ok := parseLocation(arg); ok {
		req.File, req.Line = file, line
	} else {
		req.Exception = arg
	}
	return e.send(req)
}

func runToggle(e *env, command string) (types.Response, error) {
	if len(e.args) != 1 {
		return types.Response{}, dbgerrors.MissingParameter("number", "Give the breakpoint number shown by 'stepdbg breakpoints'.")
	}
	n, err := strconv.Atoi(e.args[0])
	if err != nil || n <= 0 {
		return types.Response{}, dbgerrors.InvalidParameter("number", e.args[0], "a breakpoint number")
	}
	return e.send(types.Request{Command: command, Number: n})
}

func runEval(e *env, command string) (types.Response, error) {
	expr := strings.TrimSpace(strings.Join(e.args, " "))
	if expr == "" {
		return types.Response{}, dbgerrors.MissingParameter("expression", "Give the expression to evaluate.")
	}
	return e.send(types.Request{Command: command, Expression: expr, Depth: e.depth()})
}

func runMCP(e *env) int {
	// stdout carries the protocol
	log.SetOutput(e.stderr)
	switch config.CapabilityMode(flagMode) {
	case config.ModeReadOnly, config.ModeFull:
		e.cfg.Mode = config.CapabilityMode(flagMode)
	case "":
	default:
		fmt.Fprintf(e.stderr, "stepdbg mcp: unknown mode %q\n", flagMode)
		return 2
	}

	store, err := session.Open(e.cfg)
	if err != nil {
		log.Printf("Opening session store: %v", err)
		return 1
	}
	defer store.Close()
	c := newClient(e, store)

	log.Printf("stepdbg %s MCP server starting (mode %s)", version.Version, e.cfg.Mode)
	if err := mcp.NewServer(e.cfg, c).ServeStdio(); err != nil {
		log.Printf("Server error: %v", err)
		return 1
	}
	return 0
}

func runVersion(e *env) int {
	if !flagCheck {
		fmt.Fprintf(e.stdout, "stepdbg version %s\n", version.Version)
		return 0
	}
	ctx, cancel := context.WithTimeout(e.ctx(), 10*time.Second)
	defer cancel()
	info, err := version.Check(ctx, version.ReleaseURL)
	if err != nil {
		fmt.Fprintf(e.stdout, "stepdbg version %s (update check failed: %v)\n", version.Version, err)
		return 1
	}
	if info.UpdateAvailable {
		fmt.Fprintf(e.stdout, "stepdbg version %s; %s is available at %s\n", info.CurrentVersion, info.LatestVersion, info.ReleaseURL)
		return 0
	}
	fmt.Fprintf(e.stdout, "stepdbg version %s is the latest release\n", info.CurrentVersion)
	return 0
}

// runHost is the detached process behind a session. Its stdout and stderr
// are the session log.
func runHost(e *env) int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if len(e.args) == 0 || flagInstance == "" {
		log.Printf("host: -instance and a program are required")
		return 2
	}
	program := e.args[0]
	args := e.args[1:]
	cwd := e.opts.cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	id, err := session.Identity(program, cwd)
	if err != nil {
		log.Printf("host: %v", err)
		return 1
	}
	lang, err := adapters.Detect(program)
	if err != nil {
		log.Printf("host: %v", err)
		return 1
	}

	store, err := session.Open(e.cfg)
	if err != nil {
		log.Printf("host: opening session store: %v", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	err = host.Run(ctx, host.Options{
		Config: e.cfg,
		Store:  store,
		Record: types.SessionRecord{
			Identity: id,
			Instance: flagInstance,
			Target:   program,
			Args:     args,
			Cwd:      cwd,
			Language: lang,
		},
		Target: runtime.Target{Program: program, Args: args, Cwd: cwd},
	})
	if err != nil {
		log.Printf("host: %s", channel.ErrorResponse("", err).Error.Message)
		return 1
	}
	log.Printf("host: exiting")
	return 0
}
