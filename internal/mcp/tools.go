package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the inspection tools, then the control tools when
// the capability mode allows them.
func (s *Server) registerTools() {
	s.registerSessions()
	s.registerStatus()
	s.registerBreakpoints()
	s.registerLocals()
	s.registerGlobals()
	s.registerStack()
	s.registerFrame()
	if s.config.CanEvaluate() {
		s.registerEval()
		s.registerInspect()
	}

	if s.config.CanUseControlTools() {
		s.registerStart()
		s.registerQuit()
		s.registerBreak()
		s.registerDelete()
		s.registerToggle("debug_enable", "Enable a disabled breakpoint by number.")
		s.registerToggle("debug_disable", "Disable a breakpoint by number without deleting it.")
		s.registerResume()
		s.registerPause()
	}
}

// sessionOptions select the session a tool talks to.
func sessionOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("target",
			mcp.Description("Path of the program whose session to use. Optional when exactly one session is live."),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory the session was started from (default: the server's working directory)"),
		),
	}
}

func newTool(name, description string, opts ...mcp.ToolOption) mcp.Tool {
	all := append([]mcp.ToolOption{mcp.WithDescription(description)}, opts...)
	all = append(all, sessionOptions()...)
	return mcp.NewTool(name, all...)
}

func depthOption(def int) mcp.ToolOption {
	return mcp.WithNumber("depth",
		mcp.Description("How many levels of nested values to expand"),
		mcp.DefaultNumber(float64(def)),
	)
}

// Inspection Tools

func (s *Server) registerSessions() {
	tool := mcp.NewTool("debug_sessions",
		mcp.WithDescription("List live debug sessions. Sessions whose host has gone away are purged while listing."),
	)
	s.addTool(tool, s.handleSessions)
}

func (s *Server) registerStatus() {
	tool := newTool("debug_status",
		"Show why the program is paused, the current line with its source, and the locals of the selected frame. Reports the exit code once the program has terminated.",
		depthOption(s.config.Limits.Depths.Status),
	)
	s.addTool(tool, s.handleStatus)
}

func (s *Server) registerBreakpoints() {
	tool := newTool("debug_breakpoints",
		"List breakpoints with their number, location or exception category, condition, enabled flag and hit count.")
	s.addTool(tool, s.handleBreakpoints)
}

func (s *Server) registerLocals() {
	tool := newTool("debug_locals",
		"List the local variables of the selected frame.",
		depthOption(s.config.Limits.Depths.Locals),
	)
	s.addTool(tool, s.handleLocals)
}

func (s *Server) registerGlobals() {
	tool := newTool("debug_globals",
		"List the module-level variables visible from the selected frame.",
		depthOption(s.config.Limits.Depths.Globals),
	)
	s.addTool(tool, s.handleGlobals)
}

func (s *Server) registerStack() {
	tool := newTool("debug_stack",
		"Show the call stack, innermost frame first. The selected frame is marked current.")
	s.addTool(tool, s.handleStack)
}

func (s *Server) registerFrame() {
	tool := newTool("debug_frame",
		"Select the caller (up) or callee (down) of the selected frame. Locals and eval use the selected frame.",
		mcp.WithString("direction",
			mcp.Required(),
			mcp.Description("up or down"),
			mcp.Enum("up", "down"),
		),
	)
	s.addTool(tool, s.handleFrame)
}

func (s *Server) registerEval() {
	tool := newTool("debug_eval",
		"Evaluate an expression in the selected frame and return its formatted value.",
		mcp.WithString("expression",
			mcp.Required(),
			mcp.Description("Expression in the target's language, e.g. 'len(items)'"),
		),
		depthOption(s.config.Limits.Depths.Eval),
	)
	s.addTool(tool, s.handleEval)
}

func (s *Server) registerInspect() {
	tool := newTool("debug_inspect",
		"Evaluate an expression and expand it deeply, with type names and lengths for every nested value.",
		mcp.WithString("expression",
			mcp.Required(),
			mcp.Description("Expression to inspect"),
		),
		depthOption(s.config.Limits.Depths.Inspect),
	)
	s.addTool(tool, s.handleInspect)
}

// Control Tools

func (s *Server) registerStart() {
	tool := mcp.NewTool("debug_start",
		mcp.WithDescription("Start a program under the debugger. It pauses at its first statement and stays paused between tool calls. Python (.py), Go (package dir or .go) and native executables are supported."),
		mcp.WithString("program",
			mcp.Required(),
			mcp.Description("Path to the program to debug"),
		),
		mcp.WithArray("args",
			mcp.Description("Command-line arguments for the program"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory for the program"),
		),
	)
	s.addTool(tool, s.handleStart)
}

func (s *Server) registerQuit() {
	tool := newTool("debug_quit", "Terminate the program and end its debug session.")
	s.addTool(tool, s.handleQuit)
}

func (s *Server) registerBreak() {
	tool := newTool("debug_break",
		"Add a breakpoint. Give file and line for a line breakpoint (optionally with a condition), or exception for an exception breakpoint ('*' matches any exception).",
		mcp.WithString("file",
			mcp.Description("Source file, absolute or relative to the session's working directory"),
		),
		mcp.WithNumber("line",
			mcp.Description("1-based line number"),
		),
		mcp.WithString("condition",
			mcp.Description("Only stop when this expression is true in the paused frame"),
		),
		mcp.WithString("exception",
			mcp.Description("Exception category to stop on, e.g. 'ValueError', or '*'"),
		),
	)
	s.addTool(tool, s.handleBreak)
}

func (s *Server) registerDelete() {
	tool := newTool("debug_delete",
		"Delete breakpoints selected by number, by file and line, or by exception category.",
		mcp.WithNumber("number",
			mcp.Description("Breakpoint number"),
		),
		mcp.WithString("file",
			mcp.Description("Source file of the line breakpoint"),
		),
		mcp.WithNumber("line",
			mcp.Description("Line of the line breakpoint"),
		),
		mcp.WithString("exception",
			mcp.Description("Exception category"),
		),
	)
	s.addTool(tool, s.handleDelete)
}

func (s *Server) registerToggle(name, description string) {
	tool := newTool(name, description,
		mcp.WithNumber("number",
			mcp.Required(),
			mcp.Description("Breakpoint number"),
		),
	)
	s.addTool(tool, s.handleToggle)
}

func (s *Server) registerResume() {
	tool := newTool("debug_resume",
		"Resume the program until the next stop: continue (next breakpoint), step-into, step-over, or finish (return from the current function). Blocks until the program pauses again or terminates.",
		mcp.WithString("mode",
			mcp.Description("How far to run (default: continue)"),
			mcp.Enum("continue", "step-into", "step-over", "finish"),
		),
	)
	s.addTool(tool, s.handleResume)
}

func (s *Server) registerPause() {
	tool := newTool("debug_pause",
		"Interrupt a running program. The pending resume reports where it stopped.")
	s.addTool(tool, s.handlePause)
}
