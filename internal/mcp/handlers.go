package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// forward sends req to the session named by the request's target and cwd.
func (s *Server) forward(ctx context.Context, request mcp.CallToolRequest, req types.Request) (*mcp.CallToolResult, error) {
	resp, err := s.client.Do(ctx, request.GetString("target", ""), request.GetString("cwd", ""), req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return responseResult(resp)
}

// responseResult renders a host response; error responses become tool errors.
func responseResult(resp types.Response) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	if resp.Status == types.StatusError {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func depth(request mcp.CallToolRequest) *int {
	d := request.GetInt("depth", -1)
	if d < 0 {
		return nil
	}
	return &d
}

// Inspection Handlers

func (s *Server) handleSessions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.client.Sessions(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return responseResult(resp)
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.forward(ctx, request, types.Request{Command: types.CommandStatus, Depth: depth(request)})
}

func (s *Server) handleBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.forward(ctx, request, types.Request{Command: types.CommandBreakpoints})
}

func (s *Server) handleLocals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.forward(ctx, request, types.Request{Command: types.CommandLocals, Depth: depth(request)})
}

func (s *Server) handleGlobals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.forward(ctx, request, types.Request{Command: types.CommandGlobals, Depth: depth(request)})
}

func (s *Server) handleStack(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.forward(ctx, request, types.Request{Command: types.CommandStack})
}

func (s *Server) handleFrame(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	direction, err := request.RequireString("direction")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("direction", "Use 'up' for the caller or 'down' for the callee.").Error()), nil
	}
	return s.forward(ctx, request, types.Request{Command: types.CommandMove, Direction: direction})
}

func (s *Server) handleEval(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.evaluate(ctx, request, types.CommandEval)
}

func (s *Server) handleInspect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.evaluate(ctx, request, types.CommandInspect)
}

func (s *Server) evaluate(ctx context.Context, request mcp.CallToolRequest, command string) (*mcp.CallToolResult, error) {
	expr, err := request.RequireString("expression")
	if err != nil || expr == "" {
		return mcp.NewToolResultError(errors.MissingParameter("expression", "Give the expression to evaluate.").Error()), nil
	}
	return s.forward(ctx, request, types.Request{Command: command, Expression: expr, Depth: depth(request)})
}

// Control Handlers

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	program, err := request.RequireString("program")
	if err != nil || program == "" {
		return mcp.NewToolResultError(errors.MissingParameter("program",
			"Specify the path to the program to debug: a .py script, a Go package directory, or a native executable.").Error()), nil
	}
	args := request.GetStringSlice("args", nil)
	resp, err := s.client.Start(ctx, program, args, request.GetString("cwd", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return responseResult(resp)
}

func (s *Server) handleQuit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.forward(ctx, request, types.Request{Command: types.CommandQuit})
}

func (s *Server) handleBreak(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := types.Request{
		Command:   types.CommandBreak,
		File:      request.GetString("file", ""),
		Line:      request.GetInt("line", 0),
		Condition: request.GetString("condition", ""),
		Exception: request.GetString("exception", ""),
	}
	if req.Condition != "" && !s.config.CanEvaluate() {
		return mcp.NewToolResultError(errors.InvalidParameter("condition", req.Condition,
			"no condition: expression evaluation is disabled by allowExecute=false").Error()), nil
	}
	return s.forward(ctx, request, req)
}

func (s *Server) handleDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.forward(ctx, request, types.Request{
		Command:   types.CommandDelete,
		Number:    request.GetInt("number", 0),
		File:      request.GetString("file", ""),
		Line:      request.GetInt("line", 0),
		Exception: request.GetString("exception", ""),
	})
}

func (s *Server) handleToggle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command := types.CommandEnable
	if request.Params.Name == "debug_disable" {
		command = types.CommandDisable
	}
	number, err := request.RequireInt("number")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("number", "Give the breakpoint number shown by debug_breakpoints.").Error()), nil
	}
	return s.forward(ctx, request, types.Request{Command: command, Number: number})
}

func (s *Server) handleResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := types.ResumeMode(request.GetString("mode", string(types.ResumeContinue)))
	switch mode {
	case types.ResumeContinue, types.ResumeStepInto, types.ResumeStepOver, types.ResumeFinish:
	default:
		return mcp.NewToolResultError(errors.InvalidParameter("mode", mode, "continue, step-into, step-over or finish").Error()), nil
	}
	return s.forward(ctx, request, types.Request{Command: types.CommandResume, Mode: mode})
}

func (s *Server) handlePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.forward(ctx, request, types.Request{Command: types.CommandPause})
}
