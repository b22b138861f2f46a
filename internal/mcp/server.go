// Package mcp exposes stepdbg sessions as Model Context Protocol tools.
//
// Each tool forwards one command to a session host through the client, so
// an MCP conversation drives the same long-lived sessions as the CLI:
//
// Inspection (always available):
//   - debug_sessions, debug_status, debug_breakpoints
//   - debug_locals, debug_globals, debug_stack, debug_frame
//   - debug_eval, debug_inspect (only when evaluation is allowed)
//
// Control (full mode only):
//   - debug_start, debug_quit
//   - debug_break, debug_delete, debug_enable, debug_disable
//   - debug_resume, debug_pause
package mcp

import (
	"context"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ctagard/stepdbg/internal/client"
	"github.com/ctagard/stepdbg/internal/config"
	"github.com/ctagard/stepdbg/internal/version"
)

// Server wraps the MCP server with the stepdbg tools
type Server struct {
	mcpServer *server.MCPServer
	client    *client.Client
	config    *config.Config
	handlers  map[string]server.ToolHandlerFunc
}

// NewServer creates an MCP server that reaches sessions through c.
func NewServer(cfg *config.Config, c *client.Client) *Server {
	mcpServer := server.NewMCPServer(
		"stepdbg",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		client:    c,
		config:    cfg,
		handlers:  make(map[string]server.ToolHandlerFunc),
	}
	s.registerTools()
	return s
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Tools returns the registered tool names in order.
func (s *Server) Tools() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.handlers[tool.Name] = handler
	s.mcpServer.AddTool(tool, handler)
}

// call invokes a registered tool directly.
func (s *Server) call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	handler, ok := s.handlers[name]
	if !ok {
		return mcp.NewToolResultError("unknown tool: " + name), nil
	}
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return handler(ctx, req)
}
