// Package mcp exposes the orchestration core as a Model Context Protocol
// stdio server with two tools: spawn_agent and manage_agent.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"taskherd/internal/domain"
)

// Core is the orchestration surface the tools dispatch onto.
type Core interface {
	Spawn(ctx context.Context, cfg domain.AgentConfig) (domain.AgentSnapshot, error)
	Terminate(ctx context.Context, id string) error
	Status(id string) (domain.AgentSnapshot, error)
	List() domain.ListSummary
	Result(id string) (domain.AgentResult, error)
	Wait(ctx context.Context, id string, timeout time.Duration) (domain.AgentResult, error)
}

// ServerConfig identifies the server to MCP clients.
type ServerConfig struct {
	Name    string
	Version string
}

// Server wraps an mcp-go server around the Core.
type Server struct {
	core      Core
	logger    *slog.Logger
	mcpServer *mcpserver.MCPServer
	tools     []mcpserver.ServerTool
}

// NewServer builds the server and registers its tools.
func NewServer(cfg ServerConfig, core Core, logger *slog.Logger) *Server {
	s := &Server{core: core, logger: logger}
	s.mcpServer = mcpserver.NewMCPServer(cfg.Name, cfg.Version,
		mcpserver.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// MCPServer exposes the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Tools returns the registered tool set, in registration order.
func (s *Server) Tools() []mcpserver.ServerTool { return s.tools }

// ServeStdio serves MCP over stdin/stdout until ctx is cancelled or stdin
// closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
