// Package mcp exposes the run lifecycle over the Model Context Protocol
// so AI tooling can submit, inspect, and cancel runs.
package mcp

import (
	"context"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Conductor/internal/domain/event"
	"github.com/Strob0t/Conductor/internal/domain/pack"
	"github.com/Strob0t/Conductor/internal/domain/run"
	"github.com/Strob0t/Conductor/internal/port/database"
)

// RunService is the repository surface the MCP tools need.
type RunService interface {
	SubmitRun(ctx context.Context, raw []byte) (*run.Run, []pack.FieldError, error)
	Run(ctx context.Context, runID string) (*run.Run, error)
	ListRuns(ctx context.Context, filter database.RunFilter) ([]run.Run, error)
	Cancel(ctx context.Context, runID string) (*run.Run, error)
	Events(ctx context.Context, runID string, sinceEventID int64) ([]event.Event, error)
}

// Scheduler hands accepted runs to the engine.
type Scheduler interface {
	Schedule(runID string)
	Interrupt(runID string)
}

// ServerConfig identifies the MCP server to clients.
type ServerConfig struct {
	Name    string
	Version string
}

// ServerDeps are the collaborators behind the tools. Nil deps degrade to
// per-tool error results rather than panics.
type ServerDeps struct {
	Runs   RunService
	Engine Scheduler
}

// Server wraps an mcp-go server with the run tools registered.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
}

// NewServer creates the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer exposes the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

// HTTPHandler returns the streamable HTTP transport for mounting on the
// main server mux.
func (s *Server) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
