package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/Conductor/internal/port/database"
)

// recentRunsLimit caps the run list resource.
const recentRunsLimit = 50

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"conductor://runs",
			"Recent Runs",
			mcplib.WithResourceDescription("The most recent runs, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsResource,
	)
}

func (s *Server) handleRunsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Runs == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"run service not configured"}`,
			},
		}, nil
	}
	runs, err := s.deps.Runs.ListRuns(ctx, database.RunFilter{Limit: recentRunsLimit})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(runs)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
