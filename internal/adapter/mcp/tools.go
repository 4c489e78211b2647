package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Conductor/internal/domain/run"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.submitRunTool(),
		s.getRunTool(),
		s.cancelRunTool(),
		s.listRunEventsTool(),
	)
}

func (s *Server) submitRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("submit_run",
		mcplib.WithDescription("Validate an orchestration package and start a run"),
		mcplib.WithString("package",
			mcplib.Required(),
			mcplib.Description("The orchestration package as a JSON document"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleSubmitRun,
	}
}

func (s *Server) getRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run",
		mcplib.WithDescription("Get the current status of a run by run ID"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to check"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetRun,
	}
}

func (s *Server) cancelRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_run",
		mcplib.WithDescription("Request cancellation of a run by run ID"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to cancel"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleCancelRun,
	}
}

func (s *Server) listRunEventsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_run_events",
		mcplib.WithDescription("List a run's event log, oldest first"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID whose events to list"),
		),
		mcplib.WithNumber("since_event_id",
			mcplib.Description("Only return events with an ID greater than this"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListRunEvents,
	}
}

func (s *Server) handleSubmitRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	args := req.GetArguments()
	raw, ok := args["package"].(string)
	if !ok || raw == "" {
		return mcplib.NewToolResultError("package is required"), nil
	}
	rn, fieldErrs, err := s.deps.Runs.SubmitRun(ctx, []byte(raw))
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to submit run", err), nil
	}
	if len(fieldErrs) > 0 {
		data, merr := json.Marshal(fieldErrs)
		if merr != nil {
			return mcplib.NewToolResultErrorFromErr("failed to marshal validation errors", merr), nil
		}
		return mcplib.NewToolResultError("package validation failed: " + string(data)), nil
	}
	if s.deps.Engine != nil {
		s.deps.Engine.Schedule(rn.ID)
	}
	data, err := json.Marshal(rn)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	args := req.GetArguments()
	runID, ok := args["run_id"].(string)
	if !ok || runID == "" {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	rn, err := s.deps.Runs.Run(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get run %s", runID), err,
		), nil
	}
	data, err := json.Marshal(rn)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleCancelRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	args := req.GetArguments()
	runID, ok := args["run_id"].(string)
	if !ok || runID == "" {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	rn, err := s.deps.Runs.Cancel(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to cancel run %s", runID), err,
		), nil
	}
	if rn.Status == run.StatusRunning && s.deps.Engine != nil {
		s.deps.Engine.Interrupt(runID)
	}
	data, err := json.Marshal(rn)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListRunEvents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run service not configured"), nil
	}
	args := req.GetArguments()
	runID, ok := args["run_id"].(string)
	if !ok || runID == "" {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	var since int64
	if n, ok := args["since_event_id"].(float64); ok {
		since = int64(n)
	}
	events, err := s.deps.Runs.Events(ctx, runID, since)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to list events for run %s", runID), err,
		), nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal events", err), nil
	}
	return toolResultJSON(string(data)), nil
}
