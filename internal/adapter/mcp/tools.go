package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"taskherd/internal/domain"
	"taskherd/internal/infra/tracer"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.tools = []mcpserver.ServerTool{
		s.spawnAgentTool(),
		s.manageAgentTool(),
	}
	s.mcpServer.AddTools(s.tools...)
}

func (s *Server) spawnAgentTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("spawn_agent",
		mcplib.WithDescription("Spawn a worker agent to perform a task in the background. "+
			"Returns the agent id immediately unless wait_for_completion is set."),
		mcplib.WithString("task",
			mcplib.Required(),
			mcplib.Description("The task for the agent to perform"),
		),
		mcplib.WithString("model",
			mcplib.Description("Model override for this agent"),
		),
		mcplib.WithString("system_prompt",
			mcplib.Description("Replace the agent's system prompt"),
		),
		mcplib.WithString("append_system_prompt",
			mcplib.Description("Append to the agent's system prompt"),
		),
		mcplib.WithArray("allowed_tools",
			mcplib.Description("Tool names the agent may use"),
		),
		mcplib.WithArray("disallowed_tools",
			mcplib.Description("Tool names the agent may not use"),
		),
		mcplib.WithNumber("max_turns",
			mcplib.Description("Maximum conversation turns (0 = unbounded)"),
		),
		mcplib.WithString("output_format",
			mcplib.Description("Agent output format: text, json, or stream-json (default)"),
		),
		mcplib.WithString("work_dir",
			mcplib.Description("Working directory for the agent process"),
		),
		mcplib.WithObject("env",
			mcplib.Description("Extra environment variables for the agent process"),
		),
		mcplib.WithObject("mcp_config",
			mcplib.Description("MCP server configuration passed through to the agent"),
		),
		mcplib.WithBoolean("wait_for_completion",
			mcplib.Description("Block until the agent finishes and return its full result"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSpawnAgent}
}

func (s *Server) manageAgentTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("manage_agent",
		mcplib.WithDescription("Manage a spawned agent: status, terminate, list, result, or wait"),
		mcplib.WithString("action",
			mcplib.Required(),
			mcplib.Description("One of: status, terminate, list, result, wait"),
		),
		mcplib.WithString("agent_id",
			mcplib.Description("Agent identifier (required for every action except list)"),
		),
		mcplib.WithNumber("timeout_ms",
			mcplib.Description("For wait: give up after this many milliseconds (0 = wait forever)"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleManageAgent}
}

func (s *Server) handleSpawnAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	ctx, span := tracer.StartSpan(ctx, "mcp.spawn_agent")
	defer span.End()

	args := req.GetArguments()
	task, _ := args["task"].(string)
	if task == "" {
		return mcplib.NewToolResultError("task is required"), nil
	}

	cfg := domain.AgentConfig{
		Task:               task,
		Model:              stringArg(args, "model"),
		SystemPrompt:       stringArg(args, "system_prompt"),
		AppendSystemPrompt: stringArg(args, "append_system_prompt"),
		AllowedTools:       stringSliceArg(args, "allowed_tools"),
		DisallowedTools:    stringSliceArg(args, "disallowed_tools"),
		MaxTurns:           intArg(args, "max_turns"),
		OutputFormat:       domain.OutputFormat(stringArg(args, "output_format")),
		WorkDir:            stringArg(args, "work_dir"),
		Env:                stringMapArg(args, "env"),
	}
	if m, ok := args["mcp_config"].(map[string]any); ok {
		cfg.MCPConfig = m
	}

	snap, err := s.core.Spawn(ctx, cfg)
	if err != nil {
		return toolError("failed to spawn agent", err), nil
	}
	s.logger.Info("tool spawn_agent", "agent_id", snap.ID)

	if wait, _ := args["wait_for_completion"].(bool); wait {
		res, err := s.core.Wait(ctx, snap.ID, 0)
		if err != nil {
			return toolError(fmt.Sprintf("agent %s failed", snap.ID), err), nil
		}
		return marshalResult(res)
	}

	return marshalResult(map[string]string{
		"agent_id": snap.ID,
		"status":   "spawned",
	})
}

func (s *Server) handleManageAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	ctx, span := tracer.StartSpan(ctx, "mcp.manage_agent")
	defer span.End()

	args := req.GetArguments()
	action, _ := args["action"].(string)
	if action == "" {
		return mcplib.NewToolResultError("action is required"), nil
	}

	if action == "list" {
		return marshalResult(s.core.List())
	}

	id, _ := args["agent_id"].(string)
	if id == "" {
		return mcplib.NewToolResultError(fmt.Sprintf("agent_id is required for action %q", action)), nil
	}

	switch action {
	case "status":
		snap, err := s.core.Status(id)
		if err != nil {
			return toolError("failed to get status", err), nil
		}
		return marshalResult(snap)
	case "terminate":
		if err := s.core.Terminate(ctx, id); err != nil {
			return toolError("failed to terminate agent", err), nil
		}
		return marshalResult(map[string]string{
			"agent_id": id,
			"status":   "terminated",
		})
	case "result":
		res, err := s.core.Result(id)
		if err != nil {
			return toolError("failed to get result", err), nil
		}
		return marshalResult(res)
	case "wait":
		timeout := time.Duration(intArg(args, "timeout_ms")) * time.Millisecond
		res, err := s.core.Wait(ctx, id, timeout)
		if err != nil {
			return toolError("wait failed", err), nil
		}
		return marshalResult(res)
	default:
		return mcplib.NewToolResultError(fmt.Sprintf("unknown action %q (want status, terminate, list, result, or wait)", action)), nil
	}
}

// --- helpers ---

// toolError shapes a core error into a tool error result carrying the
// machine-parseable code so clients can branch on failure kinds.
func toolError(msg string, err error) *mcplib.CallToolResult {
	return mcplib.NewToolResultError(fmt.Sprintf("%s [%s]: %v", msg, domain.ErrorCodeOf(err), err))
}

func marshalResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal response", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	// JSON numbers arrive as float64.
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapArg(args map[string]any, key string) map[string]string {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
