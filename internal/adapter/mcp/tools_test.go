package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	mcpadapter "taskherd/internal/adapter/mcp"
	"taskherd/internal/domain"
)

// fakeCore records calls and returns canned answers.
type fakeCore struct {
	spawned    []domain.AgentConfig
	spawnErr   error
	terminated []string
	termErr    error
	snapshot   domain.AgentSnapshot
	statusErr  error
	summary    domain.ListSummary
	result     domain.AgentResult
	resultErr  error
	waited     []time.Duration
	waitErr    error
}

func (f *fakeCore) Spawn(_ context.Context, cfg domain.AgentConfig) (domain.AgentSnapshot, error) {
	f.spawned = append(f.spawned, cfg)
	if f.spawnErr != nil {
		return domain.AgentSnapshot{}, f.spawnErr
	}
	return domain.AgentSnapshot{ID: "agent-1", Status: domain.StatusRunning}, nil
}

func (f *fakeCore) Terminate(_ context.Context, id string) error {
	f.terminated = append(f.terminated, id)
	return f.termErr
}

func (f *fakeCore) Status(string) (domain.AgentSnapshot, error) {
	return f.snapshot, f.statusErr
}

func (f *fakeCore) List() domain.ListSummary { return f.summary }

func (f *fakeCore) Result(string) (domain.AgentResult, error) {
	return f.result, f.resultErr
}

func (f *fakeCore) Wait(_ context.Context, _ string, timeout time.Duration) (domain.AgentResult, error) {
	f.waited = append(f.waited, timeout)
	return f.result, f.waitErr
}

func newTestServer(core *fakeCore) *mcpadapter.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return mcpadapter.NewServer(mcpadapter.ServerConfig{Name: "test", Version: "0.0.1"}, core, logger)
}

func callTool(t *testing.T, s *mcpadapter.Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	var tool *mcpserver.ServerTool
	for i := range s.Tools() {
		if s.Tools()[i].Tool.Name == name {
			tool = &s.Tools()[i]
			break
		}
	}
	if tool == nil {
		t.Fatalf("tool %q not registered", name)
	}
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty result content")
	}
	text, ok := res.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func TestToolRegistration(t *testing.T) {
	s := newTestServer(&fakeCore{})
	if len(s.Tools()) != 2 {
		t.Fatalf("registered %d tools, want 2", len(s.Tools()))
	}
	names := map[string]bool{}
	for _, tool := range s.Tools() {
		names[tool.Tool.Name] = true
	}
	if !names["spawn_agent"] || !names["manage_agent"] {
		t.Fatalf("tools = %v, want spawn_agent and manage_agent", names)
	}
}

func TestSpawnAgent(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(core)

	res := callTool(t, s, "spawn_agent", map[string]any{
		"task":          "summarize the logs",
		"model":         "sonnet",
		"max_turns":     float64(7),
		"allowed_tools": []any{"Read", "Grep"},
		"env":           map[string]any{"FOO": "bar"},
	})
	if res.IsError {
		t.Fatalf("tool returned error: %v", res.Content)
	}

	var out map[string]string
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["agent_id"] != "agent-1" || out["status"] != "spawned" {
		t.Errorf("out = %v, want agent-1 spawned", out)
	}

	if len(core.spawned) != 1 {
		t.Fatalf("spawned %d agents, want 1", len(core.spawned))
	}
	cfg := core.spawned[0]
	if cfg.Task != "summarize the logs" || cfg.Model != "sonnet" || cfg.MaxTurns != 7 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedTools) != 2 || cfg.AllowedTools[0] != "Read" {
		t.Errorf("allowed tools = %v", cfg.AllowedTools)
	}
	if cfg.Env["FOO"] != "bar" {
		t.Errorf("env = %v", cfg.Env)
	}
}

func TestSpawnAgentMissingTask(t *testing.T) {
	s := newTestServer(&fakeCore{})
	res := callTool(t, s, "spawn_agent", map[string]any{})
	if !res.IsError {
		t.Fatal("expected error result for missing task")
	}
}

func TestSpawnAgentCapacityError(t *testing.T) {
	core := &fakeCore{
		spawnErr: domain.NewSubSystemError("agent", "Orchestrator.Spawn",
			domain.ErrLimitReached, "Maximum concurrent agents limit (5) reached"),
	}
	s := newTestServer(core)

	res := callTool(t, s, "spawn_agent", map[string]any{"task": "x"})
	if !res.IsError {
		t.Fatal("expected error result at capacity")
	}
	text := resultText(t, res)
	if !strings.Contains(text, string(domain.CodeAgentLimit)) {
		t.Errorf("error %q missing machine code %s", text, domain.CodeAgentLimit)
	}
	if !strings.Contains(text, "Maximum concurrent agents limit (5) reached") {
		t.Errorf("error %q missing capacity detail", text)
	}
}

func TestSpawnAgentWaitForCompletion(t *testing.T) {
	core := &fakeCore{result: domain.AgentResult{ID: "agent-1", Output: "done"}}
	s := newTestServer(core)

	res := callTool(t, s, "spawn_agent", map[string]any{
		"task":                "x",
		"wait_for_completion": true,
	})
	if res.IsError {
		t.Fatalf("tool returned error: %v", res.Content)
	}
	if len(core.waited) != 1 || core.waited[0] != 0 {
		t.Fatalf("waited = %v, want one unbounded wait", core.waited)
	}

	var out domain.AgentResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Output != "done" {
		t.Errorf("output = %q, want done", out.Output)
	}
}

func TestManageAgentList(t *testing.T) {
	core := &fakeCore{summary: domain.ListSummary{Total: 2, Running: 1, Terminated: 1}}
	s := newTestServer(core)

	res := callTool(t, s, "manage_agent", map[string]any{"action": "list"})
	if res.IsError {
		t.Fatalf("tool returned error: %v", res.Content)
	}
	var out domain.ListSummary
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Total != 2 || out.Running != 1 {
		t.Errorf("summary = %+v", out)
	}
}

func TestManageAgentRequiresID(t *testing.T) {
	s := newTestServer(&fakeCore{})
	for _, action := range []string{"status", "terminate", "result", "wait"} {
		res := callTool(t, s, "manage_agent", map[string]any{"action": action})
		if !res.IsError {
			t.Errorf("action %q without agent_id should fail", action)
		}
		if !strings.Contains(resultText(t, res), "agent_id is required") {
			t.Errorf("action %q error %q missing agent_id detail", action, resultText(t, res))
		}
	}
}

func TestManageAgentTerminate(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(core)

	res := callTool(t, s, "manage_agent", map[string]any{
		"action":   "terminate",
		"agent_id": "agent-7",
	})
	if res.IsError {
		t.Fatalf("tool returned error: %v", res.Content)
	}
	if len(core.terminated) != 1 || core.terminated[0] != "agent-7" {
		t.Errorf("terminated = %v", core.terminated)
	}
}

func TestManageAgentWaitTimeout(t *testing.T) {
	core := &fakeCore{}
	s := newTestServer(core)

	res := callTool(t, s, "manage_agent", map[string]any{
		"action":     "wait",
		"agent_id":   "agent-1",
		"timeout_ms": float64(2500),
	})
	if res.IsError {
		t.Fatalf("tool returned error: %v", res.Content)
	}
	if len(core.waited) != 1 || core.waited[0] != 2500*time.Millisecond {
		t.Errorf("waited = %v, want 2.5s", core.waited)
	}
}

func TestManageAgentUnknownAction(t *testing.T) {
	s := newTestServer(&fakeCore{})
	res := callTool(t, s, "manage_agent", map[string]any{
		"action":   "pause",
		"agent_id": "agent-1",
	})
	if !res.IsError {
		t.Fatal("expected error for unknown action")
	}
}
