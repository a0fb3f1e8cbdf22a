package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/mark3labs/mcp-go/mcp"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	env := setupTestServer(t)
	if s := NewMCPServer(env.deps); s == nil {
		t.Fatal("expected server")
	}
}

func TestMCPTool_RunCommand(t *testing.T) {
	env := setupTestServer(t)
	handler := mcpRunCommand(env.deps)

	result, err := handler(context.Background(), makeCallToolRequest("run_command", map[string]interface{}{
		"command": `/click#c1{"selector":"#login"}`,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out["clicked"] != true {
		t.Errorf("expected clicked=true, got %v", out)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("run_command", map[string]interface{}{
		"command": `/screenshot#s1{}`,
	}))
	if result.IsError || !strings.HasPrefix(toolText(t, result), "data:image/png;base64,") {
		t.Errorf("expected data url, got %q", toolText(t, result))
	}
}

func TestMCPTool_RunCommand_Errors(t *testing.T) {
	env := setupTestServer(t)
	handler := mcpRunCommand(env.deps)

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing argument", map[string]interface{}{}, "command is required"},
		{"invalid text", map[string]interface{}{"command": "/click#c1{oops"}, "invalid command"},
		{"handler failure", map[string]interface{}{"command": `/click#c1{"selector":"#nope"}`}, "command failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("run_command", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected tool error")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("expected %q in %q", tt.want, text)
			}
		})
	}
}

func TestMCPTool_QueueCommand(t *testing.T) {
	env := setupTestServer(t)
	handler := mcpQueueCommand(env.deps)

	result, err := handler(context.Background(), makeCallToolRequest("queue_command", map[string]interface{}{
		"command": `/navigate#n1{"url":"https://example.com/queued"}`,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "/navigate#n1") {
		t.Errorf("unexpected response %q", toolText(t, result))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.deps.Service.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if got := env.page.URL(); got != "https://example.com/queued" {
		t.Errorf("queued command did not run, page at %q", got)
	}
}

func TestMCPTool_PatternStatsAndMode(t *testing.T) {
	env := setupTestServer(t)
	if _, err := env.deps.Patterns.SavePattern(context.Background(), pattern.PatternInput{Selector: "#login", URL: testURL}); err != nil {
		t.Fatalf("SavePattern: %v", err)
	}

	result, err := mcpPatternStats(env.deps)(context.Background(), makeCallToolRequest("pattern_stats", nil))
	if err != nil || result.IsError {
		t.Fatalf("pattern_stats failed: %v", err)
	}
	var out struct {
		Stats        pattern.Stats `json:"stats"`
		LearningMode string        `json:"learningMode"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Stats.Total != 1 || out.LearningMode != string(pattern.ModeActive) {
		t.Errorf("unexpected stats %+v", out)
	}

	setMode := mcpSetLearningMode(env.deps)
	result, _ = setMode(context.Background(), makeCallToolRequest("set_learning_mode", map[string]interface{}{"mode": "autonomous"}))
	if result.IsError || env.deps.Patterns.LearningMode() != pattern.ModeAutonomous {
		t.Errorf("mode not set: %s", toolText(t, result))
	}
	result, _ = setMode(context.Background(), makeCallToolRequest("set_learning_mode", map[string]interface{}{"mode": "loud"}))
	if !result.IsError {
		t.Error("expected error for unknown mode")
	}
}

func TestMCPTool_Journal(t *testing.T) {
	env := setupTestServer(t)
	env.deps.Journal.Clear()
	env.deps.Journal.Info("one", nil)
	env.deps.Journal.Warning("two", nil)
	env.deps.Journal.Info("three", nil)

	handler := mcpJournal(env.deps)

	tests := []struct {
		name string
		args map[string]interface{}
		want []string
	}{
		{"all", nil, []string{"one", "two", "three"}},
		{"limited", map[string]interface{}{"limit": 2}, []string{"two", "three"}},
		{"filtered", map[string]interface{}{"type": "info"}, []string{"one", "three"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("journal", tt.args))
			if err != nil || result.IsError {
				t.Fatalf("journal failed: %v", err)
			}
			var entries []struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal([]byte(toolText(t, result)), &entries); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if len(entries) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d", len(tt.want), len(entries))
			}
			for i, msg := range tt.want {
				if entries[i].Message != msg {
					t.Errorf("entry %d: expected %q, got %q", i, msg, entries[i].Message)
				}
			}
		})
	}
}
