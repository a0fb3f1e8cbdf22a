package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aschepis/backscratcher/pilot/command"
	ctxpkg "github.com/aschepis/backscratcher/pilot/context"
	"github.com/aschepis/backscratcher/pilot/logger"
	"github.com/aschepis/backscratcher/pilot/pattern"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const maxJournalEntries = 200

// NewMCPServer creates an MCP server exposing the command shell as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"pilot",
		Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("pilot: browser command shell. Commands use the form /type#id{json params}, e.g. /click#c1{\"selector\":\"#login\"}."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_command",
			mcp.WithDescription("Parse a command in /type#id{params} form and execute it immediately. Returns the handler result as JSON."),
			mcp.WithString("command", mcp.Description("Command text, e.g. /navigate#n1{\"url\":\"https://example.com\"}"), mcp.Required()),
		),
		mcpRunCommand(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_command",
			mcp.WithDescription("Parse a command and append it to the FIFO queue. Queued commands run in order with a short delay between them."),
			mcp.WithString("command", mcp.Description("Command text in /type#id{params} form"), mcp.Required()),
		),
		mcpQueueCommand(deps),
	)

	s.AddTool(
		mcp.NewTool("pattern_stats",
			mcp.WithDescription("Report learned UI pattern statistics and the current learning mode."),
		),
		mcpPatternStats(deps),
	)

	s.AddTool(
		mcp.NewTool("set_learning_mode",
			mcp.WithDescription("Switch pattern learning between disabled, active and autonomous."),
			mcp.WithString("mode", mcp.Description("disabled, active or autonomous"), mcp.Required()),
		),
		mcpSetLearningMode(deps),
	)

	s.AddTool(
		mcp.NewTool("journal",
			mcp.WithDescription("Return the most recent journal entries, oldest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 50)")),
			mcp.WithString("type", mcp.Description("Only return entries of this type: error, warning, info or success")),
		),
		mcpJournal(deps),
	)

	return s
}

func mcpRunCommand(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("command")
		if err != nil {
			return mcpError("command is required"), nil
		}
		if deps.Service == nil {
			return mcpError("command service not available"), nil
		}

		ctx = ctxpkg.WithOrigin(ctx, ctxpkg.OriginMCP)
		result, err := deps.Service.ExecuteText(ctx, text)
		if err != nil {
			var pe *command.ParseError
			if errors.As(err, &pe) {
				return mcpError(fmt.Sprintf("invalid command: %v", err)), nil
			}
			return mcpError(fmt.Sprintf("command failed: %v", err)), nil
		}

		if s, ok := result.(string); ok {
			return mcpText(s), nil
		}
		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueueCommand(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("command")
		if err != nil {
			return mcpError("command is required"), nil
		}
		if deps.Service == nil {
			return mcpError("command service not available"), nil
		}

		cmd, err := deps.Service.QueueText(text)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue command: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued %s (%d pending)", command.Format(command.Redacted(cmd)), len(deps.Service.Pending()))), nil
	}
}

func mcpPatternStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Patterns == nil {
			return mcpError("pattern engine not available"), nil
		}
		stats, err := deps.Patterns.GetStats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load stats: %v", err)), nil
		}
		b, err := json.Marshal(map[string]any{
			"stats":        stats,
			"learningMode": deps.Patterns.LearningMode(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSetLearningMode(deps Deps) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("mode")
		if err != nil {
			return mcpError("mode is required"), nil
		}
		if deps.Patterns == nil {
			return mcpError("pattern engine not available"), nil
		}
		mode, err := pattern.ParseLearningMode(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Patterns.SetLearningMode(mode); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Learning mode set to %s", mode)), nil
	}
}

func mcpJournal(deps Deps) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Journal == nil {
			return mcpText("[]"), nil
		}
		limit := req.GetInt("limit", 50)
		if limit <= 0 {
			limit = 50
		}
		if limit > maxJournalEntries {
			limit = maxJournalEntries
		}
		typ := req.GetString("type", "")

		entries := deps.Journal.Entries(0)
		if typ != "" {
			filtered := entries[:0:0]
			for _, e := range entries {
				if string(e.Type) == typ {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		if entries == nil {
			entries = []logger.Entry{}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
