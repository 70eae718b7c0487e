package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/notepipe/internal/note"
)

// --- helpers ---

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

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_ListNotes(t *testing.T) {
	deps := MCPDeps{Store: seedStore(t)}
	handler := mcpListNotes(deps)

	tests := []struct {
		name string
		args map[string]interface{}
		want int
	}{
		{"default persisted only", map[string]interface{}{}, 3},
		{"by tag", map[string]interface{}{"tag": "beta"}, 2},
		{"by category", map[string]interface{}{"category": "PERSONAL"}, 1},
		{"failed", map[string]interface{}{"status": "FAILED"}, 1},
		{"since", map[string]interface{}{"since": "2025-07-12T00:00:00Z"}, 1},
		{"limit", map[string]interface{}{"limit": 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("list_notes", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsError {
				t.Fatalf("unexpected error: %s", toolText(t, result))
			}
			var notes []noteSummary
			if err := json.Unmarshal([]byte(toolText(t, result)), &notes); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if len(notes) != tt.want {
				t.Errorf("got %d notes, want %d", len(notes), tt.want)
			}
		})
	}
}

func TestMCPTool_ListNotes_InvalidArgs(t *testing.T) {
	handler := mcpListNotes(MCPDeps{Store: seedStore(t)})
	for _, args := range []map[string]interface{}{
		{"status": "DONE"},
		{"since": "last week"},
	} {
		result, err := handler(context.Background(), makeCallToolRequest("list_notes", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
}

func TestMCPTool_GetNote(t *testing.T) {
	deps := MCPDeps{Store: seedStore(t)}
	handler := mcpGetNote(deps)
	base := time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)
	id := note.DeriveID("/in/standup.m4a", base)

	result, err := handler(context.Background(), makeCallToolRequest("get_note", map[string]interface{}{"id": id}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var v NoteView
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if v.Note == nil || v.Note.Title != "Standup" || v.Note.SummaryShort != "About Standup" {
		t.Errorf("note = %+v", v.Note)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("get_note", map[string]interface{}{"id": id, "markdown": true}))
	if result.IsError || toolText(t, result) != "# Standup\n" {
		t.Errorf("markdown = %q", toolText(t, result))
	}
}

func TestMCPTool_GetNote_Errors(t *testing.T) {
	handler := mcpGetNote(MCPDeps{Store: seedStore(t)})
	failedID := note.DeriveID("/in/broken.m4a", time.Date(2025, 7, 13, 9, 0, 0, 0, time.UTC))

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing id", map[string]interface{}{}, "id is required"},
		{"unknown", map[string]interface{}{"id": "nope"}, "not found"},
		{"failed note", map[string]interface{}{"id": failedID}, "NO_JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("get_note", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError || !strings.Contains(toolText(t, result), tt.want) {
				t.Errorf("result = %q (error %v), want error containing %q", toolText(t, result), result.IsError, tt.want)
			}
		})
	}
}

func TestMCPTool_ListCategories(t *testing.T) {
	handler := mcpListCategories(MCPDeps{Store: seedStore(t)})
	result, err := handler(context.Background(), makeCallToolRequest("list_categories", nil))
	if err != nil || result.IsError {
		t.Fatalf("list_categories: %v %v", err, result)
	}
	if text := toolText(t, result); !strings.Contains(text, `"category":"Meeting"`) {
		t.Errorf("categories = %s", text)
	}
}

func TestMCPResource_Recent(t *testing.T) {
	handler := mcpResourceRecent(MCPDeps{Store: seedStore(t)})
	contents, err := handler(context.Background(), makeReadResourceRequest("notes://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var notes []noteSummary
	if err := json.Unmarshal([]byte(tc.Text), &notes); err != nil {
		t.Fatal(err)
	}
	if len(notes) != 3 || notes[0].Title != "App idea" {
		t.Errorf("recent = %+v", notes)
	}
}

func TestSummarize_TruncatesLongSummary(t *testing.T) {
	s := summarize(note.Record{ID: "x", SummaryShort: strings.Repeat("é", 250)})
	if got := len([]rune(s.Summary)); got != 203 {
		t.Errorf("summary runes = %d, want 200 plus ellipsis", got)
	}
	if s.Tags == nil {
		t.Error("tags must encode as []")
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	s := NewMCPServer(MCPDeps{Store: seedStore(t), Version: "test"})
	if s == nil {
		t.Fatal("nil server")
	}
}
