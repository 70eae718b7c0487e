package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   NoteStore
	Version string
	Logger  *slog.Logger
}

// NewMCPServer creates an MCP server with the note tools and resources
// registered. All of them are read-only.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := server.NewMCPServer(
		"notepipe",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("notepipe: structured notes extracted from voice memos. Search by category, tag or date and read a note's summary, action items and transcript."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_notes",
			mcp.WithDescription("List voice notes, newest first, optionally filtered by category, tag, status or creation date."),
			mcp.WithString("category", mcp.Description("Category name, case-insensitive")),
			mcp.WithString("tag", mcp.Description("Tag, lower-case")),
			mcp.WithString("status", mcp.Description("PERSISTED or FAILED (default PERSISTED)")),
			mcp.WithString("since", mcp.Description("Only notes created at or after this time (RFC 3339 or YYYY-MM-DD)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("get_note",
			mcp.WithDescription("Return one note's structured data: title, summary, key points, action items, decisions, entities and the cleaned transcript."),
			mcp.WithString("id", mcp.Description("Note ID as returned by list_notes"), mcp.Required()),
			mcp.WithBoolean("markdown", mcp.Description("Return the rendered Markdown instead of JSON")),
		),
		mcpGetNote(deps),
	)

	s.AddTool(
		mcp.NewTool("list_categories",
			mcp.WithDescription("List note categories with the number of notes in each."),
		),
		mcpListCategories(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"notes://recent",
			"Recent Notes",
			mcp.WithResourceDescription("Last 10 persisted notes (title, category, summary)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

type noteSummary struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	Summary   string   `json:"summary,omitempty"`
	Status    string   `json:"status"`
	Reason    string   `json:"failure_reason,omitempty"`
	CreatedAt string   `json:"created_at"`
}

func summarize(r note.Record) noteSummary {
	summary := r.SummaryShort
	if utf8.RuneCountInString(summary) > 200 {
		runes := []rune(summary)
		summary = string(runes[:200]) + "..."
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return noteSummary{
		ID:        r.ID,
		Title:     r.Title,
		Category:  r.Category,
		Tags:      tags,
		Summary:   summary,
		Status:    string(r.Status),
		Reason:    r.FailureReason,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

func mcpListNotes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		f := storage.Filter{
			Category: req.GetString("category", ""),
			Tag:      req.GetString("tag", ""),
			Status:   note.Status(req.GetString("status", string(note.StatusPersisted))),
			Limit:    limit,
		}
		if !f.Status.Valid() {
			return mcpError(fmt.Sprintf("unknown status %q", f.Status)), nil
		}
		since, err := ParseTime(req.GetString("since", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		f.Since = since

		records, err := deps.Store.ListNotes(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("listing notes failed: %v", err)), nil
		}

		results := make([]noteSummary, len(records))
		for i, r := range records {
			results[i] = summarize(r)
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.GetNote(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("note %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get note: %v", err)), nil
		}
		if rec.Status != note.StatusPersisted {
			return mcpError(fmt.Sprintf("note %s is %s (%s): %s", id, rec.Status, rec.FailureReason, rec.LastError)), nil
		}

		if req.GetBool("markdown", false) {
			md, err := os.ReadFile(rec.MarkdownPath)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to read markdown: %v", err)), nil
			}
			return mcpText(string(md)), nil
		}

		view := viewOf(rec)
		n, err := loadStructured(rec)
		if err != nil {
			deps.Logger.Warn("reading structured data", "note_id", id, "error", err)
		}
		view.Note = n

		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal note: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListCategories(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.Store.Categories(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing categories failed: %v", err)), nil
		}
		if counts == nil {
			counts = []storage.CategoryCount{}
		}
		b, err := json.Marshal(counts)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal categories: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Store.ListNotes(ctx, storage.Filter{Status: note.StatusPersisted, Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("failed to get recent notes: %w", err)
		}

		summaries := make([]noteSummary, len(records))
		for i, r := range records {
			summaries[i] = summarize(r)
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notes: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
