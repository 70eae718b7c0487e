// Package api exposes the note index read-only over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/storage"
)

// NoteStore is the read side of the notes table.
type NoteStore interface {
	GetNote(ctx context.Context, id string) (note.Record, error)
	ListNotes(ctx context.Context, f storage.Filter) ([]note.Record, error)
	Categories(ctx context.Context) ([]storage.CategoryCount, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type AppDeps struct {
	Store NoteStore
	// Token enables bearer authentication when non-empty.
	Token  string
	Logger *slog.Logger
}

// NoteView is the JSON shape of a note record.
type NoteView struct {
	ID                   string               `json:"id"`
	Title                string               `json:"title"`
	Category             string               `json:"category"`
	Tags                 []string             `json:"tags"`
	SummaryShort         string               `json:"summary_short"`
	Status               note.Status          `json:"status"`
	FailureReason        string               `json:"failure_reason,omitempty"`
	LastError            string               `json:"last_error,omitempty"`
	SourceAudioPath      string               `json:"source_audio_path"`
	TranscriptPath       string               `json:"transcript_path,omitempty"`
	StructuredDataPath   string               `json:"structured_data_path,omitempty"`
	MarkdownPath         string               `json:"markdown_path,omitempty"`
	HTMLCardPath         string               `json:"html_card_path,omitempty"`
	TranscriptionModel   string               `json:"transcription_model,omitempty"`
	TranscriptionSeconds float64              `json:"transcription_seconds"`
	ExtractionSeconds    float64              `json:"extraction_seconds"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
	Note                 *note.StructuredNote `json:"note,omitempty"`
}

func viewOf(r note.Record) NoteView {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return NoteView{
		ID:                   r.ID,
		Title:                r.Title,
		Category:             r.Category,
		Tags:                 tags,
		SummaryShort:         r.SummaryShort,
		Status:               r.Status,
		FailureReason:        r.FailureReason,
		LastError:            r.LastError,
		SourceAudioPath:      r.SourceAudioPath,
		TranscriptPath:       r.TranscriptPath,
		StructuredDataPath:   r.StructuredDataPath,
		MarkdownPath:         r.MarkdownPath,
		HTMLCardPath:         r.HTMLCardPath,
		TranscriptionModel:   r.TranscriptionModel,
		TranscriptionSeconds: r.TranscriptionSeconds,
		ExtractionSeconds:    r.ExtractionSeconds,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

// loadStructured reads the structured_data.json of a persisted note.
func loadStructured(r note.Record) (*note.StructuredNote, error) {
	if r.StructuredDataPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.StructuredDataPath)
	if err != nil {
		return nil, err
	}
	var n note.StructuredNote
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", r.StructuredDataPath, err)
	}
	return &n, nil
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/notes", handleListNotes(deps))
		r.Get("/notes/{id}", handleGetNote(deps))
		r.Get("/notes/{id}/card", handleNoteFile(deps, "text/html; charset=utf-8", func(r note.Record) string { return r.HTMLCardPath }))
		r.Get("/notes/{id}/markdown", handleNoteFile(deps, "text/markdown; charset=utf-8", func(r note.Record) string { return r.MarkdownPath }))
		r.Get("/categories", handleCategories(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleListNotes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		records, err := deps.Store.ListNotes(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notes: %v", err)
			return
		}

		views := make([]NoteView, 0, len(records))
		for _, rec := range records {
			views = append(views, viewOf(rec))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetNote(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get note: %v", err)
			return
		}

		view := viewOf(rec)
		if n, err := loadStructured(rec); err != nil {
			deps.Logger.Warn("reading structured data", "note_id", id, "error", err)
		} else {
			view.Note = n
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view)
	}
}

func handleNoteFile(deps AppDeps, contentType string, pathOf func(note.Record) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetNote(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get note: %v", err)
			return
		}

		path := pathOf(rec)
		if path == "" {
			httpError(w, http.StatusNotFound, "not_found", "note %s has no such artifact", id)
			return
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			httpError(w, http.StatusNotFound, "not_found", "artifact missing on disk")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read artifact: %v", err)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

func handleCategories(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.Categories(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list categories: %v", err)
			return
		}
		if counts == nil {
			counts = []storage.CategoryCount{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counts)
	}
}

// filterFromQuery reads category, tag, status, since, until and limit.
// Dates accept RFC 3339 or YYYY-MM-DD.
func filterFromQuery(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	f := storage.Filter{
		Category: q.Get("category"),
		Tag:      q.Get("tag"),
		Limit:    parseIntParam(r, "limit", defaultListLimit, maxListLimit),
	}
	if s := q.Get("status"); s != "" {
		f.Status = note.Status(s)
		if !f.Status.Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
	}
	var err error
	if f.Since, err = ParseTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = ParseTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("until: %w", err)
	}
	return f, nil
}

// ParseTime accepts RFC 3339 or a bare local date. Empty input is the zero
// time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
