package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/notepipe/internal/note"
)

const noteColumns = `id, title, source_audio_path, transcript_path, structured_data_path, markdown_path,
	html_card_path, category, tags, summary_short, status, failure_reason, last_error,
	transcription_model, transcription_seconds, extraction_seconds, created_at, updated_at`

// UpsertNote inserts or replaces the record for r.ID. created_at of an
// existing row is kept so reprocessing does not reorder notes.
func (s *Store) UpsertNote(ctx context.Context, r note.Record) error {
	tags, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.exec(ctx, `
		INSERT INTO notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			source_audio_path = excluded.source_audio_path,
			transcript_path = excluded.transcript_path,
			structured_data_path = excluded.structured_data_path,
			markdown_path = excluded.markdown_path,
			html_card_path = excluded.html_card_path,
			category = excluded.category,
			tags = excluded.tags,
			summary_short = excluded.summary_short,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			last_error = excluded.last_error,
			transcription_model = excluded.transcription_model,
			transcription_seconds = excluded.transcription_seconds,
			extraction_seconds = excluded.extraction_seconds,
			updated_at = excluded.updated_at`,
		r.ID, r.Title, r.SourceAudioPath, r.TranscriptPath, r.StructuredDataPath, r.MarkdownPath,
		nullString(r.HTMLCardPath), r.Category, tags, r.SummaryShort, string(r.Status), r.FailureReason, r.LastError,
		r.TranscriptionModel, r.TranscriptionSeconds, r.ExtractionSeconds,
		created.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting note %s: %w", r.ID, err)
	}
	return nil
}

// UpsertFailure marks r.ID as FAILED with the given reason and error. When a
// row already exists its artifact paths and extracted fields are kept, so an
// earlier successful result stays browsable.
func (s *Store) UpsertFailure(ctx context.Context, id, sourcePath, reason, lastError string, createdAt time.Time) error {
	return s.upsertFailure(ctx, id, sourcePath, reason, lastError, createdAt, "")
}

// UpsertInterrupted records work on id that stopped before finishing. It
// behaves like UpsertFailure except that a PERSISTED row is left as is.
func (s *Store) UpsertInterrupted(ctx context.Context, id, sourcePath, reason, lastError string, createdAt time.Time) error {
	return s.upsertFailure(ctx, id, sourcePath, reason, lastError, createdAt,
		` WHERE notes.status <> '`+string(note.StatusPersisted)+`'`)
}

func (s *Store) upsertFailure(ctx context.Context, id, sourcePath, reason, lastError string, createdAt time.Time, guard string) error {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.exec(ctx, `
		INSERT INTO notes (id, source_audio_path, status, failure_reason, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`+guard,
		id, sourcePath, string(note.StatusFailed), reason, lastError,
		createdAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", id, err)
	}
	return nil
}

// GetNote returns the record for id or ErrNotFound.
func (s *Store) GetNote(ctx context.Context, id string) (note.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	r, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return note.Record{}, ErrNotFound
	}
	return r, err
}

// ListNotes returns records matching f, newest first.
func (s *Store) ListNotes(ctx context.Context, f Filter) ([]note.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ? COLLATE NOCASE")
		args = append(args, f.Category)
	}
	if f.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(notes.tags) WHERE json_each.value = ?)")
		args = append(args, strings.ToLower(strings.TrimSpace(f.Tag)))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}

	query := `SELECT ` + noteColumns + ` FROM notes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	defer rows.Close()

	var results []note.Record
	for rows.Next() {
		r, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Categories returns persisted note counts per category, largest first.
func (s *Store) Categories(ctx context.Context) ([]CategoryCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM notes
		WHERE status = ?
		GROUP BY category
		ORDER BY COUNT(*) DESC, category ASC`, string(note.StatusPersisted))
	if err != nil {
		return nil, fmt.Errorf("counting categories: %w", err)
	}
	defer rows.Close()

	var results []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(sc scanner) (note.Record, error) {
	var (
		r                  note.Record
		card               sql.NullString
		tags, status       string
		createdAt, updated string
	)
	err := sc.Scan(&r.ID, &r.Title, &r.SourceAudioPath, &r.TranscriptPath, &r.StructuredDataPath, &r.MarkdownPath,
		&card, &r.Category, &tags, &r.SummaryShort, &status, &r.FailureReason, &r.LastError,
		&r.TranscriptionModel, &r.TranscriptionSeconds, &r.ExtractionSeconds, &createdAt, &updated)
	if err != nil {
		return note.Record{}, err
	}
	r.HTMLCardPath = card.String
	r.Status = note.Status(status)
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return note.Record{}, fmt.Errorf("decoding tags for %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return note.Record{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return note.Record{}, fmt.Errorf("parsing updated_at for %s: %w", r.ID, err)
	}
	return r, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
