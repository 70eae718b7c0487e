// Package artifact materialises a note's files and its database row.
//
// Each note owns one directory under the output root:
//
//	<root>/<noteId>/transcript.json
//	<root>/<noteId>/structured_data.json
//	<root>/<noteId>/note.md
//	<root>/<noteId>/card.html   (absent when the card failed to render)
//
// Files are written to <root>/.staging first and swapped into place whole,
// and the row is written only after the swap. Work on one note is
// serialised by a lock file in <root>/.locks, so several processes may share
// an output root.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/notepipe/internal/note"
)

const (
	TranscriptFile = "transcript.json"
	StructuredFile = "structured_data.json"
	MarkdownFile   = "note.md"
	CardFile       = "card.html"

	stagingDir = ".staging"
	trashDir   = ".trash"
	lockDir    = ".locks"
)

// ErrInvalidID is returned for note IDs that are not a single path element.
var ErrInvalidID = errors.New("invalid note id")

// RecordStore is the database side of the store.
type RecordStore interface {
	UpsertNote(ctx context.Context, r note.Record) error
	UpsertFailure(ctx context.Context, id, sourcePath, reason, lastError string, createdAt time.Time) error
	UpsertInterrupted(ctx context.Context, id, sourcePath, reason, lastError string, createdAt time.Time) error
}

// Bundle is everything produced for one note.
type Bundle struct {
	Item       note.WorkItem
	Transcript note.RawTranscript
	Note       note.StructuredNote
	Markdown   []byte
	HTMLCard   []byte // nil when rendering failed

	TranscriptionSeconds float64
	ExtractionSeconds    float64
}

// Store writes note artifacts under a root directory.
type Store struct {
	root   string
	db     RecordStore
	locks  *keyedMutex
	files  *fileLocks
	logger *slog.Logger
}

// New creates the output root if needed and removes leftovers of
// interrupted commits.
func New(root string, db RecordStore, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving output dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	s := &Store{root: abs, db: db, locks: newKeyedMutex(), files: newFileLocks(filepath.Join(abs, lockDir)), logger: logger}
	if err := s.Sweep(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the absolute output directory.
func (s *Store) Root() string { return s.root }

// Dir returns the final directory for noteID.
func (s *Store) Dir(noteID string) string {
	return filepath.Join(s.root, noteID)
}

// Commit writes all files for the bundle, swaps them into the note's
// directory, then upserts the PERSISTED row. A context that is already done,
// or ends while the note is locked elsewhere, commits nothing; once the lock
// is held, a commit runs to completion.
func (s *Store) Commit(ctx context.Context, b Bundle) (note.Record, error) {
	id := b.Item.NoteID
	if err := validateID(id); err != nil {
		return note.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return note.Record{}, err
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return note.Record{}, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	staging := filepath.Join(s.root, stagingDir, id+"-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return note.Record{}, fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := writeJSON(filepath.Join(staging, TranscriptFile), b.Transcript); err != nil {
		return note.Record{}, err
	}
	if err := writeJSON(filepath.Join(staging, StructuredFile), b.Note); err != nil {
		return note.Record{}, err
	}
	if err := writeFile(filepath.Join(staging, MarkdownFile), b.Markdown); err != nil {
		return note.Record{}, err
	}
	if b.HTMLCard != nil {
		if err := writeFile(filepath.Join(staging, CardFile), b.HTMLCard); err != nil {
			return note.Record{}, err
		}
	}

	final := s.Dir(id)
	if err := s.swap(staging, final, id); err != nil {
		return note.Record{}, err
	}

	rec := note.Record{
		ID:                   id,
		Title:                b.Note.Title,
		SourceAudioPath:      b.Item.SourcePath,
		TranscriptPath:       filepath.Join(final, TranscriptFile),
		StructuredDataPath:   filepath.Join(final, StructuredFile),
		MarkdownPath:         filepath.Join(final, MarkdownFile),
		Category:             b.Note.Category,
		Tags:                 b.Note.Tags,
		SummaryShort:         b.Note.SummaryShort,
		Status:               note.StatusPersisted,
		TranscriptionModel:   b.Transcript.ModelUsed,
		TranscriptionSeconds: b.TranscriptionSeconds,
		ExtractionSeconds:    b.ExtractionSeconds,
		CreatedAt:            b.Item.DetectedAt,
	}
	if b.HTMLCard != nil {
		rec.HTMLCardPath = filepath.Join(final, CardFile)
	}
	if err := s.db.UpsertNote(ctx, rec); err != nil {
		return note.Record{}, err
	}

	s.logger.Debug("note committed", "note_id", id, "dir", final)
	return rec, nil
}

// swap moves staging to final. An existing final directory is moved aside
// first and restored if the move fails.
func (s *Store) swap(staging, final, id string) error {
	trash := ""
	if _, err := os.Stat(final); err == nil {
		trash = filepath.Join(s.root, trashDir, id+"-"+uuid.NewString())
		if err := os.MkdirAll(filepath.Dir(trash), 0o755); err != nil {
			return fmt.Errorf("creating trash dir: %w", err)
		}
		if err := os.Rename(final, trash); err != nil {
			return fmt.Errorf("moving previous artifacts aside: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking note dir: %w", err)
	}

	if err := os.Rename(staging, final); err != nil {
		if trash != "" {
			if rerr := os.Rename(trash, final); rerr != nil {
				s.logger.Error("restoring previous artifacts failed", "note_id", id, "error", rerr)
			}
		}
		return fmt.Errorf("moving artifacts into place: %w", err)
	}

	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			s.logger.Warn("removing previous artifacts failed", "note_id", id, "error", err)
		}
	}
	return nil
}

// RecordFailure upserts a FAILED row for item. Artifacts of an earlier
// successful run are left untouched.
func (s *Store) RecordFailure(ctx context.Context, item note.WorkItem, reason, lastError string) error {
	if err := validateID(item.NoteID); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	unlock, err := s.lock(ctx, item.NoteID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.db.UpsertFailure(ctx, item.NoteID, item.SourcePath, reason, lastError, item.DetectedAt)
}

// RecordInterrupted records that work on item stopped before it finished,
// so it can be found and resumed later. A PERSISTED row is left as is.
func (s *Store) RecordInterrupted(ctx context.Context, item note.WorkItem, reason, lastError string) error {
	if err := validateID(item.NoteID); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	unlock, err := s.lock(ctx, item.NoteID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.db.UpsertInterrupted(ctx, item.NoteID, item.SourcePath, reason, lastError, item.DetectedAt)
}

// lock takes the in-process lock for id, then the lock file.
func (s *Store) lock(ctx context.Context, id string) (func(), error) {
	unlock := s.locks.Lock(id)
	release, err := s.files.Lock(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

// LoadTranscript reads the persisted transcript of noteID.
func (s *Store) LoadTranscript(noteID string) (note.RawTranscript, error) {
	if err := validateID(noteID); err != nil {
		return note.RawTranscript{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(noteID), TranscriptFile))
	if err != nil {
		return note.RawTranscript{}, fmt.Errorf("reading transcript: %w", err)
	}
	var tr note.RawTranscript
	if err := json.Unmarshal(data, &tr); err != nil {
		return note.RawTranscript{}, fmt.Errorf("decoding transcript: %w", err)
	}
	return tr, nil
}

// Sweep removes staging and trash directories left by interrupted commits.
// Directories of a note whose lock is held elsewhere are kept.
func (s *Store) Sweep() error {
	for _, name := range []string{stagingDir, trashDir} {
		dir := filepath.Join(s.root, name)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		for _, e := range entries {
			if s.files.Held(leftoverID(e.Name())) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("removing stale %s/%s: %w", name, e.Name(), err)
			}
			s.logger.Info("removed stale artifact dir", "dir", filepath.Join(name, e.Name()))
		}
	}
	return nil
}

// leftoverID strips the "-<uuid>" suffix of a staging or trash entry.
func leftoverID(name string) string {
	if n := len(name) - len("-") - 36; n > 0 {
		return name[:n]
	}
	return name
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
