// Package pipeline drives each detected audio file through transcription,
// extraction, validation, rendering and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/notepipe/internal/artifact"
	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/render"
	"github.com/kalambet/notepipe/internal/schema"
)

// Transcriber converts an audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (note.RawTranscript, error)
	Name() string
}

// Extractor asks the language model for a structured note.
type Extractor interface {
	Extract(ctx context.Context, rawText string) (string, error)
	Correct(ctx context.Context, rawText, previous, correction string) (string, error)
}

// Validator turns model output into a StructuredNote, with one repair.
type Validator interface {
	ValidateWithRepair(ctx context.Context, raw string, rerun schema.RerunFunc) (note.StructuredNote, error)
}

// Committer persists finished notes and failures.
type Committer interface {
	Commit(ctx context.Context, b artifact.Bundle) (note.Record, error)
	RecordFailure(ctx context.Context, item note.WorkItem, reason, lastError string) error
	RecordInterrupted(ctx context.Context, item note.WorkItem, reason, lastError string) error
}

// Config holds retry policy. Per-call deadlines belong to the transcriber
// and extractor, which start them only once a backend slot is held.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the policy used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Backoff returns the wait before retry number attempt (1-based):
// InitialBackoff doubled per attempt, capped at MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return min(d, c.MaxBackoff)
}

// Item is the in-flight state of one work item. It is owned by a single
// goroutine.
type Item struct {
	note.WorkItem

	// Status is the stage the item is in. It only moves forward.
	Status note.Status
	// Attempts counts runs of the current stage.
	Attempts int
	// LastFailure is the most recent stage failure, if any.
	LastFailure *Failure

	Transcript  *note.RawTranscript
	RawResponse string
	Note        note.StructuredNote
	Markdown    []byte
	HTMLCard    []byte
	Record      note.Record

	stageDone            bool
	attemptStage         note.Status
	transcriptionSeconds float64
	extractionSeconds    float64
}

// NewItem returns a PENDING item.
func NewItem(w note.WorkItem) *Item {
	return &Item{WorkItem: w, Status: note.StatusPending}
}

// NewReprocessItem returns an item whose transcription is already done, so
// processing resumes at extraction.
func NewReprocessItem(w note.WorkItem, tr note.RawTranscript) *Item {
	return &Item{
		WorkItem:   w,
		Status:     note.StatusTranscribing,
		Transcript: &tr,
		stageDone:  true,
	}
}

// Machine runs items through the stages.
type Machine struct {
	transcriber Transcriber
	extractor   Extractor
	validator   Validator
	renderer    render.Renderer
	store       Committer
	cfg         Config
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewMachine wires the stage collaborators.
func NewMachine(t Transcriber, e Extractor, v Validator, r render.Renderer, s Committer, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		transcriber: t,
		extractor:   e,
		validator:   v,
		renderer:    r,
		store:       s,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Advance runs one stage. When the current stage has completed it enters
// the next one; otherwise it re-runs the current stage. On a non-retryable
// failure, or when the stage has used all its attempts, the item moves to
// FAILED. Cancellation leaves the item where it is.
func (m *Machine) Advance(ctx context.Context, it *Item) error {
	if it.Status.Terminal() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return newFailure(it.Status, ReasonCancelled, false, err)
	}

	target := it.Status
	if it.stageDone || it.Status == note.StatusPending {
		target = it.Status.Next()
	}
	if target != it.attemptStage {
		it.attemptStage = target
		it.Attempts = 0
	}
	it.Attempts++
	// PERSISTED is reached only by a successful commit; until then the item
	// stays in RENDERING with that stage complete.
	if target != note.StatusPersisted {
		it.Status = target
		it.stageDone = false
	}

	log := m.logger.With("note_id", it.NoteID, "stage", string(target), "attempt", it.Attempts)
	log.Debug("stage started")

	f := m.runStage(ctx, it, target)
	if f == nil {
		it.stageDone = true
		if target == note.StatusPersisted {
			it.Status = note.StatusPersisted
		}
		log.Debug("stage completed")
		return nil
	}

	it.LastFailure = f
	if f.Reason == ReasonCancelled {
		return f
	}
	if !f.Retryable || it.Attempts >= m.cfg.MaxAttempts {
		it.Status = note.StatusFailed
		log.Warn("stage failed permanently", "reason", string(f.Reason), "error", f.Err)
	} else {
		log.Info("stage failed, will retry", "reason", string(f.Reason), "error", f.Err)
	}
	return f
}

func (m *Machine) runStage(ctx context.Context, it *Item, stage note.Status) *Failure {
	switch stage {
	case note.StatusTranscribing:
		return m.transcribe(ctx, it)
	case note.StatusExtracting:
		return m.extract(ctx, it)
	case note.StatusValidating:
		return m.validate(ctx, it)
	case note.StatusRendering:
		m.render(it)
		return nil
	case note.StatusPersisted:
		return m.commit(ctx, it)
	default:
		return newFailure(stage, ReasonInternal, false, fmt.Errorf("no work defined for stage %s", stage))
	}
}

func (m *Machine) transcribe(ctx context.Context, it *Item) *Failure {
	path, err := filepath.Abs(it.SourcePath)
	if err != nil {
		return newFailure(note.StatusTranscribing, ReasonTranscriptionError, false, err)
	}

	start := time.Now()
	tr, err := m.transcriber.Transcribe(ctx, path)
	it.transcriptionSeconds = time.Since(start).Seconds()
	if err != nil {
		return classifyTranscription(ctx, err)
	}
	if tr.ModelUsed == "" {
		tr.ModelUsed = m.transcriber.Name()
	}
	it.Transcript = &tr
	return nil
}

func (m *Machine) extract(ctx context.Context, it *Item) *Failure {
	start := time.Now()
	raw, err := m.extractor.Extract(ctx, it.Transcript.Text)
	it.extractionSeconds += time.Since(start).Seconds()
	if err != nil {
		return classifyExtraction(ctx, note.StatusExtracting, err)
	}
	it.RawResponse = raw
	return nil
}

func (m *Machine) validate(ctx context.Context, it *Item) *Failure {
	rerun := func(ctx context.Context, correction string) (string, error) {
		m.logger.Info("requesting corrected extraction", "note_id", it.NoteID)
		start := time.Now()
		raw, err := m.extractor.Correct(ctx, it.Transcript.Text, it.RawResponse, correction)
		it.extractionSeconds += time.Since(start).Seconds()
		return raw, err
	}

	n, err := m.validator.ValidateWithRepair(ctx, it.RawResponse, rerun)
	if err != nil {
		return classifyValidation(ctx, err)
	}
	it.Note = n
	return nil
}

// render never fails the note: a broken card is dropped and a broken
// Markdown rendering is replaced by a minimal header.
func (m *Machine) render(it *Item) {
	meta := render.Meta{
		NoteID:             it.NoteID,
		SourcePath:         it.SourcePath,
		CreatedAt:          it.DetectedAt,
		TranscriptionModel: it.Transcript.ModelUsed,
		DurationSeconds:    it.Transcript.DurationSeconds,
		RawTranscript:      it.Transcript.Text,
	}

	md, err := safeRender(func() ([]byte, error) { return m.renderer.Markdown(it.Note, meta) })
	if err != nil {
		m.logger.Warn("markdown rendering failed, writing minimal note", "note_id", it.NoteID, "error", err)
		md = render.MinimalMarkdown(it.Note)
	}
	it.Markdown = md

	card, err := safeRender(func() ([]byte, error) { return m.renderer.HTMLCard(it.Note, meta) })
	if err != nil {
		m.logger.Warn("html card rendering failed, persisting without card", "note_id", it.NoteID, "error", err)
		card = nil
	}
	it.HTMLCard = card
}

func safeRender(fn func() ([]byte, error)) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("renderer panic: %v", r)
		}
	}()
	return fn()
}

func (m *Machine) commit(ctx context.Context, it *Item) *Failure {
	rec, err := m.store.Commit(ctx, artifact.Bundle{
		Item:                 it.WorkItem,
		Transcript:           *it.Transcript,
		Note:                 it.Note,
		Markdown:             it.Markdown,
		HTMLCard:             it.HTMLCard,
		TranscriptionSeconds: it.transcriptionSeconds,
		ExtractionSeconds:    it.extractionSeconds,
	})
	if err != nil {
		return classifyStore(ctx, err)
	}
	it.Record = rec
	return nil
}

// Process advances it until it is PERSISTED or FAILED, waiting between
// retries. A FAILED item is recorded with its reason and last error. On
// cancellation no artifacts are written; the item is recorded as FAILED
// with reason CANCELLED and the context error is returned.
func (m *Machine) Process(ctx context.Context, it *Item) (note.Record, error) {
	for !it.Status.Terminal() {
		err := m.Advance(ctx, it)
		if err == nil {
			continue
		}
		var f *Failure
		if !errors.As(err, &f) {
			return note.Record{}, err
		}
		if f.Reason == ReasonCancelled {
			return m.recordInterrupted(ctx, it, f.Err)
		}
		if it.Status.Terminal() {
			break
		}
		if err := m.sleep(ctx, m.cfg.Backoff(it.Attempts)); err != nil {
			return m.recordInterrupted(ctx, it, err)
		}
	}

	if it.Status == note.StatusPersisted {
		m.logger.Info("note persisted",
			"note_id", it.NoteID,
			"title", it.Note.Title,
			"category", it.Note.Category,
			"transcription_s", round2(it.transcriptionSeconds),
			"extraction_s", round2(it.extractionSeconds),
		)
		return it.Record, nil
	}
	return m.recordFailure(ctx, it)
}

func (m *Machine) recordFailure(ctx context.Context, it *Item) (note.Record, error) {
	reason, lastErr := ReasonInternal, "unknown failure"
	if f := it.LastFailure; f != nil {
		reason, lastErr = f.Reason, f.Err.Error()
	}
	rec := note.Record{
		ID:              it.NoteID,
		SourceAudioPath: it.SourcePath,
		Status:          note.StatusFailed,
		FailureReason:   string(reason),
		LastError:       lastErr,
		CreatedAt:       it.DetectedAt,
	}
	if err := m.store.RecordFailure(ctx, it.WorkItem, string(reason), lastErr); err != nil {
		return rec, fmt.Errorf("recording failure for %s: %w", it.NoteID, err)
	}
	m.logger.Warn("note failed", "note_id", it.NoteID, "reason", string(reason), "error", lastErr)
	return rec, nil
}

// recordInterrupted leaves a FAILED (CANCELLED) row so the item shows up
// in the failed list, and returns cause.
func (m *Machine) recordInterrupted(ctx context.Context, it *Item, cause error) (note.Record, error) {
	err := fmt.Errorf("processing %s: %w", it.NoteID, cause)
	if rerr := m.store.RecordInterrupted(context.WithoutCancel(ctx), it.WorkItem, string(ReasonCancelled), cause.Error()); rerr != nil {
		m.logger.Error("recording interrupted note failed", "note_id", it.NoteID, "error", rerr)
		return note.Record{}, errors.Join(err, rerr)
	}
	m.logger.Info("note interrupted", "note_id", it.NoteID, "stage", string(it.Status))
	return note.Record{}, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
