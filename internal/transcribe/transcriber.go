// Package transcribe provides speech-to-text backends behind a single
// capability interface.
//
// Supported backends:
//   - accuracy: whisper.cpp CLI run locally (slow, best quality)
//   - speed: an OpenAI-compatible /audio/transcriptions server (fast local model)
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/notepipe/internal/note"
)

var (
	// ErrUnsupportedFormat means the backend cannot decode the input file.
	// Retrying will not help.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrBackendUnavailable means the backend binary or server is missing
	// or unreachable.
	ErrBackendUnavailable = errors.New("transcription backend unavailable")
	// ErrTimeout means the backend did not finish before the deadline.
	ErrTimeout = errors.New("transcription timed out")
)

// Transcriber converts an audio file to text.
type Transcriber interface {
	// Transcribe reads the audio file at audioPath (absolute) and returns
	// its transcript.
	Transcribe(ctx context.Context, audioPath string) (note.RawTranscript, error)
	// Name identifies the backend and model for logs and records.
	Name() string
	// ConcurrencySafe reports whether Transcribe may run concurrently.
	// Accelerator-bound backends return false.
	ConcurrencySafe() bool
}

// Backend names accepted by New.
const (
	BackendAccuracy = "accuracy"
	BackendSpeed    = "speed"
)

// Options configures backend construction.
type Options struct {
	Backend string

	// accuracy backend
	WhisperPath string
	FFmpegPath  string
	ModelPath   string
	Language    string
	Threads     int

	// speed backend
	BaseURL string
	Model   string
	APIKey  string
}

// New creates the Transcriber selected by opts.Backend. The choice is made
// once at start-up; callers only see the interface.
func New(opts Options) (Transcriber, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendAccuracy, "whisper", "":
		return NewAccuracyBackend(opts.WhisperPath, opts.FFmpegPath, opts.ModelPath, opts.Language, opts.Threads), nil
	case BackendSpeed, "parakeet":
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("transcribe: speed backend requires a base URL")
		}
		return NewSpeedBackend(opts.BaseURL, opts.Model, opts.APIKey), nil
	default:
		return nil, fmt.Errorf("transcribe: unknown backend %q (supported: %s, %s)", opts.Backend, BackendAccuracy, BackendSpeed)
	}
}

// WithTimeout bounds each Transcribe call on t to d. Wrap it inside
// Serialize so the clock starts only once the backend is free.
func WithTimeout(t Transcriber, d time.Duration) Transcriber {
	if d <= 0 {
		return t
	}
	return &timed{inner: t, timeout: d}
}

type timed struct {
	inner   Transcriber
	timeout time.Duration
}

func (t *timed) Transcribe(ctx context.Context, audioPath string) (note.RawTranscript, error) {
	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	tr, err := t.inner.Transcribe(tctx, audioPath)
	if err != nil && !errors.Is(err, ErrTimeout) {
		err = classifyContext(err)
	}
	return tr, err
}

func (t *timed) Name() string          { return t.inner.Name() }
func (t *timed) ConcurrencySafe() bool { return t.inner.ConcurrencySafe() }

// Serialize returns t unchanged when it is concurrency-safe; otherwise it
// wraps t so at most one Transcribe call runs at a time. Waiting callers
// give up when their context ends.
func Serialize(t Transcriber) Transcriber {
	if t.ConcurrencySafe() {
		return t
	}
	return &serialized{inner: t, sem: semaphore.NewWeighted(1)}
}

type serialized struct {
	inner Transcriber
	sem   *semaphore.Weighted
}

func (s *serialized) Transcribe(ctx context.Context, audioPath string) (note.RawTranscript, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return note.RawTranscript{}, err
	}
	defer s.sem.Release(1)
	return s.inner.Transcribe(ctx, audioPath)
}

func (s *serialized) Name() string { return s.inner.Name() }

// ConcurrencySafe is true for the wrapper because it enforces serialization.
func (s *serialized) ConcurrencySafe() bool { return true }

// classifyContext maps context errors to the package taxonomy.
func classifyContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func hasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
