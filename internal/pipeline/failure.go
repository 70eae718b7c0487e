package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/notepipe/internal/artifact"
	"github.com/kalambet/notepipe/internal/extract"
	"github.com/kalambet/notepipe/internal/llm"
	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/schema"
	"github.com/kalambet/notepipe/internal/transcribe"
)

// Reason is the failure reason recorded on a FAILED note.
type Reason string

const (
	ReasonTranscriptionError   Reason = "TRANSCRIPTION_ERROR"
	ReasonTranscriptionTimeout Reason = "TRANSCRIPTION_TIMEOUT"
	ReasonUnsupportedFormat    Reason = "UNSUPPORTED_FORMAT"
	ReasonExtractionTimeout    Reason = "EXTRACTION_TIMEOUT"
	ReasonExtractionConnection Reason = "EXTRACTION_CONNECTION_ERROR"
	ReasonExtractionRejected   Reason = "EXTRACTION_REJECTED"
	ReasonNoJSON               Reason = Reason(schema.ReasonNoJSON)
	ReasonMissingFields        Reason = Reason(schema.ReasonMissingFields)
	ReasonStoreIO              Reason = "STORE_IO_ERROR"
	ReasonInternal             Reason = "INTERNAL_ERROR"
	// ReasonCancelled marks work stopped by shutdown. The row is FAILED so
	// the note can be retried, but no artifacts are written.
	ReasonCancelled Reason = "CANCELLED"
)

// Failure is a classified stage failure.
type Failure struct {
	Stage     note.Status
	Reason    Reason
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.Reason, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func newFailure(stage note.Status, reason Reason, retryable bool, err error) *Failure {
	return &Failure{Stage: stage, Reason: reason, Retryable: retryable, Err: err}
}

// cancelled reports whether the work was stopped by the caller rather than
// by a per-call deadline.
func cancelled(parent context.Context, err error) bool {
	return parent.Err() != nil || errors.Is(err, context.Canceled)
}

func classifyTranscription(parent context.Context, err error) *Failure {
	stage := note.StatusTranscribing
	switch {
	case errors.Is(err, transcribe.ErrUnsupportedFormat):
		return newFailure(stage, ReasonUnsupportedFormat, false, err)
	case cancelled(parent, err):
		return newFailure(stage, ReasonCancelled, false, err)
	case errors.Is(err, transcribe.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newFailure(stage, ReasonTranscriptionTimeout, true, err)
	default:
		return newFailure(stage, ReasonTranscriptionError, true, err)
	}
}

func classifyExtraction(parent context.Context, stage note.Status, err error) *Failure {
	var status *llm.StatusError
	switch {
	case errors.Is(err, extract.ErrInputTooLarge):
		return newFailure(stage, ReasonExtractionRejected, false, err)
	case cancelled(parent, err):
		return newFailure(stage, ReasonCancelled, false, err)
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newFailure(stage, ReasonExtractionTimeout, true, err)
	case errors.As(err, &status):
		if status.Temporary() {
			return newFailure(stage, ReasonExtractionConnection, true, err)
		}
		return newFailure(stage, ReasonExtractionRejected, false, err)
	default:
		// Refused connections, resets and malformed responses.
		return newFailure(stage, ReasonExtractionConnection, true, err)
	}
}

func classifyValidation(parent context.Context, err error) *Failure {
	var sf *schema.Failure
	if errors.As(err, &sf) {
		return newFailure(note.StatusValidating, Reason(sf.Reason), false, err)
	}
	// The repair call itself failed.
	return classifyExtraction(parent, note.StatusValidating, err)
}

func classifyStore(parent context.Context, err error) *Failure {
	stage := note.StatusPersisted
	switch {
	case cancelled(parent, err):
		return newFailure(stage, ReasonCancelled, false, err)
	case errors.Is(err, artifact.ErrInvalidID):
		return newFailure(stage, ReasonStoreIO, false, err)
	default:
		return newFailure(stage, ReasonStoreIO, true, err)
	}
}
