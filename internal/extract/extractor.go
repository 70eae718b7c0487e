// Package extract asks a language model to turn a transcript into a
// structured note. It returns the model's raw text; validation belongs to
// the schema package.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/notepipe/internal/llm"
)

const (
	// DefaultMaxInputTokens bounds the transcript size sent to the model.
	DefaultMaxInputTokens = 12000
	// DefaultTimeout bounds a single model call.
	DefaultTimeout = 5 * time.Minute
)

// ErrInputTooLarge means the transcript exceeds the configured token
// ceiling. Retrying will not help.
var ErrInputTooLarge = errors.New("transcript exceeds input token ceiling")

// Chatter is the interface for chat completion.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message) (llm.Completion, error)
}

// Options configures an Extractor.
type Options struct {
	// MaxConcurrency bounds simultaneous model calls across all callers.
	// Excess callers wait. Defaults to 1.
	MaxConcurrency int
	// MaxInputTokens is the estimated token ceiling for a transcript.
	MaxInputTokens int
	// Timeout bounds each model call. It starts once a slot is held, so
	// time spent queued for a slot is not counted.
	Timeout    time.Duration
	Categories []string
	Logger     *slog.Logger
}

// Extractor calls the model with a bounded number of requests in flight.
type Extractor struct {
	client         Chatter
	sem            *semaphore.Weighted
	maxInputTokens int
	timeout        time.Duration
	categories     []string
	logger         *slog.Logger
}

// NewExtractor creates an Extractor using the given chat client.
func NewExtractor(client Chatter, opts Options) *Extractor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.MaxInputTokens <= 0 {
		opts.MaxInputTokens = DefaultMaxInputTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Extractor{
		client:         client,
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		maxInputTokens: opts.MaxInputTokens,
		timeout:        opts.Timeout,
		categories:     opts.Categories,
		logger:         opts.Logger,
	}
}

// Categories returns the configured category set.
func (e *Extractor) Categories() []string { return e.categories }

// Extract submits rawText and returns the model's completion text.
func (e *Extractor) Extract(ctx context.Context, rawText string) (string, error) {
	if err := e.checkSize(rawText); err != nil {
		return "", err
	}
	return e.call(ctx, BuildPrompt(rawText, e.categories))
}

// Correct re-runs extraction with the previous answer and a correction
// note appended.
func (e *Extractor) Correct(ctx context.Context, rawText, previous, correction string) (string, error) {
	if err := e.checkSize(rawText); err != nil {
		return "", err
	}
	return e.call(ctx, BuildCorrectionPrompt(rawText, e.categories, previous, correction))
}

// call waits for a slot for as long as ctx allows, then gives the model
// e.timeout to answer.
func (e *Extractor) call(ctx context.Context, messages []llm.Message) (string, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.client.Chat(cctx, messages)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", llm.ErrTimeout, err)
	}
	if err != nil {
		return "", err
	}
	if out.FinishReason == "length" {
		e.logger.Warn("extractor output truncated at max tokens")
	}
	return out.Content, nil
}

func (e *Extractor) checkSize(rawText string) error {
	if n := EstimateTokens(rawText); n > e.maxInputTokens {
		return fmt.Errorf("%w: ~%d tokens, ceiling %d", ErrInputTooLarge, n, e.maxInputTokens)
	}
	return nil
}

// EstimateTokens approximates the token count at four characters per token.
func EstimateTokens(s string) int {
	return len(s) / 4
}
