package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/notepipe/internal/artifact"
	"github.com/kalambet/notepipe/internal/config"
	"github.com/kalambet/notepipe/internal/extract"
	"github.com/kalambet/notepipe/internal/llm"
	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/pipeline"
	"github.com/kalambet/notepipe/internal/render"
	"github.com/kalambet/notepipe/internal/schema"
	"github.com/kalambet/notepipe/internal/storage"
	"github.com/kalambet/notepipe/internal/transcribe"
	"github.com/kalambet/notepipe/internal/watch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the input folder and process new recordings (foreground)",
	Long: `Watch the input folder and turn each new recording into a note.

Each note is written to <output>/<note-id>/ and indexed in the database.
Stop with Ctrl-C; notes in flight are recorded as FAILED with reason
CANCELLED and can be resumed with "notepipe reprocess --failed".

Examples:
  notepipe run
  notepipe run --input ~/Memos --output ~/Notes --workers 4
  notepipe run --backend speed --extractor-url http://localhost:8080/v1/chat/completions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, &cfg); err != nil {
			return err
		}
		logger := setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runPipeline(ctx, cfg, logger)
	},
}

func init() {
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("input", "", "folder to watch for recordings")
	f.String("output", "", "folder for processed notes")
	f.String("db", "", "path of the notes database")
	f.String("extractor-url", "", "chat-completions endpoint of the language model")
	f.Float64("temperature", 0, "sampling temperature for extraction")
	f.Int("max-tokens", 0, "maximum tokens in the model response")
	f.Int("workers", 0, "notes processed concurrently")
	f.String("backend", "", "transcription backend: accuracy or speed")
	f.Bool("scan-existing", false, "also process files already in the input folder")
}

// applyRunFlags overrides cfg with flags the user set explicitly.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("input") {
		cfg.Watch.InputDir, _ = f.GetString("input")
	}
	if f.Changed("output") {
		cfg.Storage.OutputDir, _ = f.GetString("output")
	}
	if f.Changed("db") {
		cfg.Storage.DBPath, _ = f.GetString("db")
	}
	if f.Changed("extractor-url") {
		cfg.Extractor.URL, _ = f.GetString("extractor-url")
	}
	if f.Changed("temperature") {
		cfg.Extractor.Temperature, _ = f.GetFloat64("temperature")
	}
	if f.Changed("max-tokens") {
		cfg.Extractor.MaxTokens, _ = f.GetInt("max-tokens")
	}
	if f.Changed("workers") {
		cfg.Pipeline.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("backend") {
		cfg.Transcriber.Backend, _ = f.GetString("backend")
	}
	if f.Changed("scan-existing") {
		cfg.Watch.ScanExisting, _ = f.GetBool("scan-existing")
	}
	return cfg.Validate()
}

// app is the assembled processing stack.
type app struct {
	store     *storage.Store
	artifacts *artifact.Store
	client    *llm.Client
	pool      *pipeline.Pool
}

func (r *app) Close() error {
	return r.store.Close()
}

// buildApp wires storage, backends and the state machine from cfg.
func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	tr, err := transcribe.New(transcribe.Options{
		Backend:     cfg.Transcriber.Backend,
		WhisperPath: cfg.Transcriber.WhisperPath,
		FFmpegPath:  cfg.Transcriber.FFmpegPath,
		ModelPath:   cfg.Transcriber.ModelPath,
		Language:    cfg.Transcriber.Language,
		Threads:     cfg.Transcriber.Threads,
		BaseURL:     cfg.Transcriber.URL,
		Model:       cfg.Transcriber.Model,
		APIKey:      cfg.Transcriber.APIKey,
	})
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	arts, err := artifact.New(cfg.Storage.OutputDir, store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening output dir: %w", err)
	}

	client := llm.New(llm.Options{
		Endpoint:    cfg.Extractor.URL,
		Model:       cfg.Extractor.Model,
		APIKey:      cfg.Extractor.APIKey,
		Temperature: cfg.Extractor.Temperature,
		MaxTokens:   cfg.Extractor.MaxTokens,
	})
	extractor := extract.NewExtractor(client, extract.Options{
		MaxConcurrency: cfg.Extractor.MaxConcurrency,
		MaxInputTokens: cfg.Extractor.MaxInputTokens,
		Timeout:        cfg.Extractor.Timeout,
		Categories:     cfg.Notes.Categories,
		Logger:         logger,
	})

	machine := pipeline.NewMachine(
		transcribe.Serialize(transcribe.WithTimeout(tr, cfg.Pipeline.TranscribeTimeout)),
		extractor,
		schema.New(cfg.Notes.Categories),
		render.New(),
		arts,
		pipeline.Config{
			MaxAttempts:    cfg.Pipeline.MaxAttempts,
			InitialBackoff: cfg.Pipeline.InitialBackoff,
			MaxBackoff:     cfg.Pipeline.MaxBackoff,
		},
		logger,
	)

	return &app{
		store:     store,
		artifacts: arts,
		client:    client,
		pool:      pipeline.NewPool(machine, cfg.Pipeline.Workers, logger),
	}, nil
}

func runPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	info, err := os.Stat(cfg.Watch.InputDir)
	if err != nil {
		return fmt.Errorf("input directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input directory: %s is not a directory", cfg.Watch.InputDir)
	}

	logger = logger.With("run_id", uuid.NewString())
	rt, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	if !rt.client.IsRunning(ctx) {
		printWarning("language model at %s is not answering; notes will retry until it is", cfg.Extractor.URL)
	}

	w := watch.New(watch.Options{
		InputDir:      cfg.Watch.InputDir,
		Extensions:    cfg.Watch.Extensions,
		PollInterval:  cfg.Watch.PollInterval,
		QuietInterval: cfg.Watch.QuietInterval,
		Cooldown:      cfg.Watch.Cooldown,
		ScanExisting:  cfg.Watch.ScanExisting,
		Logger:        logger,
	})

	printStep("watching %s, writing to %s", cfg.Watch.InputDir, rt.artifacts.Root())
	items := make(chan note.WorkItem)

	var g errgroup.Group
	g.Go(func() error {
		defer close(items)
		return w.Run(ctx, items)
	})
	g.Go(func() error {
		return rt.pool.Run(ctx, items)
	})
	err = g.Wait()

	stats := rt.pool.Stats()
	logger.Info("pipeline stopped",
		"persisted", stats.Persisted,
		"failed", stats.Failed,
		"cancelled", stats.Cancelled,
		"watch", w.Stats(),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(stderr, "shutting down...")
	return nil
}
