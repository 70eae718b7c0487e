package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/kalambet/notepipe/internal/config"
	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/pipeline"
	"github.com/kalambet/notepipe/internal/storage"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess [note-id...]",
	Short: "Run extraction again for existing notes",
	Long: `Run extraction again for existing notes, keeping their IDs.

The saved transcript is reused, so only the language model runs. Notes
without a saved transcript, or all notes with --retranscribe, go through
transcription again. --failed also picks up notes interrupted by a shutdown.

Examples:
  notepipe reprocess 2025-07-11_093000_team-sync
  notepipe reprocess --failed
  notepipe reprocess --all --workers 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		failed, _ := cmd.Flags().GetBool("failed")
		retranscribe, _ := cmd.Flags().GetBool("retranscribe")
		if len(args) == 0 && !all && !failed {
			return fmt.Errorf("give note IDs, --all or --failed")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("workers") {
			cfg.Pipeline.Workers, _ = cmd.Flags().GetInt("workers")
		}
		logger := setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := selectRecords(ctx, a.store, args, all, failed)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			printWarning("nothing to reprocess")
			return nil
		}

		items := make([]*pipeline.Item, len(records))
		for i, r := range records {
			items[i] = reprocessItem(a, r, retranscribe, logger)
		}

		printStep("reprocessing %d note(s) with %s", len(items), a.client.Model())
		stats := reprocessAll(ctx, a.pool, items, cfg.Pipeline.Workers, term.IsTerminal(int(os.Stderr.Fd())))
		if stats.Cancelled > 0 || ctx.Err() != nil {
			printWarning("interrupted: %d persisted, %d failed", stats.Persisted, stats.Failed)
			return nil
		}
		if stats.Failed > 0 {
			printWarning("%d persisted, %d failed", stats.Persisted, stats.Failed)
			return fmt.Errorf("%d note(s) failed", stats.Failed)
		}
		printSuccess("%d note(s) reprocessed", stats.Persisted)
		return nil
	},
}

func init() {
	reprocessCmd.Flags().Bool("all", false, "reprocess every persisted note")
	reprocessCmd.Flags().Bool("failed", false, "reprocess every failed note")
	reprocessCmd.Flags().Bool("retranscribe", false, "transcribe the audio again instead of reusing the saved transcript")
	reprocessCmd.Flags().Int("workers", 0, "notes processed concurrently")
}

type noteLister interface {
	GetNote(ctx context.Context, id string) (note.Record, error)
	ListNotes(ctx context.Context, f storage.Filter) ([]note.Record, error)
}

// selectRecords resolves the note IDs and flags to records, oldest first.
// Duplicates are dropped.
func selectRecords(ctx context.Context, db noteLister, ids []string, all, failed bool) ([]note.Record, error) {
	seen := make(map[string]bool)
	var out []note.Record
	add := func(rs ...note.Record) {
		for _, r := range rs {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}

	for _, id := range ids {
		r, err := db.GetNote(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("note %s not found", id)
		}
		if err != nil {
			return nil, err
		}
		add(r)
	}
	for _, want := range []struct {
		on     bool
		status note.Status
	}{{all, note.StatusPersisted}, {failed, note.StatusFailed}} {
		if !want.on {
			continue
		}
		rs, err := db.ListNotes(ctx, storage.Filter{Status: want.status})
		if err != nil {
			return nil, err
		}
		for i := len(rs) - 1; i >= 0; i-- {
			add(rs[i])
		}
	}
	return out, nil
}

// reprocessItem keeps the record's note ID and detection time so the result
// replaces the existing row.
func reprocessItem(a *app, r note.Record, retranscribe bool, logger *slog.Logger) *pipeline.Item {
	w := note.WorkItem{SourcePath: r.SourceAudioPath, DetectedAt: r.CreatedAt, NoteID: r.ID}
	if retranscribe {
		return pipeline.NewItem(w)
	}
	tr, err := a.artifacts.LoadTranscript(r.ID)
	if err != nil {
		logger.Info("no saved transcript, transcribing again", "note_id", r.ID, "error", err)
		return pipeline.NewItem(w)
	}
	return pipeline.NewReprocessItem(w, tr)
}

// reprocessAll submits items with at most workers in flight. The bar is
// drawn only on a terminal.
func reprocessAll(ctx context.Context, pool *pipeline.Pool, items []*pipeline.Item, workers int, showBar bool) pipeline.PoolStats {
	var bar *progressbar.ProgressBar
	if showBar {
		bar = progressbar.NewOptions(len(items),
			progressbar.OptionSetDescription("reprocessing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(20),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	before := pool.Stats()
	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			pool.Submit(ctx, it)
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}

	after := pool.Stats()
	return pipeline.PoolStats{
		Persisted: after.Persisted - before.Persisted,
		Failed:    after.Failed - before.Failed,
		Cancelled: after.Cancelled - before.Cancelled,
	}
}
