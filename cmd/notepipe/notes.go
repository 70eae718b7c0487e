package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/notepipe/internal/api"
	"github.com/kalambet/notepipe/internal/config"
	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/storage"
)

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Browse processed notes",
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, newest first",
	Long: `List notes, newest first.

Examples:
  notepipe notes list --category meeting
  notepipe notes list --tag q3 --since 2025-07-01
  notepipe notes list --status FAILED`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := storage.Filter{}
		f.Category, _ = cmd.Flags().GetString("category")
		f.Tag, _ = cmd.Flags().GetString("tag")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")
		f.Status = note.Status(status)
		if status != "" && !f.Status.Valid() {
			return fmt.Errorf("unknown status %q", status)
		}
		since, _ := cmd.Flags().GetString("since")
		t, err := api.ParseTime(since)
		if err != nil {
			return err
		}
		f.Since = t

		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := db.ListNotes(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			printWarning("no notes found")
			return nil
		}
		for _, r := range records {
			writeNoteLine(cmd.OutOrStdout(), r)
		}
		return nil
	},
}

var notesShowCmd = &cobra.Command{
	Use:   "show <note-id>",
	Short: "Print a note as Markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		r, err := db.GetNote(cmd.Context(), args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("note %s not found", args[0])
		}
		if err != nil {
			return err
		}
		if r.Status != note.StatusPersisted {
			printStatus("Status", "%s", r.Status)
			printStatus("Reason", "%s", r.FailureReason)
			printStatus("Error", "%s", r.LastError)
			printStatus("Source", "%s", r.SourceAudioPath)
			return nil
		}

		path := r.MarkdownPath
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			path = r.StructuredDataPath
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading note: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	notesListCmd.Flags().String("category", "", "only notes in this category")
	notesListCmd.Flags().String("tag", "", "only notes with this tag")
	notesListCmd.Flags().String("status", "", "PERSISTED or FAILED")
	notesListCmd.Flags().String("since", "", "only notes created at or after this time (RFC 3339 or YYYY-MM-DD)")
	notesListCmd.Flags().Int("limit", 20, "maximum number of notes to list")
	notesListCmd.Flags().String("db", "", "path of the notes database")

	notesShowCmd.Flags().Bool("json", false, "print the structured data instead of Markdown")
	notesShowCmd.Flags().String("db", "", "path of the notes database")

	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesShowCmd)
}

// openStore opens the database named by --db, or the configured one.
func openStore(cmd *cobra.Command) (*storage.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		path = cfg.Storage.DBPath
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return db, nil
}
