package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/notepipe/internal/note"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// stderr receives status messages; tests swap it out.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorCyan, "→ "+msg))
}

// writeNoteLine prints one line of `notes list` output.
func writeNoteLine(w io.Writer, r note.Record) {
	created := r.CreatedAt.Local().Format("2006-01-02 15:04")
	switch r.Status {
	case note.StatusPersisted:
		tags := ""
		if len(r.Tags) > 0 {
			tags = " " + colorize(colorDim, "#"+strings.Join(r.Tags, " #"))
		}
		fmt.Fprintf(w, "%s  %s  %s [%s]%s\n", created, r.ID, colorize(colorBold, r.Title), r.Category, tags)
	default:
		fmt.Fprintf(w, "%s  %s  %s %s\n", created, r.ID, colorize(colorRed, string(r.Status)), r.FailureReason)
	}
}
