// Package watch polls an input directory for new audio files and emits one
// work item per stable file version.
//
// Typical usage:
//
//	w := watch.New(watch.Options{InputDir: dir})
//	go w.Run(ctx, items)
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/notepipe/internal/note"
)

// DefaultExtensions is the audio allow-list.
var DefaultExtensions = []string{".m4a", ".mp3", ".wav", ".ogg", ".flac", ".aac", ".webm", ".mp4"}

// Options tunes the watcher behaviour.
type Options struct {
	// InputDir is scanned non-recursively.
	InputDir string
	// Extensions is the case-insensitive allow-list. Default: DefaultExtensions.
	Extensions []string
	// PollInterval is the scan frequency. Default: 1s.
	PollInterval time.Duration
	// QuietInterval is how long size and mtime must stay unchanged before a
	// file counts as stable. Default: 2s.
	QuietInterval time.Duration
	// Cooldown is the minimum gap between two emissions for one path.
	// Default: 30s.
	Cooldown time.Duration
	// ScanExisting emits files already present at start-up. When false
	// they are treated as already seen.
	ScanExisting bool
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if len(o.Extensions) == 0 {
		o.Extensions = DefaultExtensions
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.QuietInterval <= 0 {
		o.QuietInterval = 2 * time.Second
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Scans      int64 `json:"scans"`
	Emitted    int64 `json:"emitted"`
	Suppressed int64 `json:"suppressed"`
	Dropped    int64 `json:"dropped"`
	Errors     int64 `json:"errors"`
}

type version struct {
	size  int64
	mtime time.Time
}

func (v version) equal(o version) bool {
	return v.size == o.size && v.mtime.Equal(o.mtime)
}

// candidate is a file version waiting to become stable.
type candidate struct {
	v          version
	since      time.Time
	suppressed bool
}

type emission struct {
	v  version
	at time.Time
}

// Watcher emits a note.WorkItem for each new or changed audio file. The
// scan state is owned by the Run goroutine; Stats is safe for concurrent
// use.
type Watcher struct {
	opts Options
	exts map[string]struct{}

	pending map[string]*candidate
	emitted map[string]emission

	scans      atomic.Int64
	emits      atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64
	errors     atomic.Int64
}

// New creates a Watcher. Call Run to start polling.
func New(opts Options) *Watcher {
	opts.defaults()
	exts := make(map[string]struct{}, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	return &Watcher{
		opts:    opts,
		exts:    exts,
		pending: make(map[string]*candidate),
		emitted: make(map[string]emission),
	}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Scans:      w.scans.Load(),
		Emitted:    w.emits.Load(),
		Suppressed: w.suppressed.Load(),
		Dropped:    w.dropped.Load(),
		Errors:     w.errors.Load(),
	}
}

// Run polls until ctx is cancelled. Sends on out block, so a full queue
// stalls scanning. It returns an error only if the input directory cannot
// be read at start-up.
func (w *Watcher) Run(ctx context.Context, out chan<- note.WorkItem) error {
	log := w.opts.Logger

	files, err := w.list()
	if err != nil {
		return fmt.Errorf("watch: reading input dir: %w", err)
	}
	if !w.opts.ScanExisting {
		for path, v := range files {
			w.emitted[path] = emission{v: v}
		}
	}

	log.Info("watch: started", "dir", w.opts.InputDir, "interval", w.opts.PollInterval,
		"quiet", w.opts.QuietInterval, "baseline", len(w.emitted))

	if err := w.scan(ctx, out, files); err != nil {
		return nil
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			return nil
		case <-ticker.C:
			files, err := w.list()
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: scan failed", "error", err)
				continue
			}
			if err := w.scan(ctx, out, files); err != nil {
				log.Info("watch: stopped")
				return nil
			}
		}
	}
}

// list returns the allowed regular files in the input directory.
func (w *Watcher) list() (map[string]version, error) {
	entries, err := os.ReadDir(w.opts.InputDir)
	if err != nil {
		return nil, err
	}
	files := make(map[string]version, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.Type().IsRegular() {
			continue
		}
		if _, ok := w.exts[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		path := filepath.Join(w.opts.InputDir, name)
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Lstat; the vanish check drops it.
			continue
		}
		files[path] = version{size: info.Size(), mtime: info.ModTime()}
	}
	return files, nil
}

// scan applies one observation. It returns ctx.Err() if cancelled while
// emitting.
func (w *Watcher) scan(ctx context.Context, out chan<- note.WorkItem, files map[string]version) error {
	w.scans.Add(1)
	log := w.opts.Logger
	now := time.Now()

	for path, c := range w.pending {
		if _, ok := files[path]; !ok {
			delete(w.pending, path)
			w.dropped.Add(1)
			log.Warn("watch: file vanished before it was stable", "path", path, "size", c.v.size)
		}
	}
	for path, e := range w.emitted {
		if _, ok := files[path]; !ok && now.Sub(e.at) >= w.opts.Cooldown {
			delete(w.emitted, path)
		}
	}

	for path, v := range files {
		last, seen := w.emitted[path]
		if seen && last.v.equal(v) {
			delete(w.pending, path)
			continue
		}

		c, ok := w.pending[path]
		if !ok || !c.v.equal(v) {
			w.pending[path] = &candidate{v: v, since: now}
			continue
		}
		if now.Sub(c.since) < w.opts.QuietInterval {
			continue
		}
		if seen && now.Sub(last.at) < w.opts.Cooldown {
			if !c.suppressed {
				c.suppressed = true
				w.suppressed.Add(1)
				log.Debug("watch: changed file inside cool-down", "path", path)
			}
			continue
		}

		item := note.NewWorkItem(path, c.since)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- item:
		}
		delete(w.pending, path)
		w.emitted[path] = emission{v: v, at: time.Now()}
		w.emits.Add(1)
		log.Info("watch: new audio file", "path", path, "note_id", item.NoteID, "size", v.size)
	}
	return nil
}
