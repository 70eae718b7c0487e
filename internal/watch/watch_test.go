package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/notepipe/internal/note"
)

func fastOptions(dir string) Options {
	return Options{
		InputDir:      dir,
		PollInterval:  10 * time.Millisecond,
		QuietInterval: 40 * time.Millisecond,
		Cooldown:      300 * time.Millisecond,
	}
}

func start(t *testing.T, w *Watcher) <-chan note.WorkItem {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan note.WorkItem, 16)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, out) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	// Let the baseline scan finish before the test touches the directory.
	deadline := time.Now().Add(2 * time.Second)
	for w.Stats().Scans == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func receive(t *testing.T, out <-chan note.WorkItem, within time.Duration) note.WorkItem {
	t.Helper()
	select {
	case it := <-out:
		return it
	case <-time.After(within):
		t.Fatal("timed out waiting for work item")
		return note.WorkItem{}
	}
}

func expectNone(t *testing.T, out <-chan note.WorkItem, within time.Duration) {
	t.Helper()
	select {
	case it := <-out:
		t.Fatalf("unexpected work item for %s", it.SourcePath)
	case <-time.After(within):
	}
}

func TestRun_EmitsStableFileOnce(t *testing.T) {
	dir := t.TempDir()
	w := New(fastOptions(dir))
	out := start(t, w)

	path := filepath.Join(dir, "Team Sync.m4a")
	writeFile(t, path, "audio")

	it := receive(t, out, 2*time.Second)
	if it.SourcePath != path {
		t.Errorf("SourcePath = %q, want %q", it.SourcePath, path)
	}
	if !strings.HasSuffix(it.NoteID, "_team-sync") {
		t.Errorf("NoteID = %q", it.NoteID)
	}
	expectNone(t, out, 200*time.Millisecond)

	if s := w.Stats(); s.Emitted != 1 {
		t.Errorf("Stats().Emitted = %d, want 1", s.Emitted)
	}
}

func TestRun_Filters(t *testing.T) {
	dir := t.TempDir()
	w := New(fastOptions(dir))
	out := start(t, w)

	writeFile(t, filepath.Join(dir, ".hidden.m4a"), "x")
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	if err := os.Mkdir(filepath.Join(dir, "folder.wav"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "LOUD.MP3"), "x")

	it := receive(t, out, 2*time.Second)
	if filepath.Base(it.SourcePath) != "LOUD.MP3" {
		t.Errorf("emitted %s, want LOUD.MP3", it.SourcePath)
	}
	expectNone(t, out, 150*time.Millisecond)
}

func TestRun_CustomExtensions(t *testing.T) {
	dir := t.TempDir()
	opts := fastOptions(dir)
	opts.Extensions = []string{"AIFF"}
	out := start(t, New(opts))

	writeFile(t, filepath.Join(dir, "a.m4a"), "x")
	writeFile(t, filepath.Join(dir, "b.aiff"), "x")

	it := receive(t, out, 2*time.Second)
	if filepath.Base(it.SourcePath) != "b.aiff" {
		t.Errorf("emitted %s, want b.aiff", it.SourcePath)
	}
	expectNone(t, out, 150*time.Millisecond)
}

func TestRun_Baseline(t *testing.T) {
	t.Run("existing files ignored", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "old.wav"), "x")
		out := start(t, New(fastOptions(dir)))
		expectNone(t, out, 200*time.Millisecond)
	})

	t.Run("scan existing", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "old.wav"), "x")
		opts := fastOptions(dir)
		opts.ScanExisting = true
		out := start(t, New(opts))
		it := receive(t, out, 2*time.Second)
		if filepath.Base(it.SourcePath) != "old.wav" {
			t.Errorf("emitted %s", it.SourcePath)
		}
	})

	t.Run("changed baseline file emitted", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "old.wav")
		writeFile(t, path, "x")
		out := start(t, New(fastOptions(dir)))
		writeFile(t, path, "longer recording")
		receive(t, out, 2*time.Second)
	})
}

func TestRun_WaitsForGrowingFile(t *testing.T) {
	dir := t.TempDir()
	out := start(t, New(fastOptions(dir)))

	path := filepath.Join(dir, "long.m4a")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	var lastWrite time.Time
	for i := 0; i < 15; i++ {
		f.WriteString("chunk")
		lastWrite = time.Now()
		time.Sleep(10 * time.Millisecond)
	}
	f.Close()

	receive(t, out, 2*time.Second)
	if since := time.Since(lastWrite); since < 40*time.Millisecond {
		t.Errorf("emitted %v after last write, want at least the quiet interval", since)
	}
}

func TestRun_CooldownAndRedrop(t *testing.T) {
	dir := t.TempDir()
	w := New(fastOptions(dir))
	out := start(t, w)

	path := filepath.Join(dir, "memo.wav")
	writeFile(t, path, "v1")
	first := receive(t, out, 2*time.Second)
	firstAt := time.Now()

	// Same path re-dropped with new content inside the cool-down.
	writeFile(t, path, "version two")
	second := receive(t, out, 3*time.Second)
	if gap := time.Since(firstAt); gap < 250*time.Millisecond {
		t.Errorf("re-emitted after %v, want at least the cool-down", gap)
	}
	if second.SourcePath != first.SourcePath {
		t.Errorf("SourcePath = %q", second.SourcePath)
	}
	if w.Stats().Suppressed == 0 {
		t.Error("suppression not counted")
	}
	expectNone(t, out, 400*time.Millisecond)
}

func TestRun_VanishedFileDropped(t *testing.T) {
	dir := t.TempDir()
	opts := fastOptions(dir)
	opts.QuietInterval = 300 * time.Millisecond
	w := New(opts)
	out := start(t, w)

	path := filepath.Join(dir, "gone.m4a")
	writeFile(t, path, "x")
	time.Sleep(60 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	expectNone(t, out, 500*time.Millisecond)
	if s := w.Stats(); s.Dropped != 1 {
		t.Errorf("Stats().Dropped = %d, want 1", s.Dropped)
	}
}

func TestRun_MissingDir(t *testing.T) {
	w := New(Options{InputDir: filepath.Join(t.TempDir(), "nope")})
	if err := w.Run(context.Background(), make(chan note.WorkItem)); err == nil {
		t.Fatal("expected error for missing input dir")
	}
}

func TestRun_BlocksOnFullQueueAndStops(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.wav", "b.wav"} {
		writeFile(t, filepath.Join(dir, n), "x")
	}
	opts := fastOptions(dir)
	opts.ScanExisting = true
	w := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan note.WorkItem)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, out) }()

	receive(t, out, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := w.Stats().Emitted; got != 1 {
		t.Errorf("Emitted = %d while consumer is stalled, want 1", got)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
