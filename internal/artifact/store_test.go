package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/storage"
)

func openDB(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newStore(t *testing.T, db RecordStore) *Store {
	t.Helper()
	s, err := New(t.TempDir(), db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func bundle(title string) Bundle {
	detected := time.Date(2025, 7, 11, 9, 0, 0, 0, time.UTC)
	return Bundle{
		Item:       note.NewWorkItem("/notes/input/Team Sync.m4a", detected),
		Transcript: note.RawTranscript{Text: "we reviewed the roadmap", ModelUsed: "whisper:small", DurationSeconds: 42},
		Note: note.StructuredNote{
			Title:    title,
			Category: "Meeting",
			Tags:     []string{"roadmap"},
		},
		Markdown:             []byte("# " + title + "\n"),
		HTMLCard:             []byte("<h1>" + title + "</h1>"),
		TranscriptionSeconds: 3,
		ExtractionSeconds:    1.5,
	}
}

func TestCommit_WritesFilesThenRow(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()
	b := bundle("Team Sync")

	rec, err := s.Commit(ctx, b)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dir := s.Dir(b.Item.NoteID)
	for _, name := range []string{TranscriptFile, StructuredFile, MarkdownFile, CardFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}

	var tr note.RawTranscript
	data, _ := os.ReadFile(rec.TranscriptPath)
	if err := json.Unmarshal(data, &tr); err != nil || tr.Text == "" {
		t.Errorf("transcript.json = %s (%v)", data, err)
	}
	var sn note.StructuredNote
	data, _ = os.ReadFile(rec.StructuredDataPath)
	if err := json.Unmarshal(data, &sn); err != nil || sn.Title != "Team Sync" || sn.Category != "Meeting" {
		t.Errorf("structured_data.json = %s (%v)", data, err)
	}

	got, err := db.GetNote(ctx, b.Item.NoteID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if got.Status != note.StatusPersisted || got.HTMLCardPath != filepath.Join(dir, CardFile) {
		t.Errorf("row = %+v", got)
	}
	if got.TranscriptionModel != "whisper:small" || got.ExtractionSeconds != 1.5 {
		t.Errorf("timing/model not recorded: %+v", got)
	}
}

func TestCommit_IdempotentReprocess(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	first, err := s.Commit(ctx, bundle("Draft title"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Commit(ctx, bundle("Better title"))
	if err != nil {
		t.Fatal(err)
	}

	if first.TranscriptPath != second.TranscriptPath || first.MarkdownPath != second.MarkdownPath ||
		first.HTMLCardPath != second.HTMLCardPath || first.StructuredDataPath != second.StructuredDataPath {
		t.Errorf("paths changed between runs:\n%+v\n%+v", first, second)
	}

	entries, err := os.ReadDir(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	var dirs []string
	for _, e := range entries {
		if e.Name() == stagingDir || e.Name() == trashDir {
			leftovers, _ := os.ReadDir(filepath.Join(s.Root(), e.Name()))
			if len(leftovers) > 0 {
				t.Errorf("%s not cleaned up: %d entries", e.Name(), len(leftovers))
			}
			continue
		}
		dirs = append(dirs, e.Name())
	}
	if len(dirs) != 1 {
		t.Errorf("note dirs = %v, want exactly one", dirs)
	}

	rows, err := db.ListNotes(ctx, storage.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Title != "Better title" {
		t.Errorf("rows = %+v, want one updated row", rows)
	}
	md, _ := os.ReadFile(second.MarkdownPath)
	if string(md) != "# Better title\n" {
		t.Errorf("note.md = %q", md)
	}
}

// filesCheckingDB asserts that every referenced file exists when the row
// is written.
type filesCheckingDB struct {
	t     *testing.T
	calls int
}

func (f *filesCheckingDB) UpsertNote(_ context.Context, r note.Record) error {
	f.calls++
	for _, p := range []string{r.TranscriptPath, r.StructuredDataPath, r.MarkdownPath, r.HTMLCardPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			f.t.Errorf("row written before %s existed", p)
		}
	}
	return nil
}

func (f *filesCheckingDB) UpsertFailure(context.Context, string, string, string, string, time.Time) error {
	return nil
}

func (f *filesCheckingDB) UpsertInterrupted(context.Context, string, string, string, string, time.Time) error {
	return nil
}

func TestCommit_NeverRowBeforeFiles(t *testing.T) {
	db := &filesCheckingDB{t: t}
	s := newStore(t, db)
	if _, err := s.Commit(context.Background(), bundle("x")); err != nil {
		t.Fatal(err)
	}
	if db.calls != 1 {
		t.Errorf("UpsertNote calls = %d, want 1", db.calls)
	}
}

func TestCommit_WithoutCard(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	if _, err := s.Commit(ctx, bundle("with card")); err != nil {
		t.Fatal(err)
	}
	b := bundle("no card")
	b.HTMLCard = nil
	rec, err := s.Commit(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if rec.HTMLCardPath != "" {
		t.Errorf("HTMLCardPath = %q, want empty", rec.HTMLCardPath)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(b.Item.NoteID), CardFile)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale card.html survived reprocess: %v", err)
	}
}

type failingDB struct{ filesCheckingDB }

func (failingDB) UpsertNote(context.Context, note.Record) error {
	return errors.New("disk I/O error")
}

func TestCommit_DBErrorSurfaces(t *testing.T) {
	s := newStore(t, &failingDB{})
	if _, err := s.Commit(context.Background(), bundle("x")); err == nil {
		t.Fatal("expected error from database")
	}
}

func TestCommit_CancelledContextCommitsNothing(t *testing.T) {
	db := &filesCheckingDB{t: t}
	s := newStore(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := bundle("x")
	if _, err := s.Commit(ctx, b); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(s.Dir(b.Item.NoteID)); !errors.Is(err, os.ErrNotExist) {
		t.Error("note dir created for cancelled commit")
	}
	if db.calls != 0 {
		t.Error("row written for cancelled commit")
	}
}

func TestCommit_RejectsUnsafeID(t *testing.T) {
	s := newStore(t, &filesCheckingDB{t: t})
	for _, id := range []string{"", "..", "../escape", "a/b", ".staging"} {
		b := bundle("x")
		b.Item.NoteID = id
		if _, err := s.Commit(context.Background(), b); !errors.Is(err, ErrInvalidID) {
			t.Errorf("id %q: err = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestRecordFailure_KeepsEarlierArtifacts(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()
	b := bundle("ok")

	rec, err := s.Commit(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordFailure(ctx, b.Item, "EXTRACTION_TIMEOUT", "deadline exceeded"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	got, err := db.GetNote(ctx, b.Item.NoteID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != note.StatusFailed || got.FailureReason != "EXTRACTION_TIMEOUT" {
		t.Errorf("row = %+v", got)
	}
	if got.MarkdownPath != rec.MarkdownPath {
		t.Errorf("MarkdownPath = %q, want %q", got.MarkdownPath, rec.MarkdownPath)
	}
	if _, err := os.Stat(rec.MarkdownPath); err != nil {
		t.Errorf("artifacts removed by failure: %v", err)
	}
}

func TestRecordInterrupted(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fresh := note.NewWorkItem("/notes/input/call.m4a", time.Date(2025, 7, 12, 8, 0, 0, 0, time.UTC))
	if err := s.RecordInterrupted(ctx, fresh, "CANCELLED", "context canceled"); err != nil {
		t.Fatalf("RecordInterrupted: %v", err)
	}
	got, err := db.GetNote(context.Background(), fresh.NoteID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != note.StatusFailed || got.FailureReason != "CANCELLED" {
		t.Errorf("row = %+v", got)
	}

	b := bundle("ok")
	if _, err := s.Commit(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordInterrupted(ctx, b.Item, "CANCELLED", "context canceled"); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetNote(context.Background(), b.Item.NoteID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != note.StatusPersisted {
		t.Errorf("interrupted reprocess demoted a persisted note: %+v", got)
	}
}

func TestLoadTranscript(t *testing.T) {
	s := newStore(t, openDB(t))
	b := bundle("x")
	if _, err := s.Commit(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	tr, err := s.LoadTranscript(b.Item.NoteID)
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if tr.Text != b.Transcript.Text || tr.ModelUsed != b.Transcript.ModelUsed {
		t.Errorf("LoadTranscript() = %+v", tr)
	}
	if _, err := s.LoadTranscript("missing"); err == nil {
		t.Error("expected error for unknown note")
	}
}

func TestNew_SweepsStaleDirs(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{".staging/n1-abc", ".trash/n1-def"} {
		if err := os.MkdirAll(filepath.Join(root, p), 0o755); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(filepath.Join(root, p, "note.md"), []byte("half"), 0o644)
	}
	if err := os.MkdirAll(filepath.Join(root, "kept-note"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := New(root, &filesCheckingDB{t: t}, nil); err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, p := range []string{".staging/n1-abc", ".trash/n1-def"} {
		if _, err := os.Stat(filepath.Join(root, p)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s not swept", p)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "kept-note")); err != nil {
		t.Error("sweep removed a committed note dir")
	}
}

func TestNew_SweepKeepsLockedLeftovers(t *testing.T) {
	root := t.TempDir()
	held := ".staging/n1-0b7ad2a4-8a8e-4b8f-9d7e-3f1f9a3f0c11"
	if err := os.MkdirAll(filepath.Join(root, held), 0o755); err != nil {
		t.Fatal(err)
	}
	release, err := newFileLocks(filepath.Join(root, lockDir)).Lock(context.Background(), "n1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := New(root, &filesCheckingDB{t: t}, nil); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, held)); err != nil {
		t.Error("sweep removed the staging dir of a commit in progress")
	}
}

// serialDB records the peak number of concurrent upserts.
type serialDB struct {
	current, peak atomic.Int32
}

func (d *serialDB) UpsertNote(context.Context, note.Record) error {
	n := d.current.Add(1)
	defer d.current.Add(-1)
	if n > d.peak.Load() {
		d.peak.Store(n)
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

func (d *serialDB) UpsertFailure(context.Context, string, string, string, string, time.Time) error {
	return nil
}

func (d *serialDB) UpsertInterrupted(context.Context, string, string, string, string, time.Time) error {
	return nil
}

func TestCommit_SameNoteSerialized(t *testing.T) {
	db := &serialDB{}
	s := newStore(t, db)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Commit(context.Background(), bundle("race")); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := db.peak.Load(); got != 1 {
		t.Errorf("peak concurrent commits for one note = %d, want 1", got)
	}
	if n := s.locks.len(); n != 0 {
		t.Errorf("lock table not drained: %d entries", n)
	}
}

func TestCommit_SerializedAcrossStores(t *testing.T) {
	root := t.TempDir()
	db := &serialDB{}
	var stores []*Store
	for i := 0; i < 2; i++ {
		s, err := New(root, db, nil)
		if err != nil {
			t.Fatal(err)
		}
		stores = append(stores, s)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := stores[i%2].Commit(context.Background(), bundle("race")); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := db.peak.Load(); got != 1 {
		t.Errorf("peak concurrent commits for one note = %d, want 1", got)
	}
	entries, _ := os.ReadDir(filepath.Join(root, lockDir))
	if len(entries) != 0 {
		t.Errorf("%d lock files left behind", len(entries))
	}
}

func TestCommit_WaitsForLockFile(t *testing.T) {
	s := newStore(t, openDB(t))
	b := bundle("x")
	release, err := newFileLocks(filepath.Join(s.Root(), lockDir)).Lock(context.Background(), b.Item.NoteID)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Commit(ctx, b); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded while locked", err)
	}
	if _, err := os.Stat(s.Dir(b.Item.NoteID)); !errors.Is(err, os.ErrNotExist) {
		t.Error("note dir written while another holder had the lock")
	}

	release()
	if _, err := s.Commit(context.Background(), b); err != nil {
		t.Fatalf("Commit after release: %v", err)
	}
}

func TestFileLocks_TakesOverStale(t *testing.T) {
	dir := t.TempDir()
	locks := newFileLocks(dir)
	if err := os.WriteFile(locks.path("n1"), []byte("99999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * lockStale)
	if err := os.Chtimes(locks.path("n1"), old, old); err != nil {
		t.Fatal(err)
	}
	if locks.Held("n1") {
		t.Error("stale lock reported as held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := locks.Lock(ctx, "n1")
	if err != nil {
		t.Fatalf("Lock over stale file: %v", err)
	}
	if !locks.Held("n1") {
		t.Error("lock not held after Lock")
	}
	release()
	if locks.Held("n1") {
		t.Error("lock still held after release")
	}
}
