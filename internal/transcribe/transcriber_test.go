package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/notepipe/internal/note"
)

func TestNew_SelectsBackend(t *testing.T) {
	acc, err := New(Options{Backend: "accuracy", ModelPath: "/models/ggml-large-v3-turbo.bin"})
	if err != nil {
		t.Fatalf("New(accuracy): %v", err)
	}
	if _, ok := acc.(*AccuracyBackend); !ok {
		t.Errorf("New(accuracy) returned %T, want *AccuracyBackend", acc)
	}
	if acc.Name() != "whisper:ggml-large-v3-turbo" {
		t.Errorf("Name() = %q", acc.Name())
	}

	fast, err := New(Options{Backend: "speed", BaseURL: "http://localhost:8000/v1", Model: "parakeet-tdt"})
	if err != nil {
		t.Fatalf("New(speed): %v", err)
	}
	if _, ok := fast.(*SpeedBackend); !ok {
		t.Errorf("New(speed) returned %T, want *SpeedBackend", fast)
	}

	if _, err := New(Options{Backend: "speed"}); err == nil {
		t.Error("speed backend without base URL should fail")
	}
	if _, err := New(Options{Backend: "telepathy"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

type countingTranscriber struct {
	safe    bool
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
}

func (c *countingTranscriber) Transcribe(ctx context.Context, _ string) (note.RawTranscript, error) {
	n := c.current.Add(1)
	defer c.current.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return note.RawTranscript{}, ctx.Err()
	}
	return note.RawTranscript{Text: "ok"}, nil
}

func (c *countingTranscriber) Name() string          { return "counting" }
func (c *countingTranscriber) ConcurrencySafe() bool { return c.safe }

func TestSerialize_LimitsConcurrency(t *testing.T) {
	inner := &countingTranscriber{delay: 20 * time.Millisecond}
	tr := Serialize(inner)
	if tr == Transcriber(inner) {
		t.Fatal("Serialize should wrap an unsafe backend")
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Transcribe(context.Background(), "/a.wav"); err != nil {
				t.Errorf("Transcribe: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := inner.peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
}

func TestSerialize_PassesThroughSafeBackend(t *testing.T) {
	inner := &countingTranscriber{safe: true}
	if tr := Serialize(inner); tr != Transcriber(inner) {
		t.Errorf("Serialize wrapped a concurrency-safe backend")
	}
}

func TestSerialize_WaitEndsWithCaller(t *testing.T) {
	inner := &countingTranscriber{delay: 200 * time.Millisecond}
	tr := Serialize(inner)

	go tr.Transcribe(context.Background(), "/first.wav")
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Transcribe(ctx, "/second.wav")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWithTimeout_BoundsCall(t *testing.T) {
	inner := &countingTranscriber{delay: time.Second}
	tr := WithTimeout(inner, 30*time.Millisecond)
	if tr.ConcurrencySafe() {
		t.Error("WithTimeout changed ConcurrencySafe")
	}

	_, err := tr.Transcribe(context.Background(), "/slow.wav")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestWithTimeout_StartsAfterQueue(t *testing.T) {
	inner := &countingTranscriber{delay: 150 * time.Millisecond}
	tr := Serialize(WithTimeout(inner, 250*time.Millisecond))

	// The last caller queues ~300ms, longer than the per-call timeout.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Transcribe(context.Background(), "/a.wav"); err != nil {
				t.Errorf("Transcribe: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := inner.peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
}

func TestParseWhisperJSON(t *testing.T) {
	data := []byte(`{
		"result": {"language": "en"},
		"transcription": [
			{"offsets": {"from": 0, "to": 2500}, "text": " Hello team."},
			{"offsets": {"from": 2500, "to": 2600}, "text": "   "},
			{"offsets": {"from": 2600, "to": 6100}, "text": " Let's sync on Q3."}
		]
	}`)
	tr, err := parseWhisperJSON(data)
	if err != nil {
		t.Fatalf("parseWhisperJSON: %v", err)
	}
	if tr.Text != "Hello team. Let's sync on Q3." {
		t.Errorf("Text = %q", tr.Text)
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(tr.Segments))
	}
	if tr.DurationSeconds != 6.1 {
		t.Errorf("DurationSeconds = %v, want 6.1", tr.DurationSeconds)
	}

	if _, err := parseWhisperJSON([]byte("not json")); err == nil {
		t.Error("expected error for malformed output")
	}
}

func fakeExecutable(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAccuracyBackend_UnsupportedFormat(t *testing.T) {
	b := NewAccuracyBackend(fakeExecutable(t, "whisper-cli"), "", "/models/base.bin", "", 0)
	_, err := b.Transcribe(context.Background(), "/notes/input/memo.m4a")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("m4a without ffmpeg: err = %v, want ErrUnsupportedFormat", err)
	}

	_, err = b.Transcribe(context.Background(), "/notes/input/readme.txt")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("txt: err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestAccuracyBackend_MissingBinary(t *testing.T) {
	b := NewAccuracyBackend(filepath.Join(t.TempDir(), "nope"), "", "/models/base.bin", "", 0)
	_, err := b.Transcribe(context.Background(), "/notes/input/memo.wav")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestAccuracyBackend_ConvertsAndParses(t *testing.T) {
	whisper := fakeExecutable(t, "whisper-cli")
	ffmpeg := fakeExecutable(t, "ffmpeg")
	b := NewAccuracyBackend(whisper, ffmpeg, "/models/ggml-small.bin", "en", 4)

	var calls []string
	b.run = func(_ context.Context, name string, args ...string) (string, error) {
		calls = append(calls, filepath.Base(name))
		if name == whisper {
			var outBase string
			for i, a := range args {
				if a == "-of" {
					outBase = args[i+1]
				}
			}
			body := `{"transcription":[{"offsets":{"from":0,"to":1200},"text":" Buy milk."}]}`
			return "", os.WriteFile(outBase+".json", []byte(body), 0o644)
		}
		return "", nil
	}

	tr, err := b.Transcribe(context.Background(), "/notes/input/Team Sync.m4a")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if strings.Join(calls, ",") != "ffmpeg,whisper-cli" {
		t.Errorf("calls = %v, want ffmpeg then whisper-cli", calls)
	}
	if tr.Text != "Buy milk." || tr.ModelUsed != "whisper:ggml-small" {
		t.Errorf("got %+v", tr)
	}
}

func TestAccuracyBackend_UndecodableInput(t *testing.T) {
	b := NewAccuracyBackend(fakeExecutable(t, "whisper-cli"), fakeExecutable(t, "ffmpeg"), "/models/base.bin", "", 0)
	b.run = func(_ context.Context, _ string, _ ...string) (string, error) {
		return "broken.m4a: Invalid data found when processing input", errors.New("exit status 1")
	}
	_, err := b.Transcribe(context.Background(), "/notes/input/broken.m4a")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func writeAudio(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "memo.wav")
	if err := os.WriteFile(p, []byte("RIFF....WAVEfmt "), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSpeedBackend_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("content type: %v", err)
		}
		form, err := multipart.NewReader(r.Body, params["boundary"]).ReadForm(1 << 20)
		if err != nil {
			t.Fatalf("ReadForm: %v", err)
		}
		if form.Value["model"][0] != "parakeet-tdt" || form.Value["response_format"][0] != "verbose_json" {
			t.Errorf("form values = %v", form.Value)
		}
		if len(form.File["file"]) != 1 || form.File["file"][0].Filename != "memo.wav" {
			t.Errorf("file part missing")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"text":     " Call the dentist. ",
			"duration": 3.5,
			"segments": []map[string]any{{"start": 0, "end": 3.5, "text": "Call the dentist."}},
		})
	}))
	defer srv.Close()

	b := NewSpeedBackend(srv.URL+"/v1/", "parakeet-tdt", "k")
	tr, err := b.Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Call the dentist." || tr.DurationSeconds != 3.5 || len(tr.Segments) != 1 {
		t.Errorf("got %+v", tr)
	}
	if tr.ModelUsed != "speed:parakeet-tdt" {
		t.Errorf("ModelUsed = %q", tr.ModelUsed)
	}
}

func TestSpeedBackend_Errors(t *testing.T) {
	audio := writeAudio(t)

	t.Run("unsupported media type", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnsupportedMediaType)
		}))
		defer srv.Close()
		_, err := NewSpeedBackend(srv.URL, "m", "").Transcribe(context.Background(), audio)
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("err = %v, want ErrUnsupportedFormat", err)
		}
	})

	t.Run("server down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		_, err := NewSpeedBackend(srv.URL, "m", "").Transcribe(context.Background(), audio)
		if !errors.Is(err, ErrBackendUnavailable) {
			t.Errorf("err = %v, want ErrBackendUnavailable", err)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := NewSpeedBackend(srv.URL, "m", "").Transcribe(ctx, audio)
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", err)
		}
	})
}
