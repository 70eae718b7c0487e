package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kalambet/notepipe/internal/note"
)

// Formats whisper.cpp reads without conversion.
var whisperNativeExts = []string{".wav", ".mp3", ".flac", ".ogg"}

// Formats that need an ffmpeg conversion to 16 kHz mono WAV first.
var ffmpegExts = []string{".m4a", ".aac", ".webm", ".mp4", ".opus", ".wma", ".amr"}

// AccuracyBackend runs the whisper.cpp CLI on the local machine. It is
// CPU/GPU bound and must not run concurrently.
type AccuracyBackend struct {
	WhisperPath string
	FFmpegPath  string
	ModelPath   string
	Language    string
	Threads     int

	run commandRunner
}

// commandRunner executes a command and returns its stderr output.
type commandRunner func(ctx context.Context, name string, args ...string) (stderr string, err error)

// NewAccuracyBackend creates a whisper.cpp backend. An empty ffmpegPath
// disables conversion, limiting input to formats whisper reads natively.
func NewAccuracyBackend(whisperPath, ffmpegPath, modelPath, language string, threads int) *AccuracyBackend {
	if whisperPath == "" {
		whisperPath = "whisper-cli"
	}
	return &AccuracyBackend{
		WhisperPath: whisperPath,
		FFmpegPath:  ffmpegPath,
		ModelPath:   modelPath,
		Language:    language,
		Threads:     threads,
		run:         execRunner,
	}
}

func (b *AccuracyBackend) Name() string {
	return "whisper:" + strings.TrimSuffix(filepath.Base(b.ModelPath), filepath.Ext(b.ModelPath))
}

func (b *AccuracyBackend) ConcurrencySafe() bool { return false }

func (b *AccuracyBackend) Transcribe(ctx context.Context, audioPath string) (note.RawTranscript, error) {
	if strings.TrimSpace(b.ModelPath) == "" {
		return note.RawTranscript{}, fmt.Errorf("%w: whisper model path is not configured", ErrBackendUnavailable)
	}

	native := hasExt(audioPath, whisperNativeExts)
	convertible := b.FFmpegPath != "" && (native || hasExt(audioPath, ffmpegExts))
	if !native && !convertible {
		return note.RawTranscript{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(audioPath))
	}

	if _, err := exec.LookPath(b.WhisperPath); err != nil {
		return note.RawTranscript{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	workDir, err := os.MkdirTemp("", "notepipe-whisper-*")
	if err != nil {
		return note.RawTranscript{}, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	input := audioPath
	if convertible {
		wavPath := filepath.Join(workDir, "input.wav")
		if err := b.convert(ctx, audioPath, wavPath); err != nil {
			return note.RawTranscript{}, err
		}
		input = wavPath
	}

	outBase := filepath.Join(workDir, "out")
	args := []string{"-m", b.ModelPath, "-f", input, "-oj", "-of", outBase, "-np"}
	if lang := strings.TrimSpace(b.Language); lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}
	if b.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.Threads))
	}

	if stderr, err := b.run(ctx, b.WhisperPath, args...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return note.RawTranscript{}, classifyContext(ctxErr)
		}
		return note.RawTranscript{}, fmt.Errorf("whisper transcribe failed: %w (%s)", err, stderr)
	}

	data, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return note.RawTranscript{}, fmt.Errorf("reading whisper output: %w", err)
	}
	tr, err := parseWhisperJSON(data)
	if err != nil {
		return note.RawTranscript{}, err
	}
	tr.ModelUsed = b.Name()
	return tr, nil
}

func (b *AccuracyBackend) convert(ctx context.Context, src, dst string) error {
	if _, err := exec.LookPath(b.FFmpegPath); err != nil {
		return fmt.Errorf("%w: ffmpeg not found: %v", ErrBackendUnavailable, err)
	}
	stderr, err := b.run(ctx, b.FFmpegPath,
		"-nostdin", "-i", src,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-y", dst,
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classifyContext(ctxErr)
	}
	if isUndecodable(stderr) {
		return fmt.Errorf("%w: ffmpeg could not decode %s", ErrUnsupportedFormat, filepath.Base(src))
	}
	return fmt.Errorf("ffmpeg conversion failed: %w (%s)", err, stderr)
}

func isUndecodable(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "invalid data found when processing input") ||
		strings.Contains(s, "could not find codec parameters") ||
		strings.Contains(s, "does not contain any stream")
}

type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperJSON(data []byte) (note.RawTranscript, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return note.RawTranscript{}, fmt.Errorf("parsing whisper output: %w", err)
	}

	var tr note.RawTranscript
	parts := make([]string, 0, len(out.Transcription))
	for _, seg := range out.Transcription {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		tr.Segments = append(tr.Segments, note.Segment{
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  text,
		})
	}
	tr.Text = strings.Join(parts, " ")
	if n := len(tr.Segments); n > 0 {
		tr.DurationSeconds = tr.Segments[n-1].End
	}
	return tr, nil
}

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && ctx.Err() == nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return strings.TrimSpace(stderr.String()), err
}
