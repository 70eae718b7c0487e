package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/notepipe/internal/note"
)

// SpeedBackend posts audio to an OpenAI-compatible speech-to-text server
// (faster-whisper-server, parakeet, LM Studio, ...). The server schedules
// its own work, so calls may overlap.
type SpeedBackend struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewSpeedBackend creates a backend targeting baseURL, e.g.
// "http://localhost:8000/v1".
func NewSpeedBackend(baseURL, model, apiKey string) *SpeedBackend {
	return &SpeedBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		// Deadlines come from the caller's context.
		httpClient: &http.Client{Timeout: 0},
	}
}

func (s *SpeedBackend) Name() string { return "speed:" + s.model }

func (s *SpeedBackend) ConcurrencySafe() bool { return true }

type verboseTranscription struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (s *SpeedBackend) Transcribe(ctx context.Context, audioPath string) (note.RawTranscript, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return note.RawTranscript{}, fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()

	// Stream the multipart body so large recordings are not buffered.
	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, filepath.Base(audioPath), s.model))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/transcriptions", pr)
	if err != nil {
		return note.RawTranscript{}, fmt.Errorf("creating transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return note.RawTranscript{}, classifyContext(ctxErr)
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return note.RawTranscript{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return note.RawTranscript{}, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType:
		return note.RawTranscript{}, fmt.Errorf("%w: server rejected %s", ErrUnsupportedFormat, filepath.Ext(audioPath))
	case resp.StatusCode == http.StatusServiceUnavailable:
		return note.RawTranscript{}, fmt.Errorf("%w: HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return note.RawTranscript{}, fmt.Errorf("transcription: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out verboseTranscription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return note.RawTranscript{}, fmt.Errorf("decoding transcription response: %w", err)
	}

	tr := note.RawTranscript{
		Text:            strings.TrimSpace(out.Text),
		ModelUsed:       s.Name(),
		DurationSeconds: out.Duration,
	}
	for _, seg := range out.Segments {
		tr.Segments = append(tr.Segments, note.Segment{Start: seg.Start, End: seg.End, Text: strings.TrimSpace(seg.Text)})
	}
	if tr.DurationSeconds == 0 && len(tr.Segments) > 0 {
		tr.DurationSeconds = tr.Segments[len(tr.Segments)-1].End
	}
	return tr, nil
}

func writeForm(mw *multipart.Writer, audio io.Reader, filename, model string) error {
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return err
		}
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return err
	}
	return mw.Close()
}
