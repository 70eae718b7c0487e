package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Watch       WatchConfig
	Storage     StorageConfig
	Transcriber TranscriberConfig
	Extractor   ExtractorConfig
	Pipeline    PipelineConfig
	Notes       NotesConfig
	Log         LogConfig
	Server      ServerConfig
}

type WatchConfig struct {
	InputDir      string
	Extensions    []string
	PollInterval  time.Duration
	QuietInterval time.Duration
	Cooldown      time.Duration
	ScanExisting  bool
}

type StorageConfig struct {
	OutputDir string
	DBPath    string
}

type TranscriberConfig struct {
	Backend     string
	WhisperPath string
	FFmpegPath  string
	ModelPath   string
	Language    string
	Threads     int
	URL         string
	Model       string
	APIKey      string
}

type ExtractorConfig struct {
	URL            string
	Model          string
	APIKey         string
	Temperature    float64
	MaxTokens      int
	MaxConcurrency int
	MaxInputTokens int
	Timeout        time.Duration
}

type PipelineConfig struct {
	Workers           int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	TranscribeTimeout time.Duration
}

type NotesConfig struct {
	Categories []string
}

type LogConfig struct {
	Level string
}

type ServerConfig struct {
	Port    int
	MCPPort int
	Token   string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Watch: WatchConfig{
			InputDir:      filepath.Join("notes", "input"),
			Extensions:    []string{".m4a", ".mp3", ".wav", ".ogg", ".flac", ".aac", ".webm", ".mp4"},
			PollInterval:  time.Second,
			QuietInterval: 2 * time.Second,
			Cooldown:      30 * time.Second,
		},
		Storage: StorageConfig{
			OutputDir: filepath.Join("notes", "processed"),
			DBPath:    filepath.Join(dataDir, "notes.db"),
		},
		Transcriber: TranscriberConfig{
			Backend:     "accuracy",
			WhisperPath: "whisper-cli",
			ModelPath:   "models/ggml-large-v3-turbo.bin",
			Language:    "auto",
			Threads:     4,
			URL:         "http://localhost:8000/v1",
			Model:       "parakeet-tdt-0.6b",
		},
		Extractor: ExtractorConfig{
			URL:            "http://localhost:1234/v1/chat/completions",
			Model:          "local-model",
			Temperature:    0.2,
			MaxTokens:      16384,
			MaxConcurrency: 1,
			MaxInputTokens: 12000,
			Timeout:        5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:           2,
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			TranscribeTimeout: 30 * time.Minute,
		},
		Notes: NotesConfig{
			Categories: []string{"Work", "Personal", "Ideas", "Meeting"},
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/notepipe/config.json, then a .env file in the working
// directory, then NOTEPIPE_* environment variables. Later sources win.
// Secrets (API keys) are only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), ".env")
}

func loadWith(b ConfigBackend, dotenv string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	// godotenv never overrides variables that are already set.
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read %s: %v\n", dotenv, err)
		}
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Watch.InputDir == "" {
		errs = append(errs, errors.New("watch.input_dir must be set"))
	}
	if c.Storage.OutputDir == "" {
		errs = append(errs, errors.New("storage.output_dir must be set"))
	}
	if c.Extractor.URL == "" {
		errs = append(errs, errors.New("extractor.url must be set"))
	}
	if c.Extractor.Temperature < 0 || c.Extractor.Temperature > 2 {
		errs = append(errs, fmt.Errorf("extractor.temperature %v out of range [0, 2]", c.Extractor.Temperature))
	}
	if c.Extractor.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("extractor.max_tokens must be positive, got %d", c.Extractor.MaxTokens))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_attempts must be positive, got %d", c.Pipeline.MaxAttempts))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
