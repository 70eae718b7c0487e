package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "int"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "watch.input_dir", typ: kString, env: "NOTEPIPE_INPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Watch.InputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Watch.InputDir },
	},
	{
		key: "watch.extensions", typ: kList, env: "NOTEPIPE_WATCH_EXTENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Watch.Extensions = v.([]string) },
		extract: func(cfg Config) any { return cfg.Watch.Extensions },
	},
	{
		key: "watch.poll_interval", typ: kDuration, env: "NOTEPIPE_WATCH_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Watch.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.PollInterval },
	},
	{
		key: "watch.quiet_interval", typ: kDuration, env: "NOTEPIPE_WATCH_QUIET_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Watch.QuietInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.QuietInterval },
	},
	{
		key: "watch.cooldown", typ: kDuration, env: "NOTEPIPE_WATCH_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Watch.Cooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.Cooldown },
	},
	{
		key: "watch.scan_existing", typ: kBool, env: "NOTEPIPE_WATCH_SCAN_EXISTING",
		apply:   func(cfg *Config, v any) { cfg.Watch.ScanExisting = v.(bool) },
		extract: func(cfg Config) any { return cfg.Watch.ScanExisting },
	},
	{
		key: "storage.output_dir", typ: kString, env: "NOTEPIPE_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.OutputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.OutputDir },
	},
	{
		key: "storage.db_path", typ: kString, env: "NOTEPIPE_DB_PATH",
		apply:   func(cfg *Config, v any) { cfg.Storage.DBPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DBPath },
	},
	{
		key: "transcriber.backend", typ: kString, env: "NOTEPIPE_TRANSCRIBER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.Backend },
	},
	{
		key: "transcriber.whisper_path", typ: kString, env: "NOTEPIPE_WHISPER_PATH",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.WhisperPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.WhisperPath },
	},
	{
		key: "transcriber.ffmpeg_path", typ: kString, env: "NOTEPIPE_FFMPEG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.FFmpegPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.FFmpegPath },
	},
	{
		key: "transcriber.model_path", typ: kString, env: "NOTEPIPE_WHISPER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.ModelPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.ModelPath },
	},
	{
		key: "transcriber.language", typ: kString, env: "NOTEPIPE_TRANSCRIBER_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.Language },
	},
	{
		key: "transcriber.threads", typ: kInt, env: "NOTEPIPE_TRANSCRIBER_THREADS",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.Threads = v.(int) },
		extract: func(cfg Config) any { return cfg.Transcriber.Threads },
	},
	{
		key: "transcriber.url", typ: kString, env: "NOTEPIPE_TRANSCRIBER_URL",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.URL },
	},
	{
		key: "transcriber.model", typ: kString, env: "NOTEPIPE_TRANSCRIBER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Transcriber.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.Model },
	},
	{
		key: "transcriber.api_key", typ: kString, env: "NOTEPIPE_TRANSCRIBER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Transcriber.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcriber.APIKey },
	},
	{
		key: "extractor.url", typ: kString, env: "NOTEPIPE_EXTRACTOR_URL",
		apply:   func(cfg *Config, v any) { cfg.Extractor.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Extractor.URL },
	},
	{
		key: "extractor.model", typ: kString, env: "NOTEPIPE_EXTRACTOR_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Extractor.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Extractor.Model },
	},
	{
		key: "extractor.api_key", typ: kString, env: "NOTEPIPE_EXTRACTOR_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Extractor.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Extractor.APIKey },
	},
	{
		key: "extractor.temperature", typ: kFloat, env: "NOTEPIPE_EXTRACTOR_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Extractor.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Extractor.Temperature },
	},
	{
		key: "extractor.max_tokens", typ: kInt, env: "NOTEPIPE_EXTRACTOR_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Extractor.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Extractor.MaxTokens },
	},
	{
		key: "extractor.max_concurrency", typ: kInt, env: "NOTEPIPE_EXTRACTOR_MAX_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Extractor.MaxConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Extractor.MaxConcurrency },
	},
	{
		key: "extractor.max_input_tokens", typ: kInt, env: "NOTEPIPE_EXTRACTOR_MAX_INPUT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Extractor.MaxInputTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Extractor.MaxInputTokens },
	},
	{
		key: "extractor.timeout", typ: kDuration, env: "NOTEPIPE_EXTRACTOR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Extractor.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Extractor.Timeout },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "NOTEPIPE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "NOTEPIPE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.initial_backoff", typ: kDuration, env: "NOTEPIPE_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.InitialBackoff },
	},
	{
		key: "pipeline.max_backoff", typ: kDuration, env: "NOTEPIPE_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxBackoff },
	},
	{
		key: "pipeline.transcribe_timeout", typ: kDuration, env: "NOTEPIPE_TRANSCRIBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TranscribeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.TranscribeTimeout },
	},
	{
		key: "notes.categories", typ: kList, env: "NOTEPIPE_CATEGORIES",
		apply:   func(cfg *Config, v any) { cfg.Notes.Categories = v.([]string) },
		extract: func(cfg Config) any { return cfg.Notes.Categories },
	},
	{
		key: "log.level", typ: kString, env: "NOTEPIPE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "server.port", typ: kInt, env: "NOTEPIPE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "NOTEPIPE_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.token", typ: kString, env: "NOTEPIPE_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
}

// parse converts raw text to the Go value for t.
func (t keyType) parse(raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return parseDuration(raw)
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}

// parseDuration accepts Go duration syntax or a plain number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
