// Package config provides configuration loading from environment variables
// and an optional .env file.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrOpenAIAPIKeyRequired is returned when OPENAI_API_KEY is not set.
	ErrOpenAIAPIKeyRequired = errors.New("config: OPENAI_API_KEY is required")
	// ErrInvalidValue is returned when a setting is out of range.
	ErrInvalidValue = errors.New("config: invalid value")
)

const defaultEnvFile = ".env"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port               int    `env:"PORT, default=8080" json:"port"`
	AllowedOrigins     string `env:"CORS_ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	SignedURLTTLSec    int    `env:"SIGNED_URL_TTL_SEC, default=900" json:"signed_url_ttl_sec"`
	ShutdownTimeoutSec int    `env:"SHUTDOWN_TIMEOUT_SEC, default=30" json:"shutdown_timeout_sec"`

	// Working directory for caches, scratch files and local storage
	DataDir string `env:"DATA_DIR, default=/tmp/studypod" json:"data_dir"`

	// OpenAI settings
	OpenAIAPIKey     string  `env:"OPENAI_API_KEY, required" json:"-"` // Masked in JSON
	OpenAIBaseURL    string  `env:"OPENAI_BASE_URL" json:"openai_base_url,omitempty"`
	OpenAIMaxRetries int     `env:"OPENAI_MAX_RETRIES, default=2" json:"openai_max_retries"`
	TTSModel         string  `env:"TTS_MODEL, default=tts-1" json:"tts_model"`
	TTSVoice         string  `env:"TTS_VOICE, default=alloy" json:"tts_voice"`
	TTSSpeed         float64 `env:"TTS_SPEED, default=1.0" json:"tts_speed"`
	ReduceModel      string  `env:"REDUCE_MODEL, default=gpt-4o-mini" json:"reduce_model"`

	// Audio settings
	FFmpegPath        string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath       string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	AudioBitrate      string `env:"AUDIO_BITRATE, default=128k" json:"audio_bitrate"`
	NormalizeLoudness bool   `env:"NORMALIZE_LOUDNESS, default=true" json:"normalize_loudness"`

	// Processing settings
	MaxSegmentChars       int `env:"MAX_SEGMENT_CHARS, default=1800" json:"max_segment_chars"`
	MaxConcurrentSegments int `env:"MAX_CONCURRENT_SEGMENTS, default=4" json:"max_concurrent_segments"`
	Workers               int `env:"WORKERS, default=2" json:"workers"`
	QueueSize             int `env:"QUEUE_SIZE, default=64" json:"queue_size"`
	GenerationAttempts    int `env:"GENERATION_ATTEMPTS, default=3" json:"generation_attempts"`
	GenerationBackoffMs   int `env:"GENERATION_BACKOFF_MS, default=2000" json:"generation_backoff_ms"`
	GenerationTimeoutSec  int `env:"GENERATION_TIMEOUT_SEC, default=900" json:"generation_timeout_sec"`
	MaxManualRetries      int `env:"MAX_MANUAL_RETRIES, default=3" json:"max_manual_retries"`
	StuckAfterSec         int `env:"STUCK_AFTER_SEC, default=1800" json:"stuck_after_sec"`
	ReaperIntervalSec     int `env:"REAPER_INTERVAL_SEC, default=60" json:"reaper_interval_sec"`

	// Optional Redis settings; when set, episodes and the queue live in Redis
	RedisAddr     string `env:"REDIS_ADDR" json:"redis_addr,omitempty"`
	RedisPassword string `env:"REDIS_PASSWORD" json:"-"` // Masked in JSON
	RedisDB       int    `env:"REDIS_DB, default=0" json:"redis_db"`
	RedisPrefix   string `env:"REDIS_PREFIX, default=studypod" json:"redis_prefix"`
	QueueName     string `env:"QUEUE_NAME, default=episodes" json:"queue_name"`
	// EmbeddedWorker runs the asynq worker inside the HTTP server process.
	EmbeddedWorker bool `env:"EMBEDDED_WORKER, default=true" json:"embedded_worker"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3PublicURL        string `env:"S3_PUBLIC_URL" json:"s3_public_url,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RedisEnabled returns true if a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// Origins returns the allowed CORS origins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// GenerationBackoff returns the initial delay between generation attempts.
func (c *Config) GenerationBackoff() time.Duration {
	return time.Duration(c.GenerationBackoffMs) * time.Millisecond
}

// GenerationTimeout returns the deadline of one generation run.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSec) * time.Second
}

// StuckAfter returns how long a pending episode may go without updates.
func (c *Config) StuckAfter() time.Duration {
	return time.Duration(c.StuckAfterSec) * time.Second
}

// ReaperInterval returns the period of the stuck episode sweep.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSec) * time.Second
}

// SignedURLTTL returns the validity of signed audio URLs.
func (c *Config) SignedURLTTL() time.Duration {
	return time.Duration(c.SignedURLTTLSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// Load reads an optional .env file (ENV_FILE, default ".env") and then the
// environment. Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "OPENAI_API_KEY") {
			return nil, ErrOpenAIAPIKeyRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Validate checks that all required configuration is present and in range.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return ErrOpenAIAPIKeyRequired
	}
	if c.MaxSegmentChars < 100 {
		return fmt.Errorf("%w: MAX_SEGMENT_CHARS must be at least 100, got %d", ErrInvalidValue, c.MaxSegmentChars)
	}
	if c.TTSSpeed < 0.25 || c.TTSSpeed > 4 {
		return fmt.Errorf("%w: TTS_SPEED must be between 0.25 and 4, got %g", ErrInvalidValue, c.TTSSpeed)
	}
	if c.GenerationAttempts < 1 {
		return fmt.Errorf("%w: GENERATION_ATTEMPTS must be at least 1, got %d", ErrInvalidValue, c.GenerationAttempts)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, DataDir: %s, OpenAIAPIKey: %s, TTSModel: %s, TTSVoice: %s, ReduceModel: %s, Workers: %d, RedisAddr: %s, RedisPassword: %s, S3Bucket: %s, S3Region: %s, AWSSecretAccessKey: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.DataDir,
		mask(c.OpenAIAPIKey),
		c.TTSModel,
		c.TTSVoice,
		c.ReduceModel,
		c.Workers,
		c.RedisAddr,
		mask(c.RedisPassword),
		c.S3Bucket,
		c.S3Region,
		mask(c.AWSSecretAccessKey),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
