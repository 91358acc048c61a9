package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/jobs"
	"github.com/skypro1111/chunkscribe/internal/pipeline"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

// Environment variables that override the configured API key
const (
	EnvAPIKey       = "CHUNKSCRIBE_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Retry         RetryConfig         `yaml:"retry"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port        int    `yaml:"port"`
	Address     string `yaml:"address"`
	Enabled     bool   `yaml:"enabled"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// ChunkingConfig contains chunk planning and dispatch parameters
type ChunkingConfig struct {
	ChunkDuration     float64 `yaml:"chunk_duration"` // seconds
	Overlap           float64 `yaml:"overlap"`        // seconds
	MaxConcurrency    int     `yaml:"max_concurrency"`
	ChunkTimeout      int     `yaml:"chunk_timeout"` // seconds per attempt, 0 disables
	JobTimeout        int     `yaml:"job_timeout"`   // seconds, 0 disables
	FastFailOnFatal   bool    `yaml:"fast_fail_on_fatal"`
	FastFailThreshold int     `yaml:"fast_fail_threshold"`
	DedupeMaxWords    int     `yaml:"dedupe_max_words"`
}

// RetryConfig contains the per-chunk retry policy
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMs int `yaml:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms"`
	JitterMs      int `yaml:"jitter_ms"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Provider     string `yaml:"provider"` // "http" or "openai"
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Language     string `yaml:"language"`
	Timeout      int    `yaml:"timeout"` // seconds
	OutputFormat string `yaml:"output_format"`
}

// JobsConfig contains job registry configuration
type JobsConfig struct {
	MaxActive int `yaml:"max_active"`
	Retention int `yaml:"retention"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	config := Config{Chunking: ChunkingConfig{Overlap: 2}}
	config.ApplyDefaults()
	return &config
}

// Load reads and parses the configuration file. API keys from the
// environment override the file; defaults fill unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv()
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides the API key from the environment
func (c *Config) ApplyEnv() {
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Transcription.APIKey = key
		return
	}
	if c.Transcription.Provider == "openai" {
		if key := os.Getenv(EnvOpenAIAPIKey); key != "" {
			c.Transcription.APIKey = key
		}
	}
}

// ApplyDefaults fills zero values with their defaults
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = "0.0.0.0"
	}
	if c.HTTP.MaxUploadMB == 0 {
		c.HTTP.MaxUploadMB = 100
	}

	if c.Chunking.ChunkDuration == 0 {
		c.Chunking.ChunkDuration = audio.DefaultChunkDuration.Seconds()
	}
	if c.Chunking.MaxConcurrency == 0 {
		c.Chunking.MaxConcurrency = 4
	}
	if c.Chunking.FastFailThreshold == 0 {
		c.Chunking.FastFailThreshold = 1
	}
	if c.Chunking.DedupeMaxWords == 0 {
		c.Chunking.DedupeMaxWords = pipeline.DefaultDedupeMaxWords
	}

	defaults := transcription.DefaultRetryPolicy()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if c.Retry.BaseBackoffMs == 0 {
		c.Retry.BaseBackoffMs = int(defaults.BaseBackoff.Milliseconds())
	}
	if c.Retry.MaxBackoffMs == 0 {
		c.Retry.MaxBackoffMs = int(defaults.MaxBackoff.Milliseconds())
	}
	if c.Retry.JitterMs == 0 {
		c.Retry.JitterMs = int(defaults.Jitter.Milliseconds())
	}

	if c.Transcription.Provider == "" {
		c.Transcription.Provider = "http"
	}
	if c.Transcription.Timeout == 0 {
		c.Transcription.Timeout = 30
	}
	if c.Transcription.OutputFormat == "" {
		c.Transcription.OutputFormat = "json"
	}

	if c.Jobs.Retention == 0 {
		c.Jobs.Retention = 3600
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking config: %w", err)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Jobs.Validate(); err != nil {
		return fmt.Errorf("jobs config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", h.MaxUploadMB)
	}

	return nil
}

// Validate validates chunking configuration
func (c *ChunkingConfig) Validate() error {
	if err := c.GetChunkingConfig().Validate(); err != nil {
		return err
	}

	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}

	if c.ChunkTimeout < 0 {
		return fmt.Errorf("chunk_timeout cannot be negative, got %d", c.ChunkTimeout)
	}

	if c.JobTimeout < 0 {
		return fmt.Errorf("job_timeout cannot be negative, got %d", c.JobTimeout)
	}

	if c.FastFailThreshold < 1 {
		return fmt.Errorf("fast_fail_threshold must be at least 1, got %d", c.FastFailThreshold)
	}

	if c.DedupeMaxWords < 0 {
		return fmt.Errorf("dedupe_max_words cannot be negative, got %d", c.DedupeMaxWords)
	}

	return nil
}

// Validate validates the retry policy
func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", r.MaxAttempts)
	}

	if r.BaseBackoffMs < 1 {
		return fmt.Errorf("base_backoff_ms must be positive, got %d", r.BaseBackoffMs)
	}

	if r.MaxBackoffMs < r.BaseBackoffMs {
		return fmt.Errorf("max_backoff_ms (%d) must not be below base_backoff_ms (%d)", r.MaxBackoffMs, r.BaseBackoffMs)
	}

	if r.JitterMs < 0 {
		return fmt.Errorf("jitter_ms cannot be negative, got %d", r.JitterMs)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http provider")
		}
	case "openai":
	default:
		return fmt.Errorf("provider must be 'http' or 'openai', got '%s'", t.Provider)
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the file or %s)", EnvAPIKey)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates job registry configuration
func (j *JobsConfig) Validate() error {
	if j.MaxActive < 0 {
		return fmt.Errorf("max_active cannot be negative, got %d", j.MaxActive)
	}

	if j.Retention < 1 {
		return fmt.Errorf("retention must be at least 1 second, got %d", j.Retention)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetChunkDuration returns the chunk duration as a time.Duration
func (c *ChunkingConfig) GetChunkDuration() time.Duration {
	return time.Duration(c.ChunkDuration * float64(time.Second))
}

// GetOverlap returns the overlap as a time.Duration
func (c *ChunkingConfig) GetOverlap() time.Duration {
	return time.Duration(c.Overlap * float64(time.Second))
}

// GetChunkTimeoutDuration returns the per-attempt timeout as a time.Duration
func (c *ChunkingConfig) GetChunkTimeoutDuration() time.Duration {
	return time.Duration(c.ChunkTimeout) * time.Second
}

// GetJobTimeoutDuration returns the job deadline as a time.Duration
func (c *ChunkingConfig) GetJobTimeoutDuration() time.Duration {
	return time.Duration(c.JobTimeout) * time.Second
}

// GetChunkingConfig returns the planner configuration
func (c *ChunkingConfig) GetChunkingConfig() audio.ChunkingConfig {
	return audio.ChunkingConfig{
		ChunkDuration: c.GetChunkDuration(),
		Overlap:       c.GetOverlap(),
	}
}

// GetRetryPolicy returns the retry policy
func (r *RetryConfig) GetRetryPolicy() transcription.RetryPolicy {
	return transcription.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseBackoff: time.Duration(r.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(r.MaxBackoffMs) * time.Millisecond,
		Jitter:      time.Duration(r.JitterMs) * time.Millisecond,
	}
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetClientConfig returns the submitter configuration
func (t *TranscriptionConfig) GetClientConfig() transcription.Config {
	return transcription.Config{
		Endpoint:     t.Endpoint,
		APIKey:       t.APIKey,
		Timeout:      t.GetTimeoutDuration(),
		Model:        t.Model,
		Language:     t.Language,
		OutputFormat: t.OutputFormat,
	}
}

// GetRetentionDuration returns the job retention as a time.Duration
func (j *JobsConfig) GetRetentionDuration() time.Duration {
	return time.Duration(j.Retention) * time.Second
}

// GetManagerConfig returns the job registry configuration
func (j *JobsConfig) GetManagerConfig() jobs.Config {
	return jobs.Config{
		MaxActive: j.MaxActive,
		Retention: j.GetRetentionDuration(),
	}
}

// GetPipelineConfig returns the pipeline configuration
func (c *Config) GetPipelineConfig() pipeline.Config {
	return pipeline.Config{
		Chunking:          c.Chunking.GetChunkingConfig(),
		MaxConcurrency:    c.Chunking.MaxConcurrency,
		JobTimeout:        c.Chunking.GetJobTimeoutDuration(),
		FastFailOnFatal:   c.Chunking.FastFailOnFatal,
		FastFailThreshold: c.Chunking.FastFailThreshold,
		DedupeMaxWords:    c.Chunking.DedupeMaxWords,
	}
}

// NewSubmitter creates the submitter for the configured provider
func (t *TranscriptionConfig) NewSubmitter() (transcription.Submitter, error) {
	if t.Provider == "openai" {
		submitter, err := transcription.NewOpenAISubmitter(t.GetClientConfig())
		if err != nil {
			return nil, err
		}
		return submitter, nil
	}

	submitter, err := transcription.NewHTTPSubmitter(t.GetClientConfig())
	if err != nil {
		return nil, err
	}
	return submitter, nil
}
