package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

func validConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:        8080,
			Address:     "0.0.0.0",
			Enabled:     true,
			MaxUploadMB: 100,
		},
		Chunking: ChunkingConfig{
			ChunkDuration:     45,
			Overlap:           2,
			MaxConcurrency:    4,
			ChunkTimeout:      60,
			JobTimeout:        1800,
			FastFailOnFatal:   true,
			FastFailThreshold: 1,
			DedupeMaxWords:    8,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseBackoffMs: 500,
			MaxBackoffMs:  30000,
			JitterMs:      250,
		},
		Transcription: TranscriptionConfig{
			Provider:     "http",
			Endpoint:     "https://api.example.com/transcribe",
			APIKey:       "test-key",
			Timeout:      30,
			OutputFormat: "json",
		},
		Jobs: JobsConfig{
			MaxActive: 8,
			Retention: 3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(c *Config)
		errorMsg string
	}{
		{"valid configuration", func(c *Config) {}, ""},
		{"invalid http port", func(c *Config) { c.HTTP.Port = 70000 }, "http port must be between"},
		{"overlap not shorter than chunk", func(c *Config) { c.Chunking.Overlap = 45 }, "overlap"},
		{"zero concurrency", func(c *Config) { c.Chunking.MaxConcurrency = 0 }, "max_concurrency must be at least 1"},
		{"negative job timeout", func(c *Config) { c.Chunking.JobTimeout = -1 }, "job_timeout cannot be negative"},
		{"zero fast-fail threshold", func(c *Config) { c.Chunking.FastFailThreshold = 0 }, "fast_fail_threshold"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts must be at least 1"},
		{"backoff cap below base", func(c *Config) { c.Retry.MaxBackoffMs = 100 }, "max_backoff_ms"},
		{"unknown provider", func(c *Config) { c.Transcription.Provider = "grpc" }, "provider must be"},
		{"missing endpoint", func(c *Config) { c.Transcription.Endpoint = "" }, "endpoint cannot be empty"},
		{"openai without endpoint", func(c *Config) {
			c.Transcription.Provider = "openai"
			c.Transcription.Endpoint = ""
		}, ""},
		{"missing api key", func(c *Config) { c.Transcription.APIKey = "" }, "api_key cannot be empty"},
		{"invalid output format", func(c *Config) { c.Transcription.OutputFormat = "xml" }, "output_format"},
		{"negative max active", func(c *Config) { c.Jobs.MaxActive = -1 }, "max_active cannot be negative"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "trace" }, "level must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(&config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}

			if err == nil {
				t.Errorf("Expected error containing %q but got none", tt.errorMsg)
			} else if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestChunkingValidationWrapsPlannerError(t *testing.T) {
	config := validConfig()
	config.Chunking.ChunkDuration = 0
	config.Chunking.Overlap = 0

	if err := config.Validate(); !errors.Is(err, audio.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  port: 8080
  address: "127.0.0.1"
  enabled: true
chunking:
  chunk_duration: 30
  overlap: 1.5
  max_concurrency: 2
  fast_fail_on_fatal: true
retry:
  max_attempts: 5
  base_backoff_ms: 200
  max_backoff_ms: 5000
  jitter_ms: 100
transcription:
  endpoint: "https://api.example.com/transcribe"
  api_key: "test-key"
logging:
  level: "debug"
  format: "json"
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
chunking:
  max_concurrency: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing endpoint",
			configYAML: `
transcription:
  api_key: "test-key"
`,
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}

			if config.Chunking.GetOverlap() != 1500*time.Millisecond {
				t.Errorf("Expected overlap 1.5s, got %v", config.Chunking.GetOverlap())
			}

			// Unset values fall back to defaults
			if config.Transcription.Timeout != 30 || config.Jobs.Retention != 3600 {
				t.Errorf("Expected defaults to be applied, got timeout %d retention %d",
					config.Transcription.Timeout, config.Jobs.Retention)
			}

			if config.Logging.Output != "stdout" {
				t.Errorf("Expected default output stdout, got %q", config.Logging.Output)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestEnvOverridesAPIKey(t *testing.T) {
	config := validConfig()

	t.Setenv(EnvAPIKey, "from-env")
	config.ApplyEnv()
	if config.Transcription.APIKey != "from-env" {
		t.Errorf("Expected API key from %s, got %q", EnvAPIKey, config.Transcription.APIKey)
	}

	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "sk-openai")

	config = validConfig()
	config.ApplyEnv()
	if config.Transcription.APIKey != "test-key" {
		t.Errorf("OPENAI_API_KEY must only apply to the openai provider, got %q", config.Transcription.APIKey)
	}

	config.Transcription.Provider = "openai"
	config.ApplyEnv()
	if config.Transcription.APIKey != "sk-openai" {
		t.Errorf("Expected OpenAI key, got %q", config.Transcription.APIKey)
	}
}

func TestDefaults(t *testing.T) {
	config := Default()

	if config.Chunking.GetChunkDuration() != audio.DefaultChunkDuration {
		t.Errorf("Expected default chunk duration %v, got %v", audio.DefaultChunkDuration, config.Chunking.GetChunkDuration())
	}

	if config.Chunking.GetOverlap() != 2*time.Second {
		t.Errorf("Expected default overlap 2s, got %v", config.Chunking.GetOverlap())
	}

	if config.Retry.GetRetryPolicy() != transcription.DefaultRetryPolicy() {
		t.Errorf("Expected default retry policy, got %+v", config.Retry.GetRetryPolicy())
	}
}

func TestDurationHelpers(t *testing.T) {
	chunking := ChunkingConfig{
		ChunkDuration: 45,
		Overlap:       0.5,
		ChunkTimeout:  60,
		JobTimeout:    600,
	}

	if chunking.GetChunkDuration() != 45*time.Second {
		t.Errorf("Expected 45 seconds, got %v", chunking.GetChunkDuration())
	}

	if chunking.GetOverlap() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", chunking.GetOverlap())
	}

	if chunking.GetChunkTimeoutDuration() != time.Minute {
		t.Errorf("Expected 1 minute, got %v", chunking.GetChunkTimeoutDuration())
	}

	if chunking.GetJobTimeoutDuration() != 10*time.Minute {
		t.Errorf("Expected 10 minutes, got %v", chunking.GetJobTimeoutDuration())
	}

	retry := RetryConfig{MaxAttempts: 4, BaseBackoffMs: 250, MaxBackoffMs: 8000, JitterMs: 50}
	policy := retry.GetRetryPolicy()
	if policy.MaxAttempts != 4 || policy.BaseBackoff != 250*time.Millisecond ||
		policy.MaxBackoff != 8*time.Second || policy.Jitter != 50*time.Millisecond {
		t.Errorf("Unexpected retry policy: %+v", policy)
	}

	jobs := JobsConfig{Retention: 120}
	if jobs.GetManagerConfig().Retention != 2*time.Minute {
		t.Errorf("Expected 2 minutes, got %v", jobs.GetManagerConfig().Retention)
	}
}

func TestPipelineConfig(t *testing.T) {
	config := validConfig()
	pc := config.GetPipelineConfig()

	if err := pc.Validate(); err != nil {
		t.Fatalf("Expected valid pipeline config, got %v", err)
	}

	if pc.MaxConcurrency != 4 || !pc.FastFailOnFatal || pc.JobTimeout != 30*time.Minute {
		t.Errorf("Unexpected pipeline config: %+v", pc)
	}
}

func TestNewSubmitter(t *testing.T) {
	config := validConfig()

	submitter, err := config.Transcription.NewSubmitter()
	if err != nil {
		t.Fatalf("NewSubmitter failed: %v", err)
	}
	if _, ok := submitter.(*transcription.HTTPSubmitter); !ok {
		t.Errorf("Expected *HTTPSubmitter, got %T", submitter)
	}

	config.Transcription.Provider = "openai"
	submitter, err = config.Transcription.NewSubmitter()
	if err != nil {
		t.Fatalf("NewSubmitter failed: %v", err)
	}
	if _, ok := submitter.(*transcription.OpenAISubmitter); !ok {
		t.Errorf("Expected *OpenAISubmitter, got %T", submitter)
	}
}
