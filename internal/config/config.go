package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stowage-dev/stowage/internal/progress"
	"github.com/stowage-dev/stowage/internal/source"
	"github.com/stowage-dev/stowage/internal/transfer"
	"github.com/stowage-dev/stowage/pkg/upload"
)

// Config defines configuration for the stowage service and CLI.
type Config struct {
	Listen           string                    `yaml:"listen"`
	LogLevel         string                    `yaml:"log_level"`
	ChunkSize        int64                     `yaml:"chunk_size"`
	ProgressInterval time.Duration             `yaml:"progress_interval"`
	Journal          string                    `yaml:"journal"`
	Output           string                    `yaml:"output"`
	Source           SourceConfig              `yaml:"source"`
	Retry            RetryConfig               `yaml:"retry"`
	Backends         map[string]map[string]any `yaml:"backends"`
}

// SourceConfig tunes the HTTP client that reads sources.
type SourceConfig struct {
	HeaderTimeout   time.Duration `yaml:"header_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	UserAgent       string        `yaml:"user_agent"`
}

// Options converts the section into source client options.
func (c SourceConfig) Options() source.Options {
	return source.Options{
		MaxIdleConnsPerHost: c.MaxIdleConns,
		HeaderTimeout:       c.HeaderTimeout,
		RetryAttempts:       c.RetryAttempts,
		RetryBackoff:        c.RetryBackoff,
		RetryMaxBackoff:     c.RetryMaxBackoff,
		UserAgent:           c.UserAgent,
	}
}

// RetryConfig defines how often a retryable transfer failure is
// re-attempted before it is reported to the caller.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	src := source.DefaultOptions()
	return Config{
		Listen:           ":8080",
		LogLevel:         "info",
		ChunkSize:        transfer.DefaultChunkSize,
		ProgressInterval: 30 * time.Second,
		Source: SourceConfig{
			HeaderTimeout:   src.HeaderTimeout,
			RetryAttempts:   src.RetryAttempts,
			RetryBackoff:    src.RetryBackoff,
			RetryMaxBackoff: src.RetryMaxBackoff,
			MaxIdleConns:    src.MaxIdleConnsPerHost,
			UserAgent:       src.UserAgent,
		},
		Retry: RetryConfig{
			Attempts:   3,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and
// durations.
type yamlConfig struct {
	Listen           string                    `yaml:"listen"`
	LogLevel         string                    `yaml:"log_level"`
	ChunkSize        string                    `yaml:"chunk_size"`
	ProgressInterval string                    `yaml:"progress_interval"`
	Journal          string                    `yaml:"journal"`
	Output           string                    `yaml:"output"`
	Source           yamlSourceConfig          `yaml:"source"`
	Retry            yamlRetryConfig           `yaml:"retry"`
	Backends         map[string]map[string]any `yaml:"backends"`
}

type yamlSourceConfig struct {
	HeaderTimeout   string `yaml:"header_timeout"`
	RetryAttempts   int    `yaml:"retry_attempts"`
	RetryBackoff    string `yaml:"retry_backoff"`
	RetryMaxBackoff string `yaml:"retry_max_backoff"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	UserAgent       string `yaml:"user_agent"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file, layered over the
// defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Listen != "" {
		cfg.Listen = yc.Listen
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.ChunkSize != "" {
		size, err := progress.ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if yc.ProgressInterval != "" {
		d, err := time.ParseDuration(yc.ProgressInterval)
		if err != nil {
			return Config{}, fmt.Errorf("parse progress_interval: %w", err)
		}
		cfg.ProgressInterval = d
	}
	if yc.Journal != "" {
		cfg.Journal = yc.Journal
	}
	if yc.Output != "" {
		cfg.Output = yc.Output
	}

	if yc.Source.HeaderTimeout != "" {
		d, err := time.ParseDuration(yc.Source.HeaderTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse source.header_timeout: %w", err)
		}
		cfg.Source.HeaderTimeout = d
	}
	if yc.Source.RetryAttempts != 0 {
		cfg.Source.RetryAttempts = yc.Source.RetryAttempts
	}
	if yc.Source.RetryBackoff != "" {
		d, err := time.ParseDuration(yc.Source.RetryBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse source.retry_backoff: %w", err)
		}
		cfg.Source.RetryBackoff = d
	}
	if yc.Source.RetryMaxBackoff != "" {
		d, err := time.ParseDuration(yc.Source.RetryMaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse source.retry_max_backoff: %w", err)
		}
		cfg.Source.RetryMaxBackoff = d
	}
	if yc.Source.MaxIdleConns != 0 {
		cfg.Source.MaxIdleConns = yc.Source.MaxIdleConns
	}
	if yc.Source.UserAgent != "" {
		cfg.Source.UserAgent = yc.Source.UserAgent
	}

	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	cfg.Backends = yc.Backends
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the STOWAGE_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("STOWAGE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("STOWAGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STOWAGE_CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = size
	}
	if v := os.Getenv("STOWAGE_PROGRESS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_PROGRESS_INTERVAL: %w", err)
		}
		c.ProgressInterval = d
	}
	if v := os.Getenv("STOWAGE_JOURNAL"); v != "" {
		c.Journal = v
	}
	if v := os.Getenv("STOWAGE_OUTPUT"); v != "" {
		c.Output = v
	}
	if v := os.Getenv("STOWAGE_SOURCE_HEADER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_SOURCE_HEADER_TIMEOUT: %w", err)
		}
		c.Source.HeaderTimeout = d
	}
	if v := os.Getenv("STOWAGE_SOURCE_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_SOURCE_RETRY_ATTEMPTS: %w", err)
		}
		c.Source.RetryAttempts = n
	}
	if v := os.Getenv("STOWAGE_SOURCE_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_SOURCE_RETRY_BACKOFF: %w", err)
		}
		c.Source.RetryBackoff = d
	}
	if v := os.Getenv("STOWAGE_SOURCE_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_SOURCE_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Source.RetryMaxBackoff = d
	}
	if v := os.Getenv("STOWAGE_SOURCE_MAX_IDLE_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_SOURCE_MAX_IDLE_CONNS: %w", err)
		}
		c.Source.MaxIdleConns = n
	}
	if v := os.Getenv("STOWAGE_SOURCE_USER_AGENT"); v != "" {
		c.Source.UserAgent = v
	}
	if v := os.Getenv("STOWAGE_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("STOWAGE_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("STOWAGE_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STOWAGE_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}

	return nil
}

// DecodeBackend decodes the options map for one backend scheme into
// out, a pointer to the backend's options struct. Unknown keys are an
// error so typos in config files do not pass silently. A scheme with
// no section leaves out untouched.
func (c *Config) DecodeBackend(scheme string, out any) error {
	raw, ok := c.Backends[scheme]
	if !ok {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("config: backend %s: %w", scheme, err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("config: backend %s: %w", scheme, err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.Journal == "" {
		return errors.New("config: journal URL is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	if c.Output != "" {
		if _, err := upload.ParseDestination(c.Output); err != nil {
			return fmt.Errorf("config: output: %w", err)
		}
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Listen != "" {
		c.Listen = override.Listen
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.ProgressInterval != 0 {
		c.ProgressInterval = override.ProgressInterval
	}
	if override.Journal != "" {
		c.Journal = override.Journal
	}
	if override.Output != "" {
		c.Output = override.Output
	}
	if override.Source.HeaderTimeout != 0 {
		c.Source.HeaderTimeout = override.Source.HeaderTimeout
	}
	if override.Source.RetryAttempts != 0 {
		c.Source.RetryAttempts = override.Source.RetryAttempts
	}
	if override.Source.RetryBackoff != 0 {
		c.Source.RetryBackoff = override.Source.RetryBackoff
	}
	if override.Source.RetryMaxBackoff != 0 {
		c.Source.RetryMaxBackoff = override.Source.RetryMaxBackoff
	}
	if override.Source.MaxIdleConns != 0 {
		c.Source.MaxIdleConns = override.Source.MaxIdleConns
	}
	if override.Source.UserAgent != "" {
		c.Source.UserAgent = override.Source.UserAgent
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.Backends != nil {
		c.Backends = override.Backends
	}
	return c
}
