package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis/source"
)

const (
	configName = ".device-analyzer"
	configType = "yaml"
	envPrefix  = "DEVICE_ANALYZER"
)

const (
	DefaultConcurrency       = 1
	DefaultMaxRetries        = 3
	DefaultAPITimeoutSeconds = 60
	DefaultMaxChunkChars     = 6000
	DefaultRetryBaseDelay    = 2 * time.Second
	DefaultModel             = "glm-4-flash"
	DefaultCheckpointPath    = "processed_records.json"
	DefaultResultsDir        = "analysis_results"
	DefaultSourceKind        = "postgres"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
)

// Config is the full CLI configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	LLM     LLMConfig     `mapstructure:"llm"`
	State   StateConfig   `mapstructure:"state"`
	Source  SourceConfig  `mapstructure:"source"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type EngineConfig struct {
	Concurrency       int           `mapstructure:"concurrency" validate:"min=1,max=10"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"min=1,max=10"`
	APITimeoutSeconds int           `mapstructure:"api_timeout_seconds" validate:"min=10,max=300"`
	MaxChunkChars     int           `mapstructure:"max_chunk_chars" validate:"min=1"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay" validate:"min=0"`
}

type LLMConfig struct {
	Model             string  `mapstructure:"model" validate:"required"`
	BaseURL           string  `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey            string  `mapstructure:"api_key"`
	StructuredOutput  bool    `mapstructure:"structured_output"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
	MaxOutputTokens   int64   `mapstructure:"max_output_tokens" validate:"min=0"`
	PromptFile        string  `mapstructure:"prompt_file"`
}

type StateConfig struct {
	CheckpointPath string `mapstructure:"checkpoint_path" validate:"required"`
	ResultsDir     string `mapstructure:"results_dir" validate:"required"`
}

type SourceConfig struct {
	Kind     string `mapstructure:"kind" validate:"oneof=postgres mysql jsonl"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Path     string `mapstructure:"path"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn warning error off disabled"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=console json"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// APITimeout returns the per-call deadline.
func (c EngineConfig) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSeconds) * time.Second
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field bounds and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q (value %v)", configFieldName(fe.Namespace()), fe.Tag()+paramSuffix(fe.Param()), fe.Value())
		}
		return err
	}
	return nil
}

// ValidateSource checks that the configured source can be opened.
func (c SourceConfig) ValidateSource() error {
	switch c.Kind {
	case "postgres", "mysql":
		if c.DSN == "" {
			return fmt.Errorf("source.dsn is required for source.kind=%s", c.Kind)
		}
	case "jsonl":
		if c.Path == "" {
			return errors.New("source.path is required for source.kind=jsonl")
		}
	default:
		return fmt.Errorf("unknown source.kind %q", c.Kind)
	}
	return nil
}

// ResolveAPIKey returns llm.api_key or falls back to OPENAI_API_KEY.
func (c LLMConfig) ResolveAPIKey() (string, error) {
	if c.APIKey != "" {
		return c.APIKey, nil
	}
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		return k, nil
	}
	return "", errors.New("missing OPENAI_API_KEY (or set llm.api_key)")
}

// newViper returns a viper instance with defaults and env binding that searches for
// .device-analyzer.yaml in the working directory and $HOME. SetConfigFile overrides the search.
func newViper() *viper.Viper {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configName)
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	return v
}

// LoadConfig reads defaults, the config file, env and any flags already bound to v.
// A missing config file is not an error.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("engine.concurrency", DefaultConcurrency)
	v.SetDefault("engine.max_retries", DefaultMaxRetries)
	v.SetDefault("engine.api_timeout_seconds", DefaultAPITimeoutSeconds)
	v.SetDefault("engine.max_chunk_chars", DefaultMaxChunkChars)
	v.SetDefault("engine.retry_base_delay", DefaultRetryBaseDelay)

	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.structured_output", false)
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("llm.max_output_tokens", 0)
	v.SetDefault("llm.prompt_file", "")

	v.SetDefault("state.checkpoint_path", DefaultCheckpointPath)
	v.SetDefault("state.results_dir", DefaultResultsDir)

	v.SetDefault("source.kind", DefaultSourceKind)
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.table", source.DefaultTable)
	v.SetDefault("source.path", "")
	v.SetDefault("source.max_conns", 0)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)

	v.SetDefault("metrics.addr", "")
}

// configFieldName maps "Config.Engine.MaxRetries" to "Engine.MaxRetries".
func configFieldName(ns string) string {
	return strings.TrimPrefix(ns, "Config.")
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
