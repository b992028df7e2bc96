// Package config defines the gateway configuration: YAML with environment
// variable expansion, defaults, validation, and a reflected JSON schema.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Providers     []ProviderConfig    `yaml:"providers" json:"providers"`
	Engine        EngineConfig        `yaml:"engine" json:"engine"`
	Retry         RetryConfig         `yaml:"retry" json:"retry"`
	Store         StoreConfig         `yaml:"store" json:"store"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address. Default: "0.0.0.0"
	Host string `yaml:"host" json:"host"`

	// Port is the listen port. Default: 8080
	Port int `yaml:"port" json:"port"`

	// ReadHeaderTimeoutMs bounds header reads. Default: 10000
	ReadHeaderTimeoutMs int `yaml:"read_header_timeout_ms" json:"read_header_timeout_ms"`

	// ShutdownTimeoutMs bounds graceful shutdown. Default: 30000
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms" json:"shutdown_timeout_ms"`
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	// ID is the identifier clients select with provider_id.
	ID string `yaml:"id" json:"id"`

	// Kind selects the wire dialect: "openai" or "anthropic".
	Kind string `yaml:"kind" json:"kind"`

	// BaseURL is the upstream API root, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey authenticates against the upstream. Supports ${ENV} expansion.
	APIKey string `yaml:"api_key" json:"api_key"`

	// APIVersion is sent as anthropic-version for anthropic providers.
	// Default: "2023-06-01"
	APIVersion string `yaml:"api_version,omitempty" json:"api_version,omitempty"`

	// DefaultModel is used when a request omits model.
	DefaultModel string `yaml:"default_model" json:"default_model"`

	// MaxTokens is the default max_tokens for anthropic requests, which
	// require it. Default: 4096
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// PromptCache enables cache_control annotation on outbound requests.
	PromptCache bool `yaml:"prompt_cache" json:"prompt_cache"`
}

// EngineConfig configures the orchestration loop.
type EngineConfig struct {
	// MaxIterations caps tool rounds per turn. Default: 10
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// MessageWindow caps history rehydration. Default: 200
	MessageWindow int `yaml:"message_window" json:"message_window"`

	// TurnTimeoutMs bounds a whole turn; 0 disables. Default: 0
	TurnTimeoutMs int `yaml:"turn_timeout_ms" json:"turn_timeout_ms"`

	// ParallelTools configures concurrent tool execution.
	ParallelTools ParallelToolsConfig `yaml:"parallel_tools" json:"parallel_tools"`
}

// ParallelToolsConfig controls concurrent execution of a tool batch.
type ParallelToolsConfig struct {
	// Enabled turns on parallel execution. Default: false
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Concurrency is the default number of concurrent tools. Default: 3
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// MaxConcurrency clamps per-request overrides. Default: 5
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// TimeoutMs bounds one batch. Default: 10000
	TimeoutMs int `yaml:"timeout_ms" json:"timeout_ms"`
}

// RetryConfig configures upstream retry behavior.
type RetryConfig struct {
	// MaxRetries is the retry count after the first attempt. Default: 3
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// InitialDelayMs is the first backoff delay. Default: 1000
	InitialDelayMs int `yaml:"initial_delay_ms" json:"initial_delay_ms"`

	// MaxDelayMs clamps the backoff delay. Default: 60000
	MaxDelayMs int `yaml:"max_delay_ms" json:"max_delay_ms"`

	// BackoffMultiplier is the exponential growth factor. Default: 2
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// JitterFactor is the symmetric jitter fraction. Default: 0.1
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite", "postgres". Default: "memory"
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the database connection string for sqlite and postgres.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// MaxMessagesPerConversation rejects turns past the cap; 0 disables.
	MaxMessagesPerConversation int `yaml:"max_messages_per_conversation" json:"max_messages_per_conversation"`

	// MaxConversationsPerSession rejects new conversations past the cap;
	// 0 disables.
	MaxConversationsPerSession int `yaml:"max_conversations_per_session" json:"max_conversations_per_session"`
}

// ObservabilityConfig configures tracing export.
type ObservabilityConfig struct {
	// OTLPEndpoint is the trace collector address; empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`

	// SamplingRate is the trace sampling fraction. Default: 1.0
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`

	// Environment tags exported spans (production, staging, dev).
	Environment string `yaml:"environment,omitempty" json:"environment,omitempty"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info"
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "text". Default: "json"
	Format string `yaml:"format" json:"format"`

	// AddSource includes file and line in log records.
	AddSource bool `yaml:"add_source,omitempty" json:"add_source,omitempty"`
}

// DefaultConfig returns a configuration with all defaults applied and no
// providers.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadHeaderTimeoutMs == 0 {
		c.Server.ReadHeaderTimeoutMs = 10000
	}
	if c.Server.ShutdownTimeoutMs == 0 {
		c.Server.ShutdownTimeoutMs = 30000
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind == "anthropic" && p.APIVersion == "" {
			p.APIVersion = "2023-06-01"
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = 4096
		}
	}

	if c.Engine.MaxIterations == 0 {
		c.Engine.MaxIterations = 10
	}
	if c.Engine.MessageWindow == 0 {
		c.Engine.MessageWindow = 200
	}
	if c.Engine.ParallelTools.Concurrency == 0 {
		c.Engine.ParallelTools.Concurrency = 3
	}
	if c.Engine.ParallelTools.MaxConcurrency == 0 {
		c.Engine.ParallelTools.MaxConcurrency = 5
	}
	if c.Engine.ParallelTools.TimeoutMs == 0 {
		c.Engine.ParallelTools.TimeoutMs = 10000
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelayMs == 0 {
		c.Retry.InitialDelayMs = 1000
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 60000
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2
	}
	if c.Retry.JitterFactor == 0 {
		c.Retry.JitterFactor = 0.1
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	if c.Observability.SamplingRate == 0 {
		c.Observability.SamplingRate = 1.0
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for contradictions that defaults cannot
// repair.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	seen := map[string]bool{}
	for i, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("providers[%d]: unknown kind %q", i, p.Kind)
		}
		if strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("providers[%d]: base_url is required", i)
		}
	}

	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be at least 1")
	}
	if c.Engine.MessageWindow < 1 {
		return fmt.Errorf("engine.message_window must be at least 1")
	}
	if c.Engine.ParallelTools.Concurrency > c.Engine.ParallelTools.MaxConcurrency {
		return fmt.Errorf("engine.parallel_tools.concurrency %d exceeds max_concurrency %d",
			c.Engine.ParallelTools.Concurrency, c.Engine.ParallelTools.MaxConcurrency)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be within [0, 1]")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}

	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("observability.sampling_rate must be within [0, 1]")
	}

	return nil
}

// Provider returns the provider config with the given id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
