package config

import (
	"fmt"
	"time"
)

// AssistantConfig identifies the mailbox the coordinator answers as
type AssistantConfig struct {
	Address        string
	DisplayName    string
	AllowedDomains []string
}

// CoordinationConfig tunes the coordination state machine
type CoordinationConfig struct {
	DefaultDuration     time.Duration
	TimeZone            string
	ReasoningMode       bool
	ReasoningTimeout    time.Duration
	ReconcileRetryBound int
	MaxClarifications   int
	Horizon             time.Duration
	MinConfidence       float64
}

// Location loads the configured time zone, falling back to UTC
func (c CoordinationConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// LLMConfig represents the configuration for the LLM provider
type LLMConfig struct {
	Provider     string
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// StoreConfig selects and tunes the state store
type StoreConfig struct {
	Type             string
	SQLitePath       string
	MySQLDSN         string
	LeaseTTL         time.Duration
	LeaseWait        time.Duration
	CleanupFrequency time.Duration
}

// ServerConfig tunes the inbound SMTP listener
type ServerConfig struct {
	ListenAddress   string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// OutboundConfig selects the outbound transport
type OutboundConfig struct {
	Type        string
	SMTPAddress string
	SMTPPort    int
	Timeout     time.Duration
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
}

// GetAssistant returns the assistant identity
func (c *Config) GetAssistant() AssistantConfig {
	return AssistantConfig{
		Address:        c.GetString("assistant.address"),
		DisplayName:    c.GetString("assistant.display_name"),
		AllowedDomains: c.GetStringSlice("assistant.allowed_domains"),
	}
}

// GetCoordination returns the coordination settings
func (c *Config) GetCoordination() CoordinationConfig {
	return CoordinationConfig{
		DefaultDuration:     c.durationOr("coordination.default_duration", 30*time.Minute),
		TimeZone:            c.GetString("coordination.timezone"),
		ReasoningMode:       c.GetBool("coordination.reasoning_mode"),
		ReasoningTimeout:    c.durationOr("coordination.reasoning_timeout", 20*time.Second),
		ReconcileRetryBound: c.GetInt("coordination.reconcile_retry_bound"),
		MaxClarifications:   c.GetInt("coordination.max_clarifications"),
		Horizon:             c.durationOr("coordination.horizon", 60*24*time.Hour),
		MinConfidence:       c.GetFloat64("coordination.min_confidence"),
	}
}

// GetLLM returns the LLM configuration
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		Provider:     c.GetString("llm.provider"),
		Timeout:      c.durationOr("llm.timeout", 30*time.Second),
		MaxAttempts:  c.GetInt("llm.max_attempts"),
		RetryBackoff: c.durationOr("llm.retry_backoff", time.Second),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize: c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize: c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
		MaxBodySize: c.GetInt("openai.max_body_size"),
	}
}

// GetStore returns the store configuration
func (c *Config) GetStore() StoreConfig {
	return StoreConfig{
		Type:             c.GetString("store.type"),
		SQLitePath:       c.GetString("store.sqlite_path"),
		MySQLDSN:         c.GetString("store.mysql_dsn"),
		LeaseTTL:         c.durationOr("store.lease_ttl", 2*time.Minute),
		LeaseWait:        c.durationOr("store.lease_wait", 30*time.Second),
		CleanupFrequency: c.durationOr("store.cleanup_frequency", time.Hour),
	}
}

// GetServer returns the inbound listener configuration
func (c *Config) GetServer() ServerConfig {
	return ServerConfig{
		ListenAddress:   c.GetString("server.listen_address"),
		Domain:          c.GetString("server.domain"),
		MaxMessageBytes: int64(c.GetInt("server.max_message_bytes")),
		MaxRecipients:   c.GetInt("server.max_recipients"),
		ReadTimeout:     c.durationOr("server.read_timeout", time.Minute),
		WriteTimeout:    c.durationOr("server.write_timeout", time.Minute),
	}
}

// GetOutbound returns the outbound transport configuration
func (c *Config) GetOutbound() OutboundConfig {
	return OutboundConfig{
		Type:        c.GetString("outbound.type"),
		SMTPAddress: c.GetString("outbound.smtp_address"),
		SMTPPort:    c.GetInt("outbound.smtp_port"),
		Timeout:     c.durationOr("outbound.timeout", 30*time.Second),
	}
}

// GetMetrics returns the metrics configuration
func (c *Config) GetMetrics() MetricsConfig {
	return MetricsConfig{
		Enabled:       c.GetBool("metrics.enabled"),
		ListenAddress: c.GetString("metrics.listen_address"),
	}
}

// Validate checks the settings the coordinator cannot run without
func (c *Config) Validate() error {
	if c.GetAssistant().Address == "" {
		return fmt.Errorf("assistant.address is required")
	}
	switch p := c.GetLLM().Provider; p {
	case "bedrock", "openai", "gemini", "none":
	default:
		return fmt.Errorf("unsupported LLM provider: %s", p)
	}
	switch t := c.GetStore().Type; t {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported store type: %s", t)
	}
	switch t := c.GetOutbound().Type; t {
	case "smtp", "log":
	default:
		return fmt.Errorf("unsupported outbound type: %s", t)
	}
	if _, err := c.GetCoordination().Location(); err != nil {
		return err
	}
	return nil
}
