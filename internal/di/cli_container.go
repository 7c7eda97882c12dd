package di

import (
	"flag"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-meeting-coordinator/internal/adapters/outbound"
	"github.com/mikey/llm-meeting-coordinator/internal/config"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/factory"
	"github.com/mikey/llm-meeting-coordinator/internal/logging"
)

// CLIFlags contains all command line flags for the CLI application
type CLIFlags struct {
	// Coordination flags
	Assistant      string
	AllowedDomains string
	TimeZone       string
	Reasoning      bool

	// LLM provider flags
	Provider    string
	MaxTokens   int
	Temperature float64
	MaxBodySize int

	// Bedrock flags
	BedrockRegion  string
	BedrockModelID string

	// Gemini flags
	GeminiAPIKey    string
	GeminiModelName string

	// OpenAI flags
	OpenAIAPIKey    string
	OpenAIModelName string

	// Store flags
	Store      string
	SQLitePath string

	// Input flags
	InputFiles []string
	Send       bool
	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// ParseFlags parses command line flags and returns a CLIFlags struct.
// Positional arguments are message files processed in order.
func ParseFlags() *CLIFlags {
	flags := &CLIFlags{}

	// Coordination flags
	flag.StringVar(&flags.Assistant, "assistant", "assistant@localhost", "Address the coordinator answers as")
	flag.StringVar(&flags.AllowedDomains, "allowed-domains", "", "Comma-separated organizer domains allowed to start coordinations")
	flag.StringVar(&flags.TimeZone, "timezone", "UTC", "Time zone for interpreting and proposing times")
	flag.BoolVar(&flags.Reasoning, "reasoning", false, "Ask the model to propose the slot")

	// LLM provider flags
	flag.StringVar(&flags.Provider, "provider", "none", "LLM provider (bedrock, gemini, openai, none)")
	flag.IntVar(&flags.MaxTokens, "max-tokens", 1000, "Maximum tokens for LLM response")
	flag.Float64Var(&flags.Temperature, "temperature", 0.0, "Temperature for LLM generation")
	flag.IntVar(&flags.MaxBodySize, "max-body-size", 4096, "Maximum message body size to send to LLM")

	// Bedrock flags
	flag.StringVar(&flags.BedrockRegion, "bedrock-region", "us-east-1", "AWS region for Bedrock")
	flag.StringVar(&flags.BedrockModelID, "bedrock-model", "anthropic.claude-3-haiku-20240307-v1:0", "Bedrock model ID")

	// Gemini flags
	flag.StringVar(&flags.GeminiAPIKey, "gemini-api-key", "", "API key for Google Gemini")
	flag.StringVar(&flags.GeminiModelName, "gemini-model", "gemini-1.5-flash", "Gemini model name")

	// OpenAI flags
	flag.StringVar(&flags.OpenAIAPIKey, "openai-api-key", "", "API key for OpenAI")
	flag.StringVar(&flags.OpenAIModelName, "openai-model", "gpt-4o-mini", "OpenAI model name")

	// Store flags
	flag.StringVar(&flags.Store, "store", "memory", "State store (memory, sqlite)")
	flag.StringVar(&flags.SQLitePath, "sqlite-path", "./data/coordinator.db", "SQLite database path")

	// Input flags
	flag.BoolVar(&flags.Send, "send", false, "Relay outbound mail through the configured transport instead of printing it")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	flag.StringVar(&flags.ConfigFile, "config", "", "Path to config file (overrides command line flags)")

	flag.Parse()
	flags.InputFiles = flag.Args()
	return flags
}

// BuildCLIContainer creates and configures a dependency injection container for the CLI application
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		if flags.ConfigFile != "" {
			cfg, err := config.NewFromFile(flags.ConfigFile)
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
			return cfg, nil
		}

		// Create config from command line flags
		return createConfigFromFlags(flags), nil
	}); err != nil {
		return nil, err
	}

	// Metrics are collected but not served
	if err := container.Provide(prometheus.NewRegistry); err != nil {
		return nil, err
	}

	// Outbound mail is printed unless asked to send
	if err := container.Provide(func(flags *CLIFlags, cfg *config.Config, f *factory.SenderFactory, logger *zap.Logger) (core.Sender, error) {
		if flags.Send {
			return f.CreateSender(os.Stdout)
		}
		assistant := cfg.GetAssistant()
		builder := outbound.NewMIMEBuilder(assistant.Address, assistant.DisplayName)
		return outbound.NewLogSender(os.Stdout, builder, logger), nil
	}); err != nil {
		return nil, err
	}

	if err := provideEngine(container); err != nil {
		return nil, err
	}

	return container, nil
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags(flags *CLIFlags) *config.Config {
	v := config.NewEmptyViper()

	v.Set("assistant.address", flags.Assistant)
	if flags.AllowedDomains != "" {
		domains := strings.Split(flags.AllowedDomains, ",")
		for i, domain := range domains {
			domains[i] = strings.TrimSpace(domain)
		}
		v.Set("assistant.allowed_domains", domains)
	}
	v.Set("coordination.timezone", flags.TimeZone)
	v.Set("coordination.reasoning_mode", flags.Reasoning)
	v.Set("outbound.type", "log")

	// Set LLM provider
	v.Set("llm.provider", flags.Provider)

	// Set provider-specific configuration
	switch flags.Provider {
	case "bedrock":
		v.Set("bedrock.region", flags.BedrockRegion)
		v.Set("bedrock.model_id", flags.BedrockModelID)
		v.Set("bedrock.max_tokens", flags.MaxTokens)
		v.Set("bedrock.temperature", flags.Temperature)
		v.Set("bedrock.max_body_size", flags.MaxBodySize)
	case "gemini":
		v.Set("gemini.api_key", flags.GeminiAPIKey)
		v.Set("gemini.model_name", flags.GeminiModelName)
		v.Set("gemini.max_tokens", flags.MaxTokens)
		v.Set("gemini.temperature", flags.Temperature)
		v.Set("gemini.max_body_size", flags.MaxBodySize)
	case "openai":
		v.Set("openai.api_key", flags.OpenAIAPIKey)
		v.Set("openai.model_name", flags.OpenAIModelName)
		v.Set("openai.max_tokens", flags.MaxTokens)
		v.Set("openai.temperature", flags.Temperature)
		v.Set("openai.max_body_size", flags.MaxBodySize)
	}

	// Set store
	v.Set("store.type", flags.Store)
	v.Set("store.sqlite_path", flags.SQLitePath)

	return config.NewFromViper(v)
}
