package factory

import (
	"fmt"

	"github.com/mikey/llm-meeting-coordinator/internal/adapters/bedrock"
	"github.com/mikey/llm-meeting-coordinator/internal/adapters/gemini"
	"github.com/mikey/llm-meeting-coordinator/internal/adapters/openai"
	"github.com/mikey/llm-meeting-coordinator/internal/config"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"go.uber.org/zap"
)

// LLMFactory creates LLM clients
type LLMFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(cfg *config.Config, logger *zap.Logger) *LLMFactory {
	return &LLMFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateLLMClient creates a new LLM client based on the configuration.
// Provider "none" returns a nil client and the interpreter runs on rules only.
func (f *LLMFactory) CreateLLMClient() (core.LLMClient, error) {
	llmConfig := f.cfg.GetLLM()

	switch llmConfig.Provider {
	case "bedrock":
		client, err := bedrock.NewFactory(f.cfg, f.logger).CreateClient()
		if err != nil {
			return nil, err
		}
		return client, nil
	case "gemini":
		client, err := gemini.NewFactory(f.cfg, f.logger).CreateClient()
		if err != nil {
			return nil, err
		}
		return client, nil
	case "openai":
		return openai.NewFactory(f.cfg, f.logger).CreateLLMClient()
	case "none":
		f.logger.Info("No LLM provider configured, interpreting with rules only")
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", llmConfig.Provider)
	}
}
