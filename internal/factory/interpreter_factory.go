package factory

import (
	"github.com/mikey/llm-meeting-coordinator/internal/config"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/interpreter"
	"github.com/mikey/llm-meeting-coordinator/internal/utils"
	"go.uber.org/zap"
)

// InterpreterFactory creates the text processor and the availability
// interpreter
type InterpreterFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewInterpreterFactory creates a new InterpreterFactory
func NewInterpreterFactory(cfg *config.Config, logger *zap.Logger) *InterpreterFactory {
	return &InterpreterFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTextProcessor creates a new TextProcessor
func (f *InterpreterFactory) CreateTextProcessor() *utils.TextProcessor {
	return utils.NewTextProcessor(f.logger)
}

// CreateInterpreter creates an interpreter over llm, which may be nil
func (f *InterpreterFactory) CreateInterpreter(llm core.LLMClient, text *utils.TextProcessor) *interpreter.Interpreter {
	return interpreter.NewInterpreter(llm, text, f.Settings(), f.logger)
}

// Settings maps configuration onto interpreter settings. Body and token
// limits follow the selected provider.
func (f *InterpreterFactory) Settings() interpreter.Settings {
	coord := f.cfg.GetCoordination()
	llm := f.cfg.GetLLM()

	settings := interpreter.Settings{
		DefaultDuration: coord.DefaultDuration,
		Horizon:         coord.Horizon,
		Timeout:         llm.Timeout,
		MaxAttempts:     llm.MaxAttempts,
		RetryBackoff:    llm.RetryBackoff,
		MinConfidence:   coord.MinConfidence,
	}

	switch llm.Provider {
	case "bedrock":
		b := f.cfg.GetBedrock()
		settings.MaxBodySize, settings.MaxTokens, settings.Temperature = b.MaxBodySize, b.MaxTokens, b.Temperature
	case "gemini":
		g := f.cfg.GetGemini()
		settings.MaxBodySize, settings.MaxTokens, settings.Temperature = g.MaxBodySize, g.MaxTokens, g.Temperature
	case "openai":
		o := f.cfg.GetOpenAI()
		settings.MaxBodySize, settings.MaxTokens, settings.Temperature = o.MaxBodySize, o.MaxTokens, o.Temperature
	default:
		settings.MaxBodySize = 4096
	}
	return settings
}
