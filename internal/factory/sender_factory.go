package factory

import (
	"fmt"
	"io"

	"github.com/mikey/llm-meeting-coordinator/internal/adapters/outbound"
	"github.com/mikey/llm-meeting-coordinator/internal/config"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"go.uber.org/zap"
)

// SenderFactory creates outbound transports
type SenderFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewSenderFactory creates a new sender factory
func NewSenderFactory(cfg *config.Config, logger *zap.Logger) *SenderFactory {
	return &SenderFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateSender creates a sender based on the configuration. The log
// transport writes rendered messages to out.
func (f *SenderFactory) CreateSender(out io.Writer) (core.Sender, error) {
	assistant := f.cfg.GetAssistant()
	outCfg := f.cfg.GetOutbound()
	builder := outbound.NewMIMEBuilder(assistant.Address, assistant.DisplayName)

	switch outCfg.Type {
	case "smtp":
		if outCfg.SMTPAddress == "" {
			return nil, fmt.Errorf("outbound.smtp_address is required for the smtp transport")
		}
		f.logger.Info("Relaying outbound mail",
			zap.String("address", outCfg.SMTPAddress),
			zap.Int("port", outCfg.SMTPPort))
		return outbound.NewSMTPSender(outCfg.SMTPAddress, outCfg.SMTPPort, assistant.Address,
			builder, outCfg.Timeout, f.logger), nil
	case "log":
		return outbound.NewLogSender(out, builder, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported outbound type: %s", outCfg.Type)
	}
}
