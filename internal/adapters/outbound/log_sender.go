package outbound

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"go.uber.org/zap"
)

// LogSender writes rendered messages to a writer instead of relaying them.
// It backs dry runs and the CLI.
type LogSender struct {
	mu      sync.Mutex
	out     io.Writer
	builder *MIMEBuilder
	logger  *zap.Logger
}

// NewLogSender creates a sender writing to out; a nil out only logs
func NewLogSender(out io.Writer, builder *MIMEBuilder, logger *zap.Logger) *LogSender {
	return &LogSender{out: out, builder: builder, logger: logger}
}

// Send renders msg and writes it out
func (s *LogSender) Send(ctx context.Context, msg *core.OutboundMessage) error {
	s.logger.Info("Outbound message",
		zap.String("message_id", msg.MessageID),
		zap.String("kind", string(msg.Kind)),
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject))

	if s.out == nil {
		return nil
	}
	data, err := s.builder.Build(msg)
	if err != nil {
		return fmt.Errorf("failed to build message %s: %w", msg.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.out, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write message %s: %w", msg.ID, err)
	}
	return nil
}
