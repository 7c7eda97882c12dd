package outbound

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"go.uber.org/zap"
)

// SMTPSender relays outbound messages to an MTA
type SMTPSender struct {
	address string
	from    string
	builder *MIMEBuilder
	timeout time.Duration
	logger  *zap.Logger
}

// NewSMTPSender creates a sender relaying through host:port
func NewSMTPSender(host string, port int, from string, builder *MIMEBuilder, timeout time.Duration, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		address: fmt.Sprintf("%s:%d", host, port),
		from:    from,
		builder: builder,
		timeout: timeout,
		logger:  logger,
	}
}

// Send renders and relays one message. Every failure is transient: the
// message stays queued and is retried with the next delivery of its thread.
func (s *SMTPSender) Send(ctx context.Context, msg *core.OutboundMessage) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("outbound message %s has no recipients", msg.ID)
	}
	data, err := s.builder.Build(msg)
	if err != nil {
		return fmt.Errorf("failed to build message %s: %w", msg.ID, err)
	}

	if err := s.relay(ctx, msg.To, data); err != nil {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}

	s.logger.Info("Relayed outbound message",
		zap.String("message_id", msg.MessageID),
		zap.String("kind", string(msg.Kind)),
		zap.Strings("to", msg.To))
	return nil
}

func (s *SMTPSender) relay(ctx context.Context, recipients []string, data []byte) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.address, err)
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	if err := c.Mail(s.from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	// all or nothing: a partial delivery would be repeated on retry
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s failed: %w", rcpt, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send message data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		s.logger.Warn("QUIT command failed", zap.Error(err))
	}
	return nil
}
