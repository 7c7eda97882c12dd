package inbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/llm-meeting-coordinator/internal/core"
	"github.com/mikey/llm-meeting-coordinator/internal/ports"
	"go.uber.org/zap"
)

// Settings tunes the SMTP listener
type Settings struct {
	ListenAddress   string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// ProcessTimeout bounds the handling of one message
	ProcessTimeout time.Duration
}

// SMTPReceiver accepts mail for the assistant over SMTP and hands each
// message to the handler. Transient failures answer 451 so the sending MTA
// redelivers later.
type SMTPReceiver struct {
	handler  ports.MessageHandler
	settings Settings
	server   *smtp.Server
	logger   *zap.Logger
}

// NewSMTPReceiver creates a new SMTP receiver
func NewSMTPReceiver(handler ports.MessageHandler, settings Settings, logger *zap.Logger) *SMTPReceiver {
	if settings.ProcessTimeout <= 0 {
		settings.ProcessTimeout = 2 * time.Minute
	}
	return &SMTPReceiver{
		handler:  handler,
		settings: settings,
		logger:   logger,
	}
}

// Start starts listening in the background
func (r *SMTPReceiver) Start() error {
	r.server = smtp.NewServer(&smtpBackend{receiver: r})

	// Configure the server
	r.server.Addr = r.settings.ListenAddress
	r.server.Domain = r.settings.Domain
	r.server.ReadTimeout = r.settings.ReadTimeout
	r.server.WriteTimeout = r.settings.WriteTimeout
	r.server.MaxMessageBytes = r.settings.MaxMessageBytes
	r.server.MaxRecipients = r.settings.MaxRecipients

	r.logger.Info("SMTP receiver starting", zap.String("address", r.settings.ListenAddress))

	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			r.logger.Error("SMTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop stops the listener
func (r *SMTPReceiver) Stop() error {
	if r.server != nil {
		return r.server.Close()
	}
	return nil
}

// deliver parses and handles one message, translating the outcome into an
// SMTP reply
func (r *SMTPReceiver) deliver(sender string, raw []byte) error {
	msg, err := ParseMessage(bytes.NewReader(raw))
	if err != nil {
		r.logger.Warn("Rejecting unparseable message", zap.String("sender", sender), zap.Error(err))
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}
	if msg.From == "" {
		msg.From = sender
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.settings.ProcessTimeout)
	defer cancel()

	err = r.handler.HandleMessage(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrDataIntegrity), errors.Is(err, core.ErrIdentityConflict), errors.Is(err, core.ErrInvalidTransition):
		r.logger.Error("Message rejected",
			zap.String("sender", msg.From),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 3, 0},
			Message:      "Message could not be processed",
		}
	default:
		r.logger.Warn("Deferring message",
			zap.String("sender", msg.From),
			zap.String("message_id", msg.MessageID),
			zap.Bool("transient", core.IsTransient(err)),
			zap.Error(err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}
}

// smtpBackend implements the go-smtp Backend interface
type smtpBackend struct {
	receiver *SMTPReceiver
}

// NewSession creates a new SMTP session
func (b *smtpBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{receiver: b.receiver}, nil
}

// smtpSession implements the go-smtp Session interface
type smtpSession struct {
	receiver   *SMTPReceiver
	sender     string
	recipients []string
}

func (s *smtpSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *smtpSession) Logout() error {
	return nil
}

func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		s.receiver.logger.Error("Failed to read message data", zap.Error(err))
		return fmt.Errorf("failed to read message data: %w", err)
	}
	return s.receiver.deliver(s.sender, raw)
}
