package ports

import (
	"context"

	"github.com/mikey/llm-meeting-coordinator/internal/core"
)

// MessageHandler processes one inbound message
type MessageHandler interface {
	// HandleMessage runs the message through the coordination engine. A
	// transient error means the message was not processed and should be
	// delivered again.
	HandleMessage(ctx context.Context, msg *core.Message) error
}

// MessageReceiver defines the interface for inbound message sources
type MessageReceiver interface {
	// Start starts accepting messages
	Start() error

	// Stop stops accepting messages
	Stop() error
}
