package core

import (
	"context"
)

// Prompt is a single stateless request to a language model
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float32
}

// Completion is the raw text a language model returned
type Completion struct {
	Text      string
	Model     string
	RequestID string
}

// LLMClient defines the interface for interacting with LLM services
type LLMClient interface {
	// Generate sends a prompt and returns the model's text output
	Generate(ctx context.Context, prompt *Prompt) (*Completion, error)
}

// ThreadRepository persists threads and the identifier index
type ThreadRepository interface {
	// LookupIdentifiers returns the indexed thread key for each known identifier
	LookupIdentifiers(ctx context.Context, ids []string) (map[string]string, error)

	// GetThread returns a thread by key, or ErrNotFound
	GetThread(ctx context.Context, key string) (*Thread, error)

	// SaveThreads stores the threads atomically and points the identifiers
	// of every live thread at its key
	SaveThreads(ctx context.Context, threads ...*Thread) error
}

// CoordinationRepository persists coordinations and issues sequence numbers
type CoordinationRepository interface {
	// ActiveCoordination returns the non-terminal coordination of a thread, or ErrNotFound
	ActiveCoordination(ctx context.Context, threadKey string) (*Coordination, error)

	// ListCoordinations returns every coordination of a thread, oldest first
	ListCoordinations(ctx context.Context, threadKey string) ([]*Coordination, error)

	// SaveCoordination stores the coordination if its version matches the stored one
	// and increments the version; a mismatch returns ErrStaleWrite
	SaveCoordination(ctx context.Context, coord *Coordination) error

	// NextSequence returns the next value of a named monotonic sequence
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Lease is an exclusive hold on a set of keys
type Lease interface {
	Keys() []string
	Release(ctx context.Context) error
}

// LeaseManager hands out exclusive leases on string keys
type LeaseManager interface {
	// Acquire blocks until every key is held or the wait bound expires
	Acquire(ctx context.Context, keys ...string) (Lease, error)
}

// StateStore is the durable store behind the engine
type StateStore interface {
	ThreadRepository
	CoordinationRepository
	LeaseManager
	Close() error
}

// Sender delivers outbound messages
type Sender interface {
	Send(ctx context.Context, msg *OutboundMessage) error
}
