// Package channels defines the adapter contract between messaging
// platforms and the pipeline. Adapters deliver inbound messages into the
// pipeline and carry outbound text or stream events back to clients.
package channels

import (
	"context"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// InboundMessage is one message received from a channel client.
type InboundMessage struct {
	// MessageID is the channel-native message identifier.
	MessageID string

	// ChannelID names the adapter instance the message arrived on.
	ChannelID string

	// SenderID identifies the sending client within the channel.
	SenderID string

	Text string

	// Ack acknowledges receipt back to the channel once the pipeline has
	// accepted the message. May be nil when the channel has no ack
	// mechanism.
	Ack func()
}

// OutboundMessage is one aggregated response delivered to a client.
type OutboundMessage struct {
	ChannelID          string
	RecipientID        string
	Text               string
	InReplyToMessageID string
}

// Adapter is the contract every channel implementation satisfies.
type Adapter interface {
	// ID names this adapter instance; it becomes the ChannelID of every
	// inbound message.
	ID() string

	// Start begins listening. The adapter delivers inbound messages on the
	// Messages channel until Stop is called; the channel closes on stop.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down, flushing pending sends.
	Stop(ctx context.Context) error

	// Messages returns the inbound message stream.
	Messages() <-chan *InboundMessage

	// Send delivers one aggregated response.
	Send(ctx context.Context, msg *OutboundMessage) error

	// SendStreamEvent delivers one structured stream event to a client.
	// Only called for clients where SupportsStreaming reports true.
	SendStreamEvent(ctx context.Context, clientID string, event *models.StreamEvent) error

	// SupportsStreaming reports per client whether the structured stream
	// envelope may be used; the pipeline downgrades to aggregated sends
	// otherwise.
	SupportsStreaming(clientID string) bool
}

// Registry holds the configured adapters keyed by id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. The last registration for an id wins.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.ID()] = adapter
}

// Get resolves an adapter by id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[id]
	return adapter, ok
}

// All returns the registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		out = append(out, adapter)
	}
	return out
}
