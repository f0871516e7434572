// Package events publishes domain events to the message bus.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types; the type doubles as the routing key.
const (
	TypeInboundMessage = "chat.inbound.v1"
	TypeReceipt        = "chat.receipt.v1"
	TypeChannelStatus  = "channel.status.v1"
)

const producer = "channel-bridge"

// Meta describes an event independently of its payload.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer"`
	TenantID      string    `json:"tenant_id"`
	Time          time.Time `json:"time"`
}

// Envelope is the wire shape of every event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope wraps data in a fresh envelope.
func NewEnvelope(eventType, tenantID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Producer: producer,
			TenantID: tenantID,
			Time:     time.Now().UTC(),
		},
		Data: data,
	}
}

// WithCorrelation sets the correlation id, typically a message or instance id.
func (e Envelope) WithCorrelation(id string) Envelope {
	if id != "" {
		e.Meta.CorrelationID = &id
	}
	return e
}

// Publisher sends envelopes to the bus under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// Emit publishes env under its own type and logs instead of failing; events
// are a side channel and never block the caller's outcome.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, env Envelope) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, env.Meta.Type, env); err != nil {
		logger.Warn("failed to publish event", "type", env.Meta.Type, "id", env.Meta.ID, "error", err)
	}
}

// Noop discards events.
type Noop struct {
	log *slog.Logger
}

// NewNoop returns a publisher used when no bus is configured.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{log: logger}
}

func (n *Noop) Publish(ctx context.Context, key string, env Envelope) error {
	n.log.Debug("event bus disabled, skipped publish", "key", key)
	return nil
}

func (n *Noop) Close() error { return nil }
