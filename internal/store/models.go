// Package store provides data persistence for channel instances, clients,
// conversations and messages.
package store

import (
	"time"

	"github.com/ihiteshgupta/channel-bridge/internal/state"
)

// Origin is the channel a conversation belongs to.
type Origin string

const (
	OriginWhatsApp  Origin = "whatsapp"
	OriginInstagram Origin = "instagram"
	OriginMessenger Origin = "messenger"
)

// IsChannel reports whether o is served by this bridge. Conversations created
// by other products (web chat, e-mail) share the table but not the transport.
func (o Origin) IsChannel() bool {
	switch o {
	case OriginWhatsApp, OriginInstagram, OriginMessenger:
		return true
	default:
		return false
	}
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// predecessors lists the statuses a message may move to s from. Receipts
// arrive out of order, so status only ever moves forward.
func (s MessageStatus) predecessors() []MessageStatus {
	switch s {
	case StatusSent:
		return []MessageStatus{StatusPending}
	case StatusDelivered:
		return []MessageStatus{StatusPending, StatusSent}
	case StatusRead:
		return []MessageStatus{StatusPending, StatusSent, StatusDelivered}
	case StatusFailed:
		return []MessageStatus{StatusPending, StatusSent}
	default:
		return nil
	}
}

// ChannelInstance is a tenant's connection to one provider account.
type ChannelInstance struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	Kind             string            `json:"kind"`
	Origin           Origin            `json:"origin"`
	ProviderRef      string            `json:"provider_ref"`
	Credentials      map[string]string `json:"-"`
	Status           state.State       `json:"status"`
	PhoneNumber      string            `json:"phone_number,omitempty"`
	AwaitingQR       bool              `json:"awaiting_qr"`
	ManualDisconnect bool              `json:"manual_disconnect"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Client is an external contact of a tenant.
type Client struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Identifier       string     `json:"identifier"`
	Name             string     `json:"name"`
	AvatarURL        string     `json:"avatar_url,omitempty"`
	ProfileCheckedAt *time.Time `json:"profile_checked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ClientAction is an audit entry attached to a client.
type ClientAction struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// ClientMemory is a free-form note remembered about a client.
type ClientMemory struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationKey identifies a conversation.
type ConversationKey struct {
	TenantID string
	RemoteID string
	Origin   Origin
}

// Conversation is the thread between a tenant and one remote party on one channel.
type Conversation struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	RemoteID       string    `json:"remote_id"`
	Origin         Origin    `json:"origin"`
	ClientID       string    `json:"client_id"`
	InstanceID     string    `json:"instance_id,omitempty"`
	LastActivityMs int64     `json:"last_activity_ms"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
}

// Key returns the identity of the conversation.
func (c *Conversation) Key() ConversationKey {
	return ConversationKey{TenantID: c.TenantID, RemoteID: c.RemoteID, Origin: c.Origin}
}

// Message is a single message in a conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ExternalID     string        `json:"external_id,omitempty"`
	IsFromMe       bool          `json:"is_from_me"`
	Content        string        `json:"content"`
	MediaURL       string        `json:"media_url,omitempty"`
	MimeType       string        `json:"mime_type,omitempty"`
	MessageType    string        `json:"message_type"`
	Status         MessageStatus `json:"status"`
	Revoked        bool          `json:"revoked"`
	Error          string        `json:"error,omitempty"`
	TimestampMs    int64         `json:"timestamp_ms"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Transition represents a state machine transition record.
type Transition struct {
	ID         string      `json:"id"`
	InstanceID string      `json:"instance_id"`
	FromState  state.State `json:"from_state"`
	ToState    state.State `json:"to_state"`
	Trigger    string      `json:"trigger"`
	Timestamp  time.Time   `json:"timestamp"`
}
