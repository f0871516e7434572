package store

import (
	"context"
	"errors"

	"github.com/ihiteshgupta/channel-bridge/internal/state"
)

var (
	// ErrNotFound is returned when a requested item is not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness violation could not be resolved
	// to a surviving row.
	ErrConflict = errors.New("unresolved conflict")
)

// InstanceRepository defines operations for channel instance persistence.
type InstanceRepository interface {
	Create(ctx context.Context, inst *ChannelInstance) error
	Get(ctx context.Context, id string) (*ChannelInstance, error)
	GetForTenant(ctx context.Context, tenantID, id string) (*ChannelInstance, error)
	FindByProviderRef(ctx context.Context, kind, ref string) (*ChannelInstance, error)
	FindForOrigin(ctx context.Context, tenantID string, origin Origin) (*ChannelInstance, error)
	ListConnected(ctx context.Context, tenantID string) ([]ChannelInstance, error)
	ListForSweep(ctx context.Context) ([]ChannelInstance, error)
	Update(ctx context.Context, inst *ChannelInstance) error
	Delete(ctx context.Context, id string) error
}

// ClientRepository defines operations for client persistence.
type ClientRepository interface {
	FindOrCreate(ctx context.Context, tenantID, identifier, name string) (*Client, error)
	Create(ctx context.Context, c *Client) (*Client, error)
	Get(ctx context.Context, tenantID, identifier string) (*Client, error)
	GetByID(ctx context.Context, id string) (*Client, error)
	UpdateProfile(ctx context.Context, id, name, avatarURL string) error
	MarkProfileChecked(ctx context.Context, id string) error
	AddTag(ctx context.Context, clientID, tag string) error
	Tags(ctx context.Context, clientID string) ([]string, error)
	AddAction(ctx context.Context, clientID, kind, payload string) error
	Actions(ctx context.Context, clientID string) ([]ClientAction, error)
	AddMemory(ctx context.Context, clientID, content string) error
	Memories(ctx context.Context, clientID string) ([]ClientMemory, error)
}

// ConversationRepository defines operations for conversation persistence.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, key ConversationKey, clientID, instanceID string) (*Conversation, error)
	Create(ctx context.Context, c *Conversation) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	GetForTenant(ctx context.Context, tenantID, id string) (*Conversation, error)
	GetByKey(ctx context.Context, key ConversationKey) (*Conversation, error)
	Touch(ctx context.Context, id, instanceID string, atMs int64) error
	SetArchived(ctx context.Context, id string, archived bool) error
}

// MessageRepository defines operations for message persistence.
type MessageRepository interface {
	Insert(ctx context.Context, msg *Message) (bool, error)
	Get(ctx context.Context, id string) (*Message, error)
	GetForTenant(ctx context.Context, tenantID, id string) (*Message, error)
	GetByExternalID(ctx context.Context, tenantID, externalID string) (*Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]Message, error)
	MarkSent(ctx context.Context, id, externalID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	UpdateStatusByExternalID(ctx context.Context, tenantID, externalID string, s MessageStatus) (bool, error)
	MarkRevoked(ctx context.Context, tenantID, externalID string) (bool, error)
	SetRevoked(ctx context.Context, id string) error
}

// TransitionRepository records instance state transitions.
type TransitionRepository interface {
	Log(ctx context.Context, instanceID string, from, to state.State, trigger string) error
	History(ctx context.Context, instanceID string, limit int) ([]Transition, error)
}
