// Package provider defines the uniform capability set every chat provider
// adapter implements, plus the error taxonomy shared by the adapters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind identifies a provider variant as stored on a channel instance.
type Kind string

const (
	KindEvolution Kind = "evolution"
	KindUazapi    Kind = "uazapi"
	KindMeta      Kind = "meta"
)

// Status is a provider's view of an instance connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusQR           Status = "qr"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	// StatusAmbiguous is an empty or zero-count answer that is neither a QR
	// code nor a connection; usually a corrupted session.
	StatusAmbiguous Status = "ambiguous"
)

// MediaKind is the attachment category of an outbound media send.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// InstanceConfig is what an adapter needs to address one instance.
type InstanceConfig struct {
	InstanceID  string
	Ref         string // gateway instance name or Graph account id
	Origin      string // whatsapp, instagram or messenger
	Credentials map[string]string
}

// Credential returns a credential value or "".
func (c InstanceConfig) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}
	return c.Credentials[key]
}

type ConnectResult struct {
	Status      Status `json:"status"`
	QRCode      string `json:"qr_code,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

type StatusResult struct {
	Status      Status `json:"status"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type TextMessage struct {
	To       string
	Text     string
	QuotedID string
}

type MediaMessage struct {
	To       string
	Kind     MediaKind
	URL      string
	MimeType string
	Caption  string
	FileName string
}

type AudioMessage struct {
	To  string
	URL string
}

type SendResult struct {
	ExternalID string `json:"external_id"`
}

type DeleteRequest struct {
	To         string
	ExternalID string
	FromMe     bool
}

type Reaction struct {
	To         string
	ExternalID string
	Emoji      string
	FromMe     bool
}

type WebhookConfig struct {
	URL    string
	Secret string
}

type Profile struct {
	Name      string
	AvatarURL string
}

// Provider is the capability set shared by every adapter.
type Provider interface {
	Kind() Kind
	Connect(ctx context.Context, cfg InstanceConfig) (ConnectResult, error)
	Status(ctx context.Context, cfg InstanceConfig) (StatusResult, error)
	SendText(ctx context.Context, cfg InstanceConfig, msg TextMessage) (SendResult, error)
	SendMedia(ctx context.Context, cfg InstanceConfig, msg MediaMessage) (SendResult, error)
	SendAudio(ctx context.Context, cfg InstanceConfig, msg AudioMessage) (SendResult, error)
	DeleteMessage(ctx context.Context, cfg InstanceConfig, req DeleteRequest) error
	SendReaction(ctx context.Context, cfg InstanceConfig, r Reaction) error
	ConfigureWebhook(ctx context.Context, cfg InstanceConfig, wh WebhookConfig) error
	Disconnect(ctx context.Context, cfg InstanceConfig) error
	DeleteInstance(ctx context.Context, cfg InstanceConfig) error
}

// Provisioner is implemented by gateways that host instances themselves and can
// recreate them.
type Provisioner interface {
	// CreateInstance creates the instance provider-side and returns credentials
	// to merge into the stored ones.
	CreateInstance(ctx context.Context, cfg InstanceConfig) (map[string]string, error)
	ApplyDefaultSettings(ctx context.Context, cfg InstanceConfig) error
}

// ProfileResolver looks up a contact's display name and avatar.
type ProfileResolver interface {
	FetchProfile(ctx context.Context, cfg InstanceConfig, remoteID string) (Profile, error)
}

// MediaFetcher downloads media that needs provider credentials to read.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, cfg InstanceConfig, ref string) (io.ReadCloser, string, error)
}

var (
	ErrTimeout          = errors.New("provider timeout")
	ErrNotFound         = errors.New("provider instance not found")
	ErrConnectionClosed = errors.New("provider connection closed")
	ErrUnsupported      = errors.New("operation not supported by provider")
	ErrNotConfigured    = errors.New("provider not configured")
)

// TimeoutError is returned when a provider call exceeds its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %s", e.Op, e.Timeout)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Error is a protocol-level failure: the provider answered, but not with success.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Kind       error // ErrNotFound, ErrConnectionClosed or nil
}

func (e *Error) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, body)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Transient reports whether retrying later may succeed.
func (e *Error) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsTransient reports whether err is a timeout or a retryable protocol error.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Transient() && perr.Kind == nil
	}
	return false
}
