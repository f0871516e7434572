package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ihiteshgupta/channel-bridge/internal/connection"
	"github.com/ihiteshgupta/channel-bridge/internal/events"
	"github.com/ihiteshgupta/channel-bridge/internal/media"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
	"github.com/ihiteshgupta/channel-bridge/internal/whatsapp"
)

// Observer applies connection events reported by webhooks.
type Observer interface {
	Observe(ctx context.Context, ev connection.Event) error
}

// Downloader reads a public media URL.
type Downloader interface {
	Download(ctx context.Context, op, rawURL string, header http.Header) (io.ReadCloser, string, error)
}

// Recorder counts stored inbound messages.
type Recorder interface {
	RecordMessageReceived()
}

// Options configures a Processor. Media, Downloader, Events, Monitor and
// Connections are optional.
type Options struct {
	Instances     store.InstanceRepository
	Clients       store.ClientRepository
	Conversations store.ConversationRepository
	Messages      store.MessageRepository
	Providers     *provider.Registry
	Connections   Observer
	Media         media.Store
	Downloader    Downloader
	Events        events.Publisher
	Monitor       Recorder
	Logger        *slog.Logger
}

// Outcome summarises what one webhook delivery changed.
type Outcome struct {
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Receipts   int `json:"receipts"`
	Revoked    int `json:"revoked"`
	Skipped    int `json:"skipped"`
}

// InboundMessage is the payload of a chat.inbound.v1 event.
type InboundMessage struct {
	InstanceID     string       `json:"instance_id"`
	ConversationID string       `json:"conversation_id"`
	ClientID       string       `json:"client_id"`
	MessageID      string       `json:"message_id"`
	ExternalID     string       `json:"external_id,omitempty"`
	RemoteID       string       `json:"remote_id"`
	Origin         store.Origin `json:"origin"`
	Type           string       `json:"type"`
	Text           string       `json:"text,omitempty"`
	MediaURL       string       `json:"media_url,omitempty"`
	MimeType       string       `json:"mime_type,omitempty"`
	TimestampMs    int64        `json:"timestamp_ms"`
}

// Receipt is the payload of a chat.receipt.v1 event.
type Receipt struct {
	InstanceID string              `json:"instance_id"`
	ExternalID string              `json:"external_id"`
	Status     store.MessageStatus `json:"status"`
	Revoked    bool                `json:"revoked,omitempty"`
}

// Processor persists decoded webhook envelopes.
type Processor struct {
	instances     store.InstanceRepository
	clients       store.ClientRepository
	conversations store.ConversationRepository
	messages      store.MessageRepository
	providers     *provider.Registry
	connections   Observer
	media         media.Store
	downloader    Downloader
	events        events.Publisher
	monitor       Recorder
	log           *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		instances:     opts.Instances,
		clients:       opts.Clients,
		conversations: opts.Conversations,
		messages:      opts.Messages,
		providers:     opts.Providers,
		connections:   opts.Connections,
		media:         opts.Media,
		downloader:    opts.Downloader,
		events:        opts.Events,
		monitor:       opts.Monitor,
		log:           opts.Logger,
	}
}

type target struct {
	inst *store.ChannelInstance
	p    provider.Provider
	err  error
}

// Handle decodes body for kind and applies every envelope and connection event
// in it. Replaying the same body changes nothing.
func (p *Processor) Handle(ctx context.Context, kind provider.Kind, body []byte) (Outcome, error) {
	batch, err := Decode(kind, body)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	var errs []error

	for _, ev := range batch.Connections {
		if p.connections == nil || ev.Ref == "" {
			continue
		}
		if err := p.connections.Observe(ctx, ev); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				p.log.Debug("connection event for unknown instance", "kind", kind, "ref", ev.Ref)
				continue
			}
			errs = append(errs, err)
		}
	}

	targets := make(map[string]target)
	for _, env := range batch.Envelopes {
		t, ok := targets[env.InstanceRef]
		if !ok {
			t = p.resolve(ctx, kind, env.InstanceRef)
			targets[env.InstanceRef] = t
		}
		if t.err != nil {
			if errors.Is(t.err, store.ErrNotFound) {
				p.log.Warn("webhook for unknown instance", "kind", kind, "ref", env.InstanceRef)
				out.Skipped++
				continue
			}
			errs = append(errs, t.err)
			continue
		}
		if err := p.apply(ctx, t, env, &out); err != nil {
			p.log.Error("failed to apply inbound envelope",
				"instance", t.inst.ID, "external_id", env.ExternalID, "error", err)
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (p *Processor) resolve(ctx context.Context, kind provider.Kind, ref string) target {
	inst, err := p.instances.FindByProviderRef(ctx, string(kind), ref)
	if err != nil {
		return target{err: err}
	}
	prov, err := p.providers.Get(inst.Kind)
	if err != nil {
		return target{err: err}
	}
	return target{inst: inst, p: prov}
}

func (p *Processor) apply(ctx context.Context, t target, env Envelope, out *Outcome) error {
	inst := t.inst

	switch {
	case env.IsStatusUpdate:
		if env.ExternalID == "" {
			out.Skipped++
			return nil
		}
		moved, err := p.messages.UpdateStatusByExternalID(ctx, inst.TenantID, env.ExternalID, env.DeliveryStatus)
		if err != nil {
			return fmt.Errorf("apply receipt: %w", err)
		}
		if moved {
			out.Receipts++
			p.emit(ctx, events.NewEnvelope(events.TypeReceipt, inst.TenantID, Receipt{
				InstanceID: inst.ID, ExternalID: env.ExternalID, Status: env.DeliveryStatus,
			}).WithCorrelation(env.ExternalID))
		}
		return nil

	case env.Revoked:
		if env.ExternalID == "" {
			out.Skipped++
			return nil
		}
		found, err := p.messages.MarkRevoked(ctx, inst.TenantID, env.ExternalID)
		if err != nil {
			return fmt.Errorf("apply revoke: %w", err)
		}
		if found {
			out.Revoked++
			p.emit(ctx, events.NewEnvelope(events.TypeReceipt, inst.TenantID, Receipt{
				InstanceID: inst.ID, ExternalID: env.ExternalID, Revoked: true,
			}).WithCorrelation(env.ExternalID))
		}
		return nil

	case env.IsEcho, env.IsGroup, env.RemoteID == "":
		out.Skipped++
		return nil

	case strings.TrimSpace(env.Text) == "" && env.MediaRef == "":
		p.log.Debug("skipping empty inbound message", "instance", inst.ID, "type", env.MessageType)
		out.Skipped++
		return nil
	}

	if env.ExternalID != "" {
		_, err := p.messages.GetByExternalID(ctx, inst.TenantID, env.ExternalID)
		if err == nil {
			out.Duplicates++
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lookup message: %w", err)
		}
	}

	remote := remoteID(inst.Origin, env.RemoteID)
	name := env.ContactName
	if placeholderName(name) {
		name = remote
	}
	client, err := p.clients.FindOrCreate(ctx, inst.TenantID, remote, name)
	if err != nil {
		return fmt.Errorf("find client: %w", err)
	}
	conv, err := p.conversations.FindOrCreate(ctx, store.ConversationKey{
		TenantID: inst.TenantID,
		RemoteID: remote,
		Origin:   inst.Origin,
	}, client.ID, inst.ID)
	if err != nil {
		return fmt.Errorf("find conversation: %w", err)
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ExternalID:     env.ExternalID,
		Content:        env.Text,
		MediaURL:       env.MediaRef,
		MimeType:       env.MimeType,
		MessageType:    env.MessageType,
		Status:         store.StatusDelivered,
		TimestampMs:    env.TimestampMs,
	}
	if env.MediaRef != "" {
		p.copyMedia(ctx, t, conv, msg)
	}

	inserted, err := p.messages.Insert(ctx, msg)
	if err != nil {
		return err
	}
	if !inserted {
		out.Duplicates++
		return nil
	}
	out.Stored++

	if err := p.conversations.Touch(ctx, conv.ID, inst.ID, msg.TimestampMs); err != nil {
		p.log.Warn("failed to touch conversation", "conversation", conv.ID, "error", err)
	}
	p.resolveProfile(ctx, t, client, env)

	if p.monitor != nil {
		p.monitor.RecordMessageReceived()
	}
	p.emit(ctx, events.NewEnvelope(events.TypeInboundMessage, inst.TenantID, InboundMessage{
		InstanceID:     inst.ID,
		ConversationID: conv.ID,
		ClientID:       client.ID,
		MessageID:      msg.ID,
		ExternalID:     msg.ExternalID,
		RemoteID:       remote,
		Origin:         inst.Origin,
		Type:           msg.MessageType,
		Text:           msg.Content,
		MediaURL:       msg.MediaURL,
		MimeType:       msg.MimeType,
		TimestampMs:    msg.TimestampMs,
	}).WithCorrelation(msg.ID))
	return nil
}

// copyMedia stores a copy of the attachment and points the message at it. The
// provider reference is kept when the copy fails.
func (p *Processor) copyMedia(ctx context.Context, t target, conv *store.Conversation, msg *store.Message) {
	if p.media == nil {
		return
	}

	var (
		body        io.ReadCloser
		contentType string
		err         error
	)
	if f, ok := t.p.(provider.MediaFetcher); ok {
		body, contentType, err = f.FetchMedia(ctx, instanceConfig(t.inst), msg.MediaURL)
	} else if p.downloader != nil && isHTTP(msg.MediaURL) {
		body, contentType, err = p.downloader.Download(ctx, "download media", msg.MediaURL, nil)
	} else {
		return
	}
	if err != nil {
		p.log.Warn("failed to fetch inbound media", "message", msg.ID, "error", err)
		return
	}
	defer body.Close()

	if msg.MimeType != "" {
		contentType = msg.MimeType
	}
	obj, err := p.media.Put(ctx, t.inst.TenantID+"/"+conv.ID+"/"+msg.ID, contentType, body)
	if err != nil {
		p.log.Warn("failed to store inbound media", "message", msg.ID, "error", err)
		return
	}
	msg.MediaURL = obj.Ref
	msg.MimeType = obj.ContentType
}

// resolveProfile replaces a placeholder client name. A name carried by the
// message wins; otherwise the provider is asked once per client.
func (p *Processor) resolveProfile(ctx context.Context, t target, client *store.Client, env Envelope) {
	if !placeholderName(client.Name) {
		return
	}
	if !placeholderName(env.ContactName) {
		if err := p.clients.UpdateProfile(ctx, client.ID, strings.TrimSpace(env.ContactName), ""); err != nil {
			p.log.Warn("failed to update client name", "client", client.ID, "error", err)
		}
		return
	}
	if client.ProfileCheckedAt != nil {
		return
	}
	resolver, ok := t.p.(provider.ProfileResolver)
	if !ok {
		return
	}
	if err := p.clients.MarkProfileChecked(ctx, client.ID); err != nil {
		p.log.Warn("failed to mark profile checked", "client", client.ID, "error", err)
		return
	}
	prof, err := resolver.FetchProfile(ctx, instanceConfig(t.inst), env.RemoteID)
	if err != nil {
		p.log.Debug("profile lookup failed", "client", client.ID, "error", err)
		return
	}
	name := prof.Name
	if placeholderName(name) {
		name = ""
	}
	if name == "" && prof.AvatarURL == "" {
		return
	}
	if err := p.clients.UpdateProfile(ctx, client.ID, name, prof.AvatarURL); err != nil {
		p.log.Warn("failed to update client profile", "client", client.ID, "error", err)
	}
}

func (p *Processor) emit(ctx context.Context, env events.Envelope) {
	events.Emit(ctx, p.events, p.log, env)
}

var placeholderPattern = regexp.MustCompile(`(?i)^(contact|contato|cliente|client|unknown)?\s*[+\d\s-]*$`)

// placeholderName reports whether name is empty, a bare number, or a generated
// label like "Contato 12".
func placeholderName(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || placeholderPattern.MatchString(name)
}

// remoteID is the conversation key for a remote party on origin.
func remoteID(origin store.Origin, raw string) string {
	if origin == store.OriginWhatsApp {
		return whatsapp.Canonical(raw)
	}
	return strings.TrimSpace(raw)
}

func instanceConfig(inst *store.ChannelInstance) provider.InstanceConfig {
	return provider.InstanceConfig{
		InstanceID:  inst.ID,
		Ref:         inst.ProviderRef,
		Origin:      string(inst.Origin),
		Credentials: inst.Credentials,
	}
}

func isHTTP(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
