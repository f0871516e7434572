// Package outbound sends tenant messages through channel providers in the
// background with human pacing.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ihiteshgupta/channel-bridge/internal/config"
	"github.com/ihiteshgupta/channel-bridge/internal/events"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

var (
	// ErrWrongChannel is returned when the conversation is not served by a
	// channel of this bridge or its instance belongs to another origin.
	ErrWrongChannel = errors.New("conversation belongs to a different channel")
	// ErrNoInstance is returned when the tenant has no instance for the origin.
	ErrNoInstance = errors.New("no channel instance for conversation")
	// ErrNotSent is returned for operations on a message the provider never
	// acknowledged.
	ErrNotSent = errors.New("message has no provider id")
	// ErrClosed is returned by Send after Shutdown.
	ErrClosed = errors.New("dispatcher is shut down")
)

// ValidationError wraps request validation failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid send request: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// SendRequest is a message a tenant asks to deliver on a conversation.
type SendRequest struct {
	TenantID       string `json:"-" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required"`
	Text           string `json:"text" validate:"required_without=MediaURL,max=4096"`
	MediaURL       string `json:"media_url" validate:"omitempty,url"`
	MediaKind      string `json:"media_kind" validate:"omitempty,oneof=image video audio document sticker"`
	MimeType       string `json:"mime_type"`
	FileName       string `json:"file_name"`
	QuotedID       string `json:"quoted_id"`
	Pacing         string `json:"pacing" validate:"omitempty,oneof=manual ai follow_up promotional reminder multipart"`
}

// Completion is reported once a background send finishes.
type Completion struct {
	TenantID       string              `json:"tenant_id"`
	InstanceID     string              `json:"instance_id"`
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id"`
	ExternalID     string              `json:"external_id,omitempty"`
	Status         store.MessageStatus `json:"status"`
	Error          string              `json:"error,omitempty"`
}

// SessionReporter is told when a send finds the provider session closed.
type SessionReporter interface {
	SessionClosed(ctx context.Context, tenantID, instanceID string) error
}

// Recorder counts send outcomes.
type Recorder interface {
	RecordMessageSent()
	RecordMessageFailed()
}

// Options configures a Dispatcher.
type Options struct {
	Instances     store.InstanceRepository
	Conversations store.ConversationRepository
	Messages      store.MessageRepository
	Providers     *provider.Registry
	Sessions      SessionReporter
	Pacing        map[string]config.Range
	SendRate      config.SendRateConfig
	Events        events.Publisher
	Monitor       Recorder
	OnComplete    func(Completion)
	Logger        *slog.Logger
}

// Dispatcher writes pending messages and sends them in tracked background
// tasks.
type Dispatcher struct {
	instances     store.InstanceRepository
	conversations store.ConversationRepository
	messages      store.MessageRepository
	providers     *provider.Registry
	sessions      SessionReporter
	pacer         *Pacer
	events        events.Publisher
	monitor       Recorder
	onComplete    func(Completion)
	validate      *validator.Validate
	log           *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		instances:     opts.Instances,
		conversations: opts.Conversations,
		messages:      opts.Messages,
		providers:     opts.Providers,
		sessions:      opts.Sessions,
		pacer:         NewPacer(opts.Pacing, opts.SendRate),
		events:        opts.Events,
		monitor:       opts.Monitor,
		onComplete:    opts.OnComplete,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		log:           opts.Logger,
		base:          base,
		cancel:        cancel,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type job struct {
	msg     *store.Message
	conv    *store.Conversation
	inst    *store.ChannelInstance
	p       provider.Provider
	parts   []part
	primary int
	pacing  string
	quoted  string
}

// Send validates req, stores a pending message and returns it. The provider
// call happens in the background.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, &ValidationError{Err: err}
	}

	conv, inst, p, err := d.route(ctx, req.TenantID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	j := &job{conv: conv, inst: inst, p: p, pacing: req.Pacing, quoted: req.QuotedID}
	if j.pacing == "" {
		j.pacing = string(config.PacingManual)
	}
	j.parts, j.primary = plan(req)

	msg := &store.Message{
		ConversationID: conv.ID,
		IsFromMe:       true,
		Content:        req.Text,
		MessageType:    "text",
		Status:         store.StatusPending,
	}
	if m := j.parts[j.primary].media; m != nil {
		msg.MediaURL = m.URL
		msg.MimeType = m.MimeType
		msg.MessageType = string(m.Kind)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	if _, err := d.messages.Insert(ctx, msg); err != nil {
		d.wg.Done()
		return nil, fmt.Errorf("store pending message: %w", err)
	}
	if err := d.conversations.Touch(ctx, conv.ID, inst.ID, msg.TimestampMs); err != nil {
		d.log.Warn("failed to touch conversation", "conversation", conv.ID, "error", err)
	}
	j.msg = msg

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer d.wg.Done()
		defer cancel()
		stop := context.AfterFunc(d.base, cancel)
		defer stop()
		d.run(taskCtx, j)
	}()

	sent := *msg
	return &sent, nil
}

// route resolves the conversation's instance and rejects cross-channel use
// before anything is written.
func (d *Dispatcher) route(ctx context.Context, tenantID, conversationID string) (*store.Conversation, *store.ChannelInstance, provider.Provider, error) {
	conv, err := d.conversations.GetForTenant(ctx, tenantID, conversationID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if !conv.Origin.IsChannel() {
		return nil, nil, nil, fmt.Errorf("%w: origin %q", ErrWrongChannel, conv.Origin)
	}

	var inst *store.ChannelInstance
	if conv.InstanceID != "" {
		inst, err = d.instances.GetForTenant(ctx, tenantID, conv.InstanceID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil, err
		}
	}
	if inst == nil {
		inst, err = d.instances.FindForOrigin(ctx, tenantID, conv.Origin)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrNoInstance, conv.Origin)
		}
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if inst.Origin != conv.Origin {
		return nil, nil, nil, fmt.Errorf("%w: conversation is %s, instance is %s", ErrWrongChannel, conv.Origin, inst.Origin)
	}

	p, err := d.providers.Get(inst.Kind)
	if err != nil {
		return nil, nil, nil, err
	}
	return conv, inst, p, nil
}

// plan turns a request into ordered provider calls and the index of the part
// whose provider id identifies the message.
func plan(req SendRequest) ([]part, int) {
	if req.MediaURL != "" {
		kind := provider.MediaKind(req.MediaKind)
		if kind == "" {
			kind = kindFromMime(firstNonEmpty(req.MimeType, mimeFromURL(req.MediaURL)))
		}
		m := &provider.MediaMessage{
			Kind:     kind,
			URL:      req.MediaURL,
			MimeType: firstNonEmpty(req.MimeType, mimeFromURL(req.MediaURL)),
			FileName: firstNonEmpty(req.FileName, fileName(req.MediaURL)),
		}
		text := strings.TrimSpace(req.Text)
		if kind == provider.MediaAudio && text != "" {
			return []part{{media: m}, {text: text}}, 0
		}
		m.Caption = text
		return []part{{media: m}}, 0
	}

	if parts, ok := splitTemplate(req.Text); ok {
		for i, p := range parts {
			if p.isMedia() {
				return parts, i
			}
		}
	}
	return []part{{text: req.Text}}, 0
}

func kindFromMime(mime string) provider.MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return provider.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return provider.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return provider.MediaAudio
	default:
		return provider.MediaDocument
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (d *Dispatcher) run(ctx context.Context, j *job) {
	cfg := instanceConfig(j.inst)
	to := j.conv.RemoteID

	var externalID string
	var sendErr error
	for i, pt := range j.parts {
		profile := j.pacing
		if i > 0 {
			profile = string(config.PacingMultipart)
		}
		if err := d.sleep(ctx, d.pacer.Delay(profile)); err != nil {
			sendErr = err
			break
		}
		if err := d.pacer.Wait(ctx, j.inst.ID); err != nil {
			sendErr = err
			break
		}

		res, err := d.sendPart(ctx, j.p, cfg, to, pt, j.quoted)
		if err != nil {
			sendErr = err
			break
		}
		if i == j.primary || externalID == "" {
			externalID = firstNonEmpty(res.ExternalID, externalID)
		}
	}

	// Status writes must land even when shutdown cancelled the task.
	wctx := context.WithoutCancel(ctx)
	c := Completion{
		TenantID:       j.inst.TenantID,
		InstanceID:     j.inst.ID,
		ConversationID: j.conv.ID,
		MessageID:      j.msg.ID,
		ExternalID:     externalID,
		Status:         store.StatusSent,
	}
	if sendErr != nil {
		c.Status = store.StatusFailed
		c.Error = sendErr.Error()
		d.fail(wctx, j, sendErr)
	} else {
		if err := d.messages.MarkSent(wctx, j.msg.ID, externalID); err != nil {
			d.log.Error("failed to mark message sent", "message", j.msg.ID, "error", err)
		}
		if d.monitor != nil {
			d.monitor.RecordMessageSent()
		}
		d.log.Debug("message sent", "message", j.msg.ID, "instance", j.inst.ID, "external_id", externalID)
	}

	if d.onComplete != nil {
		d.onComplete(c)
	}
	events.Emit(wctx, d.events, d.log, events.NewEnvelope(events.TypeReceipt, c.TenantID, c).WithCorrelation(c.MessageID))
}

func (d *Dispatcher) sendPart(ctx context.Context, p provider.Provider, cfg provider.InstanceConfig, to string, pt part, quoted string) (provider.SendResult, error) {
	if !pt.isMedia() {
		return p.SendText(ctx, cfg, provider.TextMessage{To: to, Text: pt.text, QuotedID: quoted})
	}
	m := *pt.media
	m.To = to
	if m.Kind == provider.MediaAudio {
		return p.SendAudio(ctx, cfg, provider.AudioMessage{To: to, URL: m.URL})
	}
	return p.SendMedia(ctx, cfg, m)
}

// fail marks the message failed. A closed session is also reported to the
// connection lifecycle; other errors leave the instance alone.
func (d *Dispatcher) fail(ctx context.Context, j *job, sendErr error) {
	if d.monitor != nil {
		d.monitor.RecordMessageFailed()
	}
	if errors.Is(sendErr, provider.ErrConnectionClosed) {
		d.log.Warn("send found the session closed", "instance", j.inst.ID, "message", j.msg.ID)
		if d.sessions != nil {
			if err := d.sessions.SessionClosed(ctx, j.inst.TenantID, j.inst.ID); err != nil {
				d.log.Error("failed to mark instance disconnected", "instance", j.inst.ID, "error", err)
			}
		}
	} else {
		d.log.Warn("send failed", "instance", j.inst.ID, "message", j.msg.ID, "error", sendErr)
	}
	if err := d.messages.MarkFailed(ctx, j.msg.ID, sendErr.Error()); err != nil {
		d.log.Error("failed to mark message failed", "message", j.msg.ID, "error", err)
	}
}

// Delete removes a sent message for everyone and flags it revoked.
func (d *Dispatcher) Delete(ctx context.Context, tenantID, messageID string) error {
	msg, conv, inst, p, err := d.sentMessage(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	err = p.DeleteMessage(ctx, instanceConfig(inst), provider.DeleteRequest{
		To: conv.RemoteID, ExternalID: msg.ExternalID, FromMe: msg.IsFromMe,
	})
	if err != nil {
		return err
	}
	return d.messages.SetRevoked(ctx, msg.ID)
}

// React sets emoji as a reaction to a message; an empty emoji clears it.
func (d *Dispatcher) React(ctx context.Context, tenantID, messageID, emoji string) error {
	msg, conv, inst, p, err := d.sentMessage(ctx, tenantID, messageID)
	if err != nil {
		return err
	}
	return p.SendReaction(ctx, instanceConfig(inst), provider.Reaction{
		To: conv.RemoteID, ExternalID: msg.ExternalID, Emoji: emoji, FromMe: msg.IsFromMe,
	})
}

func (d *Dispatcher) sentMessage(ctx context.Context, tenantID, messageID string) (*store.Message, *store.Conversation, *store.ChannelInstance, provider.Provider, error) {
	msg, err := d.messages.GetForTenant(ctx, tenantID, messageID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("message %s: %w", messageID, err)
	}
	if msg.ExternalID == "" {
		return nil, nil, nil, nil, ErrNotSent
	}
	conv, inst, p, err := d.route(ctx, tenantID, msg.ConversationID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return msg, conv, inst, p, nil
}

func instanceConfig(inst *store.ChannelInstance) provider.InstanceConfig {
	return provider.InstanceConfig{
		InstanceID:  inst.ID,
		Ref:         inst.ProviderRef,
		Origin:      string(inst.Origin),
		Credentials: inst.Credentials,
	}
}

// Shutdown stops accepting sends and waits for in-flight ones. When ctx ends
// first the remaining tasks are cancelled and marked failed.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
