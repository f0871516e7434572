// Package meta adapts the Graph API for WhatsApp Cloud, Messenger and
// Instagram instances.
package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/whatsapp"
)

const (
	originWhatsApp  = "whatsapp"
	originMessenger = "messenger"
	originInstagram = "instagram"
)

var pageFields = []string{"messages", "message_reactions", "message_deliveries", "message_reads", "message_echoes"}

// Options configures the adapter. Client must point at the versioned Graph
// base URL, e.g. https://graph.facebook.com/v21.0.
type Options struct {
	Client      *provider.Client
	VerifyToken string
}

// Adapter drives Graph API accounts. The instance ref is the WhatsApp phone
// number id or the Messenger/Instagram page id.
type Adapter struct {
	client      *provider.Client
	verifyToken string
}

var (
	_ provider.Provider        = (*Adapter)(nil)
	_ provider.ProfileResolver = (*Adapter)(nil)
	_ provider.MediaFetcher    = (*Adapter)(nil)
)

// New creates a Graph adapter.
func New(opts Options) *Adapter {
	return &Adapter{client: opts.Client, verifyToken: opts.VerifyToken}
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Classify maps Graph error codes: 190 is an expired or revoked token, 100/33
// an object that does not exist or is not reachable with this token.
func Classify(statusCode int, body []byte) error {
	var ge graphError
	if json.Unmarshal(body, &ge) == nil && ge.Error.Code != 0 {
		switch {
		case ge.Error.Code == 190:
			return provider.ErrConnectionClosed
		case ge.Error.Code == 100 && ge.Error.Subcode == 33:
			return provider.ErrNotFound
		}
	}
	if statusCode == http.StatusNotFound {
		return provider.ErrNotFound
	}
	return nil
}

func (a *Adapter) Kind() provider.Kind { return provider.KindMeta }

func bearer(cfg provider.InstanceConfig) (http.Header, error) {
	token := cfg.Credential("access_token")
	if token == "" {
		return nil, provider.ErrNotConfigured
	}
	return http.Header{"Authorization": {"Bearer " + token}}, nil
}

func (a *Adapter) do(ctx context.Context, cfg provider.InstanceConfig, op, method, path string, query url.Values, body, out any, send bool) error {
	if cfg.Ref == "" {
		return fmt.Errorf("meta %s: account id: %w", op, provider.ErrNotConfigured)
	}
	header, err := bearer(cfg)
	if err != nil {
		return fmt.Errorf("meta %s: access token: %w", op, err)
	}
	return a.client.Do(ctx, provider.Request{
		Op:     "meta " + op,
		Method: method,
		Path:   path,
		Query:  query,
		Header: header,
		Body:   body,
		Send:   send,
	}, out)
}

type accountResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
}

func (a *Adapter) account(ctx context.Context, cfg provider.InstanceConfig) (accountResponse, error) {
	fields := "id,name"
	if cfg.Origin == originWhatsApp {
		fields = "id,display_phone_number,verified_name"
	}
	var resp accountResponse
	err := a.do(ctx, cfg, "account", http.MethodGet, "/"+url.PathEscape(cfg.Ref), url.Values{"fields": {fields}}, nil, &resp, false)
	return resp, err
}

// Connect validates the stored token against the account. Graph accounts never
// need a QR scan.
func (a *Adapter) Connect(ctx context.Context, cfg provider.InstanceConfig) (provider.ConnectResult, error) {
	st, err := a.Status(ctx, cfg)
	if err != nil {
		return provider.ConnectResult{}, err
	}
	return provider.ConnectResult{Status: st.Status}, nil
}

func (a *Adapter) Status(ctx context.Context, cfg provider.InstanceConfig) (provider.StatusResult, error) {
	acct, err := a.account(ctx, cfg)
	if errors.Is(err, provider.ErrConnectionClosed) {
		return provider.StatusResult{Status: provider.StatusDisconnected}, nil
	}
	if err != nil {
		return provider.StatusResult{}, err
	}
	if acct.ID == "" {
		return provider.StatusResult{Status: provider.StatusAmbiguous}, nil
	}
	result := provider.StatusResult{Status: provider.StatusConnected}
	if cfg.Origin == originWhatsApp {
		result.PhoneNumber = whatsapp.Canonical(acct.DisplayPhoneNumber)
	}
	return result, nil
}

type cloudResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type pageResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (a *Adapter) sendCloud(ctx context.Context, cfg provider.InstanceConfig, op string, payload map[string]any) (provider.SendResult, error) {
	payload["messaging_product"] = "whatsapp"
	payload["recipient_type"] = "individual"
	var resp cloudResponse
	if err := a.do(ctx, cfg, op, http.MethodPost, "/"+url.PathEscape(cfg.Ref)+"/messages", nil, payload, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return provider.SendResult{}, fmt.Errorf("meta %s: response without message id", op)
	}
	return provider.SendResult{ExternalID: resp.Messages[0].ID}, nil
}

func (a *Adapter) sendPage(ctx context.Context, cfg provider.InstanceConfig, op, to string, message map[string]any) (provider.SendResult, error) {
	payload := map[string]any{
		"recipient":      map[string]string{"id": to},
		"messaging_type": "RESPONSE",
		"message":        message,
	}
	var resp pageResponse
	if err := a.do(ctx, cfg, op, http.MethodPost, "/"+url.PathEscape(cfg.Ref)+"/messages", nil, payload, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	if resp.MessageID == "" {
		return provider.SendResult{}, fmt.Errorf("meta %s: response without message id", op)
	}
	return provider.SendResult{ExternalID: resp.MessageID}, nil
}

func (a *Adapter) SendText(ctx context.Context, cfg provider.InstanceConfig, msg provider.TextMessage) (provider.SendResult, error) {
	if cfg.Origin != originWhatsApp {
		return a.sendPage(ctx, cfg, "send text", msg.To, map[string]any{"text": msg.Text})
	}
	payload := map[string]any{
		"to":   whatsapp.Canonical(msg.To),
		"type": "text",
		"text": map[string]any{"body": msg.Text, "preview_url": true},
	}
	if msg.QuotedID != "" {
		payload["context"] = map[string]string{"message_id": msg.QuotedID}
	}
	return a.sendCloud(ctx, cfg, "send text", payload)
}

func (a *Adapter) SendMedia(ctx context.Context, cfg provider.InstanceConfig, msg provider.MediaMessage) (provider.SendResult, error) {
	if cfg.Origin != originWhatsApp {
		return a.sendPageMedia(ctx, cfg, msg)
	}
	kind := string(msg.Kind)
	media := map[string]any{"link": msg.URL}
	switch msg.Kind {
	case provider.MediaImage, provider.MediaVideo:
		if msg.Caption != "" {
			media["caption"] = msg.Caption
		}
	case provider.MediaDocument:
		if msg.Caption != "" {
			media["caption"] = msg.Caption
		}
		if msg.FileName != "" {
			media["filename"] = msg.FileName
		}
	case provider.MediaAudio, provider.MediaSticker:
	default:
		kind = string(provider.MediaDocument)
	}
	return a.sendCloud(ctx, cfg, "send media", map[string]any{
		"to":   whatsapp.Canonical(msg.To),
		"type": kind,
		kind:   media,
	})
}

// sendPageMedia sends an attachment, then the caption as a separate text since
// page attachments carry no caption.
func (a *Adapter) sendPageMedia(ctx context.Context, cfg provider.InstanceConfig, msg provider.MediaMessage) (provider.SendResult, error) {
	attachment := "file"
	switch msg.Kind {
	case provider.MediaImage, provider.MediaSticker:
		attachment = "image"
	case provider.MediaVideo:
		attachment = "video"
	case provider.MediaAudio:
		attachment = "audio"
	}
	res, err := a.sendPage(ctx, cfg, "send media", msg.To, map[string]any{
		"attachment": map[string]any{
			"type":    attachment,
			"payload": map[string]any{"url": msg.URL, "is_reusable": true},
		},
	})
	if err != nil || msg.Caption == "" {
		return res, err
	}
	if _, err := a.sendPage(ctx, cfg, "send caption", msg.To, map[string]any{"text": msg.Caption}); err != nil {
		return res, err
	}
	return res, nil
}

func (a *Adapter) SendAudio(ctx context.Context, cfg provider.InstanceConfig, msg provider.AudioMessage) (provider.SendResult, error) {
	return a.SendMedia(ctx, cfg, provider.MediaMessage{To: msg.To, Kind: provider.MediaAudio, URL: msg.URL})
}

// DeleteMessage is not offered by the Graph API for any of the three channels.
func (a *Adapter) DeleteMessage(ctx context.Context, cfg provider.InstanceConfig, req provider.DeleteRequest) error {
	return fmt.Errorf("meta delete message: %w", provider.ErrUnsupported)
}

func (a *Adapter) SendReaction(ctx context.Context, cfg provider.InstanceConfig, r provider.Reaction) error {
	if cfg.Origin != originWhatsApp {
		return fmt.Errorf("meta send reaction on %s: %w", cfg.Origin, provider.ErrUnsupported)
	}
	_, err := a.sendCloud(ctx, cfg, "send reaction", map[string]any{
		"to":       whatsapp.Canonical(r.To),
		"type":     "reaction",
		"reaction": map[string]string{"message_id": r.ExternalID, "emoji": r.Emoji},
	})
	return err
}

// subscriptionTarget is the WABA for WhatsApp and the page for the others.
func subscriptionTarget(cfg provider.InstanceConfig) (string, error) {
	if cfg.Origin == originWhatsApp {
		if waba := cfg.Credential("waba_id"); waba != "" {
			return waba, nil
		}
		return "", fmt.Errorf("meta: waba_id: %w", provider.ErrNotConfigured)
	}
	if page := cfg.Credential("page_id"); page != "" {
		return page, nil
	}
	return cfg.Ref, nil
}

func (a *Adapter) ConfigureWebhook(ctx context.Context, cfg provider.InstanceConfig, wh provider.WebhookConfig) error {
	target, err := subscriptionTarget(cfg)
	if err != nil {
		return err
	}
	path := "/" + url.PathEscape(target) + "/subscribed_apps"
	if cfg.Origin == originWhatsApp {
		body := map[string]string{"override_callback_uri": wh.URL, "verify_token": a.verifyToken}
		return a.do(ctx, cfg, "subscribe app", http.MethodPost, path, nil, body, nil, false)
	}
	query := url.Values{"subscribed_fields": {strings.Join(pageFields, ",")}}
	return a.do(ctx, cfg, "subscribe app", http.MethodPost, path, query, nil, nil, false)
}

// Disconnect unsubscribes the app; the token itself stays valid.
func (a *Adapter) Disconnect(ctx context.Context, cfg provider.InstanceConfig) error {
	target, err := subscriptionTarget(cfg)
	if err != nil {
		return err
	}
	return a.do(ctx, cfg, "unsubscribe app", http.MethodDelete, "/"+url.PathEscape(target)+"/subscribed_apps", nil, nil, nil, false)
}

func (a *Adapter) DeleteInstance(ctx context.Context, cfg provider.InstanceConfig) error {
	err := a.Disconnect(ctx, cfg)
	if errors.Is(err, provider.ErrNotFound) {
		return nil
	}
	return err
}

type userProfile struct {
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic"`
}

// FetchProfile resolves a Messenger or Instagram sender. WhatsApp Cloud only
// reports names inside webhooks, so it yields an empty profile.
func (a *Adapter) FetchProfile(ctx context.Context, cfg provider.InstanceConfig, remoteID string) (provider.Profile, error) {
	if cfg.Origin == originWhatsApp {
		return provider.Profile{}, nil
	}
	fields := "first_name,last_name,profile_pic"
	if cfg.Origin == originInstagram {
		fields = "name,username,profile_pic"
	}
	var resp userProfile
	if err := a.do(ctx, cfg, "fetch profile", http.MethodGet, "/"+url.PathEscape(remoteID), url.Values{"fields": {fields}}, nil, &resp, false); err != nil {
		return provider.Profile{}, err
	}
	name := strings.TrimSpace(resp.Name)
	if name == "" {
		name = strings.TrimSpace(resp.FirstName + " " + resp.LastName)
	}
	if name == "" {
		name = resp.Username
	}
	return provider.Profile{Name: name, AvatarURL: resp.ProfilePic}, nil
}

type mediaResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// FetchMedia downloads inbound media. WhatsApp Cloud hands out media ids that
// resolve to an authenticated URL; page attachments are plain CDN URLs.
func (a *Adapter) FetchMedia(ctx context.Context, cfg provider.InstanceConfig, ref string) (io.ReadCloser, string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return a.client.Download(ctx, "meta download media", ref, nil)
	}
	var media mediaResponse
	if err := a.do(ctx, cfg, "media url", http.MethodGet, "/"+url.PathEscape(ref), nil, nil, &media, false); err != nil {
		return nil, "", err
	}
	if media.URL == "" {
		return nil, "", fmt.Errorf("meta media url: %s: %w", ref, provider.ErrNotFound)
	}
	header, err := bearer(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("meta download media: %w", err)
	}
	body, contentType, err := a.client.Download(ctx, "meta download media", media.URL, header)
	if err != nil {
		return nil, "", err
	}
	if media.MimeType != "" {
		contentType = media.MimeType
	}
	return body, contentType, nil
}
