// Package evolution adapts the Evolution API WhatsApp gateway.
package evolution

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/whatsapp"
)

// Events subscribed when configuring an instance webhook.
var webhookEvents = []string{
	"QRCODE_UPDATED",
	"CONNECTION_UPDATE",
	"MESSAGES_UPSERT",
	"MESSAGES_UPDATE",
	"MESSAGES_DELETE",
	"SEND_MESSAGE",
}

// Options configures the adapter.
type Options struct {
	Client *provider.Client
	APIKey string
}

// Adapter talks to one Evolution API deployment.
type Adapter struct {
	client *provider.Client
	apiKey string
}

var (
	_ provider.Provider        = (*Adapter)(nil)
	_ provider.Provisioner     = (*Adapter)(nil)
	_ provider.ProfileResolver = (*Adapter)(nil)
)

// New creates an Evolution adapter.
func New(opts Options) *Adapter {
	return &Adapter{client: opts.Client, apiKey: opts.APIKey}
}

func (a *Adapter) Kind() provider.Kind { return provider.KindEvolution }

func (a *Adapter) header(cfg provider.InstanceConfig) http.Header {
	key := cfg.Credential("api_key")
	if key == "" {
		key = a.apiKey
	}
	return http.Header{"apikey": {key}}
}

func (a *Adapter) do(ctx context.Context, cfg provider.InstanceConfig, op, method, path string, body, out any, send bool) error {
	if cfg.Ref == "" {
		return fmt.Errorf("evolution %s: instance name: %w", op, provider.ErrNotConfigured)
	}
	return a.client.Do(ctx, provider.Request{
		Op:     "evolution " + op,
		Method: method,
		Path:   path,
		Header: a.header(cfg),
		Body:   body,
		Send:   send,
	}, out)
}

func instancePath(prefix, ref string) string {
	return prefix + "/" + url.PathEscape(ref)
}

type connectResponse struct {
	PairingCode string `json:"pairingCode"`
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	Count       *int   `json:"count"`
	Instance    *struct {
		State string `json:"state"`
	} `json:"instance"`
}

// Connect asks the gateway for a session. An already-open instance answers with
// its state; an instance needing a scan answers with a QR; a corrupted session
// answers with {"count":0} and nothing else.
func (a *Adapter) Connect(ctx context.Context, cfg provider.InstanceConfig) (provider.ConnectResult, error) {
	var resp connectResponse
	if err := a.do(ctx, cfg, "connect", http.MethodGet, instancePath("/instance/connect", cfg.Ref), nil, &resp, false); err != nil {
		return provider.ConnectResult{}, err
	}

	if resp.Instance != nil && resp.Instance.State != "" {
		if st := mapState(resp.Instance.State); st != provider.StatusAmbiguous {
			return provider.ConnectResult{Status: st}, nil
		}
	}

	qr := resp.Base64
	if qr == "" {
		qr = resp.Code
	}
	if qr != "" || resp.PairingCode != "" {
		return provider.ConnectResult{Status: provider.StatusQR, QRCode: qr, PairingCode: resp.PairingCode}, nil
	}
	return provider.ConnectResult{Status: provider.StatusAmbiguous}, nil
}

type stateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
}

type fetchedInstance struct {
	Name     string `json:"name"`
	OwnerJID string `json:"ownerJid"`
	Number   string `json:"number"`
	Owner    string `json:"owner"`
}

// Status reads the connection state and, when open, the owner's number.
func (a *Adapter) Status(ctx context.Context, cfg provider.InstanceConfig) (provider.StatusResult, error) {
	var resp stateResponse
	if err := a.do(ctx, cfg, "status", http.MethodGet, instancePath("/instance/connectionState", cfg.Ref), nil, &resp, false); err != nil {
		return provider.StatusResult{}, err
	}
	result := provider.StatusResult{Status: mapState(resp.Instance.State)}
	if result.Status != provider.StatusConnected {
		return result, nil
	}

	var instances []fetchedInstance
	err := a.client.Do(ctx, provider.Request{
		Op:     "evolution fetch instances",
		Method: http.MethodGet,
		Path:   "/instance/fetchInstances",
		Query:  url.Values{"instanceName": {cfg.Ref}},
		Header: a.header(cfg),
	}, &instances)
	if err != nil {
		// The state is authoritative; the number is resolved on a later probe.
		return result, nil
	}
	for _, inst := range instances {
		if inst.Name != "" && inst.Name != cfg.Ref {
			continue
		}
		for _, candidate := range []string{inst.OwnerJID, inst.Owner, inst.Number} {
			if phone := whatsapp.Canonical(candidate); phone != "" {
				result.PhoneNumber = phone
				return result, nil
			}
		}
	}
	return result, nil
}

func mapState(s string) provider.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "connected":
		return provider.StatusConnected
	case "connecting":
		return provider.StatusConnecting
	case "close", "closed", "disconnected":
		return provider.StatusDisconnected
	default:
		return provider.StatusAmbiguous
	}
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

func (r sendResponse) result(op string) (provider.SendResult, error) {
	if r.Key.ID == "" {
		return provider.SendResult{}, fmt.Errorf("evolution %s: response without message id", op)
	}
	return provider.SendResult{ExternalID: r.Key.ID}, nil
}

func (a *Adapter) SendText(ctx context.Context, cfg provider.InstanceConfig, msg provider.TextMessage) (provider.SendResult, error) {
	body := map[string]any{
		"number": whatsapp.Canonical(msg.To),
		"text":   msg.Text,
	}
	if msg.QuotedID != "" {
		body["quoted"] = map[string]any{"key": map[string]string{"id": msg.QuotedID}}
	}
	var resp sendResponse
	if err := a.do(ctx, cfg, "send text", http.MethodPost, instancePath("/message/sendText", cfg.Ref), body, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	return resp.result("send text")
}

func (a *Adapter) SendMedia(ctx context.Context, cfg provider.InstanceConfig, msg provider.MediaMessage) (provider.SendResult, error) {
	if msg.Kind == provider.MediaAudio {
		return a.SendAudio(ctx, cfg, provider.AudioMessage{To: msg.To, URL: msg.URL})
	}
	mediaType := string(msg.Kind)
	if msg.Kind == provider.MediaSticker {
		return a.sendSticker(ctx, cfg, msg)
	}
	body := map[string]any{
		"number":    whatsapp.Canonical(msg.To),
		"mediatype": mediaType,
		"mimetype":  msg.MimeType,
		"media":     msg.URL,
		"caption":   msg.Caption,
	}
	if msg.FileName != "" {
		body["fileName"] = msg.FileName
	}
	var resp sendResponse
	if err := a.do(ctx, cfg, "send media", http.MethodPost, instancePath("/message/sendMedia", cfg.Ref), body, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	return resp.result("send media")
}

func (a *Adapter) sendSticker(ctx context.Context, cfg provider.InstanceConfig, msg provider.MediaMessage) (provider.SendResult, error) {
	body := map[string]any{
		"number":  whatsapp.Canonical(msg.To),
		"sticker": msg.URL,
	}
	var resp sendResponse
	if err := a.do(ctx, cfg, "send sticker", http.MethodPost, instancePath("/message/sendSticker", cfg.Ref), body, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	return resp.result("send sticker")
}

// SendAudio sends a voice note rather than an audio file attachment.
func (a *Adapter) SendAudio(ctx context.Context, cfg provider.InstanceConfig, msg provider.AudioMessage) (provider.SendResult, error) {
	body := map[string]any{
		"number": whatsapp.Canonical(msg.To),
		"audio":  msg.URL,
	}
	var resp sendResponse
	if err := a.do(ctx, cfg, "send audio", http.MethodPost, instancePath("/message/sendWhatsAppAudio", cfg.Ref), body, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	return resp.result("send audio")
}

func remoteJID(to string) string {
	jid, err := whatsapp.ParseRecipient(to)
	if err != nil {
		return to
	}
	return jid.String()
}

func (a *Adapter) DeleteMessage(ctx context.Context, cfg provider.InstanceConfig, req provider.DeleteRequest) error {
	body := map[string]any{
		"id":        req.ExternalID,
		"remoteJid": remoteJID(req.To),
		"fromMe":    req.FromMe,
	}
	return a.do(ctx, cfg, "delete message", http.MethodDelete, instancePath("/chat/deleteMessageForEveryone", cfg.Ref), body, nil, false)
}

func (a *Adapter) SendReaction(ctx context.Context, cfg provider.InstanceConfig, r provider.Reaction) error {
	body := map[string]any{
		"key": map[string]any{
			"remoteJid": remoteJID(r.To),
			"fromMe":    r.FromMe,
			"id":        r.ExternalID,
		},
		"reaction": r.Emoji,
	}
	return a.do(ctx, cfg, "send reaction", http.MethodPost, instancePath("/message/sendReaction", cfg.Ref), body, nil, true)
}

func (a *Adapter) ConfigureWebhook(ctx context.Context, cfg provider.InstanceConfig, wh provider.WebhookConfig) error {
	body := map[string]any{
		"webhook": map[string]any{
			"enabled":  true,
			"url":      wh.URL,
			"byEvents": false,
			"base64":   false,
			"headers":  map[string]string{"X-Webhook-Token": wh.Secret},
			"events":   webhookEvents,
		},
	}
	return a.do(ctx, cfg, "configure webhook", http.MethodPost, instancePath("/webhook/set", cfg.Ref), body, nil, false)
}

func (a *Adapter) Disconnect(ctx context.Context, cfg provider.InstanceConfig) error {
	return a.do(ctx, cfg, "logout", http.MethodDelete, instancePath("/instance/logout", cfg.Ref), nil, nil, false)
}

func (a *Adapter) DeleteInstance(ctx context.Context, cfg provider.InstanceConfig) error {
	return a.do(ctx, cfg, "delete instance", http.MethodDelete, instancePath("/instance/delete", cfg.Ref), nil, nil, false)
}

type createResponse struct {
	Hash any `json:"hash"`
}

// CreateInstance registers the instance name on the gateway. The returned hash
// is the instance-scoped api key.
func (a *Adapter) CreateInstance(ctx context.Context, cfg provider.InstanceConfig) (map[string]string, error) {
	body := map[string]any{
		"instanceName": cfg.Ref,
		"integration":  "WHATSAPP-BAILEYS",
		"qrcode":       true,
	}
	var resp createResponse
	err := a.client.Do(ctx, provider.Request{
		Op:     "evolution create instance",
		Method: http.MethodPost,
		Path:   "/instance/create",
		Header: http.Header{"apikey": {a.apiKey}},
		Body:   body,
	}, &resp)
	if err != nil {
		return nil, err
	}
	// v1 returns {"hash":{"apikey":"..."}}, v2 returns {"hash":"..."}.
	switch h := resp.Hash.(type) {
	case string:
		if h != "" {
			return map[string]string{"api_key": h}, nil
		}
	case map[string]any:
		if key, ok := h["apikey"].(string); ok && key != "" {
			return map[string]string{"api_key": key}, nil
		}
	}
	return nil, nil
}

func (a *Adapter) ApplyDefaultSettings(ctx context.Context, cfg provider.InstanceConfig) error {
	body := map[string]any{
		"rejectCall":      false,
		"groupsIgnore":    true,
		"alwaysOnline":    false,
		"readMessages":    false,
		"readStatus":      false,
		"syncFullHistory": false,
	}
	return a.do(ctx, cfg, "apply settings", http.MethodPost, instancePath("/settings/set", cfg.Ref), body, nil, false)
}

type profileResponse struct {
	Name       string `json:"name"`
	PushName   string `json:"pushName"`
	Picture    string `json:"picture"`
	ProfilePic string `json:"profilePictureUrl"`
}

func (a *Adapter) FetchProfile(ctx context.Context, cfg provider.InstanceConfig, remoteID string) (provider.Profile, error) {
	var resp profileResponse
	body := map[string]string{"number": whatsapp.Canonical(remoteID)}
	if err := a.do(ctx, cfg, "fetch profile", http.MethodPost, instancePath("/chat/fetchProfile", cfg.Ref), body, &resp, false); err != nil {
		return provider.Profile{}, err
	}
	return provider.Profile{
		Name:      firstNonEmpty(resp.Name, resp.PushName),
		AvatarURL: firstNonEmpty(resp.Picture, resp.ProfilePic),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
