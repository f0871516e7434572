// Package uazapi adapts the uazapi WhatsApp gateway.
package uazapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/whatsapp"
)

var webhookEvents = []string{"connection", "messages", "messages_update"}

// Options configures the adapter.
type Options struct {
	Client     *provider.Client
	AdminToken string
}

// Adapter talks to one uazapi server. Instances are addressed by their token
// rather than by name.
type Adapter struct {
	client     *provider.Client
	adminToken string
}

var (
	_ provider.Provider        = (*Adapter)(nil)
	_ provider.Provisioner     = (*Adapter)(nil)
	_ provider.ProfileResolver = (*Adapter)(nil)
)

// New creates a uazapi adapter.
func New(opts Options) *Adapter {
	return &Adapter{client: opts.Client, adminToken: opts.AdminToken}
}

// Classify extends the default classifier: uazapi answers 401 "invalid token"
// for an instance it no longer knows and "instance disconnected" for a send on
// a closed session.
func Classify(statusCode int, body []byte) error {
	if kind := provider.DefaultClassifier(statusCode, body); kind != nil {
		return kind
	}
	if bytes.Contains(bytes.ToLower(body), []byte("instance disconnected")) {
		return provider.ErrConnectionClosed
	}
	if statusCode == http.StatusUnauthorized && bytes.Contains(bytes.ToLower(body), []byte("invalid token")) {
		return provider.ErrNotFound
	}
	return nil
}

func (a *Adapter) Kind() provider.Kind { return provider.KindUazapi }

func (a *Adapter) do(ctx context.Context, cfg provider.InstanceConfig, op, method, path string, body, out any, send bool) error {
	token := cfg.Credential("token")
	if token == "" {
		return fmt.Errorf("uazapi %s: instance token: %w", op, provider.ErrNotConfigured)
	}
	return a.client.Do(ctx, provider.Request{
		Op:     "uazapi " + op,
		Method: method,
		Path:   path,
		Header: http.Header{"token": {token}},
		Body:   body,
		Send:   send,
	}, out)
}

type instanceInfo struct {
	Status      string `json:"status"`
	QRCode      string `json:"qrcode"`
	PairCode    string `json:"paircode"`
	Owner       string `json:"owner"`
	ProfileName string `json:"profileName"`
}

type statusInfo struct {
	Connected bool   `json:"connected"`
	LoggedIn  bool   `json:"loggedIn"`
	JID       string `json:"jid"`
}

type instanceResponse struct {
	Instance  instanceInfo `json:"instance"`
	Status    statusInfo   `json:"status"`
	Connected *bool        `json:"connected"`
}

func (r instanceResponse) status() provider.Status {
	if r.Status.LoggedIn && r.Status.Connected {
		return provider.StatusConnected
	}
	switch strings.ToLower(strings.TrimSpace(r.Instance.Status)) {
	case "connected", "open":
		return provider.StatusConnected
	case "connecting":
		if r.Instance.QRCode != "" || r.Instance.PairCode != "" {
			return provider.StatusQR
		}
		return provider.StatusConnecting
	case "disconnected", "close", "closed":
		return provider.StatusDisconnected
	}
	return provider.StatusAmbiguous
}

func (r instanceResponse) phone() string {
	for _, candidate := range []string{r.Status.JID, r.Instance.Owner} {
		if phone := whatsapp.Canonical(candidate); phone != "" {
			return phone
		}
	}
	return ""
}

// Connect starts a session. Without a phone number uazapi answers with a QR
// code while the instance is connecting.
func (a *Adapter) Connect(ctx context.Context, cfg provider.InstanceConfig) (provider.ConnectResult, error) {
	var resp instanceResponse
	if err := a.do(ctx, cfg, "connect", http.MethodPost, "/instance/connect", map[string]any{}, &resp, false); err != nil {
		return provider.ConnectResult{}, err
	}
	st := resp.status()
	if resp.Instance.QRCode != "" || resp.Instance.PairCode != "" {
		if st != provider.StatusConnected {
			st = provider.StatusQR
		}
	}
	if st == provider.StatusQR {
		return provider.ConnectResult{Status: st, QRCode: resp.Instance.QRCode, PairingCode: resp.Instance.PairCode}, nil
	}
	return provider.ConnectResult{Status: st}, nil
}

func (a *Adapter) Status(ctx context.Context, cfg provider.InstanceConfig) (provider.StatusResult, error) {
	var resp instanceResponse
	if err := a.do(ctx, cfg, "status", http.MethodGet, "/instance/status", nil, &resp, false); err != nil {
		return provider.StatusResult{}, err
	}
	result := provider.StatusResult{Status: resp.status()}
	if result.Status == provider.StatusConnected {
		result.PhoneNumber = resp.phone()
	}
	return result, nil
}

type sendResponse struct {
	MessageID string `json:"messageid"`
	ID        string `json:"id"`
}

func (r sendResponse) result(op string) (provider.SendResult, error) {
	id := r.MessageID
	if id == "" {
		id = r.ID
	}
	if id == "" {
		return provider.SendResult{}, fmt.Errorf("uazapi %s: response without message id", op)
	}
	// Full ids come back as "<owner>:<id>"; the bare id is what webhooks carry.
	if i := strings.LastIndex(id, ":"); i >= 0 && i < len(id)-1 {
		id = id[i+1:]
	}
	return provider.SendResult{ExternalID: id}, nil
}

func (a *Adapter) SendText(ctx context.Context, cfg provider.InstanceConfig, msg provider.TextMessage) (provider.SendResult, error) {
	body := map[string]any{
		"number": whatsapp.Canonical(msg.To),
		"text":   msg.Text,
	}
	if msg.QuotedID != "" {
		body["replyid"] = msg.QuotedID
	}
	var resp sendResponse
	if err := a.do(ctx, cfg, "send text", http.MethodPost, "/send/text", body, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	return resp.result("send text")
}

func (a *Adapter) SendMedia(ctx context.Context, cfg provider.InstanceConfig, msg provider.MediaMessage) (provider.SendResult, error) {
	if msg.Kind == provider.MediaAudio {
		return a.SendAudio(ctx, cfg, provider.AudioMessage{To: msg.To, URL: msg.URL})
	}
	body := map[string]any{
		"number": whatsapp.Canonical(msg.To),
		"type":   string(msg.Kind),
		"file":   msg.URL,
	}
	if msg.Caption != "" {
		body["text"] = msg.Caption
	}
	if msg.FileName != "" {
		body["docName"] = msg.FileName
	}
	if msg.MimeType != "" {
		body["mimetype"] = msg.MimeType
	}
	var resp sendResponse
	if err := a.do(ctx, cfg, "send media", http.MethodPost, "/send/media", body, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	return resp.result("send media")
}

// SendAudio sends a push-to-talk voice note.
func (a *Adapter) SendAudio(ctx context.Context, cfg provider.InstanceConfig, msg provider.AudioMessage) (provider.SendResult, error) {
	body := map[string]any{
		"number": whatsapp.Canonical(msg.To),
		"type":   "ptt",
		"file":   msg.URL,
	}
	var resp sendResponse
	if err := a.do(ctx, cfg, "send audio", http.MethodPost, "/send/media", body, &resp, true); err != nil {
		return provider.SendResult{}, err
	}
	return resp.result("send audio")
}

func (a *Adapter) DeleteMessage(ctx context.Context, cfg provider.InstanceConfig, req provider.DeleteRequest) error {
	return a.do(ctx, cfg, "delete message", http.MethodPost, "/message/delete", map[string]any{"id": req.ExternalID}, nil, false)
}

func (a *Adapter) SendReaction(ctx context.Context, cfg provider.InstanceConfig, r provider.Reaction) error {
	body := map[string]any{
		"number": whatsapp.Canonical(r.To),
		"text":   r.Emoji,
		"id":     r.ExternalID,
	}
	return a.do(ctx, cfg, "send reaction", http.MethodPost, "/message/react", body, nil, true)
}

func (a *Adapter) ConfigureWebhook(ctx context.Context, cfg provider.InstanceConfig, wh provider.WebhookConfig) error {
	target := wh.URL
	if wh.Secret != "" {
		// uazapi cannot attach custom headers, so the token rides in the query.
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "token=" + wh.Secret
	}
	body := map[string]any{
		"enabled":         true,
		"url":             target,
		"events":          webhookEvents,
		"excludeMessages": []string{"wasSentByApi"},
	}
	return a.do(ctx, cfg, "configure webhook", http.MethodPost, "/webhook", body, nil, false)
}

func (a *Adapter) Disconnect(ctx context.Context, cfg provider.InstanceConfig) error {
	return a.do(ctx, cfg, "disconnect", http.MethodPost, "/instance/disconnect", map[string]any{}, nil, false)
}

func (a *Adapter) DeleteInstance(ctx context.Context, cfg provider.InstanceConfig) error {
	return a.do(ctx, cfg, "delete instance", http.MethodDelete, "/instance", nil, nil, false)
}

type initResponse struct {
	Token    string `json:"token"`
	Instance struct {
		Token string `json:"token"`
	} `json:"instance"`
}

// CreateInstance registers a new instance with the admin token and returns the
// instance token that addresses it from then on.
func (a *Adapter) CreateInstance(ctx context.Context, cfg provider.InstanceConfig) (map[string]string, error) {
	if a.adminToken == "" {
		return nil, fmt.Errorf("uazapi create instance: admin token: %w", provider.ErrNotConfigured)
	}
	var resp initResponse
	err := a.client.Do(ctx, provider.Request{
		Op:     "uazapi create instance",
		Method: http.MethodPost,
		Path:   "/instance/init",
		Header: http.Header{"admintoken": {a.adminToken}},
		Body:   map[string]any{"name": cfg.Ref},
	}, &resp)
	if err != nil {
		return nil, err
	}
	token := resp.Token
	if token == "" {
		token = resp.Instance.Token
	}
	if token == "" {
		return nil, fmt.Errorf("uazapi create instance: response without token")
	}
	return map[string]string{"token": token}, nil
}

func (a *Adapter) ApplyDefaultSettings(ctx context.Context, cfg provider.InstanceConfig) error {
	return a.do(ctx, cfg, "apply settings", http.MethodPost, "/instance/presence", map[string]any{"presence": "unavailable"}, nil, false)
}

type detailsResponse struct {
	Name      string `json:"name"`
	WAName    string `json:"wa_name"`
	WAContact string `json:"wa_contactName"`
	Image     string `json:"image"`
	ImagePrev string `json:"imagePreview"`
}

func (a *Adapter) FetchProfile(ctx context.Context, cfg provider.InstanceConfig, remoteID string) (provider.Profile, error) {
	var resp detailsResponse
	body := map[string]any{"number": whatsapp.Canonical(remoteID), "preview": true}
	if err := a.do(ctx, cfg, "fetch profile", http.MethodPost, "/chat/details", body, &resp, false); err != nil {
		return provider.Profile{}, err
	}
	name := resp.WAContact
	for _, candidate := range []string{resp.WAName, resp.Name} {
		if name == "" {
			name = strings.TrimSpace(candidate)
		}
	}
	avatar := resp.ImagePrev
	if avatar == "" {
		avatar = resp.Image
	}
	return provider.Profile{Name: strings.TrimSpace(name), AvatarURL: avatar}, nil
}
