package uazapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/channel-bridge/internal/provider"
)

type call struct {
	Method string
	Path   string
	Token  string
	Admin  string
	Body   map[string]any
}

type gateway struct {
	mu     sync.Mutex
	calls  []call
	status int
	reply  string
}

func setup(t *testing.T, status int, reply string) (*gateway, *Adapter) {
	t.Helper()
	g := &gateway{status: status, reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{Method: r.Method, Path: r.URL.Path, Token: r.Header.Get("token"), Admin: r.Header.Get("admintoken")}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &c.Body)
		}
		g.mu.Lock()
		g.calls = append(g.calls, c)
		g.mu.Unlock()
		w.WriteHeader(g.status)
		_, _ = io.WriteString(w, g.reply)
	}))
	t.Cleanup(srv.Close)
	a := New(Options{
		Client:     provider.NewClient(provider.ClientOptions{BaseURL: srv.URL, Classify: Classify}),
		AdminToken: "admin",
	})
	return g, a
}

func (g *gateway) last() call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

var inst = provider.InstanceConfig{InstanceID: "i1", Ref: "acme", Origin: "whatsapp", Credentials: map[string]string{"token": "tok-1"}}

func TestConnect(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  provider.Status
		qr    string
	}{
		{name: "qr", reply: `{"connected":false,"instance":{"status":"connecting","qrcode":"data:image/png;base64,abc"}}`, want: provider.StatusQR, qr: "data:image/png;base64,abc"},
		{name: "connected", reply: `{"instance":{"status":"connected"},"status":{"connected":true,"loggedIn":true,"jid":"5511999990000:12@s.whatsapp.net"}}`, want: provider.StatusConnected},
		{name: "ambiguous", reply: `{}`, want: provider.StatusAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, a := setup(t, 200, tt.reply)
			res, err := a.Connect(context.Background(), inst)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.qr, res.QRCode)
			assert.Equal(t, "tok-1", g.last().Token)
			assert.Equal(t, "/instance/connect", g.last().Path)
		})
	}
}

func TestStatus_PhoneFromJID(t *testing.T) {
	_, a := setup(t, 200, `{"instance":{"status":"connected","owner":"5511888880000"},"status":{"connected":true,"loggedIn":true,"jid":"5511999990000:12@s.whatsapp.net"}}`)
	res, err := a.Status(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusConnected, res.Status)
	assert.Equal(t, "5511999990000", res.PhoneNumber)
}

func TestInvalidTokenIsNotFound(t *testing.T) {
	_, a := setup(t, 401, `{"error":"Invalid token"}`)
	_, err := a.Status(context.Background(), inst)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestClassify_ClosedSession(t *testing.T) {
	assert.ErrorIs(t, Classify(500, []byte(`{"error":"Instance disconnected"}`)), provider.ErrConnectionClosed)
	assert.NoError(t, Classify(400, []byte(`{"error":"5511999990000 is not connected to WhatsApp"}`)))
}

func TestMissingToken(t *testing.T) {
	_, a := setup(t, 200, `{}`)
	_, err := a.Connect(context.Background(), provider.InstanceConfig{Ref: "acme"})
	assert.ErrorIs(t, err, provider.ErrNotConfigured)
}

func TestSendText_StripsOwnerPrefix(t *testing.T) {
	g, a := setup(t, 200, `{"messageid":"5511999990000:3EB0XYZ"}`)
	res, err := a.SendText(context.Background(), inst, provider.TextMessage{To: "+55 11 98888-0000", Text: "olá", QuotedID: "Q1"})
	require.NoError(t, err)
	assert.Equal(t, "3EB0XYZ", res.ExternalID)

	body := g.last().Body
	assert.Equal(t, "5511988880000", body["number"])
	assert.Equal(t, "Q1", body["replyid"])
}

func TestSendAudioIsPTT(t *testing.T) {
	g, a := setup(t, 200, `{"messageid":"A1"}`)
	_, err := a.SendMedia(context.Background(), inst, provider.MediaMessage{To: "5511999990000", Kind: provider.MediaAudio, URL: "https://cdn/a.ogg"})
	require.NoError(t, err)
	assert.Equal(t, "ptt", g.last().Body["type"])
	assert.Equal(t, "/send/media", g.last().Path)
}

func TestConfigureWebhook_TokenInQuery(t *testing.T) {
	g, a := setup(t, 200, `{}`)
	err := a.ConfigureWebhook(context.Background(), inst, provider.WebhookConfig{URL: "https://bridge/webhooks/uazapi", Secret: "s3"})
	require.NoError(t, err)
	assert.Equal(t, "https://bridge/webhooks/uazapi?token=s3", g.last().Body["url"])
}

func TestCreateInstance(t *testing.T) {
	g, a := setup(t, 200, `{"response":"Instance created","token":"tok-new","instance":{"name":"acme"}}`)
	creds, err := a.CreateInstance(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "tok-new"}, creds)
	assert.Equal(t, "admin", g.last().Admin)
	assert.Equal(t, "acme", g.last().Body["name"])
}

func TestFetchProfile(t *testing.T) {
	_, a := setup(t, 200, `{"wa_name":"Maria","imagePreview":"https://pps/m.jpg"}`)
	p, err := a.FetchProfile(context.Background(), inst, "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "Maria", p.Name)
	assert.Equal(t, "https://pps/m.jpg", p.AvatarURL)
}
