package inbound

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ihiteshgupta/channel-bridge/internal/connection"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
	"github.com/ihiteshgupta/channel-bridge/internal/whatsapp"
)

type uazWebhook struct {
	EventType    string          `json:"EventType"`
	InstanceName string          `json:"instanceName"`
	Instance     json.RawMessage `json:"instance"`
	Owner        string          `json:"owner"`
	Message      *uazMessage     `json:"message"`
	Event        *uazUpdate      `json:"event"`
}

type uazMessage struct {
	ChatID           string          `json:"chatid"`
	Sender           string          `json:"sender"`
	SenderName       string          `json:"senderName"`
	FromMe           bool            `json:"fromMe"`
	WasSentByAPI     bool            `json:"wasSentByApi"`
	MessageID        string          `json:"messageid"`
	ID               string          `json:"id"`
	MessageType      string          `json:"messageType"`
	Type             string          `json:"type"`
	MediaType        string          `json:"mediaType"`
	Text             string          `json:"text"`
	Content          json.RawMessage `json:"content"`
	FileURL          string          `json:"fileURL"`
	Mimetype         string          `json:"mimetype"`
	FileName         string          `json:"fileName"`
	ButtonOrListID   string          `json:"buttonOrListid"`
	IsGroup          bool            `json:"isGroup"`
	MessageTimestamp flexInt         `json:"messageTimestamp"`
}

type uazContent struct {
	Text     string `json:"text"`
	Caption  string `json:"caption"`
	URL      string `json:"URL"`
	Mimetype string `json:"mimetype"`
	FileName string `json:"fileName"`
}

type uazUpdate struct {
	Type       string     `json:"Type"`
	MessageIDs []string   `json:"MessageIDs"`
	Chat       flexString `json:"Chat"`
}

type uazInstance struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	QRCode   string `json:"qrcode"`
	PairCode string `json:"paircode"`
	Owner    string `json:"owner"`
}

var uazapiReceipts = map[string]store.MessageStatus{
	"sent":      store.StatusSent,
	"delivered": store.StatusDelivered,
	"read":      store.StatusRead,
	"played":    store.StatusRead,
	"failed":    store.StatusFailed,
}

// DecodeUazapi parses a uazapi webhook delivery.
func DecodeUazapi(body []byte) (Batch, error) {
	var wh uazWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Batch{}, fmt.Errorf("decode uazapi webhook: %w", err)
	}
	b := Batch{Event: strings.ToLower(strings.TrimSpace(wh.EventType))}

	switch b.Event {
	case "messages":
		if wh.Message == nil {
			return b, nil
		}
		if env, ok := uazapiMessage(wh.InstanceName, *wh.Message); ok {
			b.Envelopes = append(b.Envelopes, env)
		}

	case "messages_update":
		if wh.Event == nil {
			return b, nil
		}
		status, ok := uazapiReceipts[strings.ToLower(wh.Event.Type)]
		if !ok {
			return b, nil
		}
		remote := string(wh.Event.Chat)
		for _, id := range wh.Event.MessageIDs {
			b.Envelopes = append(b.Envelopes, Envelope{
				InstanceRef:    wh.InstanceName,
				RemoteID:       remote,
				ExternalID:     stripOwner(id),
				IsStatusUpdate: true,
				DeliveryStatus: status,
				IsGroup:        groupOrBroadcast(remote),
			})
		}

	case "connection":
		var inst uazInstance
		if len(wh.Instance) > 0 && wh.Instance[0] == '{' {
			if err := json.Unmarshal(wh.Instance, &inst); err != nil {
				return b, fmt.Errorf("decode connection: %w", err)
			}
		}
		ev := connection.Event{
			Kind:        provider.KindUazapi,
			Ref:         firstOf(wh.InstanceName, inst.Name),
			Status:      uazapiState(inst),
			QRCode:      inst.QRCode,
			PhoneNumber: whatsapp.Canonical(firstOf(inst.Owner, wh.Owner)),
		}
		if ev.Status != provider.StatusConnected {
			ev.PhoneNumber = ""
		}
		b.Connections = append(b.Connections, ev)
	}
	return b, nil
}

func uazapiState(inst uazInstance) provider.Status {
	switch strings.ToLower(inst.Status) {
	case "connected":
		return provider.StatusConnected
	case "connecting":
		if inst.QRCode != "" || inst.PairCode != "" {
			return provider.StatusQR
		}
		return provider.StatusConnecting
	case "disconnected":
		return provider.StatusDisconnected
	default:
		return provider.StatusAmbiguous
	}
}

func uazapiMessage(ref string, m uazMessage) (Envelope, bool) {
	remote := firstOf(m.ChatID, m.Sender)
	env := Envelope{
		InstanceRef: ref,
		RemoteID:    remote,
		ContactName: m.SenderName,
		ExternalID:  stripOwner(firstOf(m.MessageID, m.ID)),
		TimestampMs: millis(int64(m.MessageTimestamp)),
		IsEcho:      m.FromMe || m.WasSentByAPI,
		IsGroup:     m.IsGroup || groupOrBroadcast(remote),
		MessageType: TypeText,
		MediaRef:    m.FileURL,
		MimeType:    m.Mimetype,
		FileName:    m.FileName,
	}
	if env.IsEcho {
		env.ContactName = ""
	}

	var content uazContent
	if len(m.Content) > 0 {
		switch m.Content[0] {
		case '"':
			_ = json.Unmarshal(m.Content, &content.Text)
		case '{':
			_ = json.Unmarshal(m.Content, &content)
		}
	}
	env.MediaRef = firstOf(env.MediaRef, content.URL)
	env.MimeType = firstOf(env.MimeType, content.Mimetype)
	env.FileName = firstOf(env.FileName, content.FileName)
	env.Text = firstOf(m.Text, content.Text, content.Caption)

	msgType := strings.ToLower(firstOf(m.MessageType, m.Type))
	switch {
	case strings.Contains(msgType, "reaction"):
		return env, false
	case strings.Contains(msgType, "revoke") || strings.Contains(msgType, "protocol"):
		env.Revoked = true
		return env, env.ExternalID != ""
	case m.ButtonOrListID != "":
		env.Text = withOption(env.Text, m.ButtonOrListID)
	case strings.Contains(msgType, "location"):
		env.MessageType = TypeLocation
	case strings.Contains(msgType, "contact"):
		env.MessageType = TypeContact
	case env.MediaRef != "" || msgType == "media" || uazapiMediaName(msgType) != "":
		env.MessageType = uazapiMediaKind(m, msgType, env.MimeType)
	}
	return env, true
}

// uazapiMediaKind disambiguates the generic "media" type: the explicit media
// type wins, then the message type name, then the mime prefix.
func uazapiMediaKind(m uazMessage, msgType, mime string) string {
	if k := normaliseMediaType(m.MediaType); k != "" {
		return k
	}
	if k := uazapiMediaName(msgType); k != "" {
		return k
	}
	if k := mediaTypeFromMime(mime); k != "" {
		return k
	}
	return TypeDocument
}

func uazapiMediaName(msgType string) string {
	if k := normaliseMediaType(msgType); k != "" {
		return k
	}
	for _, k := range []string{TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeSticker} {
		if strings.Contains(msgType, k) {
			return k
		}
	}
	return ""
}

// stripOwner removes the "owner:" prefix uazapi puts on message ids.
func stripOwner(id string) string {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		return id[i+1:]
	}
	return id
}
