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

type evoWebhook struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type evoKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type evoMedia struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
}

type evoContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *evoMedia `json:"imageMessage"`
	VideoMessage    *evoMedia `json:"videoMessage"`
	AudioMessage    *evoMedia `json:"audioMessage"`
	DocumentMessage *evoMedia `json:"documentMessage"`
	StickerMessage  *evoMedia `json:"stickerMessage"`

	DocumentWithCaptionMessage *struct {
		Message *evoContent `json:"message"`
	} `json:"documentWithCaptionMessage"`

	ButtonsResponseMessage *struct {
		SelectedButtonID    string `json:"selectedButtonId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
	ListResponseMessage *struct {
		Title             string `json:"title"`
		SingleSelectReply *struct {
			SelectedRowID string `json:"selectedRowId"`
		} `json:"singleSelectReply"`
	} `json:"listResponseMessage"`
	TemplateButtonReplyMessage *struct {
		SelectedID          string `json:"selectedId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"templateButtonReplyMessage"`
	TemplateMessage *struct {
		HydratedTemplate *struct {
			HydratedContentText string `json:"hydratedContentText"`
		} `json:"hydratedTemplate"`
	} `json:"templateMessage"`

	LocationMessage *struct {
		DegreesLatitude  float64 `json:"degreesLatitude"`
		DegreesLongitude float64 `json:"degreesLongitude"`
		Name             string  `json:"name"`
		Address          string  `json:"address"`
	} `json:"locationMessage"`
	ContactMessage *struct {
		DisplayName string `json:"displayName"`
		Vcard       string `json:"vcard"`
	} `json:"contactMessage"`
	ProtocolMessage *struct {
		Type string  `json:"type"`
		Key  *evoKey `json:"key"`
	} `json:"protocolMessage"`
	ReactionMessage json.RawMessage `json:"reactionMessage"`
}

type evoMessage struct {
	Key              evoKey      `json:"key"`
	PushName         string      `json:"pushName"`
	Message          *evoContent `json:"message"`
	MessageType      string      `json:"messageType"`
	MessageTimestamp flexInt     `json:"messageTimestamp"`
	MediaURL         string      `json:"mediaUrl"`
}

type evoUpdate struct {
	Key       *evoKey `json:"key"`
	KeyID     string  `json:"keyId"`
	MessageID string  `json:"messageId"`
	RemoteJID string  `json:"remoteJid"`
	FromMe    bool    `json:"fromMe"`
	Status    string  `json:"status"`
}

func (u evoUpdate) id() string {
	if u.Key != nil && u.Key.ID != "" {
		return u.Key.ID
	}
	return firstOf(u.KeyID, u.MessageID)
}

func (u evoUpdate) remote() string {
	if u.Key != nil && u.Key.RemoteJID != "" {
		return u.Key.RemoteJID
	}
	return u.RemoteJID
}

type evoConnection struct {
	Instance string `json:"instance"`
	State    string `json:"state"`
	Wuid     string `json:"wuid"`
}

type evoQR struct {
	QRCode struct {
		Base64      string `json:"base64"`
		Code        string `json:"code"`
		PairingCode string `json:"pairingCode"`
	} `json:"qrcode"`
}

// evolutionReceipts maps message ack names onto store statuses.
var evolutionReceipts = map[string]store.MessageStatus{
	"SERVER_ACK":   store.StatusSent,
	"DELIVERY_ACK": store.StatusDelivered,
	"READ":         store.StatusRead,
	"PLAYED":       store.StatusRead,
	"ERROR":        store.StatusFailed,
}

// DecodeEvolution parses an Evolution API webhook delivery.
func DecodeEvolution(body []byte) (Batch, error) {
	var wh evoWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Batch{}, fmt.Errorf("decode evolution webhook: %w", err)
	}
	b := Batch{Event: eventName(wh.Event)}

	switch b.Event {
	case "messages.upsert", "send.message":
		msgs, err := objects[evoMessage](wh.Data)
		if err != nil {
			return b, fmt.Errorf("decode %s: %w", b.Event, err)
		}
		for _, m := range msgs {
			if env, ok := evolutionMessage(wh.Instance, m); ok {
				if b.Event == "send.message" {
					env.IsEcho = true
				}
				b.Envelopes = append(b.Envelopes, env)
			}
		}

	case "messages.update":
		updates, err := objects[evoUpdate](wh.Data)
		if err != nil {
			return b, fmt.Errorf("decode %s: %w", b.Event, err)
		}
		for _, u := range updates {
			status, ok := evolutionReceipts[strings.ToUpper(u.Status)]
			if !ok || u.id() == "" {
				continue
			}
			b.Envelopes = append(b.Envelopes, Envelope{
				InstanceRef:    wh.Instance,
				RemoteID:       u.remote(),
				ExternalID:     u.id(),
				IsEcho:         u.FromMe,
				IsStatusUpdate: true,
				DeliveryStatus: status,
				IsGroup:        groupOrBroadcast(u.remote()),
			})
		}

	case "messages.delete":
		updates, err := objects[evoUpdate](wh.Data)
		if err != nil {
			return b, fmt.Errorf("decode %s: %w", b.Event, err)
		}
		for _, u := range updates {
			if u.id() == "" {
				continue
			}
			b.Envelopes = append(b.Envelopes, Envelope{
				InstanceRef: wh.Instance,
				RemoteID:    u.remote(),
				ExternalID:  u.id(),
				Revoked:     true,
			})
		}

	case "connection.update":
		var c evoConnection
		if err := json.Unmarshal(wh.Data, &c); err != nil {
			return b, fmt.Errorf("decode %s: %w", b.Event, err)
		}
		b.Connections = append(b.Connections, connection.Event{
			Kind:        provider.KindEvolution,
			Ref:         firstOf(wh.Instance, c.Instance),
			Status:      evolutionState(c.State),
			PhoneNumber: whatsapp.Canonical(c.Wuid),
		})

	case "qrcode.updated":
		var q evoQR
		if err := json.Unmarshal(wh.Data, &q); err != nil {
			return b, fmt.Errorf("decode %s: %w", b.Event, err)
		}
		qr := firstOf(q.QRCode.Base64, q.QRCode.Code)
		if qr != "" {
			b.Connections = append(b.Connections, connection.Event{
				Kind:   provider.KindEvolution,
				Ref:    wh.Instance,
				Status: provider.StatusQR,
				QRCode: qr,
			})
		}
	}
	return b, nil
}

func evolutionState(s string) provider.Status {
	switch strings.ToLower(s) {
	case "open":
		return provider.StatusConnected
	case "connecting":
		return provider.StatusConnecting
	case "close", "closed", "refused":
		return provider.StatusDisconnected
	default:
		return provider.StatusAmbiguous
	}
}

func evolutionMessage(ref string, m evoMessage) (Envelope, bool) {
	env := Envelope{
		InstanceRef: ref,
		RemoteID:    m.Key.RemoteJID,
		ContactName: m.PushName,
		ExternalID:  m.Key.ID,
		TimestampMs: millis(int64(m.MessageTimestamp)),
		IsEcho:      m.Key.FromMe,
		IsGroup:     groupOrBroadcast(m.Key.RemoteJID),
		MessageType: TypeText,
	}
	if m.Key.FromMe {
		env.ContactName = ""
	}
	c := m.Message
	if c == nil {
		return env, false
	}
	if c.DocumentWithCaptionMessage != nil && c.DocumentWithCaptionMessage.Message != nil {
		c = c.DocumentWithCaptionMessage.Message
	}

	media := func(kind string, md *evoMedia) {
		env.MessageType = kind
		env.MediaRef = firstOf(m.MediaURL, md.URL)
		env.MimeType = md.Mimetype
		env.Text = md.Caption
		env.FileName = md.FileName
	}

	switch {
	case c.ProtocolMessage != nil:
		if !strings.EqualFold(c.ProtocolMessage.Type, "REVOKE") || c.ProtocolMessage.Key == nil {
			return env, false
		}
		env.ExternalID = c.ProtocolMessage.Key.ID
		env.Revoked = true
	case c.ReactionMessage != nil:
		return env, false
	case c.Conversation != "":
		env.Text = c.Conversation
	case c.ExtendedTextMessage != nil:
		env.Text = c.ExtendedTextMessage.Text
	case c.ImageMessage != nil:
		media(TypeImage, c.ImageMessage)
	case c.VideoMessage != nil:
		media(TypeVideo, c.VideoMessage)
	case c.AudioMessage != nil:
		media(TypeAudio, c.AudioMessage)
	case c.DocumentMessage != nil:
		media(TypeDocument, c.DocumentMessage)
	case c.StickerMessage != nil:
		media(TypeSticker, c.StickerMessage)
	case c.ButtonsResponseMessage != nil:
		r := c.ButtonsResponseMessage
		env.Text = withOption(r.SelectedDisplayText, r.SelectedButtonID)
	case c.ListResponseMessage != nil:
		r := c.ListResponseMessage
		option := ""
		if r.SingleSelectReply != nil {
			option = r.SingleSelectReply.SelectedRowID
		}
		env.Text = withOption(r.Title, option)
	case c.TemplateButtonReplyMessage != nil:
		r := c.TemplateButtonReplyMessage
		env.Text = withOption(r.SelectedDisplayText, r.SelectedID)
	case c.TemplateMessage != nil && c.TemplateMessage.HydratedTemplate != nil:
		env.Text = c.TemplateMessage.HydratedTemplate.HydratedContentText
	case c.LocationMessage != nil:
		l := c.LocationMessage
		env.MessageType = TypeLocation
		env.Text = strings.TrimSpace(fmt.Sprintf("%s %s\n%.6f,%.6f", l.Name, l.Address, l.DegreesLatitude, l.DegreesLongitude))
	case c.ContactMessage != nil:
		env.MessageType = TypeContact
		env.Text = firstOf(c.ContactMessage.DisplayName, c.ContactMessage.Vcard)
	default:
		env.MessageType = TypeUnknown
	}
	return env, true
}

// eventName folds MESSAGES_UPSERT and messages.upsert into one spelling.
func eventName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", ".")
}

func groupOrBroadcast(remote string) bool {
	return whatsapp.IsGroup(remote) || whatsapp.IsBroadcast(remote)
}
