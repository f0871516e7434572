package inbound

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

type metaWebhook struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string          `json:"id"`
	Changes   []metaChange    `json:"changes"`
	Messaging []metaMessaging `json:"messaging"`
}

type metaChange struct {
	Field string    `json:"field"`
	Value metaValue `json:"value"`
}

type metaValue struct {
	Metadata struct {
		PhoneNumberID      string `json:"phone_number_id"`
		DisplayPhoneNumber string `json:"display_phone_number"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []metaCloudMessage `json:"messages"`
	Statuses []struct {
		ID          string  `json:"id"`
		Status      string  `json:"status"`
		RecipientID string  `json:"recipient_id"`
		Timestamp   flexInt `json:"timestamp"`
	} `json:"statuses"`
}

type metaCloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type metaCloudMessage struct {
	From      string  `json:"from"`
	ID        string  `json:"id"`
	Timestamp flexInt `json:"timestamp"`
	Type      string  `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *metaCloudMedia `json:"image"`
	Video    *metaCloudMedia `json:"video"`
	Audio    *metaCloudMedia `json:"audio"`
	Document *metaCloudMedia `json:"document"`
	Sticker  *metaCloudMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string       `json:"type"`
		ButtonReply *metaReplyID `json:"button_reply"`
		ListReply   *metaReplyID `json:"list_reply"`
	} `json:"interactive"`
	Contacts []struct {
		Name struct {
			FormattedName string `json:"formatted_name"`
		} `json:"name"`
	} `json:"contacts"`
}

type metaReplyID struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type metaMessaging struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp flexInt             `json:"timestamp"`
	Message   *struct {
		Mid        string `json:"mid"`
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		IsDeleted  bool   `json:"is_deleted"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		Mid     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
	Delivery *struct {
		Mids []string `json:"mids"`
	} `json:"delivery"`
	Read *struct {
		Mid string `json:"mid"`
	} `json:"read"`
}

var metaReceipts = map[string]store.MessageStatus{
	"sent":      store.StatusSent,
	"delivered": store.StatusDelivered,
	"read":      store.StatusRead,
	"failed":    store.StatusFailed,
}

// DecodeMeta parses a Graph webhook delivery for WhatsApp Cloud, Messenger or
// Instagram.
func DecodeMeta(body []byte) (Batch, error) {
	var wh metaWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Batch{}, fmt.Errorf("decode meta webhook: %w", err)
	}
	b := Batch{Event: wh.Object}

	for _, e := range wh.Entry {
		switch wh.Object {
		case "whatsapp_business_account":
			for _, ch := range e.Changes {
				if ch.Field != "" && ch.Field != "messages" {
					continue
				}
				b.Envelopes = append(b.Envelopes, metaCloud(ch.Value)...)
			}
		case "page", "instagram":
			for _, m := range e.Messaging {
				b.Envelopes = append(b.Envelopes, metaPage(e.ID, m)...)
			}
		}
	}
	return b, nil
}

func metaCloud(v metaValue) []Envelope {
	ref := v.Metadata.PhoneNumberID
	names := make(map[string]string, len(v.Contacts))
	for _, c := range v.Contacts {
		names[c.WaID] = c.Profile.Name
	}

	var out []Envelope
	for _, m := range v.Messages {
		env := Envelope{
			InstanceRef: ref,
			RemoteID:    m.From,
			ContactName: names[m.From],
			ExternalID:  m.ID,
			TimestampMs: millis(int64(m.Timestamp)),
			MessageType: TypeText,
		}
		media := func(kind string, md *metaCloudMedia) {
			env.MessageType = kind
			env.MediaRef = md.ID
			env.MimeType = md.MimeType
			env.Text = md.Caption
			env.FileName = md.Filename
		}
		switch {
		case m.Text != nil:
			env.Text = m.Text.Body
		case m.Image != nil:
			media(TypeImage, m.Image)
		case m.Video != nil:
			media(TypeVideo, m.Video)
		case m.Audio != nil:
			media(TypeAudio, m.Audio)
		case m.Document != nil:
			media(TypeDocument, m.Document)
		case m.Sticker != nil:
			media(TypeSticker, m.Sticker)
		case m.Interactive != nil && m.Interactive.ButtonReply != nil:
			env.Text = withOption(m.Interactive.ButtonReply.Title, m.Interactive.ButtonReply.ID)
		case m.Interactive != nil && m.Interactive.ListReply != nil:
			env.Text = withOption(m.Interactive.ListReply.Title, m.Interactive.ListReply.ID)
		case m.Button != nil:
			env.Text = withOption(m.Button.Text, m.Button.Payload)
		case m.Location != nil:
			l := m.Location
			env.MessageType = TypeLocation
			env.Text = strings.TrimSpace(fmt.Sprintf("%s %s\n%.6f,%.6f", l.Name, l.Address, l.Latitude, l.Longitude))
		case len(m.Contacts) > 0:
			env.MessageType = TypeContact
			env.Text = m.Contacts[0].Name.FormattedName
		case m.Type == "reaction" || m.Type == "system":
			continue
		default:
			env.MessageType = TypeUnknown
		}
		out = append(out, env)
	}

	for _, s := range v.Statuses {
		status, ok := metaReceipts[s.Status]
		if !ok {
			continue
		}
		out = append(out, Envelope{
			InstanceRef:    ref,
			RemoteID:       s.RecipientID,
			ExternalID:     s.ID,
			TimestampMs:    millis(int64(s.Timestamp)),
			IsStatusUpdate: true,
			DeliveryStatus: status,
		})
	}
	return out
}

func metaPage(ref string, m metaMessaging) []Envelope {
	base := Envelope{
		InstanceRef: ref,
		RemoteID:    m.Sender.ID,
		TimestampMs: millis(int64(m.Timestamp)),
		MessageType: TypeText,
	}

	switch {
	case m.Message != nil:
		msg := m.Message
		env := base
		env.ExternalID = msg.Mid
		if msg.IsEcho {
			env.IsEcho = true
			env.RemoteID = m.Recipient.ID
		}
		if msg.IsDeleted {
			env.Revoked = true
			return []Envelope{env}
		}
		env.Text = msg.Text
		if msg.QuickReply != nil {
			env.Text = withOption(msg.Text, msg.QuickReply.Payload)
		}
		if len(msg.Attachments) > 0 {
			a := msg.Attachments[0]
			env.MediaRef = a.Payload.URL
			env.MessageType = normaliseMediaType(a.Type)
			if env.MessageType == "" {
				env.MessageType = TypeDocument
			}
		}
		return []Envelope{env}

	case m.Postback != nil:
		env := base
		env.ExternalID = m.Postback.Mid
		env.Text = withOption(m.Postback.Title, m.Postback.Payload)
		return []Envelope{env}

	case m.Delivery != nil:
		var out []Envelope
		for _, mid := range m.Delivery.Mids {
			env := base
			env.ExternalID = mid
			env.IsStatusUpdate = true
			env.DeliveryStatus = store.StatusDelivered
			out = append(out, env)
		}
		return out

	case m.Read != nil && m.Read.Mid != "":
		env := base
		env.ExternalID = m.Read.Mid
		env.IsStatusUpdate = true
		env.DeliveryStatus = store.StatusRead
		return []Envelope{env}
	}
	return nil
}
