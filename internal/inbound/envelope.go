// Package inbound turns provider webhook payloads into canonical envelopes and
// persists them idempotently.
package inbound

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ihiteshgupta/channel-bridge/internal/connection"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

// Message types an envelope can carry.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
	TypeSticker  = "sticker"
	TypeLocation = "location"
	TypeContact  = "contact"
	TypeUnknown  = "unknown"
)

// ErrUnsupportedKind is returned for a provider kind without a decoder.
var ErrUnsupportedKind = errors.New("no webhook decoder for provider kind")

// Envelope is one provider event in canonical form.
type Envelope struct {
	// InstanceRef is the provider-side reference of the receiving instance.
	InstanceRef string

	RemoteID    string
	ContactName string
	Text        string
	MediaRef    string
	MimeType    string
	FileName    string
	MessageType string
	ExternalID  string
	TimestampMs int64

	IsEcho         bool
	IsStatusUpdate bool
	DeliveryStatus store.MessageStatus
	Revoked        bool
	IsGroup        bool
}

// Batch is everything decoded from one webhook delivery.
type Batch struct {
	Event       string
	Envelopes   []Envelope
	Connections []connection.Event
}

// Decoder parses one provider's webhook body.
type Decoder func(body []byte) (Batch, error)

var decoders = map[provider.Kind]Decoder{
	provider.KindEvolution: DecodeEvolution,
	provider.KindUazapi:    DecodeUazapi,
	provider.KindMeta:      DecodeMeta,
}

// Decode parses body with the decoder for kind.
func Decode(kind provider.Kind, body []byte) (Batch, error) {
	d, ok := decoders[kind]
	if !ok {
		return Batch{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return d(body)
}

// withOption appends a selected interactive option as a final line.
func withOption(text, option string) string {
	text = strings.TrimSpace(text)
	option = strings.TrimSpace(option)
	switch {
	case option == "" || option == text:
		return text
	case text == "":
		return "[" + option + "]"
	default:
		return text + "\n[" + option + "]"
	}
}

// millis normalises a provider timestamp in seconds or milliseconds.
func millis(ts int64) int64 {
	switch {
	case ts <= 0:
		return time.Now().UnixMilli()
	case ts < 1e12:
		return ts * 1000
	default:
		return ts
	}
}

// firstOf returns the first non-blank value.
func firstOf(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// mediaTypeFromMime maps a mime type onto a message type.
func mediaTypeFromMime(mime string) string {
	mime = strings.ToLower(mime)
	switch {
	case mime == "image/webp":
		return TypeSticker
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	case strings.HasPrefix(mime, "video/"):
		return TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return TypeAudio
	case mime != "":
		return TypeDocument
	default:
		return ""
	}
}

// normaliseMediaType maps provider media names onto message types.
func normaliseMediaType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "message")
	switch s {
	case "image", "img", "photo":
		return TypeImage
	case "video", "gif", "ptv":
		return TypeVideo
	case "audio", "ptt", "voice", "myaudio":
		return TypeAudio
	case "document", "file", "documentwithcaption":
		return TypeDocument
	case "sticker":
		return TypeSticker
	default:
		return ""
	}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

// flexInt accepts a JSON number, a numeric string, or a protobuf Long object
// ({"low":..,"high":..}).
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = flexInt(n)
	case '{':
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(b, &long); err != nil {
			return err
		}
		*f = flexInt(long.High<<32 | (long.Low & 0xffffffff))
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		v, err := n.Int64()
		if err != nil {
			fv, ferr := n.Float64()
			if ferr != nil {
				return err
			}
			v = int64(fv)
		}
		*f = flexInt(v)
	}
	return nil
}

// objects decodes raw as a single object or an array of objects.
func objects[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []T
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
