package inbound

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode("telegram", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestDecodeEvolution_Text(t *testing.T) {
	b, err := DecodeEvolution([]byte(`{
		"event": "MESSAGES_UPSERT",
		"instance": "acme",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "ABC1"},
			"pushName": "Ana",
			"message": {"conversation": "oi"},
			"messageTimestamp": 1700000000
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "messages.upsert", b.Event)
	require.Len(t, b.Envelopes, 1)

	env := b.Envelopes[0]
	assert.Equal(t, "acme", env.InstanceRef)
	assert.Equal(t, "5511999990000@s.whatsapp.net", env.RemoteID)
	assert.Equal(t, "Ana", env.ContactName)
	assert.Equal(t, "oi", env.Text)
	assert.Equal(t, "ABC1", env.ExternalID)
	assert.Equal(t, int64(1700000000000), env.TimestampMs)
	assert.Equal(t, TypeText, env.MessageType)
	assert.False(t, env.IsEcho)
	assert.False(t, env.IsGroup)
}

func TestDecodeEvolution_MediaArrayAndEcho(t *testing.T) {
	b, err := DecodeEvolution([]byte(`{
		"event": "messages.upsert",
		"instance": "acme",
		"data": [
			{
				"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "IMG1"},
				"message": {"imageMessage": {"url": "https://mmg.test/x", "mimetype": "image/jpeg", "caption": "look"}},
				"mediaUrl": "https://s3.test/x.jpg",
				"messageTimestamp": "1700000000"
			},
			{
				"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true, "id": "OUT1"},
				"pushName": "Me",
				"message": {"extendedTextMessage": {"text": "hello"}}
			}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 2)

	img := b.Envelopes[0]
	assert.Equal(t, TypeImage, img.MessageType)
	assert.Equal(t, "https://s3.test/x.jpg", img.MediaRef)
	assert.Equal(t, "image/jpeg", img.MimeType)
	assert.Equal(t, "look", img.Text)

	echo := b.Envelopes[1]
	assert.True(t, echo.IsEcho)
	assert.Empty(t, echo.ContactName)
	assert.Equal(t, "hello", echo.Text)
}

func TestDecodeEvolution_Interactive(t *testing.T) {
	b, err := DecodeEvolution([]byte(`{
		"event": "messages.upsert",
		"instance": "acme",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "BTN1"},
			"message": {"buttonsResponseMessage": {"selectedButtonId": "opt_yes", "selectedDisplayText": "Yes"}}
		}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 1)
	assert.Equal(t, "Yes\n[opt_yes]", b.Envelopes[0].Text)
}

func TestDecodeEvolution_GroupsAndStatusFeed(t *testing.T) {
	b, err := DecodeEvolution([]byte(`{
		"event": "messages.upsert",
		"instance": "acme",
		"data": [
			{"key": {"remoteJid": "120363000000000000@g.us", "id": "G1"}, "message": {"conversation": "hi all"}},
			{"key": {"remoteJid": "status@broadcast", "id": "S1"}, "message": {"conversation": "story"}}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 2)
	assert.True(t, b.Envelopes[0].IsGroup)
	assert.True(t, b.Envelopes[1].IsGroup)
}

func TestDecodeEvolution_ReceiptsAndRevoke(t *testing.T) {
	b, err := DecodeEvolution([]byte(`{
		"event": "messages.update",
		"instance": "acme",
		"data": {"keyId": "OUT1", "remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true, "status": "READ"}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 1)
	assert.True(t, b.Envelopes[0].IsStatusUpdate)
	assert.Equal(t, store.StatusRead, b.Envelopes[0].DeliveryStatus)
	assert.Equal(t, "OUT1", b.Envelopes[0].ExternalID)

	b, err = DecodeEvolution([]byte(`{
		"event": "messages.upsert",
		"instance": "acme",
		"data": {
			"key": {"remoteJid": "5511999990000@s.whatsapp.net", "id": "P1"},
			"message": {"protocolMessage": {"type": "REVOKE", "key": {"id": "ABC1"}}}
		}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 1)
	assert.True(t, b.Envelopes[0].Revoked)
	assert.Equal(t, "ABC1", b.Envelopes[0].ExternalID)
}

func TestDecodeEvolution_Connection(t *testing.T) {
	b, err := DecodeEvolution([]byte(`{
		"event": "connection.update",
		"instance": "acme",
		"data": {"instance": "acme", "state": "open", "wuid": "5511988887777@s.whatsapp.net"}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Connections, 1)
	ev := b.Connections[0]
	assert.Equal(t, provider.KindEvolution, ev.Kind)
	assert.Equal(t, "acme", ev.Ref)
	assert.Equal(t, provider.StatusConnected, ev.Status)
	assert.Equal(t, "5511988887777", ev.PhoneNumber)

	b, err = DecodeEvolution([]byte(`{
		"event": "QRCODE_UPDATED",
		"instance": "acme",
		"data": {"qrcode": {"base64": "data:image/png;base64,AAA"}}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Connections, 1)
	assert.Equal(t, provider.StatusQR, b.Connections[0].Status)
	assert.Equal(t, "data:image/png;base64,AAA", b.Connections[0].QRCode)
}

func TestDecodeUazapi_MediaDisambiguation(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want string
	}{
		{"explicit media type", `"messageType": "media", "mediaType": "ptt", "fileURL": "https://u.test/a"`, TypeAudio},
		{"message type name", `"messageType": "VideoMessage", "fileURL": "https://u.test/v"`, TypeVideo},
		{"mime prefix", `"messageType": "media", "mimetype": "image/jpeg", "fileURL": "https://u.test/i"`, TypeImage},
		{"fallback", `"messageType": "media", "fileURL": "https://u.test/f"`, TypeDocument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := `{"EventType": "messages", "instanceName": "u1", "message": {
				"chatid": "5511999990000@s.whatsapp.net", "messageid": "owner:M1", ` + tc.msg + `}}`
			b, err := DecodeUazapi([]byte(body))
			require.NoError(t, err)
			require.Len(t, b.Envelopes, 1)
			assert.Equal(t, tc.want, b.Envelopes[0].MessageType)
			assert.Equal(t, "M1", b.Envelopes[0].ExternalID)
		})
	}
}

func TestDecodeUazapi_TextInteractiveAndEcho(t *testing.T) {
	b, err := DecodeUazapi([]byte(`{"EventType": "messages", "instanceName": "u1", "message": {
		"chatid": "5511999990000@s.whatsapp.net", "senderName": "Bea", "messageid": "M2",
		"messageType": "ButtonsResponseMessage", "text": "Sim", "buttonOrListid": "yes",
		"messageTimestamp": 1700000000123}}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 1)
	env := b.Envelopes[0]
	assert.Equal(t, "Sim\n[yes]", env.Text)
	assert.Equal(t, "Bea", env.ContactName)
	assert.Equal(t, int64(1700000000123), env.TimestampMs)

	b, err = DecodeUazapi([]byte(`{"EventType": "messages", "instanceName": "u1", "message": {
		"chatid": "5511999990000@s.whatsapp.net", "messageid": "M3", "fromMe": true, "text": "out"}}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 1)
	assert.True(t, b.Envelopes[0].IsEcho)
}

func TestDecodeUazapi_ReceiptsAndConnection(t *testing.T) {
	b, err := DecodeUazapi([]byte(`{"EventType": "messages_update", "instanceName": "u1",
		"event": {"Type": "Delivered", "MessageIDs": ["M1", "M2"], "Chat": "5511999990000@s.whatsapp.net"}}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 2)
	for _, env := range b.Envelopes {
		assert.True(t, env.IsStatusUpdate)
		assert.Equal(t, store.StatusDelivered, env.DeliveryStatus)
	}

	b, err = DecodeUazapi([]byte(`{"EventType": "connection", "instanceName": "u1",
		"instance": {"status": "connecting", "qrcode": "data:image/png;base64,QQ"}}`))
	require.NoError(t, err)
	require.Len(t, b.Connections, 1)
	assert.Equal(t, provider.StatusQR, b.Connections[0].Status)
	assert.Equal(t, "u1", b.Connections[0].Ref)

	b, err = DecodeUazapi([]byte(`{"EventType": "connection", "instanceName": "u1",
		"instance": {"status": "connected", "owner": "5511977776666"}}`))
	require.NoError(t, err)
	require.Len(t, b.Connections, 1)
	assert.Equal(t, provider.StatusConnected, b.Connections[0].Status)
	assert.Equal(t, "5511977776666", b.Connections[0].PhoneNumber)
}

func TestDecodeMeta_Cloud(t *testing.T) {
	b, err := DecodeMeta([]byte(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "WABA", "changes": [{"field": "messages", "value": {
			"metadata": {"phone_number_id": "PN1", "display_phone_number": "15550001111"},
			"contacts": [{"wa_id": "5511999990000", "profile": {"name": "Caio"}}],
			"messages": [
				{"from": "5511999990000", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "ola"}},
				{"from": "5511999990000", "id": "wamid.2", "timestamp": "1700000001", "type": "interactive",
					"interactive": {"type": "list_reply", "list_reply": {"id": "row_2", "title": "Second"}}},
				{"from": "5511999990000", "id": "wamid.3", "timestamp": "1700000002", "type": "image",
					"image": {"id": "MEDIA9", "mime_type": "image/jpeg"}}
			],
			"statuses": [{"id": "wamid.out", "status": "delivered", "recipient_id": "5511999990000", "timestamp": "1700000003"}]
		}}]}]
	}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 4)

	assert.Equal(t, "PN1", b.Envelopes[0].InstanceRef)
	assert.Equal(t, "Caio", b.Envelopes[0].ContactName)
	assert.Equal(t, "ola", b.Envelopes[0].Text)
	assert.Equal(t, "Second\n[row_2]", b.Envelopes[1].Text)
	assert.Equal(t, TypeImage, b.Envelopes[2].MessageType)
	assert.Equal(t, "MEDIA9", b.Envelopes[2].MediaRef)
	assert.True(t, b.Envelopes[3].IsStatusUpdate)
	assert.Equal(t, store.StatusDelivered, b.Envelopes[3].DeliveryStatus)
}

func TestDecodeMeta_PageMessaging(t *testing.T) {
	b, err := DecodeMeta([]byte(`{
		"object": "instagram",
		"entry": [{"id": "IG1", "messaging": [
			{"sender": {"id": "U1"}, "recipient": {"id": "IG1"}, "timestamp": 1700000000000,
				"message": {"mid": "m1", "text": "hey"}},
			{"sender": {"id": "IG1"}, "recipient": {"id": "U1"}, "timestamp": 1700000000001,
				"message": {"mid": "m2", "text": "reply", "is_echo": true}},
			{"sender": {"id": "U1"}, "recipient": {"id": "IG1"}, "timestamp": 1700000000002,
				"message": {"mid": "m3", "attachments": [{"type": "image", "payload": {"url": "https://cdn.test/p.jpg"}}]}},
			{"sender": {"id": "U1"}, "recipient": {"id": "IG1"}, "timestamp": 1700000000003,
				"message": {"mid": "m1", "is_deleted": true}},
			{"sender": {"id": "U1"}, "recipient": {"id": "IG1"}, "timestamp": 1700000000004,
				"read": {"mid": "m2"}}
		]}]
	}`))
	require.NoError(t, err)
	require.Len(t, b.Envelopes, 5)

	assert.Equal(t, "IG1", b.Envelopes[0].InstanceRef)
	assert.Equal(t, "U1", b.Envelopes[0].RemoteID)
	assert.True(t, b.Envelopes[1].IsEcho)
	assert.Equal(t, "U1", b.Envelopes[1].RemoteID)
	assert.Equal(t, TypeImage, b.Envelopes[2].MessageType)
	assert.Equal(t, "https://cdn.test/p.jpg", b.Envelopes[2].MediaRef)
	assert.True(t, b.Envelopes[3].Revoked)
	assert.Equal(t, store.StatusRead, b.Envelopes[4].DeliveryStatus)
}

func TestWithOption(t *testing.T) {
	assert.Equal(t, "Yes\n[y]", withOption("Yes", "y"))
	assert.Equal(t, "[y]", withOption("", "y"))
	assert.Equal(t, "Yes", withOption("Yes", ""))
	assert.Equal(t, "Yes", withOption("Yes", "Yes"))
}

func TestPlaceholderName(t *testing.T) {
	for _, name := range []string{"", "  ", "5511999990000", "+55 11 99999-0000", "Contato 12", "cliente", "Contact 3"} {
		assert.True(t, placeholderName(name), name)
	}
	for _, name := range []string{"Ana", "Contato Silva", "Bea 2"} {
		assert.False(t, placeholderName(name), name)
	}
}
