// Package whatsapp normalises WhatsApp phone numbers and JIDs reported by the
// gateway providers.
package whatsapp

import (
	"errors"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var (
	// ErrInvalidRecipient is returned for an empty or digit-less recipient.
	ErrInvalidRecipient = errors.New("invalid recipient")

	phoneRegex = regexp.MustCompile(`[^\d]`)
)

// ParseRecipient turns a JID or a loosely formatted phone number into a JID.
func ParseRecipient(recipient string) (types.JID, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return types.JID{}, ErrInvalidRecipient
	}

	if strings.Contains(recipient, "@") {
		jid, err := types.ParseJID(recipient)
		if err != nil {
			return types.JID{}, err
		}
		return jid.ToNonAD(), nil
	}

	phone := phoneRegex.ReplaceAllString(recipient, "")
	if phone == "" {
		return types.JID{}, ErrInvalidRecipient
	}

	return types.NewJID(phone, types.DefaultUserServer), nil
}

// Canonical returns the identifier used as a conversation remote id: bare digits
// for user JIDs and phone numbers, the full JID for groups, LIDs and other servers.
// Unparseable input is returned trimmed.
func Canonical(raw string) string {
	jid, err := ParseRecipient(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	if jid.Server == types.DefaultUserServer || jid.Server == types.LegacyUserServer {
		return jid.User
	}
	return jid.String()
}

// SamePhone reports whether a and b resolve to the same non-empty identifier.
func SamePhone(a, b string) bool {
	ca, cb := Canonical(a), Canonical(b)
	return ca != "" && ca == cb
}

// IsGroup reports whether raw names a group chat.
func IsGroup(raw string) bool {
	jid, err := ParseRecipient(raw)
	return err == nil && jid.Server == types.GroupServer
}

// IsBroadcast reports whether raw names a broadcast list or the status feed.
func IsBroadcast(raw string) bool {
	jid, err := ParseRecipient(raw)
	return err == nil && jid.Server == types.BroadcastServer
}
