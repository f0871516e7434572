package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ihiteshgupta/channel-bridge/internal/whatsapp"
)

// resolveClientConflict runs after a uniqueness violation on clients. It re-reads
// the row that won the insert and folds every equivalent duplicate into it.
func (s *Store) resolveClientConflict(ctx context.Context, tenantID, identifier string) (*Client, error) {
	survivor, err := s.Clients.Get(ctx, tenantID, identifier)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("client %s: %w", identifier, ErrConflict)
	}
	if err != nil {
		return nil, err
	}

	dups, err := s.equivalentClients(ctx, survivor)
	if err != nil {
		return nil, err
	}
	if len(dups) == 0 {
		return survivor, nil
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, dup := range dups {
			if err := s.mergeClient(ctx, tx, survivor.ID, dup.ID); err != nil {
				return fmt.Errorf("merge client %s into %s: %w", dup.ID, survivor.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, dup := range dups {
		slog.Info("merged duplicate client", "tenant", tenantID, "survivor", survivor.ID, "duplicate", dup.ID)
	}
	return s.Clients.GetByID(ctx, survivor.ID)
}

// equivalentClients finds other rows of the same tenant whose identifier
// canonicalises to the survivor's (e.g. "+5511..." vs "5511...@s.whatsapp.net").
func (s *Store) equivalentClients(ctx context.Context, survivor *Client) ([]Client, error) {
	canonical := whatsapp.Canonical(survivor.Identifier)
	rows, err := s.query(ctx, s.db, `
		SELECT `+clientColumns+` FROM clients
		WHERE tenant_id = ? AND id <> ? AND identifier LIKE ?`,
		survivor.TenantID, survivor.ID, likeHint(canonical))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClientRow(rows)
		if err != nil {
			return nil, err
		}
		if whatsapp.Canonical(c.Identifier) == canonical {
			out = append(out, *c)
		}
	}
	return out, rows.Err()
}

func (s *Store) mergeClient(ctx context.Context, tx *sql.Tx, survivorID, dupID string) error {
	steps := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO client_tags (client_id, tag, created_at)
			SELECT ?, tag, created_at FROM client_tags WHERE client_id = ?
			ON CONFLICT (client_id, tag) DO NOTHING`, []any{survivorID, dupID}},
		{`DELETE FROM client_tags WHERE client_id = ?`, []any{dupID}},
		{`UPDATE client_actions SET client_id = ? WHERE client_id = ?`, []any{survivorID, dupID}},
		{`UPDATE client_memories SET client_id = ? WHERE client_id = ?`, []any{survivorID, dupID}},
		{`UPDATE conversations SET client_id = ? WHERE client_id = ?`, []any{survivorID, dupID}},
		// Keep a resolved profile if only the duplicate had one.
		{`UPDATE clients SET
			name = CASE WHEN name = '' THEN (SELECT name FROM clients WHERE id = ?) ELSE name END,
			avatar_url = CASE WHEN avatar_url = '' THEN (SELECT avatar_url FROM clients WHERE id = ?) ELSE avatar_url END
			WHERE id = ?`, []any{dupID, dupID, survivorID}},
		{`DELETE FROM clients WHERE id = ?`, []any{dupID}},
	}
	for _, st := range steps {
		if _, err := s.exec(ctx, tx, st.query, st.args...); err != nil {
			return err
		}
	}
	return nil
}

// resolveConversationConflict mirrors resolveClientConflict for conversations.
func (s *Store) resolveConversationConflict(ctx context.Context, key ConversationKey) (*Conversation, error) {
	survivor, err := s.Conversations.GetByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("conversation %s/%s: %w", key.Origin, key.RemoteID, ErrConflict)
	}
	if err != nil {
		return nil, err
	}

	dups, err := s.equivalentConversations(ctx, survivor)
	if err != nil {
		return nil, err
	}
	if len(dups) == 0 {
		return survivor, nil
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, dup := range dups {
			if err := s.mergeConversation(ctx, tx, survivor, &dup); err != nil {
				return fmt.Errorf("merge conversation %s into %s: %w", dup.ID, survivor.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, dup := range dups {
		slog.Info("merged duplicate conversation", "tenant", key.TenantID, "survivor", survivor.ID, "duplicate", dup.ID)
	}
	return s.Conversations.Get(ctx, survivor.ID)
}

func (s *Store) equivalentConversations(ctx context.Context, survivor *Conversation) ([]Conversation, error) {
	canonical := whatsapp.Canonical(survivor.RemoteID)
	rows, err := s.query(ctx, s.db, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = ? AND origin = ? AND id <> ? AND remote_id LIKE ?`,
		survivor.TenantID, string(survivor.Origin), survivor.ID, likeHint(canonical))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		if whatsapp.Canonical(c.RemoteID) == canonical {
			out = append(out, *c)
		}
	}
	return out, rows.Err()
}

func (s *Store) mergeConversation(ctx context.Context, tx *sql.Tx, survivor, dup *Conversation) error {
	lastActivity := survivor.LastActivityMs
	if dup.LastActivityMs > lastActivity {
		lastActivity = dup.LastActivityMs
	}
	archived := survivor.Archived && dup.Archived

	steps := []struct {
		query string
		args  []any
	}{
		// Messages the survivor already holds would violate the external id index.
		{`DELETE FROM messages WHERE conversation_id = ? AND external_id IN (
			SELECT external_id FROM messages WHERE conversation_id = ? AND external_id IS NOT NULL)`,
			[]any{dup.ID, survivor.ID}},
		{`UPDATE messages SET conversation_id = ? WHERE conversation_id = ?`, []any{survivor.ID, dup.ID}},
		{`UPDATE conversations SET last_activity_ms = ?, archived = ? WHERE id = ?`,
			[]any{lastActivity, archived, survivor.ID}},
		{`DELETE FROM conversations WHERE id = ?`, []any{dup.ID}},
	}
	for _, st := range steps {
		if _, err := s.exec(ctx, tx, st.query, st.args...); err != nil {
			return err
		}
	}
	return nil
}

// likeHint narrows candidate rows by the trailing characters of the canonical
// identifier, which survive the usual formatting (+, spaces, dashes, JID suffix).
func likeHint(canonical string) string {
	const tail = 4
	if i := strings.IndexByte(canonical, '@'); i >= 0 {
		canonical = canonical[:i]
	}
	if len(canonical) > tail {
		canonical = canonical[len(canonical)-tail:]
	}
	return "%" + canonical + "%"
}
