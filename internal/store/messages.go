package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageRepo implements MessageRepository.
type MessageRepo struct {
	s *Store
}

const messageColumns = `id, conversation_id, external_id, is_from_me, content, media_url, mime_type,
	message_type, status, revoked, error, timestamp_ms, created_at`

// Insert stores msg. It reports false without error when a message with the
// same external id already exists in the conversation.
func (r *MessageRepo) Insert(ctx context.Context, msg *Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	msg.CreatedAt = now()
	if msg.TimestampMs == 0 {
		msg.TimestampMs = msg.CreatedAt.UnixMilli()
	}

	res, err := r.s.exec(ctx, r.s.db, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, external_id) DO NOTHING`,
		msg.ID, msg.ConversationID, nullString(msg.ExternalID), msg.IsFromMe, msg.Content, msg.MediaURL,
		msg.MimeType, msg.MessageType, string(msg.Status), msg.Revoked, msg.Error, msg.TimestampMs, msg.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *MessageRepo) Get(ctx context.Context, id string) (*Message, error) {
	row := r.s.queryRow(ctx, r.s.db, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetForTenant returns ErrNotFound when the message's conversation belongs to
// another tenant.
func (r *MessageRepo) GetForTenant(ctx context.Context, tenantID, id string) (*Message, error) {
	row := r.s.queryRow(ctx, r.s.db, `
		SELECT `+prefixed("m.", messageColumns)+` FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = ? AND c.tenant_id = ?`, id, tenantID)
	return scanMessage(row)
}

func (r *MessageRepo) GetByExternalID(ctx context.Context, tenantID, externalID string) (*Message, error) {
	row := r.s.queryRow(ctx, r.s.db, `
		SELECT `+prefixed("m.", messageColumns)+` FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.external_id = ? AND c.tenant_id = ?
		LIMIT 1`, externalID, tenantID)
	return scanMessage(row)
}

func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := r.s.query(ctx, r.s.db, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp_ms, created_at`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkSent records the provider id. Status only moves to sent from pending so
// a receipt that raced ahead is not rolled back.
func (r *MessageRepo) MarkSent(ctx context.Context, id, externalID string) error {
	res, err := r.s.exec(ctx, r.s.db, `
		UPDATE messages
		SET external_id = COALESCE(?, external_id),
			status = CASE WHEN status = ? THEN ? ELSE status END,
			error = ''
		WHERE id = ?`,
		nullString(externalID), string(StatusPending), string(StatusSent), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *MessageRepo) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := r.s.exec(ctx, r.s.db,
		`UPDATE messages SET status = ?, error = ? WHERE id = ?`, string(StatusFailed), reason, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpdateStatusByExternalID applies a delivery receipt. It reports whether any
// row moved forward.
func (r *MessageRepo) UpdateStatusByExternalID(ctx context.Context, tenantID, externalID string, s MessageStatus) (bool, error) {
	from := s.predecessors()
	if len(from) == 0 {
		return false, fmt.Errorf("invalid receipt status %q", s)
	}

	args := []any{string(s), externalID, tenantID}
	placeholders := make([]string, len(from))
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}

	res, err := r.s.exec(ctx, r.s.db, `
		UPDATE messages SET status = ?
		WHERE external_id = ?
			AND conversation_id IN (SELECT id FROM conversations WHERE tenant_id = ?)
			AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRevoked flags a message deleted by its sender.
func (r *MessageRepo) MarkRevoked(ctx context.Context, tenantID, externalID string) (bool, error) {
	res, err := r.s.exec(ctx, r.s.db, `
		UPDATE messages SET revoked = ?
		WHERE external_id = ?
			AND conversation_id IN (SELECT id FROM conversations WHERE tenant_id = ?)`,
		true, externalID, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *MessageRepo) SetRevoked(ctx context.Context, id string) error {
	res, err := r.s.exec(ctx, r.s.db, `UPDATE messages SET revoked = ? WHERE id = ?`, true, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanMessageRow(row rowScanner) (*Message, error) {
	var m Message
	var externalID sql.NullString
	var status string
	err := row.Scan(&m.ID, &m.ConversationID, &externalID, &m.IsFromMe, &m.Content, &m.MediaURL,
		&m.MimeType, &m.MessageType, &status, &m.Revoked, &m.Error, &m.TimestampMs, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.Status = MessageStatus(status)
	return &m, nil
}

func scanMessage(row *sql.Row) (*Message, error) {
	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}
