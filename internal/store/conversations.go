package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ConversationRepo implements ConversationRepository.
type ConversationRepo struct {
	s *Store
}

const conversationColumns = `id, tenant_id, remote_id, origin, client_id, instance_id, last_activity_ms, archived, created_at`

// FindOrCreate returns the conversation for key, creating it linked to
// clientID and instanceID when missing.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, key ConversationKey, clientID, instanceID string) (*Conversation, error) {
	c, err := r.GetByKey(ctx, key)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return r.Create(ctx, &Conversation{
		TenantID:   key.TenantID,
		RemoteID:   key.RemoteID,
		Origin:     key.Origin,
		ClientID:   clientID,
		InstanceID: instanceID,
	})
}

// Create inserts c. On a uniqueness violation the surviving row is re-read and
// equivalent duplicates are merged into it.
func (r *ConversationRepo) Create(ctx context.Context, c *Conversation) (*Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = now()

	_, err := r.s.exec(ctx, r.s.db, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.RemoteID, string(c.Origin), c.ClientID, nullString(c.InstanceID),
		c.LastActivityMs, c.Archived, c.CreatedAt,
	)
	if err == nil {
		return c, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return r.s.resolveConversationConflict(ctx, c.Key())
}

func (r *ConversationRepo) Get(ctx context.Context, id string) (*Conversation, error) {
	row := r.s.queryRow(ctx, r.s.db, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetForTenant returns ErrNotFound when the conversation belongs to another tenant.
func (r *ConversationRepo) GetForTenant(ctx context.Context, tenantID, id string) (*Conversation, error) {
	row := r.s.queryRow(ctx, r.s.db,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND tenant_id = ?`, id, tenantID)
	return scanConversation(row)
}

func (r *ConversationRepo) GetByKey(ctx context.Context, key ConversationKey) (*Conversation, error) {
	return r.getByKey(ctx, r.s.db, key)
}

func (r *ConversationRepo) getByKey(ctx context.Context, q querier, key ConversationKey) (*Conversation, error) {
	row := r.s.queryRow(ctx, q, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = ? AND remote_id = ? AND origin = ?`,
		key.TenantID, key.RemoteID, string(key.Origin))
	return scanConversation(row)
}

// Touch records activity: unarchives, advances last activity (never backwards)
// and links the instance that carried the message.
func (r *ConversationRepo) Touch(ctx context.Context, id, instanceID string, atMs int64) error {
	res, err := r.s.exec(ctx, r.s.db, `
		UPDATE conversations
		SET archived = ?,
			last_activity_ms = CASE WHEN last_activity_ms < ? THEN ? ELSE last_activity_ms END,
			instance_id = COALESCE(?, instance_id)
		WHERE id = ?`, false, atMs, atMs, nullString(instanceID), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *ConversationRepo) SetArchived(ctx context.Context, id string, archived bool) error {
	res, err := r.s.exec(ctx, r.s.db, `UPDATE conversations SET archived = ? WHERE id = ?`, archived, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func scanConversationRow(row rowScanner) (*Conversation, error) {
	var c Conversation
	var origin string
	var instanceID sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.RemoteID, &origin, &c.ClientID, &instanceID,
		&c.LastActivityMs, &c.Archived, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Origin = Origin(origin)
	c.InstanceID = instanceID.String
	return &c, nil
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	c, err := scanConversationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}
