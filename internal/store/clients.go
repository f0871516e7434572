package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ClientRepo implements ClientRepository.
type ClientRepo struct {
	s *Store
}

const clientColumns = `id, tenant_id, identifier, name, avatar_url, profile_checked_at, created_at, updated_at`

// FindOrCreate returns the client for (tenant, identifier), creating it when
// missing. Concurrent callers converge on one row.
func (r *ClientRepo) FindOrCreate(ctx context.Context, tenantID, identifier, name string) (*Client, error) {
	c, err := r.Get(ctx, tenantID, identifier)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return r.Create(ctx, &Client{TenantID: tenantID, Identifier: identifier, Name: name})
}

// Create inserts c. On a uniqueness violation the surviving row is re-read,
// equivalent duplicates are merged into it, and the survivor is returned.
func (r *ClientRepo) Create(ctx context.Context, c *Client) (*Client, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	t := now()
	c.CreatedAt, c.UpdatedAt = t, t

	_, err := r.s.exec(ctx, r.s.db, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Identifier, c.Name, c.AvatarURL, c.ProfileCheckedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err == nil {
		return c, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert client: %w", err)
	}
	return r.s.resolveClientConflict(ctx, c.TenantID, c.Identifier)
}

func (r *ClientRepo) Get(ctx context.Context, tenantID, identifier string) (*Client, error) {
	return r.get(ctx, r.s.db, tenantID, identifier)
}

func (r *ClientRepo) get(ctx context.Context, q querier, tenantID, identifier string) (*Client, error) {
	row := r.s.queryRow(ctx, q,
		`SELECT `+clientColumns+` FROM clients WHERE tenant_id = ? AND identifier = ?`, tenantID, identifier)
	return scanClient(row)
}

func (r *ClientRepo) GetByID(ctx context.Context, id string) (*Client, error) {
	row := r.s.queryRow(ctx, r.s.db, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	return scanClient(row)
}

// UpdateProfile stores a resolved name and avatar. Empty values keep the
// current column.
func (r *ClientRepo) UpdateProfile(ctx context.Context, id, name, avatarURL string) error {
	res, err := r.s.exec(ctx, r.s.db, `
		UPDATE clients
		SET name = CASE WHEN ? = '' THEN name ELSE ? END,
			avatar_url = CASE WHEN ? = '' THEN avatar_url ELSE ? END,
			updated_at = ?
		WHERE id = ?`, name, name, avatarURL, avatarURL, now(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *ClientRepo) MarkProfileChecked(ctx context.Context, id string) error {
	res, err := r.s.exec(ctx, r.s.db,
		`UPDATE clients SET profile_checked_at = ?, updated_at = ? WHERE id = ?`, now(), now(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *ClientRepo) AddTag(ctx context.Context, clientID, tag string) error {
	_, err := r.s.exec(ctx, r.s.db, `
		INSERT INTO client_tags (client_id, tag, created_at) VALUES (?, ?, ?)
		ON CONFLICT (client_id, tag) DO NOTHING`, clientID, tag, now())
	return err
}

func (r *ClientRepo) Tags(ctx context.Context, clientID string) ([]string, error) {
	rows, err := r.s.query(ctx, r.s.db,
		`SELECT tag FROM client_tags WHERE client_id = ? ORDER BY tag`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (r *ClientRepo) AddAction(ctx context.Context, clientID, kind, payload string) error {
	_, err := r.s.exec(ctx, r.s.db,
		`INSERT INTO client_actions (id, client_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), clientID, kind, payload, now())
	return err
}

func (r *ClientRepo) Actions(ctx context.Context, clientID string) ([]ClientAction, error) {
	rows, err := r.s.query(ctx, r.s.db, `
		SELECT id, client_id, kind, payload, created_at FROM client_actions
		WHERE client_id = ? ORDER BY created_at`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClientAction
	for rows.Next() {
		var a ClientAction
		if err := rows.Scan(&a.ID, &a.ClientID, &a.Kind, &a.Payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *ClientRepo) AddMemory(ctx context.Context, clientID, content string) error {
	_, err := r.s.exec(ctx, r.s.db,
		`INSERT INTO client_memories (id, client_id, content, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), clientID, content, now())
	return err
}

func (r *ClientRepo) Memories(ctx context.Context, clientID string) ([]ClientMemory, error) {
	rows, err := r.s.query(ctx, r.s.db, `
		SELECT id, client_id, content, created_at FROM client_memories
		WHERE client_id = ? ORDER BY created_at`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClientMemory
	for rows.Next() {
		var m ClientMemory
		if err := rows.Scan(&m.ID, &m.ClientID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanClientRow(row rowScanner) (*Client, error) {
	var c Client
	var checked sql.NullTime
	if err := row.Scan(&c.ID, &c.TenantID, &c.Identifier, &c.Name, &c.AvatarURL, &checked, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if checked.Valid {
		t := checked.Time
		c.ProfileCheckedAt = &t
	}
	return &c, nil
}

func scanClient(row *sql.Row) (*Client, error) {
	c, err := scanClientRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}
