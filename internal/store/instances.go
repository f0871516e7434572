package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ihiteshgupta/channel-bridge/internal/state"
)

// InstanceRepo implements InstanceRepository.
type InstanceRepo struct {
	s *Store
}

const instanceColumns = `id, tenant_id, kind, origin, provider_ref, credentials, status, phone_number,
	awaiting_qr, manual_disconnect, created_at, updated_at`

func (r *InstanceRepo) Create(ctx context.Context, inst *ChannelInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Status == "" {
		inst.Status = state.StateDisconnected
	}
	creds, err := json.Marshal(inst.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	t := now()
	inst.CreatedAt, inst.UpdatedAt = t, t

	_, err = r.s.exec(ctx, r.s.db, `
		INSERT INTO channel_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TenantID, inst.Kind, string(inst.Origin), inst.ProviderRef, string(creds),
		string(inst.Status), nullString(inst.PhoneNumber), inst.AwaitingQR, inst.ManualDisconnect,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("instance %s/%s already registered: %w", inst.Kind, inst.ProviderRef, ErrConflict)
	}
	return err
}

func (r *InstanceRepo) Get(ctx context.Context, id string) (*ChannelInstance, error) {
	row := r.s.queryRow(ctx, r.s.db, `SELECT `+instanceColumns+` FROM channel_instances WHERE id = ?`, id)
	return scanInstance(row)
}

// GetForTenant returns ErrNotFound when the instance belongs to another tenant.
func (r *InstanceRepo) GetForTenant(ctx context.Context, tenantID, id string) (*ChannelInstance, error) {
	row := r.s.queryRow(ctx, r.s.db,
		`SELECT `+instanceColumns+` FROM channel_instances WHERE id = ? AND tenant_id = ?`, id, tenantID)
	return scanInstance(row)
}

func (r *InstanceRepo) FindByProviderRef(ctx context.Context, kind, ref string) (*ChannelInstance, error) {
	row := r.s.queryRow(ctx, r.s.db,
		`SELECT `+instanceColumns+` FROM channel_instances WHERE kind = ? AND provider_ref = ?`, kind, ref)
	return scanInstance(row)
}

// FindForOrigin picks the tenant's instance serving origin, preferring a
// connected one.
func (r *InstanceRepo) FindForOrigin(ctx context.Context, tenantID string, origin Origin) (*ChannelInstance, error) {
	row := r.s.queryRow(ctx, r.s.db, `
		SELECT `+instanceColumns+` FROM channel_instances
		WHERE tenant_id = ? AND origin = ?
		ORDER BY CASE WHEN status = 'connected' THEN 0 ELSE 1 END, updated_at DESC
		LIMIT 1`, tenantID, string(origin))
	return scanInstance(row)
}

func (r *InstanceRepo) ListConnected(ctx context.Context, tenantID string) ([]ChannelInstance, error) {
	rows, err := r.s.query(ctx, r.s.db, `
		SELECT `+instanceColumns+` FROM channel_instances
		WHERE tenant_id = ? AND status = ?`, tenantID, string(state.StateConnected))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListForSweep returns instances a periodic status refresh may touch.
func (r *InstanceRepo) ListForSweep(ctx context.Context) ([]ChannelInstance, error) {
	rows, err := r.s.query(ctx, r.s.db, `
		SELECT `+instanceColumns+` FROM channel_instances
		WHERE status <> ? AND manual_disconnect = ?`, string(state.StateConnected), false)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// Update persists the mutable fields and bumps updated_at.
func (r *InstanceRepo) Update(ctx context.Context, inst *ChannelInstance) error {
	creds, err := json.Marshal(inst.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	inst.UpdatedAt = now()
	res, err := r.s.exec(ctx, r.s.db, `
		UPDATE channel_instances
		SET provider_ref = ?, credentials = ?, status = ?, phone_number = ?,
			awaiting_qr = ?, manual_disconnect = ?, updated_at = ?
		WHERE id = ?`,
		inst.ProviderRef, string(creds), string(inst.Status), nullString(inst.PhoneNumber),
		inst.AwaitingQR, inst.ManualDisconnect, inst.UpdatedAt, inst.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *InstanceRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.exec(ctx, r.s.db, `DELETE FROM channel_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstanceRow(row rowScanner) (*ChannelInstance, error) {
	var inst ChannelInstance
	var origin, status, creds string
	var phone sql.NullString
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.Kind, &origin, &inst.ProviderRef, &creds, &status, &phone,
		&inst.AwaitingQR, &inst.ManualDisconnect, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Origin = Origin(origin)
	inst.Status = state.State(status)
	inst.PhoneNumber = phone.String
	if creds != "" && creds != "null" {
		if err := json.Unmarshal([]byte(creds), &inst.Credentials); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
	}
	return &inst, nil
}

func scanInstance(row *sql.Row) (*ChannelInstance, error) {
	inst, err := scanInstanceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func scanInstances(rows *sql.Rows) ([]ChannelInstance, error) {
	var out []ChannelInstance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
