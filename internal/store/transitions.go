package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/ihiteshgupta/channel-bridge/internal/state"
)

// TransitionRepo implements TransitionRepository.
type TransitionRepo struct {
	s *Store
}

func (r *TransitionRepo) Log(ctx context.Context, instanceID string, from, to state.State, trigger string) error {
	_, err := r.s.exec(ctx, r.s.db, `
		INSERT INTO instance_transitions (id, instance_id, from_state, to_state, trigger_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), instanceID, string(from), string(to), trigger, now())
	return err
}

// History returns the most recent transitions first.
func (r *TransitionRepo) History(ctx context.Context, instanceID string, limit int) ([]Transition, error) {
	rows, err := r.s.query(ctx, r.s.db, `
		SELECT id, instance_id, from_state, to_state, trigger_name, created_at
		FROM instance_transitions
		WHERE instance_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.InstanceID, &from, &to, &t.Trigger, &t.Timestamp); err != nil {
			return nil, err
		}
		t.FromState = state.State(from)
		t.ToState = state.State(to)
		out = append(out, t)
	}
	return out, rows.Err()
}
