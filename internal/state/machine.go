package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with channel instance lifecycle rules.
// A Machine is built per operation from the persisted status; it is not shared
// between goroutines for long.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a state machine starting in the given state. Unknown states
// start as Disconnected.
func NewMachine(initial State) *Machine {
	if !initial.IsValid() {
		initial = StateDisconnected
	}

	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(initial)

	sm.Configure(StateDisconnected).
		Permit(TriggerConnect, StateConnecting).
		Permit(TriggerQRIssued, StateAwaitingQR).
		Permit(TriggerAuthenticated, StateConnected).
		Ignore(TriggerConnectionLost).
		Ignore(TriggerDisconnect)

	sm.Configure(StateConnecting).
		Permit(TriggerQRIssued, StateAwaitingQR).
		Permit(TriggerAuthenticated, StateConnected).
		Permit(TriggerConnectionLost, StateDisconnected).
		Permit(TriggerDisconnect, StateDisconnected).
		Ignore(TriggerConnect)

	// QR refreshes re-enter so each new code is recorded.
	sm.Configure(StateAwaitingQR).
		PermitReentry(TriggerQRIssued).
		Permit(TriggerAuthenticated, StateConnected).
		Permit(TriggerConnect, StateConnecting).
		Permit(TriggerConnectionLost, StateDisconnected).
		Permit(TriggerDisconnect, StateDisconnected)

	sm.Configure(StateConnected).
		Permit(TriggerQRIssued, StateAwaitingQR).
		Permit(TriggerConnectionLost, StateDisconnected).
		Permit(TriggerDisconnect, StateDisconnected).
		Ignore(TriggerAuthenticated).
		Ignore(TriggerConnect)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	return m.sm.FireCtx(ctx, trigger, args...)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger, args ...any) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger, args...)
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}
