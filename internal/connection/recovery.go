package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/state"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

// recover runs the corrupted-session protocol for an instance whose provider
// answered neither a QR code nor a connection.
//
// The guard is a timestamp window on updated_at, not a lock: two callers that
// read the row before either writes can both recover.
func (m *Manager) recover(ctx context.Context, inst *store.ChannelInstance, before store.ChannelInstance, p provider.Provider, recreated bool) (Result, error) {
	log := m.log.With("instance", inst.ID, "kind", inst.Kind)

	if recreated {
		log.Info("instance was just recreated, deferring recovery")
		return m.retryable(inst, "instance was recreated; retry shortly"), nil
	}
	if since := m.now().Sub(inst.UpdatedAt); since < m.recovery.GuardWindow {
		log.Info("recovery ran recently, deferring", "since", since)
		return m.retryable(inst, "recovery already ran recently; retry shortly"), nil
	}

	log.Warn("corrupted session detected, starting recovery")
	cfg := instanceConfig(inst)

	// Level 0: the session may already be open.
	if st, err := p.Status(ctx, cfg); err == nil && st.Status == provider.StatusConnected {
		log.Info("recovery level 0: session already open")
		m.recordRecovery(true)
		return m.connected(ctx, inst, before, p, st.PhoneNumber)
	}

	// Level 1: plain reconnects.
	if obs, ok := m.reconnect(ctx, inst, p, m.recovery.Level1Attempts, 1); ok {
		log.Info("recovery level 1 succeeded", "status", obs.status)
		m.recordRecovery(true)
		return m.settle(ctx, inst, before, p, obs, false, false)
	}

	// Level 2: wipe and recreate, then reconnect.
	if prov, ok := p.(provider.Provisioner); ok && m.recovery.Level2Attempts > 0 {
		if err := m.wipe(ctx, inst, p, prov); err != nil {
			log.Error("recovery level 2: recreate failed", "error", err)
		} else if obs, ok := m.reconnect(ctx, inst, p, m.recovery.Level2Attempts, 2); ok {
			log.Info("recovery level 2 succeeded", "status", obs.status)
			m.recordRecovery(true)
			return m.settle(ctx, inst, before, p, obs, false, false)
		}
	}

	log.Warn("session recovery exhausted")
	m.recordRecovery(false)
	m.fire(ctx, inst, state.TriggerConnect)
	// Always write so updated_at opens the guard window.
	if err := m.save(ctx, inst, before, true); err != nil {
		return m.result(inst), err
	}
	return m.retryable(inst, "session could not be recovered yet; retry later"), nil
}

var errNoSession = errors.New("provider returned neither a QR code nor a connection")

// reconnect calls Connect up to attempts times, RetryInterval apart, until the
// provider answers connected or with a QR code.
func (m *Manager) reconnect(ctx context.Context, inst *store.ChannelInstance, p provider.Provider, attempts, level int) (observation, bool) {
	if attempts <= 0 {
		return observation{}, false
	}

	var got observation
	attempt := 0
	op := func() error {
		attempt++
		res, err := p.Connect(ctx, instanceConfig(inst))
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) || errors.Is(err, provider.ErrNotConfigured) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch res.Status {
		case provider.StatusConnected, provider.StatusQR:
			got = observation{status: res.Status, qr: res.QRCode, pairing: res.PairingCode}
			return nil
		}
		return fmt.Errorf("%w (status %s)", errNoSession, res.Status)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.recovery.RetryInterval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		m.log.Debug("reconnect attempt failed", "instance", inst.ID, "level", level, "attempt", attempt, "error", err, "retry_in", next)
	})
	if err != nil {
		m.log.Info("reconnect attempts exhausted", "instance", inst.ID, "level", level, "attempts", attempt, "error", err)
		return observation{}, false
	}
	return got, true
}

// wipe logs out, deletes and recreates the instance provider-side.
func (m *Manager) wipe(ctx context.Context, inst *store.ChannelInstance, p provider.Provider, prov provider.Provisioner) error {
	cfg := instanceConfig(inst)
	if err := p.Disconnect(ctx, cfg); err != nil {
		m.log.Debug("logout during recovery failed", "instance", inst.ID, "error", err)
	}
	if err := p.DeleteInstance(ctx, cfg); err != nil && !errors.Is(err, provider.ErrNotFound) {
		m.log.Warn("delete during recovery failed", "instance", inst.ID, "error", err)
	}
	if err := m.sleep(ctx, m.recovery.RecreateWait); err != nil {
		return err
	}
	return m.recreate(ctx, inst, p, prov)
}

func (m *Manager) recordRecovery(ok bool) {
	if m.monitor != nil {
		m.monitor.RecordRecovery(ok)
	}
}
