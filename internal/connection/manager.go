// Package connection owns the lifecycle of channel instances: connecting,
// status reconciliation, manual disconnects and corrupted-session recovery.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/ihiteshgupta/channel-bridge/internal/config"
	"github.com/ihiteshgupta/channel-bridge/internal/events"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/state"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
	"github.com/ihiteshgupta/channel-bridge/internal/whatsapp"
)

// ErrPhoneConflict is returned when a resolved phone number is already held by
// another connected instance of the same tenant.
var ErrPhoneConflict = errors.New("phone number already connected on another instance")

// Recorder receives recovery outcomes.
type Recorder interface {
	RecordRecovery(ok bool)
}

// WebhookFunc returns the webhook target registered for a provider kind.
type WebhookFunc func(kind provider.Kind) provider.WebhookConfig

// Result is what a connection operation reports to the caller. Retryable
// results are not failures: the caller polls again later.
type Result struct {
	InstanceID  string      `json:"instance_id"`
	Status      state.State `json:"status"`
	QRCode      string      `json:"qr_code,omitempty"`
	PairingCode string      `json:"pairing_code,omitempty"`
	PhoneNumber string      `json:"phone_number,omitempty"`
	Retryable   bool        `json:"retryable"`
	Message     string      `json:"message,omitempty"`
}

// CreateRequest registers a new channel instance.
type CreateRequest struct {
	TenantID    string            `json:"-" validate:"required"`
	Kind        string            `json:"kind" validate:"required,oneof=evolution uazapi meta"`
	Origin      string            `json:"origin" validate:"required,oneof=whatsapp instagram messenger"`
	ProviderRef string            `json:"provider_ref" validate:"required,max=128"`
	Credentials map[string]string `json:"credentials"`
	// Provision creates the instance on a self-hosted gateway before storing it.
	Provision bool `json:"provision"`
}

// Event is a connection change reported by a provider webhook.
type Event struct {
	Kind        provider.Kind
	Ref         string
	Status      provider.Status
	QRCode      string
	PhoneNumber string
}

// Options configures a Manager.
type Options struct {
	Instances   store.InstanceRepository
	Transitions store.TransitionRepository
	Providers   *provider.Registry
	Recovery    config.RecoveryConfig
	Webhook     WebhookFunc
	Events      events.Publisher
	Monitor     Recorder
	Logger      *slog.Logger
}

// Manager drives instance state. It keeps no per-instance memory: every call
// starts from the persisted row.
type Manager struct {
	instances   store.InstanceRepository
	transitions store.TransitionRepository
	providers   *provider.Registry
	recovery    config.RecoveryConfig
	webhook     WebhookFunc
	events      events.Publisher
	monitor     Recorder
	log         *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Webhook == nil {
		opts.Webhook = func(provider.Kind) provider.WebhookConfig { return provider.WebhookConfig{} }
	}
	return &Manager{
		instances:   opts.Instances,
		transitions: opts.Transitions,
		providers:   opts.Providers,
		recovery:    opts.Recovery,
		webhook:     opts.Webhook,
		events:      opts.Events,
		monitor:     opts.Monitor,
		log:         opts.Logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func instanceConfig(inst *store.ChannelInstance) provider.InstanceConfig {
	return provider.InstanceConfig{
		InstanceID:  inst.ID,
		Ref:         inst.ProviderRef,
		Origin:      string(inst.Origin),
		Credentials: inst.Credentials,
	}
}

// Get returns a tenant's instance.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*store.ChannelInstance, error) {
	return m.instances.GetForTenant(ctx, tenantID, id)
}

func (m *Manager) load(ctx context.Context, tenantID, id string) (*store.ChannelInstance, provider.Provider, error) {
	inst, err := m.instances.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := m.providers.Get(inst.Kind)
	if err != nil {
		return nil, nil, err
	}
	return inst, p, nil
}

// Create stores a new instance in the disconnected state and registers the
// bridge webhook with the provider.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.ChannelInstance, error) {
	p, err := m.providers.Get(req.Kind)
	if err != nil {
		return nil, err
	}
	origin := store.Origin(req.Origin)
	if !origin.IsChannel() {
		return nil, fmt.Errorf("origin %q is not a chat channel", req.Origin)
	}

	inst := &store.ChannelInstance{
		TenantID:    req.TenantID,
		Kind:        req.Kind,
		Origin:      origin,
		ProviderRef: req.ProviderRef,
		Credentials: maps.Clone(req.Credentials),
		Status:      state.StateDisconnected,
	}
	if inst.Credentials == nil {
		inst.Credentials = map[string]string{}
	}
	if err := m.instances.Create(ctx, inst); err != nil {
		return nil, err
	}

	if prov, ok := p.(provider.Provisioner); ok && req.Provision {
		if err := m.recreate(ctx, inst, p, prov); err != nil {
			if delErr := m.instances.Delete(ctx, inst.ID); delErr != nil {
				m.log.Error("failed to remove unprovisioned instance", "instance", inst.ID, "error", delErr)
			}
			return nil, fmt.Errorf("provision %s instance: %w", inst.Kind, err)
		}
	} else if err := p.ConfigureWebhook(ctx, instanceConfig(inst), m.webhook(p.Kind())); err != nil {
		m.log.Warn("failed to configure webhook", "instance", inst.ID, "error", err)
	}

	m.log.Info("instance created", "instance", inst.ID, "tenant", inst.TenantID, "kind", inst.Kind, "origin", inst.Origin)
	return inst, nil
}

// recreate creates the instance provider-side, stores the returned
// credentials and reapplies webhook and default settings.
func (m *Manager) recreate(ctx context.Context, inst *store.ChannelInstance, p provider.Provider, prov provider.Provisioner) error {
	creds, err := prov.CreateInstance(ctx, instanceConfig(inst))
	if err != nil {
		return err
	}
	if len(creds) > 0 {
		if inst.Credentials == nil {
			inst.Credentials = map[string]string{}
		}
		maps.Copy(inst.Credentials, creds)
	}
	if err := m.instances.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}

	cfg := instanceConfig(inst)
	if err := p.ConfigureWebhook(ctx, cfg, m.webhook(p.Kind())); err != nil {
		m.log.Warn("failed to configure webhook", "instance", inst.ID, "error", err)
	}
	if err := prov.ApplyDefaultSettings(ctx, cfg); err != nil {
		m.log.Warn("failed to apply default settings", "instance", inst.ID, "error", err)
	}
	return nil
}

// Connect starts or resumes a session and clears a manual disconnect. An
// instance the provider no longer knows is recreated once.
func (m *Manager) Connect(ctx context.Context, tenantID, id string) (Result, error) {
	inst, p, err := m.load(ctx, tenantID, id)
	if err != nil {
		return Result{}, err
	}
	before := *inst
	inst.ManualDisconnect = false

	recreated := false
	res, err := p.Connect(ctx, instanceConfig(inst))
	if errors.Is(err, provider.ErrNotFound) {
		if prov, ok := p.(provider.Provisioner); ok {
			m.log.Warn("instance missing on provider, recreating", "instance", inst.ID, "ref", inst.ProviderRef)
			if rerr := m.recreate(ctx, inst, p, prov); rerr != nil {
				return m.result(inst), fmt.Errorf("recreate instance %s: %w", inst.ID, rerr)
			}
			recreated = true
			res, err = p.Connect(ctx, instanceConfig(inst))
		}
	}
	if err != nil {
		err = fmt.Errorf("connect instance %s: %w", inst.ID, err)
		if m.recoverable(inst, err, true) {
			return m.escalate(ctx, inst, before, p, err, recreated)
		}
		return m.result(inst), err
	}

	return m.settle(ctx, inst, before, p, observation{
		status:  res.Status,
		qr:      res.QRCode,
		pairing: res.PairingCode,
	}, true, recreated)
}

// Status probes the provider and reconciles the stored state. An ambiguous
// answer on an instance that is not connected starts recovery.
func (m *Manager) Status(ctx context.Context, tenantID, id string) (Result, error) {
	inst, p, err := m.load(ctx, tenantID, id)
	if err != nil {
		return Result{}, err
	}
	return m.refresh(ctx, inst, p, !inst.ManualDisconnect)
}

func (m *Manager) refresh(ctx context.Context, inst *store.ChannelInstance, p provider.Provider, allowRecovery bool) (Result, error) {
	before := *inst
	st, err := p.Status(ctx, instanceConfig(inst))
	if err != nil {
		err = fmt.Errorf("status of instance %s: %w", inst.ID, err)
		if m.recoverable(inst, err, allowRecovery) {
			return m.escalate(ctx, inst, before, p, err, false)
		}
		return m.result(inst), err
	}
	return m.settle(ctx, inst, before, p, observation{
		status: st.Status,
		phone:  st.PhoneNumber,
		probed: true,
	}, allowRecovery, false)
}

// Sweep refreshes every instance that is neither connected nor manually
// disconnected. It never escalates into destructive recovery.
func (m *Manager) Sweep(ctx context.Context) error {
	insts, err := m.instances.ListForSweep(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	var errs []error
	for i := range insts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		inst := &insts[i]
		p, err := m.providers.Get(inst.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		if _, err := m.refresh(ctx, inst, p, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observe applies a connection event delivered by webhook.
func (m *Manager) Observe(ctx context.Context, ev Event) error {
	inst, err := m.instances.FindByProviderRef(ctx, string(ev.Kind), ev.Ref)
	if err != nil {
		return fmt.Errorf("instance %s/%s: %w", ev.Kind, ev.Ref, err)
	}
	if inst.ManualDisconnect && ev.Status != provider.StatusConnected {
		m.log.Debug("ignoring connection event for manually disconnected instance", "instance", inst.ID, "status", ev.Status)
		return nil
	}
	p, err := m.providers.Get(inst.Kind)
	if err != nil {
		return err
	}
	_, err = m.settle(ctx, inst, *inst, p, observation{
		status: ev.Status,
		qr:     ev.QRCode,
		phone:  ev.PhoneNumber,
	}, false, false)
	return err
}

// SessionClosed records that a send found the provider session closed. A
// pending QR is dropped so the next Connect starts over.
func (m *Manager) SessionClosed(ctx context.Context, tenantID, id string) error {
	inst, err := m.instances.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return err
	}
	before := *inst
	inst.AwaitingQR = false
	m.fire(ctx, inst, state.TriggerConnectionLost)
	return m.save(ctx, inst, before, false)
}

// Disconnect logs the session out and marks it manual so nothing reconnects it.
func (m *Manager) Disconnect(ctx context.Context, tenantID, id string) (Result, error) {
	inst, p, err := m.load(ctx, tenantID, id)
	if err != nil {
		return Result{}, err
	}
	before := *inst

	err = p.Disconnect(ctx, instanceConfig(inst))
	if err != nil && !errors.Is(err, provider.ErrNotFound) && !errors.Is(err, provider.ErrConnectionClosed) {
		return m.result(inst), fmt.Errorf("disconnect instance %s: %w", inst.ID, err)
	}

	inst.ManualDisconnect = true
	inst.AwaitingQR = false
	m.fire(ctx, inst, state.TriggerDisconnect)
	if err := m.save(ctx, inst, before, false); err != nil {
		return m.result(inst), err
	}
	return m.result(inst), nil
}

// Teardown removes the instance provider-side and deletes the row.
func (m *Manager) Teardown(ctx context.Context, tenantID, id string) error {
	inst, p, err := m.load(ctx, tenantID, id)
	if err != nil {
		return err
	}
	cfg := instanceConfig(inst)
	if err := p.Disconnect(ctx, cfg); err != nil {
		m.log.Debug("logout before delete failed", "instance", inst.ID, "error", err)
	}
	if err := p.DeleteInstance(ctx, cfg); err != nil && !errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("delete instance %s on provider: %w", inst.ID, err)
	}
	if err := m.instances.Delete(ctx, inst.ID); err != nil {
		return err
	}
	m.log.Info("instance deleted", "instance", inst.ID, "tenant", inst.TenantID)
	return nil
}

// observation is one provider answer about a session.
type observation struct {
	status  provider.Status
	qr      string
	pairing string
	phone   string
	// probed marks answers that already came from a status call.
	probed bool
}

// settle maps a provider observation onto the instance, persisting the
// result. awaitingQr survives every answer except connected or a new QR.
func (m *Manager) settle(ctx context.Context, inst *store.ChannelInstance, before store.ChannelInstance, p provider.Provider, obs observation, allowRecovery, recreated bool) (Result, error) {
	switch obs.status {
	case provider.StatusConnected:
		phone := obs.phone
		if phone == "" && inst.PhoneNumber == "" && !obs.probed {
			if st, err := p.Status(ctx, instanceConfig(inst)); err == nil {
				phone = st.PhoneNumber
			} else {
				m.log.Debug("could not resolve phone number", "instance", inst.ID, "error", err)
			}
		}
		return m.connected(ctx, inst, before, p, phone)

	case provider.StatusQR:
		inst.AwaitingQR = true
		m.fire(ctx, inst, state.TriggerQRIssued)
		if err := m.save(ctx, inst, before, false); err != nil {
			return m.result(inst), err
		}
		res := m.result(inst)
		res.QRCode, res.PairingCode = obs.qr, obs.pairing
		return res, nil

	case provider.StatusConnecting:
		if inst.AwaitingQR {
			if inst.Status != state.StateAwaitingQR {
				m.fire(ctx, inst, state.TriggerQRIssued)
			}
			if err := m.save(ctx, inst, before, false); err != nil {
				return m.result(inst), err
			}
			return m.retryable(inst, "waiting for the QR code to be scanned"), nil
		}
		m.fire(ctx, inst, state.TriggerConnect)
		if err := m.save(ctx, inst, before, false); err != nil {
			return m.result(inst), err
		}
		return m.retryable(inst, "session is connecting"), nil

	case provider.StatusDisconnected:
		if inst.AwaitingQR && !inst.ManualDisconnect {
			if err := m.save(ctx, inst, before, false); err != nil {
				return m.result(inst), err
			}
			return m.retryable(inst, "waiting for the QR code to be scanned"), nil
		}
		m.fire(ctx, inst, state.TriggerConnectionLost)
		if err := m.save(ctx, inst, before, false); err != nil {
			return m.result(inst), err
		}
		return m.result(inst), nil

	default:
		if !allowRecovery || inst.ManualDisconnect || inst.Status.IsOperational() {
			if err := m.save(ctx, inst, before, false); err != nil {
				return m.result(inst), err
			}
			return m.retryable(inst, "provider returned no usable session state"), nil
		}
		return m.recover(ctx, inst, before, p, recreated)
	}
}

// recoverable reports whether a failed provider call should enter recovery:
// a timeout or 5xx on a session that is not known to be up.
func (m *Manager) recoverable(inst *store.ChannelInstance, err error, allowRecovery bool) bool {
	return allowRecovery && !inst.ManualDisconnect && !inst.Status.IsOperational() && provider.IsTransient(err)
}

// escalate runs recovery after a transient provider error. When recovery is
// deferred or exhausted the caller still gets the original error alongside
// the retryable result.
func (m *Manager) escalate(ctx context.Context, inst *store.ChannelInstance, before store.ChannelInstance, p provider.Provider, cause error, recreated bool) (Result, error) {
	m.log.Warn("transient provider error, escalating to recovery", "instance", inst.ID, "error", cause)
	res, err := m.recover(ctx, inst, before, p, recreated)
	if err != nil {
		return res, err
	}
	if res.Retryable {
		return res, cause
	}
	return res, nil
}

// connected applies a confirmed session, refusing a phone number another
// connected instance of the tenant already holds.
func (m *Manager) connected(ctx context.Context, inst *store.ChannelInstance, before store.ChannelInstance, p provider.Provider, phone string) (Result, error) {
	if phone == "" {
		phone = inst.PhoneNumber
	}
	if phone != "" {
		owner, err := m.phoneOwner(ctx, inst, phone)
		if err != nil {
			return m.result(inst), err
		}
		if owner != nil {
			m.log.Warn("phone number already connected on another instance",
				"instance", inst.ID, "other_instance", owner.ID, "phone", phone)
			if err := p.Disconnect(ctx, instanceConfig(inst)); err != nil {
				m.log.Warn("failed to log out conflicting session", "instance", inst.ID, "error", err)
			}
			inst.AwaitingQR = false
			if inst.PhoneNumber == phone {
				inst.PhoneNumber = ""
			}
			m.fire(ctx, inst, state.TriggerConnectionLost)
			if err := m.save(ctx, inst, before, false); err != nil {
				return m.result(inst), err
			}
			res := m.result(inst)
			res.Message = "this number is already connected on another channel"
			return res, fmt.Errorf("%w: %s is held by instance %s", ErrPhoneConflict, phone, owner.ID)
		}
	}

	inst.PhoneNumber = phone
	inst.AwaitingQR = false
	inst.ManualDisconnect = false
	m.fire(ctx, inst, state.TriggerAuthenticated)
	if err := m.save(ctx, inst, before, false); err != nil {
		return m.result(inst), err
	}
	return m.result(inst), nil
}

func (m *Manager) phoneOwner(ctx context.Context, inst *store.ChannelInstance, phone string) (*store.ChannelInstance, error) {
	connected, err := m.instances.ListConnected(ctx, inst.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list connected instances: %w", err)
	}
	for i := range connected {
		other := &connected[i]
		if other.ID != inst.ID && whatsapp.SamePhone(other.PhoneNumber, phone) {
			return other, nil
		}
	}
	return nil, nil
}

// fire moves inst through the lifecycle machine; rejected triggers leave the
// status untouched.
func (m *Manager) fire(ctx context.Context, inst *store.ChannelInstance, trigger state.Trigger) {
	sm := state.NewMachine(inst.Status)
	sm.OnTransition(func(ctx context.Context, from, to state.State, t state.Trigger) {
		m.log.Info("instance state changed", "instance", inst.ID, "from", from, "to", to, "trigger", t)
		if m.transitions != nil {
			if err := m.transitions.Log(ctx, inst.ID, from, to, string(t)); err != nil {
				m.log.Warn("failed to record transition", "instance", inst.ID, "error", err)
			}
		}
		if from != to {
			events.Emit(ctx, m.events, m.log, events.NewEnvelope(events.TypeChannelStatus, inst.TenantID, map[string]any{
				"instance_id":  inst.ID,
				"kind":         inst.Kind,
				"origin":       inst.Origin,
				"from":         from,
				"to":           to,
				"trigger":      t,
				"phone_number": inst.PhoneNumber,
			}).WithCorrelation(inst.ID))
		}
	})
	if ok, err := sm.CanFire(ctx, trigger); err != nil || !ok {
		m.log.Debug("state trigger rejected", "instance", inst.ID, "state", inst.Status, "trigger", trigger, "error", err)
		return
	}
	if err := sm.Fire(ctx, trigger); err != nil {
		m.log.Warn("state transition failed", "instance", inst.ID, "trigger", trigger, "error", err)
		return
	}
	inst.Status = sm.MustState()
}

// save persists inst when a tracked field changed, or always when force is set.
func (m *Manager) save(ctx context.Context, inst *store.ChannelInstance, before store.ChannelInstance, force bool) error {
	changed := inst.Status != before.Status ||
		inst.PhoneNumber != before.PhoneNumber ||
		inst.AwaitingQR != before.AwaitingQR ||
		inst.ManualDisconnect != before.ManualDisconnect
	if !changed && !force {
		return nil
	}
	if err := m.instances.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist instance %s: %w", inst.ID, err)
	}
	return nil
}

func (m *Manager) result(inst *store.ChannelInstance) Result {
	return Result{
		InstanceID:  inst.ID,
		Status:      inst.Status,
		PhoneNumber: inst.PhoneNumber,
	}
}

func (m *Manager) retryable(inst *store.ChannelInstance, msg string) Result {
	res := m.result(inst)
	res.Retryable = true
	res.Message = msg
	return res
}
