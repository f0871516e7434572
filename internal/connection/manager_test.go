package connection

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/channel-bridge/internal/config"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/state"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
)

type harness struct {
	store    *store.Store
	fake     *fakeProvider
	recorder *fakeRecorder
	manager  *Manager
	sleeps   []time.Duration
}

func newHarness(t *testing.T, p provider.Provider) *harness {
	t.Helper()
	s, err := store.New(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{store: s, recorder: &fakeRecorder{}}
	if f, ok := p.(*fakeProvider); ok {
		h.fake = f
	}
	h.manager = NewManager(Options{
		Instances:   s.Instances,
		Transitions: s.Transitions,
		Providers:   provider.NewRegistry(p),
		Recovery: config.RecoveryConfig{
			GuardWindow:    60 * time.Second,
			Level1Attempts: 3,
			Level2Attempts: 2,
			RetryInterval:  time.Millisecond,
			RecreateWait:   2 * time.Second,
		},
		Webhook: func(kind provider.Kind) provider.WebhookConfig {
			return provider.WebhookConfig{URL: "https://bridge.test/webhooks/" + string(kind), Secret: "s3"}
		},
		Monitor: h.recorder,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.manager.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

// outsideGuard moves the manager clock past the recovery guard window.
func (h *harness) outsideGuard() {
	h.manager.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
}

func (h *harness) instance(t *testing.T, tenant, ref string) *store.ChannelInstance {
	t.Helper()
	inst := &store.ChannelInstance{
		TenantID:    tenant,
		Kind:        "evolution",
		Origin:      store.OriginWhatsApp,
		ProviderRef: ref,
		Credentials: map[string]string{"api_key": "k1"},
	}
	require.NoError(t, h.store.Instances.Create(context.Background(), inst))
	return inst
}

func (h *harness) reload(t *testing.T, id string) *store.ChannelInstance {
	t.Helper()
	inst, err := h.store.Instances.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestConnect_QRSetsAwaitingFlag(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateAwaitingQR, res.Status)
	assert.Equal(t, "qr-1", res.QRCode)
	assert.False(t, res.Retryable)

	stored := h.reload(t, inst.ID)
	assert.Equal(t, state.StateAwaitingQR, stored.Status)
	assert.True(t, stored.AwaitingQR)

	history, err := h.store.Transitions.History(context.Background(), inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "qr_issued", history[0].Trigger)
}

func TestConnect_OtherTenantNotFound(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	inst := h.instance(t, "t1", "acme")

	_, err := h.manager.Connect(context.Background(), "t2", inst.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, h.fake.count("connect"))
}

func TestStatus_PreservesAwaitingQR(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	inst := h.instance(t, "t1", "acme")
	_, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)

	for _, st := range []provider.Status{provider.StatusDisconnected, provider.StatusConnecting} {
		h.fake.onStatus(statusReply{res: provider.StatusResult{Status: st}})

		res, err := h.manager.Status(context.Background(), "t1", inst.ID)
		require.NoError(t, err)
		assert.Equal(t, state.StateAwaitingQR, res.Status, "provider status %s", st)
		assert.True(t, res.Retryable)
		assert.True(t, h.reload(t, inst.ID).AwaitingQR)
	}
}

func TestStatus_ConnectedClearsAwaitingQR(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	inst := h.instance(t, "t1", "acme")
	_, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)

	h.fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusConnected, PhoneNumber: "5511999990000"}})
	res, err := h.manager.Status(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateConnected, res.Status)
	assert.Equal(t, "5511999990000", res.PhoneNumber)

	stored := h.reload(t, inst.ID)
	assert.False(t, stored.AwaitingQR)
	assert.Equal(t, "5511999990000", stored.PhoneNumber)
}

func TestStatus_ConnectingWithoutFlag(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	inst := h.instance(t, "t1", "acme")
	h.fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusConnecting}})

	res, err := h.manager.Status(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateConnecting, res.Status)
	assert.True(t, res.Retryable)
}

func TestConnect_ServerErrorEscalatesThroughLevels(t *testing.T) {
	fake := newFakeProvider()
	fake.onConnect(connectReply{err: &provider.Error{Op: "connect", StatusCode: 503, Body: "unavailable"}})
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusAmbiguous}})
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 503, perr.StatusCode)
	assert.True(t, res.Retryable)

	assert.Equal(t, []string{
		"connect",
		"status",
		"connect", "connect", "connect",
		"disconnect", "delete", "create", "webhook", "settings",
		"connect", "connect",
	}, fake.callLog())
	assert.Equal(t, 1, h.recorder.fail)
	assert.Equal(t, state.StateConnecting, h.reload(t, inst.ID).Status)
}

func TestStatus_TimeoutRecoversWithQR(t *testing.T) {
	fake := newFakeProvider()
	fake.onStatus(statusReply{err: &provider.TimeoutError{Op: "status", Timeout: 15 * time.Second}})
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Status(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateAwaitingQR, res.Status)
	assert.Equal(t, "qr-1", res.QRCode)
	assert.Equal(t, []string{"status", "status", "connect"}, fake.callLog())
	assert.Equal(t, 1, h.recorder.ok)
}

func TestStatus_TimeoutInsideGuardSurfaces(t *testing.T) {
	fake := newFakeProvider()
	fake.onStatus(statusReply{err: &provider.TimeoutError{Op: "status", Timeout: 15 * time.Second}})
	h := newHarness(t, fake)
	inst := h.instance(t, "t1", "acme") // updated just now

	res, err := h.manager.Status(context.Background(), "t1", inst.ID)
	assert.ErrorIs(t, err, provider.ErrTimeout)
	assert.True(t, res.Retryable)
	assert.Equal(t, state.StateDisconnected, res.Status)
	assert.Equal(t, []string{"status"}, fake.callLog())
}

func TestStatus_TimeoutOnConnectedSessionSurfaces(t *testing.T) {
	fake := newFakeProvider()
	fake.onStatus(statusReply{err: &provider.TimeoutError{Op: "status", Timeout: 15 * time.Second}})
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")
	inst.Status = state.StateConnected
	require.NoError(t, h.store.Instances.Update(context.Background(), inst))

	res, err := h.manager.Status(context.Background(), "t1", inst.ID)
	assert.ErrorIs(t, err, provider.ErrTimeout)
	assert.False(t, res.Retryable)
	assert.Equal(t, []string{"status"}, fake.callLog())
}

func TestConnect_PermanentErrorSurfaces(t *testing.T) {
	fake := newFakeProvider()
	fake.onConnect(connectReply{err: &provider.Error{Op: "connect", StatusCode: 400, Body: "bad request"}})
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.Error(t, err)
	assert.False(t, provider.IsTransient(err))
	assert.False(t, res.Retryable)
	assert.Equal(t, []string{"connect"}, fake.callLog())
	assert.Zero(t, h.recorder.fail)
}

func TestSessionClosed(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	ctx := context.Background()
	inst := h.instance(t, "t1", "acme")
	inst.Status = state.StateAwaitingQR
	inst.AwaitingQR = true
	require.NoError(t, h.store.Instances.Update(ctx, inst))

	require.NoError(t, h.manager.SessionClosed(ctx, "t1", inst.ID))

	stored := h.reload(t, inst.ID)
	assert.Equal(t, state.StateDisconnected, stored.Status)
	assert.False(t, stored.AwaitingQR)

	history, err := h.store.Transitions.History(ctx, inst.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, state.StateAwaitingQR, history[0].FromState)
	assert.Equal(t, string(state.TriggerConnectionLost), history[0].Trigger)

	assert.ErrorIs(t, h.manager.SessionClosed(ctx, "t2", inst.ID), store.ErrNotFound)
}

func TestRecovery_EscalatesThroughLevels(t *testing.T) {
	fake := newFakeProvider()
	fake.creds = map[string]string{"api_key": "k2"}
	fake.onConnect(connectReply{res: provider.ConnectResult{Status: provider.StatusAmbiguous}})
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusAmbiguous}})
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Equal(t, state.StateConnecting, res.Status)

	// initial probe + level 1 (3) + level 2 (2)
	assert.Equal(t, 6, fake.count("connect"))
	assert.Equal(t, []string{
		"connect",
		"status",
		"connect", "connect", "connect",
		"disconnect", "delete", "create", "webhook", "settings",
		"connect", "connect",
	}, fake.callLog())
	assert.Equal(t, []time.Duration{2 * time.Second}, h.sleeps)
	assert.Equal(t, 1, h.recorder.fail)

	stored := h.reload(t, inst.ID)
	assert.Equal(t, state.StateConnecting, stored.Status)
	assert.Equal(t, "k2", stored.Credentials["api_key"])
}

func TestRecovery_Level1ReturnsQR(t *testing.T) {
	fake := newFakeProvider()
	fake.onConnect(
		connectReply{res: provider.ConnectResult{Status: provider.StatusAmbiguous}},
		connectReply{res: provider.ConnectResult{Status: provider.StatusAmbiguous}},
		connectReply{res: provider.ConnectResult{Status: provider.StatusQR, QRCode: "qr-2"}},
	)
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusAmbiguous}})
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateAwaitingQR, res.Status)
	assert.Equal(t, "qr-2", res.QRCode)
	assert.Equal(t, 3, fake.count("connect"))
	assert.Zero(t, fake.count("delete"))
	assert.Equal(t, 1, h.recorder.ok)
}

func TestRecovery_Level0AlreadyOpen(t *testing.T) {
	fake := newFakeProvider()
	fake.onConnect(connectReply{res: provider.ConnectResult{Status: provider.StatusAmbiguous}})
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusConnected, PhoneNumber: "5511999990000"}})
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateConnected, res.Status)
	assert.Equal(t, "5511999990000", res.PhoneNumber)
	assert.Equal(t, 1, fake.count("connect"))
}

func TestRecovery_WithoutProvisionerStopsAfterLevel1(t *testing.T) {
	fake := newFakeProvider()
	fake.onConnect(connectReply{res: provider.ConnectResult{Status: provider.StatusAmbiguous}})
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusAmbiguous}})
	h := newHarness(t, plainProvider{fake})
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Equal(t, 4, fake.count("connect"))
	assert.Zero(t, fake.count("create"))
}

func TestRecovery_GuardWindow(t *testing.T) {
	fake := newFakeProvider()
	fake.onConnect(connectReply{res: provider.ConnectResult{Status: provider.StatusAmbiguous}})
	h := newHarness(t, fake)
	inst := h.instance(t, "t1", "acme") // updated just now

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Equal(t, state.StateDisconnected, res.Status)
	assert.Equal(t, []string{"connect"}, fake.callLog())
}

func TestRecovery_ExhaustionOpensGuard(t *testing.T) {
	fake := newFakeProvider()
	fake.onConnect(connectReply{res: provider.ConnectResult{Status: provider.StatusAmbiguous}})
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusAmbiguous}})
	h := newHarness(t, plainProvider{fake})
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	_, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	calls := fake.count("connect")

	// A second call right after exhaustion lands inside the window.
	h.manager.now = time.Now
	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Equal(t, calls+1, fake.count("connect"))
}

func TestConnect_NotFoundRecreatesThenDefers(t *testing.T) {
	fake := newFakeProvider()
	fake.creds = map[string]string{"api_key": "fresh"}
	fake.onConnect(
		connectReply{err: &provider.Error{Op: "connect", StatusCode: 404, Kind: provider.ErrNotFound}},
		connectReply{res: provider.ConnectResult{Status: provider.StatusAmbiguous}},
	)
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")

	res, err := h.manager.Connect(context.Background(), "t1", inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Equal(t, []string{"connect", "create", "webhook", "settings", "connect"}, fake.callLog())
	assert.Equal(t, "fresh", h.reload(t, inst.ID).Credentials["api_key"])
}

func TestConnect_DuplicatePhoneRejected(t *testing.T) {
	fake := newFakeProvider()
	h := newHarness(t, fake)
	ctx := context.Background()

	first := h.instance(t, "t1", "acme-1")
	first.Status = state.StateConnected
	first.PhoneNumber = "5511999990000"
	require.NoError(t, h.store.Instances.Update(ctx, first))

	second := h.instance(t, "t1", "acme-2")
	fake.onConnect(connectReply{res: provider.ConnectResult{Status: provider.StatusConnected}})
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusConnected, PhoneNumber: "+55 11 99999-0000"}})

	res, err := h.manager.Connect(ctx, "t1", second.ID)
	assert.ErrorIs(t, err, ErrPhoneConflict)
	assert.Equal(t, state.StateDisconnected, res.Status)
	assert.Equal(t, 1, fake.count("disconnect"))

	stored := h.reload(t, second.ID)
	assert.Equal(t, state.StateDisconnected, stored.Status)
	assert.Empty(t, stored.PhoneNumber)

	connected, err := h.store.Instances.ListConnected(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, connected, 1)
	assert.Equal(t, first.ID, connected[0].ID)
}

func TestConnect_SamePhoneOtherTenantAllowed(t *testing.T) {
	fake := newFakeProvider()
	h := newHarness(t, fake)
	ctx := context.Background()

	other := h.instance(t, "t2", "other")
	other.Status = state.StateConnected
	other.PhoneNumber = "5511999990000"
	require.NoError(t, h.store.Instances.Update(ctx, other))

	inst := h.instance(t, "t1", "acme")
	fake.onConnect(connectReply{res: provider.ConnectResult{Status: provider.StatusConnected}})
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusConnected, PhoneNumber: "5511999990000"}})

	res, err := h.manager.Connect(ctx, "t1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateConnected, res.Status)
}

func TestDisconnect_ManualSuppressesRecovery(t *testing.T) {
	fake := newFakeProvider()
	h := newHarness(t, fake)
	h.outsideGuard()
	inst := h.instance(t, "t1", "acme")
	ctx := context.Background()

	res, err := h.manager.Disconnect(ctx, "t1", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StateDisconnected, res.Status)
	assert.True(t, h.reload(t, inst.ID).ManualDisconnect)

	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusAmbiguous}})
	res, err = h.manager.Status(ctx, "t1", inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Zero(t, fake.count("connect"))

	require.NoError(t, h.manager.Sweep(ctx))
	assert.Equal(t, 1, fake.count("status"))

	// An explicit connect clears the flag.
	_, err = h.manager.Connect(ctx, "t1", inst.ID)
	require.NoError(t, err)
	assert.False(t, h.reload(t, inst.ID).ManualDisconnect)
}

func TestSweep_NeverRecovers(t *testing.T) {
	fake := newFakeProvider()
	fake.onStatus(statusReply{res: provider.StatusResult{Status: provider.StatusAmbiguous}})
	h := newHarness(t, fake)
	h.outsideGuard()
	h.instance(t, "t1", "a")
	h.instance(t, "t1", "b")

	require.NoError(t, h.manager.Sweep(context.Background()))
	assert.Equal(t, 2, fake.count("status"))
	assert.Zero(t, fake.count("connect"))
}

func TestObserve(t *testing.T) {
	fake := newFakeProvider()
	h := newHarness(t, fake)
	inst := h.instance(t, "t1", "acme")
	ctx := context.Background()

	require.NoError(t, h.manager.Observe(ctx, Event{Kind: provider.KindEvolution, Ref: "acme", Status: provider.StatusQR, QRCode: "qr-x"}))
	assert.Equal(t, state.StateAwaitingQR, h.reload(t, inst.ID).Status)

	require.NoError(t, h.manager.Observe(ctx, Event{Kind: provider.KindEvolution, Ref: "acme", Status: provider.StatusConnected, PhoneNumber: "5511988880000"}))
	stored := h.reload(t, inst.ID)
	assert.Equal(t, state.StateConnected, stored.Status)
	assert.Equal(t, "5511988880000", stored.PhoneNumber)

	require.NoError(t, h.manager.Observe(ctx, Event{Kind: provider.KindEvolution, Ref: "acme", Status: provider.StatusDisconnected}))
	assert.Equal(t, state.StateDisconnected, h.reload(t, inst.ID).Status)

	err := h.manager.Observe(ctx, Event{Kind: provider.KindEvolution, Ref: "unknown", Status: provider.StatusConnected})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateAndTeardown(t *testing.T) {
	fake := newFakeProvider()
	fake.creds = map[string]string{"api_key": "generated"}
	h := newHarness(t, fake)
	ctx := context.Background()

	inst, err := h.manager.Create(ctx, CreateRequest{
		TenantID:    "t1",
		Kind:        "evolution",
		Origin:      "whatsapp",
		ProviderRef: "acme",
		Provision:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "generated", h.reload(t, inst.ID).Credentials["api_key"])
	require.Len(t, fake.webhook, 1)
	assert.Equal(t, "https://bridge.test/webhooks/evolution", fake.webhook[0].URL)

	require.NoError(t, h.manager.Teardown(ctx, "t1", inst.ID))
	assert.Equal(t, 1, fake.count("delete"))
	_, err = h.store.Instances.Get(ctx, inst.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreate_UnknownKind(t *testing.T) {
	h := newHarness(t, newFakeProvider())
	_, err := h.manager.Create(context.Background(), CreateRequest{TenantID: "t1", Kind: "meta", Origin: "instagram", ProviderRef: "p"})
	assert.ErrorIs(t, err, provider.ErrNotConfigured)
}
