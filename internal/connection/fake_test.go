package connection

import (
	"context"
	"sync"

	"github.com/ihiteshgupta/channel-bridge/internal/provider"
)

type connectReply struct {
	res provider.ConnectResult
	err error
}

type statusReply struct {
	res provider.StatusResult
	err error
}

// fakeProvider replays queued answers; the last answer of a queue repeats.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	connect []connectReply
	status  []statusReply
	creds   map[string]string
	webhook []provider.WebhookConfig
	configs []provider.InstanceConfig
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		connect: []connectReply{{res: provider.ConnectResult{Status: provider.StatusQR, QRCode: "qr-1"}}},
		status:  []statusReply{{res: provider.StatusResult{Status: provider.StatusDisconnected}}},
	}
}

func (f *fakeProvider) record(name string, cfg provider.InstanceConfig) {
	f.calls = append(f.calls, name)
	f.configs = append(f.configs, cfg)
}

func (f *fakeProvider) onConnect(replies ...connectReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connect = replies
}

func (f *fakeProvider) onStatus(replies ...statusReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = replies
}

func (f *fakeProvider) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeProvider) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProvider) Kind() provider.Kind { return provider.KindEvolution }

func (f *fakeProvider) Connect(ctx context.Context, cfg provider.InstanceConfig) (provider.ConnectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect", cfg)
	r := f.connect[0]
	if len(f.connect) > 1 {
		f.connect = f.connect[1:]
	}
	return r.res, r.err
}

func (f *fakeProvider) Status(ctx context.Context, cfg provider.InstanceConfig) (provider.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("status", cfg)
	r := f.status[0]
	if len(f.status) > 1 {
		f.status = f.status[1:]
	}
	return r.res, r.err
}

func (f *fakeProvider) SendText(ctx context.Context, cfg provider.InstanceConfig, msg provider.TextMessage) (provider.SendResult, error) {
	return provider.SendResult{}, provider.ErrUnsupported
}

func (f *fakeProvider) SendMedia(ctx context.Context, cfg provider.InstanceConfig, msg provider.MediaMessage) (provider.SendResult, error) {
	return provider.SendResult{}, provider.ErrUnsupported
}

func (f *fakeProvider) SendAudio(ctx context.Context, cfg provider.InstanceConfig, msg provider.AudioMessage) (provider.SendResult, error) {
	return provider.SendResult{}, provider.ErrUnsupported
}

func (f *fakeProvider) DeleteMessage(ctx context.Context, cfg provider.InstanceConfig, req provider.DeleteRequest) error {
	return provider.ErrUnsupported
}

func (f *fakeProvider) SendReaction(ctx context.Context, cfg provider.InstanceConfig, r provider.Reaction) error {
	return provider.ErrUnsupported
}

func (f *fakeProvider) ConfigureWebhook(ctx context.Context, cfg provider.InstanceConfig, wh provider.WebhookConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("webhook", cfg)
	f.webhook = append(f.webhook, wh)
	return nil
}

func (f *fakeProvider) Disconnect(ctx context.Context, cfg provider.InstanceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disconnect", cfg)
	return nil
}

func (f *fakeProvider) DeleteInstance(ctx context.Context, cfg provider.InstanceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete", cfg)
	return nil
}

func (f *fakeProvider) CreateInstance(ctx context.Context, cfg provider.InstanceConfig) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", cfg)
	return f.creds, nil
}

func (f *fakeProvider) ApplyDefaultSettings(ctx context.Context, cfg provider.InstanceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("settings", cfg)
	return nil
}

// plainProvider hides the Provisioner capability of the wrapped fake.
type plainProvider struct {
	provider.Provider
}

type fakeRecorder struct {
	mu       sync.Mutex
	ok, fail int
}

func (r *fakeRecorder) RecordRecovery(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.ok++
	} else {
		r.fail++
	}
}
