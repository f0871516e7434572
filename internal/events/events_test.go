package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(TypeReceipt, "tenant-1", map[string]string{"status": "read"}).WithCorrelation("msg-1")

	assert.NotEmpty(t, env.Meta.ID)
	assert.Equal(t, TypeReceipt, env.Meta.Type)
	assert.Equal(t, "tenant-1", env.Meta.TenantID)
	require.NotNil(t, env.Meta.CorrelationID)
	assert.Equal(t, "msg-1", *env.Meta.CorrelationID)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"chat.receipt.v1"`)
	assert.Contains(t, string(raw), `"correlation_id":"msg-1"`)
}

func TestWithCorrelation_EmptyKeepsNil(t *testing.T) {
	env := NewEnvelope(TypeInboundMessage, "t", nil).WithCorrelation("")
	assert.Nil(t, env.Meta.CorrelationID)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestEmit_SwallowsErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &failingPublisher{}

	Emit(context.Background(), p, logger, NewEnvelope(TypeChannelStatus, "t", nil))
	Emit(context.Background(), nil, logger, NewEnvelope(TypeChannelStatus, "t", nil))

	assert.Equal(t, 1, p.calls)
}

func TestNoop(t *testing.T) {
	n := NewNoop(nil)
	assert.NoError(t, n.Publish(context.Background(), TypeReceipt, NewEnvelope(TypeReceipt, "t", nil)))
	assert.NoError(t, n.Close())
}
