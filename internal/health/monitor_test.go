package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestMonitor_GetStatus(t *testing.T) {
	m := NewMonitor(fakePinger{})

	status := m.GetStatus(context.Background())

	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "ok", status.Database)
	assert.GreaterOrEqual(t, status.UptimeSeconds, int64(0))
	assert.True(t, status.LastMessage.IsZero())
}

func TestMonitor_Degraded(t *testing.T) {
	m := NewMonitor(fakePinger{err: errors.New("database is locked")})

	status := m.GetStatus(context.Background())
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "database is locked", status.Database)
}

func TestMonitor_RecordCounters(t *testing.T) {
	m := NewMonitor(nil)

	m.RecordMessageReceived()
	m.RecordMessageReceived()
	m.RecordMessageSent()
	m.RecordMessageFailed()
	m.RecordRecovery(true)
	m.RecordRecovery(false)
	m.RecordRecovery(false)

	status := m.GetStatus(context.Background())
	assert.Equal(t, int64(2), status.MessagesReceived)
	assert.Equal(t, int64(1), status.MessagesSent)
	assert.Equal(t, int64(1), status.MessagesFailed)
	assert.Equal(t, int64(1), status.Recoveries)
	assert.Equal(t, int64(2), status.RecoveryFailures)
	assert.False(t, status.LastMessage.IsZero())
}

func TestMonitor_ConcurrentRecording(t *testing.T) {
	m := NewMonitor(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordMessageReceived()
			m.RecordMessageSent()
		}()
	}
	wg.Wait()

	status := m.GetStatus(context.Background())
	assert.Equal(t, int64(50), status.MessagesReceived)
	assert.Equal(t, int64(50), status.MessagesSent)
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper("every now and then", time.Second, func(context.Context) error { return nil }, nil, nil)
	assert.Error(t, err)
}

func TestSweeper_RunRecordsSweep(t *testing.T) {
	m := NewMonitor(nil)
	var calls atomic.Int32
	s, err := NewSweeper("@every 1h", time.Second, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		calls.Add(1)
		return errors.New("one instance timed out")
	}, m, nil)
	require.NoError(t, err)

	s.Run()

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, m.GetStatus(context.Background()).LastSweep.IsZero())
}

func TestSweeper_SkipsOverlappingRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	s, err := NewSweeper("@every 1h", 0, func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	<-started
	s.Run()
	close(release)
	<-done

	assert.Equal(t, int32(1), calls.Load())
}

func TestSweeper_StartStop(t *testing.T) {
	s, err := NewSweeper("@every 1h", time.Second, func(context.Context) error { return nil }, nil, nil)
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
