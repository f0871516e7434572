// Package health tracks bridge activity counters and runs the periodic
// instance status sweep.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status represents the health status of the bridge.
type Status struct {
	Status           string    `json:"status"`
	Database         string    `json:"database"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	LastMessage      time.Time `json:"last_message"`
	LastSweep        time.Time `json:"last_sweep"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesFailed   int64     `json:"messages_failed"`
	Recoveries       int64     `json:"recoveries"`
	RecoveryFailures int64     `json:"recovery_failures"`
}

// Monitor tracks bridge health.
type Monitor struct {
	db  Pinger
	log *slog.Logger

	startTime        time.Time
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	messagesFailed   atomic.Int64
	recoveries       atomic.Int64
	recoveryFailures atomic.Int64

	mu          sync.RWMutex
	lastMessage time.Time
	lastSweep   time.Time
}

// NewMonitor creates a new health monitor. db may be nil.
func NewMonitor(db Pinger) *Monitor {
	return &Monitor{
		db:        db,
		log:       slog.Default(),
		startTime: time.Now(),
	}
}

// GetStatus returns the current health status. The bridge is degraded while
// the database does not answer a ping.
func (m *Monitor) GetStatus(ctx context.Context) Status {
	m.mu.RLock()
	lastMessage, lastSweep := m.lastMessage, m.lastSweep
	m.mu.RUnlock()

	st := Status{
		Status:           "ok",
		Database:         "ok",
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		LastMessage:      lastMessage,
		LastSweep:        lastSweep,
		MessagesReceived: m.messagesReceived.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesFailed:   m.messagesFailed.Load(),
		Recoveries:       m.recoveries.Load(),
		RecoveryFailures: m.recoveryFailures.Load(),
	}
	if m.db != nil {
		if err := m.db.Ping(ctx); err != nil {
			m.log.Warn("database ping failed", "error", err)
			st.Status = "degraded"
			st.Database = err.Error()
		}
	}
	return st
}

// RecordMessageReceived records a persisted inbound message.
func (m *Monitor) RecordMessageReceived() {
	m.messagesReceived.Add(1)
	m.mu.Lock()
	m.lastMessage = time.Now()
	m.mu.Unlock()
}

// RecordMessageSent records an outbound message accepted by a provider.
func (m *Monitor) RecordMessageSent() {
	m.messagesSent.Add(1)
}

// RecordMessageFailed records an outbound message that ended failed.
func (m *Monitor) RecordMessageFailed() {
	m.messagesFailed.Add(1)
}

// RecordRecovery records the outcome of a corrupted-session recovery.
func (m *Monitor) RecordRecovery(ok bool) {
	if ok {
		m.recoveries.Add(1)
		return
	}
	m.recoveryFailures.Add(1)
}

// RecordSweep records a completed status sweep.
func (m *Monitor) RecordSweep(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSweep = at
}
