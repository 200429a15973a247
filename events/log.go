package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// LogEntry is one accepted device event. Entries are append-only; there is no
// garbage collection of historical entries.
type LogEntry struct {
	ID          string
	DeviceID    string
	Kind        Kind
	Payload     json.RawMessage
	ProcessedAt time.Time
}

// Log is the append-only event log. Appends serialize; per-device ordering by
// ProcessedAt is monotonic.
type Log interface {
	Append(ctx context.Context, deviceID string, kind Kind, payload []byte) (LogEntry, error)
	ListByDevice(ctx context.Context, deviceID string) ([]LogEntry, error)
}

// MemLog is an in-memory Log.
type MemLog struct {
	mu       sync.RWMutex
	entries  []LogEntry
	lastSeen map[string]time.Time
	clock    clock.PassiveClock
}

// NewMemLog returns an empty log.
func NewMemLog(clk clock.PassiveClock) *MemLog {
	return &MemLog{lastSeen: make(map[string]time.Time), clock: clk}
}

// Append records an accepted event. ProcessedAt is bumped past the device's
// previous entry when the clock has not advanced, keeping per-device ordering
// strictly monotonic.
func (l *MemLog) Append(_ context.Context, deviceID string, kind Kind, payload []byte) (LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now().UTC()
	if last, ok := l.lastSeen[deviceID]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	l.lastSeen[deviceID] = now
	entry := LogEntry{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Kind:        kind,
		Payload:     append(json.RawMessage(nil), payload...),
		ProcessedAt: now,
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

// ListByDevice returns the device's entries in processing order.
func (l *MemLog) ListByDevice(_ context.Context, deviceID string) ([]LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}
