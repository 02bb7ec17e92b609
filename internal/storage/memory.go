package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

const memoryAuditCap = 256

// Memory is a process-local Store used when persistence is disabled.
// Dedup markers and the audit ring are lost on restart.
type Memory struct {
	mu    sync.Mutex
	audit []AuditEntry
	dedup map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{dedup: map[string]time.Time{}}
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	if len(m.audit) > memoryAuditCap {
		m.audit = append([]AuditEntry(nil), m.audit[len(m.audit)-memoryAuditCap:]...)
	}
	return nil
}

func (m *Memory) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.audit, limit), nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	if len(m.dedup)%512 == 0 {
		now := time.Now()
		for k, v := range m.dedup {
			if v.Before(now) {
				delete(m.dedup, k)
			}
		}
	}
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (m *Memory) Close() error { return nil }

func newestFirst(in []AuditEntry, limit int) []AuditEntry {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}
