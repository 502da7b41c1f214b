// Package history keeps a bounded, newest-first log of finished calls.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
)

const DefaultLimit = 50

// Record describes one call after it returned to idle.
type Record struct {
	SessionID domain.SessionID `json:"sessionId"`
	PeerID    domain.UserID    `json:"peerId"`
	Kind      domain.CallKind  `json:"kind"`
	Role      string           `json:"role"`
	Outcome   string           `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	EndedAt   time.Time        `json:"endedAt"`
	Duration  time.Duration    `json:"duration"`
}

type Store interface {
	Add(ctx context.Context, r Record) error
	// Recent returns at most limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	limit   int
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{limit: limit}
}

func (m *MemoryStore) Add(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]Record{r}, m.records...)
	if len(m.records) > m.limit {
		m.records = m.records[:m.limit]
	}
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]Record, limit)
	copy(out, m.records[:limit])
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
