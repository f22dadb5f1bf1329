package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
)

// Orphan is a ledger-accepted submission whose record is missing from the
// store.
type Orphan struct {
	RequestID  string            `json:"request_id"`
	Receipt    ledger.Receipt    `json:"receipt"`
	Record     model.NewEvidence `json:"record"`
	Reason     string            `json:"reason"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// OrphanStore queues orphans for reconciliation. Push is idempotent per
// request id.
type OrphanStore interface {
	Push(ctx context.Context, o Orphan) error
	List(ctx context.Context) ([]Orphan, error)
	Remove(ctx context.Context, requestID string) error
}

// MemoryOrphanStore keeps orphans in process memory. They are lost on
// restart; use RedisOrphanStore when the store can be down for long.
type MemoryOrphanStore struct {
	mu      sync.RWMutex
	orphans map[string]Orphan
}

// NewMemoryOrphanStore returns an empty MemoryOrphanStore.
func NewMemoryOrphanStore() *MemoryOrphanStore {
	return &MemoryOrphanStore{orphans: make(map[string]Orphan)}
}

// Push implements OrphanStore.
func (m *MemoryOrphanStore) Push(_ context.Context, o Orphan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans[o.RequestID] = o
	return nil
}

// List implements OrphanStore. Oldest first.
func (m *MemoryOrphanStore) List(_ context.Context) ([]Orphan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Orphan, 0, len(m.orphans))
	for _, o := range m.orphans {
		out = append(out, o)
	}
	sortOrphans(out)
	return out, nil
}

// Remove implements OrphanStore.
func (m *MemoryOrphanStore) Remove(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orphans, requestID)
	return nil
}

func sortOrphans(out []Orphan) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
}
