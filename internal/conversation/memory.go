package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/Vovarama1992/convo-guard/internal/tools"
)

// MemoryRepo keeps the history in process, for dev mode and tests.
type MemoryRepo struct {
	mu     sync.Mutex
	nextID int64
	bySess map[string][]Message
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{bySess: map[string][]Message{}}
}

func (r *MemoryRepo) SaveMessage(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	msg.ID = r.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	r.bySess[msg.SessionID] = append(r.bySess[msg.SessionID], *msg)
	return nil
}

func (r *MemoryRepo) GetHistory(_ context.Context, sessionID string, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.bySess[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Message, len(all))
	copy(out, all)
	return out, nil
}

type MemoryBusinesses struct {
	mu   sync.RWMutex
	byID map[string]tools.Business
}

func NewMemoryBusinesses(bs ...tools.Business) *MemoryBusinesses {
	m := &MemoryBusinesses{byID: make(map[string]tools.Business, len(bs))}
	for _, b := range bs {
		m.byID[b.ID] = b
	}
	return m
}

func (m *MemoryBusinesses) Put(b tools.Business) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[b.ID] = b
}

func (m *MemoryBusinesses) Business(_ context.Context, id string) (tools.Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.byID[id]
	if !ok {
		return tools.Business{}, ErrUnknownBusiness
	}
	return b, nil
}
