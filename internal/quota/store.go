package quota

import (
	"context"
	"sync"
)

// Store: внедряемое хранилище потребления (persistUsage / loadUsage).
// Load возвращает found=false, если записи для этого начала периода нет.
type Store interface {
	Load(ctx context.Context, key Key) (Usage, bool, error)
	Save(ctx context.Context, u Usage) error
}

// Adder: атомарное приращение на стороне хранилища (для нескольких инстансов шлюза).
// applied=false означает, что лимит не позволил списание; Used — текущее значение.
type Adder interface {
	Add(ctx context.Context, u Usage, amount int64, allowOverage bool) (Usage, bool, error)
}

// MemoryStore: одна ячейка на (entity, type, period). Запись прошлого периода
// не возвращается и перезаписывается новой.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Usage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Usage)}
}

func (m *MemoryStore) Load(_ context.Context, key Key) (Usage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.items[key.slot()]
	if !ok || !u.PeriodStart.Equal(key.PeriodStart) {
		return Usage{}, false, nil
	}
	return u, true, nil
}

func (m *MemoryStore) Save(_ context.Context, u Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[u.Key().slot()] = u
	return nil
}
