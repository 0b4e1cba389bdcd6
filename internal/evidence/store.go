package evidence

import (
	"context"
	"sync"
)

// Store: хранилище связок. Custody только дописывается.
type Store interface {
	Put(ctx context.Context, b Binding) error
	AppendCustody(ctx context.Context, bindingID string, rec CustodyRecord) error
	Get(ctx context.Context, id string) (Binding, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]Binding)}
}

func (s *MemoryStore) Put(_ context.Context, b Binding) error {
	s.mu.Lock()
	s.bindings[b.ID] = cloneBinding(b)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AppendCustody(_ context.Context, bindingID string, rec CustodyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingID]
	if !ok {
		return ErrBindingNotFound
	}
	custody := make([]CustodyRecord, len(b.Custody), len(b.Custody)+1)
	copy(custody, b.Custody)
	b.Custody = append(custody, rec)
	s.bindings[bindingID] = b
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	if !ok {
		return Binding{}, ErrBindingNotFound
	}
	return cloneBinding(b), nil
}

// cloneBinding отвязывает срезы и карту от вызывающего.
func cloneBinding(b Binding) Binding {
	b.SourceEntryIDs = append([]string(nil), b.SourceEntryIDs...)
	b.Artifacts = append([]Artifact(nil), b.Artifacts...)
	b.Custody = append([]CustodyRecord(nil), b.Custody...)
	b.CrossReferences = append([]CrossReference(nil), b.CrossReferences...)
	if b.Metadata != nil {
		m := make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			m[k] = v
		}
		b.Metadata = m
	}
	return b
}
