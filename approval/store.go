package approval

import (
	"context"
	"fmt"
	"sync"
)

// ErrNotFound is returned when no approval matches the lookup.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("approval not found: %s", e.ID)
}

// Store is the approval persistence boundary. A human approver and a polling
// workflow race on the same record, so Update must apply its mutation
// atomically: a second Approve/Reject on a non-pending record fails inside
// the mutation rather than silently overwriting.
type Store interface {
	// Save persists a new or updated approval.
	Save(ctx context.Context, a *Approval) error

	// Find returns the approval with the given id.
	Find(ctx context.Context, id string) (*Approval, error)

	// FindByName returns the approval for a (workflowID, name) gate.
	FindByName(ctx context.Context, workflowID, name string) (*Approval, error)

	// AllPending returns every approval still in the pending state.
	AllPending(ctx context.Context) ([]*Approval, error)

	// Update atomically loads the approval, applies fn, and persists the
	// result. If fn returns an error nothing is written.
	Update(ctx context.Context, id string, fn func(*Approval) error) (*Approval, error)
}

// MemoryStore is the in-memory reference implementation of Store.
type MemoryStore struct {
	approvals map[string]*Approval
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals: make(map[string]*Approval),
	}
}

func (s *MemoryStore) Save(_ context.Context, a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *a
	s.approvals[a.ID] = &clone
	return nil
}

func (s *MemoryStore) Find(_ context.Context, id string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	clone := *a
	return &clone, nil
}

func (s *MemoryStore) FindByName(_ context.Context, workflowID, name string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.approvals {
		if a.WorkflowID == workflowID && a.Name == name {
			clone := *a
			return &clone, nil
		}
	}
	return nil, &ErrNotFound{ID: workflowID + "/" + name}
}

func (s *MemoryStore) AllPending(_ context.Context) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []*Approval
	for _, a := range s.approvals {
		if a.Status == StatusPending {
			clone := *a
			pending = append(pending, &clone)
		}
	}
	return pending, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Approval) error) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}

	// Mutate a copy so a failed transition leaves the stored record intact.
	clone := *a
	if err := fn(&clone); err != nil {
		return nil, err
	}
	s.approvals[id] = &clone

	result := clone
	return &result, nil
}
