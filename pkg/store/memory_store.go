package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/contracts"
)

// MemoryStore is an in-memory Store for tests and single-shot tooling.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[int64]*contracts.ChangeRequest
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[int64]*contracts.ChangeRequest)}
}

func (s *MemoryStore) Create(ctx context.Context, req *contracts.ChangeRequest) (*contracts.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := *req
	stored.ID = s.nextID
	s.requests[stored.ID] = &stored

	out := stored
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*contracts.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	out := *req
	return &out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id int64, from, to contracts.Status, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return false, contracts.ErrNotFound
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	req.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkExecuted(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return contracts.ErrNotFound
	}
	req.Executed = true
	req.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*contracts.ChangeRequest, 0)
	for _, req := range s.requests {
		if req.Status == status {
			out := *req
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, now time.Time) ([]*contracts.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*contracts.ChangeRequest, 0)
	for _, req := range s.requests {
		if req.Status == contracts.StatusPending && now.After(req.ExpiresAt) {
			out := *req
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
