package results

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

// InMemoryStore keeps results in a map.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]api.TaskResult
}

// NewInMemoryStore creates an empty result store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]api.TaskResult)}
}

var _ Store = (*InMemoryStore)(nil)

func clone(r api.TaskResult) api.TaskResult {
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}
	return r
}

func (s *InMemoryStore) Create(ctx context.Context, r api.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[r.TaskID]; ok && !cur.State.Terminal() {
		return api.ErrDuplicateTaskID
	}
	s.records[r.TaskID] = clone(r)
	return nil
}

func (s *InMemoryStore) RecordState(ctx context.Context, r api.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[r.TaskID]; ok && cur.State.Terminal() {
		return api.ErrTerminalState
	}
	s.records[r.TaskID] = clone(r)
	return nil
}

func (s *InMemoryStore) GetState(ctx context.Context, taskID string) (api.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[taskID]
	if !ok {
		return api.TaskResult{}, api.ErrNotFound
	}
	return clone(r), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, taskID)
	return nil
}

func (s *InMemoryStore) Evict(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.records {
		if r.Expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
