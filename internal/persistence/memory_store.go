package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/graphflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe RunStore backed by a map.
// Snapshots are copied on the way in and out.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*api.RunSnapshot
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]*api.RunSnapshot)}
}

// Ensure InMemoryStore implements RunStore.
var _ RunStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	cp, err := cloneSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[snap.RunID] = cp
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, snap *api.RunSnapshot) error {
	cp, err := cloneSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[snap.RunID]; !ok {
		return ErrRunNotFound
	}
	s.runs[snap.RunID] = cp
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.RunSnapshot, error) {
	s.mu.RLock()
	snap, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneSnapshot(snap)
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunSnapshot, error) {
	s.mu.RLock()
	var matched []*api.RunSnapshot
	for _, snap := range s.runs {
		if filter.Matches(snap) {
			matched = append(matched, snap)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].RunID < matched[j].RunID })
	out := make([]*api.RunSnapshot, 0, len(matched))
	for _, snap := range matched {
		cp, err := cloneSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
