package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
)

// InMemoryEdgeStore implements EdgeStore with a slice of edges
type InMemoryEdgeStore struct {
	mu    sync.RWMutex
	edges []*model.Edge
}

// NewInMemoryEdgeStore creates an empty edge store
func NewInMemoryEdgeStore() *InMemoryEdgeStore {
	return &InMemoryEdgeStore{}
}

var _ EdgeStore = (*InMemoryEdgeStore)(nil)

// touches reports whether the edge references an entity in the selection
func touches(e *model.Edge, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) bool {
	for _, end := range []model.EntityDataKey{e.Src, e.Dst, e.Edge} {
		if end.EntitySetID != entitySetID {
			continue
		}
		if entityKeyIDs == nil {
			return true
		}
		for _, id := range entityKeyIDs {
			if end.EntityKeyID == id {
				return true
			}
		}
	}
	return false
}

func (s *InMemoryEdgeStore) AddEdges(ctx context.Context, edges []*model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range edges {
		copied := *e
		s.edges = append(s.edges, &copied)
	}
	return nil
}

func (s *InMemoryEdgeStore) EdgesOf(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]*model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Edge
	for _, e := range s.edges {
		if e.Version > 0 && touches(e, entitySetID, entityKeyIDs) {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *InMemoryEdgeStore) ClearEdges(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.edges {
		if e.Version > 0 && touches(e, entitySetID, entityKeyIDs) {
			e.Version = -version
			n++
		}
	}
	return n, nil
}

func (s *InMemoryEdgeStore) DeleteEdges(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.edges[:0]
	n := 0
	for _, e := range s.edges {
		if touches(e, entitySetID, entityKeyIDs) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.edges = kept
	return n, nil
}

func (s *InMemoryEdgeStore) NeighborAssociationSets(ctx context.Context, entitySetID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	for _, e := range s.edges {
		if e.Version <= 0 || e.Edge.EntitySetID == entitySetID {
			continue
		}
		if e.Src.EntitySetID == entitySetID || e.Dst.EntitySetID == entitySetID {
			seen[e.Edge.EntitySetID] = true
		}
	}
	out := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
