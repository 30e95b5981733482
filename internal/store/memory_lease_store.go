package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/devrev/entitystore/internal/util/clock"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryLeaseStore implements LeaseStore for a single process
type InMemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]lease
	clock  clock.Clock
}

// NewInMemoryLeaseStore creates a lease store reading time from clk
func NewInMemoryLeaseStore(clk clock.Clock) *InMemoryLeaseStore {
	return &InMemoryLeaseStore{leases: make(map[string]lease), clock: clk}
}

var _ LeaseStore = (*InMemoryLeaseStore)(nil)

func (s *InMemoryLeaseStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if current, ok := s.leases[key]; ok && current.expiresAt.After(now) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryLeaseStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[key]
	if !ok || current.owner != owner {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expiresAt: s.clock.Now().Add(ttl)}
	return true, nil
}

func (s *InMemoryLeaseStore) Release(ctx context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[key]
	if !ok || current.owner != owner {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

func (s *InMemoryLeaseStore) Holder(ctx context.Context, key string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[key]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	return current.owner, current.expiresAt, nil
}

func (s *InMemoryLeaseStore) ScavengeExpired(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, current := range s.leases {
		if strings.HasPrefix(key, prefix) && !current.expiresAt.After(now) {
			delete(s.leases, key)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryLeaseStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryLeaseStore) Close() error { return nil }
