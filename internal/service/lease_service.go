package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/store"
)

// LeaseDomain separates the concerns that lease an entity set independently
type LeaseDomain string

const (
	DomainIndexing   LeaseDomain = "indexing"
	DomainLinking    LeaseDomain = "linking"
	DomainExpiration LeaseDomain = "expiration"
	DomainHardDelete LeaseDomain = "hard_delete"
)

// AllLeaseDomains lists every domain the scavenger sweeps
var AllLeaseDomains = []LeaseDomain{DomainIndexing, DomainLinking, DomainExpiration, DomainHardDelete}

// LeaseKey returns the lease key of an entity set in a domain
func LeaseKey(domain LeaseDomain, entitySetID uuid.UUID) string {
	return fmt.Sprintf("lease:%s:%s", domain, entitySetID)
}

func leasePrefix(domain LeaseDomain) string {
	return fmt.Sprintf("lease:%s:", domain)
}

// LeaseService claims entity sets for this worker
type LeaseService struct {
	leases  store.LeaseStore
	owner   string
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	shuffleR *rand.Rand
}

// NewLeaseService creates a lease service claiming as owner
func NewLeaseService(leases store.LeaseStore, owner string, m *metrics.Metrics, logger *zap.Logger) *LeaseService {
	return &LeaseService{
		leases:   leases,
		owner:    owner,
		metrics:  m,
		logger:   logger,
		shuffleR: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Owner returns the identity leases are claimed under
func (s *LeaseService) Owner() string { return s.owner }

// TryAcquire claims one entity set unless another worker holds an unexpired lease
func (s *LeaseService) TryAcquire(ctx context.Context, domain LeaseDomain, entitySetID uuid.UUID, ttl time.Duration) (bool, error) {
	ok, err := s.leases.TryAcquire(ctx, LeaseKey(domain, entitySetID), s.owner, ttl)
	if err != nil {
		return false, err
	}
	s.metrics.RecordLease(string(domain), ok)
	return ok, nil
}

// Renew extends a lease this worker holds
func (s *LeaseService) Renew(ctx context.Context, domain LeaseDomain, entitySetID uuid.UUID, ttl time.Duration) (bool, error) {
	return s.leases.Renew(ctx, LeaseKey(domain, entitySetID), s.owner, ttl)
}

// Keep renews a lease between batches of a long run and fails once the lease is gone,
// so the caller stops touching an entity set another worker may have claimed.
func (s *LeaseService) Keep(ctx context.Context, domain LeaseDomain, entitySetID uuid.UUID, ttl time.Duration) error {
	held, err := s.Renew(ctx, domain, entitySetID, ttl)
	if err != nil {
		return storeerrors.Transient(fmt.Sprintf("failed to renew %s lease", domain), err)
	}
	if !held {
		return storeerrors.Transient(fmt.Sprintf("%s lease on %s was lost", domain, entitySetID), nil)
	}
	return nil
}

// Release drops a lease this worker holds
func (s *LeaseService) Release(ctx context.Context, domain LeaseDomain, entitySetID uuid.UUID) error {
	_, err := s.leases.Release(ctx, LeaseKey(domain, entitySetID), s.owner)
	return err
}

// Claim tries every entity set in random order and returns the ones claimed.
// Shuffling spreads concurrent workers across different entity sets.
func (s *LeaseService) Claim(ctx context.Context, domain LeaseDomain, entitySetIDs []uuid.UUID, ttl time.Duration) []uuid.UUID {
	candidates := append([]uuid.UUID(nil), entitySetIDs...)
	s.mu.Lock()
	s.shuffleR.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	s.mu.Unlock()

	claimed := make([]uuid.UUID, 0, len(candidates))
	for _, id := range candidates {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.TryAcquire(ctx, domain, id, ttl)
		if err != nil {
			s.logger.Warn("Failed to claim entity set",
				zap.String("domain", string(domain)),
				zap.String("entity_set_id", id.String()),
				zap.Error(err))
			continue
		}
		if ok {
			claimed = append(claimed, id)
		}
	}
	return claimed
}

// ReleaseAll drops every listed lease. It uses a fresh context so leases are
// released even when the run's context was canceled.
func (s *LeaseService) ReleaseAll(domain LeaseDomain, entitySetIDs []uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range entitySetIDs {
		if err := s.Release(ctx, domain, id); err != nil {
			s.logger.Warn("Failed to release lease",
				zap.String("domain", string(domain)),
				zap.String("entity_set_id", id.String()),
				zap.Error(err))
		}
	}
}

// Scavenge removes expired leases of a domain
func (s *LeaseService) Scavenge(ctx context.Context, domain LeaseDomain) (int, error) {
	removed, err := s.leases.ScavengeExpired(ctx, leasePrefix(domain))
	if err != nil {
		return removed, fmt.Errorf("failed to scavenge %s leases: %w", domain, err)
	}
	if removed > 0 {
		s.metrics.RecordScavenged(string(domain), removed)
		s.logger.Info("Scavenged expired leases",
			zap.String("domain", string(domain)),
			zap.Int("removed", removed))
	}
	return removed, nil
}

// StartScavenger sweeps expired leases of domains every period until Stop
func (s *LeaseService) StartScavenger(period time.Duration, domains ...LeaseDomain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), period)
				for _, domain := range domains {
					if _, err := s.Scavenge(ctx, domain); err != nil {
						s.logger.Error("Lease scavenge failed", zap.Error(err))
					}
				}
				cancel()
			case <-stopCh:
				return
			}
		}
	}()

	s.logger.Info("Lease scavenger started", zap.Duration("period", period))
}

// Stop stops the scavenger
func (s *LeaseService) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		s.wg.Wait()
		s.logger.Info("Lease scavenger stopped")
	}
}
