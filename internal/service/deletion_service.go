package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/entitystore/internal/client"
	"github.com/devrev/entitystore/internal/config"
	storeerrors "github.com/devrev/entitystore/internal/errors"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/store"
	"github.com/devrev/entitystore/internal/util/clock"
)

// DeletionService authorizes and carries out entity and entity set deletions,
// including the edges and association entities attached to them.
//
// Edges created through an association entity set authorized after the
// neighbor check but before edge removal are not removed.
type DeletionService struct {
	entitySets store.EntitySetStore
	edges      store.EdgeStore
	properties *PropertyService
	tracker    *IndexingMetadataService
	authorizer client.Authorizer
	jobs       client.JobQueue
	versions   *clock.VersionSource
	clock      clock.Clock
	observer   Observer
	cfg        config.DeletionConfig
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeletionService creates the deletion orchestrator
func NewDeletionService(
	entitySets store.EntitySetStore,
	edges store.EdgeStore,
	properties *PropertyService,
	tracker *IndexingMetadataService,
	authorizer client.Authorizer,
	jobs client.JobQueue,
	versions *clock.VersionSource,
	clk clock.Clock,
	observer Observer,
	cfg config.DeletionConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DeletionService {
	if cfg.SyncThreshold <= 0 {
		cfg.SyncThreshold = 1000
	}
	if cfg.JobPollPeriod <= 0 {
		cfg.JobPollPeriod = 5 * time.Second
	}
	if cfg.JobReclaimAfter <= 0 {
		cfg.JobReclaimAfter = 30 * time.Minute
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	return &DeletionService{
		entitySets: entitySets,
		edges:      edges,
		properties: properties,
		tracker:    tracker,
		authorizer: authorizer,
		jobs:       jobs,
		versions:   versions,
		clock:      clk,
		observer:   observer,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
	}
}

// requiredPermission returns OWNER for hard deletes and WRITE for soft ones
func requiredPermission(deleteType model.DeleteType) (model.Permission, error) {
	switch deleteType {
	case model.DeleteHard:
		return model.PermissionOwner, nil
	case model.DeleteSoft:
		return model.PermissionWrite, nil
	default:
		return "", storeerrors.InvalidArgument(fmt.Sprintf("unknown delete type %q", deleteType), nil)
	}
}

func (s *DeletionService) entitySet(ctx context.Context, id uuid.UUID) (*model.EntitySet, error) {
	es, err := s.entitySets.GetEntitySet(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, storeerrors.NotFound("entity set", id.String())
	}
	if err != nil {
		return nil, storeerrors.Transient("failed to look up entity set", err)
	}
	return es, nil
}

// accessChecks builds the checks for an entity set and its property types.
// Nil propertyTypeIDs covers every property type of the entity set's type.
func (s *DeletionService) accessChecks(ctx context.Context, es *model.EntitySet, propertyTypeIDs []uuid.UUID, permission model.Permission) ([]model.AccessCheck, error) {
	if propertyTypeIDs == nil {
		entityType, _, err := loadEntityType(ctx, s.entitySets, es.EntityTypeID)
		if err != nil {
			return nil, err
		}
		propertyTypeIDs = entityType.PropertyTypeIDs
	}
	checks := make([]model.AccessCheck, 0, len(propertyTypeIDs)+1)
	checks = append(checks, model.AccessCheck{
		AclKey:      model.AclKey{es.ID},
		Permissions: []model.Permission{permission},
	})
	for _, pt := range propertyTypeIDs {
		checks = append(checks, model.AccessCheck{
			AclKey:      model.AclKey{es.ID, pt},
			Permissions: []model.Permission{permission},
		})
	}
	return checks, nil
}

// neighborChecks covers the association entity sets with edges to es
func (s *DeletionService) neighborChecks(ctx context.Context, es *model.EntitySet, permission model.Permission) ([]model.AccessCheck, error) {
	if es.IsAssociation() {
		return nil, nil
	}
	neighbors, err := s.edges.NeighborAssociationSets(ctx, es.ID)
	if err != nil {
		return nil, storeerrors.Transient("failed to find neighbor association entity sets", err)
	}
	var checks []model.AccessCheck
	for _, id := range neighbors {
		neighbor, err := s.entitySet(ctx, id)
		if err != nil {
			return nil, err
		}
		c, err := s.accessChecks(ctx, neighbor, nil, permission)
		if err != nil {
			return nil, err
		}
		checks = append(checks, c...)
	}
	return checks, nil
}

// authorize fails with the acl keys lacking permission for every principal
func (s *DeletionService) authorize(ctx context.Context, principals []model.Principal, checks []model.AccessCheck, permission model.Permission) error {
	if len(checks) == 0 {
		return nil
	}
	results, err := s.authorizer.AccessChecksForPrincipals(ctx, checks, principals)
	if err != nil {
		return storeerrors.Transient("authorization check failed", err)
	}
	granted := make(map[string]bool, len(results))
	for _, r := range results {
		granted[r.AclKey.String()] = r.Permissions[permission]
	}
	var denied []string
	for _, c := range checks {
		key := c.AclKey.String()
		if !granted[key] {
			denied = append(denied, key)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return storeerrors.Unauthorized(denied, string(permission))
	}
	return nil
}

// authorizeEntityDeletion runs the checks for deleting entities of es
func (s *DeletionService) authorizeEntityDeletion(ctx context.Context, principals []model.Principal, es *model.EntitySet, deleteType model.DeleteType) error {
	permission, err := requiredPermission(deleteType)
	if err != nil {
		return err
	}
	checks, err := s.accessChecks(ctx, es, nil, permission)
	if err != nil {
		return err
	}
	neighbors, err := s.neighborChecks(ctx, es, permission)
	if err != nil {
		return err
	}
	return s.authorize(ctx, principals, append(checks, neighbors...), permission)
}

// ClearOrDeleteEntitySet deletes every entity of an entity set in the background
// and returns the id of the job doing it.
func (s *DeletionService) ClearOrDeleteEntitySet(ctx context.Context, principals []model.Principal, entitySetID uuid.UUID, deleteType model.DeleteType) (uuid.UUID, error) {
	es, err := s.entitySet(ctx, entitySetID)
	if err != nil {
		return uuid.Nil, err
	}
	if es.IsLinking() {
		return uuid.Nil, storeerrors.InvalidArgument("linking entity sets hold no data to delete", nil)
	}
	if err := s.authorizeEntityDeletion(ctx, principals, es, deleteType); err != nil {
		return uuid.Nil, err
	}
	return s.submit(ctx, entitySetID, nil, deleteType)
}

// ClearOrDeleteEntities deletes explicit entities. Requests up to the sync threshold
// complete before returning; larger ones run as a job whose id is returned instead.
func (s *DeletionService) ClearOrDeleteEntities(ctx context.Context, principals []model.Principal, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, deleteType model.DeleteType) (model.WriteEvent, uuid.UUID, error) {
	if len(entityKeyIDs) == 0 {
		return model.WriteEvent{}, uuid.Nil, storeerrors.InvalidArgument("entity key ids are required", nil)
	}
	es, err := s.entitySet(ctx, entitySetID)
	if err != nil {
		return model.WriteEvent{}, uuid.Nil, err
	}
	if es.IsLinking() {
		return model.WriteEvent{}, uuid.Nil, storeerrors.InvalidArgument("linking entity sets hold no data to delete", nil)
	}
	if err := s.authorizeEntityDeletion(ctx, principals, es, deleteType); err != nil {
		return model.WriteEvent{}, uuid.Nil, err
	}

	if len(entityKeyIDs) > s.cfg.SyncThreshold {
		jobID, err := s.submit(ctx, entitySetID, entityKeyIDs, deleteType)
		return model.WriteEvent{}, jobID, err
	}
	event, err := s.deleteEntities(ctx, es, entityKeyIDs, deleteType)
	return event, uuid.Nil, err
}

// ClearOrDeleteProperties deletes values of specific properties of specific entities
func (s *DeletionService) ClearOrDeleteProperties(ctx context.Context, principals []model.Principal, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID, deleteType model.DeleteType) (model.WriteEvent, error) {
	if len(propertyTypeIDs) == 0 {
		return model.WriteEvent{}, storeerrors.InvalidArgument("property type ids are required", nil)
	}
	permission, err := requiredPermission(deleteType)
	if err != nil {
		return model.WriteEvent{}, err
	}
	es, err := s.entitySet(ctx, entitySetID)
	if err != nil {
		return model.WriteEvent{}, err
	}
	checks, err := s.accessChecks(ctx, es, propertyTypeIDs, permission)
	if err != nil {
		return model.WriteEvent{}, err
	}
	if err := s.authorize(ctx, principals, checks, permission); err != nil {
		return model.WriteEvent{}, err
	}

	var event model.WriteEvent
	if deleteType == model.DeleteHard {
		event, err = s.properties.DeleteProperties(ctx, entitySetID, entityKeyIDs, propertyTypeIDs)
	} else {
		event, err = s.properties.Clear(ctx, entitySetID, entityKeyIDs, propertyTypeIDs)
	}
	if err != nil {
		return model.WriteEvent{}, err
	}
	if len(entityKeyIDs) > 0 {
		if _, err := s.tracker.MarkUnindexed(ctx, map[uuid.UUID][]uuid.UUID{entitySetID: entityKeyIDs}); err != nil {
			return event, err
		}
	}
	if _, err := s.tracker.MarkDeletedNeedsLinking(ctx, entitySetID, normalizeKeys(entityKeyIDs)); err != nil {
		return event, err
	}
	return event, nil
}

func (s *DeletionService) submit(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, deleteType model.DeleteType) (uuid.UUID, error) {
	now := s.clock.Now()
	job := &model.DeletionJob{
		EntitySetID:  entitySetID,
		EntityKeyIDs: entityKeyIDs,
		DeleteType:   deleteType,
		Status:       model.JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, err := s.jobs.SubmitJob(ctx, job)
	if err != nil {
		return uuid.Nil, storeerrors.Transient("failed to submit deletion job", err)
	}
	s.metrics.RecordJob(string(model.JobStatusPending))
	s.logger.Info("Submitted deletion job",
		zap.String("job_id", id.String()),
		zap.String("entity_set_id", entitySetID.String()),
		zap.String("delete_type", string(deleteType)),
		zap.Int("entities", len(entityKeyIDs)))
	return id, nil
}

// deleteEntities removes edges, then association entities, then the entities.
// Nil entityKeyIDs covers the whole entity set.
func (s *DeletionService) deleteEntities(ctx context.Context, es *model.EntitySet, entityKeyIDs []uuid.UUID, deleteType model.DeleteType) (model.WriteEvent, error) {
	keys := normalizeKeys(entityKeyIDs)

	var associations map[uuid.UUID][]uuid.UUID
	if !es.IsAssociation() {
		edges, err := s.edges.EdgesOf(ctx, es.ID, keys)
		if err != nil {
			return model.WriteEvent{}, storeerrors.Transient("failed to load edges", err)
		}
		associations = associationEntities(edges, es.ID)
	}

	var err error
	if deleteType == model.DeleteHard {
		_, err = s.edges.DeleteEdges(ctx, es.ID, keys)
	} else {
		_, err = s.edges.ClearEdges(ctx, es.ID, keys, s.versions.Next())
	}
	if err != nil {
		return model.WriteEvent{}, storeerrors.Transient("failed to delete edges", err)
	}

	var event model.WriteEvent
	for assocID, assocKeys := range associations {
		e, err := s.removeEntities(ctx, assocID, assocKeys, deleteType)
		if err != nil {
			return event, err
		}
		event = event.Merge(e)
	}

	e, err := s.removeEntities(ctx, es.ID, keys, deleteType)
	if err != nil {
		return event, err
	}
	event = event.Merge(e)

	if keys == nil {
		s.observer.OnEntitySetDataDeleted(ctx, es.ID, deleteType)
	}
	return event, nil
}

// removeEntities deletes or clears entities, then flags the linked ones for relinking
func (s *DeletionService) removeEntities(ctx context.Context, entitySetID uuid.UUID, keys []uuid.UUID, deleteType model.DeleteType) (model.WriteEvent, error) {
	var (
		event model.WriteEvent
		err   error
	)
	if deleteType == model.DeleteHard {
		event, err = s.properties.DeleteEntities(ctx, entitySetID, keys)
	} else {
		event, err = s.properties.Clear(ctx, entitySetID, keys, nil)
	}
	if err != nil {
		return event, err
	}
	if _, err := s.tracker.MarkDeletedNeedsLinking(ctx, entitySetID, keys); err != nil {
		return event, err
	}
	return event, nil
}

// associationEntities groups the association entities of edges by entity set
func associationEntities(edges []*model.Edge, entitySetID uuid.UUID) map[uuid.UUID][]uuid.UUID {
	seen := make(map[model.EntityDataKey]bool)
	out := make(map[uuid.UUID][]uuid.UUID)
	for _, e := range edges {
		if e.Edge.EntitySetID == entitySetID || seen[e.Edge] {
			continue
		}
		seen[e.Edge] = true
		out[e.Edge.EntitySetID] = append(out[e.Edge.EntitySetID], e.Edge.EntityKeyID)
	}
	return out
}

// ExecuteJob runs a submitted deletion job and records its outcome
func (s *DeletionService) ExecuteJob(ctx context.Context, job *model.DeletionJob) error {
	job.Status = model.JobStatusRunning
	job.UpdatedAt = s.clock.Now()
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return storeerrors.Transient("failed to update deletion job", err)
	}
	s.metrics.RecordJob(string(model.JobStatusRunning))

	var event model.WriteEvent
	es, err := s.entitySet(ctx, job.EntitySetID)
	if err == nil {
		var keys []uuid.UUID
		if !job.WholeEntitySet() {
			keys = job.EntityKeyIDs
		}
		event, err = s.deleteEntities(ctx, es, keys, job.DeleteType)
	}

	job.Deleted = event.NumUpdates
	job.UpdatedAt = s.clock.Now()
	if err != nil {
		job.Status = model.JobStatusFailed
		job.Error = err.Error()
	} else {
		job.Status = model.JobStatusCompleted
	}
	s.metrics.RecordJob(string(job.Status))

	if uerr := s.jobs.UpdateJob(ctx, job); uerr != nil {
		s.logger.Warn("Failed to record deletion job outcome",
			zap.String("job_id", job.ID.String()),
			zap.Error(uerr))
	}
	if err != nil {
		return err
	}
	s.logger.Info("Deletion job completed",
		zap.String("job_id", job.ID.String()),
		zap.String("entity_set_id", job.EntitySetID.String()),
		zap.Int("deleted", job.Deleted))
	return nil
}

// StartJobRunner executes queued deletion jobs until Stop
func (s *DeletionService) StartJobRunner(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if n, err := s.jobs.RequeueStale(ctx, s.clock.Now().Add(-s.cfg.JobReclaimAfter)); err != nil {
			s.logger.Warn("Failed to requeue stale deletion jobs", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Requeued stale deletion jobs", zap.Int("jobs", n))
		}
		for ctx.Err() == nil {
			job, err := s.jobs.NextJob(ctx, s.cfg.JobPollPeriod)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("Failed to fetch deletion job", zap.Error(err))
				select {
				case <-time.After(s.cfg.JobPollPeriod):
				case <-ctx.Done():
					return
				}
				continue
			}
			if job == nil {
				continue
			}
			if err := s.ExecuteJob(ctx, job); err != nil {
				s.logger.Error("Deletion job failed",
					zap.String("job_id", job.ID.String()),
					zap.Error(err))
			}
		}
	}()
	s.logger.Info("Deletion job runner started")
}

// Stop stops the job runner and waits for the current job
func (s *DeletionService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
		s.logger.Info("Deletion job runner stopped")
	}
}

// DeleteEntitySetDefinition removes an entity set and leaves its rows to the hard delete sweeper
func (s *DeletionService) DeleteEntitySetDefinition(ctx context.Context, principals []model.Principal, entitySetID uuid.UUID) error {
	es, err := s.entitySet(ctx, entitySetID)
	if err != nil {
		return err
	}
	checks := []model.AccessCheck{{
		AclKey:      model.AclKey{es.ID},
		Permissions: []model.Permission{model.PermissionOwner},
	}}
	if err := s.authorize(ctx, principals, checks, model.PermissionOwner); err != nil {
		return err
	}

	if _, err := s.edges.DeleteEdges(ctx, es.ID, nil); err != nil {
		return storeerrors.Transient("failed to delete edges", err)
	}
	if err := s.entitySets.DeleteEntitySet(ctx, es.ID, s.clock.Now()); err != nil {
		return storeerrors.Transient("failed to delete entity set", err)
	}
	s.logger.Info("Deleted entity set definition",
		zap.String("entity_set_id", es.ID.String()),
		zap.String("data_source", es.DataSource))
	return nil
}
