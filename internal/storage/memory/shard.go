// Package memory is an in-process shard with the same semantics as the Postgres shard.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/entitystore/internal/model"
	"github.com/devrev/entitystore/internal/storage"
)

type cellID struct {
	propertyTypeID uuid.UUID
	hash           string
}

type cell struct {
	value    any
	version  int64
	versions []int64
}

type entitySet struct {
	ids  map[uuid.UUID]*model.EntityMetadata
	data map[uuid.UUID]map[cellID]*cell
}

// Shard keeps both tables in maps guarded by one mutex
type Shard struct {
	name string
	mu   sync.RWMutex
	sets map[uuid.UUID]*entitySet
}

var _ storage.Shard = (*Shard)(nil)

// NewShard creates an empty in-memory shard
func NewShard(name string) *Shard {
	return &Shard{name: name, sets: make(map[uuid.UUID]*entitySet)}
}

func (s *Shard) Name() string { return s.name }

func (s *Shard) set(entitySetID uuid.UUID) *entitySet {
	es, ok := s.sets[entitySetID]
	if !ok {
		es = &entitySet{
			ids:  make(map[uuid.UUID]*model.EntityMetadata),
			data: make(map[uuid.UUID]map[cellID]*cell),
		}
		s.sets[entitySetID] = es
	}
	return es
}

// targets resolves a nil key filter to every entity with a metadata row
func (es *entitySet) targets(entityKeyIDs []uuid.UUID) []uuid.UUID {
	if entityKeyIDs != nil {
		return entityKeyIDs
	}
	keys := make([]uuid.UUID, 0, len(es.ids))
	for id := range es.ids {
		keys = append(keys, id)
	}
	return keys
}

func (es *entitySet) hasLiveCells(entityKeyID uuid.UUID) bool {
	for _, c := range es.data[entityKeyID] {
		if c.version > 0 {
			return true
		}
	}
	return false
}

func (c *cell) tombstone(version int64) {
	c.version = -version
	c.versions = append(c.versions, -version)
}

func (es *entitySet) touch(entityKeyID uuid.UUID, version int64) {
	meta := es.ids[entityKeyID]
	meta.Version = version
	meta.Versions = append(meta.Versions, version)
	meta.LastWrite = storage.VersionTime(version)
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (s *Shard) WriteEntities(ctx context.Context, entitySetID uuid.UUID, writes []storage.EntityWrite, mode model.UpdateMode, version int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	for _, w := range writes {
		cells, ok := es.data[w.EntityKeyID]
		if !ok {
			cells = make(map[cellID]*cell)
			es.data[w.EntityKeyID] = cells
		}

		written := make(map[cellID]bool, len(w.Cells))
		named := make(map[uuid.UUID]bool)
		for _, cw := range w.Cells {
			written[cellID{cw.PropertyTypeID, string(cw.Hash)}] = true
			named[cw.PropertyTypeID] = true
		}

		if mode == model.UpdateModeReplace || mode == model.UpdateModePartialReplace {
			for id, c := range cells {
				if c.version <= 0 || written[id] {
					continue
				}
				if mode == model.UpdateModeReplace || named[id.propertyTypeID] {
					c.tombstone(version)
				}
			}
		}

		for _, cw := range w.Cells {
			id := cellID{cw.PropertyTypeID, string(cw.Hash)}
			if c, exists := cells[id]; exists {
				c.value = cw.Value
				c.version = version
				c.versions = append(c.versions, version)
				continue
			}
			cells[id] = &cell{value: cw.Value, version: version, versions: []int64{version}}
		}

		entityVersion := version
		if !es.hasLiveCells(w.EntityKeyID) {
			entityVersion = -version
		}
		if _, exists := es.ids[w.EntityKeyID]; !exists {
			es.ids[w.EntityKeyID] = &model.EntityMetadata{
				EntitySetID:   entitySetID,
				EntityKeyID:   w.EntityKeyID,
				Partition:     w.Partition,
				LastIndex:     model.NeverIndexed,
				LastLink:      model.NeverIndexed,
				LastLinkIndex: model.NeverIndexed,
			}
		}
		es.touch(w.EntityKeyID, entityVersion)
	}
	return len(writes), nil
}

func (s *Shard) TombstoneProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID, version int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	updated := 0
	for _, key := range es.targets(entityKeyIDs) {
		if _, ok := es.ids[key]; !ok {
			continue
		}
		cleared := false
		for id, c := range es.data[key] {
			if c.version > 0 && contains(propertyTypeIDs, id.propertyTypeID) {
				c.tombstone(version)
				cleared = true
			}
		}
		if !cleared {
			continue
		}
		if es.hasLiveCells(key) {
			es.touch(key, version)
		} else {
			es.touch(key, -version)
		}
		updated++
	}
	return updated, nil
}

func (s *Shard) TombstoneEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	updated := 0
	for _, key := range es.targets(entityKeyIDs) {
		meta, ok := es.ids[key]
		if !ok || meta.Version <= 0 {
			continue
		}
		for _, c := range es.data[key] {
			if c.version > 0 {
				c.tombstone(version)
			}
		}
		es.touch(key, -version)
		updated++
	}
	return updated, nil
}

func (s *Shard) DeleteProperties(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID, version int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	updated := 0
	for _, key := range es.targets(entityKeyIDs) {
		if _, ok := es.ids[key]; !ok {
			continue
		}
		removed := false
		for id := range es.data[key] {
			if contains(propertyTypeIDs, id.propertyTypeID) {
				delete(es.data[key], id)
				removed = true
			}
		}
		if !removed {
			continue
		}
		if len(es.data[key]) == 0 {
			delete(es.data, key)
			es.touch(key, 0)
			es.ids[key].LastWrite = storage.VersionTime(version)
		} else if es.hasLiveCells(key) {
			es.touch(key, version)
		} else {
			es.touch(key, -version)
		}
		updated++
	}
	return updated, nil
}

func (s *Shard) DeleteEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, version int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	updated := 0
	for _, key := range es.targets(entityKeyIDs) {
		meta, ok := es.ids[key]
		if !ok {
			continue
		}
		delete(es.data, key)
		meta.Version = 0
		meta.Versions = append(meta.Versions, 0)
		meta.LastWrite = storage.VersionTime(version)
		updated++
	}
	return updated, nil
}

// visible decides whether a cell is readable at asOf, zero meaning now.
// As of a version, the last entry not newer than it decides; later entries win ties.
func (c *cell) visible(asOf int64) bool {
	if asOf <= 0 {
		return c.version > 0
	}
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if abs(v) <= asOf {
			return v > 0
		}
	}
	return false
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (s *Shard) ReadEntities(ctx context.Context, req storage.ReadRequest, fn func(*storage.EntityRecord) error) error {
	records := s.collect(req.EntitySetID, req.EntityKeyIDs, req.PropertyTypeIDs, req.AsOf, nil)
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Shard) ReadLinkedEntities(ctx context.Context, entitySetID uuid.UUID, linkingIDs, propertyTypeIDs []uuid.UUID, fn func(*storage.EntityRecord) error) error {
	filter := func(meta *model.EntityMetadata) bool {
		return meta.Version > 0 && meta.LinkingID != nil && contains(linkingIDs, *meta.LinkingID)
	}
	for _, r := range s.collect(entitySetID, nil, propertyTypeIDs, 0, filter) {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// collect snapshots matching entities under the read lock so callbacks run unlocked
func (s *Shard) collect(entitySetID uuid.UUID, entityKeyIDs, propertyTypeIDs []uuid.UUID, asOf int64, filter func(*model.EntityMetadata) bool) []*storage.EntityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.sets[entitySetID]
	if !ok {
		return nil
	}

	var records []*storage.EntityRecord
	for _, key := range sortedKeys(es.targets(entityKeyIDs)) {
		meta, ok := es.ids[key]
		if !ok || (filter != nil && !filter(meta)) {
			continue
		}
		props := make(model.Properties)
		for id, c := range es.data[key] {
			if propertyTypeIDs != nil && !contains(propertyTypeIDs, id.propertyTypeID) {
				continue
			}
			if c.visible(asOf) {
				props[id.propertyTypeID] = append(props[id.propertyTypeID], c.value)
			}
		}
		if len(props) == 0 {
			continue
		}
		records = append(records, &storage.EntityRecord{Properties: props, Metadata: copyMeta(meta)})
	}
	return records
}

func sortedKeys(keys []uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func copyMeta(meta *model.EntityMetadata) model.EntityMetadata {
	out := *meta
	out.Versions = append([]int64(nil), meta.Versions...)
	if meta.LinkingID != nil {
		id := *meta.LinkingID
		out.LinkingID = &id
	}
	return out
}

func (s *Shard) EntityMetadata(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) ([]*model.EntityMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.sets[entitySetID]
	if !ok {
		return nil, nil
	}
	var rows []*model.EntityMetadata
	for _, key := range sortedKeys(es.targets(entityKeyIDs)) {
		if meta, ok := es.ids[key]; ok {
			m := copyMeta(meta)
			rows = append(rows, &m)
		}
	}
	return rows, nil
}

func (s *Shard) CellCount(ctx context.Context, entitySetID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.sets[entitySetID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, cells := range es.data {
		n += len(cells)
	}
	return n, nil
}

// update applies fn to the metadata rows of entityKeyIDs that exist
func (s *Shard) update(entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, fn func(*model.EntityMetadata) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	n := 0
	for _, key := range es.targets(entityKeyIDs) {
		if meta, ok := es.ids[key]; ok && fn(meta) {
			n++
		}
	}
	return n
}

func (s *Shard) MarkIndexed(ctx context.Context, entitySetID uuid.UUID, observed map[uuid.UUID]time.Time) (int, error) {
	return s.update(entitySetID, mapKeys(observed), func(m *model.EntityMetadata) bool {
		m.LastIndex = observed[m.EntityKeyID]
		return true
	}), nil
}

func (s *Shard) MarkLinkIndexed(ctx context.Context, entitySetID uuid.UUID, observed map[uuid.UUID]time.Time) (int, error) {
	return s.update(entitySetID, mapKeys(observed), func(m *model.EntityMetadata) bool {
		m.LastLinkIndex = observed[m.EntityKeyID]
		return true
	}), nil
}

func (s *Shard) MarkUnindexed(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	return s.update(entitySetID, entityKeyIDs, func(m *model.EntityMetadata) bool {
		m.LastIndex = model.NeverIndexed
		return true
	}), nil
}

func (s *Shard) MarkNeedsLinking(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	return s.update(entitySetID, entityKeyIDs, func(m *model.EntityMetadata) bool {
		m.LastLink = model.NeverIndexed
		return true
	}), nil
}

func (s *Shard) MarkLinked(ctx context.Context, entitySetID uuid.UUID, linkingIDs map[uuid.UUID]uuid.UUID, at time.Time) (int, error) {
	keys := make([]uuid.UUID, 0, len(linkingIDs))
	for k := range linkingIDs {
		keys = append(keys, k)
	}
	return s.update(entitySetID, keys, func(m *model.EntityMetadata) bool {
		id := linkingIDs[m.EntityKeyID]
		m.LinkingID = &id
		m.LastLink = at.UTC()
		return true
	}), nil
}

func mapKeys(m map[uuid.UUID]time.Time) []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// scan returns watermarks of rows matching pred, oldest write first
func (s *Shard) scan(entitySetID uuid.UUID, limit int, pred func(*model.EntityMetadata) bool) []model.EntityWatermark {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.sets[entitySetID]
	if !ok {
		return nil
	}
	var out []model.EntityWatermark
	for _, meta := range es.ids {
		if !pred(meta) {
			continue
		}
		m := copyMeta(meta)
		out = append(out, model.EntityWatermark{
			EntityKeyID: m.EntityKeyID,
			LastWrite:   m.LastWrite,
			Version:     m.Version,
			LinkingID:   m.LinkingID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastWrite.Equal(out[j].LastWrite) {
			return out[i].LastWrite.Before(out[j].LastWrite)
		}
		return out[i].EntityKeyID.String() < out[j].EntityKeyID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Shard) DirtyEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error) {
	return s.scan(entitySetID, limit, func(m *model.EntityMetadata) bool {
		return m.Version > 0 && m.IndexDirty()
	}), nil
}

func (s *Shard) UnindexedDeletes(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error) {
	return s.scan(entitySetID, limit, func(m *model.EntityMetadata) bool {
		return m.Version <= 0 && m.IndexDirty()
	}), nil
}

func (s *Shard) LinkDirtyEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error) {
	return s.scan(entitySetID, limit, func(m *model.EntityMetadata) bool {
		return m.LinkDirty()
	}), nil
}

func (s *Shard) ScanEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]model.EntityWatermark, error) {
	return s.scan(entitySetID, limit, func(*model.EntityMetadata) bool { return true }), nil
}

func (s *Shard) PurgeableEntities(ctx context.Context, entitySetID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows := s.scan(entitySetID, limit, func(m *model.EntityMetadata) bool { return m.IsPurgeable() })
	keys := make([]uuid.UUID, len(rows))
	for i, r := range rows {
		keys[i] = r.EntityKeyID
	}
	return keys, nil
}

func (s *Shard) PurgeEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	n := 0
	for _, key := range entityKeyIDs {
		meta, ok := es.ids[key]
		if !ok || !meta.IsPurgeable() {
			continue
		}
		delete(es.data, key)
		delete(es.ids, key)
		n++
	}
	return n, nil
}

func (s *Shard) RetireEntities(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID, at time.Time) (int, error) {
	return s.update(entitySetID, entityKeyIDs, func(m *model.EntityMetadata) bool {
		m.Version = 0
		m.LastWrite = at.UTC()
		m.LastIndex = at.UTC()
		return true
	}), nil
}

func (s *Shard) ExpiringEntities(ctx context.Context, entitySetID uuid.UUID, filter model.ExpirationFilter, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.sets[entitySetID]
	if !ok {
		return nil, nil
	}
	var keys []uuid.UUID
	for key, cells := range es.data {
		if len(cells) == 0 {
			continue
		}
		if expired(es.ids[key], cells, filter) {
			keys = append(keys, key)
		}
	}
	keys = sortedKeys(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func expired(meta *model.EntityMetadata, cells map[cellID]*cell, filter model.ExpirationFilter) bool {
	if filter.LiveOnly && (meta == nil || meta.Version <= 0) {
		return false
	}
	switch filter.Type {
	case model.ExpireFirstWrite:
		return meta != nil && !meta.FirstWrite().After(filter.Cutoff)
	case model.ExpireLastWrite:
		return meta != nil && !meta.LastWrite.After(filter.Cutoff)
	case model.ExpireDateProperty:
		for id, c := range cells {
			if id.propertyTypeID != filter.StartPropertyTypeID || c.version <= 0 {
				continue
			}
			if t, ok := model.ParseTime(c.value); ok && !t.After(filter.Cutoff) {
				return true
			}
		}
	}
	return false
}

func (s *Shard) DeleteEntityCells(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	n := 0
	for _, key := range entityKeyIDs {
		if len(es.data[key]) > 0 {
			n++
		}
		delete(es.data, key)
	}
	return n, nil
}

func (s *Shard) DeleteMetadataRows(ctx context.Context, entitySetID uuid.UUID, entityKeyIDs []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.set(entitySetID)
	n := 0
	for _, key := range entityKeyIDs {
		if _, ok := es.ids[key]; ok {
			delete(es.ids, key)
			n++
		}
	}
	return n, nil
}

// DropMetadataRow removes a metadata row but keeps its values, reproducing a
// half-applied delete from another writer.
func (s *Shard) DropMetadataRow(entitySetID, entityKeyID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.set(entitySetID).ids, entityKeyID)
}

func (s *Shard) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Shard) Close() {}
