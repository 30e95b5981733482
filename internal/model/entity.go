package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NeverIndexed is the watermark of an entity no scheduler has processed yet
var NeverIndexed = time.Unix(0, 0).UTC()

// EntityDataKey identifies one entity
type EntityDataKey struct {
	EntitySetID uuid.UUID
	EntityKeyID uuid.UUID
}

func (k EntityDataKey) String() string {
	return fmt.Sprintf("%s/%s", k.EntitySetID, k.EntityKeyID)
}

// EntityMetadata is the per-entity bookkeeping row
type EntityMetadata struct {
	EntitySetID   uuid.UUID
	EntityKeyID   uuid.UUID
	Partition     int
	Version       int64
	Versions      []int64
	LastWrite     time.Time
	LastIndex     time.Time
	LastLink      time.Time
	LastLinkIndex time.Time
	LinkingID     *uuid.UUID
}

// IsLive reports whether the entity has not been deleted
func (m *EntityMetadata) IsLive() bool { return m.Version > 0 }

// IsTombstoned reports whether the entity was soft deleted
func (m *EntityMetadata) IsTombstoned() bool { return m.Version < 0 }

// IndexDirty reports whether the search index lags the entity
func (m *EntityMetadata) IndexDirty() bool {
	return m.LastIndex.Before(m.LastWrite)
}

// LinkDirty reports whether the entity was relinked since its merged documents were pushed
func (m *EntityMetadata) LinkDirty() bool {
	return m.LinkingID != nil && !m.LastLink.Before(m.LastWrite) && m.LastLinkIndex.Before(m.LastWrite)
}

// IsPurgeable reports whether the row may be physically removed
func (m *EntityMetadata) IsPurgeable() bool {
	if m.Version != 0 {
		return false
	}
	if !m.LastIndex.Before(m.LastWrite) {
		return true
	}
	return m.LinkingID != nil && !m.LastLinkIndex.Before(m.LastWrite)
}

// FirstWrite returns the time of the write that created the entity
func (m *EntityMetadata) FirstWrite() time.Time {
	if len(m.Versions) == 0 {
		return m.LastWrite
	}
	return VersionTime(m.Versions[0])
}

// VersionTime returns the write time a version encodes
func VersionTime(version int64) time.Time {
	if version < 0 {
		version = -version
	}
	return time.UnixMilli(version).UTC()
}

// EntityWatermark pairs an entity with the lastWrite observed when it was selected
type EntityWatermark struct {
	EntityKeyID uuid.UUID
	LastWrite   time.Time
	Version     int64
	LinkingID   *uuid.UUID
}

// Properties maps property type ids to their set of values
type Properties map[uuid.UUID][]any

// Entity is one row of a read result
type Entity struct {
	EntitySetID uuid.UUID
	EntityKeyID uuid.UUID
	Properties  Properties
	Metadata    map[MetadataOption]any
}

// WriteEvent is the result of every mutating store operation
type WriteEvent struct {
	Version    int64
	NumUpdates int
}

// Merge folds another event into this one, keeping the newest version
func (w WriteEvent) Merge(other WriteEvent) WriteEvent {
	version := w.Version
	if abs(other.Version) > abs(version) {
		version = other.Version
	}
	return WriteEvent{Version: version, NumUpdates: w.NumUpdates + other.NumUpdates}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// UpdateMode controls how an upsert treats values already stored
type UpdateMode string

const (
	// UpdateModeMerge adds values next to the ones already present
	UpdateModeMerge UpdateMode = "merge"
	// UpdateModeReplace makes the payload the entity's complete state
	UpdateModeReplace UpdateMode = "replace"
	// UpdateModePartialReplace overwrites only the properties named in the payload
	UpdateModePartialReplace UpdateMode = "partial_replace"
)

// MetadataOption selects an optional projected column on reads
type MetadataOption string

const (
	MetadataLastWrite   MetadataOption = "last_write"
	MetadataLastIndex   MetadataOption = "last_index"
	MetadataVersion     MetadataOption = "version"
	MetadataEntitySetID MetadataOption = "entity_set_id"
	MetadataEntityKeyID MetadataOption = "entity_key_id"
	MetadataLinkingID   MetadataOption = "linking_id"
)

// AttributedValue is a merged value together with the entity it came from
type AttributedValue struct {
	Value  any
	Origin EntityDataKey
}

// LinkedEntity is the merged view of every live entity sharing a linking id
type LinkedEntity struct {
	LinkingID  uuid.UUID
	Properties Properties
	Origins    map[uuid.UUID][]AttributedValue
	Members    []EntityDataKey
}
