package model

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// EntitySetFlag marks special entity set behaviour
type EntitySetFlag string

const (
	// FlagAssociation marks an entity set whose entities are edges between other entities
	FlagAssociation EntitySetFlag = "ASSOCIATION"
	// FlagLinking marks an entity set presenting a merged view over other entity sets
	FlagLinking EntitySetFlag = "LINKING"
	// FlagAudit marks an audit log entity set
	FlagAudit EntitySetFlag = "AUDIT"
	// FlagExternal marks an entity set mirrored from an external source
	FlagExternal EntitySetFlag = "EXTERNAL"
)

// EntitySet is a logical collection of entities sharing a type and partitioning
type EntitySet struct {
	ID                 uuid.UUID
	Name               string
	EntityTypeID       uuid.UUID
	Partitions         []int
	Flags              []EntitySetFlag
	LinkedEntitySetIDs []uuid.UUID
	DataSource         string
	Expiration         *ExpirationPolicy
	CreatedAt          time.Time
}

// HasFlag reports whether the entity set carries flag
func (es *EntitySet) HasFlag(flag EntitySetFlag) bool {
	for _, f := range es.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsLinking reports whether the entity set is a merged view without own data
func (es *EntitySet) IsLinking() bool {
	return es.HasFlag(FlagLinking)
}

// IsAssociation reports whether the entity set holds association entities
func (es *EntitySet) IsAssociation() bool {
	return es.HasFlag(FlagAssociation)
}

// Links reports whether the linking entity set presents entitySetID
func (es *EntitySet) Links(entitySetID uuid.UUID) bool {
	for _, id := range es.LinkedEntitySetIDs {
		if id == entitySetID {
			return true
		}
	}
	return false
}

// PartitionFor picks the partition an entity is stored under.
// The choice depends only on the entity key so it is stable across writes.
func (es *EntitySet) PartitionFor(entityKeyID uuid.UUID) int {
	if len(es.Partitions) == 0 {
		return 0
	}
	sum := xxhash.Sum64(entityKeyID[:])
	return es.Partitions[int(sum%uint64(len(es.Partitions)))]
}

// DeletedEntitySet tracks an entity set whose definition is gone but whose rows may remain
type DeletedEntitySet struct {
	ID           uuid.UUID
	EntityTypeID uuid.UUID
	DataSource   string
	DeletedAt    time.Time
}

// EntityType groups the property types entities of a set carry
type EntityType struct {
	ID              uuid.UUID
	Name            string
	PropertyTypeIDs []uuid.UUID
}
