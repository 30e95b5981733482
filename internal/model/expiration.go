package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExpirationType selects the timestamp an expiration TTL counts from
type ExpirationType string

const (
	ExpireFirstWrite   ExpirationType = "first_write"
	ExpireLastWrite    ExpirationType = "last_write"
	ExpireDateProperty ExpirationType = "date_property"
)

// DeleteType distinguishes tombstoning from physical deletion
type DeleteType string

const (
	DeleteSoft DeleteType = "Soft"
	DeleteHard DeleteType = "Hard"
)

// ExpirationPolicy removes entities once they are older than TTL
type ExpirationPolicy struct {
	Type                ExpirationType
	TTL                 time.Duration
	StartPropertyTypeID uuid.UUID
	DeleteType          DeleteType
}

// Cutoff returns the newest timestamp that counts as expired at now
func (p *ExpirationPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.TTL)
}

// Validate checks the policy is complete
func (p *ExpirationPolicy) Validate() error {
	if p.TTL <= 0 {
		return fmt.Errorf("expiration ttl must be positive")
	}
	switch p.Type {
	case ExpireFirstWrite, ExpireLastWrite:
	case ExpireDateProperty:
		if p.StartPropertyTypeID == uuid.Nil {
			return fmt.Errorf("date property expiration requires a start property type")
		}
	default:
		return fmt.Errorf("unknown expiration type %q", p.Type)
	}
	if p.DeleteType != DeleteSoft && p.DeleteType != DeleteHard {
		return fmt.Errorf("unknown delete type %q", p.DeleteType)
	}
	return nil
}

// ExpirationFilter is the cutoff a shard selects expired entities by.
// LiveOnly skips entities already tombstoned.
type ExpirationFilter struct {
	Type                ExpirationType
	Cutoff              time.Time
	StartPropertyTypeID uuid.UUID
	LiveOnly            bool
}

// Filter returns the shard filter selecting entities expired at now
func (p *ExpirationPolicy) Filter(now time.Time) ExpirationFilter {
	return ExpirationFilter{
		Type:                p.Type,
		Cutoff:              p.Cutoff(now),
		StartPropertyTypeID: p.StartPropertyTypeID,
		LiveOnly:            p.DeleteType == DeleteSoft,
	}
}
