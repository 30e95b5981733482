package client

import (
	"context"
	"sync"

	"github.com/devrev/entitystore/internal/model"
)

// Authorizer evaluates permissions on securable objects
type Authorizer interface {
	// AccessChecksForPrincipals answers every check; a permission is granted when any principal holds it.
	AccessChecksForPrincipals(ctx context.Context, checks []model.AccessCheck, principals []model.Principal) ([]model.Authorization, error)
}

// StaticAuthorizer answers checks from an in-process grants table
type StaticAuthorizer struct {
	mu     sync.RWMutex
	grants map[model.Principal]map[string]map[model.Permission]bool
}

// NewStaticAuthorizer creates an authorizer with no grants
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{grants: make(map[model.Principal]map[string]map[model.Permission]bool)}
}

var _ Authorizer = (*StaticAuthorizer)(nil)

// Grant gives principal permissions on aclKey
func (a *StaticAuthorizer) Grant(principal model.Principal, aclKey model.AclKey, permissions ...model.Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byKey, ok := a.grants[principal]
	if !ok {
		byKey = make(map[string]map[model.Permission]bool)
		a.grants[principal] = byKey
	}
	perms, ok := byKey[aclKey.String()]
	if !ok {
		perms = make(map[model.Permission]bool)
		byKey[aclKey.String()] = perms
	}
	for _, p := range permissions {
		perms[p] = true
	}
}

// Revoke removes principal's permissions on aclKey
func (a *StaticAuthorizer) Revoke(principal model.Principal, aclKey model.AclKey, permissions ...model.Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()

	perms := a.grants[principal][aclKey.String()]
	for _, p := range permissions {
		delete(perms, p)
	}
}

func (a *StaticAuthorizer) AccessChecksForPrincipals(ctx context.Context, checks []model.AccessCheck, principals []model.Principal) ([]model.Authorization, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.Authorization, 0, len(checks))
	for _, check := range checks {
		result := model.Authorization{
			AclKey:      check.AclKey,
			Permissions: make(map[model.Permission]bool, len(check.Permissions)),
		}
		key := check.AclKey.String()
		for _, p := range check.Permissions {
			for _, principal := range principals {
				if a.grants[principal][key][p] {
					result.Permissions[p] = true
					break
				}
			}
			if !result.Permissions[p] {
				result.Permissions[p] = false
			}
		}
		out = append(out, result)
	}
	return out, nil
}
