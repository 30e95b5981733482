package model

import (
	"strings"

	"github.com/google/uuid"
)

// Permission is a right a principal holds on a securable object
type Permission string

const (
	PermissionRead  Permission = "READ"
	PermissionWrite Permission = "WRITE"
	PermissionOwner Permission = "OWNER"
)

// AclKey is the path of a securable object, e.g. entity set then property type
type AclKey []uuid.UUID

func (k AclKey) String() string {
	parts := make([]string, len(k))
	for i, id := range k {
		parts[i] = id.String()
	}
	return strings.Join(parts, "/")
}

// Principal is a user or role permissions are granted to
type Principal struct {
	Type string
	ID   string
}

// AccessCheck asks whether principals hold every permission on AclKey
type AccessCheck struct {
	AclKey      AclKey
	Permissions []Permission
}

// Authorization is the answer to one AccessCheck
type Authorization struct {
	AclKey      AclKey
	Permissions map[Permission]bool
}
