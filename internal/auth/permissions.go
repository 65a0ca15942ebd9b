package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a flat capability string compared for exact equality.
type Permission string

const (
	PermLeadsRead          Permission = "leads.read"
	PermLeadsWrite         Permission = "leads.write"
	PermClientsRead        Permission = "clients.read"
	PermClientsWrite       Permission = "clients.write"
	PermCredentialsRead    Permission = "credentials.read"
	PermCredentialsDecrypt Permission = "credentials.decrypt"
	PermTicketsRead        Permission = "tickets.read"
	PermTicketsWrite       Permission = "tickets.write"
	PermPaymentsRead       Permission = "payments.read"
	PermPaymentsWrite      Permission = "payments.write"
	PermUsersManage        Permission = "users.manage"
	PermRolesManage        Permission = "roles.manage"
	PermAuditRead          Permission = "audit.read"
)

// TitleCTO gates the audit log viewer in addition to PermAuditRead.
const TitleCTO = "CTO"

// AllPermissions lists every known permission in catalog order.
var AllPermissions = []Permission{
	PermLeadsRead, PermLeadsWrite,
	PermClientsRead, PermClientsWrite,
	PermCredentialsRead, PermCredentialsDecrypt,
	PermTicketsRead, PermTicketsWrite,
	PermPaymentsRead, PermPaymentsWrite,
	PermUsersManage, PermRolesManage,
	PermAuditRead,
}

// Valid reports whether p belongs to the catalog.
func (p Permission) Valid() bool {
	for _, known := range AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePermission accepts only catalog members. Surrounding whitespace is ignored,
// case is not.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.TrimSpace(s))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, s)
	}
	return p, nil
}

// ParsePermissions parses and dedupes a list, keeping first-seen order.
func ParsePermissions(values []string) ([]Permission, error) {
	out := make([]Permission, 0, len(values))
	seen := make(map[Permission]struct{}, len(values))
	for _, v := range values {
		p, err := ParsePermission(v)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// PermissionSet is the flattened permission set attached to a session.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from a role's ordered permission list.
func NewPermissionSet(perms []Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has is an exact membership check; there is no wildcard or hierarchy.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
