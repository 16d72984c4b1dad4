// Package access provides document access control: permission grants,
// access policies, share links, invitations, and block lists.
//
// Permissions are a bitmask with stable wire values. The Checker
// answers pure bitmask questions; the Controller layers policies,
// links, and invitations on top of it.
package access

import "strings"

// Permission is a bitmask of document capabilities. Wire values are
// stable and must not be renumbered.
type Permission uint32

const (
	PermissionNone    Permission = 0
	PermissionRead    Permission = 1
	PermissionWrite   Permission = 2
	PermissionComment Permission = 4
	PermissionShare   Permission = 8
	PermissionAdmin   Permission = 16
	PermissionOwner   Permission = 32

	// PermissionFull is every capability combined.
	PermissionFull = PermissionRead | PermissionWrite | PermissionComment |
		PermissionShare | PermissionAdmin | PermissionOwner
)

// Has reports whether every bit of required is present.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// Add returns the mask with the given bits set.
func (p Permission) Add(bits Permission) Permission {
	return p | bits
}

// Remove returns the mask with the given bits cleared.
func (p Permission) Remove(bits Permission) Permission {
	return p &^ bits
}

// String returns a "read|write" style rendering of the mask.
func (p Permission) String() string {
	if p == PermissionNone {
		return "none"
	}
	names := []struct {
		bit  Permission
		name string
	}{
		{PermissionRead, "read"},
		{PermissionWrite, "write"},
		{PermissionComment, "comment"},
		{PermissionShare, "share"},
		{PermissionAdmin, "admin"},
		{PermissionOwner, "owner"},
	}
	var parts []string
	for _, n := range names {
		if p.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Role is a named permission bundle used by invitations and policies.
type Role int

const (
	RoleViewer Role = iota
	RoleCommenter
	RoleEditor
	RoleAdmin
	RoleOwner
)

// Permissions returns the fixed permission mask of the role.
func (r Role) Permissions() Permission {
	switch r {
	case RoleViewer:
		return PermissionRead
	case RoleCommenter:
		return PermissionRead | PermissionComment
	case RoleEditor:
		return PermissionRead | PermissionComment | PermissionWrite
	case RoleAdmin:
		return PermissionRead | PermissionComment | PermissionWrite |
			PermissionShare | PermissionAdmin
	case RoleOwner:
		return PermissionFull
	default:
		return PermissionNone
	}
}

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleCommenter:
		return "commenter"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// LinkType is the capability level of a share link.
type LinkType int

const (
	LinkView LinkType = iota
	LinkComment
	LinkEdit
	LinkFull
)

// Permissions returns the mask a link of this type grants.
func (l LinkType) Permissions() Permission {
	switch l {
	case LinkView:
		return PermissionRead
	case LinkComment:
		return PermissionRead | PermissionComment
	case LinkEdit:
		return PermissionRead | PermissionComment | PermissionWrite
	case LinkFull:
		return PermissionFull
	default:
		return PermissionNone
	}
}

// String returns a human-readable name for the link type.
func (l LinkType) String() string {
	switch l {
	case LinkView:
		return "view"
	case LinkComment:
		return "comment"
	case LinkEdit:
		return "edit"
	case LinkFull:
		return "full"
	default:
		return "unknown"
	}
}
