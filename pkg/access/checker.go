package access

import (
	"fmt"
	"sync"
	"time"

	"github.com/tandem-dev/tandem/pkg/errors"
)

// Grant records permissions given to a user on a document.
type Grant struct {
	UserID      string     `json:"user_id"`
	DocumentID  string     `json:"document_id"`
	Permissions Permission `json:"permissions"`
	GrantedBy   string     `json:"granted_by"`
	GrantedAt   time.Time  `json:"granted_at"`
}

func (g *Grant) clone() *Grant {
	out := *g
	return &out
}

// CheckResult is the outcome of a permission check.
type CheckResult struct {
	Allowed bool
	Reason  string
}

// Checker answers bitmask permission questions from its grant table.
// Document owners implicitly hold every permission.
type Checker struct {
	mu     sync.RWMutex
	grants map[string]map[string]*Grant // document id -> user id
	owners map[string]string            // document id -> owner user id
	now    func() time.Time
}

// NewChecker creates an empty permission checker.
func NewChecker() *Checker {
	return &Checker{
		grants: make(map[string]map[string]*Grant),
		owners: make(map[string]string),
		now:    time.Now,
	}
}

// SetOwner records the document's owner. Owners pass every check.
func (c *Checker) SetOwner(documentID, ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[documentID] = ownerID
}

// Grant gives the user the permission mask on the document, replacing
// any previous grant.
func (c *Checker) Grant(userID, documentID string, perms Permission, grantedBy string) *Grant {
	g := &Grant{
		UserID:      userID,
		DocumentID:  documentID,
		Permissions: perms,
		GrantedBy:   grantedBy,
		GrantedAt:   c.now(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byUser, ok := c.grants[documentID]
	if !ok {
		byUser = make(map[string]*Grant)
		c.grants[documentID] = byUser
	}
	byUser[userID] = g
	return g.clone()
}

// Revoke removes the user's grant on the document. Returns false when
// no grant existed.
func (c *Checker) Revoke(userID, documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	byUser, ok := c.grants[documentID]
	if !ok {
		return false
	}
	if _, ok := byUser[userID]; !ok {
		return false
	}
	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(c.grants, documentID)
	}
	return true
}

// Check reports whether the user's mask satisfies required. The owner
// is always allowed.
func (c *Checker) Check(userID, documentID string, required Permission) CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.owners[documentID] == userID {
		return CheckResult{Allowed: true}
	}
	granted := PermissionNone
	if byUser, ok := c.grants[documentID]; ok {
		if g, ok := byUser[userID]; ok {
			granted = g.Permissions
		}
	}
	if granted.Has(required) {
		return CheckResult{Allowed: true}
	}
	return CheckResult{
		Allowed: false,
		Reason:  fmt.Sprintf("requires %s, has %s", required, granted),
	}
}

// Require fails with a PermissionDenied error when the check fails.
func (c *Checker) Require(userID, documentID string, required Permission) error {
	if res := c.Check(userID, documentID, required); !res.Allowed {
		return errors.NewPermissionDeniedError(res.Reason)
	}
	return nil
}

// GetPermissions returns the user's effective mask on the document.
func (c *Checker) GetPermissions(userID, documentID string) Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.owners[documentID] == userID {
		return PermissionFull
	}
	if byUser, ok := c.grants[documentID]; ok {
		if g, ok := byUser[userID]; ok {
			return g.Permissions
		}
	}
	return PermissionNone
}

// GetDocumentGrants returns every grant on the document.
func (c *Checker) GetDocumentGrants(documentID string) []*Grant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byUser := c.grants[documentID]
	out := make([]*Grant, 0, len(byUser))
	for _, g := range byUser {
		out = append(out, g.clone())
	}
	return out
}

// RemoveDocument drops the owner record and every grant on the
// document. Part of the document deletion cascade.
func (c *Checker) RemoveDocument(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.grants, documentID)
	delete(c.owners, documentID)
}
