package access

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/pkg/errors"
)

const defaultInvitationTTL = 7 * 24 * time.Hour

// Policy is a document's access policy. The owner is unique per
// document; InheritFrom is carried as data and not resolved.
type Policy struct {
	DocumentID     string     `json:"document_id"`
	OwnerID        string     `json:"owner_id"`
	PublicAccess   Permission `json:"public_access"`
	DefaultRole    Role       `json:"default_role"`
	BlockedUsers   []string   `json:"blocked_users,omitempty"`
	AllowedDomains []string   `json:"allowed_domains,omitempty"`
	InheritFrom    string     `json:"inherit_from,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (p *Policy) clone() *Policy {
	out := *p
	out.BlockedUsers = append([]string(nil), p.BlockedUsers...)
	out.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	return &out
}

func (p *Policy) isBlocked(userID string) bool {
	for _, blocked := range p.BlockedUsers {
		if blocked == userID {
			return true
		}
	}
	return false
}

// ShareLink is a token-addressed grant of link-level access.
type ShareLink struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	LinkType       LinkType  `json:"link_type"`
	Token          string    `json:"token"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
	MaxUses        int       `json:"max_uses,omitempty"`
	UseCount       int       `json:"use_count"`
	PasswordHash   []byte    `json:"-"`
	AllowedDomains []string  `json:"allowed_domains,omitempty"`
	Disabled       bool      `json:"disabled"`
}

func (l *ShareLink) clone() *ShareLink {
	out := *l
	out.PasswordHash = append([]byte(nil), l.PasswordHash...)
	out.AllowedDomains = append([]string(nil), l.AllowedDomains...)
	return &out
}

// isValid applies the validity rule: not disabled, not expired, and
// under the use cap.
func (l *ShareLink) isValid(now time.Time) bool {
	if l.Disabled {
		return false
	}
	if !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt) {
		return false
	}
	if l.MaxUses > 0 && l.UseCount >= l.MaxUses {
		return false
	}
	return true
}

// InvitationStatus is the lifecycle state of an invitation.
type InvitationStatus int

const (
	InvitationPending InvitationStatus = iota
	InvitationAccepted
	InvitationDeclined
	InvitationExpired
	InvitationRevoked
)

// String returns a human-readable name for the status.
func (s InvitationStatus) String() string {
	switch s {
	case InvitationPending:
		return "pending"
	case InvitationAccepted:
		return "accepted"
	case InvitationDeclined:
		return "declined"
	case InvitationExpired:
		return "expired"
	case InvitationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Invitation is an emailed offer of a role on a document.
type Invitation struct {
	ID           string           `json:"id"`
	DocumentID   string           `json:"document_id"`
	InviterID    string           `json:"inviter_id"`
	InviteeEmail string           `json:"invitee_email"`
	InviteeID    string           `json:"invitee_id,omitempty"`
	Role         Role             `json:"role"`
	Status       InvitationStatus `json:"status"`
	Message      string           `json:"message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	AcceptedAt   time.Time        `json:"accepted_at,omitzero"`
}

func (i *Invitation) clone() *Invitation {
	out := *i
	return &out
}

// PolicyUpdate carries the mutable policy fields; nil means unchanged.
type PolicyUpdate struct {
	PublicAccess   *Permission
	DefaultRole    *Role
	AllowedDomains []string
	InheritFrom    *string
}

// Hooks are notification callbacks fired after access events.
type Hooks struct {
	OnAccessGranted  func(*Grant)
	OnInvitationSent func(*Invitation)
}

// Stats is a point-in-time census of access state.
type Stats struct {
	Documents   int `json:"documents"`
	ShareLinks  int `json:"share_links"`
	Invitations int `json:"invitations"`
}

// Controller manages policies, share links, invitations, and block
// lists, delegating bitmask checks to a Checker.
type Controller struct {
	checker *Checker
	hooks   Hooks
	now     func() time.Time

	mu          sync.RWMutex
	policies    map[string]*Policy     // document id
	links       map[string]*ShareLink  // token
	linkTokens  map[string]string      // link id -> token
	invitations map[string]*Invitation // invitation id
}

// NewController creates an access controller around the given checker.
func NewController(checker *Checker) *Controller {
	if checker == nil {
		checker = NewChecker()
	}
	return &Controller{
		checker:     checker,
		now:         time.Now,
		policies:    make(map[string]*Policy),
		links:       make(map[string]*ShareLink),
		linkTokens:  make(map[string]string),
		invitations: make(map[string]*Invitation),
	}
}

// Checker exposes the underlying permission checker.
func (c *Controller) Checker() *Checker { return c.checker }

// SetHooks installs notification callbacks. Call before concurrent use.
func (c *Controller) SetHooks(h Hooks) { c.hooks = h }

// CreateDocument creates the document's policy and grants the owner
// full permissions.
func (c *Controller) CreateDocument(documentID, ownerID string, publicAccess Permission) (*Policy, error) {
	if documentID == "" || ownerID == "" {
		return nil, errors.NewInvalidArgumentError("document_id and owner_id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.policies[documentID]; exists {
		return nil, errors.Newf(errors.ErrAlreadyExists, "policy for document %s already exists", documentID)
	}
	now := c.now()
	p := &Policy{
		DocumentID:   documentID,
		OwnerID:      ownerID,
		PublicAccess: publicAccess,
		DefaultRole:  RoleViewer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	c.policies[documentID] = p
	c.checker.SetOwner(documentID, ownerID)
	grant := c.checker.Grant(ownerID, documentID, PermissionFull, ownerID)
	c.emitGranted(grant)
	return p.clone(), nil
}

// UpdatePolicy applies updates to the document's policy. Requires ADMIN.
func (c *Controller) UpdatePolicy(documentID, updaterID string, updates PolicyUpdate) (*Policy, error) {
	if err := c.checker.Require(updaterID, documentID, PermissionAdmin); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[documentID]
	if !ok {
		return nil, errors.NewNotFoundError("policy", documentID)
	}
	if updates.PublicAccess != nil {
		p.PublicAccess = *updates.PublicAccess
	}
	if updates.DefaultRole != nil {
		p.DefaultRole = *updates.DefaultRole
	}
	if updates.AllowedDomains != nil {
		p.AllowedDomains = append([]string(nil), updates.AllowedDomains...)
	}
	if updates.InheritFrom != nil {
		p.InheritFrom = *updates.InheritFrom
	}
	p.UpdatedAt = c.now()
	return p.clone(), nil
}

// GetPolicy returns the document's policy.
func (c *Controller) GetPolicy(documentID string) (*Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[documentID]
	if !ok {
		return nil, errors.NewNotFoundError("policy", documentID)
	}
	return p.clone(), nil
}

// DeleteDocument removes the policy and cascades deletion of the
// document's share links, invitations, and grants. Requires OWNER.
func (c *Controller) DeleteDocument(documentID, userID string) error {
	if err := c.checker.Require(userID, documentID, PermissionOwner); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.policies[documentID]; !ok {
		return errors.NewNotFoundError("policy", documentID)
	}
	delete(c.policies, documentID)
	for token, link := range c.links {
		if link.DocumentID == documentID {
			delete(c.links, token)
			delete(c.linkTokens, link.ID)
		}
	}
	for id, inv := range c.invitations {
		if inv.DocumentID == documentID {
			delete(c.invitations, id)
		}
	}
	c.checker.RemoveDocument(documentID)
	logger.Info("document access state deleted", logger.KeyDocument, documentID)
	return nil
}

// CanAccess is the full access decision: blocked users are always
// denied, public access short-circuits, and grants decide the rest.
func (c *Controller) CanAccess(userID, documentID string, required Permission) bool {
	c.mu.RLock()
	p, ok := c.policies[documentID]
	if ok && p.isBlocked(userID) {
		c.mu.RUnlock()
		return false
	}
	if ok && p.PublicAccess.Has(required) {
		c.mu.RUnlock()
		return true
	}
	c.mu.RUnlock()
	return c.checker.Check(userID, documentID, required).Allowed
}

// BlockUser adds a user to the document's block list and revokes their
// grants. Requires ADMIN.
func (c *Controller) BlockUser(documentID, blockerID, userID string) error {
	if err := c.checker.Require(blockerID, documentID, PermissionAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	p, ok := c.policies[documentID]
	if !ok {
		c.mu.Unlock()
		return errors.NewNotFoundError("policy", documentID)
	}
	if p.OwnerID == userID {
		c.mu.Unlock()
		return errors.NewPermissionDeniedError("the owner cannot be blocked")
	}
	if !p.isBlocked(userID) {
		p.BlockedUsers = append(p.BlockedUsers, userID)
		p.UpdatedAt = c.now()
	}
	c.mu.Unlock()

	c.checker.Revoke(userID, documentID)
	logger.Info("user blocked",
		logger.KeyDocument, documentID, logger.KeyUser, userID)
	return nil
}

// UnblockUser removes a user from the block list. Requires ADMIN.
func (c *Controller) UnblockUser(documentID, unblockerID, userID string) error {
	if err := c.checker.Require(unblockerID, documentID, PermissionAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[documentID]
	if !ok {
		return errors.NewNotFoundError("policy", documentID)
	}
	for i, blocked := range p.BlockedUsers {
		if blocked == userID {
			p.BlockedUsers = append(p.BlockedUsers[:i], p.BlockedUsers[i+1:]...)
			p.UpdatedAt = c.now()
			break
		}
	}
	return nil
}

// GetStats returns a census of access state.
func (c *Controller) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Documents:   len(c.policies),
		ShareLinks:  len(c.links),
		Invitations: len(c.invitations),
	}
}

func (c *Controller) emitGranted(g *Grant) {
	if c.hooks.OnAccessGranted != nil {
		go c.hooks.OnAccessGranted(g.clone())
	}
}

// newToken mints a high-entropy opaque share-link token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "generating share token", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// emailDomain extracts the lowercase domain of an email address.
func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

func newLinkID() string       { return "link_" + uuid.NewString() }
func newInvitationID() string { return "inv_" + uuid.NewString() }
