package access

import (
	"time"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// InvitationOptions carries optional invitation settings.
type InvitationOptions struct {
	// ExpiresIn bounds the invitation's lifetime. Zero means the
	// default of seven days.
	ExpiresIn time.Duration

	// Message is an optional note shown to the invitee.
	Message string
}

// CreateInvitation invites an email address to a role on the document.
// Requires SHARE.
func (c *Controller) CreateInvitation(documentID, inviterID, inviteeEmail string, role Role, opts InvitationOptions) (*Invitation, error) {
	if err := c.checker.Require(inviterID, documentID, PermissionShare); err != nil {
		return nil, err
	}
	if inviteeEmail == "" || emailDomain(inviteeEmail) == "" {
		return nil, errors.NewInvalidArgumentError("invitee_email must be a valid address")
	}
	ttl := opts.ExpiresIn
	if ttl <= 0 {
		ttl = defaultInvitationTTL
	}
	now := c.now()
	inv := &Invitation{
		ID:           newInvitationID(),
		DocumentID:   documentID,
		InviterID:    inviterID,
		InviteeEmail: inviteeEmail,
		Role:         role,
		Status:       InvitationPending,
		Message:      opts.Message,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	c.mu.Lock()
	if _, ok := c.policies[documentID]; !ok {
		c.mu.Unlock()
		return nil, errors.NewNotFoundError("policy", documentID)
	}
	c.invitations[inv.ID] = inv
	c.mu.Unlock()

	if c.hooks.OnInvitationSent != nil {
		go c.hooks.OnInvitationSent(inv.clone())
	}
	logger.Info("invitation created",
		logger.KeyInvitation, inv.ID,
		logger.KeyDocument, documentID,
		logger.KeyUser, inviterID)
	return inv.clone(), nil
}

// AcceptInvitation redeems a pending, unexpired invitation: the role's
// permissions are granted to the accepting user and the invitee id is
// recorded. Any other state fails and leaves no grant.
func (c *Controller) AcceptInvitation(invitationID, userID string) (*Grant, error) {
	c.mu.Lock()
	inv, ok := c.invitations[invitationID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.NewNotFoundError("invitation", invitationID)
	}
	now := c.now()
	if inv.Status == InvitationPending && now.After(inv.ExpiresAt) {
		inv.Status = InvitationExpired
	}
	if inv.Status != InvitationPending {
		status := inv.Status
		c.mu.Unlock()
		return nil, errors.Newf(errors.ErrConflict, "invitation %s is %s", invitationID, status)
	}
	inv.Status = InvitationAccepted
	inv.InviteeID = userID
	inv.AcceptedAt = now
	documentID := inv.DocumentID
	perms := inv.Role.Permissions()
	inviterID := inv.InviterID
	c.mu.Unlock()

	grant := c.checker.Grant(userID, documentID, perms, inviterID)
	c.emitGranted(grant)
	logger.Info("invitation accepted",
		logger.KeyInvitation, invitationID,
		logger.KeyDocument, documentID,
		logger.KeyUser, userID)
	return grant, nil
}

// DeclineInvitation marks a pending invitation declined.
func (c *Controller) DeclineInvitation(invitationID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.invitations[invitationID]
	if !ok {
		return errors.NewNotFoundError("invitation", invitationID)
	}
	if inv.Status != InvitationPending {
		return errors.Newf(errors.ErrConflict, "invitation %s is %s", invitationID, inv.Status)
	}
	inv.Status = InvitationDeclined
	inv.InviteeID = userID
	return nil
}

// RevokeInvitation withdraws a pending invitation. Requires SHARE.
func (c *Controller) RevokeInvitation(invitationID, userID string) error {
	c.mu.RLock()
	inv, ok := c.invitations[invitationID]
	var documentID string
	if ok {
		documentID = inv.DocumentID
	}
	c.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("invitation", invitationID)
	}
	if err := c.checker.Require(userID, documentID, PermissionShare); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok = c.invitations[invitationID]
	if !ok {
		return errors.NewNotFoundError("invitation", invitationID)
	}
	if inv.Status != InvitationPending {
		return errors.Newf(errors.ErrConflict, "invitation %s is %s", invitationID, inv.Status)
	}
	inv.Status = InvitationRevoked
	return nil
}

// GetInvitation returns the invitation with the given id.
func (c *Controller) GetInvitation(invitationID string) (*Invitation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inv, ok := c.invitations[invitationID]
	if !ok {
		return nil, errors.NewNotFoundError("invitation", invitationID)
	}
	return inv.clone(), nil
}

// GetDocumentInvitations returns every invitation on a document.
func (c *Controller) GetDocumentInvitations(documentID string) []*Invitation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Invitation
	for _, inv := range c.invitations {
		if inv.DocumentID == documentID {
			out = append(out, inv.clone())
		}
	}
	return out
}
