package access

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// ShareLinkOptions carries the optional share-link settings.
type ShareLinkOptions struct {
	// ExpiresIn bounds the link's lifetime. Zero means no expiry.
	ExpiresIn time.Duration

	// MaxUses caps successful uses. Zero means unlimited.
	MaxUses int

	// Password gates the link behind a bcrypt-compared secret.
	Password string

	// AllowedDomains restricts use to emails in these domains.
	AllowedDomains []string
}

// CreateShareLink mints a token-addressed link granting link-level
// access to the document. Requires SHARE.
func (c *Controller) CreateShareLink(documentID, creatorID string, linkType LinkType, opts ShareLinkOptions) (*ShareLink, error) {
	if err := c.checker.Require(creatorID, documentID, PermissionShare); err != nil {
		return nil, err
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	link := &ShareLink{
		ID:         newLinkID(),
		DocumentID: documentID,
		LinkType:   linkType,
		Token:      token,
		CreatedBy:  creatorID,
		CreatedAt:  c.now(),
		MaxUses:    opts.MaxUses,
	}
	if opts.ExpiresIn > 0 {
		link.ExpiresAt = link.CreatedAt.Add(opts.ExpiresIn)
	}
	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "hashing share-link password", err)
		}
		link.PasswordHash = hash
	}
	if len(opts.AllowedDomains) > 0 {
		link.AllowedDomains = append([]string(nil), opts.AllowedDomains...)
	}

	c.mu.Lock()
	if _, ok := c.policies[documentID]; !ok {
		c.mu.Unlock()
		return nil, errors.NewNotFoundError("policy", documentID)
	}
	c.links[token] = link
	c.linkTokens[link.ID] = token
	c.mu.Unlock()

	logger.Info("share link created",
		logger.KeyDocument, documentID,
		logger.KeyUser, creatorID,
		"link_type", linkType.String())
	return link.clone(), nil
}

// UseShareLink redeems a token for the link's permission mask. It
// returns false when the link is invalid, the password does not match,
// or the email's domain is not allowed. Success increments the use
// count and grants the link's permissions to the user.
func (c *Controller) UseShareLink(token, userID, password, email string) (Permission, bool) {
	c.mu.Lock()
	link, ok := c.links[token]
	if !ok || !link.isValid(c.now()) {
		c.mu.Unlock()
		return PermissionNone, false
	}
	if p, hasPolicy := c.policies[link.DocumentID]; hasPolicy && p.isBlocked(userID) {
		c.mu.Unlock()
		return PermissionNone, false
	}
	// bcrypt comparison happens outside the lock.
	hash := append([]byte(nil), link.PasswordHash...)
	domains := append([]string(nil), link.AllowedDomains...)
	c.mu.Unlock()

	if len(hash) > 0 {
		if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
			return PermissionNone, false
		}
	}
	if len(domains) > 0 {
		domain := emailDomain(email)
		allowed := false
		for _, d := range domains {
			if domain == d {
				allowed = true
				break
			}
		}
		if !allowed {
			return PermissionNone, false
		}
	}

	c.mu.Lock()
	link, ok = c.links[token]
	if !ok || !link.isValid(c.now()) {
		c.mu.Unlock()
		return PermissionNone, false
	}
	link.UseCount++
	documentID := link.DocumentID
	linkID := link.ID
	perms := link.LinkType.Permissions()
	c.mu.Unlock()

	grant := c.checker.Grant(userID, documentID, perms, "share-link:"+linkID)
	c.emitGranted(grant)
	logger.Info("share link used",
		logger.KeyDocument, documentID, logger.KeyUser, userID)
	return perms, true
}

// GetShareLink resolves a token without redeeming it.
func (c *Controller) GetShareLink(token string) (*ShareLink, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	link, ok := c.links[token]
	if !ok {
		return nil, errors.NewNotFoundError("share link", token)
	}
	return link.clone(), nil
}

// GetDocumentShareLinks returns every link on a document.
func (c *Controller) GetDocumentShareLinks(documentID string) []*ShareLink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*ShareLink
	for _, link := range c.links {
		if link.DocumentID == documentID {
			out = append(out, link.clone())
		}
	}
	return out
}

// DisableShareLink permanently disables a link by id. Requires SHARE.
func (c *Controller) DisableShareLink(linkID, userID string) error {
	c.mu.RLock()
	token, ok := c.linkTokens[linkID]
	var documentID string
	if ok {
		documentID = c.links[token].DocumentID
	}
	c.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("share link", linkID)
	}
	if err := c.checker.Require(userID, documentID, PermissionShare); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if link, ok := c.links[token]; ok {
		link.Disabled = true
	}
	return nil
}
