package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-dev/tandem/pkg/errors"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return NewController(NewChecker())
}

func TestCreateDocumentGrantsOwnerFull(t *testing.T) {
	c := newTestController(t)

	policy, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)
	assert.Equal(t, "owner", policy.OwnerID)

	res := c.Checker().Check("owner", "doc-1", PermissionFull)
	assert.True(t, res.Allowed)

	_, err = c.CreateDocument("doc-1", "other", PermissionNone)
	assert.True(t, errors.IsAlreadyExists(err))
}

func TestCheckBitmaskSemantics(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	c.Checker().Grant("alice", "doc-1", PermissionRead|PermissionComment, "owner")

	assert.True(t, c.Checker().Check("alice", "doc-1", PermissionRead).Allowed)
	assert.True(t, c.Checker().Check("alice", "doc-1", PermissionRead|PermissionComment).Allowed)

	res := c.Checker().Check("alice", "doc-1", PermissionWrite)
	assert.False(t, res.Allowed)
	assert.NotEmpty(t, res.Reason)

	// No grant at all.
	assert.False(t, c.Checker().Check("bob", "doc-1", PermissionRead).Allowed)

	// The owner passes any check regardless of explicit grants.
	assert.True(t, c.Checker().Check("owner", "doc-1", PermissionOwner).Allowed)
}

func TestRequireReturnsPermissionDenied(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	err = c.Checker().Require("alice", "doc-1", PermissionWrite)
	assert.True(t, errors.IsPermissionDenied(err))
	assert.NoError(t, c.Checker().Require("owner", "doc-1", PermissionWrite))
}

func TestRevoke(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	c.Checker().Grant("alice", "doc-1", PermissionRead, "owner")
	assert.True(t, c.Checker().Revoke("alice", "doc-1"))
	assert.False(t, c.Checker().Revoke("alice", "doc-1"))
	assert.False(t, c.Checker().Check("alice", "doc-1", PermissionRead).Allowed)
}

func TestUpdatePolicyRequiresAdmin(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	public := PermissionRead
	_, err = c.UpdatePolicy("doc-1", "alice", PolicyUpdate{PublicAccess: &public})
	assert.True(t, errors.IsPermissionDenied(err))

	updated, err := c.UpdatePolicy("doc-1", "owner", PolicyUpdate{PublicAccess: &public})
	require.NoError(t, err)
	assert.Equal(t, PermissionRead, updated.PublicAccess)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))
}

func TestCanAccessPublicAndBlocked(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionRead)
	require.NoError(t, err)

	// Public read lets a stranger in.
	assert.True(t, c.CanAccess("stranger", "doc-1", PermissionRead))
	assert.False(t, c.CanAccess("stranger", "doc-1", PermissionWrite))

	// Blocking beats both public access and explicit grants.
	c.Checker().Grant("eve", "doc-1", PermissionFull, "owner")
	require.NoError(t, c.BlockUser("doc-1", "owner", "eve"))
	assert.False(t, c.CanAccess("eve", "doc-1", PermissionRead))
	assert.False(t, c.Checker().Check("eve", "doc-1", PermissionRead).Allowed, "blocking revokes grants")

	require.NoError(t, c.UnblockUser("doc-1", "owner", "eve"))
	assert.True(t, c.CanAccess("eve", "doc-1", PermissionRead), "public access applies again")
}

func TestBlockUserGuards(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	assert.True(t, errors.IsPermissionDenied(c.BlockUser("doc-1", "rando", "victim")))
	assert.True(t, errors.IsPermissionDenied(c.BlockUser("doc-1", "owner", "owner")))
}

func TestDeleteDocumentCascades(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	c.Checker().Grant("alice", "doc-1", PermissionRead, "owner")
	link, err := c.CreateShareLink("doc-1", "owner", LinkView, ShareLinkOptions{})
	require.NoError(t, err)
	inv, err := c.CreateInvitation("doc-1", "owner", "bob@corp.example", RoleEditor, InvitationOptions{})
	require.NoError(t, err)

	err = c.DeleteDocument("doc-1", "alice")
	assert.True(t, errors.IsPermissionDenied(err))

	require.NoError(t, c.DeleteDocument("doc-1", "owner"))
	_, err = c.GetPolicy("doc-1")
	assert.True(t, errors.IsNotFound(err))
	_, err = c.GetShareLink(link.Token)
	assert.True(t, errors.IsNotFound(err))
	_, err = c.GetInvitation(inv.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.Empty(t, c.Checker().GetDocumentGrants("doc-1"))
	assert.False(t, c.Checker().Check("owner", "doc-1", PermissionRead).Allowed, "owner record dropped")
}

func TestShareLinkPasswordAndDomain(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	link, err := c.CreateShareLink("doc-1", "owner", LinkEdit, ShareLinkOptions{
		ExpiresIn:      time.Hour,
		Password:       "secret",
		AllowedDomains: []string{"corp.example"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, link.Token)
	assert.NotEmpty(t, link.PasswordHash)

	_, ok := c.UseShareLink(link.Token, "alice", "wrong", "alice@corp.example")
	assert.False(t, ok, "wrong password")

	_, ok = c.UseShareLink(link.Token, "alice", "secret", "alice@other.example")
	assert.False(t, ok, "domain not allowed")

	perms, ok := c.UseShareLink(link.Token, "alice", "secret", "alice@corp.example")
	require.True(t, ok)
	assert.Equal(t, PermissionRead|PermissionComment|PermissionWrite, perms)

	got, err := c.GetShareLink(link.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UseCount, "only the successful use counts")

	assert.True(t, c.Checker().Check("alice", "doc-1", PermissionWrite).Allowed)
}

func TestShareLinkMaxUses(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	link, err := c.CreateShareLink("doc-1", "owner", LinkView, ShareLinkOptions{MaxUses: 2})
	require.NoError(t, err)

	_, ok := c.UseShareLink(link.Token, "u1", "", "")
	assert.True(t, ok)
	_, ok = c.UseShareLink(link.Token, "u2", "", "")
	assert.True(t, ok)
	_, ok = c.UseShareLink(link.Token, "u3", "", "")
	assert.False(t, ok, "use cap reached")
}

func TestShareLinkExpiryAndDisable(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	expired, err := c.CreateShareLink("doc-1", "owner", LinkView, ShareLinkOptions{ExpiresIn: time.Nanosecond})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, ok := c.UseShareLink(expired.Token, "alice", "", "")
	assert.False(t, ok)

	link, err := c.CreateShareLink("doc-1", "owner", LinkView, ShareLinkOptions{})
	require.NoError(t, err)
	assert.True(t, errors.IsPermissionDenied(c.DisableShareLink(link.ID, "rando")))
	require.NoError(t, c.DisableShareLink(link.ID, "owner"))
	_, ok = c.UseShareLink(link.Token, "alice", "", "")
	assert.False(t, ok)
}

func TestShareLinkRequiresShare(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	c.Checker().Grant("editor", "doc-1", RoleEditor.Permissions(), "owner")
	_, err = c.CreateShareLink("doc-1", "editor", LinkView, ShareLinkOptions{})
	assert.True(t, errors.IsPermissionDenied(err))

	c.Checker().Grant("admin", "doc-1", RoleAdmin.Permissions(), "owner")
	_, err = c.CreateShareLink("doc-1", "admin", LinkView, ShareLinkOptions{})
	assert.NoError(t, err)
}

func TestInvitationLifecycle(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	inv, err := c.CreateInvitation("doc-1", "owner", "bob@corp.example", RoleEditor, InvitationOptions{Message: "join us"})
	require.NoError(t, err)
	assert.Equal(t, InvitationPending, inv.Status)
	assert.True(t, inv.ExpiresAt.After(inv.CreatedAt))

	grant, err := c.AcceptInvitation(inv.ID, "bob")
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, RoleEditor.Permissions(), grant.Permissions)

	got, err := c.GetInvitation(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationAccepted, got.Status)
	assert.Equal(t, "bob", got.InviteeID)
	assert.False(t, got.AcceptedAt.IsZero())

	// Accepting twice yields no grant.
	grant, err = c.AcceptInvitation(inv.ID, "carol")
	assert.Nil(t, grant)
	require.Error(t, err)
}

func TestInvitationExpiry(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	inv, err := c.CreateInvitation("doc-1", "owner", "bob@corp.example", RoleViewer, InvitationOptions{ExpiresIn: time.Nanosecond})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	grant, err := c.AcceptInvitation(inv.ID, "bob")
	assert.Nil(t, grant)
	require.Error(t, err)

	got, err := c.GetInvitation(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationExpired, got.Status)
	assert.False(t, c.Checker().Check("bob", "doc-1", PermissionRead).Allowed)
}

func TestDeclineAndRevokeInvitation(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	inv, err := c.CreateInvitation("doc-1", "owner", "bob@corp.example", RoleViewer, InvitationOptions{})
	require.NoError(t, err)
	require.NoError(t, c.DeclineInvitation(inv.ID, "bob"))
	got, err := c.GetInvitation(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationDeclined, got.Status)
	require.Error(t, c.DeclineInvitation(inv.ID, "bob"))

	inv2, err := c.CreateInvitation("doc-1", "owner", "carol@corp.example", RoleViewer, InvitationOptions{})
	require.NoError(t, err)
	assert.True(t, errors.IsPermissionDenied(c.RevokeInvitation(inv2.ID, "rando")))
	require.NoError(t, c.RevokeInvitation(inv2.ID, "owner"))
	got, err = c.GetInvitation(inv2.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationRevoked, got.Status)
}

func TestInvitationValidation(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)

	_, err = c.CreateInvitation("doc-1", "owner", "not-an-email", RoleViewer, InvitationOptions{})
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestHooksFire(t *testing.T) {
	c := newTestController(t)

	granted := make(chan *Grant, 4)
	sent := make(chan *Invitation, 1)
	c.SetHooks(Hooks{
		OnAccessGranted:  func(g *Grant) { granted <- g },
		OnInvitationSent: func(i *Invitation) { sent <- i },
	})

	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)
	select {
	case g := <-granted:
		assert.Equal(t, "owner", g.UserID)
	case <-time.After(time.Second):
		t.Fatal("grant hook did not fire for owner self-grant")
	}

	_, err = c.CreateInvitation("doc-1", "owner", "bob@corp.example", RoleViewer, InvitationOptions{})
	require.NoError(t, err)
	select {
	case inv := <-sent:
		assert.Equal(t, "bob@corp.example", inv.InviteeEmail)
	case <-time.After(time.Second):
		t.Fatal("invitation hook did not fire")
	}
}

func TestGetStats(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateDocument("doc-1", "owner", PermissionNone)
	require.NoError(t, err)
	_, err = c.CreateShareLink("doc-1", "owner", LinkView, ShareLinkOptions{})
	require.NoError(t, err)
	_, err = c.CreateInvitation("doc-1", "owner", "bob@corp.example", RoleViewer, InvitationOptions{})
	require.NoError(t, err)

	stats := c.GetStats()
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.ShareLinks)
	assert.Equal(t, 1, stats.Invitations)
}
