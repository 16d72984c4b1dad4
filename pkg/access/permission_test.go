package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionWireValues(t *testing.T) {
	assert.EqualValues(t, 0, PermissionNone)
	assert.EqualValues(t, 1, PermissionRead)
	assert.EqualValues(t, 2, PermissionWrite)
	assert.EqualValues(t, 4, PermissionComment)
	assert.EqualValues(t, 8, PermissionShare)
	assert.EqualValues(t, 16, PermissionAdmin)
	assert.EqualValues(t, 32, PermissionOwner)
	assert.EqualValues(t, 63, PermissionFull)
}

func TestPermissionAccessors(t *testing.T) {
	p := PermissionRead.Add(PermissionWrite)
	assert.True(t, p.Has(PermissionRead))
	assert.True(t, p.Has(PermissionRead|PermissionWrite))
	assert.False(t, p.Has(PermissionAdmin))

	p = p.Remove(PermissionWrite)
	assert.False(t, p.Has(PermissionWrite))
	assert.Equal(t, PermissionRead, p)
}

func TestPermissionString(t *testing.T) {
	assert.Equal(t, "none", PermissionNone.String())
	assert.Equal(t, "read|write", (PermissionRead | PermissionWrite).String())
	assert.Equal(t, "read|write|comment|share|admin|owner", PermissionFull.String())
}

func TestRolePermissions(t *testing.T) {
	assert.Equal(t, PermissionRead, RoleViewer.Permissions())
	assert.Equal(t, PermissionRead|PermissionComment, RoleCommenter.Permissions())
	assert.Equal(t, PermissionRead|PermissionComment|PermissionWrite, RoleEditor.Permissions())
	assert.Equal(t, PermissionRead|PermissionComment|PermissionWrite|PermissionShare|PermissionAdmin, RoleAdmin.Permissions())
	assert.Equal(t, PermissionFull, RoleOwner.Permissions())
}

func TestLinkTypePermissions(t *testing.T) {
	assert.Equal(t, PermissionRead, LinkView.Permissions())
	assert.Equal(t, PermissionRead|PermissionComment, LinkComment.Permissions())
	assert.Equal(t, PermissionRead|PermissionComment|PermissionWrite, LinkEdit.Permissions())
	assert.Equal(t, PermissionFull, LinkFull.Permissions())
}
