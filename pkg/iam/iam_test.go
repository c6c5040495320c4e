package iam

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantAndAuthorize(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAuthorizer()

	require.NoError(t, a.Grant(ctx, "ws", "alice", RoleOwner))
	require.NoError(t, a.Grant(ctx, "ws", "alice", RoleOwner))
	require.NoError(t, a.Grant(ctx, "ws", "bob", RoleReader))

	bindings, err := a.Bindings(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, []Binding{
		{Object: "ws", Principal: "alice", Role: RoleOwner},
		{Object: "ws", Principal: "bob", Role: RoleReader},
	}, bindings)

	ok, err := a.IsAuthorized(ctx, "alice", ActionDelete, "ws")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.IsAuthorized(ctx, "bob", ActionWrite, "ws")
	require.NoError(t, err)
	assert.False(t, ok)

	err = Authorize(ctx, a, "bob", ActionWrite, "resource-1", "ws")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.NoError(t, Authorize(ctx, a, "bob", ActionRead, "resource-1", "ws"))

	assert.Error(t, a.Grant(ctx, "ws", "carol", Role("ROOT")))
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAuthorizer()

	require.NoError(t, a.Grant(ctx, "r1", "alice", RoleEditor))
	require.NoError(t, a.Revoke(ctx, "r1", "alice", RoleEditor))
	require.NoError(t, a.Revoke(ctx, "r1", "alice", RoleEditor))

	ok, err := a.IsAuthorized(ctx, "alice", ActionRead, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Grant(ctx, "ws", "alice", RoleOwner))
	require.NoError(t, a.Grant(ctx, "ws", "bob", RoleWriter))
	require.NoError(t, a.RevokeAll(ctx, "ws"))
	bindings, err := a.Bindings(ctx, "ws")
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestSuperuser(t *testing.T) {
	a := NewMemoryAuthorizer("admin")
	ok, err := a.IsAuthorized(context.Background(), "admin", ActionAdmin, "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}
