package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSessionUserPermissions(t *testing.T) {
	u := SessionUser{UserID: "u1", Permissions: NewPermissionSet([]Permission{PermClientsRead})}

	assert.True(t, u.HasPermission(PermClientsRead))
	assert.False(t, u.HasPermission(PermClientsWrite))
	assert.False(t, u.HasPermission(Permission("clients.*")))
	assert.False(t, u.HasPermission(Permission("Clients.Read")))

	require.NoError(t, u.RequirePermission(PermClientsRead))
	err := u.RequirePermission(PermCredentialsDecrypt)
	require.ErrorIs(t, err, ErrPermissionDenied)
	var authzErr *AuthorizationError
	require.True(t, errors.As(err, &authzErr))
	assert.Equal(t, KindPermissionDenied, authzErr.Kind)
	assert.Equal(t, PermCredentialsDecrypt, authzErr.Permission)
}

func TestRequireTitleIsExact(t *testing.T) {
	cto := SessionUser{Title: "CTO"}
	require.NoError(t, cto.RequireTitle(TitleCTO))
	require.ErrorIs(t, SessionUser{Title: "cto"}.RequireTitle(TitleCTO), ErrPermissionDenied)
	require.ErrorIs(t, SessionUser{Title: "CEO"}.RequireTitle(TitleCTO), ErrPermissionDenied)
	require.ErrorIs(t, SessionUser{}.RequireTitle(""), ErrPermissionDenied)
}

func TestAuditViewerNeedsPermissionAndTitle(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t)
	svc, err := NewService(f.store, f.audit, f.box, WithLogger(zap.New(core)))
	require.NoError(t, err)
	ctx := context.Background()

	withPerm := NewPermissionSet([]Permission{PermAuditRead})
	cases := []struct {
		name string
		user SessionUser
		ok   bool
	}{
		{name: "permission and title", user: SessionUser{UserID: "a", Title: TitleCTO, Permissions: withPerm}, ok: true},
		{name: "title only", user: SessionUser{UserID: "b", Title: TitleCTO, Permissions: PermissionSet{}}},
		{name: "permission only", user: SessionUser{UserID: "c", Title: "CEO", Permissions: withPerm}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.AuthorizeAuditViewer(ctx, tc.user)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrPermissionDenied)
		})
	}
	denials := logs.FilterMessage("authorization denied").All()
	require.Len(t, denials, 2)
	assert.Equal(t, "audit.read", denials[0].ContextMap()["requirement"])
	assert.Equal(t, "title:CTO", denials[1].ContextMap()["requirement"])
}

func TestParsePermissions(t *testing.T) {
	perms, err := ParsePermissions([]string{" leads.read", "leads.read", "audit.read"})
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermLeadsRead, PermAuditRead}, perms)

	_, err = ParsePermissions([]string{"leads.delete"})
	require.ErrorIs(t, err, ErrInvalidInput)

	assert.Len(t, AllPermissions, 13)
	for _, p := range AllPermissions {
		assert.True(t, p.Valid(), p)
	}
	assert.Equal(t, []Permission{PermAuditRead, PermLeadsRead}, NewPermissionSet([]Permission{PermLeadsRead, PermAuditRead}).Sorted())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithSessionUser(context.Background(), SessionUser{
		SessionID: "s1", UserID: "u1", Title: TitleCTO,
		Permissions: NewPermissionSet([]Permission{PermAuditRead}),
	})
	got, ok := SessionUserFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "s1", got.SessionID)
	assert.True(t, got.HasPermission(PermAuditRead))
	assert.NoError(t, got.RequireTitle(TitleCTO))

	_, ok = SessionUserFromContext(context.Background())
	assert.False(t, ok)

	ctx = ContextWithToken(ctx, "tok")
	tok, ok := TokenFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, ctx, ContextWithToken(ctx, ""))
}

func TestSystemActor(t *testing.T) {
	actor := SystemActor()
	assert.Empty(t, actor.UserID)
	for _, p := range AllPermissions {
		assert.True(t, actor.HasPermission(p), p)
	}
}
