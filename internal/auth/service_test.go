package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/crypt"
)

func TestNewServiceRequiresDependencies(t *testing.T) {
	box, err := crypt.NewFromHex(testKeyHex)
	require.NoError(t, err)

	_, err = NewService(nil, &auditRecorder{}, box)
	require.Error(t, err)
	_, err = NewService(newMemStore(), nil, box)
	require.Error(t, err)
	_, err = NewService(newMemStore(), &auditRecorder{}, nil)
	require.Error(t, err)
	_, err = NewService(newMemStore(), &auditRecorder{}, box, WithLockoutPolicy(LockoutPolicy{}))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoginWithoutMFACreatesSession(t *testing.T) {
	f := newFixture(t)
	u := f.addUser("u1", "alice@example.com", salesRoleID)
	u.FailedLoginAttempts = 3
	ctx := context.Background()

	res, err := f.svc.Login(ctx, LoginRequest{Email: "  Alice@Example.COM ", Password: testPassword, IPAddress: "10.1.1.1", UserAgent: "agent/1"})
	require.NoError(t, err)
	assert.False(t, res.RequiresMFA)
	require.Len(t, res.Token, 64)
	assert.Equal(t, crypt.Hash(res.Token), res.Session.TokenHash)
	assert.Equal(t, f.clock.Now().Add(DefaultSessionTTL), res.Session.ExpiresAt)
	assert.Equal(t, 0, f.store.user(t, "u1").FailedLoginAttempts)

	logins := f.audit.byAction(audit.ActionLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, "u1", logins[0].UserID)
	assert.Equal(t, audit.EntitySession, logins[0].EntityType)
	assert.Equal(t, res.Session.ID, logins[0].EntityID)
	assert.Equal(t, "10.1.1.1", logins[0].Metadata[audit.KeyIPAddress])
	assert.Equal(t, "agent/1", logins[0].Metadata[audit.KeyUserAgent])
}

func TestLoginUnknownOrDisabledUserIsGeneric(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID).Status = UserStatusDisabled
	ctx := context.Background()

	_, err := f.svc.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: testPassword})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: testPassword})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.NotErrorIs(t, err, ErrAccountLocked)

	// dummy comparisons keep timing close to a real verification
	assert.Equal(t, 2, f.hasher.count())
	assert.Len(t, f.audit.byAction(audit.ActionFailedLogin), 2)
	assert.Zero(t, f.store.sessionCount())
}

func TestLockoutAfterFiveFailuresSkipsVerification(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong"})
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
		assert.NotErrorIs(t, err, ErrAccountLocked)
	}
	u := f.store.user(t, "u1")
	assert.Equal(t, 5, u.FailedLoginAttempts)
	require.NotNil(t, u.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *u.LockedUntil)

	verifies := f.hasher.count()
	_, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: testPassword})
	require.ErrorIs(t, err, ErrAccountLocked)
	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, *u.LockedUntil, locked.Until)
	assert.Equal(t, verifies, f.hasher.count(), "no password verification while locked")
	assert.Len(t, f.audit.byAction(audit.ActionFailedLogin), 6)
	assert.Zero(t, f.store.sessionCount())
}

func TestLockoutExpires(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong"})
	}
	f.clock.Advance(15*time.Minute + time.Second)

	res, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: testPassword})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	u := f.store.user(t, "u1")
	assert.Zero(t, u.FailedLoginAttempts)
	assert.Nil(t, u.LockedUntil)
}

func TestFailedLoginAfterExpiredLockStartsFresh(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong"})
	}
	f.clock.Advance(16 * time.Minute)
	_, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	u := f.store.user(t, "u1")
	assert.Equal(t, 1, u.FailedLoginAttempts)
	assert.Nil(t, u.LockedUntil)
}

func TestResolveReflectsCurrentRolePermissions(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: testPassword})
	require.NoError(t, err)

	su, ok, err := f.svc.Resolve(ctx, res.Token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, NewPermissionSet([]Permission{PermLeadsRead, PermClientsRead}), su.Permissions)
	assert.Equal(t, "u1", su.UserID)

	_, err = f.svc.SetRolePermissions(ctx, adminActor(), salesRoleID, []Permission{PermLeadsRead, PermLeadsWrite, PermTicketsRead})
	require.NoError(t, err)

	su, ok, err = f.svc.Resolve(ctx, res.Token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, NewPermissionSet([]Permission{PermLeadsRead, PermLeadsWrite, PermTicketsRead}), su.Permissions)
	assert.False(t, su.HasPermission(PermClientsRead))
}

func TestResolveMissingOrExpired(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	ctx := context.Background()

	_, ok, err := f.svc.Resolve(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.svc.Resolve(ctx, "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: testPassword})
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	_, ok, err = f.svc.Resolve(ctx, res.Token)
	require.NoError(t, err)
	assert.True(t, ok, "activity does not change a fixed expiry")

	f.clock.Advance(time.Hour)
	_, ok, err = f.svc.Resolve(ctx, res.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, f.store.sessionCount())
}

func TestLogoutInvalidatesSession(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: testPassword})
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, res.Token))

	_, ok, err := f.svc.Resolve(ctx, res.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	logouts := f.audit.byAction(audit.ActionLogout)
	require.Len(t, logouts, 1)
	assert.Equal(t, res.Session.ID, logouts[0].EntityID)

	// a second logout with the stale token is harmless
	require.NoError(t, f.svc.Logout(ctx, res.Token))
	assert.Len(t, f.audit.byAction(audit.ActionLogout), 1)
}

func TestLoginAuditFailureLeavesNoSession(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	f.audit.failOn = map[audit.Action]error{audit.ActionLogin: audit.ErrWriteFailed}

	_, err := f.svc.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: testPassword})
	require.ErrorIs(t, err, audit.ErrWriteFailed)
	assert.Zero(t, f.store.sessionCount())
}

func TestFailedLoginAuditErrorIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	f.audit.failOn = map[audit.Action]error{audit.ActionFailedLogin: audit.ErrWriteFailed}

	_, err := f.svc.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "wrong"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.ErrorIs(t, err, audit.ErrWriteFailed)
}

func TestMFALoginEndToEnd(t *testing.T) {
	f := newFixture(t)
	u := f.addUser("u1", "alice@example.com", salesRoleID)
	secret := f.enableMFA(t, "u1")
	u.FailedLoginAttempts = 2
	ctx := context.Background()

	res, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: testPassword, IPAddress: "10.2.2.2", UserAgent: "agent/2"})
	require.NoError(t, err)
	assert.True(t, res.RequiresMFA)
	assert.Equal(t, "u1", res.UserID)
	assert.Empty(t, res.Token)
	assert.Zero(t, f.store.sessionCount())
	assert.Empty(t, f.audit.byAction(audit.ActionLogin))

	code, err := f.svc.totp.Generate(secret, f.clock.Now())
	require.NoError(t, err)
	res, err = f.svc.CompleteMFALogin(ctx, MFARequest{UserID: "u1", Code: code, IPAddress: "10.2.2.2", UserAgent: "agent/2"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, 1, f.store.sessionCount())

	after := f.store.user(t, "u1")
	assert.Zero(t, after.FailedLoginAttempts)
	assert.Zero(t, after.FailedMFAAttempts)

	logins := f.audit.byAction(audit.ActionLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, "10.2.2.2", logins[0].Metadata[audit.KeyIPAddress])
	assert.Equal(t, "agent/2", logins[0].Metadata[audit.KeyUserAgent])

	_, ok, err := f.svc.Resolve(ctx, res.Token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMFACodeCannotBeReplayed(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	secret := f.enableMFA(t, "u1")
	ctx := context.Background()

	code, err := f.svc.totp.Generate(secret, f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.CompleteMFALogin(ctx, MFARequest{UserID: "u1", Code: code})
	require.NoError(t, err)

	_, err = f.svc.CompleteMFALogin(ctx, MFARequest{UserID: "u1", Code: code})
	require.ErrorIs(t, err, ErrInvalidMFACode)
	assert.Equal(t, 1, f.store.user(t, "u1").FailedMFAAttempts)
}

func TestMFAFailuresUseSeparateCounterAndSharedLockout(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	f.enableMFA(t, "u1")
	ctx := context.Background()

	_, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong"})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	for i := 0; i < 5; i++ {
		_, err := f.svc.CompleteMFALogin(ctx, MFARequest{UserID: "u1", Code: "abcdef"})
		require.ErrorIs(t, err, ErrInvalidMFACode, "attempt %d", i+1)
	}
	u := f.store.user(t, "u1")
	assert.Equal(t, 1, u.FailedLoginAttempts)
	assert.Equal(t, 5, u.FailedMFAAttempts)
	require.NotNil(t, u.LockedUntil)

	_, err = f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: testPassword})
	require.ErrorIs(t, err, ErrAccountLocked)
	_, err = f.svc.CompleteMFALogin(ctx, MFARequest{UserID: "u1", Code: "abcdef"})
	require.ErrorIs(t, err, ErrAccountLocked)

	assert.Len(t, f.audit.byAction(audit.ActionFailedLogin), 8)
}

func TestCompleteMFALoginRejectsUsersWithoutMFA(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)

	_, err := f.svc.CompleteMFALogin(context.Background(), MFARequest{UserID: "u1", Code: "123456"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.CompleteMFALogin(context.Background(), MFARequest{UserID: "missing", Code: "123456"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, f.store.sessionCount())
}

func TestCompleteMFALoginTamperedSecret(t *testing.T) {
	f := newFixture(t)
	f.addUser("u1", "alice@example.com", salesRoleID)
	f.enableMFA(t, "u1")
	f.store.users["u1"].MFASecret.IV = "000000000000000000000000"

	_, err := f.svc.CompleteMFALogin(context.Background(), MFARequest{UserID: "u1", Code: "123456"})
	require.ErrorIs(t, err, crypt.ErrDecryption)
	assert.Zero(t, f.store.sessionCount())
}
