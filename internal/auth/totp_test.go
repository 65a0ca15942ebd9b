package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brightdesk.io/crm/internal/crypt"
)

func TestTOTPVerifyWindow(t *testing.T) {
	totp := NewTOTP("CRM Test")
	enrollment, err := totp.GenerateSecret("alice@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enrollment.URI, "otpauth://totp/"))
	assert.Contains(t, enrollment.URI, "issuer=CRM")

	now := time.Date(2026, 3, 1, 12, 0, 15, 0, time.UTC)
	step := uint64(now.Unix()) / 30

	code, err := totp.Generate(enrollment.Secret, now)
	require.NoError(t, err)
	got, ok := totp.Verify(code, enrollment.Secret, now)
	require.True(t, ok)
	assert.Equal(t, step, got)

	prev, err := totp.Generate(enrollment.Secret, now.Add(-30*time.Second))
	require.NoError(t, err)
	got, ok = totp.Verify(prev, enrollment.Secret, now)
	require.True(t, ok, "one step of drift is tolerated")
	assert.Equal(t, step-1, got)

	old, err := totp.Generate(enrollment.Secret, now.Add(-90*time.Second))
	require.NoError(t, err)
	if old != code && old != prev {
		_, ok = totp.Verify(old, enrollment.Secret, now)
		assert.False(t, ok)
	}

	_, ok = totp.Verify("12345", enrollment.Secret, now)
	assert.False(t, ok)
}

func TestTOTPURIForExistingSecret(t *testing.T) {
	totp := NewTOTP("")
	enrollment, err := totp.GenerateSecret("bob@example.com")
	require.NoError(t, err)

	uri, err := totp.URI(enrollment.Secret, "bob@example.com")
	require.NoError(t, err)
	assert.Contains(t, uri, "secret="+enrollment.Secret)
	assert.Contains(t, uri, "issuer=CRM")

	_, err = totp.URI("not base32 !!", "bob@example.com")
	require.ErrorIs(t, err, ErrInvalidInput)
}

type fakeSetNX struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeSetNX) SetNX(_ context.Context, key string, _ any, exp time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = exp
	return redis.NewBoolResult(true, nil)
}

func TestRedisReplayGuard(t *testing.T) {
	client := &fakeSetNX{keys: map[string]time.Duration{}}
	guard := NewRedisReplayGuard(client, "")
	ctx := context.Background()

	ok, err := guard.Accept(ctx, "u1", 100)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = guard.Accept(ctx, "u1", 100)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = guard.Accept(ctx, "u2", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 2*time.Minute, client.keys["crm:totp:u1:100"])

	client.err = errors.New("connection refused")
	_, err = guard.Accept(ctx, "u1", 101)
	require.Error(t, err)
}

func TestStoreReplayGuardRejectsOlderSteps(t *testing.T) {
	store := newMemStore()
	guard := StoreReplayGuard{Users: store}
	ctx := context.Background()

	ok, err := guard.Accept(ctx, "u1", 10)
	require.NoError(t, err)
	assert.True(t, ok)
	for _, step := range []uint64{10, 9} {
		ok, err = guard.Accept(ctx, "u1", step)
		require.NoError(t, err)
		assert.False(t, ok, "step %d", step)
	}
	ok, err = guard.Accept(ctx, "u1", 11)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChallenges(t *testing.T) {
	c, err := NewChallenges([]byte("0123456789abcdef0123456789abcdef"), time.Minute)
	require.NoError(t, err)
	now := time.Now()
	c.now = func() time.Time { return now }

	token, exp, err := c.Issue("u1")
	require.NoError(t, err)
	assert.Equal(t, now.UTC().Add(time.Minute).Unix(), exp.Unix())

	userID, err := c.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	other, err := NewChallenges([]byte("another master key of 32 bytes!!"), time.Minute)
	require.NoError(t, err)
	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidChallenge)

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = c.Verify(token)
	require.ErrorIs(t, err, ErrInvalidChallenge)

	_, err = c.Verify("")
	require.ErrorIs(t, err, ErrInvalidChallenge)
	_, _, err = c.Issue(" ")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewChallenges(nil, time.Minute)
	require.Error(t, err)
}

func TestStoreReplayGuardAcrossReenrollment(t *testing.T) {
	store := newMemStore()
	store.users["u1"] = &User{ID: "u1", Status: UserStatusActive}
	guard := StoreReplayGuard{Users: store}
	ctx := context.Background()

	ok, err := guard.Accept(ctx, "u1", 10)
	require.NoError(t, err)
	require.True(t, ok)

	// a new pending secret does not forget the last accepted step
	require.NoError(t, store.SetMFASecret(ctx, "u1", crypt.Sealed{Encrypted: "e", IV: "i"}))
	ok, err = guard.Accept(ctx, "u1", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetMFAEnabled(ctx, "u1", false))
	ok, err = guard.Accept(ctx, "u1", 10)
	require.NoError(t, err)
	assert.True(t, ok)
}
