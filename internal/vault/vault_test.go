package vault

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/auth"
	"brightdesk.io/crm/internal/crypt"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type memStore struct {
	mu      sync.Mutex
	secrets map[string]Secret
}

func (m *memStore) CreateSecret(_ context.Context, s *Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[s.ID] = *s
	return nil
}

func (m *memStore) SecretByID(_ context.Context, id string) (Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return Secret{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) ListSecrets(_ context.Context, ownerID string) ([]Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Secret
	for _, s := range m.secrets {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

type recorder struct {
	events []audit.Event
	fail   bool
}

func (r *recorder) LogAction(_ context.Context, ev audit.Event) error {
	if r.fail {
		return audit.ErrWriteFailed
	}
	r.events = append(r.events, ev)
	return nil
}

type permChecker struct{}

func (permChecker) Authorize(_ context.Context, u auth.SessionUser, p auth.Permission) error {
	return u.RequirePermission(p)
}

func newTestService(t *testing.T, log *zap.Logger) (*Service, *memStore, *recorder) {
	t.Helper()
	box, err := crypt.NewFromHex(testKeyHex)
	require.NoError(t, err)
	store := &memStore{secrets: map[string]Secret{}}
	rec := &recorder{}
	svc, err := NewService(store, box, rec, permChecker{}, log)
	require.NoError(t, err)
	return svc, store, rec
}

func actorWith(perms ...auth.Permission) auth.SessionUser {
	return auth.SessionUser{UserID: "u1", Permissions: auth.NewPermissionSet(perms)}
}

func TestCreateAndRevealCredential(t *testing.T) {
	svc, store, rec := newTestService(t, nil)
	ctx := context.Background()
	writer := actorWith(auth.PermClientsWrite)

	secret, err := svc.Create(ctx, writer, NewSecret{Kind: KindCredential, OwnerID: "client-1", Label: "Admin panel", Username: "root", Value: "hunter2-but-longer"})
	require.NoError(t, err)
	stored := store.secrets[secret.ID]
	assert.NotContains(t, stored.EncryptedValue, "hunter2")
	assert.NotEmpty(t, stored.IV)
	assert.Empty(t, stored.Hint)

	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.ActionCreate, rec.events[0].Action)
	assert.Equal(t, audit.EntityCredential, rec.events[0].EntityType)

	_, err = svc.Reveal(ctx, writer, secret.ID)
	require.ErrorIs(t, err, auth.ErrPermissionDenied)

	plain, err := svc.Reveal(ctx, actorWith(auth.PermCredentialsDecrypt), secret.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2-but-longer", plain)

	require.Len(t, rec.events, 2)
	assert.Equal(t, audit.ActionDecrypt, rec.events[1].Action)
	assert.Equal(t, secret.ID, rec.events[1].EntityID)
}

func TestCreateBankAccount(t *testing.T) {
	svc, _, rec := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, actorWith(auth.PermClientsWrite), NewSecret{Kind: KindBankAccount, OwnerID: "c1", Label: "Main", Value: "DE89 3704 0044 0532 0130 00"})
	require.ErrorIs(t, err, auth.ErrPermissionDenied)

	secret, err := svc.Create(ctx, actorWith(auth.PermPaymentsWrite), NewSecret{Kind: KindBankAccount, OwnerID: "c1", Label: "Main", Value: "de89 3704-0044 0532 0130 00"})
	require.NoError(t, err)
	assert.Equal(t, "3000", secret.Hint)
	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.EntityPayment, rec.events[0].EntityType)

	plain, err := svc.Reveal(ctx, actorWith(auth.PermCredentialsDecrypt), secret.ID)
	require.NoError(t, err)
	assert.Equal(t, "de89 3704-0044 0532 0130 00", plain, "revealed as entered")

	secret, err = svc.Create(ctx, actorWith(auth.PermPaymentsWrite), NewSecret{Kind: KindBankAccount, OwnerID: "c1", Label: "Savings", Value: "gb29 nwbk 6016 1331 9268 1x"})
	require.NoError(t, err)
	assert.Equal(t, "681X", secret.Hint)

	_, err = svc.Create(ctx, actorWith(auth.PermPaymentsWrite), NewSecret{Kind: KindBankAccount, OwnerID: "c1", Label: "Main", Value: " 12 "})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	writer := actorWith(auth.PermClientsWrite)

	_, err := svc.Create(ctx, writer, NewSecret{Kind: "ssh_key", OwnerID: "c1", Label: "x", Value: "v"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Create(ctx, writer, NewSecret{Kind: KindCredential, OwnerID: " ", Label: "x", Value: "v"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Create(ctx, writer, NewSecret{Kind: KindCredential, OwnerID: "c1", Label: "x"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRevealWithheldWhenAuditFails(t *testing.T) {
	svc, _, rec := newTestService(t, nil)
	ctx := context.Background()

	secret, err := svc.Create(ctx, actorWith(auth.PermClientsWrite), NewSecret{Kind: KindCredential, OwnerID: "c1", Label: "x", Value: "s3cret"})
	require.NoError(t, err)

	rec.fail = true
	plain, err := svc.Reveal(ctx, actorWith(auth.PermCredentialsDecrypt), secret.ID)
	require.ErrorIs(t, err, audit.ErrWriteFailed)
	assert.Empty(t, plain)
}

func TestRevealTamperedSecret(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	svc, store, rec := newTestService(t, zap.New(core))
	ctx := context.Background()

	secret, err := svc.Create(ctx, actorWith(auth.PermClientsWrite), NewSecret{Kind: KindCredential, OwnerID: "c1", Label: "x", Value: "s3cret"})
	require.NoError(t, err)

	tampered := store.secrets[secret.ID]
	parts := strings.SplitN(tampered.EncryptedValue, ":", 2)
	require.Len(t, parts, 2)
	flip := "0"
	if parts[0][0] == '0' {
		flip = "1"
	}
	tampered.EncryptedValue = flip + parts[0][1:] + ":" + parts[1]
	store.secrets[secret.ID] = tampered

	plain, err := svc.Reveal(ctx, actorWith(auth.PermCredentialsDecrypt), secret.ID)
	require.True(t, errors.Is(err, crypt.ErrDecryption))
	assert.Empty(t, plain)
	assert.Len(t, rec.events, 1, "no decrypt entry for a failed decryption")
	assert.Equal(t, 1, logs.FilterMessage("secret decryption failed").Len())
}

func TestListSecrets(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	writer := actorWith(auth.PermClientsWrite)

	for _, owner := range []string{"c1", "c1", "c2"} {
		_, err := svc.Create(ctx, writer, NewSecret{Kind: KindCredential, OwnerID: owner, Label: "x", Value: "v"})
		require.NoError(t, err)
	}

	_, err := svc.List(ctx, writer, "c1")
	require.ErrorIs(t, err, auth.ErrPermissionDenied)

	list, err := svc.List(ctx, actorWith(auth.PermCredentialsRead), "c1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = svc.List(ctx, actorWith(auth.PermCredentialsRead), "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRevealNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.Reveal(context.Background(), actorWith(auth.PermCredentialsDecrypt), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
