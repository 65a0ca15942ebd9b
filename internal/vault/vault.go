// Package vault stores support credentials and bank account numbers encrypted
// at rest and reveals them only on demand, one audited decrypt at a time.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/auth"
	"brightdesk.io/crm/internal/crypt"
	"brightdesk.io/crm/internal/ids"
	"brightdesk.io/crm/internal/obs"
)

// Kind is the secret category.
type Kind string

const (
	KindCredential  Kind = "credential"
	KindBankAccount Kind = "bank_account"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindCredential || k == KindBankAccount }

var (
	ErrInvalidInput = errors.New("vault: invalid input")
	ErrNotFound     = errors.New("vault: not found")
)

// Secret is a stored secret. Only EncryptedValue and IV hold secret material.
type Secret struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	OwnerID        string    `json:"owner_id"`
	Label          string    `json:"label"`
	Username       string    `json:"username,omitempty"`
	Hint           string    `json:"hint,omitempty"`
	EncryptedValue string    `json:"-"`
	IV             string    `json:"-"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewSecret is the input for Create. Value is the plaintext.
type NewSecret struct {
	Kind     Kind
	OwnerID  string
	Label    string
	Username string
	Value    string
}

// Store persists secrets.
type Store interface {
	CreateSecret(ctx context.Context, s *Secret) error
	SecretByID(ctx context.Context, id string) (Secret, error)
	ListSecrets(ctx context.Context, ownerID string) ([]Secret, error)
}

// Authorizer checks a permission and records denials.
type Authorizer interface {
	Authorize(ctx context.Context, u auth.SessionUser, p auth.Permission) error
}

// Service encrypts on write and decrypts only through Reveal.
type Service struct {
	store Store
	box   *crypt.Box
	audit auth.AuditLogger
	authz Authorizer
	log   *zap.Logger
	now   func() time.Time
}

// NewService wires the vault.
func NewService(store Store, box *crypt.Box, auditLog auth.AuditLogger, authz Authorizer, log *zap.Logger) (*Service, error) {
	switch {
	case store == nil:
		return nil, errors.New("vault store is required")
	case box == nil:
		return nil, errors.New("encryption box is required")
	case auditLog == nil:
		return nil, errors.New("audit logger is required")
	case authz == nil:
		return nil, errors.New("authorizer is required")
	}
	return &Service{
		store: store,
		box:   box,
		audit: auditLog,
		authz: authz,
		log:   obs.OrNop(log).Named("vault"),
		now:   time.Now,
	}, nil
}

// Create seals Value and stores it with display metadata. Credentials need
// clients.write, bank accounts need payments.write.
func (s *Service) Create(ctx context.Context, actor auth.SessionUser, in NewSecret) (Secret, error) {
	if !in.Kind.Valid() {
		return Secret{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, in.Kind)
	}
	if err := s.authz.Authorize(ctx, actor, writePermission(in.Kind)); err != nil {
		return Secret{}, err
	}
	ownerID := strings.TrimSpace(in.OwnerID)
	label := strings.TrimSpace(in.Label)
	if ownerID == "" || label == "" {
		return Secret{}, fmt.Errorf("%w: owner_id and label are required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Value) == "" {
		return Secret{}, fmt.Errorf("%w: value is required", ErrInvalidInput)
	}
	// The value is sealed exactly as entered; only the hint is derived from
	// the compacted account number.
	var hint string
	if in.Kind == KindBankAccount {
		compact := []rune(compactAccountNumber(in.Value))
		if len(compact) < 4 {
			return Secret{}, fmt.Errorf("%w: account number is too short", ErrInvalidInput)
		}
		hint = string(compact[len(compact)-4:])
	}

	sealed, err := s.box.Encrypt(in.Value)
	if err != nil {
		return Secret{}, fmt.Errorf("seal secret: %w", err)
	}
	secret := Secret{
		ID:             ids.New(),
		Kind:           in.Kind,
		OwnerID:        ownerID,
		Label:          label,
		Username:       strings.TrimSpace(in.Username),
		Hint:           hint,
		EncryptedValue: sealed.Encrypted,
		IV:             sealed.IV,
		CreatedBy:      actor.UserID,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateSecret(ctx, &secret); err != nil {
		return Secret{}, err
	}
	err = s.audit.LogAction(ctx, audit.Event{
		UserID:     actor.UserID,
		EntityType: entityType(secret.Kind),
		EntityID:   secret.ID,
		Action:     audit.ActionCreate,
		Metadata:   audit.Metadata{audit.KeyAfter: secret},
	})
	return secret, err
}

// List returns display metadata for an owner's secrets without decrypting.
func (s *Service) List(ctx context.Context, actor auth.SessionUser, ownerID string) ([]Secret, error) {
	if err := s.authz.Authorize(ctx, actor, auth.PermCredentialsRead); err != nil {
		return nil, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalidInput)
	}
	return s.store.ListSecrets(ctx, ownerID)
}

// Reveal decrypts one secret. The decrypt audit entry is written before the
// plaintext is returned; if it cannot be written nothing is returned.
func (s *Service) Reveal(ctx context.Context, actor auth.SessionUser, id string) (string, error) {
	if err := s.authz.Authorize(ctx, actor, auth.PermCredentialsDecrypt); err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	secret, err := s.store.SecretByID(ctx, id)
	if err != nil {
		return "", err
	}
	plain, err := s.box.Decrypt(secret.EncryptedValue, secret.IV)
	if err != nil {
		obs.DecryptFailures.Inc()
		s.log.Error("secret decryption failed",
			zap.String("secret_id", secret.ID),
			zap.String("kind", string(secret.Kind)),
			zap.String("owner_id", secret.OwnerID),
			zap.String("user_id", actor.UserID),
			zap.Error(err),
		)
		return "", err
	}
	err = s.audit.LogAction(ctx, audit.Event{
		UserID:     actor.UserID,
		EntityType: entityType(secret.Kind),
		EntityID:   secret.ID,
		Action:     audit.ActionDecrypt,
		Metadata: audit.Metadata{audit.KeyContext: map[string]any{
			"kind":     string(secret.Kind),
			"owner_id": secret.OwnerID,
			"label":    secret.Label,
		}},
	})
	if err != nil {
		return "", err
	}
	return plain, nil
}

func writePermission(k Kind) auth.Permission {
	if k == KindBankAccount {
		return auth.PermPaymentsWrite
	}
	return auth.PermClientsWrite
}

func entityType(k Kind) audit.EntityType {
	if k == KindBankAccount {
		return audit.EntityPayment
	}
	return audit.EntityCredential
}

func compactAccountNumber(v string) string {
	var b strings.Builder
	for _, r := range v {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
