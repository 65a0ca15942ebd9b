package auth

import (
	"context"
	"time"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/crypt"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	UserStore
	RoleStore
	SessionStore
}

// UserStore manages users, failure counters and MFA state.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (User, error)
	// UserByEmail matches the already normalised address.
	UserByEmail(ctx context.Context, email string) (User, error)
	UpdateUserRole(ctx context.Context, userID, roleID string) error
	SetUserStatus(ctx context.Context, userID string, status UserStatus) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error

	// RecordLoginFailure increments the counter for kind in a single atomic
	// statement and sets locked_until once the threshold is reached. A lock that
	// has already expired resets both counters first.
	RecordLoginFailure(ctx context.Context, userID string, kind FailureKind, policy LockoutPolicy, now time.Time) (LockState, error)
	// ResetLoginFailures zeroes both counters and clears any lock.
	ResetLoginFailures(ctx context.Context, userID string) error

	// SetMFASecret stores a pending secret with MFA disabled.
	SetMFASecret(ctx context.Context, userID string, secret crypt.Sealed) error
	// SetMFAEnabled flips the flag; disabling clears the secret.
	SetMFAEnabled(ctx context.Context, userID string, enabled bool) error
	// AcceptMFAStep records step only when it is greater than the last accepted one.
	AcceptMFAStep(ctx context.Context, userID string, step uint64) (bool, error)
}

// RoleStore manages roles.
type RoleStore interface {
	CreateRole(ctx context.Context, role *Role) error
	RoleByID(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	SetRolePermissions(ctx context.Context, roleID string, perms []Permission) error
}

// SessionStore manages session rows keyed by token hash.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	// ResolveSession returns ErrNotFound for a missing or expired session and
	// for a disabled user. Permissions are read from the role on every call.
	ResolveSession(ctx context.Context, tokenHash string, now time.Time) (SessionUser, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (Session, error)
	// DeleteUserSessions removes every session of userID except exceptID.
	DeleteUserSessions(ctx context.Context, userID, exceptID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// AuditLogger is the audit writer as seen by the auth subsystem.
type AuditLogger interface {
	LogAction(ctx context.Context, ev audit.Event) error
}
