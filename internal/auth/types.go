package auth

import (
	"strings"
	"time"

	"brightdesk.io/crm/internal/crypt"
)

// UserStatus is active or disabled. Users are never hard-deleted.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User is the identity record. Secret columns never leave the package in JSON.
type User struct {
	ID                  string        `json:"id"`
	Email               string        `json:"email"`
	Name                string        `json:"name"`
	Title               string        `json:"title,omitempty"`
	PasswordHash        string        `json:"-"`
	RoleID              string        `json:"role_id"`
	Status              UserStatus    `json:"status"`
	FailedLoginAttempts int           `json:"-"`
	FailedMFAAttempts   int           `json:"-"`
	LockedUntil         *time.Time    `json:"-"`
	MFASecret           *crypt.Sealed `json:"-"`
	MFAEnabled          bool          `json:"mfa_enabled"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Active reports whether the account may authenticate.
func (u User) Active() bool { return u.Status == UserStatusActive }

// LockedAt reports whether a lockout is in effect at now.
func (u User) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Role is a named, ordered permission bundle.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Session is a server-tracked authentication grant. Only the token hash is stored.
type Session struct {
	ID        string
	TokenHash string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
}

// SessionUser is what a resolved session exposes to handlers.
// Permissions are flattened from the user's role at resolution time.
type SessionUser struct {
	SessionID   string
	UserID      string
	Email       string
	Name        string
	Title       string
	RoleID      string
	RoleName    string
	Permissions PermissionSet
	ExpiresAt   time.Time
}

// FailureKind selects which failure counter a failed attempt increments.
type FailureKind string

const (
	FailurePassword FailureKind = "password"
	FailureMFA      FailureKind = "mfa"
)

// LockoutPolicy is shared by password and MFA failures.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy locks for 15 minutes after 5 failures.
var DefaultLockoutPolicy = LockoutPolicy{Threshold: 5, Duration: 15 * time.Minute}

// LockState is the counter state after a recorded failure.
type LockState struct {
	FailedLoginAttempts int
	FailedMFAAttempts   int
	LockedUntil         *time.Time
}

// NewUser is the input for user creation.
type NewUser struct {
	Email    string
	Name     string
	Title    string
	RoleID   string
	Password string
}

// LoginRequest carries credentials plus request attributes for the audit trail.
type LoginRequest struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// MFARequest completes a login that returned RequiresMFA.
type MFARequest struct {
	UserID    string
	Code      string
	IPAddress string
	UserAgent string
}

// LoginResult is returned by Login and CompleteMFALogin. Token is set only when
// a session was created.
type LoginResult struct {
	RequiresMFA bool
	UserID      string
	Token       string
	Session     Session
	User        User
}

// Enrollment is a freshly generated TOTP secret ready for QR display.
type Enrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
