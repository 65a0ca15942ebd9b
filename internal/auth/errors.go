package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")

	// ErrInvalidCredentials never says which factor failed.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrInvalidMFACode     = errors.New("auth: invalid mfa code")
	ErrInvalidChallenge   = errors.New("auth: invalid mfa challenge")

	ErrPermissionDenied = errors.New("auth: permission denied")
)

// KindPermissionDenied is the only authorization failure kind.
const KindPermissionDenied = "PermissionDenied"

// AuthorizationError reports a failed permission or title check.
type AuthorizationError struct {
	Kind       string
	Permission Permission
	Title      string
	UserID     string
}

func (e *AuthorizationError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("auth: permission denied: title %q required", e.Title)
	}
	return fmt.Sprintf("auth: permission denied: %s required", e.Permission)
}

func (e *AuthorizationError) Unwrap() error { return ErrPermissionDenied }

// Requirement names what was missing, for logs and metrics.
func (e *AuthorizationError) Requirement() string {
	if e.Title != "" {
		return "title:" + e.Title
	}
	return string(e.Permission)
}

// LockedError carries the lockout expiry. It unwraps to ErrAccountLocked.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "auth: account locked until " + e.Until.UTC().Format(time.RFC3339)
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }
