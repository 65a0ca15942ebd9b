package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"brightdesk.io/crm/internal/audit"
)

// ChangePassword verifies the current password, applies the complexity policy
// and revokes every other session of the user.
func (s *Service) ChangePassword(ctx context.Context, actor SessionUser, current, next string) error {
	user, err := s.store.UserByID(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if err := s.rejectLocked(ctx, user, "change_password"); err != nil {
		return err
	}
	ok, err := s.hasher.Verify(user.PasswordHash, current)
	if err != nil {
		s.log.Error("password verification failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	if !ok {
		return s.recordFailure(ctx, user, FailurePassword, "", "", ErrInvalidCredentials)
	}
	if err := ValidatePasswordComplexity(next); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return err
	}
	revoked, revokeErr := s.store.DeleteUserSessions(ctx, user.ID, actor.SessionID)
	auditErr := s.audit.LogAction(ctx, audit.Event{
		UserID:     user.ID,
		EntityType: audit.EntityUser,
		EntityID:   user.ID,
		Action:     audit.ActionUpdate,
		Metadata: audit.Metadata{
			audit.KeyBefore:  map[string]any{"password_hash": user.PasswordHash},
			audit.KeyAfter:   map[string]any{"password_hash": hash},
			audit.KeyContext: map[string]any{"change": "password", "sessions_revoked": revoked},
		},
	})
	if revokeErr != nil {
		revokeErr = fmt.Errorf("revoke sessions: %w", revokeErr)
	}
	return errors.Join(revokeErr, auditErr)
}

// BeginMFAEnrollment generates a secret and stores it encrypted but inactive
// until EnableMFA confirms a code from the authenticator app.
func (s *Service) BeginMFAEnrollment(ctx context.Context, actor SessionUser) (Enrollment, error) {
	user, err := s.store.UserByID(ctx, actor.UserID)
	if err != nil {
		return Enrollment{}, err
	}
	if user.MFAEnabled {
		return Enrollment{}, fmt.Errorf("%w: mfa already enabled", ErrConflict)
	}
	enrollment, err := s.totp.GenerateSecret(user.Email)
	if err != nil {
		return Enrollment{}, err
	}
	sealed, err := s.box.Encrypt(enrollment.Secret)
	if err != nil {
		return Enrollment{}, fmt.Errorf("seal mfa secret: %w", err)
	}
	if err := s.store.SetMFASecret(ctx, user.ID, sealed); err != nil {
		return Enrollment{}, err
	}
	return enrollment, nil
}

// EnableMFA activates the pending secret once code verifies against it.
func (s *Service) EnableMFA(ctx context.Context, actor SessionUser, code string) error {
	user, err := s.store.UserByID(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return fmt.Errorf("%w: mfa already enabled", ErrConflict)
	}
	if user.MFASecret == nil {
		return fmt.Errorf("%w: mfa enrollment not started", ErrInvalidInput)
	}
	if err := s.checkCode(ctx, user, code); err != nil {
		return err
	}
	if err := s.store.SetMFAEnabled(ctx, user.ID, true); err != nil {
		return err
	}
	return s.auditMFAChange(ctx, user.ID, false, true)
}

// DisableMFA requires a valid current code and clears the stored secret.
func (s *Service) DisableMFA(ctx context.Context, actor SessionUser, code string) error {
	user, err := s.store.UserByID(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled || user.MFASecret == nil {
		return fmt.Errorf("%w: mfa is not enabled", ErrInvalidInput)
	}
	if err := s.checkCode(ctx, user, code); err != nil {
		return err
	}
	if err := s.store.SetMFAEnabled(ctx, user.ID, false); err != nil {
		return err
	}
	return s.auditMFAChange(ctx, user.ID, true, false)
}

// checkCode re-verifies a TOTP code for an account change. Wrong or replayed
// codes count toward the same lockout as MFA login failures.
func (s *Service) checkCode(ctx context.Context, user User, code string) error {
	if err := s.rejectLocked(ctx, user, "mfa_change"); err != nil {
		return err
	}
	secret, err := s.openMFASecret(user)
	if err != nil {
		return err
	}
	step, ok := s.totp.Verify(code, secret, s.now())
	if ok {
		accepted, err := s.replay.Accept(ctx, user.ID, step)
		if err != nil {
			return fmt.Errorf("check totp replay: %w", err)
		}
		ok = accepted
	}
	if !ok {
		return s.recordFailure(ctx, user, FailureMFA, "", "", ErrInvalidMFACode)
	}
	return nil
}

// rejectLocked refuses credential re-verification while a lockout is active,
// so a session holder cannot keep guessing past the login threshold.
func (s *Service) rejectLocked(ctx context.Context, user User, operation string) error {
	if !user.LockedAt(s.now()) {
		return nil
	}
	auditErr := s.auditFailedLogin(ctx, user.ID, "", "", map[string]any{"reason": "locked", "operation": operation})
	return errors.Join(&LockedError{Until: *user.LockedUntil}, auditErr)
}

func (s *Service) auditMFAChange(ctx context.Context, userID string, before, after bool) error {
	return s.audit.LogAction(ctx, audit.Event{
		UserID:     userID,
		EntityType: audit.EntityUser,
		EntityID:   userID,
		Action:     audit.ActionUpdate,
		Metadata: audit.Metadata{
			audit.KeyBefore: map[string]any{"mfa_enabled": before},
			audit.KeyAfter:  map[string]any{"mfa_enabled": after},
		},
	})
}
