package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"brightdesk.io/crm/internal/auth"
	"brightdesk.io/crm/internal/crypt"
)

const userColumns = `id, email, name, title, password_hash, role_id, status,
	failed_login_attempts, failed_mfa_attempts, locked_until,
	mfa_secret_encrypted, mfa_secret_iv, mfa_enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u      auth.User
		title  sql.NullString
		status string
		locked sql.NullTime
		secret sql.NullString
		iv     sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &title, &u.PasswordHash, &u.RoleID, &status,
		&u.FailedLoginAttempts, &u.FailedMFAAttempts, &locked,
		&secret, &iv, &u.MFAEnabled, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.Title = title.String
	u.Status = auth.UserStatus(status)
	u.LockedUntil = timePtr(locked)
	if secret.Valid && iv.Valid {
		u.MFASecret = &crypt.Sealed{Encrypted: secret.String, IV: iv.String}
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	err := s.db.QueryRowContext(ctx, `
		insert into users(id, email, name, title, password_hash, role_id, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,now(),now())
		returning created_at, updated_at
	`, u.ID, u.Email, u.Name, nullIfEmpty(u.Title), u.PasswordHash, u.RoleID, string(u.Status)).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return mapWriteError(err, auth.ErrConflict, auth.ErrNotFound)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where lower(email)=$1`, email))
}

func (s *Store) UpdateUserRole(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `update users set role_id=$2, updated_at=now() where id=$1`, userID, roleID)
	if err != nil {
		return mapWriteError(err, auth.ErrConflict, auth.ErrNotFound)
	}
	return expectAffected(res, auth.ErrNotFound)
}

func (s *Store) SetUserStatus(ctx context.Context, userID string, status auth.UserStatus) error {
	res, err := s.db.ExecContext(ctx, `update users set status=$2, updated_at=now() where id=$1`, userID, string(status))
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `update users set password_hash=$2, updated_at=now() where id=$1`, userID, hash)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}

// recordFailureSQL increments one counter and locks the account once either
// counter reaches the threshold. An expired lock zeroes both counters first.
// Everything happens in one statement so concurrent failures serialise on the
// row lock instead of losing increments.
const recordFailureSQL = `
	update users set
		failed_login_attempts = (case when locked_until <= $2 then 0 else failed_login_attempts end) + $3,
		failed_mfa_attempts   = (case when locked_until <= $2 then 0 else failed_mfa_attempts end) + $4,
		locked_until = case
			when locked_until > $2 then locked_until
			when (case when locked_until <= $2 then 0 else failed_login_attempts end) + $3 >= $5
			  or (case when locked_until <= $2 then 0 else failed_mfa_attempts end) + $4 >= $5 then $6
			else null
		end,
		updated_at = $2
	where id = $1
	returning failed_login_attempts, failed_mfa_attempts, locked_until`

func (s *Store) RecordLoginFailure(ctx context.Context, userID string, kind auth.FailureKind, policy auth.LockoutPolicy, now time.Time) (auth.LockState, error) {
	var loginInc, mfaInc int
	switch kind {
	case auth.FailurePassword:
		loginInc = 1
	case auth.FailureMFA:
		mfaInc = 1
	default:
		return auth.LockState{}, fmt.Errorf("%w: failure kind %q", auth.ErrInvalidInput, kind)
	}
	var (
		state  auth.LockState
		locked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, recordFailureSQL,
		userID, now, loginInc, mfaInc, policy.Threshold, now.Add(policy.Duration)).
		Scan(&state.FailedLoginAttempts, &state.FailedMFAAttempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LockState{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.LockState{}, err
	}
	state.LockedUntil = timePtr(locked)
	return state, nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts=0, failed_mfa_attempts=0, locked_until=null, updated_at=now()
		where id=$1
	`, userID)
	return err
}

func (s *Store) SetMFASecret(ctx context.Context, userID string, secret crypt.Sealed) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set mfa_secret_encrypted=$2, mfa_secret_iv=$3, mfa_enabled=false, updated_at=now()
		where id=$1
	`, userID, secret.Encrypted, secret.IV)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}

func (s *Store) SetMFAEnabled(ctx context.Context, userID string, enabled bool) error {
	query := `update users set mfa_enabled=true, updated_at=now() where id=$1`
	if !enabled {
		query = `update users
			set mfa_enabled=false, mfa_secret_encrypted=null, mfa_secret_iv=null, mfa_last_step=null, updated_at=now()
			where id=$1`
	}
	res, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return err
	}
	return expectAffected(res, auth.ErrNotFound)
}

func (s *Store) AcceptMFAStep(ctx context.Context, userID string, step uint64) (bool, error) {
	if step > 1<<62 {
		return false, fmt.Errorf("%w: step out of range", auth.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		update users set mfa_last_step=$2
		where id=$1 and (mfa_last_step is null or mfa_last_step < $2)
	`, userID, int64(step))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
