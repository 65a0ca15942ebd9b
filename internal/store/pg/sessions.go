package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"brightdesk.io/crm/internal/auth"
)

func (s *Store) CreateSession(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(id, token_hash, user_id, issued_at, expires_at, ip_address, user_agent)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, sess.ID, sess.TokenHash, sess.UserID, sess.IssuedAt, sess.ExpiresAt,
		nullIfEmpty(sess.IPAddress), nullIfEmpty(sess.UserAgent))
	return mapWriteError(err, auth.ErrConflict, auth.ErrNotFound)
}

// ResolveSession reads the role on every call so permission changes apply to
// live sessions without re-login.
func (s *Store) ResolveSession(ctx context.Context, tokenHash string, now time.Time) (auth.SessionUser, error) {
	var (
		su    auth.SessionUser
		title sql.NullString
		raw   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select s.id, u.id, u.email, u.name, u.title, r.id, r.name, r.permissions, s.expires_at
		from sessions s
		join users u on u.id = s.user_id
		join roles r on r.id = u.role_id
		where s.token_hash = $1 and s.expires_at > $2 and u.status = 'active'
	`, tokenHash, now).Scan(&su.SessionID, &su.UserID, &su.Email, &su.Name, &title,
		&su.RoleID, &su.RoleName, &raw, &su.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.SessionUser{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.SessionUser{}, err
	}
	perms, err := decodePermissions(raw)
	if err != nil {
		return auth.SessionUser{}, err
	}
	su.Title = title.String
	su.Permissions = auth.NewPermissionSet(perms)
	return su, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where id=$1`, id)
	return err
}

func (s *Store) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) (auth.Session, error) {
	var (
		sess   auth.Session
		ip, ua sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		delete from sessions where token_hash=$1
		returning id, token_hash, user_id, issued_at, expires_at, ip_address, user_agent
	`, tokenHash).Scan(&sess.ID, &sess.TokenHash, &sess.UserID, &sess.IssuedAt, &sess.ExpiresAt, &ip, &ua)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	sess.IPAddress, sess.UserAgent = ip.String, ua.String
	return sess, nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID, exceptID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from sessions where user_id=$1 and ($2 = '' or id <> $2)
	`, userID, exceptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
