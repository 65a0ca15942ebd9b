package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/crypt"
	"brightdesk.io/crm/internal/ids"
	"brightdesk.io/crm/internal/obs"
)

const (
	// DefaultSessionTTL is a fixed lifetime; sessions are not extended on activity.
	DefaultSessionTTL = 24 * time.Hour

	sessionTokenBytes = 32
	dummyPassword     = "not-a-real-password-Aa1!"
)

// Service owns the login state machine, session lifecycle, authorization
// checks and user/role administration.
type Service struct {
	store     Store
	audit     AuditLogger
	box       *crypt.Box
	hasher    PasswordHasher
	totp      *TOTP
	replay    ReplayGuard
	log       *zap.Logger
	now       func() time.Time
	ttl       time.Duration
	lockout   LockoutPolicy
	dummyOnce sync.Once
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher overrides the password hasher.
func WithHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithTOTP overrides the TOTP parameters (issuer).
func WithTOTP(t *TOTP) ServiceOption {
	return func(s *Service) error {
		if t != nil {
			s.totp = t
		}
		return nil
	}
}

// WithReplayGuard replaces the store-backed replay guard.
func WithReplayGuard(g ReplayGuard) ServiceOption {
	return func(s *Service) error {
		if g != nil {
			s.replay = g
		}
		return nil
	}
}

// WithSessionTTL configures the fixed session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// WithLockoutPolicy overrides the failure threshold and lock duration.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		if p.Threshold <= 0 || p.Duration <= 0 {
			return fmt.Errorf("%w: lockout threshold and duration must be positive", ErrInvalidInput)
		}
		s.lockout = p
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = obs.OrNop(l).Named("auth")
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, auditLog AuditLogger, box *crypt.Box, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth store is required")
	}
	if auditLog == nil {
		return nil, errors.New("audit logger is required")
	}
	if box == nil {
		return nil, errors.New("encryption box is required")
	}
	svc := &Service{
		store:   store,
		audit:   auditLog,
		box:     box,
		hasher:  NewBcryptHasher(DefaultBcryptCost),
		totp:    NewTOTP(""),
		replay:  StoreReplayGuard{Users: store},
		log:     zap.NewNop(),
		now:     time.Now,
		ttl:     DefaultSessionTTL,
		lockout: DefaultLockoutPolicy,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// SessionTTL is the fixed session lifetime, used for cookie Max-Age.
func (s *Service) SessionTTL() time.Duration { return s.ttl }

// Login verifies email and password. With MFA enabled it returns RequiresMFA
// and creates nothing; otherwise it creates a session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		s.spendDummyHash(req.Password)
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := s.store.UserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}
	if errors.Is(err, ErrNotFound) || !user.Active() {
		s.spendDummyHash(req.Password)
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		auditErr := s.auditFailedLogin(ctx, user.ID, req.IPAddress, req.UserAgent, map[string]any{
			"reason": "unknown_or_disabled",
			"email":  email,
		})
		return LoginResult{}, errors.Join(ErrInvalidCredentials, auditErr)
	}

	now := s.now()
	if user.LockedAt(now) {
		obs.LoginAttempts.WithLabelValues("locked").Inc()
		auditErr := s.auditFailedLogin(ctx, user.ID, req.IPAddress, req.UserAgent, map[string]any{"reason": "locked"})
		return LoginResult{}, errors.Join(&LockedError{Until: *user.LockedUntil}, auditErr)
	}

	ok, err := s.hasher.Verify(user.PasswordHash, req.Password)
	if err != nil {
		s.log.Error("password verification failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	if !ok {
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		return LoginResult{}, s.recordFailure(ctx, user, FailurePassword, req.IPAddress, req.UserAgent, ErrInvalidCredentials)
	}

	s.upgradeHash(ctx, user, req.Password)

	if user.MFAEnabled {
		obs.LoginAttempts.WithLabelValues("mfa_required").Inc()
		return LoginResult{RequiresMFA: true, UserID: user.ID}, nil
	}

	if err := s.store.ResetLoginFailures(ctx, user.ID); err != nil {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return LoginResult{}, fmt.Errorf("reset login failures: %w", err)
	}
	return s.issueSession(ctx, user, req.IPAddress, req.UserAgent)
}

// CompleteMFALogin verifies a TOTP code for a user whose password was already
// accepted. MFA failures use their own counter but trigger the same lockout.
func (s *Service) CompleteMFALogin(ctx context.Context, req MFARequest) (LoginResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return LoginResult{}, ErrInvalidMFACode
	}
	user, err := s.store.UserByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		obs.LoginAttempts.WithLabelValues("mfa_invalid").Inc()
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}
	if !user.Active() || !user.MFAEnabled || user.MFASecret == nil {
		obs.LoginAttempts.WithLabelValues("mfa_invalid").Inc()
		return LoginResult{}, ErrInvalidCredentials
	}

	now := s.now()
	if user.LockedAt(now) {
		obs.LoginAttempts.WithLabelValues("locked").Inc()
		auditErr := s.auditFailedLogin(ctx, user.ID, req.IPAddress, req.UserAgent, map[string]any{"reason": "locked", "factor": "mfa"})
		return LoginResult{}, errors.Join(&LockedError{Until: *user.LockedUntil}, auditErr)
	}

	secret, err := s.openMFASecret(user)
	if err != nil {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return LoginResult{}, err
	}

	step, valid := s.totp.Verify(req.Code, secret, now)
	if valid {
		accepted, err := s.replay.Accept(ctx, user.ID, step)
		if err != nil {
			obs.LoginAttempts.WithLabelValues("error").Inc()
			return LoginResult{}, fmt.Errorf("check totp replay: %w", err)
		}
		if !accepted {
			s.log.Warn("totp code replayed", zap.String("user_id", user.ID), zap.Uint64("step", step))
			valid = false
		}
	}
	if !valid {
		obs.LoginAttempts.WithLabelValues("mfa_invalid").Inc()
		return LoginResult{}, s.recordFailure(ctx, user, FailureMFA, req.IPAddress, req.UserAgent, ErrInvalidMFACode)
	}

	if err := s.store.ResetLoginFailures(ctx, user.ID); err != nil {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return LoginResult{}, fmt.Errorf("reset login failures: %w", err)
	}
	return s.issueSession(ctx, user, req.IPAddress, req.UserAgent)
}

// Resolve maps a raw session token to its user. A missing or expired session
// is reported as ok=false with a nil error.
func (s *Service) Resolve(ctx context.Context, token string) (SessionUser, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionUser{}, false, nil
	}
	user, err := s.store.ResolveSession(ctx, crypt.Hash(token), s.now())
	if errors.Is(err, ErrNotFound) {
		return SessionUser{}, false, nil
	}
	if err != nil {
		return SessionUser{}, false, fmt.Errorf("resolve session: %w", err)
	}
	return user, true, nil
}

// Logout deletes the server-side session. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	sess, err := s.store.DeleteSessionByTokenHash(ctx, crypt.Hash(token))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return s.audit.LogAction(ctx, audit.Event{
		UserID:     sess.UserID,
		EntityType: audit.EntitySession,
		EntityID:   sess.ID,
		Action:     audit.ActionLogout,
	})
}

// SweepExpired removes sessions past their expiry.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if n > 0 {
		s.log.Info("expired sessions removed", zap.Int64("count", n))
	}
	return n, nil
}

// RevokeUserSessions deletes every session of userID except exceptSessionID.
func (s *Service) RevokeUserSessions(ctx context.Context, userID, exceptSessionID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	n, err := s.store.DeleteUserSessions(ctx, userID, exceptSessionID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	return n, nil
}

func (s *Service) issueSession(ctx context.Context, user User, ip, ua string) (LoginResult, error) {
	token, err := crypt.GenerateToken(sessionTokenBytes)
	if err != nil {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return LoginResult{}, err
	}
	now := s.now().UTC()
	sess := Session{
		ID:        ids.New(),
		TokenHash: crypt.Hash(token),
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		IPAddress: strings.TrimSpace(ip),
		UserAgent: strings.TrimSpace(ua),
	}
	if err := s.store.CreateSession(ctx, &sess); err != nil {
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	err = s.audit.LogAction(ctx, audit.Event{
		UserID:     user.ID,
		EntityType: audit.EntitySession,
		EntityID:   sess.ID,
		Action:     audit.ActionLogin,
		Metadata:   requestMetadata(ip, ua, nil),
	})
	if err != nil {
		// a session without a login entry must not stay valid
		if delErr := s.store.DeleteSession(ctx, sess.ID); delErr != nil {
			s.log.Error("delete unaudited session failed", zap.String("session_id", sess.ID), zap.Error(delErr))
		}
		obs.LoginAttempts.WithLabelValues("error").Inc()
		return LoginResult{}, err
	}

	obs.LoginAttempts.WithLabelValues("success").Inc()
	user.FailedLoginAttempts, user.FailedMFAAttempts, user.LockedUntil = 0, 0, nil
	return LoginResult{UserID: user.ID, Token: token, Session: sess, User: user}, nil
}

func (s *Service) recordFailure(ctx context.Context, user User, kind FailureKind, ip, ua string, cause error) error {
	state, err := s.store.RecordLoginFailure(ctx, user.ID, kind, s.lockout, s.now())
	if err != nil {
		s.log.Error("record login failure", zap.String("user_id", user.ID), zap.Error(err))
	}
	detail := map[string]any{
		"reason":                fmt.Sprintf("invalid_%s", kind),
		"failed_login_attempts": state.FailedLoginAttempts,
		"failed_mfa_attempts":   state.FailedMFAAttempts,
	}
	if state.LockedUntil != nil {
		detail["locked_until"] = state.LockedUntil.UTC().Format(time.RFC3339)
		s.log.Warn("account locked", zap.String("user_id", user.ID), zap.String("factor", string(kind)), zap.Time("until", *state.LockedUntil))
	}
	auditErr := s.auditFailedLogin(ctx, user.ID, ip, ua, detail)
	return errors.Join(cause, err, auditErr)
}

func (s *Service) auditFailedLogin(ctx context.Context, userID, ip, ua string, detail map[string]any) error {
	return s.audit.LogAction(ctx, audit.Event{
		UserID:     userID,
		EntityType: audit.EntityUser,
		EntityID:   userID,
		Action:     audit.ActionFailedLogin,
		Metadata:   requestMetadata(ip, ua, detail),
	})
}

func (s *Service) openMFASecret(user User) (string, error) {
	secret, err := s.box.Decrypt(user.MFASecret.Encrypted, user.MFASecret.IV)
	if err != nil {
		obs.DecryptFailures.Inc()
		s.log.Error("mfa secret decryption failed", zap.String("user_id", user.ID), zap.Error(err))
		return "", fmt.Errorf("open mfa secret: %w", err)
	}
	return secret, nil
}

func (s *Service) upgradeHash(ctx context.Context, user User, password string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.store.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.log.Warn("password rehash failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// spendDummyHash keeps unknown-user failures from returning measurably faster.
func (s *Service) spendDummyHash(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(dummyPassword)
		if err != nil {
			s.log.Warn("dummy hash unavailable", zap.Error(err))
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.Verify(s.dummyHash, password)
	}
}

func requestMetadata(ip, ua string, detail map[string]any) audit.Metadata {
	md := audit.Metadata{}
	if ip = strings.TrimSpace(ip); ip != "" {
		md[audit.KeyIPAddress] = ip
	}
	if ua = strings.TrimSpace(ua); ua != "" {
		md[audit.KeyUserAgent] = ua
	}
	if len(detail) > 0 {
		md[audit.KeyContext] = detail
	}
	return md
}
