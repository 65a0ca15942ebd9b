package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/crypt"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type memStore struct {
	mu       sync.Mutex
	users    map[string]*User
	roles    map[string]*Role
	sessions map[string]*Session
	lastStep map[string]uint64
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]*User{},
		roles:    map[string]*Role{},
		sessions: map[string]*Session{},
		lastStep: map[string]uint64{},
	}
}

func (m *memStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) UserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (m *memStore) UserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memStore) UpdateUserRole(_ context.Context, userID, roleID string) error {
	return m.withUser(userID, func(u *User) { u.RoleID = roleID })
}

func (m *memStore) SetUserStatus(_ context.Context, userID string, status UserStatus) error {
	return m.withUser(userID, func(u *User) { u.Status = status })
}

func (m *memStore) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	return m.withUser(userID, func(u *User) { u.PasswordHash = hash })
}

func (m *memStore) RecordLoginFailure(_ context.Context, userID string, kind FailureKind, policy LockoutPolicy, now time.Time) (LockState, error) {
	var state LockState
	err := m.withUser(userID, func(u *User) {
		if u.LockedUntil != nil && !u.LockedUntil.After(now) {
			u.FailedLoginAttempts, u.FailedMFAAttempts, u.LockedUntil = 0, 0, nil
		}
		counter := &u.FailedLoginAttempts
		if kind == FailureMFA {
			counter = &u.FailedMFAAttempts
		}
		*counter++
		if *counter >= policy.Threshold && u.LockedUntil == nil {
			until := now.Add(policy.Duration)
			u.LockedUntil = &until
		}
		state = LockState{FailedLoginAttempts: u.FailedLoginAttempts, FailedMFAAttempts: u.FailedMFAAttempts, LockedUntil: u.LockedUntil}
	})
	return state, err
}

func (m *memStore) ResetLoginFailures(_ context.Context, userID string) error {
	return m.withUser(userID, func(u *User) {
		u.FailedLoginAttempts, u.FailedMFAAttempts, u.LockedUntil = 0, 0, nil
	})
}

// SetMFASecret keeps the last accepted step, like the users table does.
func (m *memStore) SetMFASecret(_ context.Context, userID string, secret crypt.Sealed) error {
	return m.withUser(userID, func(u *User) {
		u.MFASecret = &secret
		u.MFAEnabled = false
	})
}

// SetMFAEnabled(false) drops the secret and the last accepted step.
func (m *memStore) SetMFAEnabled(_ context.Context, userID string, enabled bool) error {
	err := m.withUser(userID, func(u *User) {
		u.MFAEnabled = enabled
		if !enabled {
			u.MFASecret = nil
		}
	})
	if err == nil && !enabled {
		m.mu.Lock()
		delete(m.lastStep, userID)
		m.mu.Unlock()
	}
	return err
}

func (m *memStore) AcceptMFAStep(_ context.Context, userID string, step uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastStep[userID]; ok && step <= last {
		return false, nil
	}
	m.lastStep[userID] = step
	return true, nil
}

func (m *memStore) CreateRole(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memStore) RoleByID(_ context.Context, id string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return *r, nil
}

func (m *memStore) ListRoles(_ context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memStore) SetRolePermissions(_ context.Context, roleID string, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	r.Permissions = append([]Permission(nil), perms...)
	return nil
}

func (m *memStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) ResolveSession(_ context.Context, tokenHash string, now time.Time) (SessionUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenHash != tokenHash || !s.ExpiresAt.After(now) {
			continue
		}
		u, ok := m.users[s.UserID]
		if !ok || u.Status != UserStatusActive {
			return SessionUser{}, ErrNotFound
		}
		role := m.roles[u.RoleID]
		return SessionUser{
			SessionID:   s.ID,
			UserID:      u.ID,
			Email:       u.Email,
			Name:        u.Name,
			Title:       u.Title,
			RoleID:      role.ID,
			RoleName:    role.Name,
			Permissions: NewPermissionSet(role.Permissions),
			ExpiresAt:   s.ExpiresAt,
		}, nil
	}
	return SessionUser{}, ErrNotFound
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) DeleteSessionByTokenHash(_ context.Context, tokenHash string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.TokenHash == tokenHash {
			delete(m.sessions, id)
			return *s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *memStore) DeleteUserSessions(_ context.Context, userID, exceptID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.UserID == userID && id != exceptID {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) withUser(id string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (m *memStore) user(t *testing.T, id string) User {
	t.Helper()
	u, err := m.UserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// plainHasher stores "plain:<pw>" and counts verifications.
type plainHasher struct {
	mu       sync.Mutex
	verifies int
}

func (h *plainHasher) Hash(password string) (string, error) { return "plain:" + password, nil }

func (h *plainHasher) Verify(hash, password string) (bool, error) {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return hash == "plain:"+password, nil
}

func (h *plainHasher) NeedsRehash(hash string) bool { return !strings.HasPrefix(hash, "plain:") }

func (h *plainHasher) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

type auditRecorder struct {
	mu     sync.Mutex
	events []audit.Event
	failOn map[audit.Action]error
}

func (r *auditRecorder) LogAction(_ context.Context, ev audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn[ev.Action]; err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *auditRecorder) byAction(a audit.Action) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.Action == a {
			out = append(out, ev)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *Service
	store  *memStore
	hasher *plainHasher
	audit  *auditRecorder
	clock  *clock
	box    *crypt.Box
}

const (
	testPassword = "Correct-Horse-9"
	salesRoleID  = "role-sales"
	adminRoleID  = "role-admin"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := crypt.NewFromHex(testKeyHex)
	require.NoError(t, err)
	f := &fixture{
		store:  newMemStore(),
		hasher: &plainHasher{},
		audit:  &auditRecorder{},
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 15, 0, time.UTC)},
		box:    box,
	}
	f.store.roles[salesRoleID] = &Role{ID: salesRoleID, Name: "sales", Permissions: []Permission{PermLeadsRead, PermClientsRead}}
	f.store.roles[adminRoleID] = &Role{ID: adminRoleID, Name: "admin", Permissions: append([]Permission(nil), AllPermissions...)}
	f.svc, err = NewService(f.store, f.audit, box,
		WithHasher(f.hasher),
		WithClock(f.clock.Now),
		WithTOTP(NewTOTP("CRM Test")),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) addUser(id, email, roleID string) *User {
	u := &User{
		ID:           id,
		Email:        email,
		Name:         id,
		PasswordHash: "plain:" + testPassword,
		RoleID:       roleID,
		Status:       UserStatusActive,
	}
	f.store.users[id] = u
	return u
}

// enableMFA gives the user an active secret and returns it in plaintext.
func (f *fixture) enableMFA(t *testing.T, id string) string {
	t.Helper()
	enrollment, err := f.svc.totp.GenerateSecret(id)
	require.NoError(t, err)
	sealed, err := f.box.Encrypt(enrollment.Secret)
	require.NoError(t, err)
	u := f.store.users[id]
	u.MFASecret = &sealed
	u.MFAEnabled = true
	return enrollment.Secret
}

func adminActor() SessionUser {
	return SessionUser{UserID: "admin", Permissions: NewPermissionSet(AllPermissions)}
}
