package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/ids"
)

// CreateRole adds a named permission bundle. Requires roles.manage.
func (s *Service) CreateRole(ctx context.Context, actor SessionUser, name string, perms []Permission) (Role, error) {
	if err := s.Authorize(ctx, actor, PermRolesManage); err != nil {
		return Role{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	perms, err := validatePermissions(perms)
	if err != nil {
		return Role{}, err
	}
	role := Role{ID: ids.New(), Name: name, Permissions: perms}
	if err := s.store.CreateRole(ctx, &role); err != nil {
		return Role{}, err
	}
	err = s.audit.LogAction(ctx, audit.Event{
		UserID:     actor.UserID,
		EntityType: audit.EntityRole,
		EntityID:   role.ID,
		Action:     audit.ActionCreate,
		Metadata:   audit.Metadata{audit.KeyAfter: roleSnapshot(role)},
	})
	return role, err
}

// ListRoles returns every role. Requires roles.manage or users.manage.
func (s *Service) ListRoles(ctx context.Context, actor SessionUser) ([]Role, error) {
	if !actor.HasPermission(PermUsersManage) {
		if err := s.Authorize(ctx, actor, PermRolesManage); err != nil {
			return nil, err
		}
	}
	return s.store.ListRoles(ctx)
}

// SetRolePermissions replaces a role's permission set. Sessions of users in
// that role see the change on their next resolution.
func (s *Service) SetRolePermissions(ctx context.Context, actor SessionUser, roleID string, perms []Permission) (Role, error) {
	if err := s.Authorize(ctx, actor, PermRolesManage); err != nil {
		return Role{}, err
	}
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	perms, err := validatePermissions(perms)
	if err != nil {
		return Role{}, err
	}
	before, err := s.store.RoleByID(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if err := s.store.SetRolePermissions(ctx, roleID, perms); err != nil {
		return Role{}, err
	}
	after := before
	after.Permissions = perms
	err = s.audit.LogAction(ctx, audit.Event{
		UserID:     actor.UserID,
		EntityType: audit.EntityRole,
		EntityID:   roleID,
		Action:     audit.ActionUpdate,
		Metadata: audit.Metadata{
			audit.KeyBefore: roleSnapshot(before),
			audit.KeyAfter:  roleSnapshot(after),
		},
	})
	return after, err
}

// CreateUser invites a user. When no password is supplied a temporary one is
// generated and returned once; it is never stored in plaintext.
func (s *Service) CreateUser(ctx context.Context, actor SessionUser, in NewUser) (User, string, error) {
	if err := s.Authorize(ctx, actor, PermUsersManage); err != nil {
		return User{}, "", err
	}
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return User{}, "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	roleID := strings.TrimSpace(in.RoleID)
	if roleID == "" {
		return User{}, "", fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if _, err := s.store.RoleByID(ctx, roleID); err != nil {
		return User{}, "", err
	}

	password, temporary := in.Password, ""
	if password == "" {
		generated, err := GenerateTemporaryPassword()
		if err != nil {
			return User{}, "", err
		}
		password, temporary = generated, generated
	} else if err := ValidatePasswordComplexity(password); err != nil {
		return User{}, "", err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, "", err
	}

	now := s.now().UTC()
	user := User{
		ID:           ids.New(),
		Email:        email,
		Name:         name,
		Title:        strings.TrimSpace(in.Title),
		PasswordHash: hash,
		RoleID:       roleID,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return User{}, "", err
	}
	err = s.audit.LogAction(ctx, audit.Event{
		UserID:     actor.UserID,
		EntityType: audit.EntityUser,
		EntityID:   user.ID,
		Action:     audit.ActionCreate,
		Metadata:   audit.Metadata{audit.KeyAfter: userSnapshot(user)},
	})
	return user, temporary, err
}

// AssignRole moves a user to another role. Requires users.manage.
func (s *Service) AssignRole(ctx context.Context, actor SessionUser, userID, roleID string) (User, error) {
	if err := s.Authorize(ctx, actor, PermUsersManage); err != nil {
		return User{}, err
	}
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return User{}, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	before, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if _, err := s.store.RoleByID(ctx, roleID); err != nil {
		return User{}, err
	}
	if err := s.store.UpdateUserRole(ctx, userID, roleID); err != nil {
		return User{}, err
	}
	after := before
	after.RoleID = roleID
	err = s.audit.LogAction(ctx, audit.Event{
		UserID:     actor.UserID,
		EntityType: audit.EntityUser,
		EntityID:   userID,
		Action:     audit.ActionUpdate,
		Metadata: audit.Metadata{
			audit.KeyBefore: map[string]any{"role_id": before.RoleID},
			audit.KeyAfter:  map[string]any{"role_id": after.RoleID},
		},
	})
	return after, err
}

// DisableUser flips status to disabled and revokes every session. Users are
// never deleted so audit references stay valid.
func (s *Service) DisableUser(ctx context.Context, actor SessionUser, userID string) error {
	if err := s.Authorize(ctx, actor, PermUsersManage); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if userID == actor.UserID {
		return fmt.Errorf("%w: cannot disable own account", ErrInvalidInput)
	}
	before, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if before.Status == UserStatusDisabled {
		return nil
	}
	if err := s.store.SetUserStatus(ctx, userID, UserStatusDisabled); err != nil {
		return err
	}
	revoked, revokeErr := s.store.DeleteUserSessions(ctx, userID, "")
	auditErr := s.audit.LogAction(ctx, audit.Event{
		UserID:     actor.UserID,
		EntityType: audit.EntityUser,
		EntityID:   userID,
		Action:     audit.ActionUpdate,
		Metadata: audit.Metadata{
			audit.KeyBefore:  map[string]any{"status": string(before.Status)},
			audit.KeyAfter:   map[string]any{"status": string(UserStatusDisabled)},
			audit.KeyContext: map[string]any{"sessions_revoked": revoked},
		},
	})
	if revokeErr != nil {
		revokeErr = fmt.Errorf("revoke sessions: %w", revokeErr)
	}
	return errors.Join(revokeErr, auditErr)
}

func validatePermissions(perms []Permission) ([]Permission, error) {
	raw := make([]string, len(perms))
	for i, p := range perms {
		raw[i] = string(p)
	}
	return ParsePermissions(raw)
}

func roleSnapshot(r Role) map[string]any {
	perms := make([]any, len(r.Permissions))
	for i, p := range r.Permissions {
		perms[i] = string(p)
	}
	return map[string]any{"name": r.Name, "permissions": perms}
}

func userSnapshot(u User) map[string]any {
	return map[string]any{
		"email":   u.Email,
		"name":    u.Name,
		"title":   u.Title,
		"role_id": u.RoleID,
		"status":  string(u.Status),
	}
}
