package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"brightdesk.io/crm/internal/obs"
)

// HasPermission reports whether the session user holds p.
func (u SessionUser) HasPermission(p Permission) bool {
	return u.Permissions.Has(p)
}

// RequirePermission fails with *AuthorizationError when p is missing.
func (u SessionUser) RequirePermission(p Permission) error {
	if u.HasPermission(p) {
		return nil
	}
	return &AuthorizationError{Kind: KindPermissionDenied, Permission: p, UserID: u.UserID}
}

// RequireTitle is an exact, case-sensitive title gate independent of permissions.
func (u SessionUser) RequireTitle(title string) error {
	if title != "" && u.Title == title {
		return nil
	}
	return &AuthorizationError{Kind: KindPermissionDenied, Title: title, UserID: u.UserID}
}

// Authorize checks p and logs and counts any denial.
func (s *Service) Authorize(ctx context.Context, u SessionUser, p Permission) error {
	return s.denied(ctx, u.RequirePermission(p))
}

// AuthorizeTitle requires both p and the exact title.
func (s *Service) AuthorizeTitle(ctx context.Context, u SessionUser, p Permission, title string) error {
	if err := u.RequirePermission(p); err != nil {
		return s.denied(ctx, err)
	}
	return s.denied(ctx, u.RequireTitle(title))
}

// AuthorizeAuditViewer is the audit log gate: audit.read held by the CTO.
func (s *Service) AuthorizeAuditViewer(ctx context.Context, u SessionUser) error {
	return s.AuthorizeTitle(ctx, u, PermAuditRead, TitleCTO)
}

func (s *Service) denied(_ context.Context, err error) error {
	if err == nil {
		return nil
	}
	var authzErr *AuthorizationError
	if errors.As(err, &authzErr) {
		obs.AuthzDenied.WithLabelValues(authzErr.Requirement()).Inc()
		s.log.Warn("authorization denied",
			zap.String("user_id", authzErr.UserID),
			zap.String("requirement", authzErr.Requirement()),
		)
	}
	return err
}

// SystemActor is the identity operator tooling acts as. It holds every
// permission and has no user id, so its audit entries carry a null user.
func SystemActor() SessionUser {
	return SessionUser{Permissions: NewPermissionSet(AllPermissions)}
}
