package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"brightdesk.io/crm/internal/auth"
)

func (a *API) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.opts.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   int(a.auth.SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.opts.CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) sessionToken(r *http.Request) string {
	c, err := r.Cookie(a.opts.CookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// withSession resolves the session cookie, when present, on every request.
// Unknown or expired tokens clear the cookie and continue unauthenticated.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.sessionToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, ok, err := a.auth.Resolve(r.Context(), token)
		if err != nil {
			a.log.Error("session lookup failed", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, "session lookup failed")
			return
		}
		if !ok {
			a.clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}
		ctx := auth.ContextWithSessionUser(r.Context(), user)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, user auth.SessionUser)

func (a *API) requireSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.SessionUserFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		h(w, r, user)
	}
}

type sessionView struct {
	UserID      string            `json:"user_id"`
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	Title       string            `json:"title,omitempty"`
	RoleID      string            `json:"role_id"`
	RoleName    string            `json:"role_name"`
	Permissions []auth.Permission `json:"permissions"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

func newSessionView(u auth.SessionUser) sessionView {
	return sessionView{
		UserID:      u.UserID,
		Email:       u.Email,
		Name:        u.Name,
		Title:       u.Title,
		RoleID:      u.RoleID,
		RoleName:    u.RoleName,
		Permissions: u.Permissions.Sorted(),
		ExpiresAt:   u.ExpiresAt,
	}
}
