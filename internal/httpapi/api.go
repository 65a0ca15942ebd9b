// Package httpapi exposes the authentication, administration, audit and
// secret operations over HTTP with cookie-based sessions.
package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/auth"
	"brightdesk.io/crm/internal/obs"
	"brightdesk.io/crm/internal/vault"
)

// AuthService is the subset of *auth.Service the handlers use.
type AuthService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	CompleteMFALogin(ctx context.Context, req auth.MFARequest) (auth.LoginResult, error)
	Resolve(ctx context.Context, token string) (auth.SessionUser, bool, error)
	Logout(ctx context.Context, token string) error
	SessionTTL() time.Duration

	ChangePassword(ctx context.Context, actor auth.SessionUser, current, next string) error
	BeginMFAEnrollment(ctx context.Context, actor auth.SessionUser) (auth.Enrollment, error)
	EnableMFA(ctx context.Context, actor auth.SessionUser, code string) error
	DisableMFA(ctx context.Context, actor auth.SessionUser, code string) error

	CreateRole(ctx context.Context, actor auth.SessionUser, name string, perms []auth.Permission) (auth.Role, error)
	ListRoles(ctx context.Context, actor auth.SessionUser) ([]auth.Role, error)
	SetRolePermissions(ctx context.Context, actor auth.SessionUser, roleID string, perms []auth.Permission) (auth.Role, error)
	CreateUser(ctx context.Context, actor auth.SessionUser, in auth.NewUser) (auth.User, string, error)
	AssignRole(ctx context.Context, actor auth.SessionUser, userID, roleID string) (auth.User, error)
	DisableUser(ctx context.Context, actor auth.SessionUser, userID string) error

	AuthorizeAuditViewer(ctx context.Context, u auth.SessionUser) error
}

// SecretService is the subset of *vault.Service the handlers use.
type SecretService interface {
	Create(ctx context.Context, actor auth.SessionUser, in vault.NewSecret) (vault.Secret, error)
	List(ctx context.Context, actor auth.SessionUser, ownerID string) ([]vault.Secret, error)
	Reveal(ctx context.Context, actor auth.SessionUser, id string) (string, error)
}

// AuditReader serves the audit viewer.
type AuditReader interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// ReadyProbe checks backing services for /readyz. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the services behind the API.
type Deps struct {
	Auth       AuthService
	Secrets    SecretService
	Audit      AuditReader
	Challenges *auth.Challenges
	Ready      ReadyProbe
	Logger     *zap.Logger
}

// Options tune the HTTP surface.
type Options struct {
	Version            string
	CookieName         string
	CookieSecure       bool
	MaxBodyBytes       int64
	LoginRatePerMinute int
	LoginRateBurst     int
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       AuthService
	secrets    SecretService
	audit      AuditReader
	challenges *auth.Challenges
	readyProbe ReadyProbe
	log        *zap.Logger
	limiter    *RateLimiter
	opts       Options
}

func New(deps Deps, opts Options) (*API, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("auth service is required")
	case deps.Secrets == nil:
		return nil, errors.New("secret service is required")
	case deps.Audit == nil:
		return nil, errors.New("audit reader is required")
	case deps.Challenges == nil:
		return nil, errors.New("mfa challenges are required")
	}
	if opts.CookieName == "" {
		opts.CookieName = "crm_session"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.LoginRatePerMinute <= 0 {
		opts.LoginRatePerMinute = 10
	}
	if opts.LoginRateBurst <= 0 {
		opts.LoginRateBurst = 5
	}
	a := &API{
		mux:        http.NewServeMux(),
		auth:       deps.Auth,
		secrets:    deps.Secrets,
		audit:      deps.Audit,
		challenges: deps.Challenges,
		readyProbe: deps.Ready,
		log:        obs.OrNop(deps.Logger).Named("http"),
		limiter:    NewRateLimiter(opts.LoginRatePerMinute, opts.LoginRateBurst),
		opts:       opts,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/login", a.rateLimited(a.handleLogin))
	a.mux.Handle("POST /v1/auth/mfa", a.rateLimited(a.handleMFA))
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("GET /v1/auth/session", a.requireSession(a.handleSession))
	a.mux.Handle("POST /v1/auth/password", a.rateLimited(a.requireSession(a.handleChangePassword)))
	a.mux.HandleFunc("POST /v1/auth/mfa/enroll", a.requireSession(a.handleMFAEnroll))
	a.mux.Handle("POST /v1/auth/mfa/enable", a.rateLimited(a.requireSession(a.handleMFAEnable)))
	a.mux.Handle("POST /v1/auth/mfa/disable", a.rateLimited(a.requireSession(a.handleMFADisable)))

	a.mux.HandleFunc("GET /v1/roles", a.requireSession(a.handleListRoles))
	a.mux.HandleFunc("POST /v1/roles", a.requireSession(a.handleCreateRole))
	a.mux.HandleFunc("PUT /v1/roles/{id}/permissions", a.requireSession(a.handleSetRolePermissions))
	a.mux.HandleFunc("POST /v1/users", a.requireSession(a.handleCreateUser))
	a.mux.HandleFunc("PUT /v1/users/{id}/role", a.requireSession(a.handleAssignRole))
	a.mux.HandleFunc("POST /v1/users/{id}/disable", a.requireSession(a.handleDisableUser))

	a.mux.HandleFunc("GET /v1/audit", a.requireSession(a.handleAuditQuery))

	a.mux.HandleFunc("GET /v1/secrets", a.requireSession(a.handleListSecrets))
	a.mux.HandleFunc("POST /v1/secrets", a.requireSession(a.handleCreateSecret))
	a.mux.HandleFunc("POST /v1/secrets/{id}/reveal", a.requireSession(a.handleRevealSecret))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = SecurityHeaders(h)
	h = LoggingJSON(a.log)(h)
	h = RequestMeta(a.opts.TrustProxy)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "crm-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		a.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "crm-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
