package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

type mfaRequest struct {
	Challenge string `json:"challenge" validate:"required,max=2048"`
	Code      string `json:"code" validate:"required,len=6,numeric"`
}

type codeRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=1024"`
	NewPassword     string `json:"new_password" validate:"required,max=1024"`
}

type loginResponse struct {
	MFARequired bool       `json:"mfa_required"`
	Challenge   string     `json:"challenge,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	User        *auth.User `json:"user,omitempty"`
}

func requestMeta(r *http.Request) audit.RequestMeta {
	meta, _ := audit.RequestMetaFromContext(r.Context())
	return meta
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	meta := requestMeta(r)
	res, err := a.auth.Login(r.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if res.RequiresMFA {
		challenge, exp, err := a.challenges.Issue(res.UserID)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{MFARequired: true, Challenge: challenge, ExpiresAt: exp})
		return
	}
	a.completeLogin(w, res)
}

func (a *API) handleMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.challenges.Verify(req.Challenge)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	meta := requestMeta(r)
	res, err := a.auth.CompleteMFALogin(r.Context(), auth.MFARequest{
		UserID:    userID,
		Code:      req.Code,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.completeLogin(w, res)
}

func (a *API) completeLogin(w http.ResponseWriter, res auth.LoginResult) {
	a.setSessionCookie(w, res.Token, res.Session.ExpiresAt)
	user := res.User
	writeJSON(w, http.StatusOK, loginResponse{ExpiresAt: res.Session.ExpiresAt, User: &user})
}

// handleLogout deletes the server-side session and clears the cookie in the
// same response. The cookie is cleared even when the session was unknown.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		token = a.sessionToken(r)
	}
	err := a.auth.Logout(r.Context(), token)
	a.clearSessionCookie(w)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	writeJSON(w, http.StatusOK, newSessionView(user))
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.ChangePassword(r.Context(), user, req.CurrentPassword, req.NewPassword); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.log.Info("password changed", zap.String("user_id", user.UserID))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	enrollment, err := a.auth.BeginMFAEnrollment(r.Context(), user)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleMFAEnable(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.EnableMFA(r.Context(), user, req.Code); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.auth.DisableMFA(r.Context(), user, req.Code); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
