package httpapi

import (
	"fmt"
	"net/http"

	"brightdesk.io/crm/internal/auth"
	"brightdesk.io/crm/internal/vault"
)

type createSecretRequest struct {
	Kind     string `json:"kind" validate:"required,oneof=credential bank_account"`
	OwnerID  string `json:"owner_id" validate:"required,max=64"`
	Label    string `json:"label" validate:"required,max=200"`
	Username string `json:"username" validate:"max=200"`
	Value    string `json:"value" validate:"required,max=4096"`
}

func (a *API) handleListSecrets(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	secrets, err := a.secrets.List(r.Context(), user, r.URL.Query().Get("owner_id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if secrets == nil {
		secrets = []vault.Secret{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": secrets})
}

func (a *API) handleCreateSecret(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	var req createSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	secret, err := a.secrets.Create(r.Context(), user, vault.NewSecret{
		Kind:     vault.Kind(req.Kind),
		OwnerID:  req.OwnerID,
		Label:    req.Label,
		Username: req.Username,
		Value:    req.Value,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/secrets/%s", secret.ID))
	writeJSON(w, http.StatusCreated, secret)
}

// handleRevealSecret returns plaintext only after the decrypt audit entry
// has been written by the vault.
func (a *API) handleRevealSecret(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	value, err := a.secrets.Reveal(r.Context(), user, r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": value})
}
