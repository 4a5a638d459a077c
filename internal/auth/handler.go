package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

type tokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type revokeRequest struct {
	Token string `json:"token"`
}

// Handler exposes token minting and revocation over HTTP. The caller is
// identified by UserHeader, which an upstream authenticating proxy sets.
type Handler struct {
	Store      *Store
	UserHeader string
}

// Mint issues a token for the authenticated caller.
func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(h.UserHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	token, err := h.Store.Mint(userID)
	if err != nil {
		h.Store.log.Error().Err(err).Str("user_id", userID).Msg("Failed to mint terminal token")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to mint token"})
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, UserID: userID})
}

// Revoke deletes the caller's token named in the JSON body or the token query
// parameter. Unknown tokens and tokens owned by another user are left alone
// and the response is the same.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(h.UserHeader))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" && r.Body != nil {
		var req revokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			token = req.Token
		}
	}
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}

	if !h.Store.RevokeFor(userID, token) {
		h.Store.log.Debug().Str("user_id", userID).Msg("Revoke matched no token owned by caller")
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
