package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"mediaflow/internal/auth"
	"mediaflow/internal/storage"
)

type issueKeyRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Label    string `json:"label"`
}

type keyRecordResponse struct {
	TokenHash  string `json:"tokenHash"`
	Label      string `json:"label"`
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
}

type issueKeyResponse struct {
	Token string            `json:"token"`
	Key   keyRecordResponse `json:"key"`
}

func newKeyRecordResponse(record auth.KeyRecord) keyRecordResponse {
	resp := keyRecordResponse{
		TokenHash: record.TokenHash,
		Label:     record.Label,
		CreatedAt: record.CreatedAt.Format(time.RFC3339Nano),
	}
	if !record.LastUsedAt.IsZero() {
		resp.LastUsedAt = record.LastUsedAt.Format(time.RFC3339Nano)
	}
	return resp
}

// IssueAPIKey exchanges account credentials for a bearer API key. The
// plaintext token appears in this response and nowhere else.
func (h *Handler) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		WriteRequestError(w, &RequestError{Status: http.StatusMethodNotAllowed, Code: CodeValidation, Message: "method not allowed"})
		return
	}
	var req issueKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteRequestError(w, ValidationError(err.Error()))
		return
	}
	account, err := h.Store.AuthenticateAccount(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			WriteRequestError(w, AuthenticationError("invalid email or password"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = "api"
	}
	token, record, err := h.Keys.Issue(account.ID, label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger().Info("api key issued", "account_id", account.ID, "label", label)
	writeJSON(w, http.StatusCreated, issueKeyResponse{Token: token, Key: newKeyRecordResponse(record)})
}

// APIKeys lists the keys issued to the authenticated account.
func (h *Handler) APIKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		WriteRequestError(w, &RequestError{Status: http.StatusMethodNotAllowed, Code: CodeValidation, Message: "method not allowed"})
		return
	}
	account, ok := h.requireAuthenticatedAccount(w, r)
	if !ok {
		return
	}
	records, err := h.Keys.List(account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]keyRecordResponse, 0, len(records))
	for _, record := range records {
		out = append(out, newKeyRecordResponse(record))
	}
	writeJSON(w, http.StatusOK, out)
}

// APIKeyByHash revokes a key by its stored hash. Accounts may revoke their
// own keys; admins may revoke anyone's.
func (h *Handler) APIKeyByHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		WriteRequestError(w, &RequestError{Status: http.StatusMethodNotAllowed, Code: CodeValidation, Message: "method not allowed"})
		return
	}
	account, ok := h.requireAuthenticatedAccount(w, r)
	if !ok {
		return
	}
	hash := strings.TrimPrefix(r.URL.Path, "/api/keys/")
	hash = strings.TrimSpace(hash)
	if hash == "" || strings.Contains(hash, "/") {
		WriteRequestError(w, ValidationError("key hash is required"))
		return
	}
	if !account.HasRole(roleAdmin) {
		records, err := h.Keys.List(account.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		owned := false
		for _, record := range records {
			if record.TokenHash == hash {
				owned = true
				break
			}
		}
		if !owned {
			WriteRequestError(w, NotFoundError("key not found"))
			return
		}
	}
	if err := h.Keys.RevokeHash(hash); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger().Info("api key revoked", "account_id", account.ID, "token_hash", hash)
	w.WriteHeader(http.StatusNoContent)
}
