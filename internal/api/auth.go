package api

import (
	"context"
	"net/http"
	"strings"

	"mediaflow/internal/models"
)

type contextKey string

const (
	accountContextKey contextKey = "authenticatedAccount"

	roleAdmin = "admin"
)

// ContextWithAccount stores the authenticated account in the provided context.
func ContextWithAccount(ctx context.Context, account models.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

// AccountFromContext retrieves the authenticated account from context if present.
func AccountFromContext(ctx context.Context) (models.Account, bool) {
	account, ok := ctx.Value(accountContextKey).(models.Account)
	return account, ok
}

// AuthenticateRequest validates the bearer token on the request and returns
// the owning account.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.Account, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.Account{}, AuthenticationError("missing API token")
	}
	accountID, ok, err := h.Keys.Validate(token)
	if err != nil {
		return models.Account{}, err
	}
	if !ok {
		return models.Account{}, AuthenticationError("invalid API token")
	}
	account, exists := h.Store.GetAccount(accountID)
	if !exists {
		return models.Account{}, AuthenticationError("account not found")
	}
	return account, nil
}

// ExtractToken pulls the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func (h *Handler) requireAuthenticatedAccount(w http.ResponseWriter, r *http.Request) (models.Account, bool) {
	account, ok := AccountFromContext(r.Context())
	if !ok {
		WriteRequestError(w, AuthenticationError("authentication required"))
		return models.Account{}, false
	}
	return account, true
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, roles ...string) (models.Account, bool) {
	account, ok := h.requireAuthenticatedAccount(w, r)
	if !ok {
		return models.Account{}, false
	}
	if len(roles) == 0 {
		return account, true
	}
	for _, required := range roles {
		if account.HasRole(required) {
			return account, true
		}
	}
	WriteRequestError(w, &RequestError{Status: http.StatusForbidden, Code: CodeAuthentication, Message: "forbidden"})
	return models.Account{}, false
}

// ensureJobAccess confirms the requester owns the job or holds the admin role.
func (h *Handler) ensureJobAccess(w http.ResponseWriter, r *http.Request, job models.MediaJob) (models.Account, bool) {
	account, ok := h.requireAuthenticatedAccount(w, r)
	if !ok {
		return models.Account{}, false
	}
	if job.OwnerID != account.ID && !account.HasRole(roleAdmin) {
		WriteRequestError(w, &RequestError{Status: http.StatusForbidden, Code: CodeAuthentication, Message: "forbidden"})
		return models.Account{}, false
	}
	return account, true
}
