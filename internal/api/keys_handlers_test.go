package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mediaflow/internal/auth"
	"mediaflow/internal/testsupport"
)

func TestIssueAPIKeyWithValidCredentials(t *testing.T) {
	handler, _ := newTestHandler(t)
	createTestAccount(t, handler, "creator@example.com")

	body := `{"email":"creator@example.com","password":"correct horse battery","label":"ci"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/keys", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.IssueAPIKey(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp issueKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected plaintext token in response")
	}
	if resp.Key.Label != "ci" {
		t.Fatalf("expected label ci, got %q", resp.Key.Label)
	}

	accountID, ok, err := handler.Keys.Validate(resp.Token)
	if err != nil || !ok {
		t.Fatalf("issued token does not validate: ok=%v err=%v", ok, err)
	}
	if accountID == "" {
		t.Fatal("expected account id from validation")
	}
}

func TestIssueAPIKeyRejectsBadPassword(t *testing.T) {
	handler, _ := newTestHandler(t)
	createTestAccount(t, handler, "creator@example.com")

	body := `{"email":"creator@example.com","password":"wrong"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/keys", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.IssueAPIKey(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body["code"] != CodeAuthentication {
		t.Fatalf("expected authentication code, got %q", body["code"])
	}
}

func TestAPIKeysListScopedToAccount(t *testing.T) {
	handler, _ := newTestHandler(t)
	alice := createTestAccount(t, handler, "alice@example.com")
	bob := createTestAccount(t, handler, "bob@example.com")

	if _, _, err := handler.Keys.Issue(alice.ID, "laptop"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, _, err := handler.Keys.Issue(bob.ID, "ci"); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := authedRequest(http.MethodGet, "/api/keys", "", alice)
	rec := httptest.NewRecorder()
	handler.APIKeys(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var keys []keyRecordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &keys); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(keys) != 1 || keys[0].Label != "laptop" {
		t.Fatalf("expected only alice's key, got %+v", keys)
	}
}

func TestAPIKeyRevokeOwn(t *testing.T) {
	handler, _ := newTestHandler(t)
	account := createTestAccount(t, handler, "creator@example.com")
	token, record, err := handler.Keys.Issue(account.ID, "laptop")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := authedRequest(http.MethodDelete, "/api/keys/"+record.TokenHash, "", account)
	rec := httptest.NewRecorder()
	handler.APIKeyByHash(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok, _ := handler.Keys.Validate(token); ok {
		t.Fatal("expected revoked token to stop validating")
	}
}

func TestAPIKeyRevokeForeignKeyHidden(t *testing.T) {
	handler, _ := newTestHandler(t)
	alice := createTestAccount(t, handler, "alice@example.com")
	bob := createTestAccount(t, handler, "bob@example.com")
	_, record, err := handler.Keys.Issue(bob.ID, "ci")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := authedRequest(http.MethodDelete, "/api/keys/"+record.TokenHash, "", alice)
	rec := httptest.NewRecorder()
	handler.APIKeyByHash(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign key, got %d", rec.Code)
	}
}

func TestAPIKeyRevokeAsAdmin(t *testing.T) {
	handler, _ := newTestHandler(t)
	admin := createTestAccount(t, handler, "admin@example.com", "admin")
	bob := createTestAccount(t, handler, "bob@example.com")
	token, record, err := handler.Keys.Issue(bob.ID, "ci")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := authedRequest(http.MethodDelete, "/api/keys/"+record.TokenHash, "", admin)
	rec := httptest.NewRecorder()
	handler.APIKeyByHash(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok, _ := handler.Keys.Validate(token); ok {
		t.Fatal("expected revoked token to stop validating")
	}
}

func TestIssueAPIKeyStoreFailure(t *testing.T) {
	handler, _ := newTestHandler(t)
	createTestAccount(t, handler, "creator@example.com")
	keyStore := testsupport.NewKeyStoreStub()
	keyStore.FailSave(errors.New("disk full"))
	handler.Keys = auth.NewKeyManager(auth.WithStore(keyStore))

	body := `{"email":"creator@example.com","password":"correct horse battery"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/keys", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.IssueAPIKey(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when key store save fails, got %d", rec.Code)
	}
}

func TestAuthenticateRequestStoreFailure(t *testing.T) {
	handler, _ := newTestHandler(t)
	keyStore := testsupport.NewKeyStoreStub()
	handler.Keys = auth.NewKeyManager(auth.WithStore(keyStore))
	account := createTestAccount(t, handler, "creator@example.com")
	token, _, err := handler.Keys.Issue(account.ID, "ci")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	keyStore.FailGet(errors.New("connection reset"))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if _, err := handler.AuthenticateRequest(req); err == nil {
		t.Fatal("expected error when key store lookup fails")
	}
}
