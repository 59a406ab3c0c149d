package storage

import (
	"errors"
	"testing"
)

func TestCreateAccountAndAuthenticate(t *testing.T) {
	store := newTestStorage(t)

	account, err := store.CreateAccount(CreateAccountParams{
		DisplayName: "Operator",
		Email:       "Ops@Example.COM",
		Password:    "correct horse",
		Roles:       []string{"admin"},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if account.Email != "ops@example.com" {
		t.Fatalf("email not normalised: %q", account.Email)
	}
	if !account.HasRole("ADMIN") {
		t.Fatal("expected case-insensitive role match")
	}

	if _, err := store.CreateAccount(CreateAccountParams{
		DisplayName: "Duplicate",
		Email:       "ops@example.com",
		Password:    "something else",
	}); !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("expected ErrEmailInUse, got %v", err)
	}

	authed, err := store.AuthenticateAccount("ops@example.com", "correct horse")
	if err != nil {
		t.Fatalf("AuthenticateAccount: %v", err)
	}
	if authed.ID != account.ID {
		t.Fatalf("expected account %s, got %s", account.ID, authed.ID)
	}

	if _, err := store.AuthenticateAccount("ops@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := store.AuthenticateAccount("nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSetAccountPassword(t *testing.T) {
	store := newTestStorage(t)
	account, err := store.CreateAccount(CreateAccountParams{
		DisplayName: "Operator",
		Email:       "ops@example.com",
		Password:    "first password",
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if _, err := store.SetAccountPassword(account.ID, "short"); err == nil {
		t.Fatal("expected rejection of short password")
	}
	if _, err := store.SetAccountPassword(account.ID, "second password"); err != nil {
		t.Fatalf("SetAccountPassword: %v", err)
	}
	if _, err := store.AuthenticateAccount("ops@example.com", "first password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should be rejected, got %v", err)
	}
	if _, err := store.AuthenticateAccount("ops@example.com", "second password"); err != nil {
		t.Fatalf("new password should authenticate: %v", err)
	}
}

func TestPasswordHashFormat(t *testing.T) {
	hash, err := hashPassword("some password")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if err := verifyPassword(hash, "some password"); err != nil {
		t.Fatalf("verifyPassword: %v", err)
	}
	if err := verifyPassword(hash, "other password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := verifyPassword("not-a-hash", "some password"); err == nil {
		t.Fatal("expected malformed hash error")
	}
}
