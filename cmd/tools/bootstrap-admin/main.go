// Command bootstrap-admin seeds an administrator account in the datastore
// and optionally issues its first API key.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"mediaflow/internal/auth"
	"mediaflow/internal/models"
	"mediaflow/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		email       string
		displayName string
		password    string
		keyLabel    string
		issueKey    bool
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&email, "email", "", "Email address for the admin account")
	flag.StringVar(&displayName, "name", "Administrator", "Display name for the admin account")
	flag.StringVar(&password, "password", "", "Password for the admin account")
	flag.BoolVar(&issueKey, "issue-key", false, "Issue an API key for the account (requires --postgres-dsn)")
	flag.StringVar(&keyLabel, "key-label", "bootstrap", "Label for the issued API key")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}
	if strings.TrimSpace(displayName) == "" {
		fatalf("--name cannot be empty")
	}
	if issueKey && postgresDSN == "" {
		fatalf("--issue-key requires --postgres-dsn so the key outlives this process")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	account, created, err := bootstrapAdmin(repo, strings.TrimSpace(email), strings.TrimSpace(displayName), password)
	if err != nil {
		fatalf("bootstrap admin: %v", err)
	}

	state := "updated"
	if created {
		state = "created"
	}
	fmt.Printf("Admin account %s (%s) %s successfully.\n", account.Email, account.DisplayName, state)

	if issueKey {
		keyStore, err := auth.NewPostgresKeyStore(postgresDSN)
		if err != nil {
			fatalf("open key store: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = keyStore.Close(ctx)
		}()
		keys := auth.NewKeyManager(auth.WithStore(keyStore))
		token, _, err := keys.Issue(account.ID, strings.TrimSpace(keyLabel))
		if err != nil {
			fatalf("issue api key: %v", err)
		}
		fmt.Printf("API key (shown once): %s\n", token)
	}

	fmt.Println("Remember to rotate this password after the first login.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(postgresDSN)
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}

func bootstrapAdmin(repo storage.Repository, email, displayName, password string) (models.Account, bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if existing, ok := repo.FindAccountByEmail(normalized); ok {
		if !existing.HasRole("admin") {
			return models.Account{}, false, fmt.Errorf("account %s exists without the admin role", normalized)
		}
		updated, err := repo.SetAccountPassword(existing.ID, password)
		if err != nil {
			return models.Account{}, false, err
		}
		return updated, false, nil
	}

	account, err := repo.CreateAccount(storage.CreateAccountParams{
		DisplayName: displayName,
		Email:       normalized,
		Password:    password,
		Roles:       []string{"admin"},
	})
	if err != nil {
		return models.Account{}, false, err
	}
	return account, true, nil
}
