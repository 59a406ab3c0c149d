package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"mediaflow/internal/models"
)

// CreateAccountParams carries the fields for a new operator account.
type CreateAccountParams struct {
	DisplayName string
	Email       string
	Password    string
	Roles       []string
}

// CreateAccount registers an operator account. The password is stored as a
// salted PBKDF2-SHA256 hash.
func (s *Storage) CreateAccount(params CreateAccountParams) (models.Account, error) {
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.Account{}, fmt.Errorf("displayName is required")
	}
	normalizedEmail := strings.ToLower(strings.TrimSpace(params.Email))
	if normalizedEmail == "" {
		return models.Account{}, fmt.Errorf("email is required")
	}

	var passwordHash string
	if params.Password != "" {
		if len(params.Password) < 8 {
			return models.Account{}, fmt.Errorf("password must be at least 8 characters")
		}
		hashed, err := hashPassword(params.Password)
		if err != nil {
			return models.Account{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = hashed
	}

	roles := make([]string, 0, len(params.Roles))
	for _, role := range params.Roles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Accounts {
		if existing.Email == normalizedEmail {
			return models.Account{}, ErrEmailInUse
		}
	}

	account := models.Account{
		ID:           id,
		DisplayName:  displayName,
		Email:        normalizedEmail,
		Roles:        roles,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		delete(s.data.Accounts, id)
		return models.Account{}, err
	}

	return cloneAccount(account), nil
}

func (s *Storage) GetAccount(id string) (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.data.Accounts[id]
	if !ok {
		return models.Account{}, false
	}
	return cloneAccount(account), true
}

func (s *Storage) FindAccountByEmail(email string) (models.Account, bool) {
	normalized := strings.ToLower(strings.TrimSpace(email))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, account := range s.data.Accounts {
		if account.Email == normalized {
			return cloneAccount(account), true
		}
	}
	return models.Account{}, false
}

func (s *Storage) ListAccounts() []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]models.Account, 0, len(s.data.Accounts))
	for _, account := range s.data.Accounts {
		accounts = append(accounts, cloneAccount(account))
	}
	return accounts
}

// AuthenticateAccount verifies credentials and returns the matching account.
func (s *Storage) AuthenticateAccount(email, password string) (models.Account, error) {
	if password == "" {
		return models.Account{}, errors.New("password is required")
	}
	account, ok := s.FindAccountByEmail(email)
	if !ok {
		return models.Account{}, ErrInvalidCredentials
	}
	if account.PasswordHash == "" {
		return models.Account{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(account.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, err
	}
	return account, nil
}

// SetAccountPassword replaces the stored password hash for the account.
func (s *Storage) SetAccountPassword(id, password string) (models.Account, error) {
	if len(password) < 8 {
		return models.Account{}, errors.New("password must be at least 8 characters")
	}

	hashed, err := hashPassword(password)
	if err != nil {
		return models.Account{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[id]
	if !ok {
		return models.Account{}, ErrAccountNotFound
	}

	previous := account
	account.PasswordHash = hashed

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		s.data.Accounts[id] = previous
		return models.Account{}, err
	}
	return cloneAccount(account), nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func verifyPassword(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode key: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
