package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// KeyStore defines the persistence contract for API keys. Keys are stored by
// the SHA-256 hash of their token so a leaked store never exposes usable
// credentials.
type KeyStore interface {
	Save(record KeyRecord) error
	Get(tokenHash string) (KeyRecord, bool, error)
	Delete(tokenHash string) error
	ListByAccount(accountID string) ([]KeyRecord, error)
	Touch(tokenHash string, when time.Time) error
}

// KeyRecord captures an API key row retrieved from the backing store.
type KeyRecord struct {
	TokenHash  string
	AccountID  string
	Label      string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// KeyOption configures a KeyManager instance.
type KeyOption func(*KeyManager)

// WithStore injects a custom KeyStore implementation.
func WithStore(store KeyStore) KeyOption {
	return func(m *KeyManager) {
		m.store = store
	}
}

// WithTokenLength sets the byte length used for newly issued tokens.
func WithTokenLength(length int) KeyOption {
	return func(m *KeyManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// KeyManager issues and validates bearer API keys against a backing store.
type KeyManager struct {
	store        KeyStore
	tokenLength  int
	tokenFactory func(int) (string, error)
	clock        func() time.Time
}

// NewKeyManager constructs a KeyManager. It defaults to an in-memory store
// for local development when no store is supplied.
func NewKeyManager(opts ...KeyOption) *KeyManager {
	manager := &KeyManager{
		tokenLength:  32,
		tokenFactory: generateToken,
		clock:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemoryKeyStore()
	}
	return manager
}

// Issue creates a new API key for the account and returns the plaintext
// token. The token is shown exactly once; only its hash is stored.
func (m *KeyManager) Issue(accountID, label string) (string, KeyRecord, error) {
	if accountID == "" {
		return "", KeyRecord{}, ErrInvalidAccountID
	}
	token, hashed, err := generateHashedToken(m.tokenLength, m.tokenFactory)
	if err != nil {
		return "", KeyRecord{}, err
	}
	record := KeyRecord{
		TokenHash: hashed,
		AccountID: accountID,
		Label:     label,
		CreatedAt: m.clock(),
	}
	if err := m.store.Save(record); err != nil {
		return "", KeyRecord{}, err
	}
	return token, record, nil
}

// Validate resolves a bearer token to the owning account. The key's last-used
// timestamp is refreshed best-effort.
func (m *KeyManager) Validate(token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	hashed, err := hashToken(token)
	if err != nil {
		return "", false, nil
	}
	record, ok, err := m.store.Get(hashed)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	_ = m.store.Touch(hashed, m.clock())
	return record.AccountID, true, nil
}

// Revoke deletes the API key matching the plaintext token.
func (m *KeyManager) Revoke(token string) error {
	if token == "" {
		return nil
	}
	hashed, err := hashToken(token)
	if err != nil {
		return err
	}
	return m.store.Delete(hashed)
}

// RevokeHash deletes an API key by its stored hash, for management surfaces
// that never see the plaintext token.
func (m *KeyManager) RevokeHash(tokenHash string) error {
	if tokenHash == "" {
		return nil
	}
	return m.store.Delete(tokenHash)
}

// List returns the keys issued to an account.
func (m *KeyManager) List(accountID string) ([]KeyRecord, error) {
	return m.store.ListByAccount(accountID)
}

// Ping verifies the underlying store is reachable when it exposes a ping
// method.
func (m *KeyManager) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ErrInvalidAccountID is returned when issuing a key without an account.
var ErrInvalidAccountID = errors.New("accountID is required")
