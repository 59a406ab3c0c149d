package testsupport

import (
	"context"
	"sync"
	"time"

	"mediaflow/internal/auth"
)

// KeyStoreStub is an in-memory auth.KeyStore implementation intended for
// tests. It allows seeding records, inspecting stored hashes, and injecting
// failures to exercise degraded paths.
type KeyStoreStub struct {
	mu      sync.RWMutex
	keys    map[string]auth.KeyRecord
	saveErr error
	getErr  error
	pingErr error
}

// NewKeyStoreStub constructs a KeyStoreStub with empty state.
func NewKeyStoreStub() *KeyStoreStub {
	return &KeyStoreStub{keys: make(map[string]auth.KeyRecord)}
}

// FailSave makes subsequent Save calls return err. Pass nil to clear.
func (s *KeyStoreStub) FailSave(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

// FailGet makes subsequent Get calls return err. Pass nil to clear.
func (s *KeyStoreStub) FailGet(err error) {
	s.mu.Lock()
	s.getErr = err
	s.mu.Unlock()
}

// FailPing makes subsequent Ping calls return err. Pass nil to clear.
func (s *KeyStoreStub) FailPing(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

// Save records the API key.
func (s *KeyStoreStub) Save(record auth.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.keys[record.TokenHash] = record
	return nil
}

// Get retrieves the key record for the provided token hash.
func (s *KeyStoreStub) Get(tokenHash string) (auth.KeyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getErr != nil {
		return auth.KeyRecord{}, false, s.getErr
	}
	record, ok := s.keys[tokenHash]
	return record, ok, nil
}

// Delete removes the key from the store.
func (s *KeyStoreStub) Delete(tokenHash string) error {
	s.mu.Lock()
	delete(s.keys, tokenHash)
	s.mu.Unlock()
	return nil
}

// ListByAccount returns the keys issued to the account.
func (s *KeyStoreStub) ListByAccount(accountID string) ([]auth.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []auth.KeyRecord
	for _, record := range s.keys {
		if record.AccountID == accountID {
			records = append(records, record)
		}
	}
	return records, nil
}

// Touch updates the last-used timestamp for the key.
func (s *KeyStoreStub) Touch(tokenHash string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.keys[tokenHash]
	if !ok {
		return nil
	}
	record.LastUsedAt = when.UTC()
	s.keys[tokenHash] = record
	return nil
}

// Seed inserts a key record, overriding any existing entry.
func (s *KeyStoreStub) Seed(record auth.KeyRecord) {
	s.mu.Lock()
	s.keys[record.TokenHash] = record
	s.mu.Unlock()
}

// Record looks up a token hash and returns the stored KeyRecord when present.
func (s *KeyStoreStub) Record(tokenHash string) (auth.KeyRecord, bool) {
	s.mu.RLock()
	record, ok := s.keys[tokenHash]
	s.mu.RUnlock()
	return record, ok
}

// Ping reports the injected health error, if any.
func (s *KeyStoreStub) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}
