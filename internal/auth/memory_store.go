package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryKeyStore keeps API keys in-memory. It is safe for concurrent use and
// primarily intended for development or single-instance deployments.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]KeyRecord
}

// NewMemoryKeyStore constructs an in-memory store implementation.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]KeyRecord)}
}

// Save records the API key.
func (s *MemoryKeyStore) Save(record KeyRecord) error {
	s.mu.Lock()
	s.keys[record.TokenHash] = record
	s.mu.Unlock()
	return nil
}

// Get retrieves the key record for the provided token hash.
func (s *MemoryKeyStore) Get(tokenHash string) (KeyRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.keys[tokenHash]
	s.mu.RUnlock()
	return record, ok, nil
}

// Delete removes the key from the store.
func (s *MemoryKeyStore) Delete(tokenHash string) error {
	s.mu.Lock()
	delete(s.keys, tokenHash)
	s.mu.Unlock()
	return nil
}

// ListByAccount returns the keys issued to the account.
func (s *MemoryKeyStore) ListByAccount(accountID string) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []KeyRecord
	for _, record := range s.keys {
		if record.AccountID == accountID {
			records = append(records, record)
		}
	}
	return records, nil
}

// Touch refreshes the key's last-used timestamp.
func (s *MemoryKeyStore) Touch(tokenHash string, when time.Time) error {
	s.mu.Lock()
	if record, ok := s.keys[tokenHash]; ok {
		record.LastUsedAt = when
		s.keys[tokenHash] = record
	}
	s.mu.Unlock()
	return nil
}

// Ping always reports success for the in-memory key store.
func (s *MemoryKeyStore) Ping(context.Context) error {
	return nil
}
