package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mediaflow/internal/models"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000

	// MaxJobErrorLength caps how many characters of a transcoder error are
	// retained on a job record.
	MaxJobErrorLength = 2000
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrWrongStatus     = errors.New("job is not in the required status")
	ErrRetryExhausted  = errors.New("job retry budget exhausted")
	ErrAccountNotFound = errors.New("account not found")
	ErrEmailInUse      = errors.New("email already registered")

	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")
)

type dataset struct {
	Accounts map[string]models.Account  `json:"accounts"`
	Jobs     map[string]models.MediaJob `json:"jobs"`
}

func newDataset() dataset {
	return dataset{
		Accounts: make(map[string]models.Account),
		Jobs:     make(map[string]models.MediaJob),
	}
}

// Storage is the JSON-file-backed datastore used for development and tests.
// All mutations happen under the mutex and are written through to disk before
// they become visible; a failed persist rolls the in-memory state back.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Accounts == nil {
		s.data.Accounts = make(map[string]models.Account)
	}
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]models.MediaJob)
	}
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

// Close satisfies repository shutdown hooks; the JSON store has no external
// resources to release.
func (s *Storage) Close() error {
	return nil
}

func cloneAccount(account models.Account) models.Account {
	cloned := account
	if account.Roles != nil {
		cloned.Roles = append([]string(nil), account.Roles...)
	}
	return cloned
}

func cloneJob(job models.MediaJob) models.MediaJob {
	cloned := job
	if job.Outputs.ReadyVariants != nil {
		cloned.Outputs.ReadyVariants = append([]string(nil), job.Outputs.ReadyVariants...)
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

// TruncateJobError trims transcoder-reported error text to the stored cap.
func TruncateJobError(message string) string {
	if len(message) <= MaxJobErrorLength {
		return message
	}
	return message[:MaxJobErrorLength]
}
