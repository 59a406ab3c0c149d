package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"mediaflow/internal/models"
)

// Snapshot captures a complete JSON-serialisable view of the file-backed
// datastore, keyed by primary identifier, so existing state can be replayed
// into another backing store.
type Snapshot struct {
	Accounts map[string]models.Account  `json:"accounts"`
	Jobs     map[string]models.MediaJob `json:"jobs"`
}

// SnapshotCounts summarises the size of each collection stored in a Snapshot
// so operators can see how much data will be imported.
type SnapshotCounts struct {
	Accounts     int
	Jobs         int
	TerminalJobs int
}

// LoadSnapshotFromJSON reads the on-disk JSON datastore file and rehydrates it
// as a Snapshot for import or inspection.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		if err == io.EOF {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Accounts == nil {
		s.Accounts = make(map[string]models.Account)
	}
	if s.Jobs == nil {
		s.Jobs = make(map[string]models.MediaJob)
	}
}

// Counts walks a Snapshot and returns the SnapshotCounts summary.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	counts := SnapshotCounts{
		Accounts: len(s.Accounts),
		Jobs:     len(s.Jobs),
	}
	for _, job := range s.Jobs {
		if models.TerminalJobStatus(job.Status) {
			counts.TerminalJobs++
		}
	}
	return counts
}

// ImportSnapshotToPostgres hands a Snapshot to the postgresRepository so the
// serialised datastore state can be bulk-loaded into Postgres.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	snapshot.ensureInitialized()
	return pgRepo.importSnapshot(ctx, snapshot)
}
