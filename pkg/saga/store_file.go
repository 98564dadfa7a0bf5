package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"
)

// FileStateStore persists each saga's state as its own JSON file, written
// via a temp-file-then-rename so a crash mid-write never leaves a
// corrupted state file behind.
type FileStateStore struct {
	dir string
}

// NewFileStateStore returns a store rooted at dir, creating it if absent.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("saga: create state dir: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

func (s *FileStateStore) path(sagaID string) string {
	return filepath.Join(s.dir, sagaID+".json")
}

// Save atomically writes state to disk.
func (s *FileStateStore) Save(ctx context.Context, state contracts.SagaState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("saga: marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "saga-*.tmp")
	if err != nil {
		return fmt.Errorf("saga: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("saga: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("saga: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(state.SagaID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("saga: rename state file: %w", err)
	}
	return nil
}

// Load reads a saga's persisted state.
func (s *FileStateStore) Load(ctx context.Context, sagaID string) (contracts.SagaState, error) {
	data, err := os.ReadFile(s.path(sagaID))
	if err != nil {
		if os.IsNotExist(err) {
			return contracts.SagaState{}, governerr.New(governerr.KindPersistenceError, "saga: no persisted state for "+sagaID)
		}
		return contracts.SagaState{}, fmt.Errorf("saga: read state file: %w", err)
	}
	var state contracts.SagaState
	if err := json.Unmarshal(data, &state); err != nil {
		// A parse failure here means a crashed writer left a partial
		// temp-file-then-rename behind: treat it as stale and
		// escalate rather than silently resuming from corrupted state.
		return contracts.SagaState{}, governerr.Wrap(governerr.KindPersistenceError, "saga: corrupted state file for "+sagaID+", requires human intervention", err)
	}
	return state, nil
}

var _ StateStore = (*FileStateStore)(nil)
