package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/acgs-2/governance-core/pkg/contracts"
	"github.com/acgs-2/governance-core/pkg/governerr"

	_ "modernc.org/sqlite"
)

// SQLStateStore persists saga state in a single SQL table, for
// deployments that already run a saga state database rather than local
// files. Uses modernc.org/sqlite's pure-Go driver so the
// module stays CGO-free.
type SQLStateStore struct {
	db *sql.DB
}

// OpenSQLStateStore opens (or creates) the sagas table at dsn.
func OpenSQLStateStore(dsn string) (*SQLStateStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("saga: open sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStateStore{db: db}, nil
}

// NewSQLStateStore wraps an already-opened *sql.DB (e.g. one created via
// go-sqlmock in tests) without running migrations against it.
func NewSQLStateStore(db *sql.DB) *SQLStateStore {
	return &SQLStateStore{db: db}
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS saga_state (
			saga_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			version TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("saga: migrate: %w", err)
	}
	return nil
}

// Save upserts a saga's state.
func (s *SQLStateStore) Save(ctx context.Context, state contracts.SagaState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("saga: marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_state (saga_id, status, data, version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(saga_id) DO UPDATE SET status = excluded.status, data = excluded.data, version = excluded.version
	`, state.SagaID, string(state.Status), string(data), state.Version)
	if err != nil {
		return fmt.Errorf("saga: save state: %w", err)
	}
	return nil
}

// Load retrieves a saga's persisted state.
func (s *SQLStateStore) Load(ctx context.Context, sagaID string) (contracts.SagaState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM saga_state WHERE saga_id = ?`, sagaID)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return contracts.SagaState{}, governerr.New(governerr.KindPersistenceError, "saga: no persisted state for "+sagaID)
		}
		return contracts.SagaState{}, fmt.Errorf("saga: load state: %w", err)
	}
	var state contracts.SagaState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return contracts.SagaState{}, governerr.Wrap(governerr.KindPersistenceError, "saga: corrupted state row for "+sagaID+", requires human intervention", err)
	}
	return state, nil
}

// Close releases the underlying database handle.
func (s *SQLStateStore) Close() error {
	return s.db.Close()
}

var _ StateStore = (*SQLStateStore)(nil)
