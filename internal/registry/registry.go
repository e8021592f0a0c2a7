// Package registry provides the durable execution identity registry.
//
// Every spawned worker gets a row here *before* dispatch, pairing the
// coordinator-assigned execution ID with the canonical worker name resolved
// from configuration. Collection of results is keyed strictly by execution
// ID, never by a name the worker reports about itself: two workers reporting
// the same transient name must never overwrite each other.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Phase tags distinguish executions spawned for the main stage attempt from
// auxiliary sub-phases, so stale entries never pollute cohort accounting.
const (
	PhaseStage       = "stage"
	PhaseQualityGate = "quality_gate"
)

var (
	// ErrUnknownExecution is returned when an execution ID has no spawn
	// record. Resolution must halt rather than guess an identity.
	ErrUnknownExecution = errors.New("execution id not registered")

	// ErrDuplicateExecution is returned when a spawn record already exists
	// for the execution ID.
	ErrDuplicateExecution = errors.New("execution id already registered")
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id   TEXT PRIMARY KEY,
	spec_id        TEXT NOT NULL,
	stage          TEXT NOT NULL,
	attempt        INTEGER NOT NULL,
	phase          TEXT NOT NULL DEFAULT 'stage',
	role           TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	output         TEXT NOT NULL DEFAULT '',
	spawned_at     INTEGER NOT NULL,
	completed_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_attempt
	ON executions(spec_id, stage, attempt, phase);
`

// SpawnRecord pairs an execution ID with its canonical identity and the
// attempt it belongs to.
type SpawnRecord struct {
	ExecutionID   string
	SpecID        string
	Stage         string
	Attempt       int
	Phase         string
	Role          string
	CanonicalName string
	SpawnedAt     time.Time
}

// Completion captures a terminal status recorded for an execution.
type Completion struct {
	ExecutionID   string
	CanonicalName string
	Status        string
	Output        string
	CompletedAt   time.Time
}

// Store is a SQLite-backed registry. Safe for concurrent use; SQLite
// serializes writers and the connection pool handles readers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the registry database at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply registry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSpawn durably records the execution_id -> canonical name pairing.
// Must be called before the worker starts executing.
func (s *Store) RecordSpawn(ctx context.Context, rec SpawnRecord) error {
	if rec.ExecutionID == "" || rec.CanonicalName == "" {
		return fmt.Errorf("spawn record missing execution id or canonical name")
	}
	if rec.Phase == "" {
		rec.Phase = PhaseStage
	}
	if rec.SpawnedAt.IsZero() {
		rec.SpawnedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
			(execution_id, spec_id, stage, attempt, phase, role, canonical_name, spawned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.SpecID, rec.Stage, rec.Attempt, rec.Phase,
		rec.Role, rec.CanonicalName, rec.SpawnedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateExecution, rec.ExecutionID)
		}
		return fmt.Errorf("failed to record spawn: %w", err)
	}
	return nil
}

// CanonicalName resolves the canonical identity for an execution ID.
func (s *Store) CanonicalName(ctx context.Context, executionID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT canonical_name FROM executions WHERE execution_id = ?`, executionID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve canonical name: %w", err)
	}
	return name, nil
}

// SpawnInfo returns the full spawn record for an execution ID.
func (s *Store) SpawnInfo(ctx context.Context, executionID string) (SpawnRecord, error) {
	var rec SpawnRecord
	var spawnedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, spec_id, stage, attempt, phase, role, canonical_name, spawned_at
		FROM executions WHERE execution_id = ?`, executionID,
	).Scan(&rec.ExecutionID, &rec.SpecID, &rec.Stage, &rec.Attempt,
		&rec.Phase, &rec.Role, &rec.CanonicalName, &spawnedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SpawnRecord{}, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	if err != nil {
		return SpawnRecord{}, fmt.Errorf("failed to load spawn info: %w", err)
	}
	rec.SpawnedAt = time.Unix(spawnedAt, 0).UTC()
	return rec, nil
}

// RecordCompletion records the terminal status and raw output for an
// execution. The row must exist; completions for unknown IDs are refused.
func (s *Store) RecordCompletion(ctx context.Context, executionID, status, output string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, output = ?, completed_at = ?
		WHERE execution_id = ?`,
		status, output, time.Now().UTC().Unix(), executionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	return nil
}

// CompletionsForAttempt returns the recorded completions for one attempt,
// filtered by phase tag so stale sub-phase entries never leak in.
func (s *Store) CompletionsForAttempt(ctx context.Context, specID, stage string, attempt int, phase string) ([]Completion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, canonical_name, status, output, completed_at
		FROM executions
		WHERE spec_id = ? AND stage = ? AND attempt = ? AND phase = ?
		ORDER BY execution_id`,
		specID, stage, attempt, phase,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var c Completion
		var completedAt int64
		if err := rows.Scan(&c.ExecutionID, &c.CanonicalName, &c.Status, &c.Output, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		if completedAt > 0 {
			c.CompletedAt = time.Unix(completedAt, 0).UTC()
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations in the error text;
	// there is no exported sentinel to match on.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
