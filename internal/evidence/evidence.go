// Package evidence persists every worker's raw output, every verdict, and
// stage-transition events under an append-only specID/stage/attempt layout.
//
// Writes for one attempt key are serialized through a record-scoped lock and
// land via write-temp-then-rename, so readers never observe a partial file.
// Nothing is ever mutated after write; a conflicting write is an error, not
// an overwrite.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specpipe/internal/gate"
	"github.com/fyrsmithlabs/specpipe/internal/logging"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
)

// ErrPersistenceConflict means a record already exists at the target key.
// Evidence is append-only; the caller must use a fresh attempt number.
var ErrPersistenceConflict = errors.New("evidence record already exists")

const (
	verdictFile = "verdict.json"
	abortedFile = "aborted.json"
	clearedFile = "cleared.json"
)

// Handle points at one immutable evidence file, with a digest for
// integrity checks by external tooling.
type Handle struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Record is the persisted artifact for one stage attempt: the gate's exact
// input and the verdict it produced. Replaying Input through the gate must
// reproduce Verdict.
type Record struct {
	Verdict policy.Verdict `json:"verdict"`
	Input   gate.Input     `json:"input"`
}

// AbortRecord is the terminal marker written on external abort so a run
// cannot be silently resumed.
type AbortRecord struct {
	SpecID    string       `json:"spec_id"`
	Stage     policy.Stage `json:"stage"`
	Attempt   int          `json:"attempt"`
	Reason    string       `json:"reason"`
	AbortedAt time.Time    `json:"aborted_at"`
}

// Store is a filesystem evidence store rooted at a base directory.
type Store struct {
	baseDir string
	log     *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore creates the store, making the base directory if needed.
func NewStore(baseDir string, opts ...Option) (*Store, error) {
	if baseDir == "" {
		return nil, errors.New("evidence base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}
	s := &Store{
		baseDir: baseDir,
		log:     logging.NewNop(),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// attemptDir is baseDir/specID/stage/attempt.
func (s *Store) attemptDir(specID string, stage policy.Stage, attempt int) string {
	return filepath.Join(s.baseDir, specID, stage.String(), strconv.Itoa(attempt))
}

// keyLock serializes writers for one attempt key. Reads never take it.
func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// WriteOutput records one execution's raw output. The file is named by
// canonical name and execution id, so reported-name collisions cannot
// clobber each other.
func (s *Store) WriteOutput(ctx context.Context, specID string, stage policy.Stage, attempt int, executionID, canonicalName, output string) (Handle, error) {
	dir := s.attemptDir(specID, stage, attempt)
	name := fmt.Sprintf("%s.%s.txt", canonicalName, executionID)

	h, err := s.writeFile(dir, name, []byte(output))
	if err != nil {
		return Handle{}, err
	}
	s.log.Debug(ctx, "evidence output written",
		zap.String("spec.id", specID),
		zap.String("stage", stage.String()),
		zap.Int("attempt", attempt),
		zap.String("path", h.Path),
		zap.String("sha256", h.SHA256))
	return h, nil
}

// WriteVerdict records the attempt's verdict plus the exact gate input that
// produced it. Exactly one verdict per attempt.
func (s *Store) WriteVerdict(ctx context.Context, verdict policy.Verdict, input gate.Input) (Handle, error) {
	data, err := json.MarshalIndent(Record{Verdict: verdict, Input: input}, "", "  ")
	if err != nil {
		return Handle{}, fmt.Errorf("failed to encode verdict record: %w", err)
	}

	dir := s.attemptDir(verdict.SpecID, verdict.Stage, verdict.Attempt)
	h, err := s.writeFile(dir, verdictFile, data)
	if err != nil {
		return Handle{}, err
	}
	s.log.Info(ctx, "verdict recorded",
		zap.String("spec.id", verdict.SpecID),
		zap.String("stage", verdict.Stage.String()),
		zap.Int("attempt", verdict.Attempt),
		zap.String("resolution", string(verdict.Resolution)))
	return h, nil
}

// ReadRecord loads the verdict record for one attempt. Reads are lock-free:
// rename-based writes mean a visible file is always complete.
func (s *Store) ReadRecord(specID string, stage policy.Stage, attempt int) (Record, error) {
	path := filepath.Join(s.attemptDir(specID, stage, attempt), verdictFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read verdict record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode verdict record %s: %w", path, err)
	}
	return rec, nil
}

// WriteAborted records the terminal abort marker for an attempt.
func (s *Store) WriteAborted(ctx context.Context, specID string, stage policy.Stage, attempt int, reason string) error {
	rec := AbortRecord{
		SpecID:    specID,
		Stage:     stage,
		Attempt:   attempt,
		Reason:    reason,
		AbortedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode abort record: %w", err)
	}
	dir := s.attemptDir(specID, stage, attempt)
	if _, err := s.writeFile(dir, abortedFile, data); err != nil {
		return err
	}
	s.log.Warn(ctx, "run aborted",
		zap.String("spec.id", specID),
		zap.String("stage", stage.String()),
		zap.Int("attempt", attempt),
		zap.String("reason", reason))
	return nil
}

// ClearRecord marks a human acknowledgement of an escalated attempt.
type ClearRecord struct {
	SpecID    string       `json:"spec_id"`
	Stage     policy.Stage `json:"stage"`
	Attempt   int          `json:"attempt"`
	Note      string       `json:"note,omitempty"`
	ClearedAt time.Time    `json:"cleared_at"`
}

// WriteCleared records that a human reviewed and released the escalated
// attempt. The verdict itself is never touched.
func (s *Store) WriteCleared(ctx context.Context, specID string, stage policy.Stage, attempt int, note string) error {
	rec := ClearRecord{
		SpecID:    specID,
		Stage:     stage,
		Attempt:   attempt,
		Note:      note,
		ClearedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode clear record: %w", err)
	}
	dir := s.attemptDir(specID, stage, attempt)
	if _, err := s.writeFile(dir, clearedFile, data); err != nil {
		return err
	}
	s.log.Info(ctx, "escalation cleared",
		zap.String("spec.id", specID),
		zap.String("stage", stage.String()),
		zap.Int("attempt", attempt))
	return nil
}

// Cleared reports whether the attempt carries a clear record.
func (s *Store) Cleared(specID string, stage policy.Stage, attempt int) (bool, error) {
	path := filepath.Join(s.attemptDir(specID, stage, attempt), clearedFile)
	if _, err := os.Stat(path); err == nil {
		return true, nil
	} else if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else {
		return false, fmt.Errorf("failed to stat clear record: %w", err)
	}
}

// Aborted reports whether a terminal abort marker exists anywhere under the
// spec's evidence tree.
func (s *Store) Aborted(specID string) (bool, error) {
	found := false
	root := filepath.Join(s.baseDir, specID)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == abortedFile {
			found = true
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to scan evidence for abort marker: %w", err)
	}
	return found, nil
}

// LatestAttempt returns the highest recorded attempt number for a stage, or
// 0 when the stage has no evidence yet. Attempt numbers are monotonic; the
// next attempt is always LatestAttempt+1.
func (s *Store) LatestAttempt(specID string, stage policy.Stage) (int, error) {
	dir := filepath.Join(s.baseDir, specID, stage.String())
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list attempts: %w", err)
	}

	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil || n <= 0 {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

// Outputs lists the output handles recorded for one attempt, sorted by
// file name.
func (s *Store) Outputs(specID string, stage policy.Stage, attempt int) ([]Handle, error) {
	dir := s.attemptDir(specID, stage, attempt)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence outputs: %w", err)
	}

	var out []Handle
	for _, e := range entries {
		if e.IsDir() || e.Name() == verdictFile || e.Name() == abortedFile || e.Name() == clearedFile {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read evidence output: %w", err)
		}
		out = append(out, Handle{Path: path, SHA256: digest(data), Bytes: int64(len(data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// writeFile lands data at dir/name via temp-file + atomic rename, refusing
// to replace an existing record.
func (s *Store) writeFile(dir, name string, data []byte) (Handle, error) {
	key := filepath.Join(dir, name)
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(key); err == nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrPersistenceConflict, key)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Handle{}, fmt.Errorf("failed to stat evidence record: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("failed to create attempt directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create temp evidence file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Handle{}, fmt.Errorf("failed to write evidence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Handle{}, fmt.Errorf("failed to close evidence file: %w", err)
	}
	if err := os.Rename(tmpName, key); err != nil {
		os.Remove(tmpName)
		return Handle{}, fmt.Errorf("failed to commit evidence file: %w", err)
	}

	return Handle{Path: key, SHA256: digest(data), Bytes: int64(len(data))}, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
