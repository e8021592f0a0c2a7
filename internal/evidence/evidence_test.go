package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specpipe/internal/gate"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func conf(v float64) *float64 { return &v }

func TestWriteOutputAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h, err := store.WriteOutput(ctx, "SPEC-001", policy.StagePlan, 1, "exec-1", "anthropic-opus", "plan body")
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("plan body"))
	assert.Equal(t, hex.EncodeToString(sum[:]), h.SHA256)
	assert.Equal(t, int64(len("plan body")), h.Bytes)

	outputs, err := store.Outputs("SPEC-001", policy.StagePlan, 1)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, h, outputs[0])
}

func TestReportedNameCollisionKeepsBothOutputs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.WriteOutput(ctx, "SPEC-001", policy.StagePlan, 1, "exec-a", "claude", "output A")
	require.NoError(t, err)
	_, err = store.WriteOutput(ctx, "SPEC-001", policy.StagePlan, 1, "exec-b", "claude", "output B")
	require.NoError(t, err)

	outputs, err := store.Outputs("SPEC-001", policy.StagePlan, 1)
	require.NoError(t, err)
	assert.Len(t, outputs, 2)
}

func TestVerdictReplayRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	input := gate.Input{
		SpecID:  "SPEC-001",
		Stage:   policy.StageImplement,
		Attempt: 2,
		Participants: []gate.Participant{
			{CanonicalName: "local-code", Role: policy.RoleImplementer, Completed: true, Confidence: conf(0.82)},
			{CanonicalName: "anthropic-haiku", Role: policy.RoleSidecarCritic, Completed: false, Signals: []policy.Signal{{
				Kind: policy.SignalAmbiguity, Origin: "sidecar_critic", Severity: policy.SeverityAdvisory,
			}}},
		},
		Rule:        policy.DefaultDecisionRule(),
		EvaluatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	verdict := gate.Evaluate(input)

	_, err := store.WriteVerdict(ctx, verdict, input)
	require.NoError(t, err)

	rec, err := store.ReadRecord("SPEC-001", policy.StageImplement, 2)
	require.NoError(t, err)

	// Replaying the persisted input reproduces the identical verdict.
	replayed := gate.Evaluate(rec.Input)
	assert.Equal(t, rec.Verdict, replayed)
	assert.Equal(t, verdict.Resolution, replayed.Resolution)
}

func TestVerdictWriteIsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	verdict := policy.Verdict{
		SpecID: "SPEC-001", Stage: policy.StagePlan, Attempt: 1,
		Resolution: policy.ResolutionAutoApply,
	}
	_, err := store.WriteVerdict(ctx, verdict, gate.Input{})
	require.NoError(t, err)

	_, err = store.WriteVerdict(ctx, verdict, gate.Input{})
	assert.ErrorIs(t, err, ErrPersistenceConflict)

	_, err = store.WriteOutput(ctx, "SPEC-001", policy.StagePlan, 1, "exec-1", "w", "x")
	require.NoError(t, err)
	_, err = store.WriteOutput(ctx, "SPEC-001", policy.StagePlan, 1, "exec-1", "w", "y")
	assert.ErrorIs(t, err, ErrPersistenceConflict)
}

func TestLatestAttemptMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n, err := store.LatestAttempt("SPEC-001", policy.StageTasks)
	require.NoError(t, err)
	assert.Zero(t, n)

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := store.WriteOutput(ctx, "SPEC-001", policy.StageTasks, attempt, "exec", "w", "out")
		require.NoError(t, err)
		n, err := store.LatestAttempt("SPEC-001", policy.StageTasks)
		require.NoError(t, err)
		assert.Equal(t, attempt, n)
	}
}

func TestAbortMarker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aborted, err := store.Aborted("SPEC-001")
	require.NoError(t, err)
	assert.False(t, aborted)

	require.NoError(t, store.WriteAborted(ctx, "SPEC-001", policy.StageImplement, 2, "operator abort"))

	aborted, err = store.Aborted("SPEC-001")
	require.NoError(t, err)
	assert.True(t, aborted)

	// The marker is not listed among worker outputs.
	outputs, err := store.Outputs("SPEC-001", policy.StageImplement, 2)
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestClearMarker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cleared, err := store.Cleared("SPEC-001", policy.StageImplement, 2)
	require.NoError(t, err)
	assert.False(t, cleared)

	require.NoError(t, store.WriteCleared(ctx, "SPEC-001", policy.StageImplement, 2, "reviewed the diff"))

	cleared, err = store.Cleared("SPEC-001", policy.StageImplement, 2)
	require.NoError(t, err)
	assert.True(t, cleared)

	// Clearing twice is a conflict, same as any other record.
	err = store.WriteCleared(ctx, "SPEC-001", policy.StageImplement, 2, "again")
	assert.ErrorIs(t, err, ErrPersistenceConflict)

	outputs, err := store.Outputs("SPEC-001", policy.StageImplement, 2)
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestConcurrentWritersDoNotCorrupt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			execID := string(rune('a' + n))
			_, err := store.WriteOutput(ctx, "SPEC-001", policy.StageImplement, 1, "exec-"+execID, "worker-"+execID, "output")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	outputs, err := store.Outputs("SPEC-001", policy.StageImplement, 1)
	require.NoError(t, err)
	assert.Len(t, outputs, 8)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.WriteOutput(ctx, "SPEC-001", policy.StagePlan, 1, "exec-1", "w", "out")
	require.NoError(t, err)

	dir := filepath.Join(store.baseDir, "SPEC-001", "plan", "1")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "w.exec-1.txt", entries[0].Name())
}
