package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordSpawnAndResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := SpawnRecord{
		ExecutionID:   "exec-1",
		SpecID:        "SPEC-001",
		Stage:         "plan",
		Attempt:       1,
		Role:          "architect",
		CanonicalName: "claude-sonnet",
	}
	require.NoError(t, store.RecordSpawn(ctx, rec))

	name, err := store.CanonicalName(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet", name)

	info, err := store.SpawnInfo(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseStage, info.Phase)
	assert.Equal(t, 1, info.Attempt)
	assert.False(t, info.SpawnedAt.IsZero())
}

func TestUnknownExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CanonicalName(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownExecution)

	_, err = store.SpawnInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownExecution)

	err = store.RecordCompletion(ctx, "missing", "succeeded", "out")
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestDuplicateSpawnRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := SpawnRecord{
		ExecutionID:   "exec-1",
		SpecID:        "SPEC-001",
		Stage:         "plan",
		Attempt:       1,
		Role:          "architect",
		CanonicalName: "claude-sonnet",
	}
	require.NoError(t, store.RecordSpawn(ctx, rec))
	assert.ErrorIs(t, store.RecordSpawn(ctx, rec), ErrDuplicateExecution)
}

func TestReportedNameCollisionDoesNotOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Two distinct executions whose workers both claim to be "claude".
	// Identity is keyed by execution id, so both records survive.
	require.NoError(t, store.RecordSpawn(ctx, SpawnRecord{
		ExecutionID: "exec-a", SpecID: "S", Stage: "plan", Attempt: 1,
		Role: "architect", CanonicalName: "claude-sonnet",
	}))
	require.NoError(t, store.RecordSpawn(ctx, SpawnRecord{
		ExecutionID: "exec-b", SpecID: "S", Stage: "plan", Attempt: 1,
		Role: "sidecar_critic", CanonicalName: "claude-haiku",
	}))

	require.NoError(t, store.RecordCompletion(ctx, "exec-a", "succeeded", "output A"))
	require.NoError(t, store.RecordCompletion(ctx, "exec-b", "succeeded", "output B"))

	completions, err := store.CompletionsForAttempt(ctx, "S", "plan", 1, PhaseStage)
	require.NoError(t, err)
	require.Len(t, completions, 2)
	outputs := map[string]string{}
	for _, c := range completions {
		outputs[c.CanonicalName] = c.Output
	}
	assert.Equal(t, "output A", outputs["claude-sonnet"])
	assert.Equal(t, "output B", outputs["claude-haiku"])
}

func TestPhaseFilteringExcludesStaleEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSpawn(ctx, SpawnRecord{
		ExecutionID: "exec-stage", SpecID: "S", Stage: "implement", Attempt: 2,
		Role: "implementer", CanonicalName: "local-code",
	}))
	require.NoError(t, store.RecordSpawn(ctx, SpawnRecord{
		ExecutionID: "exec-qg", SpecID: "S", Stage: "implement", Attempt: 2,
		Phase: PhaseQualityGate, Role: "validator", CanonicalName: "qg-runner",
	}))
	// Previous attempt entry must not leak into attempt 2 either.
	require.NoError(t, store.RecordSpawn(ctx, SpawnRecord{
		ExecutionID: "exec-old", SpecID: "S", Stage: "implement", Attempt: 1,
		Role: "implementer", CanonicalName: "local-code",
	}))

	completions, err := store.CompletionsForAttempt(ctx, "S", "implement", 2, PhaseStage)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, "exec-stage", completions[0].ExecutionID)
}
