package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specpipe/internal/evidence"
	"github.com/fyrsmithlabs/specpipe/internal/gate"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
)

func writeVerdict(t *testing.T, ev *evidence.Store, stage policy.Stage, attempt int, res policy.Resolution) {
	t.Helper()
	_, err := ev.WriteVerdict(context.Background(), policy.Verdict{
		SpecID:     "SPEC-001",
		Stage:      stage,
		Attempt:    attempt,
		Resolution: res,
	}, gate.Input{})
	require.NoError(t, err)
}

func TestResumePointFreshSpec(t *testing.T) {
	ev, err := evidence.NewStore(t.TempDir())
	require.NoError(t, err)

	p, err := resumePoint(ev, "SPEC-001")
	require.NoError(t, err)
	assert.Equal(t, resumeAt, p.kind)
	assert.Equal(t, policy.StageSpecify, p.stage)
}

func TestResumePointSkipsAppliedStages(t *testing.T) {
	ev, err := evidence.NewStore(t.TempDir())
	require.NoError(t, err)

	writeVerdict(t, ev, policy.StageSpecify, 1, policy.ResolutionAutoApply)
	writeVerdict(t, ev, policy.StagePlan, 2, policy.ResolutionDegraded)

	p, err := resumePoint(ev, "SPEC-001")
	require.NoError(t, err)
	assert.Equal(t, resumeAt, p.kind)
	assert.Equal(t, policy.StageTasks, p.stage)
	assert.True(t, p.degraded)
}

func TestResumePointBlockedUntilCleared(t *testing.T) {
	ev, err := evidence.NewStore(t.TempDir())
	require.NoError(t, err)

	writeVerdict(t, ev, policy.StageSpecify, 1, policy.ResolutionAutoApply)
	writeVerdict(t, ev, policy.StagePlan, 3, policy.ResolutionEscalate)

	p, err := resumePoint(ev, "SPEC-001")
	require.NoError(t, err)
	assert.Equal(t, resumeBlocked, p.kind)
	assert.Equal(t, policy.StagePlan, p.stage)
	assert.Equal(t, 3, p.attempt)

	require.NoError(t, ev.WriteCleared(context.Background(), "SPEC-001", policy.StagePlan, 3, "reviewed"))

	p, err = resumePoint(ev, "SPEC-001")
	require.NoError(t, err)
	assert.Equal(t, resumeAt, p.kind)
	assert.Equal(t, policy.StagePlan, p.stage)
}

func TestResumePointCompleted(t *testing.T) {
	ev, err := evidence.NewStore(t.TempDir())
	require.NoError(t, err)

	for _, stage := range policy.AllStages() {
		writeVerdict(t, ev, stage, 1, policy.ResolutionAutoApply)
	}

	p, err := resumePoint(ev, "SPEC-001")
	require.NoError(t, err)
	assert.Equal(t, resumeCompleted, p.kind)
	assert.False(t, p.degraded)
}

func TestResumePointAborted(t *testing.T) {
	ev, err := evidence.NewStore(t.TempDir())
	require.NoError(t, err)

	writeVerdict(t, ev, policy.StageSpecify, 1, policy.ResolutionAutoApply)
	require.NoError(t, ev.WriteAborted(context.Background(), "SPEC-001", policy.StagePlan, 1, "operator"))

	p, err := resumePoint(ev, "SPEC-001")
	require.NoError(t, err)
	assert.Equal(t, resumeAborted, p.kind)
}
