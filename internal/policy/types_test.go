package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrder(t *testing.T) {
	stages := AllStages()
	require.Len(t, stages, 7)
	assert.Equal(t, StageSpecify, stages[0])
	assert.Equal(t, StageUnlock, stages[6])

	next, ok := StagePlan.Next()
	require.True(t, ok)
	assert.Equal(t, StageTasks, next)

	_, ok = StageUnlock.Next()
	assert.False(t, ok)

	pred, ok := StagePlan.Predecessor()
	require.True(t, ok)
	assert.Equal(t, StageSpecify, pred)

	_, ok = StageSpecify.Predecessor()
	assert.False(t, ok)
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		input   string
		want    Stage
		wantErr bool
	}{
		{"plan", StagePlan, false},
		{"spec-plan", StagePlan, false},
		{"Implement", StageImplement, false},
		{"review", StageAudit, false},
		{"spec-audit", StageAudit, false},
		{"unlock", StageUnlock, false},
		{"bogus", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStage(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoleSidecars(t *testing.T) {
	assert.False(t, RoleArchitect.IsSidecar())
	assert.False(t, RoleJudge.IsSidecar())
	assert.True(t, RoleSidecarCritic.IsSidecar())
	assert.True(t, RoleSecurityReviewer.IsSidecar())
	assert.True(t, RoleImplementer.CanOwnStage())
	assert.False(t, RoleSidecarCritic.CanOwnStage())
}

func TestRolesForStage(t *testing.T) {
	ctx := RoutingContext{}

	for _, tt := range []struct {
		stage Stage
		owner Role
	}{
		{StageSpecify, RoleArchitect},
		{StagePlan, RoleArchitect},
		{StageTasks, RoleArchitect},
		{StageImplement, RoleImplementer},
		{StageValidate, RoleValidator},
		{StageAudit, RoleJudge},
		{StageUnlock, RoleJudge},
	} {
		got := RolesForStage(tt.stage, ctx)
		assert.Equal(t, tt.owner, got.Owner, "stage %s", tt.stage)
		assert.Empty(t, got.Sidecars, "stage %s with no toggles", tt.stage)
	}
}

func TestRolesForStageSidecars(t *testing.T) {
	ctx := RoutingContext{
		IsHighRisk: true,
		Policy: PolicyToggles{
			SidecarCriticEnabled:    true,
			SecurityReviewerEnabled: true,
		},
	}

	plan := RolesForStage(StagePlan, ctx)
	assert.Equal(t, []Role{RoleSidecarCritic}, plan.Sidecars, "plan is not security-reviewed")

	impl := RolesForStage(StageImplement, ctx)
	assert.Contains(t, impl.Sidecars, RoleSidecarCritic)
	assert.Contains(t, impl.Sidecars, RoleSecurityReviewer)

	// Security reviewer requires the high-risk flag, not just the toggle.
	lowRisk := ctx
	lowRisk.IsHighRisk = false
	impl = RolesForStage(StageImplement, lowRisk)
	assert.NotContains(t, impl.Sidecars, RoleSecurityReviewer)
}

func TestConfidenceLevels(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, LevelForConfidence(0.95))
	assert.Equal(t, ConfidenceHigh, LevelForConfidence(0.80))
	assert.Equal(t, ConfidenceMedium, LevelForConfidence(0.79))
	assert.Equal(t, ConfidenceMedium, LevelForConfidence(0.65))
	assert.Equal(t, ConfidenceLow, LevelForConfidence(0.64))
	assert.Equal(t, ConfidenceLow, LevelForConfidence(0))
}

func TestDecisionRuleValidate(t *testing.T) {
	rule := DefaultDecisionRule()
	require.NoError(t, rule.Validate())
	assert.InDelta(t, 0.75, rule.MinConfidenceForAutoApply, 0.001)
	assert.InDelta(t, 0.05, rule.AdvisoryPenalty, 0.001)
	assert.Equal(t, 2, rule.Quorum)

	rule.MinConfidenceForAutoApply = 1.5
	assert.Error(t, rule.Validate())

	rule = DefaultDecisionRule()
	rule.Quorum = 0
	assert.Error(t, rule.Validate())
}

func TestVerdictHasBlockSignal(t *testing.T) {
	v := &Verdict{Signals: []Signal{
		{Kind: SignalAmbiguity, Severity: SeverityAdvisory},
	}}
	assert.False(t, v.HasBlockSignal())

	v.Signals = append(v.Signals, Signal{Kind: SignalSecurityRisk, Severity: SeverityBlock})
	assert.True(t, v.HasBlockSignal())
}
