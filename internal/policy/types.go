// Package policy defines the pipeline vocabulary: stages, roles, signals,
// verdicts, and the decision rule that governs gate evaluation.
//
// Gate evaluation is deterministic. Sidecars emit signals, not competing
// answers. There is no voting and no committee synthesis.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Stage is a fixed phase in the pipeline's total order.
type Stage string

const (
	// StageSpecify gathers context and defines scope before planning.
	StageSpecify Stage = "specify"

	// StagePlan produces architecture decisions and the approach.
	StagePlan Stage = "plan"

	// StageTasks decomposes the plan into actionable items.
	StageTasks Stage = "tasks"

	// StageImplement generates code.
	StageImplement Stage = "implement"

	// StageValidate runs the test strategy against the implementation.
	StageValidate Stage = "validate"

	// StageAudit reviews compliance and quality.
	StageAudit Stage = "audit"

	// StageUnlock is the final approval gate.
	StageUnlock Stage = "unlock"
)

// AllStages returns the stages in execution order.
func AllStages() []Stage {
	return []Stage{
		StageSpecify,
		StagePlan,
		StageTasks,
		StageImplement,
		StageValidate,
		StageAudit,
		StageUnlock,
	}
}

// ParseStage resolves a stage name, accepting the aliases the CLI has
// historically supported ("review" for audit, "spec-plan" for plan, ...).
func ParseStage(s string) (Stage, error) {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "spec-")
	switch name {
	case "specify":
		return StageSpecify, nil
	case "plan":
		return StagePlan, nil
	case "tasks":
		return StageTasks, nil
	case "implement":
		return StageImplement, nil
	case "validate":
		return StageValidate, nil
	case "audit", "review":
		return StageAudit, nil
	case "unlock":
		return StageUnlock, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Next returns the stage that follows s, or false if s is the last stage.
func (s Stage) Next() (Stage, bool) {
	stages := AllStages()
	for i, st := range stages {
		if st == s && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return "", false
}

// Predecessor returns the required predecessor of s, or false for the first stage.
func (s Stage) Predecessor() (Stage, bool) {
	stages := AllStages()
	for i, st := range stages {
		if st == s && i > 0 {
			return stages[i-1], true
		}
	}
	return "", false
}

// Index returns the position of s in the pipeline order, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range AllStages() {
		if st == s {
			return i
		}
	}
	return -1
}

// ArtifactName returns the default artifact produced by the stage.
func (s Stage) ArtifactName() string {
	switch s {
	case StageSpecify:
		return "spec.md"
	case StagePlan:
		return "plan.md"
	case StageTasks:
		return "tasks.md"
	case StageImplement:
		return "implementation.md"
	case StageValidate:
		return "validation.md"
	case StageAudit:
		return "audit.md"
	case StageUnlock:
		return "unlock.md"
	}
	return ""
}

// WritesCode reports whether the stage's owner produces code changes. The
// router's escalation ladder only applies to code-writing stages.
func (s Stage) WritesCode() bool {
	return s == StageImplement
}

// DisplayName returns the human-readable stage name.
func (s Stage) DisplayName() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s.String()[:1]) + s.String()[1:]
}

func (s Stage) String() string { return string(s) }

// Role is a responsibility label within a stage. Exactly one authoritative
// role owns each stage; sidecar roles only emit signals.
type Role string

const (
	// RoleArchitect designs the approach and owns Specify, Plan, and Tasks.
	RoleArchitect Role = "architect"

	// RoleImplementer writes code and owns Implement.
	RoleImplementer Role = "implementer"

	// RoleValidator runs tests and owns Validate.
	RoleValidator Role = "validator"

	// RoleJudge makes the final ship/no-ship decision and owns Audit and
	// Unlock. Never routed to a local-only worker.
	RoleJudge Role = "judge"

	// RoleSidecarCritic is a non-blocking critique sidecar.
	RoleSidecarCritic Role = "sidecar_critic"

	// RoleSecurityReviewer is a security-focused sidecar for high-risk stages.
	RoleSecurityReviewer Role = "security_reviewer"
)

// IsSidecar reports whether the role is non-authoritative.
func (r Role) IsSidecar() bool {
	switch r {
	case RoleSidecarCritic, RoleSecurityReviewer:
		return true
	}
	return false
}

// CanOwnStage reports whether the role may produce authoritative artifacts.
func (r Role) CanOwnStage() bool { return !r.IsSidecar() }

func (r Role) String() string { return string(r) }

// SignalSeverity classifies how a signal affects the gate.
//
//   - Advisory: reduces effective confidence but never blocks on its own.
//   - Block: forces escalation regardless of confidence.
type SignalSeverity string

const (
	SeverityAdvisory SignalSeverity = "advisory"
	SeverityBlock    SignalSeverity = "block"
)

// SignalKind classifies the observation behind a signal.
type SignalKind string

const (
	SignalContradiction   SignalKind = "contradiction"
	SignalPolicyViolation SignalKind = "policy_violation"
	SignalToolTruthFail   SignalKind = "tool_truth_failure"
	SignalAmbiguity       SignalKind = "ambiguity"
	SignalSecurityRisk    SignalKind = "security_risk"
	SignalHighRiskChange  SignalKind = "high_risk_change"
	SignalOther           SignalKind = "other"
)

// SignalOriginSystem marks signals raised by deterministic checks rather
// than a sidecar role (compile results, test runs).
const SignalOriginSystem = "system"

// Signal is an advisory or blocking observation feeding the gate decision.
// Signals are produced by sidecar roles or deterministic checks, never by
// the authoritative role's own output.
type Signal struct {
	Kind     SignalKind     `json:"kind"`
	Origin   string         `json:"origin"`
	Severity SignalSeverity `json:"severity"`
	Message  string         `json:"message,omitempty"`
}

// Resolution is the gate's decision for one stage attempt.
type Resolution string

const (
	// ResolutionAutoApply advances the pipeline without human review.
	ResolutionAutoApply Resolution = "auto_apply"

	// ResolutionEscalate halts the stage for human review.
	ResolutionEscalate Resolution = "escalate"

	// ResolutionDegraded advances with partial participation; the run is
	// flagged for later audit.
	ResolutionDegraded Resolution = "degraded"
)

// ConfidenceLevel bands a numeric confidence for display and evidence.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"   // >= 0.80
	ConfidenceMedium ConfidenceLevel = "medium" // >= 0.65
	ConfidenceLow    ConfidenceLevel = "low"    // < 0.65
)

// LevelForConfidence computes the categorical band for a confidence value.
func LevelForConfidence(v float64) ConfidenceLevel {
	switch {
	case v >= 0.80:
		return ConfidenceHigh
	case v >= 0.65:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Verdict is the gate's decision for one stage attempt. Immutable once
// created; persisted to the evidence store.
//
// Invariant: Resolution == ResolutionAutoApply implies no signal in Signals
// has severity Block.
type Verdict struct {
	SpecID              string          `json:"spec_id"`
	Stage               Stage           `json:"stage"`
	Attempt             int             `json:"attempt"`
	Resolution          Resolution      `json:"resolution"`
	Confidence          float64         `json:"confidence"`
	EffectiveConfidence float64         `json:"effective_confidence"`
	ConfidenceLevel     ConfidenceLevel `json:"confidence_level"`
	Signals             []Signal        `json:"signals,omitempty"`
	MissingWorkers      []string        `json:"missing_workers,omitempty"`
	Reason              string          `json:"reason"`
	Warning             string          `json:"warning,omitempty"`
	RecordedAt          time.Time       `json:"recorded_at"`
}

// HasBlockSignal reports whether any considered signal blocks.
func (v *Verdict) HasBlockSignal() bool {
	for _, s := range v.Signals {
		if s.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// DecisionRule configures gate evaluation thresholds.
type DecisionRule struct {
	// MinConfidenceForAutoApply is the effective-confidence floor for
	// auto-apply (default 0.75).
	MinConfidenceForAutoApply float64 `koanf:"min_confidence_for_auto_apply"`

	// AdvisoryPenalty is subtracted from 1.0 per advisory signal when
	// computing effective confidence (default 0.05).
	AdvisoryPenalty float64 `koanf:"advisory_penalty"`

	// Quorum is the minimum number of expected workers that must reach a
	// usable terminal result for a Degraded verdict (default 2).
	Quorum int `koanf:"quorum"`
}

// DefaultDecisionRule returns the policy defaults.
func DefaultDecisionRule() DecisionRule {
	return DecisionRule{
		MinConfidenceForAutoApply: 0.75,
		AdvisoryPenalty:           0.05,
		Quorum:                    2,
	}
}

// Validate checks the rule for configuration errors.
func (r DecisionRule) Validate() error {
	if r.MinConfidenceForAutoApply < 0 || r.MinConfidenceForAutoApply > 1 {
		return fmt.Errorf("min_confidence_for_auto_apply out of range: %v", r.MinConfidenceForAutoApply)
	}
	if r.AdvisoryPenalty < 0 || r.AdvisoryPenalty > 1 {
		return fmt.Errorf("advisory_penalty out of range: %v", r.AdvisoryPenalty)
	}
	if r.Quorum < 1 {
		return fmt.Errorf("quorum must be at least 1, got %d", r.Quorum)
	}
	return nil
}

// PolicyToggles control which sidecars run. Populated by the configuration
// layer; policy functions never read the environment themselves.
type PolicyToggles struct {
	// SidecarCriticEnabled enables the non-blocking critic sidecar.
	SidecarCriticEnabled bool `koanf:"sidecar_critic_enabled"`

	// SecurityReviewerEnabled enables the security sidecar on high-risk
	// Implement and Validate stages.
	SecurityReviewerEnabled bool `koanf:"security_reviewer_enabled"`

	// CarryDegradedRisk marks the next stage high-risk after a Degraded
	// verdict. Off by default.
	CarryDegradedRisk bool `koanf:"carry_degraded_risk"`
}

// RoutingContext is the per-stage-attempt record consulted by the router.
// It is owned by the single control flow processing the attempt and mutated
// only by the escalation controller between attempts.
type RoutingContext struct {
	SpecID     string
	Stage      Stage
	RetryCount int

	// IsHighRisk is an injected heuristic flag (large change surface). The
	// threshold that computes it lives with the caller, not here.
	IsHighRisk bool

	// LocalOnly forces offline-capable workers for every role except Judge.
	LocalOnly bool

	Policy PolicyToggles
}

// RoleAssignment names the authoritative owner of a stage plus the sidecars
// that should run alongside it.
type RoleAssignment struct {
	Owner    Role
	Sidecars []Role
}

// OwnerForStage returns the single authoritative role for a stage.
func OwnerForStage(stage Stage) Role {
	switch stage {
	case StageSpecify, StagePlan, StageTasks:
		return RoleArchitect
	case StageImplement:
		return RoleImplementer
	case StageValidate:
		return RoleValidator
	default:
		return RoleJudge
	}
}

// RolesForStage returns the role assignment for a stage. Deterministic:
// sidecar inclusion depends only on the toggles and risk flag in ctx.
func RolesForStage(stage Stage, ctx RoutingContext) RoleAssignment {
	owner := OwnerForStage(stage)

	var sidecars []Role
	if ctx.Policy.SidecarCriticEnabled {
		sidecars = append(sidecars, RoleSidecarCritic)
	}
	securityStage := stage == StageImplement || stage == StageValidate
	if ctx.IsHighRisk && securityStage && ctx.Policy.SecurityReviewerEnabled {
		sidecars = append(sidecars, RoleSecurityReviewer)
	}

	return RoleAssignment{Owner: owner, Sidecars: sidecars}
}
