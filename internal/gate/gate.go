// Package gate turns one stage attempt's collected worker output into a
// Verdict. Evaluate is a pure function of its input: replaying a persisted
// evidence record through it reproduces the identical Verdict.
package gate

import (
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/specpipe/internal/coordinator"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
)

// Participant is one expected worker's participation in the attempt.
// Completed means the execution succeeded with usable output.
type Participant struct {
	CanonicalName string          `json:"canonical_name"`
	Role          policy.Role     `json:"role"`
	Completed     bool            `json:"completed"`
	Confidence    *float64        `json:"confidence,omitempty"`
	Signals       []policy.Signal `json:"signals,omitempty"`
}

// Input is everything the gate considers. No field is read from the
// environment; EvaluatedAt is supplied by the caller so replay is exact.
type Input struct {
	SpecID       string              `json:"spec_id"`
	Stage        policy.Stage        `json:"stage"`
	Attempt      int                 `json:"attempt"`
	Participants []Participant       `json:"participants"`
	Rule         policy.DecisionRule `json:"rule"`
	EvaluatedAt  time.Time           `json:"evaluated_at"`
}

// FromWorkerResults adapts a terminal cohort into gate participants. Only
// succeeded executions count as participation; failed, timed out and
// cancelled workers show up as expected-but-missing.
func FromWorkerResults(results []coordinator.WorkerResult) []Participant {
	out := make([]Participant, 0, len(results))
	for _, r := range results {
		out = append(out, Participant{
			CanonicalName: r.CanonicalName,
			Role:          r.Role,
			Completed:     r.Status == coordinator.StatusSucceeded,
			Confidence:    r.Confidence,
			Signals:       r.Signals,
		})
	}
	return out
}

// Evaluate computes the Verdict for one stage attempt.
//
// Any Block-severity signal forces Escalate regardless of confidence.
// Otherwise effective confidence is min(reported, 1 - penalty*advisories);
// full participation at or above the auto-apply threshold yields AutoApply,
// partial participation yields Degraded with a warning, and everything else
// escalates.
func Evaluate(in Input) policy.Verdict {
	signals := collectSignals(in.Participants)
	missing := missingWorkers(in.Participants)
	participated := len(in.Participants) - len(missing)

	reported := authoritativeConfidence(in.Stage, in.Participants)
	effective := effectiveConfidence(reported, signals, in.Rule)

	v := policy.Verdict{
		SpecID:              in.SpecID,
		Stage:               in.Stage,
		Attempt:             in.Attempt,
		Confidence:          reported,
		EffectiveConfidence: effective,
		ConfidenceLevel:     policy.LevelForConfidence(effective),
		Signals:             signals,
		MissingWorkers:      missing,
		RecordedAt:          in.EvaluatedAt,
	}

	if blocked, origin := firstBlock(signals); blocked {
		v.Resolution = policy.ResolutionEscalate
		v.Reason = fmt.Sprintf("block signal raised by %s", origin)
		return v
	}

	// Partial participation degrades down to one short of quorum; losing
	// more than that escalates.
	usableFloor := in.Rule.Quorum - 1
	if usableFloor < 1 {
		usableFloor = 1
	}

	switch {
	case len(missing) == 0 && effective >= in.Rule.MinConfidenceForAutoApply:
		v.Resolution = policy.ResolutionAutoApply
		v.Reason = fmt.Sprintf("confidence %.2f meets auto-apply threshold %.2f with full participation",
			effective, in.Rule.MinConfidenceForAutoApply)
	case len(missing) > 0 && participated >= usableFloor:
		v.Resolution = policy.ResolutionDegraded
		v.Reason = fmt.Sprintf("%d of %d expected workers participated",
			participated, len(in.Participants))
		v.Warning = fmt.Sprintf("degraded: missing workers %v", missing)
	case participated == 0:
		v.Resolution = policy.ResolutionEscalate
		v.Reason = "no expected worker produced usable output"
	case len(missing) > 0:
		v.Resolution = policy.ResolutionEscalate
		v.Reason = fmt.Sprintf("only %d of %d expected workers participated",
			participated, len(in.Participants))
	default:
		v.Resolution = policy.ResolutionEscalate
		v.Reason = fmt.Sprintf("confidence %.2f below auto-apply threshold %.2f",
			effective, in.Rule.MinConfidenceForAutoApply)
	}
	return v
}

// authoritativeConfidence takes the reported confidence of the participant
// whose role owns the stage. Absent or unreported confidence is 0.
func authoritativeConfidence(stage policy.Stage, participants []Participant) float64 {
	owner := policy.OwnerForStage(stage)
	for _, p := range participants {
		if !p.Completed || p.Role != owner {
			continue
		}
		if p.Confidence == nil {
			return 0
		}
		return clamp01(*p.Confidence)
	}
	return 0
}

func effectiveConfidence(reported float64, signals []policy.Signal, rule policy.DecisionRule) float64 {
	advisories := 0
	for _, s := range signals {
		if s.Severity == policy.SeverityAdvisory {
			advisories++
		}
	}
	ceiling := 1.0 - rule.AdvisoryPenalty*float64(advisories)
	if ceiling < reported {
		return clamp01(ceiling)
	}
	return clamp01(reported)
}

// collectSignals gathers every signal raised across the cohort, including
// those reported by workers that did not complete: a sidecar that raised a
// block before timing out still blocks.
func collectSignals(participants []Participant) []policy.Signal {
	var out []policy.Signal
	for _, p := range participants {
		out = append(out, p.Signals...)
	}
	return out
}

func missingWorkers(participants []Participant) []string {
	var missing []string
	for _, p := range participants {
		if !p.Completed {
			missing = append(missing, p.CanonicalName)
		}
	}
	sort.Strings(missing)
	return missing
}

func firstBlock(signals []policy.Signal) (bool, string) {
	for _, s := range signals {
		if s.Severity == policy.SeverityBlock {
			return true, s.Origin
		}
	}
	return false, ""
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
