package main

import (
	"fmt"

	"github.com/fyrsmithlabs/specpipe/internal/evidence"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
)

type resumeKind int

const (
	// resumeAt means the run should (re)start at point.stage.
	resumeAt resumeKind = iota

	// resumeBlocked means point.stage escalated and has not been cleared.
	resumeBlocked

	// resumeCompleted means every stage applied.
	resumeCompleted

	// resumeAborted means the run carries a terminal abort record.
	resumeAborted
)

type point struct {
	kind     resumeKind
	stage    policy.Stage
	attempt  int
	degraded bool
}

// resumePoint derives where a run stands from its evidence alone: the first
// stage without an applied verdict is where the run resumes. An applied
// stage is never re-entered. An escalated stage blocks resumption until a
// clear record exists for that attempt.
func resumePoint(ev *evidence.Store, specID string) (point, error) {
	aborted, err := ev.Aborted(specID)
	if err != nil {
		return point{}, err
	}
	if aborted {
		return point{kind: resumeAborted}, nil
	}

	degraded := false
	for _, stage := range policy.AllStages() {
		latest, err := ev.LatestAttempt(specID, stage)
		if err != nil {
			return point{}, err
		}
		if latest == 0 {
			return point{kind: resumeAt, stage: stage, degraded: degraded}, nil
		}

		rec, err := ev.ReadRecord(specID, stage, latest)
		if err != nil {
			// Attempt directory without a verdict: the attempt never
			// finished; re-run the stage.
			return point{kind: resumeAt, stage: stage, attempt: latest, degraded: degraded}, nil
		}

		switch rec.Verdict.Resolution {
		case policy.ResolutionAutoApply:
			continue
		case policy.ResolutionDegraded:
			degraded = true
			continue
		case policy.ResolutionEscalate:
			cleared, err := ev.Cleared(specID, stage, latest)
			if err != nil {
				return point{}, err
			}
			if cleared {
				return point{kind: resumeAt, stage: stage, attempt: latest, degraded: degraded}, nil
			}
			return point{kind: resumeBlocked, stage: stage, attempt: latest, degraded: degraded}, nil
		default:
			return point{}, fmt.Errorf("unknown resolution %q in evidence for %s/%s", rec.Verdict.Resolution, specID, stage)
		}
	}
	return point{kind: resumeCompleted, degraded: degraded}, nil
}
