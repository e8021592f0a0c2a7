// Package pipeline is the top-level driver: it sequences stages, invokes
// the router, coordinator, gate and escalation controller in order, and
// exposes pipeline status to external callers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specpipe/internal/config"
	"github.com/fyrsmithlabs/specpipe/internal/coordinator"
	"github.com/fyrsmithlabs/specpipe/internal/escalation"
	"github.com/fyrsmithlabs/specpipe/internal/evidence"
	"github.com/fyrsmithlabs/specpipe/internal/gate"
	"github.com/fyrsmithlabs/specpipe/internal/logging"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
	"github.com/fyrsmithlabs/specpipe/internal/registry"
	"github.com/fyrsmithlabs/specpipe/internal/router"
)

// ErrNotAwaitingHuman is returned by ClearEscalation when the run is not
// halted for review.
var ErrNotAwaitingHuman = errors.New("run is not awaiting human review")

// State is the pipeline-level state for one spec run.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateAwaitingHuman State = "awaiting_human"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// Terminal reports whether no further Advance call can change the state
// without external intervention.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateAwaitingHuman
}

// Status is the externally visible snapshot of one run.
type Status struct {
	SpecID  string
	RunID   string
	State   State
	Stage   policy.Stage
	Attempt int

	// Waiting means a cohort is still in flight (or a retry backoff has
	// not elapsed); the caller should call Advance again later.
	Waiting bool

	// Degraded is set once any stage applied with partial participation.
	Degraded bool

	Reason      string
	LastVerdict *policy.Verdict
}

// Escalation is the payload delivered to the human-escalation sink.
type Escalation struct {
	SpecID  string
	Stage   policy.Stage
	Verdict policy.Verdict
	Reason  string
}

// EscalationSink receives runs halted for human review.
type EscalationSink interface {
	Notify(ctx context.Context, esc Escalation) error
}

// BriefProvider supplies the pre-assembled context brief handed to workers.
// The pipeline treats the brief as opaque.
type BriefProvider interface {
	Brief(ctx context.Context, specID string, stage policy.Stage) (string, error)
}

// run is the per-spec state. Owned by the single control flow driving the
// spec; guarded by the pipeline lock.
type run struct {
	specID      string
	runID       string
	state       State
	stage       policy.Stage
	attempt     int
	rctx        policy.RoutingContext
	cohort      *coordinator.Cohort
	spawnedAt   time.Time
	notBefore   time.Time
	degraded    bool
	reason      string
	lastVerdict *policy.Verdict
}

func (r *run) status() Status {
	s := Status{
		SpecID:      r.specID,
		RunID:       r.runID,
		State:       r.state,
		Stage:       r.stage,
		Attempt:     r.attempt,
		Degraded:    r.degraded,
		Reason:      r.reason,
		LastVerdict: r.lastVerdict,
	}
	if r.state == StateRunning {
		s.Waiting = true
	}
	return s
}

// Pipeline drives spec runs through the stage sequence.
type Pipeline struct {
	router   *router.Router
	coord    *coordinator.Coordinator
	esc      *escalation.Controller
	ev       *evidence.Store
	rule     policy.DecisionRule
	toggles  policy.PolicyToggles
	poll     time.Duration
	log      *logging.Logger
	sink     EscalationSink
	briefs   BriefProvider
	highRisk func(specID string, stage policy.Stage) bool
	local    bool
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithSink sets the human-escalation sink.
func WithSink(sink EscalationSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithBriefProvider sets the context brief provider.
func WithBriefProvider(b BriefProvider) Option {
	return func(p *Pipeline) { p.briefs = b }
}

// WithHighRiskFunc injects the heuristic that flags a stage attempt as
// high risk. The threshold lives with the caller.
func WithHighRiskFunc(fn func(specID string, stage policy.Stage) bool) Option {
	return func(p *Pipeline) { p.highRisk = fn }
}

// WithLocalOnly forces offline-capable workers for every role except Judge.
func WithLocalOnly() Option {
	return func(p *Pipeline) { p.local = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New wires a pipeline from configuration and a worker backend.
func New(cfg *config.Config, backend coordinator.Backend, reg *registry.Store, ev *evidence.Store, opts ...Option) (*Pipeline, error) {
	rt, err := router.New(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}

	p := &Pipeline{
		router: rt,
		esc: escalation.New(escalation.Config{
			MaxRetries:        cfg.Escalation.MaxRetries,
			InitialBackoff:    cfg.Escalation.InitialBackoff,
			MaxBackoff:        cfg.Escalation.MaxBackoff,
			CarryDegradedRisk: cfg.Toggles.CarryDegradedRisk,
		}),
		ev:      ev,
		rule:    cfg.Gate,
		toggles: cfg.Toggles,
		poll:    cfg.Coordinator.PollInterval,
		log:     logging.NewNop(),
		now:     time.Now,
		runs:    make(map[string]*run),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.coord = coordinator.New(backend, reg,
		coordinator.WithLogger(p.log),
		coordinator.WithIntervals(cfg.Coordinator.PollInterval, cfg.Coordinator.StageTimeout))
	return p, nil
}

func (p *Pipeline) getRun(specID string) *run {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[specID]
	if !ok {
		r = &run{
			specID: specID,
			runID:  uuid.NewString(),
			state:  StateIdle,
		}
		p.runs[specID] = r
	}
	return r
}

// Status returns the current snapshot for a spec.
func (p *Pipeline) Status(specID string) Status {
	r := p.getRun(specID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.status()
}

// Advance drives the run one step forward. Safe to call repeatedly: when no
// new worker output is ready it returns a Waiting status without spawning
// anything, and it always returns in bounded time.
func (p *Pipeline) Advance(ctx context.Context, specID string) (Status, error) {
	r := p.getRun(specID)

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx = logging.WithRunID(logging.WithSpecID(ctx, specID), r.runID)

	switch r.state {
	case StateCompleted, StateAborted, StateAwaitingHuman:
		return r.status(), nil

	case StateIdle:
		r.state = StateRunning
		r.stage = policy.StageSpecify
		r.rctx = p.newRoutingContext(specID, policy.StageSpecify, false)
		p.log.Info(ctx, "pipeline started",
			zap.String("stage", r.stage.String()))
		return p.step(ctx, r)

	default:
		return p.step(ctx, r)
	}
}

// StartAt positions an idle run at the given stage, for resuming a spec
// whose earlier stages already applied.
func (p *Pipeline) StartAt(specID string, stage policy.Stage) error {
	r := p.getRun(specID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.state != StateIdle {
		return fmt.Errorf("run %s already started (state %s)", specID, r.state)
	}
	r.state = StateRunning
	r.stage = stage
	r.rctx = p.newRoutingContext(specID, stage, false)
	return nil
}

// RunStage drives exactly one stage to its resolution: it returns when the
// current stage applies (the run has moved on), the run halts, or ctx ends.
func (p *Pipeline) RunStage(ctx context.Context, specID string) (Status, error) {
	first, err := p.Advance(ctx, specID)
	if err != nil || first.State.Terminal() {
		return first, err
	}
	stage := first.Stage
	for {
		status, err := p.Advance(ctx, specID)
		if err != nil || status.State.Terminal() || status.Stage != stage {
			return status, err
		}
		select {
		case <-time.After(p.poll):
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

// Run drives the pipeline until it reaches a terminal state or ctx is done.
func (p *Pipeline) Run(ctx context.Context, specID string) (Status, error) {
	for {
		status, err := p.Advance(ctx, specID)
		if err != nil || status.State.Terminal() {
			return status, err
		}
		select {
		case <-time.After(p.poll):
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

// Abort stops the run: no further workers spawn, outstanding executions are
// cancelled, and a terminal abort record is written so the run cannot be
// silently resumed.
func (p *Pipeline) Abort(ctx context.Context, specID, reason string) (Status, error) {
	r := p.getRun(specID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.state == StateCompleted || r.state == StateAborted {
		return r.status(), nil
	}

	p.coord.Abort(ctx)
	if r.cohort != nil {
		if _, err := r.cohort.Wait(ctx); err != nil && !errors.Is(err, coordinator.ErrAborted) {
			p.log.Warn(ctx, "abort: cohort did not drain cleanly", zap.Error(err))
		}
		r.cohort = nil
	}

	stage := r.stage
	if stage == "" {
		stage = policy.StageSpecify
	}
	attempt := r.attempt
	if attempt == 0 {
		attempt = 1
	}
	if err := p.ev.WriteAborted(ctx, specID, stage, attempt, reason); err != nil && !errors.Is(err, evidence.ErrPersistenceConflict) {
		return r.status(), fmt.Errorf("failed to write abort record: %w", err)
	}

	r.state = StateAborted
	r.reason = reason
	return r.status(), nil
}

// ClearEscalation releases a run halted for human review and re-arms the
// stage with a fresh retry budget.
func (p *Pipeline) ClearEscalation(ctx context.Context, specID string) (Status, error) {
	r := p.getRun(specID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.state != StateAwaitingHuman {
		return r.status(), fmt.Errorf("%w: %s is %s", ErrNotAwaitingHuman, specID, r.state)
	}

	r.state = StateRunning
	r.reason = ""
	r.rctx = p.newRoutingContext(specID, r.stage, r.degraded)
	p.log.Info(ctx, "escalation cleared",
		zap.String("spec.id", specID),
		zap.String("stage", r.stage.String()))
	return r.status(), nil
}

// step performs one bounded unit of work for a running spec: spawn a cohort
// if none is in flight, otherwise collect a terminal cohort and transition.
func (p *Pipeline) step(ctx context.Context, r *run) (Status, error) {
	if r.cohort == nil {
		if p.now().Before(r.notBefore) {
			return r.status(), nil
		}
		if err := p.spawn(ctx, r); err != nil {
			return r.status(), err
		}
		return r.status(), nil
	}

	if !r.cohort.Completed() {
		return r.status(), nil
	}
	return p.collect(ctx, r)
}

func (p *Pipeline) spawn(ctx context.Context, r *run) error {
	latest, err := p.ev.LatestAttempt(r.specID, r.stage)
	if err != nil {
		return fmt.Errorf("failed to determine attempt number: %w", err)
	}
	r.attempt = latest + 1

	assignment := policy.RolesForStage(r.stage, r.rctx)
	workers := p.router.SelectWorkers(assignment, r.rctx)

	prompt := ""
	if p.briefs != nil {
		prompt, err = p.briefs.Brief(ctx, r.specID, r.stage)
		if err != nil {
			return fmt.Errorf("failed to assemble context brief: %w", err)
		}
	}

	cohort, err := p.coord.SpawnCohort(ctx, coordinator.CohortRequest{
		SpecID:  r.specID,
		Stage:   r.stage,
		Attempt: r.attempt,
		Workers: workers,
		Prompt:  prompt,
	})
	if err != nil {
		return fmt.Errorf("failed to spawn stage cohort: %w", err)
	}
	r.cohort = cohort
	r.spawnedAt = p.now()

	stageAttemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", r.stage.String())))
	p.log.Info(ctx, "stage attempt started",
		zap.String("stage", r.stage.String()),
		zap.Int("attempt", r.attempt),
		zap.Int("workers", len(workers)),
		zap.Int("retry", r.rctx.RetryCount))
	return nil
}

func (p *Pipeline) collect(ctx context.Context, r *run) (Status, error) {
	results, err := r.cohort.Results()
	if errors.Is(err, coordinator.ErrAborted) {
		r.cohort = nil
		r.state = StateAborted
		r.reason = "aborted while cohort in flight"
		if werr := p.ev.WriteAborted(ctx, r.specID, r.stage, r.attempt, r.reason); werr != nil && !errors.Is(werr, evidence.ErrPersistenceConflict) {
			return r.status(), fmt.Errorf("failed to write abort record: %w", werr)
		}
		return r.status(), nil
	}
	if err != nil {
		// Identity integrity failures surface as infrastructure errors,
		// distinct from a policy escalate.
		r.cohort = nil
		return r.status(), fmt.Errorf("stage %s attempt %d synthesis failed: %w", r.stage, r.attempt, err)
	}

	// The cohort stays held until the verdict persists: a transient write
	// failure keeps the collected results, and the next Advance retries
	// persistence instead of spawning a fresh attempt. Records already
	// written by an earlier pass are skipped via the conflict sentinel.
	for _, res := range results {
		if _, err := p.ev.WriteOutput(ctx, r.specID, r.stage, r.attempt, res.ExecutionID, res.CanonicalName, res.Output); err != nil && !errors.Is(err, evidence.ErrPersistenceConflict) {
			return r.status(), fmt.Errorf("failed to persist worker output: %w", err)
		}
	}

	input := gate.Input{
		SpecID:       r.specID,
		Stage:        r.stage,
		Attempt:      r.attempt,
		Participants: gate.FromWorkerResults(results),
		Rule:         p.rule,
		EvaluatedAt:  p.now().UTC(),
	}
	verdict := gate.Evaluate(input)
	if _, err := p.ev.WriteVerdict(ctx, verdict, input); err != nil && !errors.Is(err, evidence.ErrPersistenceConflict) {
		return r.status(), fmt.Errorf("failed to persist verdict: %w", err)
	}
	r.cohort = nil
	r.lastVerdict = &verdict

	for _, res := range results {
		if res.Status == coordinator.StatusTimedOut {
			workerTimeoutCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("stage", r.stage.String())))
		}
	}
	verdictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", r.stage.String()),
		attribute.String("resolution", string(verdict.Resolution))))
	stageDuration.Record(ctx, p.now().Sub(r.spawnedAt).Seconds(), metric.WithAttributes(
		attribute.String("stage", r.stage.String())))

	decision := p.esc.Decide(verdict, &r.rctx)
	switch decision.State {
	case escalation.StateApplied:
		p.apply(ctx, r, decision)

	case escalation.StateRetrying:
		r.notBefore = p.now().Add(decision.Backoff)
		p.log.Warn(ctx, "stage retrying",
			zap.String("stage", r.stage.String()),
			zap.Int("retry", r.rctx.RetryCount),
			zap.Duration("backoff", decision.Backoff),
			zap.String("reason", decision.Reason))

	case escalation.StateEscalated:
		r.state = StateAwaitingHuman
		r.reason = decision.Reason
		escalationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", r.stage.String())))
		p.log.Warn(ctx, "run awaiting human review",
			zap.String("stage", r.stage.String()),
			zap.String("reason", decision.Reason),
			zap.Strings("missing_workers", verdict.MissingWorkers))
		if p.sink != nil {
			if err := p.sink.Notify(ctx, Escalation{
				SpecID:  r.specID,
				Stage:   r.stage,
				Verdict: verdict,
				Reason:  decision.Reason,
			}); err != nil {
				p.log.Error(ctx, "escalation sink delivery failed", zap.Error(err))
			}
		}
	}
	return r.status(), nil
}

// apply advances past a stage that auto-applied or degraded-applied. An
// applied stage is never re-entered.
func (p *Pipeline) apply(ctx context.Context, r *run, decision escalation.Decision) {
	if decision.Degraded {
		r.degraded = true
	}

	next, ok := r.stage.Next()
	if !ok {
		r.state = StateCompleted
		p.log.Info(ctx, "pipeline completed",
			zap.Bool("degraded", r.degraded))
		return
	}

	highRisk := decision.CarryRisk
	if p.highRisk != nil && p.highRisk(r.specID, next) {
		highRisk = true
	}
	p.log.Info(ctx, "stage applied",
		zap.String("stage", r.stage.String()),
		zap.String("next", next.String()),
		zap.Bool("degraded", decision.Degraded))

	r.stage = next
	r.rctx = p.newRoutingContext(r.specID, next, highRisk)
	r.notBefore = time.Time{}
	r.attempt = 0
}

func (p *Pipeline) newRoutingContext(specID string, stage policy.Stage, highRisk bool) policy.RoutingContext {
	if !highRisk && p.highRisk != nil {
		highRisk = p.highRisk(specID, stage)
	}
	return policy.RoutingContext{
		SpecID:     specID,
		Stage:      stage,
		IsHighRisk: highRisk,
		LocalOnly:  p.local,
		Policy:     p.toggles,
	}
}
