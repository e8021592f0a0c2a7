package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specpipe/internal/logging"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
	"github.com/fyrsmithlabs/specpipe/internal/registry"
	"github.com/fyrsmithlabs/specpipe/internal/router"
)

var (
	// ErrIdentityResolution means an execution's canonical identity could
	// not be resolved from the registry. Fatal to the attempt's synthesis:
	// guessing identities is how worker output gets silently lost.
	ErrIdentityResolution = errors.New("identity resolution failed")

	// ErrAborted means the cohort was cancelled by an external abort.
	ErrAborted = errors.New("cohort aborted")
)

// WorkerResult is one execution's identity-resolved terminal outcome.
type WorkerResult struct {
	ExecutionID   string
	CanonicalName string
	Role          policy.Role
	Status        Status
	Output        string
	Confidence    *float64
	Signals       []policy.Signal
}

// CohortRequest names the attempt a cohort serves and the workers to spawn.
type CohortRequest struct {
	SpecID  string
	Stage   policy.Stage
	Attempt int
	Workers []router.WorkerSpec

	// Prompt is the opaque context brief handed to each worker.
	Prompt string
}

// execution is one entry in the coordinator's arena. All mutation goes
// through the cohort's poll loop; reads take the cohort lock.
type execution struct {
	id            string
	canonicalName string
	role          policy.Role
	handle        Handle
	status        Status
	result        *Result
}

// Cohort tracks the executions spawned for one stage attempt. Completion is
// delivered exactly once via a closed channel; Wait and Poll are safe to
// call from any goroutine.
type Cohort struct {
	SpecID  string
	Stage   policy.Stage
	Attempt int

	mu         sync.Mutex
	executions []*execution
	results    []WorkerResult
	err        error

	done     chan struct{}
	doneOnce sync.Once
	aborted  chan struct{}
}

// Done returns a channel closed when every execution in the cohort has
// reached a terminal status (or the attempt timed out).
func (c *Cohort) Done() <-chan struct{} { return c.done }

// Completed reports, without blocking, whether the cohort is terminal.
func (c *Cohort) Completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Results returns the identity-resolved results. Valid only after Done is
// closed; calling it twice returns the same slice (no double synthesis).
func (c *Cohort) Results() ([]WorkerResult, error) {
	if !c.Completed() {
		return nil, errors.New("cohort not yet terminal")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results, c.err
}

// Wait blocks until the cohort is terminal or ctx is done.
func (c *Cohort) Wait(ctx context.Context) ([]WorkerResult, error) {
	select {
	case <-c.done:
		return c.Results()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecutionIDs returns the ids spawned for this attempt.
func (c *Cohort) ExecutionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.executions))
	for i, e := range c.executions {
		ids[i] = e.id
	}
	return ids
}

// Coordinator spawns cohorts and owns their poll loops. The caller never
// polls workers directly.
type Coordinator struct {
	backend      Backend
	reg          *registry.Store
	log          *logging.Logger
	pollInterval time.Duration
	stageTimeout time.Duration

	mu      sync.Mutex
	aborted bool
	active  []*Cohort
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithIntervals overrides the poll tick and per-attempt timeout.
func WithIntervals(poll, timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.pollInterval = poll
		c.stageTimeout = timeout
	}
}

// New creates a coordinator over the given backend and identity registry.
func New(backend Backend, reg *registry.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:      backend,
		reg:          reg,
		log:          logging.NewNop(),
		pollInterval: 500 * time.Millisecond,
		stageTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CanonicalNameFor derives the canonical worker identity for a spec. The
// pairing is recorded in the registry before dispatch; result collection
// resolves identity from the registry only, never from worker output.
func CanonicalNameFor(spec router.WorkerSpec) string {
	return fmt.Sprintf("%s-%s", spec.Provider, spec.Model)
}

// SpawnCohort registers and spawns one worker per spec, then starts the
// poll loop. The returned cohort delivers completion exactly once.
func (c *Coordinator) SpawnCohort(ctx context.Context, req CohortRequest) (*Cohort, error) {
	if len(req.Workers) == 0 {
		return nil, errors.New("cohort request has no workers")
	}

	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return nil, ErrAborted
	}
	c.mu.Unlock()

	cohort := &Cohort{
		SpecID:  req.SpecID,
		Stage:   req.Stage,
		Attempt: req.Attempt,
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
	}

	for _, spec := range req.Workers {
		executionID := uuid.NewString()
		canonical := CanonicalNameFor(spec)

		// The pairing must be durable before the worker starts executing.
		err := c.reg.RecordSpawn(ctx, registry.SpawnRecord{
			ExecutionID:   executionID,
			SpecID:        req.SpecID,
			Stage:         req.Stage.String(),
			Attempt:       req.Attempt,
			Phase:         registry.PhaseStage,
			Role:          spec.Role.String(),
			CanonicalName: canonical,
		})
		if err != nil {
			c.cancelSpawned(ctx, cohort)
			return nil, fmt.Errorf("failed to register execution: %w", err)
		}

		handle, err := c.backend.Spawn(ctx, spec, req.Prompt)
		if err != nil {
			// Spawn failure is a terminal Failed execution, not a cohort
			// error: the gate counts it against quorum.
			c.log.Warn(ctx, "worker spawn failed",
				zap.String("execution.id", executionID),
				zap.String("worker", spec.Label()),
				zap.Error(err))
			cohort.executions = append(cohort.executions, &execution{
				id:            executionID,
				canonicalName: canonical,
				role:          spec.Role,
				status:        StatusFailed,
				result:        &Result{},
			})
			continue
		}

		cohort.executions = append(cohort.executions, &execution{
			id:            executionID,
			canonicalName: canonical,
			role:          spec.Role,
			handle:        handle,
			status:        StatusRunning,
		})

		c.log.Debug(ctx, "worker spawned",
			zap.String("execution.id", executionID),
			zap.String("worker", spec.Label()),
			zap.String("stage", req.Stage.String()),
			zap.Int("attempt", req.Attempt))
	}

	c.mu.Lock()
	c.active = append(c.active, cohort)
	c.mu.Unlock()

	go c.pollLoop(ctx, cohort)
	return cohort, nil
}

// Abort stops the coordinator: no further cohorts spawn and every
// outstanding execution is cancelled rather than waiting for its timeout.
func (c *Coordinator) Abort(ctx context.Context) {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	active := make([]*Cohort, len(c.active))
	copy(active, c.active)
	c.mu.Unlock()

	for _, cohort := range active {
		select {
		case <-cohort.aborted:
		default:
			close(cohort.aborted)
		}
	}
}

func (c *Coordinator) cancelSpawned(ctx context.Context, cohort *Cohort) {
	for _, e := range cohort.executions {
		if e.status == StatusRunning {
			_ = c.backend.Cancel(ctx, e.handle)
		}
	}
}

// pollLoop owns the only mutable handle to the cohort's in-flight state. It
// checks all outstanding executions each tick, bounded by the stage
// timeout, and delivers the completion notification exactly once.
func (c *Coordinator) pollLoop(ctx context.Context, cohort *Cohort) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.stageTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if c.pollOnce(ctx, cohort) {
				c.finish(ctx, cohort, false)
				return
			}
		case <-deadline.C:
			c.expireRunning(ctx, cohort, StatusTimedOut)
			c.finish(ctx, cohort, false)
			return
		case <-cohort.aborted:
			c.expireRunning(ctx, cohort, StatusCancelled)
			c.finish(ctx, cohort, true)
			return
		case <-ctx.Done():
			c.expireRunning(ctx, cohort, StatusCancelled)
			c.finish(ctx, cohort, true)
			return
		}
	}
}

// pollOnce checks every outstanding execution and reports whether the
// cohort is terminal. Never blocks longer than the backend's Poll calls.
func (c *Coordinator) pollOnce(ctx context.Context, cohort *Cohort) bool {
	cohort.mu.Lock()
	defer cohort.mu.Unlock()

	allDone := true
	for _, e := range cohort.executions {
		if e.status.Terminal() {
			continue
		}
		status, result, err := c.backend.Poll(ctx, e.handle)
		if err != nil {
			c.log.Warn(ctx, "worker poll failed",
				zap.String("execution.id", e.id), zap.Error(err))
			allDone = false
			continue
		}
		if !status.Terminal() {
			allDone = false
			continue
		}
		e.status = status
		e.result = result
		if e.result == nil {
			e.result = &Result{}
		}
		// An empty success payload is a failed execution; it counts
		// against quorum rather than feeding the gate garbage.
		if e.status == StatusSucceeded && e.result.Output == "" {
			e.status = StatusFailed
		}
	}
	return allDone
}

func (c *Coordinator) expireRunning(ctx context.Context, cohort *Cohort, terminal Status) {
	cohort.mu.Lock()
	defer cohort.mu.Unlock()
	for _, e := range cohort.executions {
		if e.status.Terminal() {
			continue
		}
		_ = c.backend.Cancel(ctx, e.handle)
		e.status = terminal
		e.result = &Result{}
		c.log.Warn(ctx, "worker expired",
			zap.String("execution.id", e.id),
			zap.String("status", string(terminal)))
	}
}

// finish resolves identities, records completions, and closes the done
// channel. Guarded by doneOnce: a second completion for the same attempt is
// a no-op, never a double synthesis.
func (c *Coordinator) finish(ctx context.Context, cohort *Cohort, aborted bool) {
	cohort.doneOnce.Do(func() {
		cohort.mu.Lock()
		defer cohort.mu.Unlock()

		results := make([]WorkerResult, 0, len(cohort.executions))
		for _, e := range cohort.executions {
			// Identity comes from the registry keyed by execution id. A
			// missing pairing halts synthesis outright.
			canonical, err := c.reg.CanonicalName(ctx, e.id)
			if err != nil {
				cohort.err = fmt.Errorf("%w: execution %s: %v", ErrIdentityResolution, e.id, err)
				c.log.Error(ctx, "halting synthesis: identity resolution failed",
					zap.String("execution.id", e.id), zap.Error(err))
				close(cohort.done)
				return
			}

			result := e.result
			if result == nil {
				result = &Result{}
			}
			if err := c.reg.RecordCompletion(ctx, e.id, string(e.status), result.Output); err != nil {
				c.log.Warn(ctx, "failed to record completion",
					zap.String("execution.id", e.id), zap.Error(err))
			}

			results = append(results, WorkerResult{
				ExecutionID:   e.id,
				CanonicalName: canonical,
				Role:          e.role,
				Status:        e.status,
				Output:        result.Output,
				Confidence:    result.Confidence,
				Signals:       result.Signals,
			})
		}

		cohort.results = results
		if aborted {
			cohort.err = ErrAborted
		}
		c.log.Info(ctx, "cohort terminal",
			zap.String("stage", cohort.Stage.String()),
			zap.Int("attempt", cohort.Attempt),
			zap.Int("workers", len(results)),
			zap.Bool("aborted", aborted))
		close(cohort.done)
	})
}
