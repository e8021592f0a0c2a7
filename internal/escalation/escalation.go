// Package escalation interprets a Verdict plus bounded retry history and
// decides whether the stage applies, retries with an upgraded worker, or
// halts for human review.
package escalation

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/specpipe/internal/policy"
)

// AttemptState is the per-attempt state machine:
// Attempting -> {Applied, Retrying, Escalated}.
type AttemptState string

const (
	StateAttempting AttemptState = "attempting"
	StateApplied    AttemptState = "applied"
	StateRetrying   AttemptState = "retrying"
	StateEscalated  AttemptState = "escalated"
)

// Config bounds the retry loop.
type Config struct {
	// MaxRetries is the retry budget per stage (default 2). Reaching it
	// forces Escalate regardless of confidence.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; doubles per
	// retry up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// CarryDegradedRisk marks the next stage high-risk after a Degraded
	// result is applied.
	CarryDegradedRisk bool
}

// DefaultConfig returns the policy defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Decision is the controller's transition for one attempt.
type Decision struct {
	State AttemptState

	// Degraded is set when the stage applies with partial participation.
	Degraded bool

	// CarryRisk asks the caller to set is_high_risk on the next stage's
	// routing context.
	CarryRisk bool

	// Backoff is the delay before re-invoking the router, set only when
	// State is Retrying.
	Backoff time.Duration

	Reason string
}

// Controller maps verdicts to stage transitions. Stateless beyond its
// config; retry history lives in the RoutingContext it mutates.
type Controller struct {
	cfg Config
}

// New creates a controller, filling zero config values with defaults.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Controller{cfg: cfg}
}

// Decide consumes the gate's verdict for one attempt and returns the
// transition. On Retrying it increments rctx.RetryCount, which is what
// drives the router's local-to-cloud escalation ladder on the next attempt.
func (c *Controller) Decide(v policy.Verdict, rctx *policy.RoutingContext) Decision {
	switch v.Resolution {
	case policy.ResolutionAutoApply:
		return Decision{State: StateApplied, Reason: v.Reason}

	case policy.ResolutionDegraded:
		// A degraded code-writing stage retries; anything else advances
		// with the degraded flag so a hung sidecar cannot stall the run.
		if v.Stage.WritesCode() {
			return c.retryOrEscalate(v, rctx)
		}
		return Decision{
			State:     StateApplied,
			Degraded:  true,
			CarryRisk: c.cfg.CarryDegradedRisk,
			Reason:    v.Reason,
		}

	default:
		// Block signals are deterministic and never auto-overridden:
		// retrying cannot clear them, a human must.
		if v.HasBlockSignal() {
			return Decision{
				State:  StateEscalated,
				Reason: fmt.Sprintf("stage %s blocked: %s", v.Stage, v.Reason),
			}
		}
		return c.retryOrEscalate(v, rctx)
	}
}

func (c *Controller) retryOrEscalate(v policy.Verdict, rctx *policy.RoutingContext) Decision {
	rctx.RetryCount++
	if rctx.RetryCount >= c.cfg.MaxRetries {
		return Decision{
			State: StateEscalated,
			Reason: fmt.Sprintf("stage %s exhausted retry budget (%d attempts): %s",
				v.Stage, rctx.RetryCount, v.Reason),
		}
	}
	return Decision{
		State:   StateRetrying,
		Backoff: c.backoff(rctx.RetryCount),
		Reason:  v.Reason,
	}
}

// backoff returns the bounded exponential delay for the given retry.
func (c *Controller) backoff(retry int) time.Duration {
	d := c.cfg.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	if d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}
