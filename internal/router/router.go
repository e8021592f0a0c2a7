// Package router maps roles to worker specifications.
//
// The gate policy decides which roles run; the router decides which worker
// implements each role. The two never cross boundaries: policy code never
// sees provider or model names, and the router never encodes gate logic.
package router

import (
	"fmt"

	"github.com/fyrsmithlabs/specpipe/internal/policy"
)

// WorkerKind classifies where a worker executes.
type WorkerKind string

const (
	// KindLocal runs on the controller's machine, offline-capable.
	KindLocal WorkerKind = "local"

	// KindCloud is an API call to a hosted provider.
	KindCloud WorkerKind = "cloud"
)

// Capabilities describe what a spawned worker is allowed to do.
type Capabilities struct {
	CanReadFiles    bool `koanf:"can_read_files"`
	CanWriteFiles   bool `koanf:"can_write_files"`
	CanExecuteShell bool `koanf:"can_execute_shell"`
}

// Budget bounds one worker execution. Zero means unlimited; enforcement
// belongs to the backend spawning the worker.
type Budget struct {
	MaxInputTokens  int     `json:"max_input_tokens"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	MaxCostUSD      float64 `json:"max_cost_usd"`
	MaxTimeSeconds  int     `json:"max_time_seconds"`
}

// WorkerSpec is the resolved target for a role: enough information for the
// coordinator to spawn the worker without knowing model details. Computed
// fresh each attempt and never persisted as identity.
type WorkerSpec struct {
	Role         policy.Role
	Provider     string
	Model        string
	Kind         WorkerKind
	Capabilities Capabilities
	Budget       Budget
}

// Label returns a human-readable identifier for logs.
func (s WorkerSpec) Label() string {
	return fmt.Sprintf("%s (%s/%s)", s.Role, s.Provider, s.Model)
}

// Target names one worker configuration in the routing table.
type Target struct {
	Provider string     `koanf:"provider"`
	Model    string     `koanf:"model"`
	Kind     WorkerKind `koanf:"kind"`
}

// Table is the configured routing policy: per-role targets plus the
// escalation ladder endpoints for code-writing stages.
type Table struct {
	// Local is the offline-capable fallback used when LocalOnly is set and
	// as the fast first-attempt worker on code-writing stages.
	Local Target `koanf:"local"`

	// Standard is the default cloud worker for authoritative roles.
	Standard Target `koanf:"standard"`

	// Strong is the high-capability worker used at the top of the
	// escalation ladder and for the Judge role.
	Strong Target `koanf:"strong"`

	// Sidecar is the cheap worker used for sidecar roles.
	Sidecar Target `koanf:"sidecar"`
}

// DefaultTable returns a routing table with development defaults. Production
// deployments override it from configuration.
func DefaultTable() Table {
	return Table{
		Local:    Target{Provider: "local", Model: "code-cli", Kind: KindLocal},
		Standard: Target{Provider: "anthropic", Model: "claude-sonnet-4", Kind: KindCloud},
		Strong:   Target{Provider: "anthropic", Model: "claude-opus-4", Kind: KindCloud},
		Sidecar:  Target{Provider: "anthropic", Model: "claude-haiku-4", Kind: KindCloud},
	}
}

// Validate checks that every target is fully specified.
func (t Table) Validate() error {
	for name, target := range map[string]Target{
		"local":    t.Local,
		"standard": t.Standard,
		"strong":   t.Strong,
		"sidecar":  t.Sidecar,
	} {
		if target.Provider == "" || target.Model == "" {
			return fmt.Errorf("routing table target %q missing provider or model", name)
		}
	}
	if t.Local.Kind != KindLocal {
		return fmt.Errorf("routing table local target must have kind %q", KindLocal)
	}
	return nil
}

// EscalationRetryThreshold is the retry count at which the ladder switches
// the authoritative worker from local to the strong cloud target.
const EscalationRetryThreshold = 2

// Router selects worker specifications for role sets. Stateless and
// non-blocking; safe for concurrent use.
type Router struct {
	table Table
}

// New creates a router over the given table.
func New(table Table) (*Router, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Router{table: table}, nil
}

// SelectWorkers resolves a worker spec for every role in the assignment,
// owner first. Pure: the same inputs always produce the same specs.
//
// Policy, in precedence order:
//  1. LocalOnly maps every role to the local target, except Judge.
//  2. The authoritative role on a code-writing stage climbs the escalation
//     ladder: first attempt (not high-risk) runs local, retry >= 2 or
//     high-risk runs the strong target.
//  3. Judge always gets the strong target; the ship decision needs the
//     strongest available reasoning.
//  4. Sidecars are skipped when LocalOnly is set, since the sidecar target
//     is cloud-hosted.
func (r *Router) SelectWorkers(assignment policy.RoleAssignment, ctx policy.RoutingContext) []WorkerSpec {
	specs := []WorkerSpec{r.specForRole(assignment.Owner, ctx)}
	for _, sidecar := range assignment.Sidecars {
		if ctx.LocalOnly {
			// Sidecar targets require a remote worker.
			continue
		}
		specs = append(specs, r.specForRole(sidecar, ctx))
	}
	return specs
}

func (r *Router) specForRole(role policy.Role, ctx policy.RoutingContext) WorkerSpec {
	target := r.targetForRole(role, ctx)
	return WorkerSpec{
		Role:         role,
		Provider:     target.Provider,
		Model:        target.Model,
		Kind:         target.Kind,
		Capabilities: capabilitiesForRole(role),
		Budget:       budgetForRole(role),
	}
}

func (r *Router) targetForRole(role policy.Role, ctx policy.RoutingContext) Target {
	// The ship/no-ship decision is never delegated to a local model.
	if role == policy.RoleJudge {
		return r.table.Strong
	}

	if ctx.LocalOnly {
		return r.table.Local
	}

	if role.IsSidecar() {
		return r.table.Sidecar
	}

	if ctx.Stage.WritesCode() {
		switch {
		case ctx.RetryCount >= EscalationRetryThreshold || ctx.IsHighRisk:
			return r.table.Strong
		case ctx.RetryCount == 0:
			return r.table.Local
		default:
			return r.table.Standard
		}
	}

	return r.table.Standard
}

func capabilitiesForRole(role policy.Role) Capabilities {
	switch role {
	case policy.RoleImplementer:
		return Capabilities{CanReadFiles: true, CanWriteFiles: true, CanExecuteShell: true}
	case policy.RoleValidator:
		// Needs shell access to run tests, but never writes files.
		return Capabilities{CanReadFiles: true, CanExecuteShell: true}
	default:
		return Capabilities{CanReadFiles: true}
	}
}

// budgetForRole scales resource bounds with the role's workload: the
// implementer touches the most context and runs the longest, reviewing
// roles sit in the middle, sidecars stay cheap.
func budgetForRole(role policy.Role) Budget {
	switch role {
	case policy.RoleArchitect, policy.RoleJudge:
		return Budget{
			MaxInputTokens:  100_000,
			MaxOutputTokens: 16_000,
			MaxCostUSD:      1.0,
			MaxTimeSeconds:  300,
		}
	case policy.RoleImplementer:
		return Budget{
			MaxInputTokens:  150_000,
			MaxOutputTokens: 32_000,
			MaxCostUSD:      2.0,
			MaxTimeSeconds:  600,
		}
	default:
		return Budget{
			MaxInputTokens:  50_000,
			MaxOutputTokens: 8_000,
			MaxCostUSD:      0.5,
			MaxTimeSeconds:  180,
		}
	}
}
