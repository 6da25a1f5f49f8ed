package automation

import (
	"context"
	"sort"
	"time"

	"github.com/carebridge/funding-engine/ledger"
)

// ===== RUNNER CONTRACT =====

// RunContext carries everything a runner may need for one execution.
type RunContext struct {
	Automation ledger.Automation
	RunID      ledger.RunID
	Now        time.Time
}

// RunReport is what a runner hands back on completion. Metrics are
// free-form counters ("generated", "skipped_claimed", ...) persisted
// on the run record for operators to inspect.
type RunReport struct {
	Summary string
	Metrics map[string]int64
}

// Runner executes one kind of automation. Implementations must be
// safe to call concurrently and must honor ctx cancellation.
type Runner interface {
	// Type is the automation type this runner handles, e.g. "drawdown".
	Type() string
	// Run performs the work. A non-nil error marks the run failed;
	// the report is persisted either way.
	Run(ctx context.Context, rc RunContext) (RunReport, error)
}

// ===== REGISTRY =====

// Registry maps automation types to their runners. Registration
// happens at startup; lookups after that are read-only, so no lock.
type Registry struct {
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds a runner, replacing any previous runner for the type.
func (r *Registry) Register(runner Runner) {
	r.runners[runner.Type()] = runner
}

// Get returns the runner for a type, if one is registered.
func (r *Registry) Get(typ string) (Runner, bool) {
	runner, ok := r.runners[typ]
	return runner, ok
}

// Types lists the registered automation types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.runners))
	for typ := range r.runners {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
