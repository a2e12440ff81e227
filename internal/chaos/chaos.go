// Package chaos implements seeded, reproducible synthetic failure and
// latency injection used to exercise an agent's error-handling paths.
package chaos

import (
	"math/rand"
	"sync"

	"github.com/govd/govd/internal/ruleset"
	"github.com/govd/govd/internal/template"
)

// Decision is the outcome of evaluating one event against a chaos config.
type Decision struct {
	Inject  bool
	DelayMs int
}

var (
	globalMu  sync.Mutex
	globalRNG = rand.New(rand.NewSource(1))
)

func drawGlobal() float64 {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalRNG.Float64()
}

// Injector draws the chaos yes/no sequence for one resolved policy. Each
// policy owns its own seeded stream: two policies configured with the same
// seed see identical sequences over identical intent streams, and neither
// consumes draws from the other. The stream restarts whenever the policy is
// (re)resolved, so re-applying the same policy replays the same sequence.
type Injector struct {
	cfg *template.Chaos

	mu  sync.Mutex
	rng *rand.Rand
}

// NewInjector creates an Injector for cfg. A nil cfg, or one without a
// seed, is valid: draws then come from the process-wide RNG and are
// intentionally not reproducible.
func NewInjector(cfg *template.Chaos) *Injector {
	inj := &Injector{cfg: cfg}
	if cfg != nil && cfg.Seed != nil {
		inj.rng = rand.New(rand.NewSource(*cfg.Seed))
	}
	return inj
}

func (i *Injector) draw() float64 {
	if i.rng == nil {
		return drawGlobal()
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rng.Float64()
}

// Evaluate decides whether intent should be chaos-injected. A nil or
// disabled config never injects but may still report a zero delay.
func (i *Injector) Evaluate(intent string) Decision {
	cfg := i.cfg
	if cfg == nil || !cfg.Enabled {
		return Decision{}
	}

	decision := Decision{DelayMs: cfg.DelayMs}

	if len(cfg.TargetIntents) > 0 {
		if _, ok := ruleset.FirstMatch(cfg.TargetIntents, intent, ""); !ok {
			return decision
		}
	}
	if _, exempt := ruleset.FirstMatch(cfg.ExemptIntents, intent, ""); exempt {
		return decision
	}

	decision.Inject = i.draw() < cfg.BlockRate
	return decision
}
