// Package decision implements the daemon's single top-level entry point:
// input filter, then capability token, then policy match, then spend, then
// chaos, with ask verdicts parked on the consent broker before returning.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/govd/govd/internal/chaos"
	"github.com/govd/govd/internal/consent"
	"github.com/govd/govd/internal/event"
	"github.com/govd/govd/internal/inputfilter"
	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/metrics"
	"github.com/govd/govd/internal/role"
	"github.com/govd/govd/internal/ruleset"
	"github.com/govd/govd/internal/spend"
	"github.com/govd/govd/internal/token"
)

// Engine wires every subsystem the decision pipeline consults. It holds no
// long-lived state of its own -- all of that lives in the components it is
// constructed with.
type Engine struct {
	roles   *role.Resolver
	tokens  *token.Store
	ledger  *spend.Ledger
	broker  *consent.Broker
	journal *journal.Journal
	logger  *slog.Logger

	chaosEvaluated atomic.Int64
	chaosInjected  atomic.Int64

	publish func(journal.Record)
}

// SetPublisher registers a callback invoked with every record the engine
// appends to the journal, after the append durably succeeds. It is how the
// fan-out bus observes decide() outcomes without the engine depending on
// fanout directly.
func (e *Engine) SetPublisher(fn func(journal.Record)) {
	e.publish = fn
}

// ChaosStats reports how many chaos evaluations have run and how many of
// those resulted in an injection, since the engine was constructed.
type ChaosStats struct {
	Evaluated int64
	Injected  int64
}

// ChaosStats returns a snapshot of the engine's lifetime chaos counters.
func (e *Engine) ChaosStats() ChaosStats {
	return ChaosStats{Evaluated: e.chaosEvaluated.Load(), Injected: e.chaosInjected.Load()}
}

// New creates an Engine.
func New(roles *role.Resolver, tokens *token.Store, ledger *spend.Ledger, broker *consent.Broker, j *journal.Journal, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		roles:   roles,
		tokens:  tokens,
		ledger:  ledger,
		broker:  broker,
		journal: j,
		logger:  logger.With("component", "decision.Engine"),
	}
}

// Decide runs the full pipeline for ev and returns the resulting Decision.
// If ev.ID is empty one is assigned (a ULID, so it sorts by arrival order).
// If ev.Timestamp is zero it is set to now.
func (e *Engine) Decide(ctx context.Context, ev event.Event) (event.Decision, error) {
	start := time.Now()

	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = start
	}

	policy := e.resolvedOrEmpty(ev.Agent)

	if match := e.runInputFilter(&ev, policy); match != nil {
		return e.finish(ctx, ev, *match, start)
	}

	var match event.PolicyMatch
	byToken := false
	if ev.Token != "" && e.tokens.Authorize(ev.Token, ev.Intent) {
		match = event.PolicyMatch{Status: event.StatusAllow, Source: event.SourceToken, ByToken: true}
		byToken = true
	} else {
		match = e.matchPolicy(policy, ev.Intent, ev.Target)
	}

	if match.Status == event.StatusBlock && !byToken {
		return e.finish(ctx, ev, match, start)
	}

	if match.Status == event.StatusAllow && ev.CostUSD > 0 {
		exceeded, err := e.ledger.Admit(ctx, ev.Agent, ev.Intent, ev.CostUSD, policy.Limits)
		if err != nil {
			return event.Decision{}, fmt.Errorf("spend ledger check failed: %w", err)
		}
		if exceeded != nil {
			match = event.PolicyMatch{
				Status: event.StatusBlock,
				Source: event.SourceLimit,
				Limit: &event.Limit{
					Timeframe: exceeded.Timeframe,
					Category:  exceeded.Category,
					Value:     exceeded.Value,
					Spent:     exceeded.Spent,
					Remaining: exceeded.Remaining,
				},
			}
		}
	}

	var cd chaos.Decision
	if inj := policy.ChaosInjector(); inj != nil {
		cd = inj.Evaluate(ev.Intent)
	}
	if policy.Chaos != nil && policy.Chaos.Enabled {
		e.chaosEvaluated.Add(1)
		if cd.Inject {
			e.chaosInjected.Add(1)
			metrics.ChaosInjections.Inc()
		}
	}
	if cd.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(cd.DelayMs) * time.Millisecond):
		case <-ctx.Done():
			return event.Decision{}, ctx.Err()
		}
	}
	if cd.Inject && match.Status == event.StatusAllow {
		match = event.PolicyMatch{Status: event.StatusBlock, Source: event.SourceChaos, Chaos: &event.Chaos{DelayMs: cd.DelayMs}}
	}

	if match.Status == event.StatusAsk {
		if _, err := e.broker.Park(ev.ID, ev.Agent, time.Time{}); err != nil {
			match = event.PolicyMatch{Status: event.StatusBlock, Source: event.SourceOverload}
		}
	}

	return e.finish(ctx, ev, match, start)
}

func (e *Engine) resolvedOrEmpty(agent string) *role.ResolvedPolicy {
	if p, ok := e.roles.Get(agent); ok {
		return p
	}
	return &role.ResolvedPolicy{Agent: agent}
}

// runInputFilter scans every string value in ev.Metadata when the resolved
// policy declares a filter level, replacing values with their sanitized
// form in place. It returns a non-nil PolicyMatch only when the scan
// blocks the event.
func (e *Engine) runInputFilter(ev *event.Event, policy *role.ResolvedPolicy) *event.PolicyMatch {
	if policy.InputFilter == "" || len(ev.Metadata) == 0 {
		return nil
	}
	level := inputfilter.Level(policy.InputFilter)

	blocked := false
	for k, v := range ev.Metadata {
		s, ok := v.(string)
		if !ok {
			continue
		}
		result := inputfilter.Scan(s, level)
		if !result.Allowed {
			blocked = true
		}
		ev.Metadata[k] = result.Sanitized
	}
	if blocked {
		return &event.PolicyMatch{Status: event.StatusBlock, Source: event.SourceInputFilter}
	}
	return nil
}

// matchPolicy evaluates block, then ask, then allow, per the verdict
// precedence invariant. No match defaults to allow.
func (e *Engine) matchPolicy(policy *role.ResolvedPolicy, intent, target string) event.PolicyMatch {
	if rule, ok := ruleset.FirstMatch(policy.Block, intent, target); ok {
		return event.PolicyMatch{Status: event.StatusBlock, Rule: rule, Source: sourceFor(policy)}
	}
	if rule, ok := ruleset.FirstMatch(policy.Ask, intent, target); ok {
		return event.PolicyMatch{Status: event.StatusAsk, Rule: rule, Source: sourceFor(policy)}
	}
	if rule, ok := ruleset.FirstMatch(policy.Allow, intent, target); ok {
		return event.PolicyMatch{Status: event.StatusAllow, Rule: rule, Source: sourceFor(policy)}
	}
	return event.PolicyMatch{Status: event.StatusAllow}
}

func sourceFor(policy *role.ResolvedPolicy) event.Source {
	if policy.Template == "" {
		return event.SourceOverride
	}
	return event.SourceTemplate
}

func (e *Engine) finish(ctx context.Context, ev event.Event, match event.PolicyMatch, start time.Time) (event.Decision, error) {
	rec, err := e.journal.Append(journal.KindEvent, struct {
		Event  event.Event       `json:"event"`
		Policy event.PolicyMatch `json:"policy"`
	}{ev, match})
	if err != nil {
		return event.Decision{}, fmt.Errorf("failed to journal event: %w", err)
	}
	if e.publish != nil {
		e.publish(rec)
	}

	elapsed := time.Since(start)
	metrics.DecideDuration.Observe(elapsed.Seconds())
	metrics.VerdictsBySource.WithLabelValues(string(match.Status), string(match.Source)).Inc()

	d := event.Decision{
		Status:     match.Status,
		ID:         ev.ID,
		Policy:     &match,
		DurationMs: elapsed.Milliseconds(),
	}
	if match.Status == event.StatusBlock {
		d.Message = blockMessage(match)
	}
	return d, nil
}

func blockMessage(match event.PolicyMatch) string {
	switch match.Source {
	case event.SourceLimit:
		if match.Limit != nil {
			return fmt.Sprintf("%s %s spend cap of %.2f reached (spent %.2f)", match.Limit.Timeframe, match.Limit.Category, match.Limit.Value, match.Limit.Spent)
		}
		return "spend cap reached"
	case event.SourceChaos:
		return "blocked by chaos injection"
	case event.SourceInputFilter:
		return "blocked by input filter"
	case event.SourceOverload:
		return "too many outstanding ask tickets for this agent"
	default:
		if match.Rule != "" {
			return fmt.Sprintf("blocked by rule %q", match.Rule)
		}
		return "blocked"
	}
}
