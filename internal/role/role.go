// Package role binds agents to named templates, merges any per-agent
// overrides on top, and exposes the result as an immutable resolved policy
// snapshot that the decision engine consults on every request.
package role

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/govd/govd/internal/chaos"
	"github.com/govd/govd/internal/template"
)

// Overrides are agent-specific additions layered on top of a template.
type Overrides struct {
	Allow       []string         `json:"allow,omitempty"`
	Ask         []string         `json:"ask,omitempty"`
	Block       []string         `json:"block,omitempty"`
	Limits      *template.Limits `json:"limits,omitempty"`
	Chaos       *template.Chaos  `json:"chaos,omitempty"`
	InputFilter string           `json:"inputFilter,omitempty"`
}

// ResolvedPolicy is the merged, ready-to-evaluate policy for one agent. Once
// constructed it is never mutated -- a rebind produces a new value and swaps
// it in atomically, so a reader always observes either the old policy or the
// new one, never a half-merged mix.
type ResolvedPolicy struct {
	Agent       string           `json:"agent"`
	Template    string           `json:"template,omitempty"`
	Allow       []string         `json:"allow,omitempty"`
	Ask         []string         `json:"ask,omitempty"`
	Block       []string         `json:"block,omitempty"`
	Limits      *template.Limits `json:"limits,omitempty"`
	Chaos       *template.Chaos  `json:"chaos,omitempty"`
	InputFilter string           `json:"inputFilter,omitempty"`
	ResolvedAt  time.Time        `json:"resolvedAt"`

	// injector owns this policy's seeded chaos stream. It is rebuilt on
	// every (re)apply, so a rebind restarts the sequence from the seed.
	injector *chaos.Injector
}

// ChaosInjector returns the policy's chaos stream, or nil for a policy that
// was not produced by a Resolver (e.g. one decoded from a request body).
func (p *ResolvedPolicy) ChaosInjector() *chaos.Injector {
	return p.injector
}

// Assignment is the durable record of what Apply was called with, independent
// of the resolved result, so a role can be re-resolved if the underlying
// template changes shape.
type Assignment struct {
	Template  string    `json:"template"`
	Overrides Overrides `json:"overrides"`
}

// Persister durably records role assignments so they survive a restart.
type Persister interface {
	SaveRole(agent string, assignment Assignment) error
	LoadRoles() (map[string]Assignment, error)
}

// Resolver holds the live agent -> resolved policy bindings.
type Resolver struct {
	templates *template.Store
	persist   Persister
	logger    *slog.Logger

	mu       sync.RWMutex
	resolved map[string]*ResolvedPolicy
	assigned map[string]Assignment
}

// NewResolver creates a Resolver. templates supplies the named template
// bodies; persist may be nil, in which case role assignments do not survive
// a restart.
func NewResolver(templates *template.Store, persist Persister, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		templates: templates,
		persist:   persist,
		logger:    logger.With("component", "role.Resolver"),
		resolved:  make(map[string]*ResolvedPolicy),
		assigned:  make(map[string]Assignment),
	}
}

// Restore re-applies every durably stored role assignment. Call once at
// startup after templates have been loaded. A role whose template no longer
// exists is logged and skipped rather than failing the whole restore.
func (r *Resolver) Restore() error {
	if r.persist == nil {
		return nil
	}
	assignments, err := r.persist.LoadRoles()
	if err != nil {
		return fmt.Errorf("failed to load role assignments: %w", err)
	}
	for agent, a := range assignments {
		if _, err := r.apply(agent, a.Template, a.Overrides, false); err != nil {
			r.logger.Warn("skipping stored role assignment on restore", "agent", agent, "error", err)
		}
	}
	r.logger.Info("role assignments restored", "count", len(r.resolved))
	return nil
}

// Apply binds agent to templateName, layers overrides on top, and returns
// the resolved policy. An empty templateName is valid and resolves to just
// the overrides (no template contribution).
func (r *Resolver) Apply(agent, templateName string, overrides Overrides) (*ResolvedPolicy, error) {
	return r.apply(agent, templateName, overrides, true)
}

func (r *Resolver) apply(agent, templateName string, overrides Overrides, persist bool) (*ResolvedPolicy, error) {
	var tpl *template.Template
	if templateName != "" {
		t, ok := r.templates.Get(templateName)
		if !ok {
			return nil, fmt.Errorf("unknown template %q", templateName)
		}
		tpl = t
	}

	policy := merge(agent, templateName, tpl, overrides)

	r.mu.Lock()
	r.resolved[agent] = policy
	r.assigned[agent] = Assignment{Template: templateName, Overrides: overrides}
	r.mu.Unlock()

	if persist && r.persist != nil {
		if err := r.persist.SaveRole(agent, Assignment{Template: templateName, Overrides: overrides}); err != nil {
			return nil, fmt.Errorf("failed to persist role assignment: %w", err)
		}
	}
	return policy, nil
}

// Reresolve rebuilds the resolved policy for every currently assigned agent
// from the current template contents, for use after a template hot-reload.
func (r *Resolver) Reresolve() {
	r.mu.RLock()
	assignments := make(map[string]Assignment, len(r.assigned))
	for agent, a := range r.assigned {
		assignments[agent] = a
	}
	r.mu.RUnlock()

	for agent, a := range assignments {
		if _, err := r.apply(agent, a.Template, a.Overrides, false); err != nil {
			r.logger.Warn("failed to re-resolve role after template reload", "agent", agent, "error", err)
		}
	}
}

// Get returns the resolved policy for agent, if one has been applied.
func (r *Resolver) Get(agent string) (*ResolvedPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.resolved[agent]
	return p, ok
}

// List returns a snapshot of every agent/policy binding.
func (r *Resolver) List() []*ResolvedPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ResolvedPolicy, 0, len(r.resolved))
	for _, p := range r.resolved {
		out = append(out, p)
	}
	return out
}

func merge(agent, templateName string, tpl *template.Template, overrides Overrides) *ResolvedPolicy {
	policy := &ResolvedPolicy{
		Agent:       agent,
		Template:    templateName,
		Limits:      overrides.Limits,
		Chaos:       overrides.Chaos,
		InputFilter: overrides.InputFilter,
		ResolvedAt:  time.Now(),
	}

	var tplAllow, tplAsk, tplBlock []string
	if tpl != nil {
		tplAllow, tplAsk, tplBlock = tpl.Allow, tpl.Ask, tpl.Block
		if policy.Limits == nil {
			policy.Limits = tpl.Limits
		}
		if policy.Chaos == nil {
			policy.Chaos = tpl.Chaos
		}
		if policy.InputFilter == "" {
			policy.InputFilter = tpl.InputFilter
		}
	}

	policy.Allow = unionDedup(tplAllow, overrides.Allow)
	policy.Ask = unionDedup(tplAsk, overrides.Ask)
	policy.Block = unionDedup(tplBlock, overrides.Block)
	policy.injector = chaos.NewInjector(policy.Chaos)
	return policy
}

// unionDedup concatenates a and b, dropping duplicates while preserving the
// first occurrence's position.
func unionDedup(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
