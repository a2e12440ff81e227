// Package event defines the wire-level action event a client proposes to
// the decision engine, and the decision it gets back. Both are plain
// structs with a fixed JSON shape rather than open-ended documents: the
// daemon's pipeline only ever needs the fields below. Only those fields are
// decoded from an inbound event; unknown top-level fields are dropped and do
// not reach Metadata or the journal.
package event

import "time"

// Event is an immutable action proposed by an agent. ID is assigned by the
// caller or, if empty, by the daemon (as a ULID, so it sorts by creation
// order). Timestamp is likewise kept if the caller sets it and assigned by
// the daemon (time.Now()) only when it is zero.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Agent     string                 `json:"agent"`
	Intent    string                 `json:"intent"`
	Target    string                 `json:"target,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Token     string                 `json:"token,omitempty"`
	CostUSD   float64                `json:"costUsd,omitempty"`
}

// Status is the verdict the decision engine returns for one event.
type Status string

const (
	StatusAllow Status = "allow"
	StatusAsk   Status = "ask"
	StatusBlock Status = "block"
)

// Source names which subsystem produced a non-default verdict.
type Source string

const (
	SourceTemplate    Source = "template"
	SourceOverride    Source = "override"
	SourceToken       Source = "token"
	SourceLimit       Source = "limit"
	SourceChaos       Source = "chaos"
	SourceInputFilter Source = "input_filter"
	SourceOverload    Source = "overload"
)

// Limit describes the spend cap that caused a block, mirroring
// spend.CapExceeded on the wire.
type Limit struct {
	Timeframe string  `json:"timeframe"`
	Category  string  `json:"category"`
	Value     float64 `json:"value"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
}

// Chaos describes the chaos decision that caused a block.
type Chaos struct {
	DelayMs int `json:"delayMs,omitempty"`
}

// PolicyMatch is the match context returned alongside a Decision's status.
type PolicyMatch struct {
	Status  Status `json:"status"`
	Rule    string `json:"rule,omitempty"`
	Source  Source `json:"source,omitempty"`
	ByToken bool   `json:"byToken,omitempty"`
	Limit   *Limit `json:"limit,omitempty"`
	Chaos   *Chaos `json:"chaos,omitempty"`
}

// Decision is the outcome of decide() for one event.
type Decision struct {
	Status     Status       `json:"status"`
	ID         string       `json:"id"`
	Policy     *PolicyMatch `json:"policy,omitempty"`
	Message    string       `json:"message,omitempty"`
	DurationMs int64        `json:"durationMs"`
}
