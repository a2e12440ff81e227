// Package consent implements the ask/consent rendezvous: parking an action
// that the decision engine resolved to "ask" until a human supplies a
// verdict, with timeout and multi-waiter support.
package consent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/govd/govd/internal/event"
	"github.com/govd/govd/internal/token"
)

// State is a ticket's lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateDecided  State = "decided"
	StateTimedOut State = "timed_out"
)

var (
	// ErrOverload is returned by Park when the agent already has the
	// configured maximum number of outstanding tickets.
	ErrOverload = errors.New("too many outstanding ask tickets for agent")
	// ErrUnknownTicket is returned by Wait/Decide for an event id that was
	// never parked.
	ErrUnknownTicket = errors.New("unknown consent ticket")
)

// Verdict is the terminal outcome of a ticket: the status granted (allow or
// block) and, for an allow, the capability token minted for the caller.
type Verdict struct {
	Status event.Status `json:"status"`
	Token  *token.Token `json:"token,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// Ticket is one parked "ask" decision.
type Ticket struct {
	EventID   string
	Agent     string
	CreatedAt time.Time
	Deadline  time.Time

	mu      sync.Mutex
	state   State
	verdict Verdict
	done    chan struct{}
}

func newTicket(eventID, agent string, deadline time.Time) *Ticket {
	return &Ticket{
		EventID:   eventID,
		Agent:     agent,
		CreatedAt: time.Now(),
		Deadline:  deadline,
		state:     StatePending,
		done:      make(chan struct{}),
	}
}

func (t *Ticket) snapshot() (State, Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.verdict
}

// finalize transitions the ticket to a terminal state exactly once. Later
// calls observe the first verdict and report ok=false.
func (t *Ticket) finalize(state State, verdict Verdict) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.state = state
	t.verdict = verdict
	close(t.done)
	return true
}

// Broker owns every parked ticket for the daemon's uptime.
type Broker struct {
	defaultDeadline time.Duration
	maxDeadline     time.Duration
	maxPerAgent     int
	logger          *slog.Logger

	mu         sync.Mutex
	tickets    map[string]*Ticket
	agentCount map[string]int

	stop chan struct{}
}

// New creates a Broker. defaultDeadline is used when a caller parks without
// specifying one; maxDeadline caps whatever a caller requests. maxPerAgent
// bounds outstanding tickets per agent (0 means unbounded).
func New(defaultDeadline, maxDeadline time.Duration, maxPerAgent int, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		defaultDeadline: defaultDeadline,
		maxDeadline:     maxDeadline,
		maxPerAgent:     maxPerAgent,
		logger:          logger.With("component", "consent.Broker"),
		tickets:         make(map[string]*Ticket),
		agentCount:      make(map[string]int),
		stop:            make(chan struct{}),
	}
	go b.expireLoop()
	return b
}

// Close stops the background expiry loop.
func (b *Broker) Close() {
	close(b.stop)
}

// Agent returns the agent a parked ticket belongs to, so a caller deciding
// the ticket can mint a token scoped to the right agent without having to
// have kept that association itself.
func (b *Broker) Agent(eventID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tickets[eventID]
	if !ok {
		return "", false
	}
	return t.Agent, true
}

// PendingCount reports how many outstanding tickets agent currently has.
func (b *Broker) PendingCount(agent string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agentCount[agent]
}

// Park creates a ticket for eventID, or returns the existing one if eventID
// was already parked (idempotent per id). deadline may be the zero time, in
// which case the broker's default is used, clamped to its configured
// ceiling.
func (b *Broker) Park(eventID, agent string, deadline time.Time) (*Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.tickets[eventID]; ok {
		return t, nil
	}

	if b.maxPerAgent > 0 && b.agentCount[agent] >= b.maxPerAgent {
		return nil, ErrOverload
	}

	now := time.Now()
	if deadline.IsZero() {
		deadline = now.Add(b.defaultDeadline)
	}
	if ceiling := now.Add(b.maxDeadline); b.maxDeadline > 0 && deadline.After(ceiling) {
		deadline = ceiling
	}

	t := newTicket(eventID, agent, deadline)
	b.tickets[eventID] = t
	b.agentCount[agent]++
	return t, nil
}

// Wait blocks until eventID's ticket is decided, its own deadline fires, or
// ctx is done. Cancelling ctx does not decide the ticket -- it remains
// parked for a human to resolve, or for the expiry loop to time out later.
// Multiple concurrent waiters on the same ticket all observe the same
// verdict.
func (b *Broker) Wait(ctx context.Context, eventID string) (Verdict, error) {
	b.mu.Lock()
	t, ok := b.tickets[eventID]
	b.mu.Unlock()
	if !ok {
		return Verdict{}, ErrUnknownTicket
	}

	if state, verdict := t.snapshot(); state != StatePending {
		return verdict, nil
	}

	timer := time.NewTimer(time.Until(t.Deadline))
	defer timer.Stop()

	select {
	case <-t.done:
		_, verdict := t.snapshot()
		return verdict, nil
	case <-timer.C:
		b.timeout(t)
		_, verdict := t.snapshot()
		return verdict, nil
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	}
}

// Decide injects the human verdict for eventID. If the ticket was already
// finalized (by a prior Decide or a timeout), Decide is a no-op that
// returns the original verdict rather than an error -- per the
// at-most-one-decision invariant.
func (b *Broker) Decide(eventID string, status event.Status, grantedToken *token.Token, reason string) (Verdict, error) {
	b.mu.Lock()
	t, ok := b.tickets[eventID]
	b.mu.Unlock()
	if !ok {
		return Verdict{}, ErrUnknownTicket
	}

	verdict := Verdict{Status: status, Token: grantedToken, Reason: reason}
	if t.finalize(StateDecided, verdict) {
		b.release(t.Agent)
		b.logger.Info("consent ticket decided", "event_id", eventID, "status", status)
	}
	_, final := t.snapshot()
	return final, nil
}

func (b *Broker) timeout(t *Ticket) {
	verdict := Verdict{Status: event.StatusBlock, Reason: "timeout"}
	if t.finalize(StateTimedOut, verdict) {
		b.release(t.Agent)
		b.logger.Info("consent ticket timed out", "event_id", t.EventID, "agent", t.Agent)
	}
}

func (b *Broker) release(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.agentCount[agent] > 0 {
		b.agentCount[agent]--
	}
}

// expireLoop finalizes any ticket past its deadline that Wait has not
// already timed out, so a ticket nobody is actively polling still resolves.
func (b *Broker) expireLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			var expired []*Ticket
			for _, t := range b.tickets {
				if state, _ := t.snapshot(); state == StatePending && now.After(t.Deadline) {
					expired = append(expired, t)
				}
			}
			b.mu.Unlock()
			for _, t := range expired {
				b.timeout(t)
			}
		}
	}
}
