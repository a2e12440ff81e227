// Package spend tracks per-agent USD spend against daily and monthly caps,
// admitting or rejecting a cost at the moment it would be incurred so that
// concurrent submissions never push a window more than one event over cap.
package spend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/govd/govd/internal/template"
)

// Category distinguishes the overall ("ai") spend bucket from the
// llm-specific one that a subset of intents also contributes to.
type Category string

const (
	CategoryTotal Category = "total"
	CategoryLLM   Category = "llm"
)

// Window is the accounting period a bucket resets on.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// CapExceeded describes the first cap that would be breached by admitting an
// event, so the decision engine can report it as the block reason.
type CapExceeded struct {
	Timeframe string  `json:"timeframe"`
	Category  string  `json:"category"`
	Value     float64 `json:"value"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
}

// Backend stores bucket totals. Because a bucket's key already encodes its
// window-start timestamp, a rollover is just a new key -- no explicit reset
// operation is required.
type Backend interface {
	// Get returns the current value of key, or 0 if it does not exist.
	Get(ctx context.Context, key string) (float64, error)
	// Add increments key by amount, creating it if absent, and arranges for
	// it to be discardable after expiresAt. It returns the new total.
	Add(ctx context.Context, key string, amount float64, expiresAt time.Time) (float64, error)
}

// Ledger enforces spend caps. Each agent is guarded by its own mutex so that
// two concurrent Admit calls for different agents never block each other,
// while two concurrent calls for the same agent are strictly serialized.
type Ledger struct {
	backend Backend
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewLedger creates a Ledger backed by backend.
func NewLedger(backend Backend, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		backend: backend,
		logger:  logger.With("component", "spend.Ledger"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Admit checks whether costUSD can be incurred by agent for intent without
// crossing any cap in limits. If every relevant bucket has room, the cost is
// atomically incremented into each relevant bucket and (nil, nil) is
// returned. If any bucket's cap would be exceeded, none of the buckets are
// incremented and the first exceeded cap is returned. A zero or negative
// costUSD is a no-op: it is never incremented and never rejected.
func (l *Ledger) Admit(ctx context.Context, agent, intent string, costUSD float64, limits *template.Limits) (*CapExceeded, error) {
	if costUSD <= 0 {
		return nil, nil
	}

	lock := l.agentLock(agent)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	checks := checksFor(intent, limits)

	for _, c := range checks {
		if c.cap <= 0 {
			continue
		}
		spent, err := l.backend.Get(ctx, c.key(agent, now))
		if err != nil {
			return nil, fmt.Errorf("failed to read spend bucket: %w", err)
		}
		if spent+costUSD > c.cap {
			return &CapExceeded{
				Timeframe: string(c.window),
				Category:  string(c.category),
				Value:     c.cap,
				Spent:     spent,
				Remaining: c.cap - spent,
			}, nil
		}
	}

	for _, c := range checks {
		if _, err := l.backend.Add(ctx, c.key(agent, now), costUSD, windowEnd(c.window, now)); err != nil {
			return nil, fmt.Errorf("failed to record spend: %w", err)
		}
	}
	return nil, nil
}

// Summary is the llm-spend snapshot reported to /metrics/llm.
type Summary struct {
	Agent      string           `json:"agent"`
	DailyUSD   float64          `json:"dailyUsd"`
	MonthlyUSD float64          `json:"monthlyUsd"`
	Limits     *template.Limits `json:"limits,omitempty"`
}

// Summarize reports agent's current llm-category spend against limits.
func (l *Ledger) Summarize(ctx context.Context, agent string, limits *template.Limits) (Summary, error) {
	now := time.Now().UTC()
	daily, err := l.backend.Get(ctx, bucketKey(agent, CategoryLLM, WindowDaily, now))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read daily spend: %w", err)
	}
	monthly, err := l.backend.Get(ctx, bucketKey(agent, CategoryLLM, WindowMonthly, now))
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read monthly spend: %w", err)
	}
	return Summary{Agent: agent, DailyUSD: daily, MonthlyUSD: monthly, Limits: limits}, nil
}

func (l *Ledger) agentLock(agent string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[agent]
	if !ok {
		m = &sync.Mutex{}
		l.locks[agent] = m
	}
	return m
}

type check struct {
	category Category
	window   Window
	cap      float64
}

func (c check) key(agent string, now time.Time) string {
	return bucketKey(agent, c.category, c.window, now)
}

// checksFor returns the buckets an event against intent must be checked
// against: total always, plus the llm-specific pair when intent begins
// "llm.".
func checksFor(intent string, limits *template.Limits) []check {
	var caps template.Limits
	if limits != nil {
		caps = *limits
	}
	checks := []check{
		{CategoryTotal, WindowDaily, caps.AIDailyUSD},
		{CategoryTotal, WindowMonthly, caps.AIMonthlyUSD},
	}
	if strings.HasPrefix(intent, "llm.") {
		checks = append(checks,
			check{CategoryLLM, WindowDaily, caps.LLMDailyUSD},
			check{CategoryLLM, WindowMonthly, caps.LLMMonthlyUSD},
		)
	}
	return checks
}

func bucketKey(agent string, category Category, window Window, now time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", agent, category, window, windowStart(window, now).Unix())
}

func windowStart(window Window, now time.Time) time.Time {
	now = now.UTC()
	switch window {
	case WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func windowEnd(window Window, now time.Time) time.Time {
	start := windowStart(window, now)
	switch window {
	case WindowMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
