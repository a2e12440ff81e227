// Package fanout broadcasts journal records to live WebSocket subscribers
// and configured webhook targets. Publishing never blocks the caller: each
// subscription owns a bounded outbound queue, and a full queue costs that
// subscription its connection rather than stalling the publisher.
package fanout

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/metrics"
)

const (
	defaultQueueSize        = 256
	defaultMaxSubscriptions = 1000
)

// ErrTooManySubscriptions is returned by Subscribe when the bus is at its
// configured subscription limit.
var ErrTooManySubscriptions = errors.New("subscription limit reached")

// Options bound the bus's shared resources. Zero values fall back to the
// package defaults.
type Options struct {
	MaxSubscriptions   int
	QueueSize          int
	WebhookRetryWindow time.Duration
}

// Subscription is one live WebSocket client's outbound channel.
type Subscription struct {
	ID     string
	queue  chan journal.Record
	closed int32
}

// Messages returns the channel a caller should range over to receive
// records in journal order. The channel is closed when the bus drops the
// subscription (on overflow or explicit Unsubscribe).
func (s *Subscription) Messages() <-chan journal.Record {
	return s.queue
}

func (s *Subscription) send(r journal.Record) bool {
	if atomic.LoadInt32(&s.closed) == 1 {
		return false
	}
	select {
	case s.queue <- r:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.queue)
	}
}

// Bus fans journal records out to every live subscription and to every
// configured webhook.
type Bus struct {
	logger *slog.Logger
	opts   Options

	mu   sync.RWMutex
	subs map[string]*Subscription

	webhooks *webhookDispatcher
}

// New creates an empty Bus bounded by opts.
func New(opts Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "fanout.Bus")
	if opts.MaxSubscriptions <= 0 {
		opts.MaxSubscriptions = defaultMaxSubscriptions
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Bus{
		logger:   logger,
		opts:     opts,
		subs:     make(map[string]*Subscription),
		webhooks: newWebhookDispatcher(opts.WebhookRetryWindow, logger),
	}
}

// Close stops the webhook delivery workers. Publish must not be called
// after Close; stop the HTTP surface first.
func (b *Bus) Close() {
	b.webhooks.close()
}

// Subscribe registers a new live subscription and returns it. QueueSize, if
// <= 0, defaults to the bus's configured queue size. It fails with
// ErrTooManySubscriptions when the bus is at its subscription limit.
func (b *Bus) Subscribe(queueSize int) (*Subscription, error) {
	if queueSize <= 0 {
		queueSize = b.opts.QueueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= b.opts.MaxSubscriptions {
		return nil, ErrTooManySubscriptions
	}
	sub := &Subscription{ID: uuid.NewString(), queue: make(chan journal.Record, queueSize)}
	b.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// SubscriberCount reports how many live subscriptions the bus currently
// holds.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers r to every live subscription and enqueues a best-effort
// webhook POST to every configured target. It never blocks: a subscription
// whose queue is full is dropped rather than awaited.
func (b *Bus) Publish(r journal.Record) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var overflowed []string
	for _, sub := range targets {
		if !sub.send(r) {
			overflowed = append(overflowed, sub.ID)
		}
	}
	for _, id := range overflowed {
		b.logger.Warn("subscription queue overflow, disconnecting", "subscription_id", id)
		metrics.FanoutQueueDrops.Inc()
		b.Unsubscribe(id)
	}

	b.webhooks.publish(r)
}

// RegisterWebhook adds or updates a webhook target.
func (b *Bus) RegisterWebhook(url, secret string) {
	b.webhooks.register(url, secret)
}

// RemoveWebhook removes a webhook target.
func (b *Bus) RemoveWebhook(url string) {
	b.webhooks.remove(url)
}

// Webhooks returns the currently configured webhook URLs.
func (b *Bus) Webhooks() []string {
	return b.webhooks.list()
}
