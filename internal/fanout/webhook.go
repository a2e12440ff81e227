package fanout

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/metrics"
)

const (
	webhookInitialBackoff     = 500 * time.Millisecond
	webhookMaxBackoff         = 30 * time.Second
	defaultWebhookRetryWindow = 5 * time.Minute
	webhookQueueCapacity      = 256
	webhookWorkers            = 4
)

// webhookTarget is one configured HTTP POST destination.
type webhookTarget struct {
	URL    string
	Secret string
}

// delivery is one queued POST of a record body to a target.
type delivery struct {
	target webhookTarget
	body   []byte
}

// webhookDispatcher posts journal records to every configured webhook,
// best-effort, with exponential backoff bounded by a per-delivery retry
// window. Deliveries flow through a bounded queue drained by a fixed pool
// of workers, so a down target costs queued deliveries, never unbounded
// goroutines. A target that exhausts its retry window for one record is
// logged and left configured -- it is retried again on the next published
// record.
type webhookDispatcher struct {
	logger      *slog.Logger
	client      *http.Client
	retryWindow time.Duration

	mu      sync.RWMutex
	targets map[string]webhookTarget

	queue     chan delivery
	closeOnce sync.Once
}

func newWebhookDispatcher(retryWindow time.Duration, logger *slog.Logger) *webhookDispatcher {
	if retryWindow <= 0 {
		retryWindow = defaultWebhookRetryWindow
	}
	d := &webhookDispatcher{
		logger:      logger.With("component", "fanout.webhookDispatcher"),
		client:      &http.Client{Timeout: 10 * time.Second},
		retryWindow: retryWindow,
		targets:     make(map[string]webhookTarget),
		queue:       make(chan delivery, webhookQueueCapacity),
	}
	for i := 0; i < webhookWorkers; i++ {
		go d.worker()
	}
	return d
}

func (d *webhookDispatcher) close() {
	d.closeOnce.Do(func() { close(d.queue) })
}

func (d *webhookDispatcher) worker() {
	for del := range d.queue {
		d.deliverWithBackoff(del.target, del.body)
	}
}

func (d *webhookDispatcher) register(url, secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets[url] = webhookTarget{URL: url, Secret: secret}
}

func (d *webhookDispatcher) remove(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.targets, url)
}

func (d *webhookDispatcher) list() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.targets))
	for url := range d.targets {
		out = append(out, url)
	}
	return out
}

func (d *webhookDispatcher) publish(r journal.Record) {
	d.mu.RLock()
	targets := make([]webhookTarget, 0, len(d.targets))
	for _, t := range d.targets {
		targets = append(targets, t)
	}
	d.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(r)
	if err != nil {
		d.logger.Error("failed to marshal webhook payload", "error", err)
		return
	}

	for _, t := range targets {
		select {
		case d.queue <- delivery{target: t, body: body}:
		default:
			metrics.WebhookQueueDrops.Inc()
			d.logger.Warn("webhook delivery queue full, dropping record", "url", t.URL)
		}
	}
}

func (d *webhookDispatcher) deliverWithBackoff(t webhookTarget, body []byte) {
	deadline := time.Now().Add(d.retryWindow)
	backoff := webhookInitialBackoff

	for attempt := 1; ; attempt++ {
		if err := d.deliver(t, body); err == nil {
			return
		} else if time.Now().After(deadline) {
			d.logger.Warn("webhook delivery exhausted retry window, leaving configured",
				"url", t.URL, "attempts", attempt, "error", err)
			return
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > webhookMaxBackoff {
			backoff = webhookMaxBackoff
		}
	}
}

func (d *webhookDispatcher) deliver(t webhookTarget, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "govd/1.0")
	if t.Secret != "" {
		req.Header.Set("X-Govd-Signature", signHMAC(body, t.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return &httpStatusError{code: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.code)
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
