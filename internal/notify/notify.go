// Package notify delivers job lifecycle events to an optional webhook.
// Delivery is best-effort: events are queued, retried a few times, and
// dropped when the endpoint stays down.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gpudispatch/internal/job"
	"gpudispatch/pkg/backoff"
)

const (
	defaultQueueSize   = 64
	defaultMaxAttempts = 3

	// After this many consecutive delivery failures the notifier stops
	// trying for breakerCooldown and drops events instead.
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Event is the webhook payload for one job transition.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Job       *job.Job  `json:"job"`
}

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotification(ctx context.Context, outcome string)
}

// Notifier posts job events to a webhook URL from a single worker goroutine.
type Notifier struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	metrics MetricsRecorder

	queue chan Event
	done  chan struct{}

	failures  int
	openUntil time.Time
}

// New creates a notifier and starts its delivery worker. A nil return means
// no URL was configured and callers should skip wiring it.
func New(url string, metrics MetricsRecorder) *Notifier {
	if url == "" {
		return nil
	}
	n := &Notifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.With("component", "notify"),
		metrics: metrics,
		queue:   make(chan Event, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go n.worker()
	return n
}

// JobUpdated enqueues a job transition event. Never blocks; events are
// dropped when the queue is full.
func (n *Notifier) JobUpdated(ctx context.Context, j *job.Job) {
	ev := Event{Type: "job." + j.Status, Timestamp: time.Now().UTC(), Job: j}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("Notification queue full, dropping event", "jobId", j.ID, "type", ev.Type)
		n.record(ctx, "dropped")
	}
}

// Close stops accepting events and waits for the worker to drain the queue
// or the context to expire.
func (n *Notifier) Close(ctx context.Context) error {
	close(n.queue)
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer close(n.done)
	for ev := range n.queue {
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev Event) {
	ctx := context.Background()
	if time.Now().Before(n.openUntil) {
		n.record(ctx, "dropped")
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("Failed to encode event", "error", err)
		return
	}

	for attempt := 0; attempt < defaultMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff.Default.Delay(attempt))
		}
		if err = n.post(body); err == nil {
			n.failures = 0
			n.record(ctx, "delivered")
			return
		}
	}

	n.failures++
	n.record(ctx, "failed")
	n.logger.Warn("Failed to deliver event", "type", ev.Type, "error", err, "consecutiveFailures", n.failures)
	if n.failures >= breakerThreshold {
		n.openUntil = time.Now().Add(breakerCooldown)
		n.failures = 0
		n.logger.Warn("Notification endpoint unresponsive, pausing delivery", "cooldown", breakerCooldown)
	}
}

func (n *Notifier) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) record(ctx context.Context, outcome string) {
	if n.metrics != nil {
		n.metrics.RecordNotification(ctx, outcome)
	}
}
