package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/metrics"
)

const (
	defaultQueueSize       = 1024
	defaultDeliveryTimeout = 10 * time.Second
)

type job struct {
	event        *interfaces.AuditEvent
	notification *interfaces.Notification
}

// Dispatcher delivers audit events and notifications on a background worker.
// Emit and Notify never block: when the queue is full the item is dropped and
// counted. Delivery failures are logged and never reach the emitting operation.
type Dispatcher struct {
	sinks     []interfaces.AuditSink
	notifiers []interfaces.Notifier
	queue     chan job
	timeout   time.Duration
	log       *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher creates a dispatcher and starts its worker. queueSize <= 0
// selects the default.
func NewDispatcher(log *slog.Logger, queueSize int, sinks []interfaces.AuditSink, notifiers []interfaces.Notifier) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		sinks:     sinks,
		notifiers: notifiers,
		queue:     make(chan job, queueSize),
		timeout:   defaultDeliveryTimeout,
		log:       log,
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Emit(_ context.Context, event interfaces.AuditEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	d.enqueue(job{event: &event})
}

func (d *Dispatcher) Notify(_ context.Context, n interfaces.Notification) {
	if len(n.Recipients) == 0 {
		return
	}
	d.enqueue(job{notification: &n})
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.EventsDropped.Inc()
		return
	}
	select {
	case d.queue <- j:
	default:
		metrics.EventsDropped.Inc()
		d.log.Warn("event queue full, dropping item")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if j.event != nil {
		for _, sink := range d.sinks {
			if err := sink.Record(ctx, *j.event); err != nil {
				d.log.Error("failed to record audit event", "type", j.event.Type, "err", err)
			}
		}
	}
	if j.notification != nil {
		for _, notifier := range d.notifiers {
			if err := notifier.Notify(ctx, *j.notification); err != nil {
				d.log.Warn("failed to deliver notification", "type", j.notification.Type, "err", err)
			}
		}
	}
}

// Close stops accepting items and waits until the queue is drained or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
