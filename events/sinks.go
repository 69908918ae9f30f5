package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// LogAuditSink writes audit events as structured log records. Audit storage and
// export live outside this service; a log pipeline is the handoff point.
type LogAuditSink struct {
	log *slog.Logger
}

func NewLogAuditSink(log *slog.Logger) *LogAuditSink {
	return &LogAuditSink{log: log.With("component", "audit")}
}

func (s *LogAuditSink) Record(ctx context.Context, event interfaces.AuditEvent) error {
	attrs := []any{
		"type", string(event.Type),
		"actor", event.ActorID,
		"subject", event.SubjectID,
		"success", event.Success,
		"at", event.At,
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	s.log.InfoContext(ctx, "audit", attrs...)
	return nil
}

// LogNotifier logs notifications instead of sending them. Used when no mail
// transport is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg interfaces.Notification) error {
	n.log.InfoContext(ctx, "notification", "type", string(msg.Type), "recipients", len(msg.Recipients), "subject", msg.Subject)
	return nil
}

// Recorder keeps every event and notification in memory.
type Recorder struct {
	mu            sync.Mutex
	events        []interfaces.AuditEvent
	notifications []interfaces.Notification
}

func (r *Recorder) Emit(_ context.Context, event interfaces.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Notify(_ context.Context, n interfaces.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *Recorder) Record(ctx context.Context, event interfaces.AuditEvent) error {
	r.Emit(ctx, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []interfaces.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.AuditEvent(nil), r.events...)
}

// Notifications returns a copy of the recorded notifications.
func (r *Recorder) Notifications() []interfaces.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Notification(nil), r.notifications...)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []interfaces.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]interfaces.EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
