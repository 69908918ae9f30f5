package interfaces

import (
	"context"
	"time"
)

// EventType names a state-changing operation.
type EventType string

const (
	EventVaultCreated         EventType = "vault.created"
	EventVaultUnlocked        EventType = "vault.unlocked"
	EventVaultUnlockFailed    EventType = "vault.unlock_failed"
	EventVaultLocked          EventType = "vault.locked"
	EventVaultPasswordChanged EventType = "vault.password_changed"
	EventVaultUpdated         EventType = "vault.updated"
	EventVaultExported        EventType = "vault.exported"
	EventVaultRestored        EventType = "vault.restored"

	EventRecoverySetup     EventType = "recovery.setup"
	EventRecoveryDisabled  EventType = "recovery.disabled"
	EventRecoveryInitiated EventType = "recovery.initiated"
	EventShardSubmitted    EventType = "recovery.shard_submitted"
	EventRecoveryCompleted EventType = "recovery.completed"
	EventRecoveryCancelled EventType = "recovery.cancelled"
	EventRecoveryExpired   EventType = "recovery.expired"
	EventRecoveryFailed    EventType = "recovery.failed"
	EventHardwareRecovered EventType = "recovery.hardware_recovered"
	EventPhraseRecovered   EventType = "recovery.phrase_recovered"

	EventGroupUnlockRequested EventType = "group.unlock_requested"
	EventGroupUnlockApproved  EventType = "group.unlock_approved"
	EventGroupUnlocked        EventType = "group.unlocked"
	EventGroupLocked          EventType = "group.locked"
	EventGroupUnlockCancelled EventType = "group.unlock_cancelled"
	EventGroupUnlockExpired   EventType = "group.unlock_expired"
)

// AuditEvent describes one state-changing operation. It never carries secrets.
type AuditEvent struct {
	Type      EventType         `json:"type"`
	ActorID   string            `json:"actor_id,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"at"`
}

// Notification informs a vault owner or group admins of a state change.
type Notification struct {
	Type       EventType         `json:"type"`
	Recipients []string          `json:"recipients"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditSink records audit events.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// EventEmitter accepts audit events and notifications without waiting for
// delivery. Delivery failures are logged by the emitter and never reach the caller.
type EventEmitter interface {
	Emit(ctx context.Context, event AuditEvent)
	Notify(ctx context.Context, n Notification)
}
