package interfaces

import (
	"context"
	"time"
)

// VaultStore persists whole vault records keyed by owner id. Writes replace
// the entire record; there are no partial updates.
type VaultStore interface {
	// GetVault returns ErrNotFound when the owner has no vault.
	GetVault(ctx context.Context, ownerID string) (*Vault, error)
	PutVault(ctx context.Context, ownerID string, vault *Vault) error
	DeleteVault(ctx context.Context, ownerID string) error
}

// RecoveryStore persists recovery methods, contacts, requests and collected shards.
type RecoveryStore interface {
	GetMethod(ctx context.Context, userID string, methodType RecoveryMethodType) (*RecoveryMethod, error)
	ListMethods(ctx context.Context, userID string) ([]RecoveryMethod, error)
	PutMethod(ctx context.Context, method *RecoveryMethod) error
	DeleteMethod(ctx context.Context, userID string, methodType RecoveryMethodType) error

	// ReplaceContacts deletes every contact of the user and inserts the given set.
	ReplaceContacts(ctx context.Context, userID string, contacts []RecoveryContact) error
	ListContacts(ctx context.Context, userID string) ([]RecoveryContact, error)
	// FindContact matches the email case-insensitively.
	FindContact(ctx context.Context, recoveryID, contactEmail string) (*RecoveryContact, error)

	// CreateRequest returns ErrConflict if the user already has a pending request.
	CreateRequest(ctx context.Context, req *RecoveryRequest) error
	GetRequest(ctx context.Context, id string) (*RecoveryRequest, error)
	// FindPendingRequest returns the user's pending request regardless of expiry.
	FindPendingRequest(ctx context.Context, userID string) (*RecoveryRequest, error)
	// TransitionRequest moves a request from one status to another if and only if
	// it is currently in the from status. It reports whether the transition applied.
	TransitionRequest(ctx context.Context, id string, from, to RecoveryStatus, at time.Time) (bool, error)
	// ListExpiredRequests returns pending requests whose expiry is not after now.
	ListExpiredRequests(ctx context.Context, now time.Time) ([]RecoveryRequest, error)

	// AddShard records a shard for a pending request and increments its collected
	// count atomically. It returns the new count, ErrDuplicateShardSubmission if the
	// contact already submitted, or ErrRequestNotPending.
	AddShard(ctx context.Context, shard CollectedShard) (int, error)
	ListShards(ctx context.Context, requestID string) ([]CollectedShard, error)
	DeleteShards(ctx context.Context, requestID string) error
}

// GroupStore persists group unlock requests, approvals and group vault payloads.
type GroupStore interface {
	// CreateUnlockRequest returns ErrConflict if the group already has a pending
	// or unlocked request.
	CreateUnlockRequest(ctx context.Context, req *GroupUnlockRequest) error
	GetUnlockRequest(ctx context.Context, id string) (*GroupUnlockRequest, error)
	// FindActiveUnlockRequest returns the group's pending or unlocked request
	// regardless of expiry.
	FindActiveUnlockRequest(ctx context.Context, groupID string) (*GroupUnlockRequest, error)
	ListUnlockRequests(ctx context.Context, status GroupUnlockStatus) ([]GroupUnlockRequest, error)

	// AddApproval records an approval if the approver has not approved yet. It
	// returns whether a row was inserted and the distinct approval count.
	AddApproval(ctx context.Context, approval GroupUnlockApproval) (bool, int, error)
	ListApprovals(ctx context.Context, requestID string) ([]GroupUnlockApproval, error)

	// MarkUnlocked moves a pending request to unlocked and stores the encrypted
	// session key. It reports false if the request was no longer pending.
	MarkUnlocked(ctx context.Context, id string, sessionKeyEncrypted []byte, adminKeys map[string][]byte, unlockedAt, sessionExpiresAt time.Time) (bool, error)
	TransitionUnlockRequest(ctx context.Context, id string, from, to GroupUnlockStatus, at time.Time) (bool, error)

	// GetGroupVault returns ErrNotFound when the group has no vault payload.
	GetGroupVault(ctx context.Context, groupID string) ([]byte, error)
	PutGroupVault(ctx context.Context, groupID string, payload []byte) error
}

// GroupDirectory resolves group membership. Role computation lives outside the core.
type GroupDirectory interface {
	Admins(ctx context.Context, groupID string) ([]GroupAdmin, error)
	// Threshold returns the configured number of approvals required to unlock.
	Threshold(ctx context.Context, groupID string) (int, error)
}

// SessionStore holds vault sessions keyed by token hash. Implementations must be
// safe for concurrent use; operations on different keys must not serialize.
type SessionStore interface {
	Put(ctx context.Context, session *VaultSession) error
	// Get returns ErrSessionNotFound for unknown hashes.
	Get(ctx context.Context, tokenHash string) (*VaultSession, error)
	// Replace overwrites an existing session and reports false if it no longer
	// exists, so a concurrent delete is never undone.
	Replace(ctx context.Context, session *VaultSession) (bool, error)
	Delete(ctx context.Context, tokenHash string) error
	// DeleteUser removes every session of a user and returns how many were removed.
	DeleteUser(ctx context.Context, userID string) (int, error)
	// Sweep removes sessions expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}
