// Package interfaces defines the records, error taxonomy and collaborator
// contracts of the threshold vault backend, separating interface definitions
// from implementations.
//
// # Records
//
// Vault: the persisted, opaque-to-the-server vault record. The seed is wrapped
// under a password-derived key and the vault data is sealed under the seed.
//
// VaultSession: ephemeral handle holding a raw unlock key after a successful unlock.
//
// RecoveryMethod, RecoveryContact, RecoveryRequest, CollectedShard: social and
// hardware recovery state.
//
// GroupUnlockRequest, GroupUnlockApproval, GroupVaultSession: M-of-N administrator
// quorum unlock state for group-owned vaults.
//
// # Collaborators
//
// VaultStore, RecoveryStore, GroupStore: persistence of whole records. The core never
// issues raw storage queries itself.
//
// SessionStore: fast ephemeral storage for vault sessions (in-memory or Redis).
//
// GroupDirectory: group membership and per-group quorum threshold.
//
// AuditSink and Notifier: fire-and-forget side effects.
//
// StorageBackend: content-addressed storage for exported vault blobs (file, S3,
// Vault KV, IPFS).
//
// # Errors
//
// Every failure reason the caller may need for differentiated backoff or lockout
// policy is a sentinel error in errors.go, matched with errors.Is.
package interfaces
