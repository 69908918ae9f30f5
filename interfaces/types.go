package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
)

// VaultVersion is the current persisted vault layout version.
const VaultVersion = 1

// Vault is the persisted, opaque-to-the-server vault record.
//
// WrappedSeed is the seed sealed under a key derived from the owner's password
// with KDF. Recovery holds the vault data sealed under a key derived from the seed,
// so any path that recovers the seed can read the data without the password.
// The seed never changes across password changes or recovery.
type Vault struct {
	Version     int                   `json:"version"`
	WrappedSeed cryptoutils.Sealed    `json:"wrapped_seed"`
	KDF         cryptoutils.KDFParams `json:"kdf_params"`
	Recovery    VaultRecovery         `json:"recovery"`
}

// VaultRecovery is the data payload sealed under the seed.
type VaultRecovery struct {
	VaultNonce      []byte `json:"vault_nonce"`
	VaultTag        []byte `json:"vault_tag"`
	VaultCiphertext []byte `json:"vault_ciphertext"`
}

// Sealed returns the payload as a codec triple.
func (r VaultRecovery) Sealed() cryptoutils.Sealed {
	return cryptoutils.Sealed{Nonce: r.VaultNonce, Tag: r.VaultTag, Ciphertext: r.VaultCiphertext}
}

// NewVaultRecovery converts a codec triple into the persisted payload layout.
func NewVaultRecovery(s cryptoutils.Sealed) VaultRecovery {
	return VaultRecovery{VaultNonce: s.Nonce, VaultTag: s.Tag, VaultCiphertext: s.Ciphertext}
}

// Marshal encodes the vault as JSON with base64 byte fields.
func (v *Vault) Marshal() ([]byte, error) {
	return json.Marshal(v)
}

// Validate checks that the record is structurally complete.
func (v *Vault) Validate() error {
	if v.Version != VaultVersion {
		return fmt.Errorf("unsupported vault version %d", v.Version)
	}
	if v.WrappedSeed.IsZero() || v.Recovery.Sealed().IsZero() {
		return errors.New("vault record is incomplete")
	}
	return v.KDF.Validate()
}

// UnmarshalVault decodes and validates a persisted vault record.
func UnmarshalVault(data []byte) (*Vault, error) {
	var v Vault
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: malformed vault record: %v", ErrInvalidArgument, err)
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return &v, nil
}

// VaultSession is a time-bounded handle holding the raw unlock key after a
// successful unlock. Sessions are addressed by the hash of their token; the
// token itself is only ever returned to the caller.
type VaultSession struct {
	TokenHash     string    `json:"token_hash"`
	UserID        string    `json:"user_id"`
	VaultKey      []byte    `json:"vault_key"`
	UnlockedAt    time.Time `json:"unlocked_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	HardExpiresAt time.Time `json:"hard_expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *VaultSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RecoveryMethodType identifies a recovery path.
type RecoveryMethodType string

const (
	MethodSocial   RecoveryMethodType = "social"
	MethodHardware RecoveryMethodType = "hardware"
)

// Valid reports whether t names a known method.
func (t RecoveryMethodType) Valid() bool {
	return t == MethodSocial || t == MethodHardware
}

// RecoveryMethod is one configured recovery path for a user. ConfigEncrypted is
// sealed under the server keyring and holds a SocialConfig or HardwareConfig.
type RecoveryMethod struct {
	UserID          string             `json:"user_id"`
	MethodType      RecoveryMethodType `json:"method_type"`
	ConfigEncrypted []byte             `json:"config_encrypted"`
	Enabled         bool               `json:"enabled"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// SocialConfig is the decrypted configuration of social recovery.
type SocialConfig struct {
	RecoveryID  string `json:"recovery_id"`
	Threshold   int    `json:"threshold"`
	TotalShares int    `json:"total_shares"`
}

// HardwareConfig is the decrypted configuration of hardware-key recovery.
type HardwareConfig struct {
	KeyHash       string             `json:"key_hash"`
	EncryptedSeed cryptoutils.Sealed `json:"encrypted_seed"`
}

// RecoveryContact is a trusted contact holding one encrypted shard.
type RecoveryContact struct {
	UserID         string `json:"user_id"`
	RecoveryID     string `json:"recovery_id"`
	ContactEmail   string `json:"contact_email"`
	ContactName    string `json:"contact_name"`
	ShareIndex     int    `json:"share_index"`
	EncryptedShard []byte `json:"encrypted_shard"`
}

// RecoveryStatus is the state of a social recovery attempt.
type RecoveryStatus string

const (
	RecoveryPending   RecoveryStatus = "pending"
	RecoveryCompleted RecoveryStatus = "completed"
	RecoveryCancelled RecoveryStatus = "cancelled"
	RecoveryExpired   RecoveryStatus = "expired"
)

// RecoveryRequest is one social recovery attempt.
type RecoveryRequest struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	RecoveryID      string         `json:"recovery_id"`
	TokenHash       string         `json:"-"`
	Threshold       int            `json:"threshold"`
	ShardsCollected int            `json:"shards_collected"`
	Status          RecoveryStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Active reports whether the request is pending and unexpired at now.
func (r *RecoveryRequest) Active(now time.Time) bool {
	return r.Status == RecoveryPending && now.Before(r.ExpiresAt)
}

// Complete reports whether enough shards were collected to reconstruct the seed.
func (r *RecoveryRequest) Complete() bool {
	return r.ShardsCollected >= r.Threshold
}

// CollectedShard is a shard submitted by a contact for a request. ShardEncrypted
// is sealed under the server keyring and is deleted once the request is decided.
type CollectedShard struct {
	RequestID      string    `json:"request_id"`
	ContactEmail   string    `json:"contact_email"`
	ShardEncrypted []byte    `json:"shard_encrypted"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// GroupUnlockStatus is the state of a group quorum unlock request.
type GroupUnlockStatus string

const (
	GroupUnlockPending   GroupUnlockStatus = "pending"
	GroupUnlockUnlocked  GroupUnlockStatus = "unlocked"
	GroupUnlockLocked    GroupUnlockStatus = "locked"
	GroupUnlockCancelled GroupUnlockStatus = "cancelled"
	GroupUnlockExpired   GroupUnlockStatus = "expired"
)

// GroupUnlockRequest coordinates M-of-N administrator approvals for a group vault.
//
// SessionKeyEncrypted is the shared session key sealed under the server keyring,
// kept so an unlock survives a process restart. AdminSessionKeys holds per-admin
// ECIES copies for admins with a registered public key.
type GroupUnlockRequest struct {
	ID                  string            `json:"id"`
	GroupID             string            `json:"group_id"`
	RequestedBy         string            `json:"requested_by"`
	Reason              string            `json:"reason"`
	RequiredApprovals   int               `json:"required_approvals"`
	Status              GroupUnlockStatus `json:"status"`
	SessionKeyEncrypted []byte            `json:"-"`
	AdminSessionKeys    map[string][]byte `json:"admin_session_keys,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
	UnlockedAt          *time.Time        `json:"unlocked_at,omitempty"`
	SessionExpiresAt    *time.Time        `json:"session_expires_at,omitempty"`
	DecidedAt           *time.Time        `json:"decided_at,omitempty"`
}

// GroupUnlockApproval records one administrator's approval. Unique per
// (RequestID, ApprovedBy).
type GroupUnlockApproval struct {
	RequestID  string    `json:"request_id"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
}

// GroupVaultSession exists only while a group vault is unlocked.
type GroupVaultSession struct {
	GroupID     string    `json:"group_id"`
	SessionKey  []byte    `json:"-"`
	RequestID   string    `json:"request_id"`
	ApproverIDs []string  `json:"approver_ids"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GroupAdmin is an administrator of a group. PublicKeyPEM is optional.
type GroupAdmin struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	PublicKeyPEM []byte `json:"public_key_pem,omitempty"`
}
