package recovery

import (
	"crypto/sha256"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// Bounds on social recovery configurations.
const (
	MinThreshold = 2
	MaxShares    = 10
	// DefaultMinContacts is the policy minimum number of trusted contacts.
	DefaultMinContacts = 3
)

const (
	shardVersion = 1
	// checkSize bytes of SHA-256(seed) are split along with the seed so that a
	// wrong reconstruction is detected without revealing anything to fewer
	// than threshold shareholders.
	checkSize   = 8
	shardHeader = 2
)

// Contact is a trusted contact named at setup.
type Contact struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ContactShard is the shard issued to one contact. EncryptedShard can only be
// opened with the server keyring for this recovery id and contact email.
type ContactShard struct {
	Contact
	ShareIndex     int    `json:"share_index"`
	EncryptedShard []byte `json:"encrypted_shard"`
}

// SocialSetup is the outcome of splitting a seed among contacts.
type SocialSetup struct {
	RecoveryID  string         `json:"recovery_id"`
	Shards      []ContactShard `json:"shards"`
	Threshold   int            `json:"threshold"`
	TotalShares int            `json:"total_shares"`
}

// SocialEngine splits a seed into per-contact Shamir shares and reconstructs it.
//
// Each share is framed as version || threshold || share, where the shared
// secret is seed || SHA-256(seed)[:8]. Reconstruct therefore fails closed on
// too few or mismatched shares instead of returning a wrong seed.
type SocialEngine struct {
	keyring     *cryptoutils.Keyring
	minContacts int
}

// NewSocialEngine creates an engine that encrypts shards under keyring.
// minContacts <= 0 selects DefaultMinContacts.
func NewSocialEngine(keyring *cryptoutils.Keyring, minContacts int) *SocialEngine {
	if minContacts <= 0 {
		minContacts = DefaultMinContacts
	}
	return &SocialEngine{keyring: keyring, minContacts: minContacts}
}

// Setup splits seed into one share per contact with the given threshold and
// encrypts every share for its contact.
func (e *SocialEngine) Setup(seed []byte, contacts []Contact, threshold int) (*SocialSetup, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("%w: seed is required", interfaces.ErrInvalidArgument)
	}
	if err := e.validate(contacts, threshold); err != nil {
		return nil, err
	}

	secret := withCheck(seed)
	defer cryptoutils.Wipe(secret)

	shares, err := shamir.Split(secret, len(contacts), threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split seed: %w", err)
	}

	setup := &SocialSetup{
		RecoveryID:  uuid.NewString(),
		Threshold:   threshold,
		TotalShares: len(contacts),
		Shards:      make([]ContactShard, len(contacts)),
	}
	for i, contact := range contacts {
		frame := make([]byte, 0, shardHeader+len(shares[i]))
		frame = append(frame, shardVersion, byte(threshold))
		frame = append(frame, shares[i]...)
		cryptoutils.Wipe(shares[i])

		encrypted, err := e.keyring.EncryptDerived([]byte(setup.RecoveryID), shardInfo(contact.Email), frame)
		cryptoutils.Wipe(frame)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt shard: %w", err)
		}
		setup.Shards[i] = ContactShard{
			Contact:        Contact{Email: normalizeEmail(contact.Email), Name: strings.TrimSpace(contact.Name)},
			ShareIndex:     i + 1,
			EncryptedShard: encrypted,
		}
	}
	return setup, nil
}

// DecryptContactShard opens a shard issued to contactEmail under recoveryID. A
// shard issued to anyone else, or for another setup, does not open.
func (e *SocialEngine) DecryptContactShard(recoveryID, contactEmail string, encryptedShard []byte) ([]byte, error) {
	frame, err := e.keyring.DecryptDerived([]byte(recoveryID), shardInfo(contactEmail), encryptedShard)
	if err != nil {
		return nil, fmt.Errorf("%w: shard does not belong to this contact", interfaces.ErrNotAuthorizedForRequest)
	}
	if len(frame) <= shardHeader || frame[0] != shardVersion {
		cryptoutils.Wipe(frame)
		return nil, fmt.Errorf("%w: malformed shard", interfaces.ErrInvalidArgument)
	}
	return frame, nil
}

// Reconstruct combines decrypted shard frames, in any order, into the seed.
// Fewer than threshold distinct shares, or shares from different setups, yield
// ErrInsufficientShards.
func (e *SocialEngine) Reconstruct(frames [][]byte) ([]byte, error) {
	if len(frames) == 0 || len(frames[0]) <= shardHeader {
		return nil, interfaces.ErrInsufficientShards
	}

	threshold := int(frames[0][1])
	unique := make(map[byte][]byte, len(frames))
	for _, frame := range frames {
		if len(frame) <= shardHeader || frame[0] != shardVersion || int(frame[1]) != threshold {
			return nil, interfaces.ErrInsufficientShards
		}
		share := frame[shardHeader:]
		unique[share[len(share)-1]] = share
	}
	if threshold < MinThreshold || len(unique) < threshold {
		return nil, interfaces.ErrInsufficientShards
	}

	parts := make([][]byte, 0, len(unique))
	for _, share := range unique {
		parts = append(parts, share)
	}
	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, interfaces.ErrInsufficientShards
	}
	defer cryptoutils.Wipe(secret)

	seed, ok := verifyCheck(secret)
	if !ok {
		return nil, interfaces.ErrInsufficientShards
	}
	return seed, nil
}

func (e *SocialEngine) validate(contacts []Contact, threshold int) error {
	n := len(contacts)
	if n < e.minContacts {
		return fmt.Errorf("%w: at least %d contacts are required", interfaces.ErrInvalidArgument, e.minContacts)
	}
	if n > MaxShares {
		return fmt.Errorf("%w: at most %d contacts are supported", interfaces.ErrInvalidArgument, MaxShares)
	}
	if threshold < MinThreshold || threshold > n {
		return fmt.Errorf("%w: threshold must be between %d and %d", interfaces.ErrInvalidArgument, MinThreshold, n)
	}

	seen := make(map[string]struct{}, n)
	for _, c := range contacts {
		email := normalizeEmail(c.Email)
		if _, err := mail.ParseAddress(email); err != nil {
			return fmt.Errorf("%w: invalid contact email %q", interfaces.ErrInvalidArgument, c.Email)
		}
		if _, dup := seen[email]; dup {
			return fmt.Errorf("%w: duplicate contact %q", interfaces.ErrInvalidArgument, c.Email)
		}
		seen[email] = struct{}{}
	}
	return nil
}

func withCheck(seed []byte) []byte {
	sum := sha256.Sum256(seed)
	secret := make([]byte, 0, len(seed)+checkSize)
	secret = append(secret, seed...)
	return append(secret, sum[:checkSize]...)
}

func verifyCheck(secret []byte) ([]byte, bool) {
	if len(secret) <= checkSize {
		return nil, false
	}
	seed := secret[:len(secret)-checkSize]
	sum := sha256.Sum256(seed)
	if !cryptoutils.ConstantTimeEqual(sum[:checkSize], secret[len(secret)-checkSize:]) {
		return nil, false
	}
	return append([]byte(nil), seed...), true
}

func shardInfo(email string) string {
	return "recovery-shard:v1:" + normalizeEmail(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
