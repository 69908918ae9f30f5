package cryptoutils

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KDFArgon2id identifies the only supported password KDF.
const KDFArgon2id = "argon2id"

// KDFParams records how a password-derived key was produced so that it can be
// re-derived on unlock. Stored alongside the wrapped seed.
type KDFParams struct {
	Algorithm string `json:"algorithm"`
	Salt      []byte `json:"salt"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
	KeyLen    uint32 `json:"key_len"`
}

// DefaultKDFParams are the Argon2id cost parameters for new vaults: t=3,
// m=64MiB, p=4.
var DefaultKDFParams = KDFParams{
	Algorithm: KDFArgon2id,
	Time:      3,
	MemoryKiB: 64 * 1024,
	Threads:   4,
	KeyLen:    KeySize,
}

// WithFreshSalt returns a copy of p carrying a new random 16-byte salt.
func (p KDFParams) WithFreshSalt() (KDFParams, error) {
	salt, err := RandomBytes(16)
	if err != nil {
		return KDFParams{}, err
	}
	p.Salt = salt
	return p, nil
}

// Validate rejects parameter sets that are unsupported or would make the
// derivation unbounded.
func (p KDFParams) Validate() error {
	if p.Algorithm != KDFArgon2id {
		return fmt.Errorf("unsupported kdf %q", p.Algorithm)
	}
	if len(p.Salt) < 16 {
		return errors.New("kdf salt too short")
	}
	if p.Time == 0 || p.Time > 16 {
		return fmt.Errorf("kdf time %d out of range", p.Time)
	}
	if p.MemoryKiB < 8*1024 || p.MemoryKiB > 1024*1024 {
		return fmt.Errorf("kdf memory %d KiB out of range", p.MemoryKiB)
	}
	if p.Threads == 0 || p.KeyLen != KeySize {
		return errors.New("invalid kdf threads or key length")
	}
	return nil
}

// DeriveKey runs Argon2id over password with the recorded parameters.
func DeriveKey(password []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(password, p.Salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen), nil
}

// SubKey derives a 32-byte purpose-bound key from ikm with HKDF-SHA256.
func SubKey(ikm, salt []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive sub key: %w", err)
	}
	return key, nil
}
