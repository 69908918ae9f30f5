package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// SeedSize is the length of a vault's root secret.
const SeedSize = 32

// Additional data and HKDF labels bound into every vault ciphertext.
const (
	seedAAD        = "vault-seed:v1"
	dataAAD        = "vault-data:v1"
	dataKeyInfo    = "vault-data-key:v1"
	fingerprintTag = "vault-fingerprint:v1"
)

// ErrCorruptVault is returned when the wrapped seed opens but the data payload
// does not. It indicates storage corruption, not a wrong credential.
var ErrCorruptVault = errors.New("vault payload does not match its seed")

// Core owns the password -> seed -> data encryption chain of a single vault.
//
// The password is stretched with Argon2id into a key-encryption key (KEK) that
// wraps the seed. The data payload is sealed under an HKDF key derived from the
// seed, so recovering the seed is sufficient to read the data. Core never
// mutates its inputs: every operation returns a new vault value, and a failed
// operation returns nothing to persist.
type Core struct {
	params cryptoutils.KDFParams
}

// NewCore creates a vault core using params for newly wrapped seeds. The salt
// in params is ignored; a fresh salt is drawn for every wrap.
func NewCore(params cryptoutils.KDFParams) *Core {
	return &Core{params: params}
}

// Setup creates a vault around a fresh random seed and returns it together
// with the recovery phrase encoding the seed. The phrase is shown once.
func (c *Core) Setup(password, data []byte) (*interfaces.Vault, string, error) {
	seed, err := cryptoutils.RandomBytes(SeedSize)
	if err != nil {
		return nil, "", err
	}
	defer cryptoutils.Wipe(seed)

	phrase, err := SeedToPhrase(seed)
	if err != nil {
		return nil, "", err
	}

	v, err := c.CreateWithExistingSeed(password, data, seed)
	if err != nil {
		return nil, "", err
	}
	return v, phrase, nil
}

// CreateWithExistingSeed wraps an existing seed under a new password. Recovery
// flows use it to restore access without changing the seed, so identifiers
// derived from the seed stay stable.
func (c *Core) CreateWithExistingSeed(password, data, seed []byte) (*interfaces.Vault, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: password is required", interfaces.ErrInvalidArgument)
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", interfaces.ErrInvalidArgument, SeedSize)
	}

	params, err := c.params.WithFreshSalt()
	if err != nil {
		return nil, err
	}
	kek, err := cryptoutils.DeriveKey(password, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer cryptoutils.Wipe(kek)

	return sealVault(kek, params, seed, data)
}

// Unlock returns the vault data. A wrong password yields ErrInvalidPassword.
func (c *Core) Unlock(v *interfaces.Vault, password []byte) ([]byte, error) {
	data, rawKey, err := c.UnlockWithKey(v, password)
	if err != nil {
		return nil, err
	}
	cryptoutils.Wipe(rawKey)
	return data, nil
}

// UnlockWithKey returns the vault data and the raw unlock key (the KEK), which
// a session can hold to repeat operations without the password. The caller
// owns the returned key and should wipe it when done.
func (c *Core) UnlockWithKey(v *interfaces.Vault, password []byte) ([]byte, []byte, error) {
	kek, err := deriveKEK(v, password)
	if err != nil {
		return nil, nil, err
	}

	data, err := c.UnlockWithRawKey(v, kek)
	if err != nil {
		cryptoutils.Wipe(kek)
		if errors.Is(err, cryptoutils.ErrDecrypt) {
			return nil, nil, interfaces.ErrInvalidPassword
		}
		return nil, nil, err
	}
	return data, kek, nil
}

// UnlockWithRawKey opens the vault with a key previously returned by
// UnlockWithKey.
func (c *Core) UnlockWithRawKey(v *interfaces.Vault, rawKey []byte) ([]byte, error) {
	seed, err := openSeed(v, rawKey)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(seed)
	return openData(v, seed)
}

// OpenWithSeed reads the data payload using only the seed. Every recovery path
// goes through here. A seed that does not match yields cryptoutils.ErrDecrypt.
func (c *Core) OpenWithSeed(v *interfaces.Vault, seed []byte) ([]byte, error) {
	if v == nil || len(seed) != SeedSize {
		return nil, cryptoutils.ErrDecrypt
	}
	return openPayload(v, seed)
}

// ExtractSeed returns the seed after verifying the password. Used when a
// recovery method is configured.
func (c *Core) ExtractSeed(v *interfaces.Vault, password []byte) ([]byte, error) {
	kek, err := deriveKEK(v, password)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(kek)

	seed, err := openSeed(v, kek)
	if err != nil {
		return nil, interfaces.ErrInvalidPassword
	}
	if _, err := openData(v, seed); err != nil {
		cryptoutils.Wipe(seed)
		return nil, err
	}
	return seed, nil
}

// ChangePassword rewraps the seed under a new password with a new salt. The
// seed and data are unchanged; both ciphertexts get fresh nonces.
func (c *Core) ChangePassword(v *interfaces.Vault, oldPassword, newPassword []byte) (*interfaces.Vault, error) {
	seed, err := c.ExtractSeed(v, oldPassword)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(seed)

	data, err := openData(v, seed)
	if err != nil {
		return nil, err
	}
	return c.CreateWithExistingSeed(newPassword, data, seed)
}

// UpdateData replaces the vault data after verifying the password.
func (c *Core) UpdateData(v *interfaces.Vault, password, newData []byte) (*interfaces.Vault, error) {
	kek, err := deriveKEK(v, password)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(kek)

	updated, err := c.UpdateDataWithKey(v, kek, newData)
	if errors.Is(err, cryptoutils.ErrDecrypt) {
		return nil, interfaces.ErrInvalidPassword
	}
	return updated, err
}

// UpdateDataWithKey replaces the vault data using a session's raw key. The
// KDF parameters are kept so the same key keeps working; both ciphertexts are
// resealed under fresh nonces.
func (c *Core) UpdateDataWithKey(v *interfaces.Vault, rawKey, newData []byte) (*interfaces.Vault, error) {
	seed, err := openSeed(v, rawKey)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(seed)

	if _, err := openData(v, seed); err != nil {
		return nil, err
	}
	return sealVault(rawKey, v.KDF, seed, newData)
}

// RecoverWithPhrase rewraps the seed encoded by phrase under newPassword. The
// returned seed belongs to the caller.
func (c *Core) RecoverWithPhrase(v *interfaces.Vault, phrase string, newPassword []byte) (*interfaces.Vault, []byte, error) {
	seed, err := PhraseToSeed(phrase)
	if err != nil {
		return nil, nil, err
	}

	data, err := c.OpenWithSeed(v, seed)
	if err != nil {
		cryptoutils.Wipe(seed)
		return nil, nil, interfaces.ErrInvalidRecoveryPhrase
	}

	recovered, err := c.CreateWithExistingSeed(newPassword, data, seed)
	if err != nil {
		cryptoutils.Wipe(seed)
		return nil, nil, err
	}
	return recovered, seed, nil
}

// SeedFingerprint is a stable public identifier derived from the seed. It
// survives password changes and every recovery path.
func SeedFingerprint(seed []byte) (string, error) {
	key, err := cryptoutils.SubKey(seed, nil, fingerprintTag)
	if err != nil {
		return "", err
	}
	defer cryptoutils.Wipe(key)
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:16]), nil
}

// equalizeTiming spends the cost of one key derivation so that a lookup miss
// is indistinguishable from a wrong password.
func (c *Core) equalizeTiming(password []byte) {
	params := c.params
	params.Salt = make([]byte, 16)
	if key, err := cryptoutils.DeriveKey(password, params); err == nil {
		cryptoutils.Wipe(key)
	}
}

func deriveKEK(v *interfaces.Vault, password []byte) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: vault is required", interfaces.ErrInvalidArgument)
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}
	kek, err := cryptoutils.DeriveKey(password, v.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return kek, nil
}

func sealVault(kek []byte, params cryptoutils.KDFParams, seed, data []byte) (*interfaces.Vault, error) {
	wrapped, err := cryptoutils.Seal(kek, seed, []byte(seedAAD))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap seed: %w", err)
	}

	dataKey, err := cryptoutils.SubKey(seed, nil, dataKeyInfo)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(dataKey)

	payload, err := cryptoutils.Seal(dataKey, data, []byte(dataAAD))
	if err != nil {
		return nil, fmt.Errorf("failed to seal vault data: %w", err)
	}

	params.Salt = append([]byte(nil), params.Salt...)
	return &interfaces.Vault{
		Version:     interfaces.VaultVersion,
		WrappedSeed: wrapped,
		KDF:         params,
		Recovery:    interfaces.NewVaultRecovery(payload),
	}, nil
}

// openSeed unwraps the seed. Any failure is reported as cryptoutils.ErrDecrypt.
func openSeed(v *interfaces.Vault, kek []byte) ([]byte, error) {
	seed, err := cryptoutils.Open(kek, v.WrappedSeed, []byte(seedAAD))
	if err != nil {
		return nil, cryptoutils.ErrDecrypt
	}
	if len(seed) != SeedSize {
		cryptoutils.Wipe(seed)
		return nil, cryptoutils.ErrDecrypt
	}
	return seed, nil
}

// openData opens the payload with a seed that was already authenticated by the
// wrapping key, so a failure here means corruption.
func openData(v *interfaces.Vault, seed []byte) ([]byte, error) {
	data, err := openPayload(v, seed)
	if err != nil {
		return nil, ErrCorruptVault
	}
	return data, nil
}

func openPayload(v *interfaces.Vault, seed []byte) ([]byte, error) {
	dataKey, err := cryptoutils.SubKey(seed, nil, dataKeyInfo)
	if err != nil {
		return nil, cryptoutils.ErrDecrypt
	}
	defer cryptoutils.Wipe(dataKey)
	return cryptoutils.Open(dataKey, v.Recovery.Sealed(), []byte(dataAAD))
}
