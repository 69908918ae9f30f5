package recovery

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

const (
	backupKeySize      = 32
	backupKeyGroupSize = 4
	hardwareKeyInfo    = "hardware-backup-key:v1"
	hardwareSeedAAD    = "hardware-seed:v1"
)

var backupKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// BackupKey is a freshly generated hardware backup key. Display is what the
// user stores (on paper or a hardware token); it is shown once and never kept.
type BackupKey struct {
	Display  string
	KeyBytes []byte
	KeyHash  string
}

// GenerateBackupKey creates 32 random bytes rendered as grouped base32.
func GenerateBackupKey() (*BackupKey, error) {
	keyBytes, err := cryptoutils.RandomBytes(backupKeySize)
	if err != nil {
		return nil, err
	}
	return &BackupKey{
		Display:  formatBackupKey(keyBytes),
		KeyBytes: keyBytes,
		KeyHash:  hashBackupKey(keyBytes),
	}, nil
}

// ParseBackupKey accepts the displayed form with any grouping, spacing or case.
func ParseBackupKey(display string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToUpper(display))

	keyBytes, err := backupKeyEncoding.DecodeString(cleaned)
	if err != nil || len(keyBytes) != backupKeySize {
		return nil, interfaces.ErrInvalidBackupKey
	}
	return keyBytes, nil
}

// SetupHardware wraps seed under a key derived from the backup key bytes.
func SetupHardware(seed, keyBytes []byte) (*interfaces.HardwareConfig, error) {
	if len(keyBytes) != backupKeySize {
		return nil, fmt.Errorf("%w: backup key must be %d bytes", interfaces.ErrInvalidArgument, backupKeySize)
	}
	wrapKey, err := cryptoutils.SubKey(keyBytes, nil, hardwareKeyInfo)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(wrapKey)

	sealed, err := cryptoutils.Seal(wrapKey, seed, []byte(hardwareSeedAAD))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap seed: %w", err)
	}
	return &interfaces.HardwareConfig{
		KeyHash:       hashBackupKey(keyBytes),
		EncryptedSeed: sealed,
	}, nil
}

// RecoverHardware unwraps the seed with a displayed backup key. The hash
// comparison and the decryption both always run, and any mismatch yields
// ErrInvalidBackupKey.
func RecoverHardware(backupKey string, cfg *interfaces.HardwareConfig) ([]byte, error) {
	keyBytes, err := ParseBackupKey(backupKey)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(keyBytes)

	hashOK := cryptoutils.ConstantTimeEqualString(hashBackupKey(keyBytes), cfg.KeyHash)

	wrapKey, err := cryptoutils.SubKey(keyBytes, nil, hardwareKeyInfo)
	if err != nil {
		return nil, interfaces.ErrInvalidBackupKey
	}
	defer cryptoutils.Wipe(wrapKey)

	seed, openErr := cryptoutils.Open(wrapKey, cfg.EncryptedSeed, []byte(hardwareSeedAAD))
	if !hashOK || openErr != nil {
		cryptoutils.Wipe(seed)
		return nil, interfaces.ErrInvalidBackupKey
	}
	return seed, nil
}

func hashBackupKey(keyBytes []byte) string {
	sum := sha256.Sum256(keyBytes)
	return hex.EncodeToString(sum[:])
}

func formatBackupKey(keyBytes []byte) string {
	encoded := backupKeyEncoding.EncodeToString(keyBytes)
	groups := make([]string, 0, len(encoded)/backupKeyGroupSize+1)
	for i := 0; i < len(encoded); i += backupKeyGroupSize {
		end := min(i+backupKeyGroupSize, len(encoded))
		groups = append(groups, encoded[i:end])
	}
	return strings.Join(groups, "-")
}
