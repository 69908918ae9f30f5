package recovery

import (
	"strings"
	"testing"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupKey_Format(t *testing.T) {
	key, err := GenerateBackupKey()
	require.NoError(t, err)
	assert.Len(t, key.KeyBytes, 32)
	assert.Len(t, key.KeyHash, 64)

	groups := strings.Split(key.Display, "-")
	assert.Len(t, groups, 13)
	for _, g := range groups[:12] {
		assert.Len(t, g, 4)
	}

	parsed, err := ParseBackupKey(strings.ToLower(strings.ReplaceAll(key.Display, "-", " ")))
	require.NoError(t, err)
	assert.Equal(t, key.KeyBytes, parsed)

	_, err = ParseBackupKey("AAAA-BBBB")
	assert.ErrorIs(t, err, interfaces.ErrInvalidBackupKey)
	_, err = ParseBackupKey("not base32 !!")
	assert.ErrorIs(t, err, interfaces.ErrInvalidBackupKey)
}

func TestHardware_SetupRecover(t *testing.T) {
	seed, err := cryptoutils.RandomBytes(32)
	require.NoError(t, err)
	key, err := GenerateBackupKey()
	require.NoError(t, err)

	cfg, err := SetupHardware(seed, key.KeyBytes)
	require.NoError(t, err)
	assert.Equal(t, key.KeyHash, cfg.KeyHash)

	got, err := RecoverHardware(key.Display, cfg)
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	other, err := GenerateBackupKey()
	require.NoError(t, err)
	_, err = RecoverHardware(other.Display, cfg)
	assert.ErrorIs(t, err, interfaces.ErrInvalidBackupKey)

	t.Run("hash mismatch alone fails", func(t *testing.T) {
		tampered := *cfg
		tampered.KeyHash = other.KeyHash
		_, err := RecoverHardware(key.Display, &tampered)
		assert.ErrorIs(t, err, interfaces.ErrInvalidBackupKey)
	})

	t.Run("ciphertext mismatch alone fails", func(t *testing.T) {
		tampered := *cfg
		tampered.EncryptedSeed.Ciphertext = append([]byte(nil), cfg.EncryptedSeed.Ciphertext...)
		tampered.EncryptedSeed.Ciphertext[0] ^= 0xff
		_, err := RecoverHardware(key.Display, &tampered)
		assert.ErrorIs(t, err, interfaces.ErrInvalidBackupKey)
	})

	_, err = SetupHardware(seed, key.KeyBytes[:16])
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestHardware_DecoyConfigNeverOpens(t *testing.T) {
	decoy := decoyHardwareConfig()
	require.NotEmpty(t, decoy.KeyHash)
	require.Len(t, decoy.EncryptedSeed.Nonce, cryptoutils.NonceSize, "The miss path must run a full decryption")
	assert.Same(t, decoy, decoyHardwareConfig())

	for i := 0; i < 4; i++ {
		key, err := GenerateBackupKey()
		require.NoError(t, err)
		_, err = RecoverHardware(key.Display, decoy)
		assert.ErrorIs(t, err, interfaces.ErrInvalidBackupKey)
	}
}
