package vault

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKDFParams keeps Argon2id cheap enough for unit tests.
var testKDFParams = cryptoutils.KDFParams{
	Algorithm: cryptoutils.KDFArgon2id,
	Time:      1,
	MemoryKiB: 8 * 1024,
	Threads:   1,
	KeyLen:    cryptoutils.KeySize,
}

func newTestCore() *Core {
	return NewCore(testKDFParams)
}

func TestCore_SetupUnlockRoundTrip(t *testing.T) {
	core := newTestCore()

	tests := []struct {
		name     string
		password string
		data     []byte
	}{
		{"api credentials", "correct horse battery staple", []byte(`{"openai":"sk-123"}`)},
		{"empty data", "pw", []byte{}},
		{"binary data", "päßwörd", bytes.Repeat([]byte{0x00, 0xff}, 512)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, phrase, err := core.Setup([]byte(tt.password), tt.data)
			require.NoError(t, err)
			require.NoError(t, v.Validate())
			assert.Len(t, strings.Fields(phrase), 24, "Recovery phrase should have 24 words")

			data, err := core.Unlock(v, []byte(tt.password))
			require.NoError(t, err)
			assert.Equal(t, tt.data, data)
		})
	}
}

func TestCore_WrongPassword(t *testing.T) {
	core := newTestCore()
	v, _, err := core.Setup([]byte("right"), []byte("secret"))
	require.NoError(t, err)
	before, err := v.Marshal()
	require.NoError(t, err)

	_, err = core.Unlock(v, []byte("wrong"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	_, err = core.ChangePassword(v, []byte("wrong"), []byte("new"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	_, err = core.UpdateData(v, []byte("wrong"), []byte("other"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	_, err = core.ExtractSeed(v, []byte("wrong"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	after, err := v.Marshal()
	require.NoError(t, err)
	assert.Equal(t, before, after, "Failed operations must not mutate the vault")
}

func TestCore_UnlockWithKey(t *testing.T) {
	core := newTestCore()
	v, _, err := core.Setup([]byte("pw"), []byte("data"))
	require.NoError(t, err)

	data, rawKey, err := core.UnlockWithKey(v, []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
	assert.Len(t, rawKey, cryptoutils.KeySize)

	data, err = core.UnlockWithRawKey(v, rawKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	updated, err := core.UpdateDataWithKey(v, rawKey, []byte("new data"))
	require.NoError(t, err)
	data, err = core.UnlockWithRawKey(updated, rawKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("new data"), data, "The raw key must keep working after an update")

	_, err = core.UnlockWithRawKey(v, make([]byte, cryptoutils.KeySize))
	assert.ErrorIs(t, err, cryptoutils.ErrDecrypt)
}

func TestCore_ChangePasswordKeepsSeed(t *testing.T) {
	core := newTestCore()
	v, phrase, err := core.Setup([]byte("old"), []byte("payload"))
	require.NoError(t, err)
	seedBefore, err := core.ExtractSeed(v, []byte("old"))
	require.NoError(t, err)

	changed, err := core.ChangePassword(v, []byte("old"), []byte("new"))
	require.NoError(t, err)

	assert.NotEqual(t, v.KDF.Salt, changed.KDF.Salt, "A password change should use a new salt")
	assert.NotEqual(t, v.WrappedSeed.Nonce, changed.WrappedSeed.Nonce)
	assert.NotEqual(t, v.Recovery.VaultNonce, changed.Recovery.VaultNonce)

	_, err = core.Unlock(changed, []byte("old"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)
	data, err := core.Unlock(changed, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	seedAfter, err := core.ExtractSeed(changed, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, seedBefore, seedAfter, "Changing a password must never change the seed")

	phraseSeed, err := PhraseToSeed(phrase)
	require.NoError(t, err)
	assert.Equal(t, seedBefore, phraseSeed)
}

func TestCore_UpdateDataFreshNonces(t *testing.T) {
	core := newTestCore()
	v, _, err := core.Setup([]byte("pw"), []byte("one"))
	require.NoError(t, err)

	updated, err := core.UpdateData(v, []byte("pw"), []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, v.WrappedSeed.Nonce, updated.WrappedSeed.Nonce)
	assert.NotEqual(t, v.Recovery.VaultNonce, updated.Recovery.VaultNonce)

	data, err := core.Unlock(updated, []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestCore_CreateWithExistingSeed(t *testing.T) {
	core := newTestCore()
	v, _, err := core.Setup([]byte("pw"), []byte("payload"))
	require.NoError(t, err)
	seed, err := core.ExtractSeed(v, []byte("pw"))
	require.NoError(t, err)

	before, err := core.OpenWithSeed(v, seed)
	require.NoError(t, err)

	recovered, err := core.CreateWithExistingSeed([]byte("fresh"), before, seed)
	require.NoError(t, err)

	after, err := core.OpenWithSeed(recovered, seed)
	require.NoError(t, err)
	assert.Equal(t, before, after, "Recovery must decrypt the same payload under the same seed")

	fpBefore, err := SeedFingerprint(seed)
	require.NoError(t, err)
	recoveredSeed, err := core.ExtractSeed(recovered, []byte("fresh"))
	require.NoError(t, err)
	fpAfter, err := SeedFingerprint(recoveredSeed)
	require.NoError(t, err)
	assert.Equal(t, fpBefore, fpAfter)

	t.Run("invalid inputs", func(t *testing.T) {
		_, err := core.CreateWithExistingSeed(nil, []byte("x"), seed)
		assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
		_, err = core.CreateWithExistingSeed([]byte("pw"), []byte("x"), seed[:16])
		assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	})

	t.Run("wrong seed", func(t *testing.T) {
		_, err := core.OpenWithSeed(v, make([]byte, SeedSize))
		assert.ErrorIs(t, err, cryptoutils.ErrDecrypt)
	})
}

func TestCore_RecoverWithPhrase(t *testing.T) {
	core := newTestCore()
	v, phrase, err := core.Setup([]byte("forgotten"), []byte("payload"))
	require.NoError(t, err)

	recovered, seed, err := core.RecoverWithPhrase(v, "  "+strings.ToUpper(phrase)+"\n", []byte("new"))
	require.NoError(t, err)
	assert.Len(t, seed, SeedSize)

	data, err := core.Unlock(recovered, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	t.Run("phrase of another vault", func(t *testing.T) {
		_, otherPhrase, err := core.Setup([]byte("x"), []byte("y"))
		require.NoError(t, err)
		_, _, err = core.RecoverWithPhrase(v, otherPhrase, []byte("new"))
		assert.ErrorIs(t, err, interfaces.ErrInvalidRecoveryPhrase)
	})

	t.Run("malformed phrase", func(t *testing.T) {
		words := strings.Fields(phrase)
		words[0], words[1] = words[1], words[0]
		_, _, err := core.RecoverWithPhrase(v, strings.Join(words[:23], " "), []byte("new"))
		assert.ErrorIs(t, err, interfaces.ErrInvalidRecoveryPhrase)
	})
}

func TestCore_ExportParse(t *testing.T) {
	core := newTestCore()
	v, _, err := core.Setup([]byte("pw"), []byte("payload"))
	require.NoError(t, err)

	blob, err := core.Export(v)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "payload", "Backups must stay encrypted")

	parsed, err := ParseExport(blob)
	require.NoError(t, err)
	data, err := core.Unlock(parsed, []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	tampered := bytes.Replace(blob, []byte(`"version":1`), []byte(`"version":2`), 1)
	_, err = ParseExport(tampered)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = ParseExport([]byte(`{"format":"something-else"}`))
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = ParseExport([]byte("not json"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}
