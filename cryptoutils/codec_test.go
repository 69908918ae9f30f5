package cryptoutils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("api credentials"), []byte("aad"))
	require.NoError(t, err)
	assert.Len(t, sealed.Nonce, NonceSize)
	assert.Len(t, sealed.Tag, TagSize)
	assert.Len(t, sealed.Ciphertext, len("api credentials"))

	plaintext, err := Open(key, sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("api credentials"), plaintext)

	t.Run("fresh nonce per call", func(t *testing.T) {
		again, err := Seal(key, []byte("api credentials"), []byte("aad"))
		require.NoError(t, err)
		assert.NotEqual(t, sealed.Nonce, again.Nonce)
		assert.NotEqual(t, sealed.Ciphertext, again.Ciphertext)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := RandomBytes(KeySize)
		require.NoError(t, err)
		_, err = Open(other, sealed, []byte("aad"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("wrong additional data", func(t *testing.T) {
		_, err := Open(key, sealed, []byte("other"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("tampered tag", func(t *testing.T) {
		tampered := sealed
		tampered.Tag = append([]byte(nil), sealed.Tag...)
		tampered.Tag[0] ^= 0x01
		_, err := Open(key, tampered, []byte("aad"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("truncated nonce", func(t *testing.T) {
		tampered := sealed
		tampered.Nonce = sealed.Nonce[:4]
		_, err := Open(key, tampered, []byte("aad"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("short key", func(t *testing.T) {
		_, err := Seal(key[:16], []byte("x"), nil)
		assert.Error(t, err)
		_, err = Open(key[:16], sealed, nil)
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestSealedPacking(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)

	sealed, err := Seal(key, []byte{}, nil)
	require.NoError(t, err)
	assert.False(t, sealed.IsZero())
	assert.True(t, Sealed{}.IsZero())

	unpacked, err := Unpack(sealed.Bytes())
	require.NoError(t, err)
	plaintext, err := Open(key, unpacked, nil)
	require.NoError(t, err)
	assert.Empty(t, plaintext)

	_, err = Unpack(make([]byte, NonceSize+TagSize-1))
	assert.ErrorIs(t, err, ErrDecrypt)

	// Byte fields are base64 in JSON.
	encoded, err := json.Marshal(sealed)
	require.NoError(t, err)
	var decoded Sealed
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, sealed, decoded)
}

func TestDeriveKey(t *testing.T) {
	params, err := DefaultKDFParams.WithFreshSalt()
	require.NoError(t, err)
	// Keep the test fast.
	params.MemoryKiB = 8 * 1024
	params.Time = 1

	k1, err := DeriveKey([]byte("correct horse"), params)
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("correct horse"), params)
	require.NoError(t, err)
	k3, err := DeriveKey([]byte("wrong horse"), params)
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	other, err := params.WithFreshSalt()
	require.NoError(t, err)
	k4, err := DeriveKey([]byte("correct horse"), other)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestKDFParamsValidate(t *testing.T) {
	valid, err := DefaultKDFParams.WithFreshSalt()
	require.NoError(t, err)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *KDFParams)
	}{
		{"unknown algorithm", func(p *KDFParams) { p.Algorithm = "scrypt" }},
		{"short salt", func(p *KDFParams) { p.Salt = p.Salt[:8] }},
		{"zero time", func(p *KDFParams) { p.Time = 0 }},
		{"excessive memory", func(p *KDFParams) { p.MemoryKiB = 4 * 1024 * 1024 }},
		{"zero threads", func(p *KDFParams) { p.Threads = 0 }},
		{"wrong key length", func(p *KDFParams) { p.KeyLen = 16 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			p.Salt = append([]byte(nil), valid.Salt...)
			tt.mutate(&p)
			assert.Error(t, p.Validate())
			_, err := DeriveKey([]byte("pw"), p)
			assert.Error(t, err)
		})
	}
}

func TestSubKey(t *testing.T) {
	ikm := []byte("0123456789abcdef0123456789abcdef")
	a, err := SubKey(ikm, []byte("salt"), "alice@example.com")
	require.NoError(t, err)
	b, err := SubKey(ikm, []byte("salt"), "bob@example.com")
	require.NoError(t, err)
	a2, err := SubKey(ikm, []byte("salt"), "alice@example.com")
	require.NoError(t, err)

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, a2)
	assert.NotEqual(t, a, b)
}

func TestTokens(t *testing.T) {
	t1, err := NewOpaqueToken()
	require.NoError(t, err)
	t2, err := NewOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
	assert.Len(t, t1, 43)

	assert.Equal(t, HashToken(t1), HashToken(t1))
	assert.NotEqual(t, HashToken(t1), HashToken(t2))
	assert.Len(t, HashToken(t1), 64)

	assert.True(t, ConstantTimeEqualString(t1, t1))
	assert.False(t, ConstantTimeEqualString(t1, t2))
	assert.False(t, ConstantTimeEqual([]byte("a"), []byte("ab")))

	buf := []byte{1, 2, 3}
	Wipe(buf)
	assert.Equal(t, []byte{0, 0, 0}, buf)
}
