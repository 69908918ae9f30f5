package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length used by every sealed triple.
	KeySize = 32
	// NonceSize is the standard 96-bit GCM nonce.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// ErrDecrypt is returned for any failure to open a sealed triple. It never
// carries the underlying reason.
var ErrDecrypt = errors.New("decryption failed")

// Sealed is an authenticated ciphertext split into its nonce, tag and body,
// matching the persisted {nonce, tag, ciphertext} layout.
type Sealed struct {
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"ciphertext"`
}

// IsZero reports whether the triple is empty.
func (s Sealed) IsZero() bool {
	return len(s.Nonce) == 0 && len(s.Tag) == 0 && len(s.Ciphertext) == 0
}

// Bytes packs the triple as nonce||ciphertext||tag, the layout Open accepts back
// through Unpack.
func (s Sealed) Bytes() []byte {
	out := make([]byte, 0, len(s.Nonce)+len(s.Ciphertext)+len(s.Tag))
	out = append(out, s.Nonce...)
	out = append(out, s.Ciphertext...)
	return append(out, s.Tag...)
}

// Unpack splits a packed nonce||ciphertext||tag blob.
func Unpack(blob []byte) (Sealed, error) {
	if len(blob) < NonceSize+TagSize {
		return Sealed{}, ErrDecrypt
	}
	return Sealed{
		Nonce:      append([]byte(nil), blob[:NonceSize]...),
		Ciphertext: append([]byte(nil), blob[NonceSize:len(blob)-TagSize]...),
		Tag:        append([]byte(nil), blob[len(blob)-TagSize:]...),
	}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, expected %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// Seal encrypts plaintext under key with a freshly generated nonce. The
// additional data is authenticated but not encrypted.
func Seal(key, plaintext, additionalData []byte) (Sealed, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := aesGCM.Seal(nil, nonce, plaintext, additionalData)
	split := len(out) - TagSize
	return Sealed{
		Nonce:      nonce,
		Tag:        out[split:],
		Ciphertext: out[:split],
	}, nil
}

// Open authenticates and decrypts a sealed triple. Wrong keys, tampered
// fields and malformed triples all yield ErrDecrypt.
func Open(key []byte, sealed Sealed, additionalData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(sealed.Nonce) != NonceSize || len(sealed.Tag) != TagSize {
		return nil, ErrDecrypt
	}

	buf := make([]byte, 0, len(sealed.Ciphertext)+TagSize)
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.Tag...)

	plaintext, err := aesGCM.Open(nil, sealed.Nonce, buf, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
