package cryptoutils

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Keyring holds the server-side keys that protect data at rest which must not
// depend on any user secret: recovery method configs, collected shards, session
// copies in external stores and group session key copies.
//
// The primary key encrypts; every key in the ring may decrypt, which allows rotation.
type Keyring struct {
	primaryID string
	keys      map[string][]byte
}

// keyringEnvelope is the serialized form of a keyring ciphertext.
type keyringEnvelope struct {
	KeyID  string `json:"kid"`
	Sealed Sealed `json:"sealed"`
}

// NewKeyring creates a keyring with a single primary key.
func NewKeyring(keyID string, key []byte) (*Keyring, error) {
	if keyID == "" {
		return nil, errors.New("key id is required")
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("server key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Keyring{
		primaryID: keyID,
		keys:      map[string][]byte{keyID: append([]byte(nil), key...)},
	}, nil
}

// NewRandomKeyring creates a keyring around a freshly generated key. Ciphertexts
// do not survive a restart; meant for development and tests.
func NewRandomKeyring() (*Keyring, error) {
	key, err := RandomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	return NewKeyring("ephemeral", key)
}

// ParseKeyring parses a comma-separated list of "id:key" entries. The first entry
// is the primary. Keys may be hex or standard base64 encoded.
func ParseKeyring(value string) (*Keyring, error) {
	var kr *Keyring
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, encoded, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("keyring entry %q is not in id:key form", id)
		}
		key, err := decodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("keyring entry %q: %w", id, err)
		}
		if kr == nil {
			if kr, err = NewKeyring(id, key); err != nil {
				return nil, err
			}
			continue
		}
		if err := kr.AddKey(id, key); err != nil {
			return nil, err
		}
	}
	if kr == nil {
		return nil, errors.New("empty keyring")
	}
	return kr, nil
}

func decodeKey(encoded string) ([]byte, error) {
	if key, err := hex.DecodeString(encoded); err == nil && len(key) == KeySize {
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes in hex or base64", KeySize)
	}
	return key, nil
}

// AddKey registers a decrypt-only key.
func (k *Keyring) AddKey(keyID string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("server key must be %d bytes, got %d", KeySize, len(key))
	}
	if _, exists := k.keys[keyID]; exists {
		return fmt.Errorf("duplicate key id %q", keyID)
	}
	k.keys[keyID] = append([]byte(nil), key...)
	return nil
}

// PrimaryID returns the id of the key used for new ciphertexts.
func (k *Keyring) PrimaryID() string {
	return k.primaryID
}

// Encrypt seals plaintext under the primary key. The purpose string is bound as
// additional data so a ciphertext cannot be replayed into a different slot.
func (k *Keyring) Encrypt(purpose string, plaintext []byte) ([]byte, error) {
	sealed, err := Seal(k.keys[k.primaryID], plaintext, k.aad(k.primaryID, purpose))
	if err != nil {
		return nil, err
	}
	return json.Marshal(keyringEnvelope{KeyID: k.primaryID, Sealed: sealed})
}

// Decrypt opens a ciphertext produced by Encrypt with the same purpose.
func (k *Keyring) Decrypt(purpose string, ciphertext []byte) ([]byte, error) {
	var env keyringEnvelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return nil, ErrDecrypt
	}
	key, ok := k.keys[env.KeyID]
	if !ok {
		return nil, ErrDecrypt
	}
	return Open(key, env.Sealed, k.aad(env.KeyID, purpose))
}

// EncryptDerived seals plaintext under an HKDF sub-key of the primary key bound
// to (salt, info). Only a holder of the keyring and the same salt and info can
// open it, which scopes the ciphertext to a single recipient.
func (k *Keyring) EncryptDerived(salt []byte, info string, plaintext []byte) ([]byte, error) {
	subKey, err := SubKey(k.keys[k.primaryID], salt, info)
	if err != nil {
		return nil, err
	}
	defer Wipe(subKey)

	sealed, err := Seal(subKey, plaintext, append(append([]byte(nil), salt...), info...))
	if err != nil {
		return nil, err
	}
	return json.Marshal(keyringEnvelope{KeyID: k.primaryID, Sealed: sealed})
}

// DecryptDerived opens a ciphertext produced by EncryptDerived.
func (k *Keyring) DecryptDerived(salt []byte, info string, ciphertext []byte) ([]byte, error) {
	var env keyringEnvelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return nil, ErrDecrypt
	}
	key, ok := k.keys[env.KeyID]
	if !ok {
		return nil, ErrDecrypt
	}
	subKey, err := SubKey(key, salt, info)
	if err != nil {
		return nil, ErrDecrypt
	}
	defer Wipe(subKey)
	return Open(subKey, env.Sealed, append(append([]byte(nil), salt...), info...))
}

func (k *Keyring) aad(keyID, purpose string) []byte {
	return []byte(keyID + "|" + purpose)
}
