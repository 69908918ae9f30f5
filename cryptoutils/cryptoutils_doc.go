// Package cryptoutils provides the cryptographic primitives of the threshold vault:
// the symmetric codec used to protect every byte at rest, password key derivation,
// the server keyring and asymmetric key distribution to group administrators.
//
// # Symmetric Codec
//
// Seal and Open implement AES-256-GCM over a sealed triple:
//
//	Sealed{Nonce (12 bytes), Tag (16 bytes), Ciphertext}
//
// Every call to Seal draws a fresh random nonce, so re-encrypting the same data under
// the same key never reuses a nonce. Open reports every failure (wrong key, tampered
// field, malformed triple) as ErrDecrypt and never exposes the underlying reason.
//
// # Key Derivation
//
//   - DeriveKey runs Argon2id with the KDFParams persisted next to the wrapped seed
//     (defaults t=3, m=64MiB, p=4, 32-byte key, 16-byte salt)
//   - SubKey derives purpose-bound keys with HKDF-SHA256
//
// # Keyring
//
// Keyring protects server-owned ciphertexts that must not depend on a user secret.
// Each ciphertext records the id of the key that produced it, so older keys can
// remain in the ring for decryption after the primary key is rotated.
//
// # Administrator Key Distribution
//
// EncryptWithPublicKey and DecryptWithPrivateKey implement ECIES over P-256:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext][tag (16 bytes)]
//
// Where:
//   - Ephemeral key length: uint16 in big-endian format
//   - Ephemeral key: uncompressed P-256 point
//   - Shared secret: SHA-256 of the ECDH output, used as the AES-256-GCM key
//
// # Helpers
//
// HashToken, NewOpaqueToken, ConstantTimeEqual and Wipe cover opaque session and
// request tokens, timing-safe comparison and zeroing of key material.
package cryptoutils
