package cryptoutils

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
)

// EncryptWithPublicKey encrypts data for the holder of a P-256 public key (PKIX PEM).
// It implements ECIES with ECDH key agreement, SHA-256 for key derivation and AES-GCM
// for authenticated encryption. A fresh ephemeral key is generated for each call.
//
// Used to hand each group administrator their own copy of a group session key.
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := parseECDHPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	ephemeralKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeralKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	sharedSecret := sha256.Sum256(shared)
	defer Wipe(sharedSecret[:])

	sealed, err := Seal(sharedSecret[:], data, nil)
	if err != nil {
		return nil, err
	}

	// Format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext||tag]
	ephemeralPublicKeyBytes := ephemeralKey.PublicKey().Bytes()
	result := make([]byte, 2, 2+len(ephemeralPublicKeyBytes)+NonceSize+len(sealed.Ciphertext)+TagSize)
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPublicKeyBytes)))
	result = append(result, ephemeralPublicKeyBytes...)
	result = append(result, sealed.Bytes()...)

	return result, nil
}

// DecryptWithPrivateKey decrypts data produced by EncryptWithPublicKey using the
// matching EC private key (SEC1 or PKCS#8 PEM).
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte) ([]byte, error) {
	privateKey, err := parseECDHPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+NonceSize+TagSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralKey, err := ecdh.P256().NewPublicKey(encryptedData[2 : 2+ephemeralKeyLen])
	if err != nil {
		return nil, errors.New("failed to unmarshal ephemeral public key")
	}

	shared, err := privateKey.ECDH(ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	sharedSecret := sha256.Sum256(shared)
	defer Wipe(sharedSecret[:])

	sealed, err := Unpack(encryptedData[2+ephemeralKeyLen:])
	if err != nil {
		return nil, err
	}
	return Open(sharedSecret[:], sealed, nil)
}

// GenerateKeyPair creates a P-256 key pair for an administrator.
//
// Returns:
//   - Private key in SEC1 "EC PRIVATE KEY" PEM format
//   - Public key in PKIX "PUBLIC KEY" PEM format
func GenerateKeyPair() (privateKeyPEM []byte, publicKeyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})
	publicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	return privateKeyPEM, publicKeyPEM, nil
}

// ValidatePublicKeyPEM reports whether the PEM holds a usable P-256 public key.
func ValidatePublicKeyPEM(publicKeyPEM []byte) error {
	_, err := parseECDHPublicKey(publicKeyPEM)
	return err
}

func parseECDHPublicKey(publicKeyPEM []byte) (*ecdh.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	publicKeyInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	publicKey, ok := publicKeyInterface.(*ecdsa.PublicKey)
	if !ok || publicKey.Curve != elliptic.P256() {
		return nil, errors.New("not a P-256 public key")
	}
	return publicKey.ECDH()
}

func parseECDHPrivateKey(privateKeyPEM []byte) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		if privateKey, ok = parsed.(*ecdsa.PrivateKey); !ok {
			return nil, errors.New("not an EC private key")
		}
	}
	if privateKey.Curve != elliptic.P256() {
		return nil, errors.New("not a P-256 private key")
	}
	return privateKey.ECDH()
}
