package vault

import (
	"strings"

	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/tyler-smith/go-bip39"
)

// SeedToPhrase encodes a 32-byte seed as a 24-word BIP-39 mnemonic.
func SeedToPhrase(seed []byte) (string, error) {
	if len(seed) != SeedSize {
		return "", interfaces.ErrInvalidArgument
	}
	return bip39.NewMnemonic(seed)
}

// PhraseToSeed decodes a recovery phrase. Case and whitespace are normalized;
// a wrong word, checksum or length yields ErrInvalidRecoveryPhrase.
func PhraseToSeed(phrase string) ([]byte, error) {
	normalized := strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	seed, err := bip39.EntropyFromMnemonic(normalized)
	if err != nil || len(seed) != SeedSize {
		return nil, interfaces.ErrInvalidRecoveryPhrase
	}
	return seed, nil
}
