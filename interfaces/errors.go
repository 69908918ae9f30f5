package interfaces

import "errors"

// Credential failures. Transport layers collapse these into one uniform
// "authentication failed" outcome.
var (
	// ErrInvalidPassword is returned when a password does not open the wrapped seed.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrInvalidBackupKey is returned when a hardware backup key does not open the wrapped seed.
	ErrInvalidBackupKey = errors.New("invalid backup key")

	// ErrInvalidRecoveryPhrase is returned when a recovery phrase is malformed or does not match the vault.
	ErrInvalidRecoveryPhrase = errors.New("invalid recovery phrase")
)

// Structural failures. These carry no secret-guessing value and are surfaced verbatim.
var (
	// ErrInsufficientShards is returned when the collected shards cannot reconstruct the seed.
	ErrInsufficientShards = errors.New("insufficient shards")

	ErrDuplicateShardSubmission = errors.New("shard already submitted by this contact")
	ErrRequestExpired           = errors.New("request expired")
	ErrRequestNotPending        = errors.New("request is not pending")
	ErrThresholdUnachievable    = errors.New("admin count is below the configured threshold")
	ErrNotAuthorizedForRequest  = errors.New("not authorized for request")
	ErrSessionNotFound          = errors.New("session not found")
	ErrNotFound                 = errors.New("not found")
	ErrConflict                 = errors.New("conflicting record")
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrMethodNotConfigured      = errors.New("recovery method not configured")
)

// IsCredentialFailure reports whether err stems from a wrong password, backup
// key or recovery phrase.
func IsCredentialFailure(err error) bool {
	return errors.Is(err, ErrInvalidPassword) ||
		errors.Is(err, ErrInvalidBackupKey) ||
		errors.Is(err, ErrInvalidRecoveryPhrase)
}
