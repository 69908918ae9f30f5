package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is the SHA-256 of a stored backup. Backends address content by it
// and verify fetched bytes against it.
type ContentID [sha256.Size]byte

// NewContentIDFromHex parses a 64-character hex id, with or without a 0x prefix.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 2*sha256.Size {
		return ContentID{}, fmt.Errorf("content id must be %d hex characters", 2*sha256.Size)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid content id: %w", err)
	}
	var id ContentID
	copy(id[:], raw)
	return id, nil
}

// ComputeID returns the content id of data.
func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ContentID) Equal(other ContentID) bool {
	return id == other
}

// ContentType selects the namespace a backup is stored under.
type ContentType int

const (
	// VaultBackupType is an exported user vault.
	VaultBackupType ContentType = iota
	// GroupVaultBackupType is an exported group vault payload.
	GroupVaultBackupType
)

func (ct ContentType) String() string {
	switch ct {
	case VaultBackupType:
		return "vault"
	case GroupVaultBackupType:
		return "group-vault"
	}
	return "unknown"
}

// Backup location schemes understood by the storage factory.
var backupSchemes = map[string]bool{"file": true, "s3": true, "ipfs": true, "vault": true}

// StorageBackendLocation is a parsed backup location URI of the form
// scheme://[user:secret@]host[/path][?params].
type StorageBackendLocation struct {
	URI    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	// Auth is the userinfo part, e.g. "accessKey:secretKey" for s3.
	Auth string
}

// NewStorageBackendLocation parses uri and rejects unsupported schemes.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("invalid URI format: %w", err)
	}
	if !backupSchemes[parsed.Scheme] {
		return StorageBackendLocation{}, fmt.Errorf("unsupported storage scheme: %q", parsed.Scheme)
	}

	loc := StorageBackendLocation{
		URI:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}
	if parsed.User != nil {
		loc.Auth = parsed.User.String()
	}
	return loc, nil
}

func (loc StorageBackendLocation) String() string {
	return loc.URI
}

// GetParam returns a query parameter, or "" when it is absent.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

var (
	// ErrContentNotFound means no backend holds the requested backup.
	ErrContentNotFound = errors.New("content not found")
	// ErrBackendUnavailable means a backend could not be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	// ErrInvalidLocationURI means a backup location is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend provides content-addressed storage for exported vault backups.
// Backups are already encrypted by the vault layer; backends see opaque bytes.
type StorageBackend interface {
	// Fetch returns the backup stored under id, or ErrContentNotFound.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store saves data and returns its content id.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available reports whether the backend can currently be reached.
	Available(ctx context.Context) bool

	// Name identifies the backend in logs.
	Name() string

	// LocationURI is the URI the backend was created from.
	LocationURI() string
}
