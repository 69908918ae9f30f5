package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// ExportFormat identifies a vault backup blob.
const ExportFormat = "threshold-vault-backup"

// Backup is the self-describing envelope produced by Export. The vault inside
// stays encrypted; the checksum only detects truncation and accidental damage.
type Backup struct {
	Format     string            `json:"format"`
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Vault      *interfaces.Vault `json:"vault"`
	Checksum   string            `json:"checksum"`
}

// Export serializes a vault into a portable backup blob.
func (c *Core) Export(v *interfaces.Vault) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: vault is required", interfaces.ErrInvalidArgument)
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}

	checksum, err := vaultChecksum(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Backup{
		Format:     ExportFormat,
		Version:    interfaces.VaultVersion,
		ExportedAt: time.Now().UTC(),
		Vault:      v,
		Checksum:   checksum,
	})
}

// ParseExport validates a backup blob and returns the vault it carries.
func ParseExport(blob []byte) (*interfaces.Vault, error) {
	var backup Backup
	if err := json.Unmarshal(blob, &backup); err != nil {
		return nil, fmt.Errorf("%w: malformed backup: %v", interfaces.ErrInvalidArgument, err)
	}
	if backup.Format != ExportFormat {
		return nil, fmt.Errorf("%w: unknown backup format %q", interfaces.ErrInvalidArgument, backup.Format)
	}
	if backup.Version != interfaces.VaultVersion {
		return nil, fmt.Errorf("%w: unsupported backup version %d", interfaces.ErrInvalidArgument, backup.Version)
	}
	if backup.Vault == nil {
		return nil, fmt.Errorf("%w: backup carries no vault", interfaces.ErrInvalidArgument)
	}
	if err := backup.Vault.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}

	checksum, err := vaultChecksum(backup.Vault)
	if err != nil {
		return nil, err
	}
	if !cryptoutils.ConstantTimeEqualString(checksum, backup.Checksum) {
		return nil, fmt.Errorf("%w: backup checksum mismatch", interfaces.ErrInvalidArgument)
	}
	return backup.Vault, nil
}

func vaultChecksum(v *interfaces.Vault) (string, error) {
	raw, err := v.Marshal()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
