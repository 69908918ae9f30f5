package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/threshold-vault-backend/common"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/metrics"
	"github.com/ruteri/threshold-vault-backend/session"
)

// UnlockResult is returned by a successful Service.Unlock.
type UnlockResult struct {
	Token     string
	ExpiresAt time.Time
	Data      []byte
}

// Service binds the vault core to persistence, sessions and events. All
// mutations of one user's vault are serialized; different users never wait on
// each other.
type Service struct {
	core     *Core
	store    interfaces.VaultStore
	sessions *session.Manager
	events   interfaces.EventEmitter
	backups  interfaces.StorageBackend
	locks    common.KeyedMutex
	log      *slog.Logger
}

// NewService creates a vault service. backups may be nil, which disables
// ExportBackup and RestoreBackup.
func NewService(core *Core, store interfaces.VaultStore, sessions *session.Manager, events interfaces.EventEmitter, backups interfaces.StorageBackend, log *slog.Logger) *Service {
	return &Service{
		core:     core,
		store:    store,
		sessions: sessions,
		events:   events,
		backups:  backups,
		log:      log,
	}
}

// Core exposes the underlying vault core.
func (s *Service) Core() *Core {
	return s.core
}

// Create sets up a new vault for userID and returns the recovery phrase, which
// is never retrievable again.
func (s *Service) Create(ctx context.Context, userID string, password, data []byte) (string, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	_, err := s.store.GetVault(ctx, userID)
	switch {
	case err == nil:
		return "", fmt.Errorf("%w: vault already exists", interfaces.ErrConflict)
	case !errors.Is(err, interfaces.ErrNotFound):
		return "", err
	}

	v, phrase, err := s.core.Setup(password, data)
	metrics.RecordOperation("setup", err)
	if err != nil {
		return "", err
	}
	if err := s.store.PutVault(ctx, userID, v); err != nil {
		return "", fmt.Errorf("failed to store vault: %w", err)
	}

	s.emit(ctx, interfaces.EventVaultCreated, userID, true, nil)
	s.log.Info("vault created", "userID", userID)
	return phrase, nil
}

// Unlock verifies the password, opens a session holding the unlock key and
// returns the vault data.
//
// An unknown user fails like a wrong password, after the same key derivation.
func (s *Service) Unlock(ctx context.Context, userID string, password []byte) (*UnlockResult, error) {
	v, err := s.store.GetVault(ctx, userID)
	if errors.Is(err, interfaces.ErrNotFound) {
		s.core.equalizeTiming(password)
		metrics.RecordOperation("unlock", interfaces.ErrInvalidPassword)
		s.emit(ctx, interfaces.EventVaultUnlockFailed, userID, false, nil)
		return nil, interfaces.ErrInvalidPassword
	}
	if err != nil {
		return nil, err
	}

	data, rawKey, err := s.core.UnlockWithKey(v, password)
	metrics.RecordOperation("unlock", err)
	if err != nil {
		if interfaces.IsCredentialFailure(err) {
			s.emit(ctx, interfaces.EventVaultUnlockFailed, userID, false, nil)
		}
		return nil, err
	}
	defer cryptoutils.Wipe(rawKey)

	token, sess, err := s.sessions.Create(ctx, userID, rawKey, 0)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, interfaces.EventVaultUnlocked, userID, true, nil)
	return &UnlockResult{Token: token, ExpiresAt: sess.ExpiresAt, Data: data}, nil
}

// Lock ends a session.
func (s *Service) Lock(ctx context.Context, userID, token string) error {
	sess, err := s.sessions.Get(ctx, token, userID)
	if err != nil {
		return err
	}
	cryptoutils.Wipe(sess.VaultKey)

	if err := s.sessions.Delete(ctx, token); err != nil {
		return err
	}
	s.emit(ctx, interfaces.EventVaultLocked, userID, true, nil)
	return nil
}

// ExtendSession slides a session's expiry and returns the new expiry.
func (s *Service) ExtendSession(ctx context.Context, userID, token string) (time.Time, error) {
	ok, err := s.sessions.Extend(ctx, token, userID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, interfaces.ErrSessionNotFound
	}
	sess, err := s.sessions.Get(ctx, token, userID)
	if err != nil {
		return time.Time{}, err
	}
	cryptoutils.Wipe(sess.VaultKey)
	return sess.ExpiresAt, nil
}

// ReadData returns the vault data using an unlocked session.
func (s *Service) ReadData(ctx context.Context, userID, token string) ([]byte, error) {
	sess, err := s.sessions.Get(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(sess.VaultKey)

	v, err := s.store.GetVault(ctx, userID)
	if err != nil {
		return nil, err
	}
	data, err := s.core.UnlockWithRawKey(v, sess.VaultKey)
	if errors.Is(err, cryptoutils.ErrDecrypt) {
		// The vault was rewrapped since the session was opened.
		return nil, interfaces.ErrSessionNotFound
	}
	return data, err
}

// UpdateData replaces the vault data using an unlocked session.
func (s *Service) UpdateData(ctx context.Context, userID, token string, data []byte) error {
	sess, err := s.sessions.Get(ctx, token, userID)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(sess.VaultKey)

	unlock := s.locks.Lock(userID)
	defer unlock()

	v, err := s.store.GetVault(ctx, userID)
	if err != nil {
		return err
	}
	updated, err := s.core.UpdateDataWithKey(v, sess.VaultKey, data)
	metrics.RecordOperation("update", err)
	if errors.Is(err, cryptoutils.ErrDecrypt) {
		return interfaces.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if err := s.store.PutVault(ctx, userID, updated); err != nil {
		return fmt.Errorf("failed to store vault: %w", err)
	}

	s.emit(ctx, interfaces.EventVaultUpdated, userID, true, nil)
	return nil
}

// UpdateDataWithPassword replaces the vault data after verifying the password.
func (s *Service) UpdateDataWithPassword(ctx context.Context, userID string, password, data []byte) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	v, err := s.store.GetVault(ctx, userID)
	if err != nil {
		return err
	}
	updated, err := s.core.UpdateData(v, password, data)
	metrics.RecordOperation("update", err)
	if err != nil {
		return err
	}
	if err := s.store.PutVault(ctx, userID, updated); err != nil {
		return fmt.Errorf("failed to store vault: %w", err)
	}

	s.emit(ctx, interfaces.EventVaultUpdated, userID, true, nil)
	return nil
}

// ChangePassword rewraps the seed under a new password and revokes every
// session of the user.
func (s *Service) ChangePassword(ctx context.Context, userID string, oldPassword, newPassword []byte) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	v, err := s.store.GetVault(ctx, userID)
	if err != nil {
		return err
	}
	updated, err := s.core.ChangePassword(v, oldPassword, newPassword)
	metrics.RecordOperation("change_password", err)
	if err != nil {
		if interfaces.IsCredentialFailure(err) {
			s.emit(ctx, interfaces.EventVaultPasswordChanged, userID, false, nil)
		}
		return err
	}
	if err := s.store.PutVault(ctx, userID, updated); err != nil {
		return fmt.Errorf("failed to store vault: %w", err)
	}
	s.revokeSessions(ctx, userID)

	s.emit(ctx, interfaces.EventVaultPasswordChanged, userID, true, nil)
	return nil
}

// Export returns the vault as a portable encrypted backup. A live session is
// required.
func (s *Service) Export(ctx context.Context, userID, token string) ([]byte, error) {
	sess, err := s.sessions.Get(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	cryptoutils.Wipe(sess.VaultKey)

	v, err := s.store.GetVault(ctx, userID)
	if err != nil {
		return nil, err
	}
	blob, err := s.core.Export(v)
	metrics.RecordOperation("export", err)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, interfaces.EventVaultExported, userID, true, nil)
	return blob, nil
}

// ExportBackup exports the vault into the configured backup storage and
// returns the content id of the stored blob.
func (s *Service) ExportBackup(ctx context.Context, userID, token string) (interfaces.ContentID, error) {
	if s.backups == nil {
		return interfaces.ContentID{}, fmt.Errorf("%w: no backup storage configured", interfaces.ErrBackendUnavailable)
	}
	blob, err := s.Export(ctx, userID, token)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	id, err := s.backups.Store(ctx, blob, interfaces.VaultBackupType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to store backup: %w", err)
	}

	s.log.Info("vault backup stored", "userID", userID, "contentID", id.String(), "backend", s.backups.Name())
	return id, nil
}

// RestoreBackup replaces the user's vault with a backup from storage. The
// backup must open with password, so a restore cannot plant a vault the user
// cannot read. See Import for the session requirement.
func (s *Service) RestoreBackup(ctx context.Context, userID, token string, id interfaces.ContentID, password []byte) error {
	if s.backups == nil {
		return fmt.Errorf("%w: no backup storage configured", interfaces.ErrBackendUnavailable)
	}
	blob, err := s.backups.Fetch(ctx, id, interfaces.VaultBackupType)
	if err != nil {
		return err
	}
	return s.Import(ctx, userID, token, blob, password)
}

// Import stores an exported blob that opens with password as the user's vault.
//
// A user without a vault gets the imported one. Replacing an existing vault
// needs a live session for it, and the backup must carry the same seed:
// configured recovery methods wrap that seed and must keep working.
func (s *Service) Import(ctx context.Context, userID, token string, blob, password []byte) error {
	restored, err := ParseExport(blob)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	var seed []byte
	current, err := s.store.GetVault(ctx, userID)
	switch {
	case err == nil:
		if seed, err = s.sessionSeed(ctx, userID, token, current); err != nil {
			return err
		}
		defer cryptoutils.Wipe(seed)
	case !errors.Is(err, interfaces.ErrNotFound):
		return err
	}

	data, err := s.core.Unlock(restored, password)
	metrics.RecordOperation("restore", err)
	if err != nil {
		return err
	}
	cryptoutils.Wipe(data)

	if seed != nil {
		data, err := s.core.OpenWithSeed(restored, seed)
		if err != nil {
			return fmt.Errorf("%w: backup belongs to a different vault", interfaces.ErrConflict)
		}
		cryptoutils.Wipe(data)
	}

	if err := s.store.PutVault(ctx, userID, restored); err != nil {
		return fmt.Errorf("failed to store vault: %w", err)
	}
	s.revokeSessions(ctx, userID)

	s.emit(ctx, interfaces.EventVaultRestored, userID, true, map[string]string{"source": "backup"})
	return nil
}

// sessionSeed opens the seed of v with the unlock key held by the session.
func (s *Service) sessionSeed(ctx context.Context, userID, token string, v *interfaces.Vault) ([]byte, error) {
	sess, err := s.sessions.Get(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(sess.VaultKey)

	seed, err := openSeed(v, sess.VaultKey)
	if err != nil {
		// The vault was rewrapped since the session was opened.
		return nil, interfaces.ErrSessionNotFound
	}
	return seed, nil
}

// ExtractSeed returns the user's seed after verifying the password. The caller
// must wipe it.
func (s *Service) ExtractSeed(ctx context.Context, userID string, password []byte) ([]byte, error) {
	v, err := s.store.GetVault(ctx, userID)
	if err != nil {
		return nil, err
	}
	seed, err := s.core.ExtractSeed(v, password)
	metrics.RecordOperation("extract_seed", err)
	return seed, err
}

// RestoreWithSeed rewraps the user's existing seed under newPassword. It is
// the single entry point of every recovery path. A seed that does not open
// the stored vault yields cryptoutils.ErrDecrypt and leaves it untouched.
func (s *Service) RestoreWithSeed(ctx context.Context, userID string, seed, newPassword []byte) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	v, err := s.store.GetVault(ctx, userID)
	if err != nil {
		return err
	}
	data, err := s.core.OpenWithSeed(v, seed)
	if err != nil {
		return err
	}
	defer cryptoutils.Wipe(data)

	recovered, err := s.core.CreateWithExistingSeed(newPassword, data, seed)
	metrics.RecordOperation("restore_seed", err)
	if err != nil {
		return err
	}
	if err := s.store.PutVault(ctx, userID, recovered); err != nil {
		return fmt.Errorf("failed to store vault: %w", err)
	}
	s.revokeSessions(ctx, userID)
	return nil
}

// Exists reports whether userID has a vault.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := s.store.GetVault(ctx, userID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) revokeSessions(ctx context.Context, userID string) {
	if _, err := s.sessions.DeleteUser(ctx, userID); err != nil {
		s.log.Error("failed to revoke vault sessions", "userID", userID, "err", err)
	}
}

func (s *Service) emit(ctx context.Context, eventType interfaces.EventType, userID string, success bool, metadata map[string]string) {
	s.events.Emit(ctx, interfaces.AuditEvent{
		Type:      eventType,
		ActorID:   userID,
		SubjectID: userID,
		Success:   success,
		Metadata:  metadata,
		At:        time.Now().UTC(),
	})
}
