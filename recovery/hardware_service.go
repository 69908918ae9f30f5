package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/metrics"
)

// SetupHardware generates a backup key, wraps the user's seed under it and
// returns the displayed key. The key is not stored and cannot be shown again;
// running setup again replaces it.
func (s *Service) SetupHardware(ctx context.Context, userID string, password []byte) (string, error) {
	seed, err := s.vaults.ExtractSeed(ctx, userID, password)
	if err != nil {
		return "", err
	}
	defer cryptoutils.Wipe(seed)

	backupKey, err := GenerateBackupKey()
	if err != nil {
		return "", err
	}
	defer cryptoutils.Wipe(backupKey.KeyBytes)

	cfg, err := SetupHardware(seed, backupKey.KeyBytes)
	if err != nil {
		return "", err
	}
	configEncrypted, err := s.sealConfig(userID, interfaces.MethodHardware, cfg)
	if err != nil {
		return "", err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()
	if err := s.putMethod(ctx, userID, interfaces.MethodHardware, configEncrypted); err != nil {
		return "", fmt.Errorf("failed to store recovery method: %w", err)
	}

	s.emit(ctx, interfaces.EventRecoverySetup, userID, userID, true, map[string]string{
		"method":   string(interfaces.MethodHardware),
		"key_hash": cfg.KeyHash[:16],
	})
	return backupKey.Display, nil
}

// RecoverWithBackupKey restores access with a hardware backup key. A user
// without hardware recovery fails exactly like a wrong key.
func (s *Service) RecoverWithBackupKey(ctx context.Context, userID, backupKey string, newPassword []byte) error {
	seed, err := s.recoverHardwareSeed(ctx, userID, backupKey)
	if err != nil {
		metrics.RecordOperation("recover_hardware", err)
		s.emit(ctx, interfaces.EventHardwareRecovered, userID, userID, false, nil)
		return err
	}
	defer cryptoutils.Wipe(seed)

	if err := s.vaults.RestoreWithSeed(ctx, userID, seed, newPassword); err != nil {
		if errors.Is(err, cryptoutils.ErrDecrypt) || errors.Is(err, interfaces.ErrNotFound) {
			err = interfaces.ErrInvalidBackupKey
		}
		metrics.RecordOperation("recover_hardware", err)
		s.emit(ctx, interfaces.EventHardwareRecovered, userID, userID, false, nil)
		return err
	}

	metrics.RecordOperation("recover_hardware", nil)
	s.emit(ctx, interfaces.EventHardwareRecovered, userID, userID, true, nil)
	s.events.Notify(ctx, interfaces.Notification{
		Type:       interfaces.EventHardwareRecovered,
		Recipients: []string{userID},
		Subject:    "Your vault was recovered with a backup key",
		Body:       "Your vault password was reset with your hardware backup key. All sessions were signed out.",
	})
	s.log.Info("vault recovered with backup key", "userID", userID)
	return nil
}

func (s *Service) recoverHardwareSeed(ctx context.Context, userID, backupKey string) ([]byte, error) {
	method, err := s.store.GetMethod(ctx, userID, interfaces.MethodHardware)
	if errors.Is(err, interfaces.ErrNotFound) || (err == nil && !method.Enabled) {
		// Same work as a wrong key.
		if seed, err := RecoverHardware(backupKey, decoyHardwareConfig()); err == nil {
			cryptoutils.Wipe(seed)
		}
		return nil, interfaces.ErrInvalidBackupKey
	}
	if err != nil {
		return nil, err
	}

	var cfg interfaces.HardwareConfig
	if err := s.openConfig(method, &cfg); err != nil {
		return nil, err
	}
	return RecoverHardware(backupKey, &cfg)
}

// decoyHardwareConfig wraps a zero seed under a random key that is discarded,
// so no backup key opens it.
var decoyHardwareConfig = sync.OnceValue(func() *interfaces.HardwareConfig {
	key, err := GenerateBackupKey()
	if err != nil {
		return &interfaces.HardwareConfig{}
	}
	defer cryptoutils.Wipe(key.KeyBytes)
	cfg, err := SetupHardware(make([]byte, 32), key.KeyBytes)
	if err != nil {
		return &interfaces.HardwareConfig{}
	}
	return cfg
})
