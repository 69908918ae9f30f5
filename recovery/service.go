package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/threshold-vault-backend/common"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/vault"
)

// DefaultRequestTTL is how long a social recovery request stays open.
const DefaultRequestTTL = 48 * time.Hour

// Config holds recovery policy.
type Config struct {
	RequestTTL  time.Duration `yaml:"request_ttl"`
	MinContacts int           `yaml:"min_contacts"`
}

// Vaults is the part of the vault service recovery depends on.
type Vaults interface {
	ExtractSeed(ctx context.Context, userID string, password []byte) ([]byte, error)
	RestoreWithSeed(ctx context.Context, userID string, seed, newPassword []byte) error
}

// Service runs the social and hardware recovery paths. Both end in
// Vaults.RestoreWithSeed, so the seed never changes.
type Service struct {
	social  *SocialEngine
	store   interfaces.RecoveryStore
	vaults  Vaults
	keyring *cryptoutils.Keyring
	events  interfaces.EventEmitter
	cfg     Config
	locks   common.KeyedMutex
	now     func() time.Time
	log     *slog.Logger
}

func NewService(store interfaces.RecoveryStore, vaults Vaults, keyring *cryptoutils.Keyring, events interfaces.EventEmitter, cfg Config, log *slog.Logger) *Service {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	if cfg.MinContacts <= 0 {
		cfg.MinContacts = DefaultMinContacts
	}
	return &Service{
		social:  NewSocialEngine(keyring, cfg.MinContacts),
		store:   store,
		vaults:  vaults,
		keyring: keyring,
		events:  events,
		cfg:     cfg,
		now:     time.Now,
		log:     log,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MethodStatus summarizes one configured recovery method without secrets.
type MethodStatus struct {
	Type        interfaces.RecoveryMethodType `json:"type"`
	Enabled     bool                          `json:"enabled"`
	CreatedAt   time.Time                     `json:"created_at"`
	UpdatedAt   time.Time                     `json:"updated_at"`
	Threshold   int                           `json:"threshold,omitempty"`
	TotalShares int                           `json:"total_shares,omitempty"`
	Contacts    []Contact                     `json:"contacts,omitempty"`
}

// Methods lists the user's recovery methods.
func (s *Service) Methods(ctx context.Context, userID string) ([]MethodStatus, error) {
	methods, err := s.store.ListMethods(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]MethodStatus, 0, len(methods))
	for _, m := range methods {
		status := MethodStatus{Type: m.MethodType, Enabled: m.Enabled, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
		if m.MethodType == interfaces.MethodSocial {
			var cfg interfaces.SocialConfig
			if err := s.openConfig(&m, &cfg); err != nil {
				return nil, err
			}
			status.Threshold = cfg.Threshold
			status.TotalShares = cfg.TotalShares

			contacts, err := s.store.ListContacts(ctx, userID)
			if err != nil {
				return nil, err
			}
			for _, c := range contacts {
				status.Contacts = append(status.Contacts, Contact{Email: c.ContactEmail, Name: c.ContactName})
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// Disable removes a recovery method. Disabling social recovery also drops the
// contacts and cancels any open request.
func (s *Service) Disable(ctx context.Context, userID string, methodType interfaces.RecoveryMethodType) error {
	if !methodType.Valid() {
		return fmt.Errorf("%w: unknown recovery method %q", interfaces.ErrInvalidArgument, methodType)
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	if _, err := s.store.GetMethod(ctx, userID, methodType); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrMethodNotConfigured
		}
		return err
	}

	if methodType == interfaces.MethodSocial {
		if err := s.cancelPending(ctx, userID); err != nil {
			return err
		}
		if err := s.store.ReplaceContacts(ctx, userID, nil); err != nil {
			return err
		}
	}
	if err := s.store.DeleteMethod(ctx, userID, methodType); err != nil {
		return err
	}

	s.emit(ctx, interfaces.EventRecoveryDisabled, userID, userID, true, map[string]string{"method": string(methodType)})
	return nil
}

// RecoverWithPhrase restores access with the recovery phrase shown at vault
// creation.
func (s *Service) RecoverWithPhrase(ctx context.Context, userID, phrase string, newPassword []byte) error {
	seed, err := vault.PhraseToSeed(phrase)
	if err != nil {
		s.emit(ctx, interfaces.EventPhraseRecovered, userID, userID, false, nil)
		return err
	}
	defer cryptoutils.Wipe(seed)

	if err := s.vaults.RestoreWithSeed(ctx, userID, seed, newPassword); err != nil {
		if errors.Is(err, cryptoutils.ErrDecrypt) || errors.Is(err, interfaces.ErrNotFound) {
			s.emit(ctx, interfaces.EventPhraseRecovered, userID, userID, false, nil)
			return interfaces.ErrInvalidRecoveryPhrase
		}
		return err
	}

	s.emit(ctx, interfaces.EventPhraseRecovered, userID, userID, true, nil)
	s.log.Info("vault recovered with phrase", "userID", userID)
	return nil
}

func methodPurpose(userID string, methodType interfaces.RecoveryMethodType) string {
	return "recovery-method:" + string(methodType) + ":" + userID
}

func (s *Service) sealConfig(userID string, methodType interfaces.RecoveryMethodType, cfg any) ([]byte, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(raw)
	return s.keyring.Encrypt(methodPurpose(userID, methodType), raw)
}

func (s *Service) openConfig(m *interfaces.RecoveryMethod, out any) error {
	raw, err := s.keyring.Decrypt(methodPurpose(m.UserID, m.MethodType), m.ConfigEncrypted)
	if err != nil {
		return fmt.Errorf("failed to open %s recovery config: %w", m.MethodType, err)
	}
	defer cryptoutils.Wipe(raw)
	return json.Unmarshal(raw, out)
}

func (s *Service) putMethod(ctx context.Context, userID string, methodType interfaces.RecoveryMethodType, configEncrypted []byte) error {
	now := s.now().UTC()
	method := &interfaces.RecoveryMethod{
		UserID:          userID,
		MethodType:      methodType,
		ConfigEncrypted: configEncrypted,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing, err := s.store.GetMethod(ctx, userID, methodType); err == nil {
		method.CreatedAt = existing.CreatedAt
	}
	return s.store.PutMethod(ctx, method)
}

func (s *Service) emit(ctx context.Context, eventType interfaces.EventType, actorID, subjectID string, success bool, metadata map[string]string) {
	s.events.Emit(ctx, interfaces.AuditEvent{
		Type:      eventType,
		ActorID:   actorID,
		SubjectID: subjectID,
		Success:   success,
		Metadata:  metadata,
		At:        s.now().UTC(),
	})
}
