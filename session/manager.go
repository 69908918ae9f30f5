package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/metrics"
)

// Defaults for Config.
const (
	DefaultTTL         = 15 * time.Minute
	DefaultMaxLifetime = 12 * time.Hour
)

// Config bounds session lifetimes. TTL is the sliding window restored by
// Extend; MaxLifetime is the hard ceiling measured from creation.
type Config struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// Manager issues and validates vault sessions on top of a SessionStore.
//
// Tokens are returned to the caller only; the store sees their SHA-256. A
// session that is missing, expired or owned by another user is reported as
// interfaces.ErrSessionNotFound without distinguishing the cases.
type Manager struct {
	store interfaces.SessionStore
	cfg   Config
	now   func() time.Time
	log   *slog.Logger
}

// NewManager creates a session manager. Zero config fields take the defaults.
func NewManager(store interfaces.SessionStore, cfg Config, log *slog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	if cfg.TTL > cfg.MaxLifetime {
		cfg.TTL = cfg.MaxLifetime
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   log,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// TTL returns the sliding session window.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// Create stores a new session holding a copy of rawKey and returns its token.
// A non-positive ttl selects the configured TTL; ttl never exceeds MaxLifetime.
func (m *Manager) Create(ctx context.Context, userID string, rawKey []byte, ttl time.Duration) (string, *interfaces.VaultSession, error) {
	if userID == "" || len(rawKey) == 0 {
		return "", nil, fmt.Errorf("%w: user id and key are required", interfaces.ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	if ttl > m.cfg.MaxLifetime {
		ttl = m.cfg.MaxLifetime
	}

	token, err := cryptoutils.NewOpaqueToken()
	if err != nil {
		return "", nil, err
	}

	now := m.now()
	s := &interfaces.VaultSession{
		TokenHash:     cryptoutils.HashToken(token),
		UserID:        userID,
		VaultKey:      append([]byte(nil), rawKey...),
		UnlockedAt:    now,
		ExpiresAt:     now.Add(ttl),
		HardExpiresAt: now.Add(m.cfg.MaxLifetime),
	}
	if err := m.store.Put(ctx, s); err != nil {
		cryptoutils.Wipe(s.VaultKey)
		return "", nil, fmt.Errorf("failed to store session: %w", err)
	}
	cryptoutils.Wipe(s.VaultKey)
	metrics.SessionsActive.Inc()

	m.log.Debug("vault session created", "userID", userID, "expiresAt", s.ExpiresAt)
	return token, publicCopy(s), nil
}

// Get returns the live session for token if it belongs to userID. The result
// carries a copy of the vault key that the caller should wipe.
func (m *Manager) Get(ctx context.Context, token, userID string) (*interfaces.VaultSession, error) {
	if token == "" {
		return nil, interfaces.ErrSessionNotFound
	}
	tokenHash := cryptoutils.HashToken(token)

	s, err := m.store.Get(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		m.expire(ctx, tokenHash)
		return nil, interfaces.ErrSessionNotFound
	}
	if !cryptoutils.ConstantTimeEqualString(s.UserID, userID) {
		return nil, interfaces.ErrSessionNotFound
	}
	return s, nil
}

// Extend slides the session window to now+TTL, capped at the hard ceiling.
// It reports false when the session is gone, expired or owned by another user.
func (m *Manager) Extend(ctx context.Context, token, userID string) (bool, error) {
	s, err := m.Get(ctx, token, userID)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer cryptoutils.Wipe(s.VaultKey)

	expiresAt := m.now().Add(m.cfg.TTL)
	if expiresAt.After(s.HardExpiresAt) {
		expiresAt = s.HardExpiresAt
	}
	if !expiresAt.After(s.ExpiresAt) {
		return true, nil
	}
	s.ExpiresAt = expiresAt

	return m.store.Replace(ctx, s)
}

// Delete removes a session. Deleting an unknown token is not an error.
func (m *Manager) Delete(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.store.Delete(ctx, cryptoutils.HashToken(token)); err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	metrics.SessionsActive.Dec()
	return nil
}

// DeleteUser removes every session of a user, used after a password change or
// a completed recovery.
func (m *Manager) DeleteUser(ctx context.Context, userID string) (int, error) {
	n, err := m.store.DeleteUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsActive.Sub(float64(n))
		m.log.Info("vault sessions revoked", "userID", userID, "count", n)
	}
	return n, nil
}

// Sweep removes expired sessions and refreshes the active session gauge.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.Sweep(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if count, err := m.store.Count(ctx); err == nil {
		metrics.SessionsActive.Set(float64(count))
	}
	return n, nil
}

func (m *Manager) expire(ctx context.Context, tokenHash string) {
	err := m.store.Delete(ctx, tokenHash)
	switch {
	case err == nil:
		metrics.SessionsActive.Dec()
	case !errors.Is(err, interfaces.ErrSessionNotFound):
		m.log.Warn("failed to drop expired session", "err", err)
	}
}

func publicCopy(s *interfaces.VaultSession) *interfaces.VaultSession {
	return &interfaces.VaultSession{
		TokenHash:     s.TokenHash,
		UserID:        s.UserID,
		UnlockedAt:    s.UnlockedAt,
		ExpiresAt:     s.ExpiresAt,
		HardExpiresAt: s.HardExpiresAt,
	}
}
