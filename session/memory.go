package session

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// MemoryStore keeps sessions in process memory. Expiry is decided by the
// manager's clock, so entries are stored without a cache TTL and removed by
// Sweep or on first expired read.
type MemoryStore struct {
	c *gocache.Cache

	// mu serializes Put with every removal, so a session is removed and
	// counted exactly once.
	mu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: gocache.New(gocache.NoExpiration, 0)}
}

func (m *MemoryStore) Put(_ context.Context, s *interfaces.VaultSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Set(s.TokenHash, cloneSession(s), gocache.NoExpiration)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tokenHash string) (*interfaces.VaultSession, error) {
	v, ok := m.c.Get(tokenHash)
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return cloneSession(v.(*interfaces.VaultSession)), nil
}

// Replace uses the cache's update-if-present so a concurrent Delete wins.
func (m *MemoryStore) Replace(_ context.Context, s *interfaces.VaultSession) (bool, error) {
	if err := m.c.Replace(s.TokenHash, cloneSession(s), gocache.NoExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.c.Get(tokenHash); !ok {
		return interfaces.ErrSessionNotFound
	}
	m.c.Delete(tokenHash)
	return nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, item := range m.c.Items() {
		if s, ok := item.Object.(*interfaces.VaultSession); ok && s.UserID == userID {
			m.c.Delete(key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, item := range m.c.Items() {
		if s, ok := item.Object.(*interfaces.VaultSession); ok && s.Expired(now) {
			m.c.Delete(key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	return m.c.ItemCount(), nil
}

func cloneSession(s *interfaces.VaultSession) *interfaces.VaultSession {
	c := *s
	c.VaultKey = append([]byte(nil), s.VaultKey...)
	return &c
}
