package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// MemoryStore is an in-process implementation of the vault, recovery and group
// record stores. Records are copied on the way in and out so callers never
// share memory with the store.
type MemoryStore struct {
	mu sync.RWMutex

	vaults      map[string][]byte
	methods     map[string]interfaces.RecoveryMethod
	contacts    map[string][]interfaces.RecoveryContact
	requests    map[string]interfaces.RecoveryRequest
	shards      map[string][]interfaces.CollectedShard
	unlocks     map[string]interfaces.GroupUnlockRequest
	approvals   map[string][]interfaces.GroupUnlockApproval
	groupVaults map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:      make(map[string][]byte),
		methods:     make(map[string]interfaces.RecoveryMethod),
		contacts:    make(map[string][]interfaces.RecoveryContact),
		requests:    make(map[string]interfaces.RecoveryRequest),
		shards:      make(map[string][]interfaces.CollectedShard),
		unlocks:     make(map[string]interfaces.GroupUnlockRequest),
		approvals:   make(map[string][]interfaces.GroupUnlockApproval),
		groupVaults: make(map[string][]byte),
	}
}

// Vaults are held in their serialized form so replace-whole-record semantics
// hold by construction.

func (s *MemoryStore) GetVault(ctx context.Context, ownerID string) (*interfaces.Vault, error) {
	s.mu.RLock()
	raw, ok := s.vaults[ownerID]
	s.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return interfaces.UnmarshalVault(raw)
}

func (s *MemoryStore) PutVault(ctx context.Context, ownerID string, vault *interfaces.Vault) error {
	raw, err := vault.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.vaults[ownerID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteVault(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	delete(s.vaults, ownerID)
	s.mu.Unlock()
	return nil
}

// RawVault returns the serialized vault as stored.
func (s *MemoryStore) RawVault(ownerID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.vaults[ownerID]
	return cloneBytes(raw), ok
}

func methodKey(userID string, methodType interfaces.RecoveryMethodType) string {
	return userID + "/" + string(methodType)
}

func (s *MemoryStore) GetMethod(ctx context.Context, userID string, methodType interfaces.RecoveryMethodType) (*interfaces.RecoveryMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[methodKey(userID, methodType)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	m.ConfigEncrypted = cloneBytes(m.ConfigEncrypted)
	return &m, nil
}

func (s *MemoryStore) ListMethods(ctx context.Context, userID string) ([]interfaces.RecoveryMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []interfaces.RecoveryMethod
	for _, m := range s.methods {
		if m.UserID == userID {
			m.ConfigEncrypted = cloneBytes(m.ConfigEncrypted)
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MethodType < out[j].MethodType })
	return out, nil
}

func (s *MemoryStore) PutMethod(ctx context.Context, method *interfaces.RecoveryMethod) error {
	m := *method
	m.ConfigEncrypted = cloneBytes(m.ConfigEncrypted)
	s.mu.Lock()
	s.methods[methodKey(m.UserID, m.MethodType)] = m
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteMethod(ctx context.Context, userID string, methodType interfaces.RecoveryMethodType) error {
	s.mu.Lock()
	delete(s.methods, methodKey(userID, methodType))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ReplaceContacts(ctx context.Context, userID string, contacts []interfaces.RecoveryContact) error {
	cp := make([]interfaces.RecoveryContact, len(contacts))
	for i, c := range contacts {
		c.EncryptedShard = cloneBytes(c.EncryptedShard)
		cp[i] = c
	}
	s.mu.Lock()
	if len(cp) == 0 {
		delete(s.contacts, userID)
	} else {
		s.contacts[userID] = cp
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListContacts(ctx context.Context, userID string) ([]interfaces.RecoveryContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]interfaces.RecoveryContact, 0, len(s.contacts[userID]))
	for _, c := range s.contacts[userID] {
		c.EncryptedShard = cloneBytes(c.EncryptedShard)
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) FindContact(ctx context.Context, recoveryID, contactEmail string) (*interfaces.RecoveryContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, contacts := range s.contacts {
		for _, c := range contacts {
			if c.RecoveryID == recoveryID && strings.EqualFold(c.ContactEmail, contactEmail) {
				c.EncryptedShard = cloneBytes(c.EncryptedShard)
				return &c, nil
			}
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *MemoryStore) CreateRequest(ctx context.Context, req *interfaces.RecoveryRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return interfaces.ErrConflict
	}
	for _, r := range s.requests {
		if r.UserID == req.UserID && r.Status == interfaces.RecoveryPending {
			return interfaces.ErrConflict
		}
	}
	s.requests[req.ID] = *req
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*interfaces.RecoveryRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) FindPendingRequest(ctx context.Context, userID string) (*interfaces.RecoveryRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.UserID == userID && r.Status == interfaces.RecoveryPending {
			return &r, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *MemoryStore) TransitionRequest(ctx context.Context, id string, from, to interfaces.RecoveryStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false, interfaces.ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	if to == interfaces.RecoveryPending {
		r.CompletedAt = nil
	} else {
		r.CompletedAt = &at
	}
	s.requests[id] = r
	return true, nil
}

func (s *MemoryStore) ListExpiredRequests(ctx context.Context, now time.Time) ([]interfaces.RecoveryRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []interfaces.RecoveryRequest
	for _, r := range s.requests {
		if r.Status == interfaces.RecoveryPending && !now.Before(r.ExpiresAt) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) AddShard(ctx context.Context, shard interfaces.CollectedShard) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[shard.RequestID]
	if !ok {
		return 0, interfaces.ErrNotFound
	}
	if r.Status != interfaces.RecoveryPending {
		return r.ShardsCollected, interfaces.ErrRequestNotPending
	}
	for _, existing := range s.shards[shard.RequestID] {
		if strings.EqualFold(existing.ContactEmail, shard.ContactEmail) {
			return r.ShardsCollected, interfaces.ErrDuplicateShardSubmission
		}
	}
	shard.ShardEncrypted = cloneBytes(shard.ShardEncrypted)
	s.shards[shard.RequestID] = append(s.shards[shard.RequestID], shard)
	r.ShardsCollected = len(s.shards[shard.RequestID])
	s.requests[shard.RequestID] = r
	return r.ShardsCollected, nil
}

func (s *MemoryStore) ListShards(ctx context.Context, requestID string) ([]interfaces.CollectedShard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]interfaces.CollectedShard, 0, len(s.shards[requestID]))
	for _, sh := range s.shards[requestID] {
		sh.ShardEncrypted = cloneBytes(sh.ShardEncrypted)
		out = append(out, sh)
	}
	return out, nil
}

func (s *MemoryStore) DeleteShards(ctx context.Context, requestID string) error {
	s.mu.Lock()
	delete(s.shards, requestID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateUnlockRequest(ctx context.Context, req *interfaces.GroupUnlockRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.unlocks[req.ID]; exists {
		return interfaces.ErrConflict
	}
	for _, r := range s.unlocks {
		if r.GroupID == req.GroupID && isActiveUnlock(r.Status) {
			return interfaces.ErrConflict
		}
	}
	s.unlocks[req.ID] = cloneUnlock(*req)
	return nil
}

func (s *MemoryStore) GetUnlockRequest(ctx context.Context, id string) (*interfaces.GroupUnlockRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.unlocks[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	r = cloneUnlock(r)
	return &r, nil
}

func (s *MemoryStore) FindActiveUnlockRequest(ctx context.Context, groupID string) (*interfaces.GroupUnlockRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.unlocks {
		if r.GroupID == groupID && isActiveUnlock(r.Status) {
			r = cloneUnlock(r)
			return &r, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *MemoryStore) ListUnlockRequests(ctx context.Context, status interfaces.GroupUnlockStatus) ([]interfaces.GroupUnlockRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []interfaces.GroupUnlockRequest
	for _, r := range s.unlocks {
		if r.Status == status {
			out = append(out, cloneUnlock(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AddApproval(ctx context.Context, approval interfaces.GroupUnlockApproval) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unlocks[approval.RequestID]; !ok {
		return false, 0, interfaces.ErrNotFound
	}
	existing := s.approvals[approval.RequestID]
	for _, a := range existing {
		if a.ApprovedBy == approval.ApprovedBy {
			return false, len(existing), nil
		}
	}
	s.approvals[approval.RequestID] = append(existing, approval)
	return true, len(existing) + 1, nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, requestID string) ([]interfaces.GroupUnlockApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]interfaces.GroupUnlockApproval(nil), s.approvals[requestID]...), nil
}

func (s *MemoryStore) MarkUnlocked(ctx context.Context, id string, sessionKeyEncrypted []byte, adminKeys map[string][]byte, unlockedAt, sessionExpiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.unlocks[id]
	if !ok {
		return false, interfaces.ErrNotFound
	}
	if r.Status != interfaces.GroupUnlockPending {
		return false, nil
	}
	r.Status = interfaces.GroupUnlockUnlocked
	r.SessionKeyEncrypted = cloneBytes(sessionKeyEncrypted)
	r.AdminSessionKeys = adminKeys
	r.UnlockedAt = &unlockedAt
	r.SessionExpiresAt = &sessionExpiresAt
	s.unlocks[id] = cloneUnlock(r)
	return true, nil
}

func (s *MemoryStore) TransitionUnlockRequest(ctx context.Context, id string, from, to interfaces.GroupUnlockStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.unlocks[id]
	if !ok {
		return false, interfaces.ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.DecidedAt = &at
	s.unlocks[id] = r
	return true, nil
}

func (s *MemoryStore) GetGroupVault(ctx context.Context, groupID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.groupVaults[groupID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneBytes(payload), nil
}

func (s *MemoryStore) PutGroupVault(ctx context.Context, groupID string, payload []byte) error {
	s.mu.Lock()
	s.groupVaults[groupID] = cloneBytes(payload)
	s.mu.Unlock()
	return nil
}

func isActiveUnlock(status interfaces.GroupUnlockStatus) bool {
	return status == interfaces.GroupUnlockPending || status == interfaces.GroupUnlockUnlocked
}

func cloneUnlock(r interfaces.GroupUnlockRequest) interfaces.GroupUnlockRequest {
	r.SessionKeyEncrypted = cloneBytes(r.SessionKeyEncrypted)
	if r.AdminSessionKeys != nil {
		keys := make(map[string][]byte, len(r.AdminSessionKeys))
		for k, v := range r.AdminSessionKeys {
			keys[k] = cloneBytes(v)
		}
		r.AdminSessionKeys = keys
	}
	return r
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
