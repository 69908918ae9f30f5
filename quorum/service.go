package quorum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/ruteri/threshold-vault-backend/common"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/metrics"
)

const (
	// DefaultUnlockDuration is how long a group vault stays unlocked.
	DefaultUnlockDuration = time.Hour
	// DefaultRequestTTL is how long a pending unlock request collects approvals.
	DefaultRequestTTL = 24 * time.Hour

	sessionKeySize = 32
)

// Config holds quorum policy.
type Config struct {
	UnlockDuration time.Duration `yaml:"unlock_duration"`
	RequestTTL     time.Duration `yaml:"request_ttl"`
}

// ApprovalResult is the state of a request after an approval was recorded.
// SessionKey is only set once the group is unlocked.
type ApprovalResult struct {
	Request         *interfaces.GroupUnlockRequest `json:"request"`
	Count           int                            `json:"count"`
	Unlocked        bool                           `json:"unlocked"`
	AlreadyApproved bool                           `json:"already_approved"`
	SessionKey      []byte                         `json:"session_key,omitempty"`
}

// GroupStatus describes a group's unlock state without secrets.
type GroupStatus struct {
	GroupID   string                         `json:"group_id"`
	Unlocked  bool                           `json:"unlocked"`
	Request   *interfaces.GroupUnlockRequest `json:"request,omitempty"`
	Approvers []string                       `json:"approvers,omitempty"`
}

// Service runs the M-of-N administrator unlock protocol for group vaults.
//
// Every transition on a group happens under that group's lock, and the store
// only applies status changes from the expected prior status, so concurrent
// approvals finalize an unlock exactly once. Unlocked sessions are cached per
// group; the store remains the source of truth and a cache entry is only used
// while it belongs to the group's current unlocked request.
type Service struct {
	store     interfaces.GroupStore
	directory interfaces.GroupDirectory
	keyring   *cryptoutils.Keyring
	events    interfaces.EventEmitter
	sessions  *gocache.Cache
	backups   interfaces.StorageBackend
	cfg       Config
	locks     common.KeyedMutex
	now       func() time.Time
	log       *slog.Logger
}

func NewService(store interfaces.GroupStore, directory interfaces.GroupDirectory, keyring *cryptoutils.Keyring, events interfaces.EventEmitter, cfg Config, log *slog.Logger) *Service {
	if cfg.UnlockDuration <= 0 {
		cfg.UnlockDuration = DefaultUnlockDuration
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	return &Service{
		store:     store,
		directory: directory,
		keyring:   keyring,
		events:    events,
		sessions:  gocache.New(gocache.NoExpiration, 5*time.Minute),
		cfg:       cfg,
		now:       time.Now,
		log:       log,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithBackups sets the storage used by ExportBackup and RestoreBackup.
func (s *Service) WithBackups(backups interfaces.StorageBackend) *Service {
	s.backups = backups
	return s
}

// RequestUnlock opens an unlock request for a group and records the
// requester's approval. If the group already has an active request it is
// returned unchanged. The required approvals are fixed from the configured
// threshold at request time; a threshold the current admins cannot reach is
// rejected with ErrThresholdUnachievable.
func (s *Service) RequestUnlock(ctx context.Context, groupID, requester, reason string) (*ApprovalResult, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	admins, err := s.requireAdmin(ctx, groupID, requester)
	if err != nil {
		return nil, err
	}
	threshold, err := s.directory.Threshold(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if threshold < 1 {
		return nil, fmt.Errorf("%w: group %s has threshold %d", interfaces.ErrInvalidArgument, groupID, threshold)
	}
	if len(admins) < threshold {
		s.emit(ctx, interfaces.EventGroupUnlockRequested, requester, groupID, false, map[string]string{
			"reason":    "threshold unachievable",
			"admins":    strconv.Itoa(len(admins)),
			"threshold": strconv.Itoa(threshold),
		})
		return nil, interfaces.ErrThresholdUnachievable
	}

	existing, err := s.store.FindActiveUnlockRequest(ctx, groupID)
	switch {
	case err == nil && !s.expireIfStale(ctx, existing):
		return s.resultFor(ctx, existing, requester)
	case err != nil && !errors.Is(err, interfaces.ErrNotFound):
		return nil, err
	}

	now := s.now().UTC()
	req := &interfaces.GroupUnlockRequest{
		ID:                uuid.NewString(),
		GroupID:           groupID,
		RequestedBy:       requester,
		Reason:            reason,
		RequiredApprovals: threshold,
		Status:            interfaces.GroupUnlockPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.RequestTTL),
	}
	if err := s.store.CreateUnlockRequest(ctx, req); err != nil {
		if errors.Is(err, interfaces.ErrConflict) {
			existing, findErr := s.store.FindActiveUnlockRequest(ctx, groupID)
			if findErr != nil {
				return nil, findErr
			}
			return s.resultFor(ctx, existing, requester)
		}
		return nil, fmt.Errorf("failed to create unlock request: %w", err)
	}
	metrics.GroupUnlockTransitions.WithLabelValues(string(interfaces.GroupUnlockPending)).Inc()

	s.emit(ctx, interfaces.EventGroupUnlockRequested, requester, groupID, true, map[string]string{
		"request_id": req.ID,
		"required":   strconv.Itoa(threshold),
	})
	s.notifyAdmins(ctx, admins, interfaces.EventGroupUnlockRequested, req,
		"Group vault unlock requested",
		fmt.Sprintf("%s asked to unlock group vault %s (%d approvals required). Reason: %s", requester, groupID, threshold, reason))
	s.log.Info("group unlock requested", "groupID", groupID, "requestID", req.ID, "requester", requester)

	return s.approve(ctx, req, admins, requester)
}

// Approve records an administrator's approval. Repeat approvals are accepted
// without changing the count and are flagged AlreadyApproved. The approval
// that reaches the threshold unlocks the group within this call. Approving an
// already unlocked request returns the session key to the approving admin.
func (s *Service) Approve(ctx context.Context, requestID, approver string) (*ApprovalResult, error) {
	req, err := s.store.GetUnlockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(req.GroupID)
	defer unlock()

	// Reload under the group lock.
	if req, err = s.store.GetUnlockRequest(ctx, requestID); err != nil {
		return nil, err
	}
	admins, err := s.requireAdmin(ctx, req.GroupID, approver)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case interfaces.GroupUnlockPending, interfaces.GroupUnlockUnlocked:
		if s.expireIfStale(ctx, req) {
			return nil, interfaces.ErrRequestExpired
		}
	case interfaces.GroupUnlockExpired:
		return nil, interfaces.ErrRequestExpired
	default:
		return nil, interfaces.ErrRequestNotPending
	}
	return s.approve(ctx, req, admins, approver)
}

// Lock relocks a group. Any administrator may lock regardless of who approved
// the unlock. A pending request is cancelled; locking a locked group is a no-op.
func (s *Service) Lock(ctx context.Context, groupID, actor string) error {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	admins, err := s.requireAdmin(ctx, groupID, actor)
	if err != nil {
		return err
	}
	s.sessions.Delete(groupID)

	req, err := s.store.FindActiveUnlockRequest(ctx, groupID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	to, eventType := interfaces.GroupUnlockLocked, interfaces.EventGroupLocked
	if req.Status == interfaces.GroupUnlockPending {
		to, eventType = interfaces.GroupUnlockCancelled, interfaces.EventGroupUnlockCancelled
	}
	ok, err := s.store.TransitionUnlockRequest(ctx, req.ID, req.Status, to, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	metrics.GroupUnlockTransitions.WithLabelValues(string(to)).Inc()

	s.emit(ctx, eventType, actor, groupID, true, map[string]string{"request_id": req.ID})
	s.notifyAdmins(ctx, admins, eventType, req, "Group vault locked",
		fmt.Sprintf("%s locked group vault %s.", actor, groupID))
	s.log.Info("group vault locked", "groupID", groupID, "requestID", req.ID, "actor", actor)
	return nil
}

// Cancel withdraws a pending request. Any administrator of the group may cancel.
func (s *Service) Cancel(ctx context.Context, requestID, actor string) error {
	req, err := s.store.GetUnlockRequest(ctx, requestID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(req.GroupID)
	defer unlock()

	if req, err = s.store.GetUnlockRequest(ctx, requestID); err != nil {
		return err
	}
	admins, err := s.requireAdmin(ctx, req.GroupID, actor)
	if err != nil {
		return err
	}
	if req.Status == interfaces.GroupUnlockPending && s.expireIfStale(ctx, req) {
		return interfaces.ErrRequestExpired
	}

	ok, err := s.store.TransitionUnlockRequest(ctx, req.ID, interfaces.GroupUnlockPending, interfaces.GroupUnlockCancelled, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return interfaces.ErrRequestNotPending
	}
	metrics.GroupUnlockTransitions.WithLabelValues(string(interfaces.GroupUnlockCancelled)).Inc()

	s.emit(ctx, interfaces.EventGroupUnlockCancelled, actor, req.GroupID, true, map[string]string{"request_id": req.ID})
	s.notifyAdmins(ctx, admins, interfaces.EventGroupUnlockCancelled, req, "Group vault unlock cancelled",
		fmt.Sprintf("%s cancelled the unlock request for group vault %s.", actor, req.GroupID))
	return nil
}

// Status reports whether a group is unlocked and the state of its most recent
// active request. Only administrators may query it.
func (s *Service) Status(ctx context.Context, groupID, actor string) (*GroupStatus, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	if _, err := s.requireAdmin(ctx, groupID, actor); err != nil {
		return nil, err
	}

	status := &GroupStatus{GroupID: groupID}
	req, err := s.store.FindActiveUnlockRequest(ctx, groupID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	if s.expireIfStale(ctx, req) {
		return status, nil
	}

	approvers, err := s.approverIDs(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	status.Request = req
	status.Approvers = approvers
	status.Unlocked = req.Status == interfaces.GroupUnlockUnlocked
	return status, nil
}

// Authorize checks a group session key against the group's current unlocked
// session. Any mismatch, including a locked or expired group, yields
// ErrSessionNotFound.
func (s *Service) Authorize(ctx context.Context, groupID string, sessionKey []byte) (*interfaces.GroupVaultSession, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()
	return s.authorize(ctx, groupID, sessionKey)
}

// ReadVault returns the group vault payload for a valid session key.
func (s *Service) ReadVault(ctx context.Context, groupID string, sessionKey []byte) ([]byte, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	if _, err := s.authorize(ctx, groupID, sessionKey); err != nil {
		return nil, err
	}
	sealed, err := s.store.GetGroupVault(ctx, groupID)
	if err != nil {
		return nil, err
	}
	data, err := s.keyring.Decrypt(groupVaultPurpose(groupID), sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open group vault: %w", err)
	}
	return data, nil
}

// WriteVault replaces the group vault payload for a valid session key.
func (s *Service) WriteVault(ctx context.Context, groupID string, sessionKey, data []byte) error {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	sess, err := s.authorize(ctx, groupID, sessionKey)
	if err != nil {
		return err
	}
	sealed, err := s.keyring.Encrypt(groupVaultPurpose(groupID), data)
	if err != nil {
		return err
	}
	if err := s.store.PutGroupVault(ctx, groupID, sealed); err != nil {
		return fmt.Errorf("failed to store group vault: %w", err)
	}
	s.emit(ctx, interfaces.EventVaultUpdated, "", groupID, true, map[string]string{"request_id": sess.RequestID})
	return nil
}

// ExportBackup copies the group vault payload into backup storage and returns
// its content id. The payload stays sealed under the server keyring.
func (s *Service) ExportBackup(ctx context.Context, groupID string, sessionKey []byte) (interfaces.ContentID, error) {
	if s.backups == nil {
		return interfaces.ContentID{}, fmt.Errorf("%w: no backup storage configured", interfaces.ErrBackendUnavailable)
	}
	unlock := s.locks.Lock(groupID)
	defer unlock()

	sess, err := s.authorize(ctx, groupID, sessionKey)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	sealed, err := s.store.GetGroupVault(ctx, groupID)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	id, err := s.backups.Store(ctx, sealed, interfaces.GroupVaultBackupType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to store group backup: %w", err)
	}

	s.emit(ctx, interfaces.EventVaultExported, "", groupID, true, map[string]string{
		"request_id": sess.RequestID,
		"content_id": id.String(),
	})
	return id, nil
}

// RestoreBackup replaces the group vault payload with a stored backup. A
// backup taken from another group does not open and is rejected.
func (s *Service) RestoreBackup(ctx context.Context, groupID string, sessionKey []byte, id interfaces.ContentID) error {
	if s.backups == nil {
		return fmt.Errorf("%w: no backup storage configured", interfaces.ErrBackendUnavailable)
	}
	unlock := s.locks.Lock(groupID)
	defer unlock()

	sess, err := s.authorize(ctx, groupID, sessionKey)
	if err != nil {
		return err
	}
	sealed, err := s.backups.Fetch(ctx, id, interfaces.GroupVaultBackupType)
	if err != nil {
		return err
	}
	data, err := s.keyring.Decrypt(groupVaultPurpose(groupID), sealed)
	if err != nil {
		return fmt.Errorf("%w: backup belongs to another group", interfaces.ErrConflict)
	}
	cryptoutils.Wipe(data)

	if err := s.store.PutGroupVault(ctx, groupID, sealed); err != nil {
		return fmt.Errorf("failed to store group vault: %w", err)
	}
	s.emit(ctx, interfaces.EventVaultRestored, "", groupID, true, map[string]string{
		"request_id": sess.RequestID,
		"content_id": id.String(),
	})
	return nil
}

// ExpireStale expires pending requests past their TTL and relocks groups
// whose unlock duration has elapsed. It returns how many requests changed.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	changed := 0
	for _, status := range []interfaces.GroupUnlockStatus{interfaces.GroupUnlockPending, interfaces.GroupUnlockUnlocked} {
		reqs, err := s.store.ListUnlockRequests(ctx, status)
		if err != nil {
			return changed, err
		}
		for i := range reqs {
			if !s.stale(&reqs[i]) {
				continue
			}
			if s.expireLocked(ctx, reqs[i].GroupID, reqs[i].ID) {
				changed++
			}
		}
	}
	return changed, nil
}

// Restore rebuilds the session cache from unlocked requests after a restart.
// Requests whose unlock duration elapsed while the process was down are
// relocked instead. It returns how many sessions were restored.
func (s *Service) Restore(ctx context.Context) (int, error) {
	reqs, err := s.store.ListUnlockRequests(ctx, interfaces.GroupUnlockUnlocked)
	if err != nil {
		return 0, err
	}
	restored := 0
	for i := range reqs {
		req := &reqs[i]
		if s.stale(req) {
			s.expireLocked(ctx, req.GroupID, req.ID)
			continue
		}
		if _, err := s.restoreSession(ctx, req); err != nil {
			s.log.Error("failed to restore group session", "groupID", req.GroupID, "requestID", req.ID, "err", err)
			continue
		}
		restored++
	}
	s.log.Info("group sessions restored", "count", restored)
	return restored, nil
}

func (s *Service) approve(ctx context.Context, req *interfaces.GroupUnlockRequest, admins []interfaces.GroupAdmin, approver string) (*ApprovalResult, error) {
	inserted, count, err := s.store.AddApproval(ctx, interfaces.GroupUnlockApproval{
		RequestID:  req.ID,
		ApprovedBy: approver,
		ApprovedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	result := &ApprovalResult{Request: req, Count: count, AlreadyApproved: !inserted}

	if inserted {
		s.emit(ctx, interfaces.EventGroupUnlockApproved, approver, req.GroupID, true, map[string]string{
			"request_id": req.ID,
			"count":      strconv.Itoa(count),
		})
	}
	if req.Status == interfaces.GroupUnlockPending && count >= req.RequiredApprovals {
		if err := s.finalize(ctx, req, admins, approver); err != nil {
			return nil, err
		}
	}
	if req.Status == interfaces.GroupUnlockUnlocked {
		sess, err := s.session(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Unlocked = true
		result.SessionKey = append([]byte(nil), sess.SessionKey...)
	}
	return result, nil
}

// finalize moves a pending request to unlocked with a fresh session key.
func (s *Service) finalize(ctx context.Context, req *interfaces.GroupUnlockRequest, admins []interfaces.GroupAdmin, approver string) error {
	key, err := cryptoutils.RandomBytes(sessionKeySize)
	if err != nil {
		return err
	}
	sealed, err := s.keyring.Encrypt(sessionPurpose(req.ID), key)
	if err != nil {
		return err
	}
	adminKeys := make(map[string][]byte)
	for _, admin := range admins {
		if len(admin.PublicKeyPEM) == 0 {
			continue
		}
		encrypted, err := cryptoutils.EncryptWithPublicKey(admin.PublicKeyPEM, key)
		if err != nil {
			s.log.Warn("failed to encrypt session key for admin", "groupID", req.GroupID, "admin", admin.UserID, "err", err)
			continue
		}
		adminKeys[admin.UserID] = encrypted
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.UnlockDuration)
	ok, err := s.store.MarkUnlocked(ctx, req.ID, sealed, adminKeys, now, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to mark request unlocked: %w", err)
	}
	if !ok {
		// Finalized by another process; adopt the stored state.
		cryptoutils.Wipe(key)
		fresh, err := s.store.GetUnlockRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		*req = *fresh
		return nil
	}

	req.Status = interfaces.GroupUnlockUnlocked
	req.SessionKeyEncrypted = sealed
	req.AdminSessionKeys = adminKeys
	req.UnlockedAt = &now
	req.SessionExpiresAt = &expiresAt

	// The group is unlocked from here on; a failed lookup only narrows the
	// cached approver list.
	approvers, err := s.approverIDs(ctx, req.ID)
	if err != nil {
		s.log.Warn("failed to list approvals", "groupID", req.GroupID, "requestID", req.ID, "err", err)
		approvers = []string{approver}
	}
	s.cacheSession(req, key, approvers)
	metrics.GroupUnlockTransitions.WithLabelValues(string(interfaces.GroupUnlockUnlocked)).Inc()

	s.emit(ctx, interfaces.EventGroupUnlocked, "", req.GroupID, true, map[string]string{
		"request_id": req.ID,
		"approvers":  strconv.Itoa(len(approvers)),
	})
	s.notifyAdmins(ctx, admins, interfaces.EventGroupUnlocked, req, "Group vault unlocked",
		fmt.Sprintf("Group vault %s is unlocked until %s.", req.GroupID, expiresAt.Format(time.RFC3339)))
	s.log.Info("group vault unlocked", "groupID", req.GroupID, "requestID", req.ID, "approvers", len(approvers))
	return nil
}

func (s *Service) authorize(ctx context.Context, groupID string, sessionKey []byte) (*interfaces.GroupVaultSession, error) {
	if len(sessionKey) == 0 {
		return nil, interfaces.ErrSessionNotFound
	}
	req, err := s.store.FindActiveUnlockRequest(ctx, groupID)
	if errors.Is(err, interfaces.ErrNotFound) {
		s.sessions.Delete(groupID)
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.Status != interfaces.GroupUnlockUnlocked || s.expireIfStale(ctx, req) {
		return nil, interfaces.ErrSessionNotFound
	}

	sess, err := s.session(ctx, req)
	if err != nil {
		return nil, err
	}
	if !cryptoutils.ConstantTimeEqual(sess.SessionKey, sessionKey) {
		return nil, interfaces.ErrSessionNotFound
	}
	out := *sess
	out.SessionKey = nil
	out.ApproverIDs = append([]string(nil), sess.ApproverIDs...)
	return &out, nil
}

// session returns the cached session of an unlocked request, restoring it
// from the encrypted copy on the request when the cache has none.
func (s *Service) session(ctx context.Context, req *interfaces.GroupUnlockRequest) (*interfaces.GroupVaultSession, error) {
	if v, ok := s.sessions.Get(req.GroupID); ok {
		if sess := v.(*interfaces.GroupVaultSession); sess.RequestID == req.ID {
			return sess, nil
		}
	}
	return s.restoreSession(ctx, req)
}

func (s *Service) restoreSession(ctx context.Context, req *interfaces.GroupUnlockRequest) (*interfaces.GroupVaultSession, error) {
	key, err := s.keyring.Decrypt(sessionPurpose(req.ID), req.SessionKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to open session key: %w", err)
	}
	approvers, err := s.approverIDs(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return s.cacheSession(req, key, approvers), nil
}

func (s *Service) cacheSession(req *interfaces.GroupUnlockRequest, key []byte, approvers []string) *interfaces.GroupVaultSession {
	sess := &interfaces.GroupVaultSession{
		GroupID:     req.GroupID,
		SessionKey:  key,
		RequestID:   req.ID,
		ApproverIDs: approvers,
		ExpiresAt:   *req.SessionExpiresAt,
	}
	if ttl := sess.ExpiresAt.Sub(s.now()); ttl > 0 {
		s.sessions.Set(req.GroupID, sess, ttl)
	}
	return sess
}

// stale reports whether a pending request outlived its TTL or an unlocked
// request outlived its unlock duration.
func (s *Service) stale(req *interfaces.GroupUnlockRequest) bool {
	now := s.now()
	switch req.Status {
	case interfaces.GroupUnlockPending:
		return !now.Before(req.ExpiresAt)
	case interfaces.GroupUnlockUnlocked:
		return req.SessionExpiresAt == nil || !now.Before(*req.SessionExpiresAt)
	}
	return false
}

// expireIfStale applies expiry to a stale request and reports whether it was
// stale. The caller holds the group lock.
func (s *Service) expireIfStale(ctx context.Context, req *interfaces.GroupUnlockRequest) bool {
	if !s.stale(req) {
		return false
	}
	to := interfaces.GroupUnlockExpired
	if req.Status == interfaces.GroupUnlockUnlocked {
		to = interfaces.GroupUnlockLocked
		s.sessions.Delete(req.GroupID)
	}
	ok, err := s.store.TransitionUnlockRequest(ctx, req.ID, req.Status, to, s.now().UTC())
	if err != nil {
		s.log.Error("failed to expire unlock request", "requestID", req.ID, "err", err)
		return true
	}
	if ok {
		metrics.GroupUnlockTransitions.WithLabelValues(string(to)).Inc()
		eventType := interfaces.EventGroupUnlockExpired
		if to == interfaces.GroupUnlockLocked {
			eventType = interfaces.EventGroupLocked
		}
		s.emit(ctx, eventType, "", req.GroupID, true, map[string]string{"request_id": req.ID, "reason": "expired"})
	}
	req.Status = to
	return true
}

// expireLocked reloads a request under its group lock and expires it if it is
// still stale.
func (s *Service) expireLocked(ctx context.Context, groupID, requestID string) bool {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	req, err := s.store.GetUnlockRequest(ctx, requestID)
	if err != nil {
		s.log.Error("failed to load unlock request", "requestID", requestID, "err", err)
		return false
	}
	return s.expireIfStale(ctx, req)
}

func (s *Service) resultFor(ctx context.Context, req *interfaces.GroupUnlockRequest, userID string) (*ApprovalResult, error) {
	approvers, err := s.approverIDs(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	result := &ApprovalResult{Request: req, Count: len(approvers)}
	for _, id := range approvers {
		if id == userID {
			result.AlreadyApproved = true
		}
	}
	if req.Status == interfaces.GroupUnlockUnlocked {
		sess, err := s.session(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Unlocked = true
		result.SessionKey = append([]byte(nil), sess.SessionKey...)
	}
	return result, nil
}

func (s *Service) requireAdmin(ctx context.Context, groupID, userID string) ([]interfaces.GroupAdmin, error) {
	admins, err := s.directory.Admins(ctx, groupID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, interfaces.ErrNotAuthorizedForRequest
	}
	if err != nil {
		return nil, err
	}
	for _, a := range admins {
		if a.UserID == userID {
			return admins, nil
		}
	}
	return nil, interfaces.ErrNotAuthorizedForRequest
}

func (s *Service) approverIDs(ctx context.Context, requestID string) ([]string, error) {
	approvals, err := s.store.ListApprovals(ctx, requestID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(approvals))
	for i, a := range approvals {
		ids[i] = a.ApprovedBy
	}
	return ids, nil
}

func (s *Service) notifyAdmins(ctx context.Context, admins []interfaces.GroupAdmin, eventType interfaces.EventType, req *interfaces.GroupUnlockRequest, subject, body string) {
	recipients := make([]string, 0, len(admins))
	for _, a := range admins {
		if a.Email != "" {
			recipients = append(recipients, a.Email)
		} else {
			recipients = append(recipients, a.UserID)
		}
	}
	s.events.Notify(ctx, interfaces.Notification{
		Type:       eventType,
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
		Metadata:   map[string]string{"group_id": req.GroupID, "request_id": req.ID},
	})
}

func (s *Service) emit(ctx context.Context, eventType interfaces.EventType, actorID, groupID string, success bool, metadata map[string]string) {
	s.events.Emit(ctx, interfaces.AuditEvent{
		Type:      eventType,
		ActorID:   actorID,
		SubjectID: groupID,
		Success:   success,
		Metadata:  metadata,
	})
}

func sessionPurpose(requestID string) string {
	return "group-session:" + requestID
}

func groupVaultPurpose(groupID string) string {
	return "group-vault:" + groupID
}
