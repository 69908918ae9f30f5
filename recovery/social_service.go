package recovery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/metrics"
)

// SetupSocial splits the user's seed among contacts. Running it again replaces
// every contact and shard, which makes all earlier shards unusable, and cancels
// any open request.
func (s *Service) SetupSocial(ctx context.Context, userID string, password []byte, contacts []Contact, threshold int) (*SocialSetup, error) {
	seed, err := s.vaults.ExtractSeed(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(seed)

	setup, err := s.social.Setup(seed, contacts, threshold)
	if err != nil {
		return nil, err
	}

	configEncrypted, err := s.sealConfig(userID, interfaces.MethodSocial, interfaces.SocialConfig{
		RecoveryID:  setup.RecoveryID,
		Threshold:   setup.Threshold,
		TotalShares: setup.TotalShares,
	})
	if err != nil {
		return nil, err
	}

	records := make([]interfaces.RecoveryContact, len(setup.Shards))
	for i, shard := range setup.Shards {
		records[i] = interfaces.RecoveryContact{
			UserID:         userID,
			RecoveryID:     setup.RecoveryID,
			ContactEmail:   shard.Email,
			ContactName:    shard.Name,
			ShareIndex:     shard.ShareIndex,
			EncryptedShard: shard.EncryptedShard,
		}
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.cancelPending(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceContacts(ctx, userID, records); err != nil {
		return nil, fmt.Errorf("failed to store contacts: %w", err)
	}
	if err := s.putMethod(ctx, userID, interfaces.MethodSocial, configEncrypted); err != nil {
		return nil, fmt.Errorf("failed to store recovery method: %w", err)
	}

	for _, shard := range setup.Shards {
		s.events.Notify(ctx, interfaces.Notification{
			Type:       interfaces.EventRecoverySetup,
			Recipients: []string{shard.Email},
			Subject:    "You have been named a recovery contact",
			Body: "You were added as a trusted recovery contact. Keep the shard below; it is only " +
				"useful together with other contacts' shards.\n\n" + base64.StdEncoding.EncodeToString(shard.EncryptedShard),
			Metadata: map[string]string{"share_index": strconv.Itoa(shard.ShareIndex)},
		})
	}
	s.emit(ctx, interfaces.EventRecoverySetup, userID, userID, true, map[string]string{
		"method":       string(interfaces.MethodSocial),
		"threshold":    strconv.Itoa(setup.Threshold),
		"total_shares": strconv.Itoa(setup.TotalShares),
	})
	s.log.Info("social recovery configured", "userID", userID, "threshold", setup.Threshold, "contacts", setup.TotalShares)
	return setup, nil
}

// Initiate opens a recovery request for the user and returns it with the
// completion token. If an active request exists it is returned instead, with
// an empty token; the token is only ever handed out once.
func (s *Service) Initiate(ctx context.Context, userID string) (*interfaces.RecoveryRequest, string, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	method, err := s.store.GetMethod(ctx, userID, interfaces.MethodSocial)
	if errors.Is(err, interfaces.ErrNotFound) || (err == nil && !method.Enabled) {
		return nil, "", interfaces.ErrMethodNotConfigured
	}
	if err != nil {
		return nil, "", err
	}
	var cfg interfaces.SocialConfig
	if err := s.openConfig(method, &cfg); err != nil {
		return nil, "", err
	}

	existing, err := s.store.FindPendingRequest(ctx, userID)
	switch {
	case err == nil && existing.Active(s.now()):
		return existing, "", nil
	case err == nil:
		s.expire(ctx, existing)
	case !errors.Is(err, interfaces.ErrNotFound):
		return nil, "", err
	}

	token, err := cryptoutils.NewOpaqueToken()
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	req := &interfaces.RecoveryRequest{
		ID:         uuid.NewString(),
		UserID:     userID,
		RecoveryID: cfg.RecoveryID,
		TokenHash:  cryptoutils.HashToken(token),
		Threshold:  cfg.Threshold,
		Status:     interfaces.RecoveryPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.RequestTTL),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, interfaces.ErrConflict) {
			// Another process opened one first.
			existing, findErr := s.store.FindPendingRequest(ctx, userID)
			if findErr != nil {
				return nil, "", findErr
			}
			return existing, "", nil
		}
		return nil, "", fmt.Errorf("failed to create recovery request: %w", err)
	}
	metrics.RecoveryRequests.WithLabelValues("initiated").Inc()

	contacts, err := s.store.ListContacts(ctx, userID)
	if err != nil {
		s.log.Warn("failed to list contacts for notification", "userID", userID, "err", err)
	}
	recipients := make([]string, 0, len(contacts))
	for _, c := range contacts {
		recipients = append(recipients, c.ContactEmail)
	}
	s.events.Notify(ctx, interfaces.Notification{
		Type:       interfaces.EventRecoveryInitiated,
		Recipients: recipients,
		Subject:    "A vault recovery needs your help",
		Body: fmt.Sprintf("A recovery of a vault you protect was started. If you were asked to help, submit "+
			"your shard for request %s before %s.", req.ID, req.ExpiresAt.Format("2006-01-02 15:04 MST")),
		Metadata: map[string]string{"request_id": req.ID},
	})
	s.emit(ctx, interfaces.EventRecoveryInitiated, userID, userID, true, map[string]string{"request_id": req.ID})
	return req, token, nil
}

// SubmitShard records a contact's shard for a request. Each contact may submit
// once; a repeat is rejected with ErrDuplicateShardSubmission and leaves the
// count unchanged.
func (s *Service) SubmitShard(ctx context.Context, requestID, contactEmail string, encryptedShard []byte) (*interfaces.RecoveryRequest, error) {
	req, err := s.activeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	contact, err := s.store.FindContact(ctx, req.RecoveryID, contactEmail)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, interfaces.ErrNotAuthorizedForRequest
	}
	if err != nil {
		return nil, err
	}

	frame, err := s.social.DecryptContactShard(req.RecoveryID, contact.ContactEmail, encryptedShard)
	if err != nil {
		s.emit(ctx, interfaces.EventShardSubmitted, contact.ContactEmail, req.UserID, false, map[string]string{"request_id": req.ID})
		return nil, err
	}
	sealed, err := s.keyring.Encrypt(shardPurpose(req.ID, contact.ContactEmail), frame)
	cryptoutils.Wipe(frame)
	if err != nil {
		return nil, err
	}

	count, err := s.store.AddShard(ctx, interfaces.CollectedShard{
		RequestID:      req.ID,
		ContactEmail:   contact.ContactEmail,
		ShardEncrypted: sealed,
		SubmittedAt:    s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	req.ShardsCollected = count
	metrics.RecoveryRequests.WithLabelValues("shard_submitted").Inc()

	s.emit(ctx, interfaces.EventShardSubmitted, contact.ContactEmail, req.UserID, true, map[string]string{
		"request_id": req.ID,
		"collected":  strconv.Itoa(count),
	})
	if req.Complete() {
		s.events.Notify(ctx, interfaces.Notification{
			Type:       interfaces.EventShardSubmitted,
			Recipients: []string{req.UserID},
			Subject:    "Your vault recovery can be completed",
			Body:       fmt.Sprintf("Enough contacts have responded to recovery request %s. You can now set a new password.", req.ID),
			Metadata:   map[string]string{"request_id": req.ID},
		})
	}
	return req, nil
}

// Complete reconstructs the seed from the collected shards and rewraps it under
// newPassword. token is the one returned by Initiate. Collected shards are
// deleted as soon as the request is decided.
//
// The request is claimed as completed before the vault is touched, so a
// concurrent Cancel, expiry or second Complete either wins the claim or fails
// with ErrRequestNotPending. A failed rewrap hands the claim back.
func (s *Service) Complete(ctx context.Context, requestID, token string, newPassword []byte) error {
	req, err := s.activeRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !cryptoutils.ConstantTimeEqualString(cryptoutils.HashToken(token), req.TokenHash) {
		return interfaces.ErrNotAuthorizedForRequest
	}
	if !req.Complete() {
		return interfaces.ErrInsufficientShards
	}

	seed, err := s.reconstruct(ctx, req)
	if err != nil {
		s.fail(ctx, req, err)
		return err
	}
	defer cryptoutils.Wipe(seed)

	claimed, err := s.store.TransitionRequest(ctx, req.ID, interfaces.RecoveryPending, interfaces.RecoveryCompleted, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to claim recovery request: %w", err)
	}
	if !claimed {
		return interfaces.ErrRequestNotPending
	}

	if err := s.vaults.RestoreWithSeed(ctx, req.UserID, seed, newPassword); err != nil {
		if _, releaseErr := s.store.TransitionRequest(ctx, req.ID, interfaces.RecoveryCompleted, interfaces.RecoveryPending, s.now().UTC()); releaseErr != nil {
			s.log.Error("failed to release recovery request", "requestID", req.ID, "err", releaseErr)
		}
		if errors.Is(err, cryptoutils.ErrDecrypt) {
			err = interfaces.ErrInsufficientShards
		}
		s.fail(ctx, req, err)
		return err
	}

	s.dropShards(ctx, req.ID)
	metrics.RecoveryRequests.WithLabelValues("completed").Inc()

	s.emit(ctx, interfaces.EventRecoveryCompleted, req.UserID, req.UserID, true, map[string]string{"request_id": req.ID})
	s.events.Notify(ctx, interfaces.Notification{
		Type:       interfaces.EventRecoveryCompleted,
		Recipients: []string{req.UserID},
		Subject:    "Your vault was recovered",
		Body:       "Your vault password was reset through social recovery. All sessions were signed out.",
	})
	s.log.Info("social recovery completed", "userID", req.UserID, "requestID", req.ID)
	return nil
}

// Cancel closes a pending request on behalf of its owner.
func (s *Service) Cancel(ctx context.Context, requestID, userID string) error {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !cryptoutils.ConstantTimeEqualString(req.UserID, userID) {
		return interfaces.ErrNotAuthorizedForRequest
	}

	ok, err := s.store.TransitionRequest(ctx, req.ID, interfaces.RecoveryPending, interfaces.RecoveryCancelled, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return interfaces.ErrRequestNotPending
	}
	s.dropShards(ctx, req.ID)
	metrics.RecoveryRequests.WithLabelValues("cancelled").Inc()

	s.emit(ctx, interfaces.EventRecoveryCancelled, userID, userID, true, map[string]string{"request_id": req.ID})
	return nil
}

// Status returns a request. A pending request past its expiry is reported, and
// recorded, as expired.
func (s *Service) Status(ctx context.Context, requestID string) (*interfaces.RecoveryRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == interfaces.RecoveryPending && !req.Active(s.now()) {
		s.expire(ctx, req)
		req.Status = interfaces.RecoveryExpired
	}
	return req, nil
}

// ExpireStale expires every pending request past its TTL and returns how many
// were expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListExpiredRequests(ctx, s.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		if s.expire(ctx, &stale[i]) {
			expired++
		}
	}
	return expired, nil
}

// activeRequest loads a request that is pending and unexpired.
func (s *Service) activeRequest(ctx context.Context, requestID string) (*interfaces.RecoveryRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != interfaces.RecoveryPending {
		if req.Status == interfaces.RecoveryExpired {
			return nil, interfaces.ErrRequestExpired
		}
		return nil, interfaces.ErrRequestNotPending
	}
	if !req.Active(s.now()) {
		s.expire(ctx, req)
		return nil, interfaces.ErrRequestExpired
	}
	return req, nil
}

func (s *Service) reconstruct(ctx context.Context, req *interfaces.RecoveryRequest) ([]byte, error) {
	shards, err := s.store.ListShards(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, len(shards))
	defer func() {
		for _, f := range frames {
			cryptoutils.Wipe(f)
		}
	}()
	for _, shard := range shards {
		frame, err := s.keyring.Decrypt(shardPurpose(req.ID, shard.ContactEmail), shard.ShardEncrypted)
		if err != nil {
			s.log.Warn("collected shard does not open", "requestID", req.ID, "err", err)
			continue
		}
		frames = append(frames, frame)
	}
	return s.social.Reconstruct(frames)
}

// expire moves a pending request to expired and drops its shards. It reports
// whether this call performed the transition.
func (s *Service) expire(ctx context.Context, req *interfaces.RecoveryRequest) bool {
	ok, err := s.store.TransitionRequest(ctx, req.ID, interfaces.RecoveryPending, interfaces.RecoveryExpired, s.now().UTC())
	if err != nil {
		s.log.Error("failed to expire recovery request", "requestID", req.ID, "err", err)
		return false
	}
	s.dropShards(ctx, req.ID)
	if ok {
		metrics.RecoveryRequests.WithLabelValues("expired").Inc()
		s.emit(ctx, interfaces.EventRecoveryExpired, "", req.UserID, true, map[string]string{"request_id": req.ID})
	}
	return ok
}

func (s *Service) cancelPending(ctx context.Context, userID string) error {
	req, err := s.store.FindPendingRequest(ctx, userID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.store.TransitionRequest(ctx, req.ID, interfaces.RecoveryPending, interfaces.RecoveryCancelled, s.now().UTC()); err != nil {
		return err
	}
	s.dropShards(ctx, req.ID)
	return nil
}

func (s *Service) fail(ctx context.Context, req *interfaces.RecoveryRequest, err error) {
	metrics.RecoveryRequests.WithLabelValues("failed").Inc()
	s.emit(ctx, interfaces.EventRecoveryFailed, req.UserID, req.UserID, false, map[string]string{
		"request_id": req.ID,
		"reason":     err.Error(),
	})
}

func (s *Service) dropShards(ctx context.Context, requestID string) {
	if err := s.store.DeleteShards(ctx, requestID); err != nil {
		s.log.Error("failed to delete collected shards", "requestID", requestID, "err", err)
	}
}

func shardPurpose(requestID, contactEmail string) string {
	return "collected-shard:" + requestID + ":" + normalizeEmail(contactEmail)
}
