package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ interfaces.VaultStore    = (*MemoryStore)(nil)
	_ interfaces.RecoveryStore = (*MemoryStore)(nil)
	_ interfaces.GroupStore    = (*MemoryStore)(nil)
	_ interfaces.VaultStore    = (*PostgresStore)(nil)
	_ interfaces.RecoveryStore = (*PostgresStore)(nil)
	_ interfaces.GroupStore    = (*PostgresStore)(nil)
)

func TestMemoryStore_RecoveryRequests(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	req := &interfaces.RecoveryRequest{
		ID:        "req-1",
		UserID:    "user-1",
		Threshold: 2,
		Status:    interfaces.RecoveryPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.CreateRequest(ctx, req))

	second := *req
	second.ID = "req-2"
	assert.ErrorIs(t, s.CreateRequest(ctx, &second), interfaces.ErrConflict, "one pending request per user")

	count, err := s.AddShard(ctx, interfaces.CollectedShard{RequestID: "req-1", ContactEmail: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.AddShard(ctx, interfaces.CollectedShard{RequestID: "req-1", ContactEmail: "A@Example.com"})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateShardSubmission)
	assert.Equal(t, 1, count)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ShardsCollected)

	expired, err := s.ListExpiredRequests(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	ok, err := s.TransitionRequest(ctx, "req-1", interfaces.RecoveryPending, interfaces.RecoveryCancelled, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TransitionRequest(ctx, "req-1", interfaces.RecoveryPending, interfaces.RecoveryCompleted, now)
	require.NoError(t, err)
	assert.False(t, ok, "transition only applies from the expected status")

	_, err = s.AddShard(ctx, interfaces.CollectedShard{RequestID: "req-1", ContactEmail: "b@example.com"})
	assert.ErrorIs(t, err, interfaces.ErrRequestNotPending)

	require.NoError(t, s.CreateRequest(ctx, &second), "a new request is allowed once the old one is decided")
}

func TestMemoryStore_Approvals(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.CreateUnlockRequest(ctx, &interfaces.GroupUnlockRequest{
		ID: "u-1", GroupID: "g-1", Status: interfaces.GroupUnlockPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	assert.ErrorIs(t, s.CreateUnlockRequest(ctx, &interfaces.GroupUnlockRequest{
		ID: "u-2", GroupID: "g-1", Status: interfaces.GroupUnlockPending,
	}), interfaces.ErrConflict)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = s.AddApproval(ctx, interfaces.GroupUnlockApproval{RequestID: "u-1", ApprovedBy: []string{"x", "y", "z"}[i%3]})
		}(i)
	}
	wg.Wait()

	approvals, err := s.ListApprovals(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, approvals, 3)

	inserted, count, err := s.AddApproval(ctx, interfaces.GroupUnlockApproval{RequestID: "u-1", ApprovedBy: "x"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 3, count)

	ok, err := s.MarkUnlocked(ctx, "u-1", []byte("enc"), nil, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkUnlocked(ctx, "u-1", []byte("enc"), nil, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "only one caller finalizes the unlock")

	active, err := s.FindActiveUnlockRequest(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.GroupUnlockUnlocked, active.Status)
	assert.Equal(t, []byte("enc"), active.SessionKeyEncrypted)
}

func TestMemoryStore_ContactsAndMethods(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.ReplaceContacts(ctx, "user-1", []interfaces.RecoveryContact{
		{UserID: "user-1", RecoveryID: "rec-1", ContactEmail: "Alice@Example.com", ShareIndex: 1, EncryptedShard: []byte("s1")},
		{UserID: "user-1", RecoveryID: "rec-1", ContactEmail: "bob@example.com", ShareIndex: 2, EncryptedShard: []byte("s2")},
	}))

	c, err := s.FindContact(ctx, "rec-1", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, c.ShareIndex)

	require.NoError(t, s.ReplaceContacts(ctx, "user-1", []interfaces.RecoveryContact{
		{UserID: "user-1", RecoveryID: "rec-2", ContactEmail: "carol@example.com", ShareIndex: 1},
	}))
	_, err = s.FindContact(ctx, "rec-1", "alice@example.com")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "setup replaces every contact")

	require.NoError(t, s.PutMethod(ctx, &interfaces.RecoveryMethod{UserID: "user-1", MethodType: interfaces.MethodSocial, Enabled: true}))
	require.NoError(t, s.PutMethod(ctx, &interfaces.RecoveryMethod{UserID: "user-1", MethodType: interfaces.MethodHardware, Enabled: true}))
	methods, err := s.ListMethods(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	require.NoError(t, s.DeleteMethod(ctx, "user-1", interfaces.MethodHardware))
	_, err = s.GetMethod(ctx, "user-1", interfaces.MethodHardware)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
