package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/events"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/session"
	"github.com/ruteri/threshold-vault-backend/storage"
	"github.com/ruteri/threshold-vault-backend/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKDFParams = cryptoutils.KDFParams{
	Algorithm: cryptoutils.KDFArgon2id,
	Time:      1,
	MemoryKiB: 8 * 1024,
	Threads:   1,
	KeyLen:    cryptoutils.KeySize,
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recoveryFixture struct {
	svc    *Service
	vaults *vault.Service
	store  *storage.MemoryStore
	events *events.Recorder
	clock  *testClock
	phrase string
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	keyring, err := cryptoutils.NewRandomKeyring()
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	sessions := session.NewManager(session.NewMemoryStore(), session.Config{}, log)
	rec := &events.Recorder{}
	vaults := vault.NewService(vault.NewCore(testKDFParams), store, sessions, rec, nil, log)

	phrase, err := vaults.Create(ctx, "owner", []byte("old password"), []byte("the owner's credentials"))
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(store, vaults, keyring, rec, Config{}, log).WithClock(clock.Now)
	return &recoveryFixture{svc: svc, vaults: vaults, store: store, events: rec, clock: clock, phrase: phrase}
}

func (f *recoveryFixture) seed(t *testing.T, password string) []byte {
	t.Helper()
	seed, err := f.vaults.ExtractSeed(context.Background(), "owner", []byte(password))
	require.NoError(t, err)
	return seed
}

func (f *recoveryFixture) data(t *testing.T, password string) []byte {
	t.Helper()
	res, err := f.vaults.Unlock(context.Background(), "owner", []byte(password))
	require.NoError(t, err)
	return res.Data
}

func TestSocialRecovery_EndToEnd(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	seedBefore := f.seed(t, "old password")

	setup, err := f.svc.SetupSocial(ctx, "owner", []byte("old password"), testContacts(3), 2)
	require.NoError(t, err)
	require.Len(t, setup.Shards, 3)
	for _, shard := range setup.Shards {
		assert.NotEmpty(t, shard.EncryptedShard)
	}
	assert.Len(t, f.events.Notifications(), 3, "Each contact is sent their shard")

	methods, err := f.svc.Methods(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, interfaces.MethodSocial, methods[0].Type)
	assert.Equal(t, 2, methods[0].Threshold)
	assert.Len(t, methods[0].Contacts, 3)

	req, token, err := f.svc.Initiate(ctx, "owner")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, 2, req.Threshold)
	assert.Equal(t, interfaces.RecoveryPending, req.Status)

	again, againToken, err := f.svc.Initiate(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, req.ID, again.ID, "At most one pending request per user")
	assert.Empty(t, againToken)

	assert.ErrorIs(t, f.svc.Complete(ctx, req.ID, token, []byte("new password")), interfaces.ErrInsufficientShards)

	alice, bob := setup.Shards[0], setup.Shards[1]

	got, err := f.svc.SubmitShard(ctx, req.ID, alice.Email, alice.EncryptedShard)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ShardsCollected)
	assert.False(t, got.Complete())

	_, err = f.svc.SubmitShard(ctx, req.ID, alice.Email, alice.EncryptedShard)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateShardSubmission)
	status, err := f.svc.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ShardsCollected, "A duplicate leaves the count unchanged")

	_, err = f.svc.SubmitShard(ctx, req.ID, "stranger@example.com", bob.EncryptedShard)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorizedForRequest)
	_, err = f.svc.SubmitShard(ctx, req.ID, setup.Shards[2].Email, bob.EncryptedShard)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorizedForRequest, "A shard only opens for its own contact")

	got, err = f.svc.SubmitShard(ctx, req.ID, bob.Email, bob.EncryptedShard)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ShardsCollected)
	assert.True(t, got.Complete())

	assert.ErrorIs(t, f.svc.Complete(ctx, req.ID, "wrong token", []byte("new password")), interfaces.ErrNotAuthorizedForRequest)
	require.NoError(t, f.svc.Complete(ctx, req.ID, token, []byte("new password")))

	assert.Equal(t, seedBefore, f.seed(t, "new password"))
	assert.Equal(t, []byte("the owner's credentials"), f.data(t, "new password"))
	_, err = f.vaults.Unlock(ctx, "owner", []byte("old password"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	status, err = f.svc.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryCompleted, status.Status)
	shards, err := f.store.ListShards(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, shards, "Collected shards are dropped once the request is decided")

	assert.ErrorIs(t, f.svc.Complete(ctx, req.ID, token, []byte("another")), interfaces.ErrRequestNotPending)
	assert.Contains(t, f.events.Types(), interfaces.EventRecoveryCompleted)
}

func TestSocialRecovery_Expiry(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	setup, err := f.svc.SetupSocial(ctx, "owner", []byte("old password"), testContacts(3), 2)
	require.NoError(t, err)
	req, token, err := f.svc.Initiate(ctx, "owner")
	require.NoError(t, err)

	_, err = f.svc.SubmitShard(ctx, req.ID, setup.Shards[0].Email, setup.Shards[0].EncryptedShard)
	require.NoError(t, err)

	f.clock.Advance(DefaultRequestTTL)

	_, err = f.svc.SubmitShard(ctx, req.ID, setup.Shards[1].Email, setup.Shards[1].EncryptedShard)
	assert.ErrorIs(t, err, interfaces.ErrRequestExpired)
	assert.ErrorIs(t, f.svc.Complete(ctx, req.ID, token, []byte("new password")), interfaces.ErrRequestExpired)

	status, err := f.svc.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryExpired, status.Status)
	shards, err := f.store.ListShards(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, shards)

	next, nextToken, err := f.svc.Initiate(ctx, "owner")
	require.NoError(t, err)
	assert.NotEqual(t, req.ID, next.ID, "An expired request does not block a new one")
	assert.NotEmpty(t, nextToken)

	f.clock.Advance(DefaultRequestTTL + time.Minute)
	expired, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	expired, err = f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestSocialRecovery_CancelAndDisable(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Initiate(ctx, "owner")
	assert.ErrorIs(t, err, interfaces.ErrMethodNotConfigured)

	_, err = f.svc.SetupSocial(ctx, "owner", []byte("wrong password"), testContacts(3), 2)
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	setup, err := f.svc.SetupSocial(ctx, "owner", []byte("old password"), testContacts(3), 2)
	require.NoError(t, err)
	req, _, err := f.svc.Initiate(ctx, "owner")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Cancel(ctx, req.ID, "mallory"), interfaces.ErrNotAuthorizedForRequest)
	require.NoError(t, f.svc.Cancel(ctx, req.ID, "owner"))
	assert.ErrorIs(t, f.svc.Cancel(ctx, req.ID, "owner"), interfaces.ErrRequestNotPending)

	_, err = f.svc.SubmitShard(ctx, req.ID, setup.Shards[0].Email, setup.Shards[0].EncryptedShard)
	assert.ErrorIs(t, err, interfaces.ErrRequestNotPending)

	require.NoError(t, f.svc.Disable(ctx, "owner", interfaces.MethodSocial))
	assert.ErrorIs(t, f.svc.Disable(ctx, "owner", interfaces.MethodSocial), interfaces.ErrMethodNotConfigured)
	contacts, err := f.store.ListContacts(ctx, "owner")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

// interceptedVaults runs beforeRestore ahead of every rewrap and aborts it
// when beforeRestore fails.
type interceptedVaults struct {
	Vaults
	beforeRestore func() error
}

func (v *interceptedVaults) RestoreWithSeed(ctx context.Context, userID string, seed, newPassword []byte) error {
	if err := v.beforeRestore(); err != nil {
		return err
	}
	return v.Vaults.RestoreWithSeed(ctx, userID, seed, newPassword)
}

// readyRequest sets up 3-of-2 social recovery and collects enough shards.
func (f *recoveryFixture) readyRequest(t *testing.T) (*interfaces.RecoveryRequest, string) {
	t.Helper()
	ctx := context.Background()
	setup, err := f.svc.SetupSocial(ctx, "owner", []byte("old password"), testContacts(3), 2)
	require.NoError(t, err)
	req, token, err := f.svc.Initiate(ctx, "owner")
	require.NoError(t, err)
	for _, shard := range setup.Shards[:2] {
		_, err := f.svc.SubmitShard(ctx, req.ID, shard.Email, shard.EncryptedShard)
		require.NoError(t, err)
	}
	return req, token
}

func TestSocialRecovery_CancelDuringCompleteLoses(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	req, token := f.readyRequest(t)

	var cancelErr error
	f.svc.vaults = &interceptedVaults{Vaults: f.vaults, beforeRestore: func() error {
		cancelErr = f.svc.Cancel(ctx, req.ID, "owner")
		return nil
	}}

	require.NoError(t, f.svc.Complete(ctx, req.ID, token, []byte("new password")))
	assert.ErrorIs(t, cancelErr, interfaces.ErrRequestNotPending)

	status, err := f.svc.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryCompleted, status.Status)
	assert.Equal(t, []byte("the owner's credentials"), f.data(t, "new password"))
	assert.NotContains(t, f.events.Types(), interfaces.EventRecoveryCancelled)
}

func TestSocialRecovery_FailedRewrapReleasesRequest(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	req, token := f.readyRequest(t)

	var seenStatus interfaces.RecoveryStatus
	f.svc.vaults = &interceptedVaults{Vaults: f.vaults, beforeRestore: func() error {
		got, err := f.store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		seenStatus = got.Status
		return errors.New("store offline")
	}}

	assert.Error(t, f.svc.Complete(ctx, req.ID, token, []byte("new password")))
	assert.Equal(t, interfaces.RecoveryCompleted, seenStatus, "The request is claimed before the vault is touched")

	status, err := f.svc.Status(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryPending, status.Status)
	assert.Nil(t, status.CompletedAt)

	require.NoError(t, f.svc.Cancel(ctx, req.ID, "owner"))
	assert.Equal(t, []byte("the owner's credentials"), f.data(t, "old password"))
}

func TestSocialRecovery_ResetupInvalidatesOldShards(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	old, err := f.svc.SetupSocial(ctx, "owner", []byte("old password"), testContacts(3), 2)
	require.NoError(t, err)
	_, err = f.svc.SetupSocial(ctx, "owner", []byte("old password"), testContacts(4), 3)
	require.NoError(t, err)

	req, _, err := f.svc.Initiate(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, 3, req.Threshold)

	_, err = f.svc.SubmitShard(ctx, req.ID, old.Shards[0].Email, old.Shards[0].EncryptedShard)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorizedForRequest)
}

func TestHardwareRecovery(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	seedBefore := f.seed(t, "old password")

	assert.ErrorIs(t, f.svc.RecoverWithBackupKey(ctx, "owner", "AAAA", []byte("x")), interfaces.ErrInvalidBackupKey)

	display, err := f.svc.SetupHardware(ctx, "owner", []byte("old password"))
	require.NoError(t, err)
	assert.NotEmpty(t, display)

	other, err := GenerateBackupKey()
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.RecoverWithBackupKey(ctx, "owner", other.Display, []byte("new password")), interfaces.ErrInvalidBackupKey)
	assert.ErrorIs(t, f.svc.RecoverWithBackupKey(ctx, "nobody", display, []byte("new password")), interfaces.ErrInvalidBackupKey,
		"An unknown user fails like a wrong key")

	require.NoError(t, f.svc.RecoverWithBackupKey(ctx, "owner", display, []byte("new password")))
	assert.Equal(t, seedBefore, f.seed(t, "new password"))
	assert.Equal(t, []byte("the owner's credentials"), f.data(t, "new password"))

	require.NoError(t, f.svc.RecoverWithBackupKey(ctx, "owner", display, []byte("third password")),
		"The backup key survives password changes")

	require.NoError(t, f.svc.Disable(ctx, "owner", interfaces.MethodHardware))
	assert.ErrorIs(t, f.svc.RecoverWithBackupKey(ctx, "owner", display, []byte("x")), interfaces.ErrInvalidBackupKey)
}

func TestPhraseRecovery(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	seedBefore := f.seed(t, "old password")

	assert.ErrorIs(t, f.svc.RecoverWithPhrase(ctx, "owner", "not a phrase", []byte("x")), interfaces.ErrInvalidRecoveryPhrase)

	otherSeed, err := cryptoutils.RandomBytes(vault.SeedSize)
	require.NoError(t, err)
	otherPhrase, err := vault.SeedToPhrase(otherSeed)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.RecoverWithPhrase(ctx, "owner", otherPhrase, []byte("x")), interfaces.ErrInvalidRecoveryPhrase)
	assert.ErrorIs(t, f.svc.RecoverWithPhrase(ctx, "nobody", f.phrase, []byte("x")), interfaces.ErrInvalidRecoveryPhrase)

	require.NoError(t, f.svc.RecoverWithPhrase(ctx, "owner", f.phrase, []byte("new password")))
	assert.Equal(t, seedBefore, f.seed(t, "new password"))
	assert.Equal(t, []byte("the owner's credentials"), f.data(t, "new password"))
}
