package vault

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/threshold-vault-backend/events"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/session"
	"github.com/ruteri/threshold-vault-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	svc      *Service
	store    *storage.MemoryStore
	sessions *session.Manager
	events   *events.Recorder
}

func newServiceFixture(t *testing.T, backups interfaces.StorageBackend) *serviceFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	sessions := session.NewManager(session.NewMemoryStore(), session.Config{TTL: time.Minute, MaxLifetime: time.Hour}, log)
	rec := &events.Recorder{}
	return &serviceFixture{
		svc:      NewService(newTestCore(), store, sessions, rec, backups, log),
		store:    store,
		sessions: sessions,
		events:   rec,
	}
}

func TestService_CreateUnlockRead(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	phrase, err := f.svc.Create(ctx, "alice", []byte("pw"), []byte("creds"))
	require.NoError(t, err)
	assert.NotEmpty(t, phrase)

	_, err = f.svc.Create(ctx, "alice", []byte("pw"), []byte("creds"))
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	res, err := f.svc.Unlock(ctx, "alice", []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("creds"), res.Data)
	assert.NotEmpty(t, res.Token)

	data, err := f.svc.ReadData(ctx, "alice", res.Token)
	require.NoError(t, err)
	assert.Equal(t, []byte("creds"), data)

	_, err = f.svc.ReadData(ctx, "bob", res.Token)
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound, "A token is bound to its user")

	require.NoError(t, f.svc.UpdateData(ctx, "alice", res.Token, []byte("creds v2")))
	data, err = f.svc.ReadData(ctx, "alice", res.Token)
	require.NoError(t, err)
	assert.Equal(t, []byte("creds v2"), data)

	expiresAt, err := f.svc.ExtendSession(ctx, "alice", res.Token)
	require.NoError(t, err)
	assert.False(t, expiresAt.Before(res.ExpiresAt))

	require.NoError(t, f.svc.Lock(ctx, "alice", res.Token))
	_, err = f.svc.ReadData(ctx, "alice", res.Token)
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	assert.Equal(t, []interfaces.EventType{
		interfaces.EventVaultCreated,
		interfaces.EventVaultUnlocked,
		interfaces.EventVaultUpdated,
		interfaces.EventVaultLocked,
	}, f.events.Types())
}

func TestService_WrongPasswordLeavesVaultUntouched(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "alice", []byte("pw"), []byte("creds"))
	require.NoError(t, err)
	before, ok := f.store.RawVault("alice")
	require.True(t, ok)

	_, err = f.svc.Unlock(ctx, "alice", []byte("nope"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	err = f.svc.ChangePassword(ctx, "alice", []byte("nope"), []byte("new"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	after, ok := f.store.RawVault("alice")
	require.True(t, ok)
	assert.Equal(t, before, after, "Stored vault bytes must be unchanged after a failed unlock")

	_, err = f.svc.Unlock(ctx, "nobody", []byte("pw"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword, "Unknown users fail like wrong passwords")

	types := f.events.Types()
	assert.Contains(t, types, interfaces.EventVaultUnlockFailed)
}

func TestService_ChangePasswordRevokesSessions(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "alice", []byte("old"), []byte("creds"))
	require.NoError(t, err)
	res, err := f.svc.Unlock(ctx, "alice", []byte("old"))
	require.NoError(t, err)

	require.NoError(t, f.svc.ChangePassword(ctx, "alice", []byte("old"), []byte("new")))

	_, err = f.svc.ReadData(ctx, "alice", res.Token)
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	res, err = f.svc.Unlock(ctx, "alice", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("creds"), res.Data)
}

func TestService_RestoreWithSeed(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "alice", []byte("old"), []byte("creds"))
	require.NoError(t, err)
	seed, err := f.svc.ExtractSeed(ctx, "alice", []byte("old"))
	require.NoError(t, err)

	before, ok := f.store.RawVault("alice")
	require.True(t, ok)
	err = f.svc.RestoreWithSeed(ctx, "alice", make([]byte, SeedSize), []byte("new"))
	assert.Error(t, err)
	after, _ := f.store.RawVault("alice")
	assert.Equal(t, before, after, "A wrong seed must not touch the vault")

	require.NoError(t, f.svc.RestoreWithSeed(ctx, "alice", seed, []byte("new")))
	res, err := f.svc.Unlock(ctx, "alice", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("creds"), res.Data)

	restored, err := f.svc.ExtractSeed(ctx, "alice", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, seed, restored)
}

func TestService_BackupRoundTrip(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	f := newServiceFixture(t, backend)
	ctx := context.Background()

	_, err = f.svc.Create(ctx, "alice", []byte("pw"), []byte("creds"))
	require.NoError(t, err)
	res, err := f.svc.Unlock(ctx, "alice", []byte("pw"))
	require.NoError(t, err)

	id, err := f.svc.ExportBackup(ctx, "alice", res.Token)
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateData(ctx, "alice", res.Token, []byte("changed")))

	err = f.svc.RestoreBackup(ctx, "alice", res.Token, id, []byte("wrong"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)

	require.NoError(t, f.svc.RestoreBackup(ctx, "alice", res.Token, id, []byte("pw")))
	res, err = f.svc.Unlock(ctx, "alice", []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("creds"), res.Data)

	t.Run("no backend", func(t *testing.T) {
		g := newServiceFixture(t, nil)
		_, err := g.svc.ExportBackup(ctx, "alice", "token")
		assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	})
}

func TestService_ImportOverExistingVault(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "alice", []byte("pw"), []byte("creds"))
	require.NoError(t, err)
	seed, err := f.svc.ExtractSeed(ctx, "alice", []byte("pw"))
	require.NoError(t, err)
	res, err := f.svc.Unlock(ctx, "alice", []byte("pw"))
	require.NoError(t, err)
	own, err := f.svc.Export(ctx, "alice", res.Token)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, "mallory", []byte("evil"), []byte("planted"))
	require.NoError(t, err)
	mallory, err := f.svc.Unlock(ctx, "mallory", []byte("evil"))
	require.NoError(t, err)
	foreign, err := f.svc.Export(ctx, "mallory", mallory.Token)
	require.NoError(t, err)

	before, ok := f.store.RawVault("alice")
	require.True(t, ok)

	err = f.svc.Import(ctx, "alice", "", foreign, []byte("evil"))
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound, "Replacing a vault needs a live session")
	err = f.svc.Import(ctx, "alice", mallory.Token, foreign, []byte("evil"))
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound, "Another user's session does not count")
	err = f.svc.Import(ctx, "alice", res.Token, foreign, []byte("evil"))
	assert.ErrorIs(t, err, interfaces.ErrConflict, "A backup with another seed is rejected")

	after, _ := f.store.RawVault("alice")
	assert.Equal(t, before, after, "Rejected imports leave the vault untouched")

	require.NoError(t, f.svc.UpdateData(ctx, "alice", res.Token, []byte("creds v2")))
	require.NoError(t, f.svc.Import(ctx, "alice", res.Token, own, []byte("pw")))

	_, err = f.svc.ReadData(ctx, "alice", res.Token)
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound, "Import signs out every session")
	restored, err := f.svc.ExtractSeed(ctx, "alice", []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, seed, restored)
	res, err = f.svc.Unlock(ctx, "alice", []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("creds"), res.Data)

	t.Run("new user", func(t *testing.T) {
		require.NoError(t, f.svc.Import(ctx, "carol", "", own, []byte("pw")))
		carol, err := f.svc.Unlock(ctx, "carol", []byte("pw"))
		require.NoError(t, err)
		assert.Equal(t, []byte("creds"), carol.Data)
	})
}

func TestService_UnknownUserUnlockIsAudited(t *testing.T) {
	f := newServiceFixture(t, nil)

	_, err := f.svc.Unlock(context.Background(), "nobody", []byte("pw"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidPassword)
	assert.Equal(t, []interfaces.EventType{interfaces.EventVaultUnlockFailed}, f.events.Types())
}
