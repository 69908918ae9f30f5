package recovery

import (
	"math/bits"
	"strings"
	"testing"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContacts(n int) []Contact {
	names := []string{"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi", "ivan", "judy", "mallory"}
	contacts := make([]Contact, n)
	for i := range contacts {
		contacts[i] = Contact{Email: names[i] + "@example.com", Name: strings.ToUpper(names[i][:1]) + names[i][1:]}
	}
	return contacts
}

func newTestEngine(t *testing.T) *SocialEngine {
	t.Helper()
	keyring, err := cryptoutils.NewRandomKeyring()
	require.NoError(t, err)
	return NewSocialEngine(keyring, 0)
}

func decryptAll(t *testing.T, e *SocialEngine, setup *SocialSetup) [][]byte {
	t.Helper()
	frames := make([][]byte, len(setup.Shards))
	for i, shard := range setup.Shards {
		frame, err := e.DecryptContactShard(setup.RecoveryID, shard.Email, shard.EncryptedShard)
		require.NoError(t, err)
		frames[i] = frame
	}
	return frames
}

func TestSocialEngine_EverySubset(t *testing.T) {
	e := newTestEngine(t)

	configs := []struct {
		contacts  int
		threshold int
	}{
		{3, 2},
		{3, 3},
		{5, 3},
		{6, 4},
	}

	for _, cfg := range configs {
		seed, err := cryptoutils.RandomBytes(32)
		require.NoError(t, err)

		setup, err := e.Setup(seed, testContacts(cfg.contacts), cfg.threshold)
		require.NoError(t, err)
		assert.Equal(t, cfg.contacts, setup.TotalShares)
		assert.Equal(t, cfg.threshold, setup.Threshold)
		require.Len(t, setup.Shards, cfg.contacts)

		frames := decryptAll(t, e, setup)

		for mask := 1; mask < 1<<cfg.contacts; mask++ {
			subset := make([][]byte, 0, cfg.contacts)
			// Reverse order to show reconstruction is order independent.
			for i := cfg.contacts - 1; i >= 0; i-- {
				if mask&(1<<i) != 0 {
					subset = append(subset, frames[i])
				}
			}

			got, err := e.Reconstruct(subset)
			if bits.OnesCount(uint(mask)) >= cfg.threshold {
				require.NoError(t, err, "contacts=%d threshold=%d mask=%b", cfg.contacts, cfg.threshold, mask)
				assert.Equal(t, seed, got)
			} else {
				assert.ErrorIs(t, err, interfaces.ErrInsufficientShards, "contacts=%d threshold=%d mask=%b", cfg.contacts, cfg.threshold, mask)
				assert.Nil(t, got)
			}
		}
	}
}

func TestSocialEngine_DuplicateSharesDoNotCount(t *testing.T) {
	e := newTestEngine(t)
	seed, err := cryptoutils.RandomBytes(32)
	require.NoError(t, err)
	setup, err := e.Setup(seed, testContacts(3), 2)
	require.NoError(t, err)
	frames := decryptAll(t, e, setup)

	_, err = e.Reconstruct([][]byte{frames[0], frames[0]})
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShards)
}

func TestSocialEngine_MixedSetupsFailClosed(t *testing.T) {
	e := newTestEngine(t)
	seed, err := cryptoutils.RandomBytes(32)
	require.NoError(t, err)

	first, err := e.Setup(seed, testContacts(3), 2)
	require.NoError(t, err)
	second, err := e.Setup(seed, testContacts(3), 2)
	require.NoError(t, err)
	assert.NotEqual(t, first.RecoveryID, second.RecoveryID)

	a := decryptAll(t, e, first)
	b := decryptAll(t, e, second)

	_, err = e.Reconstruct([][]byte{a[0], b[1]})
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShards, "Shares of different setups must not combine")
}

func TestSocialEngine_ShardBoundToContact(t *testing.T) {
	e := newTestEngine(t)
	seed, err := cryptoutils.RandomBytes(32)
	require.NoError(t, err)
	setup, err := e.Setup(seed, testContacts(3), 2)
	require.NoError(t, err)

	bobShard := setup.Shards[1]

	_, err = e.DecryptContactShard(setup.RecoveryID, "ALICE@example.com", bobShard.EncryptedShard)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorizedForRequest)

	_, err = e.DecryptContactShard("another-recovery", bobShard.Email, bobShard.EncryptedShard)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorizedForRequest)

	_, err = e.DecryptContactShard(setup.RecoveryID, " Bob@Example.com ", bobShard.EncryptedShard)
	assert.NoError(t, err, "Contact email matching is case-insensitive")
}

func TestSocialEngine_Validation(t *testing.T) {
	e := newTestEngine(t)
	seed := make([]byte, 32)

	tests := []struct {
		name      string
		contacts  []Contact
		threshold int
	}{
		{"too few contacts", testContacts(2), 2},
		{"too many contacts", testContacts(11), 3},
		{"threshold below two", testContacts(3), 1},
		{"threshold above contacts", testContacts(3), 4},
		{"duplicate contact", append(testContacts(3), Contact{Email: "ALICE@example.com"}), 2},
		{"invalid email", []Contact{{Email: "a@example.com"}, {Email: "b@example.com"}, {Email: "not-an-email"}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Setup(seed, tt.contacts, tt.threshold)
			assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
		})
	}
}
