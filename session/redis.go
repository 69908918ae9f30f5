package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

const (
	redisSessionPrefix = "vault:session:"
	redisUserPrefix    = "vault:user-sessions:"
)

// RedisConfig selects the Redis instance holding sessions.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisStore keeps sessions in Redis so several server processes share them.
// The vault key is sealed under the server keyring before it leaves the
// process; Redis never sees it in plaintext. Keys carry a Redis TTL at the
// session expiry, and each user has an index set for DeleteUser.
type RedisStore struct {
	client  redis.UniversalClient
	keyring *cryptoutils.Keyring
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, keyring *cryptoutils.Keyring) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreWithClient(client, keyring), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyring *cryptoutils.Keyring) *RedisStore {
	return &RedisStore{client: client, keyring: keyring}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

type redisSession struct {
	UserID        string    `json:"user_id"`
	VaultKey      []byte    `json:"vault_key_enc"`
	UnlockedAt    time.Time `json:"unlocked_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	HardExpiresAt time.Time `json:"hard_expires_at"`
}

func sessionPurpose(tokenHash string) string {
	return "vault-session:" + tokenHash
}

func (r *RedisStore) encode(s *interfaces.VaultSession) ([]byte, error) {
	encKey, err := r.keyring.Encrypt(sessionPurpose(s.TokenHash), s.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal session key: %w", err)
	}
	return json.Marshal(redisSession{
		UserID:        s.UserID,
		VaultKey:      encKey,
		UnlockedAt:    s.UnlockedAt,
		ExpiresAt:     s.ExpiresAt,
		HardExpiresAt: s.HardExpiresAt,
	})
}

func (r *RedisStore) decode(tokenHash string, raw []byte) (*interfaces.VaultSession, error) {
	var rec redisSession
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("malformed session record: %w", err)
	}
	key, err := r.keyring.Decrypt(sessionPurpose(tokenHash), rec.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open session key: %w", err)
	}
	return &interfaces.VaultSession{
		TokenHash:     tokenHash,
		UserID:        rec.UserID,
		VaultKey:      key,
		UnlockedAt:    rec.UnlockedAt,
		ExpiresAt:     rec.ExpiresAt,
		HardExpiresAt: rec.HardExpiresAt,
	}, nil
}

func (r *RedisStore) Put(ctx context.Context, s *interfaces.VaultSession) error {
	raw, err := r.encode(s)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetArgs(ctx, redisSessionPrefix+s.TokenHash, raw, redis.SetArgs{ExpireAt: s.ExpiresAt})
		pipe.SAdd(ctx, redisUserPrefix+s.UserID, s.TokenHash)
		pipe.ExpireAt(ctx, redisUserPrefix+s.UserID, s.HardExpiresAt)
		return nil
	})
	return err
}

func (r *RedisStore) Get(ctx context.Context, tokenHash string) (*interfaces.VaultSession, error) {
	raw, err := r.client.Get(ctx, redisSessionPrefix+tokenHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.decode(tokenHash, raw)
}

// Replace writes with SET XX, so a session deleted concurrently stays deleted.
func (r *RedisStore) Replace(ctx context.Context, s *interfaces.VaultSession) (bool, error) {
	raw, err := r.encode(s)
	if err != nil {
		return false, err
	}
	err = r.client.SetArgs(ctx, redisSessionPrefix+s.TokenHash, raw, redis.SetArgs{Mode: "XX", ExpireAt: s.ExpiresAt}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisStore) Delete(ctx context.Context, tokenHash string) error {
	s, err := r.Get(ctx, tokenHash)
	if err != nil && !errors.Is(err, interfaces.ErrSessionNotFound) {
		// The record is unreadable; still drop it.
		return r.client.Del(ctx, redisSessionPrefix+tokenHash).Err()
	}
	if s == nil {
		return interfaces.ErrSessionNotFound
	}
	cryptoutils.Wipe(s.VaultKey)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisSessionPrefix+tokenHash)
		pipe.SRem(ctx, redisUserPrefix+s.UserID, tokenHash)
		return nil
	})
	return err
}

func (r *RedisStore) DeleteUser(ctx context.Context, userID string) (int, error) {
	members, err := r.client.SMembers(ctx, redisUserPrefix+userID).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	keys := make([]string, len(members))
	for i, tokenHash := range members {
		keys[i] = redisSessionPrefix + tokenHash
	}

	var deleted *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.Del(ctx, redisUserPrefix+userID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(deleted.Val()), nil
}

// Sweep prunes index entries whose session key Redis has already expired.
// Session records themselves expire through their Redis TTL.
func (r *RedisStore) Sweep(ctx context.Context, _ time.Time) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, redisUserPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		userKey := iter.Val()
		members, err := r.client.SMembers(ctx, userKey).Result()
		if err != nil {
			return removed, err
		}
		for _, tokenHash := range members {
			exists, err := r.client.Exists(ctx, redisSessionPrefix+tokenHash).Result()
			if err != nil {
				return removed, err
			}
			if exists == 0 {
				if err := r.client.SRem(ctx, userKey, tokenHash).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, iter.Err()
}

func (r *RedisStore) Count(ctx context.Context) (int, error) {
	count := 0
	iter := r.client.Scan(ctx, 0, redisSessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count, iter.Err()
}
